package metricsx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic.",
		},
		[]string{"topic", "group"},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB write failures.",
		},
	)
	escalationActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escalation_actions_created_total",
			Help: "Escalation actions created, by action type.",
		},
		[]string{"action_type"},
	)
	suspensionsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "suspensions_expired_total",
			Help: "Temporary suspensions expired by the sweeper.",
		},
	)
	vendorEvalFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vendor_evaluation_failures_total",
			Help: "Per-vendor evaluation failures.",
		},
	)
	vendorEvalLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vendor_evaluation_duration_seconds",
			Help:    "Per-vendor evaluation latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	evalRunLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "evaluation_run_duration_seconds",
			Help:    "Full evaluation run latency in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)
	notifyFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notify_dispatch_failures_total",
			Help: "Total notification dispatch failures.",
		},
	)
	notifySuccess = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notify_dispatch_success_total",
			Help: "Total notification dispatch successes.",
		},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
)

func Register() {
	prometheus.MustRegister(httpRequests, httpLatency, kafkaConsumerLag, influxWriteFailures, escalationActions, suspensionsExpired, vendorEvalFailures, vendorEvalLatency, evalRunLatency, notifyFailures, notifySuccess, asynqQueueDepth)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

func IncInfluxWriteFailure() {
	influxWriteFailures.Inc()
}

func IncEscalationAction(actionType string) {
	escalationActions.WithLabelValues(actionType).Inc()
}

func AddSuspensionsExpired(n int) {
	suspensionsExpired.Add(float64(n))
}

func IncVendorEvalFailure() {
	vendorEvalFailures.Inc()
}

func ObserveVendorEvalLatency(d time.Duration) {
	vendorEvalLatency.Observe(d.Seconds())
}

func ObserveEvalRunLatency(d time.Duration) {
	evalRunLatency.Observe(d.Seconds())
}

func IncNotifyFailure() {
	notifyFailures.Inc()
}

func IncNotifySuccess() {
	notifySuccess.Inc()
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
