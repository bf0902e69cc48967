package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"vendor-reputation-engine/internal/engine"
	"vendor-reputation-engine/internal/middleware"
	"vendor-reputation-engine/internal/notifications"
	"vendor-reputation-engine/internal/repos"
	"vendor-reputation-engine/internal/reputation"
	"vendor-reputation-engine/shared/authx"
	"vendor-reputation-engine/shared/cachex"
	"vendor-reputation-engine/shared/config"
	"vendor-reputation-engine/shared/dbx"
	"vendor-reputation-engine/shared/httpx"
	"vendor-reputation-engine/shared/influxx"
	"vendor-reputation-engine/shared/lockx"
	"vendor-reputation-engine/shared/logx"
	"vendor-reputation-engine/shared/metricsx"
	"vendor-reputation-engine/shared/mqx"
	"vendor-reputation-engine/shared/observability"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

func main() {
	cfg, readyProblems := config.Load("reputation-api", 8080)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}

	var dbPool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		var err error
		dbPool, err = dbx.NewPool(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "failed to connect to database"})
			logger.Error(context.Background(), "db_init_failed", "database init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	}

	policy, err := reputation.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		readyProblems = append(readyProblems, config.Problem{Field: "POLICY_PATH", Message: "failed to load escalation policy"})
		logger.Error(context.Background(), "policy_load_failed", "policy load failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("policy_path", cfg.PolicyPath),
			slog.String("error", err.Error()),
		)
		policy = reputation.DefaultPolicy()
	}

	var cache *cachex.Client
	if cfg.RedisAddr != "" {
		cache, err = cachex.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "cache_init_failed", "redis unavailable, gate cache disabled",
				slog.String("error", err.Error()),
			)
			cache = nil
		}
	}

	vendorsRepo := repos.NewVendorsRepo(dbPool)
	actionsRepo := repos.NewActionsRepo(dbPool)
	ordersRepo := repos.NewOrdersRepo(dbPool)
	auditRepo := repos.NewAuditRepo(dbPool)

	eng := engine.New(logger, vendorsRepo, actionsRepo, ordersRepo, policy, engine.Options{
		WindowDays:       cfg.EvalWindowDays,
		SuspendDays:      cfg.SuspendDays,
		PerVendorTimeout: time.Duration(cfg.VendorEvalTimeoutMS) * time.Millisecond,
		GateCacheTTL:     time.Duration(cfg.GateCacheTTLSec) * time.Second,
	})
	if cache != nil {
		eng = eng.WithGateCache(cache)
	}

	var producer *mqx.Producer
	if len(cfg.KafkaBrokers) > 0 {
		producer, err = mqx.NewProducer(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "KAFKA_BROKERS", Message: "failed to initialize kafka producer"})
		} else {
			eng = eng.WithNotifier(notifications.NewKafkaNotifier(producer))
		}
	}

	if cfg.InfluxURL != "" {
		influx, err := influxx.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "influx_init_failed", "influx unavailable, metrics history disabled",
				slog.String("error", err.Error()),
			)
		} else {
			eng = eng.WithHistory(influx)
			defer influx.Close()
		}
	}

	var verifier *authx.JWTVerifier
	if cfg.OIDCIssuer != "" && cfg.OIDCAudience != "" {
		verifier, err = authx.NewJWTVerifier(cfg.OIDCIssuer, cfg.OIDCAudience, cfg.OIDCJWKSURL, cfg.JWKSTTLSeconds, cfg.JWTClockSkewSec)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "OIDC_ISSUER", Message: "failed to initialize JWT verifier"})
		}
	}

	shutdownTracer, err := observability.InitTracer(context.Background(), observability.TracerConfig{
		ServiceName: cfg.ServiceName,
		Env:         cfg.Env,
		Endpoint:    cfg.OtelEndpoint,
		Insecure:    cfg.OtelInsecure,
		SampleRatio: cfg.OtelSampleRatio,
	})
	if err != nil {
		logger.Warn(context.Background(), "otel_init_failed", "tracing disabled",
			slog.String("error", err.Error()),
		)
		shutdownTracer = func(context.Context) error { return nil }
	}

	metricsx.Register()

	handlers := &apiHandlers{
		engine:    eng,
		adminRole: cfg.AdminRole,
	}
	if cache != nil {
		handlers.runLock = func(r *http.Request) (func(), bool, error) {
			lock, ok, err := lockx.Acquire(r.Context(), cache.Client(), "lock:evaluation-run", 10*time.Minute)
			if err != nil || !ok {
				return nil, ok, err
			}
			return func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := lockx.Release(releaseCtx, cache.Client(), lock); err != nil {
					logger.Warn(releaseCtx, "lock_release_failed", "failed to release evaluation lock",
						slog.String("error", err.Error()),
					)
				}
			}, true, nil
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: invalid configuration",
				map[string]any{"problems": readyProblems},
			)
			return
		}
		if err := dbx.Ping(r.Context(), dbPool); err != nil {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: database unavailable",
				map[string]any{"problem": "db_ping_failed"},
			)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())

	mux.HandleFunc("GET /api/v1/me", func(w http.ResponseWriter, r *http.Request) {
		auth, ok := authx.FromContext(r.Context())
		if !ok {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing auth context", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"subject": auth.Subject,
			"email":   auth.Email,
			"name":    auth.Name,
			"roles":   auth.Roles,
		})
	})

	mux.HandleFunc("GET /api/v1/vendors/{vendorID}/actions", handlers.listVendorActions)
	mux.HandleFunc("GET /api/v1/vendors/{vendorID}/order-acceptance", handlers.orderAcceptance)

	admin := func(h http.HandlerFunc) http.Handler {
		return middleware.RequireRole(cfg.AdminRole, h)
	}
	mux.Handle("GET /api/v1/admin/escalations", admin(handlers.listOpenEscalations))
	mux.Handle("POST /api/v1/admin/escalations", admin(handlers.createEscalation))
	mux.Handle("GET /api/v1/admin/escalations/{actionID}", admin(handlers.getEscalation))
	mux.Handle("POST /api/v1/admin/escalations/{actionID}/override", admin(handlers.overrideEscalation))
	mux.Handle("GET /api/v1/admin/escalation-policy", admin(handlers.getPolicy))
	mux.Handle("POST /api/v1/admin/evaluations/run", admin(handlers.runEvaluation))

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	skipInfra := func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics"
	}

	handler := httpx.WrapServeMux(mux, notFound)
	handler = middleware.DBRequiredMiddleware{
		Pool: dbPool,
		Skip: skipInfra,
	}.Wrap(handler)
	handler = middleware.AuditMiddleware{
		Enabled: cfg.AuditEnabled,
		Repo:    auditRepo,
		Logger:  logger,
		Skip:    skipInfra,
	}.Wrap(handler)
	handler = middleware.RateLimitMiddleware{
		Limiter: middleware.NewIPRateLimiter(50, 100, 10*time.Minute),
		Skip:    skipInfra,
	}.Wrap(handler)
	handler = middleware.AuthMiddleware{
		Verifier: verifier,
		Skip:     skipInfra,
	}.Wrap(handler)
	handler = middleware.CORSMiddleware{
		AllowedOrigins: []string{},
		Skip:           skipInfra,
	}.Wrap(handler)
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	handler = metricsx.Instrument(handler)
	handler = otelhttp.NewHandler(handler, "http")

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.String("policy_version", policy.Version),
			slog.Int("request_timeout_ms", cfg.RequestTimeoutMS),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "otel_shutdown_failed", "tracer shutdown failed",
			slog.String("error", err.Error()),
		)
	}
	if producer != nil {
		_ = producer.Close()
	}
	if cache != nil {
		_ = cache.Close()
	}
	if dbPool != nil {
		dbPool.Close()
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}
