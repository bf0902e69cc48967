package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"vendor-reputation-engine/internal/engine"
	"vendor-reputation-engine/internal/notifications"
	"vendor-reputation-engine/internal/repos"
	"vendor-reputation-engine/internal/reputation"
	"vendor-reputation-engine/shared/cachex"
	"vendor-reputation-engine/shared/config"
	"vendor-reputation-engine/shared/dbx"
	"vendor-reputation-engine/shared/influxx"
	"vendor-reputation-engine/shared/lockx"
	"vendor-reputation-engine/shared/logx"
	"vendor-reputation-engine/shared/metricsx"
	"vendor-reputation-engine/shared/mqx"
	"vendor-reputation-engine/shared/observability"
)

const (
	taskEvaluate = "reputation.evaluate"
	taskSweep    = "reputation.sweep"

	evaluationLockKey = "lock:evaluation-run"
	evaluationLockTTL = 10 * time.Minute
)

func main() {
	cfg, problems := config.Load("reputation-worker", 8083)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.AsynqRedisAddr == "" {
		problems = append(problems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
	}
	policy, err := reputation.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		problems = append(problems, config.Problem{Field: "POLICY_PATH", Message: "failed to load escalation policy"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	if cfg.OtelEnabled {
		if shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		}); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	dbPool, err := dbx.NewPool(cfg)
	if err != nil {
		logger.Error(context.Background(), "db_init_failed", "db init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer dbPool.Close()

	eng := engine.New(logger,
		repos.NewVendorsRepo(dbPool),
		repos.NewActionsRepo(dbPool),
		repos.NewOrdersRepo(dbPool),
		policy,
		engine.Options{
			WindowDays:       cfg.EvalWindowDays,
			SuspendDays:      cfg.SuspendDays,
			PerVendorTimeout: time.Duration(cfg.VendorEvalTimeoutMS) * time.Millisecond,
			GateCacheTTL:     time.Duration(cfg.GateCacheTTLSec) * time.Second,
		},
	)

	var cache *cachex.Client
	if cfg.RedisAddr != "" {
		cache, err = cachex.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "cache_init_failed", "redis unavailable, run lock disabled",
				slog.String("error", err.Error()),
			)
			cache = nil
		} else {
			defer cache.Close()
			eng = eng.WithGateCache(cache)
		}
	}

	var producer *mqx.Producer
	if len(cfg.KafkaBrokers) > 0 {
		producer, err = mqx.NewProducer(cfg)
		if err != nil {
			logger.Error(context.Background(), "kafka_init_failed", "kafka producer init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
		defer producer.Close()
		eng = eng.WithNotifier(notifications.NewKafkaNotifier(producer))
	}

	if cfg.InfluxURL != "" {
		influx, err := influxx.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "influx_init_failed", "influx unavailable, metrics history disabled",
				slog.String("error", err.Error()),
			)
		} else {
			defer influx.Close()
			eng = eng.WithHistory(influx)
		}
	}

	metricsx.Register()

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues: map[string]int{
			cfg.AsynqQueue: 1,
		},
	})
	defer server.Shutdown()

	mux := asynq.NewServeMux()
	mux.HandleFunc(taskEvaluate, func(ctx context.Context, t *asynq.Task) error {
		ctx, span := otel.Tracer("asynq").Start(ctx, "reputation.evaluate")
		span.SetAttributes(attribute.String("queue", cfg.AsynqQueue))
		defer span.End()

		// A manual run from the admin surface holds the same lock, so
		// a scheduled run never doubles up on it.
		if cache != nil {
			lock, ok, err := lockx.Acquire(ctx, cache.Client(), evaluationLockKey, evaluationLockTTL)
			if err != nil {
				return err
			}
			if !ok {
				logger.Info(ctx, "evaluation_skipped", "evaluation already running, skipping")
				return nil
			}
			defer func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = lockx.Release(releaseCtx, cache.Client(), lock)
			}()
		}

		summary, err := eng.RunEvaluation(ctx)
		if err != nil {
			return err
		}
		logger.Info(ctx, "evaluation_summary", "scheduled evaluation finished",
			slog.Int("vendors_evaluated", summary.VendorsEvaluated),
			slog.Int("vendors_failed", summary.VendorsFailed),
			slog.Int("warnings_created", summary.WarningsCreated),
			slog.Int("suspensions_created", summary.SuspensionsCreated),
			slog.Int("blocks_created", summary.BlocksCreated),
			slog.Int("suspensions_expired", summary.SuspensionsExpired),
		)
		return nil
	})
	mux.HandleFunc(taskSweep, func(ctx context.Context, t *asynq.Task) error {
		ctx, span := otel.Tracer("asynq").Start(ctx, "reputation.sweep")
		span.SetAttributes(attribute.String("queue", cfg.AsynqQueue))
		defer span.End()

		expired, err := eng.SweepExpired(ctx)
		if err != nil {
			return err
		}
		if expired > 0 {
			logger.Info(ctx, "sweep_summary", "expired suspensions swept",
				slog.Int("expired", expired),
			)
		}
		return nil
	})

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
	})
	defer scheduler.Shutdown()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	if _, err := scheduler.Register(cfg.EvalCron, asynq.NewTask(taskEvaluate, nil, asynq.Queue(cfg.AsynqQueue))); err != nil {
		logger.Error(context.Background(), "scheduler_init_failed", "scheduler init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("task", taskEvaluate),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if _, err := scheduler.Register(cfg.SweepCron, asynq.NewTask(taskSweep, nil, asynq.Queue(cfg.AsynqQueue))); err != nil {
		logger.Error(context.Background(), "scheduler_init_failed", "scheduler init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("task", taskSweep),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if err := scheduler.Start(); err != nil {
		logger.Error(context.Background(), "scheduler_start_failed", "scheduler start failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			info, err := inspector.GetQueueInfo(cfg.AsynqQueue)
			if err != nil {
				continue
			}
			metricsx.SetAsynqQueueDepth(cfg.AsynqQueue, info.Size)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "worker_start", "reputation worker started",
			slog.String("queue", cfg.AsynqQueue),
			slog.Int("concurrency", cfg.AsynqConcurrency),
			slog.String("eval_cron", cfg.EvalCron),
			slog.String("sweep_cron", cfg.SweepCron),
			slog.String("policy_version", policy.Version),
		)
		errCh <- server.Run(mux)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, asynq.ErrServerClosed) {
			logger.Error(context.Background(), "worker_failed", "worker failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	logger.Info(context.Background(), "worker_stop", "reputation worker stopped")
}
