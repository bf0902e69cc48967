package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"ENV", "SERVICE_NAME", "HTTP_PORT", "PORT", "LOG_LEVEL", "CONFIG_PATH",
		"REQUEST_TIMEOUT_MS", "OIDC_ISSUER", "OIDC_AUDIENCE", "OIDC_JWKS_URL",
		"JWKS_CACHE_TTL_SECONDS", "JWT_CLOCK_SKEW_SECONDS", "ADMIN_ROLE",
		"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"DB_CONN_MAX_IDLE_SECONDS", "DB_CONN_MAX_LIFETIME_SECONDS", "AUDIT_ENABLED",
		"KAFKA_BROKERS", "KAFKA_CLIENT_ID", "KAFKA_CONSUMER_GROUP",
		"KAFKA_RETRY_MAX", "KAFKA_WRITE_TIMEOUT_MS",
		"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
		"ASYNQ_REDIS_ADDR", "ASYNQ_REDIS_PASSWORD", "ASYNQ_REDIS_DB",
		"ASYNQ_QUEUE", "ASYNQ_CONCURRENCY",
		"INFLUX_URL", "INFLUX_TOKEN", "INFLUX_ORG", "INFLUX_BUCKET", "INFLUX_TIMEOUT_MS",
		"NOTIFY_SERVICE_URL", "NOTIFY_TIMEOUT_MS", "NOTIFY_RETRY_MAX", "NOTIFY_ENABLED",
		"EVAL_WINDOW_DAYS", "SUSPEND_DURATION_DAYS", "EVAL_CRON", "SWEEP_CRON",
		"VENDOR_EVAL_TIMEOUT_MS", "GATE_CACHE_TTL_SECONDS", "POLICY_PATH",
		"OTEL_ENABLED", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_INSECURE",
		"OTEL_SAMPLE_RATIO",
	}
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func hasProblem(problems []Problem, field string) bool {
	for _, p := range problems {
		if p.Field == field {
			return true
		}
	}
	return false
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV", "dev")

	cfg, problems := Load("reputation-api", 8080)
	if len(problems) != 0 {
		t.Fatalf("expected no problems, got %v", problems)
	}
	if cfg.ServiceName != "reputation-api" {
		t.Fatalf("service name = %q", cfg.ServiceName)
	}
	if cfg.HTTPPort != 8080 {
		t.Fatalf("http port = %d", cfg.HTTPPort)
	}
	if cfg.EvalWindowDays != 30 {
		t.Fatalf("eval window days = %d", cfg.EvalWindowDays)
	}
	if cfg.SuspendDays != 30 {
		t.Fatalf("suspend days = %d", cfg.SuspendDays)
	}
	if cfg.EvalCron != "@daily" {
		t.Fatalf("eval cron = %q", cfg.EvalCron)
	}
	if cfg.SweepCron != "@every 1h" {
		t.Fatalf("sweep cron = %q", cfg.SweepCron)
	}
	if cfg.AdminRole != "admin" {
		t.Fatalf("admin role = %q", cfg.AdminRole)
	}
}

func TestLoadMissingEnvReportsProblem(t *testing.T) {
	clearEnv(t)

	cfg, problems := Load("reputation-api", 8080)
	if !hasProblem(problems, "ENV") {
		t.Fatalf("expected ENV problem, got %v", problems)
	}
	if cfg.Env != "dev" {
		t.Fatalf("env fallback = %q", cfg.Env)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV", "prod")
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://rep:rep@db:5432/reputation")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("EVAL_WINDOW_DAYS", "7")
	t.Setenv("SWEEP_CRON", "@every 30m")
	t.Setenv("NOTIFY_ENABLED", "true")

	cfg, problems := Load("reputation-worker", 8081)
	if len(problems) != 0 {
		t.Fatalf("expected no problems, got %v", problems)
	}
	if cfg.HTTPPort != 9090 {
		t.Fatalf("http port = %d", cfg.HTTPPort)
	}
	if cfg.DatabaseURL == "" || !strings.Contains(cfg.DatabaseURL, "reputation") {
		t.Fatalf("database url = %q", cfg.DatabaseURL)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("kafka brokers = %v", cfg.KafkaBrokers)
	}
	if cfg.EvalWindowDays != 7 {
		t.Fatalf("eval window days = %d", cfg.EvalWindowDays)
	}
	if cfg.SweepCron != "@every 30m" {
		t.Fatalf("sweep cron = %q", cfg.SweepCron)
	}
	if !cfg.NotifyEnabled {
		t.Fatalf("notify enabled = false")
	}
}

func TestLoadInvalidValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV", "dev")
	t.Setenv("HTTP_PORT", "not-a-port")
	t.Setenv("EVAL_WINDOW_DAYS", "-1")
	t.Setenv("OTEL_SAMPLE_RATIO", "2.5")

	cfg, problems := Load("reputation-api", 8080)
	if !hasProblem(problems, "HTTP_PORT") {
		t.Fatalf("expected HTTP_PORT problem, got %v", problems)
	}
	if !hasProblem(problems, "EVAL_WINDOW_DAYS") {
		t.Fatalf("expected EVAL_WINDOW_DAYS problem, got %v", problems)
	}
	if !hasProblem(problems, "OTEL_SAMPLE_RATIO") {
		t.Fatalf("expected OTEL_SAMPLE_RATIO problem, got %v", problems)
	}
	if cfg.HTTPPort != 8080 {
		t.Fatalf("http port fallback = %d", cfg.HTTPPort)
	}
	if cfg.EvalWindowDays != 30 {
		t.Fatalf("eval window days fallback = %d", cfg.EvalWindowDays)
	}
	if cfg.OtelSampleRatio != 1.0 {
		t.Fatalf("otel sample ratio fallback = %v", cfg.OtelSampleRatio)
	}
}

func TestLoadConfigFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "prod.json")
	body := `{
		"ENV": "prod",
		"HTTP_PORT": 9100,
		"KAFKA_BROKERS": ["k1:9092", "k2:9092"],
		"SUSPEND_DURATION_DAYS": 14,
		"AUDIT_ENABLED": true
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_PATH", path)

	cfg, problems := Load("reputation-api", 8080)
	if len(problems) != 0 {
		t.Fatalf("expected no problems, got %v", problems)
	}
	if cfg.Env != "prod" {
		t.Fatalf("env = %q", cfg.Env)
	}
	if cfg.HTTPPort != 9100 {
		t.Fatalf("http port = %d", cfg.HTTPPort)
	}
	if len(cfg.KafkaBrokers) != 2 {
		t.Fatalf("kafka brokers = %v", cfg.KafkaBrokers)
	}
	if cfg.SuspendDays != 14 {
		t.Fatalf("suspend days = %d", cfg.SuspendDays)
	}
	if !cfg.AuditEnabled {
		t.Fatalf("audit enabled = false")
	}
}

func TestEnvWinsOverConfigFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "dev.json")
	if err := os.WriteFile(path, []byte(`{"ENV":"dev","HTTP_PORT":9100}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("HTTP_PORT", "9200")

	cfg, problems := Load("reputation-api", 8080)
	if len(problems) != 0 {
		t.Fatalf("expected no problems, got %v", problems)
	}
	if cfg.HTTPPort != 9200 {
		t.Fatalf("http port = %d", cfg.HTTPPort)
	}
}

func TestExplicitConfigPathMissingFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV", "dev")
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.json"))

	_, problems := Load("reputation-api", 8080)
	if !hasProblem(problems, "CONFIG_PATH") {
		t.Fatalf("expected CONFIG_PATH problem, got %v", problems)
	}
}

func TestJWKSURLDefaultsFromIssuer(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV", "dev")
	t.Setenv("OIDC_ISSUER", "https://auth.example.com/")

	cfg, problems := Load("reputation-api", 8080)
	if len(problems) != 0 {
		t.Fatalf("expected no problems, got %v", problems)
	}
	if cfg.OIDCJWKSURL != "https://auth.example.com/.well-known/jwks.json" {
		t.Fatalf("jwks url = %q", cfg.OIDCJWKSURL)
	}
}
