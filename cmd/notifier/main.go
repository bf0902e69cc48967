package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"vendor-reputation-engine/shared/clients/notify"
	"vendor-reputation-engine/shared/config"
	"vendor-reputation-engine/shared/events"
	"vendor-reputation-engine/shared/logx"
	"vendor-reputation-engine/shared/metricsx"
	"vendor-reputation-engine/shared/mqx"
	"vendor-reputation-engine/shared/observability"
)

func main() {
	cfg, problems := config.Load("reputation-notifier", 8084)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if cfg.KafkaGroupID == "" {
		problems = append(problems, config.Problem{Field: "KAFKA_CONSUMER_GROUP", Message: "KAFKA_CONSUMER_GROUP is required"})
	}
	if cfg.NotifyServiceURL == "" {
		problems = append(problems, config.Problem{Field: "NOTIFY_SERVICE_URL", Message: "NOTIFY_SERVICE_URL is required"})
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

	reader, err := mqx.NewConsumer(cfg, events.TopicVendorEscalations, cfg.KafkaGroupID)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka reader init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer reader.Close()

	dispatcher, err := notify.New(cfg)
	if err != nil {
		logger.Error(context.Background(), "notify_init_failed", "notify client init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	metricsx.Register()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	logger.Info(ctx, "consumer_start", "escalation notifier started",
		slog.String("topic", events.TopicVendorEscalations),
		slog.String("group", cfg.KafkaGroupID),
	)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			logger.Error(ctx, "kafka_fetch_failed", "failed to fetch message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		spanCtx, span := otel.Tracer("mqx").Start(ctx, "kafka.consume")
		span.SetAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", events.TopicVendorEscalations),
		)
		if err := handleEscalationEvent(spanCtx, logger, dispatcher, msg.Value); err != nil {
			span.End()
			logger.Error(ctx, "event_handle_failed", "failed to handle event",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			continue
		}
		span.End()
		if err := reader.CommitMessages(ctx, msg); err != nil {
			logger.Error(ctx, "kafka_commit_failed", "failed to commit message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
		stats := reader.Stats()
		metricsx.SetKafkaLag(stats.Topic, cfg.KafkaGroupID, stats.Lag)
	}

	logger.Info(context.Background(), "consumer_stop", "escalation notifier stopped")
}

// templateFor maps escalation lifecycle events to vendor-facing
// notification templates.
func templateFor(eventType string, actionType string) (template string, subject string, ok bool) {
	switch eventType {
	case events.EventEscalationCreated:
		switch actionType {
		case "warning":
			return "vendor_reputation_warning", "Action needed: your seller metrics need attention", true
		case "temp_suspend":
			return "vendor_account_suspended", "Your seller account has been temporarily suspended", true
		case "permanent_block":
			return "vendor_account_blocked", "Your seller account has been blocked", true
		}
	case events.EventEscalationOverriden:
		return "vendor_escalation_lifted", "An action on your seller account has been lifted", true
	case events.EventSuspensionExpired:
		return "vendor_suspension_ended", "Your seller account suspension has ended", true
	}
	return "", "", false
}

func handleEscalationEvent(ctx context.Context, logger logx.Logger, dispatcher *notify.Client, raw []byte) error {
	var envelope events.Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return err
	}
	if envelope.EventID == uuid.Nil {
		return errors.New("missing event_id")
	}
	var payload events.EscalationPayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		return err
	}
	if payload.VendorID == "" {
		return errors.New("missing vendor_id")
	}

	template, subject, ok := templateFor(envelope.EventType, payload.ActionType)
	if !ok {
		// Unknown event types are committed without dispatch so a
		// producer rollout ahead of ours does not wedge the group.
		logger.Warn(ctx, "event_skipped", "no template for event",
			slog.String("event_type", envelope.EventType),
			slog.String("action_type", payload.ActionType),
		)
		return nil
	}

	variables := map[string]string{
		"action_type":   payload.ActionType,
		"reason":        payload.Reason,
		"vendor_status": payload.VendorStatus,
	}
	if !payload.ExpiresAt.IsZero() {
		variables["expires_at"] = payload.ExpiresAt.UTC().Format(time.RFC3339)
	}

	resp, err := dispatcher.Dispatch(ctx, notify.DispatchRequest{
		VendorID:   payload.VendorID,
		Template:   template,
		Subject:    subject,
		Variables:  variables,
		DedupeKey:  fmt.Sprintf("%s:%s", envelope.EventType, envelope.EventID),
		OccurredAt: envelope.OccurredAt,
	})
	if err != nil {
		return err
	}

	logger.Info(ctx, "notification_dispatched", "vendor notification dispatched",
		slog.String("vendor_id", payload.VendorID),
		slog.String("event_type", envelope.EventType),
		slog.String("template", template),
		slog.String("message_id", resp.MessageID),
	)
	return nil
}
