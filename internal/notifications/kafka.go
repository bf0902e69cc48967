package notifications

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"vendor-reputation-engine/internal/models"
	"vendor-reputation-engine/internal/reputation"
	"vendor-reputation-engine/shared/events"
	"vendor-reputation-engine/shared/mqx"
)

// KafkaNotifier publishes ledger changes on the escalations topic. The
// notifier worker consumes them and fans out vendor-facing messages.
type KafkaNotifier struct {
	producer *mqx.Producer
}

func NewKafkaNotifier(producer *mqx.Producer) *KafkaNotifier {
	return &KafkaNotifier{producer: producer}
}

func (n *KafkaNotifier) EscalationCreated(ctx context.Context, action models.EscalationAction) error {
	return n.publish(ctx, events.EventEscalationCreated, action)
}

func (n *KafkaNotifier) EscalationOverridden(ctx context.Context, action models.EscalationAction) error {
	return n.publish(ctx, events.EventEscalationOverriden, action)
}

func (n *KafkaNotifier) SuspensionExpired(ctx context.Context, action models.EscalationAction) error {
	return n.publish(ctx, events.EventSuspensionExpired, action)
}

func (n *KafkaNotifier) publish(ctx context.Context, eventType string, action models.EscalationAction) error {
	payload := events.EscalationPayload{
		ActionID:     action.ActionID,
		VendorID:     action.VendorID,
		ActionType:   action.ActionType,
		ActionStatus: action.Status,
		VendorStatus: vendorStatusAfter(eventType, action),
		Reason:       action.Reason,
		PolicyRev:    action.PolicyVersion,
	}
	if action.ExpiresAt != nil {
		payload.ExpiresAt = *action.ExpiresAt
	}
	rawPayload, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	envelope := events.Envelope{
		EventID:       uuid.New(),
		OccurredAt:    time.Now().UTC(),
		AggregateType: "escalation_action",
		AggregateID:   action.ActionID.String(),
		EventType:     eventType,
		Payload:       rawPayload,
	}
	value, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	// Keyed by vendor so all of one vendor's events land in order on
	// the same partition.
	return n.producer.Publish(ctx, events.TopicVendorEscalations, []byte(action.VendorID), value, map[string]string{
		"event_type": eventType,
	})
}

func vendorStatusAfter(eventType string, action models.EscalationAction) string {
	if eventType == events.EventEscalationCreated && reputation.Suspends(action.ActionType) {
		return reputation.VendorStatusForAction(action.ActionType)
	}
	return reputation.VendorActive
}
