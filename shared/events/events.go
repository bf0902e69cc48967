package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

const (
	TopicVendorEscalations   = "vendor.escalations"
	TopicVendorNotifications = "vendor.notifications"
)

const (
	EventEscalationCreated   = "escalation.created"
	EventEscalationOverriden = "escalation.overridden"
	EventSuspensionExpired   = "escalation.suspension_expired"
	EventVendorStatusChanged = "vendor.status_changed"
)

// EscalationPayload is the body published on TopicVendorEscalations when
// an action is created, overridden, or expired.
type EscalationPayload struct {
	ActionID     uuid.UUID `json:"action_id"`
	VendorID     string    `json:"vendor_id"`
	ActionType   string    `json:"action_type"`
	ActionStatus string    `json:"action_status"`
	VendorStatus string    `json:"vendor_status"`
	Reason       string    `json:"reason"`
	PolicyRev    string    `json:"policy_rev,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}
