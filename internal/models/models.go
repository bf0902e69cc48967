package models

import (
	"time"

	"github.com/google/uuid"

	"vendor-reputation-engine/internal/reputation"
)

type Vendor struct {
	VendorID    string
	DisplayName string
	Email       string
	Status      string
	SuspendedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type EscalationAction struct {
	ActionID        uuid.UUID
	VendorID        string
	ActionType      string
	Reason          string
	TriggeredBy     string
	TriggeredByUser *string
	Metrics         reputation.MetricsSnapshot
	PolicyVersion   string
	Status          string
	OverrideReason  *string
	OverrideBy      *string
	OverrideAt      *time.Time
	ExpiresAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ActionDraft carries everything needed to persist a new escalation
// action.
type ActionDraft struct {
	ActionID        uuid.UUID
	VendorID        string
	ActionType      string
	Reason          string
	TriggeredBy     string
	TriggeredByUser *string
	Metrics         reputation.MetricsSnapshot
	PolicyVersion   string
	ExpiresAt       *time.Time
}

type AuditLog struct {
	AuditID      uuid.UUID
	OccurredAt   time.Time
	Subject      string
	Action       string
	ResourceType *string
	ResourceID   *string
	RequestID    string
	Method       string
	Path         string
	StatusCode   int
	DurationMS   int64
	ClientIP     string
	UserAgent    string
	Details      []byte
}
