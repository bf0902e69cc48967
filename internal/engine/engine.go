package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"vendor-reputation-engine/internal/models"
	"vendor-reputation-engine/internal/reputation"
	"vendor-reputation-engine/shared/cachex"
	"vendor-reputation-engine/shared/logx"
	"vendor-reputation-engine/shared/metricsx"
)

// ErrValidation marks admin input rejected before any write.
var ErrValidation = errors.New("validation failed")

const minOverrideReasonLen = 10

type VendorStore interface {
	Find(ctx context.Context, vendorID string) (models.Vendor, error)
	ListActive(ctx context.Context) ([]models.Vendor, error)
}

type ActionLedger interface {
	CreateAction(ctx context.Context, draft models.ActionDraft) (models.EscalationAction, bool, error)
	Override(ctx context.Context, actionID uuid.UUID, adminID string, reason string) (models.EscalationAction, error)
	ExpireDue(ctx context.Context, now time.Time) ([]models.EscalationAction, error)
	GetByID(ctx context.Context, actionID uuid.UUID) (models.EscalationAction, error)
	ListByVendor(ctx context.Context, vendorID string, activeOnly bool, limit int, offset int) ([]models.EscalationAction, error)
	ListOpen(ctx context.Context, limit int, offset int) ([]models.EscalationAction, error)
	ActiveGateAction(ctx context.Context, vendorID string, now time.Time) (models.EscalationAction, bool, error)
}

// Notifier publishes ledger changes downstream. Publishing is best
// effort: a broker outage never fails the write that triggered it.
type Notifier interface {
	EscalationCreated(ctx context.Context, action models.EscalationAction) error
	EscalationOverridden(ctx context.Context, action models.EscalationAction) error
	SuspensionExpired(ctx context.Context, action models.EscalationAction) error
}

// MetricsHistory records evaluation samples for time-series dashboards.
type MetricsHistory interface {
	WriteVendorMetrics(ctx context.Context, vendorID string, standing string, odr float64, lateRate float64, cancelRate float64, totalOrders int, ts time.Time) error
}

// Summary is the counter set one evaluation run reports.
type Summary struct {
	VendorsEvaluated   int       `json:"vendors_evaluated"`
	WarningsCreated    int       `json:"warnings_created"`
	SuspensionsCreated int       `json:"suspensions_created"`
	BlocksCreated      int       `json:"blocks_created"`
	SuspensionsExpired int       `json:"suspensions_expired"`
	VendorsFailed      int       `json:"vendors_failed"`
	FailedVendorIDs    []string  `json:"failed_vendor_ids,omitempty"`
	StartedAt          time.Time `json:"started_at"`
	FinishedAt         time.Time `json:"finished_at"`
}

// GateDecision is the order-acceptance verdict for a vendor.
type GateDecision struct {
	Allowed    bool   `json:"allowed"`
	Reason     string `json:"reason,omitempty"`
	ActionType string `json:"action_type,omitempty"`
}

type Options struct {
	WindowDays       int
	SuspendDays      int
	PerVendorTimeout time.Duration
	GateCacheTTL     time.Duration
}

// Engine wires the aggregator, evaluator and ledger together and hosts
// every operation the HTTP surface and the scheduled jobs call.
type Engine struct {
	logger     logx.Logger
	vendors    VendorStore
	ledger     ActionLedger
	aggregator *reputation.Aggregator
	policy     reputation.Policy
	notifier   Notifier
	history    MetricsHistory
	cache      *cachex.Client
	opts       Options
}

func New(logger logx.Logger, vendors VendorStore, ledger ActionLedger, orders reputation.OrderStore, policy reputation.Policy, opts Options) *Engine {
	if opts.WindowDays <= 0 {
		opts.WindowDays = 30
	}
	if opts.SuspendDays <= 0 {
		opts.SuspendDays = 30
	}
	if opts.PerVendorTimeout <= 0 {
		opts.PerVendorTimeout = 10 * time.Second
	}
	return &Engine{
		logger:     logger,
		vendors:    vendors,
		ledger:     ledger,
		aggregator: reputation.NewAggregator(orders, policy.Classifier),
		policy:     policy,
		opts:       opts,
	}
}

// WithNotifier attaches the escalation event publisher.
func (e *Engine) WithNotifier(n Notifier) *Engine {
	e.notifier = n
	return e
}

// WithHistory attaches the metrics time-series sink.
func (e *Engine) WithHistory(h MetricsHistory) *Engine {
	e.history = h
	return e
}

// WithGateCache attaches the redis cache backing CanAcceptOrders.
func (e *Engine) WithGateCache(c *cachex.Client) *Engine {
	e.cache = c
	return e
}

func (e *Engine) Policy() reputation.Policy {
	return e.policy
}

// RunEvaluation sweeps expired suspensions, then evaluates every active
// vendor. The sweep and the vendor listing are hard failures; one
// vendor's failure is isolated, logged and counted, and the run moves
// on.
func (e *Engine) RunEvaluation(ctx context.Context) (Summary, error) {
	summary := Summary{StartedAt: time.Now().UTC()}

	expired, err := e.SweepExpired(ctx)
	if err != nil {
		return summary, fmt.Errorf("expire suspensions: %w", err)
	}
	summary.SuspensionsExpired = expired

	vendors, err := e.vendors.ListActive(ctx)
	if err != nil {
		return summary, fmt.Errorf("list active vendors: %w", err)
	}

	for _, vendor := range vendors {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		start := time.Now()
		created, actionType, err := e.evaluateVendor(ctx, vendor.VendorID)
		metricsx.ObserveVendorEvalLatency(time.Since(start))
		if err != nil {
			summary.VendorsFailed++
			summary.FailedVendorIDs = append(summary.FailedVendorIDs, vendor.VendorID)
			metricsx.IncVendorEvalFailure()
			e.logger.Error(ctx, "vendor_evaluation_failed", "vendor evaluation failed",
				slog.String("vendor_id", vendor.VendorID),
				slog.String("error_code", "PARTIAL_EVALUATION_FAILURE"),
				slog.String("error", err.Error()),
			)
			continue
		}
		summary.VendorsEvaluated++
		if created {
			switch actionType {
			case reputation.ActionWarning:
				summary.WarningsCreated++
			case reputation.ActionTempSuspend:
				summary.SuspensionsCreated++
			case reputation.ActionPermanentBlock:
				summary.BlocksCreated++
			}
		}
	}

	summary.FinishedAt = time.Now().UTC()
	metricsx.ObserveEvalRunLatency(summary.FinishedAt.Sub(summary.StartedAt))
	e.logger.Info(ctx, "evaluation_run_done", "evaluation run finished",
		slog.Int("vendors_evaluated", summary.VendorsEvaluated),
		slog.Int("warnings_created", summary.WarningsCreated),
		slog.Int("suspensions_created", summary.SuspensionsCreated),
		slog.Int("blocks_created", summary.BlocksCreated),
		slog.Int("suspensions_expired", summary.SuspensionsExpired),
		slog.Int("vendors_failed", summary.VendorsFailed),
	)
	return summary, nil
}

func (e *Engine) evaluateVendor(ctx context.Context, vendorID string) (bool, string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.PerVendorTimeout)
	defer cancel()

	metrics, err := e.aggregator.ComputeMetrics(ctx, vendorID, e.opts.WindowDays)
	if err != nil {
		return false, "", err
	}

	if e.history != nil {
		if err := e.history.WriteVendorMetrics(ctx, vendorID, metrics.Standing, metrics.OrderDefectRate, metrics.LateShipmentRate, metrics.CancellationRate, metrics.TotalOrders, time.Now().UTC()); err != nil {
			metricsx.IncInfluxWriteFailure()
			e.logger.Warn(ctx, "metrics_history_write_failed", "metrics history write failed",
				slog.String("vendor_id", vendorID),
				slog.String("error", err.Error()),
			)
		}
	}

	decision := e.policy.Escalation.Evaluate(metrics)
	if !decision.ShouldAct {
		return false, "", nil
	}

	action, created, err := e.createAction(ctx, models.ActionDraft{
		VendorID:      vendorID,
		ActionType:    decision.ActionType,
		Reason:        decision.Reason,
		TriggeredBy:   reputation.TriggeredBySystem,
		Metrics:       metrics,
		PolicyVersion: e.policy.Version,
	})
	if err != nil {
		return false, "", err
	}
	return created, action.ActionType, nil
}

// SweepExpired runs the expiry pass on its own and returns the number
// of suspensions transitioned.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	expired, err := e.ledger.ExpireDue(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	for _, action := range expired {
		e.invalidateGate(ctx, action.VendorID)
		if e.notifier != nil {
			if err := e.notifier.SuspensionExpired(ctx, action); err != nil {
				e.logger.Warn(ctx, "notify_publish_failed", "suspension expired publish failed",
					slog.String("vendor_id", action.VendorID),
					slog.String("error", err.Error()),
				)
			}
		}
		e.logger.Info(ctx, "suspension_expired", "temporary suspension expired",
			slog.String("vendor_id", action.VendorID),
			slog.String("action_id", action.ActionID.String()),
		)
	}
	if len(expired) > 0 {
		metricsx.AddSuspensionsExpired(len(expired))
	}
	return len(expired), nil
}

// CreateManualAction lets an admin escalate a vendor directly. The
// metrics snapshot is still captured for the audit trail.
func (e *Engine) CreateManualAction(ctx context.Context, vendorID string, actionType string, reason string, adminID string) (models.EscalationAction, bool, error) {
	if !reputation.ValidActionType(actionType) {
		return models.EscalationAction{}, false, fmt.Errorf("%w: action type must be one of warning, temp_suspend, permanent_block", ErrValidation)
	}
	if strings.TrimSpace(reason) == "" {
		return models.EscalationAction{}, false, fmt.Errorf("%w: reason is required", ErrValidation)
	}
	adminID = strings.TrimSpace(adminID)
	if adminID == "" {
		return models.EscalationAction{}, false, fmt.Errorf("%w: admin id is required", ErrValidation)
	}

	if _, err := e.vendors.Find(ctx, vendorID); err != nil {
		return models.EscalationAction{}, false, err
	}

	metrics, err := e.aggregator.ComputeMetrics(ctx, vendorID, e.opts.WindowDays)
	if err != nil {
		return models.EscalationAction{}, false, err
	}

	return e.createAction(ctx, models.ActionDraft{
		VendorID:        vendorID,
		ActionType:      actionType,
		Reason:          strings.TrimSpace(reason),
		TriggeredBy:     reputation.TriggeredByAdmin,
		TriggeredByUser: &adminID,
		Metrics:         metrics,
		PolicyVersion:   e.policy.Version,
	})
}

func (e *Engine) createAction(ctx context.Context, draft models.ActionDraft) (models.EscalationAction, bool, error) {
	draft.ActionID = uuid.New()
	if draft.ActionType == reputation.ActionTempSuspend {
		expiresAt := time.Now().UTC().AddDate(0, 0, e.opts.SuspendDays)
		draft.ExpiresAt = &expiresAt
	}

	action, created, err := e.ledger.CreateAction(ctx, draft)
	if err != nil {
		return models.EscalationAction{}, false, err
	}
	if !created {
		return action, false, nil
	}

	metricsx.IncEscalationAction(action.ActionType)
	e.invalidateGate(ctx, action.VendorID)
	if e.notifier != nil {
		if err := e.notifier.EscalationCreated(ctx, action); err != nil {
			e.logger.Warn(ctx, "notify_publish_failed", "escalation created publish failed",
				slog.String("vendor_id", action.VendorID),
				slog.String("error", err.Error()),
			)
		}
	}
	e.logger.Info(ctx, "escalation_created", "escalation action created",
		slog.String("vendor_id", action.VendorID),
		slog.String("action_id", action.ActionID.String()),
		slog.String("action_type", action.ActionType),
		slog.String("triggered_by", action.TriggeredBy),
	)
	return action, true, nil
}

// OverrideAction cancels an active or pending action on behalf of an
// admin. The reason is mandatory and must carry enough substance for
// the audit trail.
func (e *Engine) OverrideAction(ctx context.Context, actionID uuid.UUID, adminID string, reason string) (models.EscalationAction, error) {
	reason = strings.TrimSpace(reason)
	if len(reason) < minOverrideReasonLen {
		return models.EscalationAction{}, fmt.Errorf("%w: override reason must be at least %d characters", ErrValidation, minOverrideReasonLen)
	}
	adminID = strings.TrimSpace(adminID)
	if adminID == "" {
		return models.EscalationAction{}, fmt.Errorf("%w: admin id is required", ErrValidation)
	}

	action, err := e.ledger.Override(ctx, actionID, adminID, reason)
	if err != nil {
		return models.EscalationAction{}, err
	}

	e.invalidateGate(ctx, action.VendorID)
	if e.notifier != nil {
		if err := e.notifier.EscalationOverridden(ctx, action); err != nil {
			e.logger.Warn(ctx, "notify_publish_failed", "escalation overridden publish failed",
				slog.String("vendor_id", action.VendorID),
				slog.String("error", err.Error()),
			)
		}
	}
	e.logger.Info(ctx, "escalation_overridden", "escalation action overridden",
		slog.String("vendor_id", action.VendorID),
		slog.String("action_id", action.ActionID.String()),
		slog.String("action_type", action.ActionType),
		slog.String("override_by", adminID),
	)
	return action, nil
}

// CanAcceptOrders is the gate the order-placement path calls before
// committing a new order. The verdict is derived from the ledger, not
// the vendor status projection, so a lapsed-but-unswept suspension does
// not block the vendor.
func (e *Engine) CanAcceptOrders(ctx context.Context, vendorID string) (GateDecision, error) {
	if e.cache != nil && e.opts.GateCacheTTL > 0 {
		var cached GateDecision
		hit, err := e.cache.GetJSON(ctx, gateKey(vendorID), &cached)
		if err != nil {
			e.logger.Warn(ctx, "gate_cache_read_failed", "gate cache read failed",
				slog.String("vendor_id", vendorID),
				slog.String("error", err.Error()),
			)
		} else if hit {
			return cached, nil
		}
	}

	if _, err := e.vendors.Find(ctx, vendorID); err != nil {
		return GateDecision{}, err
	}

	action, found, err := e.ledger.ActiveGateAction(ctx, vendorID, time.Now().UTC())
	if err != nil {
		return GateDecision{}, err
	}

	decision := GateDecision{Allowed: true}
	if found {
		decision = GateDecision{
			Allowed:    false,
			Reason:     action.Reason,
			ActionType: action.ActionType,
		}
	}

	if e.cache != nil && e.opts.GateCacheTTL > 0 {
		if err := e.cache.SetJSON(ctx, gateKey(vendorID), decision, e.opts.GateCacheTTL); err != nil {
			e.logger.Warn(ctx, "gate_cache_write_failed", "gate cache write failed",
				slog.String("vendor_id", vendorID),
				slog.String("error", err.Error()),
			)
		}
	}
	return decision, nil
}

// ListVendorActions returns a vendor's escalation history, newest
// first.
func (e *Engine) ListVendorActions(ctx context.Context, vendorID string, activeOnly bool, limit int, offset int) ([]models.EscalationAction, error) {
	if _, err := e.vendors.Find(ctx, vendorID); err != nil {
		return nil, err
	}
	return e.ledger.ListByVendor(ctx, vendorID, activeOnly, limit, offset)
}

// ListOpenActions backs the admin escalations queue.
func (e *Engine) ListOpenActions(ctx context.Context, limit int, offset int) ([]models.EscalationAction, error) {
	return e.ledger.ListOpen(ctx, limit, offset)
}

func (e *Engine) GetAction(ctx context.Context, actionID uuid.UUID) (models.EscalationAction, error) {
	return e.ledger.GetByID(ctx, actionID)
}

func (e *Engine) invalidateGate(ctx context.Context, vendorID string) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Delete(ctx, gateKey(vendorID)); err != nil {
		e.logger.Warn(ctx, "gate_cache_invalidate_failed", "gate cache invalidate failed",
			slog.String("vendor_id", vendorID),
			slog.String("error", err.Error()),
		)
	}
}

func gateKey(vendorID string) string {
	return "gate:" + vendorID
}
