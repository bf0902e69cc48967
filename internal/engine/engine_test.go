package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"vendor-reputation-engine/internal/models"
	"vendor-reputation-engine/internal/reputation"
	"vendor-reputation-engine/internal/repos"
	"vendor-reputation-engine/shared/logx"
)

type fakeVendors struct {
	mu      sync.Mutex
	vendors map[string]*models.Vendor
	listErr error
}

func newFakeVendors(ids ...string) *fakeVendors {
	f := &fakeVendors{vendors: map[string]*models.Vendor{}}
	now := time.Now().UTC()
	for _, id := range ids {
		f.vendors[id] = &models.Vendor{VendorID: id, Status: reputation.VendorActive, CreatedAt: now, UpdatedAt: now}
	}
	return f
}

func (f *fakeVendors) Find(_ context.Context, vendorID string) (models.Vendor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vendors[vendorID]
	if !ok {
		return models.Vendor{}, repos.ErrNotFound
	}
	return *v, nil
}

func (f *fakeVendors) ListActive(_ context.Context) ([]models.Vendor, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Vendor
	for _, v := range f.vendors {
		if v.Status == reputation.VendorActive {
			out = append(out, *v)
		}
	}
	return out, nil
}

type fakeLedger struct {
	mu        sync.Mutex
	vendors   *fakeVendors
	actions   []*models.EscalationAction
	expireErr error
}

func (f *fakeLedger) CreateAction(_ context.Context, draft models.ActionDraft) (models.EscalationAction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.actions {
		if a.VendorID == draft.VendorID && a.ActionType == draft.ActionType && a.Status == reputation.StatusActive {
			return *a, false, nil
		}
	}
	if draft.ActionID == uuid.Nil {
		return models.EscalationAction{}, false, errors.New("draft missing action id")
	}
	now := time.Now().UTC()
	action := &models.EscalationAction{
		ActionID:        draft.ActionID,
		VendorID:        draft.VendorID,
		ActionType:      draft.ActionType,
		Reason:          draft.Reason,
		TriggeredBy:     draft.TriggeredBy,
		TriggeredByUser: draft.TriggeredByUser,
		Metrics:         draft.Metrics,
		PolicyVersion:   draft.PolicyVersion,
		Status:          reputation.StatusActive,
		ExpiresAt:       draft.ExpiresAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	f.actions = append(f.actions, action)

	if reputation.Suspends(draft.ActionType) {
		if v, ok := f.vendors.vendors[draft.VendorID]; ok {
			v.Status = reputation.VendorStatusForAction(draft.ActionType)
			v.SuspendedAt = &now
		}
	}
	return *action, true, nil
}

func (f *fakeLedger) Override(_ context.Context, actionID uuid.UUID, adminID string, reason string) (models.EscalationAction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.actions {
		if a.ActionID != actionID {
			continue
		}
		if !reputation.Overridable(a.Status) {
			return models.EscalationAction{}, repos.ErrInvalidTransition
		}
		now := time.Now().UTC()
		a.Status = reputation.StatusOverridden
		a.OverrideReason = &reason
		a.OverrideBy = &adminID
		a.OverrideAt = &now
		if reputation.Suspends(a.ActionType) {
			if v, ok := f.vendors.vendors[a.VendorID]; ok {
				v.Status = reputation.VendorActive
				v.SuspendedAt = nil
			}
		}
		return *a, nil
	}
	return models.EscalationAction{}, repos.ErrNotFound
}

func (f *fakeLedger) ExpireDue(_ context.Context, now time.Time) ([]models.EscalationAction, error) {
	if f.expireErr != nil {
		return nil, f.expireErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var expired []models.EscalationAction
	for _, a := range f.actions {
		if a.Status != reputation.StatusActive || a.ActionType != reputation.ActionTempSuspend {
			continue
		}
		if a.ExpiresAt == nil || a.ExpiresAt.After(now) {
			continue
		}
		a.Status = reputation.StatusExpired
		a.UpdatedAt = now
		if v, ok := f.vendors.vendors[a.VendorID]; ok {
			v.Status = reputation.VendorActive
			v.SuspendedAt = nil
		}
		expired = append(expired, *a)
	}
	return expired, nil
}

func (f *fakeLedger) GetByID(_ context.Context, actionID uuid.UUID) (models.EscalationAction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.actions {
		if a.ActionID == actionID {
			return *a, nil
		}
	}
	return models.EscalationAction{}, repos.ErrNotFound
}

func (f *fakeLedger) ListByVendor(_ context.Context, vendorID string, activeOnly bool, _ int, _ int) ([]models.EscalationAction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.EscalationAction
	for _, a := range f.actions {
		if a.VendorID != vendorID {
			continue
		}
		if activeOnly && a.Status != reputation.StatusActive {
			continue
		}
		out = append(out, *a)
	}
	return out, nil
}

func (f *fakeLedger) ListOpen(_ context.Context, _ int, _ int) ([]models.EscalationAction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.EscalationAction
	for _, a := range f.actions {
		if a.Status == reputation.StatusActive || a.Status == reputation.StatusPending {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeLedger) ActiveGateAction(_ context.Context, vendorID string, now time.Time) (models.EscalationAction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *models.EscalationAction
	for _, a := range f.actions {
		if a.VendorID != vendorID || a.Status != reputation.StatusActive || !reputation.Suspends(a.ActionType) {
			continue
		}
		if a.ActionType == reputation.ActionTempSuspend && a.ExpiresAt != nil && !a.ExpiresAt.After(now) {
			continue
		}
		if best == nil || reputation.Severity(a.ActionType) > reputation.Severity(best.ActionType) {
			best = a
		}
	}
	if best == nil {
		return models.EscalationAction{}, false, nil
	}
	return *best, true, nil
}

type fakeOrders struct {
	counts map[string]reputation.OrderCounts
	errOn  map[string]error
}

func (f *fakeOrders) CountOrders(_ context.Context, vendorID string, _ time.Time) (reputation.OrderCounts, error) {
	if err := f.errOn[vendorID]; err != nil {
		return reputation.OrderCounts{}, err
	}
	return f.counts[vendorID], nil
}

type countingNotifier struct {
	mu         sync.Mutex
	created    int
	overridden int
	expired    int
}

func (n *countingNotifier) EscalationCreated(context.Context, models.EscalationAction) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.created++
	return nil
}

func (n *countingNotifier) EscalationOverridden(context.Context, models.EscalationAction) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.overridden++
	return nil
}

func (n *countingNotifier) SuspensionExpired(context.Context, models.EscalationAction) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.expired++
	return nil
}

func testEngine(vendors *fakeVendors, ledger *fakeLedger, orders *fakeOrders) *Engine {
	return New(logx.New("reputation-engine-test", "test", "", "error"), vendors, ledger, orders, reputation.DefaultPolicy(), Options{
		WindowDays:       30,
		SuspendDays:      30,
		PerVendorTimeout: time.Second,
	})
}

func TestRunEvaluationCreatesActions(t *testing.T) {
	vendors := newFakeVendors("clean", "warned", "blocked")
	ledger := &fakeLedger{vendors: vendors}
	orders := &fakeOrders{counts: map[string]reputation.OrderCounts{
		"clean":   {Total: 50, NonCancelled: 50, Shipped: 40},
		"warned":  {Total: 100, NonCancelled: 100, Shipped: 100, LateShipped: 6}, // late rate 6% -> warning
		"blocked": {Total: 40, NonCancelled: 40, Defective: 2},                   // odr 5% -> block
	}}
	notifier := &countingNotifier{}
	eng := testEngine(vendors, ledger, orders).WithNotifier(notifier)

	summary, err := eng.RunEvaluation(context.Background())
	if err != nil {
		t.Fatalf("run evaluation: %v", err)
	}
	if summary.VendorsEvaluated != 3 {
		t.Fatalf("vendors evaluated = %d", summary.VendorsEvaluated)
	}
	if summary.WarningsCreated != 1 || summary.BlocksCreated != 1 || summary.SuspensionsCreated != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	if notifier.created != 2 {
		t.Fatalf("notifier created = %d", notifier.created)
	}
	if vendors.vendors["blocked"].Status != reputation.VendorBlocked {
		t.Fatalf("blocked vendor status = %q", vendors.vendors["blocked"].Status)
	}
	if vendors.vendors["warned"].Status != reputation.VendorActive {
		t.Fatalf("warned vendor status = %q", vendors.vendors["warned"].Status)
	}
}

func TestRunEvaluationIdempotentAcrossRuns(t *testing.T) {
	vendors := newFakeVendors("warned")
	ledger := &fakeLedger{vendors: vendors}
	orders := &fakeOrders{counts: map[string]reputation.OrderCounts{
		"warned": {Total: 100, NonCancelled: 100, Shipped: 100, LateShipped: 6},
	}}
	eng := testEngine(vendors, ledger, orders)

	first, err := eng.RunEvaluation(context.Background())
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := eng.RunEvaluation(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if first.WarningsCreated != 1 || second.WarningsCreated != 0 {
		t.Fatalf("warnings created: first %d, second %d", first.WarningsCreated, second.WarningsCreated)
	}
	if len(ledger.actions) != 1 {
		t.Fatalf("expected one ledger row, got %d", len(ledger.actions))
	}
}

func TestRunEvaluationIsolatesVendorFailure(t *testing.T) {
	vendors := newFakeVendors("broken", "fine")
	ledger := &fakeLedger{vendors: vendors}
	orders := &fakeOrders{
		counts: map[string]reputation.OrderCounts{"fine": {Total: 10, NonCancelled: 10}},
		errOn:  map[string]error{"broken": errors.New("order store timeout")},
	}
	eng := testEngine(vendors, ledger, orders)

	summary, err := eng.RunEvaluation(context.Background())
	if err != nil {
		t.Fatalf("run evaluation: %v", err)
	}
	if summary.VendorsFailed != 1 {
		t.Fatalf("vendors failed = %d", summary.VendorsFailed)
	}
	if len(summary.FailedVendorIDs) != 1 || summary.FailedVendorIDs[0] != "broken" {
		t.Fatalf("failed vendor ids = %v", summary.FailedVendorIDs)
	}
	if summary.VendorsEvaluated != 1 {
		t.Fatalf("vendors evaluated = %d", summary.VendorsEvaluated)
	}
}

func TestRunEvaluationHardFailures(t *testing.T) {
	vendors := newFakeVendors("v1")
	ledger := &fakeLedger{vendors: vendors, expireErr: errors.New("db down")}
	orders := &fakeOrders{}
	eng := testEngine(vendors, ledger, orders)

	if _, err := eng.RunEvaluation(context.Background()); err == nil {
		t.Fatalf("expected hard failure when sweep fails")
	}

	ledger.expireErr = nil
	vendors.listErr = errors.New("db down")
	if _, err := eng.RunEvaluation(context.Background()); err == nil {
		t.Fatalf("expected hard failure when vendor listing fails")
	}
}

func TestRunEvaluationSweepsBeforeEvaluating(t *testing.T) {
	vendors := newFakeVendors("v1")
	ledger := &fakeLedger{vendors: vendors}
	orders := &fakeOrders{counts: map[string]reputation.OrderCounts{"v1": {Total: 10, NonCancelled: 10}}}
	eng := testEngine(vendors, ledger, orders)

	// Suspend the vendor with an already-lapsed expiry.
	past := time.Now().UTC().Add(-time.Hour)
	if _, _, err := ledger.CreateAction(context.Background(), models.ActionDraft{
		ActionID:   uuid.New(),
		VendorID:   "v1",
		ActionType: reputation.ActionTempSuspend,
		Reason:     "backlog",
		ExpiresAt:  &past,
	}); err != nil {
		t.Fatalf("seed suspension: %v", err)
	}
	if vendors.vendors["v1"].Status != reputation.VendorSuspended {
		t.Fatalf("seed vendor status = %q", vendors.vendors["v1"].Status)
	}

	summary, err := eng.RunEvaluation(context.Background())
	if err != nil {
		t.Fatalf("run evaluation: %v", err)
	}
	if summary.SuspensionsExpired != 1 {
		t.Fatalf("suspensions expired = %d", summary.SuspensionsExpired)
	}
	// The freshly-restored vendor is evaluated in the same run.
	if summary.VendorsEvaluated != 1 {
		t.Fatalf("vendors evaluated = %d", summary.VendorsEvaluated)
	}
	if vendors.vendors["v1"].Status != reputation.VendorActive {
		t.Fatalf("vendor status after sweep = %q", vendors.vendors["v1"].Status)
	}
}

func TestSweepExpiredLeavesFutureExpiry(t *testing.T) {
	vendors := newFakeVendors("v1")
	ledger := &fakeLedger{vendors: vendors}
	eng := testEngine(vendors, ledger, &fakeOrders{})

	future := time.Now().UTC().AddDate(0, 0, 29)
	if _, _, err := ledger.CreateAction(context.Background(), models.ActionDraft{
		ActionID:   uuid.New(),
		VendorID:   "v1",
		ActionType: reputation.ActionTempSuspend,
		Reason:     "backlog",
		ExpiresAt:  &future,
	}); err != nil {
		t.Fatalf("seed suspension: %v", err)
	}

	n, err := eng.SweepExpired(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("swept %d actions with future expiry", n)
	}
	if ledger.actions[0].Status != reputation.StatusActive {
		t.Fatalf("action status = %q", ledger.actions[0].Status)
	}
}

func TestCreateManualActionValidation(t *testing.T) {
	vendors := newFakeVendors("v1")
	ledger := &fakeLedger{vendors: vendors}
	eng := testEngine(vendors, ledger, &fakeOrders{})

	if _, _, err := eng.CreateManualAction(context.Background(), "v1", "ban_forever", "bad behaviour", "admin-1"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for bad action type, got %v", err)
	}
	if _, _, err := eng.CreateManualAction(context.Background(), "v1", reputation.ActionWarning, "  ", "admin-1"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for empty reason, got %v", err)
	}
	if _, _, err := eng.CreateManualAction(context.Background(), "v1", reputation.ActionWarning, "late shipments", ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for missing admin id, got %v", err)
	}
	if _, _, err := eng.CreateManualAction(context.Background(), "ghost", reputation.ActionWarning, "late shipments", "admin-1"); !errors.Is(err, repos.ErrNotFound) {
		t.Fatalf("expected not found for unknown vendor, got %v", err)
	}

	action, created, err := eng.CreateManualAction(context.Background(), "v1", reputation.ActionTempSuspend, "repeated complaints", "admin-1")
	if err != nil {
		t.Fatalf("create manual action: %v", err)
	}
	if !created {
		t.Fatalf("expected a new action")
	}
	if action.TriggeredBy != reputation.TriggeredByAdmin || action.TriggeredByUser == nil || *action.TriggeredByUser != "admin-1" {
		t.Fatalf("action attribution: %+v", action)
	}
	if action.ExpiresAt == nil {
		t.Fatalf("temp_suspend must carry an expiry")
	}
	if vendors.vendors["v1"].Status != reputation.VendorSuspended {
		t.Fatalf("vendor status = %q", vendors.vendors["v1"].Status)
	}
}

func TestCreateActionAssignsLedgerID(t *testing.T) {
	vendors := newFakeVendors("v1")
	ledger := &fakeLedger{vendors: vendors}
	eng := testEngine(vendors, ledger, &fakeOrders{})

	// The engine mints the action id before the ledger write; the fake
	// ledger rejects a zero id, so this guards the whole create path.
	action, created, err := eng.CreateManualAction(context.Background(), "v1", reputation.ActionWarning, "late shipments", "admin-1")
	if err != nil {
		t.Fatalf("create manual action: %v", err)
	}
	if !created {
		t.Fatalf("expected a new action")
	}
	if action.ActionID == uuid.Nil {
		t.Fatalf("action id not assigned")
	}
	stored, err := eng.GetAction(context.Background(), action.ActionID)
	if err != nil {
		t.Fatalf("get action: %v", err)
	}
	if stored.ActionID != action.ActionID {
		t.Fatalf("ledger id %s != returned id %s", stored.ActionID, action.ActionID)
	}
}

func TestOverrideAction(t *testing.T) {
	vendors := newFakeVendors("v1")
	ledger := &fakeLedger{vendors: vendors}
	eng := testEngine(vendors, ledger, &fakeOrders{})

	action, _, err := eng.CreateManualAction(context.Background(), "v1", reputation.ActionPermanentBlock, "fraud signals", "admin-1")
	if err != nil {
		t.Fatalf("seed action: %v", err)
	}

	if _, err := eng.OverrideAction(context.Background(), action.ActionID, "admin-2", "too short"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for short reason, got %v", err)
	}
	if _, err := eng.OverrideAction(context.Background(), action.ActionID, "", "appeal approved after audit"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for missing admin, got %v", err)
	}

	overridden, err := eng.OverrideAction(context.Background(), action.ActionID, "admin-2", "appeal approved after audit")
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if overridden.Status != reputation.StatusOverridden {
		t.Fatalf("status = %q", overridden.Status)
	}
	if vendors.vendors["v1"].Status != reputation.VendorActive || vendors.vendors["v1"].SuspendedAt != nil {
		t.Fatalf("vendor not restored: %+v", vendors.vendors["v1"])
	}

	// Terminal actions cannot be overridden again.
	if _, err := eng.OverrideAction(context.Background(), action.ActionID, "admin-2", "appeal approved after audit"); !errors.Is(err, repos.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if _, err := eng.OverrideAction(context.Background(), uuid.New(), "admin-2", "appeal approved after audit"); !errors.Is(err, repos.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOverrideWarningLeavesVendorAlone(t *testing.T) {
	vendors := newFakeVendors("v1")
	ledger := &fakeLedger{vendors: vendors}
	eng := testEngine(vendors, ledger, &fakeOrders{})

	action, _, err := eng.CreateManualAction(context.Background(), "v1", reputation.ActionWarning, "late shipments", "admin-1")
	if err != nil {
		t.Fatalf("seed action: %v", err)
	}
	if _, err := eng.OverrideAction(context.Background(), action.ActionID, "admin-2", "issued in error, retracting"); err != nil {
		t.Fatalf("override: %v", err)
	}
	if vendors.vendors["v1"].Status != reputation.VendorActive {
		t.Fatalf("vendor status = %q", vendors.vendors["v1"].Status)
	}
}

func TestCanAcceptOrders(t *testing.T) {
	vendors := newFakeVendors("open", "suspended", "blocked")
	ledger := &fakeLedger{vendors: vendors}
	eng := testEngine(vendors, ledger, &fakeOrders{})

	future := time.Now().UTC().AddDate(0, 0, 30)
	if _, _, err := ledger.CreateAction(context.Background(), models.ActionDraft{
		ActionID: uuid.New(), VendorID: "suspended", ActionType: reputation.ActionTempSuspend, Reason: "late shipment rate too high", ExpiresAt: &future,
	}); err != nil {
		t.Fatalf("seed suspension: %v", err)
	}
	if _, _, err := ledger.CreateAction(context.Background(), models.ActionDraft{
		ActionID: uuid.New(), VendorID: "blocked", ActionType: reputation.ActionPermanentBlock, Reason: "order defect rate too high",
	}); err != nil {
		t.Fatalf("seed block: %v", err)
	}

	open, err := eng.CanAcceptOrders(context.Background(), "open")
	if err != nil {
		t.Fatalf("gate open vendor: %v", err)
	}
	if !open.Allowed {
		t.Fatalf("open vendor denied: %+v", open)
	}

	suspended, err := eng.CanAcceptOrders(context.Background(), "suspended")
	if err != nil {
		t.Fatalf("gate suspended vendor: %v", err)
	}
	if suspended.Allowed || suspended.ActionType != reputation.ActionTempSuspend || suspended.Reason == "" {
		t.Fatalf("suspended gate = %+v", suspended)
	}

	blocked, err := eng.CanAcceptOrders(context.Background(), "blocked")
	if err != nil {
		t.Fatalf("gate blocked vendor: %v", err)
	}
	if blocked.Allowed || blocked.ActionType != reputation.ActionPermanentBlock {
		t.Fatalf("blocked gate = %+v", blocked)
	}

	if _, err := eng.CanAcceptOrders(context.Background(), "ghost"); !errors.Is(err, repos.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCanAcceptOrdersIgnoresLapsedSuspension(t *testing.T) {
	vendors := newFakeVendors("v1")
	ledger := &fakeLedger{vendors: vendors}
	eng := testEngine(vendors, ledger, &fakeOrders{})

	past := time.Now().UTC().Add(-time.Minute)
	if _, _, err := ledger.CreateAction(context.Background(), models.ActionDraft{
		ActionID: uuid.New(), VendorID: "v1", ActionType: reputation.ActionTempSuspend, Reason: "backlog", ExpiresAt: &past,
	}); err != nil {
		t.Fatalf("seed suspension: %v", err)
	}

	// The sweep has not run yet, but the verdict derives from the
	// ledger including expiry, so the vendor is already allowed.
	decision, err := eng.CanAcceptOrders(context.Background(), "v1")
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("lapsed suspension still blocks: %+v", decision)
	}
}

func TestMetricsSnapshotFrozenOnAction(t *testing.T) {
	vendors := newFakeVendors("v1")
	ledger := &fakeLedger{vendors: vendors}
	orders := &fakeOrders{counts: map[string]reputation.OrderCounts{
		"v1": {Total: 40, NonCancelled: 40, Defective: 2},
	}}
	eng := testEngine(vendors, ledger, orders)

	if _, err := eng.RunEvaluation(context.Background()); err != nil {
		t.Fatalf("run evaluation: %v", err)
	}

	actions, err := eng.ListVendorActions(context.Background(), "v1", false, 10, 0)
	if err != nil {
		t.Fatalf("list actions: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("actions = %d", len(actions))
	}
	if actions[0].Metrics.OrderDefectRate != 5.0 || actions[0].Metrics.TotalOrders != 40 {
		t.Fatalf("snapshot = %+v", actions[0].Metrics)
	}
	if actions[0].PolicyVersion != "default-v1" {
		t.Fatalf("policy version = %q", actions[0].PolicyVersion)
	}
}
