package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vendor-reputation-engine/internal/models"
	"vendor-reputation-engine/internal/reputation"
)

// ActionsRepo owns the append-only escalation ledger. The vendor status
// projection is written in the same transaction as the ledger row, so
// the two can never drift within a single operation.
type ActionsRepo struct {
	pool *pgxpool.Pool
}

func NewActionsRepo(pool *pgxpool.Pool) *ActionsRepo {
	return &ActionsRepo{pool: pool}
}

const actionColumns = `
	action_id, vendor_id, action_type, reason, triggered_by, triggered_by_user,
	metrics, policy_version, status, override_reason, override_by, override_at,
	expires_at, created_at, updated_at
`

// CreateAction persists a new active action and projects the vendor
// status, both in one transaction. A partial unique index on
// (vendor_id, action_type) for active rows makes the insert a no-op
// when an equivalent action is already live; the existing row is
// returned unchanged with created=false. Repeat evaluation cycles
// therefore never stack duplicate warnings.
func (r *ActionsRepo) CreateAction(ctx context.Context, draft models.ActionDraft) (models.EscalationAction, bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.EscalationAction{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	now := time.Now().UTC()
	var action models.EscalationAction
	actionID := draft.ActionID
	if actionID == uuid.Nil {
		actionID = uuid.New()
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO escalation_actions (action_id, vendor_id, action_type, reason, triggered_by, triggered_by_user, metrics, policy_version, status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'active', $9, $10, $10)
		ON CONFLICT (vendor_id, action_type) WHERE status = 'active' DO NOTHING
		RETURNING `+actionColumns+`
	`, actionID, draft.VendorID, draft.ActionType, draft.Reason, draft.TriggeredBy, draft.TriggeredByUser, draft.Metrics, draft.PolicyVersion, draft.ExpiresAt, now).
		Scan(scanActionTargets(&action)...)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return models.EscalationAction{}, false, err
		}
		// Conflict path: return the live action untouched.
		err = tx.QueryRow(ctx, `
			SELECT `+actionColumns+`
			FROM escalation_actions
			WHERE vendor_id = $1 AND action_type = $2 AND status = 'active'
		`, draft.VendorID, draft.ActionType).
			Scan(scanActionTargets(&action)...)
		if err != nil {
			return models.EscalationAction{}, false, err
		}
		if err = tx.Commit(ctx); err != nil {
			return models.EscalationAction{}, false, err
		}
		return action, false, nil
	}

	if reputation.Suspends(draft.ActionType) {
		_, err = tx.Exec(ctx, `
			UPDATE vendors
			SET status = $2, suspended_at = $3, updated_at = $3
			WHERE vendor_id = $1
		`, draft.VendorID, reputation.VendorStatusForAction(draft.ActionType), now)
		if err != nil {
			return models.EscalationAction{}, false, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return models.EscalationAction{}, false, err
	}
	return action, true, nil
}

// Override cancels an active or pending action on behalf of an admin
// and, for suspending action types, restores the vendor to active in
// the same transaction.
func (r *ActionsRepo) Override(ctx context.Context, actionID uuid.UUID, adminID string, reason string) (models.EscalationAction, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.EscalationAction{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var action models.EscalationAction
	err = tx.QueryRow(ctx, `
		SELECT `+actionColumns+`
		FROM escalation_actions
		WHERE action_id = $1
		FOR UPDATE
	`, actionID).Scan(scanActionTargets(&action)...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = ErrNotFound
		}
		return models.EscalationAction{}, err
	}
	if !reputation.Overridable(action.Status) {
		err = ErrInvalidTransition
		return models.EscalationAction{}, err
	}

	now := time.Now().UTC()
	err = tx.QueryRow(ctx, `
		UPDATE escalation_actions
		SET status = 'overridden', override_reason = $2, override_by = $3, override_at = $4, updated_at = $4
		WHERE action_id = $1
		RETURNING `+actionColumns+`
	`, actionID, reason, adminID, now).Scan(scanActionTargets(&action)...)
	if err != nil {
		return models.EscalationAction{}, err
	}

	if reputation.Suspends(action.ActionType) {
		if err = restoreVendors(ctx, tx, []string{action.VendorID}, now); err != nil {
			return models.EscalationAction{}, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return models.EscalationAction{}, err
	}
	return action, nil
}

// ExpireDue transitions every active temp_suspend whose expiry has
// passed to expired, restoring the affected vendors. Each transition is
// terminal, so re-running after a partial failure only touches the
// remainder.
func (r *ActionsRepo) ExpireDue(ctx context.Context, now time.Time) ([]models.EscalationAction, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	rows, err := tx.Query(ctx, `
		UPDATE escalation_actions
		SET status = 'expired', updated_at = $1
		WHERE status = 'active' AND action_type = 'temp_suspend' AND expires_at <= $1
		RETURNING `+actionColumns+`
	`, now.UTC())
	if err != nil {
		return nil, err
	}
	expired, err := collectActions(rows)
	if err != nil {
		return nil, err
	}

	if len(expired) > 0 {
		vendorIDs := make([]string, 0, len(expired))
		for _, action := range expired {
			vendorIDs = append(vendorIDs, action.VendorID)
		}
		if err = restoreVendors(ctx, tx, vendorIDs, now.UTC()); err != nil {
			return nil, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}
	return expired, nil
}

// restoreVendors sets vendors back to active unless the ledger still
// holds another live suspending action for them. The projection stays
// rederivable from the ledger either way.
func restoreVendors(ctx context.Context, db DBTX, vendorIDs []string, now time.Time) error {
	_, err := db.Exec(ctx, `
		UPDATE vendors v
		SET status = 'active', suspended_at = NULL, updated_at = $2
		WHERE v.vendor_id = ANY($1)
		  AND NOT EXISTS (
			SELECT 1 FROM escalation_actions a
			WHERE a.vendor_id = v.vendor_id
			  AND a.status = 'active'
			  AND a.action_type IN ('temp_suspend', 'permanent_block')
		  )
	`, vendorIDs, now)
	return err
}

func (r *ActionsRepo) GetByID(ctx context.Context, actionID uuid.UUID) (models.EscalationAction, error) {
	var action models.EscalationAction
	err := r.pool.QueryRow(ctx, `
		SELECT `+actionColumns+`
		FROM escalation_actions
		WHERE action_id = $1
	`, actionID).Scan(scanActionTargets(&action)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.EscalationAction{}, ErrNotFound
	}
	return action, err
}

func (r *ActionsRepo) ListByVendor(ctx context.Context, vendorID string, activeOnly bool, limit int, offset int) ([]models.EscalationAction, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + actionColumns + `
		FROM escalation_actions
		WHERE vendor_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	if activeOnly {
		query = `
			SELECT ` + actionColumns + `
			FROM escalation_actions
			WHERE vendor_id = $1 AND status = 'active'
			ORDER BY created_at DESC
			LIMIT $2 OFFSET $3
		`
	}
	rows, err := r.pool.Query(ctx, query, vendorID, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectActions(rows)
}

// ListOpen returns actions awaiting attention (pending or active),
// newest first. This backs the admin escalations view.
func (r *ActionsRepo) ListOpen(ctx context.Context, limit int, offset int) ([]models.EscalationAction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+actionColumns+`
		FROM escalation_actions
		WHERE status IN ('pending', 'active')
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectActions(rows)
}

// ActiveGateAction returns the highest-severity live suspending action
// for a vendor, if any. The order-acceptance gate derives its verdict
// from this rather than trusting the vendor status projection.
func (r *ActionsRepo) ActiveGateAction(ctx context.Context, vendorID string, now time.Time) (models.EscalationAction, bool, error) {
	var action models.EscalationAction
	err := r.pool.QueryRow(ctx, `
		SELECT `+actionColumns+`
		FROM escalation_actions
		WHERE vendor_id = $1
		  AND status = 'active'
		  AND action_type IN ('temp_suspend', 'permanent_block')
		  AND (action_type = 'permanent_block' OR expires_at IS NULL OR expires_at > $2)
		ORDER BY CASE action_type WHEN 'permanent_block' THEN 2 ELSE 1 END DESC, created_at DESC
		LIMIT 1
	`, vendorID, now.UTC()).Scan(scanActionTargets(&action)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.EscalationAction{}, false, nil
	}
	if err != nil {
		return models.EscalationAction{}, false, err
	}
	return action, true, nil
}

func collectActions(rows pgx.Rows) ([]models.EscalationAction, error) {
	defer rows.Close()
	var actions []models.EscalationAction
	for rows.Next() {
		var action models.EscalationAction
		if err := rows.Scan(scanActionTargets(&action)...); err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}
	return actions, rows.Err()
}

func scanActionTargets(action *models.EscalationAction) []any {
	return []any{
		&action.ActionID, &action.VendorID, &action.ActionType, &action.Reason,
		&action.TriggeredBy, &action.TriggeredByUser, &action.Metrics,
		&action.PolicyVersion, &action.Status, &action.OverrideReason,
		&action.OverrideBy, &action.OverrideAt, &action.ExpiresAt,
		&action.CreatedAt, &action.UpdatedAt,
	}
}
