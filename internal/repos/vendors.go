package repos

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vendor-reputation-engine/internal/models"
)

// VendorsRepo reads the vendor registry. The status projection is only
// written inside ActionsRepo transactions, never through this type.
type VendorsRepo struct {
	pool *pgxpool.Pool
}

func NewVendorsRepo(pool *pgxpool.Pool) *VendorsRepo {
	return &VendorsRepo{pool: pool}
}

const vendorColumns = `vendor_id, display_name, email, status, suspended_at, created_at, updated_at`

func (r *VendorsRepo) Find(ctx context.Context, vendorID string) (models.Vendor, error) {
	var vendor models.Vendor
	err := r.pool.QueryRow(ctx, `
		SELECT `+vendorColumns+`
		FROM vendors
		WHERE vendor_id = $1
	`, vendorID).
		Scan(&vendor.VendorID, &vendor.DisplayName, &vendor.Email, &vendor.Status, &vendor.SuspendedAt, &vendor.CreatedAt, &vendor.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Vendor{}, ErrNotFound
	}
	return vendor, err
}

// ListActive returns vendors eligible for periodic evaluation, oldest
// first so long-standing vendors are not starved by a mid-run failure.
func (r *VendorsRepo) ListActive(ctx context.Context) ([]models.Vendor, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+vendorColumns+`
		FROM vendors
		WHERE status = 'active'
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vendors []models.Vendor
	for rows.Next() {
		var vendor models.Vendor
		if err := rows.Scan(&vendor.VendorID, &vendor.DisplayName, &vendor.Email, &vendor.Status, &vendor.SuspendedAt, &vendor.CreatedAt, &vendor.UpdatedAt); err != nil {
			return nil, err
		}
		vendors = append(vendors, vendor)
	}
	return vendors, rows.Err()
}
