package repos

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"vendor-reputation-engine/internal/reputation"
)

// OrdersRepo reads the marketplace order store. It satisfies
// reputation.OrderStore with a single aggregate query per vendor.
type OrdersRepo struct {
	pool *pgxpool.Pool
}

func NewOrdersRepo(pool *pgxpool.Pool) *OrdersRepo {
	return &OrdersRepo{pool: pool}
}

func (r *OrdersRepo) CountOrders(ctx context.Context, vendorID string, since time.Time) (reputation.OrderCounts, error) {
	var counts reputation.OrderCounts
	err := r.pool.QueryRow(ctx, `
		SELECT
			count(*),
			count(*) FILTER (WHERE status <> 'cancelled'),
			count(*) FILTER (WHERE status IN ('refunded', 'returned', 'disputed')),
			count(*) FILTER (WHERE shipped_at IS NOT NULL AND expected_dispatch_at IS NOT NULL),
			count(*) FILTER (WHERE shipped_at IS NOT NULL AND expected_dispatch_at IS NOT NULL AND shipped_at > expected_dispatch_at),
			count(*) FILTER (WHERE status = 'cancelled' AND (cancelled_by = 'vendor' OR cancel_reason = 'out_of_stock'))
		FROM orders
		WHERE vendor_id = $1 AND created_at >= $2
	`, vendorID, since.UTC()).
		Scan(&counts.Total, &counts.NonCancelled, &counts.Defective, &counts.Shipped, &counts.LateShipped, &counts.VendorCancelled)
	return counts, err
}
