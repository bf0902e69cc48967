package reputation

import (
	"context"
	"fmt"
	"math"
	"time"
)

// MetricsSnapshot is a point-in-time view of a vendor's performance over
// a trailing window. It is embedded in escalation actions as a frozen
// audit copy and never recomputed afterwards.
type MetricsSnapshot struct {
	OrderDefectRate  float64 `json:"order_defect_rate"`
	LateShipmentRate float64 `json:"late_shipment_rate"`
	CancellationRate float64 `json:"cancellation_rate"`
	TotalOrders      int     `json:"total_orders"`
	PeriodDays       int     `json:"period_days"`
	Standing         string  `json:"standing"`
}

// OrderCounts holds the raw counters one aggregate query returns for a
// vendor's trailing window.
type OrderCounts struct {
	Total           int
	NonCancelled    int
	Defective       int
	Shipped         int
	LateShipped     int
	VendorCancelled int
}

// OrderStore is the external order persistence the aggregator reads.
type OrderStore interface {
	CountOrders(ctx context.Context, vendorID string, since time.Time) (OrderCounts, error)
}

// Aggregator computes metrics snapshots. It is a pure read over the
// order store and safe to call concurrently for different vendors.
type Aggregator struct {
	store      OrderStore
	classifier ClassifierPolicy
}

func NewAggregator(store OrderStore, classifier ClassifierPolicy) *Aggregator {
	return &Aggregator{store: store, classifier: classifier}
}

func (a *Aggregator) ComputeMetrics(ctx context.Context, vendorID string, windowDays int) (MetricsSnapshot, error) {
	if windowDays <= 0 {
		windowDays = 30
	}
	since := time.Now().UTC().AddDate(0, 0, -windowDays)

	counts, err := a.store.CountOrders(ctx, vendorID, since)
	if err != nil {
		return MetricsSnapshot{}, fmt.Errorf("count orders for vendor %s: %w", vendorID, err)
	}
	return a.snapshotFromCounts(counts, windowDays), nil
}

func (a *Aggregator) snapshotFromCounts(counts OrderCounts, windowDays int) MetricsSnapshot {
	odr := Rate(counts.Defective, counts.NonCancelled)
	lateRate := Rate(counts.LateShipped, counts.Shipped)
	cancelRate := Rate(counts.VendorCancelled, counts.Total)

	return MetricsSnapshot{
		OrderDefectRate:  odr,
		LateShipmentRate: lateRate,
		CancellationRate: cancelRate,
		TotalOrders:      counts.Total,
		PeriodDays:       windowDays,
		Standing:         a.classifier.Classify(odr, lateRate, cancelRate),
	}
}

// Rate converts a numerator/denominator pair to a percentage rounded
// half-up to two decimals. Rounding happens on the percentage, not the
// raw fraction, so repeated evaluations of the same counts always land
// on the same value. A zero denominator yields 0.
func Rate(numerator int, denominator int) float64 {
	if denominator <= 0 {
		return 0
	}
	pct := float64(numerator) / float64(denominator) * 100
	return math.Floor(pct*100+0.5) / 100
}
