package reputation

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Standing tiers, best to worst.
const (
	StandingExcellent        = "excellent"
	StandingGood             = "good"
	StandingNeedsImprovement = "needs_improvement"
	StandingCritical         = "critical"
)

// Band holds the classifier bounds for one metric, as percentages. The
// Good bound is informational (dashboards show the full band table);
// classification itself only compares against Excellent, Warning and
// Critical.
type Band struct {
	Excellent float64 `json:"excellent"`
	Good      float64 `json:"good"`
	Warning   float64 `json:"warning"`
	Critical  float64 `json:"critical"`
}

// ClassifierPolicy maps a metric vector to a human-facing standing tier.
type ClassifierPolicy struct {
	OrderDefect  Band `json:"order_defect"`
	LateShipment Band `json:"late_shipment"`
	Cancellation Band `json:"cancellation"`
}

// Thresholds holds the escalation cut-offs for one metric, as
// percentages. Crossing Warning creates a warning, Suspend a temporary
// suspension, Block a permanent block.
type Thresholds struct {
	Warning float64 `json:"warning"`
	Suspend float64 `json:"suspend"`
	Block   float64 `json:"block"`
}

// EscalationPolicy drives automated consequences. Its numeric space is
// deliberately independent of the classifier's: standing is for humans,
// escalation thresholds are for enforcement, and operators tune them
// separately.
type EscalationPolicy struct {
	OrderDefect  Thresholds `json:"order_defect"`
	LateShipment Thresholds `json:"late_shipment"`
	Cancellation Thresholds `json:"cancellation"`
}

// Policy is the versioned pair of threshold tables injected into the
// engine.
type Policy struct {
	Version    string           `json:"version"`
	Classifier ClassifierPolicy `json:"classifier"`
	Escalation EscalationPolicy `json:"escalation"`
}

func DefaultPolicy() Policy {
	return Policy{
		Version: "default-v1",
		Classifier: ClassifierPolicy{
			OrderDefect:  Band{Excellent: 0.5, Good: 1.0, Warning: 2.0, Critical: 3.0},
			LateShipment: Band{Excellent: 2.0, Good: 4.0, Warning: 7.0, Critical: 10.0},
			Cancellation: Band{Excellent: 1.0, Good: 2.5, Warning: 5.0, Critical: 7.5},
		},
		Escalation: EscalationPolicy{
			OrderDefect:  Thresholds{Warning: 1.0, Suspend: 2.0, Block: 4.0},
			LateShipment: Thresholds{Warning: 5.0, Suspend: 10.0, Block: 15.0},
			Cancellation: Thresholds{Warning: 3.0, Suspend: 6.0, Block: 10.0},
		},
	}
}

// LoadPolicy reads a policy file. An empty path returns the built-in
// default table.
func LoadPolicy(path string) (Policy, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultPolicy(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	var p Policy
	if err := json.Unmarshal(b, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy file: %w", err)
	}
	if strings.TrimSpace(p.Version) == "" {
		return Policy{}, errors.New("policy file must set version")
	}
	if err := validateBand("classifier.order_defect", p.Classifier.OrderDefect); err != nil {
		return Policy{}, err
	}
	if err := validateBand("classifier.late_shipment", p.Classifier.LateShipment); err != nil {
		return Policy{}, err
	}
	if err := validateBand("classifier.cancellation", p.Classifier.Cancellation); err != nil {
		return Policy{}, err
	}
	if err := validateThresholds("escalation.order_defect", p.Escalation.OrderDefect); err != nil {
		return Policy{}, err
	}
	if err := validateThresholds("escalation.late_shipment", p.Escalation.LateShipment); err != nil {
		return Policy{}, err
	}
	if err := validateThresholds("escalation.cancellation", p.Escalation.Cancellation); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func validateBand(name string, b Band) error {
	if b.Excellent < 0 || b.Good < b.Excellent || b.Warning < b.Good || b.Critical < b.Warning {
		return fmt.Errorf("policy %s bounds must satisfy 0 <= excellent <= good <= warning <= critical", name)
	}
	return nil
}

func validateThresholds(name string, t Thresholds) error {
	if t.Warning < 0 || t.Suspend < t.Warning || t.Block < t.Suspend {
		return fmt.Errorf("policy %s thresholds must satisfy 0 <= warning <= suspend <= block", name)
	}
	return nil
}

// Classify maps the three rates to a standing tier. The worst metric
// dominates: any metric at or past its critical bound makes the vendor
// critical, any at or past its warning bound makes it needs_improvement,
// any past its excellent bound makes it good.
func (p ClassifierPolicy) Classify(odr float64, lateRate float64, cancelRate float64) string {
	metrics := [3]struct {
		value float64
		band  Band
	}{
		{odr, p.OrderDefect},
		{lateRate, p.LateShipment},
		{cancelRate, p.Cancellation},
	}

	for _, m := range metrics {
		if m.value >= m.band.Critical {
			return StandingCritical
		}
	}
	for _, m := range metrics {
		if m.value >= m.band.Warning {
			return StandingNeedsImprovement
		}
	}
	for _, m := range metrics {
		if m.value > m.band.Excellent {
			return StandingGood
		}
	}
	return StandingExcellent
}
