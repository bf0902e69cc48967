package reputation

import (
	"fmt"
	"strings"
)

// Decision is the outcome of running the escalation policy over a
// metrics snapshot.
type Decision struct {
	ShouldAct  bool     `json:"should_act"`
	ActionType string   `json:"action_type,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	Violations []string `json:"violations,omitempty"`
}

// Evaluate compares each metric against its own threshold triple and
// returns the highest-severity action implied across all of them. Each
// crossed metric contributes one violation message; the reason is the
// semicolon-joined list.
func (p EscalationPolicy) Evaluate(m MetricsSnapshot) Decision {
	metrics := [3]struct {
		label      string
		value      float64
		thresholds Thresholds
	}{
		{"order defect rate", m.OrderDefectRate, p.OrderDefect},
		{"late shipment rate", m.LateShipmentRate, p.LateShipment},
		{"cancellation rate", m.CancellationRate, p.Cancellation},
	}

	var (
		violations []string
		actionType string
	)
	for _, metric := range metrics {
		crossed, threshold := metric.thresholds.cross(metric.value)
		if crossed == "" {
			continue
		}
		violations = append(violations, fmt.Sprintf("%s %.2f%% crossed %s threshold %.2f%%", metric.label, metric.value, crossed, threshold))
		if Severity(crossed) > Severity(actionType) {
			actionType = crossed
		}
	}

	if len(violations) == 0 {
		return Decision{}
	}
	return Decision{
		ShouldAct:  true,
		ActionType: actionType,
		Reason:     strings.Join(violations, "; "),
		Violations: violations,
	}
}

func (t Thresholds) cross(value float64) (string, float64) {
	switch {
	case value >= t.Block:
		return ActionPermanentBlock, t.Block
	case value >= t.Suspend:
		return ActionTempSuspend, t.Suspend
	case value >= t.Warning:
		return ActionWarning, t.Warning
	default:
		return "", 0
	}
}
