package reputation

import (
	"strings"
	"testing"
)

func TestEvaluateNoViolations(t *testing.T) {
	policy := DefaultPolicy().Escalation

	d := policy.Evaluate(MetricsSnapshot{OrderDefectRate: 0.5, LateShipmentRate: 2.0, CancellationRate: 1.0})
	if d.ShouldAct {
		t.Fatalf("expected no action, got %+v", d)
	}
	if d.ActionType != "" || d.Reason != "" || len(d.Violations) != 0 {
		t.Fatalf("expected empty decision, got %+v", d)
	}
}

func TestEvaluateBlockOnHighODR(t *testing.T) {
	policy := DefaultPolicy().Escalation

	// ODR of 5% on 40 orders is past the 4% block threshold.
	d := policy.Evaluate(MetricsSnapshot{OrderDefectRate: 5.0, TotalOrders: 40})
	if !d.ShouldAct {
		t.Fatalf("expected action")
	}
	if d.ActionType != ActionPermanentBlock {
		t.Fatalf("action = %q, want permanent_block", d.ActionType)
	}
	if len(d.Violations) != 1 {
		t.Fatalf("violations = %v", d.Violations)
	}
	if !strings.Contains(d.Reason, "order defect rate") {
		t.Fatalf("reason = %q", d.Reason)
	}
}

func TestEvaluateWarningBand(t *testing.T) {
	policy := DefaultPolicy().Escalation

	// Late rate of 6% sits between the 5% warning and 10% suspend thresholds.
	d := policy.Evaluate(MetricsSnapshot{LateShipmentRate: 6.0})
	if d.ActionType != ActionWarning {
		t.Fatalf("action = %q, want warning", d.ActionType)
	}
}

func TestEvaluateHighestSeverityWins(t *testing.T) {
	policy := DefaultPolicy().Escalation

	d := policy.Evaluate(MetricsSnapshot{
		OrderDefectRate:  1.2,  // warning
		LateShipmentRate: 11.0, // suspend
		CancellationRate: 3.5,  // warning
	})
	if d.ActionType != ActionTempSuspend {
		t.Fatalf("action = %q, want temp_suspend", d.ActionType)
	}
	if len(d.Violations) != 3 {
		t.Fatalf("violations = %v", d.Violations)
	}
	if strings.Count(d.Reason, ";") != 2 {
		t.Fatalf("reason = %q", d.Reason)
	}
}

func TestEvaluateNeverWarnsPastBlock(t *testing.T) {
	policy := DefaultPolicy().Escalation

	for _, m := range []MetricsSnapshot{
		{OrderDefectRate: 4.0},
		{LateShipmentRate: 15.0},
		{CancellationRate: 10.0},
		{OrderDefectRate: 1.1, LateShipmentRate: 20.0},
	} {
		d := policy.Evaluate(m)
		if d.ActionType != ActionPermanentBlock {
			t.Fatalf("evaluate(%+v) action = %q, want permanent_block", m, d.ActionType)
		}
	}
}

func TestEvaluateExactThresholds(t *testing.T) {
	policy := DefaultPolicy().Escalation

	if d := policy.Evaluate(MetricsSnapshot{OrderDefectRate: 1.0}); d.ActionType != ActionWarning {
		t.Fatalf("odr at warning threshold: %+v", d)
	}
	if d := policy.Evaluate(MetricsSnapshot{OrderDefectRate: 2.0}); d.ActionType != ActionTempSuspend {
		t.Fatalf("odr at suspend threshold: %+v", d)
	}
}
