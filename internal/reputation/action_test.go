package reputation

import "testing"

func TestSeverityOrdering(t *testing.T) {
	if !(Severity(ActionWarning) < Severity(ActionTempSuspend) && Severity(ActionTempSuspend) < Severity(ActionPermanentBlock)) {
		t.Fatalf("severity ordering broken")
	}
	if Severity("unknown") != 0 {
		t.Fatalf("unknown action type should rank 0")
	}
}

func TestVendorStatusForAction(t *testing.T) {
	if got := VendorStatusForAction(ActionWarning); got != VendorActive {
		t.Fatalf("warning -> %q", got)
	}
	if got := VendorStatusForAction(ActionTempSuspend); got != VendorSuspended {
		t.Fatalf("temp_suspend -> %q", got)
	}
	if got := VendorStatusForAction(ActionPermanentBlock); got != VendorBlocked {
		t.Fatalf("permanent_block -> %q", got)
	}
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]string{
		{StatusPending, StatusActive},
		{StatusPending, StatusOverridden},
		{StatusActive, StatusOverridden},
		{StatusActive, StatusExpired},
	}
	for _, tr := range allowed {
		if !CanTransition(tr[0], tr[1]) {
			t.Fatalf("expected %s -> %s to be allowed", tr[0], tr[1])
		}
	}

	denied := [][2]string{
		{StatusActive, StatusPending},
		{StatusOverridden, StatusActive},
		{StatusExpired, StatusActive},
		{StatusExpired, StatusOverridden},
		{StatusPending, StatusExpired},
	}
	for _, tr := range denied {
		if CanTransition(tr[0], tr[1]) {
			t.Fatalf("expected %s -> %s to be denied", tr[0], tr[1])
		}
	}
}

func TestOverridable(t *testing.T) {
	if !Overridable(StatusActive) || !Overridable(StatusPending) {
		t.Fatalf("active and pending must be overridable")
	}
	if Overridable(StatusOverridden) || Overridable(StatusExpired) {
		t.Fatalf("terminal statuses must not be overridable")
	}
}
