package reputation

// Escalation action types, ordered by severity.
const (
	ActionWarning        = "warning"
	ActionTempSuspend    = "temp_suspend"
	ActionPermanentBlock = "permanent_block"
)

// Action statuses.
const (
	StatusPending    = "pending"
	StatusActive     = "active"
	StatusOverridden = "overridden"
	StatusExpired    = "expired"
)

// Actors that may create an action.
const (
	TriggeredBySystem = "system"
	TriggeredByAdmin  = "admin"
)

// Vendor account statuses projected from the ledger.
const (
	VendorActive    = "active"
	VendorSuspended = "suspended"
	VendorBlocked   = "blocked"
)

var severityRank = map[string]int{
	ActionWarning:        1,
	ActionTempSuspend:    2,
	ActionPermanentBlock: 3,
}

// Severity returns the rank of an action type; unknown types rank 0.
func Severity(actionType string) int {
	return severityRank[actionType]
}

func ValidActionType(actionType string) bool {
	_, ok := severityRank[actionType]
	return ok
}

// VendorStatusForAction maps an action type to the vendor status it
// projects. Warnings leave the vendor active.
func VendorStatusForAction(actionType string) string {
	switch actionType {
	case ActionTempSuspend:
		return VendorSuspended
	case ActionPermanentBlock:
		return VendorBlocked
	default:
		return VendorActive
	}
}

// Suspends reports whether the action type takes the vendor off the
// marketplace while active.
func Suspends(actionType string) bool {
	return actionType == ActionTempSuspend || actionType == ActionPermanentBlock
}

var actionTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusActive:     true,
		StatusOverridden: true,
	},
	StatusActive: {
		StatusOverridden: true,
		StatusExpired:    true,
	},
}

// CanTransition reports whether an action may move between the two
// statuses. Overridden and expired are terminal.
func CanTransition(from string, to string) bool {
	allowed, ok := actionTransitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}

func Overridable(status string) bool {
	return status == StatusActive || status == StatusPending
}
