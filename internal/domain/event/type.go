package event

// Type identifies the type of domain event
type Type string

const (
	TypeExpenseSubmitted Type = "expense.submitted"
	TypeExpenseDecided   Type = "expense.decided"
	TypeStatusChanged    Type = "expense.status_changed"
	TypeStepPending      Type = "step.pending"
	TypeStepResolved     Type = "step.resolved"
	TypeExpenseSettled   Type = "expense.settled"
	TypeSettlementFailed Type = "settlement.failed"
	TypeRuleChanged      Type = "rule.changed"
)

var validTypes = map[Type]bool{
	TypeExpenseSubmitted: true,
	TypeExpenseDecided:   true,
	TypeStatusChanged:    true,
	TypeStepPending:      true,
	TypeStepResolved:     true,
	TypeExpenseSettled:   true,
	TypeSettlementFailed: true,
	TypeRuleChanged:      true,
}

// String returns the string representation of the event type
func (t Type) String() string {
	return string(t)
}

// IsValid checks if the event type is one of the defined constants
func (t Type) IsValid() bool {
	return validTypes[t]
}

// AllTypes lists every event type, used by subscribers that want the whole stream
func AllTypes() []Type {
	return []Type{
		TypeExpenseSubmitted, TypeExpenseDecided, TypeStatusChanged, TypeStepPending,
		TypeStepResolved, TypeExpenseSettled, TypeSettlementFailed, TypeRuleChanged,
	}
}
