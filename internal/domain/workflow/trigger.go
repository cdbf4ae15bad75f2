package workflow

// Trigger is an event that moves an expense between states
type Trigger string

const (
	TriggerAutoApprove   Trigger = "auto_approve"
	TriggerRequestReview Trigger = "request_review"
	TriggerReject        Trigger = "reject"
	TriggerFlag          Trigger = "flag"
	TriggerApprove       Trigger = "approve"
	TriggerDispute       Trigger = "dispute"
	TriggerOverride      Trigger = "override"
	TriggerDenyDispute   Trigger = "deny_dispute"
	TriggerSettle        Trigger = "settle"
)

// String returns the string representation of the trigger
func (t Trigger) String() string {
	return string(t)
}

// DecisionTrigger maps a decision outcome to the trigger that leaves submitted.
func DecisionTrigger(outcome State) (Trigger, bool) {
	switch outcome {
	case StateAutoApproved:
		return TriggerAutoApprove, true
	case StateManagerReview:
		return TriggerRequestReview, true
	case StateRejected:
		return TriggerReject, true
	case StateFlagged:
		return TriggerFlag, true
	}
	return "", false
}
