package workflow

import "fmt"

// State is the disposition of an expense in its lifecycle
type State string

const (
	StateSubmitted     State = "submitted"
	StateAutoApproved  State = "auto_approved"
	StateManagerReview State = "manager_review"
	StateApproved      State = "approved"
	StateRejected      State = "rejected"
	StateFlagged       State = "flagged"
	StateDisputed      State = "disputed"
	StatePaid          State = "paid"
)

var validStates = map[State]bool{
	StateSubmitted:     true,
	StateAutoApproved:  true,
	StateManagerReview: true,
	StateApproved:      true,
	StateRejected:      true,
	StateFlagged:       true,
	StateDisputed:      true,
	StatePaid:          true,
}

var terminalStates = map[State]bool{
	StatePaid: true,
}

// decisionStates are the outcomes the decision engine may produce for a fresh submission
var decisionStates = map[State]bool{
	StateAutoApproved:  true,
	StateManagerReview: true,
	StateRejected:      true,
	StateFlagged:       true,
}

// settleableStates are the states from which the settlement executor may pay out
var settleableStates = map[State]bool{
	StateAutoApproved: true,
	StateApproved:     true,
}

// IsTerminal returns true if no further transitions are allowed out of the state.
// A rejected expense is only final once its dispute has been spent; that is
// enforced by a guard, not by the state itself.
func (s State) IsTerminal() bool {
	return terminalStates[s]
}

// IsDecision returns true if the state is a valid outcome of the decision engine
func (s State) IsDecision() bool {
	return decisionStates[s]
}

// IsSettleable returns true if an expense in this state is waiting to be paid
func (s State) IsSettleable() bool {
	return settleableStates[s]
}

// String returns the string representation of the state
func (s State) String() string {
	return string(s)
}

// IsValid returns true if the state is a known lifecycle state
func (s State) IsValid() bool {
	return validStates[s]
}

// ParseState converts raw input into a State
func ParseState(raw string) (State, error) {
	s := State(raw)
	if !s.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidState, raw)
	}
	return s, nil
}
