package entity

import "time"

// StepStatus is the state of a single approval step
type StepStatus string

const (
	StepWaiting   StepStatus = "waiting"
	StepPending   StepStatus = "pending"
	StepApproved  StepStatus = "approved"
	StepRejected  StepStatus = "rejected"
	StepEscalated StepStatus = "escalated"
	StepSkipped   StepStatus = "skipped"
)

// IsResolved reports whether no further action may be taken on the step
func (s StepStatus) IsResolved() bool {
	switch s {
	case StepApproved, StepRejected, StepEscalated, StepSkipped:
		return true
	}
	return false
}

// ApprovalStep is one approver slot in an expense's chain, identified by
// (ExpenseID, StepOrder). An empty ApproverID means any holder of the role may act.
type ApprovalStep struct {
	ID           int64        `json:"id"`
	ExpenseID    string       `json:"expense_id"`
	StepOrder    int          `json:"step_order"`
	ApproverRole ApproverRole `json:"approver_role"`
	ApproverID   string       `json:"approver_id,omitempty"`
	ApprovalType ApprovalType `json:"approval_type"`
	RuleID       *int64       `json:"rule_id,omitempty"`
	Status       StepStatus   `json:"status"`
	Comments     string       `json:"comments,omitempty"`
	ActedBy      string       `json:"acted_by,omitempty"`
	ActedAt      *time.Time   `json:"acted_at,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// IsBound reports whether a specific identity was resolved for the step
func (s *ApprovalStep) IsBound() bool {
	return s.ApproverID != ""
}

// CanBeActedOnBy checks identity or role ownership; admins may act on any step
func (s *ApprovalStep) CanBeActedOnBy(actor *Employee) bool {
	if actor == nil {
		return false
	}
	if actor.IsAdmin() {
		return true
	}
	if s.IsBound() {
		return s.ApproverID == actor.ID
	}
	return actor.Role == s.ApproverRole.OrgRole()
}

// Resolve records an action on the step
func (s *ApprovalStep) Resolve(status StepStatus, actorID, comments string, at time.Time) {
	s.Status = status
	s.ActedBy = actorID
	s.Comments = comments
	s.ActedAt = &at
}
