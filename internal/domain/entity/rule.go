package entity

import (
	"errors"
	"fmt"
	"time"
)

// ApproverRole is the closed set of roles an approval step can require
type ApproverRole string

const (
	ApproverDirectManager    ApproverRole = "direct_manager"
	ApproverFinance          ApproverRole = "finance"
	ApproverDepartmentHead   ApproverRole = "department_head"
	ApproverVP               ApproverRole = "vp"
	ApproverCFO              ApproverRole = "cfo"
	ApproverEscalatedManager ApproverRole = "escalated_manager"
)

var approverOrgRoles = map[ApproverRole]Role{
	ApproverDirectManager:    RoleManager,
	ApproverFinance:          RoleFinance,
	ApproverDepartmentHead:   RoleDepartmentHead,
	ApproverVP:               RoleVP,
	ApproverCFO:              RoleCFO,
	ApproverEscalatedManager: RoleManager,
}

// IsValid returns true for known approver roles
func (r ApproverRole) IsValid() bool {
	_, ok := approverOrgRoles[r]
	return ok
}

// OrgRole is the directory role that may act on an unbound step of this kind
func (r ApproverRole) OrgRole() Role {
	return approverOrgRoles[r]
}

// ApprovalType controls whether steps run one after another or all at once
type ApprovalType string

const (
	ApprovalSequential ApprovalType = "sequential"
	ApprovalParallel   ApprovalType = "parallel"
)

// IsValid returns true for known approval types
func (t ApprovalType) IsValid() bool {
	return t == ApprovalSequential || t == ApprovalParallel
}

// ApprovalRule selects an approver chain for matching expenses.
// Nil filters match anything.
type ApprovalRule struct {
	ID                int64          `json:"id"`
	Name              string         `json:"name"`
	Category          *Category      `json:"category"`
	Department        *string        `json:"department"`
	AmountMinCents    *int64         `json:"amount_min_cents"`
	AmountMaxCents    *int64         `json:"amount_max_cents"`
	RequiredApprovers []ApproverRole `json:"required_approvers"`
	ApprovalType      ApprovalType   `json:"approval_type"`
	Priority          int            `json:"priority"`
	Active            bool           `json:"active"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

var (
	errRuleName      = errors.New("rule name is required")
	errRuleApprovers = errors.New("rule requires at least one approver role")
)

// Validate checks the rule invariants before it is stored
func (r *ApprovalRule) Validate() error {
	if r.Name == "" {
		return errRuleName
	}
	if len(r.RequiredApprovers) == 0 {
		return errRuleApprovers
	}
	for _, role := range r.RequiredApprovers {
		if !role.IsValid() {
			return fmt.Errorf("unknown approver role %q", role)
		}
	}
	if !r.ApprovalType.IsValid() {
		return fmt.Errorf("unknown approval type %q", r.ApprovalType)
	}
	if r.Category != nil && !r.Category.IsValid() {
		return fmt.Errorf("unknown category %q", *r.Category)
	}
	if r.AmountMinCents != nil && *r.AmountMinCents < 0 {
		return errors.New("amount_min must not be negative")
	}
	if r.AmountMinCents != nil && r.AmountMaxCents != nil && *r.AmountMinCents > *r.AmountMaxCents {
		return errors.New("amount_min must not exceed amount_max")
	}
	return nil
}

// Matches evaluates every filter against the expense and its submitter
func (r *ApprovalRule) Matches(exp *Expense, emp *Employee) bool {
	if !r.Active {
		return false
	}
	if r.Category != nil && *r.Category != exp.Category {
		return false
	}
	if r.Department != nil && (emp == nil || *r.Department != emp.Department) {
		return false
	}
	if r.AmountMinCents != nil && exp.AmountCents < *r.AmountMinCents {
		return false
	}
	if r.AmountMaxCents != nil && exp.AmountCents > *r.AmountMaxCents {
		return false
	}
	return true
}

// Specificity counts the non-null filters
func (r *ApprovalRule) Specificity() int {
	n := 0
	if r.Category != nil {
		n++
	}
	if r.Department != nil {
		n++
	}
	if r.AmountMinCents != nil {
		n++
	}
	if r.AmountMaxCents != nil {
		n++
	}
	return n
}

// Outranks reports whether r should be selected over other when both match
func (r *ApprovalRule) Outranks(other *ApprovalRule) bool {
	if r.Priority != other.Priority {
		return r.Priority < other.Priority
	}
	if rs, os := r.Specificity(), other.Specificity(); rs != os {
		return rs > os
	}
	return r.ID < other.ID
}
