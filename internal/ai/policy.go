package ai

import (
	"fmt"
	"strings"
	"time"

	"github.com/garyjia/expense-approval/internal/domain/entity"
)

// Severity of a policy violation
type Severity string

const (
	// SeverityWarning is advisory and never changes the decision
	SeverityWarning Severity = "warning"
	// SeveritySoft forces human review
	SeveritySoft Severity = "soft"
	// SeverityHard forces the expense to flagged
	SeverityHard Severity = "hard"
)

// ViolationKind names the check that failed
type ViolationKind string

const (
	ViolationReceiptMissing ViolationKind = "receipt_missing"
	ViolationAmountLimit    ViolationKind = "amount_limit"
	ViolationCategoryCap    ViolationKind = "category_cap"
	ViolationMonthlyLimit   ViolationKind = "monthly_limit"
	ViolationDuplicate      ViolationKind = "duplicate"
)

// Violation is one failed compliance check
type Violation struct {
	Kind     ViolationKind `json:"kind"`
	Severity Severity      `json:"severity"`
	Message  string        `json:"message"`
}

func (v Violation) String() string {
	return fmt.Sprintf("[%s] %s", v.Severity, v.Message)
}

// ComplianceResult is the policy checker's output
type ComplianceResult struct {
	Violations []Violation `json:"violations"`
	Factors    []string    `json:"factors"`
}

// Hard returns hard violations
func (r ComplianceResult) Hard() []Violation { return r.bySeverity(SeverityHard) }

// Soft returns soft violations
func (r ComplianceResult) Soft() []Violation { return r.bySeverity(SeveritySoft) }

// Warnings returns advisory findings
func (r ComplianceResult) Warnings() []Violation { return r.bySeverity(SeverityWarning) }

func (r ComplianceResult) bySeverity(s Severity) []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == s {
			out = append(out, v)
		}
	}
	return out
}

// CategoryCap holds per-category limits in cents
type CategoryCap struct {
	SoftCents int64 `mapstructure:"soft_cents"`
	HardCents int64 `mapstructure:"hard_cents"`
}

// PolicyLimits configures the compliance checks
type PolicyLimits struct {
	ReceiptWarnCents      int64
	ReceiptSoftCents      int64
	ReceiptHardCents      int64
	MaxAmountSoftCents    int64
	MaxAmountHardCents    int64
	MonthlyHardMultiplier float64
	DuplicateWindow       time.Duration
	CategoryCaps          map[entity.Category]CategoryCap
}

// DefaultPolicyLimits returns the standard company policy
func DefaultPolicyLimits() PolicyLimits {
	return PolicyLimits{
		ReceiptWarnCents:      2500,
		ReceiptSoftCents:      20000,
		ReceiptHardCents:      100000,
		MaxAmountSoftCents:    1000000,
		MaxAmountHardCents:    2500000,
		MonthlyHardMultiplier: 1.5,
		DuplicateWindow:       24 * time.Hour,
		CategoryCaps: map[entity.Category]CategoryCap{
			entity.CategoryMeals:               {SoftCents: 20000, HardCents: 50000},
			entity.CategoryTransportation:      {SoftCents: 30000, HardCents: 80000},
			entity.CategoryOfficeSupplies:      {SoftCents: 100000, HardCents: 300000},
			entity.CategoryClientEntertainment: {SoftCents: 60000, HardCents: 200000},
			entity.CategoryTravel:              {SoftCents: 200000, HardCents: 500000},
			entity.CategoryAccommodation:       {SoftCents: 100000, HardCents: 300000},
			entity.CategoryEquipment:           {SoftCents: 300000, HardCents: 800000},
		},
	}
}

// PolicyChecker evaluates deterministic compliance rules
type PolicyChecker struct {
	limits PolicyLimits
}

// NewPolicyChecker creates a checker with the given limits
func NewPolicyChecker(limits PolicyLimits) *PolicyChecker {
	return &PolicyChecker{limits: limits}
}

// Evaluate is pure: same input, same result
func (p *PolicyChecker) Evaluate(in ScoreInput) ComplianceResult {
	var res ComplianceResult
	add := func(kind ViolationKind, sev Severity, format string, args ...interface{}) {
		v := Violation{Kind: kind, Severity: sev, Message: fmt.Sprintf(format, args...)}
		res.Violations = append(res.Violations, v)
		res.Factors = append(res.Factors, v.String())
	}

	exp := in.Expense
	amt := entity.FormatCents(exp.AmountCents)

	if !exp.HasReceipt {
		switch {
		case exp.AmountCents > p.limits.ReceiptHardCents:
			add(ViolationReceiptMissing, SeverityHard, "Receipt required for expenses over %s (submitted %s)",
				entity.FormatCents(p.limits.ReceiptHardCents), amt)
		case exp.AmountCents > p.limits.ReceiptSoftCents:
			add(ViolationReceiptMissing, SeveritySoft, "Receipt required for expenses over %s (submitted %s)",
				entity.FormatCents(p.limits.ReceiptSoftCents), amt)
		case exp.AmountCents > p.limits.ReceiptWarnCents:
			add(ViolationReceiptMissing, SeverityWarning, "Receipt recommended for expenses over %s",
				entity.FormatCents(p.limits.ReceiptWarnCents))
		}
	}

	switch {
	case exp.AmountCents > p.limits.MaxAmountHardCents:
		add(ViolationAmountLimit, SeverityHard, "Amount %s exceeds the single-expense maximum %s",
			amt, entity.FormatCents(p.limits.MaxAmountHardCents))
	case exp.AmountCents > p.limits.MaxAmountSoftCents:
		add(ViolationAmountLimit, SeveritySoft, "Amount %s exceeds %s and needs review",
			amt, entity.FormatCents(p.limits.MaxAmountSoftCents))
	}

	if catCap, ok := p.limits.CategoryCaps[exp.Category]; ok {
		switch {
		case catCap.HardCents > 0 && exp.AmountCents > catCap.HardCents:
			add(ViolationCategoryCap, SeverityHard, "Amount %s exceeds the %s hard cap %s",
				amt, exp.Category, entity.FormatCents(catCap.HardCents))
		case catCap.SoftCents > 0 && exp.AmountCents > catCap.SoftCents:
			add(ViolationCategoryCap, SeveritySoft, "Amount %s exceeds the %s limit %s",
				amt, exp.Category, entity.FormatCents(catCap.SoftCents))
		}
	}

	limit := int64(entity.DefaultMonthlyLimitCents)
	if in.Employee != nil {
		limit = in.Employee.MonthlyLimit()
	}
	projected := in.History.MonthToDateCents + exp.AmountCents
	hardLimit := int64(float64(limit) * p.limits.MonthlyHardMultiplier)
	switch {
	case projected > hardLimit:
		add(ViolationMonthlyLimit, SeverityHard, "Monthly spend would reach %s, beyond %.0f%% of the %s limit",
			entity.FormatCents(projected), p.limits.MonthlyHardMultiplier*100, entity.FormatCents(limit))
	case projected > limit:
		add(ViolationMonthlyLimit, SeveritySoft, "Monthly spend would reach %s, over the %s limit (remaining %s)",
			entity.FormatCents(projected), entity.FormatCents(limit), entity.FormatCents(max(limit-in.History.MonthToDateCents, 0)))
	}

	if dup := p.findDuplicate(exp, in.History.Recent); dup != nil {
		add(ViolationDuplicate, SeveritySoft, "Possible duplicate of expense %s (same merchant and amount within %s)",
			dup.ID, p.limits.DuplicateWindow)
	}

	return res
}

func (p *PolicyChecker) findDuplicate(exp *entity.Expense, recent []*entity.Expense) *entity.Expense {
	if exp.Merchant == "" {
		return nil
	}
	for _, r := range recent {
		if r.ID == exp.ID || r.EmployeeID != exp.EmployeeID {
			continue
		}
		if r.Status == entity.StatusRejected || r.Status == entity.StatusFlagged {
			continue
		}
		if r.AmountCents != exp.AmountCents || !strings.EqualFold(r.Merchant, exp.Merchant) {
			continue
		}
		gap := exp.SubmittedAt.Sub(r.SubmittedAt)
		if gap < 0 {
			gap = -gap
		}
		if gap <= p.limits.DuplicateWindow {
			return r
		}
	}
	return nil
}
