package ai

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garyjia/expense-approval/internal/domain/entity"
)

var noon = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC) // a Wednesday

func newInput(amountCents int64, cat entity.Category, receipt bool) ScoreInput {
	return ScoreInput{
		Expense: &entity.Expense{
			ID:          "exp-new",
			EmployeeID:  "emp-1",
			AmountCents: amountCents,
			Category:    cat,
			Merchant:    "Acme",
			Description: "Quarterly supplies order",
			HasReceipt:  receipt,
			SubmittedAt: noon,
		},
		Employee: &entity.Employee{ID: "emp-1", Department: "sales", MonthlyLimitCents: 500000},
	}
}

func kinds(r ComplianceResult, sev Severity) []ViolationKind {
	var out []ViolationKind
	for _, v := range r.bySeverity(sev) {
		out = append(out, v.Kind)
	}
	return out
}

func TestPolicyChecker_ReceiptTiers(t *testing.T) {
	checker := NewPolicyChecker(DefaultPolicyLimits())

	tests := []struct {
		name        string
		amountCents int64
		receipt     bool
		severity    Severity
		expectFound bool
	}{
		{"small without receipt", 2000, false, SeverityWarning, false},
		{"warning tier", 3000, false, SeverityWarning, true},
		{"soft tier", 45000, false, SeveritySoft, true},
		{"hard tier", 300000, false, SeverityHard, true},
		{"receipt attached", 300000, true, SeverityHard, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := checker.Evaluate(newInput(tt.amountCents, entity.CategoryMiscellaneous, tt.receipt))
			found := false
			for _, k := range kinds(res, tt.severity) {
				if k == ViolationReceiptMissing {
					found = true
				}
			}
			assert.Equal(t, tt.expectFound, found)
		})
	}
}

func TestPolicyChecker_Scenarios(t *testing.T) {
	checker := NewPolicyChecker(DefaultPolicyLimits())

	meals := checker.Evaluate(newInput(4500, entity.CategoryMeals, true))
	assert.Empty(t, meals.Violations)

	entertainment := checker.Evaluate(newInput(45000, entity.CategoryClientEntertainment, false))
	assert.Empty(t, entertainment.Hard())
	assert.Equal(t, []ViolationKind{ViolationReceiptMissing}, kinds(entertainment, SeveritySoft))

	supplies := checker.Evaluate(newInput(300000, entity.CategoryOfficeSupplies, false))
	assert.Contains(t, kinds(supplies, SeverityHard), ViolationReceiptMissing)
	assert.Contains(t, kinds(supplies, SeveritySoft), ViolationCategoryCap)
}

func TestPolicyChecker_CategoryAndAmountCaps(t *testing.T) {
	checker := NewPolicyChecker(DefaultPolicyLimits())

	assert.Contains(t, kinds(checker.Evaluate(newInput(25000, entity.CategoryMeals, true)), SeveritySoft), ViolationCategoryCap)
	assert.Contains(t, kinds(checker.Evaluate(newInput(60000, entity.CategoryMeals, true)), SeverityHard), ViolationCategoryCap)

	in := newInput(1500000, entity.CategorySoftware, true)
	in.Employee.MonthlyLimitCents = 10000000
	assert.Contains(t, kinds(checker.Evaluate(in), SeveritySoft), ViolationAmountLimit)

	in = newInput(3000000, entity.CategorySoftware, true)
	in.Employee.MonthlyLimitCents = 10000000
	assert.Contains(t, kinds(checker.Evaluate(in), SeverityHard), ViolationAmountLimit)
}

func TestPolicyChecker_MonthlyLimit(t *testing.T) {
	checker := NewPolicyChecker(DefaultPolicyLimits())

	tests := []struct {
		name     string
		mtd      int64
		severity Severity
		want     bool
	}{
		{"within limit", 480000, SeveritySoft, false},
		{"exactly at limit", 495500, SeveritySoft, false},
		{"over limit", 498000, SeveritySoft, true},
		{"over one and a half times", 760000, SeverityHard, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := newInput(4500, entity.CategoryMeals, true)
			in.History.MonthToDateCents = tt.mtd
			assert.Equal(t, tt.want, containsKind(kinds(checker.Evaluate(in), tt.severity), ViolationMonthlyLimit))
		})
	}
}

func TestPolicyChecker_Duplicate(t *testing.T) {
	checker := NewPolicyChecker(DefaultPolicyLimits())

	prior := func(id, status string, ago time.Duration) *entity.Expense {
		return &entity.Expense{ID: id, EmployeeID: "emp-1", AmountCents: 4500, Merchant: "ACME", Status: status, SubmittedAt: noon.Add(-ago)}
	}

	in := newInput(4500, entity.CategoryMeals, true)
	in.History.Recent = []*entity.Expense{prior("old", entity.StatusPaid, 2*time.Hour)}
	res := checker.Evaluate(in)
	require.Len(t, res.Soft(), 1)
	assert.Contains(t, res.Soft()[0].Message, "old")

	in.History.Recent = []*entity.Expense{prior("stale", entity.StatusPaid, 25*time.Hour)}
	assert.Empty(t, checker.Evaluate(in).Soft())

	in.History.Recent = []*entity.Expense{prior("denied", entity.StatusRejected, time.Hour)}
	assert.Empty(t, checker.Evaluate(in).Soft())
}

func containsKind(ks []ViolationKind, k ViolationKind) bool {
	for _, x := range ks {
		if x == k {
			return true
		}
	}
	return false
}
