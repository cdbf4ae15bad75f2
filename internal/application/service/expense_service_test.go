package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garyjia/expense-approval/internal/domain/apperr"
	"github.com/garyjia/expense-approval/internal/domain/entity"
)

func TestSubmit_LowRiskMealIsAutoApprovedAndPaid(t *testing.T) {
	h := newHarness(t, 0.1)
	ctx := context.Background()

	res, err := h.expenses.Submit(ctx, SubmitRequest{
		EmployeeID:  "E001",
		AmountCents: 4500,
		Category:    entity.CategoryMeals,
		Merchant:    "Cafe Roma",
		Description: "team lunch",
		HasReceipt:  true,
	})
	require.NoError(t, err)

	assert.Equal(t, entity.StatusAutoApproved, res.Decision.Outcome)
	require.NotNil(t, res.Settlement, "settlement error: %s", res.SettlementError)
	assert.Equal(t, entity.StatusPaid, res.Expense.Status)
	assert.NotEmpty(t, res.Expense.TxRef)
	assert.NotNil(t, res.Expense.PaidAt)
	assert.Contains(t, res.Expense.Memo, "Category=meals")
	assert.Contains(t, res.Expense.Memo, "Risk=0.10")
	assert.Contains(t, res.Expense.ApprovalReason, "Auto-approved")
	assert.Empty(t, res.Steps)
	assert.Equal(t, 1, h.ledger.calls())

	spent, _ := memSpend{h.store}.Get(ctx, "E001", res.Expense.SpendMonth())
	assert.Equal(t, int64(4500), spent)

	assert.Equal(t, []entity.AuditAction{entity.AuditDecisionMade, entity.AuditSettled}, h.store.actions(res.Expense.ID))

	entries, err := h.audit.Query(ctx, entity.AuditFilter{ExpenseID: res.Expense.ID, Action: entity.AuditDecisionMade})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "AgentFin", entries[0].Actor)
	assert.Equal(t, res.Expense.ApprovalReason, entries[0].Memo)
	require.NotNil(t, entries[0].RiskScore)
	assert.InDelta(t, 0.1, *entries[0].RiskScore, 1e-9)
}

func TestSubmit_MediumRiskFollowsRuleChainToPayment(t *testing.T) {
	h := newHarness(t, 0.55)
	ctx := context.Background()
	h.addRule(&entity.ApprovalRule{
		Name:              "client entertainment",
		Category:          ptrTo(entity.CategoryClientEntertainment),
		RequiredApprovers: []entity.ApproverRole{entity.ApproverDirectManager, entity.ApproverFinance},
		ApprovalType:      entity.ApprovalSequential,
		Priority:          10,
		Active:            true,
	})

	res, err := h.expenses.Submit(ctx, SubmitRequest{
		EmployeeID:  "E001",
		AmountCents: 45000,
		Category:    entity.CategoryClientEntertainment,
		Merchant:    "Steakhouse",
	})
	require.NoError(t, err)
	require.Equal(t, entity.StatusManagerReview, res.Expense.Status)
	require.NotNil(t, res.Route)
	assert.False(t, res.Route.Fallback)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, "M001", res.Steps[0].ApproverID)
	assert.Equal(t, entity.StepPending, res.Steps[0].Status)
	assert.Equal(t, "F001", res.Steps[1].ApproverID)
	assert.Equal(t, entity.StepWaiting, res.Steps[1].Status)
	assert.Equal(t, 0, h.ledger.calls())

	id := res.Expense.ID

	_, err = h.approvals.Approve(ctx, h.employee("F001"), id, 2, "too early")
	assert.ErrorIs(t, err, apperr.ErrAuthorization)

	out, err := h.approvals.Approve(ctx, h.employee("M001"), id, 1, "ok")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusManagerReview, out.Expense.Status)
	assert.Nil(t, out.Settlement)

	out, err = h.approvals.Approve(ctx, h.employee("F001"), id, 2, "")
	require.NoError(t, err)
	require.NotNil(t, out.Settlement, "settlement error: %s", out.SettlementError)
	assert.Equal(t, entity.StatusPaid, out.Expense.Status)
	assert.Equal(t, "Approved by M001 > F001", out.Expense.ApprovalReason)
	assert.Contains(t, out.Expense.Memo, "Approvers=M001>F001")
	assert.Equal(t, 1, h.ledger.calls())

	assert.Equal(t, []entity.AuditAction{
		entity.AuditDecisionMade,
		entity.AuditChainCreated,
		entity.AuditStepApproved,
		entity.AuditStepApproved,
		entity.AuditSettled,
	}, h.store.actions(id))
}

func TestSubmit_HardViolationIsFlaggedThenOverridden(t *testing.T) {
	h := newHarness(t, 0.85)
	ctx := context.Background()

	res, err := h.expenses.Submit(ctx, SubmitRequest{
		EmployeeID:  "E001",
		AmountCents: 300000,
		Category:    entity.CategoryOfficeSupplies,
		Merchant:    "Office Depot",
	})
	require.NoError(t, err)
	require.Equal(t, entity.StatusFlagged, res.Expense.Status)
	assert.Contains(t, res.Expense.ApprovalReason, "Receipt required")
	assert.Equal(t, 0, h.ledger.calls())

	id := res.Expense.ID

	_, err = h.expenses.Dispute(ctx, h.employee("N001"), id, "not mine to dispute")
	assert.ErrorIs(t, err, apperr.ErrAuthorization)

	disputed, err := h.expenses.Dispute(ctx, h.employee("E001"), id, "receipt was lost in transit")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusDisputed, disputed.Expense.Status)
	assert.NotNil(t, disputed.Expense.DisputedAt)

	_, err = h.expenses.Override(ctx, h.employee("M001"), id, "manager cannot override")
	assert.ErrorIs(t, err, apperr.ErrAuthorization)

	overridden, err := h.expenses.Override(ctx, h.employee("A001"), id, "vendor confirmed by phone")
	require.NoError(t, err)
	require.NotNil(t, overridden.Settlement, "settlement error: %s", overridden.SettlementError)
	assert.Equal(t, entity.StatusPaid, overridden.Expense.Status)
	assert.Equal(t, "A001", overridden.Expense.OverriddenBy)
	assert.Contains(t, overridden.Expense.Memo, "Approvers=A001")
	assert.Equal(t, 1, h.ledger.calls())
}

func TestSubmit_HighRiskIsRejected(t *testing.T) {
	h := newHarness(t, 0.85)

	res, err := h.expenses.Submit(context.Background(), SubmitRequest{
		EmployeeID:  "E001",
		AmountCents: 10000,
		Category:    entity.CategoryMeals,
		Merchant:    "Bistro",
		HasReceipt:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, entity.StatusRejected, res.Expense.Status)
	assert.Contains(t, res.Expense.ApprovalReason, "reject threshold")
	assert.Nil(t, res.Settlement)
}

func TestDispute_OnlyOnce(t *testing.T) {
	h := newHarness(t, 0.85)
	ctx := context.Background()
	admin := h.employee("A001")
	owner := h.employee("E001")

	exp := h.seedExpense("exp-dispute", entity.StatusRejected, 10000)

	_, err := h.expenses.Dispute(ctx, owner, exp.ID, "")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = h.expenses.Dispute(ctx, owner, exp.ID, "please look again")
	require.NoError(t, err)

	denied, err := h.expenses.DenyDispute(ctx, admin, exp.ID, "policy is clear")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusRejected, denied.Expense.Status)

	_, err = h.expenses.Dispute(ctx, owner, exp.ID, "one more time")
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestDispute_PaidExpenseIsConflict(t *testing.T) {
	h := newHarness(t, 0.1)
	exp := h.seedExpense("exp-paid", entity.StatusPaid, 1000)

	_, err := h.expenses.Dispute(context.Background(), h.employee("E001"), exp.ID, "changed my mind")
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestSubmit_Validation(t *testing.T) {
	h := newHarness(t, 0.1)
	ctx := context.Background()

	cases := map[string]SubmitRequest{
		"zero amount":      {EmployeeID: "E001", AmountCents: 0, Category: entity.CategoryMeals},
		"negative amount":  {EmployeeID: "E001", AmountCents: -5, Category: entity.CategoryMeals},
		"unknown category": {EmployeeID: "E001", AmountCents: 100, Category: "yachts"},
		"missing employee": {AmountCents: 100, Category: entity.CategoryMeals},
		"unknown employee": {EmployeeID: "X999", AmountCents: 100, Category: entity.CategoryMeals},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.expenses.Submit(ctx, req)
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
	assert.Equal(t, 0, h.ledger.calls())
}

func TestSubmit_MonthlyLimitForcesReview(t *testing.T) {
	h := newHarness(t, 0.1)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, memSpend{h.store}.Add(ctx, "E001", entity.MonthKey(now), 480000))

	res, err := h.expenses.Submit(ctx, SubmitRequest{
		EmployeeID:  "E001",
		AmountCents: 3000,
		Category:    entity.CategoryMeals,
		Merchant:    "Deli",
		HasReceipt:  true,
		SubmittedAt: &now,
	})
	require.NoError(t, err)
	assert.Equal(t, entity.StatusAutoApproved, res.Expense.Status)

	res, err = h.expenses.Submit(ctx, SubmitRequest{
		EmployeeID:  "E001",
		AmountCents: 25000,
		Category:    entity.CategoryMeals,
		Merchant:    "Grill",
		HasReceipt:  true,
		SubmittedAt: &now,
	})
	require.NoError(t, err)
	assert.Equal(t, entity.StatusManagerReview, res.Expense.Status)
	assert.Contains(t, res.Expense.ApprovalReason, "Monthly spend")
	require.NotNil(t, res.Route)
	assert.True(t, res.Route.Fallback)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, "M001", res.Steps[0].ApproverID)
}

func TestSettle_RequiresAdmin(t *testing.T) {
	h := newHarness(t, 0.1)
	exp := h.seedExpense("exp-approved", entity.StatusApproved, 1000)

	_, err := h.expenses.Settle(context.Background(), h.employee("M001"), exp.ID)
	assert.ErrorIs(t, err, apperr.ErrAuthorization)

	res, err := h.expenses.Settle(context.Background(), h.employee("A001"), exp.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, res.TxRef)
}

func TestBatchApprove_ConcurrentBatchesPayOnce(t *testing.T) {
	h := newHarness(t, 0.55)
	h.ledger.delay = 20 * time.Millisecond
	admin := h.employee("A001")
	exp := h.seedExpense("exp-batch", entity.StatusManagerReview, 45000)

	var (
		wg      sync.WaitGroup
		results [2]*BatchResult
		errs    [2]error
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.expenses.BatchApprove(context.Background(), admin)
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, 1, h.ledger.calls())
	assert.Equal(t, 1, results[0].Succeeded+results[1].Succeeded)
	for _, res := range results {
		for _, item := range res.Items {
			if !item.Success {
				assert.Contains(t, item.Error, "already settled")
			}
		}
	}

	stored, err := memExpenses{h.store}.GetByID(context.Background(), exp.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusPaid, stored.Status)
}

func TestBatchApprove_SkipsPendingStepsAndReportsPaid(t *testing.T) {
	h := newHarness(t, 0.55)
	ctx := context.Background()
	admin := h.employee("A001")

	res, err := h.expenses.Submit(ctx, SubmitRequest{
		EmployeeID:  "E001",
		AmountCents: 45000,
		Category:    entity.CategoryClientEntertainment,
		Merchant:    "Steakhouse",
	})
	require.NoError(t, err)
	require.Equal(t, entity.StatusManagerReview, res.Expense.Status)

	batch, err := h.expenses.BatchApprove(ctx, admin)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Processed)
	assert.Equal(t, 1, batch.Succeeded)

	steps, _ := h.approvals.Steps(ctx, res.Expense.ID)
	for _, st := range steps {
		assert.Equal(t, entity.StepSkipped, st.Status)
	}

	impl := h.expenses.(*expenseServiceImpl)
	item := impl.batchItem(ctx, admin, res.Expense.ID)
	assert.False(t, item.Success)
	assert.Contains(t, item.Error, "already settled (tx ")

	_, err = h.expenses.BatchApprove(ctx, h.employee("M001"))
	assert.ErrorIs(t, err, apperr.ErrAuthorization)
}

func TestGet_ReturnsStepsAndTriggers(t *testing.T) {
	h := newHarness(t, 0.55)
	ctx := context.Background()

	res, err := h.expenses.Submit(ctx, SubmitRequest{
		EmployeeID:  "E001",
		AmountCents: 45000,
		Category:    entity.CategoryClientEntertainment,
	})
	require.NoError(t, err)

	detail, err := h.expenses.Get(ctx, res.Expense.ID)
	require.NoError(t, err)
	assert.Len(t, detail.Steps, 1)
	assert.NotEmpty(t, detail.Triggers)

	_, err = h.expenses.Get(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
