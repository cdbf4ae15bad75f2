package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garyjia/expense-approval/internal/domain/entity"
	"github.com/garyjia/expense-approval/internal/domain/event"
)

type mockNotifier struct {
	NotifyPendingFunc  func(ctx context.Context, approver *entity.Employee, exp *entity.Expense, step *entity.ApprovalStep) error
	NotifyEmployeeFunc func(ctx context.Context, employee *entity.Employee, message string) error
}

func (m *mockNotifier) NotifyPending(ctx context.Context, approver *entity.Employee, exp *entity.Expense, step *entity.ApprovalStep) error {
	if m.NotifyPendingFunc != nil {
		return m.NotifyPendingFunc(ctx, approver, exp, step)
	}
	return nil
}

func (m *mockNotifier) NotifyEmployee(ctx context.Context, employee *entity.Employee, message string) error {
	if m.NotifyEmployeeFunc != nil {
		return m.NotifyEmployeeFunc(ctx, employee, message)
	}
	return nil
}

func newNotificationFixture(t *testing.T, notifier *mockNotifier) (*harness, NotificationService) {
	h := newHarness(t, 0.55)
	svc := NewNotificationService(memExpenses{h.store}, memSteps{h.store}, h.directory, notifier, nil)
	return h, svc
}

func TestHandleStepPending_NotifiesBoundApprover(t *testing.T) {
	var notified []string
	h, svc := newNotificationFixture(t, &mockNotifier{
		NotifyPendingFunc: func(ctx context.Context, approver *entity.Employee, exp *entity.Expense, step *entity.ApprovalStep) error {
			notified = append(notified, approver.ID+"/"+exp.ID)
			return nil
		},
	})
	ctx := context.Background()
	exp := h.seedExpense("exp-n1", entity.StatusManagerReview, 45000)
	require.NoError(t, memSteps{h.store}.CreateBatch(ctx, []*entity.ApprovalStep{
		{ExpenseID: exp.ID, StepOrder: 1, ApproverRole: entity.ApproverDirectManager, ApproverID: "M001", Status: entity.StepPending},
		{ExpenseID: exp.ID, StepOrder: 2, ApproverRole: entity.ApproverFinance, ApproverID: "F001", Status: entity.StepWaiting},
	}))

	err := svc.HandleStepPending(ctx, event.NewEvent(event.TypeStepPending, exp.ID, map[string]interface{}{
		"step_order": 1, "approver_id": "M001",
	}))
	require.NoError(t, err)

	// a step that is no longer pending is ignored
	err = svc.HandleStepPending(ctx, event.NewEvent(event.TypeStepPending, exp.ID, map[string]interface{}{
		"step_order": 2, "approver_id": "F001",
	}))
	require.NoError(t, err)

	// unbound steps have nobody to notify
	err = svc.HandleStepPending(ctx, event.NewEvent(event.TypeStepPending, exp.ID, map[string]interface{}{
		"step_order": 1,
	}))
	require.NoError(t, err)

	assert.Equal(t, []string{"M001/exp-n1"}, notified)
}

func TestHandleStatusChanged_TellsSubmitter(t *testing.T) {
	var messages []string
	h, svc := newNotificationFixture(t, &mockNotifier{
		NotifyEmployeeFunc: func(ctx context.Context, employee *entity.Employee, message string) error {
			assert.Equal(t, "E001", employee.ID)
			messages = append(messages, message)
			return nil
		},
	})
	ctx := context.Background()
	exp := h.seedExpense("exp-n2", entity.StatusRejected, 10000)

	require.NoError(t, svc.HandleStatusChanged(ctx, event.NewEvent(event.TypeStatusChanged, exp.ID, map[string]interface{}{
		"new_status": entity.StatusRejected,
	})))
	require.NoError(t, svc.HandleStatusChanged(ctx, event.NewEvent(event.TypeStatusChanged, exp.ID, map[string]interface{}{
		"new_status": entity.StatusManagerReview,
	})))

	require.Len(t, messages, 1)
	assert.Contains(t, messages[0], "is now rejected")
	assert.Contains(t, messages[0], "You may dispute this decision once.")
}

func TestHandleSettled_PropagatesNotifierFailure(t *testing.T) {
	h, svc := newNotificationFixture(t, &mockNotifier{
		NotifyEmployeeFunc: func(ctx context.Context, employee *entity.Employee, message string) error {
			return errors.New("lark down")
		},
	})
	exp := h.seedExpense("exp-n3", entity.StatusPaid, 10000)

	err := svc.HandleSettled(context.Background(), event.NewEvent(event.TypeExpenseSettled, exp.ID, map[string]interface{}{
		"tx_ref": "0xabc",
	}))
	assert.ErrorContains(t, err, "lark down")
}
