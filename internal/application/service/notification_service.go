package service

import (
	"context"
	"fmt"

	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/internal/domain/entity"
	"github.com/garyjia/expense-approval/internal/domain/event"
)

// NotificationService turns lifecycle events into messages for approvers and
// submitters. Its handlers are registered on the dispatcher.
type NotificationService interface {
	HandleStepPending(ctx context.Context, evt *event.Event) error
	HandleStatusChanged(ctx context.Context, evt *event.Event) error
	HandleSettled(ctx context.Context, evt *event.Event) error
}

type notificationServiceImpl struct {
	expenses  port.ExpenseRepository
	steps     port.ApprovalStepRepository
	directory port.Directory
	notifier  port.Notifier
	logger    Logger
}

// NewNotificationService creates a new NotificationService
func NewNotificationService(
	expenses port.ExpenseRepository,
	steps port.ApprovalStepRepository,
	directory port.Directory,
	notifier port.Notifier,
	logger Logger,
) NotificationService {
	return &notificationServiceImpl{
		expenses:  expenses,
		steps:     steps,
		directory: directory,
		notifier:  notifier,
		logger:    orNop(logger),
	}
}

// HandleStepPending notifies the approver bound to a newly pending step.
// Unbound steps are visible through the pending-approvals listing only.
func (s *notificationServiceImpl) HandleStepPending(ctx context.Context, evt *event.Event) error {
	approverID := evt.GetPayloadString("approver_id")
	if approverID == "" {
		return nil
	}
	order := int(evt.GetPayloadInt("step_order"))

	exp, err := s.expenses.GetByID(ctx, evt.ExpenseID)
	if err != nil {
		return fmt.Errorf("get expense: %w", err)
	}
	step, err := s.steps.Get(ctx, evt.ExpenseID, order)
	if err != nil {
		return fmt.Errorf("get step %d: %w", order, err)
	}
	if step.Status != entity.StepPending {
		return nil
	}

	approver, err := s.directory.GetEmployee(ctx, approverID)
	if err != nil {
		return fmt.Errorf("get approver %s: %w", approverID, err)
	}
	if err := s.notifier.NotifyPending(ctx, approver, exp, step); err != nil {
		s.logger.Error("Failed to notify approver", "error", err, "approver_id", approverID, "expense_id", exp.ID)
		return fmt.Errorf("notify approver: %w", err)
	}

	s.logger.Info("Approver notified", "approver_id", approverID, "expense_id", exp.ID, "step", order)
	return nil
}

// HandleStatusChanged tells the submitter about decisions that need their
// attention: rejection, flagging and dispute outcomes.
func (s *notificationServiceImpl) HandleStatusChanged(ctx context.Context, evt *event.Event) error {
	status := evt.GetPayloadString("new_status")
	switch status {
	case entity.StatusRejected, entity.StatusFlagged, entity.StatusApproved:
	default:
		return nil
	}

	exp, err := s.expenses.GetByID(ctx, evt.ExpenseID)
	if err != nil {
		return fmt.Errorf("get expense: %w", err)
	}
	message := fmt.Sprintf("Expense %s (%s, %s) is now %s.\nReason: %s",
		exp.ID, entity.FormatCents(exp.AmountCents), exp.Category, status, exp.ApprovalReason)
	if status == entity.StatusRejected || status == entity.StatusFlagged {
		if !exp.WasDisputed() {
			message += "\nYou may dispute this decision once."
		}
	}
	return s.notifyEmployee(ctx, exp.EmployeeID, message)
}

// HandleSettled tells the submitter the payout went through
func (s *notificationServiceImpl) HandleSettled(ctx context.Context, evt *event.Event) error {
	exp, err := s.expenses.GetByID(ctx, evt.ExpenseID)
	if err != nil {
		return fmt.Errorf("get expense: %w", err)
	}
	message := fmt.Sprintf("Expense %s has been paid: %s\nTransaction: %s\nMemo: %s",
		exp.ID, entity.FormatCents(exp.AmountCents), evt.GetPayloadString("tx_ref"), evt.GetPayloadString("memo"))
	return s.notifyEmployee(ctx, exp.EmployeeID, message)
}

func (s *notificationServiceImpl) notifyEmployee(ctx context.Context, employeeID, message string) error {
	emp, err := s.directory.GetEmployee(ctx, employeeID)
	if err != nil {
		return fmt.Errorf("get employee %s: %w", employeeID, err)
	}
	if err := s.notifier.NotifyEmployee(ctx, emp, message); err != nil {
		s.logger.Error("Failed to notify employee", "error", err, "employee_id", employeeID)
		return fmt.Errorf("notify employee: %w", err)
	}
	return nil
}
