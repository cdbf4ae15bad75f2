package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/garyjia/expense-approval/internal/application/dispatcher"
	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/internal/application/workflow"
	"github.com/garyjia/expense-approval/internal/domain/apperr"
	"github.com/garyjia/expense-approval/internal/domain/entity"
	"github.com/garyjia/expense-approval/internal/domain/event"
	domainwf "github.com/garyjia/expense-approval/internal/domain/workflow"
)

// StepAction is what an approver does to a pending step
type StepAction string

const (
	ActionApprove  StepAction = "approve"
	ActionReject   StepAction = "reject"
	ActionEscalate StepAction = "escalate"
)

// StepOutcome is the result of acting on a step. When the action completed
// the chain, Settlement or SettlementError reports the payout attempt.
type StepOutcome struct {
	Expense         *entity.Expense        `json:"expense"`
	Step            *entity.ApprovalStep   `json:"step"`
	Steps           []*entity.ApprovalStep `json:"steps"`
	Settlement      *SettlementResult      `json:"settlement,omitempty"`
	SettlementError string                 `json:"settlement_error,omitempty"`
}

// PendingApproval is a step waiting for an approver, with its expense
type PendingApproval struct {
	Step    *entity.ApprovalStep `json:"step"`
	Expense *entity.Expense      `json:"expense"`
}

// ApprovalService runs the per-expense approval chain
type ApprovalService interface {
	Act(ctx context.Context, actor *entity.Employee, expenseID string, stepOrder int, action StepAction, comments string) (*StepOutcome, error)
	Approve(ctx context.Context, actor *entity.Employee, expenseID string, stepOrder int, comments string) (*StepOutcome, error)
	Reject(ctx context.Context, actor *entity.Employee, expenseID string, stepOrder int, comments string) (*StepOutcome, error)
	Escalate(ctx context.Context, actor *entity.Employee, expenseID string, stepOrder int, comments string) (*StepOutcome, error)
	Steps(ctx context.Context, expenseID string) ([]*entity.ApprovalStep, error)
	PendingFor(ctx context.Context, actor *entity.Employee) ([]*PendingApproval, error)
}

// ApprovalDeps are the collaborators of the approval service
type ApprovalDeps struct {
	Expenses   port.ExpenseRepository
	StepRepo   port.ApprovalStepRepository
	TxManager  port.TransactionManager
	Directory  port.Directory
	Engine     workflow.Engine
	Audit      AuditService
	Settlement SettlementService
	Dispatcher dispatcher.Dispatcher
	Locker     Locker
	Logger     Logger
}

type approvalServiceImpl struct {
	ApprovalDeps
}

// NewApprovalService creates a new ApprovalService
func NewApprovalService(deps ApprovalDeps) ApprovalService {
	deps.Logger = orNop(deps.Logger)
	return &approvalServiceImpl{ApprovalDeps: deps}
}

func (s *approvalServiceImpl) Approve(ctx context.Context, actor *entity.Employee, expenseID string, stepOrder int, comments string) (*StepOutcome, error) {
	return s.Act(ctx, actor, expenseID, stepOrder, ActionApprove, comments)
}

func (s *approvalServiceImpl) Reject(ctx context.Context, actor *entity.Employee, expenseID string, stepOrder int, comments string) (*StepOutcome, error) {
	return s.Act(ctx, actor, expenseID, stepOrder, ActionReject, comments)
}

func (s *approvalServiceImpl) Escalate(ctx context.Context, actor *entity.Employee, expenseID string, stepOrder int, comments string) (*StepOutcome, error) {
	return s.Act(ctx, actor, expenseID, stepOrder, ActionEscalate, comments)
}

func (s *approvalServiceImpl) Act(ctx context.Context, actor *entity.Employee, expenseID string, stepOrder int, action StepAction, comments string) (*StepOutcome, error) {
	const op = "approval.Act"
	if actor == nil {
		return nil, apperr.Authorization(op, "an identified actor is required")
	}
	switch action {
	case ActionApprove, ActionReject, ActionEscalate:
	default:
		return nil, apperr.Validation(op, "unknown step action %q", action)
	}

	ctx, span := tracer.Start(ctx, "approval.Act")
	defer span.End()

	unlock, err := s.Locker.Lock(ctx, expenseLockKey(expenseID))
	if err != nil {
		return nil, fmt.Errorf("lock expense %s: %w", expenseID, err)
	}
	defer unlock()

	var (
		outcome   = &StepOutcome{}
		tr        *domainwf.Transition
		activated []*entity.ApprovalStep
	)

	err = s.TxManager.WithTransaction(ctx, func(txCtx context.Context) error {
		exp, err := s.Expenses.GetByID(txCtx, expenseID)
		if err != nil {
			return err
		}
		steps, err := s.StepRepo.ListByExpense(txCtx, expenseID)
		if err != nil {
			return fmt.Errorf("load approval steps: %w", err)
		}
		sort.Slice(steps, func(i, j int) bool { return steps[i].StepOrder < steps[j].StepOrder })

		step := findStep(steps, stepOrder)
		if step == nil {
			return apperr.NotFound(op, "expense %s has no approval step %d", expenseID, stepOrder)
		}
		if step.Status.IsResolved() {
			return apperr.Conflict(op, "step %d of expense %s is already %s", stepOrder, expenseID, step.Status)
		}
		if exp.Status != entity.StatusManagerReview {
			return apperr.Conflict(op, "expense %s is %s, not awaiting approval", expenseID, exp.Status)
		}
		if step.Status != entity.StepPending {
			return apperr.Authorization(op, "step %d of expense %s is not pending", stepOrder, expenseID)
		}
		if !step.CanBeActedOnBy(actor) {
			return apperr.Authorization(op, "%s may not act on step %d (%s) of expense %s", actor.ID, stepOrder, step.ApproverRole, expenseID)
		}
		if actor.ID == exp.EmployeeID && !actor.IsAdmin() {
			return apperr.Authorization(op, "%s may not act on their own expense", actor.ID)
		}

		now := utcNow()
		switch action {
		case ActionApprove:
			step.Resolve(entity.StepApproved, actor.ID, comments, now)
			if err := s.StepRepo.Update(txCtx, step); err != nil {
				return fmt.Errorf("update step: %w", err)
			}
			if chainComplete(steps) {
				t, err := s.Engine.Apply(txCtx, exp, workflow.Change{
					Trigger: domainwf.TriggerApprove,
					Actor:   actor.ID,
					Action:  entity.AuditStepApproved,
					Details: stepDetails(step, comments) + "; chain complete",
					Mutate: func(e *entity.Expense) {
						e.ApprovalReason = fmt.Sprintf("Approved by %s", approverChain(steps))
					},
				})
				if err != nil {
					return err
				}
				tr = &t
			} else {
				if err := s.recordStep(txCtx, exp, actor.ID, entity.AuditStepApproved, stepDetails(step, comments)); err != nil {
					return err
				}
				if step.ApprovalType != entity.ApprovalParallel {
					next, err := s.activateNext(txCtx, steps)
					if err != nil {
						return err
					}
					activated = append(activated, next...)
				}
			}

		case ActionReject:
			step.Resolve(entity.StepRejected, actor.ID, comments, now)
			if err := s.StepRepo.Update(txCtx, step); err != nil {
				return fmt.Errorf("update step: %w", err)
			}
			for _, other := range steps {
				if other.Status.IsResolved() {
					continue
				}
				other.Status = entity.StepSkipped
				if err := s.StepRepo.Update(txCtx, other); err != nil {
					return fmt.Errorf("skip step %d: %w", other.StepOrder, err)
				}
			}
			reason := fmt.Sprintf("Rejected by %s at step %d (%s)", actor.ID, step.StepOrder, step.ApproverRole)
			if comments != "" {
				reason += ": " + comments
			}
			t, err := s.Engine.Apply(txCtx, exp, workflow.Change{
				Trigger: domainwf.TriggerReject,
				Actor:   actor.ID,
				Action:  entity.AuditStepRejected,
				Details: stepDetails(step, comments),
				Mutate:  func(e *entity.Expense) { e.ApprovalReason = reason },
			})
			if err != nil {
				return err
			}
			tr = &t

		case ActionEscalate:
			step.Resolve(entity.StepEscalated, actor.ID, comments, now)
			if err := s.StepRepo.Update(txCtx, step); err != nil {
				return fmt.Errorf("update step: %w", err)
			}
			escalated, err := s.insertEscalation(txCtx, exp, step, steps, actor)
			if err != nil {
				return err
			}
			steps = append(steps, escalated)
			sort.Slice(steps, func(i, j int) bool { return steps[i].StepOrder < steps[j].StepOrder })
			activated = append(activated, escalated)
			details := fmt.Sprintf("%s; escalated to step %d", stepDetails(step, comments), escalated.StepOrder)
			if escalated.ApproverID != "" {
				details += " (" + escalated.ApproverID + ")"
			}
			if err := s.recordStep(txCtx, exp, actor.ID, entity.AuditStepEscalated, details); err != nil {
				return err
			}
		}

		outcome.Expense = exp
		outcome.Step = step
		outcome.Steps = steps
		return nil
	})
	if err != nil {
		s.Logger.Error("Step action failed", "error", err, "expense_id", expenseID, "step", stepOrder, "action", action, "actor", actor.ID)
		return nil, err
	}

	s.Logger.Info("Step action applied", "expense_id", expenseID, "step", stepOrder, "action", action, "actor", actor.ID, "status", outcome.Expense.Status)
	s.publishStep(ctx, outcome.Expense, outcome.Step, action, actor.ID)
	if tr != nil {
		s.Engine.Announce(ctx, outcome.Expense, *tr, actor.ID)
	}
	for _, st := range activated {
		s.notifyPending(ctx, outcome.Expense, st)
	}

	if outcome.Expense.Status == entity.StatusApproved {
		res, err := s.Settlement.SettleLocked(ctx, expenseID, actor.ID)
		if err != nil {
			outcome.SettlementError = apperr.Reason(err)
		} else {
			outcome.Settlement = res
		}
		if reloaded, err := s.Expenses.GetByID(ctx, expenseID); err == nil {
			outcome.Expense = reloaded
		}
	}

	return outcome, nil
}

// insertEscalation places a pending escalated_manager step directly after the
// escalated one, bound to the manager of whoever held it. Later steps move one
// place down and keep waiting behind it.
func (s *approvalServiceImpl) insertEscalation(ctx context.Context, exp *entity.Expense, from *entity.ApprovalStep, steps []*entity.ApprovalStep, actor *entity.Employee) (*entity.ApprovalStep, error) {
	holder := from.ApproverID
	if holder == "" {
		holder = actor.ID
	}

	manager, err := s.Directory.GetManager(ctx, holder)
	if err != nil {
		s.Logger.Error("Manager lookup failed during escalation, step left unbound", "error", err, "employee_id", holder)
		manager = nil
	}

	order := from.StepOrder + 1
	if err := s.StepRepo.ShiftFrom(ctx, exp.ID, order); err != nil {
		return nil, fmt.Errorf("make room for escalation step: %w", err)
	}
	for _, st := range steps {
		if st.StepOrder >= order {
			st.StepOrder++
		}
	}

	next := newStep(exp.ID, order, entity.ApproverEscalatedManager, manager, from.ApprovalType, from.RuleID)
	if next.ApproverID == exp.EmployeeID {
		next.ApproverID = ""
	}
	next.Status = entity.StepPending
	if err := s.StepRepo.CreateBatch(ctx, []*entity.ApprovalStep{next}); err != nil {
		return nil, fmt.Errorf("insert escalation step: %w", err)
	}
	return next, nil
}

// activateNext makes the lowest-ordered waiting step pending when no step is
// pending. It keeps at most one pending step in a sequential chain.
func (s *approvalServiceImpl) activateNext(ctx context.Context, steps []*entity.ApprovalStep) ([]*entity.ApprovalStep, error) {
	for _, st := range steps {
		if st.Status == entity.StepPending {
			return nil, nil
		}
	}
	for _, st := range steps {
		if st.Status != entity.StepWaiting {
			continue
		}
		st.Status = entity.StepPending
		if err := s.StepRepo.Update(ctx, st); err != nil {
			return nil, fmt.Errorf("activate step %d: %w", st.StepOrder, err)
		}
		return []*entity.ApprovalStep{st}, nil
	}
	return nil, nil
}

func (s *approvalServiceImpl) recordStep(ctx context.Context, exp *entity.Expense, actorID string, action entity.AuditAction, details string) error {
	return s.Audit.Record(ctx, &entity.AuditEntry{
		ExpenseID:  exp.ID,
		Actor:      actorID,
		Action:     action,
		FromStatus: exp.Status,
		ToStatus:   exp.Status,
		Details:    details,
	})
}

func (s *approvalServiceImpl) publishStep(ctx context.Context, exp *entity.Expense, step *entity.ApprovalStep, action StepAction, actorID string) {
	if s.Dispatcher == nil {
		return
	}
	s.Dispatcher.DispatchAsync(ctx, event.NewEvent(event.TypeStepResolved, exp.ID, map[string]interface{}{
		"step_order": step.StepOrder,
		"role":       string(step.ApproverRole),
		"action":     string(action),
		"status":     string(step.Status),
		"actor":      actorID,
	}))
}

func (s *approvalServiceImpl) notifyPending(ctx context.Context, exp *entity.Expense, step *entity.ApprovalStep) {
	publishPending(ctx, s.Dispatcher, exp, step)
}

// publishPending announces a newly pending step; the notification service
// delivers it to the approver
func publishPending(ctx context.Context, d dispatcher.Dispatcher, exp *entity.Expense, step *entity.ApprovalStep) {
	if d == nil {
		return
	}
	d.DispatchAsync(ctx, event.NewEvent(event.TypeStepPending, exp.ID, map[string]interface{}{
		"step_order":  step.StepOrder,
		"role":        string(step.ApproverRole),
		"approver_id": step.ApproverID,
	}))
}

func (s *approvalServiceImpl) Steps(ctx context.Context, expenseID string) ([]*entity.ApprovalStep, error) {
	steps, err := s.StepRepo.ListByExpense(ctx, expenseID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepOrder < steps[j].StepOrder })
	return steps, nil
}

func (s *approvalServiceImpl) PendingFor(ctx context.Context, actor *entity.Employee) ([]*PendingApproval, error) {
	if actor == nil {
		return nil, apperr.Authorization("approval.PendingFor", "an identified actor is required")
	}

	var roles []entity.ApproverRole
	for _, role := range []entity.ApproverRole{
		entity.ApproverDirectManager, entity.ApproverFinance, entity.ApproverDepartmentHead,
		entity.ApproverVP, entity.ApproverCFO, entity.ApproverEscalatedManager,
	} {
		if role.OrgRole() == actor.Role {
			roles = append(roles, role)
		}
	}

	steps, err := s.StepRepo.ListPending(ctx, actor.ID, roles)
	if err != nil {
		return nil, fmt.Errorf("list pending steps: %w", err)
	}

	out := make([]*PendingApproval, 0, len(steps))
	for _, st := range steps {
		exp, err := s.Expenses.GetByID(ctx, st.ExpenseID)
		if err != nil {
			return nil, err
		}
		if exp.Status != entity.StatusManagerReview || exp.EmployeeID == actor.ID {
			continue
		}
		out = append(out, &PendingApproval{Step: st, Expense: exp})
	}
	return out, nil
}

func findStep(steps []*entity.ApprovalStep, order int) *entity.ApprovalStep {
	for _, st := range steps {
		if st.StepOrder == order {
			return st
		}
	}
	return nil
}

// chainComplete is true once every step is settled and at least one approved
func chainComplete(steps []*entity.ApprovalStep) bool {
	approved := false
	for _, st := range steps {
		switch st.Status {
		case entity.StepApproved:
			approved = true
		case entity.StepEscalated, entity.StepSkipped:
		default:
			return false
		}
	}
	return approved
}

func approverChain(steps []*entity.ApprovalStep) string {
	out := ""
	for _, st := range steps {
		if st.Status != entity.StepApproved {
			continue
		}
		if out != "" {
			out += " > "
		}
		out += st.ActedBy
	}
	return out
}

func stepDetails(step *entity.ApprovalStep, comments string) string {
	d := fmt.Sprintf("step=%d role=%s", step.StepOrder, step.ApproverRole)
	if comments != "" {
		d += "; comments=" + comments
	}
	return d
}
