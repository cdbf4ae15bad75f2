package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/garyjia/expense-approval/internal/application/dispatcher"
	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/internal/domain/apperr"
	"github.com/garyjia/expense-approval/internal/domain/entity"
	"github.com/garyjia/expense-approval/internal/domain/event"
	domainwf "github.com/garyjia/expense-approval/internal/domain/workflow"
)

// AuditRecorder appends audit entries. Implemented by the audit service.
type AuditRecorder interface {
	Record(ctx context.Context, entry *entity.AuditEntry) error
}

// Change describes one lifecycle transition and how it is recorded
type Change struct {
	Trigger domainwf.Trigger
	Actor   string
	Action  entity.AuditAction
	Memo    string
	TxRef   string
	Details string

	// Mutate runs after the machine accepts the trigger and before the
	// expense is persisted.
	Mutate func(exp *entity.Expense)
}

// Engine drives expenses through the lifecycle state machine
type Engine interface {
	// CanFire reports whether trigger is currently allowed for exp
	CanFire(ctx context.Context, exp *entity.Expense, trigger domainwf.Trigger) bool

	// PermittedTriggers lists the triggers allowed from exp's status
	PermittedTriggers(exp *entity.Expense) []domainwf.Trigger

	// Apply fires the trigger, persists the expense and appends the audit
	// entry. It must run inside the caller's transaction; exp is only
	// modified when the transition is accepted.
	Apply(ctx context.Context, exp *entity.Expense, change Change) (domainwf.Transition, error)

	// Announce publishes status_changed after the caller committed
	Announce(ctx context.Context, exp *entity.Expense, tr domainwf.Transition, actor string)
}

type engineImpl struct {
	expenseRepo port.ExpenseRepository
	audit       AuditRecorder
	dispatcher  dispatcher.Dispatcher
	now         func() time.Time
}

// EngineOption configures the workflow engine
type EngineOption func(*engineImpl)

// WithDispatcher sets the event dispatcher for emitting events
func WithDispatcher(d dispatcher.Dispatcher) EngineOption {
	return func(e *engineImpl) {
		e.dispatcher = d
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) EngineOption {
	return func(e *engineImpl) {
		e.now = now
	}
}

// NewEngine creates a new workflow engine
func NewEngine(expenseRepo port.ExpenseRepository, audit AuditRecorder, opts ...EngineOption) Engine {
	e := &engineImpl{
		expenseRepo: expenseRepo,
		audit:       audit,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *engineImpl) CanFire(ctx context.Context, exp *entity.Expense, trigger domainwf.Trigger) bool {
	machine, err := BuildExpenseStateMachine(exp)
	if err != nil {
		return false
	}
	return machine.CanFire(ctx, trigger)
}

func (e *engineImpl) PermittedTriggers(exp *entity.Expense) []domainwf.Trigger {
	machine, err := BuildExpenseStateMachine(exp)
	if err != nil {
		return []domainwf.Trigger{}
	}
	return machine.PermittedTriggers()
}

func (e *engineImpl) Apply(ctx context.Context, exp *entity.Expense, change Change) (domainwf.Transition, error) {
	const op = "workflow.Apply"

	machine, err := BuildExpenseStateMachine(exp)
	if err != nil {
		return domainwf.Transition{}, apperr.Conflict(op, "expense %s has unknown status %q", exp.ID, exp.Status)
	}

	tr, err := machine.Fire(ctx, change.Trigger)
	if err != nil {
		return domainwf.Transition{}, transitionError(op, exp, change.Trigger, err)
	}

	// work on a copy so a failed write leaves the caller's expense untouched
	next := *exp
	now := e.now()
	next.Status = tr.To.String()
	next.UpdatedAt = now
	if change.Mutate != nil {
		change.Mutate(&next)
	}

	if err := e.expenseRepo.Update(ctx, &next); err != nil {
		return domainwf.Transition{}, fmt.Errorf("failed to persist expense %s: %w", exp.ID, err)
	}

	entry := &entity.AuditEntry{
		ExpenseID:  exp.ID,
		Actor:      change.Actor,
		Action:     change.Action,
		FromStatus: tr.From.String(),
		ToStatus:   tr.To.String(),
		Memo:       change.Memo,
		TxRef:      change.TxRef,
		Details:    change.Details,
		CreatedAt:  now,
	}
	if change.Action == entity.AuditDecisionMade {
		risk, anomaly := next.RiskScore, next.AnomalyScore
		entry.RiskScore = &risk
		entry.AnomalyScore = &anomaly
		entry.ModelDegraded = next.ModelDegraded
	}
	if err := e.audit.Record(ctx, entry); err != nil {
		return domainwf.Transition{}, fmt.Errorf("failed to record audit for expense %s: %w", exp.ID, err)
	}

	*exp = next
	return tr, nil
}

func (e *engineImpl) Announce(ctx context.Context, exp *entity.Expense, tr domainwf.Transition, actor string) {
	if e.dispatcher == nil {
		return
	}
	evt := event.NewEvent(event.TypeStatusChanged, exp.ID, map[string]interface{}{
		"previous_status": tr.From.String(),
		"new_status":      tr.To.String(),
		"trigger":         tr.Trigger.String(),
		"actor":           actor,
		"employee_id":     exp.EmployeeID,
	})
	e.dispatcher.DispatchAsync(ctx, evt)
}

func transitionError(op string, exp *entity.Expense, trigger domainwf.Trigger, err error) error {
	switch {
	case errors.Is(err, domainwf.ErrGuardFailed) && trigger == domainwf.TriggerDispute:
		return apperr.Conflict(op, "expense %s has already been disputed once", exp.ID)
	case errors.Is(err, domainwf.ErrGuardFailed), errors.Is(err, domainwf.ErrInvalidTransition):
		return apperr.Conflict(op, "cannot %s expense %s in status %s", trigger, exp.ID, exp.Status)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
