package port

import (
	"context"
	"time"

	"github.com/garyjia/expense-approval/internal/domain/entity"
)

// ExpenseRepository persists expenses. Lookups of missing rows return an
// apperr.ErrNotFound error.
type ExpenseRepository interface {
	Create(ctx context.Context, exp *entity.Expense) error
	GetByID(ctx context.Context, id string) (*entity.Expense, error)
	Update(ctx context.Context, exp *entity.Expense) error
	List(ctx context.Context, filter entity.ExpenseFilter) ([]*entity.Expense, error)
	ListByStatus(ctx context.Context, statuses []string, limit int) ([]*entity.Expense, error)

	// RecentByEmployee returns the employee's expenses submitted at or after since, newest first
	RecentByEmployee(ctx context.Context, employeeID string, since time.Time, limit int) ([]*entity.Expense, error)

	// UnpaidApprovedCents sums approved and auto-approved expenses in month that are not yet paid
	UnpaidApprovedCents(ctx context.Context, employeeID, month string) (int64, error)

	Stats(ctx context.Context) (*entity.ExpenseStats, error)
}

// ApprovalStepRepository persists approval steps keyed by (expense, step_order)
type ApprovalStepRepository interface {
	CreateBatch(ctx context.Context, steps []*entity.ApprovalStep) error
	Get(ctx context.Context, expenseID string, stepOrder int) (*entity.ApprovalStep, error)
	ListByExpense(ctx context.Context, expenseID string) ([]*entity.ApprovalStep, error)
	Update(ctx context.Context, step *entity.ApprovalStep) error

	// ShiftFrom moves every step at or after fromOrder one place later
	ShiftFrom(ctx context.Context, expenseID string, fromOrder int) error

	// ListPending returns pending steps bound to approverID, or unbound steps for role
	ListPending(ctx context.Context, approverID string, roles []entity.ApproverRole) ([]*entity.ApprovalStep, error)
}

// ApprovalRuleRepository persists routing rules
type ApprovalRuleRepository interface {
	Create(ctx context.Context, rule *entity.ApprovalRule) error
	GetByID(ctx context.Context, id int64) (*entity.ApprovalRule, error)
	Update(ctx context.Context, rule *entity.ApprovalRule) error
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context, activeOnly bool) ([]*entity.ApprovalRule, error)
}

// AuditRepository is append-only: there is no update or delete
type AuditRepository interface {
	Append(ctx context.Context, entry *entity.AuditEntry) error
	Query(ctx context.Context, filter entity.AuditFilter) ([]*entity.AuditEntry, error)
	Stats(ctx context.Context, filter entity.AuditFilter, agentActor string) (*entity.AuditStats, error)
}

// SettlementRepository tracks one settlement record per expense
type SettlementRepository interface {
	// Get returns nil without error when the expense was never sent to the ledger
	Get(ctx context.Context, expenseID string) (*entity.Settlement, error)

	// Begin creates or re-arms the record as in_flight and increments attempts
	Begin(ctx context.Context, expenseID, memo string) (*entity.Settlement, error)
	// AttachTxRef stores the reference of a broadcast transaction on the in-flight record
	AttachTxRef(ctx context.Context, expenseID, txRef string) error
	MarkConfirmed(ctx context.Context, expenseID, txRef string) error
	MarkFailed(ctx context.Context, expenseID, status, txRef, lastError string) error
}

// MonthlySpendRepository keeps the running paid total per employee and month
type MonthlySpendRepository interface {
	Add(ctx context.Context, employeeID, month string, cents int64) error
	Get(ctx context.Context, employeeID, month string) (int64, error)
}

// TransactionManager runs fn inside one database transaction carried by ctx
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
