package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/internal/domain/apperr"
	"github.com/garyjia/expense-approval/internal/domain/entity"
)

const stepColumns = `
	id, expense_id, step_order, approver_role, approver_id, approval_type,
	rule_id, status, comments, acted_by, acted_at, created_at`

// StepRepository implements port.ApprovalStepRepository
type StepRepository struct {
	base
}

// NewStepRepository creates a new approval step repository
func NewStepRepository(db *sql.DB, logger *zap.Logger) port.ApprovalStepRepository {
	return &StepRepository{base{db: db, logger: logger}}
}

// CreateBatch inserts steps; (expense_id, step_order) is unique
func (r *StepRepository) CreateBatch(ctx context.Context, steps []*entity.ApprovalStep) error {
	query := `
		INSERT INTO approval_steps (
			expense_id, step_order, approver_role, approver_id, approval_type,
			rule_id, status, comments, acted_by, acted_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	exec := r.getExecutor(ctx)
	for _, st := range steps {
		var ruleID sql.NullInt64
		if st.RuleID != nil {
			ruleID = sql.NullInt64{Int64: *st.RuleID, Valid: true}
		}
		result, err := exec.ExecContext(ctx, query,
			st.ExpenseID,
			st.StepOrder,
			string(st.ApproverRole),
			st.ApproverID,
			string(st.ApprovalType),
			ruleID,
			string(st.Status),
			st.Comments,
			st.ActedBy,
			nullTime(st.ActedAt),
			st.CreatedAt.UTC(),
		)
		if err != nil {
			r.logger.Error("Failed to create approval step",
				zap.String("expense_id", st.ExpenseID), zap.Int("step_order", st.StepOrder), zap.Error(err))
			return fmt.Errorf("failed to create approval step %d: %w", st.StepOrder, err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get last insert id: %w", err)
		}
		st.ID = id
	}
	return nil
}

// Get retrieves one step of an expense
func (r *StepRepository) Get(ctx context.Context, expenseID string, stepOrder int) (*entity.ApprovalStep, error) {
	query := `SELECT ` + stepColumns + ` FROM approval_steps WHERE expense_id = ? AND step_order = ?`

	st, err := scanStep(r.getExecutor(ctx).QueryRowContext(ctx, query, expenseID, stepOrder))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("steps.Get", "expense %s has no approval step %d", expenseID, stepOrder)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get approval step: %w", err)
	}
	return st, nil
}

// ListByExpense returns the steps of an expense in order
func (r *StepRepository) ListByExpense(ctx context.Context, expenseID string) ([]*entity.ApprovalStep, error) {
	query := `SELECT ` + stepColumns + ` FROM approval_steps WHERE expense_id = ? ORDER BY step_order`
	return r.query(ctx, query, expenseID)
}

// Update writes the mutable columns of a step
func (r *StepRepository) Update(ctx context.Context, step *entity.ApprovalStep) error {
	query := `
		UPDATE approval_steps
		SET approver_id = ?, status = ?, comments = ?, acted_by = ?, acted_at = ?
		WHERE expense_id = ? AND step_order = ?
	`
	result, err := r.getExecutor(ctx).ExecContext(ctx, query,
		step.ApproverID,
		string(step.Status),
		step.Comments,
		step.ActedBy,
		nullTime(step.ActedAt),
		step.ExpenseID,
		step.StepOrder,
	)
	if err != nil {
		r.logger.Error("Failed to update approval step",
			zap.String("expense_id", step.ExpenseID), zap.Int("step_order", step.StepOrder), zap.Error(err))
		return fmt.Errorf("failed to update approval step: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return apperr.NotFound("steps.Update", "expense %s has no approval step %d", step.ExpenseID, step.StepOrder)
	}
	return nil
}

// ShiftFrom moves every step at or after fromOrder one place later. The
// orders pass through negative values so the unique key never collides.
func (r *StepRepository) ShiftFrom(ctx context.Context, expenseID string, fromOrder int) error {
	exec := r.getExecutor(ctx)
	if _, err := exec.ExecContext(ctx,
		`UPDATE approval_steps SET step_order = -(step_order + 1) WHERE expense_id = ? AND step_order >= ?`,
		expenseID, fromOrder,
	); err != nil {
		r.logger.Error("Failed to shift approval steps",
			zap.String("expense_id", expenseID), zap.Int("from_order", fromOrder), zap.Error(err))
		return fmt.Errorf("failed to shift approval steps: %w", err)
	}
	if _, err := exec.ExecContext(ctx,
		`UPDATE approval_steps SET step_order = -step_order WHERE expense_id = ? AND step_order < 0`,
		expenseID,
	); err != nil {
		return fmt.Errorf("failed to renumber approval steps: %w", err)
	}
	return nil
}

// ListPending returns pending steps bound to approverID, or unbound steps
// whose role is one of roles
func (r *StepRepository) ListPending(ctx context.Context, approverID string, roles []entity.ApproverRole) ([]*entity.ApprovalStep, error) {
	query := `SELECT ` + stepColumns + ` FROM approval_steps WHERE status = ? AND (approver_id = ?`
	args := []interface{}{string(entity.StepPending), approverID}
	if len(roles) > 0 {
		query += ` OR (approver_id = '' AND approver_role IN (` + placeholders(len(roles)) + `))`
		for _, role := range roles {
			args = append(args, string(role))
		}
	}
	query += `) ORDER BY created_at, expense_id, step_order`
	return r.query(ctx, query, args...)
}

func (r *StepRepository) query(ctx context.Context, query string, args ...interface{}) ([]*entity.ApprovalStep, error) {
	rows, err := r.getExecutor(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to query approval steps", zap.Error(err))
		return nil, fmt.Errorf("failed to query approval steps: %w", err)
	}
	defer rows.Close()

	var out []*entity.ApprovalStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval step: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate approval steps: %w", err)
	}
	return out, nil
}

func scanStep(s scanner) (*entity.ApprovalStep, error) {
	var (
		st      entity.ApprovalStep
		role    string
		kind    string
		status  string
		ruleID  sql.NullInt64
		actedAt sql.NullTime
	)
	if err := s.Scan(
		&st.ID,
		&st.ExpenseID,
		&st.StepOrder,
		&role,
		&st.ApproverID,
		&kind,
		&ruleID,
		&status,
		&st.Comments,
		&st.ActedBy,
		&actedAt,
		&st.CreatedAt,
	); err != nil {
		return nil, err
	}
	st.ApproverRole = entity.ApproverRole(role)
	st.ApprovalType = entity.ApprovalType(kind)
	st.Status = entity.StepStatus(status)
	st.ActedAt = timePtr(actedAt)
	if ruleID.Valid {
		id := ruleID.Int64
		st.RuleID = &id
	}
	return &st, nil
}
