package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/internal/domain/apperr"
	"github.com/garyjia/expense-approval/internal/domain/entity"
)

const expenseColumns = `
	id, employee_id, amount_cents, category, merchant, description, has_receipt,
	submitted_at, risk_score, anomaly_score, risk_level, ai_category, model_degraded,
	policy_flags, status, approval_reason, tx_ref, memo, paid_at,
	dispute_reason, disputed_at, override_reason, overridden_by, created_at, updated_at`

// ExpenseRepository implements port.ExpenseRepository
type ExpenseRepository struct {
	base
}

// NewExpenseRepository creates a new expense repository
func NewExpenseRepository(db *sql.DB, logger *zap.Logger) port.ExpenseRepository {
	return &ExpenseRepository{base{db: db, logger: logger}}
}

// Create inserts a new expense
func (r *ExpenseRepository) Create(ctx context.Context, exp *entity.Expense) error {
	flags, err := encodeJSON(nonNilFlags(exp.PolicyFlags))
	if err != nil {
		return fmt.Errorf("failed to encode policy flags: %w", err)
	}

	query := `
		INSERT INTO expenses (` + expenseColumns + `, spend_month)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.getExecutor(ctx).ExecContext(ctx, query,
		exp.ID,
		exp.EmployeeID,
		exp.AmountCents,
		string(exp.Category),
		exp.Merchant,
		exp.Description,
		boolInt(exp.HasReceipt),
		exp.SubmittedAt.UTC(),
		exp.RiskScore,
		exp.AnomalyScore,
		exp.RiskLevel,
		string(exp.AICategory),
		boolInt(exp.ModelDegraded),
		flags,
		exp.Status,
		exp.ApprovalReason,
		exp.TxRef,
		exp.Memo,
		nullTime(exp.PaidAt),
		exp.DisputeReason,
		nullTime(exp.DisputedAt),
		exp.OverrideReason,
		exp.OverriddenBy,
		exp.CreatedAt.UTC(),
		exp.UpdatedAt.UTC(),
		exp.SpendMonth(),
	)
	if err != nil {
		r.logger.Error("Failed to create expense", zap.String("expense_id", exp.ID), zap.Error(err))
		return fmt.Errorf("failed to create expense: %w", err)
	}
	return nil
}

// GetByID retrieves an expense by ID
func (r *ExpenseRepository) GetByID(ctx context.Context, id string) (*entity.Expense, error) {
	query := `SELECT ` + expenseColumns + ` FROM expenses WHERE id = ?`

	exp, err := scanExpense(r.getExecutor(ctx).QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("expenses.GetByID", "expense %s not found", id)
	}
	if err != nil {
		r.logger.Error("Failed to get expense", zap.String("expense_id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get expense: %w", err)
	}
	return exp, nil
}

// Update writes every mutable column of an expense
func (r *ExpenseRepository) Update(ctx context.Context, exp *entity.Expense) error {
	flags, err := encodeJSON(nonNilFlags(exp.PolicyFlags))
	if err != nil {
		return fmt.Errorf("failed to encode policy flags: %w", err)
	}

	query := `
		UPDATE expenses SET
			risk_score = ?, anomaly_score = ?, risk_level = ?, ai_category = ?, model_degraded = ?,
			policy_flags = ?, status = ?, approval_reason = ?, tx_ref = ?, memo = ?, paid_at = ?,
			dispute_reason = ?, disputed_at = ?, override_reason = ?, overridden_by = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := r.getExecutor(ctx).ExecContext(ctx, query,
		exp.RiskScore,
		exp.AnomalyScore,
		exp.RiskLevel,
		string(exp.AICategory),
		boolInt(exp.ModelDegraded),
		flags,
		exp.Status,
		exp.ApprovalReason,
		exp.TxRef,
		exp.Memo,
		nullTime(exp.PaidAt),
		exp.DisputeReason,
		nullTime(exp.DisputedAt),
		exp.OverrideReason,
		exp.OverriddenBy,
		exp.UpdatedAt.UTC(),
		exp.ID,
	)
	if err != nil {
		r.logger.Error("Failed to update expense", zap.String("expense_id", exp.ID), zap.Error(err))
		return fmt.Errorf("failed to update expense: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return apperr.NotFound("expenses.Update", "expense %s not found", exp.ID)
	}
	return nil
}

// List returns expenses newest first
func (r *ExpenseRepository) List(ctx context.Context, filter entity.ExpenseFilter) ([]*entity.Expense, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.EmployeeID != "" {
		where = append(where, "employee_id = ?")
		args = append(args, filter.EmployeeID)
	}

	query := `SELECT ` + expenseColumns + ` FROM expenses`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " ORDER BY submitted_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	return r.query(ctx, query, args...)
}

// ListByStatus returns expenses in any of statuses, oldest first
func (r *ExpenseRepository) ListByStatus(ctx context.Context, statuses []string, limit int) ([]*entity.Expense, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + expenseColumns + ` FROM expenses
		WHERE status IN (` + placeholders(len(statuses)) + `)
		ORDER BY submitted_at ASC, id LIMIT ?`

	args := make([]interface{}, 0, len(statuses)+1)
	for _, s := range statuses {
		args = append(args, s)
	}
	args = append(args, limit)
	return r.query(ctx, query, args...)
}

// RecentByEmployee returns the employee's expenses submitted at or after since
func (r *ExpenseRepository) RecentByEmployee(ctx context.Context, employeeID string, since time.Time, limit int) ([]*entity.Expense, error) {
	query := `SELECT ` + expenseColumns + ` FROM expenses
		WHERE employee_id = ? AND submitted_at >= ?
		ORDER BY submitted_at DESC LIMIT ?`
	return r.query(ctx, query, employeeID, since.UTC(), limit)
}

// UnpaidApprovedCents sums approved expenses of the month still waiting for payout
func (r *ExpenseRepository) UnpaidApprovedCents(ctx context.Context, employeeID, month string) (int64, error) {
	query := `
		SELECT COALESCE(SUM(amount_cents), 0) FROM expenses
		WHERE employee_id = ? AND spend_month = ? AND status IN (?, ?)
	`
	var total int64
	err := r.getExecutor(ctx).QueryRowContext(ctx, query,
		employeeID, month, entity.StatusApproved, entity.StatusAutoApproved,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum unpaid approvals: %w", err)
	}
	return total, nil
}

// Stats aggregates expenses by status
func (r *ExpenseRepository) Stats(ctx context.Context) (*entity.ExpenseStats, error) {
	query := `
		SELECT status, COUNT(*), COALESCE(SUM(amount_cents), 0),
			COALESCE(SUM(risk_score), 0), COALESCE(SUM(model_degraded), 0)
		FROM expenses GROUP BY status
	`
	rows, err := r.getExecutor(ctx).QueryContext(ctx, query)
	if err != nil {
		r.logger.Error("Failed to compute expense stats", zap.Error(err))
		return nil, fmt.Errorf("failed to compute expense stats: %w", err)
	}
	defer rows.Close()

	stats := &entity.ExpenseStats{ByStatus: make(map[string]int)}
	var riskSum float64
	for rows.Next() {
		var (
			status   string
			count    int
			amount   int64
			risk     float64
			degraded int
		)
		if err := rows.Scan(&status, &count, &amount, &risk, &degraded); err != nil {
			return nil, fmt.Errorf("failed to scan expense stats: %w", err)
		}
		stats.ByStatus[status] = count
		stats.Total += count
		stats.TotalAmountCents += amount
		stats.DegradedCount += degraded
		riskSum += risk
		if status == entity.StatusPaid {
			stats.PaidAmountCents += amount
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate expense stats: %w", err)
	}
	if stats.Total > 0 {
		stats.AverageRisk = riskSum / float64(stats.Total)
	}
	return stats, nil
}

func (r *ExpenseRepository) query(ctx context.Context, query string, args ...interface{}) ([]*entity.Expense, error) {
	rows, err := r.getExecutor(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to query expenses", zap.Error(err))
		return nil, fmt.Errorf("failed to query expenses: %w", err)
	}
	defer rows.Close()

	var out []*entity.Expense
	for rows.Next() {
		exp, err := scanExpense(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan expense: %w", err)
		}
		out = append(out, exp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate expenses: %w", err)
	}
	return out, nil
}

func scanExpense(s scanner) (*entity.Expense, error) {
	var (
		exp        entity.Expense
		category   string
		aiCategory string
		hasReceipt int
		degraded   int
		flags      string
		paidAt     sql.NullTime
		disputedAt sql.NullTime
	)
	err := s.Scan(
		&exp.ID,
		&exp.EmployeeID,
		&exp.AmountCents,
		&category,
		&exp.Merchant,
		&exp.Description,
		&hasReceipt,
		&exp.SubmittedAt,
		&exp.RiskScore,
		&exp.AnomalyScore,
		&exp.RiskLevel,
		&aiCategory,
		&degraded,
		&flags,
		&exp.Status,
		&exp.ApprovalReason,
		&exp.TxRef,
		&exp.Memo,
		&paidAt,
		&exp.DisputeReason,
		&disputedAt,
		&exp.OverrideReason,
		&exp.OverriddenBy,
		&exp.CreatedAt,
		&exp.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	exp.Category = entity.Category(category)
	exp.AICategory = entity.Category(aiCategory)
	exp.HasReceipt = hasReceipt != 0
	exp.ModelDegraded = degraded != 0
	exp.PaidAt = timePtr(paidAt)
	exp.DisputedAt = timePtr(disputedAt)
	if flags != "" {
		if err := json.Unmarshal([]byte(flags), &exp.PolicyFlags); err != nil {
			return nil, fmt.Errorf("failed to decode policy flags: %w", err)
		}
	}
	return &exp, nil
}

func nonNilFlags(flags []string) []string {
	if flags == nil {
		return []string{}
	}
	return flags
}
