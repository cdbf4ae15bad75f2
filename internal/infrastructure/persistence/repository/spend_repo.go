package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/garyjia/expense-approval/internal/application/port"
)

// SpendRepository implements port.MonthlySpendRepository
type SpendRepository struct {
	base
}

// NewSpendRepository creates a new monthly spend repository
func NewSpendRepository(db *sql.DB, logger *zap.Logger) port.MonthlySpendRepository {
	return &SpendRepository{base{db: db, logger: logger}}
}

// Add accumulates paid cents for the employee and month
func (r *SpendRepository) Add(ctx context.Context, employeeID, month string, cents int64) error {
	query := `
		INSERT INTO monthly_spend (employee_id, month, total_cents) VALUES (?, ?, ?)
		ON CONFLICT(employee_id, month) DO UPDATE SET total_cents = monthly_spend.total_cents + excluded.total_cents
	`
	if _, err := r.getExecutor(ctx).ExecContext(ctx, query, employeeID, month, cents); err != nil {
		r.logger.Error("Failed to add monthly spend",
			zap.String("employee_id", employeeID), zap.String("month", month), zap.Error(err))
		return fmt.Errorf("failed to add monthly spend: %w", err)
	}
	return nil
}

// Get returns the paid total, zero when nothing was paid
func (r *SpendRepository) Get(ctx context.Context, employeeID, month string) (int64, error) {
	var total int64
	err := r.getExecutor(ctx).QueryRowContext(ctx,
		`SELECT total_cents FROM monthly_spend WHERE employee_id = ? AND month = ?`, employeeID, month,
	).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get monthly spend: %w", err)
	}
	return total, nil
}
