package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/internal/domain/entity"
)

// SettlementRepository implements port.SettlementRepository
type SettlementRepository struct {
	base
}

// NewSettlementRepository creates a new settlement record repository
func NewSettlementRepository(db *sql.DB, logger *zap.Logger) port.SettlementRepository {
	return &SettlementRepository{base{db: db, logger: logger}}
}

// Get returns the record of an expense, or nil when none exists
func (r *SettlementRepository) Get(ctx context.Context, expenseID string) (*entity.Settlement, error) {
	query := `
		SELECT expense_id, status, tx_ref, memo, attempts, last_error, created_at, updated_at
		FROM settlements WHERE expense_id = ?
	`
	var rec entity.Settlement
	err := r.getExecutor(ctx).QueryRowContext(ctx, query, expenseID).Scan(
		&rec.ExpenseID,
		&rec.Status,
		&rec.TxRef,
		&rec.Memo,
		&rec.Attempts,
		&rec.LastError,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settlement: %w", err)
	}
	return &rec, nil
}

// Begin arms the record for a new attempt
func (r *SettlementRepository) Begin(ctx context.Context, expenseID, memo string) (*entity.Settlement, error) {
	now := time.Now().UTC()
	query := `
		INSERT INTO settlements (expense_id, status, tx_ref, memo, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, '', ?, 1, '', ?, ?)
		ON CONFLICT(expense_id) DO UPDATE SET
			status = excluded.status,
			tx_ref = '',
			memo = excluded.memo,
			attempts = settlements.attempts + 1,
			updated_at = excluded.updated_at
	`
	if _, err := r.getExecutor(ctx).ExecContext(ctx, query, expenseID, entity.SettlementInFlight, memo, now, now); err != nil {
		r.logger.Error("Failed to begin settlement", zap.String("expense_id", expenseID), zap.Error(err))
		return nil, fmt.Errorf("failed to begin settlement: %w", err)
	}
	return r.Get(ctx, expenseID)
}

// AttachTxRef stores the reference of a broadcast transaction
func (r *SettlementRepository) AttachTxRef(ctx context.Context, expenseID, txRef string) error {
	query := `UPDATE settlements SET tx_ref = ?, updated_at = ? WHERE expense_id = ?`
	if _, err := r.getExecutor(ctx).ExecContext(ctx, query, txRef, time.Now().UTC(), expenseID); err != nil {
		r.logger.Error("Failed to attach tx ref", zap.String("expense_id", expenseID), zap.Error(err))
		return fmt.Errorf("failed to attach tx ref: %w", err)
	}
	return nil
}

// MarkConfirmed records a confirmed transfer
func (r *SettlementRepository) MarkConfirmed(ctx context.Context, expenseID, txRef string) error {
	return r.upsertStatus(ctx, expenseID, entity.SettlementConfirmed, txRef, "")
}

// MarkFailed records a failed or unknown outcome
func (r *SettlementRepository) MarkFailed(ctx context.Context, expenseID, status, txRef, lastError string) error {
	return r.upsertStatus(ctx, expenseID, status, txRef, lastError)
}

func (r *SettlementRepository) upsertStatus(ctx context.Context, expenseID, status, txRef, lastError string) error {
	now := time.Now().UTC()
	query := `
		INSERT INTO settlements (expense_id, status, tx_ref, memo, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, '', 0, ?, ?, ?)
		ON CONFLICT(expense_id) DO UPDATE SET
			status = excluded.status,
			tx_ref = excluded.tx_ref,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`
	if _, err := r.getExecutor(ctx).ExecContext(ctx, query, expenseID, status, txRef, lastError, now, now); err != nil {
		r.logger.Error("Failed to update settlement",
			zap.String("expense_id", expenseID), zap.String("status", status), zap.Error(err))
		return fmt.Errorf("failed to update settlement: %w", err)
	}
	return nil
}
