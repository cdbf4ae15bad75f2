package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/internal/domain/apperr"
	"github.com/garyjia/expense-approval/internal/domain/entity"
)

const ruleColumns = `
	id, name, category, department, amount_min_cents, amount_max_cents,
	required_approvers, approval_type, priority, active, created_at, updated_at`

// RuleRepository implements port.ApprovalRuleRepository
type RuleRepository struct {
	base
}

// NewRuleRepository creates a new routing rule repository
func NewRuleRepository(db *sql.DB, logger *zap.Logger) port.ApprovalRuleRepository {
	return &RuleRepository{base{db: db, logger: logger}}
}

// Create inserts a rule and sets its ID
func (r *RuleRepository) Create(ctx context.Context, rule *entity.ApprovalRule) error {
	args, err := ruleArgs(rule)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO approval_rules (
			name, category, department, amount_min_cents, amount_max_cents,
			required_approvers, approval_type, priority, active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	args = append(args, rule.CreatedAt.UTC(), rule.UpdatedAt.UTC())
	result, err := r.getExecutor(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to create rule", zap.String("name", rule.Name), zap.Error(err))
		return fmt.Errorf("failed to create rule: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	rule.ID = id
	return nil
}

// GetByID retrieves a rule by ID
func (r *RuleRepository) GetByID(ctx context.Context, id int64) (*entity.ApprovalRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM approval_rules WHERE id = ?`
	rule, err := scanRule(r.getExecutor(ctx).QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("rules.GetByID", "rule %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// Update replaces a rule's definition
func (r *RuleRepository) Update(ctx context.Context, rule *entity.ApprovalRule) error {
	args, err := ruleArgs(rule)
	if err != nil {
		return err
	}
	query := `
		UPDATE approval_rules SET
			name = ?, category = ?, department = ?, amount_min_cents = ?, amount_max_cents = ?,
			required_approvers = ?, approval_type = ?, priority = ?, active = ?, updated_at = ?
		WHERE id = ?
	`
	args = append(args, rule.UpdatedAt.UTC(), rule.ID)
	result, err := r.getExecutor(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to update rule", zap.Int64("rule_id", rule.ID), zap.Error(err))
		return fmt.Errorf("failed to update rule: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return apperr.NotFound("rules.Update", "rule %d not found", rule.ID)
	}
	return nil
}

// Delete removes a rule. Steps keep their rule_id for traceability.
func (r *RuleRepository) Delete(ctx context.Context, id int64) error {
	result, err := r.getExecutor(ctx).ExecContext(ctx, `DELETE FROM approval_rules WHERE id = ?`, id)
	if err != nil {
		r.logger.Error("Failed to delete rule", zap.Int64("rule_id", id), zap.Error(err))
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return apperr.NotFound("rules.Delete", "rule %d not found", id)
	}
	return nil
}

// List returns rules ordered by priority
func (r *RuleRepository) List(ctx context.Context, activeOnly bool) ([]*entity.ApprovalRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM approval_rules`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY priority, id`

	rows, err := r.getExecutor(ctx).QueryContext(ctx, query)
	if err != nil {
		r.logger.Error("Failed to list rules", zap.Error(err))
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var out []*entity.ApprovalRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rules: %w", err)
	}
	return out, nil
}

func ruleArgs(rule *entity.ApprovalRule) ([]interface{}, error) {
	approvers, err := encodeJSON(rule.RequiredApprovers)
	if err != nil {
		return nil, fmt.Errorf("failed to encode approvers: %w", err)
	}
	var category, department sql.NullString
	if rule.Category != nil {
		category = sql.NullString{String: string(*rule.Category), Valid: true}
	}
	if rule.Department != nil {
		department = sql.NullString{String: *rule.Department, Valid: true}
	}
	return []interface{}{
		rule.Name,
		category,
		department,
		nullInt64(rule.AmountMinCents),
		nullInt64(rule.AmountMaxCents),
		approvers,
		string(rule.ApprovalType),
		rule.Priority,
		boolInt(rule.Active),
	}, nil
}

func scanRule(s scanner) (*entity.ApprovalRule, error) {
	var (
		rule       entity.ApprovalRule
		category   sql.NullString
		department sql.NullString
		minCents   sql.NullInt64
		maxCents   sql.NullInt64
		approvers  string
		kind       string
		active     int
	)
	if err := s.Scan(
		&rule.ID,
		&rule.Name,
		&category,
		&department,
		&minCents,
		&maxCents,
		&approvers,
		&kind,
		&rule.Priority,
		&active,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if category.Valid {
		c := entity.Category(category.String)
		rule.Category = &c
	}
	if department.Valid {
		d := department.String
		rule.Department = &d
	}
	if minCents.Valid {
		v := minCents.Int64
		rule.AmountMinCents = &v
	}
	if maxCents.Valid {
		v := maxCents.Int64
		rule.AmountMaxCents = &v
	}
	if err := json.Unmarshal([]byte(approvers), &rule.RequiredApprovers); err != nil {
		return nil, fmt.Errorf("failed to decode approvers of rule %d: %w", rule.ID, err)
	}
	rule.ApprovalType = entity.ApprovalType(kind)
	rule.Active = active != 0
	return &rule, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
