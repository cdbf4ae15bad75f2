package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/internal/domain/entity"
)

const auditColumns = `
	id, expense_id, actor, action, from_status, to_status, risk_score, anomaly_score,
	model_degraded, memo, tx_ref, details, created_at`

// AuditRepository implements port.AuditRepository. Rows are protected by
// triggers that abort any UPDATE or DELETE.
type AuditRepository struct {
	base
}

// NewAuditRepository creates a new audit log repository
func NewAuditRepository(db *sql.DB, logger *zap.Logger) port.AuditRepository {
	return &AuditRepository{base{db: db, logger: logger}}
}

// Append writes one entry and sets its ID
func (r *AuditRepository) Append(ctx context.Context, entry *entity.AuditEntry) error {
	query := `
		INSERT INTO audit_log (
			expense_id, actor, action, from_status, to_status, risk_score, anomaly_score,
			model_degraded, memo, tx_ref, details, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.getExecutor(ctx).ExecContext(ctx, query,
		entry.ExpenseID,
		entry.Actor,
		string(entry.Action),
		entry.FromStatus,
		entry.ToStatus,
		nullFloat(entry.RiskScore),
		nullFloat(entry.AnomalyScore),
		boolInt(entry.ModelDegraded),
		entry.Memo,
		entry.TxRef,
		entry.Details,
		entry.CreatedAt.UTC(),
	)
	if err != nil {
		r.logger.Error("Failed to append audit entry",
			zap.String("expense_id", entry.ExpenseID), zap.String("action", string(entry.Action)), zap.Error(err))
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	entry.ID = id
	return nil
}

// Query returns matching entries in insertion order
func (r *AuditRepository) Query(ctx context.Context, filter entity.AuditFilter) ([]*entity.AuditEntry, error) {
	where, args := auditWhere(filter)
	query := `SELECT ` + auditColumns + ` FROM audit_log` + where + ` ORDER BY id`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := r.getExecutor(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to query audit log", zap.Error(err))
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []*entity.AuditEntry
	for rows.Next() {
		entry, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit log: %w", err)
	}
	return out, nil
}

// Stats aggregates matching entries. Entries by agentActor count as agent actions.
func (r *AuditRepository) Stats(ctx context.Context, filter entity.AuditFilter, agentActor string) (*entity.AuditStats, error) {
	where, args := auditWhere(filter)
	query := `
		SELECT action,
		       COUNT(*),
		       SUM(CASE WHEN actor = ? THEN 1 ELSE 0 END),
		       SUM(CASE WHEN tx_ref != '' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN model_degraded = 1 AND action = ? THEN 1 ELSE 0 END)
		FROM audit_log` + where + ` GROUP BY action`
	args = append([]interface{}{agentActor, string(entity.AuditDecisionMade)}, args...)

	rows, err := r.getExecutor(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to aggregate audit log", zap.Error(err))
		return nil, fmt.Errorf("failed to aggregate audit log: %w", err)
	}
	defer rows.Close()

	stats := &entity.AuditStats{ByAction: make(map[entity.AuditAction]int)}
	for rows.Next() {
		var (
			action                    string
			total, agent, chain, degr int
		)
		if err := rows.Scan(&action, &total, &agent, &chain, &degr); err != nil {
			return nil, fmt.Errorf("failed to scan audit stats: %w", err)
		}
		stats.ByAction[entity.AuditAction(action)] = total
		stats.TotalActions += total
		stats.AgentActions += agent
		stats.HumanActions += total - agent
		stats.OnChainRecords += chain
		stats.DegradedDecision += degr
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit stats: %w", err)
	}
	return stats, nil
}

func auditWhere(f entity.AuditFilter) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	if f.ExpenseID != "" {
		conds = append(conds, "expense_id = ?")
		args = append(args, f.ExpenseID)
	}
	if f.EmployeeID != "" {
		conds = append(conds, "expense_id IN (SELECT id FROM expenses WHERE employee_id = ?)")
		args = append(args, f.EmployeeID)
	}
	if f.Actor != "" {
		conds = append(conds, "actor = ?")
		args = append(args, f.Actor)
	}
	if f.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, string(f.Action))
	}
	if f.From != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.From.UTC())
	}
	if f.To != nil {
		conds = append(conds, "created_at <= ?")
		args = append(args, f.To.UTC())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanAudit(s scanner) (*entity.AuditEntry, error) {
	var (
		entry    entity.AuditEntry
		action   string
		risk     sql.NullFloat64
		anomaly  sql.NullFloat64
		degraded int
	)
	if err := s.Scan(
		&entry.ID,
		&entry.ExpenseID,
		&entry.Actor,
		&action,
		&entry.FromStatus,
		&entry.ToStatus,
		&risk,
		&anomaly,
		&degraded,
		&entry.Memo,
		&entry.TxRef,
		&entry.Details,
		&entry.CreatedAt,
	); err != nil {
		return nil, err
	}
	entry.Action = entity.AuditAction(action)
	entry.ModelDegraded = degraded != 0
	if risk.Valid {
		v := risk.Float64
		entry.RiskScore = &v
	}
	if anomaly.Valid {
		v := anomaly.Float64
		entry.AnomalyScore = &v
	}
	return &entry, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
