package service

import (
	"context"
	"fmt"
	"io"

	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/internal/domain/apperr"
	"github.com/garyjia/expense-approval/internal/domain/entity"
)

// Audit query bounds
const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
	maxExportRows     = 10000
)

// AuditService is the append-only audit recorder and its read path
type AuditService interface {
	// Record appends an entry. There is no update or delete.
	Record(ctx context.Context, entry *entity.AuditEntry) error
	Query(ctx context.Context, filter entity.AuditFilter) ([]*entity.AuditEntry, error)
	Stats(ctx context.Context, filter entity.AuditFilter) (*entity.AuditStats, error)

	// Export writes the filtered trail and its statistics as a spreadsheet
	Export(ctx context.Context, filter entity.AuditFilter, w io.Writer) error
}

type auditServiceImpl struct {
	repo      port.AuditRepository
	exporter  port.AuditExporter
	agentName string
	logger    Logger
}

// NewAuditService creates a new AuditService. agentName is the actor the
// engine uses for its own decisions; it separates agent from human actions.
func NewAuditService(repo port.AuditRepository, exporter port.AuditExporter, agentName string, logger Logger) AuditService {
	return &auditServiceImpl{
		repo:      repo,
		exporter:  exporter,
		agentName: agentName,
		logger:    orNop(logger),
	}
}

func (s *auditServiceImpl) Record(ctx context.Context, entry *entity.AuditEntry) error {
	const op = "audit.Record"
	if entry == nil || entry.ExpenseID == "" {
		return apperr.Validation(op, "audit entry requires an expense id")
	}
	if entry.Action == "" {
		return apperr.Validation(op, "audit entry requires an action")
	}
	if entry.Actor == "" {
		entry.Actor = entity.SystemActor
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = utcNow()
	}

	if err := s.repo.Append(ctx, entry); err != nil {
		s.logger.Error("Failed to append audit entry", "error", err, "expense_id", entry.ExpenseID, "action", entry.Action)
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (s *auditServiceImpl) Query(ctx context.Context, filter entity.AuditFilter) ([]*entity.AuditEntry, error) {
	if err := validateAuditFilter(filter); err != nil {
		return nil, err
	}
	filter.Limit = clampLimit(filter.Limit, defaultAuditLimit, maxAuditLimit)

	entries, err := s.repo.Query(ctx, filter)
	if err != nil {
		s.logger.Error("Failed to query audit trail", "error", err)
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	return entries, nil
}

func (s *auditServiceImpl) Stats(ctx context.Context, filter entity.AuditFilter) (*entity.AuditStats, error) {
	if err := validateAuditFilter(filter); err != nil {
		return nil, err
	}
	stats, err := s.repo.Stats(ctx, filter, s.agentName)
	if err != nil {
		s.logger.Error("Failed to compute audit stats", "error", err)
		return nil, fmt.Errorf("audit stats: %w", err)
	}
	if stats.TotalActions > 0 {
		stats.OnChainFraction = float64(stats.OnChainRecords) / float64(stats.TotalActions)
	}
	return stats, nil
}

func (s *auditServiceImpl) Export(ctx context.Context, filter entity.AuditFilter, w io.Writer) error {
	const op = "audit.Export"
	if s.exporter == nil {
		return apperr.Validation(op, "audit export is not configured")
	}
	if err := validateAuditFilter(filter); err != nil {
		return err
	}
	filter.Limit = maxExportRows
	filter.Offset = 0

	entries, err := s.repo.Query(ctx, filter)
	if err != nil {
		return fmt.Errorf("query audit trail: %w", err)
	}
	stats, err := s.Stats(ctx, filter)
	if err != nil {
		return err
	}
	if err := s.exporter.Export(ctx, entries, stats, w); err != nil {
		s.logger.Error("Failed to export audit trail", "error", err, "rows", len(entries))
		return fmt.Errorf("export audit trail: %w", err)
	}

	s.logger.Info("Audit trail exported", "rows", len(entries))
	return nil
}

func validateAuditFilter(f entity.AuditFilter) error {
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return apperr.Validation("audit.Query", "from must not be after to")
	}
	if f.Limit < 0 || f.Offset < 0 {
		return apperr.Validation("audit.Query", "limit and offset must not be negative")
	}
	return nil
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
