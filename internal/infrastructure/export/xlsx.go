// Package export renders audit data as spreadsheets.
package export

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/internal/domain/entity"
)

const (
	trailSheet   = "Audit Trail"
	summarySheet = "Summary"
)

var trailHeader = []interface{}{
	"ID", "Time (UTC)", "Expense", "Actor", "Action", "From", "To",
	"Risk", "Anomaly", "Degraded", "Tx Ref", "Memo", "Details",
}

// XLSXExporter writes the audit trail to an .xlsx workbook
type XLSXExporter struct {
	explorerURL string
	logger      *zap.Logger
}

var _ port.AuditExporter = (*XLSXExporter)(nil)

// NewXLSXExporter creates the exporter. explorerURL, when set, turns tx
// references into links (e.g. https://basescan.org/tx/).
func NewXLSXExporter(explorerURL string, logger *zap.Logger) *XLSXExporter {
	return &XLSXExporter{explorerURL: explorerURL, logger: logger}
}

// Export writes entries and stats as two sheets
func (e *XLSXExporter) Export(ctx context.Context, entries []*entity.AuditEntry, stats *entity.AuditStats, w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", trailSheet); err != nil {
		return fmt.Errorf("failed to rename sheet: %w", err)
	}
	header, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"#DCE6F1"}},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	if err := f.SetSheetRow(trailSheet, "A1", &trailHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if err := f.SetRowStyle(trailSheet, 1, 1, header); err != nil {
		return fmt.Errorf("failed to style header: %w", err)
	}

	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		row := i + 2
		cell, _ := excelize.CoordinatesToCellName(1, row)
		values := []interface{}{
			entry.ID,
			entry.CreatedAt.UTC().Format(time.RFC3339),
			entry.ExpenseID,
			entry.Actor,
			string(entry.Action),
			entry.FromStatus,
			entry.ToStatus,
			optionalFloat(entry.RiskScore),
			optionalFloat(entry.AnomalyScore),
			strconv.FormatBool(entry.ModelDegraded),
			entry.TxRef,
			entry.Memo,
			entry.Details,
		}
		if err := f.SetSheetRow(trailSheet, cell, &values); err != nil {
			return fmt.Errorf("failed to write row %d: %w", row, err)
		}
		if entry.TxRef != "" && e.explorerURL != "" {
			link, _ := excelize.CoordinatesToCellName(11, row)
			if err := f.SetCellHyperLink(trailSheet, link, e.explorerURL+entry.TxRef, "External"); err != nil {
				e.logger.Warn("Failed to set tx link", zap.String("tx_ref", entry.TxRef), zap.Error(err))
			}
		}
	}
	_ = f.SetColWidth(trailSheet, "B", "B", 22)
	_ = f.SetColWidth(trailSheet, "L", "M", 60)

	if err := e.writeSummary(f, stats, header); err != nil {
		return err
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	e.logger.Info("Audit trail exported", zap.Int("entries", len(entries)))
	return nil
}

func (e *XLSXExporter) writeSummary(f *excelize.File, stats *entity.AuditStats, header int) error {
	if _, err := f.NewSheet(summarySheet); err != nil {
		return fmt.Errorf("failed to create summary sheet: %w", err)
	}
	if stats == nil {
		stats = &entity.AuditStats{}
	}

	rows := [][]interface{}{
		{"Metric", "Value"},
		{"Total actions", stats.TotalActions},
		{"Agent actions", stats.AgentActions},
		{"Human actions", stats.HumanActions},
		{"On-chain records", stats.OnChainRecords},
		{"Transparency rate", stats.OnChainFraction},
		{"Degraded decisions", stats.DegradedDecision},
		{},
		{"Action", "Count"},
	}
	actions := make([]string, 0, len(stats.ByAction))
	for a := range stats.ByAction {
		actions = append(actions, string(a))
	}
	sort.Strings(actions)
	for _, a := range actions {
		rows = append(rows, []interface{}{a, stats.ByAction[entity.AuditAction(a)]})
	}

	for i := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(summarySheet, cell, &rows[i]); err != nil {
			return fmt.Errorf("failed to write summary row: %w", err)
		}
	}
	_ = f.SetRowStyle(summarySheet, 1, 1, header)
	_ = f.SetRowStyle(summarySheet, 9, 9, header)
	_ = f.SetColWidth(summarySheet, "A", "A", 24)
	return nil
}

func optionalFloat(v *float64) interface{} {
	if v == nil {
		return ""
	}
	return *v
}
