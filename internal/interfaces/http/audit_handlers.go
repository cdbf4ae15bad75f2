package http

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/garyjia/expense-approval/internal/domain/entity"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// auditFilter reads audit query parameters. from and to accept RFC 3339 or
// YYYY-MM-DD.
func auditFilter(c *gin.Context) (entity.AuditFilter, error) {
	limit, offset, valid := pagination(c)
	if !valid {
		return entity.AuditFilter{}, fmt.Errorf("invalid pagination parameters")
	}
	f := entity.AuditFilter{
		ExpenseID:  c.Query("expense_id"),
		EmployeeID: c.Query("employee_id"),
		Actor:      c.Query("actor"),
		Action:     entity.AuditAction(c.Query("action")),
		Limit:      limit,
		Offset:     offset,
	}
	var err error
	if f.From, err = parseTimeParam(c.Query("from"), false); err != nil {
		return f, fmt.Errorf("invalid from: %w", err)
	}
	if f.To, err = parseTimeParam(c.Query("to"), true); err != nil {
		return f, fmt.Errorf("invalid to: %w", err)
	}
	return f, nil
}

// parseTimeParam parses a bound; a bare date as an upper bound covers the whole day
func parseTimeParam(v string, endOfDay bool) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return nil, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

// ListAudit handles GET /api/v1/audit
func (h *Handlers) ListAudit(c *gin.Context) {
	filter, err := auditFilter(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	entries, err := h.services.Audit.Query(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err, h.logger)
		return
	}
	if entries == nil {
		entries = []*entity.AuditEntry{}
	}
	ok(c, http.StatusOK, entries)
}

// AuditStats handles GET /api/v1/audit/stats
func (h *Handlers) AuditStats(c *gin.Context) {
	filter, err := auditFilter(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	stats, err := h.services.Audit.Stats(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err, h.logger)
		return
	}
	ok(c, http.StatusOK, stats)
}

// ExportAudit handles GET /api/v1/audit/export and streams an xlsx workbook
func (h *Handlers) ExportAudit(c *gin.Context) {
	filter, err := auditFilter(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	var buf bytes.Buffer
	if err := h.services.Audit.Export(c.Request.Context(), filter, &buf); err != nil {
		respondError(c, err, h.logger)
		return
	}

	name := fmt.Sprintf("audit-trail-%s.xlsx", time.Now().UTC().Format("20060102-150405"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
}
