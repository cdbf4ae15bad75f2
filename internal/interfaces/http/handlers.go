package http

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/garyjia/expense-approval/internal/application/service"
	"github.com/garyjia/expense-approval/internal/domain/apperr"
	"github.com/garyjia/expense-approval/internal/domain/entity"
)

// Handlers contains all HTTP request handlers
type Handlers struct {
	services Services
	config   ServerConfig
	logger   Logger
	started  time.Time
}

// NewHandlers creates a new Handlers instance
func NewHandlers(services Services, config ServerConfig, logger Logger) *Handlers {
	return &Handlers{
		services: services,
		config:   config,
		logger:   logger,
		started:  time.Now(),
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Uptime    string `json:"uptime"`
}

// SubmitExpenseRequest is the JSON body of POST /expenses. Amount is in
// dollars and is used only when AmountCents is zero. SubmittedAt is honoured
// for admins only.
type SubmitExpenseRequest struct {
	EmployeeID  string     `json:"employee_id" form:"employee_id"`
	AmountCents int64      `json:"amount_cents" form:"amount_cents"`
	Amount      float64    `json:"amount" form:"amount"`
	Category    string     `json:"category" form:"category"`
	Merchant    string     `json:"merchant" form:"merchant"`
	Description string     `json:"description" form:"description"`
	HasReceipt  bool       `json:"has_receipt" form:"has_receipt"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty" form:"-"`
}

// ParseRequest is the body of POST /expenses/parse
type ParseRequest struct {
	Text string `json:"text"`
}

// ReasonRequest is the body of dispute, override and deny-dispute
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// StepActionRequest is the optional body of a step action
type StepActionRequest struct {
	Comments string `json:"comments"`
}

// HealthCheck handles GET /health
func (h *Handlers) HealthCheck(c *gin.Context) {
	ok(c, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   h.config.Version,
		Uptime:    time.Since(h.started).Round(time.Second).String(),
	})
}

// SubmitExpense handles POST /api/v1/expenses as JSON or multipart with a
// receipt file
func (h *Handlers) SubmitExpense(c *gin.Context) {
	const op = "http.SubmitExpense"
	var (
		body    SubmitExpenseRequest
		receipt []byte
	)

	actor := actorFrom(c)
	if actor == nil {
		respondError(c, apperr.Authorization(op, "an identified actor is required"), h.logger)
		return
	}

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.config.MaxUploadBytes+1<<20)
		if err := c.ShouldBind(&body); err != nil {
			badRequest(c, "invalid form: "+err.Error())
			return
		}
		data, present, err := readUpload(c, "receipt", h.config.MaxUploadBytes)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		if present {
			receipt = data
			body.HasReceipt = true
		}
	} else if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	if body.EmployeeID == "" {
		body.EmployeeID = actor.ID
	}
	if actor.ID != body.EmployeeID && !actor.IsAdmin() {
		respondError(c, apperr.Authorization(op, "cannot submit on behalf of %s", body.EmployeeID), h.logger)
		return
	}
	if !actor.IsAdmin() {
		body.SubmittedAt = nil
	}

	cents := body.AmountCents
	if cents == 0 && body.Amount != 0 {
		cents = entity.AmountToCents(body.Amount)
	}

	result, err := h.services.Expenses.Submit(c.Request.Context(), service.SubmitRequest{
		EmployeeID:  body.EmployeeID,
		AmountCents: cents,
		Category:    entity.Category(body.Category),
		Merchant:    body.Merchant,
		Description: body.Description,
		HasReceipt:  body.HasReceipt,
		SubmittedAt: body.SubmittedAt,
		Receipt:     receipt,
	})
	if err != nil {
		respondError(c, err, h.logger)
		return
	}
	ok(c, http.StatusCreated, result)
}

// readUpload reads an optional multipart file capped at limit bytes
func readUpload(c *gin.Context, field string, limit int64) ([]byte, bool, error) {
	fh, err := c.FormFile(field)
	if err == http.ErrMissingFile {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if fh.Size > limit {
		return nil, false, apperr.Validation("http.upload", "%s exceeds %d bytes", field, limit)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, false, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return nil, false, apperr.Validation("http.upload", "%s exceeds %d bytes", field, limit)
	}
	return data, true, nil
}

// ParseExpense handles POST /api/v1/expenses/parse
func (h *Handlers) ParseExpense(c *gin.Context) {
	var req ParseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	parsed, err := h.services.Expenses.Parse(c.Request.Context(), req.Text)
	if err != nil {
		respondError(c, err, h.logger)
		return
	}
	ok(c, http.StatusOK, parsed)
}

// ListExpenses handles GET /api/v1/expenses
func (h *Handlers) ListExpenses(c *gin.Context) {
	limit, offset, valid := pagination(c)
	if !valid {
		badRequest(c, "invalid pagination parameters")
		return
	}
	expenses, err := h.services.Expenses.List(c.Request.Context(), entity.ExpenseFilter{
		Status:     c.Query("status"),
		EmployeeID: c.Query("employee_id"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		respondError(c, err, h.logger)
		return
	}
	if expenses == nil {
		expenses = []*entity.Expense{}
	}
	ok(c, http.StatusOK, expenses)
}

// ExpenseStats handles GET /api/v1/expenses/stats
func (h *Handlers) ExpenseStats(c *gin.Context) {
	stats, err := h.services.Expenses.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err, h.logger)
		return
	}
	ok(c, http.StatusOK, stats)
}

// GetExpense handles GET /api/v1/expenses/:id
func (h *Handlers) GetExpense(c *gin.Context) {
	detail, err := h.services.Expenses.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, h.logger)
		return
	}
	ok(c, http.StatusOK, detail)
}

// ActOnStep handles POST /api/v1/expenses/:id/steps/:order/:action
func (h *Handlers) ActOnStep(c *gin.Context) {
	order, err := strconv.Atoi(c.Param("order"))
	if err != nil || order < 1 {
		badRequest(c, "invalid step order")
		return
	}
	action := service.StepAction(c.Param("action"))
	switch action {
	case service.ActionApprove, service.ActionReject, service.ActionEscalate:
	default:
		c.AbortWithStatusJSON(http.StatusNotFound, Response{Success: false, Error: "unknown step action"})
		return
	}

	var req StepActionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}
	}

	outcome, err := h.services.Approvals.Act(c.Request.Context(), actorFrom(c), c.Param("id"), order, action, req.Comments)
	if err != nil {
		respondError(c, err, h.logger)
		return
	}
	ok(c, http.StatusOK, outcome)
}

// PendingApprovals handles GET /api/v1/approvals/pending
func (h *Handlers) PendingApprovals(c *gin.Context) {
	actor := actorFrom(c)
	if actor == nil {
		respondError(c, apperr.Authorization("http.PendingApprovals", "an identified actor is required"), h.logger)
		return
	}
	pending, err := h.services.Approvals.PendingFor(c.Request.Context(), actor)
	if err != nil {
		respondError(c, err, h.logger)
		return
	}
	if pending == nil {
		pending = []*service.PendingApproval{}
	}
	ok(c, http.StatusOK, pending)
}

// Dispute handles POST /api/v1/expenses/:id/dispute
func (h *Handlers) Dispute(c *gin.Context) {
	h.lifecycle(c, h.services.Expenses.Dispute)
}

// Override handles POST /api/v1/expenses/:id/override
func (h *Handlers) Override(c *gin.Context) {
	h.lifecycle(c, h.services.Expenses.Override)
}

// DenyDispute handles POST /api/v1/expenses/:id/deny-dispute
func (h *Handlers) DenyDispute(c *gin.Context) {
	h.lifecycle(c, h.services.Expenses.DenyDispute)
}

type lifecycleFunc func(ctx context.Context, actor *entity.Employee, expenseID, reason string) (*service.LifecycleResult, error)

func (h *Handlers) lifecycle(c *gin.Context, fn lifecycleFunc) {
	var req ReasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	result, err := fn(c.Request.Context(), actorFrom(c), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err, h.logger)
		return
	}
	ok(c, http.StatusOK, result)
}

// Settle handles POST /api/v1/expenses/:id/settle
func (h *Handlers) Settle(c *gin.Context) {
	result, err := h.services.Expenses.Settle(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err, h.logger)
		return
	}
	ok(c, http.StatusOK, result)
}

// BatchApprove handles POST /api/v1/expenses/batch-approve
func (h *Handlers) BatchApprove(c *gin.Context) {
	result, err := h.services.Expenses.BatchApprove(c.Request.Context(), actorFrom(c))
	if err != nil {
		respondError(c, err, h.logger)
		return
	}
	ok(c, http.StatusOK, result)
}

// GetEmployee handles GET /api/v1/employees/:id
func (h *Handlers) GetEmployee(c *gin.Context) {
	emp, err := h.services.Directory.GetEmployee(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, h.logger)
		return
	}
	ok(c, http.StatusOK, emp)
}

// pagination reads limit and offset; zero values mean service defaults
func pagination(c *gin.Context) (limit, offset int, valid bool) {
	var err error
	if v := c.Query("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			return 0, 0, false
		}
	}
	if v := c.Query("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, false
		}
	}
	return limit, offset, true
}
