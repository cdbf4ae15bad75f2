package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/garyjia/expense-approval/internal/domain/entity"
)

// RuleRequest is the body of rule create and update
type RuleRequest struct {
	Name              string                `json:"name"`
	Category          *entity.Category      `json:"category"`
	Department        *string               `json:"department"`
	AmountMinCents    *int64                `json:"amount_min_cents"`
	AmountMaxCents    *int64                `json:"amount_max_cents"`
	RequiredApprovers []entity.ApproverRole `json:"required_approvers"`
	ApprovalType      entity.ApprovalType   `json:"approval_type"`
	Priority          int                   `json:"priority"`
	Active            *bool                 `json:"active"`
}

func (r RuleRequest) toRule() *entity.ApprovalRule {
	active := true
	if r.Active != nil {
		active = *r.Active
	}
	kind := r.ApprovalType
	if kind == "" {
		kind = entity.ApprovalSequential
	}
	return &entity.ApprovalRule{
		Name:              r.Name,
		Category:          r.Category,
		Department:        r.Department,
		AmountMinCents:    r.AmountMinCents,
		AmountMaxCents:    r.AmountMaxCents,
		RequiredApprovers: r.RequiredApprovers,
		ApprovalType:      kind,
		Priority:          r.Priority,
		Active:            active,
	}
}

func ruleID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid rule ID")
		return 0, false
	}
	return id, true
}

// ListRules handles GET /api/v1/rules
func (h *Handlers) ListRules(c *gin.Context) {
	activeOnly := c.Query("active") == "true"
	rules, err := h.services.Rules.List(c.Request.Context(), activeOnly)
	if err != nil {
		respondError(c, err, h.logger)
		return
	}
	if rules == nil {
		rules = []*entity.ApprovalRule{}
	}
	ok(c, http.StatusOK, rules)
}

// GetRule handles GET /api/v1/rules/:id
func (h *Handlers) GetRule(c *gin.Context) {
	id, valid := ruleID(c)
	if !valid {
		return
	}
	rule, err := h.services.Rules.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, h.logger)
		return
	}
	ok(c, http.StatusOK, rule)
}

// CreateRule handles POST /api/v1/rules
func (h *Handlers) CreateRule(c *gin.Context) {
	var req RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	rule, err := h.services.Rules.Create(c.Request.Context(), actorFrom(c), req.toRule())
	if err != nil {
		respondError(c, err, h.logger)
		return
	}
	ok(c, http.StatusCreated, rule)
}

// UpdateRule handles PUT /api/v1/rules/:id
func (h *Handlers) UpdateRule(c *gin.Context) {
	id, valid := ruleID(c)
	if !valid {
		return
	}
	var req RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	rule, err := h.services.Rules.Update(c.Request.Context(), actorFrom(c), id, req.toRule())
	if err != nil {
		respondError(c, err, h.logger)
		return
	}
	ok(c, http.StatusOK, rule)
}

// ToggleRule handles PATCH /api/v1/rules/:id/toggle
func (h *Handlers) ToggleRule(c *gin.Context) {
	id, valid := ruleID(c)
	if !valid {
		return
	}
	rule, err := h.services.Rules.Toggle(c.Request.Context(), actorFrom(c), id)
	if err != nil {
		respondError(c, err, h.logger)
		return
	}
	ok(c, http.StatusOK, rule)
}

// DeleteRule handles DELETE /api/v1/rules/:id
func (h *Handlers) DeleteRule(c *gin.Context) {
	id, valid := ruleID(c)
	if !valid {
		return
	}
	if err := h.services.Rules.Delete(c.Request.Context(), actorFrom(c), id); err != nil {
		respondError(c, err, h.logger)
		return
	}
	ok(c, http.StatusOK, gin.H{"deleted": id})
}
