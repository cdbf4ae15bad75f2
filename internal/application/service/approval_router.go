package service

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/internal/domain/entity"
)

// Route is a planned approval chain. Rule is nil for the fallback chain.
type Route struct {
	Rule     *entity.ApprovalRule
	Steps    []*entity.ApprovalStep
	Fallback bool
	Reason   string
}

// Approvers lists the step roles in order, e.g. "direct_manager>finance"
func (r *Route) Approvers() string {
	out := ""
	for i, st := range r.Steps {
		if i > 0 {
			out += ">"
		}
		out += string(st.ApproverRole)
	}
	return out
}

// ApprovalRouter turns a manager_review expense into an approval chain
type ApprovalRouter interface {
	// Route selects the winning rule and resolves approver identities. It
	// does not persist the steps.
	Route(ctx context.Context, exp *entity.Expense, emp *entity.Employee) (*Route, error)
}

type approvalRouterImpl struct {
	rules     port.ApprovalRuleRepository
	directory port.Directory
	logger    Logger
}

// NewApprovalRouter creates a new ApprovalRouter
func NewApprovalRouter(rules port.ApprovalRuleRepository, directory port.Directory, logger Logger) ApprovalRouter {
	return &approvalRouterImpl{rules: rules, directory: directory, logger: orNop(logger)}
}

// SelectRule returns the winning rule among rules matching exp, or nil.
// Selection is deterministic for a given rule set regardless of order.
func SelectRule(rules []*entity.ApprovalRule, exp *entity.Expense, emp *entity.Employee) *entity.ApprovalRule {
	var winner *entity.ApprovalRule
	for _, rule := range rules {
		if !rule.Matches(exp, emp) {
			continue
		}
		if winner == nil || rule.Outranks(winner) {
			winner = rule
		}
	}
	return winner
}

func (r *approvalRouterImpl) Route(ctx context.Context, exp *entity.Expense, emp *entity.Employee) (*Route, error) {
	ctx, span := tracer.Start(ctx, "router.Route")
	defer span.End()

	rules, err := r.rules.List(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("load routing rules: %w", err)
	}

	rule := SelectRule(rules, exp, emp)
	if rule == nil {
		route := r.fallback(ctx, exp, emp, "no routing rule matched")
		span.SetAttributes(attribute.Bool("fallback", true))
		return route, nil
	}

	steps := make([]*entity.ApprovalStep, 0, len(rule.RequiredApprovers))
	for i, role := range rule.RequiredApprovers {
		approver, err := r.resolve(ctx, role, emp)
		if approver != nil && approver.ID == emp.ID {
			approver = nil
		}
		if err != nil {
			r.logger.Error("Directory lookup failed during routing, using fallback chain",
				"error", err, "expense_id", exp.ID, "role", role)
			route := r.fallback(ctx, exp, emp, fmt.Sprintf("directory lookup for %s failed", role))
			span.SetAttributes(attribute.Bool("fallback", true))
			return route, nil
		}
		ruleID := rule.ID
		steps = append(steps, newStep(exp.ID, i+1, role, approver, rule.ApprovalType, &ruleID))
	}
	activate(steps)

	span.SetAttributes(attribute.Int64("rule_id", rule.ID), attribute.Int("steps", len(steps)))
	return &Route{
		Rule:   rule,
		Steps:  steps,
		Reason: fmt.Sprintf("matched rule %d (%s)", rule.ID, rule.Name),
	}, nil
}

// fallback builds the single direct-manager chain. A failed manager lookup
// leaves the step unbound so any manager may act.
func (r *approvalRouterImpl) fallback(ctx context.Context, exp *entity.Expense, emp *entity.Employee, reason string) *Route {
	manager, err := r.directory.GetManager(ctx, emp.ID)
	if err != nil {
		r.logger.Error("Manager lookup failed, fallback step left unbound", "error", err, "employee_id", emp.ID)
		manager = nil
	}
	steps := []*entity.ApprovalStep{
		newStep(exp.ID, 1, entity.ApproverDirectManager, manager, entity.ApprovalSequential, nil),
	}
	activate(steps)
	return &Route{Steps: steps, Fallback: true, Reason: reason + "; routed to direct manager"}
}

// resolve binds a rule role to a person. escalated_manager is the manager's
// manager, the same person an escalation of the direct_manager step reaches.
func (r *approvalRouterImpl) resolve(ctx context.Context, role entity.ApproverRole, emp *entity.Employee) (*entity.Employee, error) {
	switch role {
	case entity.ApproverDirectManager:
		return r.directory.GetManager(ctx, emp.ID)
	case entity.ApproverEscalatedManager:
		manager, err := r.directory.GetManager(ctx, emp.ID)
		if err != nil || manager == nil {
			return nil, err
		}
		return r.directory.GetManager(ctx, manager.ID)
	default:
		return r.directory.ResolveRole(ctx, role.OrgRole(), emp.Department)
	}
}

func newStep(expenseID string, order int, role entity.ApproverRole, approver *entity.Employee, kind entity.ApprovalType, ruleID *int64) *entity.ApprovalStep {
	step := &entity.ApprovalStep{
		ExpenseID:    expenseID,
		StepOrder:    order,
		ApproverRole: role,
		ApprovalType: kind,
		RuleID:       ruleID,
		Status:       entity.StepWaiting,
		CreatedAt:    utcNow(),
	}
	if approver != nil {
		step.ApproverID = approver.ID
	}
	return step
}

// activate makes the first step pending, or every step for a parallel chain
func activate(steps []*entity.ApprovalStep) {
	for i, st := range steps {
		if i == 0 || st.ApprovalType == entity.ApprovalParallel {
			st.Status = entity.StepPending
		}
	}
}
