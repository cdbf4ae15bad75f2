package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/garyjia/expense-approval/internal/ai"
	"github.com/garyjia/expense-approval/internal/application/dispatcher"
	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/internal/application/workflow"
	"github.com/garyjia/expense-approval/internal/domain/apperr"
	"github.com/garyjia/expense-approval/internal/domain/entity"
	"github.com/garyjia/expense-approval/internal/domain/event"
	domainwf "github.com/garyjia/expense-approval/internal/domain/workflow"
)

// Submission limits
const (
	maxMerchantLen    = 200
	maxDescriptionLen = 2000
	historyWindow     = 90 * 24 * time.Hour
	historyLimit      = 100
	defaultListLimit  = 50
	maxListLimit      = 500
)

// SubmitRequest is a new expense claim
type SubmitRequest struct {
	EmployeeID  string          `json:"employee_id"`
	AmountCents int64           `json:"amount_cents"`
	Category    entity.Category `json:"category"`
	Merchant    string          `json:"merchant"`
	Description string          `json:"description"`
	HasReceipt  bool            `json:"has_receipt"`
	SubmittedAt *time.Time      `json:"submitted_at,omitempty"`

	// Receipt is an optional receipt document read for verification only
	Receipt []byte `json:"-"`
}

// SubmitResult is everything decided about a new expense
type SubmitResult struct {
	Expense         *entity.Expense        `json:"expense"`
	Assessment      ai.Assessment          `json:"assessment"`
	Decision        ai.Decision            `json:"decision"`
	Route           *Route                 `json:"route,omitempty"`
	Settlement      *SettlementResult      `json:"settlement,omitempty"`
	SettlementError string                 `json:"settlement_error,omitempty"`
	Steps           []*entity.ApprovalStep `json:"steps,omitempty"`
}

// ExpenseDetail is an expense with its chain and settlement record
type ExpenseDetail struct {
	Expense    *entity.Expense        `json:"expense"`
	Steps      []*entity.ApprovalStep `json:"steps"`
	Settlement *entity.Settlement     `json:"settlement,omitempty"`
	Triggers   []domainwf.Trigger     `json:"permitted_triggers"`
}

// LifecycleResult is the outcome of a dispute, override or denial
type LifecycleResult struct {
	Expense         *entity.Expense   `json:"expense"`
	Settlement      *SettlementResult `json:"settlement,omitempty"`
	SettlementError string            `json:"settlement_error,omitempty"`
}

// BatchItemResult reports one expense of a batch approval
type BatchItemResult struct {
	ExpenseID string `json:"expense_id"`
	Success   bool   `json:"success"`
	Status    string `json:"status"`
	TxRef     string `json:"tx_ref,omitempty"`
	Error     string `json:"error,omitempty"`
}

// BatchResult aggregates a batch approval
type BatchResult struct {
	Processed int               `json:"processed"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Items     []BatchItemResult `json:"items"`
}

// ExpenseService is the entry point for expense submission and the
// administrative lifecycle actions
type ExpenseService interface {
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error)
	Get(ctx context.Context, id string) (*ExpenseDetail, error)
	List(ctx context.Context, filter entity.ExpenseFilter) ([]*entity.Expense, error)
	Stats(ctx context.Context) (*entity.ExpenseStats, error)

	// Parse suggests expense fields from free text. It never submits.
	Parse(ctx context.Context, text string) (*entity.ParsedExpense, error)

	Dispute(ctx context.Context, actor *entity.Employee, expenseID, reason string) (*LifecycleResult, error)
	Override(ctx context.Context, actor *entity.Employee, expenseID, reason string) (*LifecycleResult, error)
	DenyDispute(ctx context.Context, actor *entity.Employee, expenseID, reason string) (*LifecycleResult, error)
	Settle(ctx context.Context, actor *entity.Employee, expenseID string) (*SettlementResult, error)
	BatchApprove(ctx context.Context, actor *entity.Employee) (*BatchResult, error)
}

// ExpenseDeps are the collaborators of the expense service
type ExpenseDeps struct {
	Expenses     port.ExpenseRepository
	StepRepo     port.ApprovalStepRepository
	Settlements  port.SettlementRepository
	MonthlySpend port.MonthlySpendRepository
	TxManager    port.TransactionManager
	Directory    port.Directory
	Parser       port.TextParser
	Receipts     port.ReceiptReader

	Risk      ai.RiskModel
	Policy    *ai.PolicyChecker
	Decisions *ai.DecisionEngine

	Engine     workflow.Engine
	Router     ApprovalRouter
	Audit      AuditService
	Settlement SettlementService
	Dispatcher dispatcher.Dispatcher
	Locker     Locker
	Logger     Logger
}

// ExpenseConfig tunes the expense service
type ExpenseConfig struct {
	AgentName        string
	BatchSize        int
	BatchParallelism int
}

type expenseServiceImpl struct {
	ExpenseDeps
	cfg   ExpenseConfig
	newID func() string
}

// NewExpenseService creates a new ExpenseService
func NewExpenseService(deps ExpenseDeps, cfg ExpenseConfig) ExpenseService {
	if cfg.AgentName == "" {
		cfg.AgentName = entity.SystemActor
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchParallelism <= 0 {
		cfg.BatchParallelism = 4
	}
	deps.Logger = orNop(deps.Logger)
	return &expenseServiceImpl{ExpenseDeps: deps, cfg: cfg, newID: uuid.NewString}
}

func (s *expenseServiceImpl) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	const op = "expense.Submit"

	ctx, span := tracer.Start(ctx, "expense.Submit", trace.WithAttributes(
		attribute.String("employee_id", req.EmployeeID),
		attribute.Int64("amount_cents", req.AmountCents),
	))
	defer span.End()

	if err := validateSubmission(&req); err != nil {
		return nil, err
	}

	emp, err := s.Directory.GetEmployee(ctx, req.EmployeeID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.Validation(op, "unknown employee %s", req.EmployeeID)
		}
		return nil, apperr.External(op, err, "directory lookup for employee %s failed", req.EmployeeID)
	}
	if emp == nil {
		return nil, apperr.Validation(op, "unknown employee %s", req.EmployeeID)
	}

	// one submission per employee at a time so the monthly limit check sees
	// every earlier approval
	unlock, err := s.Locker.Lock(ctx, employeeLockKey(emp.ID))
	if err != nil {
		return nil, fmt.Errorf("lock employee %s: %w", emp.ID, err)
	}
	defer unlock()

	now := utcNow()
	submittedAt := now
	if req.SubmittedAt != nil {
		submittedAt = req.SubmittedAt.UTC()
	}

	exp := &entity.Expense{
		ID:          s.newID(),
		EmployeeID:  emp.ID,
		AmountCents: req.AmountCents,
		Category:    req.Category,
		Merchant:    req.Merchant,
		Description: req.Description,
		HasReceipt:  req.HasReceipt || len(req.Receipt) > 0,
		SubmittedAt: submittedAt,
		Status:      entity.StatusSubmitted,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	history, err := s.history(ctx, exp)
	if err != nil {
		return nil, err
	}
	receipt := s.readReceipt(ctx, exp, req.Receipt)

	input := ai.ScoreInput{Expense: exp, Employee: emp, History: history, Receipt: receipt}
	assessment := s.Risk.Score(ctx, input)
	compliance := s.Policy.Evaluate(input)
	decision := s.Decisions.Decide(exp.AmountCents, assessment, compliance)

	exp.RiskScore = assessment.RiskScore
	exp.AnomalyScore = assessment.AnomalyScore
	exp.RiskLevel = assessment.RiskLevel
	exp.AICategory = assessment.AICategory
	exp.ModelDegraded = assessment.Degraded
	exp.PolicyFlags = make([]string, 0, len(compliance.Violations))
	for _, v := range compliance.Violations {
		exp.PolicyFlags = append(exp.PolicyFlags, v.String())
	}
	// the same text is stored on the expense and in the decision audit entry
	reason := decision.Reason + ". " + ai.Explain(exp, assessment, compliance, decision)

	trigger, ok := domainwf.DecisionTrigger(domainwf.State(decision.Outcome))
	if !ok {
		return nil, fmt.Errorf("%s: decision engine produced unknown outcome %q", op, decision.Outcome)
	}

	var route *Route
	if decision.Outcome == entity.StatusManagerReview {
		route, err = s.Router.Route(ctx, exp, emp)
		if err != nil {
			return nil, err
		}
	}

	var tr domainwf.Transition
	err = s.TxManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := s.Expenses.Create(txCtx, exp); err != nil {
			return fmt.Errorf("create expense: %w", err)
		}
		var err error
		tr, err = s.Engine.Apply(txCtx, exp, workflow.Change{
			Trigger: trigger,
			Actor:   s.cfg.AgentName,
			Action:  entity.AuditDecisionMade,
			Memo:    reason,
			Details: decisionDetails(decision, assessment, s.Decisions.Thresholds()),
			Mutate:  func(e *entity.Expense) { e.ApprovalReason = reason },
		})
		if err != nil {
			return err
		}
		if route == nil {
			return nil
		}
		if err := s.StepRepo.CreateBatch(txCtx, route.Steps); err != nil {
			return fmt.Errorf("create approval steps: %w", err)
		}
		details := fmt.Sprintf("%s; approvers=%s", route.Reason, route.Approvers())
		return s.Audit.Record(txCtx, &entity.AuditEntry{
			ExpenseID:  exp.ID,
			Actor:      s.cfg.AgentName,
			Action:     entity.AuditChainCreated,
			FromStatus: exp.Status,
			ToStatus:   exp.Status,
			Details:    details,
		})
	})
	if err != nil {
		s.Logger.Error("Failed to record submission", "error", err, "employee_id", emp.ID)
		return nil, err
	}

	s.Logger.Info("Expense decided",
		"expense_id", exp.ID,
		"employee_id", emp.ID,
		"amount_cents", exp.AmountCents,
		"risk_score", exp.RiskScore,
		"decision", decision.Outcome,
		"degraded", exp.ModelDegraded,
	)
	span.SetAttributes(attribute.String("decision", decision.Outcome), attribute.Float64("risk_score", exp.RiskScore))

	s.announceSubmission(ctx, exp, decision, tr)

	result := &SubmitResult{Expense: exp, Assessment: assessment, Decision: decision, Route: route}
	if route != nil {
		result.Steps = route.Steps
		for _, st := range route.Steps {
			if st.Status == entity.StepPending {
				publishPending(ctx, s.Dispatcher, exp, st)
			}
		}
	}

	if exp.Status == entity.StatusAutoApproved {
		res, settleErr := s.Settlement.Settle(ctx, exp.ID, s.cfg.AgentName)
		if settleErr != nil {
			result.SettlementError = apperr.Reason(settleErr)
		} else {
			result.Settlement = res
		}
		if reloaded, err := s.Expenses.GetByID(ctx, exp.ID); err == nil {
			result.Expense = reloaded
		}
	}

	return result, nil
}

func validateSubmission(req *SubmitRequest) error {
	const op = "expense.Submit"
	req.EmployeeID = strings.TrimSpace(req.EmployeeID)
	req.Merchant = strings.TrimSpace(req.Merchant)
	req.Description = strings.TrimSpace(req.Description)

	switch {
	case req.EmployeeID == "":
		return apperr.Validation(op, "employee_id is required")
	case req.AmountCents <= 0:
		return apperr.Validation(op, "amount must be greater than zero")
	case !req.Category.IsValid():
		return apperr.Validation(op, "unknown category %q", req.Category)
	case len(req.Merchant) > maxMerchantLen:
		return apperr.Validation(op, "merchant must be at most %d characters", maxMerchantLen)
	case len(req.Description) > maxDescriptionLen:
		return apperr.Validation(op, "description must be at most %d characters", maxDescriptionLen)
	}
	return nil
}

// history builds the spending context: settled spend for the month plus
// approvals not yet paid, and recent expenses for duplicate and anomaly checks
func (s *expenseServiceImpl) history(ctx context.Context, exp *entity.Expense) (ai.SpendingHistory, error) {
	month := exp.SpendMonth()
	paid, err := s.MonthlySpend.Get(ctx, exp.EmployeeID, month)
	if err != nil {
		return ai.SpendingHistory{}, fmt.Errorf("load monthly spend: %w", err)
	}
	unpaid, err := s.Expenses.UnpaidApprovedCents(ctx, exp.EmployeeID, month)
	if err != nil {
		return ai.SpendingHistory{}, fmt.Errorf("load unpaid approvals: %w", err)
	}
	recent, err := s.Expenses.RecentByEmployee(ctx, exp.EmployeeID, exp.SubmittedAt.Add(-historyWindow), historyLimit)
	if err != nil {
		return ai.SpendingHistory{}, fmt.Errorf("load recent expenses: %w", err)
	}
	return ai.SpendingHistory{MonthToDateCents: paid + unpaid, Recent: recent}, nil
}

// readReceipt extracts receipt evidence. A receipt that cannot be read only
// loses its verification signals.
func (s *expenseServiceImpl) readReceipt(ctx context.Context, exp *entity.Expense, data []byte) *entity.ReceiptEvidence {
	if len(data) == 0 || s.Receipts == nil {
		return nil
	}
	evidence, err := s.Receipts.Read(ctx, data)
	if err != nil {
		s.Logger.Error("Receipt could not be read", "error", err, "employee_id", exp.EmployeeID, "size", len(data))
		return nil
	}
	return evidence
}

func (s *expenseServiceImpl) announceSubmission(ctx context.Context, exp *entity.Expense, d ai.Decision, tr domainwf.Transition) {
	if s.Dispatcher == nil {
		return
	}
	submitted := event.NewEvent(event.TypeExpenseSubmitted, exp.ID, map[string]interface{}{
		"employee_id":  exp.EmployeeID,
		"amount_cents": exp.AmountCents,
		"category":     string(exp.Category),
	})
	s.Dispatcher.DispatchAsync(ctx, submitted)
	s.Dispatcher.DispatchAsync(ctx, submitted.Follow(event.TypeExpenseDecided, map[string]interface{}{
		"decision":      d.Outcome,
		"reason":        exp.ApprovalReason,
		"risk_score":    exp.RiskScore,
		"anomaly_score": exp.AnomalyScore,
		"degraded":      exp.ModelDegraded,
		"employee_id":   exp.EmployeeID,
	}))
	s.Engine.Announce(ctx, exp, tr, s.cfg.AgentName)
}

func decisionDetails(d ai.Decision, a ai.Assessment, t ai.Thresholds) string {
	parts := []string{
		"decision=" + d.Outcome,
		fmt.Sprintf("risk_level=%s", a.RiskLevel),
		"model=" + a.ModelUsed,
		"config=" + t.ConfigVersion,
	}
	if len(a.Factors) > 0 {
		parts = append(parts, "factors="+strings.Join(a.Factors, ", "))
	}
	return strings.Join(parts, "; ")
}

func (s *expenseServiceImpl) Get(ctx context.Context, id string) (*ExpenseDetail, error) {
	exp, err := s.Expenses.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	steps, err := s.StepRepo.ListByExpense(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	rec, err := s.Settlements.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load settlement: %w", err)
	}
	return &ExpenseDetail{
		Expense:    exp,
		Steps:      steps,
		Settlement: rec,
		Triggers:   s.Engine.PermittedTriggers(exp),
	}, nil
}

func (s *expenseServiceImpl) List(ctx context.Context, filter entity.ExpenseFilter) ([]*entity.Expense, error) {
	if filter.Status != "" && !domainwf.State(filter.Status).IsValid() {
		return nil, apperr.Validation("expense.List", "unknown status %q", filter.Status)
	}
	if filter.Offset < 0 {
		return nil, apperr.Validation("expense.List", "offset must not be negative")
	}
	filter.Limit = clampLimit(filter.Limit, defaultListLimit, maxListLimit)
	return s.Expenses.List(ctx, filter)
}

func (s *expenseServiceImpl) Stats(ctx context.Context) (*entity.ExpenseStats, error) {
	return s.Expenses.Stats(ctx)
}

func (s *expenseServiceImpl) Parse(ctx context.Context, text string) (*entity.ParsedExpense, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperr.Validation("expense.Parse", "text is required")
	}
	if s.Parser == nil {
		return nil, apperr.Validation("expense.Parse", "text parsing is not configured")
	}
	parsed, err := s.Parser.Parse(ctx, text)
	if err != nil {
		return nil, apperr.External("expense.Parse", err, "text parsing failed")
	}
	return parsed, nil
}

func (s *expenseServiceImpl) Dispute(ctx context.Context, actor *entity.Employee, expenseID, reason string) (*LifecycleResult, error) {
	const op = "expense.Dispute"
	reason = requireText(reason)
	if reason == "" {
		return nil, apperr.Validation(op, "a dispute reason is required")
	}
	if actor == nil {
		return nil, apperr.Authorization(op, "an identified actor is required")
	}

	return s.lifecycle(ctx, expenseID, func(exp *entity.Expense) (workflow.Change, error) {
		if exp.EmployeeID != actor.ID && !actor.IsAdmin() {
			return workflow.Change{}, apperr.Authorization(op, "only the submitter may dispute expense %s", exp.ID)
		}
		return workflow.Change{
			Trigger: domainwf.TriggerDispute,
			Actor:   actor.ID,
			Action:  entity.AuditDisputed,
			Details: reason,
			Mutate: func(e *entity.Expense) {
				at := utcNow()
				e.DisputeReason = reason
				e.DisputedAt = &at
			},
		}, nil
	}, false)
}

func (s *expenseServiceImpl) Override(ctx context.Context, actor *entity.Employee, expenseID, reason string) (*LifecycleResult, error) {
	const op = "expense.Override"
	if !actor.IsAdmin() {
		return nil, apperr.Authorization(op, "only administrators may override a decision")
	}
	reason = requireText(reason)
	if reason == "" {
		return nil, apperr.Validation(op, "an override reason is required")
	}

	return s.lifecycle(ctx, expenseID, func(exp *entity.Expense) (workflow.Change, error) {
		return workflow.Change{
			Trigger: domainwf.TriggerOverride,
			Actor:   actor.ID,
			Action:  entity.AuditOverridden,
			Details: reason,
			Mutate: func(e *entity.Expense) {
				e.OverrideReason = reason
				e.OverriddenBy = actor.ID
				e.ApprovalReason = fmt.Sprintf("Overridden by %s: %s", actor.ID, reason)
			},
		}, nil
	}, true)
}

func (s *expenseServiceImpl) DenyDispute(ctx context.Context, actor *entity.Employee, expenseID, reason string) (*LifecycleResult, error) {
	const op = "expense.DenyDispute"
	if !actor.IsAdmin() {
		return nil, apperr.Authorization(op, "only administrators may deny a dispute")
	}
	reason = requireText(reason)
	if reason == "" {
		return nil, apperr.Validation(op, "a reason is required")
	}

	return s.lifecycle(ctx, expenseID, func(exp *entity.Expense) (workflow.Change, error) {
		return workflow.Change{
			Trigger: domainwf.TriggerDenyDispute,
			Actor:   actor.ID,
			Action:  entity.AuditDisputeDenied,
			Details: reason,
			Mutate: func(e *entity.Expense) {
				e.ApprovalReason = fmt.Sprintf("Dispute denied by %s: %s", actor.ID, reason)
			},
		}, nil
	}, false)
}

// lifecycle applies one administrative transition under the expense lock and,
// when settle is set, pays the expense before releasing the lock
func (s *expenseServiceImpl) lifecycle(ctx context.Context, expenseID string, build func(*entity.Expense) (workflow.Change, error), settle bool) (*LifecycleResult, error) {
	unlock, err := s.Locker.Lock(ctx, expenseLockKey(expenseID))
	if err != nil {
		return nil, fmt.Errorf("lock expense %s: %w", expenseID, err)
	}
	defer unlock()

	var (
		exp    *entity.Expense
		tr     domainwf.Transition
		change workflow.Change
	)
	err = s.TxManager.WithTransaction(ctx, func(txCtx context.Context) error {
		var err error
		exp, err = s.Expenses.GetByID(txCtx, expenseID)
		if err != nil {
			return err
		}
		change, err = build(exp)
		if err != nil {
			return err
		}
		tr, err = s.Engine.Apply(txCtx, exp, change)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info("Lifecycle transition applied", "expense_id", expenseID, "trigger", tr.Trigger, "from", tr.From, "to", tr.To, "actor", change.Actor)
	s.Engine.Announce(ctx, exp, tr, change.Actor)

	result := &LifecycleResult{Expense: exp}
	if settle {
		res, err := s.Settlement.SettleLocked(ctx, expenseID, change.Actor)
		if err != nil {
			result.SettlementError = apperr.Reason(err)
		} else {
			result.Settlement = res
		}
		if reloaded, err := s.Expenses.GetByID(ctx, expenseID); err == nil {
			result.Expense = reloaded
		}
	}
	return result, nil
}

func (s *expenseServiceImpl) Settle(ctx context.Context, actor *entity.Employee, expenseID string) (*SettlementResult, error) {
	if !actor.IsAdmin() {
		return nil, apperr.Authorization("expense.Settle", "only administrators may trigger settlement")
	}
	return s.Settlement.Settle(ctx, expenseID, actor.ID)
}

// BatchApprove approves and settles every expense awaiting review. Items are
// processed in parallel, each under its own lock, so one failure never
// affects another.
func (s *expenseServiceImpl) BatchApprove(ctx context.Context, actor *entity.Employee) (*BatchResult, error) {
	const op = "expense.BatchApprove"
	if !actor.IsAdmin() {
		return nil, apperr.Authorization(op, "only administrators may batch-approve")
	}

	ctx, span := tracer.Start(ctx, "expense.BatchApprove")
	defer span.End()

	pending, err := s.Expenses.ListByStatus(ctx, []string{entity.StatusManagerReview}, s.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list pending expenses: %w", err)
	}

	items := make([]BatchItemResult, len(pending))
	sem := make(chan struct{}, s.cfg.BatchParallelism)
	var wg sync.WaitGroup
	for i, exp := range pending {
		wg.Add(1)
		go func(i int, expenseID string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			items[i] = s.batchItem(ctx, actor, expenseID)
		}(i, exp.ID)
	}
	wg.Wait()

	result := &BatchResult{Processed: len(items), Items: items}
	for _, it := range items {
		if it.Success {
			result.Succeeded++
		} else {
			result.Failed++
		}
	}

	span.SetAttributes(attribute.Int("processed", result.Processed), attribute.Int("succeeded", result.Succeeded))
	s.Logger.Info("Batch approval finished", "actor", actor.ID, "processed", result.Processed, "succeeded", result.Succeeded, "failed", result.Failed)
	return result, nil
}

func (s *expenseServiceImpl) batchItem(ctx context.Context, actor *entity.Employee, expenseID string) BatchItemResult {
	item := BatchItemResult{ExpenseID: expenseID}

	unlock, err := s.Locker.Lock(ctx, expenseLockKey(expenseID))
	if err != nil {
		item.Error = err.Error()
		return item
	}
	defer unlock()

	var (
		exp *entity.Expense
		tr  *domainwf.Transition
	)
	err = s.TxManager.WithTransaction(ctx, func(txCtx context.Context) error {
		var err error
		exp, err = s.Expenses.GetByID(txCtx, expenseID)
		if err != nil {
			return err
		}
		switch exp.Status {
		case entity.StatusPaid:
			return apperr.Conflict("expense.BatchApprove", "already settled (tx %s)", exp.TxRef)
		case entity.StatusApproved, entity.StatusAutoApproved:
			return nil
		case entity.StatusManagerReview:
		default:
			return apperr.Conflict("expense.BatchApprove", "expense is %s", exp.Status)
		}

		steps, err := s.StepRepo.ListByExpense(txCtx, expenseID)
		if err != nil {
			return fmt.Errorf("load approval steps: %w", err)
		}
		skipped := 0
		for _, st := range steps {
			if st.Status.IsResolved() {
				continue
			}
			st.Status = entity.StepSkipped
			if err := s.StepRepo.Update(txCtx, st); err != nil {
				return fmt.Errorf("skip step %d: %w", st.StepOrder, err)
			}
			skipped++
		}

		t, err := s.Engine.Apply(txCtx, exp, workflow.Change{
			Trigger: domainwf.TriggerApprove,
			Actor:   actor.ID,
			Action:  entity.AuditStepApproved,
			Details: fmt.Sprintf("batch=true; skipped_steps=%d", skipped),
			Mutate: func(e *entity.Expense) {
				e.ApprovalReason = fmt.Sprintf("Batch approved by %s", actor.ID)
			},
		})
		if err != nil {
			return err
		}
		tr = &t
		return nil
	})
	if err != nil {
		item.Error = apperr.Reason(err)
		if exp != nil {
			item.Status = exp.Status
			item.TxRef = exp.TxRef
		}
		return item
	}
	if tr != nil {
		s.Engine.Announce(ctx, exp, *tr, actor.ID)
	}

	res, err := s.Settlement.SettleLocked(ctx, expenseID, actor.ID)
	if err != nil {
		item.Error = apperr.Reason(err)
		item.Status = exp.Status
		return item
	}

	item.Success = true
	item.Status = entity.StatusPaid
	item.TxRef = res.TxRef
	return item
}
