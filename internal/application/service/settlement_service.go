package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/garyjia/expense-approval/internal/application/dispatcher"
	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/internal/application/workflow"
	"github.com/garyjia/expense-approval/internal/domain/apperr"
	"github.com/garyjia/expense-approval/internal/domain/entity"
	"github.com/garyjia/expense-approval/internal/domain/event"
	domainwf "github.com/garyjia/expense-approval/internal/domain/workflow"
	"github.com/garyjia/expense-approval/pkg/resilience"
)

// SettlementResult is returned once an expense is paid
type SettlementResult struct {
	ExpenseID  string    `json:"expense_id"`
	TxRef      string    `json:"tx_ref"`
	Memo       string    `json:"memo"`
	PaidAt     time.Time `json:"paid_at"`
	Reconciled bool      `json:"reconciled"`
}

// RetrySummary reports one sweep over unpaid approved expenses
type RetrySummary struct {
	Attempted int `json:"attempted"`
	Settled   int `json:"settled"`
	Failed    int `json:"failed"`
}

// SettlementConfig tunes ledger calls. NotFoundGrace is how long a signed
// transfer the ledger has never seen is waited for before paying again.
type SettlementConfig struct {
	AgentName     string
	CallTimeout   time.Duration
	MaxAttempts   int
	BaseDelay     time.Duration
	NotFoundGrace time.Duration
}

// SettlementService pays approved expenses through the ledger at most once
type SettlementService interface {
	// Settle takes the expense lock and settles
	Settle(ctx context.Context, expenseID, requestedBy string) (*SettlementResult, error)

	// SettleLocked is Settle for callers that already hold the expense lock
	SettleLocked(ctx context.Context, expenseID, requestedBy string) (*SettlementResult, error)

	// RetryPending re-attempts settlement of approved, unpaid expenses
	RetryPending(ctx context.Context, limit int) (*RetrySummary, error)
}

// SettlementDeps are the collaborators of the settlement service
type SettlementDeps struct {
	Expenses     port.ExpenseRepository
	StepRepo     port.ApprovalStepRepository
	Settlements  port.SettlementRepository
	MonthlySpend port.MonthlySpendRepository
	TxManager    port.TransactionManager
	Directory    port.Directory
	Ledger       port.Ledger
	Engine       workflow.Engine
	Audit        AuditService
	Dispatcher   dispatcher.Dispatcher
	Locker       Locker
	Breaker      *resilience.Breaker
	Logger       Logger
}

type settlementServiceImpl struct {
	SettlementDeps
	cfg SettlementConfig
}

// NewSettlementService creates a new SettlementService
func NewSettlementService(deps SettlementDeps, cfg SettlementConfig) SettlementService {
	if cfg.AgentName == "" {
		cfg.AgentName = entity.SystemActor
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.NotFoundGrace <= 0 {
		cfg.NotFoundGrace = 10 * time.Minute
	}
	if deps.Breaker == nil {
		deps.Breaker = resilience.NewBreaker("ledger", 5, 30*time.Second)
	}
	deps.Logger = orNop(deps.Logger)
	return &settlementServiceImpl{SettlementDeps: deps, cfg: cfg}
}

func (s *settlementServiceImpl) Settle(ctx context.Context, expenseID, requestedBy string) (*SettlementResult, error) {
	unlock, err := s.Locker.Lock(ctx, expenseLockKey(expenseID))
	if err != nil {
		return nil, fmt.Errorf("lock expense %s: %w", expenseID, err)
	}
	defer unlock()
	return s.SettleLocked(ctx, expenseID, requestedBy)
}

func (s *settlementServiceImpl) SettleLocked(ctx context.Context, expenseID, requestedBy string) (*SettlementResult, error) {
	const op = "settlement.Settle"

	ctx, span := tracer.Start(ctx, "settlement.Settle", trace.WithAttributes(attribute.String("expense_id", expenseID)))
	defer span.End()

	exp, err := s.Expenses.GetByID(ctx, expenseID)
	if err != nil {
		return nil, err
	}
	if exp.Status == entity.StatusPaid {
		return nil, apperr.Conflict(op, "expense %s already settled (tx %s)", exp.ID, exp.TxRef)
	}
	if !domainwf.State(exp.Status).IsSettleable() {
		return nil, apperr.Conflict(op, "expense %s is %s and cannot be settled", exp.ID, exp.Status)
	}

	memo, err := s.buildMemo(ctx, exp)
	if err != nil {
		return nil, err
	}

	rec, err := s.Settlements.Get(ctx, exp.ID)
	if err != nil {
		return nil, fmt.Errorf("load settlement record: %w", err)
	}
	if rec != nil {
		switch {
		case rec.Status == entity.SettlementConfirmed && rec.TxRef != "":
			return s.finalize(context.WithoutCancel(ctx), exp, rec.TxRef, memo, requestedBy, true)

		case rec.NeedsReconcile():
			status, err := s.Ledger.GetTransaction(ctx, rec.TxRef)
			if err != nil {
				return nil, apperr.External(op, err, "reconciliation of tx %s for expense %s failed", rec.TxRef, exp.ID)
			}
			s.Logger.Info("Reconciled in-flight settlement", "expense_id", exp.ID, "tx_ref", rec.TxRef, "ledger_status", status)
			switch status {
			case port.TxConfirmed:
				return s.finalize(context.WithoutCancel(ctx), exp, rec.TxRef, memo, requestedBy, true)
			case port.TxFailed:
				// nothing moved, a new transfer is safe
			case port.TxNotFound:
				if age := utcNow().Sub(rec.UpdatedAt); age < s.cfg.NotFoundGrace {
					return nil, apperr.External(op, nil, "tx %s for expense %s is not on the ledger yet; waiting %s before paying again", rec.TxRef, exp.ID, (s.cfg.NotFoundGrace - age).Round(time.Second))
				}
				s.Logger.Info("Abandoning settlement tx the ledger never saw", "expense_id", exp.ID, "tx_ref", rec.TxRef, "since", rec.UpdatedAt)
			default:
				return nil, apperr.External(op, nil, "tx %s for expense %s is %s; settlement deferred until it resolves", rec.TxRef, exp.ID, status)
			}

		case rec.Status == entity.SettlementInFlight || rec.Status == entity.SettlementUnknown:
			return nil, apperr.External(op, nil, "previous settlement of expense %s has an unknown outcome and no transaction reference; manual reconciliation required", exp.ID)
		}
	}

	emp, err := s.Directory.GetEmployee(ctx, exp.EmployeeID)
	if err != nil {
		return nil, apperr.External(op, err, "directory lookup for employee %s failed", exp.EmployeeID)
	}
	if emp == nil || emp.WalletAddress == "" {
		return nil, s.fail(ctx, exp, memo, requestedBy, apperr.Validation(op, "employee %s has no wallet address", exp.EmployeeID))
	}

	if _, err := s.Settlements.Begin(ctx, exp.ID, memo.String()); err != nil {
		return nil, fmt.Errorf("begin settlement: %w", err)
	}

	// funds may move from here on; bookkeeping ignores caller cancellation
	bg := context.WithoutCancel(ctx)
	var signed string
	attach := func(txRef string) {
		signed = txRef
		if err := s.Settlements.AttachTxRef(bg, exp.ID, txRef); err != nil {
			s.Logger.Error("Failed to attach tx reference", "error", err, "expense_id", exp.ID, "tx_ref", txRef)
		}
	}

	res, err := s.transfer(ctx, port.TransferRequest{
		Reference:   exp.ID,
		To:          emp.WalletAddress,
		AmountCents: exp.AmountCents,
		Memo:        memo,
		OnSigned:    attach,
	})
	if err != nil {
		if signed != "" && port.TransferTxRef(err) == "" && port.MayHaveBroadcast(err) {
			err = &port.TransferError{Op: "ledger.TransferWithMemo", TxRef: signed, Err: err}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger transfer failed")
		return nil, s.fail(ctx, exp, memo, requestedBy, err)
	}

	attach(res.TxRef)
	return s.finalize(bg, exp, res.TxRef, memo, requestedBy, false)
}

// transfer calls the ledger through the circuit breaker. Only failures known
// to have happened before broadcast are retried.
func (s *settlementServiceImpl) transfer(ctx context.Context, req port.TransferRequest) (*port.TransferResult, error) {
	var (
		res     *port.TransferResult
		lastErr error
	)

	err := resilience.Retry(ctx, s.cfg.MaxAttempts, s.cfg.BaseDelay, func(ctx context.Context) error {
		callErr := s.Breaker.Execute(func() error {
			callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
			defer cancel()
			r, err := s.Ledger.TransferWithMemo(callCtx, req)
			if err != nil {
				return err
			}
			res = r
			return nil
		}, countsAgainstLedger)
		lastErr = callErr

		switch {
		case callErr == nil:
			return nil
		case errors.Is(callErr, resilience.ErrCircuitOpen),
			errors.Is(callErr, port.ErrLedgerRejected),
			port.MayHaveBroadcast(callErr):
			return resilience.Permanent(callErr)
		default:
			return callErr
		}
	})
	if err != nil {
		// cancelled during backoff: report the attempt, not the cancellation
		if ctxErr := ctx.Err(); ctxErr != nil && err == ctxErr && lastErr != nil {
			return nil, lastErr
		}
		return nil, err
	}

	switch res.Status {
	case port.TxConfirmed:
		return res, nil
	case port.TxFailed:
		return nil, &port.TransferError{Op: "ledger.TransferWithMemo", TxRef: res.TxRef, Err: port.ErrLedgerRejected}
	default:
		return nil, &port.TransferError{Op: "ledger.TransferWithMemo", TxRef: res.TxRef, Err: port.ErrLedgerTimeout}
	}
}

func countsAgainstLedger(err error) bool {
	return !errors.Is(err, port.ErrLedgerRejected)
}

// fail records the failed attempt. The expense keeps its approved status.
func (s *settlementServiceImpl) fail(ctx context.Context, exp *entity.Expense, memo entity.Memo, requestedBy string, cause error) error {
	const op = "settlement.Settle"
	bg := context.WithoutCancel(ctx)

	txRef := port.TransferTxRef(cause)
	status := entity.SettlementFailed
	if port.MayHaveBroadcast(cause) && !errors.Is(cause, port.ErrLedgerRejected) {
		status = entity.SettlementUnknown
	}

	if err := s.Settlements.MarkFailed(bg, exp.ID, status, txRef, cause.Error()); err != nil {
		s.Logger.Error("Failed to mark settlement failed", "error", err, "expense_id", exp.ID)
	}

	reason := fmt.Sprintf("Settlement failed (%s): %s", status, apperr.Reason(cause))
	if err := s.Audit.Record(bg, &entity.AuditEntry{
		ExpenseID:  exp.ID,
		Actor:      s.cfg.AgentName,
		Action:     entity.AuditSettlementFailed,
		FromStatus: exp.Status,
		ToStatus:   exp.Status,
		Memo:       memo.String(),
		TxRef:      txRef,
		Details:    fmt.Sprintf("%s; requested_by=%s", reason, requestedBy),
	}); err != nil {
		s.Logger.Error("Failed to audit settlement failure", "error", err, "expense_id", exp.ID)
	}

	s.Logger.Error("Settlement failed", "error", cause, "expense_id", exp.ID, "status", status, "tx_ref", txRef)
	if s.Dispatcher != nil {
		s.Dispatcher.DispatchAsync(ctx, event.NewEvent(event.TypeSettlementFailed, exp.ID, map[string]interface{}{
			"status":      status,
			"tx_ref":      txRef,
			"reason":      reason,
			"employee_id": exp.EmployeeID,
		}))
	}

	if errors.Is(cause, apperr.ErrValidation) {
		return cause
	}
	return apperr.External(op, cause, "ledger transfer for expense %s failed; expense remains %s", exp.ID, exp.Status)
}

// finalize marks the expense paid and books the monthly spend in one
// transaction. Callers pass a context that outlives request cancellation.
func (s *settlementServiceImpl) finalize(ctx context.Context, exp *entity.Expense, txRef string, memo entity.Memo, requestedBy string, reconciled bool) (*SettlementResult, error) {
	paidAt := utcNow()
	memoText := memo.String()
	details := "requested_by=" + requestedBy
	if reconciled {
		details += "; reconciled"
	}

	var tr domainwf.Transition
	err := s.TxManager.WithTransaction(ctx, func(txCtx context.Context) error {
		var err error
		tr, err = s.Engine.Apply(txCtx, exp, workflow.Change{
			Trigger: domainwf.TriggerSettle,
			Actor:   s.cfg.AgentName,
			Action:  entity.AuditSettled,
			Memo:    memoText,
			TxRef:   txRef,
			Details: details,
			Mutate: func(e *entity.Expense) {
				e.TxRef = txRef
				e.Memo = memoText
				e.PaidAt = &paidAt
			},
		})
		if err != nil {
			return err
		}
		if err := s.MonthlySpend.Add(txCtx, exp.EmployeeID, exp.SpendMonth(), exp.AmountCents); err != nil {
			return fmt.Errorf("add monthly spend: %w", err)
		}
		return s.Settlements.MarkConfirmed(txCtx, exp.ID, txRef)
	})
	if err != nil {
		s.Logger.Error("Transfer confirmed but finalization failed; will reconcile", "error", err, "expense_id", exp.ID, "tx_ref", txRef)
		return nil, fmt.Errorf("finalize settlement of %s: %w", exp.ID, err)
	}

	s.Logger.Info("Expense settled", "expense_id", exp.ID, "tx_ref", txRef, "amount_cents", exp.AmountCents, "reconciled", reconciled)
	s.Engine.Announce(ctx, exp, tr, s.cfg.AgentName)
	if s.Dispatcher != nil {
		s.Dispatcher.DispatchAsync(ctx, event.NewEvent(event.TypeExpenseSettled, exp.ID, map[string]interface{}{
			"tx_ref":       txRef,
			"memo":         memoText,
			"amount_cents": exp.AmountCents,
			"employee_id":  exp.EmployeeID,
			"reconciled":   reconciled,
		}))
	}

	return &SettlementResult{ExpenseID: exp.ID, TxRef: txRef, Memo: memoText, PaidAt: paidAt, Reconciled: reconciled}, nil
}

func (s *settlementServiceImpl) buildMemo(ctx context.Context, exp *entity.Expense) (entity.Memo, error) {
	memo := entity.Memo{
		RiskScore:   exp.RiskScore,
		Category:    exp.Category,
		Decision:    exp.Status,
		AmountCents: exp.AmountCents,
		Agent:       s.cfg.AgentName,
	}
	if exp.OverriddenBy != "" {
		memo.Approvers = []string{exp.OverriddenBy}
		return memo, nil
	}
	if exp.Status != entity.StatusApproved {
		return memo, nil
	}

	steps, err := s.StepRepo.ListByExpense(ctx, exp.ID)
	if err != nil {
		return memo, fmt.Errorf("load approval steps: %w", err)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepOrder < steps[j].StepOrder })
	for _, st := range steps {
		if st.Status == entity.StepApproved && st.ActedBy != "" {
			memo.Approvers = append(memo.Approvers, st.ActedBy)
		}
	}
	return memo, nil
}

func (s *settlementServiceImpl) RetryPending(ctx context.Context, limit int) (*RetrySummary, error) {
	if limit <= 0 {
		limit = 20
	}
	expenses, err := s.Expenses.ListByStatus(ctx, []string{entity.StatusApproved, entity.StatusAutoApproved}, limit)
	if err != nil {
		return nil, fmt.Errorf("list unpaid approved expenses: %w", err)
	}

	summary := &RetrySummary{}
	for _, exp := range expenses {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		summary.Attempted++
		if _, err := s.Settle(ctx, exp.ID, s.cfg.AgentName); err != nil {
			if errors.Is(err, apperr.ErrConflict) {
				summary.Attempted--
				continue
			}
			summary.Failed++
			continue
		}
		summary.Settled++
	}

	if summary.Attempted > 0 {
		s.Logger.Info("Settlement retry sweep finished", "attempted", summary.Attempted, "settled", summary.Settled, "failed", summary.Failed)
	}
	return summary, nil
}
