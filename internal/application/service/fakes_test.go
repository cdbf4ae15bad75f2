package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/garyjia/expense-approval/internal/ai"
	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/internal/application/workflow"
	"github.com/garyjia/expense-approval/internal/domain/apperr"
	"github.com/garyjia/expense-approval/internal/domain/entity"
	"github.com/garyjia/expense-approval/pkg/resilience"
	"github.com/garyjia/expense-approval/pkg/syncutil"
)

// memStore backs every fake repository with one mutex-guarded set of maps

type memStore struct {
	mu          sync.Mutex
	expenses    map[string]*entity.Expense
	steps       map[string][]*entity.ApprovalStep
	rules       map[int64]*entity.ApprovalRule
	audit       []*entity.AuditEntry
	settlements map[string]*entity.Settlement
	spend       map[string]int64
	nextID      int64
}

func newMemStore() *memStore {
	return &memStore{
		expenses:    make(map[string]*entity.Expense),
		steps:       make(map[string][]*entity.ApprovalStep),
		rules:       make(map[int64]*entity.ApprovalRule),
		settlements: make(map[string]*entity.Settlement),
		spend:       make(map[string]int64),
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

type memExpenses struct{ *memStore }

func (r memExpenses) Create(ctx context.Context, exp *entity.Expense) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.expenses[exp.ID]; ok {
		return fmt.Errorf("duplicate expense %s", exp.ID)
	}
	cp := *exp
	r.expenses[exp.ID] = &cp
	return nil
}

func (r memExpenses) GetByID(ctx context.Context, id string) (*entity.Expense, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exp, ok := r.expenses[id]
	if !ok {
		return nil, apperr.NotFound("expenses.GetByID", "expense %s not found", id)
	}
	cp := *exp
	return &cp, nil
}

func (r memExpenses) Update(ctx context.Context, exp *entity.Expense) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.expenses[exp.ID]; !ok {
		return apperr.NotFound("expenses.Update", "expense %s not found", exp.ID)
	}
	cp := *exp
	r.expenses[exp.ID] = &cp
	return nil
}

func (r memExpenses) all(match func(*entity.Expense) bool) []*entity.Expense {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entity.Expense
	for _, exp := range r.expenses {
		if match(exp) {
			cp := *exp
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

func (r memExpenses) List(ctx context.Context, f entity.ExpenseFilter) ([]*entity.Expense, error) {
	return r.all(func(e *entity.Expense) bool {
		return (f.Status == "" || e.Status == f.Status) && (f.EmployeeID == "" || e.EmployeeID == f.EmployeeID)
	}), nil
}

func (r memExpenses) ListByStatus(ctx context.Context, statuses []string, limit int) ([]*entity.Expense, error) {
	want := make(map[string]bool)
	for _, s := range statuses {
		want[s] = true
	}
	out := r.all(func(e *entity.Expense) bool { return want[e.Status] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memExpenses) RecentByEmployee(ctx context.Context, employeeID string, since time.Time, limit int) ([]*entity.Expense, error) {
	return r.all(func(e *entity.Expense) bool {
		return e.EmployeeID == employeeID && !e.SubmittedAt.Before(since)
	}), nil
}

func (r memExpenses) UnpaidApprovedCents(ctx context.Context, employeeID, month string) (int64, error) {
	var total int64
	for _, e := range r.all(func(e *entity.Expense) bool {
		return e.EmployeeID == employeeID && e.SpendMonth() == month &&
			(e.Status == entity.StatusApproved || e.Status == entity.StatusAutoApproved)
	}) {
		total += e.AmountCents
	}
	return total, nil
}

func (r memExpenses) Stats(ctx context.Context) (*entity.ExpenseStats, error) {
	stats := &entity.ExpenseStats{ByStatus: make(map[string]int)}
	for _, e := range r.all(func(*entity.Expense) bool { return true }) {
		stats.Total++
		stats.ByStatus[e.Status]++
		stats.TotalAmountCents += e.AmountCents
	}
	return stats, nil
}

type memSteps struct{ *memStore }

func (r memSteps) CreateBatch(ctx context.Context, steps []*entity.ApprovalStep) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range steps {
		for _, existing := range r.steps[st.ExpenseID] {
			if existing.StepOrder == st.StepOrder {
				return fmt.Errorf("duplicate step %s/%d", st.ExpenseID, st.StepOrder)
			}
		}
		st.ID = r.id()
		cp := *st
		r.steps[st.ExpenseID] = append(r.steps[st.ExpenseID], &cp)
	}
	return nil
}

func (r memSteps) Get(ctx context.Context, expenseID string, order int) (*entity.ApprovalStep, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.steps[expenseID] {
		if st.StepOrder == order {
			cp := *st
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("steps.Get", "step %d not found", order)
}

func (r memSteps) ListByExpense(ctx context.Context, expenseID string) ([]*entity.ApprovalStep, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*entity.ApprovalStep, 0, len(r.steps[expenseID]))
	for _, st := range r.steps[expenseID] {
		cp := *st
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
	return out, nil
}

func (r memSteps) Update(ctx context.Context, step *entity.ApprovalStep) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, st := range r.steps[step.ExpenseID] {
		if st.StepOrder == step.StepOrder {
			cp := *step
			r.steps[step.ExpenseID][i] = &cp
			return nil
		}
	}
	return apperr.NotFound("steps.Update", "step %d not found", step.StepOrder)
}

func (r memSteps) ShiftFrom(ctx context.Context, expenseID string, fromOrder int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.steps[expenseID] {
		if st.StepOrder >= fromOrder {
			st.StepOrder++
		}
	}
	return nil
}

func (r memSteps) ListPending(ctx context.Context, approverID string, roles []entity.ApproverRole) ([]*entity.ApprovalStep, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entity.ApprovalStep
	for _, list := range r.steps {
		for _, st := range list {
			if st.Status != entity.StepPending {
				continue
			}
			match := st.ApproverID == approverID
			if st.ApproverID == "" {
				for _, role := range roles {
					if role == st.ApproverRole {
						match = true
					}
				}
			}
			if match {
				cp := *st
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

type memRules struct{ *memStore }

func (r memRules) Create(ctx context.Context, rule *entity.ApprovalRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rule.ID == 0 {
		rule.ID = r.id()
	}
	cp := *rule
	r.rules[rule.ID] = &cp
	return nil
}

func (r memRules) GetByID(ctx context.Context, id int64) (*entity.ApprovalRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rule, ok := r.rules[id]
	if !ok {
		return nil, apperr.NotFound("rules.GetByID", "rule %d not found", id)
	}
	cp := *rule
	return &cp, nil
}

func (r memRules) Update(ctx context.Context, rule *entity.ApprovalRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rule
	r.rules[rule.ID] = &cp
	return nil
}

func (r memRules) Delete(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rules, id)
	return nil
}

func (r memRules) List(ctx context.Context, activeOnly bool) ([]*entity.ApprovalRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entity.ApprovalRule
	for _, rule := range r.rules {
		if activeOnly && !rule.Active {
			continue
		}
		cp := *rule
		out = append(out, &cp)
	}
	return out, nil
}

type memAudit struct{ *memStore }

func (r memAudit) Append(ctx context.Context, entry *entity.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry.ID = r.id()
	cp := *entry
	r.audit = append(r.audit, &cp)
	return nil
}

func (r memAudit) Query(ctx context.Context, f entity.AuditFilter) ([]*entity.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entity.AuditEntry
	for _, e := range r.audit {
		if f.ExpenseID != "" && e.ExpenseID != f.ExpenseID {
			continue
		}
		if f.Actor != "" && e.Actor != f.Actor {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (r memAudit) Stats(ctx context.Context, f entity.AuditFilter, agent string) (*entity.AuditStats, error) {
	entries, _ := r.Query(ctx, f)
	stats := &entity.AuditStats{ByAction: make(map[entity.AuditAction]int)}
	for _, e := range entries {
		stats.TotalActions++
		stats.ByAction[e.Action]++
		if e.Actor == agent {
			stats.AgentActions++
		} else {
			stats.HumanActions++
		}
		if e.IsOnChain() {
			stats.OnChainRecords++
		}
	}
	return stats, nil
}

func (m *memStore) actions(expenseID string) []entity.AuditAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []entity.AuditAction
	for _, e := range m.audit {
		if e.ExpenseID == expenseID {
			out = append(out, e.Action)
		}
	}
	return out
}

type memSettlements struct{ *memStore }

func (r memSettlements) Get(ctx context.Context, expenseID string) (*entity.Settlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.settlements[expenseID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (r memSettlements) Begin(ctx context.Context, expenseID, memo string) (*entity.Settlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.settlements[expenseID]
	if !ok {
		rec = &entity.Settlement{ExpenseID: expenseID, CreatedAt: time.Now()}
		r.settlements[expenseID] = rec
	}
	rec.Status = entity.SettlementInFlight
	rec.TxRef = ""
	rec.Memo = memo
	rec.Attempts++
	rec.UpdatedAt = time.Now().UTC()
	cp := *rec
	return &cp, nil
}

func (r memSettlements) AttachTxRef(ctx context.Context, expenseID, txRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.settlements[expenseID]; ok {
		rec.TxRef = txRef
		rec.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (r memSettlements) MarkConfirmed(ctx context.Context, expenseID, txRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.settlements[expenseID]
	if !ok {
		rec = &entity.Settlement{ExpenseID: expenseID}
		r.settlements[expenseID] = rec
	}
	rec.Status = entity.SettlementConfirmed
	rec.TxRef = txRef
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (r memSettlements) MarkFailed(ctx context.Context, expenseID, status, txRef, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.settlements[expenseID]
	if !ok {
		rec = &entity.Settlement{ExpenseID: expenseID}
		r.settlements[expenseID] = rec
	}
	rec.Status = status
	rec.TxRef = txRef
	rec.LastError = lastError
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// backdate ages a settlement record as if it was last touched d ago
func (r memSettlements) backdate(expenseID string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.settlements[expenseID]; ok {
		rec.UpdatedAt = rec.UpdatedAt.Add(-d)
	}
}

type memSpend struct{ *memStore }

func (r memSpend) Add(ctx context.Context, employeeID, month string, cents int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spend[employeeID+"/"+month] += cents
	return nil
}

func (r memSpend) Get(ctx context.Context, employeeID, month string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spend[employeeID+"/"+month], nil
}

// passthroughTx runs fn inline; like BeginTx it refuses a cancelled context
type passthroughTx struct{}

func (passthroughTx) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

// fakeDirectory is a fixed org chart

type fakeDirectory struct {
	employees map[string]*entity.Employee
	failRoles bool
}

func newFakeDirectory() *fakeDirectory {
	emps := []*entity.Employee{
		{ID: "E001", Name: "Ana", Department: "engineering", Role: entity.RoleEmployee, ManagerID: "M001", WalletAddress: "0x00000000000000000000000000000000000000e1"},
		{ID: "M001", Name: "Mo", Department: "engineering", Role: entity.RoleManager, ManagerID: "D001", WalletAddress: "0x00000000000000000000000000000000000000a1"},
		{ID: "D001", Name: "Dee", Department: "engineering", Role: entity.RoleDepartmentHead, ManagerID: "V001"},
		{ID: "V001", Name: "Vic", Department: "executive", Role: entity.RoleVP, ManagerID: "C001"},
		{ID: "C001", Name: "Cy", Department: "executive", Role: entity.RoleCFO},
		{ID: "F001", Name: "Fay", Department: "finance", Role: entity.RoleFinance, ManagerID: "C001"},
		{ID: "A001", Name: "Adm", Department: "it", Role: entity.RoleAdmin},
		{ID: "N001", Name: "Nobody", Department: "engineering", Role: entity.RoleEmployee, ManagerID: "M001"},
	}
	d := &fakeDirectory{employees: make(map[string]*entity.Employee)}
	for _, e := range emps {
		d.employees[e.ID] = e
	}
	return d
}

func (d *fakeDirectory) GetEmployee(ctx context.Context, id string) (*entity.Employee, error) {
	emp, ok := d.employees[id]
	if !ok {
		return nil, apperr.NotFound("directory.GetEmployee", "employee %s not found", id)
	}
	cp := *emp
	return &cp, nil
}

func (d *fakeDirectory) GetManager(ctx context.Context, employeeID string) (*entity.Employee, error) {
	emp, ok := d.employees[employeeID]
	if !ok || emp.ManagerID == "" {
		return nil, nil
	}
	return d.GetEmployee(ctx, emp.ManagerID)
}

func (d *fakeDirectory) ResolveRole(ctx context.Context, role entity.Role, department string) (*entity.Employee, error) {
	if d.failRoles {
		return nil, errors.New("directory unavailable")
	}
	var fallback *entity.Employee
	for _, id := range []string{"A001", "C001", "D001", "E001", "F001", "M001", "N001", "V001"} {
		emp := d.employees[id]
		if emp.Role != role {
			continue
		}
		if emp.Department == department {
			return d.GetEmployee(ctx, id)
		}
		if fallback == nil {
			fallback = emp
		}
	}
	if fallback == nil {
		return nil, nil
	}
	return d.GetEmployee(ctx, fallback.ID)
}

// fakeLedger counts transfers and can be told to fail. signRef is handed to
// OnSigned before a failing call returns; afterTransfer runs once a transfer
// confirmed.

type fakeLedger struct {
	mu            sync.Mutex
	transfers     int32
	failWith      error
	signRef       string
	afterTransfer func()
	book          map[string]port.TxStatus
	delay         time.Duration
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{book: make(map[string]port.TxStatus)}
}

func (l *fakeLedger) TransferWithMemo(ctx context.Context, req port.TransferRequest) (*port.TransferResult, error) {
	atomic.AddInt32(&l.transfers, 1)
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	l.mu.Lock()
	if l.failWith != nil {
		err, ref := l.failWith, l.signRef
		l.mu.Unlock()
		if ref != "" && req.OnSigned != nil {
			req.OnSigned(ref)
		}
		return nil, err
	}
	ref := fmt.Sprintf("0xtx%04d", len(l.book)+1)
	l.book[ref] = port.TxConfirmed
	after := l.afterTransfer
	l.mu.Unlock()

	if req.OnSigned != nil {
		req.OnSigned(ref)
	}
	if after != nil {
		after()
	}
	return &port.TransferResult{TxRef: ref, Status: port.TxConfirmed}, nil
}

func (l *fakeLedger) GetTransaction(ctx context.Context, txRef string) (port.TxStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	status, ok := l.book[txRef]
	if !ok {
		return port.TxNotFound, nil
	}
	return status, nil
}

func (l *fakeLedger) calls() int {
	return int(atomic.LoadInt32(&l.transfers))
}

// stubRisk returns a fixed risk score

type stubRisk struct{ score float64 }

func (s stubRisk) Score(ctx context.Context, in ai.ScoreInput) ai.Assessment {
	return ai.Assessment{
		RiskScore:    s.score,
		AnomalyScore: s.score / 2,
		RiskLevel:    ai.RiskLevel(s.score),
		AICategory:   in.Expense.Category,
		Breakdown:    map[string]float64{"stub": s.score},
		ModelUsed:    "stub",
	}
}

// harness wires real services over the fakes

type harness struct {
	store      *memStore
	directory  *fakeDirectory
	ledger     *fakeLedger
	audit      AuditService
	engine     workflow.Engine
	settlement SettlementService
	approvals  ApprovalService
	expenses   ExpenseService
	rules      RuleService
	router     ApprovalRouter
}

func newHarness(t *testing.T, risk float64) *harness {
	t.Helper()

	store := newMemStore()
	directory := newFakeDirectory()
	ledger := newFakeLedger()
	locker := syncutil.NewKeyedMutex()

	audit := NewAuditService(memAudit{store}, nil, "AgentFin", nil)
	engine := workflow.NewEngine(memExpenses{store}, audit)
	settlement := NewSettlementService(SettlementDeps{
		Expenses:     memExpenses{store},
		StepRepo:     memSteps{store},
		Settlements:  memSettlements{store},
		MonthlySpend: memSpend{store},
		TxManager:    passthroughTx{},
		Directory:    directory,
		Ledger:       ledger,
		Engine:       engine,
		Audit:        audit,
		Locker:       locker,
		Breaker:      resilience.NewBreaker("ledger-test", 100, time.Second),
	}, SettlementConfig{AgentName: "AgentFin", MaxAttempts: 2, BaseDelay: time.Millisecond, CallTimeout: time.Second})

	router := NewApprovalRouter(memRules{store}, directory, nil)
	approvals := NewApprovalService(ApprovalDeps{
		Expenses:   memExpenses{store},
		StepRepo:   memSteps{store},
		TxManager:  passthroughTx{},
		Directory:  directory,
		Engine:     engine,
		Audit:      audit,
		Settlement: settlement,
		Locker:     locker,
	})

	decisions, err := ai.NewDecisionEngine(ai.DefaultThresholds())
	if err != nil {
		t.Fatalf("NewDecisionEngine: %v", err)
	}

	expenses := NewExpenseService(ExpenseDeps{
		Expenses:     memExpenses{store},
		StepRepo:     memSteps{store},
		Settlements:  memSettlements{store},
		MonthlySpend: memSpend{store},
		TxManager:    passthroughTx{},
		Directory:    directory,
		Risk:         stubRisk{score: risk},
		Policy:       ai.NewPolicyChecker(ai.DefaultPolicyLimits()),
		Decisions:    decisions,
		Engine:       engine,
		Router:       router,
		Audit:        audit,
		Settlement:   settlement,
		Locker:       locker,
	}, ExpenseConfig{AgentName: "AgentFin", BatchParallelism: 4})

	return &harness{
		store:      store,
		directory:  directory,
		ledger:     ledger,
		audit:      audit,
		engine:     engine,
		settlement: settlement,
		approvals:  approvals,
		expenses:   expenses,
		rules:      NewRuleService(memRules{store}, nil, nil),
		router:     router,
	}
}

func (h *harness) employee(id string) *entity.Employee {
	emp, _ := h.directory.GetEmployee(context.Background(), id)
	return emp
}

func (h *harness) addRule(rule *entity.ApprovalRule) *entity.ApprovalRule {
	_ = memRules{h.store}.Create(context.Background(), rule)
	return rule
}

// seedExpense stores an expense directly in the given status
func (h *harness) seedExpense(id, status string, amountCents int64) *entity.Expense {
	now := time.Now().UTC()
	exp := &entity.Expense{
		ID:          id,
		EmployeeID:  "E001",
		AmountCents: amountCents,
		Category:    entity.CategoryMeals,
		Merchant:    "Cafe",
		HasReceipt:  true,
		SubmittedAt: now,
		Status:      status,
		RiskScore:   0.2,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_ = memExpenses{h.store}.Create(context.Background(), exp)
	return exp
}

func ptrTo[T any](v T) *T { return &v }
