package container

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/garyjia/expense-approval/internal/ai"
	"github.com/garyjia/expense-approval/internal/application/dispatcher"
	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/internal/application/service"
	"github.com/garyjia/expense-approval/internal/application/workflow"
	"github.com/garyjia/expense-approval/internal/domain/event"
	"github.com/garyjia/expense-approval/internal/infrastructure/export"
	"github.com/garyjia/expense-approval/internal/infrastructure/external/lark"
	"github.com/garyjia/expense-approval/internal/infrastructure/external/ledger"
	"github.com/garyjia/expense-approval/internal/infrastructure/external/openai"
	"github.com/garyjia/expense-approval/internal/infrastructure/external/receipt"
	"github.com/garyjia/expense-approval/internal/infrastructure/persistence/repository"
	"github.com/garyjia/expense-approval/internal/infrastructure/persistence/sqlite"
	"github.com/garyjia/expense-approval/internal/metrics"
	"github.com/garyjia/expense-approval/pkg/database"
	"github.com/garyjia/expense-approval/pkg/resilience"
	"github.com/garyjia/expense-approval/pkg/syncutil"
)

// DatabaseBundle holds database-related components.
type DatabaseBundle struct {
	SqlDB          *database.DB
	TransactionMgr *sqlite.DB
}

// ExternalBundle holds adapters for systems outside the process.
type ExternalBundle struct {
	Ledger   port.Ledger
	closer   func()
	Parser   port.TextParser
	Receipts port.ReceiptReader
	Notifier port.Notifier
	Exporter port.AuditExporter
}

// ProvideDatabase opens the database and applies pending migrations.
func ProvideDatabase(ctx context.Context, cfg *database.Config, logger *zap.Logger) (*DatabaseBundle, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	db, err := database.New(*cfg, logger)
	if err != nil {
		return nil, err
	}

	if err := database.NewMigrator(db.DB, logger).Up(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DatabaseBundle{
		SqlDB:          db,
		TransactionMgr: sqlite.NewDB(db.DB, logger),
	}, nil
}

// ProvideRepositories creates all repositories from a database connection.
func ProvideRepositories(sqlDB *sql.DB, logger *zap.Logger) (*RepositoryBundle, error) {
	if sqlDB == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	return &RepositoryBundle{
		Expense:      repository.NewExpenseRepository(sqlDB, logger),
		Step:         repository.NewStepRepository(sqlDB, logger),
		Rule:         repository.NewRuleRepository(sqlDB, logger),
		Audit:        repository.NewAuditRepository(sqlDB, logger),
		Settlement:   repository.NewSettlementRepository(sqlDB, logger),
		MonthlySpend: repository.NewSpendRepository(sqlDB, logger),
		Directory:    repository.NewEmployeeRepository(sqlDB, logger),
	}, nil
}

// ProvideLedger builds the configured ledger wrapped with latency metrics.
// The returned func releases the ledger's connection.
func ProvideLedger(cfg *LedgerConfig, logger *zap.Logger) (port.Ledger, func(), error) {
	switch cfg.Mode {
	case LedgerEVM:
		evmCfg := cfg.EVM
		if evmCfg.ConfirmTimeout <= 0 {
			evmCfg.ConfirmTimeout = cfg.CallTimeout
		}
		l, err := ledger.NewEVMLedger(evmCfg, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create evm ledger: %w", err)
		}
		logger.Info("Using EVM ledger", zap.String("payer", l.Address().Hex()), zap.Int64("chain_id", evmCfg.ChainID))
		return metrics.InstrumentLedger(l), l.Close, nil
	default:
		logger.Info("Using simulated ledger")
		return metrics.InstrumentLedger(ledger.NewSimulatedLedger(logger)), func() {}, nil
	}
}

// ProvideExternal creates the ledger, parser, receipt reader, notifier and exporter.
func ProvideExternal(cfg *Config, logger *zap.Logger) (*ExternalBundle, error) {
	l, closer, err := ProvideLedger(&cfg.Ledger, logger)
	if err != nil {
		return nil, err
	}

	var parser port.TextParser = ai.NewHeuristicParser()
	if cfg.OpenAI.APIKey != "" {
		prompts, err := openai.LoadPrompts(cfg.OpenAI.PromptsPath)
		if err != nil {
			closer()
			return nil, fmt.Errorf("failed to load prompts: %w", err)
		}
		parser = openai.NewParser(cfg.OpenAI.APIKey, cfg.OpenAI.Model, cfg.OpenAI.Timeout, prompts, parser, logger)
		logger.Info("Text parsing uses OpenAI", zap.String("model", cfg.OpenAI.Model))
	}

	var sender lark.MessageSender = lark.NewLogSender(logger)
	if cfg.Lark.Enabled() {
		sender = lark.NewSDKSender(cfg.Lark, logger)
		logger.Info("Approver notifications use Lark IM")
	}

	return &ExternalBundle{
		Ledger:   l,
		closer:   closer,
		Parser:   parser,
		Receipts: receipt.NewReader(cfg.Receipt.MaxPages, logger),
		Notifier: lark.NewNotifier(sender, logger),
		Exporter: export.NewXLSXExporter(cfg.Ledger.ExplorerURL, logger),
	}, nil
}

// ProvideRiskModel loads the amount model. A missing artifact degrades the
// model to heuristics; a malformed one is an error.
func ProvideRiskModel(cfg *RiskConfig, logger *zap.Logger) (ai.RiskModel, error) {
	if cfg.ModelPath == "" {
		logger.Warn("No amount model configured, risk scores will be degraded")
		return ai.NewEnsemble(nil, logger), nil
	}
	model, err := ai.LoadLogisticModel(cfg.ModelPath)
	if errors.Is(err, os.ErrNotExist) {
		logger.Warn("Amount model not found, risk scores will be degraded", zap.String("path", cfg.ModelPath))
		return ai.NewEnsemble(nil, logger), nil
	}
	if err != nil {
		return nil, err
	}
	logger.Info("Amount model loaded", zap.String("version", model.Version()))
	return ai.NewEnsemble(model, logger), nil
}

// ProvideDispatcher creates the event dispatcher.
func ProvideDispatcher(logger *zap.Logger) (dispatcher.Dispatcher, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return dispatcher.NewDispatcher(
		dispatcher.WithLogger(&zapLoggerAdapter{logger: logger.Named("dispatcher")}),
	), nil
}

// ServiceDeps holds dependencies required for creating services.
type ServiceDeps struct {
	Config     *Config
	Repos      *RepositoryBundle
	TxManager  port.TransactionManager
	External   *ExternalBundle
	Risk       ai.RiskModel
	Dispatcher dispatcher.Dispatcher
	Logger     *zap.Logger
}

// ProvideServices wires the application services around one workflow
// engine, one lock table and one ledger circuit breaker.
func ProvideServices(deps *ServiceDeps) (*ServiceBundle, error) {
	if deps == nil || deps.Repos == nil || deps.External == nil {
		return nil, fmt.Errorf("service dependencies are required")
	}
	cfg := deps.Config
	log := &zapLoggerAdapter{logger: deps.Logger.Named("service")}

	decisions, err := ai.NewDecisionEngine(cfg.Thresholds)
	if err != nil {
		return nil, err
	}

	locks := syncutil.NewKeyedMutex()
	breaker := resilience.NewBreaker("ledger", cfg.Ledger.BreakerThreshold, cfg.Ledger.BreakerOpen)

	audit := service.NewAuditService(deps.Repos.Audit, deps.External.Exporter, cfg.AgentName, log)
	engine := workflow.NewEngine(deps.Repos.Expense, audit, workflow.WithDispatcher(deps.Dispatcher))

	settlement := service.NewSettlementService(service.SettlementDeps{
		Expenses:     deps.Repos.Expense,
		StepRepo:     deps.Repos.Step,
		Settlements:  deps.Repos.Settlement,
		MonthlySpend: deps.Repos.MonthlySpend,
		TxManager:    deps.TxManager,
		Directory:    deps.Repos.Directory,
		Ledger:       deps.External.Ledger,
		Engine:       engine,
		Audit:        audit,
		Dispatcher:   deps.Dispatcher,
		Locker:       locks,
		Breaker:      breaker,
		Logger:       log,
	}, service.SettlementConfig{
		AgentName:     cfg.AgentName,
		CallTimeout:   cfg.Ledger.CallTimeout,
		MaxAttempts:   cfg.Ledger.MaxAttempts,
		BaseDelay:     cfg.Ledger.BaseDelay,
		NotFoundGrace: cfg.Ledger.NotFoundGrace,
	})

	router := service.NewApprovalRouter(deps.Repos.Rule, deps.Repos.Directory, log)

	approvals := service.NewApprovalService(service.ApprovalDeps{
		Expenses:   deps.Repos.Expense,
		StepRepo:   deps.Repos.Step,
		TxManager:  deps.TxManager,
		Directory:  deps.Repos.Directory,
		Engine:     engine,
		Audit:      audit,
		Settlement: settlement,
		Dispatcher: deps.Dispatcher,
		Locker:     locks,
		Logger:     log,
	})

	expenses := service.NewExpenseService(service.ExpenseDeps{
		Expenses:     deps.Repos.Expense,
		StepRepo:     deps.Repos.Step,
		Settlements:  deps.Repos.Settlement,
		MonthlySpend: deps.Repos.MonthlySpend,
		TxManager:    deps.TxManager,
		Directory:    deps.Repos.Directory,
		Parser:       deps.External.Parser,
		Receipts:     deps.External.Receipts,
		Risk:         deps.Risk,
		Policy:       ai.NewPolicyChecker(cfg.Policy),
		Decisions:    decisions,
		Engine:       engine,
		Router:       router,
		Audit:        audit,
		Settlement:   settlement,
		Dispatcher:   deps.Dispatcher,
		Locker:       locks,
		Logger:       log,
	}, service.ExpenseConfig{
		AgentName:        cfg.AgentName,
		BatchSize:        cfg.Settlement.BatchSize,
		BatchParallelism: cfg.Settlement.Parallelism,
	})

	return &ServiceBundle{
		Expense:    expenses,
		Approval:   approvals,
		Rule:       service.NewRuleService(deps.Repos.Rule, deps.Dispatcher, log),
		Audit:      audit,
		Settlement: settlement,
		Notification: service.NewNotificationService(
			deps.Repos.Expense,
			deps.Repos.Step,
			deps.Repos.Directory,
			deps.External.Notifier,
			log,
		),
		Breaker: breaker,
	}, nil
}

// RegisterEventHandlers subscribes notification and metrics handlers.
func RegisterEventHandlers(d dispatcher.Dispatcher, services *ServiceBundle) {
	d.SubscribeNamed(event.TypeStepPending, "notify_approver", services.Notification.HandleStepPending)
	d.SubscribeNamed(event.TypeStatusChanged, "notify_submitter", services.Notification.HandleStatusChanged)
	d.SubscribeNamed(event.TypeExpenseSettled, "notify_paid", services.Notification.HandleSettled)
	metrics.Subscribe(d)
}
