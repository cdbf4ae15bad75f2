package container

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/expense-approval/internal/application/dispatcher"
	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/internal/application/service"
	"github.com/garyjia/expense-approval/internal/infrastructure/persistence/sqlite"
	"github.com/garyjia/expense-approval/internal/infrastructure/worker"
	"github.com/garyjia/expense-approval/internal/interfaces/websocket"
	"github.com/garyjia/expense-approval/internal/metrics"
	"github.com/garyjia/expense-approval/internal/tracing"
	"github.com/garyjia/expense-approval/pkg/database"
	"github.com/garyjia/expense-approval/pkg/resilience"
)

// Container manages all application dependencies and lifecycle.
// Initialization is ordered and teardown runs in reverse.
type Container struct {
	config *Config
	logger *zap.Logger

	// Telemetry
	shutdownTracing tracing.ShutdownFunc

	// Infrastructure - Data
	sqlDB        *database.DB
	db           *sqlite.DB
	repositories *RepositoryBundle

	// Infrastructure - External
	external *ExternalBundle

	// Application
	dispatcher dispatcher.Dispatcher
	services   *ServiceBundle
	hub        *websocket.Hub

	// Workers
	workers          *worker.Manager
	settlementWorker *worker.SettlementWorker

	// Lifecycle
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
	ready  atomic.Bool
	closed atomic.Bool
}

// RepositoryBundle groups all repositories for convenient access.
type RepositoryBundle struct {
	Expense      port.ExpenseRepository
	Step         port.ApprovalStepRepository
	Rule         port.ApprovalRuleRepository
	Audit        port.AuditRepository
	Settlement   port.SettlementRepository
	MonthlySpend port.MonthlySpendRepository
	Directory    port.Directory
}

// ServiceBundle groups all application services.
type ServiceBundle struct {
	Expense      service.ExpenseService
	Approval     service.ApprovalService
	Rule         service.RuleService
	Audit        service.AuditService
	Settlement   service.SettlementService
	Notification service.NotificationService
	Breaker      *resilience.Breaker
}

// HealthStatus represents the health of all components.
type HealthStatus struct {
	Overall    bool                       `json:"overall"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth represents health of a single component.
type ComponentHealth struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// NewContainer creates a new container from configuration.
// It does not initialize components - call Start() to initialize.
func NewContainer(cfg *Config, logger *zap.Logger) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Container{
		config: cfg,
		logger: logger,
	}, nil
}

// Start initializes all components and begins processing.
// Components are initialized in dependency order:
// 1. Telemetry
// 2. Database and repositories
// 3. External adapters (ledger, parser, receipts, notifier, exporter)
// 4. Dispatcher and application services
// 5. Event subscribers
// 6. Workers
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("container has been closed")
	}
	if c.ready.Load() {
		return fmt.Errorf("container already started")
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.logger.Info("Starting container initialization")

	steps := []struct {
		name string
		fn   func() error
	}{
		{"telemetry", c.initTelemetry},
		{"database", c.initDatabase},
		{"external adapters", c.initExternal},
		{"services", c.initServices},
		{"event handlers", c.initEventHandlers},
		{"workers", c.initWorkers},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			c.teardown()
			return fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
		c.logger.Info("Initialized", zap.String("component", step.name))
	}

	c.ready.Store(true)
	c.logger.Info("Container started successfully")
	return nil
}

// Close gracefully shuts down all components in reverse order.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("container already closed")
	}

	c.logger.Info("Closing container")
	errs := c.teardown()

	c.closed.Store(true)
	c.ready.Store(false)

	if len(errs) > 0 {
		c.logger.Error("Container closed with errors", zap.Int("error_count", len(errs)))
		return fmt.Errorf("container closed with %d errors", len(errs))
	}

	c.logger.Info("Container closed successfully")
	return nil
}

func (c *Container) teardown() []error {
	var errs []error

	if c.cancel != nil {
		c.cancel()
	}

	if c.workers != nil {
		if err := c.workers.StopAll(); err != nil {
			errs = append(errs, fmt.Errorf("stop workers: %w", err))
		}
		c.workers = nil
	}

	if c.dispatcher != nil {
		if err := c.dispatcher.Close(); err != nil {
			c.logger.Error("Failed to close dispatcher", zap.Error(err))
			errs = append(errs, fmt.Errorf("close dispatcher: %w", err))
		}
		c.dispatcher = nil
	}

	if c.external != nil && c.external.closer != nil {
		c.external.closer()
		c.external = nil
	}

	if c.sqlDB != nil {
		if err := c.sqlDB.Close(); err != nil {
			c.logger.Error("Failed to close database", zap.Error(err))
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
		c.sqlDB = nil
	}

	if c.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.shutdownTracing(ctx); err != nil {
			c.logger.Error("Failed to flush traces", zap.Error(err))
			errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
		}
		cancel()
		c.shutdownTracing = nil
	}

	return errs
}

// Ready returns true when all components are initialized.
func (c *Container) Ready() bool {
	return c.ready.Load()
}

// Health returns health status of all components.
func (c *Container) Health() *HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := &HealthStatus{
		Overall:    true,
		Components: make(map[string]ComponentHealth),
	}
	set := func(name string, healthy bool, msg string) {
		status.Components[name] = ComponentHealth{Healthy: healthy, Message: msg}
		if !healthy {
			status.Overall = false
		}
	}

	if c.sqlDB == nil {
		set("database", false, "not initialized")
	} else if err := c.sqlDB.Ping(); err != nil {
		set("database", false, fmt.Sprintf("ping failed: %v", err))
	} else {
		set("database", true, "")
	}

	if c.workers == nil {
		set("workers", false, "not initialized")
	} else {
		set("workers", c.workers.IsRunning(), fmt.Sprintf("worker count: %d", c.workers.Count()))
	}

	if c.services == nil {
		set("ledger", false, "not initialized")
	} else {
		state := c.services.Breaker.State()
		set("ledger", state != resilience.BreakerOpen, "circuit "+state.String())
	}

	return status
}

func (c *Container) initTelemetry() error {
	shutdown, err := tracing.Init(c.ctx, c.config.Telemetry, c.logger)
	if err != nil {
		return err
	}
	c.shutdownTracing = shutdown
	return nil
}

func (c *Container) initDatabase() error {
	bundle, err := ProvideDatabase(c.ctx, &c.config.Database, c.logger)
	if err != nil {
		return err
	}
	c.sqlDB = bundle.SqlDB
	c.db = bundle.TransactionMgr

	repos, err := ProvideRepositories(c.sqlDB.DB, c.logger)
	if err != nil {
		return err
	}
	c.repositories = repos
	return nil
}

func (c *Container) initExternal() error {
	external, err := ProvideExternal(c.config, c.logger)
	if err != nil {
		return err
	}
	c.external = external
	return nil
}

func (c *Container) initServices() error {
	disp, err := ProvideDispatcher(c.logger)
	if err != nil {
		return err
	}
	c.dispatcher = disp

	risk, err := ProvideRiskModel(&c.config.Risk, c.logger)
	if err != nil {
		return err
	}

	services, err := ProvideServices(&ServiceDeps{
		Config:     c.config,
		Repos:      c.repositories,
		TxManager:  c.db,
		External:   c.external,
		Risk:       risk,
		Dispatcher: c.dispatcher,
		Logger:     c.logger,
	})
	if err != nil {
		return err
	}
	c.services = services
	return nil
}

func (c *Container) initEventHandlers() error {
	RegisterEventHandlers(c.dispatcher, c.services)

	c.hub = websocket.NewHub(c.logger.Named("feed"))
	c.hub.Subscribe(c.dispatcher)
	return nil
}

func (c *Container) initWorkers() error {
	c.workers = worker.NewManager(c.logger.Named("worker"))

	c.settlementWorker = worker.NewSettlementWorker(c.config.Settlement.Worker, c.services.Settlement, c.logger)
	c.workers.Register(c.settlementWorker)
	c.workers.Register(worker.NewLoop("event_feed", c.hub.Run))
	c.workers.Register(worker.NewLoop("db_stats", func(ctx context.Context) {
		metrics.StartDBStatsCollector(ctx, c.sqlDB.DB, 15*time.Second)
	}))

	return c.workers.StartAll(c.ctx)
}

// Getters for accessing container components

// DB returns the transaction manager.
func (c *Container) DB() port.TransactionManager {
	return c.db
}

// Repositories returns all repositories.
func (c *Container) Repositories() *RepositoryBundle {
	return c.repositories
}

// Directory returns the employee directory.
func (c *Container) Directory() port.Directory {
	return c.repositories.Directory
}

// Dispatcher returns the event dispatcher.
func (c *Container) Dispatcher() dispatcher.Dispatcher {
	return c.dispatcher
}

// Services returns all application services.
func (c *Container) Services() *ServiceBundle {
	return c.services
}

// Feed returns the live event hub.
func (c *Container) Feed() *websocket.Hub {
	return c.hub
}

// SettlementWorker returns the retry worker.
func (c *Container) SettlementWorker() *worker.SettlementWorker {
	return c.settlementWorker
}

// Logger returns the container's logger.
func (c *Container) Logger() *zap.Logger {
	return c.logger
}

// Config returns the container's configuration.
func (c *Container) Config() *Config {
	return c.config
}
