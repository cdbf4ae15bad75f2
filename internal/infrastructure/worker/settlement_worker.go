package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/expense-approval/internal/application/service"
)

// SettlementRetrier is the part of the settlement service the worker drives
type SettlementRetrier interface {
	RetryPending(ctx context.Context, limit int) (*service.RetrySummary, error)
}

// SettlementWorkerConfig holds configuration for the settlement retry worker
type SettlementWorkerConfig struct {
	Interval     time.Duration
	BatchSize    int
	SweepTimeout time.Duration
}

// DefaultSettlementWorkerConfig returns default configuration
func DefaultSettlementWorkerConfig() SettlementWorkerConfig {
	return SettlementWorkerConfig{
		Interval:     time.Minute,
		BatchSize:    20,
		SweepTimeout: 5 * time.Minute,
	}
}

// SettlementStats is a snapshot of the worker's counters
type SettlementStats struct {
	Sweeps    int       `json:"sweeps"`
	Attempted int       `json:"attempted"`
	Settled   int       `json:"settled"`
	Failed    int       `json:"failed"`
	LastSweep time.Time `json:"last_sweep"`
	LastError string    `json:"last_error,omitempty"`
}

// SettlementWorker periodically settles approved expenses that are still
// unpaid, e.g. after a ledger outage. Settlement reconciles in-flight
// transfers before sending anything new.
type SettlementWorker struct {
	cfg     SettlementWorkerConfig
	retrier SettlementRetrier
	logger  *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stats   SettlementStats
	trigger chan struct{}
}

// NewSettlementWorker creates the retry worker
func NewSettlementWorker(cfg SettlementWorkerConfig, retrier SettlementRetrier, logger *zap.Logger) *SettlementWorker {
	def := DefaultSettlementWorkerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = def.SweepTimeout
	}
	return &SettlementWorker{
		cfg:     cfg,
		retrier: retrier,
		logger:  logger,
		trigger: make(chan struct{}, 1),
	}
}

// Name returns the worker name for identification
func (w *SettlementWorker) Name() string {
	return "SettlementWorker"
}

// Start begins the sweep loop
func (w *SettlementWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return fmt.Errorf("settlement worker already running")
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.loop(ctx, w.done)

	w.logger.Info("SettlementWorker started",
		zap.Duration("interval", w.cfg.Interval), zap.Int("batch_size", w.cfg.BatchSize))
	return nil
}

// Stop cancels the loop and waits for an in-progress sweep to finish
func (w *SettlementWorker) Stop() error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel = nil
	w.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	stats := w.Stats()
	w.logger.Info("SettlementWorker stopped",
		zap.Int("sweeps", stats.Sweeps), zap.Int("settled", stats.Settled), zap.Int("failed", stats.Failed))
	return nil
}

// Trigger requests a sweep without waiting for the next tick
func (w *SettlementWorker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Stats returns a snapshot of the counters
func (w *SettlementWorker) Stats() SettlementStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *SettlementWorker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.trigger:
		}
		w.sweep(ctx)
	}
}

func (w *SettlementWorker) sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.SweepTimeout)
	defer cancel()

	summary, err := w.retrier.RetryPending(ctx, w.cfg.BatchSize)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.stats.Sweeps++
	w.stats.LastSweep = time.Now()
	if err != nil {
		w.stats.LastError = err.Error()
		w.logger.Error("Settlement sweep failed", zap.Error(err))
		return
	}
	w.stats.LastError = ""
	w.stats.Attempted += summary.Attempted
	w.stats.Settled += summary.Settled
	w.stats.Failed += summary.Failed
	if summary.Attempted > 0 {
		w.logger.Info("Settlement sweep completed",
			zap.Int("attempted", summary.Attempted),
			zap.Int("settled", summary.Settled),
			zap.Int("failed", summary.Failed))
	}
}
