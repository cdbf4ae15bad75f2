package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/garyjia/expense-approval/internal/application/service"
)

type mockRetrier struct {
	calls   atomic.Int32
	limit   atomic.Int32
	summary service.RetrySummary
	err     error
}

func (m *mockRetrier) RetryPending(ctx context.Context, limit int) (*service.RetrySummary, error) {
	m.calls.Add(1)
	m.limit.Store(int32(limit))
	if m.err != nil {
		return nil, m.err
	}
	s := m.summary
	return &s, nil
}

type stubWorker struct {
	name     string
	startErr error
	stopErr  error
	started  bool
	stopped  bool
}

func (s *stubWorker) Start(ctx context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.started = true
	return nil
}

func (s *stubWorker) Stop() error {
	s.stopped = true
	return s.stopErr
}

func (s *stubWorker) Name() string { return s.name }

func TestSettlementWorker_SweepsOnTickAndTrigger(t *testing.T) {
	retrier := &mockRetrier{summary: service.RetrySummary{Attempted: 2, Settled: 1, Failed: 1}}
	w := NewSettlementWorker(SettlementWorkerConfig{Interval: time.Hour, BatchSize: 7}, retrier, zap.NewNop())

	require.NoError(t, w.Start(context.Background()))
	assert.Error(t, w.Start(context.Background()))

	w.Trigger()
	require.Eventually(t, func() bool { return w.Stats().Sweeps == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, w.Stop())

	stats := w.Stats()
	assert.Equal(t, 2, stats.Attempted)
	assert.Equal(t, 1, stats.Settled)
	assert.Equal(t, int32(7), retrier.limit.Load())
	require.NoError(t, w.Stop())
}

func TestSettlementWorker_RecordsErrors(t *testing.T) {
	retrier := &mockRetrier{err: errors.New("database is locked")}
	w := NewSettlementWorker(SettlementWorkerConfig{Interval: 5 * time.Millisecond}, retrier, zap.NewNop())

	require.NoError(t, w.Start(context.Background()))
	require.Eventually(t, func() bool { return retrier.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, w.Stop())
	assert.Equal(t, "database is locked", w.Stats().LastError)
}

func TestManager_StartsAndStopsTogether(t *testing.T) {
	m := NewManager(zap.NewNop())
	ok := &stubWorker{name: "ok"}
	broken := &stubWorker{name: "broken", startErr: errors.New("boom")}
	failingStop := &stubWorker{name: "stop", stopErr: errors.New("stuck")}
	m.Register(ok)
	m.Register(broken)
	m.Register(failingStop)
	assert.Equal(t, 3, m.Count())

	require.NoError(t, m.StartAll(context.Background()))
	assert.True(t, m.IsRunning())
	assert.Error(t, m.StartAll(context.Background()))

	err := m.StopAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stop: stuck")
	assert.True(t, ok.stopped)
	assert.False(t, broken.stopped)
	assert.False(t, m.IsRunning())
	assert.NoError(t, m.StopAll())
}

func TestLoop_StopWaitsForRunToReturn(t *testing.T) {
	var exited atomic.Bool
	loop := NewLoop("feed", func(ctx context.Context) {
		<-ctx.Done()
		exited.Store(true)
	})

	require.NoError(t, loop.Start(context.Background()))
	assert.Error(t, loop.Start(context.Background()))
	require.NoError(t, loop.Stop())
	assert.True(t, exited.Load())
	assert.NoError(t, loop.Stop())
}
