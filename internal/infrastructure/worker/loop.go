package worker

import (
	"context"
	"fmt"
	"sync"
)

// Loop runs a blocking function as a worker. run must return when its
// context is cancelled.
type Loop struct {
	name string
	run  func(ctx context.Context)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLoop wraps run as a named worker
func NewLoop(name string, run func(ctx context.Context)) *Loop {
	return &Loop{name: name, run: run}
}

func (l *Loop) Name() string { return l.name }

func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return fmt.Errorf("%s already running", l.name)
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		l.run(ctx)
	}(l.done)
	return nil
}

func (l *Loop) Stop() error {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel = nil
	l.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}
