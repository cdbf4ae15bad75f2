package syncutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedMutex_MutualExclusion(t *testing.T) {
	km := NewKeyedMutex()
	var (
		active  int32
		maxSeen int32
		wg      sync.WaitGroup
	)

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := km.Lock(context.Background(), "expense:1")
			if err != nil {
				t.Errorf("Lock: %v", err)
				return
			}
			n := atomic.AddInt32(&active, 1)
			for {
				old := atomic.LoadInt32(&maxSeen)
				if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
					break
				}
			}
			time.Sleep(50 * time.Microsecond)
			atomic.AddInt32(&active, -1)
			unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Fatalf("expected at most one holder, saw %d", maxSeen)
	}
	if km.Len() != 0 {
		t.Fatalf("expected entries to be released, got %d", km.Len())
	}
}

func TestKeyedMutex_DistinctKeysDoNotContend(t *testing.T) {
	km := NewKeyedMutex()
	ctx := context.Background()

	unlockA, err := km.Lock(ctx, "employee:7")
	if err != nil {
		t.Fatalf("Lock A: %v", err)
	}
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB, err := km.Lock(ctx, "expense:abc")
		if err == nil {
			unlockB()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestKeyedMutex_ContextCancel(t *testing.T) {
	km := NewKeyedMutex()
	unlock, err := km.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := km.Lock(ctx, "k"); err == nil {
		t.Fatal("expected context error while key is held")
	}

	unlock()
	unlock() // second call is a no-op

	if km.Len() != 0 {
		t.Fatalf("expected no entries, got %d", km.Len())
	}
}

func TestKeyedMutex_TryLock(t *testing.T) {
	km := NewKeyedMutex()
	unlock, ok := km.TryLock("k")
	if !ok {
		t.Fatal("expected TryLock to succeed on a free key")
	}
	if _, ok := km.TryLock("k"); ok {
		t.Fatal("expected TryLock to fail on a held key")
	}
	unlock()
	if _, ok := km.TryLock("k"); !ok {
		t.Fatal("expected TryLock to succeed after release")
	}
}
