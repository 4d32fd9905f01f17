package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"convergio/internal/domain"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	p := New(2, 1)

	var active, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		err := p.Go(context.Background(), ClassInteractive, func() {
			defer wg.Done()
			n := active.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			active.Add(-1)
		})
		if err != nil {
			t.Fatalf("Go: %v", err)
		}
	}
	wg.Wait()

	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestPoolClassesAreIndependent(t *testing.T) {
	p := New(1, 1)

	if err := p.Acquire(context.Background(), ClassInteractive); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Release(ClassInteractive)

	// Interactive being full must not block background work.
	if !p.TryAcquire(ClassBackground) {
		t.Error("background slot unavailable while interactive is full")
	}
	p.Release(ClassBackground)

	if p.TryAcquire(ClassInteractive) {
		t.Error("second interactive slot granted, pool has 1")
	}
}

func TestPoolAcquireCancelled(t *testing.T) {
	p := New(1, 1)
	if err := p.Acquire(context.Background(), ClassInteractive); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Release(ClassInteractive)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Acquire(ctx, ClassInteractive)
	if !errors.Is(err, domain.ErrCancelled) {
		t.Errorf("err = %v, want ErrCancelled", err)
	}
}

func TestPoolGoCancelledNeverRuns(t *testing.T) {
	p := New(1, 1)
	if err := p.Acquire(context.Background(), ClassInteractive); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Release(ClassInteractive)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := atomic.Bool{}
	if err := p.Go(ctx, ClassInteractive, func() { ran.Store(true) }); err == nil {
		t.Fatal("Go succeeded on cancelled context with no free slots")
	}
	time.Sleep(20 * time.Millisecond)
	if ran.Load() {
		t.Error("fn ran despite failed acquisition")
	}
}

func TestPoolDefaultsToOneSlot(t *testing.T) {
	p := New(0, -3)
	if !p.TryAcquire(ClassInteractive) {
		t.Error("expected one interactive slot")
	}
	if p.TryAcquire(ClassInteractive) {
		t.Error("expected exactly one interactive slot")
	}
	p.Release(ClassInteractive)
}
