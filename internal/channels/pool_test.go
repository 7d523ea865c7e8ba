package channels

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testPool(capacity int) *Pool {
	return NewPool(capacity, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestTryAcquireRespectsCapacity(t *testing.T) {
	p := testPool(2)

	if !p.TryAcquire("a") || !p.TryAcquire("b") {
		t.Fatal("acquire on an empty pool failed")
	}
	if p.TryAcquire("c") {
		t.Error("acquire succeeded beyond capacity")
	}
	if got := p.Occupancy(); got != 2 {
		t.Errorf("occupancy = %d, want 2", got)
	}

	p.Release("a")
	if !p.TryAcquire("c") {
		t.Error("acquire failed after a release")
	}
}

func TestTryAcquireSameIDTwice(t *testing.T) {
	p := testPool(2)

	if !p.TryAcquire("a") {
		t.Fatal("first acquire failed")
	}
	if p.TryAcquire("a") {
		t.Error("second acquire for the same id succeeded")
	}
	if got := p.Occupancy(); got != 1 {
		t.Errorf("occupancy = %d, want 1", got)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	p := testPool(1)

	p.TryAcquire("a")
	p.Release("a")
	p.Release("a")
	p.Release("never-held")

	if got := p.Occupancy(); got != 0 {
		t.Errorf("occupancy = %d, want 0", got)
	}
	if !p.TryAcquire("b") {
		t.Error("pool corrupted by repeated releases")
	}
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	p := testPool(1)
	p.TryAcquire("holder")

	acquired := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		acquired <- p.Acquire(ctx, "waiter")
	}()

	// Give the waiter time to queue up.
	deadline := time.After(time.Second)
	for p.Waiting() == 0 {
		select {
		case <-deadline:
			t.Fatal("waiter never queued")
		case <-time.After(5 * time.Millisecond):
		}
	}

	p.Release("holder")

	if err := <-acquired; err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	if got := p.Occupancy(); got != 1 {
		t.Errorf("occupancy = %d, want 1", got)
	}
}

func TestAcquireFIFO(t *testing.T) {
	p := testPool(1)
	p.TryAcquire("holder")

	const waiters = 3
	order := make(chan string, waiters)
	var started sync.WaitGroup

	for i := 0; i < waiters; i++ {
		id := fmt.Sprintf("w%d", i)
		started.Add(1)
		go func() {
			for p.Waiting() < i {
				time.Sleep(time.Millisecond)
			}
			started.Done()
			if err := p.Acquire(context.Background(), id); err != nil {
				return
			}
			order <- id
			p.Release(id)
		}()
		// Queue waiters one at a time so arrival order is deterministic.
		deadline := time.After(time.Second)
		for p.Waiting() < i+1 {
			select {
			case <-deadline:
				t.Fatalf("waiter %d never queued", i)
			case <-time.After(time.Millisecond):
			}
		}
	}
	started.Wait()

	p.Release("holder")

	for i := 0; i < waiters; i++ {
		want := fmt.Sprintf("w%d", i)
		select {
		case got := <-order:
			if got != want {
				t.Fatalf("grant %d went to %s, want %s", i, got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("grant %d never happened", i)
		}
	}
}

func TestAcquireCanceled(t *testing.T) {
	p := testPool(1)
	p.TryAcquire("holder")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Acquire(ctx, "waiter")
	}()

	deadline := time.After(time.Second)
	for p.Waiting() == 0 {
		select {
		case <-deadline:
			t.Fatal("waiter never queued")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("Acquire = %v, want context.Canceled", err)
	}

	// The canceled waiter must not hold a lease.
	p.Release("holder")
	if got := p.Occupancy(); got != 0 {
		t.Errorf("occupancy = %d, want 0", got)
	}
}

func TestCloseFailsWaiters(t *testing.T) {
	p := testPool(1)
	p.TryAcquire("holder")

	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Acquire(context.Background(), "waiter")
	}()

	deadline := time.After(time.Second)
	for p.Waiting() == 0 {
		select {
		case <-deadline:
			t.Fatal("waiter never queued")
		case <-time.After(5 * time.Millisecond):
		}
	}

	p.Close()

	if err := <-errCh; !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("Acquire on closed pool = %v, want ErrPoolClosed", err)
	}
	if p.TryAcquire("late") {
		t.Error("acquire succeeded after close")
	}
}

func TestConcurrentChurnNeverExceedsCapacity(t *testing.T) {
	const capacity = 3
	p := testPool(capacity)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		id := fmt.Sprintf("s%d", i)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := p.Acquire(ctx, id); err != nil {
				t.Errorf("Acquire(%s): %v", id, err)
				return
			}
			if got := p.Occupancy(); got > capacity {
				t.Errorf("occupancy %d exceeds capacity %d", got, capacity)
			}
			time.Sleep(time.Millisecond)
			p.Release(id)
		}()
	}
	wg.Wait()

	if got := p.Occupancy(); got != 0 {
		t.Errorf("occupancy after churn = %d, want 0", got)
	}
}
