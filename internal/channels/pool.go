// Package channels gates concurrent outbound calls on trunk capacity.
package channels

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("channel pool closed")

// waiter is one blocked Acquire call. The grant channel has capacity 1 so
// a release can hand the lease over without blocking.
type waiter struct {
	id    string
	grant chan struct{}
}

// Pool caps concurrent outbound calls at a fixed channel count. Leases are
// keyed by session id; release is idempotent because multiple cleanup
// paths may race to release the same lease.
type Pool struct {
	mu       sync.Mutex
	capacity int
	holders  map[string]struct{}
	waiters  []*waiter
	closed   bool
	closeCh  chan struct{}
	log      *slog.Logger
}

// NewPool creates a pool with the given capacity.
func NewPool(capacity int, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{
		capacity: capacity,
		holders:  make(map[string]struct{}, capacity),
		closeCh:  make(chan struct{}),
		log:      logger,
	}
}

// TryAcquire takes a lease without blocking. Returns false when the pool
// is full or the id already holds a lease.
func (p *Pool) TryAcquire(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}
	if _, held := p.holders[id]; held {
		return false
	}
	// Waiters were there first; don't jump the queue.
	if len(p.holders) >= p.capacity || len(p.waiters) > 0 {
		return false
	}

	p.holders[id] = struct{}{}
	return true
}

// Acquire blocks until a lease is available or ctx expires. Waiters are
// served in FIFO order.
func (p *Pool) Acquire(ctx context.Context, id string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if _, held := p.holders[id]; held {
		p.mu.Unlock()
		return nil
	}
	if len(p.holders) < p.capacity && len(p.waiters) == 0 {
		p.holders[id] = struct{}{}
		p.mu.Unlock()
		return nil
	}

	w := &waiter{id: id, grant: make(chan struct{}, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case <-w.grant:
		return nil
	case <-p.closeCh:
		p.mu.Lock()
		select {
		case <-w.grant:
			p.releaseLocked(id)
		default:
			p.removeWaiterLocked(w)
		}
		p.mu.Unlock()
		return ErrPoolClosed
	case <-ctx.Done():
		p.mu.Lock()
		// The grant may have raced the cancellation; if it did, the lease
		// is ours and must be handed back.
		select {
		case <-w.grant:
			p.releaseLocked(id)
			p.mu.Unlock()
			return ctx.Err()
		default:
		}
		p.removeWaiterLocked(w)
		p.mu.Unlock()
		return ctx.Err()
	}
}

// Release returns a lease to the pool. Releasing an id that holds no lease
// is a no-op logged as a warning.
func (p *Pool) Release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, held := p.holders[id]; !held {
		p.log.Warn("[Pool] Release of unheld channel lease", "session_id", id)
		return
	}
	p.releaseLocked(id)
}

// releaseLocked frees the lease and hands it to the oldest waiter, if any.
func (p *Pool) releaseLocked(id string) {
	delete(p.holders, id)

	for len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		if _, held := p.holders[w.id]; held {
			// Stale waiter for an id that re-acquired; skip it.
			continue
		}
		p.holders[w.id] = struct{}{}
		w.grant <- struct{}{}
		return
	}
}

func (p *Pool) removeWaiterLocked(target *waiter) {
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// Occupancy returns the number of leases currently held.
func (p *Pool) Occupancy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.holders)
}

// Capacity returns the configured channel count.
func (p *Pool) Capacity() int {
	return p.capacity
}

// Holders returns a snapshot of the session ids holding leases.
func (p *Pool) Holders() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.holders))
	for id := range p.holders {
		ids = append(ids, id)
	}
	return ids
}

// Waiting returns the number of blocked Acquire calls.
func (p *Pool) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

// Close fails all waiters and rejects future acquires.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	close(p.closeCh)
}
