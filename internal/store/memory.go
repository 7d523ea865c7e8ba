// Package store persists captured ratings and call outcomes. The
// in-memory variant backs tests and DSN-less deployments; Postgres is
// the production sink.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/evka/callrater/internal/call"
)

// RatingRecord is one captured rating.
type RatingRecord struct {
	RequestID   string
	Rating      int
	Transferred bool
	CapturedAt  time.Time
}

// Memory keeps ratings and outcomes in process memory.
type Memory struct {
	mu       sync.Mutex
	ratings  map[string]RatingRecord
	outcomes map[string]call.Outcome
}

func NewMemory() *Memory {
	return &Memory{
		ratings:  make(map[string]RatingRecord),
		outcomes: make(map[string]call.Outcome),
	}
}

func (m *Memory) PersistRating(ctx context.Context, requestID string, rating int, transferred bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ratings[requestID] = RatingRecord{
		RequestID:   requestID,
		Rating:      rating,
		Transferred: transferred,
		CapturedAt:  time.Now(),
	}
	return nil
}

func (m *Memory) PersistOutcome(ctx context.Context, requestID string, o call.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[requestID] = o
	return nil
}

// RatingFor reports the stored rating for a request, if any.
func (m *Memory) RatingFor(requestID string) (RatingRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.ratings[requestID]
	return r, ok
}

// OutcomeFor reports the stored outcome for a request, if any.
func (m *Memory) OutcomeFor(requestID string) (call.Outcome, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.outcomes[requestID]
	return o, ok
}

// Outcomes reports how many outcomes have been stored.
func (m *Memory) Outcomes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.outcomes)
}
