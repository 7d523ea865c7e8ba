package call

import (
	"context"
	"sync"
	"time"
)

// RatingSink persists a captured rating. Called at most once per session.
type RatingSink interface {
	PersistRating(ctx context.Context, requestID string, rating int, transferred bool) error
}

// OutcomeSink persists the terminal result of a call. Called exactly once
// per placed call.
type OutcomeSink interface {
	PersistOutcome(ctx context.Context, requestID string, outcome Outcome) error
}

// Session is one outbound call attempt. Identity and caller-supplied
// context are immutable; everything else is guarded by the mutex and
// frozen once a terminal outcome is recorded.
type Session struct {
	// CorrelationID is the engine-generated identity, stable before the
	// PBX assigns its own call UUID.
	CorrelationID string

	// Caller-supplied context, opaque to the engine.
	Phone     string
	TeamID    string
	RequestID string

	CreatedAt time.Time

	mu            sync.Mutex
	state         State
	callUUID      string
	channelName   string
	rating        int
	transferred   bool
	errorReason   string
	answeredAt    time.Time
	invalidInputs int

	once    sync.Once
	outcome Outcome
	done    chan struct{}
}

// NewSession creates a session in the Dialing state.
func NewSession(correlationID, phone, teamID, requestID string) *Session {
	return &Session{
		CorrelationID: correlationID,
		Phone:         phone,
		TeamID:        teamID,
		RequestID:     requestID,
		CreatedAt:     time.Now(),
		state:         StateDialing,
		done:          make(chan struct{}),
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState moves the session to st. Ignored once terminal.
func (s *Session) SetState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.IsTerminal() {
		return
	}
	s.state = st
}

// BindCallUUID records the PBX call id assigned on origination.
func (s *Session) BindCallUUID(uuid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.callUUID == "" {
		s.callUUID = uuid
	}
}

// CallUUID returns the PBX call id, or "" before origination succeeded.
func (s *Session) CallUUID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callUUID
}

// MarkAnswered records the answer event: state, media channel and answer time.
func (s *Session) MarkAnswered(channelName string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.IsTerminal() {
		return
	}
	s.state = StateAnswered
	s.channelName = channelName
	if s.answeredAt.IsZero() {
		s.answeredAt = at
	}
}

// ChannelName returns the PBX-side media channel, or "" before answer.
func (s *Session) ChannelName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelName
}

// Answered reports whether the callee ever picked up.
func (s *Session) Answered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.answeredAt.IsZero()
}

// SetRating records the rating. Returns false if one was already set;
// a rating is captured at most once per session.
func (s *Session) SetRating(rating int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rating != 0 || s.state.IsTerminal() {
		return false
	}
	s.rating = rating
	return true
}

// Rating returns the captured rating, 0 if none.
func (s *Session) Rating() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rating
}

// SetTransferred flags that the caller asked for an operator.
func (s *Session) SetTransferred(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.IsTerminal() {
		return
	}
	s.transferred = v
}

// Transferred reports the transfer flag.
func (s *Session) Transferred() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferred
}

// InvalidInput bumps the invalid-rating counter and returns the new count.
func (s *Session) InvalidInput() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidInputs++
	return s.invalidInputs
}

// SetError records an error note without terminating the session.
func (s *Session) SetError(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.IsTerminal() {
		return
	}
	s.errorReason = reason
}

// DeriveOutcome builds the terminal outcome from the session's current
// facts via the canonical derivation rule. errNote overrides any error
// already noted on the session.
func (s *Session) DeriveOutcome(errNote string) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	o := Outcome{
		Status:      DeriveStatus(!s.answeredAt.IsZero(), s.rating, s.transferred),
		Rating:      s.rating,
		Transferred: s.transferred,
		Error:       s.errorReason,
	}
	if errNote != "" {
		o.Error = errNote
	}
	if !s.answeredAt.IsZero() {
		o.Duration = time.Since(s.answeredAt)
	}
	return o
}

// FailureOutcome builds a failed outcome with the given reason,
// regardless of how far the call got.
func (s *Session) FailureOutcome(reason string) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	o := Outcome{
		Status:      StatusFailed,
		Rating:      s.rating,
		Transferred: false,
		Error:       reason,
	}
	if !s.answeredAt.IsZero() {
		o.Duration = time.Since(s.answeredAt)
	}
	return o
}

// Complete records the terminal outcome. Only the first call wins;
// the session is immutable afterwards. Returns true for that first call.
func (s *Session) Complete(o Outcome) bool {
	won := false
	s.once.Do(func() {
		won = true
		s.mu.Lock()
		if o.Status == StatusFailed {
			s.state = StateFailed
		} else {
			s.state = StateCompleted
		}
		if o.Error != "" {
			s.errorReason = o.Error
		}
		s.outcome = o
		s.mu.Unlock()
		close(s.done)
	})
	return won
}

// Done is closed once the session has a terminal outcome.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Outcome returns the terminal outcome, if one has been recorded.
func (s *Session) Outcome() (Outcome, bool) {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.outcome, true
	default:
		return Outcome{}, false
	}
}
