// Package engine orchestrates outbound rating calls: channel admission,
// origination, event dispatch and outcome persistence.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evka/callrater/internal/call"
	"github.com/evka/callrater/internal/channels"
	"github.com/evka/callrater/internal/ivr"
	"github.com/evka/callrater/internal/pbx"
	"github.com/evka/callrater/internal/phone"
	"github.com/evka/callrater/internal/sms"
)

// ControlLink is the PBX control channel the engine drives. *pbx.Link
// satisfies it; tests use a fake.
type ControlLink interface {
	Connect(ctx context.Context) error
	Close() error
	SendAction(ctx context.Context, a pbx.Action) (pbx.Ack, error)
	Events() <-chan pbx.Event
	State() pbx.LinkState
}

// Config holds the engine's orchestration settings.
type Config struct {
	Gateway  string
	CallerID string

	// CallTimeout bounds the dial phase; OverallTimeout bounds the whole
	// call including the rating dialog.
	CallTimeout    time.Duration
	OverallTimeout time.Duration

	// AdmissionTimeout bounds how long PlaceCall waits for a free channel.
	AdmissionTimeout time.Duration

	// SweepInterval and StaleAfter drive the orphaned-session sweeper.
	SweepInterval time.Duration
	StaleAfter    time.Duration

	Logger *slog.Logger
}

// ErrStopped is returned by PlaceCall after the engine shut down.
var ErrStopped = errors.New("engine stopped")

// CallRequest identifies one rating call to place.
type CallRequest struct {
	Phone     string `json:"phone"`
	TeamID    string `json:"team_id"`
	RequestID string `json:"request_id"`
}

// Engine places calls and runs their lifecycle to a terminal outcome.
type Engine struct {
	cfg      Config
	link     ControlLink
	pool     *channels.Pool
	registry *call.Registry
	flow     *ivr.Flow
	outcomes call.OutcomeSink
	notifier sms.Notifier
	log      *slog.Logger

	mu      sync.Mutex
	workers map[string]*worker
	started bool
	stopped bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New assembles an engine. notifier may be nil when no follow-up
// channel is configured.
func New(cfg Config, link ControlLink, pool *channels.Pool, registry *call.Registry,
	flow *ivr.Flow, outcomes call.OutcomeSink, notifier sms.Notifier) *Engine {

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.OverallTimeout <= cfg.CallTimeout {
		cfg.OverallTimeout = cfg.CallTimeout + 60*time.Second
	}
	if cfg.AdmissionTimeout <= 0 {
		cfg.AdmissionTimeout = 60 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = cfg.OverallTimeout + 2*time.Minute
	}

	return &Engine{
		cfg:      cfg,
		link:     link,
		pool:     pool,
		registry: registry,
		flow:     flow,
		outcomes: outcomes,
		notifier: notifier,
		log:      cfg.Logger,
		workers:  make(map[string]*worker),
		stopCh:   make(chan struct{}),
	}
}

// Start connects the control link and starts the dispatch loop and the
// stale-session sweeper.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	if err := e.link.Connect(ctx); err != nil {
		return fmt.Errorf("connect control link: %w", err)
	}

	e.wg.Add(2)
	go e.dispatchLoop()
	go e.sweeper()

	e.log.Info("[Engine] Started",
		"gateway", e.cfg.Gateway,
		"channels", e.pool.Capacity(),
	)
	return nil
}

// PlaceCall runs one rating call end to end and returns its outcome.
// It blocks until the call reaches a terminal state or the overall
// deadline forces one.
func (e *Engine) PlaceCall(ctx context.Context, req CallRequest) (call.Outcome, error) {
	select {
	case <-e.stopCh:
		return call.Outcome{}, ErrStopped
	default:
	}

	number, err := phone.Normalize(req.Phone)
	if err != nil {
		return call.Outcome{}, fmt.Errorf("phone %q: %w", req.Phone, err)
	}

	correlationID := uuid.NewString()

	admCtx, cancelAdm := context.WithTimeout(ctx, e.cfg.AdmissionTimeout)
	defer cancelAdm()
	if err := e.pool.Acquire(admCtx, correlationID); err != nil {
		e.log.Warn("[Engine] No channel available",
			"phone", number,
			"request", req.RequestID,
			"error", err,
		)
		o := call.Outcome{Status: call.StatusFailed, Error: "no channel available"}
		e.persistOutcome(req.RequestID, o)
		return o, nil
	}
	defer e.pool.Release(correlationID)

	s := call.NewSession(correlationID, number, req.TeamID, req.RequestID)
	e.registry.Add(s)
	defer e.registry.Remove(s)

	callUUID := uuid.NewString()
	e.registry.BindCallUUID(correlationID, callUUID)

	w := e.startWorker(s)
	defer e.stopWorker(s)

	e.log.Info("[Engine] Placing call",
		"call", correlationID,
		"phone", number,
		"request", req.RequestID,
	)

	if err := e.originate(ctx, s, callUUID); err != nil {
		s.Complete(s.FailureOutcome("originate: " + err.Error()))
	} else {
		dialTimer := time.AfterFunc(e.cfg.CallTimeout, func() {
			w.enqueue(func(wctx context.Context) {
				e.flow.OnDialTimeout(wctx, s)
			})
		})
		defer dialTimer.Stop()

		e.await(ctx, s)
	}

	<-s.Done()
	o, _ := s.Outcome()
	e.finish(s, o)
	return o, nil
}

// originate sends the background originate and binds its job id so the
// BACKGROUND_JOB event finds the session.
func (e *Engine) originate(ctx context.Context, s *call.Session, callUUID string) error {
	action := pbx.Originate(pbx.OriginateRequest{
		CallUUID:   callUUID,
		Phone:      s.Phone,
		Gateway:    e.cfg.Gateway,
		CallerID:   e.cfg.CallerID,
		TimeoutSec: int(e.cfg.CallTimeout / time.Second),
		Variables: map[string]string{
			pbx.VarCorrelationID: s.CorrelationID,
			pbx.VarTeamID:        s.TeamID,
			pbx.VarRequestID:     s.RequestID,
		},
	})

	ack, err := e.link.SendAction(ctx, action)
	if err != nil {
		return err
	}
	if ack.JobID == "" {
		return fmt.Errorf("originate ack carried no job id")
	}
	e.registry.BindJob(ack.JobID, s)
	return nil
}

// await blocks until the session completes or a deadline forces
// cleanup.
func (e *Engine) await(ctx context.Context, s *call.Session) {
	overall := time.NewTimer(e.cfg.OverallTimeout)
	defer overall.Stop()

	select {
	case <-s.Done():
	case <-overall.C:
		e.forceCleanup(s, "call timeout")
	case <-ctx.Done():
		e.forceCleanup(s, "canceled")
	case <-e.stopCh:
		e.forceCleanup(s, "engine shutdown")
	}
}

// finish persists the outcome and fires the follow-up for unrated
// calls. Runs exactly once per placed call.
func (e *Engine) finish(s *call.Session, o call.Outcome) {
	e.log.Info("[Engine] Call finished",
		"call", s.CorrelationID,
		"status", string(o.Status),
		"rating", o.Rating,
		"transferred", o.Transferred,
		"duration", o.Duration.Round(time.Second),
		"error", o.Error,
	)

	e.persistOutcome(s.RequestID, o)

	if o.Status == call.StatusNoRating && e.notifier != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.notifier.NotifyMissedRating(ctx, s.Phone, s.RequestID); err != nil {
			e.log.Warn("[Engine] Rating follow-up failed",
				"call", s.CorrelationID,
				"error", err,
			)
		}
	}
}

func (e *Engine) persistOutcome(requestID string, o call.Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.outcomes.PersistOutcome(ctx, requestID, o); err != nil {
		e.log.Error("[Engine] Persist outcome failed",
			"request", requestID,
			"error", err,
		)
	}
}

// Occupancy reports current and maximum concurrent calls.
func (e *Engine) Occupancy() (int, int) {
	return e.pool.Occupancy(), e.pool.Capacity()
}

// LinkState reports the control link state.
func (e *Engine) LinkState() pbx.LinkState {
	return e.link.State()
}

// ActiveCalls reports the number of sessions in flight.
func (e *Engine) ActiveCalls() int {
	return e.registry.Len()
}

// Stop shuts the engine down: in-flight calls are forced to a terminal
// outcome, then the link closes. Safe to call more than once.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	close(e.stopCh)

	for _, s := range e.registry.Sessions() {
		e.forceCleanup(s, "engine shutdown")
	}

	e.link.Close()
	e.wg.Wait()
	e.pool.Close()
	e.log.Info("[Engine] Stopped")
}
