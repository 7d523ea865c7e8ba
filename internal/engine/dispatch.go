package engine

import (
	"context"
	"strings"
	"time"

	"github.com/evka/callrater/internal/call"
	"github.com/evka/callrater/internal/pbx"
)

// workerQueueSize bounds the per-session job queue. Dialog steps are
// dropped rather than letting one slow call stall the dispatch loop.
const workerQueueSize = 32

// worker runs a session's dialog steps one at a time, preserving the
// order the dispatch loop observed its events in.
type worker struct {
	jobs   chan func(context.Context)
	ctx    context.Context
	cancel context.CancelFunc
}

func (w *worker) enqueue(job func(context.Context)) bool {
	select {
	case <-w.ctx.Done():
		return false
	default:
	}
	select {
	case w.jobs <- job:
		return true
	default:
		return false
	}
}

func (w *worker) run() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case job := <-w.jobs:
			job(w.ctx)
		}
	}
}

// startWorker spawns the serial executor for a session.
func (e *Engine) startWorker(s *call.Session) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{
		jobs:   make(chan func(context.Context), workerQueueSize),
		ctx:    ctx,
		cancel: cancel,
	}

	e.mu.Lock()
	e.workers[s.CorrelationID] = w
	e.mu.Unlock()

	go w.run()
	return w
}

func (e *Engine) stopWorker(s *call.Session) {
	e.mu.Lock()
	w := e.workers[s.CorrelationID]
	delete(e.workers, s.CorrelationID)
	e.mu.Unlock()

	if w != nil {
		w.cancel()
	}
}

func (e *Engine) workerFor(s *call.Session) *worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.workers[s.CorrelationID]
}

// dispatch hands a dialog step to the session's worker.
func (e *Engine) dispatch(s *call.Session, job func(context.Context)) {
	w := e.workerFor(s)
	if w == nil {
		return
	}
	if !w.enqueue(job) {
		e.log.Warn("[Engine] Session queue full, step dropped", "call", s.CorrelationID)
	}
}

// forceCleanup runs the cleanup step on the session's worker so it stays
// serialized with the dialog steps in flight. When the worker is gone or
// its queue is full the step runs inline; cleanup only completes the
// session, which is safe from any goroutine.
func (e *Engine) forceCleanup(s *call.Session, reason string) {
	if w := e.workerFor(s); w != nil {
		queued := w.enqueue(func(ctx context.Context) {
			e.flow.ForceCleanup(ctx, s, reason)
		})
		if queued {
			return
		}
	}
	e.flow.ForceCleanup(context.Background(), s, reason)
}

// dispatchLoop is the single consumer of the control link's event
// stream. It resolves each event to a session and enqueues the dialog
// step on that session's worker, so per-call ordering is preserved
// without blocking the stream.
func (e *Engine) dispatchLoop() {
	defer e.wg.Done()

	events := e.link.Events()
	for {
		select {
		case <-e.stopCh:
			return
		case ev := <-events:
			e.handleEvent(ev)
		}
	}
}

func (e *Engine) handleEvent(ev pbx.Event) {
	switch ev.Name {
	case pbx.EventBackgroundJob:
		e.onBackgroundJob(ev)
	case pbx.EventChannelAnswer:
		e.onAnswer(ev)
	case pbx.EventDTMF:
		e.onDigit(ev)
	case pbx.EventChannelHangup:
		e.onHangup(ev)
	}
}

// onBackgroundJob resolves the originate acknowledgment. The body is
// "+OK <uuid>" on success or "-ERR <reason>" on rejection.
func (e *Engine) onBackgroundJob(ev pbx.Event) {
	jobID := ev.Get(pbx.HeaderJobUUID)
	if jobID == "" {
		return
	}
	s, ok := e.registry.TakeJob(jobID)
	if !ok {
		return
	}

	body := strings.TrimSpace(ev.Body)
	accepted := strings.HasPrefix(body, "+OK")
	reason := ""
	if !accepted {
		reason = strings.TrimSpace(strings.TrimPrefix(body, "-ERR"))
	}

	e.dispatch(s, func(ctx context.Context) {
		e.flow.OnOriginateAck(ctx, s, accepted, reason)
	})
}

func (e *Engine) onAnswer(ev pbx.Event) {
	s, ok := e.sessionFor(ev)
	if !ok {
		return
	}
	channelName := ev.Get(pbx.HeaderChannelName)
	e.dispatch(s, func(ctx context.Context) {
		e.flow.OnAnswer(ctx, s, channelName)
	})
}

func (e *Engine) onDigit(ev pbx.Event) {
	s, ok := e.sessionFor(ev)
	if !ok {
		return
	}
	digit := ev.Get(pbx.HeaderDTMFDigit)
	if digit == "" {
		return
	}
	e.dispatch(s, func(ctx context.Context) {
		e.flow.OnDigit(ctx, s, digit)
	})
}

func (e *Engine) onHangup(ev pbx.Event) {
	s, ok := e.sessionFor(ev)
	if !ok {
		return
	}
	cause := ev.Get(pbx.HeaderHangupCause)
	e.dispatch(s, func(ctx context.Context) {
		e.flow.OnHangup(ctx, s, cause)
	})
}

// sessionFor resolves an event to its session, preferring the stamped
// correlation variable and falling back to the channel UUID.
func (e *Engine) sessionFor(ev pbx.Event) (*call.Session, bool) {
	if id := ev.Get(pbx.VariableHeader(pbx.VarCorrelationID)); id != "" {
		if s, ok := e.registry.ByCorrelation(id); ok {
			return s, true
		}
	}
	if uuid := ev.Get(pbx.HeaderUniqueID); uuid != "" {
		if s, ok := e.registry.ByCallUUID(uuid); ok {
			return s, true
		}
	}
	return nil, false
}

// sweeper forces out sessions that somehow outlived their deadlines.
// Under normal operation PlaceCall cleans up its own session; this
// catches orphans left by crashed callers.
func (e *Engine) sweeper() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
		}

		for _, s := range e.registry.Sessions() {
			if s.State().IsTerminal() {
				continue
			}
			if time.Since(s.CreatedAt) > e.cfg.StaleAfter {
				e.log.Warn("[Engine] Sweeping stale session",
					"call", s.CorrelationID,
					"age", time.Since(s.CreatedAt).Round(time.Second),
				)
				e.forceCleanup(s, "stale session")
			}
		}
	}
}
