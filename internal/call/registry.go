package call

import (
	"log/slog"
	"sync"
)

// Registry tracks in-flight sessions and bridges asynchronous PBX events
// to the right one. Three indexes: by correlation id (valid for the whole
// session life), by PBX call UUID (valid once origination succeeded) and
// by pending background-job id (valid until the originate acknowledgment
// arrives).
type Registry struct {
	mu            sync.RWMutex
	byCorrelation map[string]*Session
	byCallUUID    map[string]*Session
	byJob         map[string]*Session
	log           *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byCorrelation: make(map[string]*Session),
		byCallUUID:    make(map[string]*Session),
		byJob:         make(map[string]*Session),
		log:           logger,
	}
}

// Add registers a new session under its correlation id.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byCorrelation[s.CorrelationID] = s
}

// BindJob indexes the session by the originate's background job id so the
// asynchronous acknowledgment can be correlated back.
func (r *Registry) BindJob(jobID string, s *Session) {
	if jobID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byJob[jobID] = s
}

// TakeJob resolves and removes the pending-job binding. The acknowledgment
// for a job arrives exactly once.
func (r *Registry) TakeJob(jobID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byJob[jobID]
	if ok {
		delete(r.byJob, jobID)
	}
	return s, ok
}

// BindCallUUID establishes the PBX call id index once the PBX confirms
// origination. Unknown correlation ids (e.g. already timed out and
// removed) are logged and ignored.
func (r *Registry) BindCallUUID(correlationID, callUUID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byCorrelation[correlationID]
	if !ok {
		r.log.Warn("[Registry] Call id bind for unknown session",
			"correlation_id", correlationID,
			"call_uuid", callUUID,
		)
		return
	}
	s.BindCallUUID(callUUID)
	r.byCallUUID[callUUID] = s
}

// ByCorrelation looks a session up by correlation id.
func (r *Registry) ByCorrelation(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byCorrelation[id]
	return s, ok
}

// ByCallUUID looks a session up by PBX call id.
func (r *Registry) ByCallUUID(uuid string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byCallUUID[uuid]
	return s, ok
}

// Remove deregisters a session from all indexes atomically. Safe to call
// concurrently with event dispatch for the same session; dispatch after
// removal simply finds nothing.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.byCorrelation, s.CorrelationID)
	if uuid := s.CallUUID(); uuid != "" {
		delete(r.byCallUUID, uuid)
	}
	for job, pending := range r.byJob {
		if pending == s {
			delete(r.byJob, job)
		}
	}
}

// Sessions returns a snapshot of all registered sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.byCorrelation))
	for _, s := range r.byCorrelation {
		out = append(out, s)
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byCorrelation)
}
