// Package intake accepts call requests from the outside world and
// feeds them to the engine, over HTTP and over a Redis queue.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/evka/callrater/internal/call"
	"github.com/evka/callrater/internal/engine"
	"github.com/evka/callrater/internal/pbx"
)

// CallPlacer is the engine surface the intake layer needs.
type CallPlacer interface {
	PlaceCall(ctx context.Context, req engine.CallRequest) (call.Outcome, error)
	Occupancy() (int, int)
	ActiveCalls() int
	LinkState() pbx.LinkState
}

// Server is the HTTP intake.
type Server struct {
	engine CallPlacer
	log    *slog.Logger
	srv    *http.Server
}

func NewServer(addr string, eng CallPlacer, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{engine: eng, log: log}

	r := mux.NewRouter()
	r.HandleFunc("/api/calls", s.handlePlaceCall).Methods(http.MethodPost)
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving. It returns once the listener stops.
func (s *Server) Start() error {
	s.log.Info("[HTTP] Listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

type callResponse struct {
	Status      string `json:"status"`
	Rating      int    `json:"rating,omitempty"`
	Transferred bool   `json:"transferred"`
	DurationSec int    `json:"duration_sec"`
	Error       string `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handlePlaceCall runs the call synchronously and reports its outcome.
func (s *Server) handlePlaceCall(w http.ResponseWriter, r *http.Request) {
	var req engine.CallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.Phone == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "phone is required"})
		return
	}

	o, err := s.engine.PlaceCall(r.Context(), req)
	if err != nil {
		s.log.Warn("[HTTP] Place call rejected", "phone", req.Phone, "error", err)
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, callResponse{
		Status:      string(o.Status),
		Rating:      o.Rating,
		Transferred: o.Transferred,
		DurationSec: int(o.Duration.Seconds()),
		Error:       o.Error,
	})
}

type statusResponse struct {
	Link        string `json:"link"`
	ActiveCalls int    `json:"active_calls"`
	Occupancy   int    `json:"occupancy"`
	Capacity    int    `json:"capacity"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	occ, capacity := s.engine.Occupancy()
	writeJSON(w, http.StatusOK, statusResponse{
		Link:        s.engine.LinkState().String(),
		ActiveCalls: s.engine.ActiveCalls(),
		Occupancy:   occ,
		Capacity:    capacity,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
