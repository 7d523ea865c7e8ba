// Package ivr drives the rating dialog on an answered call: prompt
// playback, digit interpretation, operator transfer and teardown.
package ivr

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/evka/callrater/internal/call"
	"github.com/evka/callrater/internal/config"
	"github.com/evka/callrater/internal/pbx"
)

// ActionSender issues control actions against the PBX. *pbx.Link
// satisfies it.
type ActionSender interface {
	SendAction(ctx context.Context, a pbx.Action) (pbx.Ack, error)
}

// Config carries the knobs for a Flow.
type Config struct {
	// Cues maps cue names to audio file paths on the PBX host.
	Cues map[string]string

	OperatorExtension string
	TransferDialplan  string
	TransferDigit     string

	// RetryLimit bounds consecutive invalid digits while waiting for
	// a rating.
	RetryLimit int

	// SettleDelay is the pause between answer (or a prompt) and the
	// next playback.
	SettleDelay time.Duration

	Logger *slog.Logger

	// Sleep is replaced in tests. Defaults to a context-aware wait.
	Sleep func(ctx context.Context, d time.Duration)
}

// Flow is the per-call dialog policy. It holds no per-call state of
// its own; everything mutable lives on the call.Session. Callers must
// serialize invocations for a given session.
type Flow struct {
	cfg     Config
	actions ActionSender
	ratings call.RatingSink
	log     *slog.Logger
}

func NewFlow(cfg Config, actions ActionSender, ratings call.RatingSink) *Flow {
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 3
	}
	if cfg.TransferDigit == "" {
		cfg.TransferDigit = "0"
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Flow{cfg: cfg, actions: actions, ratings: ratings, log: log}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// OnOriginateAck handles the PBX response to the originate command.
func (f *Flow) OnOriginateAck(ctx context.Context, s *call.Session, ok bool, reason string) {
	if !ok {
		note := "originate rejected"
		if reason != "" {
			note = "originate rejected: " + reason
		}
		f.log.Warn("originate rejected", "call", s.CorrelationID, "reason", reason)
		s.Complete(s.FailureOutcome(note))
		return
	}
	// The job result can arrive after the answer event; never regress
	// a session that already progressed.
	if s.State() == call.StateDialing {
		s.SetState(call.StateConnecting)
	}
	f.log.Debug("originate accepted", "call", s.CorrelationID)
}

// OnAnswer marks the session answered and starts the rating prompt.
func (f *Flow) OnAnswer(ctx context.Context, s *call.Session, channelName string) {
	if s.State().IsTerminal() || s.Answered() {
		return
	}
	s.MarkAnswered(channelName, time.Now())
	f.log.Info("call answered", "call", s.CorrelationID, "channel", channelName)

	f.cfg.Sleep(ctx, f.cfg.SettleDelay)
	if s.State().IsTerminal() {
		return
	}
	s.SetState(call.StateWaitingRating)
	f.play(ctx, s, config.CueRatingRequest)
}

// OnDigit interprets a DTMF digit according to the session state.
func (f *Flow) OnDigit(ctx context.Context, s *call.Session, digit string) {
	switch s.State() {
	case call.StateWaitingRating:
		f.onRatingDigit(ctx, s, digit)
	case call.StateWaitingTransferDecision:
		f.onTransferDigit(ctx, s, digit)
	default:
		f.log.Debug("digit ignored", "call", s.CorrelationID, "digit", digit, "state", s.State())
	}
}

func (f *Flow) onRatingDigit(ctx context.Context, s *call.Session, digit string) {
	rating := ratingValue(digit)
	if rating == 0 {
		n := s.InvalidInput()
		f.log.Debug("invalid rating digit", "call", s.CorrelationID, "digit", digit, "attempt", n)
		if n >= f.cfg.RetryLimit {
			f.play(ctx, s, config.CueRatingInvalid)
			f.cfg.Sleep(ctx, f.cfg.SettleDelay)
			f.hangup(ctx, s)
			s.Complete(s.FailureOutcome("no valid rating"))
			return
		}
		f.play(ctx, s, config.CueRatingInvalid)
		f.cfg.Sleep(ctx, f.cfg.SettleDelay)
		if s.State().IsTerminal() {
			return
		}
		f.play(ctx, s, config.CueRatingRequest)
		return
	}

	if !s.SetRating(rating) {
		return
	}
	s.SetState(call.StateRatingReceived)
	f.log.Info("rating received", "call", s.CorrelationID, "rating", rating)

	if err := f.ratings.PersistRating(ctx, s.RequestID, rating, false); err != nil {
		f.log.Error("persist rating", "call", s.CorrelationID, "error", err)
	}

	f.play(ctx, s, config.CueRatingThankyou)
	f.cfg.Sleep(ctx, f.cfg.SettleDelay)
	if s.State().IsTerminal() {
		return
	}
	s.SetState(call.StateWaitingTransferDecision)
}

func (f *Flow) onTransferDigit(ctx context.Context, s *call.Session, digit string) {
	if digit != f.cfg.TransferDigit {
		f.play(ctx, s, config.CueGoodbye)
		f.cfg.Sleep(ctx, f.cfg.SettleDelay)
		f.hangup(ctx, s)
		s.Complete(s.DeriveOutcome(""))
		return
	}

	s.SetTransferred(true)
	s.SetState(call.StateTransferring)
	f.play(ctx, s, config.CueTransfer)
	f.cfg.Sleep(ctx, f.cfg.SettleDelay)

	action := pbx.Transfer(s.CallUUID(), f.cfg.OperatorExtension, f.cfg.TransferDialplan)
	if _, err := f.actions.SendAction(ctx, action); err != nil {
		f.log.Error("transfer failed", "call", s.CorrelationID, "error", err)
		s.SetTransferred(false)
		s.SetError(fmt.Sprintf("transfer to %s failed: %v", f.cfg.OperatorExtension, err))
		f.play(ctx, s, config.CueTransferError)
		f.cfg.Sleep(ctx, f.cfg.SettleDelay)
		f.hangup(ctx, s)
		s.Complete(s.DeriveOutcome(""))
		return
	}

	f.log.Info("call transferred", "call", s.CorrelationID, "extension", f.cfg.OperatorExtension)
	s.Complete(s.DeriveOutcome(""))
}

// OnHangup finishes the session when the remote side drops the call.
func (f *Flow) OnHangup(ctx context.Context, s *call.Session, cause string) {
	if s.State().IsTerminal() {
		return
	}
	o := s.DeriveOutcome("")
	if o.Status == call.StatusFailed && o.Error == "" && cause != "" {
		o.Error = "hangup before answer: " + cause
	}
	if s.Complete(o) {
		f.log.Info("call ended", "call", s.CorrelationID, "cause", cause, "status", o.Status)
	}
}

// OnDialTimeout fails a session that never got answered within the
// dial window.
func (f *Flow) OnDialTimeout(ctx context.Context, s *call.Session) {
	if s.Answered() || s.State().IsTerminal() {
		return
	}
	if s.Complete(s.FailureOutcome("dial timeout")) {
		f.log.Warn("dial timeout", "call", s.CorrelationID, "phone", s.Phone)
		f.hangup(ctx, s)
	}
}

// ForceCleanup tears a session down unconditionally, deriving whatever
// outcome its progress so far supports. Used when the overall deadline
// expires or the engine shuts down.
func (f *Flow) ForceCleanup(ctx context.Context, s *call.Session, reason string) {
	if s.State().IsTerminal() {
		return
	}
	if s.Complete(s.DeriveOutcome(reason)) {
		f.log.Warn("forced cleanup", "call", s.CorrelationID, "reason", reason)
		f.hangup(ctx, s)
	}
}

func (f *Flow) play(ctx context.Context, s *call.Session, cue string) {
	uuid := s.CallUUID()
	if uuid == "" {
		return
	}
	file, ok := f.cfg.Cues[cue]
	if !ok {
		f.log.Error("no audio file for cue", "cue", cue)
		return
	}
	if _, err := f.actions.SendAction(ctx, pbx.PlayAudio(uuid, file)); err != nil {
		f.log.Warn("playback failed", "call", s.CorrelationID, "cue", cue, "error", err)
	}
}

func (f *Flow) hangup(ctx context.Context, s *call.Session) {
	uuid := s.CallUUID()
	if uuid == "" {
		return
	}
	if _, err := f.actions.SendAction(ctx, pbx.Hangup(uuid)); err != nil {
		f.log.Debug("hangup failed", "call", s.CorrelationID, "error", err)
	}
}

// ratingValue maps a DTMF digit to a rating, or 0 when the digit is
// not a valid rating.
func ratingValue(digit string) int {
	if len(digit) != 1 {
		return 0
	}
	c := digit[0]
	if c >= '1' && c <= '5' {
		return int(c - '0')
	}
	return 0
}
