// Package sms is the follow-up seam for calls that ended without a
// rating. The engine calls it at most once per call.
package sms

import (
	"context"
	"log/slog"
)

// Notifier delivers a rating follow-up message out of band.
type Notifier interface {
	NotifyMissedRating(ctx context.Context, phone, requestID string) error
}

// LogNotifier records the follow-up instead of sending it. Stands in
// until a real SMS provider is wired up.
type LogNotifier struct {
	Log *slog.Logger
}

func (n *LogNotifier) NotifyMissedRating(ctx context.Context, phone, requestID string) error {
	log := n.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("rating follow-up queued", "phone", phone, "request", requestID)
	return nil
}
