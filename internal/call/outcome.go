package call

import "time"

// FinalStatus is the terminal disposition of a call.
type FinalStatus string

const (
	// StatusCompleted means a rating was captured and the call ended normally.
	StatusCompleted FinalStatus = "completed"
	// StatusNoRating means the callee answered but hung up before rating.
	StatusNoRating FinalStatus = "no_rating"
	// StatusTransferred means a rating was captured and the caller was
	// handed to an operator.
	StatusTransferred FinalStatus = "transferred"
	// StatusFailed means the call never got far enough to matter.
	StatusFailed FinalStatus = "failed"
)

// Outcome is the single terminal result of a call session.
type Outcome struct {
	Status      FinalStatus
	Rating      int // 1-5, 0 when none was captured
	Transferred bool
	Duration    time.Duration // answer to completion; zero if never answered
	Error       string
}

// DeriveStatus is the canonical outcome-derivation rule. Every terminal
// report goes through it: a captured rating means completed (transferred
// when the caller reached an operator), an answered-but-unrated call is
// no_rating, anything else failed.
func DeriveStatus(answered bool, rating int, transferred bool) FinalStatus {
	switch {
	case rating > 0 && transferred:
		return StatusTransferred
	case rating > 0:
		return StatusCompleted
	case answered:
		return StatusNoRating
	default:
		return StatusFailed
	}
}
