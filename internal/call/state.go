// Package call holds the per-call session model, the canonical outcome
// derivation rule and the registry that routes PBX events to sessions.
package call

import "fmt"

// State represents the current state of a call session.
type State int

const (
	// StateDialing indicates the originate has been issued but not acknowledged.
	StateDialing State = iota
	// StateConnecting indicates the PBX accepted the originate; the phone is ringing.
	StateConnecting
	// StateAnswered indicates the callee picked up.
	StateAnswered
	// StateWaitingRating indicates the rating prompt played; waiting for a digit.
	StateWaitingRating
	// StateRatingReceived indicates a valid rating digit arrived.
	StateRatingReceived
	// StateWaitingTransferDecision indicates the flow is waiting for the
	// transfer-or-goodbye digit.
	StateWaitingTransferDecision
	// StateTransferring indicates a redirect to the operator is in progress.
	StateTransferring
	// StateCompleted is the successful terminal state.
	StateCompleted
	// StateFailed is the unsuccessful terminal state.
	StateFailed
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateDialing:
		return "Dialing"
	case StateConnecting:
		return "Connecting"
	case StateAnswered:
		return "Answered"
	case StateWaitingRating:
		return "WaitingRating"
	case StateRatingReceived:
		return "RatingReceived"
	case StateWaitingTransferDecision:
		return "WaitingTransferDecision"
	case StateTransferring:
		return "Transferring"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// IsTerminal returns true if the session can no longer change.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}
