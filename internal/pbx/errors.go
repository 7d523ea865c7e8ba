package pbx

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrLinkDown indicates the link is in Failed state; actions fail fast
	// until a reconnect succeeds.
	ErrLinkDown = errors.New("control link down")

	// ErrNotConnected indicates Connect has not been called or the link
	// is still establishing.
	ErrNotConnected = errors.New("control link not connected")

	// ErrClosed indicates the link has been closed.
	ErrClosed = errors.New("control link closed")
)

// ConnectionError indicates the control link could not be established.
type ConnectionError struct {
	Addr  string
	Cause error
}

// Error returns the error message.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Cause)
}

// Unwrap returns the underlying error.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// ActionError indicates a single control command failed after the link's
// one reconnect-and-retry cycle.
type ActionError struct {
	Action string
	Reply  string
	Cause  error
}

// Error returns the error message.
func (e *ActionError) Error() string {
	if e.Reply != "" {
		return fmt.Sprintf("action %s: %s", e.Action, e.Reply)
	}
	if e.Cause != nil {
		return fmt.Sprintf("action %s: %v", e.Action, e.Cause)
	}
	return fmt.Sprintf("action %s: unknown error", e.Action)
}

// Unwrap returns the underlying error.
func (e *ActionError) Unwrap() error {
	return e.Cause
}
