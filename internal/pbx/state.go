// Package pbx maintains the persistent control channel to the PBX event
// socket: sending control actions and streaming call events back to the
// engine, with transparent reconnection.
package pbx

import "fmt"

// LinkState represents the current state of the control link.
type LinkState int

const (
	// StateDisconnected indicates no connection has been established.
	StateDisconnected LinkState = iota
	// StateConnecting indicates an initial connection attempt is in progress.
	StateConnecting
	// StateConnected indicates the link is up and actions can be sent.
	StateConnected
	// StateReconnecting indicates the link dropped and a reconnect is in flight.
	StateReconnecting
	// StateFailed indicates reconnect attempts were exhausted; actions fail fast.
	StateFailed
)

// String returns the string representation of LinkState.
func (s LinkState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}
