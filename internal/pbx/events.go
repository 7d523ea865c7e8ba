package pbx

import "strings"

// Event names forwarded by the link.
const (
	EventBackgroundJob = "BACKGROUND_JOB"
	EventChannelAnswer = "CHANNEL_ANSWER"
	EventDTMF          = "DTMF"
	EventChannelHangup = "CHANNEL_HANGUP_COMPLETE"
)

// Headers the engine cares about.
const (
	HeaderJobUUID       = "Job-UUID"
	HeaderUniqueID      = "Unique-ID"
	HeaderChannelName   = "Channel-Name"
	HeaderDTMFDigit     = "DTMF-Digit"
	HeaderHangupCause   = "Hangup-Cause"
	HeaderEventSequence = "Event-Sequence"
)

// Event is a single notification from the PBX event stream. Header lookup
// is case-insensitive because the event socket is not consistent about
// header capitalization.
type Event struct {
	Name    string
	Body    string
	headers map[string]string
}

// NewEvent builds an Event from raw headers.
func NewEvent(name, body string, headers map[string]string) Event {
	normalized := make(map[string]string, len(headers))
	for k, v := range headers {
		normalized[strings.ToLower(k)] = v
	}
	return Event{Name: name, Body: body, headers: normalized}
}

// Get returns a header value, or "" if absent.
func (e Event) Get(header string) string {
	return e.headers[strings.ToLower(header)]
}
