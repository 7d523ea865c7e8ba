package pbx

import (
	"fmt"
	"sort"
	"strings"

	"github.com/percipia/eslgo/command"
)

// Channel variables stamped onto originated calls so the event stream can
// be matched back to the session that placed them.
const (
	VarCorrelationID = "callrater_id"
	VarTeamID        = "callrater_team"
	VarRequestID     = "callrater_request"
)

// VariableHeader returns the event header carrying a channel variable.
func VariableHeader(name string) string {
	return "variable_" + name
}

// Action is a single control command for the PBX.
type Action struct {
	// Name identifies the action in logs and errors.
	Name string
	// Command and Args form the api/bgapi command line.
	Command string
	Args    string
	// Background routes the command through bgapi; the acknowledgment then
	// carries a job id and the real result arrives as a BACKGROUND_JOB event.
	Background bool
}

func (a Action) api() command.API {
	return command.API{
		Command:    a.Command,
		Arguments:  a.Args,
		Background: a.Background,
	}
}

// Ack is the synchronous acknowledgment of an Action.
type Ack struct {
	OK    bool
	Reply string
	Body  string
	// JobID correlates a background action with its later BACKGROUND_JOB event.
	JobID string
}

// OriginateRequest describes an outbound call to place.
type OriginateRequest struct {
	// CallUUID becomes the PBX channel UUID once the call exists.
	CallUUID string
	Phone    string
	Gateway  string
	CallerID string
	// TimeoutSec bounds the dial phase PBX-side.
	TimeoutSec int
	// Variables are extra channel variables to stamp on the call.
	Variables map[string]string
}

// Originate builds a background originate that parks the answered call so
// prompts can be broadcast onto it.
func Originate(req OriginateRequest) Action {
	vars := map[string]string{
		"origination_uuid":             req.CallUUID,
		"origination_caller_id_number": req.CallerID,
		"originate_timeout":            fmt.Sprintf("%d", req.TimeoutSec),
		"ignore_early_media":           "true",
	}
	for k, v := range req.Variables {
		vars[k] = v
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+vars[k])
	}

	args := fmt.Sprintf("{%s}sofia/gateway/%s/%s &park()",
		strings.Join(pairs, ","), req.Gateway, req.Phone)

	return Action{
		Name:       "originate",
		Command:    "originate",
		Args:       args,
		Background: true,
	}
}

// PlayAudio broadcasts an audio file onto the caller leg of a live call.
func PlayAudio(callUUID, file string) Action {
	return Action{
		Name:    "play_audio",
		Command: "uuid_broadcast",
		Args:    fmt.Sprintf("%s %s aleg", callUUID, file),
	}
}

// Transfer redirects a live call to an extension.
func Transfer(callUUID, extension, dialplan string) Action {
	args := fmt.Sprintf("%s %s", callUUID, extension)
	if dialplan != "" {
		args += " " + dialplan
	}
	return Action{
		Name:    "transfer",
		Command: "uuid_transfer",
		Args:    args,
	}
}

// Hangup terminates a live call.
func Hangup(callUUID string) Action {
	return Action{
		Name:    "hangup",
		Command: "uuid_kill",
		Args:    fmt.Sprintf("%s NORMAL_CLEARING", callUUID),
	}
}

// Ping is the no-op liveness probe.
func Ping() Action {
	return Action{
		Name:    "ping",
		Command: "status",
	}
}
