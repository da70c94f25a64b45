// Package command implements the durable command channel protocol: the
// command row model, the acknowledgment predicate, and the dispatcher that
// correlates an inserted command with the remote agent's write-back.
package command

import (
	"strings"
	"time"
)

// Type is one of the closed set of remote commands.
type Type string

const (
	TypeStartLiveView        Type = "START_LIVE_VIEW"
	TypeStopLiveView         Type = "STOP_LIVE_VIEW"
	TypeStartMotionDetection Type = "START_MOTION_DETECTION"
	TypeStopMotionDetection  Type = "STOP_MOTION_DETECTION"
	TypeStartCamera          Type = "START_CAMERA"
	TypeStopCamera           Type = "STOP_CAMERA"
	TypeSetDeviceMode        Type = "SET_DEVICE_MODE"
)

// Mode is a device operating mode carried by SET_DEVICE_MODE.
type Mode string

const (
	ModeNormal Mode = "NORMAL"
	ModeAway   Mode = "AWAY"
)

// Status is the lifecycle status written by the remote agent. Three spellings
// of "done" exist because the agent and the channel evolved independently;
// Acknowledged treats them as equivalent.
type Status string

const (
	StatusPending      Status = "pending"
	StatusAcknowledged Status = "acknowledged"
	StatusAck          Status = "ack"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// Encode builds the wire string for a command. Simple parameters are encoded
// by concatenation with ':' so agents can pattern-match on the raw string
// without a payload schema.
func Encode(t Type, mode Mode) string {
	if t == TypeSetDeviceMode && mode != "" {
		return string(t) + ":" + string(mode)
	}
	return string(t)
}

// Decode splits a wire string into its type and optional mode parameter.
// Both "SET_DEVICE_MODE:AWAY" and a bare "SET_DEVICE_MODE" are accepted.
func Decode(raw string) (Type, Mode) {
	if name, param, ok := strings.Cut(raw, ":"); ok {
		return Type(name), Mode(param)
	}
	return Type(raw), ""
}

// Command is one unit of remote work persisted on the channel.
type Command struct {
	ID           string
	DeviceID     string
	Command      string // encoded wire string, see Encode
	RequesterID  string
	Status       Status
	Handled      bool
	HandledAt    *time.Time
	ErrorCode    string
	ErrorMessage string
	CreatedAt    time.Time
}

// Acknowledged reports whether the remote agent confirmed the command.
// The three completion signals (status, handled flag, handled timestamp) are
// combined with OR; an explicit failed status wins over all of them.
func (c *Command) Acknowledged() bool {
	if c.Status == StatusFailed {
		return false
	}
	switch c.Status {
	case StatusAcknowledged, StatusAck, StatusCompleted:
		return true
	}
	if c.Handled {
		return true
	}
	return c.HandledAt != nil && !c.HandledAt.IsZero()
}

// Failed reports whether the remote agent reported an error for the command.
func (c *Command) Failed() bool {
	return c.Status == StatusFailed
}

// Terminal reports whether the command reached a terminal state.
func (c *Command) Terminal() bool {
	return c.Failed() || c.Acknowledged()
}
