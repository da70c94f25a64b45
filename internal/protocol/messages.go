// Package protocol defines the WebSocket message types shared between the
// device agent, viewers, and the hub.
package protocol

import "encoding/json"

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewMessage creates a message with the given type and payload.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:    msgType,
		Payload: data,
	}, nil
}

// ParsePayload unmarshals the payload into the given target.
func (m *Message) ParsePayload(target any) error {
	return json.Unmarshal(m.Payload, target)
}

// Message types (agent → hub)
const (
	TypeRegister      = "register"
	TypeHeartbeat     = "heartbeat"
	TypeCommandAck    = "command_ack"
	TypeCommandFailed = "command_failed"
	TypeStatusReport  = "status_report"
)

// Message types (hub → agent)
const (
	TypeRegistered = "registered"
	TypeCommand    = "command"
)

// Message types (either direction, relayed by session id)
const (
	TypeSignalOffer     = "signal_offer"
	TypeSignalAnswer    = "signal_answer"
	TypeSignalCandidate = "signal_candidate"
	TypeSessionEnd      = "session_end"
)

// Message types (viewer → hub)
const (
	TypeSessionState = "session_state"
)

// RegisterPayload is sent by the agent when connecting.
type RegisterPayload struct {
	DeviceID          string `json:"device_id"`
	DeviceName        string `json:"device_name"`
	AgentVersion      string `json:"agent_version"`
	Platform          string `json:"platform"` // "darwin", "linux", "windows"
	HeartbeatInterval int    `json:"heartbeat_interval"`
}

// RegisteredPayload is sent by the hub to confirm registration.
type RegisteredPayload struct {
	DeviceID string `json:"device_id"`
}

// HeartbeatPayload is sent periodically by the agent.
type HeartbeatPayload struct {
	CameraActive  bool    `json:"camera_active"`
	AudioActive   bool    `json:"audio_active"`
	MonitorActive bool    `json:"monitor_active"`
	MotionEnabled bool    `json:"motion_enabled"`
	SoundEnabled  bool    `json:"sound_enabled"`
	BatteryLevel  *int    `json:"battery_level"`  // nil when not on battery
	PendingCmdID  *string `json:"pending_cmd_id"` // nil if no command running
}

// CommandPayload is sent by the hub to request command execution.
// Command may carry an encoded parameter, e.g. "SET_DEVICE_MODE:AWAY".
type CommandPayload struct {
	CommandID   string `json:"command_id"`
	Command     string `json:"command"`
	RequesterID string `json:"requester_id"`
}

// CommandAckPayload is sent by the agent when a command was handled.
type CommandAckPayload struct {
	CommandID string `json:"command_id"`
}

// CommandFailedPayload is sent by the agent when a command could not be
// executed. Code is empty for legacy agents that only send a message.
type CommandFailedPayload struct {
	CommandID string `json:"command_id"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
}

// StatusReportPayload carries the agent's view of the device status record
// after it applied a mode or sensor change locally.
type StatusReportPayload struct {
	DeviceMode   string `json:"device_mode"`
	IsArmed      bool   `json:"is_armed"`
	MotionEnable bool   `json:"motion_enabled"`
	SoundEnable  bool   `json:"sound_enabled"`
}

// SignalPayload carries one signaling message of a live-view session. The
// body is opaque to the hub; it is relayed verbatim between the two peers of
// the session.
type SignalPayload struct {
	SessionID string          `json:"session_id"`
	DeviceID  string          `json:"device_id"`
	ViewerID  string          `json:"viewer_id"`
	Body      json.RawMessage `json:"body"`
}

// SessionEndPayload signals a terminal session event to the other peer.
type SessionEndPayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// SessionStatePayload reports a live-view lifecycle transition observed by
// the viewer, persisted by the hub.
type SessionStatePayload struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
}
