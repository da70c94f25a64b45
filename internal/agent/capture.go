package agent

import (
	"context"
	"fmt"

	"github.com/camfleet/camfleet/internal/command"
)

// CaptureState is a snapshot of the local media stack, reported in
// heartbeats and status reports.
type CaptureState struct {
	CameraActive  bool
	AudioActive   bool
	MonitorActive bool
	BatteryLevel  *int // nil when not on battery

	DeviceMode    command.Mode
	IsArmed       bool
	MotionEnabled bool
	SoundEnabled  bool
}

// Capture drives the local camera stack. Implementations wrap whatever
// media backend runs on the device; the agent only sequences commands
// against it and reports its state upstream.
type Capture interface {
	StartCamera(ctx context.Context) error
	StopCamera(ctx context.Context) error
	StartLiveView(ctx context.Context) error
	StopLiveView(ctx context.Context) error
	StartMotionDetection(ctx context.Context) error
	StopMotionDetection(ctx context.Context) error
	ApplyMode(ctx context.Context, mode command.Mode) error
	State() CaptureState
}

// CaptureError carries a structured failure code from the media stack.
// Errors without a code are classified upstream from their message text.
type CaptureError struct {
	Code    command.Code
	Message string
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
