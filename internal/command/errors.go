package command

import (
	"errors"
	"strings"
)

// Sentinel errors returned by Send before the channel is contacted.
var (
	ErrNoDevice       = errors.New("no target device selected")
	ErrNoSession      = errors.New("no viewer session")
	ErrInvalidSession = errors.New("viewer session invalid or expired")
	ErrDeviceNotFound = errors.New("device not found or not owned by caller")
)

// Code is a machine-readable failure code surfaced to callers.
type Code string

const (
	CodeDeviceNotFound Code = "DEVICE_NOT_FOUND"
	CodeNoSession      Code = "NO_SESSION"
	CodeInvalidSession Code = "INVALID_SESSION"
	CodeChannelError   Code = "CHANNEL_ERROR"
	CodeTimeout        Code = "TIMEOUT"
	CodeRemoteFailed   Code = "REMOTE_FAILED"

	// Structured codes written by current agents.
	CodeCameraBusy        Code = "CAMERA_BUSY"
	CodeCameraUnavailable Code = "CAMERA_UNAVAILABLE"
	CodePowerSaving       Code = "POWER_SAVING"
	CodePermissionDenied  Code = "PERMISSION_DENIED"
)

// ClassifyAgentError maps a remote failure to a Code. Current agents send a
// structured code which is used as-is when recognized. Legacy agents send
// only a free-text message; the substring matching below is the compatibility
// shim for them and must stay the only place in the repo that inspects error
// message text.
func ClassifyAgentError(code, message string) Code {
	switch Code(code) {
	case CodeCameraBusy, CodeCameraUnavailable, CodePowerSaving, CodePermissionDenied:
		return Code(code)
	}

	m := strings.ToLower(message)
	switch {
	case strings.Contains(m, "power") || strings.Contains(m, "battery"):
		return CodePowerSaving
	case strings.Contains(m, "permission") || strings.Contains(m, "denied"):
		return CodePermissionDenied
	case strings.Contains(m, "busy") || strings.Contains(m, "in use"):
		return CodeCameraBusy
	case strings.Contains(m, "camera") || strings.Contains(m, "device"):
		return CodeCameraUnavailable
	case strings.Contains(m, "timeout") || strings.Contains(m, "timed out"):
		return CodeTimeout
	default:
		return CodeRemoteFailed
	}
}

// Guidance returns a user-facing hint for a failure code. Timeout is
// deliberately distinct from remote failure: it suggests checking the agent
// rather than "something went wrong".
func Guidance(code Code) string {
	switch code {
	case CodeTimeout:
		return "The device did not respond. Check that the camera agent is running and the machine is awake."
	case CodePowerSaving:
		return "The device appears to be in power-saving mode. Plug it in or adjust its power settings."
	case CodeCameraBusy:
		return "The camera is in use by another application on the device."
	case CodeCameraUnavailable:
		return "No usable camera was found on the device."
	case CodePermissionDenied:
		return "The agent does not have camera permission on the device."
	case CodeDeviceNotFound:
		return "This device is not linked to your account."
	case CodeInvalidSession, CodeNoSession:
		return "Your session has expired. Please sign in again."
	default:
		return "The command could not be completed. Please try again."
	}
}
