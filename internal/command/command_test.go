package command

import (
	"testing"
	"time"
)

func TestAcknowledged_SignalsAreOrdered(t *testing.T) {
	now := time.Now()

	cases := []struct {
		name string
		cmd  Command
		want bool
	}{
		{"pending nothing set", Command{Status: StatusPending}, false},
		{"status acknowledged", Command{Status: StatusAcknowledged}, true},
		{"status ack", Command{Status: StatusAck}, true},
		{"status completed", Command{Status: StatusCompleted}, true},
		{"handled flag only", Command{Handled: true}, true},
		{"handled_at only", Command{HandledAt: &now}, true},
		{"failed wins over handled", Command{Status: StatusFailed, Handled: true}, false},
		{"failed wins over handled_at", Command{Status: StatusFailed, HandledAt: &now}, false},
		{"failed wins over everything", Command{Status: StatusFailed, Handled: true, HandledAt: &now}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.cmd.Acknowledged(); got != tc.want {
				t.Errorf("Acknowledged() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestAcknowledged_ZeroHandledAt(t *testing.T) {
	var zero time.Time
	cmd := Command{HandledAt: &zero}
	if cmd.Acknowledged() {
		t.Error("zero handled_at must not count as acknowledged")
	}
}

func TestEncodeDecode(t *testing.T) {
	cases := []struct {
		t    Type
		mode Mode
		wire string
	}{
		{TypeStartLiveView, "", "START_LIVE_VIEW"},
		{TypeSetDeviceMode, ModeAway, "SET_DEVICE_MODE:AWAY"},
		{TypeSetDeviceMode, ModeNormal, "SET_DEVICE_MODE:NORMAL"},
		{TypeSetDeviceMode, "", "SET_DEVICE_MODE"},
	}

	for _, tc := range cases {
		if got := Encode(tc.t, tc.mode); got != tc.wire {
			t.Errorf("Encode(%s, %s) = %q, want %q", tc.t, tc.mode, got, tc.wire)
		}
		gotType, gotMode := Decode(tc.wire)
		if gotType != tc.t || gotMode != tc.mode {
			t.Errorf("Decode(%q) = (%s, %s), want (%s, %s)", tc.wire, gotType, gotMode, tc.t, tc.mode)
		}
	}
}

func TestClassifyAgentError(t *testing.T) {
	cases := []struct {
		name    string
		code    string
		message string
		want    Code
	}{
		{"structured code passes through", "CAMERA_BUSY", "", CodeCameraBusy},
		{"structured code beats message", "POWER_SAVING", "camera is gone", CodePowerSaving},
		{"legacy power message", "", "laptop entered power saving", CodePowerSaving},
		{"legacy battery message", "", "low battery, refusing", CodePowerSaving},
		{"legacy permission message", "", "camera access denied by OS", CodePermissionDenied},
		{"legacy busy message", "", "device in use by Zoom", CodeCameraBusy},
		{"legacy camera message", "", "no camera detected", CodeCameraUnavailable},
		{"legacy timeout message", "", "operation timed out", CodeTimeout},
		{"unrecognized message", "", "segfault in module", CodeRemoteFailed},
		{"unknown code falls to message", "E_WEIRD", "power management kicked in", CodePowerSaving},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyAgentError(tc.code, tc.message); got != tc.want {
				t.Errorf("ClassifyAgentError(%q, %q) = %s, want %s", tc.code, tc.message, got, tc.want)
			}
		})
	}
}
