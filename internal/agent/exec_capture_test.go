package agent

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/camfleet/camfleet/internal/command"
)

func TestExecCapture_TracksStateWithoutHelpers(t *testing.T) {
	c := NewExecCapture(HelperCommands{})
	ctx := context.Background()

	if err := c.StartCamera(ctx); err != nil {
		t.Fatalf("start camera: %v", err)
	}
	if err := c.StartMotionDetection(ctx); err != nil {
		t.Fatalf("start motion: %v", err)
	}

	state := c.State()
	if !state.CameraActive || !state.MotionEnabled {
		t.Errorf("state = %+v", state)
	}
	if state.DeviceMode != command.ModeNormal {
		t.Errorf("mode = %q", state.DeviceMode)
	}

	if err := c.StopCamera(ctx); err != nil {
		t.Fatalf("stop camera: %v", err)
	}
	if c.State().CameraActive {
		t.Error("camera still active after stop")
	}
}

func TestExecCapture_HelperFailureSurfacesOutput(t *testing.T) {
	c := NewExecCapture(HelperCommands{
		CameraStart: "echo 'camera is in use by Zoom' >&2; exit 1",
	})

	err := c.StartCamera(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "in use by Zoom") {
		t.Errorf("error = %v", err)
	}
	if c.State().CameraActive {
		t.Error("failed start must not mark camera active")
	}
}

func TestExecCapture_ModeHelperReceivesMode(t *testing.T) {
	dir := t.TempDir()
	c := NewExecCapture(HelperCommands{
		ModeApply: "printf %s \"$1\" > " + dir + "/mode",
	})

	if err := c.ApplyMode(context.Background(), command.ModeAway); err != nil {
		t.Fatalf("apply mode: %v", err)
	}
	if c.State().DeviceMode != command.ModeAway {
		t.Errorf("mode = %q", c.State().DeviceMode)
	}

	data, err := os.ReadFile(dir + "/mode")
	if err != nil {
		t.Fatalf("read helper output: %v", err)
	}
	if string(data) != "AWAY" {
		t.Errorf("helper saw mode %q", data)
	}
}

func TestExecCapture_RejectsUnknownMode(t *testing.T) {
	c := NewExecCapture(HelperCommands{})

	err := c.ApplyMode(context.Background(), command.Mode("PARTY"))
	if err == nil {
		t.Fatal("expected error")
	}
	if c.State().DeviceMode != command.ModeNormal {
		t.Errorf("mode changed to %q", c.State().DeviceMode)
	}
}
