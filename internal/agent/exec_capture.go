package agent

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/camfleet/camfleet/internal/command"
)

const helperTimeout = 30 * time.Second

// HelperCommands configures the shell commands ExecCapture runs for each
// action. Empty entries are no-ops; state is tracked either way.
type HelperCommands struct {
	CameraStart   string
	CameraStop    string
	LiveViewStart string
	LiveViewStop  string
	MotionStart   string
	MotionStop    string
	ModeApply     string // receives the mode as $1
}

// ExecCapture drives the camera stack through external helper commands.
// The helpers own the platform-specific media work; this type only
// sequences them and tracks the resulting state.
type ExecCapture struct {
	cmds HelperCommands

	mu    sync.Mutex
	state CaptureState
}

// NewExecCapture creates a capture backed by the given helper commands.
func NewExecCapture(cmds HelperCommands) *ExecCapture {
	return &ExecCapture{
		cmds: cmds,
		state: CaptureState{
			DeviceMode: command.ModeNormal,
		},
	}
}

// run executes one helper through the shell. Helper output on failure is
// surfaced in the error so the hub can classify it.
func (c *ExecCapture) run(ctx context.Context, cmdline string, args ...string) error {
	if cmdline == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, helperTimeout)
	defer cancel()

	argv := append([]string{"-c", cmdline, "helper"}, args...)
	out, err := exec.CommandContext(ctx, "/bin/sh", argv...).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("helper failed: %s", msg)
	}
	return nil
}

func (c *ExecCapture) StartCamera(ctx context.Context) error {
	if err := c.run(ctx, c.cmds.CameraStart); err != nil {
		return err
	}
	c.mu.Lock()
	c.state.CameraActive = true
	c.mu.Unlock()
	return nil
}

func (c *ExecCapture) StopCamera(ctx context.Context) error {
	if err := c.run(ctx, c.cmds.CameraStop); err != nil {
		return err
	}
	c.mu.Lock()
	c.state.CameraActive = false
	c.mu.Unlock()
	return nil
}

func (c *ExecCapture) StartLiveView(ctx context.Context) error {
	if err := c.run(ctx, c.cmds.LiveViewStart); err != nil {
		return err
	}
	c.mu.Lock()
	c.state.CameraActive = true
	c.state.MonitorActive = true
	c.mu.Unlock()
	return nil
}

func (c *ExecCapture) StopLiveView(ctx context.Context) error {
	if err := c.run(ctx, c.cmds.LiveViewStop); err != nil {
		return err
	}
	c.mu.Lock()
	c.state.MonitorActive = false
	c.mu.Unlock()
	return nil
}

func (c *ExecCapture) StartMotionDetection(ctx context.Context) error {
	if err := c.run(ctx, c.cmds.MotionStart); err != nil {
		return err
	}
	c.mu.Lock()
	c.state.MotionEnabled = true
	c.mu.Unlock()
	return nil
}

func (c *ExecCapture) StopMotionDetection(ctx context.Context) error {
	if err := c.run(ctx, c.cmds.MotionStop); err != nil {
		return err
	}
	c.mu.Lock()
	c.state.MotionEnabled = false
	c.mu.Unlock()
	return nil
}

func (c *ExecCapture) ApplyMode(ctx context.Context, mode command.Mode) error {
	if mode != command.ModeNormal && mode != command.ModeAway {
		return &CaptureError{Code: command.CodeRemoteFailed, Message: "unknown mode " + string(mode)}
	}
	if err := c.run(ctx, c.cmds.ModeApply, string(mode)); err != nil {
		return err
	}
	c.mu.Lock()
	c.state.DeviceMode = mode
	c.mu.Unlock()
	return nil
}

func (c *ExecCapture) State() CaptureState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
