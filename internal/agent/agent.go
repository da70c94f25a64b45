package agent

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/camfleet/camfleet/internal/command"
	"github.com/camfleet/camfleet/internal/config"
	"github.com/camfleet/camfleet/internal/protocol"
)

// Version is set at build time.
var Version = "dev"

// SignalHandler receives relayed signaling messages for live-view sessions.
// Replies go back through SendSignal.
type SignalHandler func(msgType string, p *protocol.SignalPayload)

// Agent is the on-device runtime. It holds the hub connection, answers
// commands against the local capture stack and reports liveness.
type Agent struct {
	cfg     *config.AgentConfig
	log     zerolog.Logger
	link    *hubLink
	capture Capture

	mu       sync.Mutex
	inflight string // command id currently executing, "" when idle

	signalHandler SignalHandler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new agent.
func New(cfg *config.AgentConfig, log zerolog.Logger, capture Capture) *Agent {
	a := &Agent{
		cfg:     cfg,
		log:     log.With().Str("component", "agent").Logger(),
		capture: capture,
	}
	a.link = newHubLink(cfg, log, a.registerPayload, a.heartbeatPayload)
	return a
}

// SetSignalHandler installs the live-view signaling callback. Must be called
// before Run.
func (a *Agent) SetSignalHandler(h SignalHandler) {
	a.signalHandler = h
}

// Run starts the agent and blocks until the context is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(1)
	go a.messageLoop(ctx)

	a.link.Run(ctx)

	a.wg.Wait()
	return nil
}

// Shutdown stops the agent gracefully.
func (a *Agent) Shutdown() {
	a.log.Info().Msg("shutting down")
	if a.cancel != nil {
		a.cancel()
	}
	a.link.Close()
}

// IsRegistered returns whether the agent completed registration.
func (a *Agent) IsRegistered() bool {
	return a.link.IsRegistered()
}

// registerPayload builds the handshake sent on every new connection.
func (a *Agent) registerPayload() protocol.RegisterPayload {
	return protocol.RegisterPayload{
		DeviceID:          a.cfg.DeviceID,
		DeviceName:        a.cfg.Hostname,
		AgentVersion:      Version,
		Platform:          runtime.GOOS,
		HeartbeatInterval: int(a.cfg.HeartbeatInterval.Seconds()),
	}
}

// heartbeatPayload snapshots the capture stack for the periodic liveness
// report. The sensor-arming flags ride along so the hub's device row tracks
// what the device actually runs, not just what it was told.
func (a *Agent) heartbeatPayload() protocol.HeartbeatPayload {
	state := a.capture.State()

	a.mu.Lock()
	var pending *string
	if a.inflight != "" {
		id := a.inflight
		pending = &id
	}
	a.mu.Unlock()

	return protocol.HeartbeatPayload{
		CameraActive:  state.CameraActive,
		AudioActive:   state.AudioActive,
		MonitorActive: state.MonitorActive,
		MotionEnabled: state.MotionEnabled,
		SoundEnabled:  state.SoundEnabled,
		BatteryLevel:  state.BatteryLevel,
		PendingCmdID:  pending,
	}
}

// messageLoop processes incoming messages.
func (a *Agent) messageLoop(ctx context.Context) {
	defer a.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.link.Inbound():
			a.handleMessage(ctx, msg)
		}
	}
}

func (a *Agent) handleMessage(ctx context.Context, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeCommand:
		var p protocol.CommandPayload
		if err := msg.ParsePayload(&p); err != nil {
			a.log.Error().Err(err).Msg("malformed command payload")
			return
		}
		a.handleCommand(ctx, &p)

	case protocol.TypeSignalOffer, protocol.TypeSignalAnswer, protocol.TypeSignalCandidate, protocol.TypeSessionEnd:
		a.handleSignal(msg)

	default:
		a.log.Debug().Str("type", msg.Type).Msg("ignoring message")
	}
}

// handleCommand routes one command to the capture stack. Only one command
// runs at a time; a second arrival is refused, not queued. Stop commands
// bypass the busy check so a wedged start can always be interrupted.
func (a *Agent) handleCommand(ctx context.Context, p *protocol.CommandPayload) {
	typ, mode := command.Decode(p.Command)

	a.mu.Lock()
	if a.inflight != "" && a.inflight == p.CommandID {
		// The hub replays rows that have not been acked yet; the run
		// already in flight will answer this one.
		a.mu.Unlock()
		a.log.Debug().Str("command_id", p.CommandID).Msg("duplicate delivery ignored")
		return
	}
	if isStopCommand(typ) {
		a.mu.Unlock()
		go a.runCommand(ctx, p, typ, mode, false)
		return
	}
	if a.inflight != "" {
		busy := a.inflight
		a.mu.Unlock()
		a.log.Warn().Str("command_id", p.CommandID).Str("inflight", busy).Msg("command refused, another is running")
		a.sendFailed(p.CommandID, command.CodeCameraBusy, "another command is in progress")
		return
	}
	a.inflight = p.CommandID
	a.mu.Unlock()

	go a.runCommand(ctx, p, typ, mode, true)
}

func isStopCommand(typ command.Type) bool {
	switch typ {
	case command.TypeStopCamera, command.TypeStopLiveView, command.TypeStopMotionDetection:
		return true
	}
	return false
}

func (a *Agent) runCommand(ctx context.Context, p *protocol.CommandPayload, typ command.Type, mode command.Mode, claimed bool) {
	if claimed {
		defer func() {
			a.mu.Lock()
			a.inflight = ""
			a.mu.Unlock()
		}()
	}

	a.log.Info().Str("command_id", p.CommandID).Str("command", string(typ)).Msg("executing command")

	start := time.Now()
	err := a.execute(ctx, typ, mode)
	if err != nil {
		code, msg := classifyCaptureError(err)
		a.log.Error().Err(err).Str("command_id", p.CommandID).Msg("command failed")
		a.sendFailed(p.CommandID, code, msg)
		return
	}

	a.log.Info().Str("command_id", p.CommandID).Dur("elapsed", time.Since(start)).Msg("command done")
	if err := a.link.Send(protocol.TypeCommandAck, protocol.CommandAckPayload{CommandID: p.CommandID}); err != nil {
		a.log.Error().Err(err).Msg("failed to send ack")
	}

	if typ == command.TypeSetDeviceMode {
		a.sendStatusReport()
	}
}

func (a *Agent) execute(ctx context.Context, typ command.Type, mode command.Mode) error {
	switch typ {
	case command.TypeStartCamera:
		return a.capture.StartCamera(ctx)
	case command.TypeStopCamera:
		return a.capture.StopCamera(ctx)
	case command.TypeStartLiveView:
		return a.capture.StartLiveView(ctx)
	case command.TypeStopLiveView:
		return a.capture.StopLiveView(ctx)
	case command.TypeStartMotionDetection:
		return a.capture.StartMotionDetection(ctx)
	case command.TypeStopMotionDetection:
		return a.capture.StopMotionDetection(ctx)
	case command.TypeSetDeviceMode:
		return a.capture.ApplyMode(ctx, mode)
	default:
		return &CaptureError{Code: command.CodeRemoteFailed, Message: "unknown command " + string(typ)}
	}
}

func classifyCaptureError(err error) (command.Code, string) {
	var ce *CaptureError
	if errors.As(err, &ce) {
		return ce.Code, ce.Message
	}
	return command.ClassifyAgentError("", err.Error()), err.Error()
}

func (a *Agent) sendFailed(commandID string, code command.Code, msg string) {
	payload := protocol.CommandFailedPayload{
		CommandID: commandID,
		Code:      string(code),
		Message:   msg,
	}
	if err := a.link.Send(protocol.TypeCommandFailed, payload); err != nil {
		a.log.Error().Err(err).Msg("failed to send failure report")
	}
}

// handleSignal relays a live-view signaling message to the installed handler.
func (a *Agent) handleSignal(msg *protocol.Message) {
	if a.signalHandler == nil {
		a.log.Debug().Str("type", msg.Type).Msg("no signal handler installed")
		return
	}
	var p protocol.SignalPayload
	if msg.Type == protocol.TypeSessionEnd {
		var end protocol.SessionEndPayload
		if err := msg.ParsePayload(&end); err != nil {
			a.log.Error().Err(err).Msg("malformed session end payload")
			return
		}
		p.SessionID = end.SessionID
	} else if err := msg.ParsePayload(&p); err != nil {
		a.log.Error().Err(err).Msg("malformed signal payload")
		return
	}
	a.signalHandler(msg.Type, &p)
}

// SendSignal sends a signaling message for a live-view session to the hub.
func (a *Agent) SendSignal(msgType string, p *protocol.SignalPayload) error {
	return a.link.Send(msgType, p)
}

func (a *Agent) sendStatusReport() {
	state := a.capture.State()
	payload := protocol.StatusReportPayload{
		DeviceMode:   string(state.DeviceMode),
		IsArmed:      state.IsArmed,
		MotionEnable: state.MotionEnabled,
		SoundEnable:  state.SoundEnabled,
	}
	if err := a.link.Send(protocol.TypeStatusReport, payload); err != nil {
		a.log.Error().Err(err).Msg("failed to send status report")
	}
}
