// Package session drives a single live-view attempt from intent to either a
// playable media stream or a terminal error. It coordinates the command
// channel (telling the remote agent to produce media) with a signaling
// exchange (establishing the peer connection). The signaling payloads are
// opaque; the manager only cares about session identity and lifecycle.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/camfleet/camfleet/internal/command"
)

// State is the lifecycle state of one session attempt.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
	StateEnded        State = "ended"
)

// PeerState mirrors the peer connection states the manager reacts to.
type PeerState string

const (
	PeerDisconnected PeerState = "disconnected"
	PeerFailed       PeerState = "failed"
	PeerClosed       PeerState = "closed"
)

var (
	ErrAlreadyActive = errors.New("a live-view session is already in flight")
	ErrNotResettable = errors.New("session is not in a terminal state")
)

// Commander dispatches remote commands. The dispatcher satisfies this.
type Commander interface {
	Send(ctx context.Context, t command.Type, payload *command.Payload) (command.Outcome, error)
}

// Signaler carries opaque signaling bodies for a session. SendBestEffort is
// the unload path: it must not block and its delivery is not guaranteed.
type Signaler interface {
	Open(ctx context.Context, sessionID string, onRemote func(json.RawMessage)) (cancel func(), err error)
	Send(ctx context.Context, sessionID string, body json.RawMessage) error
	SendBestEffort(sessionID string, body json.RawMessage)
}

// Recorder persists session lifecycle so other hub components can see it.
type Recorder interface {
	Create(ctx context.Context, deviceID, viewerID string) (sessionID string, err error)
	SetState(ctx context.Context, sessionID, state string) error
	End(ctx context.Context, sessionID string) error
}

// MediaStream is the remote stream handed to the sink. Stopping tracks on
// teardown releases the capture on some platforms, so it is part of the
// contract.
type MediaStream interface {
	StopTracks()
}

// MediaSink plays a stream. Attach with muted=false may be rejected by the
// platform's autoplay policy; the manager retries muted and surfaces the
// unmute affordance instead of failing the session.
type MediaSink interface {
	Attach(stream MediaStream, muted bool) error
	Detach()
}

// Options tunes one manager.
type Options struct {
	// StartCommand selects the media variant, default START_LIVE_VIEW.
	StartCommand command.Type
	// Timeout bounds attempt start to first media, default 60s.
	Timeout time.Duration
}

const DefaultTimeout = 60 * time.Second

// Snapshot is the observable state handed to the UI layer.
type Snapshot struct {
	State          State
	SessionID      string
	ErrorReason    string
	UnmuteRequired bool
}

// Manager is the per-viewer live-view state machine. Methods are safe for
// concurrent use; the three teardown triggers (user stop, unload, unmount)
// may race and collapse into one teardown.
type Manager struct {
	log  zerolog.Logger
	cmd  Commander
	sig  Signaler
	rec  Recorder
	sink MediaSink
	opts Options

	// onRemoteSignal receives relayed signaling bodies for the active
	// session. The peer-connection glue sets it before Start.
	onRemoteSignal func(json.RawMessage)

	mu             sync.Mutex
	state          State
	sessionID      string
	deviceID       string
	errorReason    string
	unmuteRequired bool
	stream         MediaStream
	timer          *time.Timer
	cancelSig      func()

	// stopped dedupes teardown within one attempt. Reset rearms it.
	stopped atomic.Bool
}

func NewManager(log zerolog.Logger, cmd Commander, sig Signaler, rec Recorder, sink MediaSink, opts Options) *Manager {
	if opts.StartCommand == "" {
		opts.StartCommand = command.TypeStartLiveView
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Manager{
		log:   log.With().Str("component", "session").Logger(),
		cmd:   cmd,
		sig:   sig,
		rec:   rec,
		sink:  sink,
		opts:  opts,
		state: StateIdle,
	}
}

// SetRemoteSignalHandler installs the callback for relayed signaling bodies.
// Must be called before Start.
func (m *Manager) SetRemoteSignalHandler(fn func(json.RawMessage)) {
	m.mu.Lock()
	m.onRemoteSignal = fn
	m.mu.Unlock()
}

// Start begins a session attempt. It is not re-entrant: a second Start while
// one attempt is in flight returns ErrAlreadyActive. The start command is
// dispatched in the background because media arrival, not the ack, is the
// success signal and may race ahead of it.
func (m *Manager) Start(ctx context.Context, deviceID, viewerID string) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return ErrAlreadyActive
	}
	m.state = StateConnecting
	m.deviceID = deviceID
	m.mu.Unlock()

	sessionID, err := m.rec.Create(ctx, deviceID, viewerID)
	if err != nil {
		m.fail("could not create session: " + err.Error())
		return err
	}

	m.mu.Lock()
	m.sessionID = sessionID
	onRemote := m.onRemoteSignal
	m.mu.Unlock()

	cancelSig, err := m.sig.Open(ctx, sessionID, func(body json.RawMessage) {
		if onRemote != nil {
			onRemote(body)
		}
	})
	if err != nil {
		m.fail("signaling unavailable: " + err.Error())
		return err
	}

	m.mu.Lock()
	m.cancelSig = cancelSig
	m.timer = time.AfterFunc(m.opts.Timeout, m.onTimeout)
	m.mu.Unlock()

	go m.dispatchStart(sessionID)
	return nil
}

// dispatchStart sends the start command and fails the attempt on a start
// failure, unless media already arrived.
func (m *Manager) dispatchStart(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.Timeout)
	defer cancel()

	out, err := m.cmd.Send(ctx, m.opts.StartCommand, nil)
	if err != nil {
		m.failIfStillConnecting("start command not sent: " + err.Error())
		return
	}
	switch out.Status {
	case command.OutcomeAcknowledged:
		m.log.Debug().Str("session", sessionID).Msg("start command acknowledged")
	case command.OutcomeCanceled:
		// Superseded locally, the newer attempt owns the outcome.
	default:
		reason := out.Message
		if reason == "" {
			reason = command.Guidance(out.Code)
		}
		m.failIfStillConnecting(reason)
	}
}

// SendSignal forwards a local signaling body for the active session.
func (m *Manager) SendSignal(ctx context.Context, body json.RawMessage) error {
	m.mu.Lock()
	sessionID := m.sessionID
	m.mu.Unlock()
	if sessionID == "" {
		return errors.New("no active session")
	}
	return m.sig.Send(ctx, sessionID, body)
}

// OnStream is invoked when the remote media stream arrives. Attaching it is
// the connecting→connected transition. Unmuted playback is attempted first;
// on autoplay rejection the stream plays muted and UnmuteRequired is set so
// the UI can offer a tap-to-unmute control.
func (m *Manager) OnStream(stream MediaStream) {
	m.mu.Lock()
	if m.state != StateConnecting && m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	muted := false
	if err := m.sink.Attach(stream, false); err != nil {
		if err := m.sink.Attach(stream, true); err != nil {
			m.fail("could not attach media: " + err.Error())
			return
		}
		muted = true
	}

	m.mu.Lock()
	if m.state != StateConnecting && m.state != StateReconnecting {
		// Torn down while attaching. The teardown never saw this stream,
		// so it is released here.
		m.mu.Unlock()
		stream.StopTracks()
		m.sink.Detach()
		return
	}
	m.state = StateConnected
	m.stream = stream
	m.unmuteRequired = muted
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	sessionID := m.sessionID
	m.mu.Unlock()

	m.recordState(sessionID, string(StateConnected))
	m.log.Info().Str("session", sessionID).Bool("muted", muted).Msg("media attached")
}

// OnPeerState reacts to peer connection state changes. A disconnect while
// the session is still desired is transient: the manager keeps the session
// identity and waits for renegotiation instead of starting a new session.
func (m *Manager) OnPeerState(ps PeerState) {
	switch ps {
	case PeerDisconnected:
		m.mu.Lock()
		if m.state != StateConnecting && m.state != StateConnected {
			m.mu.Unlock()
			return
		}
		m.state = StateReconnecting
		sessionID := m.sessionID
		// Reconnection is bounded by the same overall timeout.
		if m.timer == nil {
			m.timer = time.AfterFunc(m.opts.Timeout, m.onTimeout)
		}
		m.mu.Unlock()
		m.recordState(sessionID, string(StateReconnecting))
		m.log.Warn().Str("session", sessionID).Msg("peer disconnected, renegotiating")
	case PeerFailed, PeerClosed:
		m.fail("peer connection " + string(ps))
	}
}

// Stop ends the session: local teardown is unconditional, the remote stop
// notification is best-effort. Safe to call from racing triggers; only the
// first caller runs the teardown.
func (m *Manager) Stop(ctx context.Context) {
	if !m.stopped.CompareAndSwap(false, true) {
		return
	}
	sessionID := m.teardownLocked(StateEnded, "")
	if sessionID == "" {
		return
	}

	if _, err := m.cmd.Send(ctx, command.TypeStopLiveView, nil); err != nil {
		m.log.Warn().Err(err).Str("session", sessionID).Msg("stop command not delivered")
	}
	if err := m.rec.End(ctx, sessionID); err != nil {
		m.log.Warn().Err(err).Str("session", sessionID).Msg("session record not closed")
	}
}

// StopOnUnload is the page-unload path: nothing here may block or await a
// response. Local cleanup still runs; the remote stop is fire-and-forget.
func (m *Manager) StopOnUnload() {
	if !m.stopped.CompareAndSwap(false, true) {
		return
	}
	sessionID := m.teardownLocked(StateEnded, "")
	if sessionID == "" {
		return
	}
	m.sig.SendBestEffort(sessionID, json.RawMessage(`{"type":"session_end"}`))
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.cmd.Send(ctx, command.TypeStopLiveView, nil)
		m.rec.End(ctx, sessionID)
	}()
}

// Reset returns a terminal session to idle for a fresh attempt.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateFailed && m.state != StateEnded {
		return ErrNotResettable
	}
	m.state = StateIdle
	m.sessionID = ""
	m.deviceID = ""
	m.errorReason = ""
	m.unmuteRequired = false
	m.stopped.Store(false)
	return nil
}

// Snapshot returns the observable session state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		State:          m.state,
		SessionID:      m.sessionID,
		ErrorReason:    m.errorReason,
		UnmuteRequired: m.unmuteRequired,
	}
}

// onTimeout fires when no media arrived within the overall timeout. The
// status check makes a late fire after success a guaranteed no-op.
func (m *Manager) onTimeout() {
	m.mu.Lock()
	late := m.state != StateConnecting && m.state != StateReconnecting
	m.mu.Unlock()
	if late {
		return
	}
	m.fail("timed out waiting for media")
}

// fail moves any non-terminal state to failed and runs local teardown.
func (m *Manager) fail(reason string) {
	if !m.stopped.CompareAndSwap(false, true) {
		return
	}
	sessionID := m.teardownLocked(StateFailed, reason)
	if sessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.recordState(sessionID, string(StateFailed))
	m.rec.End(ctx, sessionID)
	m.log.Warn().Str("session", sessionID).Str("reason", reason).Msg("session failed")
}

func (m *Manager) failIfStillConnecting(reason string) {
	m.mu.Lock()
	connecting := m.state == StateConnecting
	m.mu.Unlock()
	if connecting {
		m.fail(reason)
	}
}

// teardownLocked performs the unconditional local cleanup: stop tracks,
// detach the sink, cancel the signaling subscription and the timeout timer.
// Returns the session id, or "" when the attempt never got one.
func (m *Manager) teardownLocked(final State, reason string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateFailed || m.state == StateEnded {
		return ""
	}
	m.state = final
	m.errorReason = reason

	if m.stream != nil {
		m.stream.StopTracks()
		m.stream = nil
	}
	m.sink.Detach()
	if m.cancelSig != nil {
		m.cancelSig()
		m.cancelSig = nil
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	return m.sessionID
}

func (m *Manager) recordState(sessionID, state string) {
	if sessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.rec.SetState(ctx, sessionID, state); err != nil {
		m.log.Debug().Err(err).Str("session", sessionID).Msg("session state not recorded")
	}
}
