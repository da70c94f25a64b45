package devicemode

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/camfleet/camfleet/internal/command"
	"github.com/camfleet/camfleet/internal/liveness"
)

// StatusStore is the persistence surface the state machine writes through.
type StatusStore interface {
	GetOrCreateDeviceStatus(ctx context.Context, deviceID string) (*DeviceStatus, error)
	UpdateDeviceMode(ctx context.Context, deviceID string, mode command.Mode, changedBy string) error
	UpdateArmed(ctx context.Context, deviceID string, armed bool, changedBy string) error
	SubscribeDeviceStatus(deviceID string, fn func(*DeviceStatus)) (cancel func())
}

// CommandSender notifies the remote agent of a mode change. The authoritative
// write goes through the StatusStore; the command is how the agent learns
// about it.
type CommandSender interface {
	Send(ctx context.Context, t command.Type, payload *command.Payload) (command.Outcome, error)
}

// Errors surfaced to the user. They are refusals, not silent drops.
var (
	ErrDeviceOffline  = errors.New("device is offline; mode and arming changes are unavailable")
	ErrArmWhileAsleep = errors.New("cannot arm while the device is sleeping: remote sensors cannot be confirmed active")
)

// WarnSleeping is attached to soft-allowed changes on a sleeping device.
const WarnSleeping = "device appears to be sleeping; the change will apply when it wakes"

// pendingTarget records the specific value a local actor requested, so a
// stale echo of the pre-change value cannot clear a newer pending request.
type pendingTarget struct {
	armed *bool
	mode  *command.Mode
}

// Manager drives mode and arming transitions for one device and reconciles
// optimistic local state against authoritative pushed updates.
type Manager struct {
	log        zerolog.Logger
	store      StatusStore
	sender     CommandSender
	deviceID   string
	actor      string
	thresholds liveness.Thresholds

	// now is swappable in tests.
	now func() time.Time

	mu      sync.Mutex
	status  *DeviceStatus
	pending pendingTarget

	cancelSub func()
	stopPoll  chan struct{}
	pollEvery time.Duration
}

// NewManager creates a manager for one device. actor tags its writes in
// last_mode_changed_by. sender may be nil (status writes only).
func NewManager(log zerolog.Logger, store StatusStore, sender CommandSender, deviceID, actor string, th liveness.Thresholds) *Manager {
	return &Manager{
		log:        log.With().Str("component", "devicemode").Str("device", deviceID).Logger(),
		store:      store,
		sender:     sender,
		deviceID:   deviceID,
		actor:      actor,
		thresholds: th,
		now:        time.Now,
		pollEvery:  15 * time.Second,
	}
}

// Start loads the authoritative record, opens the push subscription, and
// starts the safety-net poll. Push and poll both run the same reconcile.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.reconcile(ctx); err != nil {
		return err
	}
	m.cancelSub = m.store.SubscribeDeviceStatus(m.deviceID, func(*DeviceStatus) {
		// Never trust the push payload: re-fetch authoritative state.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.reconcile(ctx); err != nil {
			m.log.Warn().Err(err).Msg("reconcile after push failed")
		}
	})
	m.stopPoll = make(chan struct{})
	go m.pollLoop()
	return nil
}

// Stop closes the subscription and the poll loop. Safe to call twice.
func (m *Manager) Stop() {
	if m.cancelSub != nil {
		m.cancelSub()
		m.cancelSub = nil
	}
	if m.stopPoll != nil {
		select {
		case <-m.stopPoll:
		default:
			close(m.stopPoll)
		}
	}
}

func (m *Manager) pollLoop() {
	ticker := time.NewTicker(m.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopPoll:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := m.reconcile(ctx); err != nil {
				m.log.Debug().Err(err).Msg("poll reconcile failed")
			}
			cancel()
		}
	}
}

// reconcile fetches the authoritative record and clears pending targets that
// the remote state now matches. A non-matching update (a stale echo of the
// pre-change value) leaves the pending target in place.
func (m *Manager) reconcile(ctx context.Context) error {
	status, err := m.store.GetOrCreateDeviceStatus(ctx, m.deviceID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.status = status
	if m.pending.armed != nil && status.IsArmed == *m.pending.armed {
		m.pending.armed = nil
	}
	if m.pending.mode != nil && status.DeviceMode == *m.pending.mode {
		m.pending.mode = nil
	}
	m.mu.Unlock()
	return nil
}

// State is the observable surface handed to the UI layer.
type State struct {
	Status         DeviceStatus
	Classification liveness.Status
	PendingArmed   *bool
	PendingMode    *command.Mode
}

// State returns a snapshot of the current record, its liveness
// classification, and any in-flight optimistic targets.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := State{
		PendingArmed: m.pending.armed,
		PendingMode:  m.pending.mode,
	}
	if m.status != nil {
		st.Status = *m.status
		st.Classification = liveness.Classify(m.status.LastSeenAt, m.status.IsActive, m.now(), m.thresholds)
	} else {
		st.Classification = liveness.StatusUnknown
	}
	return st
}

// SetMode requests a device mode change. Offline devices refuse the change;
// sleeping or unknown devices accept it with a warning. Redundant toggles
// are no-ops.
func (m *Manager) SetMode(ctx context.Context, mode command.Mode) (warning string, err error) {
	if err := m.reconcile(ctx); err != nil {
		return "", err
	}

	m.mu.Lock()
	cls := liveness.Classify(m.status.LastSeenAt, m.status.IsActive, m.now(), m.thresholds)
	current := m.status.DeviceMode
	pendingMode := m.pending.mode
	m.mu.Unlock()

	if cls == liveness.StatusOffline {
		return "", ErrDeviceOffline
	}
	if current == mode && pendingMode == nil {
		return "", nil
	}
	if cls == liveness.StatusSleeping || cls == liveness.StatusUnknown {
		warning = WarnSleeping
	}

	if err := m.writeMode(ctx, mode); err != nil {
		return "", err
	}
	return warning, nil
}

// SetArmed requests an arming change. Arming implicitly forces Away Mode
// first, as a single logical operation: if the mode write fails, armed is
// never written. Arming a sleeping device is refused outright; disarming is
// always a soft operation. Disarming does not revert the mode to NORMAL.
func (m *Manager) SetArmed(ctx context.Context, armed bool) (warning string, err error) {
	if err := m.reconcile(ctx); err != nil {
		return "", err
	}

	m.mu.Lock()
	cls := liveness.Classify(m.status.LastSeenAt, m.status.IsActive, m.now(), m.thresholds)
	current := m.status.IsArmed
	currentMode := m.status.DeviceMode
	pendingArmed := m.pending.armed
	m.mu.Unlock()

	if cls == liveness.StatusOffline {
		return "", ErrDeviceOffline
	}
	if armed && cls == liveness.StatusSleeping {
		return "", ErrArmWhileAsleep
	}
	if current == armed && pendingArmed == nil {
		return "", nil
	}
	if cls == liveness.StatusUnknown {
		warning = WarnSleeping
	}

	if armed && currentMode != command.ModeAway {
		if err := m.writeMode(ctx, command.ModeAway); err != nil {
			return "", err
		}
	}

	m.mu.Lock()
	m.pending.armed = &armed
	m.mu.Unlock()

	if err := m.store.UpdateArmed(ctx, m.deviceID, armed, m.actor); err != nil {
		m.mu.Lock()
		if m.pending.armed != nil && *m.pending.armed == armed {
			m.pending.armed = nil
		}
		m.mu.Unlock()
		return "", err
	}
	return warning, nil
}

// writeMode records the pending target, performs the authoritative write,
// and notifies the agent best-effort.
func (m *Manager) writeMode(ctx context.Context, mode command.Mode) error {
	m.mu.Lock()
	m.pending.mode = &mode
	m.mu.Unlock()

	if err := m.store.UpdateDeviceMode(ctx, m.deviceID, mode, m.actor); err != nil {
		m.mu.Lock()
		if m.pending.mode != nil && *m.pending.mode == mode {
			m.pending.mode = nil
		}
		m.mu.Unlock()
		return err
	}

	if m.sender != nil {
		go func() {
			out, err := m.sender.Send(context.Background(), command.TypeSetDeviceMode, &command.Payload{Mode: mode})
			if err != nil {
				m.log.Warn().Err(err).Msg("mode change command not enqueued")
				return
			}
			if out.Status != command.OutcomeAcknowledged {
				m.log.Warn().
					Str("outcome", string(out.Status)).
					Str("message", out.Message).
					Msg("mode change command not acknowledged")
			}
		}()
	}
	return nil
}
