package command

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Channel is the durable, at-least-once command store. Subscribe delivers
// updates for a single command row; the returned cancel is safe to call more
// than once.
type Channel interface {
	Insert(ctx context.Context, cmd *Command) error
	Get(ctx context.Context, id string) (*Command, error)
	Subscribe(id string, fn func(*Command)) (cancel func())
}

// SessionValidator checks a viewer credential and resolves its owner.
type SessionValidator interface {
	ValidateSession(ctx context.Context, token string) (ownerID string, err error)
}

// DeviceChecker verifies that a device exists and belongs to an owner.
type DeviceChecker interface {
	DeviceOwnedBy(ctx context.Context, deviceID, ownerID string) error
}

// OutcomeStatus is the terminal state of a dispatched command.
type OutcomeStatus string

const (
	OutcomeAcknowledged OutcomeStatus = "acknowledged"
	OutcomeFailed       OutcomeStatus = "failed"
	OutcomeTimeout      OutcomeStatus = "timeout"
	// OutcomeCanceled is local-only: the caller went away or a newer command
	// superseded this one. The remote row is not cancelled and the agent may
	// still act on it; callers must tolerate that as a duplicate/no-op.
	OutcomeCanceled OutcomeStatus = "canceled"
)

// Outcome is the result of a dispatched command.
type Outcome struct {
	Status    OutcomeStatus
	Code      Code
	Message   string
	CommandID string
	Elapsed   time.Duration
}

// Options configures a Dispatcher.
type Options struct {
	// Timeout is the acknowledgment window. Zero means DefaultTimeout.
	Timeout time.Duration
	// PollInterval is the safety-net re-fetch cadence backing up the push
	// subscription. Zero means DefaultPollInterval.
	PollInterval time.Duration
}

const (
	DefaultTimeout      = 10 * time.Second
	DefaultPollInterval = 15 * time.Second
)

// Dispatcher turns a high-level intent into a durable command and resolves
// it to an outcome. One outstanding command is tracked per instance: a new
// Send cancels the previous subscription and timer (the already-inserted
// remote row is left alone).
type Dispatcher struct {
	log      zerolog.Logger
	ch       Channel
	sessions SessionValidator
	devices  DeviceChecker
	opts     Options

	// onAuthFailure runs when the caller credential turns out to be invalid.
	// The fail-closed policy (forced logout) lives behind it.
	onAuthFailure func()

	mu       sync.Mutex
	deviceID string
	token    string
	pending  *pendingCommand
}

type pendingCommand struct {
	id        string
	startedAt time.Time
	done      chan Outcome
	once      sync.Once
	timer     *time.Timer
	cancelSub func()
	stopPoll  chan struct{}
}

// NewDispatcher creates a dispatcher bound to a channel and validators.
func NewDispatcher(log zerolog.Logger, ch Channel, sessions SessionValidator, devices DeviceChecker, opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Dispatcher{
		log:      log.With().Str("component", "dispatcher").Logger(),
		ch:       ch,
		sessions: sessions,
		devices:  devices,
		opts:     opts,
	}
}

// SetAuthFailureHook installs the forced-logout callback.
func (d *Dispatcher) SetAuthFailureHook(fn func()) {
	d.mu.Lock()
	d.onAuthFailure = fn
	d.mu.Unlock()
}

// Bind sets the ambient target device and caller credential for later Sends.
func (d *Dispatcher) Bind(deviceID, token string) {
	d.mu.Lock()
	d.deviceID = deviceID
	d.token = token
	d.mu.Unlock()
}

// Payload carries optional structured command parameters.
type Payload struct {
	Mode Mode
}

// Send inserts one command and blocks until it is acknowledged, fails,
// times out, or is superseded. Precondition and channel errors are returned
// as a non-nil error without a terminal outcome; in that case nothing is
// tracked and, for precondition errors, nothing was inserted.
func (d *Dispatcher) Send(ctx context.Context, t Type, payload *Payload) (Outcome, error) {
	d.mu.Lock()
	deviceID, token := d.deviceID, d.token
	authHook := d.onAuthFailure
	d.mu.Unlock()

	if deviceID == "" {
		return Outcome{}, ErrNoDevice
	}
	if token == "" {
		return Outcome{}, ErrNoSession
	}

	ownerID, err := d.sessions.ValidateSession(ctx, token)
	if err != nil {
		// Fail closed: a stale or forged credential is unrecoverable locally.
		if authHook != nil {
			authHook()
		}
		return Outcome{}, ErrInvalidSession
	}

	if err := d.devices.DeviceOwnedBy(ctx, deviceID, ownerID); err != nil {
		return Outcome{}, ErrDeviceNotFound
	}

	var mode Mode
	if payload != nil {
		mode = payload.Mode
	}
	cmd := &Command{
		ID:          uuid.NewString(),
		DeviceID:    deviceID,
		Command:     Encode(t, mode),
		RequesterID: ownerID,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}

	if err := d.ch.Insert(ctx, cmd); err != nil {
		return Outcome{}, fmt.Errorf("enqueue command: %w", err)
	}

	p := &pendingCommand{
		id:        cmd.ID,
		startedAt: time.Now(),
		done:      make(chan Outcome, 1),
		stopPoll:  make(chan struct{}),
	}

	// Last-writer-wins on local tracking: forget the previous command.
	d.mu.Lock()
	if prev := d.pending; prev != nil {
		prev.resolve(Outcome{Status: OutcomeCanceled, CommandID: prev.id, Message: "superseded by a newer command"})
	}
	d.pending = p
	d.mu.Unlock()

	p.cancelSub = d.ch.Subscribe(cmd.ID, func(row *Command) {
		d.settleFromRow(p, row)
	})
	p.timer = time.AfterFunc(d.opts.Timeout, func() {
		p.resolve(Outcome{
			Status:    OutcomeTimeout,
			Code:      CodeTimeout,
			Message:   Guidance(CodeTimeout),
			CommandID: p.id,
		})
	})
	go d.pollLoop(p)

	// The ack may have landed between the insert and the subscription.
	d.reconcile(p)

	d.log.Debug().
		Str("command_id", cmd.ID).
		Str("command", cmd.Command).
		Str("device", cmd.DeviceID).
		Msg("command dispatched")

	var out Outcome
	select {
	case out = <-p.done:
	case <-ctx.Done():
		p.resolve(Outcome{Status: OutcomeCanceled, CommandID: p.id, Message: "caller cancelled"})
		out = <-p.done
	}
	out.Elapsed = time.Since(p.startedAt)
	p.cleanup()
	d.forget(p)
	return out, nil
}

// reconcile re-fetches the authoritative row and settles if it is terminal.
// It is the single routine behind both the push subscription trigger and the
// safety-net poll.
func (d *Dispatcher) reconcile(p *pendingCommand) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	row, err := d.ch.Get(ctx, p.id)
	if err != nil {
		d.log.Debug().Err(err).Str("command_id", p.id).Msg("reconcile fetch failed")
		return
	}
	d.settleFromRow(p, row)
}

func (d *Dispatcher) settleFromRow(p *pendingCommand, row *Command) {
	if row == nil || row.ID != p.id {
		return
	}
	switch {
	case row.Failed():
		code := ClassifyAgentError(row.ErrorCode, row.ErrorMessage)
		msg := row.ErrorMessage
		if msg == "" {
			msg = Guidance(code)
		}
		p.resolve(Outcome{Status: OutcomeFailed, Code: code, Message: msg, CommandID: p.id})
	case row.Acknowledged():
		p.resolve(Outcome{Status: OutcomeAcknowledged, CommandID: p.id})
	}
}

func (d *Dispatcher) pollLoop(p *pendingCommand) {
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopPoll:
			return
		case <-ticker.C:
			d.reconcile(p)
		}
	}
}

func (d *Dispatcher) forget(p *pendingCommand) {
	d.mu.Lock()
	if d.pending == p {
		d.pending = nil
	}
	d.mu.Unlock()
}

// resolve settles the command exactly once. A late timer firing or a
// duplicate row update after the first resolution is a no-op.
func (p *pendingCommand) resolve(out Outcome) {
	p.once.Do(func() {
		p.done <- out
	})
}

// cleanup stops the timer, the subscription, and the poll loop. It runs in
// the Send goroutine once the outcome is in hand, so the fields are fully
// assigned by then. Safe to call twice: Stop and cancel are idempotent and
// the channel close is guarded.
func (p *pendingCommand) cleanup() {
	if p.timer != nil {
		p.timer.Stop()
	}
	if p.cancelSub != nil {
		p.cancelSub()
	}
	select {
	case <-p.stopPoll:
	default:
		close(p.stopPoll)
	}
}
