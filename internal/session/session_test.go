package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/camfleet/camfleet/internal/command"
)

type fakeCommander struct {
	mu      sync.Mutex
	sends   []command.Type
	outcome command.Outcome
	err     error
	delay   time.Duration
}

func (f *fakeCommander) Send(ctx context.Context, t command.Type, _ *command.Payload) (command.Outcome, error) {
	f.mu.Lock()
	f.sends = append(f.sends, t)
	out, err, delay := f.outcome, f.err, f.delay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return command.Outcome{}, ctx.Err()
		}
	}
	return out, err
}

func (f *fakeCommander) sent() []command.Type {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]command.Type, len(f.sends))
	copy(out, f.sends)
	return out
}

func (f *fakeCommander) count(t command.Type) int {
	n := 0
	for _, s := range f.sent() {
		if s == t {
			n++
		}
	}
	return n
}

type fakeSignaler struct {
	mu         sync.Mutex
	opened     int
	canceled   int
	sent       []json.RawMessage
	bestEffort []json.RawMessage
	openErr    error
}

func (f *fakeSignaler) Open(_ context.Context, _ string, _ func(json.RawMessage)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.opened++
	return func() {
		f.mu.Lock()
		f.canceled++
		f.mu.Unlock()
	}, nil
}

func (f *fakeSignaler) Send(_ context.Context, _ string, body json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, body)
	return nil
}

func (f *fakeSignaler) SendBestEffort(_ string, body json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bestEffort = append(f.bestEffort, body)
}

type fakeRecorder struct {
	mu     sync.Mutex
	nextID int
	states map[string][]string
	ended  map[string]int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{states: make(map[string][]string), ended: make(map[string]int)}
}

func (f *fakeRecorder) Create(context.Context, string, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := "sess-" + string(rune('0'+f.nextID))
	f.states[id] = []string{"connecting"}
	return id, nil
}

func (f *fakeRecorder) SetState(_ context.Context, id, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[id] = append(f.states[id], state)
	return nil
}

func (f *fakeRecorder) End(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended[id]++
	return nil
}

type fakeSink struct {
	mu           sync.Mutex
	rejectUnmute bool
	attaches     []bool // muted flag per attach
	detaches     int
}

func (f *fakeSink) Attach(_ MediaStream, muted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !muted && f.rejectUnmute {
		return errors.New("autoplay rejected")
	}
	f.attaches = append(f.attaches, muted)
	return nil
}

func (f *fakeSink) Detach() {
	f.mu.Lock()
	f.detaches++
	f.mu.Unlock()
}

type fakeStream struct {
	stops atomic.Int32
}

func (f *fakeStream) StopTracks() { f.stops.Add(1) }

func newTestManager(cmd *fakeCommander, sig *fakeSignaler, rec *fakeRecorder, sink *fakeSink, opts Options) *Manager {
	return NewManager(zerolog.Nop(), cmd, sig, rec, sink, opts)
}

func TestStart_MediaArrivalConnects(t *testing.T) {
	cmd := &fakeCommander{outcome: command.Outcome{Status: command.OutcomeAcknowledged}}
	sig := &fakeSignaler{}
	rec := newFakeRecorder()
	sink := &fakeSink{}
	m := newTestManager(cmd, sig, rec, sink, Options{})

	if err := m.Start(context.Background(), "cam-1", "viewer-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if snap := m.Snapshot(); snap.State != StateConnecting || snap.SessionID == "" {
		t.Fatalf("after start: %+v", snap)
	}

	m.OnStream(&fakeStream{})
	snap := m.Snapshot()
	if snap.State != StateConnected {
		t.Fatalf("state = %v, want connected", snap.State)
	}
	if snap.UnmuteRequired {
		t.Fatal("unmuted attach succeeded, no unmute affordance needed")
	}
}

func TestStart_NotReentrant(t *testing.T) {
	cmd := &fakeCommander{outcome: command.Outcome{Status: command.OutcomeAcknowledged}}
	m := newTestManager(cmd, &fakeSignaler{}, newFakeRecorder(), &fakeSink{}, Options{})

	if err := m.Start(context.Background(), "cam-1", "viewer-1"); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := m.Start(context.Background(), "cam-1", "viewer-1"); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("second start err = %v, want ErrAlreadyActive", err)
	}
}

func TestOnStream_AutoplayRejectionFallsBackMuted(t *testing.T) {
	cmd := &fakeCommander{outcome: command.Outcome{Status: command.OutcomeAcknowledged}}
	sink := &fakeSink{rejectUnmute: true}
	m := newTestManager(cmd, &fakeSignaler{}, newFakeRecorder(), sink, Options{})

	if err := m.Start(context.Background(), "cam-1", "viewer-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	m.OnStream(&fakeStream{})

	snap := m.Snapshot()
	if snap.State != StateConnected {
		t.Fatalf("autoplay rejection must not fail the session, state = %v (%s)", snap.State, snap.ErrorReason)
	}
	if !snap.UnmuteRequired {
		t.Fatal("muted fallback must surface the unmute affordance")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.attaches) != 1 || !sink.attaches[0] {
		t.Fatalf("expected one muted attach, got %v", sink.attaches)
	}
}

// gateSink holds Attach open so a teardown can land mid-attach.
type gateSink struct {
	fakeSink
	entered chan struct{}
	release chan struct{}
}

func (g *gateSink) Attach(s MediaStream, muted bool) error {
	close(g.entered)
	<-g.release
	return g.fakeSink.Attach(s, muted)
}

func TestOnStream_StopDuringAttachReleasesMedia(t *testing.T) {
	cmd := &fakeCommander{outcome: command.Outcome{Status: command.OutcomeAcknowledged}}
	sink := &gateSink{entered: make(chan struct{}), release: make(chan struct{})}
	m := NewManager(zerolog.Nop(), cmd, &fakeSignaler{}, newFakeRecorder(), sink, Options{})

	if err := m.Start(context.Background(), "cam-1", "viewer-1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	stream := &fakeStream{}
	done := make(chan struct{})
	go func() {
		m.OnStream(stream)
		close(done)
	}()

	<-sink.entered
	m.Stop(context.Background())
	close(sink.release)
	<-done

	if stream.stops.Load() == 0 {
		t.Fatal("stream arriving during stop kept its tracks")
	}
	sink.mu.Lock()
	detaches := sink.detaches
	sink.mu.Unlock()
	if detaches == 0 {
		t.Fatal("sink still holds the stream after stop")
	}
	if snap := m.Snapshot(); snap.State == StateConnected {
		t.Fatalf("state = %v, stop lost the race", snap.State)
	}
}

func TestTeardown_RacingTriggersRunOnce(t *testing.T) {
	cmd := &fakeCommander{outcome: command.Outcome{Status: command.OutcomeAcknowledged}}
	sig := &fakeSignaler{}
	rec := newFakeRecorder()
	sink := &fakeSink{}
	m := newTestManager(cmd, sig, rec, sink, Options{})

	if err := m.Start(context.Background(), "cam-1", "viewer-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	stream := &fakeStream{}
	m.OnStream(stream)

	// User stop, unload, and unmount race.
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if n == 1 {
				m.StopOnUnload()
			} else {
				m.Stop(context.Background())
			}
		}(i)
	}
	wg.Wait()
	time.Sleep(50 * time.Millisecond) // let the unload goroutine finish if it won

	if got := stream.stops.Load(); got != 1 {
		t.Fatalf("tracks stopped %d times, want 1", got)
	}
	sink.mu.Lock()
	detaches := sink.detaches
	sink.mu.Unlock()
	if detaches != 1 {
		t.Fatalf("sink detached %d times, want 1", detaches)
	}
	if n := cmd.count(command.TypeStopLiveView); n != 1 {
		t.Fatalf("stop command sent %d times, want 1", n)
	}
	if m.Snapshot().State != StateEnded {
		t.Fatalf("state = %v, want ended", m.Snapshot().State)
	}
}

func TestStop_LocalCleanupUnconditional(t *testing.T) {
	cmd := &fakeCommander{err: errors.New("network down"), delay: 100 * time.Millisecond}
	sig := &fakeSignaler{}
	sink := &fakeSink{}
	m := newTestManager(cmd, sig, newFakeRecorder(), sink, Options{})

	if err := m.Start(context.Background(), "cam-1", "viewer-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	stream := &fakeStream{}

	// Force connected despite the commander erroring for the start too:
	// media arrival is independent of the command outcome.
	m.OnStream(stream)
	if m.Snapshot().State != StateConnected {
		t.Fatalf("state = %v", m.Snapshot().State)
	}

	m.Stop(context.Background())
	if stream.stops.Load() != 1 {
		t.Fatal("tracks not stopped when the stop command fails")
	}
	sig.mu.Lock()
	canceled := sig.canceled
	sig.mu.Unlock()
	if canceled != 1 {
		t.Fatalf("signaling subscription canceled %d times, want 1", canceled)
	}
	if m.Snapshot().State != StateEnded {
		t.Fatalf("state = %v, want ended", m.Snapshot().State)
	}
}

func TestStart_CommandFailureIsTerminal(t *testing.T) {
	cmd := &fakeCommander{outcome: command.Outcome{
		Status:  command.OutcomeFailed,
		Code:    command.CodeCameraBusy,
		Message: "camera busy",
	}}
	m := newTestManager(cmd, &fakeSignaler{}, newFakeRecorder(), &fakeSink{}, Options{})

	if err := m.Start(context.Background(), "cam-1", "viewer-1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if m.Snapshot().State == StateFailed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	snap := m.Snapshot()
	if snap.State != StateFailed || snap.ErrorReason != "camera busy" {
		t.Fatalf("snapshot = %+v, want failed with reason", snap)
	}
}

func TestTimeout_FiresOnlyBeforeMedia(t *testing.T) {
	cmd := &fakeCommander{outcome: command.Outcome{Status: command.OutcomeAcknowledged}}
	m := newTestManager(cmd, &fakeSignaler{}, newFakeRecorder(), &fakeSink{}, Options{Timeout: 80 * time.Millisecond})

	if err := m.Start(context.Background(), "cam-1", "viewer-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if snap := m.Snapshot(); snap.State != StateFailed {
		t.Fatalf("timeout did not fail the attempt, state = %v", snap.State)
	}

	// A fresh attempt that gets media in time must not be killed later.
	m2 := newTestManager(cmd, &fakeSignaler{}, newFakeRecorder(), &fakeSink{}, Options{Timeout: 80 * time.Millisecond})
	if err := m2.Start(context.Background(), "cam-1", "viewer-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	m2.OnStream(&fakeStream{})
	time.Sleep(150 * time.Millisecond)
	if snap := m2.Snapshot(); snap.State != StateConnected {
		t.Fatalf("late timeout fired after success, state = %v (%s)", snap.State, snap.ErrorReason)
	}
}

func TestPeerDisconnect_KeepsSessionIdentity(t *testing.T) {
	cmd := &fakeCommander{outcome: command.Outcome{Status: command.OutcomeAcknowledged}}
	m := newTestManager(cmd, &fakeSignaler{}, newFakeRecorder(), &fakeSink{}, Options{})

	if err := m.Start(context.Background(), "cam-1", "viewer-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && cmd.count(command.TypeStartLiveView) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	m.OnStream(&fakeStream{})
	id := m.Snapshot().SessionID

	m.OnPeerState(PeerDisconnected)
	snap := m.Snapshot()
	if snap.State != StateReconnecting {
		t.Fatalf("state = %v, want reconnecting", snap.State)
	}
	if snap.SessionID != id {
		t.Fatalf("session identity changed on reconnect: %q != %q", snap.SessionID, id)
	}
	// Renegotiation must not dispatch a second start command.
	if n := cmd.count(command.TypeStartLiveView); n != 1 {
		t.Fatalf("start command sent %d times, want 1", n)
	}

	// Media arriving again completes the reconnect.
	m.OnStream(&fakeStream{})
	if m.Snapshot().State != StateConnected {
		t.Fatalf("state = %v, want connected", m.Snapshot().State)
	}
}

func TestPeerFailed_IsTerminal(t *testing.T) {
	cmd := &fakeCommander{outcome: command.Outcome{Status: command.OutcomeAcknowledged}}
	m := newTestManager(cmd, &fakeSignaler{}, newFakeRecorder(), &fakeSink{}, Options{})

	if err := m.Start(context.Background(), "cam-1", "viewer-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	m.OnPeerState(PeerFailed)
	if snap := m.Snapshot(); snap.State != StateFailed || snap.ErrorReason == "" {
		t.Fatalf("snapshot = %+v, want failed with reason", snap)
	}
}

func TestReset_AllowsFreshAttempt(t *testing.T) {
	cmd := &fakeCommander{outcome: command.Outcome{Status: command.OutcomeAcknowledged}}
	m := newTestManager(cmd, &fakeSignaler{}, newFakeRecorder(), &fakeSink{}, Options{})

	if err := m.Reset(); !errors.Is(err, ErrNotResettable) {
		t.Fatalf("reset from idle err = %v, want ErrNotResettable", err)
	}

	if err := m.Start(context.Background(), "cam-1", "viewer-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	m.OnPeerState(PeerClosed)
	if m.Snapshot().State != StateFailed {
		t.Fatalf("state = %v", m.Snapshot().State)
	}

	if err := m.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	snap := m.Snapshot()
	if snap.State != StateIdle || snap.SessionID != "" || snap.ErrorReason != "" {
		t.Fatalf("reset did not clear state: %+v", snap)
	}

	if err := m.Start(context.Background(), "cam-1", "viewer-1"); err != nil {
		t.Fatalf("start after reset: %v", err)
	}
	m.OnStream(&fakeStream{})
	if m.Snapshot().State != StateConnected {
		t.Fatalf("fresh attempt state = %v", m.Snapshot().State)
	}
}

func TestStopOnUnload_FireAndForget(t *testing.T) {
	cmd := &fakeCommander{outcome: command.Outcome{Status: command.OutcomeAcknowledged}, delay: 200 * time.Millisecond}
	sig := &fakeSignaler{}
	m := newTestManager(cmd, sig, newFakeRecorder(), &fakeSink{}, Options{})

	if err := m.Start(context.Background(), "cam-1", "viewer-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	m.OnStream(&fakeStream{})

	start := time.Now()
	m.StopOnUnload()
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("unload path blocked for %v", elapsed)
	}

	sig.mu.Lock()
	bestEffort := len(sig.bestEffort)
	sig.mu.Unlock()
	if bestEffort != 1 {
		t.Fatalf("best-effort signal sent %d times, want 1", bestEffort)
	}
	if m.Snapshot().State != StateEnded {
		t.Fatalf("state = %v, want ended", m.Snapshot().State)
	}
}
