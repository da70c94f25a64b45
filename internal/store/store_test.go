package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/camfleet/camfleet/internal/command"
	"github.com/camfleet/camfleet/internal/devicemode"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "camfleet.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestDevice(t *testing.T, s *Store, id, owner string) {
	t.Helper()
	err := s.CreateDevice(context.Background(), &Device{ID: id, Name: "office cam", OwnerID: owner}, "agent-token")
	if err != nil {
		t.Fatalf("create device: %v", err)
	}
}

func TestCommandLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	createTestDevice(t, s, "cam-1", "viewer-1")

	cmd := &command.Command{
		ID:          uuid.NewString(),
		DeviceID:    "cam-1",
		Command:     command.Encode(command.TypeStartCamera, ""),
		RequesterID: "viewer-1",
	}
	if err := s.InsertCommand(ctx, cmd); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.GetCommand(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != command.StatusPending || got.Terminal() {
		t.Fatalf("fresh command should be pending, got %+v", got)
	}

	notified := make(chan *command.Command, 1)
	cancel := s.CommandChannel().Subscribe(cmd.ID, func(c *command.Command) { notified <- c })
	defer cancel()

	if err := s.MarkCommandAcked(ctx, cmd.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	select {
	case row := <-notified:
		if !row.Acknowledged() || row.HandledAt == nil || !row.Handled {
			t.Fatalf("ack should set all completion signals, got %+v", row)
		}
	case <-time.After(time.Second):
		t.Fatal("no notification after ack")
	}
}

func TestMarkCommandFailed_WinsOverAck(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	createTestDevice(t, s, "cam-1", "viewer-1")

	cmd := &command.Command{ID: uuid.NewString(), DeviceID: "cam-1", Command: "START_CAMERA", RequesterID: "viewer-1"}
	if err := s.InsertCommand(ctx, cmd); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.MarkCommandAcked(ctx, cmd.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := s.MarkCommandFailed(ctx, cmd.ID, string(command.CodeCameraBusy), "camera busy"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	got, err := s.GetCommand(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Acknowledged() || !got.Failed() {
		t.Fatalf("failure must win, got %+v", got)
	}
	if got.ErrorCode != string(command.CodeCameraBusy) {
		t.Fatalf("error code = %q", got.ErrorCode)
	}

	// And the ack path must not resurrect a failed command.
	if err := s.MarkCommandAcked(ctx, cmd.ID); err != nil {
		t.Fatalf("late ack: %v", err)
	}
	got, _ = s.GetCommand(ctx, cmd.ID)
	if !got.Failed() {
		t.Fatalf("late ack resurrected a failed command: %+v", got)
	}
}

func TestFailStaleCommands(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	createTestDevice(t, s, "cam-1", "viewer-1")

	stale := &command.Command{
		ID: uuid.NewString(), DeviceID: "cam-1", Command: "START_CAMERA",
		RequesterID: "viewer-1", CreatedAt: time.Now().UTC().Add(-time.Hour),
	}
	fresh := &command.Command{ID: uuid.NewString(), DeviceID: "cam-1", Command: "STOP_CAMERA", RequesterID: "viewer-1"}
	for _, c := range []*command.Command{stale, fresh} {
		if err := s.InsertCommand(ctx, c); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	n, err := s.FailStaleCommands(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d commands, want 1", n)
	}

	got, _ := s.GetCommand(ctx, stale.ID)
	if !got.Failed() || got.ErrorCode != string(command.CodeTimeout) {
		t.Fatalf("stale command not timed out: %+v", got)
	}
	got, _ = s.GetCommand(ctx, fresh.ID)
	if got.Status != command.StatusPending {
		t.Fatalf("fresh command touched by sweep: %+v", got)
	}
}

func TestDeviceStatus_CreatedOnFirstRead(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	createTestDevice(t, s, "cam-1", "viewer-1")

	st, err := s.GetOrCreateDeviceStatus(ctx, "cam-1")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if st.DeviceMode != command.ModeNormal || st.IsArmed {
		t.Fatalf("default status wrong: %+v", st)
	}
	if st.IsActive != nil || st.LastSeenAt != nil {
		t.Fatalf("fresh status must have unknown liveness, got %+v", st)
	}
}

func TestHeartbeatAndDisconnect(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	createTestDevice(t, s, "cam-1", "viewer-1")

	notified := make(chan *devicemode.DeviceStatus, 4)
	cancel := s.SubscribeDeviceStatus("cam-1", func(st *devicemode.DeviceStatus) { notified <- st })
	defer cancel()

	err := s.TouchHeartbeat(ctx, "cam-1", HeartbeatUpdate{MotionEnabled: true, SoundTargets: []string{"speaker"}})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	st := <-notified
	if st.IsActive == nil || !*st.IsActive || st.LastSeenAt == nil {
		t.Fatalf("heartbeat did not mark active: %+v", st)
	}
	if !st.MotionEnabled || len(st.SoundTargets) != 1 || st.SoundTargets[0] != "speaker" {
		t.Fatalf("heartbeat fields not stored: %+v", st)
	}

	if err := s.MarkDeviceInactive(ctx, "cam-1"); err != nil {
		t.Fatalf("mark inactive: %v", err)
	}
	st = <-notified
	if st.IsActive == nil || *st.IsActive {
		t.Fatalf("disconnect did not clear active flag: %+v", st)
	}
	if st.LastSeenAt == nil {
		t.Fatal("disconnect must not erase last_seen_at")
	}
}

func TestResetActiveFlags(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	createTestDevice(t, s, "cam-1", "viewer-1")

	if err := s.TouchHeartbeat(ctx, "cam-1", HeartbeatUpdate{}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if err := s.ResetActiveFlags(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	st, _ := s.GetOrCreateDeviceStatus(ctx, "cam-1")
	if st.IsActive == nil || *st.IsActive {
		t.Fatalf("active flag survived reset: %+v", st)
	}
}

func TestModeAndArmedWrites(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	createTestDevice(t, s, "cam-1", "viewer-1")

	if err := s.UpdateDeviceMode(ctx, "cam-1", command.ModeAway, "viewer-1"); err != nil {
		t.Fatalf("update mode: %v", err)
	}
	if err := s.UpdateArmed(ctx, "cam-1", true, "viewer-1"); err != nil {
		t.Fatalf("update armed: %v", err)
	}

	st, _ := s.GetOrCreateDeviceStatus(ctx, "cam-1")
	if st.DeviceMode != command.ModeAway || !st.IsArmed {
		t.Fatalf("writes not persisted: %+v", st)
	}
	if st.LastModeChangedBy != "viewer-1" {
		t.Fatalf("changed-by not recorded: %+v", st)
	}
	if !st.Consistent() {
		t.Fatalf("armed state inconsistent: %+v", st)
	}
}

func TestViewerSessions(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	token, err := s.CreateViewerSession(ctx, "viewer-1", time.Hour)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	viewerID, err := s.ValidateSession(ctx, token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if viewerID != "viewer-1" {
		t.Fatalf("viewer id = %q", viewerID)
	}

	if _, err := s.ValidateSession(ctx, "bogus"); !errors.Is(err, command.ErrInvalidSession) {
		t.Fatalf("bogus token err = %v", err)
	}

	expired, err := s.CreateViewerSession(ctx, "viewer-2", -time.Minute)
	if err != nil {
		t.Fatalf("create expired session: %v", err)
	}
	if _, err := s.ValidateSession(ctx, expired); !errors.Is(err, command.ErrInvalidSession) {
		t.Fatalf("expired token err = %v", err)
	}

	if err := s.DeleteViewerSession(ctx, token); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.ValidateSession(ctx, token); !errors.Is(err, command.ErrInvalidSession) {
		t.Fatalf("deleted token err = %v", err)
	}

	if n, err := s.PurgeExpiredSessions(ctx); err != nil || n != 1 {
		t.Fatalf("purge = %d, %v; want 1, nil", n, err)
	}
}

func TestLiveSessions_SingleActivePerPair(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	createTestDevice(t, s, "cam-1", "viewer-1")

	first, err := s.CreateLiveSession(ctx, "cam-1", "viewer-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := s.CreateLiveSession(ctx, "cam-1", "viewer-1")
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	got, _ := s.GetLiveSession(ctx, first.ID)
	if got.State != "ended" || got.EndedAt == nil {
		t.Fatalf("first session should have been ended: %+v", got)
	}
	got, _ = s.GetLiveSession(ctx, second.ID)
	if got.State != "connecting" || got.EndedAt != nil {
		t.Fatalf("second session should be active: %+v", got)
	}

	// Teardown is idempotent.
	if err := s.EndLiveSession(ctx, second.ID); err != nil {
		t.Fatalf("end: %v", err)
	}
	endedOnce, _ := s.GetLiveSession(ctx, second.ID)
	time.Sleep(10 * time.Millisecond)
	if err := s.EndLiveSession(ctx, second.ID); err != nil {
		t.Fatalf("second end: %v", err)
	}
	endedTwice, _ := s.GetLiveSession(ctx, second.ID)
	if !endedOnce.EndedAt.Equal(*endedTwice.EndedAt) {
		t.Fatal("second teardown moved the end timestamp")
	}
}

func TestOwnershipAndAgentAuth(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	createTestDevice(t, s, "cam-1", "viewer-1")

	if err := s.DeviceOwnedBy(ctx, "cam-1", "viewer-1"); err != nil {
		t.Fatalf("owner check: %v", err)
	}
	if err := s.DeviceOwnedBy(ctx, "cam-1", "intruder"); !errors.Is(err, command.ErrDeviceNotFound) {
		t.Fatalf("wrong owner err = %v", err)
	}
	if err := s.DeviceOwnedBy(ctx, "ghost", "viewer-1"); !errors.Is(err, command.ErrDeviceNotFound) {
		t.Fatalf("unknown device err = %v", err)
	}

	if err := s.AuthenticateAgent(ctx, "cam-1", "agent-token"); err != nil {
		t.Fatalf("agent auth: %v", err)
	}
	if err := s.AuthenticateAgent(ctx, "cam-1", "wrong"); err == nil {
		t.Fatal("wrong agent token accepted")
	}
}
