package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/camfleet/camfleet/internal/command"
)

// hashToken derives the storage key for a viewer token. Only the hash ever
// touches the database.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// CreateViewerSession mints a bearer token for viewerID valid for ttl.
func (s *Store) CreateViewerSession(ctx context.Context, viewerID string, ttl time.Duration) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(buf)
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO viewer_sessions(token_hash, viewer_id, created_at, expires_at) VALUES (?, ?, ?, ?)
`, hashToken(token), viewerID, ts(now), ts(now.Add(ttl)))
	if err != nil {
		return "", fmt.Errorf("insert viewer session: %w", err)
	}
	return token, nil
}

// ValidateSession resolves a bearer token to its viewer id. Expired or
// unknown tokens return command.ErrInvalidSession.
func (s *Store) ValidateSession(ctx context.Context, token string) (string, error) {
	var (
		viewerID  string
		expiresAt string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT viewer_id, expires_at FROM viewer_sessions WHERE token_hash = ?
`, hashToken(token)).Scan(&viewerID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", command.ErrInvalidSession
	}
	if err != nil {
		return "", fmt.Errorf("load viewer session: %w", err)
	}
	exp, err := parseTS(expiresAt)
	if err != nil {
		return "", err
	}
	if time.Now().After(exp) {
		return "", command.ErrInvalidSession
	}
	return viewerID, nil
}

// DeleteViewerSession revokes one token. Unknown tokens are a no-op.
func (s *Store) DeleteViewerSession(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM viewer_sessions WHERE token_hash = ?`, hashToken(token))
	if err != nil {
		return fmt.Errorf("delete viewer session: %w", err)
	}
	return nil
}

// PurgeExpiredSessions removes viewer sessions past their expiry.
func (s *Store) PurgeExpiredSessions(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM viewer_sessions WHERE expires_at < ?`, ts(time.Now().UTC()))
	if err != nil {
		return 0, fmt.Errorf("purge viewer sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// LiveSession is one signaling session between a viewer and a device.
type LiveSession struct {
	ID        string
	DeviceID  string
	ViewerID  string
	State     string
	CreatedAt time.Time
	EndedAt   *time.Time
}

// CreateLiveSession opens a signaling session. Any previous active session
// for the same viewer and device is ended first so at most one is active.
func (s *Store) CreateLiveSession(ctx context.Context, deviceID, viewerID string) (*LiveSession, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
UPDATE live_sessions SET state = 'ended', ended_at = ?
WHERE device_id = ? AND viewer_id = ? AND ended_at IS NULL
`, ts(now), deviceID, viewerID)
	if err != nil {
		return nil, fmt.Errorf("end previous live sessions: %w", err)
	}

	ls := &LiveSession{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		ViewerID:  viewerID,
		State:     "connecting",
		CreatedAt: now,
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO live_sessions(id, device_id, viewer_id, state, created_at) VALUES (?, ?, ?, ?, ?)
`, ls.ID, ls.DeviceID, ls.ViewerID, ls.State, ts(now))
	if err != nil {
		return nil, fmt.Errorf("insert live session: %w", err)
	}
	return ls, nil
}

// GetLiveSession returns one session or ErrNotFound.
func (s *Store) GetLiveSession(ctx context.Context, id string) (*LiveSession, error) {
	var (
		ls        LiveSession
		createdAt string
		endedAt   sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, device_id, viewer_id, state, created_at, ended_at FROM live_sessions WHERE id = ?
`, id).Scan(&ls.ID, &ls.DeviceID, &ls.ViewerID, &ls.State, &createdAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get live session: %w", err)
	}
	if ls.CreatedAt, err = parseTS(createdAt); err != nil {
		return nil, err
	}
	if ls.EndedAt, err = scanTimePtr(endedAt); err != nil {
		return nil, err
	}
	return &ls, nil
}

// UpdateLiveSessionState records a state transition.
func (s *Store) UpdateLiveSessionState(ctx context.Context, id, state string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE live_sessions SET state = ? WHERE id = ?`, state, id)
	if err != nil {
		return fmt.Errorf("update live session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// EndLiveSession marks a session ended. Already-ended sessions are a no-op
// so teardown can run from multiple triggers.
func (s *Store) EndLiveSession(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
UPDATE live_sessions SET state = 'ended', ended_at = ? WHERE id = ? AND ended_at IS NULL
`, ts(now), id)
	if err != nil {
		return fmt.Errorf("end live session: %w", err)
	}
	return nil
}
