package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/camfleet/camfleet/internal/command"
)

// InsertCommand persists a new command row in the pending state.
func (s *Store) InsertCommand(ctx context.Context, cmd *command.Command) error {
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now().UTC()
	}
	if cmd.Status == "" {
		cmd.Status = command.StatusPending
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO commands(id, device_id, command, requester_id, status, handled, handled_at, error_code, error_message, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, cmd.ID, cmd.DeviceID, cmd.Command, cmd.RequesterID, string(cmd.Status), boolToInt(cmd.Handled),
		nullableTS(cmd.HandledAt), cmd.ErrorCode, cmd.ErrorMessage, ts(cmd.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert command: %w", err)
	}
	return nil
}

// GetCommand returns one command row or ErrNotFound.
func (s *Store) GetCommand(ctx context.Context, id string) (*command.Command, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, device_id, command, requester_id, status, handled, handled_at, error_code, error_message, created_at
FROM commands WHERE id = ?
`, id)
	cmd, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return cmd, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*command.Command, error) {
	var (
		cmd       command.Command
		status    string
		handled   int
		handledAt sql.NullString
		errCode   sql.NullString
		errMsg    sql.NullString
		createdAt string
	)
	if err := row.Scan(&cmd.ID, &cmd.DeviceID, &cmd.Command, &cmd.RequesterID,
		&status, &handled, &handledAt, &errCode, &errMsg, &createdAt); err != nil {
		return nil, err
	}
	cmd.Status = command.Status(status)
	cmd.Handled = handled != 0
	ha, err := scanTimePtr(handledAt)
	if err != nil {
		return nil, fmt.Errorf("parse handled_at: %w", err)
	}
	cmd.HandledAt = ha
	cmd.ErrorCode = errCode.String
	cmd.ErrorMessage = errMsg.String
	ca, err := parseTS(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	cmd.CreatedAt = ca
	return &cmd, nil
}

// MarkCommandAcked records an acknowledgement from the device. All three
// acknowledgement signals are written together so readers watching any one
// of them converge on the same answer. Subscribers are notified after the
// write commits.
func (s *Store) MarkCommandAcked(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
UPDATE commands SET status = ?, handled = 1, handled_at = ?
WHERE id = ? AND status NOT IN (?, ?)
`, string(command.StatusAcknowledged), ts(now), id, string(command.StatusFailed), string(command.StatusCompleted))
	if err != nil {
		return fmt.Errorf("mark command acked: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already terminal or unknown. Not an error: late acks are expected.
		return nil
	}
	s.notifyCommandRow(ctx, id)
	return nil
}

// MarkCommandFailed records a failure from the device. Failure wins over a
// concurrent acknowledgement, so this write is unconditional.
func (s *Store) MarkCommandFailed(ctx context.Context, id, code, message string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
UPDATE commands SET status = ?, handled = 1, handled_at = ?, error_code = ?, error_message = ?
WHERE id = ?
`, string(command.StatusFailed), ts(now), code, message, id)
	if err != nil {
		return fmt.Errorf("mark command failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.notifyCommandRow(ctx, id)
	return nil
}

// FailStaleCommands fails pending commands older than the cutoff. The
// sweeper runs on the hub so a command to a device that never comes back
// does not stay pending forever.
func (s *Store) FailStaleCommands(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := s.db.QueryContext(ctx, `
SELECT id FROM commands WHERE status = ? AND created_at < ?
`, string(command.StatusPending), ts(cutoff))
	if err != nil {
		return 0, fmt.Errorf("query stale commands: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		if err := s.MarkCommandFailed(ctx, id, string(command.CodeTimeout), "device did not respond"); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// ListCommandHistory returns the most recent commands for a device, newest
// first.
func (s *Store) ListCommandHistory(ctx context.Context, deviceID string, limit int) ([]*command.Command, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, device_id, command, requester_id, status, handled, handled_at, error_code, error_message, created_at
FROM commands WHERE device_id = ? ORDER BY created_at DESC LIMIT ?
`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	var out []*command.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cmd)
	}
	return out, rows.Err()
}

// ListPendingCommands returns the device's undelivered commands, oldest
// first, so redelivery preserves submission order.
func (s *Store) ListPendingCommands(ctx context.Context, deviceID string) ([]*command.Command, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, device_id, command, requester_id, status, handled, handled_at, error_code, error_message, created_at
FROM commands WHERE device_id = ? AND status = ? ORDER BY created_at ASC
`, deviceID, string(command.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("list pending commands: %w", err)
	}
	defer rows.Close()

	var out []*command.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cmd)
	}
	return out, rows.Err()
}

func (s *Store) notifyCommandRow(ctx context.Context, id string) {
	row, err := s.GetCommand(ctx, id)
	if err != nil {
		return
	}
	s.notifier.notifyCommand(row)
}

// CommandChannel adapts the store to the dispatcher's channel interface.
func (s *Store) CommandChannel() command.Channel {
	return commandChannel{s: s}
}

type commandChannel struct {
	s *Store
}

func (c commandChannel) Insert(ctx context.Context, cmd *command.Command) error {
	return c.s.InsertCommand(ctx, cmd)
}

func (c commandChannel) Get(ctx context.Context, id string) (*command.Command, error) {
	return c.s.GetCommand(ctx, id)
}

func (c commandChannel) Subscribe(id string, fn func(*command.Command)) func() {
	return c.s.notifier.subscribeCommand(id, fn)
}
