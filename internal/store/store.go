// Package store is the sqlite persistence layer shared by the hub, the
// command dispatcher, and the device mode state machine. It is also the
// in-process change bus: writes that settle a command or replace a device
// status fan out to subscribers.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

type Store struct {
	db       *sql.DB
	notifier *notifier
}

// Open opens (creating if needed) the database at path and applies the
// schema. WAL plus a single connection keeps writers from tripping over
// each other.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := createTables(ctx, db); err != nil {
		return nil, err
	}
	return &Store{db: db, notifier: newNotifier()}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func createTables(ctx context.Context, db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		token_hash TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_devices_owner ON devices(owner_id);

	CREATE TABLE IF NOT EXISTS device_status (
		device_id TEXT PRIMARY KEY,
		is_armed INTEGER NOT NULL DEFAULT 0,
		device_mode TEXT NOT NULL DEFAULT 'NORMAL',
		motion_enabled INTEGER NOT NULL DEFAULT 0,
		sound_enabled INTEGER NOT NULL DEFAULT 0,
		sound_targets TEXT,
		last_command TEXT,
		last_command_at TEXT,
		last_mode_changed_by TEXT,
		last_seen_at TEXT,
		is_active INTEGER,
		updated_at TEXT NOT NULL,
		FOREIGN KEY (device_id) REFERENCES devices(id)
	);

	CREATE TABLE IF NOT EXISTS commands (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		command TEXT NOT NULL,
		requester_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		handled INTEGER NOT NULL DEFAULT 0,
		handled_at TEXT,
		error_code TEXT,
		error_message TEXT,
		created_at TEXT NOT NULL,
		FOREIGN KEY (device_id) REFERENCES devices(id)
	);

	CREATE INDEX IF NOT EXISTS idx_commands_device ON commands(device_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_commands_status ON commands(status);

	CREATE TABLE IF NOT EXISTS viewer_sessions (
		token_hash TEXT PRIMARY KEY,
		viewer_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_viewer_sessions_expires ON viewer_sessions(expires_at);

	CREATE TABLE IF NOT EXISTS live_sessions (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		viewer_id TEXT NOT NULL,
		state TEXT NOT NULL,
		created_at TEXT NOT NULL,
		ended_at TEXT,
		FOREIGN KEY (device_id) REFERENCES devices(id)
	);

	CREATE INDEX IF NOT EXISTS idx_live_sessions_device ON live_sessions(device_id, created_at);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func scanTimePtr(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTS(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableBool(b *bool) any {
	if b == nil {
		return nil
	}
	return boolToInt(*b)
}

func scanBoolPtr(v sql.NullInt64) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Int64 != 0
	return &b
}
