package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/camfleet/camfleet/internal/command"
	"github.com/camfleet/camfleet/internal/devicemode"
)

// Device is a registered camera device.
type Device struct {
	ID        string
	Name      string
	OwnerID   string
	CreatedAt time.Time
}

// CreateDevice registers a device and stores a bcrypt hash of its agent
// token. The plaintext token is never persisted.
func (s *Store) CreateDevice(ctx context.Context, d *Device, agentToken string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(agentToken), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash agent token: %w", err)
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO devices(id, name, owner_id, token_hash, created_at) VALUES (?, ?, ?, ?, ?)
`, d.ID, d.Name, d.OwnerID, string(hash), ts(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert device: %w", err)
	}
	return nil
}

// GetDevice returns one device or ErrNotFound.
func (s *Store) GetDevice(ctx context.Context, id string) (*Device, error) {
	var (
		d         Device
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, name, owner_id, created_at FROM devices WHERE id = ?
`, id).Scan(&d.ID, &d.Name, &d.OwnerID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	t, err := parseTS(createdAt)
	if err != nil {
		return nil, err
	}
	d.CreatedAt = t
	return &d, nil
}

// ListDevices returns all devices owned by ownerID.
func (s *Store) ListDevices(ctx context.Context, ownerID string) ([]*Device, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, owner_id, created_at FROM devices WHERE owner_id = ? ORDER BY created_at
`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []*Device
	for rows.Next() {
		var (
			d         Device
			createdAt string
		)
		if err := rows.Scan(&d.ID, &d.Name, &d.OwnerID, &createdAt); err != nil {
			return nil, err
		}
		t, err := parseTS(createdAt)
		if err != nil {
			return nil, err
		}
		d.CreatedAt = t
		out = append(out, &d)
	}
	return out, rows.Err()
}

// AuthenticateAgent checks a device's agent token against the stored hash.
func (s *Store) AuthenticateAgent(ctx context.Context, deviceID, token string) error {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT token_hash FROM devices WHERE id = ?`, deviceID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load token hash: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
		return command.ErrDeviceNotFound
	}
	return nil
}

// DeviceOwnedBy verifies that deviceID belongs to ownerID.
func (s *Store) DeviceOwnedBy(ctx context.Context, deviceID, ownerID string) error {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT owner_id FROM devices WHERE id = ?`, deviceID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return command.ErrDeviceNotFound
	}
	if err != nil {
		return fmt.Errorf("check device owner: %w", err)
	}
	if owner != ownerID {
		return command.ErrDeviceNotFound
	}
	return nil
}

// GetOrCreateDeviceStatus returns the device's status row, inserting a
// default one on first read so callers never see a missing record.
func (s *Store) GetOrCreateDeviceStatus(ctx context.Context, deviceID string) (*devicemode.DeviceStatus, error) {
	st, err := s.getDeviceStatus(ctx, deviceID)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO device_status(device_id, device_mode, updated_at) VALUES (?, ?, ?)
ON CONFLICT(device_id) DO NOTHING
`, deviceID, string(command.ModeNormal), ts(now))
	if err != nil {
		return nil, fmt.Errorf("create device status: %w", err)
	}
	return s.getDeviceStatus(ctx, deviceID)
}

func (s *Store) getDeviceStatus(ctx context.Context, deviceID string) (*devicemode.DeviceStatus, error) {
	var (
		st            devicemode.DeviceStatus
		isArmed       int
		mode          string
		motion, sound int
		soundTargets  sql.NullString
		lastCommand   sql.NullString
		lastCommandAt sql.NullString
		changedBy     sql.NullString
		lastSeenAt    sql.NullString
		isActive      sql.NullInt64
		updatedAt     string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT device_id, is_armed, device_mode, motion_enabled, sound_enabled, sound_targets,
       last_command, last_command_at, last_mode_changed_by, last_seen_at, is_active, updated_at
FROM device_status WHERE device_id = ?
`, deviceID).Scan(&st.DeviceID, &isArmed, &mode, &motion, &sound, &soundTargets,
		&lastCommand, &lastCommandAt, &changedBy, &lastSeenAt, &isActive, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device status: %w", err)
	}

	st.IsArmed = isArmed != 0
	st.DeviceMode = command.Mode(mode)
	st.MotionEnabled = motion != 0
	st.SoundEnabled = sound != 0
	if soundTargets.Valid && soundTargets.String != "" {
		if err := json.Unmarshal([]byte(soundTargets.String), &st.SoundTargets); err != nil {
			return nil, fmt.Errorf("parse sound targets: %w", err)
		}
	}
	st.LastCommand = lastCommand.String
	if st.LastCommandAt, err = scanTimePtr(lastCommandAt); err != nil {
		return nil, err
	}
	st.LastModeChangedBy = changedBy.String
	if st.LastSeenAt, err = scanTimePtr(lastSeenAt); err != nil {
		return nil, err
	}
	st.IsActive = scanBoolPtr(isActive)
	if st.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return nil, err
	}
	return &st, nil
}

// UpdateDeviceMode writes the device mode and records who changed it.
func (s *Store) UpdateDeviceMode(ctx context.Context, deviceID string, mode command.Mode, changedBy string) error {
	if _, err := s.GetOrCreateDeviceStatus(ctx, deviceID); err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
UPDATE device_status SET device_mode = ?, last_mode_changed_by = ?, updated_at = ? WHERE device_id = ?
`, string(mode), changedBy, ts(now), deviceID)
	if err != nil {
		return fmt.Errorf("update device mode: %w", err)
	}
	s.notifyStatusRow(ctx, deviceID)
	return nil
}

// UpdateArmed writes the armed flag.
func (s *Store) UpdateArmed(ctx context.Context, deviceID string, armed bool, changedBy string) error {
	if _, err := s.GetOrCreateDeviceStatus(ctx, deviceID); err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
UPDATE device_status SET is_armed = ?, last_mode_changed_by = ?, updated_at = ? WHERE device_id = ?
`, boolToInt(armed), changedBy, ts(now), deviceID)
	if err != nil {
		return fmt.Errorf("update armed: %w", err)
	}
	s.notifyStatusRow(ctx, deviceID)
	return nil
}

// HeartbeatUpdate carries the fields a device heartbeat may refresh.
type HeartbeatUpdate struct {
	MotionEnabled bool
	SoundEnabled  bool
	SoundTargets  []string
}

// TouchHeartbeat refreshes last_seen_at and marks the device active, along
// with the activity flags the heartbeat carries.
func (s *Store) TouchHeartbeat(ctx context.Context, deviceID string, hb HeartbeatUpdate) error {
	if _, err := s.GetOrCreateDeviceStatus(ctx, deviceID); err != nil {
		return err
	}
	now := time.Now().UTC()
	var targets any
	if hb.SoundTargets != nil {
		b, err := json.Marshal(hb.SoundTargets)
		if err != nil {
			return fmt.Errorf("encode sound targets: %w", err)
		}
		targets = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE device_status SET last_seen_at = ?, is_active = 1, motion_enabled = ?, sound_enabled = ?,
       sound_targets = COALESCE(?, sound_targets), updated_at = ?
WHERE device_id = ?
`, ts(now), boolToInt(hb.MotionEnabled), boolToInt(hb.SoundEnabled), targets, ts(now), deviceID)
	if err != nil {
		return fmt.Errorf("touch heartbeat: %w", err)
	}
	s.notifyStatusRow(ctx, deviceID)
	return nil
}

// TouchSeen refreshes last_seen_at and marks the device active without
// touching the sensor flags. Registration uses this; the flags arrive with
// the first heartbeat.
func (s *Store) TouchSeen(ctx context.Context, deviceID string) error {
	if _, err := s.GetOrCreateDeviceStatus(ctx, deviceID); err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
UPDATE device_status SET last_seen_at = ?, is_active = 1, updated_at = ? WHERE device_id = ?
`, ts(now), ts(now), deviceID)
	if err != nil {
		return fmt.Errorf("touch seen: %w", err)
	}
	s.notifyStatusRow(ctx, deviceID)
	return nil
}

// RecordLastCommand stamps the most recent command dispatched to the device.
func (s *Store) RecordLastCommand(ctx context.Context, deviceID, wire string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
UPDATE device_status SET last_command = ?, last_command_at = ?, updated_at = ? WHERE device_id = ?
`, wire, ts(now), ts(now), deviceID)
	if err != nil {
		return fmt.Errorf("record last command: %w", err)
	}
	return nil
}

// MarkDeviceInactive clears is_active when the device's socket closes.
func (s *Store) MarkDeviceInactive(ctx context.Context, deviceID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
UPDATE device_status SET is_active = 0, updated_at = ? WHERE device_id = ?
`, ts(now), deviceID)
	if err != nil {
		return fmt.Errorf("mark device inactive: %w", err)
	}
	s.notifyStatusRow(ctx, deviceID)
	return nil
}

// ResetActiveFlags clears every is_active flag. Run at hub startup: no
// device can still be connected to a hub that just booted.
func (s *Store) ResetActiveFlags(ctx context.Context) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
UPDATE device_status SET is_active = 0, updated_at = ? WHERE is_active = 1
`, ts(now))
	if err != nil {
		return fmt.Errorf("reset active flags: %w", err)
	}
	return nil
}

// SubscribeDeviceStatus registers a callback for status changes of one
// device. The returned func cancels the subscription.
func (s *Store) SubscribeDeviceStatus(deviceID string, fn func(*devicemode.DeviceStatus)) func() {
	return s.notifier.subscribeStatus(deviceID, fn)
}

func (s *Store) notifyStatusRow(ctx context.Context, deviceID string) {
	row, err := s.getDeviceStatus(ctx, deviceID)
	if err != nil {
		return
	}
	s.notifier.notifyStatus(row)
}
