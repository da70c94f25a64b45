// Package devicemode implements the device mode / arming state machine: the
// business rule that monitoring requires Away Mode, the liveness guards on
// mode and arm transitions, and the reconciliation of optimistic local state
// with authoritative updates pushed back over the channel.
package devicemode

import (
	"time"

	"github.com/camfleet/camfleet/internal/command"
)

// DeviceStatus is the authoritative, shared mutable record of one device's
// operating mode. Writes are last-write-wins at the row level; there is no
// version column. Two actors toggling simultaneously can produce a result
// neither intended. That race is inherited from the channel design and kept
// as-is: writes are coarse toggles and infrequent, and adding a
// compare-and-swap guard would change observable behavior.
type DeviceStatus struct {
	DeviceID      string
	IsArmed       bool
	DeviceMode    command.Mode
	MotionEnabled bool
	SoundEnabled  bool
	SoundTargets  []string
	LastCommand   string
	LastCommandAt *time.Time

	// LastModeChangedBy tags the actor of the most recent mode write.
	LastModeChangedBy string

	// Heartbeat trail, maintained by the hub.
	LastSeenAt *time.Time
	IsActive   *bool

	UpdatedAt time.Time
}

// Consistent reports whether the record satisfies armed ⇒ mode = AWAY.
// The invariant is enforced by the writer, not the store: the record can
// transiently violate it mid-update, and readers must tolerate that.
func (s *DeviceStatus) Consistent() bool {
	return !s.IsArmed || s.DeviceMode == command.ModeAway
}
