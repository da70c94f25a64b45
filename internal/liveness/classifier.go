// Package liveness derives a device's connection status from its heartbeat
// trail. It is the only place in the repository where the online/sleeping
// cutoffs live; every consumer calls Classify with the same Thresholds.
package liveness

import "time"

// Status is the derived liveness classification of a device.
type Status string

const (
	StatusOnline   Status = "online"
	StatusSleeping Status = "sleeping"
	StatusOffline  Status = "offline"
	StatusUnknown  Status = "unknown"
)

// MissingPolicy decides how a device with no heartbeat data is classified.
type MissingPolicy int

const (
	// MissingIsUnknown reports a device with no last-seen timestamp as unknown.
	MissingIsUnknown MissingPolicy = iota
	// MissingIsOffline reports a device with no last-seen timestamp as offline.
	MissingIsOffline
)

// Thresholds holds the age cutoffs for classification.
type Thresholds struct {
	// Online is the maximum heartbeat age for a device to count as online.
	Online time.Duration
	// Sleep is the maximum heartbeat age for a device to count as sleeping.
	// Beyond it the device is offline.
	Sleep time.Duration
	// Missing controls classification when no heartbeat was ever seen.
	Missing MissingPolicy
}

// DefaultThresholds are the product-wide cutoffs: a heartbeat within 30s
// means online, within 5 minutes means the machine is likely asleep.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Online:  30 * time.Second,
		Sleep:   300 * time.Second,
		Missing: MissingIsUnknown,
	}
}

// Classify derives a status from the last heartbeat timestamp and the
// explicit active flag. An explicit isActive=false wins over any timestamp
// heuristic. lastSeen and isActive are pointers because both can be absent
// in the underlying record.
func Classify(lastSeen *time.Time, isActive *bool, now time.Time, th Thresholds) Status {
	if isActive != nil && !*isActive {
		return StatusOffline
	}
	if lastSeen == nil || lastSeen.IsZero() {
		if th.Missing == MissingIsOffline {
			return StatusOffline
		}
		return StatusUnknown
	}

	age := now.Sub(*lastSeen)
	switch {
	case age <= th.Online:
		return StatusOnline
	case age <= th.Sleep:
		return StatusSleeping
	default:
		return StatusOffline
	}
}
