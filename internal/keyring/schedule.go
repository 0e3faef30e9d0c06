package keyring

import "time"

const (
	DefaultRotationIntervalDays = 90
	DefaultMaxVersions          = 5
)

const day = 24 * time.Hour

// KeyRotationSchedule is the rotation cadence of one ring.
type KeyRotationSchedule struct {
	KeyID                string    `json:"key_id"`
	RotationIntervalDays uint32    `json:"rotation_interval_days"`
	LastRotation         time.Time `json:"last_rotation"`
	NextRotation         time.Time `json:"next_rotation"`
	MaxVersions          uint32    `json:"max_versions"`
	AutoRotate           bool      `json:"auto_rotate"`
}

// NewSchedule returns the default schedule anchored at lastRotation.
func NewSchedule(keyID string, lastRotation time.Time) *KeyRotationSchedule {
	s := &KeyRotationSchedule{
		KeyID:                keyID,
		RotationIntervalDays: DefaultRotationIntervalDays,
		MaxVersions:          DefaultMaxVersions,
	}
	s.touch(lastRotation)
	return s
}

// IsRotationDueAt reports whether now is at or past NextRotation.
func (s *KeyRotationSchedule) IsRotationDueAt(now time.Time) bool {
	return !now.Before(s.NextRotation)
}

func (s *KeyRotationSchedule) touch(at time.Time) {
	s.LastRotation = at.UTC()
	s.recompute()
}

func (s *KeyRotationSchedule) recompute() {
	s.NextRotation = s.LastRotation.Add(time.Duration(s.RotationIntervalDays) * day)
}
