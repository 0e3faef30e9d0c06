// Package rotation plans, validates and executes key-ring rotations and
// classifies how urgently a ring needs one.
package rotation

import "github.com/glinharesb/keyring-go/internal/keyring"

// KeyRotationPolicy bounds how rings are rotated.
type KeyRotationPolicy struct {
	RotationIntervalDays uint32 `json:"rotation_interval_days"`
	GracePeriodDays      uint32 `json:"grace_period_days"`
	MaxVersions          uint32 `json:"max_versions"`
	WarningDays          uint32 `json:"warning_days"`
}

// DefaultPolicy returns 90 day rotation, 7 day grace, 5 versions and a 30
// day expiry warning.
func DefaultPolicy() KeyRotationPolicy {
	return KeyRotationPolicy{
		RotationIntervalDays: 90,
		GracePeriodDays:      7,
		MaxVersions:          5,
		WarningDays:          30,
	}
}

// ForSchedule overlays a ring's schedule on p.
func (p KeyRotationPolicy) ForSchedule(s keyring.KeyRotationSchedule) KeyRotationPolicy {
	if s.RotationIntervalDays > 0 {
		p.RotationIntervalDays = s.RotationIntervalDays
	}
	if s.MaxVersions > 0 {
		p.MaxVersions = s.MaxVersions
	}
	return p
}
