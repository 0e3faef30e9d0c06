// Package keyring holds the key record model (bundles, rings, rotation
// schedules) and the Manager that orchestrates many named rings.
//
// Nothing in this package touches the filesystem. Persistence is the job of
// the keystore package, which owns exactly one Manager.
package keyring

import "time"

// KeyStatus is the lifecycle state of a single key version.
type KeyStatus string

const (
	StatusActive      KeyStatus = "active"
	StatusDeprecated  KeyStatus = "deprecated"
	StatusCompromised KeyStatus = "compromised"
	StatusExpired     KeyStatus = "expired"
)

// KeyMetadata describes one key version.
type KeyMetadata struct {
	Version     uint32     `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	CreatedBy   string     `json:"created_by"`
	Status      KeyStatus  `json:"status"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Description string     `json:"description,omitempty"`
}

// IsExpiredAt reports whether the key has an expiry at or before now.
func (m KeyMetadata) IsExpiredAt(now time.Time) bool {
	return m.ExpiresAt != nil && !now.Before(*m.ExpiresAt)
}

// IsActiveAt reports whether the key is Active and not past its expiry.
func (m KeyMetadata) IsActiveAt(now time.Time) bool {
	return m.Status == StatusActive && !m.IsExpiredAt(now)
}

// IsActive is IsActiveAt with the wall clock.
func (m KeyMetadata) IsActive() bool {
	return m.IsActiveAt(time.Now())
}
