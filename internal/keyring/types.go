package keyring

import "time"

// KeyVersion identifies a freshly created key version.
type KeyVersion struct {
	KeyID     string    `json:"key_id"`
	Version   uint32    `json:"version"`
	Status    KeyStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by"`
}

// RotationResult is returned by Manager.RotateKey.
type RotationResult struct {
	KeyID                string    `json:"key_id"`
	PreviousVersion      uint32    `json:"previous_version"`
	NewVersion           uint32    `json:"new_version"`
	RotatedAt            time.Time `json:"rotated_at"`
	ReencryptionRequired bool      `json:"reencryption_required"`
}

// KeyInfo aggregates version counts for a ring.
type KeyInfo struct {
	KeyID              string     `json:"key_id"`
	CurrentVersion     uint32     `json:"current_version"`
	TotalVersions      int        `json:"total_versions"`
	ActiveVersions     int        `json:"active_versions"`
	DeprecatedVersions int        `json:"deprecated_versions"`
	CreatedAt          time.Time  `json:"created_at"`
	LastRotatedAt      *time.Time `json:"last_rotated_at,omitempty"`
}

// RotationStatus is the schedule view of a ring.
type RotationStatus struct {
	KeyID                string    `json:"key_id"`
	CurrentVersion       uint32    `json:"current_version"`
	RotationIntervalDays uint32    `json:"rotation_interval_days"`
	LastRotation         time.Time `json:"last_rotation"`
	NextRotation         time.Time `json:"next_rotation"`
	RotationDue          bool      `json:"rotation_due"`
	AutoRotate           bool      `json:"auto_rotate"`
	MaxVersions          uint32    `json:"max_versions"`
}

// RotationPlan lists the versions a multi-step rotation would mint.
type RotationPlan struct {
	KeyID                string    `json:"key_id"`
	CurrentVersion       uint32    `json:"current_version"`
	TargetVersion        uint32    `json:"target_version"`
	KeysToRotate         []uint32  `json:"keys_to_rotate"`
	ReencryptionRequired bool      `json:"reencryption_required"`
	CreatedAt            time.Time `json:"created_at"`
}

// MaxPlanSteps caps how many versions a single plan may mint.
const MaxPlanSteps = 1000

// PlanFor builds a plan that takes ring from its current version to target.
func PlanFor(ring *KeyRing, target uint32, now time.Time) (RotationPlan, error) {
	if target <= ring.CurrentVersion {
		return RotationPlan{}, policyError("keyring.PlanFor", ring.KeyID,
			"target version %d must be greater than current version %d", target, ring.CurrentVersion)
	}
	if target-ring.CurrentVersion > MaxPlanSteps {
		return RotationPlan{}, policyError("keyring.PlanFor", ring.KeyID,
			"target version %d is more than %d versions ahead of current version %d",
			target, MaxPlanSteps, ring.CurrentVersion)
	}

	keys := make([]uint32, 0, target-ring.CurrentVersion)
	for v := ring.CurrentVersion + 1; v <= target; v++ {
		keys = append(keys, v)
	}

	return RotationPlan{
		KeyID:                ring.KeyID,
		CurrentVersion:       ring.CurrentVersion,
		TargetVersion:        target,
		KeysToRotate:         keys,
		ReencryptionRequired: len(keys) > 0,
		CreatedAt:            now.UTC(),
	}, nil
}
