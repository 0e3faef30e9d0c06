package keyring

import (
	"time"

	"github.com/glinharesb/keyring-go/internal/kerrors"
)

// KeyRing is the versioned history of one logical secret. PrimaryKey always
// carries CurrentVersion; SecondaryKeys holds former primaries, oldest first.
type KeyRing struct {
	KeyID          string       `json:"key_id"`
	PrimaryKey     *KeyBundle   `json:"primary_key"`
	SecondaryKeys  []*KeyBundle `json:"secondary_keys"`
	CurrentVersion uint32       `json:"current_version"`
	CreatedAt      time.Time    `json:"created_at"`
	LastRotatedAt  *time.Time   `json:"last_rotated_at,omitempty"`
}

// NewKeyRing creates a ring whose first primary is version 1.
func NewKeyRing(masterKey []byte, keyID, createdBy string, now time.Time) (*KeyRing, error) {
	if keyID == "" {
		return nil, kerrors.New(kerrors.KindFormat, "keyring.NewKeyRing", kerrors.ErrInvalidFormat).WithDetail("empty key id")
	}

	primary, err := GenerateBundle(masterKey, 1, createdBy, "initial key", now)
	if err != nil {
		return nil, err
	}

	return &KeyRing{
		KeyID:          keyID,
		PrimaryKey:     primary,
		SecondaryKeys:  []*KeyBundle{},
		CurrentVersion: 1,
		CreatedAt:      now.UTC(),
	}, nil
}

// Rotate mints version CurrentVersion+1 and promotes it. The old primary
// moves to SecondaryKeys with its status untouched.
func (r *KeyRing) Rotate(masterKey []byte, createdBy, description string, now time.Time) (*KeyBundle, error) {
	next := r.CurrentVersion + 1
	bundle, err := GenerateBundle(masterKey, next, createdBy, description, now)
	if err != nil {
		return nil, err
	}

	r.SecondaryKeys = append(r.SecondaryKeys, r.PrimaryKey)
	r.PrimaryKey = bundle
	r.CurrentVersion = next
	rotated := now.UTC()
	r.LastRotatedAt = &rotated

	return bundle, nil
}

// DeactivateVersion marks a version Deprecated. Absent versions are ignored.
func (r *KeyRing) DeactivateVersion(version uint32) {
	if b := r.KeyByVersion(version); b != nil {
		b.Metadata.Status = StatusDeprecated
	}
}

// KeyByVersion returns the bundle for version, or nil.
func (r *KeyRing) KeyByVersion(version uint32) *KeyBundle {
	if r.PrimaryKey != nil && r.PrimaryKey.Metadata.Version == version {
		return r.PrimaryKey
	}
	for _, b := range r.SecondaryKeys {
		if b.Metadata.Version == version {
			return b
		}
	}
	return nil
}

// Bundles returns the primary followed by the secondaries.
func (r *KeyRing) Bundles() []*KeyBundle {
	out := make([]*KeyBundle, 0, len(r.SecondaryKeys)+1)
	if r.PrimaryKey != nil {
		out = append(out, r.PrimaryKey)
	}
	return append(out, r.SecondaryKeys...)
}

// LastActivity is the last rotation time, or creation time if the ring was
// never rotated.
func (r *KeyRing) LastActivity() time.Time {
	if r.LastRotatedAt != nil {
		return *r.LastRotatedAt
	}
	return r.CreatedAt
}

// Clone returns a deep copy of the ring.
func (r *KeyRing) Clone() *KeyRing {
	c := *r
	if r.PrimaryKey != nil {
		c.PrimaryKey = r.PrimaryKey.clone()
	}
	c.SecondaryKeys = make([]*KeyBundle, len(r.SecondaryKeys))
	for i, b := range r.SecondaryKeys {
		c.SecondaryKeys[i] = b.clone()
	}
	if r.LastRotatedAt != nil {
		t := *r.LastRotatedAt
		c.LastRotatedAt = &t
	}
	return &c
}
