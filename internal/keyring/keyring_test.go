package keyring

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glinharesb/keyring-go/internal/crypto"
	"github.com/glinharesb/keyring-go/internal/kerrors"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}
}

func masterKey(t *testing.T) []byte {
	t.Helper()
	k, err := crypto.GenerateAESKey()
	require.NoError(t, err)
	return k
}

func assertPrimaryInvariant(t *testing.T, r *KeyRing) {
	t.Helper()
	require.NotNil(t, r.PrimaryKey)
	assert.Equal(t, r.CurrentVersion, r.PrimaryKey.Metadata.Version)
}

func TestNewKeyRing(t *testing.T) {
	mk := masterKey(t)
	r, err := NewKeyRing(mk, "app", "alice", time.Now())
	require.NoError(t, err)

	assertPrimaryInvariant(t, r)
	assert.Equal(t, uint32(1), r.CurrentVersion)
	assert.Equal(t, "v1", r.PrimaryKey.KeyID)
	assert.Equal(t, StatusActive, r.PrimaryKey.Metadata.Status)
	assert.Equal(t, "alice", r.PrimaryKey.Metadata.CreatedBy)
	assert.Empty(t, r.SecondaryKeys)
	assert.Nil(t, r.LastRotatedAt)

	raw, err := r.PrimaryKey.PlaintextKey(mk)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
}

func TestNewKeyRingEmptyID(t *testing.T) {
	_, err := NewKeyRing(masterKey(t), "", "alice", time.Now())
	assert.Equal(t, kerrors.KindFormat, kerrors.KindOf(err))
}

func TestRotateKeepsOldPrimaryUnchanged(t *testing.T) {
	mk := masterKey(t)
	r, err := NewKeyRing(mk, "app", "alice", time.Now())
	require.NoError(t, err)

	old := *r.PrimaryKey
	b, err := r.Rotate(mk, "bob", "scheduled", time.Now())
	require.NoError(t, err)

	assertPrimaryInvariant(t, r)
	assert.Equal(t, uint32(2), r.CurrentVersion)
	assert.Same(t, b, r.PrimaryKey)
	require.Len(t, r.SecondaryKeys, 1)
	assert.Equal(t, old, *r.SecondaryKeys[0])
	assert.Equal(t, StatusActive, r.SecondaryKeys[0].Metadata.Status)
	require.NotNil(t, r.LastRotatedAt)

	for i := 0; i < 3; i++ {
		before := r.CurrentVersion
		_, err := r.Rotate(mk, "bob", "", time.Now())
		require.NoError(t, err)
		assert.Equal(t, before+1, r.CurrentVersion)
		assertPrimaryInvariant(t, r)
	}
	assert.Len(t, r.SecondaryKeys, 4)
	assert.Equal(t, uint32(1), r.SecondaryKeys[0].Metadata.Version)
}

func TestRotateWithBadKeyLeavesRingIntact(t *testing.T) {
	r, err := NewKeyRing(masterKey(t), "app", "alice", time.Now())
	require.NoError(t, err)

	_, err = r.Rotate([]byte("short"), "bob", "", time.Now())
	require.Error(t, err)
	assert.Equal(t, uint32(1), r.CurrentVersion)
	assert.Empty(t, r.SecondaryKeys)
}

func TestDeactivateVersion(t *testing.T) {
	mk := masterKey(t)
	r, _ := NewKeyRing(mk, "app", "alice", time.Now())
	r.Rotate(mk, "bob", "", time.Now())

	r.DeactivateVersion(1)
	assert.Equal(t, StatusDeprecated, r.KeyByVersion(1).Metadata.Status)

	r.DeactivateVersion(42)
	assert.Nil(t, r.KeyByVersion(42))
}

func TestPlaintextKeyWrongMaster(t *testing.T) {
	b, err := GenerateBundle(masterKey(t), 1, "alice", "", time.Now())
	require.NoError(t, err)

	raw, err := b.PlaintextKey(masterKey(t))
	assert.Nil(t, raw)
	assert.True(t, errors.Is(err, kerrors.ErrDecryptionFailed))
}

func TestMetadataActiveExpiry(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	assert.True(t, KeyMetadata{Status: StatusActive}.IsActiveAt(now))
	assert.False(t, KeyMetadata{Status: StatusActive, ExpiresAt: &past}.IsActiveAt(now))
	assert.True(t, KeyMetadata{Status: StatusActive, ExpiresAt: &future}.IsActiveAt(now))
	assert.False(t, KeyMetadata{Status: StatusDeprecated}.IsActiveAt(now))
	assert.True(t, KeyMetadata{ExpiresAt: &now}.IsExpiredAt(now))
}

func TestScheduleDue(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewSchedule("app", start)

	assert.Equal(t, start.Add(90*24*time.Hour), s.NextRotation)
	assert.False(t, s.IsRotationDueAt(start.Add(89*24*time.Hour)))
	assert.True(t, s.IsRotationDueAt(s.NextRotation))
}
