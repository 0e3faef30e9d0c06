package keyring

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/glinharesb/keyring-go/internal/crypto"
	"github.com/glinharesb/keyring-go/internal/kerrors"
)

// KeyBundle is one concrete data key. Only the wrapped form is ever stored.
type KeyBundle struct {
	KeyID        string      `json:"key_id"`
	EncryptedKey string      `json:"encrypted_key"`
	Metadata     KeyMetadata `json:"metadata"`
}

// GenerateBundle draws a fresh 256-bit data key and wraps it under masterKey.
func GenerateBundle(masterKey []byte, version uint32, createdBy, description string, now time.Time) (*KeyBundle, error) {
	raw, err := crypto.GenerateAESKey()
	if err != nil {
		return nil, kerrors.New(kerrors.KindIO, "keyring.GenerateBundle", kerrors.ErrIO).WithDetail("%v", err)
	}

	wrapped, err := crypto.Encrypt(base64.StdEncoding.EncodeToString(raw), masterKey)
	if err != nil {
		return nil, err
	}

	return &KeyBundle{
		KeyID:        VersionLabel(version),
		EncryptedKey: wrapped,
		Metadata: KeyMetadata{
			Version:     version,
			CreatedAt:   now.UTC(),
			CreatedBy:   createdBy,
			Status:      StatusActive,
			Description: description,
		},
	}, nil
}

// VersionLabel returns the human label of a version, e.g. "v3".
func VersionLabel(version uint32) string {
	return fmt.Sprintf("v%d", version)
}

// PlaintextKey unwraps the data key under masterKey.
func (b *KeyBundle) PlaintextKey(masterKey []byte) ([]byte, error) {
	encoded, err := crypto.DecryptStrict(b.EncryptedKey, masterKey)
	if err != nil {
		return nil, err
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) != crypto.KeySize {
		return nil, kerrors.Integrity("keyring.PlaintextKey", kerrors.ErrDecryptionFailed).
			WithVersion(b.Metadata.Version).
			WithDetail("unwrapped key is malformed")
	}
	return raw, nil
}

// rewrap returns the bundle's wrapped key re-encrypted under newKey.
func (b *KeyBundle) rewrap(oldKey, newKey []byte) (string, error) {
	raw, err := b.PlaintextKey(oldKey)
	if err != nil {
		return "", err
	}
	return crypto.Encrypt(base64.StdEncoding.EncodeToString(raw), newKey)
}

func (b *KeyBundle) clone() *KeyBundle {
	c := *b
	if b.Metadata.ExpiresAt != nil {
		t := *b.Metadata.ExpiresAt
		c.Metadata.ExpiresAt = &t
	}
	return &c
}
