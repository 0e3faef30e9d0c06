package crypto

import (
	"encoding/base64"
	"strings"

	"github.com/glinharesb/keyring-go/internal/kerrors"
)

// ValidateKey checks that key is exactly KeySize bytes.
func ValidateKey(key []byte) error {
	if len(key) != KeySize {
		return kerrors.New(kerrors.KindFormat, "crypto.ValidateKey", kerrors.ErrInvalidKey).
			WithDetail("key must be %d bytes, got %d", KeySize, len(key))
	}
	return nil
}

// ParseMasterKey decodes a base64 master key and checks its length.
func ParseMasterKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, kerrors.New(kerrors.KindFormat, "crypto.ParseMasterKey", kerrors.ErrInvalidKey).
			WithDetail("invalid base64")
	}
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

// EncodeMasterKey returns the base64 form accepted by ParseMasterKey.
func EncodeMasterKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// GenerateMasterKey returns a fresh master key and its base64 encoding.
func GenerateMasterKey() ([]byte, string, error) {
	key, err := GenerateAESKey()
	if err != nil {
		return nil, "", err
	}
	return key, EncodeMasterKey(key), nil
}
