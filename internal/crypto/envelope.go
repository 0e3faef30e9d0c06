package crypto

import (
	"encoding/base64"
	"strings"

	"github.com/glinharesb/keyring-go/internal/kerrors"
)

// EnvelopePrefix marks a value produced by Encrypt.
const EnvelopePrefix = "enc:AES256GCM:"

// nonceSize is the standard 96-bit GCM nonce.
const nonceSize = 12

const (
	markerOpen  = "ENC("
	markerClose = ")"
)

// Encrypt seals plaintext under key and returns
// "enc:AES256GCM:<nonce_b64>:<ciphertext_b64>". A fresh nonce is drawn for
// every call.
func Encrypt(plaintext string, key []byte) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}

	sealed, err := EncryptAESGCM(key, []byte(plaintext), nil)
	if err != nil {
		return "", kerrors.New(kerrors.KindIO, "crypto.Encrypt", kerrors.ErrIO).WithDetail("%v", err)
	}

	nonce, ct := sealed[:nonceSize], sealed[nonceSize:]
	var b strings.Builder
	b.WriteString(EnvelopePrefix)
	b.WriteString(base64.StdEncoding.EncodeToString(nonce))
	b.WriteByte(':')
	b.WriteString(base64.StdEncoding.EncodeToString(ct))
	return b.String(), nil
}

// Decrypt opens an envelope produced by Encrypt. Values without the envelope
// prefix are returned unchanged.
func Decrypt(value string, key []byte) (string, error) {
	if !strings.HasPrefix(value, EnvelopePrefix) {
		return value, nil
	}
	return open("crypto.Decrypt", value, key)
}

// DecryptStrict is Decrypt without the pass-through: a value lacking the
// envelope prefix is an integrity failure.
func DecryptStrict(value string, key []byte) (string, error) {
	if !strings.HasPrefix(value, EnvelopePrefix) {
		if err := ValidateKey(key); err != nil {
			return "", err
		}
		return "", kerrors.Integrity("crypto.DecryptStrict", kerrors.ErrDecryptionFailed).WithDetail("missing envelope prefix")
	}
	return open("crypto.DecryptStrict", value, key)
}

// IsEncrypted reports whether value carries either the envelope prefix or
// the ENC(...) marker.
func IsEncrypted(value string) bool {
	if strings.HasPrefix(value, EnvelopePrefix) {
		return true
	}
	_, ok := unwrapMarker(value)
	return ok
}

// DecryptValue decrypts a configuration value in place. Both the bare
// envelope and ENC(<payload>) are recognised; the payload may omit the
// envelope prefix. Anything else is returned unchanged.
func DecryptValue(value string, key []byte) (string, error) {
	if payload, ok := unwrapMarker(value); ok {
		if !strings.HasPrefix(payload, EnvelopePrefix) {
			payload = EnvelopePrefix + payload
		}
		return open("crypto.DecryptValue", payload, key)
	}
	return Decrypt(value, key)
}

func unwrapMarker(value string) (string, bool) {
	v := strings.TrimSpace(value)
	if !strings.HasPrefix(v, markerOpen) || !strings.HasSuffix(v, markerClose) {
		return "", false
	}
	return v[len(markerOpen) : len(v)-len(markerClose)], true
}

func open(op, value string, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	fail := func(detail string) error {
		return kerrors.Integrity(op, kerrors.ErrDecryptionFailed).WithDetail("%s", detail)
	}

	parts := strings.Split(strings.TrimPrefix(value, EnvelopePrefix), ":")
	if len(parts) != 2 {
		return "", fail("malformed envelope")
	}

	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil || len(nonce) != gcm.NonceSize() {
		return "", fail("malformed nonce")
	}
	ct, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fail("malformed ciphertext")
	}

	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fail("authentication failed")
	}
	return string(plaintext), nil
}
