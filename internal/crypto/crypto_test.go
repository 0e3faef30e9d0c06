package crypto

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/glinharesb/keyring-go/internal/kerrors"
)

func mustKey(t *testing.T) []byte {
	t.Helper()
	key, err := GenerateAESKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func TestAESGCMRoundTripWithAAD(t *testing.T) {
	key := mustKey(t)
	plaintext := []byte("wrapped data key")
	aad := []byte("app/v1")

	ct, err := EncryptAESGCM(key, plaintext, aad)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	pt, err := DecryptAESGCM(key, ct, aad)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(plaintext, pt) {
		t.Fatalf("plaintext mismatch: got %q, want %q", pt, plaintext)
	}

	if _, err := DecryptAESGCM(key, ct, []byte("app/v2")); err == nil {
		t.Fatal("decrypt with wrong AAD should fail")
	}
}

func TestAESGCMRejectsShortKey(t *testing.T) {
	_, err := EncryptAESGCM(make([]byte, 16), []byte("x"), nil)
	if kerrors.KindOf(err) != kerrors.KindFormat {
		t.Fatalf("expected format error, got %v", err)
	}
}

func TestAESGCMCiphertextTooShort(t *testing.T) {
	if _, err := DecryptAESGCM(mustKey(t), []byte("short"), nil); err == nil {
		t.Fatal("short ciphertext should fail")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	key := mustKey(t)

	for _, plaintext := range []string{"", "database-password", "ünïcødé ✓", strings.Repeat("a", 4096)} {
		env, err := Encrypt(plaintext, key)
		if err != nil {
			t.Fatalf("encrypt %q: %v", plaintext, err)
		}
		if !strings.HasPrefix(env, EnvelopePrefix) {
			t.Fatalf("missing prefix: %s", env)
		}
		if got := strings.Count(strings.TrimPrefix(env, EnvelopePrefix), ":"); got != 1 {
			t.Fatalf("expected two fields, got %d separators", got)
		}

		got, err := Decrypt(env, key)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if got != plaintext {
			t.Fatalf("round trip mismatch: got %q, want %q", got, plaintext)
		}
	}
}

func TestEnvelopeFreshNonce(t *testing.T) {
	key := mustKey(t)
	a, _ := Encrypt("same", key)
	b, _ := Encrypt("same", key)
	if a == b {
		t.Fatal("two encryptions of the same value should differ")
	}
}

func TestDecryptPassThrough(t *testing.T) {
	key := mustKey(t)
	for _, v := range []string{"plain", "", "enc:other:abc", "ENC"} {
		got, err := Decrypt(v, key)
		if err != nil {
			t.Fatalf("decrypt %q: %v", v, err)
		}
		if got != v {
			t.Fatalf("pass-through changed value: %q -> %q", v, got)
		}
	}
}

func TestDecryptStrictRejectsPlain(t *testing.T) {
	_, err := DecryptStrict("plain", mustKey(t))
	if !errors.Is(err, kerrors.ErrDecryptionFailed) {
		t.Fatalf("expected decryption failure, got %v", err)
	}
}

func TestDecryptWrongKeyFailsClosed(t *testing.T) {
	env, _ := Encrypt("secret", mustKey(t))

	got, err := Decrypt(env, mustKey(t))
	if !errors.Is(err, kerrors.ErrDecryptionFailed) {
		t.Fatalf("expected decryption failure, got %v", err)
	}
	if kerrors.KindOf(err) != kerrors.KindIntegrity {
		t.Fatalf("expected integrity kind, got %v", kerrors.KindOf(err))
	}
	if got != "" {
		t.Fatalf("no plaintext may be returned on failure, got %q", got)
	}
}

func TestDecryptMalformed(t *testing.T) {
	key := mustKey(t)
	env, _ := Encrypt("secret", key)
	fields := strings.Split(strings.TrimPrefix(env, EnvelopePrefix), ":")

	cases := map[string]string{
		"one field":      EnvelopePrefix + fields[0],
		"three fields":   env + ":extra",
		"bad nonce b64":  EnvelopePrefix + "!!!:" + fields[1],
		"bad ct b64":     EnvelopePrefix + fields[0] + ":***",
		"short nonce":    EnvelopePrefix + "AAAA:" + fields[1],
		"flipped tag":    EnvelopePrefix + fields[0] + ":" + flipLast(fields[1]),
		"empty envelope": EnvelopePrefix,
	}
	for name, v := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Decrypt(v, key); !errors.Is(err, kerrors.ErrDecryptionFailed) {
				t.Fatalf("expected decryption failure, got %v", err)
			}
		})
	}
}

func flipLast(b64 string) string {
	raw, _ := base64.StdEncoding.DecodeString(b64)
	raw[len(raw)-1] ^= 0x01
	return base64.StdEncoding.EncodeToString(raw)
}

func TestDecryptValueMarkers(t *testing.T) {
	key := mustKey(t)
	env, _ := Encrypt("s3cret", key)

	for _, v := range []string{env, "ENC(" + env + ")", "ENC(" + strings.TrimPrefix(env, EnvelopePrefix) + ")"} {
		if !IsEncrypted(v) {
			t.Fatalf("expected %q to be recognised", v)
		}
		got, err := DecryptValue(v, key)
		if err != nil {
			t.Fatalf("decrypt value: %v", err)
		}
		if got != "s3cret" {
			t.Fatalf("got %q", got)
		}
	}

	got, err := DecryptValue("localhost:5432", key)
	if err != nil || got != "localhost:5432" {
		t.Fatalf("unmarked value should pass through, got %q %v", got, err)
	}
	if IsEncrypted("localhost:5432") {
		t.Fatal("unmarked value reported as encrypted")
	}
}

func TestParseMasterKey(t *testing.T) {
	key, encoded, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	parsed, err := ParseMasterKey(encoded)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !bytes.Equal(key, parsed) {
		t.Fatal("parsed key differs")
	}

	for _, bad := range []string{"not base64!", EncodeMasterKey(make([]byte, 16)), EncodeMasterKey(make([]byte, 33)), ""} {
		_, err := ParseMasterKey(bad)
		if kerrors.KindOf(err) != kerrors.KindFormat {
			t.Fatalf("ParseMasterKey(%q): expected format error, got %v", bad, err)
		}
	}
}

func TestHKDFDeriveKey(t *testing.T) {
	root := mustKey(t)

	d1, err := DeriveKey(root, []byte("context-a"), 32)
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}
	d2, _ := DeriveKey(root, []byte("context-a"), 32)
	d3, _ := DeriveKey(root, []byte("context-b"), 32)

	if len(d1) != 32 {
		t.Fatalf("derived key length: got %d, want 32", len(d1))
	}
	if !bytes.Equal(d1, d2) {
		t.Fatal("same inputs should produce same derived key")
	}
	if bytes.Equal(d1, d3) {
		t.Fatal("different contexts should produce different keys")
	}

	if _, err := DeriveKey(root, []byte("ctx"), 0); err == nil {
		t.Fatal("length 0 should fail")
	}
	if _, err := DeriveKey(root, []byte("ctx"), 65); err == nil {
		t.Fatal("length 65 should fail")
	}
}

func TestFingerprint(t *testing.T) {
	k1, k2 := mustKey(t), mustKey(t)

	f1, err := Fingerprint(k1)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	again, _ := Fingerprint(k1)
	other, _ := Fingerprint(k2)

	if f1 != again {
		t.Fatal("fingerprint should be deterministic")
	}
	if f1 == other {
		t.Fatal("different keys should have different fingerprints")
	}
	if len(f1) != 32 {
		t.Fatalf("expected 32 hex chars, got %d", len(f1))
	}
}

func TestChecksum(t *testing.T) {
	sum := Checksum("abc")
	if sum != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Fatalf("unexpected sha256: %s", sum)
	}
	if !VerifyChecksum("abc", sum) {
		t.Fatal("checksum should verify")
	}
	if VerifyChecksum("abd", sum) {
		t.Fatal("modified data should not verify")
	}
}

func BenchmarkEnvelopeEncrypt(b *testing.B) {
	key, _ := GenerateAESKey()
	b.ResetTimer()
	for b.Loop() {
		Encrypt("benchmark value", key)
	}
}
