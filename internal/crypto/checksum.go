package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Checksum returns the hex SHA-256 of data.
func Checksum(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// VerifyChecksum recomputes the checksum of data and compares it with want
// in constant time.
func VerifyChecksum(data, want string) bool {
	got := Checksum(data)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
