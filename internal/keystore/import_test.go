package keystore

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glinharesb/keyring-go/internal/crypto"
	"github.com/glinharesb/keyring-go/internal/kerrors"
	"github.com/glinharesb/keyring-go/internal/keyring"
)

func readStoreFile(t *testing.T, path string) storeFile {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var f storeFile
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func writeStoreFile(t *testing.T, path string, f any) {
	t.Helper()
	data, err := json.MarshalIndent(f, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))
}

// flipAt replaces the character at i with a different character of the same
// class so the result stays syntactically plausible.
func flipAt(s string, i int) string {
	b := []byte(s)
	switch c := b[i]; {
	case c >= '0' && c <= '8', c >= 'a' && c <= 'y', c >= 'A' && c <= 'Y':
		b[i] = c + 1
	case c == '9':
		b[i] = '0'
	case c == 'z':
		b[i] = 'a'
	case c == 'Z':
		b[i] = 'A'
	case c == ':':
		b[i] = ';'
	default:
		b[i] = 'Q'
	}
	return string(b)
}

// Scenario: initialize, rotate, export, import into a fresh store.
func TestExportImportScenario(t *testing.T) {
	m1 := newKey(t)
	s := newStore(t, t.TempDir(), m1)

	kv, err := s.Initialize("app", "alice")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), kv.Version)
	assert.Equal(t, keyring.StatusActive, kv.Status)

	res, err := s.RotateKey("app", "bob", "scheduled")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), res.PreviousVersion)
	assert.Equal(t, uint32(2), res.NewVersion)
	assert.True(t, res.ReencryptionRequired)

	exportPath := filepath.Join(t.TempDir(), "export.json")
	require.NoError(t, s.ExportKeys(exportPath))

	var exported map[string]any
	data, _ := os.ReadFile(exportPath)
	require.NoError(t, json.Unmarshal(data, &exported))
	assert.ElementsMatch(t, []string{"version", "exported_at", "encrypted_data"}, keys(exported))

	fresh := newStore(t, t.TempDir(), nil)
	require.NoError(t, fresh.ImportKeys(exportPath, m1))
	info, err := fresh.Manager().KeyInfo("app")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), info.CurrentVersion)

	_, err = os.Stat(fresh.Path())
	require.NoError(t, err, "import re-persists keys.json")

	other := newStore(t, t.TempDir(), nil)
	err = other.ImportKeys(exportPath, newKey(t))
	require.Error(t, err)
	kind := kerrors.KindOf(err)
	assert.True(t, kind == kerrors.KindIntegrity || kind == kerrors.KindFormat, "got %v", err)
	assert.Zero(t, other.Manager().Len())
	assert.False(t, other.HasMasterKey())
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestLoadTamperedEncryptedData(t *testing.T) {
	dir := t.TempDir()
	mk := newKey(t)
	s := newStore(t, dir, mk)
	_, err := s.Initialize("app", "alice")
	require.NoError(t, err)
	orig := readStoreFile(t, s.Path())

	for _, i := range []int{0, 5, 14, 20, len(orig.EncryptedData) / 2, len(orig.EncryptedData) - 3} {
		f := orig
		f.EncryptedData = flipAt(orig.EncryptedData, i)
		writeStoreFile(t, s.Path(), f)

		fresh := newStore(t, dir, mk)
		err := fresh.Load()
		assert.True(t, errors.Is(err, kerrors.ErrChecksumMismatch), "byte %d: %v", i, err)
		assert.Zero(t, fresh.Manager().Len())
	}
}

func TestLoadTamperedEncryptedDataBreaksJSON(t *testing.T) {
	dir := t.TempDir()
	mk := newKey(t)
	s := newStore(t, dir, mk)
	_, err := s.Initialize("app", "alice")
	require.NoError(t, err)
	orig, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	enc := readStoreFile(t, s.Path()).EncryptedData
	at := bytes.Index(orig, []byte(enc)) + len(enc)/2

	for _, c := range []byte{'\\', '"'} {
		data := bytes.Clone(orig)
		data[at] = c
		require.NoError(t, os.WriteFile(s.Path(), data, 0600))

		fresh := newStore(t, dir, mk)
		err := fresh.Load()
		assert.True(t, errors.Is(err, kerrors.ErrChecksumMismatch), "%q: %v", c, err)
		assert.Equal(t, kerrors.KindIntegrity, kerrors.KindOf(err))
		assert.Zero(t, fresh.Manager().Len())
	}

	require.NoError(t, os.WriteFile(s.Path(), []byte(`{{`), 0600))
	assert.Equal(t, kerrors.KindIntegrity, kerrors.KindOf(newStore(t, dir, mk).Load()))
}

func TestLoadTamperedChecksum(t *testing.T) {
	dir := t.TempDir()
	mk := newKey(t)
	s := newStore(t, dir, mk)
	_, err := s.Initialize("app", "alice")
	require.NoError(t, err)
	orig := readStoreFile(t, s.Path())

	for _, i := range []int{0, 31, 63} {
		f := orig
		f.Checksum = flipAt(orig.Checksum, i)
		writeStoreFile(t, s.Path(), f)

		err := newStore(t, dir, mk).Load()
		assert.Equal(t, kerrors.KindIntegrity, kerrors.KindOf(err), "byte %d", i)
	}
}

func TestLoadConsistentTamperStillFails(t *testing.T) {
	dir := t.TempDir()
	mk := newKey(t)
	s := newStore(t, dir, mk)
	_, err := s.Initialize("app", "alice")
	require.NoError(t, err)

	// An attacker who recomputes the checksum is stopped by the AEAD tag.
	f := readStoreFile(t, s.Path())
	f.EncryptedData = flipAt(f.EncryptedData, len(f.EncryptedData)/2)
	f.Checksum = crypto.Checksum(f.EncryptedData)
	writeStoreFile(t, s.Path(), f)

	err = newStore(t, dir, mk).Load()
	assert.True(t, errors.Is(err, kerrors.ErrDecryptionFailed), "%v", err)
}

func TestImportTamperedFile(t *testing.T) {
	mk := newKey(t)
	s := newStore(t, t.TempDir(), mk)
	_, err := s.Initialize("app", "alice")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "export.json")
	require.NoError(t, s.ExportKeys(path))
	data, _ := os.ReadFile(path)
	var orig exportFile
	require.NoError(t, json.Unmarshal(data, &orig))

	for _, i := range []int{0, 13, 16, len(orig.EncryptedData) / 2} {
		f := orig
		f.EncryptedData = flipAt(orig.EncryptedData, i)
		writeStoreFile(t, path, f)

		fresh := newStore(t, t.TempDir(), nil)
		err := fresh.ImportKeys(path, mk)
		assert.Equal(t, kerrors.KindIntegrity, kerrors.KindOf(err), "byte %d: %v", i, err)
		assert.Zero(t, fresh.Manager().Len())
	}
}

func TestLoadRejectsMalformedFiles(t *testing.T) {
	dir := t.TempDir()
	mk := newKey(t)
	s := newStore(t, dir, mk)
	path := s.Path()

	cases := map[string]string{
		"missing fields":  `{"version":1}`,
		"wrong version":   `{"version":2,"encrypted_data":"x","checksum":"y","created_at":0,"metadata":{"key_id":"","key_count":0,"last_modified":0,"schema_version":1}}`,
		"checksum number": `{"version":1,"encrypted_data":"x","checksum":5,"created_at":0,"metadata":{"key_id":"","key_count":0,"last_modified":0,"schema_version":1}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, os.WriteFile(path, []byte(body), 0600))
			err := s.Load()
			assert.Equal(t, kerrors.KindFormat, kerrors.KindOf(err), "%v", err)
		})
	}
}

func TestImportMissingFile(t *testing.T) {
	s := newStore(t, t.TempDir(), nil)
	err := s.ImportKeys(filepath.Join(t.TempDir(), "nope.json"), newKey(t))
	assert.True(t, errors.Is(err, kerrors.ErrFileNotFound))

	err = s.ImportKeys("whatever", []byte("short"))
	assert.Equal(t, kerrors.KindFormat, kerrors.KindOf(err))
}

func TestImportKeysSaveFailureKeepsState(t *testing.T) {
	m1, m2 := newKey(t), newKey(t)
	src := newStore(t, t.TempDir(), m1)
	_, err := src.Initialize("app", "alice")
	require.NoError(t, err)
	exportPath := filepath.Join(t.TempDir(), "export.json")
	require.NoError(t, src.ExportKeys(exportPath))

	dst := newStore(t, t.TempDir(), m2)
	// A non-empty directory where keys.json belongs makes the rename fail.
	require.NoError(t, os.MkdirAll(filepath.Join(dst.Path(), "blocker"), 0700))

	err = dst.ImportKeys(exportPath, m1)
	require.Error(t, err)
	assert.Equal(t, kerrors.KindIO, kerrors.KindOf(err))

	assert.Equal(t, 0, dst.Manager().Len())
	assert.Equal(t, StateMasterKeySet, dst.State())
	require.NoError(t, dst.WithMasterKey(func(key []byte) error {
		assert.Equal(t, m2, key)
		return nil
	}))
}
