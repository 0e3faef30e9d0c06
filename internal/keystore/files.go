package keystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/glinharesb/keyring-go/internal/kerrors"
)

const (
	// StoreFileName is the key store file inside the store directory.
	StoreFileName = "keys.json"

	fileVersion   = 1
	schemaVersion = 1

	backupPrefix = "keys_backup_"
	backupSuffix = ".json"
)

// storeFile is the on-disk form of keys.json.
type storeFile struct {
	Version       int           `json:"version"`
	EncryptedData string        `json:"encrypted_data"`
	Checksum      string        `json:"checksum"`
	CreatedAt     uint64        `json:"created_at"`
	Metadata      storeMetadata `json:"metadata"`
}

type storeMetadata struct {
	KeyID         string `json:"key_id"`
	KeyCount      int    `json:"key_count"`
	LastModified  uint64 `json:"last_modified"`
	SchemaVersion int    `json:"schema_version"`
}

// exportFile is the on-disk form of export and backup files.
type exportFile struct {
	Version       int    `json:"version"`
	ExportedAt    uint64 `json:"exported_at"`
	EncryptedData string `json:"encrypted_data"`
}

// BackupInfo describes one backup file found by ListBackups.
type BackupInfo struct {
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
}

func unixSeconds(t time.Time) uint64 {
	if t.Unix() < 0 {
		return 0
	}
	return uint64(t.Unix())
}

// BackupFileName returns the file name used for a backup taken at t.
func BackupFileName(t time.Time) string {
	return fmt.Sprintf("%s%d%s", backupPrefix, t.Unix(), backupSuffix)
}

// backupPath returns a path in dir for a backup taken at t that does not
// exist yet. Backups within the same second get a _<n> suffix.
func backupPath(op, dir string, t time.Time) (string, error) {
	path := filepath.Join(dir, BackupFileName(t))
	for n := 1; ; n++ {
		_, err := os.Lstat(path)
		if errors.Is(err, os.ErrNotExist) {
			return path, nil
		}
		if err != nil {
			return "", kerrors.IO(op, path, err)
		}
		path = filepath.Join(dir, fmt.Sprintf("%s%d_%d%s", backupPrefix, t.Unix(), n, backupSuffix))
	}
}

// parseBackupName extracts the timestamp and same-second sequence number
// from a backup file name.
func parseBackupName(name string) (time.Time, int, bool) {
	if !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, backupSuffix) {
		return time.Time{}, 0, false
	}
	stem := strings.TrimSuffix(strings.TrimPrefix(name, backupPrefix), backupSuffix)
	seq := 0
	if i := strings.IndexByte(stem, '_'); i >= 0 {
		n, err := strconv.Atoi(stem[i+1:])
		if err != nil || n < 1 {
			return time.Time{}, 0, false
		}
		stem, seq = stem[:i], n
	}
	ts, err := strconv.ParseInt(stem, 10, 64)
	if err != nil || ts < 0 {
		return time.Time{}, 0, false
	}
	return time.Unix(ts, 0).UTC(), seq, true
}

// ListBackups returns the backups in dir, newest first. A missing
// directory yields an empty list.
func ListBackups(dir string) ([]BackupInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []BackupInfo{}, nil
		}
		return nil, kerrors.IO("keystore.ListBackups", dir, err)
	}

	type found struct {
		info BackupInfo
		seq  int
	}
	var all []found
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ts, seq, ok := parseBackupName(e.Name())
		if !ok {
			continue
		}
		all = append(all, found{BackupInfo{Path: filepath.Join(dir, e.Name()), Timestamp: ts}, seq})
	}
	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].info.Timestamp.Equal(all[j].info.Timestamp) {
			return all[i].info.Timestamp.After(all[j].info.Timestamp)
		}
		return all[i].seq > all[j].seq
	})

	out := make([]BackupInfo, 0, len(all))
	for _, f := range all {
		out = append(out, f.info)
	}
	return out, nil
}

// writeJSON writes v as indented JSON to a temp file then atomically
// renames it over path.
func writeJSON(op, path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return kerrors.New(kerrors.KindFormat, op, kerrors.ErrInvalidFormat).WithPath(path).WithDetail("%v", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return kerrors.IO(op, filepath.Dir(path), err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return kerrors.IO(op, tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return kerrors.IO(op, path, err)
	}
	return nil
}

// readFile reads path, mapping a missing file to ErrFileNotFound.
func readFile(op, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, kerrors.New(kerrors.KindNotFound, op, kerrors.ErrFileNotFound).WithPath(path)
		}
		return nil, kerrors.IO(op, path, err)
	}
	return data, nil
}
