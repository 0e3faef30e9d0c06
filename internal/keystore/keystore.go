// Package keystore persists a keyring.Manager as one checksummed,
// master-key-encrypted JSON file and handles export, import, backup and
// master-key rotation.
package keystore

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/awnumar/memguard"

	"github.com/glinharesb/keyring-go/internal/crypto"
	"github.com/glinharesb/keyring-go/internal/kerrors"
	"github.com/glinharesb/keyring-go/internal/keyring"
)

// State is the lifecycle state of a KeyStore.
type State int

const (
	StateUninitialized State = iota
	StateMasterKeySet
	StateLoaded
	StatePersistedEmpty
)

func (s State) String() string {
	switch s {
	case StateMasterKeySet:
		return "master_key_set"
	case StateLoaded:
		return "loaded"
	case StatePersistedEmpty:
		return "persisted_empty"
	default:
		return "uninitialized"
	}
}

// KeyStore owns one keyring.Manager and the master key protecting it. The
// master key lives only in memory, inside a memguard enclave.
//
// KeyStore is not safe for concurrent use; wrap it in a Guarded.
type KeyStore struct {
	dir       string
	path      string
	manager   *keyring.Manager
	master    *memguard.Enclave
	state     State
	createdAt time.Time
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a KeyStore.
type Option func(*KeyStore)

// WithClock overrides the wall clock for the store and its manager.
func WithClock(now func() time.Time) Option {
	return func(s *KeyStore) { s.now = now }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *KeyStore) { s.logger = l }
}

// New creates the storage directory and an empty store. Nothing is read.
func New(dir string, opts ...Option) (*KeyStore, error) {
	s := &KeyStore{
		dir:    dir,
		path:   filepath.Join(dir, StoreFileName),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.manager = keyring.NewManager(keyring.WithClock(s.now))

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, kerrors.IO("keystore.New", dir, err)
	}
	return s, nil
}

// Dir returns the storage directory.
func (s *KeyStore) Dir() string { return s.dir }

// Path returns the path of keys.json.
func (s *KeyStore) Path() string { return s.path }

// State returns the lifecycle state.
func (s *KeyStore) State() State { return s.state }

// Manager returns the in-memory manager. Mutations are persisted by Save.
func (s *KeyStore) Manager() *keyring.Manager { return s.manager }

// SetMasterKey installs the master key. key is copied and may be wiped by
// the caller afterwards.
func (s *KeyStore) SetMasterKey(key []byte) error {
	if err := crypto.ValidateKey(key); err != nil {
		return err
	}
	s.setMaster(key)
	if s.state == StateUninitialized {
		s.state = StateMasterKeySet
	}
	return nil
}

func (s *KeyStore) setMaster(key []byte) {
	buf := make([]byte, len(key))
	copy(buf, key)
	s.master = memguard.NewEnclave(buf)
}

// HasMasterKey reports whether SetMasterKey has been called.
func (s *KeyStore) HasMasterKey() bool { return s.master != nil }

// WithMasterKey calls fn with the plaintext master key. The slice is only
// valid for the duration of fn.
func (s *KeyStore) WithMasterKey(fn func(key []byte) error) error {
	if s.master == nil {
		return kerrors.New(kerrors.KindState, "keystore.WithMasterKey", kerrors.ErrMasterKeyNotSet)
	}
	buf, err := s.master.Open()
	if err != nil {
		return kerrors.New(kerrors.KindState, "keystore.WithMasterKey", kerrors.ErrMasterKeyNotSet).WithDetail("%v", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// Save encrypts the manager under the master key and writes keys.json.
func (s *KeyStore) Save() error {
	return s.WithMasterKey(func(key []byte) error {
		enc, err := s.sealState(key)
		if err != nil {
			return err
		}
		return s.writeStore(enc)
	})
}

func (s *KeyStore) sealState(key []byte) (string, error) {
	blob, err := s.manager.MarshalState()
	if err != nil {
		return "", err
	}
	return crypto.Encrypt(base64.StdEncoding.EncodeToString(blob), key)
}

func (s *KeyStore) writeStore(encrypted string) error {
	now := s.now()
	if s.createdAt.IsZero() {
		s.createdAt = now
	}
	file := storeFile{
		Version:       fileVersion,
		EncryptedData: encrypted,
		Checksum:      crypto.Checksum(encrypted),
		CreatedAt:     unixSeconds(s.createdAt),
		Metadata: storeMetadata{
			KeyID:         s.manager.DefaultKeyID(),
			KeyCount:      s.manager.Len(),
			LastModified:  unixSeconds(now),
			SchemaVersion: schemaVersion,
		},
	}
	if err := writeJSON("keystore.Save", s.path, file); err != nil {
		return err
	}

	s.state = StateLoaded
	s.logger.Debug("key store saved", "path", s.path, "key_count", file.Metadata.KeyCount)
	return nil
}

// Load reads keys.json. A missing file leaves the store empty. The checksum
// is verified before anything is decrypted, and the in-memory manager is
// only replaced once the whole file has been authenticated.
func (s *KeyStore) Load() error {
	return s.WithMasterKey(func(key []byte) error {
		file, err := s.readStore("keystore.Load")
		if err != nil {
			if errors.Is(err, kerrors.ErrFileNotFound) {
				s.state = StatePersistedEmpty
				return nil
			}
			return err
		}

		blob, err := openState("keystore.Load", s.path, file.EncryptedData, key)
		if err != nil {
			return err
		}
		if err := s.manager.UnmarshalState(blob); err != nil {
			return err
		}

		s.createdAt = time.Unix(int64(file.CreatedAt), 0)
		s.state = StateLoaded
		s.logger.Info("key store loaded", "path", s.path, "key_count", s.manager.Len())
		return nil
	})
}

// readStore reads, validates and checksum-verifies keys.json.
func (s *KeyStore) readStore(op string) (*storeFile, error) {
	data, err := readFile(op, s.path)
	if err != nil {
		return nil, err
	}
	// Only Save writes keys.json; bytes that no longer parse are corruption.
	if !json.Valid(data) {
		return nil, kerrors.Integrity(op, kerrors.ErrChecksumMismatch).WithPath(s.path).WithDetail("store file is not valid json")
	}
	if err := validateFile(op, s.path, data, false); err != nil {
		return nil, err
	}

	var file storeFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, kerrors.New(kerrors.KindFormat, op, kerrors.ErrInvalidFormat).WithPath(s.path).WithDetail("%v", err)
	}
	if !crypto.VerifyChecksum(file.EncryptedData, file.Checksum) {
		return nil, kerrors.Integrity(op, kerrors.ErrChecksumMismatch).WithPath(s.path)
	}
	return &file, nil
}

// openState decrypts an encrypted_data field back into serialized manager
// state.
func openState(op, path, encrypted string, key []byte) ([]byte, error) {
	encoded, err := crypto.DecryptStrict(encrypted, key)
	if err != nil {
		var e *kerrors.Error
		if errors.As(err, &e) && e.Path == "" {
			e.Path = path
		}
		return nil, err
	}
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, kerrors.Integrity(op, kerrors.ErrDecryptionFailed).WithPath(path).WithDetail("decrypted payload is not base64")
	}
	return blob, nil
}

// ExportKeys writes the manager, encrypted under the current master key,
// to path.
func (s *KeyStore) ExportKeys(path string) error {
	return s.WithMasterKey(func(key []byte) error {
		return s.export("keystore.ExportKeys", path, key)
	})
}

func (s *KeyStore) export(op, path string, key []byte) error {
	enc, err := s.sealState(key)
	if err != nil {
		return err
	}
	file := exportFile{
		Version:       fileVersion,
		ExportedAt:    unixSeconds(s.now()),
		EncryptedData: enc,
	}
	if err := writeJSON(op, path, file); err != nil {
		return err
	}
	s.logger.Info("key store exported", "path", path, "key_count", s.manager.Len())
	return nil
}

// ImportKeys reads an export or backup file encrypted under masterKey,
// replaces the in-memory manager with it, adopts masterKey as the store's
// master key and saves keys.json. If the save fails the store keeps its
// previous manager and master key.
func (s *KeyStore) ImportKeys(path string, masterKey []byte) error {
	const op = "keystore.ImportKeys"
	if err := crypto.ValidateKey(masterKey); err != nil {
		return err
	}

	data, err := readFile(op, path)
	if err != nil {
		return err
	}
	if err := validateFile(op, path, data, true); err != nil {
		return err
	}

	var file exportFile
	if err := json.Unmarshal(data, &file); err != nil {
		return kerrors.New(kerrors.KindFormat, op, kerrors.ErrInvalidFormat).WithPath(path).WithDetail("%v", err)
	}

	blob, err := openState(op, path, file.EncryptedData, masterKey)
	if err != nil {
		return err
	}

	imported := keyring.NewManager(keyring.WithClock(s.now))
	if err := imported.UnmarshalState(blob); err != nil {
		return err
	}

	prevManager, prevMaster, prevState, prevCreated := s.manager, s.master, s.state, s.createdAt
	s.manager = imported
	s.setMaster(masterKey)
	if err := s.Save(); err != nil {
		s.manager, s.master, s.state, s.createdAt = prevManager, prevMaster, prevState, prevCreated
		return err
	}
	s.logger.Info("key store imported", "path", path, "key_count", imported.Len())
	return nil
}

// Backup writes keys_backup_<unix>.json into dir and returns its path. A
// second backup within the same second is written as
// keys_backup_<unix>_<n>.json rather than replacing the first.
func (s *KeyStore) Backup(dir string) (string, error) {
	path, err := backupPath("keystore.Backup", dir, s.now())
	if err != nil {
		return "", err
	}
	err = s.WithMasterKey(func(key []byte) error {
		return s.export("keystore.Backup", path, key)
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

// RestoreBackup imports a backup taken under the current master key.
func (s *KeyStore) RestoreBackup(path string) error {
	var k []byte
	err := s.WithMasterKey(func(key []byte) error {
		k = append([]byte(nil), key...)
		return nil
	})
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(k)
	return s.ImportKeys(path, k)
}

// RotateMasterKey re-encrypts keys.json from oldKey to newKey. The
// serialized manager is carried over unchanged and also becomes the
// in-memory state. Data keys inside the rings keep their existing wrapping;
// see keyring.Manager.RewrapDataKeys.
func (s *KeyStore) RotateMasterKey(oldKey, newKey []byte) error {
	const op = "keystore.RotateMasterKey"
	if err := crypto.ValidateKey(oldKey); err != nil {
		return err
	}
	if err := crypto.ValidateKey(newKey); err != nil {
		return err
	}

	file, err := s.readStore(op)
	if errors.Is(err, kerrors.ErrFileNotFound) {
		return s.rotateUnsaved(op, oldKey, newKey)
	}
	if err != nil {
		return err
	}

	encoded, err := crypto.DecryptStrict(file.EncryptedData, oldKey)
	if err != nil {
		return err
	}
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return kerrors.Integrity(op, kerrors.ErrDecryptionFailed).WithPath(s.path).WithDetail("decrypted payload is not base64")
	}
	if err := s.manager.UnmarshalState(blob); err != nil {
		return err
	}

	reencrypted, err := crypto.Encrypt(encoded, newKey)
	if err != nil {
		return err
	}
	s.createdAt = time.Unix(int64(file.CreatedAt), 0)
	if err := s.writeStore(reencrypted); err != nil {
		return err
	}

	s.setMaster(newKey)
	s.logger.Info("master key rotated", "path", s.path, "key_count", s.manager.Len())
	return nil
}

// rotateUnsaved handles master-key rotation before keys.json exists: oldKey
// must match the key currently held.
func (s *KeyStore) rotateUnsaved(op string, oldKey, newKey []byte) error {
	err := s.WithMasterKey(func(current []byte) error {
		if subtle.ConstantTimeCompare(current, oldKey) != 1 {
			return kerrors.Integrity(op, kerrors.ErrDecryptionFailed).WithDetail("old master key does not match")
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.setMaster(newKey)
	return s.Save()
}

// Initialize creates the first ring under the current master key and
// saves.
func (s *KeyStore) Initialize(keyID, createdBy string) (keyring.KeyVersion, error) {
	var kv keyring.KeyVersion
	err := s.mutate(func(key []byte) (err error) {
		kv, err = s.manager.Initialize(key, keyID, createdBy)
		return err
	})
	return kv, err
}

// CreateKeyRing adds a ring under the current master key and saves.
func (s *KeyStore) CreateKeyRing(keyID, createdBy string) (keyring.KeyVersion, error) {
	var kv keyring.KeyVersion
	err := s.mutate(func(key []byte) (err error) {
		kv, err = s.manager.CreateKeyRing(key, keyID, createdBy)
		return err
	})
	return kv, err
}

// RotateKey rotates a ring under the current master key and saves.
func (s *KeyStore) RotateKey(keyID, actor, reason string) (keyring.RotationResult, error) {
	var res keyring.RotationResult
	err := s.mutate(func(key []byte) (err error) {
		res, err = s.manager.RotateKey(key, keyID, actor, reason)
		return err
	})
	return res, err
}

// mutate runs fn with the master key and saves on success. On failure the
// in-memory manager is restored from its state before fn ran.
func (s *KeyStore) mutate(fn func(key []byte) error) error {
	return s.WithMasterKey(func(key []byte) error {
		snapshot, err := s.manager.MarshalState()
		if err != nil {
			return err
		}
		if err := fn(key); err != nil {
			return err
		}

		enc, err := s.sealState(key)
		if err == nil {
			err = s.writeStore(enc)
		}
		if err != nil {
			if rerr := s.manager.UnmarshalState(snapshot); rerr != nil {
				s.logger.Error("failed to restore key manager after save error", "error", rerr)
			}
			return err
		}
		return nil
	})
}

// Update applies fn to the manager with the master key and saves. Used by
// callers that need operations not wrapped by KeyStore.
func (s *KeyStore) Update(fn func(m *keyring.Manager, key []byte) error) error {
	return s.mutate(func(key []byte) error { return fn(s.manager, key) })
}

// Close drops the master key. The store needs SetMasterKey again before
// any further persistence.
func (s *KeyStore) Close() {
	s.master = nil
}
