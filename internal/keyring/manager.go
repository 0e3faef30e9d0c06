package keyring

import (
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/glinharesb/keyring-go/internal/crypto"
	"github.com/glinharesb/keyring-go/internal/kerrors"
)

// state is the serialized form of a Manager.
type state struct {
	Rings         map[string]*KeyRing             `json:"rings"`
	Schedules     map[string]*KeyRotationSchedule `json:"schedules"`
	MasterKeyHash string                          `json:"master_key_hash"`
	DefaultKeyID  string                          `json:"default_key_id"`
}

// Manager orchestrates named key rings and their rotation schedules.
// It is not safe for concurrent use.
type Manager struct {
	st  state
	now func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager returns an empty manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		st:  emptyState(),
		now: time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func emptyState() state {
	return state{
		Rings:     map[string]*KeyRing{},
		Schedules: map[string]*KeyRotationSchedule{},
	}
}

func (m *Manager) clock() time.Time {
	return m.now().UTC()
}

// Initialize creates the first ring and makes it the default.
func (m *Manager) Initialize(masterKey []byte, keyID, createdBy string) (KeyVersion, error) {
	kv, err := m.addRing("keyring.Initialize", masterKey, keyID, createdBy)
	if err != nil {
		return KeyVersion{}, err
	}
	m.st.DefaultKeyID = keyID
	return kv, nil
}

// CreateKeyRing adds another named ring. The first ring ever created
// becomes the default.
func (m *Manager) CreateKeyRing(masterKey []byte, keyID, createdBy string) (KeyVersion, error) {
	kv, err := m.addRing("keyring.CreateKeyRing", masterKey, keyID, createdBy)
	if err != nil {
		return KeyVersion{}, err
	}
	if m.st.DefaultKeyID == "" {
		m.st.DefaultKeyID = keyID
	}
	return kv, nil
}

func (m *Manager) addRing(op string, masterKey []byte, keyID, createdBy string) (KeyVersion, error) {
	if err := crypto.ValidateKey(masterKey); err != nil {
		return KeyVersion{}, err
	}
	if _, ok := m.st.Rings[keyID]; ok {
		return KeyVersion{}, kerrors.New(kerrors.KindConflict, op, kerrors.ErrAlreadyExists).WithKey(keyID)
	}

	now := m.clock()
	ring, err := NewKeyRing(masterKey, keyID, createdBy, now)
	if err != nil {
		return KeyVersion{}, err
	}

	hash, err := crypto.Fingerprint(masterKey)
	if err != nil {
		return KeyVersion{}, err
	}

	m.st.Rings[keyID] = ring
	m.st.Schedules[keyID] = NewSchedule(keyID, now)
	m.st.MasterKeyHash = hash

	return versionOf(keyID, ring.PrimaryKey), nil
}

func versionOf(keyID string, b *KeyBundle) KeyVersion {
	return KeyVersion{
		KeyID:     keyID,
		Version:   b.Metadata.Version,
		Status:    b.Metadata.Status,
		CreatedAt: b.Metadata.CreatedAt,
		CreatedBy: b.Metadata.CreatedBy,
	}
}

// RotateKey rotates keyID, or the default ring when keyID is empty.
func (m *Manager) RotateKey(masterKey []byte, keyID, actor, reason string) (RotationResult, error) {
	keyID = m.resolve(keyID)
	ring, err := m.ring("keyring.RotateKey", keyID)
	if err != nil {
		return RotationResult{}, err
	}

	now := m.clock()
	previous := ring.CurrentVersion
	if _, err := ring.Rotate(masterKey, actor, reason, now); err != nil {
		return RotationResult{}, err
	}
	m.touch(keyID, now)

	return RotationResult{
		KeyID:                keyID,
		PreviousVersion:      previous,
		NewVersion:           ring.CurrentVersion,
		RotatedAt:            now,
		ReencryptionRequired: true,
	}, nil
}

// TouchSchedule records a rotation of keyID at the given time. Used by
// callers that rotate a ring directly.
func (m *Manager) TouchSchedule(keyID string, at time.Time) error {
	if _, err := m.ring("keyring.TouchSchedule", keyID); err != nil {
		return err
	}
	m.touch(keyID, at)
	return nil
}

func (m *Manager) touch(keyID string, at time.Time) {
	s, ok := m.st.Schedules[keyID]
	if !ok {
		m.st.Schedules[keyID] = NewSchedule(keyID, at)
		return
	}
	s.touch(at)
}

// KeyInfo returns aggregated counts for keyID.
func (m *Manager) KeyInfo(keyID string) (KeyInfo, error) {
	ring, err := m.ring("keyring.KeyInfo", keyID)
	if err != nil {
		return KeyInfo{}, err
	}
	return m.info(ring), nil
}

func (m *Manager) info(ring *KeyRing) KeyInfo {
	now := m.clock()
	info := KeyInfo{
		KeyID:          ring.KeyID,
		CurrentVersion: ring.CurrentVersion,
		CreatedAt:      ring.CreatedAt,
		LastRotatedAt:  ring.LastRotatedAt,
	}
	for _, b := range ring.Bundles() {
		info.TotalVersions++
		if b.Metadata.IsActiveAt(now) {
			info.ActiveVersions++
		}
		if b.Metadata.Status == StatusDeprecated {
			info.DeprecatedVersions++
		}
	}
	return info
}

// ListKeys returns KeyInfo for every ring, ordered by key id.
func (m *Manager) ListKeys() []KeyInfo {
	out := make([]KeyInfo, 0, len(m.st.Rings))
	for _, id := range m.KeyIDs() {
		out = append(out, m.info(m.st.Rings[id]))
	}
	return out
}

// RotationStatus returns the schedule view of every ring, ordered by key id.
func (m *Manager) RotationStatus() []RotationStatus {
	now := m.clock()
	out := make([]RotationStatus, 0, len(m.st.Schedules))
	for _, id := range m.KeyIDs() {
		s, ok := m.st.Schedules[id]
		if !ok {
			continue
		}
		out = append(out, RotationStatus{
			KeyID:                id,
			CurrentVersion:       m.st.Rings[id].CurrentVersion,
			RotationIntervalDays: s.RotationIntervalDays,
			LastRotation:         s.LastRotation,
			NextRotation:         s.NextRotation,
			RotationDue:          s.IsRotationDueAt(now),
			AutoRotate:           s.AutoRotate,
			MaxVersions:          s.MaxVersions,
		})
	}
	return out
}

// SetRotationInterval changes the cadence of keyID and recomputes the next
// rotation from the last one.
func (m *Manager) SetRotationInterval(keyID string, days uint32) error {
	const op = "keyring.SetRotationInterval"
	s, err := m.schedule(op, keyID)
	if err != nil {
		return err
	}
	if days == 0 {
		return policyError(op, keyID, "rotation interval must be at least one day")
	}
	s.RotationIntervalDays = days
	s.recompute()
	return nil
}

// SetAutoRotate toggles scheduled rotation for keyID.
func (m *Manager) SetAutoRotate(keyID string, enabled bool) error {
	s, err := m.schedule("keyring.SetAutoRotate", keyID)
	if err != nil {
		return err
	}
	s.AutoRotate = enabled
	return nil
}

// SetMaxVersions changes how many versions the rotation policy tolerates.
func (m *Manager) SetMaxVersions(keyID string, n uint32) error {
	const op = "keyring.SetMaxVersions"
	s, err := m.schedule(op, keyID)
	if err != nil {
		return err
	}
	if n < 2 {
		return policyError(op, keyID, "max versions must be at least 2")
	}
	s.MaxVersions = n
	return nil
}

// PlanRotation plans a rotation of keyID (or the default ring) up to target.
func (m *Manager) PlanRotation(target uint32, keyID string) (RotationPlan, error) {
	keyID = m.resolve(keyID)
	ring, err := m.ring("keyring.PlanRotation", keyID)
	if err != nil {
		return RotationPlan{}, err
	}
	return PlanFor(ring, target, m.clock())
}

// DeprecateVersion marks a non-current version Deprecated. Deprecating an
// already deprecated version is a no-op.
func (m *Manager) DeprecateVersion(keyID string, version uint32) error {
	const op = "keyring.DeprecateVersion"
	ring, err := m.ring(op, keyID)
	if err != nil {
		return err
	}
	if version == ring.CurrentVersion {
		return kerrors.New(kerrors.KindConflict, op, kerrors.ErrActiveVersion).WithKey(keyID).WithVersion(version)
	}
	if ring.KeyByVersion(version) == nil {
		return versionNotFound(op, keyID, version)
	}
	ring.DeactivateVersion(version)
	return nil
}

// MarkCompromised flags a version as Compromised. The current version may
// be flagged; rotating away from it is the caller's next step.
func (m *Manager) MarkCompromised(keyID string, version uint32) error {
	const op = "keyring.MarkCompromised"
	b, err := m.bundle(op, keyID, version)
	if err != nil {
		return err
	}
	b.Metadata.Status = StatusCompromised
	return nil
}

// SetKeyExpiry sets or clears (nil) the expiry of a version.
func (m *Manager) SetKeyExpiry(keyID string, version uint32, expiresAt *time.Time) error {
	b, err := m.bundle("keyring.SetKeyExpiry", keyID, version)
	if err != nil {
		return err
	}
	if expiresAt == nil {
		b.Metadata.ExpiresAt = nil
		return nil
	}
	t := expiresAt.UTC()
	b.Metadata.ExpiresAt = &t
	return nil
}

// ExpireKeys moves Active bundles past their expiry to Expired and returns
// how many changed.
func (m *Manager) ExpireKeys() int {
	now := m.clock()
	n := 0
	for _, ring := range m.st.Rings {
		for _, b := range ring.Bundles() {
			if b.Metadata.Status == StatusActive && b.Metadata.IsExpiredAt(now) {
				b.Metadata.Status = StatusExpired
				n++
			}
		}
	}
	return n
}

// CleanupOldKeys drops secondary bundles that are neither Active nor newer
// than keepVersions. The primary is never removed.
func (m *Manager) CleanupOldKeys(keyID string, keepVersions uint32) (int, error) {
	ring, err := m.ring("keyring.CleanupOldKeys", keyID)
	if err != nil {
		return 0, err
	}

	kept := ring.SecondaryKeys[:0]
	removed := 0
	for _, b := range ring.SecondaryKeys {
		if b.Metadata.Status == StatusActive || b.Metadata.Version > keepVersions {
			kept = append(kept, b)
			continue
		}
		removed++
	}
	for i := len(kept); i < len(ring.SecondaryKeys); i++ {
		ring.SecondaryKeys[i] = nil
	}
	ring.SecondaryKeys = kept
	return removed, nil
}

// KeyByVersion returns a copy of the bundle, or nil if the ring exists but
// the version does not.
func (m *Manager) KeyByVersion(keyID string, version uint32) (*KeyBundle, error) {
	ring, err := m.ring("keyring.KeyByVersion", keyID)
	if err != nil {
		return nil, err
	}
	b := ring.KeyByVersion(version)
	if b == nil {
		return nil, nil
	}
	return b.clone(), nil
}

// PlaintextKey unwraps a data key. Version 0 selects the current version.
func (m *Manager) PlaintextKey(masterKey []byte, keyID string, version uint32) ([]byte, error) {
	const op = "keyring.PlaintextKey"
	keyID = m.resolve(keyID)
	ring, err := m.ring(op, keyID)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		version = ring.CurrentVersion
	}
	b := ring.KeyByVersion(version)
	if b == nil {
		return nil, versionNotFound(op, keyID, version)
	}
	return b.PlaintextKey(masterKey)
}

// RewrapDataKeys re-encrypts every bundle's wrapped key from oldKey to
// newKey and returns the number of bundles rewrapped. Nothing changes if
// any bundle fails to unwrap.
func (m *Manager) RewrapDataKeys(oldKey, newKey []byte) (int, error) {
	if err := crypto.ValidateKey(newKey); err != nil {
		return 0, err
	}

	type pending struct {
		b       *KeyBundle
		wrapped string
	}
	var todo []pending
	for _, id := range m.KeyIDs() {
		for _, b := range m.st.Rings[id].Bundles() {
			w, err := b.rewrap(oldKey, newKey)
			if err != nil {
				var e *kerrors.Error
				if errors.As(err, &e) && e.KeyID == "" {
					e.KeyID = id
					e.Version = b.Metadata.Version
				}
				return 0, err
			}
			todo = append(todo, pending{b: b, wrapped: w})
		}
	}

	hash, err := crypto.Fingerprint(newKey)
	if err != nil {
		return 0, err
	}
	for _, p := range todo {
		p.b.EncryptedKey = p.wrapped
	}
	if len(m.st.Rings) > 0 {
		m.st.MasterKeyHash = hash
	}
	return len(todo), nil
}

// Ring returns the live ring for keyID. Callers mutating it are
// responsible for calling TouchSchedule after a rotation.
func (m *Manager) Ring(keyID string) (*KeyRing, error) {
	return m.ring("keyring.Ring", m.resolve(keyID))
}

// Schedule returns a copy of the schedule for keyID.
func (m *Manager) Schedule(keyID string) (KeyRotationSchedule, error) {
	s, err := m.schedule("keyring.Schedule", keyID)
	if err != nil {
		return KeyRotationSchedule{}, err
	}
	return *s, nil
}

// DueRotations returns the schedules that are due, ordered by key id.
func (m *Manager) DueRotations() []KeyRotationSchedule {
	now := m.clock()
	var out []KeyRotationSchedule
	for _, id := range m.KeyIDs() {
		if s, ok := m.st.Schedules[id]; ok && s.IsRotationDueAt(now) {
			out = append(out, *s)
		}
	}
	return out
}

// SetDefaultKeyID changes the ring used when no key id is given.
func (m *Manager) SetDefaultKeyID(keyID string) error {
	if _, err := m.ring("keyring.SetDefaultKeyID", keyID); err != nil {
		return err
	}
	m.st.DefaultKeyID = keyID
	return nil
}

// DefaultKeyID returns the default ring id, or "" if none exists.
func (m *Manager) DefaultKeyID() string { return m.st.DefaultKeyID }

// MasterKeyHash returns the fingerprint of the last master key used to
// create or rewrap rings. It is informational only.
func (m *Manager) MasterKeyHash() string { return m.st.MasterKeyHash }

// KeyIDs returns all ring ids, sorted.
func (m *Manager) KeyIDs() []string {
	ids := make([]string, 0, len(m.st.Rings))
	for id := range m.st.Rings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of rings.
func (m *Manager) Len() int { return len(m.st.Rings) }

// Now returns the manager's clock reading in UTC.
func (m *Manager) Now() time.Time { return m.clock() }

// MarshalState serializes the manager. Output is deterministic for a given
// state.
func (m *Manager) MarshalState() ([]byte, error) {
	data, err := json.Marshal(m.st)
	if err != nil {
		return nil, kerrors.New(kerrors.KindFormat, "keyring.MarshalState", kerrors.ErrInvalidFormat).WithDetail("%v", err)
	}
	return data, nil
}

// UnmarshalState replaces the manager's state with data.
func (m *Manager) UnmarshalState(data []byte) error {
	st := emptyState()
	if err := json.Unmarshal(data, &st); err != nil {
		return kerrors.New(kerrors.KindFormat, "keyring.UnmarshalState", kerrors.ErrInvalidFormat).WithDetail("%v", err)
	}
	if st.Rings == nil {
		st.Rings = map[string]*KeyRing{}
	}
	if st.Schedules == nil {
		st.Schedules = map[string]*KeyRotationSchedule{}
	}
	for id, r := range st.Rings {
		if r == nil || r.PrimaryKey == nil || r.PrimaryKey.Metadata.Version != r.CurrentVersion {
			return kerrors.New(kerrors.KindFormat, "keyring.UnmarshalState", kerrors.ErrInvalidFormat).
				WithKey(id).WithDetail("primary key does not carry the current version")
		}
		if r.SecondaryKeys == nil {
			r.SecondaryKeys = []*KeyBundle{}
		}
	}
	m.st = st
	return nil
}

func (m *Manager) resolve(keyID string) string {
	if keyID == "" {
		return m.st.DefaultKeyID
	}
	return keyID
}

func (m *Manager) ring(op, keyID string) (*KeyRing, error) {
	r, ok := m.st.Rings[keyID]
	if !ok {
		return nil, kerrors.NotFound(op, keyID)
	}
	return r, nil
}

func (m *Manager) schedule(op, keyID string) (*KeyRotationSchedule, error) {
	if _, err := m.ring(op, keyID); err != nil {
		return nil, err
	}
	s, ok := m.st.Schedules[keyID]
	if !ok {
		s = NewSchedule(keyID, m.st.Rings[keyID].LastActivity())
		m.st.Schedules[keyID] = s
	}
	return s, nil
}

func (m *Manager) bundle(op, keyID string, version uint32) (*KeyBundle, error) {
	ring, err := m.ring(op, keyID)
	if err != nil {
		return nil, err
	}
	b := ring.KeyByVersion(version)
	if b == nil {
		return nil, versionNotFound(op, keyID, version)
	}
	return b, nil
}

func versionNotFound(op, keyID string, version uint32) error {
	return kerrors.New(kerrors.KindNotFound, op, kerrors.ErrVersionNotFound).WithKey(keyID).WithVersion(version)
}

func policyError(op, keyID, format string, args ...any) error {
	return kerrors.Policy(op, format, args...).WithKey(keyID)
}
