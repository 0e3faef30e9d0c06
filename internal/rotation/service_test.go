package rotation

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glinharesb/keyring-go/internal/crypto"
	"github.com/glinharesb/keyring-go/internal/kerrors"
	"github.com/glinharesb/keyring-go/internal/keyring"
)

var epoch = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

type recorderFunc func(context.Context, RotationHistory) error

func (f recorderFunc) Record(ctx context.Context, h RotationHistory) error { return f(ctx, h) }

func setup(t *testing.T, now time.Time) (*Service, *keyring.KeyRing, []byte) {
	t.Helper()
	mk, err := crypto.GenerateAESKey()
	require.NoError(t, err)
	ring, err := keyring.NewKeyRing(mk, "app", "alice", epoch)
	require.NoError(t, err)
	return NewService(WithClock(func() time.Time { return now })), ring, mk
}

func TestValidateRotation(t *testing.T) {
	s, ring, mk := setup(t, epoch)
	ring.Rotate(mk, "bob", "", epoch)
	policy := DefaultPolicy()

	plan, err := s.CreateRotationPlan(ring, 4)
	require.NoError(t, err)
	assert.NoError(t, s.ValidateRotation(ring, plan, policy))

	tooFar, err := s.CreateRotationPlan(ring, 8)
	require.NoError(t, err)
	err = s.ValidateRotation(ring, tooFar, policy)
	assert.Equal(t, kerrors.KindPolicy, kerrors.KindOf(err))

	_, err = s.CreateRotationPlan(ring, 2)
	assert.Equal(t, kerrors.KindPolicy, kerrors.KindOf(err))

	ghost := plan
	ghost.CurrentVersion = 9
	err = s.ValidateRotation(ring, ghost, policy)
	assert.True(t, errors.Is(err, kerrors.ErrVersionNotFound))

	stale := plan
	stale.CurrentVersion = 1
	assert.Equal(t, kerrors.KindPolicy, kerrors.KindOf(s.ValidateRotation(ring, stale, policy)))
}

func TestExecuteRotationRecordsHistory(t *testing.T) {
	s, ring, mk := setup(t, epoch)
	var recorded []RotationHistory
	s.recorder = recorderFunc(func(_ context.Context, h RotationHistory) error {
		recorded = append(recorded, h)
		return nil
	})

	h, b, err := s.ExecuteRotation(context.Background(), ring, mk, "bob", "scheduled")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), b.Metadata.Version)
	assert.Equal(t, StatusCompleted, h.Status)
	assert.Equal(t, uint32(1), h.FromVersion)
	assert.Equal(t, uint32(2), h.ToVersion)
	assert.NotNil(t, h.CompletedAt)
	assert.NotEmpty(t, h.ID)

	require.Len(t, recorded, 1)
	assert.Equal(t, *h, recorded[0])
	assert.Equal(t, uint32(2), ring.CurrentVersion)
}

func TestExecuteRotationFailure(t *testing.T) {
	s, ring, _ := setup(t, epoch)

	h, b, err := s.ExecuteRotation(context.Background(), ring, []byte("bad"), "bob", "")
	require.Error(t, err)
	assert.Nil(t, b)
	assert.Equal(t, StatusFailed, h.Status)
	assert.NotEmpty(t, h.Error)
	assert.Equal(t, uint32(1), ring.CurrentVersion)
}

func TestExecuteRotationRecorderError(t *testing.T) {
	s, ring, mk := setup(t, epoch)
	s.recorder = recorderFunc(func(context.Context, RotationHistory) error { return errors.New("disk full") })

	h, _, err := s.ExecuteRotation(context.Background(), ring, mk, "bob", "")
	require.Error(t, err)
	assert.Equal(t, StatusCompleted, h.Status)
	assert.Equal(t, uint32(2), ring.CurrentVersion)
}

func TestExecutePlan(t *testing.T) {
	s, ring, mk := setup(t, epoch)
	plan, err := s.CreateRotationPlan(ring, 3)
	require.NoError(t, err)

	entries, err := s.ExecutePlan(context.Background(), ring, plan, DefaultPolicy(), mk, "bob", "catch up")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, uint32(3), ring.CurrentVersion)
	assert.Equal(t, ring.CurrentVersion, ring.PrimaryKey.Metadata.Version)
}

func TestHistoryTransitions(t *testing.T) {
	h := NewHistory("app", 1, 2, "bob", "", epoch)
	assert.Equal(t, StatusPending, h.Status)

	err := h.Transition(StatusCompleted, epoch)
	assert.Equal(t, kerrors.KindState, kerrors.KindOf(err))

	require.NoError(t, h.Transition(StatusInProgress, epoch))
	require.NoError(t, h.Transition(StatusCancelled, epoch))
	assert.True(t, h.Status.Terminal())
	assert.Error(t, h.Transition(StatusInProgress, epoch))

	p := NewHistory("app", 1, 2, "bob", "", epoch)
	require.NoError(t, p.Transition(StatusCancelled, epoch))
	assert.NotNil(t, p.CompletedAt)
}

func TestCheckKeyExpiration(t *testing.T) {
	s, _, _ := setup(t, epoch)
	policy := DefaultPolicy()
	at := func(d time.Duration) keyring.KeyMetadata {
		e := epoch.Add(d)
		return keyring.KeyMetadata{Status: keyring.StatusActive, ExpiresAt: &e}
	}
	day := 24 * time.Hour

	assert.Equal(t, ExpirationStatus{State: ExpirationValid}, s.CheckKeyExpiration(keyring.KeyMetadata{}, policy))
	assert.Equal(t, ExpirationStatus{State: ExpirationValid}, s.CheckKeyExpiration(at(60*day), policy))
	assert.Equal(t, ExpirationStatus{State: ExpirationWarning, DaysRemaining: 20}, s.CheckKeyExpiration(at(20*day), policy))
	assert.Equal(t, ExpirationStatus{State: ExpirationCritical, DaysRemaining: 7}, s.CheckKeyExpiration(at(7*day), policy))
	assert.Equal(t, ExpirationStatus{State: ExpirationCritical, DaysRemaining: 0}, s.CheckKeyExpiration(at(time.Hour), policy))
	assert.Equal(t, ExpirationStatus{State: ExpirationExpired}, s.CheckKeyExpiration(at(0), policy))
}

func TestCanRotate(t *testing.T) {
	s, ring, mk := setup(t, epoch)
	policy := KeyRotationPolicy{MaxVersions: 3}

	for i := 0; i < 3; i++ {
		ring.Rotate(mk, "bob", "", epoch)
	}
	assert.NoError(t, s.CanRotate(ring, policy), "active secondaries do not count")

	ring.DeactivateVersion(1)
	assert.NoError(t, s.CanRotate(ring, policy))

	ring.DeactivateVersion(2)
	err := s.CanRotate(ring, policy)
	assert.Equal(t, kerrors.KindPolicy, kerrors.KindOf(err))
	assert.Contains(t, err.Error(), "clean up first")
}

func TestRecommendationPriorities(t *testing.T) {
	day := 24 * time.Hour
	policy := DefaultPolicy()
	cases := []struct {
		age      time.Duration
		priority Priority
		rotate   bool
	}{
		{10 * day, PriorityLow, false},
		{68 * day, PriorityMedium, false},
		{90 * day, PriorityHigh, true},
		{96 * day, PriorityHigh, true},
		{97 * day, PriorityCritical, true},
		{400 * day, PriorityCritical, true},
	}
	for _, tc := range cases {
		s, ring, _ := setup(t, epoch.Add(tc.age))
		rec := s.GetRotationRecommendation(ring, policy)
		assert.Equal(t, tc.priority, rec.Priority, "age %v", tc.age)
		assert.Equal(t, tc.rotate, rec.ShouldRotate, "age %v", tc.age)
		assert.Zero(t, rec.EstimatedDowntime)
	}
}

func TestRotationKeepsPreviousVersionUsable(t *testing.T) {
	s, ring, mk := setup(t, epoch.Add(100*24*time.Hour))
	rec := s.GetRotationRecommendation(ring, DefaultPolicy())
	require.True(t, rec.ShouldRotate)
	assert.Zero(t, rec.EstimatedDowntime)

	_, _, err := s.ExecuteRotation(context.Background(), ring, mk, "bob", "")
	require.NoError(t, err)
	prev := ring.KeyByVersion(1)
	require.NotNil(t, prev)
	assert.Equal(t, keyring.StatusActive, prev.Metadata.Status)
}

func TestCreateRotationPlanTooFarAhead(t *testing.T) {
	s, ring, _ := setup(t, epoch)
	_, err := s.CreateRotationPlan(ring, math.MaxUint32)
	assert.Equal(t, kerrors.KindPolicy, kerrors.KindOf(err))
}

func TestRecommendationCompromisedPrimary(t *testing.T) {
	s, ring, _ := setup(t, epoch.Add(24*time.Hour))
	ring.PrimaryKey.Metadata.Status = keyring.StatusCompromised

	rec := s.GetRotationRecommendation(ring, DefaultPolicy())
	assert.Equal(t, PriorityCritical, rec.Priority)
	assert.True(t, rec.ShouldRotate)
}

func TestRecommendationExpiringPrimary(t *testing.T) {
	s, ring, _ := setup(t, epoch.Add(24*time.Hour))
	soon := epoch.Add(3 * 24 * time.Hour)
	ring.PrimaryKey.Metadata.ExpiresAt = &soon

	rec := s.GetRotationRecommendation(ring, DefaultPolicy())
	assert.Equal(t, PriorityHigh, rec.Priority)
	assert.True(t, rec.ShouldRotate)
}

func TestPolicyForSchedule(t *testing.T) {
	p := DefaultPolicy().ForSchedule(keyring.KeyRotationSchedule{RotationIntervalDays: 30, MaxVersions: 3})
	assert.Equal(t, uint32(30), p.RotationIntervalDays)
	assert.Equal(t, uint32(3), p.MaxVersions)
	assert.Equal(t, uint32(7), p.GracePeriodDays)
}
