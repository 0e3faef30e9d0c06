package rotation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/glinharesb/keyring-go/internal/kerrors"
	"github.com/glinharesb/keyring-go/internal/keyring"
)

// ExpirationState classifies a key's expiry.
type ExpirationState string

const (
	ExpirationValid    ExpirationState = "valid"
	ExpirationWarning  ExpirationState = "warning"
	ExpirationCritical ExpirationState = "critical"
	ExpirationExpired  ExpirationState = "expired"
)

// criticalDays is the window in which an upcoming expiry is critical.
const criticalDays = 7

// ExpirationStatus is returned by CheckKeyExpiration. DaysRemaining is set
// for Warning and Critical.
type ExpirationStatus struct {
	State         ExpirationState `json:"state"`
	DaysRemaining int             `json:"days_remaining,omitempty"`
}

// Priority ranks a rotation recommendation.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Recommendation is returned by GetRotationRecommendation.
type Recommendation struct {
	KeyID             string   `json:"key_id"`
	ShouldRotate      bool     `json:"should_rotate"`
	Priority          Priority `json:"priority"`
	Reason            string   `json:"reason"`
	DaysSinceRotation int      `json:"days_since_rotation"`
	// EstimatedDowntime is always zero: the previous primary stays Active as
	// a secondary, so existing ciphertexts keep decrypting while callers
	// re-encrypt.
	EstimatedDowntime time.Duration `json:"estimated_downtime"`
}

// Service implements rotation planning over individual rings. It keeps no
// ring state of its own.
type Service struct {
	now      func() time.Time
	recorder HistoryRecorder
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRecorder persists every executed rotation.
func WithRecorder(r HistoryRecorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a rotation service using the wall clock and no
// history recorder unless overridden by opts.
func NewService(opts ...Option) *Service {
	s := &Service{now: time.Now, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) clock() time.Time { return s.now().UTC() }

// CreateRotationPlan plans a rotation of ring up to target.
func (s *Service) CreateRotationPlan(ring *keyring.KeyRing, target uint32) (keyring.RotationPlan, error) {
	return keyring.PlanFor(ring, target, s.clock())
}

// ValidateRotation checks plan against ring and policy.
func (s *Service) ValidateRotation(ring *keyring.KeyRing, plan keyring.RotationPlan, policy KeyRotationPolicy) error {
	const op = "rotation.ValidateRotation"
	if plan.KeyID != ring.KeyID {
		return kerrors.Policy(op, "plan for %q applied to ring %q", plan.KeyID, ring.KeyID).WithKey(ring.KeyID)
	}
	if ring.KeyByVersion(plan.CurrentVersion) == nil {
		return kerrors.New(kerrors.KindNotFound, op, kerrors.ErrVersionNotFound).
			WithKey(ring.KeyID).WithVersion(plan.CurrentVersion)
	}
	if plan.CurrentVersion != ring.CurrentVersion {
		return kerrors.Policy(op, "plan starts at version %d but ring is at %d", plan.CurrentVersion, ring.CurrentVersion).
			WithKey(ring.KeyID)
	}
	if plan.TargetVersion <= ring.CurrentVersion {
		return kerrors.Policy(op, "target version %d must be greater than current version %d", plan.TargetVersion, ring.CurrentVersion).
			WithKey(ring.KeyID)
	}
	if uint64(plan.TargetVersion) > uint64(ring.CurrentVersion)+uint64(policy.MaxVersions) {
		return kerrors.Policy(op, "target version %d exceeds max versions %d", plan.TargetVersion, policy.MaxVersions).
			WithKey(ring.KeyID)
	}
	return nil
}

// ExecuteRotation rotates ring once and returns the history entry. The
// entry is Completed or Failed; a Failed entry comes with the cause.
// When a recorder is configured, a recording failure is returned after a
// successful rotation and the ring stays rotated.
func (s *Service) ExecuteRotation(ctx context.Context, ring *keyring.KeyRing, masterKey []byte, actor, reason string) (*RotationHistory, *keyring.KeyBundle, error) {
	h := NewHistory(ring.KeyID, ring.CurrentVersion, ring.CurrentVersion+1, actor, reason, s.clock())
	if err := h.Transition(StatusInProgress, s.clock()); err != nil {
		return nil, nil, err
	}

	bundle, err := ring.Rotate(masterKey, actor, reason, s.clock())
	if err != nil {
		if ferr := h.Fail(err, s.clock()); ferr != nil {
			return h, nil, ferr
		}
		s.record(ctx, h)
		return h, nil, err
	}

	if err := h.Transition(StatusCompleted, s.clock()); err != nil {
		return h, bundle, err
	}
	s.logger.InfoContext(ctx, "key ring rotated",
		"key_id", h.KeyID,
		"from_version", h.FromVersion,
		"to_version", h.ToVersion,
		"actor", actor,
	)

	if err := s.record(ctx, h); err != nil {
		return h, bundle, fmt.Errorf("record rotation history: %w", err)
	}
	return h, bundle, nil
}

// ExecutePlan validates plan and performs each rotation it lists. It stops at
// the first failure; entries for completed steps are returned either way.
func (s *Service) ExecutePlan(ctx context.Context, ring *keyring.KeyRing, plan keyring.RotationPlan, policy KeyRotationPolicy, masterKey []byte, actor, reason string) ([]*RotationHistory, error) {
	if err := s.ValidateRotation(ring, plan, policy); err != nil {
		return nil, err
	}
	var out []*RotationHistory
	for range plan.KeysToRotate {
		h, _, err := s.ExecuteRotation(ctx, ring, masterKey, actor, reason)
		if h != nil {
			out = append(out, h)
		}
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

func (s *Service) record(ctx context.Context, h *RotationHistory) error {
	if s.recorder == nil {
		return nil
	}
	if err := s.recorder.Record(ctx, *h); err != nil {
		s.logger.ErrorContext(ctx, "failed to record rotation history",
			"key_id", h.KeyID,
			"history_id", h.ID,
			"error", err,
		)
		return err
	}
	return nil
}

// CheckKeyExpiration classifies the expiry of a key version.
func (s *Service) CheckKeyExpiration(meta keyring.KeyMetadata, policy KeyRotationPolicy) ExpirationStatus {
	if meta.ExpiresAt == nil {
		return ExpirationStatus{State: ExpirationValid}
	}
	now := s.clock()
	if meta.IsExpiredAt(now) {
		return ExpirationStatus{State: ExpirationExpired}
	}

	days := int(meta.ExpiresAt.Sub(now) / (24 * time.Hour))
	switch {
	case days <= criticalDays:
		return ExpirationStatus{State: ExpirationCritical, DaysRemaining: days}
	case days <= int(policy.WarningDays):
		return ExpirationStatus{State: ExpirationWarning, DaysRemaining: days}
	default:
		return ExpirationStatus{State: ExpirationValid}
	}
}

// CanRotate refuses rotation once inactive secondaries reach
// MaxVersions-1.
func (s *Service) CanRotate(ring *keyring.KeyRing, policy KeyRotationPolicy) error {
	now := s.clock()
	inactive := 0
	for _, b := range ring.SecondaryKeys {
		if !b.Metadata.IsActiveAt(now) {
			inactive++
		}
	}
	if inactive >= int(policy.MaxVersions)-1 {
		return kerrors.Policy("rotation.CanRotate", "too many inactive versions (%d), clean up first", inactive).
			WithKey(ring.KeyID)
	}
	return nil
}

// GetRotationRecommendation ranks how urgently ring should rotate.
func (s *Service) GetRotationRecommendation(ring *keyring.KeyRing, policy KeyRotationPolicy) Recommendation {
	now := s.clock()
	days := int(now.Sub(ring.LastActivity()) / (24 * time.Hour))
	rec := Recommendation{KeyID: ring.KeyID, DaysSinceRotation: days}

	if p := ring.PrimaryKey; p != nil {
		switch {
		case p.Metadata.Status == keyring.StatusCompromised:
			rec.ShouldRotate, rec.Priority, rec.Reason = true, PriorityCritical, "current key is compromised"
			return rec
		case p.Metadata.Status == keyring.StatusExpired || p.Metadata.IsExpiredAt(now):
			rec.ShouldRotate, rec.Priority, rec.Reason = true, PriorityCritical, "current key has expired"
			return rec
		}
	}

	interval := int(policy.RotationIntervalDays)
	grace := int(policy.GracePeriodDays)
	switch {
	case days >= interval+grace:
		rec.ShouldRotate, rec.Priority = true, PriorityCritical
		rec.Reason = fmt.Sprintf("rotation overdue by %d days", days-interval)
	case days >= interval:
		rec.ShouldRotate, rec.Priority = true, PriorityHigh
		rec.Reason = "rotation interval reached, within grace period"
	case float64(days) >= math.Ceil(float64(interval)*0.75):
		rec.Priority = PriorityMedium
		rec.Reason = fmt.Sprintf("rotation due in %d days", interval-days)
	default:
		rec.Priority = PriorityLow
		rec.Reason = "no rotation needed"
	}

	if rec.Priority == PriorityLow || rec.Priority == PriorityMedium {
		if p := ring.PrimaryKey; p != nil && s.CheckKeyExpiration(p.Metadata, policy).State == ExpirationCritical {
			rec.ShouldRotate, rec.Priority, rec.Reason = true, PriorityHigh, "current key expires soon"
		}
	}
	return rec
}
