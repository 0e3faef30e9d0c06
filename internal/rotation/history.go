package rotation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/glinharesb/keyring-go/internal/kerrors"
)

// Status is the state of a RotationHistory entry.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusCancelled},
}

// RotationHistory records one rotation attempt.
type RotationHistory struct {
	ID          string     `json:"id"`
	KeyID       string     `json:"key_id"`
	FromVersion uint32     `json:"from_version"`
	ToVersion   uint32     `json:"to_version"`
	Status      Status     `json:"status"`
	InitiatedBy string     `json:"initiated_by"`
	Reason      string     `json:"reason,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// NewHistory returns a Pending entry.
func NewHistory(keyID string, from, to uint32, actor, reason string, now time.Time) *RotationHistory {
	return &RotationHistory{
		ID:          uuid.New().String(),
		KeyID:       keyID,
		FromVersion: from,
		ToVersion:   to,
		Status:      StatusPending,
		InitiatedBy: actor,
		Reason:      reason,
		StartedAt:   now.UTC(),
	}
}

// Transition moves the entry to next, rejecting moves the state machine
// does not allow. Terminal states stamp CompletedAt.
func (h *RotationHistory) Transition(next Status, now time.Time) error {
	for _, allowed := range transitions[h.Status] {
		if allowed == next {
			h.Status = next
			if next.Terminal() {
				t := now.UTC()
				h.CompletedAt = &t
			}
			return nil
		}
	}
	return kerrors.New(kerrors.KindState, "rotation.Transition", kerrors.ErrPolicy).
		WithKey(h.KeyID).
		WithDetail("invalid transition %s -> %s", h.Status, next)
}

// Fail moves the entry to Failed and keeps the cause.
func (h *RotationHistory) Fail(cause error, now time.Time) error {
	if err := h.Transition(StatusFailed, now); err != nil {
		return err
	}
	h.Error = cause.Error()
	return nil
}

func (h *RotationHistory) String() string {
	return fmt.Sprintf("%s %s v%d->v%d %s", h.ID, h.KeyID, h.FromVersion, h.ToVersion, h.Status)
}

// HistoryRecorder persists rotation history entries.
type HistoryRecorder interface {
	Record(ctx context.Context, h RotationHistory) error
}
