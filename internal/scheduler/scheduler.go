// Package scheduler rotates key rings whose schedule has auto-rotate set,
// on a cron cadence.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/glinharesb/keyring-go/internal/audit"
	"github.com/glinharesb/keyring-go/internal/keystore"
	"github.com/glinharesb/keyring-go/internal/rotation"
)

// DefaultSpec checks for due rotations once an hour.
const DefaultSpec = "@hourly"

const scheduledReason = "scheduled rotation"

// Auditor receives one event per rotation attempt.
type Auditor interface {
	Log(ev audit.Event)
}

// Report summarizes one tick.
type Report struct {
	Expired int
	Rotated []string
	Skipped map[string]string
}

// Scheduler runs Tick on a cron schedule.
type Scheduler struct {
	store    *keystore.Guarded
	rotator  *rotation.Service
	policy   rotation.KeyRotationPolicy
	actor    string
	schedule cron.Schedule
	auditor  Auditor
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithAuditor(a Auditor) Option          { return func(s *Scheduler) { s.auditor = a } }
func WithLogger(l *slog.Logger) Option      { return func(s *Scheduler) { s.logger = l } }
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// ParseSpec parses a five-field cron expression or a descriptor such as
// "@hourly".
func ParseSpec(spec string) (cron.Schedule, error) {
	p := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := p.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", spec, err)
	}
	return sched, nil
}

// New creates a scheduler. spec defaults to DefaultSpec; actor is recorded
// as the creator of scheduled key versions.
func New(store *keystore.Guarded, rotator *rotation.Service, policy rotation.KeyRotationPolicy, spec, actor string, opts ...Option) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSpec
	}
	sched, err := ParseSpec(spec)
	if err != nil {
		return nil, err
	}
	s := &Scheduler{
		store:    store,
		rotator:  rotator,
		policy:   policy,
		actor:    actor,
		schedule: sched,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Start launches the background loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return fmt.Errorf("scheduler already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(loopCtx, s.done)
	s.logger.Info("rotation scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		now := s.now()
		timer := time.NewTimer(s.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := s.Tick(ctx); err != nil {
				s.logger.Error("rotation tick failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("rotation scheduler stopped")
}

// Tick expires keys past their expiry, then rotates every auto-rotate ring
// that is due and passes the rotation policy. The store is saved if
// anything changed.
func (s *Scheduler) Tick(ctx context.Context) (Report, error) {
	report := Report{Skipped: map[string]string{}}

	err := s.store.Do(func(ks *keystore.KeyStore) error {
		m := ks.Manager()
		report.Expired = m.ExpireKeys()
		changed := report.Expired > 0

		for _, due := range m.DueRotations() {
			if !due.AutoRotate {
				continue
			}
			ring, err := m.Ring(due.KeyID)
			if err != nil {
				return err
			}

			policy := s.policy.ForSchedule(due)
			if err := s.rotator.CanRotate(ring, policy); err != nil {
				report.Skipped[due.KeyID] = err.Error()
				s.logger.Warn("scheduled rotation skipped",
					slog.String("key_id", due.KeyID),
					slog.String("reason", err.Error()),
				)
				s.audit(audit.Event{Operation: "ScheduledRotation", KeyID: due.KeyID, Actor: s.actor, Err: err})
				continue
			}

			var h *rotation.RotationHistory
			rerr := ks.WithMasterKey(func(key []byte) error {
				var err error
				h, _, err = s.rotator.ExecuteRotation(ctx, ring, key, s.actor, scheduledReason)
				return err
			})
			if h == nil || h.Status != rotation.StatusCompleted {
				report.Skipped[due.KeyID] = fmt.Sprint(rerr)
				s.audit(audit.Event{Operation: "ScheduledRotation", KeyID: due.KeyID, Actor: s.actor, Err: rerr})
				continue
			}
			if rerr != nil {
				s.logger.Warn("scheduled rotation completed with error",
					slog.String("key_id", due.KeyID),
					slog.String("error", rerr.Error()),
				)
			}

			if err := m.TouchSchedule(due.KeyID, m.Now()); err != nil {
				return err
			}
			changed = true
			report.Rotated = append(report.Rotated, due.KeyID)
			s.audit(audit.Event{
				Operation: "ScheduledRotation",
				KeyID:     due.KeyID,
				Version:   h.ToVersion,
				Actor:     s.actor,
				Metadata:  map[string]string{"history_id": h.ID},
			})
		}

		if !changed {
			return nil
		}
		return ks.Save()
	})
	if err != nil {
		return report, err
	}

	if report.Expired > 0 || len(report.Rotated) > 0 {
		s.logger.Info("rotation tick",
			slog.Int("expired", report.Expired),
			slog.Any("rotated", report.Rotated),
		)
	}
	return report, nil
}

func (s *Scheduler) audit(ev audit.Event) {
	if s.auditor != nil {
		s.auditor.Log(ev)
	}
}
