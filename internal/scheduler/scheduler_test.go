package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glinharesb/keyring-go/internal/audit"
	"github.com/glinharesb/keyring-go/internal/crypto"
	"github.com/glinharesb/keyring-go/internal/keystore"
	"github.com/glinharesb/keyring-go/internal/rotation"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type auditSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *auditSink) Log(ev audit.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
}

func setup(t *testing.T) (*Scheduler, *keystore.KeyStore, *clock, *auditSink) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}

	ks, err := keystore.New(t.TempDir(), keystore.WithClock(clk.Now))
	require.NoError(t, err)
	mk, err := crypto.GenerateAESKey()
	require.NoError(t, err)
	require.NoError(t, ks.SetMasterKey(mk))

	_, err = ks.Initialize("app", "alice")
	require.NoError(t, err)
	_, err = ks.CreateKeyRing("manual", "alice")
	require.NoError(t, err)
	require.NoError(t, ks.Manager().SetAutoRotate("app", true))
	require.NoError(t, ks.Manager().SetRotationInterval("app", 30))
	require.NoError(t, ks.Manager().SetRotationInterval("manual", 30))
	require.NoError(t, ks.Save())

	sink := &auditSink{}
	svc := rotation.NewService(rotation.WithClock(clk.Now))
	s, err := New(keystore.NewGuarded(ks), svc, rotation.DefaultPolicy(), "", "scheduler",
		WithAuditor(sink), WithClock(clk.Now))
	require.NoError(t, err)
	return s, ks, clk, sink
}

func TestTickNothingDue(t *testing.T) {
	s, ks, _, sink := setup(t)

	report, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Rotated)
	assert.Zero(t, report.Expired)
	assert.Empty(t, sink.events)

	info, _ := ks.Manager().KeyInfo("app")
	assert.Equal(t, uint32(1), info.CurrentVersion)
}

func TestTickRotatesOnlyAutoRotateRings(t *testing.T) {
	s, ks, clk, sink := setup(t)
	clk.Advance(31 * 24 * time.Hour)

	report, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"app"}, report.Rotated)

	app, _ := ks.Manager().KeyInfo("app")
	assert.Equal(t, uint32(2), app.CurrentVersion)
	manual, _ := ks.Manager().KeyInfo("manual")
	assert.Equal(t, uint32(1), manual.CurrentVersion)

	sched, _ := ks.Manager().Schedule("app")
	assert.Equal(t, clk.Now(), sched.LastRotation)

	require.Len(t, sink.events, 1)
	assert.Equal(t, uint32(2), sink.events[0].Version)
	assert.Equal(t, "scheduler", sink.events[0].Actor)

	// persisted
	require.NoError(t, ks.Load())
	app, _ = ks.Manager().KeyInfo("app")
	assert.Equal(t, uint32(2), app.CurrentVersion)

	// not due again right away
	report, err = s.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Rotated)
}

func TestTickRespectsCanRotate(t *testing.T) {
	s, ks, clk, sink := setup(t)
	require.NoError(t, ks.Manager().SetMaxVersions("app", 2))
	for i := 0; i < 2; i++ {
		_, err := ks.RotateKey("app", "bob", "")
		require.NoError(t, err)
	}
	require.NoError(t, ks.Manager().DeprecateVersion("app", 1))
	clk.Advance(31 * 24 * time.Hour)

	report, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Rotated)
	assert.Contains(t, report.Skipped["app"], "clean up first")
	require.Len(t, sink.events, 1)
	assert.Error(t, sink.events[0].Err)
}

func TestTickExpiresKeys(t *testing.T) {
	s, ks, clk, _ := setup(t)
	exp := clk.Now().Add(24 * time.Hour)
	require.NoError(t, ks.Manager().SetKeyExpiry("manual", 1, &exp))
	clk.Advance(2 * 24 * time.Hour)

	report, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
}

func TestParseSpec(t *testing.T) {
	_, err := ParseSpec("@hourly")
	assert.NoError(t, err)
	_, err = ParseSpec("*/5 * * * *")
	assert.NoError(t, err)
	_, err = ParseSpec("not a cron")
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	s, _, _, _ := setup(t)
	s.now = time.Now
	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	s.Stop()
	s.Stop()
}
