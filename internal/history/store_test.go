package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glinharesb/keyring-go/internal/rotation"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func completed(t *testing.T, keyID string, from uint32, at time.Time) rotation.RotationHistory {
	t.Helper()
	h := rotation.NewHistory(keyID, from, from+1, "bob", "scheduled", at)
	require.NoError(t, h.Transition(rotation.StatusInProgress, at))
	require.NoError(t, h.Transition(rotation.StatusCompleted, at.Add(time.Second)))
	return *h
}

func TestRecordAndList(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	h1 := completed(t, "app", 1, base)
	h2 := completed(t, "app", 2, base.Add(time.Hour))
	h3 := completed(t, "db", 1, base.Add(2*time.Hour))
	for _, h := range []rotation.RotationHistory{h1, h2, h3} {
		require.NoError(t, s.Record(ctx, h))
	}

	app, err := s.List(ctx, "app", 0)
	require.NoError(t, err)
	require.Len(t, app, 2)
	assert.Equal(t, h2.ID, app[0].ID)
	assert.Equal(t, h1.ID, app[1].ID)
	assert.Equal(t, rotation.StatusCompleted, app[0].Status)
	require.NotNil(t, app[0].CompletedAt)
	assert.True(t, h2.CompletedAt.Equal(*app[0].CompletedAt))
	assert.True(t, h2.StartedAt.Equal(app[0].StartedAt))

	all, err := s.List(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, h3.ID, all[0].ID)
}

func TestRecordUpdatesExisting(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	now := time.Now().UTC()

	h := rotation.NewHistory("app", 1, 2, "bob", "", now)
	require.NoError(t, s.Record(ctx, *h))

	require.NoError(t, h.Transition(rotation.StatusInProgress, now))
	require.NoError(t, h.Fail(assert.AnError, now))
	require.NoError(t, s.Record(ctx, *h))

	got, err := s.List(ctx, "app", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rotation.StatusFailed, got[0].Status)
	assert.Equal(t, assert.AnError.Error(), got[0].Error)
}

func TestStoreSatisfiesRecorder(t *testing.T) {
	var _ rotation.HistoryRecorder = (*Store)(nil)
}
