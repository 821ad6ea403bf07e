package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreSaveLatest(t *testing.T) {
	ctx := context.Background()
	st, err := Open(filepath.Join(t.TempDir(), "state", "sessions.db"))
	require.NoError(t, err)
	defer st.Close()

	latest, err := st.Latest(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)

	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.Save(ctx, &Session{Source: "exchange", Bearer: "old", CacheID: testCacheID}))
	require.NoError(t, st.Save(ctx, &Session{
		Source:    "live",
		Bearer:    "b2",
		CacheID:   testCacheID,
		CacheURL:  "https://cache.example.com/xtv-ws-client",
		Cookies:   map[string]string{"JSESSIONID": "j"},
		ExpiresAt: exp,
	}))

	latest, err = st.Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "live", latest.Source)
	assert.Equal(t, "b2", latest.Bearer)
	assert.Equal(t, "https://cache.example.com/xtv-ws-client", latest.CacheURL)
	assert.Equal(t, map[string]string{"JSESSIONID": "j"}, latest.Cookies)
	assert.True(t, latest.ExpiresAt.Equal(exp))
	assert.False(t, latest.AcquiredAt.IsZero())
}

func TestStoreRuns(t *testing.T) {
	ctx := context.Background()
	st, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	defer st.Close()

	t0 := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	require.NoError(t, st.RecordRun(ctx, RunSummary{ID: "r1", StartedAt: t0, FinishedAt: t0.Add(time.Minute), Source: "static", Channels: 3, Programmes: 40}))
	require.NoError(t, st.RecordRun(ctx, RunSummary{ID: "r2", StartedAt: t0.Add(time.Hour), FinishedAt: t0.Add(time.Hour), Err: "smoke test"}))

	runs, err := st.Runs(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r2", runs[0].ID)
	assert.Equal(t, "smoke test", runs[0].Err)
	assert.Equal(t, 40, runs[1].Programmes)
}
