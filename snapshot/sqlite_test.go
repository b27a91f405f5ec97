package snapshot

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T, retain int) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapshots.db")
	s, err := NewSQLiteStore(context.Background(), path, retain)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testSnapshot(createdAt time.Time) *Snapshot {
	tr := NewTracker(10)
	tr.Record(Interaction{Query: "analyze this file", Value: "analysis", Cached: true, At: createdAt})
	tr.Record(Interaction{Query: "analyze that file", Value: "analysis", At: createdAt})
	snap := tr.Build(Quality{HitRate: 0.5, ErrorRate: 0.1, AvgLatencySeconds: 1.2})
	snap.CreatedAt = createdAt
	return snap
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t, 5)

	snap := testSnapshot(time.Now().UTC())
	require.NoError(t, s.Save(ctx, snap))

	loaded, err := s.Load(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.ID, loaded.ID)
	assert.Equal(t, snap.Patterns, loaded.Patterns)
	assert.Equal(t, snap.Quality, loaded.Quality)
	require.Len(t, loaded.Interactions, 2)
	assert.Equal(t, "analyze this file", loaded.Interactions[0].Query)
	assert.True(t, loaded.Interactions[0].Cached)
}

func TestSQLiteStore_NotFound(t *testing.T) {
	s := newTestSQLiteStore(t, 5)

	_, err := s.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Latest(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_Retention(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t, 3)

	base := time.Now().UTC().Add(-time.Hour)
	var ids []string
	for i := 0; i < 5; i++ {
		snap := testSnapshot(base.Add(time.Duration(i) * time.Minute))
		require.NoError(t, s.Save(ctx, snap))
		ids = append(ids, snap.ID)
	}

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3, "retention bound must prune old snapshots")
	assert.Equal(t, ids[4], list[0], "newest first")

	_, err = s.Load(ctx, ids[0])
	assert.ErrorIs(t, err, ErrNotFound)

	latest, err := s.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, ids[4], latest.ID)
}

func TestSQLiteStore_SaveIsIdempotentPerID(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t, 5)

	snap := testSnapshot(time.Now().UTC())
	require.NoError(t, s.Save(ctx, snap))
	snap.Quality.HitRate = 0.9
	require.NoError(t, s.Save(ctx, snap))

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	loaded, err := s.Load(ctx, snap.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, loaded.Quality.HitRate, 1e-9)
}
