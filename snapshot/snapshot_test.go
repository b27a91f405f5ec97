package snapshot

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_BoundsHistory(t *testing.T) {
	tr := NewTracker(3)
	for i := 0; i < 5; i++ {
		tr.Record(Interaction{Query: fmt.Sprintf("query %d", i), At: time.Now()})
	}

	snap := tr.Build(Quality{})
	require.Len(t, snap.Interactions, 3)
	assert.Equal(t, "query 2", snap.Interactions[0].Query)
	assert.Equal(t, "query 4", snap.Interactions[2].Query)
}

func TestTracker_ExtractsRecurringPatterns(t *testing.T) {
	tr := NewTracker(10)
	tr.Record(Interaction{Query: "analyze this file"})
	tr.Record(Interaction{Query: "analyze that report"})
	tr.Record(Interaction{Query: "summarize report"})

	snap := tr.Build(Quality{HitRate: 0.5})
	assert.Equal(t, 2, snap.Patterns["analyze"])
	assert.Equal(t, 2, snap.Patterns["report"])
	assert.NotContains(t, snap.Patterns, "summarize", "single occurrences are not patterns")
	assert.NotEmpty(t, snap.ID)
	assert.InDelta(t, 0.5, snap.Quality.HitRate, 1e-9)
}

func TestInMemoryStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore(5)

	tr := NewTracker(10)
	tr.Record(Interaction{Query: "hello", Value: "world", Cached: true})
	snap := tr.Build(Quality{HitRate: 1})

	require.NoError(t, s.Save(ctx, snap))

	loaded, err := s.Load(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.ID, loaded.ID)
	assert.Equal(t, snap.Interactions, loaded.Interactions)
}

func TestInMemoryStore_NotFound(t *testing.T) {
	s := NewInMemoryStore(5)

	_, err := s.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Latest(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryStore_Retention(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore(2)

	var ids []string
	for i := 0; i < 4; i++ {
		snap := NewTracker(1).Build(Quality{})
		require.NoError(t, s.Save(ctx, snap))
		ids = append(ids, snap.ID)
	}

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ids[3], list[0], "newest first")
	assert.Equal(t, ids[2], list[1])

	_, err = s.Load(ctx, ids[0])
	assert.ErrorIs(t, err, ErrNotFound, "pruned snapshot must be gone")

	latest, err := s.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, ids[3], latest.ID)
}
