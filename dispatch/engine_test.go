package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/dispatchmesh/cache"
	"github.com/hupe1980/dispatchmesh/core"
	"github.com/hupe1980/dispatchmesh/credential"
	"github.com/hupe1980/dispatchmesh/memwatch"
)

func newTestEngine(t *testing.T, collab core.Collaborator, optFns ...func(o *Options)) *Engine {
	t.Helper()
	pool := credential.NewPool([]string{"sk-a", "sk-b", "sk-c"})
	store := cache.New()
	monitor := memwatch.New()

	e, err := NewEngine(collab, pool, store, monitor, optFns...)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func echoCollaborator(delay func() time.Duration) core.CollaboratorFunc {
	return func(ctx context.Context, secret string, req core.Request) (core.Response, error) {
		if delay != nil {
			select {
			case <-ctx.Done():
				return core.Response{}, ctx.Err()
			case <-time.After(delay()):
			}
		}
		return core.Response{Value: "echo:" + req.Query}, nil
	}
}

func TestDispatchBatch_EmptyBatchIsHardError(t *testing.T) {
	e := newTestEngine(t, echoCollaborator(nil))

	_, err := e.DispatchBatch(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

func TestDispatchBatch_OrderPreservation(t *testing.T) {
	// Randomized artificial delays force completion order to diverge from
	// submission order; results must still line up by index.
	e := newTestEngine(t, echoCollaborator(func() time.Duration {
		return time.Duration(rand.Intn(30)) * time.Millisecond
	}))

	items := make([]core.Request, 20)
	for i := range items {
		items[i] = core.NewRequest(fmt.Sprintf("query number %d", i))
	}

	results, err := e.DispatchBatch(context.Background(), items)
	require.NoError(t, err)
	require.Len(t, results, len(items))

	for i, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, i, r.Index)
		assert.Equal(t, "echo:"+items[i].Query, r.Value)
	}
}

func TestDispatchBatch_WithinBatchDeduplication(t *testing.T) {
	var calls atomic.Int64
	counting := core.CollaboratorFunc(func(ctx context.Context, secret string, req core.Request) (core.Response, error) {
		calls.Add(1)
		return core.Response{Value: "v"}, nil
	})

	// A single worker serializes items so the duplicate reliably sees the
	// write-through of its twin.
	e := newTestEngine(t, counting, func(o *Options) {
		o.WorkerPoolSize = 1
	})

	items := []core.Request{
		core.NewRequest("first query"),
		core.NewRequest("second query"),
		core.NewRequest("Analyze THIS file"),
		core.NewRequest("third query"),
		core.NewRequest("fourth query"),
		core.NewRequest("fifth query"),
		core.NewRequest("  analyze this  file "),
		core.NewRequest("sixth query"),
	}

	results, err := e.DispatchBatch(context.Background(), items)
	require.NoError(t, err)
	require.Len(t, results, 8)
	for _, r := range results {
		require.NoError(t, r.Err)
	}

	assert.Equal(t, int64(7), calls.Load(), "duplicate after normalization must be served from cache")
	assert.True(t, results[6].Cached || results[2].Cached, "one of the twins must be a cache hit")
}

func TestDispatchBatch_RetriesWithDifferentCredential(t *testing.T) {
	var badCalls, goodCalls atomic.Int64
	flaky := core.CollaboratorFunc(func(ctx context.Context, secret string, req core.Request) (core.Response, error) {
		if secret == "sk-a" {
			badCalls.Add(1)
			return core.Response{}, errors.New("backend unavailable")
		}
		goodCalls.Add(1)
		return core.Response{Value: "ok"}, nil
	})

	e := newTestEngine(t, flaky)

	results, err := e.DispatchBatch(context.Background(), []core.Request{core.NewRequest("q")})
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	require.NoError(t, r.Err)
	assert.Equal(t, "ok", r.Value)
	assert.Equal(t, 2, r.Attempts)
	assert.Equal(t, int64(1), badCalls.Load())
	assert.Equal(t, int64(1), goodCalls.Load())
}

func TestDispatchBatch_RetryBudgetExhaustion(t *testing.T) {
	failing := core.CollaboratorFunc(func(ctx context.Context, secret string, req core.Request) (core.Response, error) {
		return core.Response{}, errors.New("permanent failure")
	})

	e := newTestEngine(t, failing, func(o *Options) {
		o.RetryBudget = 2
	})

	results, err := e.DispatchBatch(context.Background(), []core.Request{
		core.NewRequest("doomed"),
	})
	require.NoError(t, err, "per-item failures must not fail the batch")
	require.Len(t, results, 1)

	r := results[0]
	assert.False(t, r.Success())
	assert.ErrorIs(t, r.Err, ErrRetryBudget)
	assert.Equal(t, 2, r.Attempts)
}

func TestDispatchBatch_FailureNeverDropsItems(t *testing.T) {
	partial := core.CollaboratorFunc(func(ctx context.Context, secret string, req core.Request) (core.Response, error) {
		if req.Query == "bad" {
			return core.Response{}, errors.New("nope")
		}
		return core.Response{Value: "fine"}, nil
	})

	e := newTestEngine(t, partial, func(o *Options) {
		o.RetryBudget = 1
	})

	results, err := e.DispatchBatch(context.Background(), []core.Request{
		core.NewRequest("good one"),
		core.NewRequest("bad"),
		core.NewRequest("another good"),
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err)
	assert.NoError(t, results[2].Err)
}

func TestDispatchBatch_SemanticSecondChance(t *testing.T) {
	var calls atomic.Int64
	counting := core.CollaboratorFunc(func(ctx context.Context, secret string, req core.Request) (core.Response, error) {
		calls.Add(1)
		return core.Response{Value: "analysis result"}, nil
	})

	pool := credential.NewPool([]string{"sk-a"})
	store := cache.New()
	store.Fit([]string{"analyze this file", "compute metrics"})
	monitor := memwatch.New()

	e, err := NewEngine(counting, pool, store, monitor, func(o *Options) {
		o.EnableSemantic = true
		o.SemanticThreshold = 0.8
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)

	ctx := context.Background()
	_, err = e.DispatchBatch(ctx, []core.Request{core.NewRequest("analyze this file")})
	require.NoError(t, err)
	require.Equal(t, int64(1), calls.Load())

	// The paraphrase misses the exact fingerprint but matches semantically.
	results, err := e.DispatchBatch(ctx, []core.Request{core.NewRequest("please analyze this file")})
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	require.NoError(t, r.Err)
	assert.True(t, r.Cached)
	assert.True(t, r.SemanticMatch)
	assert.GreaterOrEqual(t, r.Similarity, 0.8)
	assert.Equal(t, "analysis result", r.Value)
	assert.Equal(t, int64(1), calls.Load(), "semantic hit must not call the remote service")
}

func TestDispatchBatch_MemoryPressureTriggersCleanup(t *testing.T) {
	const mb = 1024 * 1024
	critical := func() (uint64, uint64) { return 2000 * mb, 1000 }

	pool := credential.NewPool([]string{"sk-a"})
	store := cache.New(func(o *cache.Options) {
		o.TTL = time.Millisecond
	})
	monitor := memwatch.New(func(o *memwatch.Options) {
		o.Reader = critical
	})

	e, err := NewEngine(echoCollaborator(nil), pool, store, monitor, func(o *Options) {
		o.MemoryCheckInterval = 1
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)

	// Seed an entry that will be expired by the time the check runs.
	store.Set("feedcafe", "stale", "")
	time.Sleep(5 * time.Millisecond)

	_, err = e.DispatchBatch(context.Background(), []core.Request{core.NewRequest("trigger")})
	require.NoError(t, err)

	// The sweep runs before the item is cached, so only the fresh entry
	// survives. Without it the stale one would still be resident.
	assert.Equal(t, 1, store.Size(), "critical pressure must sweep expired entries")
}

func TestSnapshot_CapturesQualityAndHistory(t *testing.T) {
	e := newTestEngine(t, echoCollaborator(nil), func(o *Options) {
		o.WorkerPoolSize = 1
	})

	_, err := e.DispatchBatch(context.Background(), []core.Request{
		core.NewRequest("analyze this file"),
		core.NewRequest("analyze this file"),
	})
	require.NoError(t, err)

	snap := e.Snapshot()
	assert.NotEmpty(t, snap.ID)
	assert.Len(t, snap.Interactions, 2)
	assert.Zero(t, snap.Quality.ErrorRate)
	assert.Positive(t, snap.Quality.HitRate, "second identical item hits the cache")
}
