package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/hupe1980/dispatchmesh/cache"
	"github.com/hupe1980/dispatchmesh/core"
	"github.com/hupe1980/dispatchmesh/credential"
	"github.com/hupe1980/dispatchmesh/logging"
	"github.com/hupe1980/dispatchmesh/memwatch"
	"github.com/hupe1980/dispatchmesh/snapshot"
)

var (
	// ErrRetryBudget is wrapped into an item's failure result when every
	// retry attempt against the remote service failed.
	ErrRetryBudget = errors.New("retry budget exhausted")

	// ErrEmptyBatch is returned by DispatchBatch for a nil or empty batch.
	// This is the only contract violation surfaced as a hard error; per-item
	// failures are always delivered as Result values.
	ErrEmptyBatch = errors.New("empty batch")
)

// Result is the outcome of one work item. Index matches the item's position
// in the submitted batch; the output slice is always in submission order
// regardless of completion order.
type Result struct {
	Index         int     `json:"index"`
	Value         string  `json:"value,omitempty"`
	Err           error   `json:"-"`
	Cached        bool    `json:"cached"`
	SemanticMatch bool    `json:"semantic_match,omitempty"`
	Similarity    float64 `json:"similarity,omitempty"`
	Attempts      int     `json:"attempts"`
}

// Success reports whether the item completed with a value.
func (r Result) Success() bool { return r.Err == nil }

// Options configure an Engine.
type Options struct {
	// RetryBudget is the maximum number of remote attempts per item.
	RetryBudget int
	// AcquireBackoff is the pause between credential acquisition attempts
	// while the pool is exhausted.
	AcquireBackoff time.Duration
	// AcquireWait bounds the total time one item waits for a credential.
	AcquireWait time.Duration
	// EnableSemantic turns on the second-chance semantic cache lookup.
	EnableSemantic bool
	// SemanticThreshold is the minimum similarity for a semantic hit. 0.8 is
	// the tested operating point.
	SemanticThreshold float64
	// MemoryCheckInterval is the number of dispatched items between memory
	// pressure checks.
	MemoryCheckInterval int
	// LowUtilityThreshold and LowUtilityMaxFraction parametrize the pressure
	// cleanup run on critical memory status.
	LowUtilityThreshold   float64
	LowUtilityMaxFraction float64
	// WorkerPoolSize caps concurrently executing work items.
	WorkerPoolSize int
	// HistorySize bounds the snapshot tracker's interaction history.
	HistorySize int
	// Logger receives dispatch events. Defaults to NoOp.
	Logger logging.Logger
}

// Engine executes batches of work items against the credential pool, utility
// cache and remote collaborator, returning results in submission order.
type Engine struct {
	collab  core.Collaborator
	pool    *credential.Pool
	cache   *cache.UtilityCache
	monitor *memwatch.Monitor
	tracker *snapshot.Tracker
	workers *ants.Pool
	opts    Options
	logger  logging.Logger

	dispatched atomic.Int64
	remoteErrs atomic.Int64
	remoteOK   atomic.Int64
}

// NewEngine wires the engine to its collaborators. The returned engine owns a
// goroutine worker pool; call Close when done.
func NewEngine(collab core.Collaborator, pool *credential.Pool, store *cache.UtilityCache, monitor *memwatch.Monitor, optFns ...func(o *Options)) (*Engine, error) {
	opts := Options{
		RetryBudget:           3,
		AcquireBackoff:        100 * time.Millisecond,
		AcquireWait:           30 * time.Second,
		SemanticThreshold:     0.8,
		MemoryCheckInterval:   50,
		LowUtilityThreshold:   0.3,
		LowUtilityMaxFraction: 0.5,
		WorkerPoolSize:        32,
		HistorySize:           100,
		Logger:                logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	workers, err := ants.NewPool(opts.WorkerPoolSize)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	return &Engine{
		collab:  collab,
		pool:    pool,
		cache:   store,
		monitor: monitor,
		tracker: snapshot.NewTracker(opts.HistorySize),
		workers: workers,
		opts:    opts,
		logger:  opts.Logger,
	}, nil
}

// Close releases the worker pool.
func (e *Engine) Close() {
	e.workers.Release()
}

// Tracker exposes the snapshot tracker for persistence via a snapshot.Store.
func (e *Engine) Tracker() *snapshot.Tracker { return e.tracker }

// Snapshot builds a context snapshot with current quality metrics attached.
func (e *Engine) Snapshot() *snapshot.Snapshot {
	stats := e.cache.GetStats()
	ok := e.remoteOK.Load()
	errs := e.remoteErrs.Load()
	quality := snapshot.Quality{HitRate: stats.HitRate}
	if total := ok + errs; total > 0 {
		quality.ErrorRate = float64(errs) / float64(total)
	}
	return e.tracker.Build(quality)
}

// DispatchBatch executes all items concurrently and returns one Result per
// item in submission order. Per-item failures never fail the batch; only a
// malformed (empty) batch returns a hard error.
func (e *Engine) DispatchBatch(ctx context.Context, items []core.Request) ([]Result, error) {
	if len(items) == 0 {
		return nil, ErrEmptyBatch
	}

	batchID := uuid.NewString()
	start := time.Now()
	results := make([]Result, len(items))

	var wg sync.WaitGroup
	for i := range items {
		wg.Add(1)
		idx, req := i, items[i]
		task := func() {
			defer wg.Done()
			results[idx] = e.processItem(ctx, idx, req)
		}
		if err := e.workers.Submit(task); err != nil {
			// Worker pool released mid-dispatch; run inline so the item is
			// still accounted for.
			task()
		}
	}
	wg.Wait()

	cached, failures := 0, 0
	for _, r := range results {
		if r.Cached {
			cached++
		}
		if r.Err != nil {
			failures++
		}
	}
	e.logger.Info("batch dispatch completed",
		"batch_id", batchID, "items", len(items), "cached", cached, "failures", failures, "duration", time.Since(start))

	return results, nil
}

// processItem runs the per-item state machine: exact cache check, optional
// semantic check, then acquire/call/report with bounded retries.
func (e *Engine) processItem(ctx context.Context, index int, req core.Request) Result {
	if n := e.dispatched.Add(1); e.opts.MemoryCheckInterval > 0 && n%int64(e.opts.MemoryCheckInterval) == 0 {
		e.checkMemory()
	}

	fp := cache.Fingerprint(req)
	if value, ok := e.cache.Get(fp); ok {
		e.record(req, value, true, false)
		return Result{Index: index, Value: value, Cached: true}
	}

	if e.opts.EnableSemantic && req.Query != "" {
		if r, ok := e.semanticLookup(index, req); ok {
			return r
		}
	}

	return e.callRemote(ctx, index, req, fp)
}

// semanticLookup is the second-chance cache path. Index or similarity errors
// degrade to a miss; they never abort dispatch.
func (e *Engine) semanticLookup(index int, req core.Request) (Result, bool) {
	matches := e.cache.FindSimilar(req.Query, e.opts.SemanticThreshold)
	if len(matches) == 0 {
		return Result{}, false
	}

	best := matches[0]
	// Re-read through Get so TTL is enforced and access stats are bumped.
	value, ok := e.cache.Get(best.Fingerprint)
	if !ok {
		return Result{}, false
	}

	e.logger.Debug("semantic cache hit", "similarity", best.Similarity, "fingerprint", best.Fingerprint)
	e.record(req, value, true, true)
	return Result{Index: index, Value: value, Cached: true, SemanticMatch: true, Similarity: best.Similarity}, true
}

// callRemote drives the acquire/call/report loop with a bounded attempt
// counter, preferring a different credential after each failure.
func (e *Engine) callRemote(ctx context.Context, index int, req core.Request, fp string) Result {
	var lastErr error
	var failed *credential.Credential

	for attempt := 1; attempt <= e.opts.RetryBudget; attempt++ {
		cred, err := e.acquire(ctx, failed)
		if err != nil {
			return Result{Index: index, Err: fmt.Errorf("acquire credential: %w", err), Attempts: attempt}
		}

		start := time.Now()
		resp, err := e.collab.Call(ctx, cred.Secret(), req)
		latency := time.Since(start)

		if err != nil {
			e.pool.ReportError(cred)
			e.remoteErrs.Add(1)
			e.logger.Warn("remote call failed", "credential", cred.Label(), "attempt", attempt, "error", err)
			lastErr = err
			failed = cred
			continue
		}

		e.pool.ReportSuccess(cred, latency)
		e.remoteOK.Add(1)
		e.cache.Set(fp, resp.Value, req.Query)
		e.record(req, resp.Value, false, false)
		return Result{Index: index, Value: resp.Value, Attempts: attempt}
	}

	return Result{
		Index:    index,
		Err:      fmt.Errorf("%w after %d attempts: %v", ErrRetryBudget, e.opts.RetryBudget, lastErr),
		Attempts: e.opts.RetryBudget,
	}
}

// acquire obtains a credential, backing off briefly while the pool is
// exhausted, up to the configured total wait. The previously failed
// credential is avoided when an alternative exists.
func (e *Engine) acquire(ctx context.Context, avoid *credential.Credential) (*credential.Credential, error) {
	deadline := time.Now().Add(e.opts.AcquireWait)
	for {
		cred, err := e.pool.AcquireExcluding(avoid)
		if err == nil {
			return cred, nil
		}
		if !errors.Is(err, credential.ErrExhausted) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.opts.AcquireBackoff):
		}
	}
}

// checkMemory polls pressure and escalates cache cleanup accordingly.
func (e *Engine) checkMemory() {
	report := e.monitor.Check()
	switch report.Status {
	case memwatch.StatusWarning:
		removed := e.cache.CleanupExpired()
		e.logger.Info("memory warning, expired sweep", "removed", removed, "current_bytes", report.Current)
	case memwatch.StatusCritical:
		expired := e.cache.CleanupExpired()
		lowUtility := e.cache.CleanupLowUtility(e.opts.LowUtilityThreshold, e.opts.LowUtilityMaxFraction)
		cleanup := e.monitor.Cleanup()
		e.logger.Warn("memory critical, aggressive cleanup",
			"expired", expired, "low_utility", lowUtility, "freed_bytes", cleanup.Freed)
	}
}

func (e *Engine) record(req core.Request, value string, cached, semantic bool) {
	e.tracker.Record(snapshot.Interaction{
		Query:    req.Query,
		Value:    value,
		Cached:   cached,
		Semantic: semantic,
		At:       time.Now(),
	})
}
