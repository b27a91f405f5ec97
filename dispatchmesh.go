// Package dispatchmesh provides a high-level façade over the credential
// pool, utility cache, memory monitor and dispatch engine, enabling rapid
// construction of credential-pooled, deduplicating batch dispatchers. Most
// applications interact with this package by:
//  1. Creating a DispatchMesh via New() with a remote collaborator and
//     credential secrets (optionally from a config.Config)
//  2. Dispatching batches of requests (DispatchBatch) or racing two
//     redundant providers for a single request (DispatchRace)
//  3. Persisting context snapshots between runs (SaveSnapshot / Restore)
//
// The façade delegates execution to dispatch.Engine while keeping setup and
// usage ergonomics concise. All defaults are safe for local development and
// testing; production deployments typically supply a durable snapshot store
// and a structured logger.
package dispatchmesh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/dispatchmesh/cache"
	"github.com/hupe1980/dispatchmesh/config"
	"github.com/hupe1980/dispatchmesh/core"
	"github.com/hupe1980/dispatchmesh/credential"
	"github.com/hupe1980/dispatchmesh/dispatch"
	"github.com/hupe1980/dispatchmesh/logging"
	"github.com/hupe1980/dispatchmesh/memwatch"
	"github.com/hupe1980/dispatchmesh/snapshot"
)

// Options configure a DispatchMesh instance.
type Options struct {
	// Config supplies all tunables; defaults to config.Default().
	Config *config.Config

	// Secrets override Config.Secrets when non-empty.
	Secrets []string

	// SnapshotStore persists context snapshots. Defaults to an in-memory
	// store; pass a snapshot.SQLiteStore for durability.
	SnapshotStore snapshot.Store

	// SweepInterval enables a background TTL sweep at the given cadence when
	// positive.
	SweepInterval time.Duration

	// Logger defaults to NoOp.
	Logger logging.Logger
}

// Stats aggregates the metrics boundaries of the pool and cache.
type Stats struct {
	Pool  credential.Stats `json:"pool"`
	Cache cache.Stats      `json:"cache"`
}

// DispatchMesh is the high-level façade aggregating the engine and its
// collaborators.
type DispatchMesh struct {
	opts    Options
	pool    *credential.Pool
	cache   *cache.UtilityCache
	monitor *memwatch.Monitor
	engine  *dispatch.Engine
	store   snapshot.Store
	logger  logging.Logger

	sweepCancel context.CancelFunc
	sweepGroup  *errgroup.Group
}

// New creates a DispatchMesh wired from the given collaborator and options.
func New(collab core.Collaborator, optFns ...func(o *Options)) (*DispatchMesh, error) {
	opts := Options{
		Config: config.Default(),
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	cfg := opts.Config

	secrets := opts.Secrets
	if len(secrets) == 0 {
		secrets = cfg.Secrets
	}
	if len(secrets) == 0 {
		return nil, fmt.Errorf("at least one credential secret is required")
	}

	pool := credential.NewPool(secrets, func(o *credential.Options) {
		o.MaxRequestsPerMinute = cfg.MaxRequestsPerMinute
		o.LatencyWindow = cfg.LatencyWindow
		o.Logger = opts.Logger
	})

	store := cache.New(func(o *cache.Options) {
		o.MaxSize = cfg.CacheMaxSize
		o.TTL = cfg.CacheTTL
		o.Logger = opts.Logger
	})

	monitor := memwatch.New(func(o *memwatch.Options) {
		o.WarningBytes = cfg.MemoryWarningMB * 1024 * 1024
		o.CriticalBytes = cfg.MemoryCriticalMB * 1024 * 1024
		o.Logger = opts.Logger
	})

	engine, err := dispatch.NewEngine(collab, pool, store, monitor, func(o *dispatch.Options) {
		o.RetryBudget = cfg.RetryBudget
		o.EnableSemantic = cfg.SemanticEnabled
		o.SemanticThreshold = cfg.SemanticThreshold
		o.MemoryCheckInterval = cfg.MemoryCheckInterval
		o.WorkerPoolSize = cfg.WorkerPoolSize
		o.Logger = opts.Logger
	})
	if err != nil {
		return nil, err
	}

	snapStore := opts.SnapshotStore
	if snapStore == nil {
		snapStore = snapshot.NewInMemoryStore(cfg.SnapshotRetain)
	}

	m := &DispatchMesh{
		opts:    opts,
		pool:    pool,
		cache:   store,
		monitor: monitor,
		engine:  engine,
		store:   snapStore,
		logger:  opts.Logger,
	}

	if opts.SweepInterval > 0 {
		m.startSweeper(opts.SweepInterval)
	}
	return m, nil
}

// startSweeper runs a periodic TTL sweep until Close.
func (m *DispatchMesh) startSweeper(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	m.sweepCancel = cancel
	m.sweepGroup = g

	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if removed := m.cache.CleanupExpired(); removed > 0 {
					m.logger.Debug("background sweep removed expired entries", "removed", removed)
				}
			}
		}
	})
}

// DispatchBatch executes all items concurrently, returning one result per
// item in submission order.
func (m *DispatchMesh) DispatchBatch(ctx context.Context, items []core.Request) ([]dispatch.Result, error) {
	return m.engine.DispatchBatch(ctx, items)
}

// DispatchRace races two redundant providers for a single request with a
// quality-gated cancellation policy.
func (m *DispatchMesh) DispatchRace(ctx context.Context, req core.Request, primary, secondary core.Collaborator, optFns ...func(o *dispatch.RaceOptions)) dispatch.Result {
	return m.engine.DispatchRace(ctx, req, primary, secondary, optFns...)
}

// FitSimilarityIndex fits the semantic index on a corpus of historical query
// texts, enabling second-chance lookups when SemanticEnabled is set.
func (m *DispatchMesh) FitSimilarityIndex(texts []string) {
	m.cache.Fit(texts)
}

// SaveSnapshot builds a context snapshot from the engine's interaction
// history and persists it.
func (m *DispatchMesh) SaveSnapshot(ctx context.Context) (*snapshot.Snapshot, error) {
	snap := m.engine.Snapshot()
	if err := m.store.Save(ctx, snap); err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}
	return snap, nil
}

// Restore loads the most recent snapshot and refits the similarity index on
// its interaction history. A store with no snapshots is not an error.
func (m *DispatchMesh) Restore(ctx context.Context) error {
	snap, err := m.store.Latest(ctx)
	if errors.Is(err, snapshot.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load latest snapshot: %w", err)
	}

	texts := make([]string, 0, len(snap.Interactions))
	for _, in := range snap.Interactions {
		if in.Query != "" {
			texts = append(texts, in.Query)
		}
	}
	if len(texts) > 0 {
		m.cache.Fit(texts)
	}
	m.logger.Info("restored context snapshot", "snapshot_id", snap.ID, "interactions", len(snap.Interactions))
	return nil
}

// Stats returns the combined pool and cache metrics snapshot.
func (m *DispatchMesh) Stats() Stats {
	return Stats{Pool: m.pool.GetStats(), Cache: m.cache.GetStats()}
}

// CheckMemory exposes the memory monitor's pressure check.
func (m *DispatchMesh) CheckMemory() memwatch.Report { return m.monitor.Check() }

// Close stops the background sweeper, releases the engine's worker pool and
// closes the snapshot store.
func (m *DispatchMesh) Close() error {
	if m.sweepCancel != nil {
		m.sweepCancel()
		_ = m.sweepGroup.Wait()
	}
	m.engine.Close()
	return m.store.Close()
}
