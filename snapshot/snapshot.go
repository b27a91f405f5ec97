package snapshot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a snapshot with the given id does not
	// exist in the underlying store.
	ErrNotFound = errors.New("snapshot not found")
)

// Interaction is one dispatched request/result pair retained in the rolling
// context history.
type Interaction struct {
	Query    string    `json:"query"`
	Value    string    `json:"value"`
	Cached   bool      `json:"cached"`
	Semantic bool      `json:"semantic,omitempty"`
	At       time.Time `json:"at"`
}

// Quality carries the operational metrics captured alongside a snapshot.
type Quality struct {
	HitRate           float64 `json:"hit_rate"`
	ErrorRate         float64 `json:"error_rate"`
	AvgLatencySeconds float64 `json:"avg_latency_seconds"`
}

// Snapshot is the serializable context state: recent interaction history,
// extracted query patterns and quality metrics. Save/Load round-trips it
// losslessly through a Store.
type Snapshot struct {
	ID           string         `json:"id"`
	CreatedAt    time.Time      `json:"created_at"`
	Interactions []Interaction  `json:"interactions"`
	Patterns     map[string]int `json:"patterns"`
	Quality      Quality        `json:"quality"`
}

// Store persists snapshots to durable storage. Implementations retain a
// bounded number of recent snapshots and prune older ones on save.
type Store interface {
	Save(ctx context.Context, s *Snapshot) error
	Load(ctx context.Context, id string) (*Snapshot, error)
	Latest(ctx context.Context) (*Snapshot, error)
	List(ctx context.Context) ([]string, error)
	Close() error
}

// Tracker accumulates a bounded rolling history of interactions and extracts
// recurring query patterns from it. Safe for concurrent use.
type Tracker struct {
	mu         sync.Mutex
	maxHistory int
	history    []Interaction
}

// NewTracker creates a Tracker retaining up to maxHistory interactions.
func NewTracker(maxHistory int) *Tracker {
	if maxHistory <= 0 {
		maxHistory = 100
	}
	return &Tracker{maxHistory: maxHistory}
}

// Record appends an interaction, dropping the oldest past the bound.
func (t *Tracker) Record(in Interaction) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.history = append(t.history, in)
	if len(t.history) > t.maxHistory {
		t.history = t.history[len(t.history)-t.maxHistory:]
	}
}

// Build assembles a snapshot from the current history and the supplied
// quality metrics. Patterns are term frequencies over the retained queries,
// keeping only terms seen more than once.
func (t *Tracker) Build(quality Quality) *Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	interactions := make([]Interaction, len(t.history))
	copy(interactions, t.history)

	counts := map[string]int{}
	for _, in := range interactions {
		for _, term := range strings.Fields(strings.ToLower(in.Query)) {
			counts[term]++
		}
	}
	patterns := map[string]int{}
	for term, n := range counts {
		if n > 1 {
			patterns[term] = n
		}
	}

	return &Snapshot{
		ID:           uuid.NewString(),
		CreatedAt:    time.Now(),
		Interactions: interactions,
		Patterns:     patterns,
		Quality:      quality,
	}
}

// InMemoryStore is a volatile Store suited for tests and demos. Snapshots are
// retained newest-first up to the configured bound.
type InMemoryStore struct {
	mu        sync.Mutex
	retain    int
	snapshots map[string]*Snapshot
	order     []string // insertion order, oldest first
}

// Compile-time check that InMemoryStore satisfies Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore constructs an empty in-memory store retaining up to
// retain snapshots.
func NewInMemoryStore(retain int) *InMemoryStore {
	if retain <= 0 {
		retain = 10
	}
	return &InMemoryStore{retain: retain, snapshots: make(map[string]*Snapshot)}
}

// Save stores the snapshot and prunes beyond the retention bound.
func (s *InMemoryStore) Save(_ context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots[snap.ID] = snap
	s.order = append(s.order, snap.ID)
	for len(s.order) > s.retain {
		delete(s.snapshots, s.order[0])
		s.order = s.order[1:]
	}
	return nil
}

// Load returns the snapshot with the given id or ErrNotFound.
func (s *InMemoryStore) Load(_ context.Context, id string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snapshots[id]
	if !ok {
		return nil, ErrNotFound
	}
	return snap, nil
}

// Latest returns the most recently saved snapshot or ErrNotFound.
func (s *InMemoryStore) Latest(_ context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.order) == 0 {
		return nil, ErrNotFound
	}
	return s.snapshots[s.order[len(s.order)-1]], nil
}

// List returns retained snapshot ids, newest first.
func (s *InMemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		out = append(out, s.order[i])
	}
	return out, nil
}

// Close implements Store; a no-op for the in-memory variant.
func (s *InMemoryStore) Close() error { return nil }
