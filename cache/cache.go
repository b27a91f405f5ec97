package cache

import (
	"container/heap"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/dispatchmesh/logging"
)

// Entry is one previously computed result keyed by a request fingerprint.
type Entry struct {
	Fingerprint string    `json:"fingerprint"`
	Value       string    `json:"value"`
	QueryText   string    `json:"query_text,omitempty"`
	Embedding   []float32 `json:"embedding,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	LastAccess  time.Time `json:"last_access"`
	AccessCount int64     `json:"access_count"`
}

// Match is one semantic lookup result, ranked by similarity.
type Match struct {
	Fingerprint string
	Value       string
	Similarity  float64
}

// UtilityParams are the tunable policy constants of the utility formula.
// Defaults preserve the tested numeric behavior: age decays over a week,
// recency over a day, frequency saturates at ten accesses, weighted
// 0.2 / 0.3 / 0.5 with frequency dominating.
type UtilityParams struct {
	AgeHorizon          time.Duration
	RecencyHorizon      time.Duration
	FrequencySaturation int64
	AgeWeight           float64
	RecencyWeight       float64
	FrequencyWeight     float64
}

// DefaultUtilityParams returns the standard utility policy constants.
func DefaultUtilityParams() UtilityParams {
	return UtilityParams{
		AgeHorizon:          168 * time.Hour,
		RecencyHorizon:      24 * time.Hour,
		FrequencySaturation: 10,
		AgeWeight:           0.2,
		RecencyWeight:       0.3,
		FrequencyWeight:     0.5,
	}
}

// Options configure a UtilityCache.
type Options struct {
	// MaxSize bounds the number of live entries; inserts at capacity evict first.
	MaxSize int
	// TTL is the maximum entry age before it is logically expired.
	TTL time.Duration
	// Utility holds the eviction scoring policy constants.
	Utility UtilityParams
	// Logger receives eviction and cleanup events. Defaults to NoOp.
	Logger logging.Logger
}

// Stats is the cache metrics snapshot consumed by operational tooling.
type Stats struct {
	Size      int     `json:"size"`
	MaxSize   int     `json:"max_size"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	HitRate   float64 `json:"hit_rate"`
	Evictions int64   `json:"evictions"`
}

// UtilityCache is a content-addressed store of prior results with TTL expiry,
// utility-ranked heap eviction and an optional semantic similarity index.
//
// One mutex guards the entry map and the eviction heap together so the two
// never diverge mid-eviction. The heap is a lazy secondary index: records for
// deleted entries are skipped at pop time, records whose utility has risen
// since insertion are re-pushed with the current score, and the whole heap is
// rebuilt when it grows past twice the live entry count.
type UtilityCache struct {
	mu      sync.Mutex
	entries map[string]*Entry
	index   utilityHeap

	opts       Options
	logger     logging.Logger
	vectorizer *Vectorizer

	hits      int64
	misses    int64
	evictions int64
}

// New creates a UtilityCache with the given options.
func New(optFns ...func(o *Options)) *UtilityCache {
	opts := Options{
		MaxSize: 1000,
		TTL:     24 * time.Hour,
		Utility: DefaultUtilityParams(),
		Logger:  logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &UtilityCache{
		entries:    make(map[string]*Entry),
		opts:       opts,
		logger:     opts.Logger,
		vectorizer: NewVectorizer(),
	}
}

// Vectorizer exposes the similarity index for fitting on a historical corpus.
func (c *UtilityCache) Vectorizer() *Vectorizer { return c.vectorizer }

// Fit fits the similarity index on a corpus of historical query texts.
func (c *UtilityCache) Fit(texts []string) { c.vectorizer.Fit(texts) }

// Get returns the cached value for a fingerprint. Entries past TTL are
// removed and reported as misses. A hit bumps the access count and recency.
func (c *UtilityCache) Get(fingerprint string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fingerprint]
	if !ok {
		c.misses++
		return "", false
	}

	now := time.Now()
	if now.Sub(e.CreatedAt) > c.opts.TTL {
		delete(c.entries, fingerprint)
		c.misses++
		return "", false
	}

	e.AccessCount++
	e.LastAccess = now
	c.hits++
	return e.Value, true
}

// Set inserts or overwrites the entry for a fingerprint, evicting the lowest
// utility entries first when the cache is full. When the similarity index is
// fitted and queryText is non-empty the entry also receives an embedding and
// the vocabulary learns the new text.
func (c *UtilityCache) Set(fingerprint, value, queryText string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[fingerprint]; !exists && len(c.entries) >= c.opts.MaxSize {
		c.evictLocked()
	}

	now := time.Now()
	e := &Entry{
		Fingerprint: fingerprint,
		Value:       value,
		CreatedAt:   now,
		LastAccess:  now,
	}
	if queryText != "" {
		e.QueryText = NormalizeQuery(queryText)
		if c.vectorizer.Fitted() {
			c.vectorizer.Add(e.QueryText)
			e.Embedding = c.vectorizer.Transform(e.QueryText)
		}
	}
	c.entries[fingerprint] = e

	heap.Push(&c.index, record{utility: c.utilityLocked(e, now), fingerprint: fingerprint})
}

// FindSimilar performs a second-chance semantic lookup: the query is
// vectorized with the fitted model and compared against every stored
// embedding, keeping matches at or above the threshold ranked descending.
// Expired entries never match; they are treated as misses for consistency
// with exact-match TTL semantics. Returns nil when the index is unfitted.
func (c *UtilityCache) FindSimilar(query string, threshold float64) []Match {
	if !c.vectorizer.Fitted() {
		return nil
	}

	target := c.vectorizer.Transform(NormalizeQuery(query))
	if len(target) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var matches []Match
	for _, e := range c.entries {
		if len(e.Embedding) == 0 {
			continue
		}
		if now.Sub(e.CreatedAt) > c.opts.TTL {
			continue
		}
		similarity := CosineSimilarity(target, e.Embedding)
		if similarity >= threshold {
			matches = append(matches, Match{Fingerprint: e.Fingerprint, Value: e.Value, Similarity: similarity})
		}
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	return matches
}

// utilityLocked computes the 0-1 composite utility of an entry. Caller holds
// the cache lock.
func (c *UtilityCache) utilityLocked(e *Entry, now time.Time) float64 {
	p := c.opts.Utility

	ageScore := 1 - now.Sub(e.CreatedAt).Hours()/p.AgeHorizon.Hours()
	if ageScore < 0 {
		ageScore = 0
	}
	recencyScore := 1 - now.Sub(e.LastAccess).Hours()/p.RecencyHorizon.Hours()
	if recencyScore < 0 {
		recencyScore = 0
	}
	frequencyScore := float64(e.AccessCount) / float64(p.FrequencySaturation)
	if frequencyScore > 1 {
		frequencyScore = 1
	}

	return p.AgeWeight*ageScore + p.RecencyWeight*recencyScore + p.FrequencyWeight*frequencyScore
}

// evictLocked removes ceil(0.1 x size) entries (at least one) with the lowest
// utility. Pops referencing deleted fingerprints are discarded without
// counting toward the quota; pops whose utility has risen since insertion
// (the entry was accessed after the record was pushed) are re-pushed with the
// current score instead of evicted. Caller holds the cache lock.
func (c *UtilityCache) evictLocked() {
	target := int(math.Ceil(0.1 * float64(len(c.entries))))
	if target < 1 {
		target = 1
	}

	now := time.Now()
	removed := 0
	for removed < target && c.index.Len() > 0 {
		rec := heap.Pop(&c.index).(record)
		e, ok := c.entries[rec.fingerprint]
		if !ok {
			continue // stale record, entry already gone
		}
		if current := c.utilityLocked(e, now); current > rec.utility+1e-9 {
			heap.Push(&c.index, record{utility: current, fingerprint: rec.fingerprint})
			continue
		}
		delete(c.entries, rec.fingerprint)
		removed++
	}

	c.evictions += int64(removed)
	if removed > 0 {
		c.logger.Debug("evicted low-utility entries", "removed", removed, "size", len(c.entries))
	}
	c.maybeRebuildLocked()
}

// CleanupExpired removes every entry past TTL and returns the count removed.
func (c *UtilityCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for fp, e := range c.entries {
		if now.Sub(e.CreatedAt) > c.opts.TTL {
			delete(c.entries, fp)
			removed++
		}
	}

	if removed > 0 {
		c.logger.Debug("expired entries removed", "removed", removed, "size", len(c.entries))
	}
	c.maybeRebuildLocked()
	return removed
}

// CleanupLowUtility removes up to maxFraction of the cache whose utility
// falls below threshold, lowest first. The heap is always rebuilt afterwards;
// this path runs rarely, under memory pressure, where exactness matters more
// than amortized cost. Returns the count removed.
func (c *UtilityCache) CleanupLowUtility(threshold, maxFraction float64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	type scored struct {
		fingerprint string
		utility     float64
	}
	candidates := make([]scored, 0, len(c.entries))
	for fp, e := range c.entries {
		if u := c.utilityLocked(e, now); u < threshold {
			candidates = append(candidates, scored{fingerprint: fp, utility: u})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].utility < candidates[j].utility })

	limit := int(maxFraction * float64(len(c.entries)))
	if limit > len(candidates) {
		limit = len(candidates)
	}
	for _, s := range candidates[:limit] {
		delete(c.entries, s.fingerprint)
	}

	if limit > 0 {
		c.logger.Info("low-utility pressure cleanup", "removed", limit, "size", len(c.entries))
	}
	c.rebuildLocked()
	return limit
}

// maybeRebuildLocked rebuilds the heap when the staleness ratio exceeds 2x.
func (c *UtilityCache) maybeRebuildLocked() {
	if c.index.Len() > 2*len(c.entries) {
		c.rebuildLocked()
	}
}

// rebuildLocked reconstructs the heap from the live entries.
func (c *UtilityCache) rebuildLocked() {
	now := time.Now()
	c.index = c.index[:0]
	for fp, e := range c.entries {
		c.index = append(c.index, record{utility: c.utilityLocked(e, now), fingerprint: fp})
	}
	heap.Init(&c.index)
}

// Size returns the current number of live entries.
func (c *UtilityCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Entries returns a snapshot copy of all live entries, for persistence and
// index fitting. Embeddings are shared (treated as immutable once stored).
func (c *UtilityCache) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	return out
}

// GetStats returns the cache metrics snapshot.
func (c *UtilityCache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}
	return Stats{
		Size:      len(c.entries),
		MaxSize:   c.opts.MaxSize,
		Hits:      c.hits,
		Misses:    c.misses,
		HitRate:   hitRate,
		Evictions: c.evictions,
	}
}
