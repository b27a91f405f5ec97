package credential

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/dispatchmesh/logging"
)

var (
	// ErrExhausted is returned by Acquire when every credential is either
	// rate-limited or unhealthy. It signals the caller to back off and retry
	// shortly; it is not a permanent failure.
	ErrExhausted = errors.New("credential pool exhausted")
)

// healthyThreshold is the health score above which a credential is
// considered usable for selection.
const healthyThreshold = 30.0

// Credential is one rate-limited identity for calling the remote service.
// All mutable state is owned by the Pool and guarded by its mutex; external
// code reads through the getter methods which take the same lock.
type Credential struct {
	pool   *Pool
	label  string
	secret string

	window      []time.Time // request timestamps inside the sliding window
	latencies   []float64   // rolling latency samples, seconds
	total       int64
	successful  int64
	errors      int64
	avgLatency  float64 // seconds
	healthScore float64
}

// Label returns the credential's stable display name (never the secret).
func (c *Credential) Label() string { return c.label }

// Secret returns the opaque secret token passed to the remote collaborator.
func (c *Credential) Secret() string { return c.secret }

// HealthScore returns the current composite health score in [0,100].
func (c *Credential) HealthScore() float64 {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	return c.healthScore
}

// IsHealthy reports whether the credential is above the health threshold.
func (c *Credential) IsHealthy() bool {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	return c.healthScore > healthyThreshold
}

// errorRate returns the lifetime error percentage. Caller holds the pool lock.
func (c *Credential) errorRate() float64 {
	if c.total == 0 {
		return 0
	}
	return float64(c.errors) / float64(c.total) * 100
}

// recomputeHealth refreshes the composite score. Caller holds the pool lock.
// The score is never stale beyond one success/error report.
func (c *Credential) recomputeHealth() {
	errorScore := 100 - c.errorRate()*10
	if errorScore < 0 {
		errorScore = 0
	}
	latencyScore := 100 - c.avgLatency*10
	if latencyScore < 0 {
		latencyScore = 0
	}
	c.healthScore = 0.5*errorScore + 0.5*latencyScore
}

// purgeWindow drops request timestamps older than the rate window. Caller
// holds the pool lock.
func (c *Credential) purgeWindow(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(c.window) && !c.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		c.window = append(c.window[:0], c.window[i:]...)
	}
}

// Options configure a Pool.
type Options struct {
	// MaxRequestsPerMinute caps calls per credential inside the sliding window.
	MaxRequestsPerMinute int
	// RateWindow is the sliding window duration for rate limiting.
	RateWindow time.Duration
	// LatencyWindow bounds the number of rolling latency samples per credential.
	LatencyWindow int
	// Logger receives selection and health events. Defaults to NoOp.
	Logger logging.Logger
}

// Pool tracks per-credential rate-limit state, rolling statistics and derived
// health, and hands out the best available credential for the next call. One
// mutex covers the whole pool so selection sees a consistent snapshot across
// all credentials.
type Pool struct {
	mu     sync.Mutex
	creds  []*Credential
	opts   Options
	logger logging.Logger
}

// NewPool creates a pool over the given secret tokens. Credentials are
// created once, start at health 100 and live for the process lifetime.
func NewPool(secrets []string, optFns ...func(o *Options)) *Pool {
	opts := Options{
		MaxRequestsPerMinute: 60,
		RateWindow:           time.Minute,
		LatencyWindow:        10,
		Logger:               logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	p := &Pool{opts: opts, logger: opts.Logger}
	for i, secret := range secrets {
		p.creds = append(p.creds, &Credential{
			pool:        p,
			label:       label(i),
			secret:      secret,
			healthScore: 100,
		})
	}
	return p
}

func label(i int) string {
	return fmt.Sprintf("key-%d", i)
}

// Size returns the number of credentials in the pool.
func (p *Pool) Size() int { return len(p.creds) }

// Acquire returns the healthiest credential with rate-limit headroom, or
// ErrExhausted when none qualifies. The call is recorded (timestamp appended,
// total incremented) before returning, so concurrent acquirers cannot
// oversubscribe the window. Acquire never blocks.
func (p *Pool) Acquire() (*Credential, error) {
	return p.AcquireExcluding(nil)
}

// AcquireExcluding behaves like Acquire but skips the given credential when
// any alternative candidate exists. The retry path uses this to fail over to
// a different credential after an error.
func (p *Pool) AcquireExcluding(avoid *Credential) (*Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var fallback *Credential
	now := time.Now()
	var best *Credential
	for _, c := range p.creds {
		c.purgeWindow(now, p.opts.RateWindow)
		if len(c.window) >= p.opts.MaxRequestsPerMinute {
			continue
		}
		if c.healthScore <= healthyThreshold {
			continue
		}
		if c == avoid {
			fallback = c
			continue
		}
		// Strict greater-than keeps ties deterministic in pool order.
		if best == nil || c.healthScore > best.healthScore {
			best = c
		}
	}
	if best == nil {
		best = fallback // sole candidate, better than refusing the call
	}
	if best == nil {
		return nil, ErrExhausted
	}

	best.window = append(best.window, now)
	best.total++
	p.logger.Debug("credential acquired", "credential", best.label, "health", best.healthScore)
	return best, nil
}

// ReportSuccess records a successful remote call and its observed latency,
// then recomputes the credential's health.
func (p *Pool) ReportSuccess(c *Credential, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c.latencies = append(c.latencies, latency.Seconds())
	if len(c.latencies) > p.opts.LatencyWindow {
		c.latencies = c.latencies[len(c.latencies)-p.opts.LatencyWindow:]
	}
	var sum float64
	for _, l := range c.latencies {
		sum += l
	}
	c.avgLatency = sum / float64(len(c.latencies))
	c.successful++
	c.recomputeHealth()
}

// ReportError records a failed remote call and recomputes health. Repeated
// errors degrade the score until the credential drops out of selection.
func (p *Pool) ReportError(c *Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c.errors++
	c.recomputeHealth()
	if c.healthScore <= healthyThreshold {
		p.logger.Warn("credential degraded below health threshold", "credential", c.label, "health", c.healthScore)
	}
}

// KeyStats is the per-credential slice of the pool's metrics boundary.
type KeyStats struct {
	Requests    int64   `json:"requests"`
	Successful  int64   `json:"successful"`
	Errors      int64   `json:"errors"`
	ErrorRate   float64 `json:"error_rate"`
	AvgLatency  float64 `json:"avg_latency_seconds"`
	HealthScore float64 `json:"health_score"`
	Healthy     bool    `json:"healthy"`
	WindowInUse int     `json:"window_in_use"`
}

// Stats is the aggregate metrics snapshot consumed by operational tooling.
type Stats struct {
	TotalKeys     int                 `json:"total_keys"`
	TotalRequests int64               `json:"total_requests"`
	TotalErrors   int64               `json:"total_errors"`
	Keys          map[string]KeyStats `json:"keys"`
}

// GetStats returns a consistent snapshot of pool and per-key statistics.
func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	stats := Stats{TotalKeys: len(p.creds), Keys: make(map[string]KeyStats, len(p.creds))}
	for _, c := range p.creds {
		c.purgeWindow(now, p.opts.RateWindow)
		stats.TotalRequests += c.total
		stats.TotalErrors += c.errors
		stats.Keys[c.label] = KeyStats{
			Requests:    c.total,
			Successful:  c.successful,
			Errors:      c.errors,
			ErrorRate:   c.errorRate(),
			AvgLatency:  c.avgLatency,
			HealthScore: c.healthScore,
			Healthy:     c.healthScore > healthyThreshold,
			WindowInUse: len(c.window),
		}
	}
	return stats
}
