package credential

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPool_InitialHealth(t *testing.T) {
	p := NewPool([]string{"sk-a", "sk-b"})

	assert.Equal(t, 2, p.Size())
	stats := p.GetStats()
	for _, ks := range stats.Keys {
		assert.Equal(t, 100.0, ks.HealthScore)
		assert.True(t, ks.Healthy)
	}
}

func TestAcquire_RecordsCall(t *testing.T) {
	p := NewPool([]string{"sk-a"})

	cred, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, "sk-a", cred.Secret())
	assert.Equal(t, "key-0", cred.Label())

	stats := p.GetStats()
	assert.Equal(t, int64(1), stats.TotalRequests)
	assert.Equal(t, 1, stats.Keys["key-0"].WindowInUse)
}

func TestAcquire_RateLimited(t *testing.T) {
	p := NewPool([]string{"sk-a"}, func(o *Options) {
		o.MaxRequestsPerMinute = 2
	})

	_, err := p.Acquire()
	require.NoError(t, err)
	_, err = p.Acquire()
	require.NoError(t, err)

	_, err = p.Acquire()
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestAcquire_TieBreaksInPoolOrder(t *testing.T) {
	p := NewPool([]string{"sk-a", "sk-b", "sk-c"})

	cred, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, "key-0", cred.Label())
}

func TestReportError_HealthNeverIncreases(t *testing.T) {
	p := NewPool([]string{"sk-a"})

	// Degrade the latency half first so the error half can push the score
	// below the healthy threshold.
	cred, err := p.Acquire()
	require.NoError(t, err)
	p.ReportSuccess(cred, 14*time.Second)

	prev := cred.HealthScore()
	flipped := false
	for i := 0; i < 10; i++ {
		p.ReportError(cred)
		score := cred.HealthScore()
		assert.LessOrEqual(t, score, prev, "health must not increase on error report")
		prev = score
		if !cred.IsHealthy() {
			flipped = true
		}
	}
	assert.True(t, flipped, "credential should become unhealthy under sustained errors")
}

func TestAcquire_AvoidsDegradedCredential(t *testing.T) {
	p := NewPool([]string{"sk-0", "sk-1", "sk-2", "sk-3"}, func(o *Options) {
		o.MaxRequestsPerMinute = 60
	})

	// Degrade key-0 with five errors; give the others clean successes.
	degraded, err := p.Acquire()
	require.NoError(t, err)
	require.Equal(t, "key-0", degraded.Label())
	for i := 0; i < 5; i++ {
		p.ReportError(degraded)
	}
	for i := 0; i < 3; i++ {
		cred, err := p.Acquire()
		require.NoError(t, err)
		require.NotEqual(t, "key-0", cred.Label())
		p.ReportSuccess(cred, time.Second)
	}

	for i := 0; i < 40; i++ {
		cred, err := p.Acquire()
		require.NoError(t, err)
		assert.NotEqual(t, "key-0", cred.Label(), "degraded credential selected while healthy ones available")
	}
}

func TestAcquireExcluding_PrefersDifferentCredential(t *testing.T) {
	p := NewPool([]string{"sk-a", "sk-b"})

	first, err := p.Acquire()
	require.NoError(t, err)

	second, err := p.AcquireExcluding(first)
	require.NoError(t, err)
	assert.NotEqual(t, first.Label(), second.Label())
}

func TestAcquireExcluding_FallsBackToSoleCandidate(t *testing.T) {
	p := NewPool([]string{"sk-a"})

	only, err := p.Acquire()
	require.NoError(t, err)

	again, err := p.AcquireExcluding(only)
	require.NoError(t, err)
	assert.Same(t, only, again)
}

func TestReportSuccess_BoundsLatencyWindow(t *testing.T) {
	p := NewPool([]string{"sk-a"}, func(o *Options) {
		o.LatencyWindow = 3
	})

	cred, err := p.Acquire()
	require.NoError(t, err)

	// Three slow samples then three fast ones; the rolling window must have
	// dropped the slow samples entirely.
	for i := 0; i < 3; i++ {
		p.ReportSuccess(cred, 10*time.Second)
	}
	for i := 0; i < 3; i++ {
		p.ReportSuccess(cred, 100*time.Millisecond)
	}

	stats := p.GetStats()
	assert.InDelta(t, 0.1, stats.Keys["key-0"].AvgLatency, 0.001)
}

func TestGetStats_Aggregates(t *testing.T) {
	p := NewPool([]string{"sk-a", "sk-b"})

	cred, err := p.Acquire()
	require.NoError(t, err)
	p.ReportSuccess(cred, 500*time.Millisecond)

	cred2, err := p.Acquire()
	require.NoError(t, err)
	p.ReportError(cred2)

	stats := p.GetStats()
	assert.Equal(t, 2, stats.TotalKeys)
	assert.Equal(t, int64(2), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.TotalErrors)
	assert.Len(t, stats.Keys, 2)
}

func TestPoolExhaustion_IsSentinel(t *testing.T) {
	p := NewPool(nil)

	_, err := p.Acquire()
	assert.True(t, errors.Is(err, ErrExhausted))
}
