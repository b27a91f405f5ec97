package memwatch

import (
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hupe1980/dispatchmesh/logging"
)

// Status classifies current memory pressure.
type Status string

const (
	// StatusOK means memory usage is below all thresholds.
	StatusOK Status = "ok"
	// StatusWarning means usage crossed the warning threshold.
	StatusWarning Status = "warning"
	// StatusCritical means usage crossed the critical threshold.
	StatusCritical Status = "critical"
)

// Trend classifies the direction of recent memory usage.
type Trend string

const (
	// TrendGrowing means recent usage is >10% above the preceding window.
	TrendGrowing Trend = "growing"
	// TrendShrinking means recent usage is >10% below the preceding window.
	TrendShrinking Trend = "shrinking"
	// TrendStable means recent usage is within 10% of the preceding window.
	TrendStable Trend = "stable"
	// TrendInsufficientData means too few samples exist to compare windows.
	TrendInsufficientData Trend = "insufficient_data"
)

// trendWindow is the number of samples in each of the two compared windows.
const trendWindow = 10

// Report is the result of one pressure check.
type Report struct {
	Current       uint64  `json:"current_bytes"`
	Baseline      uint64  `json:"baseline_bytes"`
	Peak          uint64  `json:"peak_bytes"`
	GrowthPercent float64 `json:"growth_percent"`
	Status        Status  `json:"status"`
	NeedsCleanup  bool    `json:"needs_cleanup"`
}

// CleanupReport summarizes one forced collection pass.
type CleanupReport struct {
	Freed            uint64 `json:"freed_bytes"`
	ObjectsReclaimed uint64 `json:"objects_reclaimed"`
	CleanupCount     int64  `json:"cleanup_count"`
}

type sample struct {
	at    time.Time
	bytes uint64
}

// MemReader reports current heap usage and live object count. Injectable so
// tests can script memory progressions without allocating.
type MemReader func() (bytes, objects uint64)

func runtimeMemReader() (uint64, uint64) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc, ms.HeapObjects
}

// Options configure a Monitor.
type Options struct {
	// WarningBytes and CriticalBytes are the pressure thresholds.
	WarningBytes  uint64
	CriticalBytes uint64
	// MaxSamples bounds the rolling sample window.
	MaxSamples int
	// Reader supplies memory readings. Defaults to runtime.ReadMemStats.
	Reader MemReader
	// Logger receives pressure transitions. Defaults to NoOp.
	Logger logging.Logger
}

// Monitor samples process memory, classifies pressure against warning and
// critical thresholds and exposes a manual cleanup trigger that forces a
// garbage collection pass.
type Monitor struct {
	mu       sync.Mutex
	opts     Options
	reader   MemReader
	logger   logging.Logger
	baseline uint64
	peak     uint64
	samples  []sample
	cleanups int64
}

// New creates a Monitor. The first reading establishes the baseline.
func New(optFns ...func(o *Options)) *Monitor {
	opts := Options{
		WarningBytes:  500 * 1024 * 1024,
		CriticalBytes: 1000 * 1024 * 1024,
		MaxSamples:    100,
		Reader:        runtimeMemReader,
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	m := &Monitor{opts: opts, reader: opts.Reader, logger: opts.Logger}
	m.baseline, _ = m.reader()
	m.peak = m.baseline
	return m
}

// Check samples current memory and classifies pressure.
func (m *Monitor) Check() Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, _ := m.reader()
	m.record(current)

	status := StatusOK
	switch {
	case current >= m.opts.CriticalBytes:
		status = StatusCritical
	case current >= m.opts.WarningBytes:
		status = StatusWarning
	}

	growth := 0.0
	if m.baseline > 0 {
		growth = (float64(current) - float64(m.baseline)) / float64(m.baseline) * 100
	}

	if status != StatusOK {
		m.logger.Warn("memory pressure detected", "status", string(status), "current_bytes", current)
	}

	return Report{
		Current:       current,
		Baseline:      m.baseline,
		Peak:          m.peak,
		GrowthPercent: growth,
		Status:        status,
		NeedsCleanup:  status == StatusCritical,
	}
}

// record appends a sample to the bounded window. Caller holds the lock.
func (m *Monitor) record(current uint64) {
	if current > m.peak {
		m.peak = current
	}
	m.samples = append(m.samples, sample{at: time.Now(), bytes: current})
	if len(m.samples) > m.opts.MaxSamples {
		m.samples = m.samples[len(m.samples)-m.opts.MaxSamples:]
	}
}

// TrendOf compares the mean of the most recent window against the preceding
// window: a >10% increase is growing, a >10% decrease shrinking. Fewer than
// two full windows of samples yields TrendInsufficientData.
func (m *Monitor) TrendOf() Trend {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.samples) < 2*trendWindow {
		return TrendInsufficientData
	}

	recent := m.samples[len(m.samples)-trendWindow:]
	previous := m.samples[len(m.samples)-2*trendWindow : len(m.samples)-trendWindow]

	recentMean := mean(recent)
	previousMean := mean(previous)
	if previousMean == 0 {
		return TrendStable
	}

	delta := (recentMean - previousMean) / previousMean
	switch {
	case delta > 0.10:
		return TrendGrowing
	case delta < -0.10:
		return TrendShrinking
	default:
		return TrendStable
	}
}

func mean(samples []sample) float64 {
	var sum float64
	for _, s := range samples {
		sum += float64(s.bytes)
	}
	return sum / float64(len(samples))
}

// Cleanup forces a garbage collection pass, returning memory to the OS, and
// reports memory and objects reclaimed along with the cumulative pass count.
func (m *Monitor) Cleanup() CleanupReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	beforeBytes, beforeObjects := m.reader()
	runtime.GC()
	debug.FreeOSMemory()
	afterBytes, afterObjects := m.reader()

	m.cleanups++
	m.record(afterBytes)

	report := CleanupReport{CleanupCount: m.cleanups}
	if beforeBytes > afterBytes {
		report.Freed = beforeBytes - afterBytes
	}
	if beforeObjects > afterObjects {
		report.ObjectsReclaimed = beforeObjects - afterObjects
	}

	m.logger.Info("forced memory cleanup", "freed_bytes", report.Freed, "objects_reclaimed", report.ObjectsReclaimed, "cleanup_count", report.CleanupCount)
	return report
}
