// Package metrics provides operational metrics for the exit-relay scanner.
// This package tracks circuit, attach, probe, and SOCKS-layer metrics
// for observability and monitoring.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics provides a comprehensive metrics collection for one scan run.
type Metrics struct {
	// Circuit metrics
	CircuitsRegistered *Counter
	CircuitsBuilt      *Counter
	CircuitsFailed     *Counter
	CircuitBuildTime   *Histogram
	CircuitsInFlight   *Gauge

	// Attach metrics
	AttachesCompleted *Counter
	AttachesFailed    *Counter

	// Probe metrics
	ProbesStarted   *Counter
	ProbesFinished  *Counter
	ProbesTerminated *Counter // killed as stragglers at grace-window expiry
	ProbeDuration   *Histogram

	// SOCKS-intercept metrics
	SocksConnections *Counter
	SocksRequests    *Counter
	SocksErrors      *Counter

	// System metrics
	Uptime      *Gauge
	startTime   time.Time
	startTimeMu sync.RWMutex
}

// New creates a new metrics instance for one scan run.
func New() *Metrics {
	now := time.Now()
	return &Metrics{
		CircuitsRegistered: NewCounter(),
		CircuitsBuilt:      NewCounter(),
		CircuitsFailed:     NewCounter(),
		CircuitBuildTime:   NewHistogram(),
		CircuitsInFlight:   NewGauge(),

		AttachesCompleted: NewCounter(),
		AttachesFailed:    NewCounter(),

		ProbesStarted:    NewCounter(),
		ProbesFinished:   NewCounter(),
		ProbesTerminated: NewCounter(),
		ProbeDuration:    NewHistogram(),

		SocksConnections: NewCounter(),
		SocksRequests:    NewCounter(),
		SocksErrors:      NewCounter(),

		Uptime:    NewGauge(),
		startTime: now,
	}
}

// RecordCircuitBuild records a circuit build attempt and its duration.
func (m *Metrics) RecordCircuitBuild(success bool, duration time.Duration) {
	if success {
		m.CircuitsBuilt.Inc()
	} else {
		m.CircuitsFailed.Inc()
	}
	m.CircuitBuildTime.Observe(duration)
}

// RecordProbe records a finished probe and its wall-clock duration.
func (m *Metrics) RecordProbe(duration time.Duration) {
	m.ProbesFinished.Inc()
	m.ProbeDuration.Observe(duration)
}

// UpdateUptime updates the uptime metric.
func (m *Metrics) UpdateUptime() {
	m.startTimeMu.RLock()
	defer m.startTimeMu.RUnlock()
	m.Uptime.Set(int64(time.Since(m.startTime).Seconds()))
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() *Snapshot {
	m.UpdateUptime()
	return &Snapshot{
		CircuitsRegistered: m.CircuitsRegistered.Value(),
		CircuitsBuilt:      m.CircuitsBuilt.Value(),
		CircuitsFailed:     m.CircuitsFailed.Value(),
		CircuitBuildTimeAvg: m.CircuitBuildTime.Mean(),
		CircuitBuildTimeP95: m.CircuitBuildTime.Percentile(0.95),
		CircuitsInFlight:   m.CircuitsInFlight.Value(),

		AttachesCompleted: m.AttachesCompleted.Value(),
		AttachesFailed:    m.AttachesFailed.Value(),

		ProbesStarted:    m.ProbesStarted.Value(),
		ProbesFinished:   m.ProbesFinished.Value(),
		ProbesTerminated: m.ProbesTerminated.Value(),
		ProbeDurationAvg: m.ProbeDuration.Mean(),

		SocksConnections: m.SocksConnections.Value(),
		SocksRequests:    m.SocksRequests.Value(),
		SocksErrors:      m.SocksErrors.Value(),

		UptimeSeconds: m.Uptime.Value(),
	}
}

// Snapshot represents a point-in-time snapshot of metrics.
type Snapshot struct {
	CircuitsRegistered  int64
	CircuitsBuilt       int64
	CircuitsFailed      int64
	CircuitBuildTimeAvg time.Duration
	CircuitBuildTimeP95 time.Duration
	CircuitsInFlight    int64

	AttachesCompleted int64
	AttachesFailed    int64

	ProbesStarted    int64
	ProbesFinished   int64
	ProbesTerminated int64
	ProbeDurationAvg time.Duration

	SocksConnections int64
	SocksRequests    int64
	SocksErrors      int64

	UptimeSeconds int64
}

// Counter is a monotonically increasing counter
type Counter struct {
	value int64
}

// NewCounter creates a new counter
func NewCounter() *Counter {
	return &Counter{}
}

// Inc increments the counter by 1
func (c *Counter) Inc() {
	atomic.AddInt64(&c.value, 1)
}

// Add adds n to the counter
func (c *Counter) Add(n int64) {
	atomic.AddInt64(&c.value, n)
}

// Value returns the current counter value
func (c *Counter) Value() int64 {
	return atomic.LoadInt64(&c.value)
}

// Gauge is a value that can go up or down
type Gauge struct {
	value int64
}

// NewGauge creates a new gauge
func NewGauge() *Gauge {
	return &Gauge{}
}

// Set sets the gauge to a specific value
func (g *Gauge) Set(value int64) {
	atomic.StoreInt64(&g.value, value)
}

// Inc increments the gauge by 1
func (g *Gauge) Inc() {
	atomic.AddInt64(&g.value, 1)
}

// Dec decrements the gauge by 1
func (g *Gauge) Dec() {
	atomic.AddInt64(&g.value, -1)
}

// Add adds n to the gauge
func (g *Gauge) Add(n int64) {
	atomic.AddInt64(&g.value, n)
}

// Value returns the current gauge value
func (g *Gauge) Value() int64 {
	return atomic.LoadInt64(&g.value)
}

// Histogram tracks distribution of durations
type Histogram struct {
	observations []time.Duration
	mu           sync.RWMutex
}

// NewHistogram creates a new histogram
func NewHistogram() *Histogram {
	return &Histogram{
		observations: make([]time.Duration, 0, 1000),
	}
}

// Observe adds a new observation to the histogram
func (h *Histogram) Observe(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Keep last 1000 observations to prevent unbounded memory growth
	if len(h.observations) >= 1000 {
		h.observations = h.observations[1:]
	}
	h.observations = append(h.observations, d)
}

// Mean returns the mean of all observations
func (h *Histogram) Mean() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.observations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range h.observations {
		sum += d
	}
	return sum / time.Duration(len(h.observations))
}

// Percentile returns the nth percentile (0.0 to 1.0)
func (h *Histogram) Percentile(p float64) time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.observations) == 0 {
		return 0
	}

	// Simple percentile calculation - sort observations
	sorted := make([]time.Duration, len(h.observations))
	copy(sorted, h.observations)

	// Bubble sort (fine for our limited observation window)
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[i] > sorted[j] {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}

	index := int(float64(len(sorted)-1) * p)
	return sorted[index]
}

// Count returns the number of observations
func (h *Histogram) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observations)
}
