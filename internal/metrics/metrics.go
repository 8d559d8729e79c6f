package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// MetricType defines types of metrics we track
type MetricType string

// Different metric types
const (
	TypeCounter MetricType = "counter" // Always increasing count
	TypeGauge   MetricType = "gauge"   // Point-in-time value
	TypeTimer   MetricType = "timer"   // Duration measurement
)

// MetricValue represents a metric value with metadata
type MetricValue struct {
	Name  string     `json:"name"`
	Type  MetricType `json:"type"`
	Value int64      `json:"value"`
}

// TimerMetric captures timing information
type TimerMetric struct {
	Count         int64   `json:"count"`
	TotalTimeMs   int64   `json:"total_time_ms"`
	AverageTimeMs float64 `json:"average_time_ms"`
	MinTimeMs     int64   `json:"min_time_ms"`
	MaxTimeMs     int64   `json:"max_time_ms"`
}

// Metrics is the main metrics collector
type Metrics struct {
	mu       sync.RWMutex
	counters map[string]*int64
	gauges   map[string]*int64
	timers   map[string]*timerState
	started  time.Time
}

type timerState struct {
	mu          sync.Mutex
	count       int64
	totalTimeMs int64
	minTimeMs   int64
	maxTimeMs   int64
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		counters: make(map[string]*int64),
		gauges:   make(map[string]*int64),
		timers:   make(map[string]*timerState),
		started:  time.Now(),
	}
}

// IncrementCounter increments a counter by 1
func (m *Metrics) IncrementCounter(name string) {
	m.IncrementCounterBy(name, 1)
}

// IncrementCounterBy increments a counter by the specified value
func (m *Metrics) IncrementCounterBy(name string, value int64) {
	m.mu.RLock()
	counter, exists := m.counters[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		// Check again to avoid race conditions
		if counter, exists = m.counters[name]; !exists {
			var c int64
			counter = &c
			m.counters[name] = counter
		}
		m.mu.Unlock()
	}

	atomic.AddInt64(counter, value)
}

// SetGauge sets a gauge to a specific value
func (m *Metrics) SetGauge(name string, value int64) {
	m.mu.RLock()
	gauge, exists := m.gauges[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if gauge, exists = m.gauges[name]; !exists {
			var g int64
			gauge = &g
			m.gauges[name] = gauge
		}
		m.mu.Unlock()
	}

	atomic.StoreInt64(gauge, value)
}

// RecordDuration records a timed operation
func (m *Metrics) RecordDuration(name string, d time.Duration) {
	ms := d.Milliseconds()

	m.mu.RLock()
	timer, exists := m.timers[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if timer, exists = m.timers[name]; !exists {
			timer = &timerState{minTimeMs: ms, maxTimeMs: ms}
			m.timers[name] = timer
		}
		m.mu.Unlock()
	}

	timer.mu.Lock()
	timer.count++
	timer.totalTimeMs += ms
	if ms < timer.minTimeMs {
		timer.minTimeMs = ms
	}
	if ms > timer.maxTimeMs {
		timer.maxTimeMs = ms
	}
	timer.mu.Unlock()
}

// Snapshot returns all current metric values
func (m *Metrics) Snapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.started).Seconds()),
	}

	counters := make(map[string]int64, len(m.counters))
	for name, counter := range m.counters {
		counters[name] = atomic.LoadInt64(counter)
	}
	out["counters"] = counters

	gauges := make(map[string]int64, len(m.gauges))
	for name, gauge := range m.gauges {
		gauges[name] = atomic.LoadInt64(gauge)
	}
	out["gauges"] = gauges

	timers := make(map[string]TimerMetric, len(m.timers))
	for name, timer := range m.timers {
		timer.mu.Lock()
		metric := TimerMetric{
			Count:       timer.count,
			TotalTimeMs: timer.totalTimeMs,
			MinTimeMs:   timer.minTimeMs,
			MaxTimeMs:   timer.maxTimeMs,
		}
		if timer.count > 0 {
			metric.AverageTimeMs = float64(timer.totalTimeMs) / float64(timer.count)
		}
		timer.mu.Unlock()
		timers[name] = metric
	}
	out["timers"] = timers

	return out
}

// GetCounter returns the current value of a counter
func (m *Metrics) GetCounter(name string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if counter, exists := m.counters[name]; exists {
		return atomic.LoadInt64(counter)
	}
	return 0
}
