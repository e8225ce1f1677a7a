package observability

import (
	"sync"
	"time"
)

// MetricsClient defines the interface for metrics collection.
type MetricsClient interface {
	RecordCounter(name string, value float64, labels map[string]string)
	RecordGauge(name string, value float64, labels map[string]string)
	RecordHistogram(name string, value float64, labels map[string]string)
	RecordTimer(name string, duration time.Duration, labels map[string]string)
	IncrementCounter(name string, value float64)

	RecordAPIOperation(endpoint string, status int, durationSeconds float64)
	RecordDatabaseOperation(operation string, success bool, durationSeconds float64)

	// StartTimer returns a function that records the elapsed time when called.
	StartTimer(name string, labels map[string]string) func()

	Close() error
}

// inMemoryMetrics is a MetricsClient that aggregates values in memory.
// It is the default when no metrics backend is configured; the snapshot
// is exposed through the health endpoint.
type inMemoryMetrics struct {
	mu       sync.Mutex
	counters map[string]float64
	gauges   map[string]float64
}

// NewMetricsClient creates an in-memory metrics client.
func NewMetricsClient() MetricsClient {
	return &inMemoryMetrics{
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
	}
}

func (m *inMemoryMetrics) RecordCounter(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += value
}

func (m *inMemoryMetrics) RecordGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = value
}

func (m *inMemoryMetrics) RecordHistogram(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name+"_sum"] += value
	m.counters[name+"_count"]++
}

func (m *inMemoryMetrics) RecordTimer(name string, duration time.Duration, labels map[string]string) {
	m.RecordHistogram(name, duration.Seconds(), labels)
}

func (m *inMemoryMetrics) IncrementCounter(name string, value float64) {
	m.RecordCounter(name, value, nil)
}

func (m *inMemoryMetrics) RecordAPIOperation(endpoint string, status int, durationSeconds float64) {
	m.RecordHistogram("api_request_duration_seconds", durationSeconds, nil)
	m.RecordCounter("api_requests_total", 1, nil)
}

func (m *inMemoryMetrics) RecordDatabaseOperation(operation string, success bool, durationSeconds float64) {
	m.RecordHistogram("db_operation_duration_seconds", durationSeconds, nil)
	if !success {
		m.RecordCounter("db_operation_errors_total", 1, nil)
	}
}

func (m *inMemoryMetrics) StartTimer(name string, labels map[string]string) func() {
	start := time.Now()
	return func() {
		m.RecordTimer(name, time.Since(start), labels)
	}
}

func (m *inMemoryMetrics) Close() error { return nil }

// Snapshot returns a copy of the current counter values.
func (m *inMemoryMetrics) Snapshot() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]float64, len(m.counters))
	for k, v := range m.counters {
		out[k] = v
	}
	return out
}

// NoopMetricsClient discards all metrics.
type NoopMetricsClient struct{}

// NewNoopMetricsClient creates a metrics client that does nothing.
func NewNoopMetricsClient() MetricsClient { return &NoopMetricsClient{} }

func (m *NoopMetricsClient) RecordCounter(name string, value float64, labels map[string]string)   {}
func (m *NoopMetricsClient) RecordGauge(name string, value float64, labels map[string]string)     {}
func (m *NoopMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {}
func (m *NoopMetricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
}
func (m *NoopMetricsClient) IncrementCounter(name string, value float64) {}
func (m *NoopMetricsClient) RecordAPIOperation(endpoint string, status int, durationSeconds float64) {
}
func (m *NoopMetricsClient) RecordDatabaseOperation(operation string, success bool, durationSeconds float64) {
}
func (m *NoopMetricsClient) StartTimer(name string, labels map[string]string) func() {
	return func() {}
}
func (m *NoopMetricsClient) Close() error { return nil }
