package s3

import (
	"sync"
	"time"
)

// StoreMetrics tracks request outcomes of one store
type StoreMetrics struct {
	Requests        int64         `json:"requests"`
	Errors          int64         `json:"errors"`
	NotFound        int64         `json:"not_found"`
	RangedDownloads int64         `json:"ranged_downloads"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	AverageLatency  time.Duration `json:"average_latency"`
	LastError       string        `json:"last_error"`
	LastErrorTime   time.Time     `json:"last_error_time"`
}

// MetricsCollector aggregates StoreMetrics
type MetricsCollector struct {
	mu      sync.RWMutex
	metrics StoreMetrics
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{}
}

// RecordRequest records one Get. err is the translated error, if any.
func (mc *MetricsCollector) RecordRequest(duration time.Duration, bytes int64, ranged bool, err error, notFound bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.metrics.Requests++
	mc.metrics.BytesDownloaded += bytes
	if ranged {
		mc.metrics.RangedDownloads++
	}
	switch {
	case notFound:
		mc.metrics.NotFound++
	case err != nil:
		mc.metrics.Errors++
		mc.metrics.LastError = err.Error()
		mc.metrics.LastErrorTime = time.Now()
	}

	// Rolling average latency
	if mc.metrics.Requests == 1 {
		mc.metrics.AverageLatency = duration
	} else {
		mc.metrics.AverageLatency = time.Duration(
			(int64(mc.metrics.AverageLatency)*9 + int64(duration)) / 10,
		)
	}
}

// GetMetrics returns current metrics
func (mc *MetricsCollector) GetMetrics() StoreMetrics {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.metrics
}

// Reset resets all metrics to zero
func (mc *MetricsCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.metrics = StoreMetrics{}
}
