package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/objectfs/chunkcache/internal/cache"
	"github.com/objectfs/chunkcache/pkg/errors"
	"github.com/objectfs/chunkcache/pkg/health"
	"github.com/objectfs/chunkcache/pkg/memmon"
	"github.com/objectfs/chunkcache/pkg/types"
	"github.com/objectfs/chunkcache/pkg/utils"
)

// Collector exports cache events as prometheus metrics. It implements
// cache.Observer.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *utils.StructuredLogger

	reads          *prometheus.CounterVec
	readDuration   prometheus.Histogram
	fetches        *prometheus.CounterVec
	fetchDuration  prometheus.Histogram
	chunkBytes     prometheus.Histogram
	lookups        *prometheus.CounterVec
	evictions      prometheus.Counter
	evictedBytes   prometheus.Counter
	rejections     prometheus.Counter
	errorCounter   *prometheus.CounterVec
	cacheBytes     prometheus.Gauge
	cacheEntries   prometheus.Gauge
	inflight       prometheus.Gauge
	memoryUsedFrac prometheus.Gauge

	// Internal tracking for /debug/operations
	operations map[string]*OperationMetrics
	lastReset  time.Time

	stats    func() types.CacheStats
	tracker  *health.Tracker
	server   *http.Server
	listener net.Listener
}

var _ cache.Observer = (*Collector)(nil)

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// OperationMetrics tracks one operation type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalSize     int64         `json:"total_size"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config, logger *utils.StructuredLogger) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "chunkcache",
			Labels:    make(map[string]string),
		}
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	collector := &Collector{
		config:     config,
		logger:     logger.WithComponent("metrics"),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}
	if !config.Enabled {
		return collector, nil
	}

	collector.registry = prometheus.NewRegistry()
	collector.initMetrics()
	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return collector, nil
}

// SetStatsSource sets the function /debug/stats reports
func (c *Collector) SetStatsSource(fn func() types.CacheStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = fn
}

// SetHealthTracker makes /health report tracker's component states
func (c *Collector) SetHealthTracker(tracker *health.Tracker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracker = tracker
}

// Registry returns the registry metrics are exported from, or nil when
// disabled
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves /metrics, /health, /debug/stats and /debug/operations
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	if c.registry != nil {
		mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	}
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/stats", c.debugStatsHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)
	return mux
}

// Start serves Handler on the configured port. Port 0 picks a free port.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server != nil {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "metrics server already started").
			WithComponent("metrics")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", c.config.Port))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConnectionFailed, "failed to listen for metrics").
			WithComponent("metrics")
	}

	c.listener = ln
	c.server = &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 30 * time.Second, // Prevent Slowloris attacks
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	srv := c.server
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			c.logger.Error("Metrics server error", map[string]interface{}{"error": err})
		}
	}()

	c.logger.Info("Metrics server started", map[string]interface{}{
		"addr": ln.Addr().String(),
		"path": c.config.Path,
	})
	return nil
}

// Addr is the address the server listens on, or "" before Start
func (c *Collector) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// Stop stops the metrics server
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	srv := c.server
	c.server = nil
	c.listener = nil
	c.mu.Unlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// RecordRead records one Read or Prefetch
func (c *Collector) RecordRead(d time.Duration, err error) {
	if !c.config.Enabled {
		return
	}
	c.reads.With(prometheus.Labels{"status": status(err)}).Inc()
	c.readDuration.Observe(d.Seconds())
	if err != nil {
		c.RecordError("read", err)
	}
	c.track("read", d, 0, err)
}

// RecordFetch records one chunk fetch from the source
func (c *Collector) RecordFetch(d time.Duration, bytes int64, err error) {
	if !c.config.Enabled {
		return
	}
	c.fetches.With(prometheus.Labels{"status": status(err)}).Inc()
	c.fetchDuration.Observe(d.Seconds())
	if err == nil && bytes > 0 {
		c.chunkBytes.Observe(float64(bytes))
	}
	if err != nil {
		c.RecordError("fetch", err)
	}
	c.track("fetch", d, bytes, err)
}

// RecordLookup records a cache hit or miss
func (c *Collector) RecordLookup(hit bool) {
	if !c.config.Enabled {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.lookups.With(prometheus.Labels{"result": result}).Inc()
}

// RecordEviction records one evicted chunk
func (c *Collector) RecordEviction(sizeBytes int64) {
	if !c.config.Enabled {
		return
	}
	c.evictions.Inc()
	c.evictedBytes.Add(float64(sizeBytes))
}

// RecordRejection records a chunk refused admission
func (c *Collector) RecordRejection() {
	if !c.config.Enabled {
		return
	}
	c.rejections.Inc()
}

// RecordResidency updates the residency gauges
func (c *Collector) RecordResidency(sizeBytes int64, entries, inflight int) {
	if !c.config.Enabled {
		return
	}
	c.cacheBytes.Set(float64(sizeBytes))
	c.cacheEntries.Set(float64(entries))
	c.inflight.Set(float64(inflight))
}

// RecordMemory updates the host memory gauge from a monitor sample
func (c *Collector) RecordMemory(sample memmon.MemorySample) {
	if !c.config.Enabled || sample.SystemErr != "" {
		return
	}
	c.memoryUsedFrac.Set(sample.System.UsedFraction())
}

// RecordError counts an error by its code
func (c *Collector) RecordError(operation string, err error) {
	if !c.config.Enabled {
		return
	}
	c.errorCounter.With(prometheus.Labels{
		"operation": operation,
		"code":      string(errors.CodeOf(err)),
	}).Inc()
}

// GetOperations returns a copy of the per-operation tracking
func (c *Collector) GetOperations() map[string]OperationMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		out[k] = *v
	}
	return out
}

// ResetOperations clears the per-operation tracking
func (c *Collector) ResetOperations() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) track(operation string, d time.Duration, size int64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.operations[operation]
	if !ok {
		m = &OperationMetrics{}
		c.operations[operation] = m
	}
	m.Count++
	m.TotalDuration += d
	m.TotalSize += size
	if err != nil {
		m.Errors++
	}
	m.LastOperation = time.Now()
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (c *Collector) initMetrics() {
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: c.config.Labels,
		}
	}
	histogram := func(name, help string, buckets []float64) prometheus.Histogram {
		o := opts(name, help)
		return prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   o.Namespace,
			Subsystem:   o.Subsystem,
			Name:        o.Name,
			Help:        o.Help,
			ConstLabels: o.ConstLabels,
			Buckets:     buckets,
		})
	}

	c.reads = prometheus.NewCounterVec(prometheus.CounterOpts(opts("reads_total", "Total number of slice reads")),
		[]string{"status"})
	c.readDuration = histogram("read_duration_seconds", "Duration of slice reads in seconds",
		prometheus.ExponentialBuckets(0.0001, 2, 18)) // 100µs to ~13s
	c.fetches = prometheus.NewCounterVec(prometheus.CounterOpts(opts("chunk_fetches_total", "Total number of chunk fetches")),
		[]string{"status"})
	c.fetchDuration = histogram("chunk_fetch_duration_seconds", "Duration of chunk fetches in seconds",
		prometheus.ExponentialBuckets(0.001, 2, 15)) // 1ms to ~32s
	c.chunkBytes = histogram("chunk_size_bytes", "Size of fetched chunks in bytes",
		prometheus.ExponentialBuckets(1024, 4, 12)) // 1KB to ~4GB
	c.lookups = prometheus.NewCounterVec(prometheus.CounterOpts(opts("cache_lookups_total", "Chunk lookups by result")),
		[]string{"result"})
	c.evictions = prometheus.NewCounter(prometheus.CounterOpts(opts("cache_evictions_total", "Chunks evicted")))
	c.evictedBytes = prometheus.NewCounter(prometheus.CounterOpts(opts("cache_evicted_bytes_total", "Bytes evicted")))
	c.rejections = prometheus.NewCounter(prometheus.CounterOpts(opts("cache_admissions_rejected_total", "Chunks refused admission")))
	c.errorCounter = prometheus.NewCounterVec(prometheus.CounterOpts(opts("errors_total", "Errors by operation and code")),
		[]string{"operation", "code"})
	c.cacheBytes = prometheus.NewGauge(prometheus.GaugeOpts(opts("cache_size_bytes", "Bytes held by the cache")))
	c.cacheEntries = prometheus.NewGauge(prometheus.GaugeOpts(opts("cache_entries", "Chunks held by the cache")))
	c.inflight = prometheus.NewGauge(prometheus.GaugeOpts(opts("inflight_fetches", "Chunk fetches in flight")))
	c.memoryUsedFrac = prometheus.NewGauge(prometheus.GaugeOpts(opts("system_memory_used_fraction", "Fraction of host memory in use")))
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.reads,
		c.readDuration,
		c.fetches,
		c.fetchDuration,
		c.chunkBytes,
		c.lookups,
		c.evictions,
		c.evictedBytes,
		c.rejections,
		c.errorCounter,
		c.cacheBytes,
		c.cacheEntries,
		c.inflight,
		c.memoryUsedFrac,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	tracker := c.tracker
	c.mu.RUnlock()

	report := struct {
		Status     health.HealthState                 `json:"status"`
		Service    string                             `json:"service"`
		Components map[string]*health.ComponentHealth `json:"components,omitempty"`
	}{Status: health.StateHealthy, Service: "chunkcache"}
	if tracker != nil {
		report.Status = tracker.GetOverallHealth()
		report.Components = tracker.GetAllComponents()
	}

	w.Header().Set("Content-Type", "application/json")
	if report.Status == health.StateUnavailable {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(report)
}

func (c *Collector) debugStatsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	fn := c.stats
	c.mu.RUnlock()

	if fn == nil {
		http.Error(w, "no cache attached", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(fn())
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain")
	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	writef("Chunk Cache Operations\n")
	writef("======================\n\n")
	writef("Since: %v\n\n", c.lastReset.Format(time.RFC3339))

	if len(c.operations) == 0 {
		writef("No operations recorded.\n")
		return
	}

	writef("%-10s %10s %10s %14s %14s\n", "Operation", "Count", "Errors", "Avg Duration", "Bytes")
	for _, name := range []string{"read", "fetch"} {
		op, ok := c.operations[name]
		if !ok {
			continue
		}
		writef("%-10s %10d %10d %14v %14s\n",
			name, op.Count, op.Errors, op.AvgDuration, utils.FormatBytes(op.TotalSize))
	}
}
