// Package memmon samples host and process memory. The chunk store uses its
// Probe to enforce the free-memory floor; the Monitor reports pressure in the
// background.
package memmon

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/objectfs/chunkcache/pkg/utils"
)

// MonitorConfig configures memory monitoring behavior
type MonitorConfig struct {
	SampleInterval time.Duration

	// MinFreeFraction is the floor below which a pressure alert is raised
	MinFreeFraction float64

	// MaxSamples is the number of samples kept in history
	MaxSamples int

	Probe  Probe
	Logger *utils.StructuredLogger

	// OnSample is called after every sample, outside the monitor's lock
	OnSample func(MemorySample)
}

// DefaultMonitorConfig returns sensible defaults
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		SampleInterval:  15 * time.Second,
		MinFreeFraction: 0.2,
		MaxSamples:      60,
	}
}

// MemorySample is one observation of host and Go heap memory
type MemorySample struct {
	Timestamp    time.Time    `json:"timestamp"`
	System       SystemMemory `json:"system"`
	SystemErr    string       `json:"system_error,omitempty"`
	HeapAlloc    uint64       `json:"heap_alloc"`
	HeapSys      uint64       `json:"heap_sys"`
	NumGC        uint32       `json:"num_gc"`
	NumGoroutine int          `json:"num_goroutine"`
}

// UnderPressure reports whether free host memory is below floor
func (s MemorySample) UnderPressure(floor float64) bool {
	return s.SystemErr == "" && s.System.Total > 0 && s.System.FreeFraction() < floor
}

// MemoryAlert records a pressure episode start
type MemoryAlert struct {
	Timestamp    time.Time `json:"timestamp"`
	FreeFraction float64   `json:"free_fraction"`
	Floor        float64   `json:"floor"`
}

// MemoryMonitor periodically samples memory and logs pressure transitions
type MemoryMonitor struct {
	config MonitorConfig
	logger *utils.StructuredLogger

	mu            sync.RWMutex
	samples       []MemorySample
	alerts        []MemoryAlert
	underPressure bool

	stopCh chan struct{}
	wg     sync.WaitGroup
	active int32
}

// NewMemoryMonitor creates a new memory monitor
func NewMemoryMonitor(config MonitorConfig) *MemoryMonitor {
	defaults := DefaultMonitorConfig()
	if config.SampleInterval <= 0 {
		config.SampleInterval = defaults.SampleInterval
	}
	if config.MaxSamples <= 0 {
		config.MaxSamples = defaults.MaxSamples
	}
	if config.Probe == nil {
		config.Probe = SystemProbe{}
	}
	if config.Logger == nil {
		config.Logger = utils.NewNopLogger()
	}

	return &MemoryMonitor{
		config:  config,
		logger:  config.Logger.WithComponent("memmon"),
		samples: make([]MemorySample, 0, config.MaxSamples),
		stopCh:  make(chan struct{}),
	}
}

// Start begins memory monitoring
func (mm *MemoryMonitor) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&mm.active, 0, 1) {
		return fmt.Errorf("monitor already running")
	}

	mm.logger.Info("Starting memory monitor", map[string]interface{}{
		"sample_interval":   mm.config.SampleInterval.String(),
		"min_free_fraction": mm.config.MinFreeFraction,
	})

	mm.wg.Add(1)
	go mm.monitorLoop(ctx)
	return nil
}

// Stop stops memory monitoring and waits for the loop to exit
func (mm *MemoryMonitor) Stop() error {
	if !atomic.CompareAndSwapInt32(&mm.active, 1, 0) {
		return nil
	}

	mm.logger.Info("Stopping memory monitor")
	close(mm.stopCh)
	mm.wg.Wait()
	return nil
}

func (mm *MemoryMonitor) monitorLoop(ctx context.Context) {
	defer mm.wg.Done()

	ticker := time.NewTicker(mm.config.SampleInterval)
	defer ticker.Stop()

	mm.Sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-mm.stopCh:
			return
		case <-ticker.C:
			mm.Sample()
		}
	}
}

// Sample takes one sample immediately and returns it
func (mm *MemoryMonitor) Sample() MemorySample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	sample := MemorySample{
		Timestamp:    time.Now(),
		HeapAlloc:    ms.HeapAlloc,
		HeapSys:      ms.HeapSys,
		NumGC:        ms.NumGC,
		NumGoroutine: runtime.NumGoroutine(),
	}
	sys, err := mm.config.Probe.Read()
	if err != nil {
		sample.SystemErr = err.Error()
	} else {
		sample.System = sys
	}

	mm.record(sample)

	if mm.config.OnSample != nil {
		mm.config.OnSample(sample)
	}
	return sample
}

func (mm *MemoryMonitor) record(sample MemorySample) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	mm.samples = append(mm.samples, sample)
	if len(mm.samples) > mm.config.MaxSamples {
		mm.samples = mm.samples[len(mm.samples)-mm.config.MaxSamples:]
	}

	pressure := sample.UnderPressure(mm.config.MinFreeFraction)
	switch {
	case pressure && !mm.underPressure:
		alert := MemoryAlert{
			Timestamp:    sample.Timestamp,
			FreeFraction: sample.System.FreeFraction(),
			Floor:        mm.config.MinFreeFraction,
		}
		mm.alerts = append(mm.alerts, alert)
		mm.logger.Warn("System memory below free floor", map[string]interface{}{
			"free_fraction": alert.FreeFraction,
			"floor":         alert.Floor,
			"available":     utils.FormatBytes(int64(sample.System.Available)),
		})
	case !pressure && mm.underPressure:
		mm.logger.Info("System memory recovered", map[string]interface{}{
			"free_fraction": sample.System.FreeFraction(),
		})
	}
	mm.underPressure = pressure
}

// MemoryStats summarizes the sample history
type MemoryStats struct {
	Current       MemorySample `json:"current"`
	SampleCount   int          `json:"sample_count"`
	AlertCount    int          `json:"alert_count"`
	UnderPressure bool         `json:"under_pressure"`
}

// GetStats returns current memory statistics
func (mm *MemoryMonitor) GetStats() MemoryStats {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	stats := MemoryStats{
		SampleCount:   len(mm.samples),
		AlertCount:    len(mm.alerts),
		UnderPressure: mm.underPressure,
	}
	if n := len(mm.samples); n > 0 {
		stats.Current = mm.samples[n-1]
	}
	return stats
}

// Alerts returns a copy of the recorded pressure alerts
func (mm *MemoryMonitor) Alerts() []MemoryAlert {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return append([]MemoryAlert(nil), mm.alerts...)
}
