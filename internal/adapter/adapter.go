package adapter

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/objectfs/chunkcache/internal/cache"
	"github.com/objectfs/chunkcache/internal/circuit"
	"github.com/objectfs/chunkcache/internal/config"
	"github.com/objectfs/chunkcache/internal/metrics"
	"github.com/objectfs/chunkcache/internal/storage"
	"github.com/objectfs/chunkcache/internal/storage/memory"
	"github.com/objectfs/chunkcache/internal/storage/minio"
	"github.com/objectfs/chunkcache/internal/storage/s3"
	"github.com/objectfs/chunkcache/internal/storage/zarr"
	"github.com/objectfs/chunkcache/pkg/errors"
	"github.com/objectfs/chunkcache/pkg/health"
	"github.com/objectfs/chunkcache/pkg/memmon"
	"github.com/objectfs/chunkcache/pkg/ndarray"
	"github.com/objectfs/chunkcache/pkg/retry"
	"github.com/objectfs/chunkcache/pkg/types"
	"github.com/objectfs/chunkcache/pkg/utils"
)

// Storage URI schemes
const (
	SchemeS3     = "s3"
	SchemeMinio  = "minio"
	SchemeMemory = "mem"
)

// Location is a parsed storage URI
type Location struct {
	Scheme string
	// Host is the minio endpoint; empty for other schemes
	Host   string
	Bucket string
	Prefix string
}

// ParseStorageURI parses s3://bucket/prefix, minio://host[:port]/bucket/prefix
// or mem://[prefix]
func ParseStorageURI(uri string) (Location, error) {
	invalid := func(msg string) error {
		return errors.NewError(errors.ErrCodeInvalidConfig, msg).
			WithComponent("adapter").
			WithDetail("uri", uri)
	}

	u, err := url.Parse(uri)
	if err != nil {
		return Location{}, errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to parse URI").
			WithComponent("adapter")
	}
	path := strings.Trim(u.Path, "/")

	switch u.Scheme {
	case SchemeS3:
		if u.Host == "" {
			return Location{}, invalid("bucket name cannot be empty")
		}
		return Location{Scheme: SchemeS3, Bucket: u.Host, Prefix: path}, nil

	case SchemeMinio:
		if u.Host == "" {
			return Location{}, invalid("minio endpoint cannot be empty")
		}
		bucket, prefix, _ := strings.Cut(path, "/")
		if bucket == "" {
			return Location{}, invalid("bucket name cannot be empty")
		}
		return Location{Scheme: SchemeMinio, Host: u.Host, Bucket: bucket, Prefix: prefix}, nil

	case SchemeMemory:
		prefix := strings.Trim(u.Host+"/"+path, "/")
		return Location{Scheme: SchemeMemory, Prefix: prefix}, nil
	}
	return Location{}, invalid(fmt.Sprintf("unsupported storage scheme: %q", u.Scheme))
}

// Adapter wires the chunk cache to its storage source, metrics and memory
// monitor from one Configuration
type Adapter struct {
	config   *config.Configuration
	location Location
	logger   *utils.StructuredLogger

	blobs     storage.BlobStore
	resilient *storage.Resilient
	memStore  *memory.Store
	source    *zarr.Source
	cache     *cache.ChunkCache
	metrics   *metrics.Collector
	health    *health.Tracker
	monitor   *memmon.MemoryMonitor

	mu      sync.Mutex
	started bool
	stopped bool
}

// New validates cfg and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Configuration) (*Adapter, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loc, err := ParseStorageURI(cfg.Storage.URI)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Global)
	if err != nil {
		return nil, err
	}

	a := &Adapter{config: cfg, location: loc, logger: logger}
	a.blobs, err = a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	a.resilient = storage.NewResilient(a.blobs, loc.Scheme, resilientConfig(cfg.Network, logger))
	a.source = zarr.NewSource(a.resilient, loc.Prefix, logger)

	a.metrics, err = metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Monitoring.Metrics.Enabled,
		Port:      cfg.Monitoring.Metrics.Port,
		Namespace: cfg.Monitoring.Metrics.Namespace,
		Labels:    cfg.Monitoring.Metrics.CustomLabels,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "failed to create metrics collector").
			WithComponent("adapter")
	}

	a.health = health.NewTracker(health.DefaultConfig())
	a.health.RegisterComponent(componentSource)
	a.health.AddStateChangeCallback(health.StateUnavailable, func(component string, _, _ health.HealthState, err error) {
		logger.Error("Component unavailable", map[string]interface{}{
			"component": component,
			"error":     err,
		})
	})
	a.metrics.SetHealthTracker(a.health)

	maxSize, _ := cfg.MaxSizeBytes()
	a.cache = cache.New(a.source, cache.Options{
		MaxSizeBytes:  maxSize,
		MinFreeMemory: cfg.Cache.MinFreeMemory,
		EvictionScope: cache.EvictionScope(cfg.Cache.EvictionScope),
		Workers:       cfg.Cache.Workers,
		Logger:        logger,
		Observer:      &healthObserver{Collector: a.metrics, tracker: a.health},
		Probe:         memmon.SystemProbe{},
	})
	a.metrics.SetStatsSource(a.cache.Stats)

	if cfg.Monitoring.Memory.Enabled {
		a.health.RegisterComponent(componentMemory)
		a.monitor = memmon.NewMemoryMonitor(memmon.MonitorConfig{
			SampleInterval:  cfg.Monitoring.Memory.SampleInterval,
			MinFreeFraction: cfg.Cache.MinFreeMemory,
			Logger:          logger,
			OnSample:        a.recordMemory,
		})
	}

	logger.Info("Adapter configured", map[string]interface{}{
		"scheme": loc.Scheme,
		"bucket": loc.Bucket,
		"prefix": loc.Prefix,
	})
	return a, nil
}

func newLogger(g config.GlobalConfig) (*utils.StructuredLogger, error) {
	level, err := utils.ParseLogLevel(g.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid log level")
	}
	format, err := utils.ParseLogFormat(g.LogFormat)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid log format")
	}

	lc := utils.DefaultStructuredLoggerConfig()
	lc.Level = level
	lc.Format = format
	lc.File = g.LogFile
	logger, err := utils.NewStructuredLogger(lc)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to create logger")
	}
	return logger, nil
}

func (a *Adapter) openStore(ctx context.Context) (storage.BlobStore, error) {
	sc := a.config.Storage
	switch a.location.Scheme {
	case SchemeMemory:
		a.memStore = memory.NewStore()
		return a.memStore, nil

	case SchemeS3:
		s3cfg := &s3.Config{
			Region:          sc.Region,
			Endpoint:        sc.Endpoint,
			AccessKeyID:     sc.AccessKey,
			SecretAccessKey: sc.SecretKey,
			ForcePathStyle:  sc.ForcePathStyle,
			MaxRetries:      1, // storage.Resilient owns retries
			Concurrency:     sc.DownloadConcurrency,
		}
		if sc.DownloadThreshold != "" {
			s3cfg.DownloadThreshold, _ = config.ParseSize(sc.DownloadThreshold)
		}
		if sc.DownloadPartSize != "" {
			s3cfg.PartSize, _ = config.ParseSize(sc.DownloadPartSize)
		}

		if t := a.config.Network.Timeouts.Connect; t > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, t)
			defer cancel()
		}
		client, err := s3.NewClient(ctx, s3cfg)
		if err != nil {
			return nil, err
		}
		return s3.NewStore(client, a.location.Bucket, s3cfg, a.logger), nil

	case SchemeMinio:
		client, err := minio.NewClient(minio.Config{
			Endpoint:  a.location.Host,
			AccessKey: sc.AccessKey,
			SecretKey: sc.SecretKey,
			Secure:    sc.UseSSL,
			Region:    sc.Region,
		})
		if err != nil {
			return nil, err
		}
		return minio.NewStore(client, a.location.Bucket, a.logger), nil
	}
	return nil, errors.NewError(errors.ErrCodeInvalidConfig, "unsupported storage scheme").
		WithComponent("adapter")
}

func resilientConfig(n config.NetworkConfig, logger *utils.StructuredLogger) storage.ResilientConfig {
	rc := retry.DefaultConfig()
	rc.MaxAttempts = n.Retry.MaxAttempts
	if n.Retry.BaseDelay > 0 {
		rc.InitialDelay = n.Retry.BaseDelay
	}
	if n.Retry.MaxDelay > 0 {
		rc.MaxDelay = n.Retry.MaxDelay
	}

	out := storage.ResilientConfig{
		Retry:             rc,
		RequestsPerSecond: n.RateLimit.RequestsPerSecond,
		Burst:             n.RateLimit.Burst,
		Timeout:           n.Timeouts.Read,
		Logger:            logger,
	}
	if n.CircuitBreaker.Enabled {
		out.Breaker = &circuit.Config{
			FailureThreshold: uint32(n.CircuitBreaker.FailureThreshold),
			Timeout:          n.CircuitBreaker.Timeout,
		}
	}
	return out
}

// Health component names
const (
	componentSource = "source"
	componentMemory = "memory"
)

// healthObserver feeds chunk fetch outcomes to the health tracker
type healthObserver struct {
	*metrics.Collector
	tracker *health.Tracker
}

func (o *healthObserver) RecordFetch(d time.Duration, bytes int64, err error) {
	o.Collector.RecordFetch(d, bytes, err)
	switch {
	case err == nil:
		o.tracker.RecordSuccess(componentSource)
	case errors.CodeOf(err) == errors.ErrCodeOperationCanceled, stderrors.Is(err, context.Canceled):
		// a reader going away says nothing about the source
	default:
		o.tracker.RecordError(componentSource, err)
	}
}

func (a *Adapter) recordMemory(sample memmon.MemorySample) {
	a.metrics.RecordMemory(sample)
	if sample.SystemErr != "" {
		return
	}
	if sample.UnderPressure(a.config.Cache.MinFreeMemory) {
		a.health.RecordError(componentMemory, errors.Newf(errors.ErrCodeResourceExhausted,
			"free memory %.2f below floor %.2f", sample.System.FreeFraction(), a.config.Cache.MinFreeMemory))
		return
	}
	a.health.RecordSuccess(componentMemory)
}

// Start launches the metrics server and memory monitor
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return errors.NewError(errors.ErrCodeComponentStopped, "adapter stopped").WithComponent("adapter")
	}
	if a.started {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "adapter already started").WithComponent("adapter")
	}

	if err := a.metrics.Start(ctx); err != nil {
		return err
	}
	if a.monitor != nil {
		if err := a.monitor.Start(ctx); err != nil {
			_ = a.metrics.Stop(ctx)
			return errors.Wrap(err, errors.ErrCodeInternalError, "failed to start memory monitor").
				WithComponent("adapter")
		}
	}

	a.started = true
	a.logger.Info("Adapter started", map[string]interface{}{
		"metrics_addr": a.metrics.Addr(),
	})
	return nil
}

// Stop closes the cache and stops background components. It is safe to
// call more than once.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return nil
	}
	a.stopped = true

	var firstErr error
	if a.monitor != nil {
		if err := a.monitor.Stop(); err != nil {
			firstErr = err
		}
	}
	if err := a.cache.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.metrics.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	a.logger.Info("Adapter stopped")
	if err := a.logger.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Read serves a slice read through the cache
func (a *Adapter) Read(ctx context.Context, key types.ArrayKey, sel types.Selection) (*ndarray.Array, error) {
	return a.cache.Read(ctx, key, sel)
}

// Invalidate drops key from the cache and the source's metadata
func (a *Adapter) Invalidate(key types.ArrayKey) {
	a.source.Forget(key)
	a.cache.Invalidate(key)
}

// InvalidateRecord drops every field of record
func (a *Adapter) InvalidateRecord(record string) {
	a.source.ForgetRecord(record)
	a.cache.InvalidateRecord(record)
}

// Cache returns the chunk cache
func (a *Adapter) Cache() *cache.ChunkCache { return a.cache }

// Metrics returns the metrics collector
func (a *Adapter) Metrics() *metrics.Collector { return a.metrics }

// Location returns the parsed storage URI
func (a *Adapter) Location() Location { return a.location }

// Source returns the zarr source the cache reads from
func (a *Adapter) Source() *zarr.Source { return a.source }

// Writer returns a writer for the mem:// store, or nil for remote storage
func (a *Adapter) Writer() *zarr.Writer {
	if a.memStore == nil {
		return nil
	}
	return zarr.NewWriter(a.memStore, a.location.Prefix)
}

// Health returns the component health tracker
func (a *Adapter) Health() *health.Tracker { return a.health }

// BreakerState reports the storage circuit breaker state
func (a *Adapter) BreakerState() circuit.State {
	return a.resilient.BreakerState()
}
