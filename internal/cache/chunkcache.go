package cache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/objectfs/chunkcache/pkg/errors"
	"github.com/objectfs/chunkcache/pkg/memmon"
	"github.com/objectfs/chunkcache/pkg/ndarray"
	"github.com/objectfs/chunkcache/pkg/types"
	"github.com/objectfs/chunkcache/pkg/utils"
)

const (
	DefaultMaxSizeBytes  int64   = 1_000_000_000
	DefaultMinFreeMemory float64 = 0.2
	DefaultWorkers               = 4
)

// Options configures a ChunkCache
type Options struct {
	// MaxSizeBytes is the byte budget for resident chunks
	MaxSizeBytes int64

	// MinFreeMemory is the host free-memory fraction below which entries are
	// evicted on admission. Zero disables the check.
	MinFreeMemory float64

	EvictionScope EvictionScope

	// Workers bounds concurrent chunk fetches
	Workers int

	Logger   *utils.StructuredLogger
	Observer Observer
	Probe    memmon.Probe
}

// DefaultOptions returns the stock configuration
func DefaultOptions() Options {
	return Options{
		MaxSizeBytes:  DefaultMaxSizeBytes,
		MinFreeMemory: DefaultMinFreeMemory,
		EvictionScope: ScopeGlobal,
		Workers:       DefaultWorkers,
	}
}

// Observer receives cache events, typically to export them as metrics
type Observer interface {
	RecordRead(d time.Duration, err error)
	RecordFetch(d time.Duration, bytes int64, err error)
	RecordLookup(hit bool)
	RecordEviction(sizeBytes int64)
	RecordRejection()
	RecordResidency(sizeBytes int64, entries, inflight int)
}

type nopObserver struct{}

func (nopObserver) RecordRead(time.Duration, error) {}
func (nopObserver) RecordFetch(time.Duration, int64, error) {}
func (nopObserver) RecordLookup(bool) {}
func (nopObserver) RecordEviction(int64) {}
func (nopObserver) RecordRejection() {}
func (nopObserver) RecordResidency(int64, int, int) {}

// ChunkCache serves slice reads over chunked arrays, fetching each missing
// chunk at most once at a time and keeping fetched chunks under a byte budget.
type ChunkCache struct {
	source types.ChunkedArraySource
	index  *ChunkIndex

	// mu guards everything below. It is never held while waiting on a fetch.
	mu       sync.Mutex
	store    *ChunkStore
	inflight map[entryKey]*inflight
	pool     *workerPool
	workers  int
	gens     map[types.ArrayKey]uint64
	epoch    uint64
	hits     uint64
	misses   uint64
	closed   bool

	life       context.Context
	cancelLife context.CancelFunc

	observer Observer
	logger   *utils.StructuredLogger
}

// New creates a cache over source. Zero-valued sizes in opts fall back to
// the defaults.
func New(source types.ChunkedArraySource, opts Options) *ChunkCache {
	if opts.MaxSizeBytes <= 0 {
		opts.MaxSizeBytes = DefaultMaxSizeBytes
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.EvictionScope == "" {
		opts.EvictionScope = ScopeGlobal
	}
	if opts.Logger == nil {
		opts.Logger = utils.NewNopLogger()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}

	life, cancel := context.WithCancel(context.Background())
	c := &ChunkCache{
		source:     source,
		index:      NewChunkIndex(opts.Logger),
		store:      newChunkStore(opts.MaxSizeBytes, opts.MinFreeMemory, opts.EvictionScope, opts.Probe, opts.Logger),
		inflight:   make(map[entryKey]*inflight),
		pool:       newWorkerPool(opts.Workers),
		workers:    opts.Workers,
		gens:       make(map[types.ArrayKey]uint64),
		life:       life,
		cancelLife: cancel,
		observer:   opts.Observer,
		logger:     opts.Logger.WithComponent("chunk-cache"),
	}
	c.store.onEvict = opts.Observer.RecordEviction
	c.logger.Info("Chunk cache created", map[string]interface{}{
		"max_size":        utils.FormatBytes(opts.MaxSizeBytes),
		"min_free_memory": opts.MinFreeMemory,
		"eviction_scope":  string(opts.EvictionScope),
		"workers":         opts.Workers,
	})
	return c
}

// Read returns the selected region of key. Scalar-indexed dimensions are
// dropped from the result. The result is a new array owned by the caller.
func (c *ChunkCache) Read(ctx context.Context, key types.ArrayKey, sel types.Selection) (*ndarray.Array, error) {
	start := time.Now()
	requestID := uuid.NewString()

	arr, err := c.read(ctx, key, sel, true)
	if err != nil {
		// Introspection errors are shared between readers; tag a copy.
		if ce, ok := err.(*errors.CacheError); ok && ce.RequestID == "" {
			tagged := *ce
			tagged.RequestID = requestID
			err = &tagged
		}
		c.logger.Debug("Read failed", map[string]interface{}{
			"request_id": requestID,
			"array":      key.String(),
			"selection":  sel.String(),
			"error":      err,
		})
	}
	c.observer.RecordRead(time.Since(start), err)
	return arr, err
}

// Prefetch loads every chunk the selection touches without assembling a
// result
func (c *ChunkCache) Prefetch(ctx context.Context, key types.ArrayKey, sel types.Selection) error {
	_, err := c.read(ctx, key, sel, false)
	return err
}

func (c *ChunkCache) read(ctx context.Context, key types.ArrayKey, sel types.Selection, assemble bool) (*ndarray.Array, error) {
	// One retry covers an invalidation racing between introspection and
	// chunk lookup.
	for attempt := 0; ; attempt++ {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, stoppedError()
		}
		gen, epoch := c.gens[key], c.epoch
		c.mu.Unlock()

		info, err := c.index.EnsureInfo(ctx, key, c.source)
		if err != nil {
			return nil, err
		}

		requests, fullShape, err := Resolve(info, sel)
		if err != nil {
			return nil, err
		}

		chunks, err := c.getOrFetch(ctx, key, info, requests, gen, epoch)
		if err == errStaleRead {
			if attempt == 0 {
				continue
			}
			return nil, errors.NewError(errors.ErrCodeOperationCanceled, "array invalidated during read").
				WithComponent("chunk-cache")
		}
		if err != nil {
			return nil, err
		}

		if !assemble {
			if len(chunks) < len(requests) {
				return nil, errors.Newf(errors.ErrCodeMissingChunks, "%d of %d chunks could not be fetched",
					len(requests)-len(chunks), len(requests)).WithComponent("chunk-cache")
			}
			return nil, nil
		}

		out, err := Assemble(chunks, requests, fullShape)
		if err != nil {
			return nil, err
		}
		if dims := sel.ScalarDims(); dims != nil {
			return out.Squeeze(dims)
		}
		return out, nil
	}
}

// Lookup returns a resident chunk without fetching. It counts as a hit or a
// miss and touches the entry on a hit.
func (c *ChunkCache) Lookup(key types.ArrayKey, coord types.ChunkCoordinate) (*ndarray.Array, bool) {
	var arr *ndarray.Array
	info, ok := c.index.Get(key)
	linear, err := info.Linear(coord)
	ok = ok && err == nil

	c.mu.Lock()
	if ok {
		arr, ok = c.store.Get(key, uint32(linear))
	}
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()
	c.observer.RecordLookup(ok)

	if !ok {
		return nil, false
	}
	return clone(arr), true
}

// SetChunkInfo seeds the layout of key so the source is not asked for it
func (c *ChunkCache) SetChunkInfo(key types.ArrayKey, info types.ChunkInfo) error {
	return c.index.Set(key, info)
}

// Invalidate drops the layout and every resident chunk of key and cancels
// its in-flight fetches. Invalidating an unknown key is a no-op.
func (c *ChunkCache) Invalidate(key types.ArrayKey) {
	c.index.Invalidate(key)

	c.mu.Lock()
	c.gens[key]++
	canceled := c.cancelInflightLocked(func(k types.ArrayKey) bool { return k == key })
	dropped := c.store.ClearArray(key)
	c.reportResidencyLocked()
	c.mu.Unlock()

	if canceled > 0 || dropped > 0 {
		c.logger.Debug("Array invalidated", map[string]interface{}{
			"array":    key.String(),
			"chunks":   dropped,
			"canceled": canceled,
		})
	}
}

// InvalidateRecord invalidates every array belonging to record
func (c *ChunkCache) InvalidateRecord(record string) {
	keys := c.index.InvalidateRecord(record)

	c.mu.Lock()
	for _, key := range keys {
		c.gens[key]++
	}
	bumped := make(map[types.ArrayKey]bool)
	for ek := range c.inflight {
		if ek.array.Record == record && !bumped[ek.array] {
			c.gens[ek.array]++
			bumped[ek.array] = true
		}
	}
	for key := range c.store.resident {
		if key.Record == record && !bumped[key] {
			c.gens[key]++
			bumped[key] = true
		}
	}
	canceled := c.cancelInflightLocked(func(k types.ArrayKey) bool { return k.Record == record })
	dropped := c.store.ClearRecord(record)
	c.reportResidencyLocked()
	c.mu.Unlock()

	c.logger.Debug("Record invalidated", map[string]interface{}{
		"record":   record,
		"arrays":   len(keys),
		"chunks":   dropped,
		"canceled": canceled,
	})
}

// Clear drops every chunk and layout, resets hit and miss counters, cancels
// all in-flight fetches and waits for the old worker pool to drain.
func (c *ChunkCache) Clear() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.epoch++
	c.gens = make(map[types.ArrayKey]uint64)
	canceled := c.cancelInflightLocked(func(types.ArrayKey) bool { return true })
	c.store.ClearAll()
	c.hits, c.misses = 0, 0
	old := c.pool
	c.pool = newWorkerPool(c.workers)
	c.reportResidencyLocked()
	c.mu.Unlock()

	c.index.Clear()
	old.Close()

	c.logger.Info("Chunk cache cleared", map[string]interface{}{
		"canceled": canceled,
	})
}

// Close cancels outstanding fetches, waits for workers and releases every
// chunk. Later reads fail with COMPONENT_STOPPED.
func (c *ChunkCache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.cancelInflightLocked(func(types.ArrayKey) bool { return true })
	pool := c.pool
	c.mu.Unlock()

	c.cancelLife()
	pool.Close()

	c.mu.Lock()
	c.store.ClearAll()
	c.reportResidencyLocked()
	c.mu.Unlock()
	c.index.Clear()

	c.logger.Info("Chunk cache closed")
	return nil
}

// Stats returns a snapshot of the cache counters
func (c *ChunkCache) Stats() types.CacheStats {
	c.mu.Lock()
	stats := types.CacheStats{
		SizeBytes:    c.store.SizeBytes(),
		MaxSizeBytes: c.store.MaxBytes(),
		EntryCount:   c.store.Len(),
		ArrayCount:   c.store.ArrayCount(),
		Hits:         c.hits,
		Misses:       c.misses,
		Evictions:    c.store.evictions,
		Rejected:     c.store.rejected,
		InFlight:     len(c.inflight),
	}
	c.mu.Unlock()

	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	stats.SystemMemoryUsedFraction = c.store.systemUsedFraction()
	return stats
}

// Resident lists the coordinates of the resident chunks of key in row-major
// order
func (c *ChunkCache) Resident(key types.ArrayKey) []types.ChunkCoordinate {
	info, ok := c.index.Get(key)
	if !ok {
		return nil
	}
	c.mu.Lock()
	ids := c.store.Resident(key)
	c.mu.Unlock()

	coords := make([]types.ChunkCoordinate, 0, len(ids))
	for _, id := range ids {
		coords = append(coords, info.Coordinate(uint64(id)))
	}
	return coords
}

// reportResidencyLocked pushes size gauges to the observer. Must hold c.mu.
func (c *ChunkCache) reportResidencyLocked() {
	c.observer.RecordResidency(c.store.SizeBytes(), c.store.Len(), len(c.inflight))
}

func clone(a *ndarray.Array) *ndarray.Array {
	full := make([]types.Range, a.Rank())
	for d, n := range a.Shape() {
		full[d] = types.Range{Start: 0, Stop: n}
	}
	out, err := a.Slice(full)
	if err != nil {
		return a
	}
	return out
}

func stoppedError() error {
	return errors.NewError(errors.ErrCodeComponentStopped, "chunk cache is closed").
		WithComponent("chunk-cache")
}
