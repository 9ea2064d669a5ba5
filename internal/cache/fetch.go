package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/objectfs/chunkcache/pkg/errors"
	"github.com/objectfs/chunkcache/pkg/ndarray"
	"github.com/objectfs/chunkcache/pkg/types"
)

// inflight is a fetch in progress. arr and err are set before done closes.
type inflight struct {
	done   chan struct{}
	arr    *ndarray.Array
	err    error
	cancel context.CancelFunc

	// gen and epoch are the cache's counters when the fetch was started; a
	// result is only admitted if both are unchanged on completion
	gen   uint64
	epoch uint64
}

// errStaleRead reports that the array was invalidated between introspection
// and chunk lookup
var errStaleRead = errors.NewError(errors.ErrCodeOperationCanceled, "array invalidated during read").
	WithComponent("fetch")

// getOrFetch returns the materialized chunk for every request, keyed by
// coordinate key. Chunks whose fetch failed are absent from the result. The
// returned error is only for a cancelled caller or a stale read.
func (c *ChunkCache) getOrFetch(ctx context.Context, key types.ArrayKey, info types.ChunkInfo, requests []ChunkRequest, gen, epoch uint64) (map[string]*ndarray.Array, error) {
	out := make(map[string]*ndarray.Array, len(requests))
	waits := make(map[string]*inflight)
	var hits, misses int

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, stoppedError()
	}
	if c.gens[key] != gen || c.epoch != epoch {
		c.mu.Unlock()
		return nil, errStaleRead
	}
	for _, req := range requests {
		ck := req.Coord.Key()
		if _, seen := out[ck]; seen {
			continue
		}
		if _, seen := waits[ck]; seen {
			continue
		}

		linear, err := info.Linear(req.Coord)
		if err != nil {
			continue
		}
		id := uint32(linear)

		if arr, ok := c.store.Get(key, id); ok {
			hits++
			out[ck] = arr
			continue
		}
		ek := entryKey{key, id}
		if h, ok := c.inflight[ek]; ok {
			waits[ck] = h
			continue
		}

		bounds, err := info.ChunkBounds(req.Coord)
		if err != nil {
			continue
		}
		misses++
		waits[ck] = c.startFetch(ek, req, bounds)
	}
	c.hits += uint64(hits)
	c.misses += uint64(misses)
	c.reportResidencyLocked()
	c.mu.Unlock()

	for i := 0; i < hits; i++ {
		c.observer.RecordLookup(true)
	}
	for i := 0; i < misses; i++ {
		c.observer.RecordLookup(false)
	}

	for ck, h := range waits {
		select {
		case <-h.done:
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), errors.ErrCodeOperationCanceled, "read canceled while waiting for chunks").
				WithComponent("fetch")
		}
		if h.err == nil {
			out[ck] = h.arr
		}
	}
	return out, nil
}

// startFetch registers and dispatches a fetch. Must hold c.mu.
func (c *ChunkCache) startFetch(ek entryKey, req ChunkRequest, bounds []types.Range) *inflight {
	fctx, cancel := context.WithCancel(c.life)
	h := &inflight{
		done:   make(chan struct{}),
		cancel: cancel,
		gen:    c.gens[ek.array],
		epoch:  c.epoch,
	}
	c.inflight[ek] = h

	err := c.pool.Go(fctx, func(ctx context.Context, queued error) {
		if queued != nil {
			c.complete(ek, req, h, nil, errors.Wrap(queued, errors.ErrCodeOperationCanceled, "fetch canceled before it started").
				WithComponent("fetch"))
			return
		}
		arr, err := c.fetchChunk(ctx, ek.array, req, bounds)
		c.complete(ek, req, h, arr, err)
	})
	if err != nil {
		// The pool is closed; settle the handle here without retaking the lock.
		delete(c.inflight, ek)
		h.err = err
		close(h.done)
		cancel()
	}
	return h
}

// fetchChunk reads one chunk from the source and checks its shape
func (c *ChunkCache) fetchChunk(ctx context.Context, key types.ArrayKey, req ChunkRequest, bounds []types.Range) (*ndarray.Array, error) {
	start := time.Now()
	arr, err := c.source.FetchRange(ctx, key, bounds)
	if err == nil && !sameShape(arr.Shape(), req.ChunkShape) {
		err = fmt.Errorf("source returned shape %v, want %v", arr.Shape(), req.ChunkShape)
	}
	if err != nil {
		if ctx.Err() != nil && errors.CodeOf(err) != errors.ErrCodeOperationCanceled {
			err = errors.Wrap(err, errors.ErrCodeOperationCanceled, "fetch canceled")
		} else if errors.CodeOf(err) != errors.ErrCodeChunkFetchFailed {
			err = errors.Wrap(err, errors.ErrCodeChunkFetchFailed, "chunk fetch failed")
		}
		c.observer.RecordFetch(time.Since(start), 0, err)
		return nil, err
	}

	c.observer.RecordFetch(time.Since(start), arr.SizeBytes(), nil)
	return arr, nil
}

// complete settles a fetch: the in-flight entry goes away whatever the
// outcome, and a result is admitted only if no invalidation happened since
// the fetch started.
func (c *ChunkCache) complete(ek entryKey, req ChunkRequest, h *inflight, arr *ndarray.Array, err error) {
	var admitted, rejected bool

	c.mu.Lock()
	if c.inflight[ek] == h {
		delete(c.inflight, ek)
	}
	if err == nil {
		if c.closed || c.gens[ek.array] != h.gen || c.epoch != h.epoch {
			err = errors.NewError(errors.ErrCodeOperationCanceled, "fetch result discarded after invalidation").
				WithComponent("fetch")
			arr = nil
		} else {
			admitted = c.store.TryInsert(ek.array, ek.id, arr)
			rejected = !admitted
		}
	}
	c.reportResidencyLocked()
	c.mu.Unlock()

	if rejected {
		c.observer.RecordRejection()
	}

	if err != nil {
		fields := map[string]interface{}{
			"array": ek.array.String(),
			"chunk": req.Coord.String(),
			"code":  string(errors.CodeOf(err)),
			"error": err,
		}
		if errors.CodeOf(err) == errors.ErrCodeOperationCanceled {
			c.logger.Debug("Chunk fetch canceled", fields)
		} else {
			c.logger.Warn("Chunk fetch failed", fields)
		}
	}

	h.arr, h.err = arr, err
	close(h.done)
	h.cancel()
}

// cancelInflightLocked cancels and forgets in-flight fetches whose array
// matches.
// Must hold c.mu.
func (c *ChunkCache) cancelInflightLocked(match func(types.ArrayKey) bool) int {
	n := 0
	for ek, h := range c.inflight {
		if match(ek.array) {
			h.cancel()
			delete(c.inflight, ek)
			n++
		}
	}
	return n
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
