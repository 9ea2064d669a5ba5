/*
Package cache implements a chunk-aware read cache for remotely stored,
chunked N-dimensional arrays.

A read is served in four stages:

	Read(key, selection)
	        │
	┌───────────────┐   ShapeAndChunks, once per array
	│  ChunkIndex   │ ─────────────────────────────────▶ source
	└───────────────┘
	        │ ChunkInfo
	┌───────────────┐
	│   Resolve     │   selection → chunk coordinates + chunk-local slices
	└───────────────┘
	        │ []ChunkRequest
	┌───────────────┐   hit: ChunkStore (LRU, byte budget, free-memory floor)
	│  getOrFetch   │   in flight: join the pending fetch
	└───────────────┘   miss: FetchRange on the bounded worker pool
	        │ chunks
	┌───────────────┐
	│   Assemble    │   slice, concatenate, squeeze scalar axes
	└───────────────┘

# Concurrency

ChunkCache guards the store, the in-flight table and its counters with one
mutex. The mutex is held for bookkeeping only; readers wait for fetches on
per-fetch channels after releasing it. At most one fetch per chunk is in
flight at any time, however many readers ask for it.

Invalidate and Clear cancel the affected fetches. A result that arrives
after its array was invalidated is dropped and reported to its waiters as
canceled, so the read fails with MISSING_CHUNKS instead of returning data
from a stale layout.

# Eviction

Admission evicts least recently used entries until the new chunk fits the
byte budget and the host free-memory fraction is above the configured
floor. By default the victim is chosen across all arrays; ScopeArrayFirst
prefers entries of the array being inserted into. A chunk larger than the
whole budget is returned to the reader but never cached.

# Usage

	c := cache.New(source, cache.DefaultOptions())
	defer c.Close()

	arr, err := c.Read(ctx, types.ArrayKey{Record: "scan-42", Field: "det"},
		types.Selection{types.Index(2), types.All()})
*/
package cache
