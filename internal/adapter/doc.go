/*
Package adapter assembles a running chunk cache from one configuration.

New parses the storage URI, builds the blob store for its scheme, wraps it
with retries, a circuit breaker and a rate limiter, and layers the zarr
source, the chunk cache, the Prometheus collector and the memory monitor on
top:

	blob store (s3 | minio | mem)
	        │
	storage.Resilient   retry, breaker, rate limit, per-attempt timeout
	        │
	zarr.Source         .zarray metadata, chunk decode, fill values
	        │
	cache.ChunkCache    resolve, fetch, LRU store, assemble
	        │
	metrics.Collector   cache.Observer, /metrics, /debug/stats

# Storage URIs

	s3://bucket/prefix                  AWS S3 or an S3-compatible endpoint
	minio://host[:port]/bucket/prefix   MinIO, TLS per storage.use_ssl
	mem://prefix                        in-process store, writable via Writer

# Usage

	cfg, err := config.Load("chunkcache.yaml")
	if err != nil {
		return err
	}
	a, err := adapter.New(ctx, cfg)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Stop(ctx)

	arr, err := a.Read(ctx, types.ArrayKey{Record: "run1", Field: "temperature"},
		types.Selection{types.Span(0, 100), types.Index(3)})

Stop closes the cache, so in-flight reads fail with COMPONENT_STOPPED. It is
safe to call more than once. An adapter cannot be restarted.
*/
package adapter
