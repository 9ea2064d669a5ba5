/*
Package metrics exports chunk cache activity to Prometheus.

Collector implements cache.Observer, so passing it in cache.Options makes
every read, fetch, lookup, eviction and rejection visible without the
cache depending on Prometheus:

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9090,
		Namespace: "chunkcache",
	}, logger)
	if err != nil {
		return err
	}

	opts := cache.DefaultOptions()
	opts.Observer = collector
	c, err := cache.New(source, opts)
	if err != nil {
		return err
	}
	collector.SetStatsSource(c.Stats)

	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(ctx)

# Endpoints

	/metrics            Prometheus exposition (OpenMetrics when negotiated)
	/health             component health; 503 when unavailable
	/debug/stats        JSON snapshot of cache.Stats
	/debug/operations   plain-text read and fetch summary

# Exported series

Counters: reads_total{status}, chunk_fetches_total{status},
cache_lookups_total{result}, cache_evictions_total,
cache_evicted_bytes_total, cache_admissions_rejected_total and
errors_total{operation,code}.

Histograms: read_duration_seconds, chunk_fetch_duration_seconds and
chunk_size_bytes.

Gauges: cache_size_bytes, cache_entries, inflight_fetches and
system_memory_used_fraction. The last is fed by memmon samples through
RecordMemory.

A disabled collector registers nothing and every Record method returns
immediately.
*/
package metrics
