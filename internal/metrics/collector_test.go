package metrics

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/objectfs/chunkcache/pkg/errors"
	"github.com/objectfs/chunkcache/pkg/health"
	"github.com/objectfs/chunkcache/pkg/memmon"
	"github.com/objectfs/chunkcache/pkg/types"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	c, err := NewCollector(&Config{Enabled: true, Namespace: "test", Labels: map[string]string{"service": "unit"}}, nil)
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	return c
}

func TestNewCollector(t *testing.T) {
	t.Parallel()

	t.Run("with nil config uses defaults", func(t *testing.T) {
		c, err := NewCollector(nil, nil)
		if err != nil {
			t.Fatalf("NewCollector(nil) error = %v", err)
		}
		if c.config.Port != 9090 {
			t.Errorf("default port = %d, want 9090", c.config.Port)
		}
		if c.config.Namespace != "chunkcache" {
			t.Errorf("default namespace = %q", c.config.Namespace)
		}
		if c.Registry() == nil {
			t.Error("enabled collector should have a registry")
		}
	})

	t.Run("disabled collector is inert", func(t *testing.T) {
		c, err := NewCollector(&Config{Enabled: false}, nil)
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}
		if c.Registry() != nil {
			t.Error("disabled collector should not have a registry")
		}

		// none of these may panic
		c.RecordRead(time.Millisecond, nil)
		c.RecordFetch(time.Millisecond, 10, nil)
		c.RecordLookup(true)
		c.RecordEviction(10)
		c.RecordRejection()
		c.RecordResidency(1, 1, 1)
		c.RecordMemory(memmon.MemorySample{})

		if len(c.GetOperations()) != 0 {
			t.Error("disabled collector should not track operations")
		}
		if err := c.Start(context.Background()); err != nil {
			t.Errorf("Start() on disabled collector = %v", err)
		}
	})
}

func TestObserverEvents(t *testing.T) {
	t.Parallel()
	c := newTestCollector(t)

	c.RecordRead(2*time.Millisecond, nil)
	c.RecordRead(3*time.Millisecond, errors.NewError(errors.ErrCodeMissingChunks, "x"))
	c.RecordFetch(10*time.Millisecond, 4096, nil)
	c.RecordFetch(10*time.Millisecond, 0, stderrors.New("boom"))
	c.RecordLookup(true)
	c.RecordLookup(true)
	c.RecordLookup(false)
	c.RecordEviction(100)
	c.RecordEviction(50)
	c.RecordRejection()
	c.RecordResidency(2048, 3, 1)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"reads ok", testutil.ToFloat64(c.reads.WithLabelValues("success")), 1},
		{"reads err", testutil.ToFloat64(c.reads.WithLabelValues("error")), 1},
		{"fetches ok", testutil.ToFloat64(c.fetches.WithLabelValues("success")), 1},
		{"fetches err", testutil.ToFloat64(c.fetches.WithLabelValues("error")), 1},
		{"hits", testutil.ToFloat64(c.lookups.WithLabelValues("hit")), 2},
		{"misses", testutil.ToFloat64(c.lookups.WithLabelValues("miss")), 1},
		{"evictions", testutil.ToFloat64(c.evictions), 2},
		{"evicted bytes", testutil.ToFloat64(c.evictedBytes), 150},
		{"rejections", testutil.ToFloat64(c.rejections), 1},
		{"cache bytes", testutil.ToFloat64(c.cacheBytes), 2048},
		{"entries", testutil.ToFloat64(c.cacheEntries), 3},
		{"inflight", testutil.ToFloat64(c.inflight), 1},
		{"missing chunks errors", testutil.ToFloat64(c.errorCounter.WithLabelValues("read", "MISSING_CHUNKS")), 1},
		{"unknown errors", testutil.ToFloat64(c.errorCounter.WithLabelValues("fetch", "UNKNOWN_ERROR")), 1},
	}
	for _, ch := range checks {
		if ch.got != ch.want {
			t.Errorf("%s = %v, want %v", ch.name, ch.got, ch.want)
		}
	}

	ops := c.GetOperations()
	if ops["read"].Count != 2 || ops["read"].Errors != 1 {
		t.Errorf("read tracking = %+v", ops["read"])
	}
	if ops["fetch"].TotalSize != 4096 {
		t.Errorf("fetch bytes = %d, want 4096", ops["fetch"].TotalSize)
	}

	c.ResetOperations()
	if len(c.GetOperations()) != 0 {
		t.Error("ResetOperations should clear tracking")
	}
}

func TestRecordMemory(t *testing.T) {
	t.Parallel()
	c := newTestCollector(t)

	c.RecordMemory(memmon.MemorySample{System: memmon.SystemMemory{Total: 100, Available: 25}})
	if got := testutil.ToFloat64(c.memoryUsedFrac); got != 0.75 {
		t.Errorf("memory used fraction = %v, want 0.75", got)
	}

	c.RecordMemory(memmon.MemorySample{SystemErr: "unavailable"})
	if got := testutil.ToFloat64(c.memoryUsedFrac); got != 0.75 {
		t.Errorf("failed sample should not update the gauge, got %v", got)
	}
}

func TestHandler(t *testing.T) {
	t.Parallel()
	c := newTestCollector(t)
	c.RecordLookup(true)
	c.RecordRead(time.Millisecond, nil)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	code, body := get("/metrics")
	if code != http.StatusOK {
		t.Fatalf("/metrics status = %d", code)
	}
	for _, want := range []string{`test_cache_lookups_total{result="hit",service="unit"} 1`, "test_read_duration_seconds"} {
		if !strings.Contains(body, want) {
			t.Errorf("/metrics missing %q", want)
		}
	}

	code, body = get("/health")
	if code != http.StatusOK || !strings.Contains(body, "healthy") {
		t.Errorf("/health = %d %s", code, body)
	}

	tracker := health.NewTracker(health.TrackerConfig{ErrorThreshold: 1, UnavailableThreshold: 2})
	tracker.RegisterComponent("source")
	c.SetHealthTracker(tracker)
	tracker.RecordError("source", errors.NewError(errors.ErrCodeStorageRead, "eof"))
	code, body = get("/health")
	if code != http.StatusOK || !strings.Contains(body, `"status":"degraded"`) {
		t.Errorf("/health degraded = %d %s", code, body)
	}
	tracker.RecordError("source", errors.NewError(errors.ErrCodeStorageRead, "eof"))
	code, body = get("/health")
	if code != http.StatusServiceUnavailable || !strings.Contains(body, `"source"`) {
		t.Errorf("/health unavailable = %d %s", code, body)
	}

	code, _ = get("/debug/stats")
	if code != http.StatusServiceUnavailable {
		t.Errorf("/debug/stats without a cache = %d", code)
	}

	c.SetStatsSource(func() types.CacheStats { return types.CacheStats{Hits: 7, MaxSizeBytes: 100} })
	code, body = get("/debug/stats")
	if code != http.StatusOK {
		t.Fatalf("/debug/stats status = %d", code)
	}
	var stats types.CacheStats
	if err := json.Unmarshal([]byte(body), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Hits != 7 || stats.MaxSizeBytes != 100 {
		t.Errorf("stats = %+v", stats)
	}

	_, body = get("/debug/operations")
	if !strings.Contains(body, "read") {
		t.Errorf("/debug/operations = %s", body)
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	c, err := NewCollector(&Config{Enabled: true, Port: 0, Namespace: "test"}, nil)
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.Start(ctx); errors.CodeOf(err) != errors.ErrCodeAlreadyStarted {
		t.Errorf("second Start() = %v", err)
	}

	addr := c.Addr()
	if addr == "" {
		t.Fatal("Addr() empty after Start")
	}
	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()

	if err := c.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if c.Addr() != "" {
		t.Error("Addr() should be empty after Stop")
	}
	if err := c.Stop(ctx); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}
