package config

import (
	stderr "errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/objectfs/chunkcache/pkg/errors"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	if cfg.Global.LogLevel != "INFO" {
		t.Errorf("Expected LogLevel to be INFO, got %s", cfg.Global.LogLevel)
	}
	if cfg.Cache.MaxSize != "1GB" {
		t.Errorf("Expected MaxSize to be 1GB, got %s", cfg.Cache.MaxSize)
	}
	if cfg.Cache.MinFreeMemory != 0.2 {
		t.Errorf("Expected MinFreeMemory to be 0.2, got %v", cfg.Cache.MinFreeMemory)
	}
	if cfg.Cache.EvictionScope != EvictionGlobal {
		t.Errorf("Expected EvictionScope to be global, got %s", cfg.Cache.EvictionScope)
	}
	if cfg.Cache.Workers != 4 {
		t.Errorf("Expected Workers to be 4, got %d", cfg.Cache.Workers)
	}
	if n, err := cfg.MaxSizeBytes(); err != nil || n != 1<<30 {
		t.Errorf("MaxSizeBytes = %d, %v", n, err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default configuration should validate: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
global:
  log_level: DEBUG
cache:
  max_size: 256MB
  eviction_scope: array_first
  workers: 8
storage:
  uri: s3://bucket/prefix
network:
  retry:
    max_attempts: 5
    base_delay: 250ms
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if cfg.Global.LogLevel != "DEBUG" {
		t.Errorf("LogLevel = %s", cfg.Global.LogLevel)
	}
	if cfg.Cache.MaxSize != "256MB" || cfg.Cache.Workers != 8 {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if cfg.Cache.EvictionScope != EvictionArrayFirst {
		t.Errorf("EvictionScope = %s", cfg.Cache.EvictionScope)
	}
	if cfg.Network.Retry.BaseDelay != 250*time.Millisecond {
		t.Errorf("BaseDelay = %v", cfg.Network.Retry.BaseDelay)
	}
	// untouched sections keep defaults
	if cfg.Cache.MinFreeMemory != 0.2 {
		t.Errorf("MinFreeMemory = %v", cfg.Cache.MinFreeMemory)
	}
}

func TestLoadFromFileErrors(t *testing.T) {
	cfg := NewDefault()
	err := cfg.LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if errors.CodeOf(err) != errors.ErrCodeConfigLoad {
		t.Errorf("missing file: got %v", err)
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	_ = os.WriteFile(path, []byte("cache:\n  max_sise: 1GB\n"), 0600)
	if err := cfg.LoadFromFile(path); err == nil {
		t.Error("unknown keys should be rejected")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CHUNKCACHE_LOG_LEVEL", "WARN")
	t.Setenv("CHUNKCACHE_MAX_SIZE", "2GB")
	t.Setenv("CHUNKCACHE_MIN_FREE_MEMORY", "0.3")
	t.Setenv("CHUNKCACHE_WORKERS", "6")
	t.Setenv("CHUNKCACHE_STORAGE_URI", "minio://localhost:9000/data/runs")
	t.Setenv("CHUNKCACHE_USE_SSL", "false")
	t.Setenv("CHUNKCACHE_METRICS_ENABLED", "true")

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}

	if cfg.Global.LogLevel != "WARN" {
		t.Errorf("LogLevel = %s", cfg.Global.LogLevel)
	}
	if cfg.Cache.MaxSize != "2GB" || cfg.Cache.MinFreeMemory != 0.3 || cfg.Cache.Workers != 6 {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if cfg.Storage.URI != "minio://localhost:9000/data/runs" || cfg.Storage.UseSSL {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if !cfg.Monitoring.Metrics.Enabled {
		t.Error("metrics should be enabled")
	}
}

func TestLoadFromEnvRejectsMalformedNumbers(t *testing.T) {
	t.Setenv("CHUNKCACHE_WORKERS", "four")

	cfg := NewDefault()
	err := cfg.LoadFromEnv()
	if errors.CodeOf(err) != errors.ErrCodeInvalidConfig {
		t.Fatalf("expected INVALID_CONFIG, got %v", err)
	}
	if cfg.Cache.Workers != 4 {
		t.Errorf("Workers changed to %d", cfg.Cache.Workers)
	}
}

func TestSaveToFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := NewDefault()
	cfg.Cache.MaxSize = "512MB"
	cfg.Storage.SecretKey = "do-not-persist"
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	loaded := NewDefault()
	if err := loaded.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if loaded.Cache.MaxSize != "512MB" {
		t.Errorf("MaxSize = %s", loaded.Cache.MaxSize)
	}
	if loaded.Storage.SecretKey != "" {
		t.Error("secret key must not be written to disk")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Configuration)
		wantErr bool
	}{
		{"defaults", func(*Configuration) {}, false},
		{"bad log level", func(c *Configuration) { c.Global.LogLevel = "LOUD" }, true},
		{"bad log format", func(c *Configuration) { c.Global.LogFormat = "xml" }, true},
		{"bad size", func(c *Configuration) { c.Cache.MaxSize = "huge" }, true},
		{"zero size", func(c *Configuration) { c.Cache.MaxSize = "0" }, true},
		{"free fraction too high", func(c *Configuration) { c.Cache.MinFreeMemory = 1 }, true},
		{"free fraction zero", func(c *Configuration) { c.Cache.MinFreeMemory = 0 }, false},
		{"bad eviction scope", func(c *Configuration) { c.Cache.EvictionScope = "random" }, true},
		{"no workers", func(c *Configuration) { c.Cache.Workers = 0 }, true},
		{"no uri", func(c *Configuration) { c.Storage.URI = "" }, true},
		{"bad part size", func(c *Configuration) { c.Storage.DownloadPartSize = "x" }, true},
		{"no retries", func(c *Configuration) { c.Network.Retry.MaxAttempts = 0 }, true},
		{"negative rate", func(c *Configuration) { c.Network.RateLimit.RequestsPerSecond = -1 }, true},
		{"metrics bad port", func(c *Configuration) {
			c.Monitoring.Metrics.Enabled = true
			c.Monitoring.Metrics.Port = 70000
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefault()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !stderr.Is(err, &errors.CacheError{Code: errors.ErrCodeConfigValidation}) {
				t.Errorf("expected CONFIG_VALIDATION, got %v", err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("CHUNKCACHE_EVICTION_SCOPE", "sideways")
	if _, err := Load(""); err == nil {
		t.Error("Load should validate environment overrides")
	}
}
