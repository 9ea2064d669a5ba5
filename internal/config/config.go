package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/objectfs/chunkcache/pkg/errors"
	"github.com/objectfs/chunkcache/pkg/utils"
)

// Eviction scopes
const (
	EvictionGlobal     = "global"
	EvictionArrayFirst = "array_first"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Cache      CacheConfig      `yaml:"cache"`
	Storage    StorageConfig    `yaml:"storage"`
	Network    NetworkConfig    `yaml:"network"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFile   string `yaml:"log_file"`
	LogFormat string `yaml:"log_format"`
}

// CacheConfig sizes the chunk cache
type CacheConfig struct {
	// MaxSize is the byte budget, e.g. "1GB"
	MaxSize string `yaml:"max_size"`

	// MinFreeMemory is the fraction of host memory that must stay free
	MinFreeMemory float64 `yaml:"min_free_memory"`

	// EvictionScope is "global" or "array_first"
	EvictionScope string `yaml:"eviction_scope"`

	// Workers bounds concurrent chunk fetches
	Workers int `yaml:"workers"`
}

// StorageConfig selects and configures the chunk source
type StorageConfig struct {
	// URI is s3://bucket/prefix, minio://host[:port]/bucket/prefix or mem://
	URI string `yaml:"uri"`

	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`
	UseSSL         bool   `yaml:"use_ssl"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"-"`

	// Chunks at or above this size use the multipart downloader
	DownloadThreshold   string `yaml:"download_threshold"`
	DownloadPartSize    string `yaml:"download_part_size"`
	DownloadConcurrency int    `yaml:"download_concurrency"`
}

// NetworkConfig represents network configuration
type NetworkConfig struct {
	Timeouts       TimeoutConfig        `yaml:"timeouts"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
}

// TimeoutConfig represents timeout settings
type TimeoutConfig struct {
	Connect time.Duration `yaml:"connect"`
	Read    time.Duration `yaml:"read"`
}

// RetryConfig represents retry settings
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// CircuitBreakerConfig represents circuit breaker settings
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// RateLimitConfig caps source requests. Zero disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Memory  MemoryConfig  `yaml:"memory"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Port         int               `yaml:"port"`
	Namespace    string            `yaml:"namespace"`
	CustomLabels map[string]string `yaml:"custom_labels"`
}

// MemoryConfig controls the background memory monitor
type MemoryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	SampleInterval time.Duration `yaml:"sample_interval"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "text",
		},
		Cache: CacheConfig{
			MaxSize:       "1GB",
			MinFreeMemory: 0.2,
			EvictionScope: EvictionGlobal,
			Workers:       4,
		},
		Storage: StorageConfig{
			URI:                 "mem://",
			Region:              "us-east-1",
			UseSSL:              true,
			DownloadThreshold:   "32MB",
			DownloadPartSize:    "8MB",
			DownloadConcurrency: 4,
		},
		Network: NetworkConfig{
			Timeouts: TimeoutConfig{
				Connect: 10 * time.Second,
				Read:    60 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   100 * time.Millisecond,
				MaxDelay:    5 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          30 * time.Second,
			},
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:   false,
				Port:      9090,
				Namespace: "chunkcache",
				CustomLabels: map[string]string{
					"service": "chunkcache",
				},
			},
			Memory: MemoryConfig{
				Enabled:        true,
				SampleInterval: 15 * time.Second,
			},
		},
	}
}

// Load builds a configuration from defaults, an optional YAML file and the
// environment, in that order, and validates the result
func Load(filename string) (*Configuration, error) {
	cfg := NewDefault()
	if filename != "" {
		if err := cfg.LoadFromFile(filename); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to read config file").
			WithDetail("file", filename)
	}

	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to parse config file").
			WithDetail("file", filename)
	}

	return nil
}

// LoadFromEnv overlays CHUNKCACHE_* environment variables. Malformed numeric
// values are reported rather than ignored.
func (c *Configuration) LoadFromEnv() error {
	env := envReader{}

	env.getString("CHUNKCACHE_LOG_LEVEL", &c.Global.LogLevel)
	env.getString("CHUNKCACHE_LOG_FILE", &c.Global.LogFile)
	env.getString("CHUNKCACHE_LOG_FORMAT", &c.Global.LogFormat)

	env.getString("CHUNKCACHE_MAX_SIZE", &c.Cache.MaxSize)
	env.getFloat("CHUNKCACHE_MIN_FREE_MEMORY", &c.Cache.MinFreeMemory)
	env.getString("CHUNKCACHE_EVICTION_SCOPE", &c.Cache.EvictionScope)
	env.getInt("CHUNKCACHE_WORKERS", &c.Cache.Workers)

	env.getString("CHUNKCACHE_STORAGE_URI", &c.Storage.URI)
	env.getString("CHUNKCACHE_REGION", &c.Storage.Region)
	env.getString("CHUNKCACHE_ENDPOINT", &c.Storage.Endpoint)
	env.getBool("CHUNKCACHE_FORCE_PATH_STYLE", &c.Storage.ForcePathStyle)
	env.getBool("CHUNKCACHE_USE_SSL", &c.Storage.UseSSL)
	env.getString("CHUNKCACHE_ACCESS_KEY", &c.Storage.AccessKey)
	env.getString("CHUNKCACHE_SECRET_KEY", &c.Storage.SecretKey)

	env.getInt("CHUNKCACHE_RETRY_MAX_ATTEMPTS", &c.Network.Retry.MaxAttempts)
	env.getFloat("CHUNKCACHE_RATE_LIMIT", &c.Network.RateLimit.RequestsPerSecond)

	env.getBool("CHUNKCACHE_METRICS_ENABLED", &c.Monitoring.Metrics.Enabled)
	env.getInt("CHUNKCACHE_METRICS_PORT", &c.Monitoring.Metrics.Port)

	if len(env.errs) > 0 {
		return errors.NewError(errors.ErrCodeInvalidConfig, "invalid environment overrides").
			WithDetail("errors", strings.Join(env.errs, "; "))
	}
	return nil
}

type envReader struct {
	errs []string
}

func (e *envReader) getString(key string, dst *string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func (e *envReader) getInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			e.errs = append(e.errs, fmt.Sprintf("%s=%q", key, val))
			return
		}
		*dst = n
	}
}

func (e *envReader) getFloat(key string, dst *float64) {
	if val := os.Getenv(key); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Sprintf("%s=%q", key, val))
			return
		}
		*dst = f
	}
}

func (e *envReader) getBool(key string, dst *bool) {
	if val := os.Getenv(key); val != "" {
		*dst = strings.EqualFold(val, "true") || val == "1"
	}
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigSave, "failed to marshal config")
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigSave, "failed to create config directory")
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigSave, "failed to write config file")
	}

	return nil
}

// MaxSizeBytes parses Cache.MaxSize
func (c *Configuration) MaxSizeBytes() (int64, error) {
	return ParseSize(c.Cache.MaxSize)
}

// ParseSize parses a human-readable size such as "512MB"
func ParseSize(s string) (int64, error) {
	n, err := utils.ParseBytes(s)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid size").WithDetail("value", s)
	}
	return n, nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return errors.Newf(errors.ErrCodeConfigValidation, format, args...).WithComponent("config")
	}

	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return invalid("invalid log_level: %s (must be one of: TRACE, DEBUG, INFO, WARN, ERROR)", c.Global.LogLevel)
	}
	if _, err := utils.ParseLogFormat(c.Global.LogFormat); err != nil {
		return invalid("invalid log_format: %s (must be text or json)", c.Global.LogFormat)
	}

	maxSize, err := c.MaxSizeBytes()
	if err != nil {
		return invalid("invalid cache.max_size: %s", c.Cache.MaxSize)
	}
	if maxSize <= 0 {
		return invalid("cache.max_size must be greater than 0")
	}
	if c.Cache.MinFreeMemory < 0 || c.Cache.MinFreeMemory >= 1 {
		return invalid("cache.min_free_memory must be in [0, 1), got %v", c.Cache.MinFreeMemory)
	}
	if c.Cache.EvictionScope != EvictionGlobal && c.Cache.EvictionScope != EvictionArrayFirst {
		return invalid("invalid cache.eviction_scope: %s (must be %s or %s)",
			c.Cache.EvictionScope, EvictionGlobal, EvictionArrayFirst)
	}
	if c.Cache.Workers <= 0 {
		return invalid("cache.workers must be greater than 0")
	}

	if c.Storage.URI == "" {
		return invalid("storage.uri is required")
	}
	for name, v := range map[string]string{
		"download_threshold": c.Storage.DownloadThreshold,
		"download_part_size": c.Storage.DownloadPartSize,
	} {
		if v == "" {
			continue
		}
		if _, err := ParseSize(v); err != nil {
			return invalid("invalid storage.%s: %s", name, v)
		}
	}

	if c.Network.Retry.MaxAttempts <= 0 {
		return invalid("network.retry.max_attempts must be greater than 0")
	}
	if c.Network.RateLimit.RequestsPerSecond < 0 {
		return invalid("network.rate_limit.requests_per_second must not be negative")
	}
	if c.Network.CircuitBreaker.Enabled && c.Network.CircuitBreaker.FailureThreshold <= 0 {
		return invalid("network.circuit_breaker.failure_threshold must be greater than 0")
	}

	if c.Monitoring.Metrics.Enabled && (c.Monitoring.Metrics.Port <= 0 || c.Monitoring.Metrics.Port > 65535) {
		return invalid("monitoring.metrics.port out of range: %d", c.Monitoring.Metrics.Port)
	}

	return nil
}
