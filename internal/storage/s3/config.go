package s3

import (
	"time"
)

// Config represents S3 source configuration
type Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	// SDK-level retries; the resilient wrapper retries on top of these
	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Objects at least this large are fetched as parallel ranged GETs.
	// Zero disables ranged downloads and the HeadObject that sizes them.
	DownloadThreshold int64 `yaml:"download_threshold"`
	PartSize          int64 `yaml:"part_size"`
	Concurrency       int   `yaml:"concurrency"`
}

// NewDefaultConfig returns a configuration with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Region:            "us-east-1",
		MaxRetries:        3,
		RequestTimeout:    30 * time.Second,
		DownloadThreshold: 32 * 1024 * 1024,
		PartSize:          8 * 1024 * 1024,
		Concurrency:       4,
	}
}

func (c *Config) withDefaults() *Config {
	out := *c
	def := NewDefaultConfig()
	if out.Region == "" {
		out.Region = def.Region
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = def.MaxRetries
	}
	if out.PartSize <= 0 {
		out.PartSize = def.PartSize
	}
	if out.Concurrency <= 0 {
		out.Concurrency = def.Concurrency
	}
	return &out
}
