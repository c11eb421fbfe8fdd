package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Config holds configuration for the archiver
type Config struct {
	// StateDir is the Pebble directory holding every chain
	StateDir string `yaml:"state_dir"`

	// SitesFile lists the pages to archive
	SitesFile string `yaml:"sites_file"`

	// DeltaEngine selects the diff algorithm ("chunked" or "bsdiff")
	DeltaEngine string `yaml:"delta_engine"`

	// Compression selects the payload codec ("zstd", "xz" or "none")
	Compression string `yaml:"compression"`

	// HashAlgo specifies the content digest ("sha256" or "blake3")
	HashAlgo string `yaml:"hash_algo"`

	// SnapshotInterval stores a full snapshot every N versions (0 = never after the first)
	SnapshotInterval int `yaml:"snapshot_interval"`

	// CacheMB bounds the in-memory cache of materialized versions (0 disables it)
	CacheMB int `yaml:"cache_mb"`

	// Interval is the pause between archive cycles in run mode
	Interval time.Duration `yaml:"interval"`

	// MetricsAddr serves Prometheus metrics when non-empty
	MetricsAddr string `yaml:"metrics_addr"`

	// ListenAddr is the address of the read-only browser
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel and LogFormat configure structured logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Fetch    FetchConfig    `yaml:"fetch"`
	Sanitize SanitizeConfig `yaml:"sanitize"`
}

// FetchConfig captures HTTP fetch behaviour
type FetchConfig struct {
	Workers      int           `yaml:"workers"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	UserAgent    string        `yaml:"user_agent"`
	RateLimit    float64       `yaml:"rate_limit"` // requests per second across all workers, 0 = unlimited
	Burst        int           `yaml:"burst"`
}

// SanitizeConfig captures what is removed from pages before they are stored
type SanitizeConfig struct {
	StripAds bool `yaml:"strip_ads"`
	Strict   bool `yaml:"strict"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		StateDir:         "pagekeeper-data",
		SitesFile:        "sites.json",
		DeltaEngine:      "chunked",
		Compression:      "zstd",
		HashAlgo:         "sha256",
		SnapshotInterval: 0,
		CacheMB:          64,
		Interval:         time.Hour,
		ListenAddr:       "127.0.0.1:8080",
		LogLevel:         "info",
		LogFormat:        "text",
		Fetch:            defaultFetchConfig(),
		Sanitize:         SanitizeConfig{StripAds: true},
	}
}

func defaultFetchConfig() FetchConfig {
	return FetchConfig{
		Workers:      4,
		Timeout:      30 * time.Second,
		MaxBodyBytes: 16 * 1024 * 1024,
		UserAgent:    "pagekeeper/1.0 (+https://github.com/saworbit/pagekeeper)",
		RateLimit:    2,
		Burst:        4,
	}
}

// LoadFile reads a YAML configuration on top of the defaults and then
// applies environment overrides.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	cfg := DefaultConfig()
	applyEnv(cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PAGEKEEPER_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}

	if v := os.Getenv("PAGEKEEPER_SITES_FILE"); v != "" {
		cfg.SitesFile = v
	}

	if v := os.Getenv("PAGEKEEPER_DELTA_ENGINE"); v != "" {
		cfg.DeltaEngine = v
	}

	if v := os.Getenv("PAGEKEEPER_COMPRESSION"); v != "" {
		cfg.Compression = v
	}

	if v := os.Getenv("PAGEKEEPER_HASH_ALGO"); v != "" {
		cfg.HashAlgo = v
	}

	if v := os.Getenv("PAGEKEEPER_SNAPSHOT_INTERVAL"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.SnapshotInterval = i
		}
	}

	if v := os.Getenv("PAGEKEEPER_CACHE_MB"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.CacheMB = i
		}
	}

	if v := os.Getenv("PAGEKEEPER_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Interval = d
		}
	}

	if v := os.Getenv("PAGEKEEPER_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}

	if v := os.Getenv("PAGEKEEPER_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}

	if v := os.Getenv("PAGEKEEPER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("PAGEKEEPER_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	cfg.Fetch = loadFetchConfigFromEnv(cfg.Fetch)

	if v := os.Getenv("PAGEKEEPER_STRIP_ADS"); v != "" {
		cfg.Sanitize.StripAds = v == "1" || v == "true" || v == "TRUE"
	}
	if v := os.Getenv("PAGEKEEPER_STRICT_SANITIZE"); v != "" {
		cfg.Sanitize.Strict = v == "1" || v == "true" || v == "TRUE"
	}
}

func loadFetchConfigFromEnv(cfg FetchConfig) FetchConfig {
	if v := os.Getenv("PAGEKEEPER_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers = n
		}
	}
	if v := os.Getenv("PAGEKEEPER_FETCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Timeout = d
		}
	}
	if v := os.Getenv("PAGEKEEPER_MAX_BODY_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxBodyBytes = int64(n) * 1024 * 1024
		}
	}
	if v := os.Getenv("PAGEKEEPER_USER_AGENT"); v != "" {
		cfg.UserAgent = v
	}
	if v := os.Getenv("PAGEKEEPER_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimit = f
		}
	}
	return cfg
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state dir must be set")
	}

	if c.DeltaEngine != "chunked" && c.DeltaEngine != "bsdiff" {
		return fmt.Errorf("invalid delta engine: %s (must be 'chunked' or 'bsdiff')", c.DeltaEngine)
	}

	if c.Compression != "zstd" && c.Compression != "xz" && c.Compression != "none" {
		return fmt.Errorf("invalid compression: %s (must be 'zstd', 'xz' or 'none')", c.Compression)
	}

	if c.HashAlgo != "sha256" && c.HashAlgo != "blake3" {
		return fmt.Errorf("invalid hash algorithm: %s (must be 'sha256' or 'blake3')", c.HashAlgo)
	}

	if c.SnapshotInterval < 0 {
		return fmt.Errorf("snapshot interval must not be negative, got: %d", c.SnapshotInterval)
	}

	if c.CacheMB < 0 {
		return fmt.Errorf("cache size must not be negative, got: %d", c.CacheMB)
	}

	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got: %s", c.Interval)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be 'text' or 'json')", c.LogFormat)
	}

	if err := c.Fetch.Validate(); err != nil {
		return fmt.Errorf("fetch config invalid: %w", err)
	}

	return nil
}

// Validate ensures fetch settings are usable
func (c FetchConfig) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0")
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("max body size must be positive")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate limit must be >= 0")
	}
	if c.RateLimit > 0 && c.Burst <= 0 {
		return fmt.Errorf("burst must be positive when rate limiting")
	}
	return nil
}

// CacheBytes returns the materialize cache size in bytes
func (c *Config) CacheBytes() int64 {
	return int64(c.CacheMB) * 1024 * 1024
}
