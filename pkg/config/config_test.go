package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.DeltaEngine != "chunked" {
		t.Errorf("Expected default engine 'chunked', got '%s'", cfg.DeltaEngine)
	}

	if cfg.Compression != "zstd" {
		t.Errorf("Expected default compression 'zstd', got '%s'", cfg.Compression)
	}

	if cfg.HashAlgo != "sha256" {
		t.Errorf("Expected default hash algo 'sha256', got '%s'", cfg.HashAlgo)
	}

	if cfg.SnapshotInterval != 0 {
		t.Errorf("Expected snapshot interval 0, got %d", cfg.SnapshotInterval)
	}

	if !cfg.Sanitize.StripAds {
		t.Error("Expected StripAds to be true by default")
	}

	if cfg.Fetch.Workers != 4 {
		t.Errorf("Expected 4 workers, got %d", cfg.Fetch.Workers)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PAGEKEEPER_DELTA_ENGINE", "bsdiff")
	t.Setenv("PAGEKEEPER_COMPRESSION", "xz")
	t.Setenv("PAGEKEEPER_HASH_ALGO", "blake3")
	t.Setenv("PAGEKEEPER_SNAPSHOT_INTERVAL", "20")
	t.Setenv("PAGEKEEPER_INTERVAL", "15m")
	t.Setenv("PAGEKEEPER_WORKERS", "8")
	t.Setenv("PAGEKEEPER_FETCH_TIMEOUT", "5s")
	t.Setenv("PAGEKEEPER_MAX_BODY_MB", "2")
	t.Setenv("PAGEKEEPER_STRIP_ADS", "false")
	t.Setenv("PAGEKEEPER_STRICT_SANITIZE", "1")

	cfg := LoadFromEnv()

	if cfg.DeltaEngine != "bsdiff" {
		t.Errorf("Expected engine 'bsdiff', got '%s'", cfg.DeltaEngine)
	}

	if cfg.Compression != "xz" {
		t.Errorf("Expected compression 'xz', got '%s'", cfg.Compression)
	}

	if cfg.HashAlgo != "blake3" {
		t.Errorf("Expected hash algo 'blake3', got '%s'", cfg.HashAlgo)
	}

	if cfg.SnapshotInterval != 20 {
		t.Errorf("Expected snapshot interval 20, got %d", cfg.SnapshotInterval)
	}

	if cfg.Interval != 15*time.Minute {
		t.Errorf("Expected interval 15m, got %s", cfg.Interval)
	}

	if cfg.Fetch.Workers != 8 || cfg.Fetch.Timeout != 5*time.Second {
		t.Errorf("Unexpected fetch config %+v", cfg.Fetch)
	}

	if cfg.Fetch.MaxBodyBytes != 2*1024*1024 {
		t.Errorf("Expected max body 2MB, got %d", cfg.Fetch.MaxBodyBytes)
	}

	if cfg.Sanitize.StripAds || !cfg.Sanitize.Strict {
		t.Errorf("Unexpected sanitize config %+v", cfg.Sanitize)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pagekeeper.yaml")
	content := `
state_dir: /var/lib/pagekeeper
delta_engine: bsdiff
snapshot_interval: 10
interval: 30m
fetch:
  workers: 2
  timeout: 10s
sanitize:
  strict: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PAGEKEEPER_SNAPSHOT_INTERVAL", "5")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.StateDir != "/var/lib/pagekeeper" || cfg.DeltaEngine != "bsdiff" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.SnapshotInterval != 5 {
		t.Errorf("env override not applied, got %d", cfg.SnapshotInterval)
	}
	if cfg.Interval != 30*time.Minute || cfg.Fetch.Timeout != 10*time.Second || cfg.Fetch.Workers != 2 {
		t.Errorf("durations not decoded: %+v", cfg)
	}
	if cfg.Compression != "zstd" || cfg.Fetch.UserAgent == "" {
		t.Errorf("defaults lost: %+v", cfg)
	}
	if !cfg.Sanitize.Strict || !cfg.Sanitize.StripAds {
		t.Errorf("sanitize = %+v", cfg.Sanitize)
	}

	if _, err := LoadFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid default config", func(*Config) {}, false},
		{"invalid engine", func(c *Config) { c.DeltaEngine = "xdelta" }, true},
		{"invalid compression", func(c *Config) { c.Compression = "gzip" }, true},
		{"invalid hash algo", func(c *Config) { c.HashAlgo = "md5" }, true},
		{"negative snapshot interval", func(c *Config) { c.SnapshotInterval = -1 }, true},
		{"snapshot every version", func(c *Config) { c.SnapshotInterval = 1 }, false},
		{"zero interval", func(c *Config) { c.Interval = 0 }, true},
		{"empty state dir", func(c *Config) { c.StateDir = "" }, true},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, true},
		{"no workers", func(c *Config) { c.Fetch.Workers = 0 }, true},
		{"rate limit without burst", func(c *Config) { c.Fetch.Burst = 0 }, true},
		{"unlimited rate", func(c *Config) { c.Fetch.RateLimit = 0; c.Fetch.Burst = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCacheBytes(t *testing.T) {
	cfg := &Config{CacheMB: 4}
	expected := int64(4 * 1024 * 1024)

	if got := cfg.CacheBytes(); got != expected {
		t.Errorf("CacheBytes() = %d, want %d", got, expected)
	}
}

func TestParseSites(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		ext     string
		want    []Site
		wantErr bool
	}{
		{
			name: "json strings",
			data: `["https://Example.com", "https://blog.example.com/post#top"]`,
			ext:  ".json",
			want: []Site{
				{URL: "https://example.com/"},
				{URL: "https://blog.example.com/post", Subdomain: "blog"},
			},
		},
		{
			name: "json objects",
			data: `[{"url": "http://www.example.org/a?b=1", "subdomain": "main"}]`,
			ext:  ".json",
			want: []Site{{URL: "http://www.example.org/a?b=1", Subdomain: "main"}},
		},
		{
			name: "yaml mixed",
			data: "- https://example.com/\n- url: https://news.example.com\n",
			ext:  ".yaml",
			want: []Site{
				{URL: "https://example.com/"},
				{URL: "https://news.example.com/", Subdomain: "news"},
			},
		},
		{
			name: "duplicates collapse",
			data: `["https://example.com", "https://EXAMPLE.com/"]`,
			ext:  ".json",
			want: []Site{{URL: "https://example.com/"}},
		},
		{
			name: "ip host has no subdomain",
			data: `["http://127.0.0.1:8080"]`,
			ext:  ".json",
			want: []Site{{URL: "http://127.0.0.1:8080/"}},
		},
		{name: "relative url", data: `["/just/a/path"]`, ext: ".json", wantErr: true},
		{name: "ftp url", data: `["ftp://example.com/"]`, ext: ".json", wantErr: true},
		{name: "number entry", data: `[42]`, ext: ".json", wantErr: true},
		{name: "malformed json", data: `["https://example.com"`, ext: ".json", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSites([]byte(tt.data), tt.ext)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSites() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ParseSites() = %+v, want %+v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("site %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestWatchSitesReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sites.json")
	if err := os.WriteFile(path, []byte(`["https://example.com"]`), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, err := WatchSites(ctx, path, nil)
	if err != nil {
		t.Fatalf("WatchSites: %v", err)
	}

	if err := os.WriteFile(path, []byte(`["https://example.com", "https://example.net"]`), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case sites := <-updates:
		if len(sites) != 2 {
			t.Fatalf("reloaded %d sites, want 2", len(sites))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after the sites file changed")
	}

	cancel()
	for range updates {
	}
}
