package core

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds runtime configuration for the service worker runtime.
type Config struct {
	DatabasePath    string       `yaml:"database_path"`
	AllowedDomains  []string     `yaml:"allowed_domains"`
	StreamChunkSize int          `yaml:"stream_chunk_size"` // bytes per blob write while installing
	Fetch           FetchConfig  `yaml:"fetch"`
	JSHost          JSHostConfig `yaml:"jshost"`
	Log             LogConfig    `yaml:"log"`
}

// FetchConfig configures the fetch engine.
type FetchConfig struct {
	Timeout               time.Duration `yaml:"timeout"`
	MaxRedirects          int           `yaml:"max_redirects"`
	MaxResponseBytes      int64         `yaml:"max_response_bytes"`
	AllowPrivateAddresses bool          `yaml:"allow_private_addresses"`
	UserAgent             string        `yaml:"user_agent"`
	PreflightCacheTTL     time.Duration `yaml:"preflight_cache_ttl"` // upper bound for Access-Control-Max-Age
	CachePath             string        `yaml:"cache_path"`          // empty disables the HTTP cache
	CacheMaxEntryBytes    int64         `yaml:"cache_max_entry_bytes"`
}

// JSHostConfig configures the QuickJS event host.
type JSHostConfig struct {
	MemoryLimitMB int           `yaml:"memory_limit_mb"`
	EventTimeout  time.Duration `yaml:"event_timeout"`
}

// LogConfig selects the zap level and encoding.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	DefaultStreamChunkSize    = 32 * 1024
	DefaultFetchTimeout       = 30 * time.Second
	DefaultMaxRedirects       = 20
	DefaultMaxResponseBytes   = 32 << 20
	DefaultUserAgent          = "serviceworker/1.0"
	DefaultPreflightCacheTTL  = 10 * time.Minute
	DefaultCacheMaxEntryBytes = 4 << 20
	DefaultMemoryLimitMB      = 64
	DefaultEventTimeout       = 30 * time.Second
)

// DefaultConfig returns the production defaults. The allow-list is empty,
// so nothing can be registered until domains are configured.
func DefaultConfig() Config {
	return Config{
		DatabasePath:    "serviceworkers.db",
		StreamChunkSize: DefaultStreamChunkSize,
		Fetch: FetchConfig{
			Timeout:            DefaultFetchTimeout,
			MaxRedirects:       DefaultMaxRedirects,
			MaxResponseBytes:   DefaultMaxResponseBytes,
			UserAgent:          DefaultUserAgent,
			PreflightCacheTTL:  DefaultPreflightCacheTTL,
			CacheMaxEntryBytes: DefaultCacheMaxEntryBytes,
		},
		JSHost: JSHostConfig{
			MemoryLimitMB: DefaultMemoryLimitMB,
			EventTimeout:  DefaultEventTimeout,
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// LoadConfig reads a YAML config file. Keys absent from the file keep
// their DefaultConfig values.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML bytes on top of DefaultConfig and validates the result.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field ranges and reports the first offending key.
func (c Config) Validate() error {
	if c.StreamChunkSize <= 0 {
		return errors.New("stream_chunk_size: must be positive")
	}
	for i, d := range c.AllowedDomains {
		if strings.TrimSpace(d) == "" {
			return fmt.Errorf("allowed_domains[%d]: must not be empty", i)
		}
	}
	if c.Fetch.Timeout <= 0 {
		return errors.New("fetch.timeout: must be positive")
	}
	if c.Fetch.MaxRedirects < 0 {
		return errors.New("fetch.max_redirects: must not be negative")
	}
	if c.Fetch.MaxResponseBytes <= 0 {
		return errors.New("fetch.max_response_bytes: must be positive")
	}
	if c.Fetch.PreflightCacheTTL < 0 {
		return errors.New("fetch.preflight_cache_ttl: must not be negative")
	}
	if c.Fetch.CacheMaxEntryBytes < 0 {
		return errors.New("fetch.cache_max_entry_bytes: must not be negative")
	}
	if c.JSHost.MemoryLimitMB < 0 {
		return errors.New("jshost.memory_limit_mb: must not be negative")
	}
	if c.JSHost.EventTimeout <= 0 {
		return errors.New("jshost.event_timeout: must be positive")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level: unknown level %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}
	return nil
}
