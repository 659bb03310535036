package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseConfigKeepsDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
allowed_domains: ["x", "*.example.com"]
fetch:
  timeout: 5s
  allow_private_addresses: true
`))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Fetch.Timeout != 5*time.Second {
		t.Errorf("Fetch.Timeout = %v, want 5s", cfg.Fetch.Timeout)
	}
	if !cfg.Fetch.AllowPrivateAddresses {
		t.Error("Fetch.AllowPrivateAddresses = false, want true")
	}
	if cfg.StreamChunkSize != DefaultStreamChunkSize {
		t.Errorf("StreamChunkSize = %d, want default %d", cfg.StreamChunkSize, DefaultStreamChunkSize)
	}
	if cfg.Fetch.MaxRedirects != DefaultMaxRedirects {
		t.Errorf("Fetch.MaxRedirects = %d, want default %d", cfg.Fetch.MaxRedirects, DefaultMaxRedirects)
	}
	if len(cfg.AllowedDomains) != 2 || cfg.AllowedDomains[1] != "*.example.com" {
		t.Errorf("AllowedDomains = %v", cfg.AllowedDomains)
	}
}

func TestParseConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"chunk size", "stream_chunk_size: -1", "stream_chunk_size"},
		{"empty domain", `allowed_domains: ["ok", " "]`, "allowed_domains[1]"},
		{"timeout", "fetch:\n  timeout: 0s", "fetch.timeout"},
		{"redirects", "fetch:\n  max_redirects: -2", "fetch.max_redirects"},
		{"event timeout", "jshost:\n  event_timeout: 0s", "jshost.event_timeout"},
		{"log level", "log:\n  level: loud", "log.level"},
		{"log format", "log:\n  format: xml", "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			if err == nil {
				t.Fatalf("ParseConfig(%q) succeeded, want error", tt.yaml)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sw.yaml")
	if err := os.WriteFile(path, []byte("database_path: /tmp/sw.db\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.DatabasePath != "/tmp/sw.db" {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath)
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadConfig on missing file succeeded")
	}
}
