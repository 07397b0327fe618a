package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config failed: %v", err)
	}
	return path
}

func TestLoadMissingFileUsesDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := Default()
	if cfg.Server.Port != want.Server.Port || cfg.DB.DataDir != want.DB.DataDir {
		t.Fatalf("missing file did not yield defaults: %+v", cfg)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
logger:
  level: DEBUG
  json: true
http-server:
  addr: 127.0.0.1
  port: 9090
  shutdown_timeout: 30s
db:
  path: /var/lib/lsmkv
  memtable_bytes: 1048576
  compression: zstd
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1" || cfg.Server.Port != 9090 {
		t.Fatalf("server config not applied: %+v", cfg.Server)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Fatalf("shutdown_timeout = %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.DB.DataDir != "/var/lib/lsmkv" || cfg.DB.MemtableBytes != 1<<20 {
		t.Fatalf("db config not applied: %+v", cfg.DB)
	}
	if cfg.DB.Compression != "zstd" {
		t.Fatalf("compression = %q", cfg.DB.Compression)
	}
	// untouched fields keep their defaults
	if cfg.DB.BloomFPRate != Default().DB.BloomFPRate {
		t.Fatalf("bloom_fp_rate lost its default: %v", cfg.DB.BloomFPRate)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "db: [not a mapping")
	if _, err := Load(path); err == nil {
		t.Fatal("malformed YAML accepted")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"EmptyDataDir", func(c *Config) { c.DB.DataDir = "" }},
		{"PortZero", func(c *Config) { c.Server.Port = 0 }},
		{"PortTooHigh", func(c *Config) { c.Server.Port = 70000 }},
		{"FPRateZero", func(c *Config) { c.DB.BloomFPRate = 0 }},
		{"FPRateOne", func(c *Config) { c.DB.BloomFPRate = 1 }},
		{"UnknownCompression", func(c *Config) { c.DB.Compression = "lz4" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("invalid config accepted")
			}
		})
	}

	valid := Default()
	if err := valid.Validate(); err != nil {
		t.Fatalf("default config rejected: %v", err)
	}
}

func TestStoreOptionsMapping(t *testing.T) {
	cfg := Default()
	cfg.DB.DataDir = "/tmp/x"
	cfg.DB.L0Trigger = 8

	opts := cfg.StoreOptions(nil)
	if opts.Dir != "/tmp/x" || opts.L0Trigger != 8 {
		t.Fatalf("options not mapped: %+v", opts)
	}
	if opts.Compression != cfg.DB.Compression {
		t.Fatalf("compression not mapped: %q", opts.Compression)
	}
}

func TestLogLevel(t *testing.T) {
	cfg := Default()
	cfg.Logger.Level = "ERROR"
	if got := cfg.LogLevel(); got != slog.LevelError {
		t.Fatalf("LogLevel = %v", got)
	}
	cfg.Logger.Level = "bogus"
	if got := cfg.LogLevel(); got != slog.LevelInfo {
		t.Fatalf("unknown level did not default to info: %v", got)
	}
}
