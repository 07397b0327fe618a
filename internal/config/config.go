// Package config defines the server configuration file format.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"lsmkv/pkg/metrics"
	"lsmkv/pkg/store"
)

// Config is the root of the YAML configuration.
type Config struct {
	Logger LoggerConfig `yaml:"logger"`
	Server ServerConfig `yaml:"http-server"`
	DB     DBConfig     `yaml:"db"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type DBConfig struct {
	DataDir         string  `yaml:"path"`
	MemtableBytes   uint64  `yaml:"memtable_bytes"`
	MaxFrozen       int     `yaml:"max_frozen_memtables"`
	BlockBytes      int     `yaml:"block_bytes"`
	CacheBytes      uint64  `yaml:"block_cache_bytes"`
	BloomFPRate     float64 `yaml:"bloom_fp_rate"`
	Compression     string  `yaml:"compression"`
	L0Trigger       int     `yaml:"l0_compact_trigger"`
	BaseLevelBytes  int64   `yaml:"base_level_bytes"`
	TableBytes      int64   `yaml:"table_target_bytes"`
	VerifyChecksums bool    `yaml:"verify_checksums"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Addr:              "0.0.0.0",
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		DB: DBConfig{
			DataDir:        "./data",
			MemtableBytes:  4 << 20,
			MaxFrozen:      2,
			BlockBytes:     4096,
			CacheBytes:     32 << 20,
			BloomFPRate:    0.01,
			Compression:    "snappy",
			L0Trigger:      4,
			BaseLevelBytes: 64 << 20,
			TableBytes:     32 << 20,
		},
	}
}

// Load reads the YAML file at path. A missing file yields the default
// config so a bare binary starts without ceremony.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return Default(), nil
		}
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.DB.DataDir == "" {
		return fmt.Errorf("config: db.path is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: http-server.port %d out of range", c.Server.Port)
	}
	if c.DB.BloomFPRate <= 0 || c.DB.BloomFPRate >= 1 {
		return fmt.Errorf("config: db.bloom_fp_rate must be in (0, 1)")
	}
	switch c.DB.Compression {
	case "", "none", "snappy", "zstd":
	default:
		return fmt.Errorf("config: unknown db.compression %q", c.DB.Compression)
	}
	return nil
}

// StoreOptions maps the config onto engine options.
func (c *Config) StoreOptions(mets *metrics.Metrics) store.Options {
	return store.Options{
		Dir:             c.DB.DataDir,
		MemtableSize:    c.DB.MemtableBytes,
		MaxFrozen:       c.DB.MaxFrozen,
		BlockSize:       c.DB.BlockBytes,
		BlockCacheSize:  c.DB.CacheBytes,
		BloomFPRate:     c.DB.BloomFPRate,
		Compression:     c.DB.Compression,
		L0Trigger:       c.DB.L0Trigger,
		BaseLevelSize:   c.DB.BaseLevelBytes,
		TableTargetSize: c.DB.TableBytes,
		VerifyChecksums: c.DB.VerifyChecksums,
	}
}

// LogLevel parses the configured level, defaulting to info.
func (c *Config) LogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Logger.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}
