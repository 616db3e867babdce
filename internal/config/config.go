// Package config provides the layered configuration of the sowdb server.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds the configuration of the sowdb server.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `koanf:"data_dir" json:"data_dir" yaml:"data_dir"`

	HTTP     HTTPConfig     `koanf:"http" json:"http" yaml:"http"`
	GRPC     GRPCConfig     `koanf:"grpc" json:"grpc" yaml:"grpc"`
	Storage  StorageConfig  `koanf:"storage" json:"storage" yaml:"storage"`
	Trust    TrustConfig    `koanf:"trust" json:"trust" yaml:"trust"`
	Query    QueryConfig    `koanf:"query" json:"query" yaml:"query"`
	Registry RegistryConfig `koanf:"registry" json:"registry" yaml:"registry"`
	Archive  ArchiveConfig  `koanf:"archive" json:"archive" yaml:"archive"`
	Stats    StatsConfig    `koanf:"stats" json:"stats" yaml:"stats"`
	Watch    WatchConfig    `koanf:"watch" json:"watch" yaml:"watch"`
	Log      LogConfig      `koanf:"log" json:"log" yaml:"log"`
	Shutdown ShutdownConfig `koanf:"shutdown" json:"shutdown" yaml:"shutdown"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Addr         string        `koanf:"addr" json:"addr" yaml:"addr"`
	ReadTimeout  time.Duration `koanf:"read_timeout" json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout" json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `koanf:"idle_timeout" json:"idle_timeout" yaml:"idle_timeout"`
}

// GRPCConfig holds gRPC server configuration.
type GRPCConfig struct {
	Enabled bool   `koanf:"enabled" json:"enabled" yaml:"enabled"`
	Addr    string `koanf:"addr" json:"addr" yaml:"addr"`
}

// StorageConfig configures the store databases.
type StorageConfig struct {
	// Dir holds one SQLite file per store. Defaults to <data_dir>/stores.
	Dir string `koanf:"dir" json:"dir" yaml:"dir"`

	// BusyTimeout bounds how long a writer waits for a store's lock before
	// the request fails as retryable.
	BusyTimeout time.Duration `koanf:"busy_timeout" json:"busy_timeout" yaml:"busy_timeout"`

	// DefaultStore receives authenticated writes that name no store.
	DefaultStore string `koanf:"default_store" json:"default_store" yaml:"default_store"`

	MaxOpenConns int `koanf:"max_open_conns" json:"max_open_conns" yaml:"max_open_conns"`
}

// TrustConfig configures caller tiers.
type TrustConfig struct {
	// APIKeys are "name:secret", a bare secret, or "name:bcrypt:<hash>".
	APIKeys []string `koanf:"api_keys" json:"api_keys" yaml:"api_keys"`

	GuestStore        string   `koanf:"guest_store" json:"guest_store" yaml:"guest_store"`
	GuestTables       []string `koanf:"guest_tables" json:"guest_tables" yaml:"guest_tables"`
	MaxBodyBytes      int64    `koanf:"max_body_bytes" json:"max_body_bytes" yaml:"max_body_bytes"`
	GuestMaxBodyBytes int64    `koanf:"guest_max_body_bytes" json:"guest_max_body_bytes" yaml:"guest_max_body_bytes"`
	GuestReads        bool     `koanf:"guest_reads" json:"guest_reads" yaml:"guest_reads"`
	RequireCredential bool     `koanf:"require_credential" json:"require_credential" yaml:"require_credential"`
}

// QueryConfig holds read pagination limits.
type QueryConfig struct {
	DefaultLimit int `koanf:"default_limit" json:"default_limit" yaml:"default_limit"`
	MaxLimit     int `koanf:"max_limit" json:"max_limit" yaml:"max_limit"`
}

// RegistryConfig configures the audit registry.
type RegistryConfig struct {
	Enabled bool `koanf:"enabled" json:"enabled" yaml:"enabled"`
	// Path defaults to <data_dir>/registry.db.
	Path string `koanf:"path" json:"path" yaml:"path"`
}

// ArchiveConfig configures the raw-body archive.
type ArchiveConfig struct {
	Enabled bool `koanf:"enabled" json:"enabled" yaml:"enabled"`

	// Type is the storage type: local, s3
	Type string `koanf:"type" json:"type" yaml:"type"`

	// Path is the local storage path. Defaults to <data_dir>/archive.
	Path string `koanf:"path" json:"path" yaml:"path"`

	S3 S3Config `koanf:"s3" json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `koanf:"bucket" json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `koanf:"region" json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `koanf:"endpoint" json:"endpoint" yaml:"endpoint"`

	UsePathStyle bool `koanf:"use_path_style" json:"use_path_style" yaml:"use_path_style"`
}

// StatsConfig configures per-table usage counters.
type StatsConfig struct {
	Enabled bool `koanf:"enabled" json:"enabled" yaml:"enabled"`
	// Window is how long an idle table or column stays in the counters.
	Window time.Duration `koanf:"window" json:"window" yaml:"window"`
	// PruneInterval is how often idle entries are dropped.
	PruneInterval time.Duration `koanf:"prune_interval" json:"prune_interval" yaml:"prune_interval"`
}

// WatchConfig configures live commit streams.
type WatchConfig struct {
	Enabled bool `koanf:"enabled" json:"enabled" yaml:"enabled"`
	// Buffer is the number of events held per watcher before events are
	// dropped for it.
	Buffer int `koanf:"buffer" json:"buffer" yaml:"buffer"`
}

// LogConfig configures the root logger.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `koanf:"level" json:"level" yaml:"level"`
	// Format is text (colourised on terminals) or json.
	Format string `koanf:"format" json:"format" yaml:"format"`
}

// ShutdownConfig bounds graceful shutdown.
type ShutdownConfig struct {
	Timeout      time.Duration `koanf:"timeout" json:"timeout" yaml:"timeout"`
	DrainTimeout time.Duration `koanf:"drain_timeout" json:"drain_timeout" yaml:"drain_timeout"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/sowdb",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		GRPC: GRPCConfig{
			Enabled: false,
			Addr:    ":9090",
		},
		Storage: StorageConfig{
			BusyTimeout:  5 * time.Second,
			DefaultStore: "main",
			MaxOpenConns: 4,
		},
		Trust: TrustConfig{
			GuestStore:        "public",
			GuestTables:       []string{"contact", "feedback", "generic_input"},
			MaxBodyBytes:      1 << 20,
			GuestMaxBodyBytes: 64 << 10,
		},
		Query: QueryConfig{
			DefaultLimit: 100,
			MaxLimit:     1000,
		},
		Registry: RegistryConfig{
			Enabled: true,
		},
		Archive: ArchiveConfig{
			Type: "local",
		},
		Stats: StatsConfig{
			Enabled:       true,
			Window:        time.Hour,
			PruneInterval: 5 * time.Minute,
		},
		Watch: WatchConfig{
			Enabled: true,
			Buffer:  256,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Shutdown: ShutdownConfig{
			Timeout:      30 * time.Second,
			DrainTimeout: 15 * time.Second,
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/sowdb"
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = filepath.Join(c.DataDir, "stores")
	}
	if c.Registry.Path == "" {
		c.Registry.Path = filepath.Join(c.DataDir, "registry.db")
	}
	if c.Archive.Path == "" {
		c.Archive.Path = filepath.Join(c.DataDir, "archive")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if c.GRPC.Enabled && c.GRPC.Addr == "" {
		return fmt.Errorf("grpc.addr is required when grpc is enabled")
	}
	if c.Storage.BusyTimeout <= 0 {
		return fmt.Errorf("storage.busy_timeout must be positive, got %s", c.Storage.BusyTimeout)
	}
	if strings.TrimSpace(c.Storage.DefaultStore) == "" {
		return fmt.Errorf("storage.default_store is required")
	}
	if strings.TrimSpace(c.Trust.GuestStore) == "" {
		return fmt.Errorf("trust.guest_store is required")
	}
	if c.Trust.MaxBodyBytes <= 0 {
		return fmt.Errorf("trust.max_body_bytes must be positive, got %d", c.Trust.MaxBodyBytes)
	}
	if c.Trust.GuestMaxBodyBytes > c.Trust.MaxBodyBytes {
		return fmt.Errorf("trust.guest_max_body_bytes (%d) exceeds trust.max_body_bytes (%d)",
			c.Trust.GuestMaxBodyBytes, c.Trust.MaxBodyBytes)
	}
	if c.Query.MaxLimit < 1 {
		return fmt.Errorf("query.max_limit must be at least 1, got %d", c.Query.MaxLimit)
	}
	if c.Query.DefaultLimit < 1 || c.Query.DefaultLimit > c.Query.MaxLimit {
		return fmt.Errorf("query.default_limit must be between 1 and %d, got %d", c.Query.MaxLimit, c.Query.DefaultLimit)
	}
	if c.Archive.Enabled {
		if c.Archive.Type != "local" && c.Archive.Type != "s3" {
			return fmt.Errorf("invalid archive type: %s (must be local or s3)", c.Archive.Type)
		}
		if c.Archive.Type == "s3" && c.Archive.S3.Bucket == "" {
			return fmt.Errorf("archive.s3.bucket is required when archive type is s3")
		}
	}
	if c.Stats.Enabled && (c.Stats.Window <= 0 || c.Stats.PruneInterval <= 0) {
		return fmt.Errorf("stats.window and stats.prune_interval must be positive")
	}
	if c.Watch.Enabled && c.Watch.Buffer < 1 {
		return fmt.Errorf("watch.buffer must be at least 1, got %d", c.Watch.Buffer)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Log.Format)
	}
	return nil
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("invalid log level: %s (must be debug, info, warn or error)", l.Level)
	}
	return level, nil
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir, c.Storage.Dir}
	if c.Registry.Enabled {
		dirs = append(dirs, filepath.Dir(c.Registry.Path))
	}
	if c.Archive.Enabled && c.Archive.Type == "local" {
		dirs = append(dirs, c.Archive.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
