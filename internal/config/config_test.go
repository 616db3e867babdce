package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, filepath.Join("data", "sowdb", "stores"), filepath.Clean(cfg.Storage.Dir))
	assert.Equal(t, filepath.Join("data", "sowdb", "registry.db"), filepath.Clean(cfg.Registry.Path))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no http addr", func(c *Config) { c.HTTP.Addr = "" }},
		{"grpc without addr", func(c *Config) { c.GRPC.Enabled = true; c.GRPC.Addr = "" }},
		{"zero busy timeout", func(c *Config) { c.Storage.BusyTimeout = 0 }},
		{"blank default store", func(c *Config) { c.Storage.DefaultStore = "  " }},
		{"no guest store", func(c *Config) { c.Trust.GuestStore = "" }},
		{"guest ceiling above max", func(c *Config) { c.Trust.GuestMaxBodyBytes = c.Trust.MaxBodyBytes + 1 }},
		{"default limit above max", func(c *Config) { c.Query.DefaultLimit = c.Query.MaxLimit + 1 }},
		{"bad archive type", func(c *Config) { c.Archive.Enabled = true; c.Archive.Type = "ftp" }},
		{"s3 without bucket", func(c *Config) { c.Archive.Enabled = true; c.Archive.Type = "s3" }},
		{"zero stats window", func(c *Config) { c.Stats.Window = 0 }},
		{"zero watch buffer", func(c *Config) { c.Watch.Buffer = 0 }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Resolve()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadLayers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sowdb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: `+dir+`
http:
  addr: ":7000"
  read_timeout: 10s
storage:
  default_store: fromfile
trust:
  api_keys: ["ops:one"]
  guest_tables: [contact]
query:
  max_limit: 500
`), 0o644))

	t.Setenv("SOWDB_STORAGE_DEFAULT_STORE", "fromenv")
	t.Setenv("SOWDB_TRUST_API_KEYS", "ops:one, ci:two")
	t.Setenv("SOWDB_QUERY_DEFAULT_LIMIT", "25")
	t.Setenv("SOWDB_UNKNOWN_THING", "ignored")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("http-addr", ":8080", "")
	flags.String("log-level", "info", "")
	require.NoError(t, flags.Parse([]string{"--log-level=debug"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)

	// file
	assert.Equal(t, ":7000", cfg.HTTP.Addr, "unchanged flag must not override the file")
	assert.Equal(t, 10*time.Second, cfg.HTTP.ReadTimeout)
	assert.Equal(t, []string{"contact"}, cfg.Trust.GuestTables)
	assert.Equal(t, 500, cfg.Query.MaxLimit)
	// env
	assert.Equal(t, "fromenv", cfg.Storage.DefaultStore)
	assert.Equal(t, []string{"ops:one", "ci:two"}, cfg.Trust.APIKeys)
	assert.Equal(t, 25, cfg.Query.DefaultLimit)
	// flag
	assert.Equal(t, "debug", cfg.Log.Level)
	// defaults and resolution
	assert.Equal(t, 60*time.Second, cfg.HTTP.WriteTimeout)
	assert.Equal(t, "public", cfg.Trust.GuestStore)
	assert.Equal(t, filepath.Join(dir, "stores"), cfg.Storage.Dir)
}

func TestLoadJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sowdb.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"grpc": {"enabled": true, "addr": ":9999"}}`), 0o644))

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.True(t, cfg.GRPC.Enabled)
	assert.Equal(t, ":9999", cfg.GRPC.Addr)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("query:\n  max_limit: 0\n"), 0o644))
	_, err = Load(path, nil)
	assert.ErrorContains(t, err, "query.max_limit")
}

func TestLoadMap(t *testing.T) {
	cfg, err := LoadMap(map[string]interface{}{
		"data_dir":             "/tmp/sow",
		"trust.guest_reads":    true,
		"archive.enabled":      true,
		"archive.type":         "s3",
		"archive.s3.bucket":    "raw",
		"storage.busy_timeout": "250ms",
	})
	require.NoError(t, err)
	assert.True(t, cfg.Trust.GuestReads)
	assert.Equal(t, "raw", cfg.Archive.S3.Bucket)
	assert.Equal(t, 250*time.Millisecond, cfg.Storage.BusyTimeout)
	assert.Equal(t, filepath.Join("/tmp/sow", "archive"), cfg.Archive.Path)
}

func TestKeysAndEnvNames(t *testing.T) {
	keys := Keys()
	assert.Contains(t, keys, "http.addr")
	assert.Contains(t, keys, "archive.s3.use_path_style")
	assert.NotContains(t, keys, "archive.s3")
	assert.Equal(t, "SOWDB_TRUST_GUEST_MAX_BODY_BYTES", EnvName("trust.guest_max_body_bytes"))
}

func TestSlogLevel(t *testing.T) {
	lvl, err := LogConfig{Level: "warn"}.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, "WARN", lvl.String())
}
