package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "SOWDB_"

// listKeys are comma-separated when they come from the environment.
var listKeys = map[string]bool{
	"trust.api_keys":     true,
	"trust.guest_tables": true,
}

// flagKeys maps command-line flag names to config keys. Flags not listed
// here map by replacing dashes with underscores.
var flagKeys = map[string]string{
	"http-addr":          "http.addr",
	"grpc-addr":          "grpc.addr",
	"grpc":               "grpc.enabled",
	"default-store":      "storage.default_store",
	"guest-store":        "trust.guest_store",
	"api-key":            "trust.api_keys",
	"require-credential": "trust.require_credential",
	"log-level":          "log.level",
	"log-format":         "log.format",
}

// Load builds the configuration from, in increasing priority: defaults,
// the optional file at path (YAML or JSON), SOWDB_* environment variables,
// and flags explicitly set on flags. The result is resolved and validated.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")
	keys := Keys()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	envNames := make(map[string]string, len(keys))
	for _, key := range keys {
		envNames[EnvName(key)] = key
	}
	err := k.Load(env.ProviderWithValue(EnvPrefix, ".", func(name, value string) (string, interface{}) {
		key, ok := envNames[name]
		if !ok {
			return "", nil
		}
		if listKeys[key] {
			return key, splitList(value)
		}
		return key, value
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	if flags != nil {
		err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if !f.Changed {
				return "", nil
			}
			key, ok := flagKeys[f.Name]
			if !ok {
				key = strings.ReplaceAll(f.Name, "-", "_")
			}
			return key, posflag.FlagVal(flags, f)
		}), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	// Unmarshal over the defaults so unset keys keep their default values.
	cfg := DefaultConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadMap builds a configuration from a flat key map over the defaults.
// It is used by tests and embedders that configure sowdb in code.
func LoadMap(values map[string]interface{}) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(values, "."), nil); err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// EnvName returns the environment variable that sets key.
func EnvName(key string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Keys lists every leaf config key, in declaration order.
func Keys() []string {
	return appendKeys(nil, "", reflect.TypeOf(Config{}))
}

func appendKeys(out []string, prefix string, t reflect.Type) []string {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name := f.Tag.Get("koanf")
		if name == "" {
			continue
		}
		if prefix != "" {
			name = prefix + "." + name
		}
		if f.Type.Kind() == reflect.Struct {
			out = appendKeys(out, name, f.Type)
			continue
		}
		out = append(out, name)
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
