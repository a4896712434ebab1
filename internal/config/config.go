// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads authd configuration from defaults, a YAML file,
// AUTHD_ environment variables and command-line flags, in that order.
package config

import (
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/holomush/authd/internal/auth"
)

// EnvPrefix is stripped from environment variables. A double underscore
// separates nested keys: AUTHD_JWT__SIGNING_KEY sets jwt.signing_key.
const EnvPrefix = "AUTHD_"

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

const redacted = "[REDACTED]"

// Config is the complete authd configuration.
type Config struct {
	HTTP    HTTPConfig          `koanf:"http" json:"http" yaml:"http"`
	Metrics MetricsConfig       `koanf:"metrics" json:"metrics" yaml:"metrics"`
	Log     LogConfig           `koanf:"log" json:"log" yaml:"log"`
	Store   StoreConfig         `koanf:"store" json:"store" yaml:"store"`
	JWT     auth.TokenConfig    `koanf:"jwt" json:"jwt" yaml:"jwt"`
	Hasher  auth.Argon2Params   `koanf:"hasher" json:"hasher" yaml:"hasher"`
	Login   auth.ThrottlePolicy `koanf:"login" json:"login" yaml:"login"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr string `koanf:"addr" json:"addr" yaml:"addr"`
}

// MetricsConfig configures the metrics and health listener. An empty
// address disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr" json:"addr" yaml:"addr"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Format string `koanf:"format" json:"format" yaml:"format" jsonschema:"enum=json,enum=text"`
	Level  string `koanf:"level" json:"level" yaml:"level"`
}

// StoreConfig selects and configures user storage.
type StoreConfig struct {
	Driver         string `koanf:"driver" json:"driver" yaml:"driver" jsonschema:"enum=postgres,enum=memory"`
	DatabaseURL    string `koanf:"database_url" json:"database_url,omitempty" yaml:"database_url,omitempty"`
	ConnectRetries uint64 `koanf:"connect_retries" json:"connect_retries" yaml:"connect_retries"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTP:    HTTPConfig{Addr: "127.0.0.1:8080"},
		Metrics: MetricsConfig{Addr: "127.0.0.1:9100"},
		Log:     LogConfig{Format: "json", Level: "info"},
		Store: StoreConfig{
			Driver:         DriverPostgres,
			ConnectRetries: 5,
		},
		JWT: auth.TokenConfig{
			AccessTokenTTL:  auth.DefaultAccessTokenTTL,
			RefreshTokenTTL: auth.DefaultRefreshTokenTTL,
		},
		Hasher: auth.DefaultArgon2Params(),
		Login:  auth.DefaultThrottlePolicy(),
	}
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"http-addr":    "http.addr",
	"metrics-addr": "metrics.addr",
	"log-format":   "log.format",
	"log-level":    "log.level",
	"store-driver": "store.driver",
	"database-url": "store.database_url",
}

// RegisterFlags adds the configuration flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("config", "", "path to a YAML configuration file")
	fs.String("http-addr", d.HTTP.Addr, "API listen address")
	fs.String("metrics-addr", d.Metrics.Addr, "metrics and health listen address (empty disables)")
	fs.String("log-format", d.Log.Format, "log format (json or text)")
	fs.String("log-level", d.Log.Level, "log level (debug, info, warn, error)")
	fs.String("store-driver", d.Store.Driver, "user store (postgres or memory)")
	fs.String("database-url", "", "PostgreSQL connection URL")
}

// Load builds a Config. path may be empty; fs may be nil. Only flags the
// user set override earlier layers.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
		if err != nil {
			return nil, oops.Code("CONFIG_READ_FAILED").With("path", path).Wrap(err)
		}
		if err := ValidateYAML(data); err != nil {
			return nil, oops.Code("CONFIG_INVALID").With("path", path).Wrap(err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_READ_FAILED").With("path", path).Wrap(err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, oops.Code("CONFIG_READ_FAILED").With("source", "env").Wrap(err)
	}

	if fs != nil {
		if err := k.Load(posflag.ProviderWithFlag(fs, ".", nil, flagKey), nil); err != nil {
			return nil, oops.Code("CONFIG_READ_FAILED").With("source", "flags").Wrap(err)
		}
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, oops.Code("CONFIG_INVALID").Wrap(err)
	}
	return &cfg, nil
}

func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

func flagKey(f *pflag.Flag) (string, any) {
	key, ok := flagKeys[f.Name]
	if !ok || !f.Changed {
		return "", nil
	}
	return key, f.Value.String()
}

// Validate reports the first unusable setting.
func (c *Config) Validate() error {
	invalid := func(field, format string, args ...any) error {
		return oops.Code("CONFIG_INVALID").With("field", field).Errorf(format, args...)
	}

	if strings.TrimSpace(c.HTTP.Addr) == "" {
		return invalid("http.addr", "http address is required")
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return invalid("log.format", "log format must be json or text, got %q", c.Log.Format)
	}
	if _, err := c.LogLevel(); err != nil {
		return invalid("log.level", "unknown log level %q", c.Log.Level)
	}

	switch c.Store.Driver {
	case DriverPostgres:
		if strings.TrimSpace(c.Store.DatabaseURL) == "" {
			return invalid("store.database_url", "database url is required for the postgres store")
		}
	case DriverMemory:
	default:
		return invalid("store.driver", "store driver must be postgres or memory, got %q", c.Store.Driver)
	}

	if strings.TrimSpace(c.JWT.SigningKey) == "" {
		return invalid("jwt.signing_key", "jwt signing key is required")
	}
	if c.JWT.AccessTokenTTL <= 0 {
		return invalid("jwt.access_token_ttl", "access token ttl must be positive")
	}
	if c.JWT.RefreshTokenTTL <= 0 {
		return invalid("jwt.refresh_token_ttl", "refresh token ttl must be positive")
	}
	if c.Login.Threshold < 0 {
		return invalid("login.lockout_threshold", "lockout threshold must not be negative")
	}
	if c.Login.Threshold > 0 && c.Login.Lockout <= 0 {
		return invalid("login.lockout_duration", "lockout duration must be positive when lockout is enabled")
	}
	if err := c.Hasher.Validate(); err != nil {
		return invalid("hasher", "invalid hasher parameters: %v", err)
	}
	return nil
}

// LogLevel parses the configured log level.
func (c *Config) LogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo, oops.Code("CONFIG_INVALID").With("field", "log.level").Wrap(err)
	}
	return lvl, nil
}

// Redacted returns a copy safe to print: the signing key is masked and the
// database password removed.
func (c *Config) Redacted() Config {
	out := *c
	if out.JWT.SigningKey != "" {
		out.JWT.SigningKey = redacted
	}
	if out.Store.DatabaseURL != "" {
		if u, err := url.Parse(out.Store.DatabaseURL); err == nil {
			out.Store.DatabaseURL = u.Redacted()
		} else {
			out.Store.DatabaseURL = redacted
		}
	}
	return out
}
