// Package config loads zsync settings.
//
// Values are layered by viper, lowest to highest precedence: built-in
// defaults, the config file, ZSYNC_* environment variables, and command-line
// flags bound by the caller. Nested keys map to environment variables with
// dots replaced by underscores, so store.path is ZSYNC_STORE_PATH.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/zotroam/zsync/internal/zotero/api"
	"github.com/zotroam/zsync/internal/zotero/plan"
	"github.com/zotroam/zsync/internal/zotero/schema"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "ZSYNC"

// FileName is the config file name without extension.
const FileName = "zsync"

// StoreConfig selects the snapshot store.
type StoreConfig struct {
	// Path of the SQLite database. Empty keeps snapshots in memory.
	Path string `mapstructure:"path" toml:"path" yaml:"path"`
}

// LogConfig controls the process log.
type LogConfig struct {
	// File enables rotated logging to this path instead of stderr.
	File       string `mapstructure:"file" toml:"file,omitempty" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" toml:"max_age_days" yaml:"max_age_days"`
}

// DaemonConfig controls the auto-update daemon.
type DaemonConfig struct {
	Interval time.Duration `mapstructure:"interval" toml:"interval" yaml:"interval"`
	Listen   string        `mapstructure:"listen" toml:"listen" yaml:"listen"`
}

// Config is the effective configuration.
type Config struct {
	// APIKey is the fallback credential for requests that declare none.
	APIKey   string        `mapstructure:"api_key" toml:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL  string        `mapstructure:"base_url" toml:"base_url" yaml:"base_url"`
	PageSize int           `mapstructure:"page_size" toml:"page_size" yaml:"page_size"`
	Timeout  time.Duration `mapstructure:"timeout" toml:"timeout" yaml:"timeout"`

	// MaxConcurrentWrites bounds the per-item requests of a tag rename.
	MaxConcurrentWrites int `mapstructure:"max_concurrent_writes" toml:"max_concurrent_writes" yaml:"max_concurrent_writes"`

	Requests []plan.Target `mapstructure:"requests" toml:"requests" yaml:"requests"`
	Store    StoreConfig   `mapstructure:"store" toml:"store" yaml:"store"`
	Log      LogConfig     `mapstructure:"log" toml:"log" yaml:"log"`
	Daemon   DaemonConfig  `mapstructure:"daemon" toml:"daemon" yaml:"daemon"`

	// File is the config file that was read, empty if none.
	File string `mapstructure:"-" toml:"-" yaml:"-"`
}

// Default returns the built-in configuration.
func Default() *Config {
	apiCfg := api.DefaultConfig()
	return &Config{
		BaseURL:             apiCfg.BaseURL,
		PageSize:            apiCfg.PageSize,
		Timeout:             apiCfg.Timeout,
		MaxConcurrentWrites: apiCfg.MaxConcurrentWrites,
		Store:               StoreConfig{Path: filepath.Join(DefaultDir(), "zsync.db")},
		Log:                 LogConfig{MaxSizeMB: 10, MaxBackups: 3, MaxAgeDays: 28},
		Daemon:              DaemonConfig{Interval: 60 * time.Second, Listen: "127.0.0.1:8377"},
	}
}

// DefaultDir returns the directory holding the config file and database:
// $XDG_CONFIG_HOME/zsync, or ~/.zsync when XDG_CONFIG_HOME is unset.
func DefaultDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "zsync")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".zsync"
	}
	return filepath.Join(home, ".zsync")
}

// New returns a viper instance with defaults, search paths and environment
// overrides set up. Callers may bind flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	d := Default()
	v.SetDefault("base_url", d.BaseURL)
	v.SetDefault("page_size", d.PageSize)
	v.SetDefault("timeout", d.Timeout)
	v.SetDefault("max_concurrent_writes", d.MaxConcurrentWrites)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("daemon.interval", d.Daemon.Interval)
	v.SetDefault("daemon.listen", d.Daemon.Listen)
	v.SetDefault("api_key", "")

	v.SetConfigName(FileName)
	v.AddConfigPath(DefaultDir())
	v.AddConfigPath(".")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file, if any, and decodes the effective settings.
// If path is empty the default search paths are used and a missing file is
// not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that do not depend on the request list.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return schema.NewConfigurationError("base_url", "must not be empty")
	}
	if c.PageSize < 1 || c.PageSize > api.MaxPageSize {
		return schema.NewConfigurationError("page_size", "must be between 1 and %d, got %d", api.MaxPageSize, c.PageSize)
	}
	if c.Daemon.Interval < time.Second {
		return schema.NewConfigurationError("daemon.interval", "must be at least 1s, got %s", c.Daemon.Interval)
	}
	return nil
}

// Targets returns the declared requests for the planner.
func (c *Config) Targets() []plan.Target {
	return append([]plan.Target(nil), c.Requests...)
}

// Plan runs the planner over the declared requests.
func (c *Config) Plan() (*plan.Plan, error) {
	return plan.Analyze(c.Targets(), schema.Credential(c.APIKey))
}

// API returns the client settings.
func (c *Config) API() api.Config {
	return api.Config{
		BaseURL:             c.BaseURL,
		PageSize:            c.PageSize,
		Timeout:             c.Timeout,
		MaxConcurrentWrites: c.MaxConcurrentWrites,
	}
}

// Redacted returns a copy with every credential masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.APIKey = schema.Credential(c.APIKey).Masked()
	out.Requests = make([]plan.Target, len(c.Requests))
	for i, t := range c.Requests {
		t.Credential = schema.Credential(t.Credential.Masked())
		out.Requests[i] = t
	}
	return &out
}
