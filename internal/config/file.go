package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/zotroam/zsync/internal/zotero/plan"
)

type starterDaemon struct {
	Interval string `toml:"interval"`
	Listen   string `toml:"listen"`
}

// starter is the layout of a freshly initialized config file.
type starter struct {
	APIKey   string        `toml:"api_key"`
	BaseURL  string        `toml:"base_url"`
	PageSize int           `toml:"page_size"`
	Store    StoreConfig   `toml:"store"`
	Log      LogConfig     `toml:"log"`
	Daemon   starterDaemon `toml:"daemon"`
	Requests []plan.Target `toml:"requests"`
}

const starterHeader = `# zsync configuration.
#
# Every key can be overridden by a ZSYNC_* environment variable, for example
# ZSYNC_API_KEY or ZSYNC_STORE_PATH.
#
# Each [[requests]] entry declares either a library:
#
#   [requests.library]
#   type = "group"
#   id = "4567"
#
# or a raw data URI such as data_uri = "users/123/items/top".

`

// Starter encodes a starter config file declaring one user library.
func Starter(apiKey, userID string) ([]byte, error) {
	d := Default()
	s := starter{
		APIKey:   apiKey,
		BaseURL:  d.BaseURL,
		PageSize: d.PageSize,
		Store:    d.Store,
		Log:      d.Log,
		Daemon:   starterDaemon{Interval: d.Daemon.Interval.String(), Listen: d.Daemon.Listen},
		Requests: []plan.Target{{
			Library: &plan.LibraryTarget{Type: "user", ID: userID},
			Name:    "My Library",
		}},
	}

	var buf bytes.Buffer
	buf.WriteString(starterHeader)
	if err := toml.NewEncoder(&buf).Encode(s); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteStarter writes a starter config file to path. It refuses to replace
// an existing file unless force is set.
func WriteStarter(path, apiKey, userID string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	data, err := Starter(apiKey, userID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	// The file may hold a credential.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// DefaultPath returns where config init writes by default.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), FileName+".toml")
}

// WriteYAML prints cfg as YAML with credentials masked.
func WriteYAML(w io.Writer, cfg *Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg.Redacted()); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}
