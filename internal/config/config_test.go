package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zotroam/zsync/internal/zotero/schema"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load(New(), "")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.BaseURL != "https://api.zotero.org" || cfg.PageSize != 100 {
		t.Errorf("got base %q page %d", cfg.BaseURL, cfg.PageSize)
	}
	if cfg.Daemon.Interval != time.Minute {
		t.Errorf("Daemon.Interval = %s, want 1m", cfg.Daemon.Interval)
	}
	if cfg.File != "" {
		t.Errorf("File = %q, want none", cfg.File)
	}
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "zsync.toml", `
api_key = "fallback"
page_size = 50

[store]
path = "/tmp/z.db"

[daemon]
interval = "5m"

[[requests]]
name = "mine"
[requests.library]
type = "user"
id = 123

[[requests]]
data_uri = "groups/4567/items/top"
api_key = "group-key"
`)

	cfg, err := Load(New(), path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.PageSize != 50 || cfg.Store.Path != "/tmp/z.db" || cfg.Daemon.Interval != 5*time.Minute {
		t.Errorf("cfg = %+v", cfg)
	}
	if len(cfg.Requests) != 2 {
		t.Fatalf("got %d requests, want 2", len(cfg.Requests))
	}
	if cfg.Requests[0].Library == nil || cfg.Requests[0].Library.ID != "123" {
		t.Errorf("first request = %+v", cfg.Requests[0])
	}
	if cfg.Requests[1].Credential != "group-key" {
		t.Errorf("second request credential = %q", cfg.Requests[1].Credential)
	}

	p, err := cfg.Plan()
	if err != nil {
		t.Fatalf("Plan() failed: %v", err)
	}
	if len(p.Libraries) != 2 || p.DataRequests[0].Credential != "fallback" {
		t.Errorf("plan = %+v", p)
	}
	if p.DataRequests[1].ResourceURI != "items/top" {
		t.Errorf("ResourceURI = %q, want items/top", p.DataRequests[1].ResourceURI)
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "zsync.yaml", `
base_url: http://localhost:9999
requests:
  - library: {type: group, id: "42"}
`)
	cfg, err := Load(New(), path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.BaseURL != "http://localhost:9999" || len(cfg.Requests) != 1 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, "zsync.toml", "api_key = \"from-file\"\n")
	t.Setenv("ZSYNC_API_KEY", "from-env")
	t.Setenv("ZSYNC_STORE_PATH", "/var/lib/zsync.db")

	cfg, err := Load(New(), path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.APIKey != "from-env" {
		t.Errorf("APIKey = %q, want from-env", cfg.APIKey)
	}
	if cfg.Store.Path != "/var/lib/zsync.db" {
		t.Errorf("Store.Path = %q", cfg.Store.Path)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"page size too large", "page_size = 500\n"},
		{"interval too short", "[daemon]\ninterval = \"10ms\"\n"},
		{"empty base url", "base_url = \"\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(New(), writeFile(t, "zsync.toml", tt.content))
			if !errors.Is(err, schema.ErrConfiguration) {
				t.Errorf("Load() error = %v, want ErrConfiguration", err)
			}
		})
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "nope.toml"))
	if err == nil {
		t.Fatal("Load() succeeded for a missing file")
	}
}

func TestWriteStarter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "zsync.toml")
	if err := WriteStarter(path, "secret", "123", false); err != nil {
		t.Fatalf("WriteStarter() failed: %v", err)
	}
	if err := WriteStarter(path, "secret", "123", false); err == nil {
		t.Error("WriteStarter() replaced an existing file without force")
	}

	cfg, err := Load(New(), path)
	if err != nil {
		t.Fatalf("Load() of starter failed: %v", err)
	}
	if cfg.APIKey != "secret" || len(cfg.Requests) != 1 || cfg.Requests[0].Library.ID != "123" {
		t.Errorf("starter cfg = %+v", cfg)
	}
	if _, err := cfg.Plan(); err != nil {
		t.Errorf("Plan() of starter failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() failed: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestWriteYAML_MasksCredentials(t *testing.T) {
	cfg := Default()
	cfg.APIKey = "abcdefgh1234"
	path := writeFile(t, "zsync.toml", "[[requests]]\ndata_uri = \"users/1/items\"\napi_key = \"request-secret-9876\"\n")
	loaded, err := Load(New(), path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	cfg.Requests = loaded.Requests

	var buf bytes.Buffer
	if err := WriteYAML(&buf, cfg); err != nil {
		t.Fatalf("WriteYAML() failed: %v", err)
	}
	out := buf.String()
	if strings.Contains(out, "abcdefgh") || strings.Contains(out, "request-secret") {
		t.Errorf("output leaks a credential:\n%s", out)
	}
	if !strings.Contains(out, "********1234") || !strings.Contains(out, "9876") {
		t.Errorf("output lacks masked credentials:\n%s", out)
	}
	if cfg.APIKey != "abcdefgh1234" {
		t.Error("WriteYAML() modified the config")
	}
}
