package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zotroam/zsync/internal/config"
)

func TestWriter_Stderr(t *testing.T) {
	w, closer, err := Writer(config.LogConfig{})
	if err != nil {
		t.Fatalf("Writer() failed: %v", err)
	}
	if w != os.Stderr {
		t.Errorf("Writer() = %v, want stderr", w)
	}
	if err := closer.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}
}

func TestWriter_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "zsync.log")
	w, closer, err := Writer(config.LogConfig{File: path, MaxSizeMB: 1, MaxBackups: 1})
	if err != nil {
		t.Fatalf("Writer() failed: %v", err)
	}

	New(w, "sync").Printf("Synced %s", "users/1")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	if !strings.Contains(string(data), "[sync] ") || !strings.Contains(string(data), "Synced users/1") {
		t.Errorf("log = %q", data)
	}
}
