// Package store persists library snapshots keyed by library path.
//
// The sync coordinator depends only on the Store interface. Two
// implementations are provided: Memory for tests and one-shot commands, and
// DB, an embedded SQLite database (WAL mode) that also indexes items for
// status queries.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zotroam/zsync/internal/zotero/schema"
)

// ErrNotFound is returned by Get when no snapshot exists for a path.
var ErrNotFound = errors.New("snapshot not found")

// Store is a key-value store of snapshots.
type Store interface {
	// Get returns the snapshot saved for path, or ErrNotFound.
	Get(ctx context.Context, path string) (*schema.Snapshot, error)

	// Put saves snap under snap.Library.Path(), replacing any previous one.
	Put(ctx context.Context, snap schema.Snapshot) error

	// Delete removes the snapshot for path. Deleting a missing path is not
	// an error.
	Delete(ctx context.Context, path string) error

	// List returns the paths of every saved snapshot, sorted.
	List(ctx context.Context) ([]string, error)
}

var _ Store = (*Memory)(nil)

// Memory is an in-process Store. Snapshots are kept encoded so that what
// comes back has been through the same round trip as a persisted one.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Get implements Store.
func (m *Memory) Get(ctx context.Context, path string) (*schema.Snapshot, error) {
	m.mu.RLock()
	raw, ok := m.data[path]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var snap schema.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", path, err)
	}
	return &snap, nil
}

// Put implements Store.
func (m *Memory) Put(ctx context.Context, snap schema.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	m.mu.Lock()
	m.data[snap.Library.Path()] = raw
	m.mu.Unlock()
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	delete(m.data, path)
	m.mu.Unlock()
	return nil
}

// List implements Store.
func (m *Memory) List(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	paths := make([]string, 0, len(m.data))
	for p := range m.data {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}
