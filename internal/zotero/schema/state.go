package schema

import (
	"sort"
	"time"
)

// SyncState is the working copy of one library: its last observed version and
// every item retrieved so far keyed by compound identity.
//
// A SyncState is owned by exactly one sync coordinator. Anything handed to
// callers must go through Snapshot.
type SyncState struct {
	Library     Library
	LastVersion int
	Items       map[Identity]Item
	Collections []Collection
	UpdatedAt   time.Time
}

// NewSyncState returns an empty state for lib.
func NewSyncState(lib Library) *SyncState {
	return &SyncState{
		Library: lib,
		Items:   make(map[Identity]Item),
	}
}

// Snapshot is an immutable copy of a SyncState. It is the persisted form:
// items are kept as a slice sorted by identity so the encoding is stable.
type Snapshot struct {
	Library     Library      `json:"library"`
	LastVersion int          `json:"lastVersion"`
	Items       []Item       `json:"items"`
	Collections []Collection `json:"collections"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// Snapshot returns a deep copy of the state.
func (s *SyncState) Snapshot() Snapshot {
	items := make([]Item, 0, len(s.Items))
	for _, it := range s.Items {
		items = append(items, it.Clone())
	}
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i].Identity(), items[j].Identity()
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		return a.Key < b.Key
	})

	return Snapshot{
		Library:     s.Library,
		LastVersion: s.LastVersion,
		Items:       items,
		Collections: append([]Collection(nil), s.Collections...),
		UpdatedAt:   s.UpdatedAt,
	}
}

// State rebuilds a mutable SyncState from the snapshot.
func (s Snapshot) State() *SyncState {
	st := NewSyncState(s.Library)
	st.LastVersion = s.LastVersion
	st.UpdatedAt = s.UpdatedAt
	st.Collections = append([]Collection(nil), s.Collections...)
	for _, it := range s.Items {
		st.Items[it.Identity()] = it.Clone()
	}
	return st
}

// Lookup returns the item with the given identity.
func (s Snapshot) Lookup(id Identity) (Item, bool) {
	for _, it := range s.Items {
		if it.Identity() == id {
			return it, true
		}
	}
	return Item{}, false
}

// LookupCitekey returns the first item of library path, in identity order,
// whose extracted citekey is citekey. Items without a citekey never match.
func (s Snapshot) LookupCitekey(citekey, path string) (Item, bool) {
	for _, it := range s.Items {
		if it.HasCitekey && it.Key == citekey && it.Library.Path() == path {
			return it, true
		}
	}
	return Item{}, false
}
