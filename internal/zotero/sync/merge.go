package sync

import (
	"github.com/zotroam/zsync/internal/zotero/schema"
)

// Delta summarizes a merge.
type Delta struct {
	NewCount      int `json:"newCount"`
	ModifiedCount int `json:"modifiedCount"`
}

// Merge applies changed items to a copy of prior and returns the copy.
// prior is not modified.
//
// Items are matched by compound identity. An identity absent from prior is
// new, a present one is modified and replaced whole. When changed holds the
// same identity twice, the later entry wins and the identity is counted once.
// Merging the same delta again yields the same state.
func Merge(prior *schema.SyncState, changed []schema.Item) (*schema.SyncState, Delta) {
	next := prior.Snapshot().State()

	var d Delta
	counted := make(map[schema.Identity]bool, len(changed))
	for _, it := range changed {
		id := it.Identity()
		if !counted[id] {
			counted[id] = true
			if _, ok := prior.Items[id]; ok {
				d.ModifiedCount++
			} else {
				d.NewCount++
			}
		}
		next.Items[id] = it.Clone()
	}
	return next, d
}

// build creates a fresh state for lib from a complete item set. Later
// duplicates win.
func build(lib schema.Library, items []schema.Item) *schema.SyncState {
	st := schema.NewSyncState(lib)
	for _, it := range items {
		st.Items[it.Identity()] = it.Clone()
	}
	return st
}

// diff counts how a full result differs from the previous state.
func diff(prior, next *schema.SyncState) Delta {
	var d Delta
	for id, it := range next.Items {
		old, ok := prior.Items[id]
		switch {
		case !ok:
			d.NewCount++
		case old.Version != it.Version:
			d.ModifiedCount++
		}
	}
	return d
}

// minVersion returns the lowest version, or 0 for an empty slice.
func minVersion(versions []int) int {
	if len(versions) == 0 {
		return 0
	}
	m := versions[0]
	for _, v := range versions[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
