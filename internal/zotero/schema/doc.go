// Package schema defines the data model shared by every zsync component.
//
// # Overview
//
// The remote library service exposes three entity kinds per library: items,
// collections, and tags. Each entity is scoped to one library, identified by
// its owner kind and numeric id:
//
//	users/12345    (kind "user")
//	groups/98765   (kind "group")
//
// Every library carries a version counter that increases whenever its remote
// state changes. The same counter is used as a freshness token for incremental
// fetches (?since=V) and as the precondition for writes
// (If-Unmodified-Since-Version: V).
//
// # Identity
//
// Keys are unique only within one library. Anything that merges or indexes
// entities uses the compound identity (key, library path):
//
//	id := item.Identity() // schema.Identity{Key: "ABCD1234", Path: "users/12345"}
//
// Citekey extraction rewrites Item.Key for display, but Identity always uses the
// library-assigned key kept in Item.Data.Key, so a changed citekey never splits
// one remote item into two local ones.
//
// # Sync state
//
// SyncState is the mutable per-library working copy owned by the sync
// coordinator. Callers only ever see Snapshot values, which are deep copies and
// the unit of persistence:
//
//	snap := state.Snapshot()
//	data, err := json.Marshal(snap)
//
// # Errors
//
// errors.go holds the error taxonomy (configuration, fetch, precondition
// failed, precondition) together with classification helpers used by callers to
// decide between retrying, refreshing, resyncing or giving up.
package schema
