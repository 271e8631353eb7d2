// Package sync keeps a local working copy of one or more remote libraries.
//
// Overview
//
// A Coordinator is the session object of a zsync process. It is built once
// from a plan, a remote client, a snapshot store and an event publisher, and
// owns the SyncState of every planned library:
//
//	plan        →  Coordinator  →  store.Store (snapshots by library path)
//	api.Client  ↗       ↓
//	               events.Publisher (one Outcome per operation)
//
// Usage
//
//	p, err := plan.Analyze(cfg.Targets(), cfg.APIKey)
//	if err != nil {
//	    return err
//	}
//	coord := sync.New(p, client, db, bus, nil)
//	if err := coord.Load(ctx); err != nil {
//	    return err
//	}
//
//	// First run: fetch everything
//	res, err := coord.FullSync(ctx, lib)
//
//	// Later: fetch only what changed since the stored version
//	res, err = coord.Refresh(ctx, lib)
//	fmt.Printf("%d new, %d modified\n", res.NewCount, res.ModifiedCount)
//
// Refresh semantics
//
//   - Items changed since the stored version are merged by (native key,
//     library path). Unknown identities count as new, known ones as modified;
//     the fetched copy replaces the stored one entirely.
//   - Collections are re-fetched in full and replaced.
//   - Removals are not inferred: only a full sync drops items.
//   - Refresh refuses to run before a full sync (schema.PreconditionError).
//   - If the remote no longer accepts the stored version, Refresh falls back
//     to one full sync and reports Mode == ModeFull.
//
// Concurrency
//
// Operations on different libraries run fully in parallel. A second sync of
// a library whose sync is still running fails with
// schema.ErrRefreshInProgress. State changes are committed only after every
// fetch of the operation succeeded and the snapshot was saved, so a cancelled
// or failed sync leaves the previous state untouched.
//
// Writes
//
// DeleteTags, ModifyTags and CreateItems use the stored library version as
// precondition. When the remote rejects it, the library is refreshed once and
// the write retried once with the new version.
package sync
