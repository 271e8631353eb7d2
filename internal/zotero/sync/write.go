package sync

import (
	"context"
	"encoding/json"

	"github.com/zotroam/zsync/internal/zotero/events"
	"github.com/zotroam/zsync/internal/zotero/plan"
	"github.com/zotroam/zsync/internal/zotero/schema"
)

// writeFunc performs one write against the remote as of version.
type writeFunc func(ctx context.Context, entry plan.LibraryEntry, version int) (*schema.WriteOutcome, error)

// DeleteTags removes tags from lib as of the last synced version.
func (c *Coordinator) DeleteTags(ctx context.Context, lib schema.Library, tags []string) (*schema.WriteOutcome, error) {
	args := map[string]any{"tags": tags}
	return c.write(ctx, lib, events.KindTagsDeleted, args, func(ctx context.Context, e plan.LibraryEntry, version int) (*schema.WriteOutcome, error) {
		return c.remote.DeleteTags(ctx, lib, e.Credential, tags, version)
	})
}

// ModifyTags renames tags to into on every item of lib carrying one of them.
func (c *Coordinator) ModifyTags(ctx context.Context, lib schema.Library, tags []string, into string) (*schema.WriteOutcome, error) {
	args := map[string]any{"tags": tags, "into": into}
	return c.write(ctx, lib, events.KindTagsModified, args, func(ctx context.Context, e plan.LibraryEntry, version int) (*schema.WriteOutcome, error) {
		return c.remote.ModifyTags(ctx, lib, e.Credential, tags, into, version)
	})
}

// CreateItems uploads new items to lib.
func (c *Coordinator) CreateItems(ctx context.Context, lib schema.Library, items []json.RawMessage) (*schema.WriteOutcome, error) {
	args := map[string]any{"count": len(items)}
	return c.write(ctx, lib, events.KindWrite, args, func(ctx context.Context, e plan.LibraryEntry, version int) (*schema.WriteOutcome, error) {
		return c.remote.CreateItems(ctx, lib, e.Credential, items, version)
	})
}

// write runs op under the library lock. When the remote rejects the
// version precondition, the library is refreshed and op is retried once.
// The write outcome is published whether or not op succeeded.
func (c *Coordinator) write(ctx context.Context, lib schema.Library, kind events.Kind, args map[string]any, op writeFunc) (*schema.WriteOutcome, error) {
	entry, err := c.entry(lib)
	if err != nil {
		return nil, err
	}
	if err := c.begin(lib.Path()); err != nil {
		return nil, err
	}
	defer c.end(lib.Path())

	out, err := c.writeOnce(ctx, entry, op)
	if out == nil {
		out = schema.NewWriteOutcome()
	}

	o := events.Outcome{
		Kind:      kind,
		Library:   lib.Path(),
		Args:      args,
		Success:   err == nil && len(out.Failed) == 0,
		Data:      out,
		Timestamp: c.now(),
	}
	if err != nil {
		o.Error = err.Error()
	}
	c.events.Publish(o)
	return out, err
}

func (c *Coordinator) writeOnce(ctx context.Context, entry plan.LibraryEntry, op writeFunc) (*schema.WriteOutcome, error) {
	st := c.state(entry.Path())
	if st == nil || len(st.Items) == 0 {
		return nil, &schema.PreconditionError{Library: entry.Path(), Reason: "library must be synced before writing"}
	}

	out, err := op(ctx, entry, st.LastVersion)
	if !schema.RequiresRefresh(err) {
		return out, err
	}

	c.logger.Printf("Warning: %s changed since version %d, refreshing before retry", entry.Path(), st.LastVersion)
	res, rerr := c.refresh(ctx, entry, st)
	if rerr != nil {
		return out, rerr
	}
	// A second precondition failure is returned as is.
	return op(ctx, entry, res.LastVersion)
}
