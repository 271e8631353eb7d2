package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/zotroam/zsync/internal/zotero/schema"
)

// Write operations attach a library version as precondition. When the remote
// has moved past it, they return a *schema.PreconditionFailedError, which
// matches schema.ErrPreconditionFailed.
//
// Every write returns a *schema.WriteOutcome, also alongside an error, so the
// caller can always report what was and was not applied.

// DeleteTags removes tags from every item of lib, guarded by asOfVersion.
// More than MaxTagsPerRequest tags are deleted in several requests; each
// one after the first is guarded by the version the previous one reported,
// and the first failure stops the rest.
func (c *Client) DeleteTags(ctx context.Context, lib schema.Library, cred schema.Credential, tags []string, asOfVersion int) (*schema.WriteOutcome, error) {
	outcome := schema.NewWriteOutcome()
	if len(tags) == 0 {
		return outcome, nil
	}
	if err := checkTags(tags); err != nil {
		return outcome, err
	}

	version := asOfVersion
	for _, batch := range chunkTags(tags, MaxTagsPerRequest) {
		v, err := c.deleteTagBatch(ctx, lib, cred, batch, version, outcome)
		if err != nil {
			return outcome, err
		}
		version = max(version, v)
	}
	c.logger.Printf("Deleted %d tag(s) from %s", len(tags), lib.Path())
	return outcome, nil
}

// deleteTagBatch issues one DELETE and files its result in outcome. It
// returns the library version reported on success.
func (c *Client) deleteTagBatch(ctx context.Context, lib schema.Library, cred schema.Credential, tags []string, asOfVersion int, outcome *schema.WriteOutcome) (int, error) {
	path := lib.Path()
	target := joinTags(tags)

	req, err := c.newRequest(ctx, http.MethodDelete, cred, path+"/tags", url.Values{"tag": {target}}, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set(HeaderIfUnmodifiedSinceVersion, strconv.Itoa(asOfVersion))

	resp, err := c.do(req, path)
	if err != nil {
		outcome.Add(schema.WriteResult{Target: target, Error: err.Error()}, false)
		return 0, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		v := versionOf(resp)
		outcome.Add(schema.WriteResult{Target: target, Status: resp.StatusCode, Version: v}, true)
		return v, nil
	case http.StatusPreconditionFailed:
		pf := &schema.PreconditionFailedError{Library: path, Version: asOfVersion}
		outcome.Add(schema.WriteResult{Target: target, Status: resp.StatusCode, Error: pf.Error()}, false)
		return 0, pf
	default:
		fe := statusError(resp, path)
		outcome.Add(schema.WriteResult{Target: target, Status: resp.StatusCode, Error: fe.Error()}, false)
		return 0, fe
	}
}

// ModifyTags renames tags to into on every item of lib that carries any of
// them. There is no bulk rename on the remote, so each affected item is
// updated by its own request; the outcome lists each item as successful or
// failed and a partial rename is not an error.
//
// The whole operation fails with a precondition error, before anything is
// written, if the library has changed since asOfVersion.
func (c *Client) ModifyTags(ctx context.Context, lib schema.Library, cred schema.Credential, tags []string, into string, asOfVersion int) (*schema.WriteOutcome, error) {
	outcome := schema.NewWriteOutcome()
	into = strings.TrimSpace(into)
	if len(tags) == 0 {
		return outcome, nil
	}
	if into == "" {
		return outcome, schema.NewConfigurationError("into", "new tag name must not be empty")
	}

	affected, err := c.FetchItemsByTag(ctx, lib, cred, tags)
	if err != nil {
		return outcome, fmt.Errorf("failed to list tagged items: %w", err)
	}
	if affected.LastUpdated > asOfVersion {
		return outcome, &schema.PreconditionFailedError{Library: lib.Path(), Version: asOfVersion}
	}

	from := make(map[string]bool, len(tags))
	for _, t := range tags {
		from[t] = true
	}

	results := make([]schema.WriteResult, len(affected.Data))
	oks := make([]bool, len(affected.Data))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxConcurrentWrites)
	for i, it := range affected.Data {
		g.Go(func() error {
			results[i], oks[i] = c.patchTags(gctx, lib, cred, it, renameTags(it.Data.Tags, from, into))
			return nil
		})
	}
	// Sub-requests report through results; none returns an error.
	_ = g.Wait()

	for i := range results {
		outcome.Add(results[i], oks[i])
	}
	c.logger.Printf("Renamed %d tag(s) to %q in %s: %d updated, %d failed",
		len(tags), into, lib.Path(), len(outcome.Successful), len(outcome.Failed))
	return outcome, nil
}

// renameTags replaces every tag named in from with into, keeping one copy of
// into and the order of the remaining tags. The kept copy takes the type of
// the first tag it replaces.
func renameTags(current []schema.ItemTag, from map[string]bool, into string) []schema.ItemTag {
	out := make([]schema.ItemTag, 0, len(current))
	added := false
	for _, t := range current {
		if from[t.Tag] || t.Tag == into {
			if !added {
				out = append(out, schema.ItemTag{Tag: into, Type: t.Type})
				added = true
			}
			continue
		}
		out = append(out, t)
	}
	if !added {
		out = append(out, schema.ItemTag{Tag: into})
	}
	return out
}

func (c *Client) patchTags(ctx context.Context, lib schema.Library, cred schema.Credential, it schema.Item, tags []schema.ItemTag) (schema.WriteResult, bool) {
	key := it.NativeKey()
	result := schema.WriteResult{Target: key}

	body, err := json.Marshal(map[string]any{"tags": tags})
	if err != nil {
		result.Error = fmt.Sprintf("failed to encode tags: %v", err)
		return result, false
	}

	req, err := c.newRequest(ctx, http.MethodPatch, cred, lib.Path()+"/items/"+url.PathEscape(key), nil, bytes.NewReader(body))
	if err != nil {
		result.Error = err.Error()
		return result, false
	}
	req.Header.Set(HeaderIfUnmodifiedSinceVersion, strconv.Itoa(it.Version))

	resp, err := c.do(req, lib.Path())
	if err != nil {
		result.Error = err.Error()
		return result, false
	}
	defer resp.Body.Close()

	result.Status = resp.StatusCode
	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		result.Version = versionOf(resp)
		return result, true
	case http.StatusPreconditionFailed:
		result.Error = (&schema.PreconditionFailedError{Library: lib.Path(), Version: it.Version}).Error()
	default:
		result.Error = statusError(resp, lib.Path()).Error()
	}
	return result, false
}

// CreateItems uploads new items to lib in batches of MaxWriteBatch. Each
// batch is one sub-request; the version returned by a batch becomes the
// precondition of the next. A precondition failure stops the upload and is
// returned as an error together with the batches already applied.
func (c *Client) CreateItems(ctx context.Context, lib schema.Library, cred schema.Credential, items []json.RawMessage, asOfVersion int) (*schema.WriteOutcome, error) {
	outcome := schema.NewWriteOutcome()
	path := lib.Path()
	version := asOfVersion

	for start := 0; start < len(items); start += MaxWriteBatch {
		end := min(start+MaxWriteBatch, len(items))
		target := fmt.Sprintf("items %d-%d", start+1, end)

		result, err := c.postBatch(ctx, lib, cred, items[start:end], version)
		result.Target = target
		if err != nil {
			outcome.Add(result, false)
			if errors.Is(err, schema.ErrPreconditionFailed) {
				return outcome, err
			}
			continue
		}

		ok := len(result.Response.Failed) == 0
		if !ok {
			result.Error = fmt.Sprintf("%d of %d objects rejected", len(result.Response.Failed), end-start)
		}
		outcome.Add(result, ok)
		if result.Version > 0 {
			version = result.Version
		}
	}

	c.logger.Printf("Wrote %d item(s) to %s in %d batch(es), %d failed",
		len(items), path, len(outcome.Successful)+len(outcome.Failed), len(outcome.Failed))
	return outcome, nil
}

func (c *Client) postBatch(ctx context.Context, lib schema.Library, cred schema.Credential, batch []json.RawMessage, version int) (schema.WriteResult, error) {
	var result schema.WriteResult
	path := lib.Path()

	body, err := json.Marshal(batch)
	if err != nil {
		result.Error = err.Error()
		return result, fmt.Errorf("failed to encode batch: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, cred, path+"/items", nil, bytes.NewReader(body))
	if err != nil {
		result.Error = err.Error()
		return result, err
	}
	if version > 0 {
		req.Header.Set(HeaderIfUnmodifiedSinceVersion, strconv.Itoa(version))
	}

	resp, err := c.do(req, path)
	if err != nil {
		result.Error = err.Error()
		return result, err
	}
	defer resp.Body.Close()
	result.Status = resp.StatusCode

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusPreconditionFailed:
		pf := &schema.PreconditionFailedError{Library: path, Version: version}
		result.Error = pf.Error()
		return result, pf
	default:
		fe := statusError(resp, path)
		result.Error = fe.Error()
		return result, fe
	}

	var mor schema.MultiObjectResponse
	if err := decodeStrict(resp.Body, &mor); err != nil {
		fe := &schema.FetchError{Status: resp.StatusCode, Library: path, URL: req.URL.String(),
			Err: fmt.Errorf("failed to decode write response: %w", err)}
		result.Error = fe.Error()
		return result, fe
	}
	result.Response = &mor
	result.Version = versionOf(resp)
	return result, nil
}
