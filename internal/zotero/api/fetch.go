package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/zotroam/zsync/internal/zotero/schema"
)

// FetchOptions constrains a paginated read.
type FetchOptions struct {
	// Since restricts the result to entities modified after this library
	// version. Zero means no restriction.
	Since int

	// PageSize overrides the client's page size.
	PageSize int

	// Query carries extra query parameters (for example "tag").
	Query url.Values
}

// FetchResult is the complete result of a paginated read.
type FetchResult[T any] struct {
	Data []T

	// LastUpdated is the library version reported on the last page.
	LastUpdated int

	// TotalResults is the count the remote announced.
	TotalResults int
}

// fetchAll reads every page of resource. Nothing is returned unless every
// page succeeded and decoded; a failure part way through discards the pages
// already read.
func fetchAll[T any](ctx context.Context, c *Client, lib schema.Library, cred schema.Credential, resource string, opts FetchOptions, validate func(T) error) (*FetchResult[T], error) {
	limit := opts.PageSize
	if limit <= 0 || limit > MaxPageSize {
		limit = c.cfg.PageSize
	}
	path := lib.Path()

	var (
		data    []T
		total   int
		version int
		start   int
	)

	for {
		q := url.Values{}
		for k, vs := range opts.Query {
			q[k] = append([]string(nil), vs...)
		}
		q.Set("limit", strconv.Itoa(limit))
		q.Set("start", strconv.Itoa(start))
		if opts.Since > 0 {
			q.Set("since", strconv.Itoa(opts.Since))
		}

		req, err := c.newRequest(ctx, http.MethodGet, cred, resource, q, nil)
		if err != nil {
			return nil, err
		}

		page, pageTotal, pageVersion, err := fetchPage(c, req, path, opts.Since, validate)
		if err != nil {
			return nil, err
		}

		data = append(data, page...)
		total = pageTotal
		version = pageVersion
		start += len(page)

		if len(data) >= total || len(page) == 0 {
			break
		}
	}

	if len(data) < total {
		return nil, &schema.FetchError{Library: path,
			Err: fmt.Errorf("pagination ended after %d of %d results", len(data), total)}
	}

	return &FetchResult[T]{Data: data, LastUpdated: version, TotalResults: total}, nil
}

func fetchPage[T any](c *Client, req *http.Request, path string, since int, validate func(T) error) ([]T, int, int, error) {
	resp, err := c.do(req, path)
	if err != nil {
		return nil, 0, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if since > 0 {
			switch resp.StatusCode {
			case http.StatusBadRequest, http.StatusNotFound, http.StatusGone:
				return nil, 0, 0, schema.NewSinceFetchError(resp.StatusCode, path, req.URL.String(), since)
			}
		}
		return nil, 0, 0, statusError(resp, path)
	}

	malformed := func(err error) error {
		return &schema.FetchError{Status: resp.StatusCode, Library: path, URL: req.URL.String(), Err: err}
	}

	total, err := intHeader(resp, HeaderTotalResults)
	if err != nil {
		return nil, 0, 0, malformed(err)
	}
	version, err := intHeader(resp, HeaderLastModifiedVersion)
	if err != nil {
		return nil, 0, 0, malformed(err)
	}

	var page []T
	if err := decodeStrict(resp.Body, &page); err != nil {
		return nil, 0, 0, malformed(fmt.Errorf("failed to decode page: %w", err))
	}
	for i, v := range page {
		if err := validate(v); err != nil {
			return nil, 0, 0, malformed(fmt.Errorf("invalid entry %d: %w", i, err))
		}
	}

	return page, total, version, nil
}

// FetchItems reads every item of a data request. Each item is labelled with
// the request it came from.
func (c *Client) FetchItems(ctx context.Context, req schema.DataRequest, opts FetchOptions) (*FetchResult[schema.Item], error) {
	res, err := fetchAll(ctx, c, req.Library, req.Credential, req.DataURI(), opts, validateItem(req.Library))
	if err != nil {
		return nil, err
	}
	label := req.Label()
	for i := range res.Data {
		res.Data[i].RequestLabel = label
	}
	return res, nil
}

func validateItem(lib schema.Library) func(schema.Item) error {
	return func(it schema.Item) error {
		if err := it.Validate(); err != nil {
			return err
		}
		if it.Library.Path() != lib.Path() {
			return fmt.Errorf("item %s belongs to %s, not %s", it.Key, it.Library.Path(), lib.Path())
		}
		return nil
	}
}

// FetchCollections reads every collection of lib.
func (c *Client) FetchCollections(ctx context.Context, lib schema.Library, cred schema.Credential, opts FetchOptions) (*FetchResult[schema.Collection], error) {
	return fetchAll(ctx, c, lib, cred, lib.Path()+"/collections", opts, schema.Collection.Validate)
}

// FetchTags reads every tag of lib with its usage count.
func (c *Client) FetchTags(ctx context.Context, lib schema.Library, cred schema.Credential, opts FetchOptions) (*FetchResult[schema.Tag], error) {
	return fetchAll(ctx, c, lib, cred, lib.Path()+"/tags", opts, schema.Tag.Validate)
}

// FetchItemsByTag reads every item of lib carrying any of tags. Long tag
// lists are split into several filters and the results joined.
func (c *Client) FetchItemsByTag(ctx context.Context, lib schema.Library, cred schema.Credential, tags []string) (*FetchResult[schema.Item], error) {
	if err := checkTags(tags); err != nil {
		return nil, err
	}
	req := schema.DataRequest{Credential: cred, Library: lib, ResourceURI: schema.DefaultResourceURI}

	out := &FetchResult[schema.Item]{}
	seen := make(map[schema.Identity]bool)
	for _, batch := range chunkTags(tags, MaxTagsPerRequest) {
		res, err := c.FetchItems(ctx, req, FetchOptions{Query: url.Values{"tag": {joinTags(batch)}}})
		if err != nil {
			return nil, err
		}
		for _, it := range res.Data {
			if !seen[it.Identity()] {
				seen[it.Identity()] = true
				out.Data = append(out.Data, it)
			}
		}
		out.LastUpdated = max(out.LastUpdated, res.LastUpdated)
	}
	out.TotalResults = len(out.Data)
	return out, nil
}

// LibraryVersion returns the current version of lib.
func (c *Client) LibraryVersion(ctx context.Context, lib schema.Library, cred schema.Credential) (int, error) {
	req, err := c.newRequest(ctx, http.MethodGet, cred, lib.Path()+"/items", url.Values{"limit": {"1"}, "format": {"versions"}}, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.do(req, lib.Path())
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, statusError(resp, lib.Path())
	}
	v, err := intHeader(resp, HeaderLastModifiedVersion)
	if err != nil {
		return 0, &schema.FetchError{Status: resp.StatusCode, Library: lib.Path(), URL: req.URL.String(), Err: err}
	}
	return v, nil
}

// tagSeparator joins the alternatives of a tag filter.
const tagSeparator = " || "

// MaxTagsPerRequest is the most tags the remote accepts in one filter.
const MaxTagsPerRequest = 50

// joinTags builds the OR form of a tag filter.
func joinTags(tags []string) string {
	return strings.Join(tags, tagSeparator)
}

// checkTags rejects tag names that a filter cannot express: the remote
// would split them at the separator.
func checkTags(tags []string) error {
	for _, t := range tags {
		if strings.Contains(t, tagSeparator) {
			return schema.NewConfigurationError("tags", "tag %q contains %q and cannot be used in a tag filter", t, tagSeparator)
		}
	}
	return nil
}

func chunkTags(tags []string, size int) [][]string {
	var out [][]string
	for len(tags) > size {
		out = append(out, tags[:size])
		tags = tags[size:]
	}
	if len(tags) > 0 {
		out = append(out, tags)
	}
	return out
}
