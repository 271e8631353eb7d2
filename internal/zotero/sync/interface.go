package sync

import (
	"context"
	"encoding/json"

	"github.com/zotroam/zsync/internal/zotero/api"
	"github.com/zotroam/zsync/internal/zotero/schema"
)

// Remote is the subset of the remote client used by the Coordinator.
// *api.Client implements it.
type Remote interface {
	// FetchItems reads every item of a data request.
	FetchItems(ctx context.Context, req schema.DataRequest, opts api.FetchOptions) (*api.FetchResult[schema.Item], error)

	// FetchCollections reads every collection of a library.
	FetchCollections(ctx context.Context, lib schema.Library, cred schema.Credential, opts api.FetchOptions) (*api.FetchResult[schema.Collection], error)

	// FetchTags reads every tag of a library.
	FetchTags(ctx context.Context, lib schema.Library, cred schema.Credential, opts api.FetchOptions) (*api.FetchResult[schema.Tag], error)

	// DeleteTags removes tags under a version precondition.
	DeleteTags(ctx context.Context, lib schema.Library, cred schema.Credential, tags []string, asOfVersion int) (*schema.WriteOutcome, error)

	// ModifyTags renames tags under a version precondition.
	ModifyTags(ctx context.Context, lib schema.Library, cred schema.Credential, tags []string, into string, asOfVersion int) (*schema.WriteOutcome, error)

	// CreateItems uploads new items under a version precondition.
	CreateItems(ctx context.Context, lib schema.Library, cred schema.Credential, items []json.RawMessage, asOfVersion int) (*schema.WriteOutcome, error)
}

var _ Remote = (*api.Client)(nil)
