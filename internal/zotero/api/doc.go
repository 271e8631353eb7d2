// Package api is the client for the remote library service (protocol
// version 3).
//
// # Reading
//
// All list endpoints are paginated with limit/start. FetchItems,
// FetchCollections and FetchTags follow the pages until the Total-Results
// count is reached and return the complete set with the library version
// read from the last page:
//
//	client := api.New(api.DefaultConfig(), nil, logger)
//	res, err := client.FetchItems(ctx, req, api.FetchOptions{Since: 120})
//	if err != nil {
//	    return err // *schema.FetchError
//	}
//	fmt.Println(len(res.Data), res.LastUpdated)
//
// Responses are decoded strictly. A missing version header, an item without
// key or itemType, or an item belonging to another library fails the whole
// fetch with *schema.FetchError; pages read before the failure are dropped.
//
// A since-constrained read answered with 400, 404 or 410 yields a
// FetchError whose RequiresFullResync method reports true.
//
// # Writing
//
// DeleteTags, ModifyTags and CreateItems send If-Unmodified-Since-Version.
// A rejected precondition is reported as *schema.PreconditionFailedError so
// callers can refresh and retry instead of failing outright. Results are
// always returned as a *schema.WriteOutcome listing successful and failed
// sub-requests.
package api
