package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/zotroam/zsync/internal/zotero/schema"
	"github.com/zotroam/zsync/internal/zotero/zoterotest"
)

var testLib = schema.Library{Kind: schema.KindUser, ID: 1}

const testKey schema.Credential = "test-key"

func setupClient(t *testing.T) (*Client, *zoterotest.Server) {
	t.Helper()
	srv := zoterotest.New(t)
	srv.AddLibrary(testLib, 1)
	logger := log.New(io.Discard, "", 0)
	client := New(Config{BaseURL: srv.URL, PageSize: 2}, srv.Client(), logger)
	return client, srv
}

func taggedItem(key string, version int, tags ...string) schema.Item {
	it := zoterotest.NewItem(key, "book", version)
	for _, tag := range tags {
		it.Data.Tags = append(it.Data.Tags, schema.ItemTag{Tag: tag})
	}
	return it
}

func itemRequest() schema.DataRequest {
	return schema.DataRequest{Credential: testKey, Library: testLib, Name: "mine"}
}

func TestFetchItems_Paginates(t *testing.T) {
	client, srv := setupClient(t)
	srv.PutItems(testLib,
		taggedItem("A", 3), taggedItem("B", 4), taggedItem("C", 5), taggedItem("D", 6), taggedItem("E", 7))

	res, err := client.FetchItems(context.Background(), itemRequest(), FetchOptions{})
	if err != nil {
		t.Fatalf("FetchItems() failed: %v", err)
	}
	if len(res.Data) != 5 || res.TotalResults != 5 {
		t.Errorf("got %d items (total %d), want 5", len(res.Data), res.TotalResults)
	}
	if res.LastUpdated != 7 {
		t.Errorf("LastUpdated = %d, want 7", res.LastUpdated)
	}
	if res.Data[0].RequestLabel != "mine" {
		t.Errorf("RequestLabel = %q, want mine", res.Data[0].RequestLabel)
	}
	if n := srv.CountRequests(http.MethodGet, "/users/1/items"); n != 3 {
		t.Errorf("page requests = %d, want 3", n)
	}

	reqs := srv.Requests()
	last := reqs[len(reqs)-1]
	if last.Header.Get(HeaderAPIVersion) != APIVersion || last.Header.Get(HeaderAPIKey) != string(testKey) {
		t.Errorf("missing protocol headers: %v", last.Header)
	}
	if last.Query.Get("start") != "4" || last.Query.Get("limit") != "2" {
		t.Errorf("last page query = %v", last.Query)
	}
}

func TestFetchItems_Since(t *testing.T) {
	client, srv := setupClient(t)
	srv.PutItems(testLib, taggedItem("A", 10), taggedItem("B", 12))

	res, err := client.FetchItems(context.Background(), itemRequest(), FetchOptions{Since: 10})
	if err != nil {
		t.Fatalf("FetchItems() failed: %v", err)
	}
	if len(res.Data) != 1 || res.Data[0].Key != "B" {
		t.Errorf("since=10 returned %+v, want only B", res.Data)
	}
}

func TestFetchItems_EmptyLibrary(t *testing.T) {
	client, _ := setupClient(t)

	res, err := client.FetchItems(context.Background(), itemRequest(), FetchOptions{})
	if err != nil {
		t.Fatalf("FetchItems() failed: %v", err)
	}
	if len(res.Data) != 0 || res.LastUpdated != 1 {
		t.Errorf("got %d items at version %d", len(res.Data), res.LastUpdated)
	}
}

func TestFetchItems_ExpiredVersion(t *testing.T) {
	client, srv := setupClient(t)
	srv.PutItems(testLib, taggedItem("A", 10))
	srv.ExpireBefore(testLib, 8)

	_, err := client.FetchItems(context.Background(), itemRequest(), FetchOptions{Since: 5})
	if err == nil {
		t.Fatal("FetchItems() expected error")
	}
	if !schema.RequiresFullResync(err) {
		t.Errorf("error %v should require a full resync", err)
	}
	var fe *schema.FetchError
	if !errors.As(err, &fe) || fe.Status != http.StatusGone || fe.Library != "users/1" {
		t.Errorf("error = %#v", err)
	}
}

func TestFetchItems_ErrorStatus(t *testing.T) {
	client, srv := setupClient(t)
	srv.FailPath(http.MethodGet, "users/1/items", http.StatusServiceUnavailable)

	_, err := client.FetchItems(context.Background(), itemRequest(), FetchOptions{})
	var fe *schema.FetchError
	if !errors.As(err, &fe) || fe.Status != http.StatusServiceUnavailable {
		t.Fatalf("error = %v, want FetchError 503", err)
	}
	if !schema.IsRetryable(err) {
		t.Error("503 should be retryable")
	}
}

func TestFetchItems_FailureMidwayDiscardsPages(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 2 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Header().Set(HeaderTotalResults, "4")
		w.Header().Set(HeaderLastModifiedVersion, "3")
		fmt.Fprint(w, `[{"key":"A","version":1,"library":{"type":"user","id":1},"data":{"key":"A","itemType":"book"}},`+
			`{"key":"B","version":1,"library":{"type":"user","id":1},"data":{"key":"B","itemType":"book"}}]`)
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL, PageSize: 2}, srv.Client(), log.New(io.Discard, "", 0))
	res, err := client.FetchItems(context.Background(), itemRequest(), FetchOptions{})
	if err == nil {
		t.Fatalf("FetchItems() expected error, got %d items", len(res.Data))
	}
	if res != nil {
		t.Error("partial result must not be returned")
	}
}

func TestFetchItems_MalformedResponses(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		body    string
	}{
		{
			name:    "missing version header",
			headers: map[string]string{HeaderTotalResults: "1"},
			body:    `[{"key":"A","version":1,"library":{"type":"user","id":1},"data":{"itemType":"book"}}]`,
		},
		{
			name:    "missing total header",
			headers: map[string]string{HeaderLastModifiedVersion: "1"},
			body:    `[]`,
		},
		{
			name:    "not an array",
			headers: map[string]string{HeaderTotalResults: "1", HeaderLastModifiedVersion: "1"},
			body:    `{"key":"A"}`,
		},
		{
			name:    "item without key",
			headers: map[string]string{HeaderTotalResults: "1", HeaderLastModifiedVersion: "1"},
			body:    `[{"version":1,"library":{"type":"user","id":1},"data":{"itemType":"book"}}]`,
		},
		{
			name:    "item from another library",
			headers: map[string]string{HeaderTotalResults: "1", HeaderLastModifiedVersion: "1"},
			body:    `[{"key":"A","version":1,"library":{"type":"group","id":1},"data":{"itemType":"book"}}]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.headers {
					w.Header().Set(k, v)
				}
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			client := New(Config{BaseURL: srv.URL}, srv.Client(), log.New(io.Discard, "", 0))
			_, err := client.FetchItems(context.Background(), itemRequest(), FetchOptions{})
			if !errors.Is(err, schema.ErrFetch) {
				t.Errorf("error = %v, want a fetch error", err)
			}
		})
	}
}

func TestFetchItems_TopLevelParentFalse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderTotalResults, "2")
		w.Header().Set(HeaderLastModifiedVersion, "3")
		fmt.Fprint(w, `[
			{"key":"N1","version":2,"library":{"type":"user","id":1},"data":{"key":"N1","itemType":"note","parentItem":false}},
			{"key":"A1","version":3,"library":{"type":"user","id":1},"data":{"key":"A1","itemType":"attachment","parentItem":"N1"}}
		]`)
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL}, srv.Client(), log.New(io.Discard, "", 0))
	res, err := client.FetchItems(context.Background(), itemRequest(), FetchOptions{})
	if err != nil {
		t.Fatalf("FetchItems failed: %v", err)
	}
	if len(res.Data) != 2 {
		t.Fatalf("got %d items, want 2", len(res.Data))
	}
	if res.Data[0].Data.ParentItem != "" || res.Data[1].Data.ParentItem != "N1" {
		t.Errorf("parents = %q, %q", res.Data[0].Data.ParentItem, res.Data[1].Data.ParentItem)
	}
}

func TestFetchCollectionsAndTags(t *testing.T) {
	client, srv := setupClient(t)
	srv.PutItems(testLib,
		taggedItem("A", 2, "history", "method"),
		taggedItem("B", 3, "History"),
		taggedItem("C", 4, "history"))
	srv.SetCollections(testLib,
		schema.Collection{Key: "C1", Version: 2, Data: schema.CollectionData{Name: "Root"}},
		schema.Collection{Key: "C2", Version: 3, Data: schema.CollectionData{Name: "Child", ParentCollection: "C1"}})

	cols, err := client.FetchCollections(context.Background(), testLib, testKey, FetchOptions{})
	if err != nil {
		t.Fatalf("FetchCollections() failed: %v", err)
	}
	if len(cols.Data) != 2 || cols.Data[1].Data.ParentCollection != "C1" {
		t.Errorf("collections = %+v", cols.Data)
	}

	tags, err := client.FetchTags(context.Background(), testLib, testKey, FetchOptions{})
	if err != nil {
		t.Fatalf("FetchTags() failed: %v", err)
	}
	counts := map[string]int{}
	for _, tag := range tags.Data {
		counts[tag.Tag] = tag.Meta.NumItems
	}
	if counts["history"] != 2 || counts["History"] != 1 || counts["method"] != 1 {
		t.Errorf("tag counts = %v", counts)
	}
	if tags.LastUpdated != 4 {
		t.Errorf("LastUpdated = %d, want 4", tags.LastUpdated)
	}
}

func TestLibraryVersion(t *testing.T) {
	client, srv := setupClient(t)
	srv.SetVersion(testLib, 77)

	v, err := client.LibraryVersion(context.Background(), testLib, testKey)
	if err != nil {
		t.Fatalf("LibraryVersion() failed: %v", err)
	}
	if v != 77 {
		t.Errorf("LibraryVersion() = %d, want 77", v)
	}
}

func TestDeleteTags_Precondition(t *testing.T) {
	client, srv := setupClient(t)
	srv.PutItems(testLib, taggedItem("A", 20, "systems", "keep"))
	current := srv.Version(testLib)

	outcome, err := client.DeleteTags(context.Background(), testLib, testKey, []string{"systems"}, current-10)
	if !errors.Is(err, schema.ErrPreconditionFailed) {
		t.Fatalf("DeleteTags(stale) error = %v, want precondition failed", err)
	}
	if errors.Is(err, schema.ErrFetch) {
		t.Error("precondition failure must be distinct from fetch errors")
	}
	if outcome == nil || len(outcome.Failed) != 1 || outcome.Failed[0].Status != http.StatusPreconditionFailed {
		t.Errorf("stale outcome = %+v", outcome)
	}
	if it, _ := srv.Item(testLib, "A"); len(it.Data.Tags) != 2 {
		t.Error("stale delete must not change anything")
	}

	outcome, err = client.DeleteTags(context.Background(), testLib, testKey, []string{"systems"}, current)
	if err != nil {
		t.Fatalf("DeleteTags(current) failed: %v", err)
	}
	if len(outcome.Successful) != 1 || outcome.Successful[0].Status != http.StatusNoContent {
		t.Errorf("outcome = %+v", outcome)
	}
	if outcome.Successful[0].Version != current+1 {
		t.Errorf("reported version = %d, want %d", outcome.Successful[0].Version, current+1)
	}
	it, _ := srv.Item(testLib, "A")
	if len(it.Data.Tags) != 1 || it.Data.Tags[0].Tag != "keep" {
		t.Errorf("remaining tags = %+v", it.Data.Tags)
	}

	reqs := srv.Requests()
	last := reqs[len(reqs)-1]
	if last.Header.Get(HeaderIfUnmodifiedSinceVersion) != fmt.Sprint(current) {
		t.Errorf("precondition header = %q", last.Header.Get(HeaderIfUnmodifiedSinceVersion))
	}
}

func TestDeleteTags_Nothing(t *testing.T) {
	client, srv := setupClient(t)
	outcome, err := client.DeleteTags(context.Background(), testLib, testKey, nil, 1)
	if err != nil || !outcome.Empty() {
		t.Errorf("DeleteTags(nil) = %+v, %v", outcome, err)
	}
	if len(srv.Requests()) != 0 {
		t.Error("no request expected")
	}
}

func TestModifyTags_PartialFailure(t *testing.T) {
	client, srv := setupClient(t)
	srv.PutItems(testLib,
		taggedItem("A", 5, "hist"),
		taggedItem("B", 6, "Hist", "method"),
		taggedItem("C", 7, "hist"),
		taggedItem("D", 8, "other"))
	srv.FailItem("C", http.StatusInternalServerError)

	outcome, err := client.ModifyTags(context.Background(), testLib, testKey, []string{"hist", "Hist"}, "history", srv.Version(testLib))
	if err != nil {
		t.Fatalf("ModifyTags() returned error for partial failure: %v", err)
	}
	if len(outcome.Successful) != 2 || len(outcome.Failed) != 1 {
		t.Fatalf("outcome = %d successful, %d failed; want 2 and 1", len(outcome.Successful), len(outcome.Failed))
	}
	if outcome.Failed[0].Target != "C" || outcome.Failed[0].Status != http.StatusInternalServerError {
		t.Errorf("failed entry = %+v", outcome.Failed[0])
	}
	if !outcome.Partial() {
		t.Error("Partial() = false")
	}

	b, _ := srv.Item(testLib, "B")
	names := b.Data.TagNames()
	if len(names) != 2 || names[0] != "history" || names[1] != "method" {
		t.Errorf("B tags = %v, want [history method]", names)
	}
	if d, _ := srv.Item(testLib, "D"); d.Version != 8 {
		t.Error("untagged item must not be touched")
	}
}

func TestModifyTags_StaleVersion(t *testing.T) {
	client, srv := setupClient(t)
	srv.PutItems(testLib, taggedItem("A", 5, "hist"))

	_, err := client.ModifyTags(context.Background(), testLib, testKey, []string{"hist"}, "history", 4)
	if !errors.Is(err, schema.ErrPreconditionFailed) {
		t.Fatalf("ModifyTags(stale) error = %v, want precondition failed", err)
	}
	if n := srv.CountRequests(http.MethodPatch, "/"); n != 0 {
		t.Errorf("%d PATCH requests sent, want none", n)
	}
}

func TestModifyTags_EmptyTarget(t *testing.T) {
	client, _ := setupClient(t)
	_, err := client.ModifyTags(context.Background(), testLib, testKey, []string{"a"}, "  ", 1)
	if !errors.Is(err, schema.ErrConfiguration) {
		t.Errorf("error = %v, want configuration error", err)
	}
}

func TestRenameTags(t *testing.T) {
	current := []schema.ItemTag{{Tag: "a"}, {Tag: "keep", Type: 1}, {Tag: "A"}, {Tag: "new"}}
	got := renameTags(current, map[string]bool{"a": true, "A": true}, "new")

	want := []string{"new", "keep"}
	if len(got) != len(want) {
		t.Fatalf("renameTags() = %+v", got)
	}
	for i := range want {
		if got[i].Tag != want[i] {
			t.Errorf("tag %d = %q, want %q", i, got[i].Tag, want[i])
		}
	}
	if got[1].Type != 1 {
		t.Error("untouched tag lost its type")
	}

	auto := renameTags([]schema.ItemTag{{Tag: "ml", Type: 1}, {Tag: "ML"}}, map[string]bool{"ml": true, "ML": true}, "machine learning")
	if len(auto) != 1 || auto[0].Tag != "machine learning" || auto[0].Type != 1 {
		t.Errorf("renamed automatic tag = %+v, want type 1 kept", auto)
	}
}

func TestDeleteTags_RejectsSeparator(t *testing.T) {
	client, srv := setupClient(t)
	srv.PutItems(testLib, taggedItem("A", 2, "a || b"))

	_, err := client.DeleteTags(context.Background(), testLib, testKey, []string{"ok", "a || b"}, srv.Version(testLib))
	if !errors.Is(err, schema.ErrConfiguration) {
		t.Errorf("DeleteTags error = %v, want configuration error", err)
	}
	_, err = client.ModifyTags(context.Background(), testLib, testKey, []string{"a || b"}, "c", srv.Version(testLib))
	if !errors.Is(err, schema.ErrConfiguration) {
		t.Errorf("ModifyTags error = %v, want configuration error", err)
	}
	if len(srv.Requests()) != 0 {
		t.Errorf("got %d requests, want none", len(srv.Requests()))
	}
}

func TestDeleteTags_Batches(t *testing.T) {
	client, srv := setupClient(t)
	var names []string
	for i := 0; i < 2*MaxTagsPerRequest+5; i++ {
		names = append(names, fmt.Sprintf("tag%03d", i))
	}
	srv.PutItems(testLib, taggedItem("A", 2, append([]string{"keep"}, names...)...))
	start := srv.Version(testLib)

	outcome, err := client.DeleteTags(context.Background(), testLib, testKey, names, start)
	if err != nil {
		t.Fatalf("DeleteTags failed: %v", err)
	}
	if len(outcome.Successful) != 3 || len(outcome.Failed) != 0 {
		t.Fatalf("outcome = %+v, want 3 successful batches", outcome)
	}
	if got := outcome.MaxVersion(); got != start+3 {
		t.Errorf("MaxVersion() = %d, want %d", got, start+3)
	}
	it, _ := srv.Item(testLib, "A")
	if len(it.Data.Tags) != 1 || it.Data.Tags[0].Tag != "keep" {
		t.Errorf("remaining tags = %+v", it.Data.Tags)
	}

	var guards []string
	for _, r := range srv.Requests() {
		if r.Method == http.MethodDelete {
			guards = append(guards, r.Header.Get(HeaderIfUnmodifiedSinceVersion))
		}
	}
	want := []string{fmt.Sprint(start), fmt.Sprint(start + 1), fmt.Sprint(start + 2)}
	if fmt.Sprint(guards) != fmt.Sprint(want) {
		t.Errorf("precondition headers = %v, want %v", guards, want)
	}
}

func TestModifyTags_ManyTags(t *testing.T) {
	client, srv := setupClient(t)
	var names []string
	for i := 0; i < MaxTagsPerRequest+1; i++ {
		names = append(names, fmt.Sprintf("tag%03d", i))
	}
	srv.PutItems(testLib,
		taggedItem("A", 2, names[0]),
		taggedItem("B", 2, names[len(names)-1]),
		taggedItem("C", 2, names[0], names[len(names)-1]),
	)

	outcome, err := client.ModifyTags(context.Background(), testLib, testKey, names, "merged", srv.Version(testLib))
	if err != nil {
		t.Fatalf("ModifyTags failed: %v", err)
	}
	if len(outcome.Successful) != 3 {
		t.Errorf("outcome = %+v, want 3 items updated once each", outcome)
	}
}

func TestCreateItems_Batches(t *testing.T) {
	client, srv := setupClient(t)
	start := srv.Version(testLib)

	var items []json.RawMessage
	for i := 0; i < 60; i++ {
		items = append(items, json.RawMessage(fmt.Sprintf(`{"itemType":"book","title":"Book %d"}`, i)))
	}
	items[55] = json.RawMessage(`{"title":"no type"}`)

	outcome, err := client.CreateItems(context.Background(), testLib, testKey, items, start)
	if err != nil {
		t.Fatalf("CreateItems() failed: %v", err)
	}
	if n := srv.CountRequests(http.MethodPost, "/users/1/items"); n != 2 {
		t.Errorf("POST requests = %d, want 2", n)
	}
	if len(outcome.Successful) != 1 || len(outcome.Failed) != 1 {
		t.Fatalf("outcome = %+v", outcome)
	}
	if outcome.Successful[0].Target != "items 1-50" || len(outcome.Successful[0].Response.Success) != 50 {
		t.Errorf("first batch = %+v", outcome.Successful[0])
	}
	if failed := outcome.Failed[0].Response.Failed; len(failed) != 1 {
		t.Errorf("second batch failures = %v", failed)
	}
	if srv.Version(testLib) != start+2 {
		t.Errorf("library version = %d, want %d", srv.Version(testLib), start+2)
	}
}

func TestCreateItems_Precondition(t *testing.T) {
	client, srv := setupClient(t)
	srv.SetVersion(testLib, 9)

	outcome, err := client.CreateItems(context.Background(), testLib, testKey,
		[]json.RawMessage{json.RawMessage(`{"itemType":"book"}`)}, 3)
	if !errors.Is(err, schema.ErrPreconditionFailed) {
		t.Fatalf("error = %v, want precondition failed", err)
	}
	if len(outcome.Failed) != 1 {
		t.Errorf("outcome = %+v", outcome)
	}
}

func TestFetchPermissions(t *testing.T) {
	client, srv := setupClient(t)
	srv.AddKey(schema.KeyInfo{
		Key:      string(testKey),
		UserID:   1,
		Username: "someone",
		Access:   schema.KeyAccess{User: map[string]bool{"library": true, "write": true}},
	})

	info, err := client.FetchPermissions(context.Background(), testKey)
	if err != nil {
		t.Fatalf("FetchPermissions() failed: %v", err)
	}
	if info.UserID != 1 || info.Username != "someone" || !info.CanWrite(testLib) {
		t.Errorf("info = %+v", info)
	}

	_, err = client.FetchPermissions(context.Background(), "unknown")
	var fe *schema.FetchError
	if !errors.As(err, &fe) || fe.Status != http.StatusNotFound {
		t.Errorf("unknown key error = %v", err)
	}
}

func TestNew_Defaults(t *testing.T) {
	c := New(Config{PageSize: 500}, nil, nil)
	cfg := c.Config()
	if cfg.BaseURL != "https://api.zotero.org" || cfg.PageSize != MaxPageSize || cfg.MaxConcurrentWrites != 5 {
		t.Errorf("Config() = %+v", cfg)
	}
}
