// Package zoterotest provides an in-process fake of the remote library
// service for tests.
//
// The fake keeps versioned items and collections per library, derives the tag
// list from item tags, paginates with limit/start, honours since and tag
// filters and enforces If-Unmodified-Since-Version on writes the way the real
// service does. Failures can be injected per item, per path or by expiring old
// versions.
//
//	srv := zoterotest.New(t)
//	lib := schema.Library{Kind: schema.KindUser, ID: 1}
//	srv.AddLibrary(lib, 10)
//	srv.PutItems(lib, zoterotest.NewItem("AAA", "book", 10))
//	client := api.New(api.Config{BaseURL: srv.URL}, srv.Client(), nil)
package zoterotest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/zotroam/zsync/internal/zotero/schema"
)

const (
	defaultLimit = 25
	maxLimit     = 100
)

// Request is one request received by the fake.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
}

type library struct {
	lib         schema.Library
	version     int
	items       []schema.Item
	collections []schema.Collection
}

func (l *library) find(key string) int {
	for i, it := range l.items {
		if it.NativeKey() == key {
			return i
		}
	}
	return -1
}

// Server is the fake remote.
type Server struct {
	*httptest.Server

	mu           sync.Mutex
	libs         map[string]*library
	keys         map[string]schema.KeyInfo
	requests     []Request
	itemFailures map[string]int
	pathFailures map[string]int
	expired      map[string]int
	created      int
}

// New starts a fake server that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		libs:         make(map[string]*library),
		keys:         make(map[string]schema.KeyInfo),
		itemFailures: make(map[string]int),
		pathFailures: make(map[string]int),
		expired:      make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// NewItem returns a minimal valid item in no particular library; PutItems
// assigns the library.
func NewItem(key, itemType string, version int) schema.Item {
	return schema.Item{
		Key:     key,
		Version: version,
		Data:    schema.ItemData{Key: key, Version: version, ItemType: itemType},
	}
}

// AddLibrary registers lib at version.
func (s *Server) AddLibrary(lib schema.Library, version int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.libs[lib.Path()] = &library{lib: lib, version: version}
}

func (s *Server) mustLib(lib schema.Library) *library {
	l, ok := s.libs[lib.Path()]
	if !ok {
		panic(fmt.Sprintf("zoterotest: library %s not added", lib.Path()))
	}
	return l
}

// PutItems inserts or replaces items in lib. The library version is raised
// to the highest item version.
func (s *Server) PutItems(lib schema.Library, items ...schema.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.mustLib(lib)
	for _, it := range items {
		it.Library = schema.LibraryRef{Type: lib.Kind, ID: lib.ID, Name: lib.Path()}
		if it.Data.Key == "" {
			it.Data.Key = it.Key
		}
		it.Data.Version = it.Version
		if i := l.find(it.NativeKey()); i >= 0 {
			l.items[i] = it
		} else {
			l.items = append(l.items, it)
		}
		if it.Version > l.version {
			l.version = it.Version
		}
	}
}

// SetCollections replaces the collections of lib.
func (s *Server) SetCollections(lib schema.Library, cols ...schema.Collection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.mustLib(lib)
	l.collections = nil
	for _, c := range cols {
		c.Library = schema.LibraryRef{Type: lib.Kind, ID: lib.ID}
		if c.Data.Key == "" {
			c.Data.Key = c.Key
		}
		l.collections = append(l.collections, c)
	}
}

// SetVersion sets the version of lib, as if another client had written.
func (s *Server) SetVersion(lib schema.Library, version int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mustLib(lib).version = version
}

// Version returns the current version of lib.
func (s *Server) Version(lib schema.Library) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mustLib(lib).version
}

// Item returns the stored item with the given native key.
func (s *Server) Item(lib schema.Library, key string) (schema.Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.mustLib(lib)
	if i := l.find(key); i >= 0 {
		return l.items[i].Clone(), true
	}
	return schema.Item{}, false
}

// AddKey registers a credential and its permissions.
func (s *Server) AddKey(info schema.KeyInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[info.Key] = info
}

// FailItem makes every PATCH of the item with key answer status.
func (s *Server) FailItem(key string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.itemFailures[key] = status
}

// FailPath makes every request with method to path answer status until
// cleared with status 0.
func (s *Server) FailPath(method, path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := method + " /" + strings.Trim(path, "/")
	if status == 0 {
		delete(s.pathFailures, k)
		return
	}
	s.pathFailures[k] = status
}

// ExpireBefore makes since-queries on lib below version answer 410 Gone.
func (s *Server) ExpireBefore(lib schema.Library, version int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expired[lib.Path()] = version
}

// Requests returns every request received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// CountRequests counts requests with method whose path starts with prefix.
func (s *Server) CountRequests(method, prefix string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Method == method && strings.HasPrefix(r.Path, prefix) {
			n++
		}
	}
	return n
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Header: r.Header.Clone(),
	})

	if r.Header.Get("Zotero-API-Key") == "" {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	if status, ok := s.pathFailures[r.Method+" "+r.URL.Path]; ok {
		http.Error(w, http.StatusText(status), status)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) == 2 && parts[0] == "keys" {
		s.serveKey(w, r, parts[1])
		return
	}
	if len(parts) < 3 {
		http.NotFound(w, r)
		return
	}

	l, ok := s.libs[parts[0]+"/"+parts[1]]
	if !ok {
		http.NotFound(w, r)
		return
	}
	rest := parts[2:]

	switch {
	case rest[0] == "items" && (len(rest) == 1 || (len(rest) == 2 && rest[1] == "top")):
		switch r.Method {
		case http.MethodGet:
			s.listItems(w, r, l, len(rest) == 2)
		case http.MethodPost:
			if len(rest) != 1 {
				http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
				return
			}
			s.createItems(w, r, l)
		default:
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		}
	case rest[0] == "items" && len(rest) == 2 && r.Method == http.MethodPatch:
		s.patchItem(w, r, l, rest[1])
	case rest[0] == "collections" && len(rest) == 1 && r.Method == http.MethodGet:
		s.listCollections(w, r, l)
	case rest[0] == "tags" && len(rest) == 1:
		switch r.Method {
		case http.MethodGet:
			s.listTags(w, r, l)
		case http.MethodDelete:
			s.deleteTags(w, r, l)
		default:
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		}
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) serveKey(w http.ResponseWriter, r *http.Request, key string) {
	info, ok := s.keys[key]
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func sinceOf(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (s *Server) listItems(w http.ResponseWriter, r *http.Request, l *library, topOnly bool) {
	since, hasSince := sinceOf(r)
	if hasSince && since < s.expired[l.lib.Path()] {
		http.Error(w, fmt.Sprintf("version %d is no longer available", since), http.StatusGone)
		return
	}

	var filter map[string]bool
	if tag := r.URL.Query().Get("tag"); tag != "" {
		filter = make(map[string]bool)
		for _, t := range strings.Split(tag, " || ") {
			filter[t] = true
		}
	}

	var out []schema.Item
	for _, it := range l.items {
		if topOnly && it.Data.ParentItem != "" {
			continue
		}
		if hasSince && it.Version <= since {
			continue
		}
		if filter != nil && !hasAnyTag(it, filter) {
			continue
		}
		out = append(out, it)
	}
	paginate(w, r, l.version, out)
}

func hasAnyTag(it schema.Item, tags map[string]bool) bool {
	for _, t := range it.Data.Tags {
		if tags[t.Tag] {
			return true
		}
	}
	return false
}

func (s *Server) listCollections(w http.ResponseWriter, r *http.Request, l *library) {
	since, hasSince := sinceOf(r)
	var out []schema.Collection
	for _, c := range l.collections {
		if hasSince && c.Version <= since {
			continue
		}
		out = append(out, c)
	}
	paginate(w, r, l.version, out)
}

func (s *Server) listTags(w http.ResponseWriter, r *http.Request, l *library) {
	counts := make(map[string]*schema.Tag)
	for _, it := range l.items {
		for _, t := range it.Data.Tags {
			tag, ok := counts[t.Tag]
			if !ok {
				tag = &schema.Tag{Tag: t.Tag, Meta: schema.TagMeta{Type: t.Type}}
				counts[t.Tag] = tag
			}
			tag.Meta.NumItems++
		}
	}
	out := make([]schema.Tag, 0, len(counts))
	for _, t := range counts {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	paginate(w, r, l.version, out)
}

// precondition checks If-Unmodified-Since-Version against current and
// writes the error response when it fails.
func precondition(w http.ResponseWriter, r *http.Request, current int, required bool) bool {
	raw := r.Header.Get("If-Unmodified-Since-Version")
	if raw == "" {
		if required {
			http.Error(w, "If-Unmodified-Since-Version not provided", http.StatusPreconditionRequired)
			return false
		}
		return true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		http.Error(w, "Invalid If-Unmodified-Since-Version", http.StatusBadRequest)
		return false
	}
	if current > v {
		w.Header().Set("Last-Modified-Version", strconv.Itoa(current))
		http.Error(w, fmt.Sprintf("Library has been modified since specified version (expected %d, found %d)", v, current), http.StatusPreconditionFailed)
		return false
	}
	return true
}

func (s *Server) deleteTags(w http.ResponseWriter, r *http.Request, l *library) {
	if !precondition(w, r, l.version, true) {
		return
	}
	names := make(map[string]bool)
	for _, t := range strings.Split(r.URL.Query().Get("tag"), " || ") {
		if t != "" {
			names[t] = true
		}
	}

	l.version++
	for i, it := range l.items {
		kept := it.Data.Tags[:0:0]
		for _, t := range it.Data.Tags {
			if !names[t.Tag] {
				kept = append(kept, t)
			}
		}
		if len(kept) != len(it.Data.Tags) {
			it.Data.Tags = kept
			it.Version = l.version
			it.Data.Version = l.version
			l.items[i] = it
		}
	}

	w.Header().Set("Last-Modified-Version", strconv.Itoa(l.version))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) patchItem(w http.ResponseWriter, r *http.Request, l *library, key string) {
	if status, ok := s.itemFailures[key]; ok {
		http.Error(w, http.StatusText(status), status)
		return
	}
	i := l.find(key)
	if i < 0 {
		http.NotFound(w, r)
		return
	}
	it := l.items[i]
	if !precondition(w, r, it.Version, true) {
		return
	}

	var patch map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if raw, ok := patch["tags"]; ok {
		var tags []schema.ItemTag
		if err := json.Unmarshal(raw, &tags); err != nil {
			http.Error(w, "Invalid tags", http.StatusBadRequest)
			return
		}
		it.Data.Tags = tags
	}

	l.version++
	it.Version = l.version
	it.Data.Version = l.version
	l.items[i] = it

	w.Header().Set("Last-Modified-Version", strconv.Itoa(l.version))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) createItems(w http.ResponseWriter, r *http.Request, l *library) {
	if !precondition(w, r, l.version, false) {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	var objects []json.RawMessage
	if err := json.Unmarshal(body, &objects); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if len(objects) > maxLimit/2 {
		http.Error(w, "Only 50 objects can be created at a time", http.StatusRequestEntityTooLarge)
		return
	}

	resp := schema.MultiObjectResponse{
		Successful: map[string]json.RawMessage{},
		Success:    map[string]string{},
		Unchanged:  map[string]string{},
		Failed:     map[string]schema.WriteFailure{},
	}

	var accepted []schema.ItemData
	var indexes []string
	for i, obj := range objects {
		idx := strconv.Itoa(i)
		var data schema.ItemData
		if err := json.Unmarshal(obj, &data); err != nil || data.ItemType == "" {
			resp.Failed[idx] = schema.WriteFailure{Code: http.StatusBadRequest, Message: "'itemType' property not provided"}
			continue
		}
		accepted = append(accepted, data)
		indexes = append(indexes, idx)
	}

	if len(accepted) > 0 {
		l.version++
	}
	for n, data := range accepted {
		s.created++
		data.Key = fmt.Sprintf("NEW%05d", s.created)
		data.Version = l.version
		it := schema.Item{
			Key:     data.Key,
			Version: l.version,
			Library: schema.LibraryRef{Type: l.lib.Kind, ID: l.lib.ID},
			Data:    data,
		}
		l.items = append(l.items, it)
		encoded, _ := json.Marshal(it)
		resp.Successful[indexes[n]] = encoded
		resp.Success[indexes[n]] = data.Key
	}

	w.Header().Set("Last-Modified-Version", strconv.Itoa(l.version))
	writeJSON(w, http.StatusOK, resp)
}

func paginate[T any](w http.ResponseWriter, r *http.Request, version int, all []T) {
	limit := defaultLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = min(v, maxLimit)
	}
	start := 0
	if v, err := strconv.Atoi(r.URL.Query().Get("start")); err == nil && v > 0 {
		start = v
	}

	page := []T{}
	if start < len(all) {
		page = all[start:min(start+limit, len(all))]
	}

	w.Header().Set("Total-Results", strconv.Itoa(len(all)))
	w.Header().Set("Last-Modified-Version", strconv.Itoa(version))
	writeJSON(w, http.StatusOK, page)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
