package schema

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Kind is the owner kind of a library.
type Kind string

const (
	// KindUser is a personal library (path prefix "users/").
	KindUser Kind = "user"
	// KindGroup is a shared group library (path prefix "groups/").
	KindGroup Kind = "group"
)

// IsValid reports whether k is a known library kind.
func (k Kind) IsValid() bool {
	return k == KindUser || k == KindGroup
}

// ParseKind accepts both the singular ("user") and the path form ("users").
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user", "users":
		return KindUser, nil
	case "group", "groups":
		return KindGroup, nil
	default:
		return "", fmt.Errorf("unknown library kind %q (must be user or group)", s)
	}
}

// Credential is an opaque bearer token for the remote API.
type Credential string

// Masked returns the credential with all but the last four characters hidden.
// Use it whenever a credential has to appear in logs.
func (c Credential) Masked() string {
	s := string(c)
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}

// Library identifies one remote library.
type Library struct {
	Kind Kind  `json:"type"`
	ID   int64 `json:"id"`
}

// libraryPathPattern matches "users/123" and "groups/456".
var libraryPathPattern = regexp.MustCompile(`^(user|group)s/(\d+)$`)

// Path returns the library path used by the remote API, e.g. "users/123".
func (l Library) Path() string {
	return string(l.Kind) + "s/" + strconv.FormatInt(l.ID, 10)
}

// String implements fmt.Stringer.
func (l Library) String() string {
	return l.Path()
}

// Validate checks that the library has a known kind and a positive id.
func (l Library) Validate() error {
	if !l.Kind.IsValid() {
		return fmt.Errorf("invalid library kind %q", l.Kind)
	}
	if l.ID <= 0 {
		return fmt.Errorf("invalid library id %d", l.ID)
	}
	return nil
}

// ParseLibraryPath parses "users/123" or "groups/456" into a Library.
func ParseLibraryPath(path string) (Library, error) {
	m := libraryPathPattern.FindStringSubmatch(strings.Trim(path, "/"))
	if m == nil {
		return Library{}, fmt.Errorf("invalid library path %q (expected users/<id> or groups/<id>)", path)
	}
	id, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return Library{}, fmt.Errorf("invalid library id in %q: %w", path, err)
	}
	lib := Library{Kind: Kind(m[1]), ID: id}
	if err := lib.Validate(); err != nil {
		return Library{}, err
	}
	return lib, nil
}

// DefaultResourceURI is the resource fetched when a data request names a
// library without a narrower locator.
const DefaultResourceURI = "items"

// DataRequest binds one resource of one library to the credential used to
// read it.
type DataRequest struct {
	Credential  Credential `json:"-"`
	Library     Library    `json:"library"`
	ResourceURI string     `json:"uri"`
	Name        string     `json:"name,omitempty"`
}

// DataURI returns the full resource path relative to the API root,
// e.g. "users/123/items/top".
func (r DataRequest) DataURI() string {
	uri := r.ResourceURI
	if uri == "" {
		uri = DefaultResourceURI
	}
	return r.Library.Path() + "/" + uri
}

// Label returns the request name, falling back to its data URI.
func (r DataRequest) Label() string {
	if r.Name != "" {
		return r.Name
	}
	return r.DataURI()
}
