// Package plan turns user-declared library targets into normalized data
// requests.
//
// A target names either a library ({type, id}) or a raw data URI such as
// "groups/4567/items/top". Analyze validates every target, binds each one to
// exactly one credential and derives the distinct credentials and libraries
// involved. It performs no I/O and may be called any number of times.
package plan

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/zotroam/zsync/internal/zotero/schema"
)

// LibraryTarget declares a library by kind and id. Both are kept as strings
// because they come straight from the config file.
type LibraryTarget struct {
	Type string `mapstructure:"type" json:"type" toml:"type" yaml:"type"`
	ID   string `mapstructure:"id" json:"id" toml:"id" yaml:"id"`
}

// Target is one user-declared entry. Exactly one of Library and DataURI is
// expected; Library takes precedence when both are set.
type Target struct {
	Library    *LibraryTarget    `mapstructure:"library" json:"library,omitempty" toml:"library,omitempty" yaml:"library,omitempty"`
	DataURI    string            `mapstructure:"data_uri" json:"data_uri,omitempty" toml:"data_uri,omitempty" yaml:"data_uri,omitempty"`
	Credential schema.Credential `mapstructure:"api_key" json:"-" toml:"api_key,omitempty" yaml:"api_key,omitempty"`
	Name       string            `mapstructure:"name" json:"name,omitempty" toml:"name,omitempty" yaml:"name,omitempty"`
}

// LibraryEntry is one distinct library of a plan with the credential of the
// first request that referenced it.
type LibraryEntry struct {
	Library    schema.Library
	Credential schema.Credential
}

// Path returns the library path.
func (e LibraryEntry) Path() string {
	return e.Library.Path()
}

// Plan is the normalized form of a target list.
type Plan struct {
	DataRequests []schema.DataRequest
	Credentials  []schema.Credential
	Libraries    []LibraryEntry
}

// RequestsFor returns the data requests that target lib, in declaration order.
func (p *Plan) RequestsFor(lib schema.Library) []schema.DataRequest {
	var out []schema.DataRequest
	for _, r := range p.DataRequests {
		if r.Library == lib {
			out = append(out, r)
		}
	}
	return out
}

// Library returns the entry for path.
func (p *Plan) Library(path string) (LibraryEntry, bool) {
	for _, e := range p.Libraries {
		if e.Path() == path {
			return e, true
		}
	}
	return LibraryEntry{}, false
}

var dataURIPattern = regexp.MustCompile(`(users|groups)/(\d+)/(items.*)`)

// Analyze validates targets and builds the plan.
//
// The fallback credential is used for targets that carry none. When fallback
// is empty, the first credential declared on any target is used instead.
// Analyze returns a *schema.ConfigurationError if the list is empty, if some
// target has no resolvable credential, or if a target does not resolve to a
// valid (kind, id) pair.
func Analyze(targets []Target, fallback schema.Credential) (*Plan, error) {
	if len(targets) == 0 {
		return nil, schema.NewConfigurationError("requests", "at least one data request must be specified")
	}

	if fallback == "" {
		for _, t := range targets {
			if t.Credential != "" {
				fallback = t.Credential
				break
			}
		}
	}

	p := &Plan{}
	seenCred := make(map[schema.Credential]bool)
	seenLib := make(map[string]bool)

	for i, t := range targets {
		field := fmt.Sprintf("requests[%d]", i)

		req, err := normalize(t, field)
		if err != nil {
			return nil, err
		}

		req.Credential = t.Credential
		if req.Credential == "" {
			req.Credential = fallback
		}
		if req.Credential == "" {
			return nil, schema.NewConfigurationError(field+".api_key", "no API key for %s and no fallback key configured", req.DataURI())
		}

		p.DataRequests = append(p.DataRequests, req)

		if !seenCred[req.Credential] {
			seenCred[req.Credential] = true
			p.Credentials = append(p.Credentials, req.Credential)
		}
		if path := req.Library.Path(); !seenLib[path] {
			seenLib[path] = true
			p.Libraries = append(p.Libraries, LibraryEntry{Library: req.Library, Credential: req.Credential})
		}
	}

	return p, nil
}

func normalize(t Target, field string) (schema.DataRequest, error) {
	if t.Library != nil {
		id, err := strconv.ParseInt(strings.TrimSpace(t.Library.ID), 10, 64)
		if err != nil || id <= 0 {
			return schema.DataRequest{}, schema.NewConfigurationError(field+".library.id", "library id %q is missing or invalid", t.Library.ID)
		}
		kind, err := schema.ParseKind(t.Library.Type)
		if err != nil {
			return schema.DataRequest{}, schema.NewConfigurationError(field+".library.type", "library type %q is missing or invalid", t.Library.Type)
		}
		return schema.DataRequest{
			Library:     schema.Library{Kind: kind, ID: id},
			ResourceURI: schema.DefaultResourceURI,
			Name:        t.Name,
		}, nil
	}

	if t.DataURI == "" {
		return schema.DataRequest{}, schema.NewConfigurationError(field+".data_uri", "each data request needs a library or a data URI")
	}
	m := dataURIPattern.FindStringSubmatch(t.DataURI)
	if m == nil {
		return schema.DataRequest{}, schema.NewConfigurationError(field+".data_uri", "incorrect data URI %q", t.DataURI)
	}
	lib, err := schema.ParseLibraryPath(m[1] + "/" + m[2])
	if err != nil {
		return schema.DataRequest{}, schema.NewConfigurationError(field+".data_uri", "incorrect data URI %q: %v", t.DataURI, err)
	}
	return schema.DataRequest{
		Library:     lib,
		ResourceURI: m[3],
		Name:        t.Name,
	}, nil
}
