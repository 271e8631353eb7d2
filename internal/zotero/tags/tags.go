// Package tags groups a library's tag set for browsing and compares it with
// the tags already present in the local graph.
//
// Tags that differ only by case are coalesced under one lowercase token;
// the remote casings are kept as variants, most used first. Tokens are
// bucketed by their first character so a UI can page through one letter at a
// time:
//
//	list := tags.MakeTagList(remote)
//	tags.MatchLocal(list, localPages)
//	stats := tags.ComputeStats(list)
package tags

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/zotroam/zsync/internal/zotero/schema"
)

// Entry is one logical tag: a lowercase token, its remote variants and the
// local tags that match it.
type Entry struct {
	Token  string       `json:"token"`
	Zotero []schema.Tag `json:"zotero"`
	Roam   []string     `json:"roam"`
}

// Automatic reports whether the tag has no counterpart in the local set.
func (e Entry) Automatic() bool {
	return len(e.Roam) == 0
}

// Uses returns the summed usage count of every variant.
func (e Entry) Uses() int {
	n := 0
	for _, t := range e.Zotero {
		n += t.Meta.NumItems
	}
	return n
}

// TagList maps a lowercase first character to the entries starting with it,
// sorted by token.
type TagList map[string][]Entry

// Token normalizes a tag string to its grouping token.
func Token(tag string) string {
	return strings.ToLower(tag)
}

func initial(token string) string {
	r, _ := utf8.DecodeRuneInString(token)
	if r == utf8.RuneError {
		return ""
	}
	return string(r)
}

// MakeTagList builds the grouped list. Tags with an empty name are skipped.
func MakeTagList(remote []schema.Tag) TagList {
	byToken := make(map[string]*Entry)
	var tokens []string

	for _, t := range remote {
		if t.Tag == "" {
			continue
		}
		tok := Token(t.Tag)
		e, ok := byToken[tok]
		if !ok {
			e = &Entry{Token: tok, Roam: []string{}}
			byToken[tok] = e
			tokens = append(tokens, tok)
		}
		e.Zotero = append(e.Zotero, t)
	}

	list := make(TagList)
	sort.Strings(tokens)
	for _, tok := range tokens {
		e := byToken[tok]
		sortVariants(e.Zotero)
		key := initial(tok)
		list[key] = append(list[key], *e)
	}
	return list
}

// sortVariants orders by usage count descending, then by tag descending.
func sortVariants(v []schema.Tag) {
	sort.SliceStable(v, func(i, j int) bool {
		if v[i].Meta.NumItems != v[j].Meta.NumItems {
			return v[i].Meta.NumItems > v[j].Meta.NumItems
		}
		return v[i].Tag > v[j].Tag
	})
}

// MatchLocal fills each entry's Roam list with the local tags that match its
// token case-insensitively. Existing matches are replaced, so calling it
// again with a new local set is safe.
func MatchLocal(list TagList, local []string) {
	byToken := make(map[string][]string)
	seen := make(map[string]bool)
	for _, l := range local {
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		tok := Token(l)
		byToken[tok] = append(byToken[tok], l)
	}

	for key, entries := range list {
		for i := range entries {
			matches := append([]string{}, byToken[entries[i].Token]...)
			sort.Strings(matches)
			entries[i].Roam = matches
		}
		list[key] = entries
	}
}

// Lookup returns the entry for a tag in any casing.
func (l TagList) Lookup(tag string) (Entry, bool) {
	tok := Token(tag)
	for _, e := range l[initial(tok)] {
		if e.Token == tok {
			return e, true
		}
	}
	return Entry{}, false
}

// Initials returns the bucket keys in ascending order.
func (l TagList) Initials() []string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Entries returns every entry, ordered by bucket then token.
func (l TagList) Entries() []Entry {
	var out []Entry
	for _, k := range l.Initials() {
		out = append(out, l[k]...)
	}
	return out
}

// Stats summarizes a tag list.
type Stats struct {
	// NTags counts remote tag strings, case variants included.
	NTags int `json:"nTags"`
	// NTotal counts logical tags (tokens).
	NTotal int `json:"nTotal"`
	// NRoam counts tokens with at least one local match.
	NRoam int `json:"nRoam"`
	// NAuto counts remote tag strings whose token has no local match.
	NAuto int `json:"nAuto"`
}

// ComputeStats derives the counts from the current list.
func ComputeStats(list TagList) Stats {
	var s Stats
	for _, entries := range list {
		for _, e := range entries {
			s.NTotal++
			s.NTags += len(e.Zotero)
			if e.Automatic() {
				s.NAuto += len(e.Zotero)
			} else {
				s.NRoam++
			}
		}
	}
	return s
}

// AutoShare is the fraction of remote tag strings without a local match.
func (s Stats) AutoShare() float64 {
	if s.NTags == 0 {
		return 0
	}
	return float64(s.NAuto) / float64(s.NTags)
}

// LocalShare is the fraction of logical tags present locally.
func (s Stats) LocalShare() float64 {
	if s.NTotal == 0 {
		return 0
	}
	return float64(s.NRoam) / float64(s.NTotal)
}
