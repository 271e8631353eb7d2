// Package classify post-processes fetched items: it extracts citekeys from
// free-text metadata and partitions items into bibliographic entries, PDF
// attachments and notes, with an index from each parent to its children.
//
// Both operations are pure and idempotent. Run ExtractCitekeys before
// Categorize; Categorize indexes children by the parent's library-assigned
// key, so a citekey that collides with another item's native key does not
// change the partition.
package classify

import (
	"regexp"
	"strings"

	"github.com/zotroam/zsync/internal/zotero/schema"
)

var citekeyPattern = regexp.MustCompile(`Citation Key: (.+)`)

// Citekey returns the citekey embedded in extra, if any.
func Citekey(extra string) (string, bool) {
	m := citekeyPattern.FindStringSubmatch(extra)
	if m == nil {
		return "", false
	}
	key := strings.TrimSpace(m[1])
	return key, key != ""
}

// ExtractCitekeys returns a copy of items where every item whose extra field
// declares a citekey has Key replaced by it and HasCitekey set. Other items
// keep (or get back) their library-assigned key.
func ExtractCitekeys(items []schema.Item) []schema.Item {
	out := make([]schema.Item, len(items))
	for i, it := range items {
		if key, ok := Citekey(it.Data.Extra); ok {
			it.Key = key
			it.HasCitekey = true
		} else {
			it.Key = it.NativeKey()
			it.HasCitekey = false
		}
		out[i] = it
	}
	return out
}

// Kind is the partition an item belongs to.
type Kind int

const (
	KindItem Kind = iota
	KindPDF
	KindNote
	// KindOther covers attachments that are not PDFs. They are dropped from
	// every partition.
	KindOther
)

// KindOf routes one item.
func KindOf(it schema.Item) Kind {
	switch it.Data.ItemType {
	case schema.ItemTypeNote, schema.ItemTypeAnnotation:
		return KindNote
	case schema.ItemTypeAttachment:
		if it.Data.ContentType == schema.ContentTypePDF {
			return KindPDF
		}
		return KindOther
	default:
		return KindItem
	}
}

// Children holds the attachments and notes of one parent item.
type Children struct {
	PDFs  []schema.Item
	Notes []schema.Item
}

// ItemList is the partitioned form of an item set.
type ItemList struct {
	Items []schema.Item
	PDFs  []schema.Item
	Notes []schema.Item

	children map[schema.Identity]*Children
}

// Categorize partitions items. Input order is preserved within each
// partition.
func Categorize(items []schema.Item) *ItemList {
	list := &ItemList{
		Items:    []schema.Item{},
		PDFs:     []schema.Item{},
		Notes:    []schema.Item{},
		children: make(map[schema.Identity]*Children),
	}

	for _, it := range items {
		switch KindOf(it) {
		case KindItem:
			list.Items = append(list.Items, it)
		case KindPDF:
			list.PDFs = append(list.PDFs, it)
			if c := list.childrenOf(it); c != nil {
				c.PDFs = append(c.PDFs, it)
			}
		case KindNote:
			list.Notes = append(list.Notes, it)
			if c := list.childrenOf(it); c != nil {
				c.Notes = append(c.Notes, it)
			}
		}
	}

	return list
}

func (l *ItemList) childrenOf(child schema.Item) *Children {
	if child.Data.ParentItem == "" {
		return nil
	}
	id := schema.Identity{Key: child.Data.ParentItem, Path: child.Library.Path()}
	c, ok := l.children[id]
	if !ok {
		c = &Children{}
		l.children[id] = c
	}
	return c
}

// Children returns the children of the item with the given library-assigned
// key in the library at path.
func (l *ItemList) Children(key, path string) Children {
	if c, ok := l.children[schema.Identity{Key: key, Path: path}]; ok {
		return *c
	}
	return Children{}
}

// ChildrenOf returns the children of parent.
func (l *ItemList) ChildrenOf(parent schema.Item) Children {
	return l.Children(parent.NativeKey(), parent.Library.Path())
}

// All returns every partitioned item, bibliographic entries first.
func (l *ItemList) All() []schema.Item {
	out := make([]schema.Item, 0, len(l.Items)+len(l.PDFs)+len(l.Notes))
	out = append(out, l.Items...)
	out = append(out, l.PDFs...)
	return append(out, l.Notes...)
}
