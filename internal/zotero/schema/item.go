package schema

import (
	"encoding/json"
	"fmt"
)

// Item types with special routing in the classifier.
const (
	ItemTypeAttachment = "attachment"
	ItemTypeNote       = "note"
	ItemTypeAnnotation = "annotation"
)

// ContentTypePDF is the attachment content type routed into the PDF bucket.
const ContentTypePDF = "application/pdf"

// LibraryRef is the library block embedded in every remote entity.
type LibraryRef struct {
	Type Kind   `json:"type"`
	ID   int64  `json:"id"`
	Name string `json:"name,omitempty"`
}

// Library converts the reference into a Library value.
func (r LibraryRef) Library() Library {
	return Library{Kind: r.Type, ID: r.ID}
}

// Path returns the library path of the reference.
func (r LibraryRef) Path() string {
	return r.Library().Path()
}

// Identity is the compound merge key of a library-scoped entity.
type Identity struct {
	Key  string
	Path string
}

// String implements fmt.Stringer.
func (id Identity) String() string {
	return id.Path + "/" + id.Key
}

// ItemTag is a tag reference inside an item's data.
type ItemTag struct {
	Tag  string `json:"tag"`
	Type int    `json:"type,omitempty"`
}

// ItemData is the editable payload of an item. Fields the engine reads are
// decoded into struct fields; every other field is kept verbatim in Rest so a
// snapshot round-trips without loss.
type ItemData struct {
	Key          string
	Version      int
	ItemType     string
	Title        string
	Tags         []ItemTag
	DOI          string
	Extra        string
	ParentItem   string
	ContentType  string
	LinkMode     string
	Collections  []string
	DateAdded    string
	DateModified string

	Rest map[string]json.RawMessage
}

// itemDataKnown lists the JSON names decoded into ItemData struct fields.
var itemDataKnown = map[string]bool{
	"key": true, "version": true, "itemType": true, "title": true, "tags": true,
	"DOI": true, "extra": true, "parentItem": true, "contentType": true,
	"linkMode": true, "collections": true, "dateAdded": true, "dateModified": true,
}

type itemDataFields struct {
	Key          string    `json:"key"`
	Version      int       `json:"version"`
	ItemType     string    `json:"itemType"`
	Title        string    `json:"title,omitempty"`
	Tags         []ItemTag `json:"tags"`
	DOI          string    `json:"DOI,omitempty"`
	Extra        string    `json:"extra,omitempty"`
	ParentItem   ParentRef `json:"parentItem,omitempty"`
	ContentType  string    `json:"contentType,omitempty"`
	LinkMode     string    `json:"linkMode,omitempty"`
	Collections  []string  `json:"collections,omitempty"`
	DateAdded    string    `json:"dateAdded,omitempty"`
	DateModified string    `json:"dateModified,omitempty"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *ItemData) UnmarshalJSON(b []byte) error {
	var f itemDataFields
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return err
	}

	*d = ItemData{
		Key:          f.Key,
		Version:      f.Version,
		ItemType:     f.ItemType,
		Title:        f.Title,
		Tags:         f.Tags,
		DOI:          f.DOI,
		Extra:        f.Extra,
		ParentItem:   string(f.ParentItem),
		ContentType:  f.ContentType,
		LinkMode:     f.LinkMode,
		Collections:  f.Collections,
		DateAdded:    f.DateAdded,
		DateModified: f.DateModified,
	}
	for k, v := range all {
		if itemDataKnown[k] {
			continue
		}
		if d.Rest == nil {
			d.Rest = make(map[string]json.RawMessage)
		}
		d.Rest[k] = v
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d ItemData) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(itemDataFields{
		Key:          d.Key,
		Version:      d.Version,
		ItemType:     d.ItemType,
		Title:        d.Title,
		Tags:         d.Tags,
		DOI:          d.DOI,
		Extra:        d.Extra,
		ParentItem:   ParentRef(d.ParentItem),
		ContentType:  d.ContentType,
		LinkMode:     d.LinkMode,
		Collections:  d.Collections,
		DateAdded:    d.DateAdded,
		DateModified: d.DateModified,
	})
	if err != nil || len(d.Rest) == 0 {
		return known, err
	}

	merged := make(map[string]json.RawMessage, len(d.Rest)+13)
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range d.Rest {
		if !itemDataKnown[k] {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// TagNames returns the plain tag strings of the item.
func (d ItemData) TagNames() []string {
	names := make([]string, 0, len(d.Tags))
	for _, t := range d.Tags {
		names = append(names, t.Tag)
	}
	return names
}

// Item is one remote bibliographic entity: a top-level item, an attachment,
// a note or an annotation.
type Item struct {
	Key     string                     `json:"key"`
	Version int                        `json:"version"`
	Library LibraryRef                 `json:"library"`
	Links   json.RawMessage            `json:"links,omitempty"`
	Meta    map[string]json.RawMessage `json:"meta,omitempty"`
	Data    ItemData                   `json:"data"`

	// HasCitekey is derived by the classifier, never read from the remote.
	HasCitekey bool `json:"has_citekey"`

	// RequestLabel names the data request that retrieved the item.
	RequestLabel string `json:"requestLabel,omitempty"`
}

// NativeKey returns the library-assigned key, which survives citekey rewrites.
func (it Item) NativeKey() string {
	if it.Data.Key != "" {
		return it.Data.Key
	}
	return it.Key
}

// Identity returns the compound merge identity of the item.
func (it Item) Identity() Identity {
	return Identity{Key: it.NativeKey(), Path: it.Library.Path()}
}

// Validate checks the fields the engine relies on.
func (it Item) Validate() error {
	if it.Key == "" {
		return fmt.Errorf("item key is required")
	}
	if it.Version < 0 {
		return fmt.Errorf("item %s has negative version %d", it.Key, it.Version)
	}
	if err := it.Library.Library().Validate(); err != nil {
		return fmt.Errorf("item %s: %w", it.Key, err)
	}
	if it.Data.ItemType == "" {
		return fmt.Errorf("item %s has no itemType", it.Key)
	}
	return nil
}

// Clone returns a copy that shares no mutable state with it.
func (it Item) Clone() Item {
	out := it
	out.Links = append(json.RawMessage(nil), it.Links...)
	if it.Meta != nil {
		out.Meta = make(map[string]json.RawMessage, len(it.Meta))
		for k, v := range it.Meta {
			out.Meta[k] = v
		}
	}
	out.Data.Tags = append([]ItemTag(nil), it.Data.Tags...)
	out.Data.Collections = append([]string(nil), it.Data.Collections...)
	if it.Data.Rest != nil {
		out.Data.Rest = make(map[string]json.RawMessage, len(it.Data.Rest))
		for k, v := range it.Data.Rest {
			out.Data.Rest[k] = v
		}
	}
	return out
}
