package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ParentRef is the parent key of a collection or a child item. The remote
// encodes "no parent" as the JSON literal false instead of null.
type ParentRef string

// UnmarshalJSON implements json.Unmarshaler.
func (p *ParentRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("false")) || bytes.Equal(b, []byte("null")) {
		*p = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("invalid parent key: %w", err)
	}
	*p = ParentRef(s)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p ParentRef) MarshalJSON() ([]byte, error) {
	if p == "" {
		return []byte("false"), nil
	}
	return json.Marshal(string(p))
}

// CollectionData is the editable payload of a collection.
type CollectionData struct {
	Key              string    `json:"key"`
	Version          int       `json:"version"`
	Name             string    `json:"name"`
	ParentCollection ParentRef `json:"parentCollection"`
}

// Collection is a named grouping of items within one library.
type Collection struct {
	Key     string                     `json:"key"`
	Version int                        `json:"version"`
	Library LibraryRef                 `json:"library"`
	Meta    map[string]json.RawMessage `json:"meta,omitempty"`
	Data    CollectionData             `json:"data"`
}

// Identity returns the compound identity of the collection.
func (c Collection) Identity() Identity {
	return Identity{Key: c.Key, Path: c.Library.Path()}
}

// Validate checks the fields the engine relies on.
func (c Collection) Validate() error {
	if c.Key == "" {
		return fmt.Errorf("collection key is required")
	}
	if err := c.Library.Library().Validate(); err != nil {
		return fmt.Errorf("collection %s: %w", c.Key, err)
	}
	return nil
}

// TagMeta carries the usage data the remote reports for a tag.
type TagMeta struct {
	Type     int `json:"type"`
	NumItems int `json:"numItems"`
}

// Tag is one distinct tag string of a library with its usage count.
// Tags differing only in case are distinct remote entities.
type Tag struct {
	Tag  string  `json:"tag"`
	Meta TagMeta `json:"meta"`
}

// Validate checks the fields the engine relies on.
func (t Tag) Validate() error {
	if t.Tag == "" {
		return fmt.Errorf("tag name is required")
	}
	if t.Meta.NumItems < 0 {
		return fmt.Errorf("tag %q has negative usage count", t.Tag)
	}
	return nil
}

// KeyAccess is the access block of a credential's permission record.
type KeyAccess struct {
	User   map[string]bool            `json:"user,omitempty"`
	Groups map[string]map[string]bool `json:"groups,omitempty"`
}

// KeyInfo describes what a credential may access.
type KeyInfo struct {
	Key      string    `json:"key"`
	UserID   int64     `json:"userID"`
	Username string    `json:"username"`
	Access   KeyAccess `json:"access"`
}

// CanWrite reports whether the key may write to lib.
func (k KeyInfo) CanWrite(lib Library) bool {
	switch lib.Kind {
	case KindUser:
		return lib.ID == k.UserID && k.Access.User["write"]
	case KindGroup:
		if g, ok := k.Access.Groups[fmt.Sprint(lib.ID)]; ok {
			return g["write"]
		}
		return k.Access.Groups["all"]["write"]
	}
	return false
}
