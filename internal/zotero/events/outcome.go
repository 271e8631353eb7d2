// Package events carries the outcome records of sync and write operations to
// whoever displays them.
//
// Every operation publishes exactly one Outcome on a Bus. A Bus delivers to
// any number of in-process subscribers; Server forwards a bus to WebSocket
// clients so a UI in another process can follow along.
package events

import "time"

// Kind names the operation an Outcome reports on.
type Kind string

const (
	// KindUpdate reports a full sync or an incremental refresh.
	KindUpdate Kind = "update"
	// KindWrite reports an item upload.
	KindWrite Kind = "write"
	// KindTagsDeleted reports a tag deletion.
	KindTagsDeleted Kind = "tags-deleted"
	// KindTagsModified reports a tag rename.
	KindTagsModified Kind = "tags-modified"
)

// Outcome is the structured result of one operation.
type Outcome struct {
	Kind    Kind           `json:"type"`
	Library string         `json:"library"`
	Args    map[string]any `json:"args,omitempty"`
	Success bool           `json:"success"`
	Error   string         `json:"error,omitempty"`

	// Data is the operation result: a sync summary or a write outcome.
	Data any `json:"data,omitempty"`

	// Since is the version an incremental refresh started from.
	Since int `json:"since,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Publisher accepts outcome records.
type Publisher interface {
	Publish(o Outcome)
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Outcome) {}
