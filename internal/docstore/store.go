// Package docstore stores shared session documents in Redis. Every document carries a
// monotonically increasing revision and every write publishes a change notification that
// subscribers turn into a live feed of the document's current value.
package docstore

import (
	"encoding/json"
	"errors"
)

var (
	// ErrNotFound is returned when the keyed document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrConflict is returned when an optimistic update lost every retry to concurrent writers.
	ErrConflict = errors.New("document update conflict")
)

// Snapshot is a document value at a given revision.
type Snapshot struct {
	Key      string          `json:"key"`
	Revision int64           `json:"revision"`
	Data     json.RawMessage `json:"data,omitempty"`
	Deleted  bool            `json:"deleted,omitempty"`
}

// ListSnapshot is the full content of a sub-collection, oldest first.
type ListSnapshot struct {
	Key   string            `json:"key"`
	Items []json.RawMessage `json:"items"`
}

// UpdateFunc receives the current document value and returns the replacement.
// Returning an error aborts the update and the error is passed through.
type UpdateFunc func(current json.RawMessage) (json.RawMessage, error)

const (
	fieldRevision = "rev"
	fieldData     = "data"

	feedPrefix    = "feed:"
	eventDeleted  = "deleted"
	eventChanged  = "changed"
	defaultRetry  = 5
	feedBufferLen = 16
)

func feedChannel(key string) string {
	return feedPrefix + key
}
