package models

import (
	"encoding/json"
	"time"
)

// Record is one locally stored health record. Payload is the
// category-specific JSON document and is sent to the server unchanged.
type Record struct {
	ID       string
	Category Category
	Start    time.Time
	End      time.Time
	Payload  json.RawMessage
}

// MarshalJSON encodes the record as its payload so that a []Record
// serializes to the list of documents the server expects.
func (r Record) MarshalJSON() ([]byte, error) {
	if len(r.Payload) == 0 {
		return []byte("null"), nil
	}

	return r.Payload, nil
}

// ProgressEvent is emitted once per completed upload unit: a whole
// category batch, or a single record of a detail category.
type ProgressEvent struct {
	Category Category  `json:"category"`
	Count    int       `json:"count"`
	Time     time.Time `json:"time"`
}

// Credentials holds the session tokens issued by the server. Both are
// opaque; expiry is enforced server-side only.
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// PendingDelete is a remote deletion that failed after the matching
// local deletion already happened.
type PendingDelete struct {
	Category Category  `json:"category"`
	IDs      []string  `json:"ids"`
	QueuedAt time.Time `json:"queued_at"`
	Attempts int       `json:"attempts"`
}
