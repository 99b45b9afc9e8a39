package inbound

import (
	"fmt"

	apperrors "github.com/alexjbarnes/health-sync/internal/errors"
	"github.com/tidwall/gjson"
)

// Change operations carried in an envelope.
const (
	OpPush   = "PUSH"
	OpDelete = "DEL"
)

// Envelope is one remote change notification. Data holds the
// operation's JSON document: a record list for PUSH, or
// {"recordType": ..., "uuids": [...]} for DEL.
type Envelope struct {
	Op   string `json:"op"`
	Data string `json:"data"`
}

// ParseEnvelope decodes a notification. The data field is normally a
// JSON-encoded string, as push services only carry string values, but
// an inline JSON document is accepted too.
func ParseEnvelope(raw []byte) (Envelope, error) {
	if !gjson.ValidBytes(raw) {
		return Envelope{}, fmt.Errorf("%w: not valid JSON", apperrors.ErrInvalidEnvelope)
	}

	op := gjson.GetBytes(raw, "op")
	if op.Type != gjson.String || op.Str == "" {
		return Envelope{}, fmt.Errorf("%w: missing op", apperrors.ErrInvalidEnvelope)
	}

	data := gjson.GetBytes(raw, "data")
	if !data.Exists() {
		return Envelope{}, fmt.Errorf("%w: missing data", apperrors.ErrInvalidEnvelope)
	}

	env := Envelope{Op: op.Str, Data: data.Raw}
	if data.Type == gjson.String {
		env.Data = data.Str
	}

	return env, nil
}
