package records

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/alexjbarnes/health-sync/internal/errors"
	"github.com/alexjbarnes/health-sync/internal/models"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Decode parses a JSON array of Health Connect style record documents.
// Each element names its category in "recordType" and its id in
// "metadata.id". Instant records carry "time"; interval records carry
// "startTime" and "endTime". Elements without an id get a fresh UUID
// written into their metadata so the server sees the same id we store.
func Decode(data []byte) ([]models.Record, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: record list is not valid JSON", apperrors.ErrInvalidEnvelope)
	}

	list := gjson.ParseBytes(data)
	if !list.IsArray() {
		return nil, fmt.Errorf("%w: record list is not an array", apperrors.ErrInvalidEnvelope)
	}

	var (
		out     []models.Record
		decErr  error
		element int
	)

	list.ForEach(func(_, item gjson.Result) bool {
		rec, err := decodeOne(item)
		if err != nil {
			decErr = fmt.Errorf("record %d: %w", element, err)
			return false
		}

		out = append(out, rec)
		element++

		return true
	})

	if decErr != nil {
		return nil, decErr
	}

	return out, nil
}

func decodeOne(item gjson.Result) (models.Record, error) {
	if !item.IsObject() {
		return models.Record{}, fmt.Errorf("%w: element is not an object", apperrors.ErrInvalidEnvelope)
	}

	name := item.Get("recordType").String()

	category, ok := models.ParseCategory(name)
	if !ok {
		return models.Record{}, fmt.Errorf("%w: %q", apperrors.ErrUnknownCategory, name)
	}

	start, end, err := recordTimes(item)
	if err != nil {
		return models.Record{}, err
	}

	payload := json.RawMessage(item.Raw)
	id := item.Get("metadata.id").String()

	if id == "" {
		id = uuid.NewString()

		payload, err = withMetadataID(payload, id)
		if err != nil {
			return models.Record{}, err
		}
	}

	return models.Record{
		ID:       id,
		Category: category,
		Start:    start,
		End:      end,
		Payload:  payload,
	}, nil
}

func recordTimes(item gjson.Result) (time.Time, time.Time, error) {
	startField := item.Get("time")
	if !startField.Exists() {
		startField = item.Get("startTime")
	}

	if !startField.Exists() {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: record has neither time nor startTime", apperrors.ErrInvalidEnvelope)
	}

	start, err := time.Parse(time.RFC3339Nano, startField.String())
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: parsing record time: %w", apperrors.ErrInvalidEnvelope, err)
	}

	end := start

	if endField := item.Get("endTime"); endField.Exists() {
		end, err = time.Parse(time.RFC3339Nano, endField.String())
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: parsing record endTime: %w", apperrors.ErrInvalidEnvelope, err)
		}
	}

	return start, end, nil
}

func withMetadataID(payload json.RawMessage, id string) (json.RawMessage, error) {
	// UseNumber keeps integers beyond float64 precision intact.
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrInvalidEnvelope, err)
	}

	meta, _ := doc["metadata"].(map[string]interface{})
	if meta == nil {
		meta = make(map[string]interface{})
	}

	meta["id"] = id
	doc["metadata"] = meta

	return json.Marshal(doc)
}
