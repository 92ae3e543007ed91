// Package uuid assigns client-side identifiers to new records.
package uuid

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// IsValid checks if a string is a UUID v4.
func IsValid(s string) bool {
	id, err := uuid.Parse(s)
	return err == nil && id.Version() == 4 && len(s) == 36
}

// EnsureID returns the record's "id", generating one and writing it into the record when
// absent. Numeric ids are kept in their raw form.
func EnsureID(record json.RawMessage) (json.RawMessage, string, error) {
	if len(record) == 0 {
		record = json.RawMessage("{}")
	}
	if !gjson.ValidBytes(record) || !gjson.ParseBytes(record).IsObject() {
		return nil, "", fmt.Errorf("record must be a JSON object")
	}

	if existing := gjson.GetBytes(record, "id"); existing.Exists() && existing.String() != "" {
		return record, existing.String(), nil
	}

	id := New()
	out, err := sjson.SetBytes(record, "id", id)
	if err != nil {
		return nil, "", fmt.Errorf("failed to set record id: %w", err)
	}
	return out, id, nil
}
