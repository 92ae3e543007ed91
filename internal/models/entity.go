// Package models provides data model definitions for the taskdeck offline core.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// EntityType names a family of cached records.
type EntityType string

const (
	EntityTasks    EntityType = "tasks"
	EntityMessages EntityType = "messages"
)

// EntityTypes lists every type the offline core caches, in pull order.
var EntityTypes = []EntityType{EntityTasks, EntityMessages}

// Table returns the remote table backing the entity type.
func (t EntityType) Table() string {
	switch t {
	case EntityTasks:
		return "todos"
	case EntityMessages:
		return "messages"
	}
	return string(t)
}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	return t == EntityTasks || t == EntityMessages
}

// ParseEntityType converts a string (either the type or its remote table) to an EntityType.
func ParseEntityType(s string) (EntityType, error) {
	switch s {
	case "tasks", "todos":
		return EntityTasks, nil
	case "messages":
		return EntityMessages, nil
	}
	return "", fmt.Errorf("unknown entity type %q", s)
}

// EntityTypeForTable maps a remote table name back to its entity type.
func EntityTypeForTable(table string) (EntityType, bool) {
	t, err := ParseEntityType(table)
	return t, err == nil
}

// Entity is a task or message record cached on the device.
// Data holds the record verbatim as last known to the client.
type Entity struct {
	ID        string          `db:"id" json:"id"`
	Type      EntityType      `db:"entity_type" json:"entity_type"`
	Data      json.RawMessage `db:"data" json:"data"`
	Unsynced  bool            `db:"unsynced" json:"unsynced"`
	UpdatedAt int64           `db:"updated_at" json:"updated_at"`
}

// NewEntity builds an entity from a raw record, taking the id from the record's "id" field.
func NewEntity(typ EntityType, data json.RawMessage) (*Entity, error) {
	id := RecordID(data)
	if id == "" {
		return nil, fmt.Errorf("record has no id")
	}
	return &Entity{
		ID:        id,
		Type:      typ,
		Data:      data,
		UpdatedAt: time.Now().Unix(),
	}, nil
}

// UpdatedAtTime returns the UpdatedAt as time.Time.
func (e *Entity) UpdatedAtTime() time.Time {
	return time.Unix(e.UpdatedAt, 0)
}

// Clone returns a deep copy of the entity.
func (e *Entity) Clone() *Entity {
	c := *e
	c.Data = append(json.RawMessage(nil), e.Data...)
	return &c
}

// Field returns a top level field of the record.
func (e *Entity) Field(name string) gjson.Result {
	return gjson.GetBytes(e.Data, name)
}

// RecordID extracts the "id" field of a JSON record. Numeric ids are returned in their raw form.
func RecordID(data []byte) string {
	r := gjson.GetBytes(data, "id")
	if !r.Exists() {
		return ""
	}
	return r.String()
}

// WithID returns data with its "id" field set.
func WithID(data []byte, id string) (json.RawMessage, error) {
	if len(data) == 0 {
		data = []byte("{}")
	}
	out, err := sjson.SetBytes(data, "id", id)
	if err != nil {
		return nil, fmt.Errorf("failed to set record id: %w", err)
	}
	return out, nil
}

var pathEscaper = strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`)

// MergeRecord applies the fields of patch on top of base (shallow, last write wins).
func MergeRecord(base, patch []byte) (json.RawMessage, error) {
	if len(base) == 0 {
		return append(json.RawMessage(nil), patch...), nil
	}
	out := append([]byte(nil), base...)
	var err error
	gjson.ParseBytes(patch).ForEach(func(key, value gjson.Result) bool {
		out, err = sjson.SetRawBytes(out, pathEscaper.Replace(key.String()), []byte(value.Raw))
		return err == nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to merge record: %w", err)
	}
	return out, nil
}
