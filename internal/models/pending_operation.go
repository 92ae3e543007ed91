// Package models provides data model definitions for the taskdeck offline core.
package models

import (
	"encoding/json"
	"time"
)

// Operation is the kind of mutation a pending operation replays.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Valid reports whether o is a known operation.
func (o Operation) Valid() bool {
	return o == OperationCreate || o == OperationUpdate || o == OperationDelete
}

// PendingOperation is a mutation made while offline, waiting to be replayed remotely.
// Seq is monotonic per device and defines replay order.
type PendingOperation struct {
	ID         UUID            `db:"id" json:"id"`
	Seq        int64           `db:"seq" json:"seq"`
	Operation  Operation       `db:"operation" json:"operation"`
	EntityType EntityType      `db:"entity_type" json:"entity_type"`
	EntityID   string          `db:"entity_id" json:"entity_id"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	EnqueuedAt int64           `db:"enqueued_at" json:"enqueued_at"`
	Attempts   int             `db:"attempts" json:"attempts"`
	LastError  string          `db:"last_error" json:"last_error,omitempty"`
}

// EnqueuedAtTime returns the EnqueuedAt as time.Time.
func (p *PendingOperation) EnqueuedAtTime() time.Time {
	return time.Unix(p.EnqueuedAt, 0)
}
