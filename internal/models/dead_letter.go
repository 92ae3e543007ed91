// Package models provides data model definitions for the taskdeck offline core.
package models

import "time"

// DeadLetter is a pending operation the remote permanently rejected.
type DeadLetter struct {
	PendingOperation
	Reason     string `db:"reason" json:"reason"`
	StatusCode int    `db:"status_code" json:"status_code,omitempty"`
	FailedAt   int64  `db:"failed_at" json:"failed_at"`
}

// FailedAtTime returns the FailedAt as time.Time.
func (d *DeadLetter) FailedAtTime() time.Time {
	return time.Unix(d.FailedAt, 0)
}
