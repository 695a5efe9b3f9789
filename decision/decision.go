// Package decision defines the persisted form of a cached authorization
// decision.
package decision

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no decision is stored under a key.
var ErrNotFound = errors.New("bastion: decision not found")

// Entry is a single cached allow/deny result. Key is the encoded 4-tuple
// (subject, resource, action, scope) and is the unique identity of the row;
// the remaining tuple fields are stored alongside it so that subject and
// resource invalidation can match on plain columns.
type Entry struct {
	Key       string    `json:"key" db:"key"`
	SubjectID string    `json:"subject_id" db:"subject_id"`
	Resource  string    `json:"resource" db:"resource"`
	Action    string    `json:"action" db:"action"`
	Scope     string    `json:"scope,omitempty" db:"scope"`
	Allowed   bool      `json:"allowed" db:"allowed"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Expired reports whether the entry must be treated as absent at now.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// ListFilter contains filters for listing decisions.
type ListFilter struct {
	SubjectID string `json:"subject_id,omitempty"`
	Resource  string `json:"resource,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
}
