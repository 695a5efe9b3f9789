// Package rolechange defines the role-change history entry written whenever
// a subject's role changes.
package rolechange

import (
	"context"
	"time"

	"github.com/xraph/bastion/id"
)

// Entry records one role transition for a subject.
type Entry struct {
	ID        id.RoleChangeID `json:"id" db:"id"`
	SubjectID string          `json:"subject_id" db:"subject_id"`
	OldRole   string          `json:"old_role" db:"old_role"`
	NewRole   string          `json:"new_role" db:"new_role"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// ListFilter contains filters for listing role changes.
type ListFilter struct {
	SubjectID string `json:"subject_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
}

// Store defines persistence for role-change history.
type Store interface {
	// CreateRoleChange appends a history entry.
	CreateRoleChange(ctx context.Context, e *Entry) error

	// ListRoleChanges returns entries matching the filter, newest first.
	ListRoleChanges(ctx context.Context, filter *ListFilter) ([]*Entry, error)
}
