package secevent

import (
	"context"
	"time"

	"github.com/xraph/bastion/id"
)

// Store defines persistence operations for security events.
type Store interface {
	// CreateEvent appends a new event.
	CreateEvent(ctx context.Context, e *Event) error

	// GetEvent retrieves an event by ID.
	GetEvent(ctx context.Context, eventID id.SecurityEventID) (*Event, error)

	// ResolveEvent marks an unresolved event resolved. It reports false,
	// without error, when the event was already resolved.
	ResolveEvent(ctx context.Context, eventID id.SecurityEventID, resolvedBy string, at time.Time) (bool, error)

	// ListEvents returns events matching the filter, newest first.
	ListEvents(ctx context.Context, filter *QueryFilter) ([]*Event, error)

	// CountEvents returns the number of events matching the filter.
	CountEvents(ctx context.Context, filter *QueryFilter) (int64, error)

	// PurgeEvents removes events recorded before the given time.
	PurgeEvents(ctx context.Context, before time.Time) (int64, error)
}
