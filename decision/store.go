package decision

import (
	"context"
	"time"
)

// Store defines persistence operations for cached decisions.
type Store interface {
	// UpsertDecision inserts or atomically replaces the entry stored under e.Key.
	UpsertDecision(ctx context.Context, e *Entry) error

	// GetDecision returns the entry stored under key, or ErrNotFound.
	GetDecision(ctx context.Context, key string) (*Entry, error)

	// DeleteExpiredDecision removes the entry under key only if it is
	// expired at now. A concurrently refreshed entry survives.
	DeleteExpiredDecision(ctx context.Context, key string, now time.Time) (bool, error)

	// DeleteDecisionsBySubject removes every entry for a subject.
	DeleteDecisionsBySubject(ctx context.Context, subjectID string) (int64, error)

	// DeleteDecisionsByResource removes every entry for a resource.
	DeleteDecisionsByResource(ctx context.Context, resource string) (int64, error)

	// DeleteAllDecisions removes every entry.
	DeleteAllDecisions(ctx context.Context) (int64, error)

	// PurgeExpiredDecisions removes entries expired at now.
	PurgeExpiredDecisions(ctx context.Context, now time.Time) (int64, error)

	// ListDecisions returns entries matching the filter.
	ListDecisions(ctx context.Context, filter *ListFilter) ([]*Entry, error)
}
