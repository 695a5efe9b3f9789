package bastion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/bastion/decision"
)

// Cache stores authorization decisions. A decision whose expiry has passed is
// never returned; Get removes it and reports a miss.
type Cache interface {
	// Get returns the live decision under key.
	Get(ctx context.Context, key Key) (Decision, bool, error)

	// Set stores allowed under key for ttl, replacing any previous entry.
	Set(ctx context.Context, key Key, allowed bool, ttl time.Duration) error

	// InvalidateSubject removes every decision of subjectID.
	InvalidateSubject(ctx context.Context, subjectID string) (int, error)

	// InvalidateResource removes every decision on resource.
	InvalidateResource(ctx context.Context, resource string) (int, error)

	// Clear removes every decision.
	Clear(ctx context.Context) error

	// ClearExpired removes expired decisions.
	ClearExpired(ctx context.Context) (int, error)

	// Stats summarizes cache contents.
	Stats(ctx context.Context) (CacheStats, error)
}

// CacheStats summarizes cache contents.
type CacheStats struct {
	TotalEntries   int            `json:"total_entries"`
	ExpiredEntries int            `json:"expired_entries"`
	PerSubject     map[string]int `json:"per_subject"`
}

// StoreCache is a Cache over a decision.Store. Decisions survive restarts
// and are shared by every instance using the same database.
type StoreCache struct {
	store decision.Store
	now   func() time.Time
}

var _ Cache = (*StoreCache)(nil)

// NewStoreCache creates a cache persisting to s.
func NewStoreCache(s decision.Store) *StoreCache {
	return &StoreCache{store: s, now: time.Now}
}

// WithClock sets the clock used for expiry and returns c.
func (c *StoreCache) WithClock(now func() time.Time) *StoreCache {
	c.now = now
	return c
}

func (c *StoreCache) Get(ctx context.Context, key Key) (Decision, bool, error) {
	k := key.String()
	e, err := c.store.GetDecision(ctx, k)
	if errors.Is(err, decision.ErrNotFound) {
		return Decision{}, false, nil
	}
	if err != nil {
		return Decision{}, false, fmt.Errorf("bastion: cache get: %w", err)
	}
	now := c.now()
	if e.Expired(now) {
		if _, err := c.store.DeleteExpiredDecision(ctx, k, now); err != nil {
			return Decision{}, false, fmt.Errorf("bastion: cache evict: %w", err)
		}
		return Decision{}, false, nil
	}
	return Decision{Allowed: e.Allowed, ExpiresAt: e.ExpiresAt}, true, nil
}

func (c *StoreCache) Set(ctx context.Context, key Key, allowed bool, ttl time.Duration) error {
	now := c.now().UTC()
	e := &decision.Entry{
		Key:       key.String(),
		SubjectID: key.SubjectID,
		Resource:  key.Resource,
		Action:    key.Action,
		Scope:     key.Scope,
		Allowed:   allowed,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if err := c.store.UpsertDecision(ctx, e); err != nil {
		return fmt.Errorf("bastion: cache set: %w", err)
	}
	return nil
}

func (c *StoreCache) InvalidateSubject(ctx context.Context, subjectID string) (int, error) {
	n, err := c.store.DeleteDecisionsBySubject(ctx, subjectID)
	if err != nil {
		return 0, fmt.Errorf("bastion: invalidate subject: %w", err)
	}
	return int(n), nil
}

func (c *StoreCache) InvalidateResource(ctx context.Context, resource string) (int, error) {
	n, err := c.store.DeleteDecisionsByResource(ctx, resource)
	if err != nil {
		return 0, fmt.Errorf("bastion: invalidate resource: %w", err)
	}
	return int(n), nil
}

func (c *StoreCache) Clear(ctx context.Context) error {
	if _, err := c.store.DeleteAllDecisions(ctx); err != nil {
		return fmt.Errorf("bastion: cache clear: %w", err)
	}
	return nil
}

func (c *StoreCache) ClearExpired(ctx context.Context) (int, error) {
	n, err := c.store.PurgeExpiredDecisions(ctx, c.now())
	if err != nil {
		return 0, fmt.Errorf("bastion: cache purge: %w", err)
	}
	return int(n), nil
}

func (c *StoreCache) Stats(ctx context.Context) (CacheStats, error) {
	entries, err := c.store.ListDecisions(ctx, nil)
	if err != nil {
		return CacheStats{}, fmt.Errorf("bastion: cache stats: %w", err)
	}
	now := c.now()
	stats := CacheStats{TotalEntries: len(entries), PerSubject: make(map[string]int)}
	for _, e := range entries {
		if e.Expired(now) {
			stats.ExpiredEntries++
		}
		stats.PerSubject[e.SubjectID]++
	}
	return stats, nil
}
