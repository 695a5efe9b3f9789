// Package cache provides in-process implementations of the bastion decision
// cache.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/xraph/bastion"
)

// Compile-time interface check.
var _ bastion.Cache = (*Memory)(nil)

const shardCount = 32

// Memory is an in-memory decision cache with TTL-based expiration. Entries
// are sharded by subject, so subject invalidation touches a single shard and
// resource invalidation locks one shard at a time.
type Memory struct {
	shards  [shardCount]shard
	size    atomic.Int64
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

type shard struct {
	mu       sync.RWMutex
	subjects map[string]map[string]*entry
}

type entry struct {
	key       bastion.Key
	allowed   bool
	expiresAt time.Time
}

// MemoryOption configures the memory cache.
type MemoryOption func(*Memory)

// WithTTL sets the time-to-live used when Set is called without one.
func WithTTL(ttl time.Duration) MemoryOption {
	return func(m *Memory) { m.ttl = ttl }
}

// WithMaxSize sets the maximum number of cache entries. Eviction happens in
// the shard being written, so the bound is approximate. Zero means unbounded.
func WithMaxSize(n int) MemoryOption {
	return func(m *Memory) { m.maxSize = n }
}

// WithNow sets the clock used for expiry.
func WithNow(fn func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = fn }
}

// NewMemory creates a new in-memory cache.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		ttl:     5 * time.Minute,
		maxSize: 10000,
		now:     time.Now,
	}
	for i := range m.shards {
		m.shards[i].subjects = make(map[string]map[string]*entry)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) shardFor(subjectID string) *shard {
	return &m.shards[xxhash.Sum64String(subjectID)%shardCount]
}

// Get returns the live decision under key. An expired entry is removed and
// reported as a miss.
func (m *Memory) Get(_ context.Context, key bastion.Key) (bastion.Decision, bool, error) {
	s := m.shardFor(key.SubjectID)
	k := key.String()

	s.mu.RLock()
	e, ok := s.subjects[key.SubjectID][k]
	s.mu.RUnlock()
	if !ok {
		return bastion.Decision{}, false, nil
	}

	if !m.now().Before(e.expiresAt) {
		s.mu.Lock()
		// Only drop the entry we saw; a concurrent Set may have replaced it.
		if cur, ok := s.subjects[key.SubjectID][k]; ok && cur == e {
			m.remove(s, key.SubjectID, k)
		}
		s.mu.Unlock()
		return bastion.Decision{}, false, nil
	}
	return bastion.Decision{Allowed: e.allowed, ExpiresAt: e.expiresAt}, true, nil
}

// Set stores a decision. A non-positive ttl uses the configured default.
func (m *Memory) Set(_ context.Context, key bastion.Key, allowed bool, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.ttl
	}
	s := m.shardFor(key.SubjectID)
	k := key.String()
	now := m.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subjects[key.SubjectID][k]; !exists {
		if m.maxSize > 0 && int(m.size.Load()) >= m.maxSize {
			if m.evictExpired(s, now) == 0 {
				m.evictOne(s)
			}
		}
		m.size.Add(1)
	}
	byKey := s.subjects[key.SubjectID]
	if byKey == nil {
		byKey = make(map[string]*entry)
		s.subjects[key.SubjectID] = byKey
	}
	byKey[k] = &entry{key: key, allowed: allowed, expiresAt: now.Add(ttl)}
	return nil
}

// InvalidateSubject removes all cached decisions of subjectID.
func (m *Memory) InvalidateSubject(_ context.Context, subjectID string) (int, error) {
	s := m.shardFor(subjectID)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.subjects[subjectID])
	delete(s.subjects, subjectID)
	m.size.Add(int64(-n))
	return n, nil
}

// InvalidateResource removes all cached decisions on resource.
func (m *Memory) InvalidateResource(_ context.Context, resource string) (int, error) {
	return m.removeWhere(func(e *entry) bool { return e.key.Resource == resource }), nil
}

// Clear removes every decision.
func (m *Memory) Clear(_ context.Context) error {
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		n := 0
		for _, byKey := range s.subjects {
			n += len(byKey)
		}
		s.subjects = make(map[string]map[string]*entry)
		m.size.Add(int64(-n))
		s.mu.Unlock()
	}
	return nil
}

// ClearExpired removes expired decisions.
func (m *Memory) ClearExpired(_ context.Context) (int, error) {
	now := m.now()
	return m.removeWhere(func(e *entry) bool { return !now.Before(e.expiresAt) }), nil
}

// Stats summarizes cache contents.
func (m *Memory) Stats(_ context.Context) (bastion.CacheStats, error) {
	now := m.now()
	stats := bastion.CacheStats{PerSubject: make(map[string]int)}
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		for subjectID, byKey := range s.subjects {
			stats.PerSubject[subjectID] = len(byKey)
			stats.TotalEntries += len(byKey)
			for _, e := range byKey {
				if !now.Before(e.expiresAt) {
					stats.ExpiredEntries++
				}
			}
		}
		s.mu.RUnlock()
	}
	return stats, nil
}

// Len returns the number of stored entries, expired ones included.
func (m *Memory) Len() int { return int(m.size.Load()) }

func (m *Memory) removeWhere(match func(*entry) bool) int {
	removed := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for subjectID, byKey := range s.subjects {
			for k, e := range byKey {
				if match(e) {
					m.remove(s, subjectID, k)
					removed++
				}
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// remove deletes one entry. Must hold the shard write lock.
func (m *Memory) remove(s *shard, subjectID, k string) {
	byKey := s.subjects[subjectID]
	if _, ok := byKey[k]; !ok {
		return
	}
	delete(byKey, k)
	if len(byKey) == 0 {
		delete(s.subjects, subjectID)
	}
	m.size.Add(-1)
}

// evictExpired removes expired entries from s. Must hold the shard write lock.
func (m *Memory) evictExpired(s *shard, now time.Time) int {
	n := 0
	for subjectID, byKey := range s.subjects {
		for k, e := range byKey {
			if !now.Before(e.expiresAt) {
				m.remove(s, subjectID, k)
				n++
			}
		}
	}
	return n
}

// evictOne removes the entry of s closest to expiry. Must hold the shard
// write lock.
func (m *Memory) evictOne(s *shard) {
	var (
		victimSubject, victimKey string
		victim                   *entry
	)
	for subjectID, byKey := range s.subjects {
		for k, e := range byKey {
			if victim == nil || e.expiresAt.Before(victim.expiresAt) {
				victimSubject, victimKey, victim = subjectID, k, e
			}
		}
	}
	if victim != nil {
		m.remove(s, victimSubject, victimKey)
	}
}
