package bastion

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// generations tracks invalidation generations per subject, per resource and
// for the whole cache. Every bump draws a fresh value from one sequence, so a
// generation that was pruned and later bumped again never repeats.
type generations struct {
	seq       atomic.Uint64
	global    atomic.Uint64
	subjects  sync.Map // subject ID -> stamp
	resources sync.Map // resource -> stamp
}

type stamp struct {
	gen uint64
	at  time.Time
}

// snapshot is the set of generations covering one key at a point in time.
type snapshot struct {
	subject, resource, global uint64
}

func (g *generations) bumpSubject(subjectID string, now time.Time) {
	g.subjects.Store(subjectID, stamp{gen: g.seq.Add(1), at: now})
}

func (g *generations) bumpResource(resource string, now time.Time) {
	g.resources.Store(resource, stamp{gen: g.seq.Add(1), at: now})
}

func (g *generations) bumpGlobal() { g.global.Store(g.seq.Add(1)) }

func loadGen(m *sync.Map, k string) uint64 {
	if v, ok := m.Load(k); ok {
		return v.(stamp).gen
	}
	return 0
}

func (g *generations) snapshot(key Key) snapshot {
	return snapshot{
		subject:  loadGen(&g.subjects, key.SubjectID),
		resource: loadGen(&g.resources, key.Resource),
		global:   g.global.Load(),
	}
}

func (g *generations) current(key Key, s snapshot) bool {
	return g.snapshot(key) == s
}

// prune forgets stamps bumped before cutoff. A check still holding an older
// snapshot sees a mismatch and drops its write, which is safe.
func (g *generations) prune(cutoff time.Time) {
	for _, m := range []*sync.Map{&g.subjects, &g.resources} {
		m.Range(func(k, v any) bool {
			if v.(stamp).at.Before(cutoff) {
				m.CompareAndDelete(k, v)
			}
			return true
		})
	}
}

// guardedCache wraps a Cache so that a decision resolved before an
// invalidation can never be stored after it. Invalidations bump the
// generation before deleting; writes compare the generation before and
// after storing.
type guardedCache struct {
	Cache
	gens   generations
	now    func() time.Time
	logger *slog.Logger
}

func newGuardedCache(c Cache, now func() time.Time, logger *slog.Logger) *guardedCache {
	return &guardedCache{Cache: c, now: now, logger: logger}
}

func (c *guardedCache) InvalidateSubject(ctx context.Context, subjectID string) (int, error) {
	c.gens.bumpSubject(subjectID, c.now())
	return c.Cache.InvalidateSubject(ctx, subjectID)
}

func (c *guardedCache) InvalidateResource(ctx context.Context, resource string) (int, error) {
	c.gens.bumpResource(resource, c.now())
	return c.Cache.InvalidateResource(ctx, resource)
}

func (c *guardedCache) Clear(ctx context.Context) error {
	c.gens.bumpGlobal()
	return c.Cache.Clear(ctx)
}

// setIfCurrent stores the decision only while snap is still current. When an
// invalidation lands during the write, the subject's decisions are dropped
// again. It reports whether the decision was kept.
func (c *guardedCache) setIfCurrent(ctx context.Context, key Key, allowed bool, ttl time.Duration, snap snapshot) (bool, error) {
	if !c.gens.current(key, snap) {
		return false, nil
	}
	if err := c.Cache.Set(ctx, key, allowed, ttl); err != nil {
		return false, err
	}
	if c.gens.current(key, snap) {
		return true, nil
	}
	if _, err := c.Cache.InvalidateSubject(ctx, key.SubjectID); err != nil {
		return false, err
	}
	c.logger.Debug("stale decision dropped after concurrent invalidation",
		slog.String("subject_id", key.SubjectID),
		slog.String("resource", key.Resource),
	)
	return false, nil
}
