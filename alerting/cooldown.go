package alerting

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const cooldownShards = 16

// cooldowns tracks when each (rule, target) key becomes eligible again.
// Keys hash to independent shards so unrelated rules never contend.
type cooldowns struct {
	shards [cooldownShards]cooldownShard
}

type cooldownShard struct {
	mu    sync.Mutex
	until map[string]time.Time
}

func newCooldowns() *cooldowns {
	c := &cooldowns{}
	for i := range c.shards {
		c.shards[i].until = make(map[string]time.Time)
	}
	return c
}

func (c *cooldowns) shard(key string) *cooldownShard {
	return &c.shards[xxhash.Sum64String(key)%cooldownShards]
}

// active reports whether key is cooling down at now.
func (c *cooldowns) active(key string, now time.Time) bool {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.until[key]
	return ok && now.Before(until)
}

// tryAcquire moves key into cooldown for d if it is eligible. It reports
// false when another caller holds the cooldown.
func (c *cooldowns) tryAcquire(key string, now time.Time, d time.Duration) bool {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if until, ok := s.until[key]; ok && now.Before(until) {
		return false
	}
	if d > 0 {
		s.until[key] = now.Add(d)
	}
	return true
}

// sweep forgets expired cooldowns.
func (c *cooldowns) sweep(now time.Time) {
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for k, until := range s.until {
			if !now.Before(until) {
				delete(s.until, k)
			}
		}
		s.mu.Unlock()
	}
}
