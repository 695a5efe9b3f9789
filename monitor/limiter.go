package monitor

import (
	"sync"
	"time"
)

// limiter is a sliding-window log keyed by (type, subject-or-source).
// A slot is reserved before the event is persisted and released again if
// persistence fails, so failed writes never consume quota.
type limiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	hits   map[string][]time.Time
}

func newLimiter(max int, window time.Duration) *limiter {
	return &limiter{max: max, window: window, hits: make(map[string][]time.Time)}
}

// reserve claims a slot for key at now. The returned release function gives
// the slot back; it is safe to call once.
func (l *limiter) reserve(key string, now time.Time) (release func(), ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	hits := trim(l.hits[key], now.Add(-l.window))
	if len(hits) >= l.max {
		l.hits[key] = hits
		return nil, false
	}
	hits = append(hits, now)
	l.hits[key] = hits

	return func() { l.release(key, now) }, true
}

func (l *limiter) release(key string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	hits := l.hits[key]
	for i := len(hits) - 1; i >= 0; i-- {
		if hits[i].Equal(at) {
			l.hits[key] = append(hits[:i:i], hits[i+1:]...)
			break
		}
	}
	if len(l.hits[key]) == 0 {
		delete(l.hits, key)
	}
}

// sweep drops expired hits and empty keys. It returns the number of keys
// still tracked.
func (l *limiter) sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-l.window)
	for k, hits := range l.hits {
		hits = trim(hits, cutoff)
		if len(hits) == 0 {
			delete(l.hits, k)
			continue
		}
		l.hits[k] = hits
	}
	return len(l.hits)
}

// trim drops hits at or before cutoff. Hits are kept in append order.
func trim(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return hits
	}
	return append(hits[:0:0], hits[i:]...)
}
