package alerting

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Blocklist holds principals and sources that must be denied until their
// entry expires.
type Blocklist struct {
	principals *expirable.LRU[string, string]
	sources    *expirable.LRU[string, string]
}

// NewBlocklist creates a blocklist holding up to size entries per kind.
// Entries live for ttl.
func NewBlocklist(size int, ttl time.Duration) *Blocklist {
	if size <= 0 {
		size = 10000
	}
	return &Blocklist{
		principals: expirable.NewLRU[string, string](size, nil, ttl),
		sources:    expirable.NewLRU[string, string](size, nil, ttl),
	}
}

// BlockPrincipal denies subjectID until the entry expires.
func (b *Blocklist) BlockPrincipal(subjectID, reason string) {
	b.principals.Add(subjectID, reason)
}

// BlockSource denies requests from addr until the entry expires.
func (b *Blocklist) BlockSource(addr, reason string) {
	b.sources.Add(addr, reason)
}

// PrincipalBlocked reports whether subjectID is blocked and why.
func (b *Blocklist) PrincipalBlocked(subjectID string) (string, bool) {
	if subjectID == "" {
		return "", false
	}
	return b.principals.Get(subjectID)
}

// SourceBlocked reports whether addr is blocked and why.
func (b *Blocklist) SourceBlocked(addr string) (string, bool) {
	if addr == "" {
		return "", false
	}
	return b.sources.Get(addr)
}

// Unblock removes subjectID and addr entries. Empty values are ignored.
func (b *Blocklist) Unblock(subjectID, addr string) {
	if subjectID != "" {
		b.principals.Remove(subjectID)
	}
	if addr != "" {
		b.sources.Remove(addr)
	}
}

// Len returns the number of blocked principals and sources.
func (b *Blocklist) Len() (principals, sources int) {
	return b.principals.Len(), b.sources.Len()
}
