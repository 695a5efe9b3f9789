package extension

import (
	"testing"
	"time"

	"github.com/xraph/bastion"
	"github.com/xraph/bastion/cache"
	"github.com/xraph/bastion/store"
	"github.com/xraph/bastion/store/memory"
)

func TestDecisionCacheForMemoryStore(t *testing.T) {
	c := decisionCache(memory.New(), nil, time.Minute)
	if _, ok := c.(*cache.Memory); !ok {
		t.Fatalf("expected sharded memory cache, got %T", c)
	}
}

func TestDecisionCacheExplicitWins(t *testing.T) {
	explicit := cache.NewMemory()
	if c := decisionCache(memory.New(), explicit, time.Minute); c != bastion.Cache(explicit) {
		t.Fatal("explicit cache must be used as given")
	}
}

func TestDecisionCacheOtherStores(t *testing.T) {
	var s store.Store
	if c := decisionCache(s, nil, time.Minute); c != nil {
		t.Fatalf("expected store-backed caching, got %T", c)
	}
}

func TestNewDefaultsConfig(t *testing.T) {
	ext := New(WithStore(memory.New()), WithDisableRoutes())
	if !ext.config.DisableRoutes {
		t.Fatal("expected routes disabled")
	}
	if ext.store == nil {
		t.Fatal("expected store recorded")
	}
	if ext.Name() != ExtensionName {
		t.Fatalf("unexpected name %q", ext.Name())
	}
}
