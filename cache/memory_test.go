package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/xraph/bastion"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func key(subject, resource, action string) bastion.Key {
	return bastion.Key{SubjectID: subject, Resource: resource, Action: action}
}

func TestMemoryCacheHitMiss(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(WithTTL(time.Minute))

	k := key("u1", "products", "read")
	if _, ok, err := c.Get(ctx, k); err != nil || ok {
		t.Fatal("expected cache miss")
	}

	if err := c.Set(ctx, k, true, 0); err != nil {
		t.Fatal(err)
	}
	got, ok, err := c.Get(ctx, k)
	if err != nil || !ok {
		t.Fatal("expected cache hit")
	}
	if !got.Allowed {
		t.Fatal("expected allowed")
	}

	if _, ok, _ := c.Get(ctx, bastion.Key{SubjectID: "u1", Resource: "products", Action: "read", Scope: "org:a"}); ok {
		t.Fatal("scope must be part of the key")
	}
}

func TestMemoryCacheTTLExpiry(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	c := NewMemory(WithNow(clk.Now))

	k := key("u1", "products", "read")
	_ = c.Set(ctx, k, true, time.Minute)
	clk.Advance(time.Minute)

	if _, ok, _ := c.Get(ctx, k); ok {
		t.Fatal("expected cache miss at expiry")
	}
	if c.Len() != 0 {
		t.Fatalf("expired read must evict, got %d entries", c.Len())
	}
}

func TestMemoryCacheInvalidateSubject(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()

	_ = c.Set(ctx, key("u1", "products", "read"), true, time.Minute)
	_ = c.Set(ctx, key("u1", "orders", "read"), true, time.Minute)
	_ = c.Set(ctx, key("u2", "products", "read"), true, time.Minute)

	n, err := c.InvalidateSubject(ctx, "u1")
	if err != nil || n != 2 {
		t.Fatalf("InvalidateSubject: n=%d err=%v", n, err)
	}
	if _, ok, _ := c.Get(ctx, key("u1", "products", "read")); ok {
		t.Fatal("expected u1 invalidated")
	}
	if _, ok, _ := c.Get(ctx, key("u2", "products", "read")); !ok {
		t.Fatal("expected u2 still cached")
	}
}

func TestMemoryCacheInvalidateResource(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()

	for _, s := range []string{"u1", "u2", "u3"} {
		_ = c.Set(ctx, key(s, "products", "read"), true, time.Minute)
		_ = c.Set(ctx, key(s, "orders", "read"), true, time.Minute)
	}
	n, err := c.InvalidateResource(ctx, "products")
	if err != nil || n != 3 {
		t.Fatalf("InvalidateResource: n=%d err=%v", n, err)
	}
	if c.Len() != 3 {
		t.Fatalf("expected 3 entries left, got %d", c.Len())
	}

	if err := c.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 0 {
		t.Fatalf("expected empty cache, got %d", c.Len())
	}
}

func TestMemoryCacheStatsAndClearExpired(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	c := NewMemory(WithNow(clk.Now))

	_ = c.Set(ctx, key("u1", "a", "read"), true, time.Second)
	_ = c.Set(ctx, key("u1", "b", "read"), true, time.Hour)
	_ = c.Set(ctx, key("u2", "a", "read"), false, time.Hour)
	clk.Advance(2 * time.Second)

	stats, _ := c.Stats(ctx)
	if stats.TotalEntries != 3 || stats.ExpiredEntries != 1 || stats.PerSubject["u1"] != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	n, _ := c.ClearExpired(ctx)
	if n != 1 || c.Len() != 2 {
		t.Fatalf("ClearExpired removed %d, %d left", n, c.Len())
	}
}

func TestMemoryCacheMaxSizePrefersExpired(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	c := NewMemory(WithNow(clk.Now), WithMaxSize(2))

	// Same subject keeps every entry in one shard.
	_ = c.Set(ctx, key("u1", "a", "read"), true, time.Second)
	_ = c.Set(ctx, key("u1", "b", "read"), true, time.Hour)
	clk.Advance(2 * time.Second)
	_ = c.Set(ctx, key("u1", "c", "read"), true, time.Hour)

	if c.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", c.Len())
	}
	if _, ok, _ := c.Get(ctx, key("u1", "b", "read")); !ok {
		t.Fatal("live entry must survive while an expired one exists")
	}

	_ = c.Set(ctx, key("u1", "d", "read"), true, 2*time.Hour)
	if c.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", c.Len())
	}
	if _, ok, _ := c.Get(ctx, key("u1", "d", "read")); !ok {
		t.Fatal("expected newest entry cached")
	}
}

func TestMemoryCacheOverwriteKeepsSize(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()
	k := key("u1", "a", "read")
	_ = c.Set(ctx, k, true, time.Minute)
	_ = c.Set(ctx, k, false, time.Minute)
	if c.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", c.Len())
	}
	d, _, _ := c.Get(ctx, k)
	if d.Allowed {
		t.Fatal("expected overwritten decision")
	}
}

func TestMemoryCacheConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub := string(rune('a' + i))
			for j := range 200 {
				k := key(sub, "products", string(rune('A'+j%26)))
				_ = c.Set(ctx, k, true, time.Minute)
				_, _, _ = c.Get(ctx, k)
				if j%50 == 0 {
					_, _ = c.InvalidateResource(ctx, "products")
				}
			}
		}(i)
	}
	wg.Wait()
	if _, err := c.InvalidateResource(ctx, "products"); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 0 {
		t.Fatalf("expected empty cache, got %d", c.Len())
	}
}

func TestMemoryCacheInvalidationDoesNotStallOtherSubjects(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(WithTTL(time.Minute))

	other := ""
	for i := 0; other == ""; i++ {
		cand := "u" + string(rune('a'+i%26)) + string(rune('a'+i/26))
		if c.shardFor(cand) != c.shardFor("a") {
			other = cand
		}
	}
	if err := c.Set(ctx, key("a", "products", "read"), true, 0); err != nil {
		t.Fatal(err)
	}
	if err := c.Set(ctx, key(other, "products", "read"), true, 0); err != nil {
		t.Fatal(err)
	}

	// Hold the shard of "a" so its invalidation stays in progress.
	busy := c.shardFor("a")
	busy.mu.Lock()
	invalidated := make(chan int, 1)
	go func() {
		n, _ := c.InvalidateSubject(ctx, "a")
		invalidated <- n
	}()

	read := make(chan bool, 1)
	go func() {
		_, ok, _ := c.Get(ctx, key(other, "products", "read"))
		read <- ok
	}()
	select {
	case ok := <-read:
		if !ok {
			t.Fatal("expected hit for the other subject")
		}
	case <-time.After(time.Second):
		busy.mu.Unlock()
		t.Fatal("read of another subject stalled behind an invalidation")
	}

	busy.mu.Unlock()
	if n := <-invalidated; n != 1 {
		t.Fatalf("expected 1 invalidated entry, got %d", n)
	}
}
