package bastion

import (
	"context"
	"testing"
	"time"

	"github.com/xraph/bastion/store/memory"
)

func TestStoreCacheGetSet(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	c := NewStoreCache(memory.New()).WithClock(clock.Now)

	k := Key{SubjectID: "u1", Resource: "products", Action: "read"}
	if _, ok, err := c.Get(ctx, k); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	if err := c.Set(ctx, k, true, time.Minute); err != nil {
		t.Fatal(err)
	}
	d, ok, err := c.Get(ctx, k)
	if err != nil || !ok || !d.Allowed {
		t.Fatalf("expected allowed hit, got %+v ok=%v err=%v", d, ok, err)
	}

	clock.Advance(time.Minute)
	if _, ok, _ := c.Get(ctx, k); ok {
		t.Fatal("expired decision must not be returned")
	}
	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalEntries != 0 {
		t.Fatalf("expired read must evict, got %d entries", stats.TotalEntries)
	}
}

func TestStoreCacheInvalidation(t *testing.T) {
	ctx := context.Background()
	c := NewStoreCache(memory.New())

	keys := []Key{
		{SubjectID: "u1", Resource: "products", Action: "read"},
		{SubjectID: "u1", Resource: "orders", Action: "read"},
		{SubjectID: "u2", Resource: "products", Action: "read"},
	}
	for _, k := range keys {
		if err := c.Set(ctx, k, true, time.Minute); err != nil {
			t.Fatal(err)
		}
	}

	n, err := c.InvalidateSubject(ctx, "u1")
	if err != nil || n != 2 {
		t.Fatalf("InvalidateSubject: n=%d err=%v", n, err)
	}
	n, err = c.InvalidateResource(ctx, "products")
	if err != nil || n != 1 {
		t.Fatalf("InvalidateResource: n=%d err=%v", n, err)
	}
	stats, _ := c.Stats(ctx)
	if stats.TotalEntries != 0 {
		t.Fatalf("expected empty cache, got %d", stats.TotalEntries)
	}
}

func TestStoreCacheClearExpiredAndStats(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	c := NewStoreCache(memory.New()).WithClock(clock.Now)

	_ = c.Set(ctx, Key{SubjectID: "u1", Resource: "a", Action: "read"}, true, time.Second)
	_ = c.Set(ctx, Key{SubjectID: "u1", Resource: "b", Action: "read"}, false, time.Hour)
	_ = c.Set(ctx, Key{SubjectID: "u2", Resource: "a", Action: "read"}, true, time.Hour)
	clock.Advance(2 * time.Second)

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalEntries != 3 || stats.ExpiredEntries != 1 || stats.PerSubject["u1"] != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	n, err := c.ClearExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ClearExpired: n=%d err=%v", n, err)
	}
	if err := c.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	stats, _ = c.Stats(ctx)
	if stats.TotalEntries != 0 {
		t.Fatalf("expected empty cache, got %d", stats.TotalEntries)
	}
}
