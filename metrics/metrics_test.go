package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/xraph/bastion"
	"github.com/xraph/bastion/secevent"
	"github.com/xraph/bastion/store/memory"
)

func TestCollectorCountsChecks(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	eng, err := bastion.NewEngine(bastion.WithStore(memory.New()), bastion.WithPlugin(c))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	sub := bastion.Subject{ID: "u1", Role: bastion.RoleViewer, Active: true}

	eng.HasPermission(ctx, sub, "products", "read", bastion.NoScope)
	eng.HasPermission(ctx, sub, "products", "read", bastion.NoScope)
	eng.HasPermission(ctx, sub, "products", "delete", bastion.NoScope)
	if err := eng.FlushDenials(ctx); err != nil {
		t.Fatal(err)
	}

	if got := testutil.ToFloat64(c.checks.WithLabelValues("true", "allow", "false")); got != 1 {
		t.Fatalf("expected 1 resolved allow, got %v", got)
	}
	if got := testutil.ToFloat64(c.checks.WithLabelValues("true", "allow", "true")); got != 1 {
		t.Fatalf("expected 1 cached allow, got %v", got)
	}
	if got := testutil.ToFloat64(c.events.WithLabelValues(string(secevent.TypeUnauthorizedAccess), string(secevent.SeverityMedium), "false")); got != 1 {
		t.Fatalf("expected 1 denial event, got %v", got)
	}

	if err := eng.InvalidateOnDeactivation(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(c.invalidated.WithLabelValues("deactivation")); got != 2 {
		t.Fatalf("expected 2 invalidated entries, got %v", got)
	}
	if n := testutil.CollectAndCount(c.operationTime); n == 0 {
		t.Fatal("expected operation latencies")
	}
}

func TestCollectorHooks(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	ctx := context.Background()

	_ = c.OnCacheStatsCaptured(ctx, 7, 2)
	if got := testutil.ToFloat64(c.cacheEntries); got != 7 {
		t.Fatalf("cache entries = %v", got)
	}
	if got := testutil.ToFloat64(c.cacheExpired); got != 2 {
		t.Fatalf("expired entries = %v", got)
	}

	_ = c.OnOperation(ctx, "cache.get", 0, errors.New("down"))
	if got := testutil.ToFloat64(c.operationErrors.WithLabelValues("cache.get")); got != 1 {
		t.Fatalf("operation errors = %v", got)
	}

	_ = c.OnSecurityEventRateLimited(ctx, &secevent.Event{Type: secevent.TypeRapidRequests})
	if got := testutil.ToFloat64(c.eventsLimited.WithLabelValues(string(secevent.TypeRapidRequests))); got != 1 {
		t.Fatalf("rate limited = %v", got)
	}

	if err := c.OnAfterCheck(ctx, nil, "not a result"); err != nil {
		t.Fatal(err)
	}
}
