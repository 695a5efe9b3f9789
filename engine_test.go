package bastion

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/bastion/broadcast"
	"github.com/xraph/bastion/decision"
	"github.com/xraph/bastion/secevent"
	"github.com/xraph/bastion/store/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *memory.Store, *testClock) {
	t.Helper()
	s := memory.New()
	clock := newTestClock()
	cfg := DefaultConfig()
	cfg.SweepInterval = 0
	cfg.MetricsInterval = 0
	base := []Option{WithStore(s), WithNow(clock.Now), WithConfig(cfg)}
	eng, err := NewEngine(append(base, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	return eng, s, clock
}

func editor(id string) Subject { return Subject{ID: id, Role: RoleEditor, Active: true} }

func TestNewEngine_RequiresStore(t *testing.T) {
	_, err := NewEngine()
	if !errors.Is(err, ErrStoreRequired) {
		t.Fatalf("expected ErrStoreRequired, got %v", err)
	}
}

func TestRoleDowngradeInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	eng, s, _ := newTestEngine(t)

	x := editor("x")
	if !eng.HasPermission(ctx, x, "products", "delete", NoScope) {
		t.Fatal("expected editor to delete products")
	}
	res := eng.Check(ctx, &CheckRequest{Subject: x, Resource: "products", Action: "delete"})
	if !res.Allowed || !res.Cached {
		t.Fatalf("expected cached allow, got %+v", res)
	}

	if err := eng.InvalidateOnRoleChange(ctx, "x", RoleEditor, RoleViewer); err != nil {
		t.Fatal(err)
	}
	entries, err := s.ListDecisions(ctx, &decision.ListFilter{SubjectID: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no cached decisions for x, got %d", len(entries))
	}

	x.Role = RoleViewer
	res = eng.Check(ctx, &CheckRequest{Subject: x, Resource: "products", Action: "delete"})
	if res.Allowed || res.Cached {
		t.Fatalf("expected recomputed deny, got %+v", res)
	}

	changes, err := eng.RoleChanges(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 1 || changes[0].NewRole != string(RoleViewer) {
		t.Fatalf("unexpected role history: %+v", changes)
	}
}

func TestRoleEscalationRecordsEvent(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newTestEngine(t)

	if err := eng.InvalidateOnRoleChange(ctx, "x", RoleViewer, RoleAdmin); err != nil {
		t.Fatal(err)
	}
	events, err := eng.SecurityEvents(ctx, &secevent.QueryFilter{Type: secevent.TypeRoleEscalation})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Details.NewRole != string(RoleAdmin) {
		t.Fatalf("expected one escalation event, got %+v", events)
	}

	alerts, err := eng.GetActiveAlerts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 || alerts[0].Severity != secevent.SeverityCritical {
		t.Fatalf("expected one critical alert, got %+v", alerts)
	}

	if err := eng.InvalidateOnRoleChange(ctx, "y", RoleAdmin, RoleViewer); err != nil {
		t.Fatal(err)
	}
	events, _ = eng.SecurityEvents(ctx, &secevent.QueryFilter{Type: secevent.TypeRoleEscalation})
	if len(events) != 1 {
		t.Fatalf("downgrade must not record escalation, got %d events", len(events))
	}
}

func TestInactiveSubjectDeniedAndNotCached(t *testing.T) {
	ctx := context.Background()
	eng, s, _ := newTestEngine(t)

	sub := Subject{ID: "u1", Role: RoleAdmin, Active: false}
	res := eng.Check(ctx, &CheckRequest{Subject: sub, Resource: "products", Action: "read"})
	if res.Allowed || res.Reason != ReasonInactive {
		t.Fatalf("expected inactive deny, got %+v", res)
	}
	entries, _ := s.ListDecisions(ctx, nil)
	if len(entries) != 0 {
		t.Fatalf("inactive decision must not be cached, got %d entries", len(entries))
	}
}

func TestUnknownRoleDenied(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newTestEngine(t)

	res := eng.Check(ctx, &CheckRequest{
		Subject:  Subject{ID: "u1", Role: "OWNER", Active: true},
		Resource: "products",
		Action:   "read",
	})
	if res.Allowed || res.Reason != ReasonUnknownRole {
		t.Fatalf("expected unknown role deny, got %+v", res)
	}
}

func TestInvalidRequestDeniedWithoutEvent(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newTestEngine(t)

	res := eng.Check(ctx, &CheckRequest{Subject: editor("u1"), Action: "read"})
	if res.Allowed || res.Reason != ReasonInvalidInput {
		t.Fatalf("expected invalid request deny, got %+v", res)
	}
	events, _ := eng.SecurityEvents(ctx, nil)
	if len(events) != 0 {
		t.Fatalf("invalid requests must not be recorded, got %d", len(events))
	}
}

func TestDenialRecordsUnauthorizedAccess(t *testing.T) {
	ctx := WithSourceAddress(context.Background(), "10.0.0.9")
	eng, _, _ := newTestEngine(t)

	for range 5 {
		if eng.HasPermission(ctx, editor("u1"), "users", "delete", NoScope) {
			t.Fatal("editor must not delete users")
		}
	}
	if err := eng.FlushDenials(ctx); err != nil {
		t.Fatal(err)
	}

	events, err := eng.SecurityEvents(ctx, &secevent.QueryFilter{Type: secevent.TypeUnauthorizedAccess})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 denial events, got %d", len(events))
	}
	ev := events[0]
	if ev.SubjectID != "u1" || ev.SourceAddress != "10.0.0.9" || ev.Resource != "users" || ev.Action != "delete" {
		t.Fatalf("unexpected event fields: %+v", ev)
	}

	alerts, err := eng.GetActiveAlerts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 || alerts[0].Severity != secevent.SeverityHigh {
		t.Fatalf("expected one high alert after repeated denials, got %+v", alerts)
	}
}

func TestDenialRecordingDisabled(t *testing.T) {
	ctx := context.Background()
	off := false
	cfg := DefaultConfig()
	cfg.RecordDenials = &off
	eng, _, _ := newTestEngine(t, WithConfig(cfg))

	eng.HasPermission(ctx, editor("u1"), "users", "delete", NoScope)
	if err := eng.FlushDenials(ctx); err != nil {
		t.Fatal(err)
	}
	events, _ := eng.SecurityEvents(ctx, nil)
	if len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}

func TestBlockedPrincipalAndSource(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newTestEngine(t)

	eng.Blocklist().BlockPrincipal("u1", "test")
	res := eng.Check(ctx, &CheckRequest{Subject: editor("u1"), Resource: "products", Action: "read"})
	if res.Allowed || res.Reason != ReasonBlocked {
		t.Fatalf("expected blocked principal, got %+v", res)
	}

	eng.Blocklist().BlockSource("10.1.1.1", "test")
	sctx := WithSourceAddress(ctx, "10.1.1.1")
	if eng.HasPermission(sctx, editor("u2"), "products", "read", NoScope) {
		t.Fatal("expected blocked source to be denied")
	}

	eng.Unblock("u1", "10.1.1.1")
	if !eng.HasPermission(sctx, editor("u1"), "products", "read", NoScope) {
		t.Fatal("expected allow after unblock")
	}
}

func TestDataBreachAlertBlocksPrincipal(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newTestEngine(t)

	if _, err := eng.RecordSecurityEvent(ctx, &secevent.Event{
		Type:      secevent.TypeDataBreachAttempt,
		SubjectID: "u7",
	}); err != nil {
		t.Fatal(err)
	}
	if eng.HasPermission(ctx, editor("u7"), "products", "read", NoScope) {
		t.Fatal("expected principal blocked by alert action")
	}
}

type brokenCache struct{}

var errCacheDown = errors.New("cache down")

func (brokenCache) Get(context.Context, Key) (Decision, bool, error) {
	return Decision{}, false, errCacheDown
}

func (brokenCache) Set(context.Context, Key, bool, time.Duration) error {
	return errCacheDown
}

func (brokenCache) InvalidateSubject(context.Context, string) (int, error) {
	return 0, errCacheDown
}

func (brokenCache) InvalidateResource(context.Context, string) (int, error) {
	return 0, errCacheDown
}

func (brokenCache) Clear(context.Context) error {
	return errCacheDown
}

func (brokenCache) ClearExpired(context.Context) (int, error) {
	return 0, errCacheDown
}

func (brokenCache) Stats(context.Context) (CacheStats, error) {
	return CacheStats{}, errCacheDown
}

func TestCacheFailureFallsBackToResolver(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newTestEngine(t, WithCache(brokenCache{}))

	res := eng.Check(ctx, &CheckRequest{Subject: editor("u1"), Resource: "products", Action: "update"})
	if !res.Allowed || res.Cached {
		t.Fatalf("expected resolved allow, got %+v", res)
	}

	err := eng.InvalidateOnDeactivation(ctx, "u1")
	if !errors.Is(err, ErrCacheUnavailable) {
		t.Fatalf("expected ErrCacheUnavailable, got %v", err)
	}
}

func TestExpiredDecisionRecomputed(t *testing.T) {
	ctx := context.Background()
	eng, s, clock := newTestEngine(t)

	req := &CheckRequest{Subject: editor("u1"), Resource: "orders", Action: "read"}
	eng.Check(ctx, req)
	if res := eng.Check(ctx, req); !res.Cached {
		t.Fatal("expected cache hit")
	}

	clock.Advance(eng.Config().CacheTTL)
	if res := eng.Check(ctx, req); res.Cached || !res.Allowed {
		t.Fatalf("expected recomputed allow after expiry, got %+v", res)
	}
	entries, _ := s.ListDecisions(ctx, nil)
	if len(entries) != 1 || entries[0].Expired(clock.Now()) {
		t.Fatalf("expected one fresh entry, got %+v", entries)
	}
}

func TestScopeFromContext(t *testing.T) {
	rules, err := NewRuleTable(map[Role][]Grant{
		RoleEditor: {{Resource: "products", Actions: []string{"update"}, Scopes: []string{"org:acme"}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	eng, _, _ := newTestEngine(t, WithRuleTable(rules))

	ctx := context.Background()
	if eng.HasPermission(ctx, editor("u1"), "products", "update", NoScope) {
		t.Fatal("scoped grant must not match NoScope")
	}
	if !eng.HasPermission(WithScope(ctx, "org:acme"), editor("u1"), "products", "update", NoScope) {
		t.Fatal("expected context scope to apply")
	}
	if eng.HasPermission(WithScope(ctx, "org:acme"), editor("u1"), "products", "update", "org:other") {
		t.Fatal("explicit scope must win over context scope")
	}
}

func TestInvalidateOnPermissionUpdate(t *testing.T) {
	ctx := context.Background()
	eng, s, _ := newTestEngine(t)

	eng.HasPermission(ctx, editor("u1"), "products", "read", NoScope)
	eng.HasPermission(ctx, editor("u1"), "orders", "read", NoScope)
	eng.HasPermission(ctx, editor("u2"), "products", "read", NoScope)

	if err := eng.InvalidateOnPermissionUpdate(ctx, "products"); err != nil {
		t.Fatal(err)
	}
	entries, _ := s.ListDecisions(ctx, nil)
	if len(entries) != 1 || entries[0].Resource != "orders" {
		t.Fatalf("expected only orders decision left, got %+v", entries)
	}

	if err := eng.InvalidateOnPermissionUpdate(ctx, ""); err != nil {
		t.Fatal(err)
	}
	stats, err := eng.CacheStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalEntries != 0 {
		t.Fatalf("expected empty cache, got %d", stats.TotalEntries)
	}
}

func TestInvalidateOnDeactivation(t *testing.T) {
	ctx := context.Background()
	eng, s, _ := newTestEngine(t)

	eng.HasPermission(ctx, editor("u1"), "products", "read", NoScope)
	eng.HasPermission(ctx, editor("u2"), "products", "read", NoScope)

	if err := eng.InvalidateOnDeactivation(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	entries, _ := s.ListDecisions(ctx, nil)
	if len(entries) != 1 || entries[0].SubjectID != "u2" {
		t.Fatalf("expected only u2 decision left, got %+v", entries)
	}

	inactive := editor("u1")
	inactive.Active = false
	if eng.HasPermission(ctx, inactive, "products", "read", NoScope) {
		t.Fatal("deactivated subject must be denied")
	}
}

func TestAlertLifecycle(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newTestEngine(t)

	if _, err := eng.RecordSecurityEvent(ctx, &secevent.Event{
		Type:      secevent.TypeBruteForceAttack,
		SubjectID: "u1",
	}); err != nil {
		t.Fatal(err)
	}
	alerts, err := eng.GetActiveAlerts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected one alert, got %d", len(alerts))
	}
	a := alerts[0]

	changed, err := eng.AcknowledgeAlert(ctx, a.ID, "ops")
	if err != nil || !changed {
		t.Fatalf("acknowledge: changed=%v err=%v", changed, err)
	}
	changed, err = eng.AcknowledgeAlert(ctx, a.ID, "ops")
	if err != nil || changed {
		t.Fatalf("second acknowledge: changed=%v err=%v", changed, err)
	}

	changed, err = eng.ResolveAlert(ctx, a.ID)
	if err != nil || !changed {
		t.Fatalf("resolve: changed=%v err=%v", changed, err)
	}
	alerts, _ = eng.GetActiveAlerts(ctx)
	if len(alerts) != 0 {
		t.Fatalf("expected no active alerts, got %d", len(alerts))
	}
}

func TestRecordSecurityEventRateLimited(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newTestEngine(t)

	for i := range 10 {
		if _, err := eng.RecordSecurityEvent(ctx, &secevent.Event{
			Type:      secevent.TypeAnomalousBehavior,
			SubjectID: "u1",
		}); err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
	}
	_, err := eng.RecordSecurityEvent(ctx, &secevent.Event{Type: secevent.TypeAnomalousBehavior, SubjectID: "u1"})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestCrossInstanceInvalidation(t *testing.T) {
	hub := broadcast.NewHub()
	a, sa, _ := newTestEngine(t, WithTransport(hub.Endpoint()), WithInstanceID("a"))
	b, sb, _ := newTestEngine(t, WithTransport(hub.Endpoint()), WithInstanceID("b"))

	ctx := context.Background()
	for _, e := range []*Engine{a, b} {
		if err := e.Start(ctx); err != nil {
			t.Fatal(err)
		}
	}
	defer func() {
		_ = a.Stop(ctx)
		_ = b.Stop(ctx)
	}()

	a.HasPermission(ctx, editor("x"), "products", "delete", NoScope)
	b.HasPermission(ctx, editor("x"), "products", "delete", NoScope)

	if err := a.InvalidateOnRoleChange(ctx, "x", RoleEditor, RoleViewer); err != nil {
		t.Fatal(err)
	}
	for name, s := range map[string]*memory.Store{"a": sa, "b": sb} {
		entries, _ := s.ListDecisions(ctx, &decision.ListFilter{SubjectID: "x"})
		if len(entries) != 0 {
			t.Fatalf("instance %s still caches %d decisions", name, len(entries))
		}
	}
}

func TestStartStop(t *testing.T) {
	s := memory.New()
	cfg := DefaultConfig()
	cfg.SweepInterval = 10 * time.Millisecond
	cfg.MetricsInterval = 10 * time.Millisecond
	eng, err := NewEngine(WithStore(s), WithConfig(cfg))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}

	if err := s.UpsertDecision(ctx, &decision.Entry{
		Key:       "stale",
		SubjectID: "u1",
		Resource:  "products",
		Action:    "read",
		ExpiresAt: time.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, _ := s.ListDecisions(ctx, nil)
		if len(entries) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sweep did not remove expired decision")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := eng.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if len(eng.AlertRules()) == 0 {
		t.Fatal("expected default alert rules")
	}
}

// gatedCache holds the next Set until release is closed.
type gatedCache struct {
	Cache
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newGatedCache(c Cache) *gatedCache {
	g := &gatedCache{Cache: c, entered: make(chan struct{}), release: make(chan struct{})}
	g.armed.Store(true)
	return g
}

func (g *gatedCache) Set(ctx context.Context, key Key, allowed bool, ttl time.Duration) error {
	if g.armed.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.release
	}
	return g.Cache.Set(ctx, key, allowed, ttl)
}

func TestDowngradeDuringInFlightCheck(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	gate := newGatedCache(NewStoreCache(s))
	eng, err := NewEngine(WithStore(s), WithCache(gate))
	if err != nil {
		t.Fatal(err)
	}

	result := make(chan bool, 1)
	go func() {
		result <- eng.HasPermission(ctx, editor("x"), "products", "delete", NoScope)
	}()
	<-gate.entered

	if err := eng.InvalidateOnRoleChange(ctx, "x", RoleEditor, RoleViewer); err != nil {
		t.Fatal(err)
	}
	close(gate.release)
	if !<-result {
		t.Fatal("in-flight editor check must still answer for the editor role")
	}

	entries, _ := s.ListDecisions(ctx, &decision.ListFilter{SubjectID: "x"})
	if len(entries) != 0 {
		t.Fatalf("pre-downgrade decision survived invalidation: %+v", entries)
	}
	viewer := Subject{ID: "x", Role: RoleViewer, Active: true}
	if eng.HasPermission(ctx, viewer, "products", "delete", NoScope) {
		t.Fatal("viewer must not delete products after downgrade")
	}
}

func TestWriteSkippedWhenResourceInvalidatedFirst(t *testing.T) {
	ctx := context.Background()
	eng, s, _ := newTestEngine(t)

	key := Key{SubjectID: "u1", Resource: "products", Action: "read", Scope: NoScope}
	snap := eng.guard.gens.snapshot(key)
	if err := eng.InvalidateOnPermissionUpdate(ctx, "products"); err != nil {
		t.Fatal(err)
	}
	eng.cacheSet(ctx, key, true, snap)

	entries, _ := s.ListDecisions(ctx, nil)
	if len(entries) != 0 {
		t.Fatalf("decision resolved before invalidation was stored: %+v", entries)
	}

	eng.cacheSet(ctx, key, true, eng.guard.gens.snapshot(key))
	entries, _ = s.ListDecisions(ctx, nil)
	if len(entries) != 1 {
		t.Fatalf("expected fresh decision stored, got %d", len(entries))
	}
}

// slowEventStore holds CreateEvent until release is closed, ignoring ctx.
type slowEventStore struct {
	*memory.Store
	release chan struct{}
}

func (s *slowEventStore) CreateEvent(ctx context.Context, e *secevent.Event) error {
	<-s.release
	return s.Store.CreateEvent(ctx, e)
}

func TestSlowEventStoreDoesNotBlockCheck(t *testing.T) {
	ctx := context.Background()
	s := &slowEventStore{Store: memory.New(), release: make(chan struct{})}
	eng, err := NewEngine(WithStore(s))
	if err != nil {
		t.Fatal(err)
	}
	viewer := Subject{ID: "u1", Role: RoleViewer, Active: true}

	start := time.Now()
	if eng.HasPermission(ctx, viewer, "products", "delete", NoScope) {
		t.Fatal("viewer must not delete products")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("denial recording blocked the check for %v", elapsed)
	}

	close(s.release)
	if err := eng.FlushDenials(ctx); err != nil {
		t.Fatal(err)
	}
	events, _ := eng.SecurityEvents(ctx, &secevent.QueryFilter{Type: secevent.TypeUnauthorizedAccess})
	if len(events) != 1 {
		t.Fatalf("expected denial recorded once the store recovered, got %d", len(events))
	}
}

func TestDenialsDroppedWhenRecorderSaturated(t *testing.T) {
	ctx := context.Background()
	s := &slowEventStore{Store: memory.New(), release: make(chan struct{})}
	cfg := DefaultConfig()
	cfg.DenialQueue = 1
	eng, err := NewEngine(WithStore(s), WithConfig(cfg))
	if err != nil {
		t.Fatal(err)
	}
	viewer := Subject{ID: "u1", Role: RoleViewer, Active: true}

	for range 3 {
		eng.HasPermission(ctx, viewer, "products", "delete", NoScope)
	}
	close(s.release)
	if err := eng.FlushDenials(ctx); err != nil {
		t.Fatal(err)
	}
	events, _ := eng.SecurityEvents(ctx, &secevent.QueryFilter{Type: secevent.TypeUnauthorizedAccess})
	if len(events) != 1 {
		t.Fatalf("expected only the first denial recorded, got %d", len(events))
	}
}
