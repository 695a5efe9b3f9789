package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/bastion/alert"
	"github.com/xraph/bastion/decision"
	"github.com/xraph/bastion/id"
	"github.com/xraph/bastion/rolechange"
	"github.com/xraph/bastion/secevent"
	"github.com/xraph/bastion/store"
)

// Compile-time check that *Store implements store.Store.
var _ store.Store = (*Store)(nil)

func TestDecisionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()

	live := &decision.Entry{Key: "k1", SubjectID: "u1", Resource: "products", Action: "read", Allowed: true, ExpiresAt: now.Add(time.Minute)}
	stale := &decision.Entry{Key: "k2", SubjectID: "u1", Resource: "orders", Action: "read", ExpiresAt: now.Add(-time.Second)}
	other := &decision.Entry{Key: "k3", SubjectID: "u2", Resource: "products", Action: "read", ExpiresAt: now.Add(time.Minute)}
	for _, e := range []*decision.Entry{live, stale, other} {
		if err := s.UpsertDecision(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.GetDecision(ctx, "k1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Allowed {
		t.Fatal("expected allowed decision")
	}

	// Not expired: no delete.
	deleted, err := s.DeleteExpiredDecision(ctx, "k1", now)
	if err != nil {
		t.Fatal(err)
	}
	if deleted {
		t.Fatal("live entry must not be deleted")
	}

	deleted, err = s.DeleteExpiredDecision(ctx, "k2", now)
	if err != nil {
		t.Fatal(err)
	}
	if !deleted {
		t.Fatal("expected expired entry to be deleted")
	}
	if _, err = s.GetDecision(ctx, "k2"); !errors.Is(err, decision.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	n, err := s.DeleteDecisionsByResource(ctx, "products")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 removed, got %d", n)
	}

	list, err := s.ListDecisions(ctx, &decision.ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty store, got %d", len(list))
	}
}

func TestDecisionDeleteBySubject(t *testing.T) {
	ctx := context.Background()
	s := New()
	exp := time.Now().Add(time.Minute)

	_ = s.UpsertDecision(ctx, &decision.Entry{Key: "a", SubjectID: "u1", ExpiresAt: exp})
	_ = s.UpsertDecision(ctx, &decision.Entry{Key: "b", SubjectID: "u1", ExpiresAt: exp})
	_ = s.UpsertDecision(ctx, &decision.Entry{Key: "c", SubjectID: "u2", ExpiresAt: exp})

	n, err := s.DeleteDecisionsBySubject(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2, got %d", n)
	}

	list, _ := s.ListDecisions(ctx, &decision.ListFilter{SubjectID: "u2"})
	if len(list) != 1 {
		t.Fatalf("expected u2 entry to survive, got %d", len(list))
	}

	n, _ = s.DeleteAllDecisions(ctx)
	if n != 1 {
		t.Fatalf("expected 1, got %d", n)
	}
}

func TestPurgeExpiredDecisions(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()

	_ = s.UpsertDecision(ctx, &decision.Entry{Key: "a", ExpiresAt: now.Add(-time.Minute)})
	_ = s.UpsertDecision(ctx, &decision.Entry{Key: "b", ExpiresAt: now})
	_ = s.UpsertDecision(ctx, &decision.Entry{Key: "c", ExpiresAt: now.Add(time.Minute)})

	n, err := s.PurgeExpiredDecisions(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	// ExpiresAt == now counts as expired.
	if n != 2 {
		t.Fatalf("expected 2 purged, got %d", n)
	}
}

func TestSecurityEventQueryAndResolve(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Now().Add(-time.Hour)

	var ids []id.SecurityEventID
	for i, src := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.1"} {
		e := &secevent.Event{
			ID:            id.NewSecurityEventID(),
			Type:          secevent.TypeFailedAuthentication,
			Severity:      secevent.SeverityLow,
			SubjectID:     "u1",
			SourceAddress: src,
			Timestamp:     base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.CreateEvent(ctx, e); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, e.ID)
	}

	list, err := s.ListEvents(ctx, &secevent.QueryFilter{SourceAddress: "10.0.0.1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 events, got %d", len(list))
	}
	if list[0].ID != ids[2] {
		t.Fatal("expected newest first")
	}

	since := base.Add(time.Minute)
	n, err := s.CountEvents(ctx, &secevent.QueryFilter{Since: &since})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 since cutoff, got %d", n)
	}

	ok, err := s.ResolveEvent(ctx, ids[0], "admin", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("first resolve should report a change")
	}
	ok, err = s.ResolveEvent(ctx, ids[0], "someone-else", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("second resolve should be a no-op")
	}
	got, _ := s.GetEvent(ctx, ids[0])
	if got.ResolvedBy != "admin" {
		t.Fatalf("resolver overwritten: %q", got.ResolvedBy)
	}

	_, err = s.ResolveEvent(ctx, id.NewSecurityEventID(), "admin", time.Now())
	if !errors.Is(err, secevent.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	purged, _ := s.PurgeEvents(ctx, base.Add(30*time.Second))
	if purged != 1 {
		t.Fatalf("expected 1 purged, got %d", purged)
	}
}

func TestAlertRuleCRUD(t *testing.T) {
	ctx := context.Background()
	s := New()

	r := &alert.Rule{
		ID:        id.NewAlertRuleID(),
		Name:      "brute",
		EventType: secevent.TypeBruteForceAttack,
		Actions:   []alert.Action{{Type: alert.ActionLog, Config: map[string]string{"level": "warn"}}},
		Enabled:   true,
	}
	if err := s.CreateRule(ctx, r); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetRule(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	got.Actions[0].Config["level"] = "mutated"
	again, _ := s.GetRule(ctx, r.ID)
	if again.Actions[0].Config["level"] != "warn" {
		t.Fatal("stored rule shares memory with caller")
	}

	r.Enabled = false
	if err = s.UpdateRule(ctx, r); err != nil {
		t.Fatal(err)
	}
	rules, _ := s.ListRules(ctx)
	if len(rules) != 1 || rules[0].Enabled {
		t.Fatal("expected one disabled rule")
	}

	if err = s.DeleteRule(ctx, r.ID); err != nil {
		t.Fatal(err)
	}
	if err = s.DeleteRule(ctx, r.ID); !errors.Is(err, alert.ErrRuleNotFound) {
		t.Fatalf("expected ErrRuleNotFound, got %v", err)
	}
}

func TestAlertAcknowledgeResolve(t *testing.T) {
	ctx := context.Background()
	s := New()

	a := &alert.Instance{
		ID:          id.NewAlertID(),
		RuleID:      id.NewAlertRuleID(),
		RuleName:    "brute",
		Severity:    secevent.SeverityHigh,
		TriggeredAt: time.Now(),
	}
	if err := s.CreateAlert(ctx, a); err != nil {
		t.Fatal(err)
	}

	unresolved := false
	n, _ := s.CountAlerts(ctx, &alert.ListFilter{Resolved: &unresolved})
	if n != 1 {
		t.Fatalf("expected 1 active alert, got %d", n)
	}

	ok, err := s.AcknowledgeAlert(ctx, a.ID, "ops", time.Now())
	if err != nil || !ok {
		t.Fatalf("acknowledge: ok=%v err=%v", ok, err)
	}
	ok, _ = s.AcknowledgeAlert(ctx, a.ID, "other", time.Now())
	if ok {
		t.Fatal("second acknowledge should be a no-op")
	}

	ok, err = s.ResolveAlert(ctx, a.ID, time.Now())
	if err != nil || !ok {
		t.Fatalf("resolve: ok=%v err=%v", ok, err)
	}

	active, _ := s.ListAlerts(ctx, &alert.ListFilter{Resolved: &unresolved})
	if len(active) != 0 {
		t.Fatalf("expected no active alerts, got %d", len(active))
	}

	got, _ := s.GetAlert(ctx, a.ID)
	if got.AcknowledgedBy != "ops" || got.ResolvedAt == nil {
		t.Fatalf("unexpected alert state: %+v", got)
	}

	if _, err = s.GetAlert(ctx, id.NewAlertID()); !errors.Is(err, alert.ErrAlertNotFound) {
		t.Fatalf("expected ErrAlertNotFound, got %v", err)
	}
}

func TestRoleChangeHistory(t *testing.T) {
	ctx := context.Background()
	s := New()

	for _, nr := range []string{"EDITOR", "VIEWER"} {
		if err := s.CreateRoleChange(ctx, &rolechange.Entry{ID: id.NewRoleChangeID(), SubjectID: "u1", NewRole: nr}); err != nil {
			t.Fatal(err)
		}
	}
	_ = s.CreateRoleChange(ctx, &rolechange.Entry{ID: id.NewRoleChangeID(), SubjectID: "u2", NewRole: "ADMIN"})

	list, err := s.ListRoleChanges(ctx, &rolechange.ListFilter{SubjectID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(list))
	}
	if list[0].NewRole != "VIEWER" {
		t.Fatalf("expected newest first, got %s", list[0].NewRole)
	}
}

func TestPagination(t *testing.T) {
	ctx := context.Background()
	s := New()
	exp := time.Now().Add(time.Minute)
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		_ = s.UpsertDecision(ctx, &decision.Entry{Key: k, ExpiresAt: exp})
	}

	page, _ := s.ListDecisions(ctx, &decision.ListFilter{Limit: 2, Offset: 1})
	if len(page) != 2 || page[0].Key != "b" {
		t.Fatalf("unexpected page: %d entries", len(page))
	}

	page, _ = s.ListDecisions(ctx, &decision.ListFilter{Offset: 10})
	if len(page) != 0 {
		t.Fatalf("expected empty page, got %d", len(page))
	}
}
