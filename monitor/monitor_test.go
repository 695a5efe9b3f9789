package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/xraph/bastion/secevent"
	"github.com/xraph/bastion/store/memory"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	events []*secevent.Event
}

func (s *recordingSink) HandleEvent(_ context.Context, ev *secevent.Event) {
	s.events = append(s.events, ev)
}

func (s *recordingSink) ofType(t secevent.Type) []*secevent.Event {
	var out []*secevent.Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// failingStore fails every CreateEvent while fail is set.
type failingStore struct {
	*memory.Store
	fail bool
}

func (f *failingStore) CreateEvent(ctx context.Context, e *secevent.Event) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.Store.CreateEvent(ctx, e)
}

func newTestMonitor(t *testing.T) (*Monitor, *recordingSink, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	sink := &recordingSink{}
	m := New(memory.New(), WithSink(sink), WithNow(clock.Now))
	return m, sink, clock
}

func TestRecordAppliesDefaults(t *testing.T) {
	ctx := context.Background()
	m, sink, clock := newTestMonitor(t)

	eid, err := m.Record(ctx, &secevent.Event{Type: secevent.TypeRoleEscalation, SubjectID: "u1"})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if eid.IsNil() {
		t.Fatal("expected an event ID")
	}
	if len(sink.events) != 1 {
		t.Fatalf("expected sink to receive 1 event, got %d", len(sink.events))
	}
	ev := sink.events[0]
	if ev.Severity != secevent.SeverityCritical {
		t.Fatalf("expected CRITICAL default severity, got %s", ev.Severity)
	}
	if !ev.Timestamp.Equal(clock.Now()) {
		t.Fatalf("expected timestamp %v, got %v", clock.Now(), ev.Timestamp)
	}
}

func TestRecordRejectsUnknownType(t *testing.T) {
	m, _, _ := newTestMonitor(t)
	_, err := m.Record(context.Background(), &secevent.Event{Type: "NOT_A_TYPE"})
	if !errors.Is(err, ErrUnknownEventType) {
		t.Fatalf("expected ErrUnknownEventType, got %v", err)
	}
}

func TestRateLimitPerTypeAndSubject(t *testing.T) {
	ctx := context.Background()
	m, _, clock := newTestMonitor(t)

	for i := 0; i < 10; i++ {
		if _, err := m.Record(ctx, &secevent.Event{Type: secevent.TypeAnomalousBehavior, SubjectID: "u1"}); err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
	}
	if _, err := m.Record(ctx, &secevent.Event{Type: secevent.TypeAnomalousBehavior, SubjectID: "u1"}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	// Different subject and different type keep their own quota.
	if _, err := m.Record(ctx, &secevent.Event{Type: secevent.TypeAnomalousBehavior, SubjectID: "u2"}); err != nil {
		t.Fatalf("other subject: %v", err)
	}
	if _, err := m.Record(ctx, &secevent.Event{Type: secevent.TypeAccountLocked, SubjectID: "u1"}); err != nil {
		t.Fatalf("other type: %v", err)
	}

	clock.Advance(61 * time.Second)
	if _, err := m.Record(ctx, &secevent.Event{Type: secevent.TypeAnomalousBehavior, SubjectID: "u1"}); err != nil {
		t.Fatalf("after window: %v", err)
	}
}

func TestRateLimitFallsBackToSource(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestMonitor(t)

	for i := 0; i < 10; i++ {
		if _, err := m.Record(ctx, &secevent.Event{Type: secevent.TypeAnomalousBehavior, SourceAddress: "10.0.0.1"}); err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
	}
	if _, err := m.Record(ctx, &secevent.Event{Type: secevent.TypeAnomalousBehavior, SourceAddress: "10.0.0.1"}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestFailedPersistenceReleasesQuota(t *testing.T) {
	ctx := context.Background()
	st := &failingStore{Store: memory.New(), fail: true}
	m := New(st, WithRateLimit(2, time.Minute))

	for i := 0; i < 5; i++ {
		if _, err := m.Record(ctx, &secevent.Event{Type: secevent.TypeAnomalousBehavior, SubjectID: "u1"}); err == nil || errors.Is(err, ErrRateLimited) {
			t.Fatalf("expected persistence error, got %v", err)
		}
	}

	st.fail = false
	for i := 0; i < 2; i++ {
		if _, err := m.Record(ctx, &secevent.Event{Type: secevent.TypeAnomalousBehavior, SubjectID: "u1"}); err != nil {
			t.Fatalf("event %d after recovery: %v", i, err)
		}
	}
}

func TestBruteForceDetection(t *testing.T) {
	ctx := context.Background()
	m, sink, clock := newTestMonitor(t)

	for i := 0; i < 4; i++ {
		if _, err := m.Record(ctx, &secevent.Event{Type: secevent.TypeFailedAuthentication, SubjectID: "u1", SourceAddress: "10.0.0.1"}); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		clock.Advance(time.Second)
	}
	if n := len(sink.ofType(secevent.TypeBruteForceAttack)); n != 0 {
		t.Fatalf("expected no brute force below threshold, got %d", n)
	}

	if _, err := m.Record(ctx, &secevent.Event{Type: secevent.TypeFailedAuthentication, SubjectID: "u1", SourceAddress: "10.0.0.1"}); err != nil {
		t.Fatalf("attempt 5: %v", err)
	}
	bf := sink.ofType(secevent.TypeBruteForceAttack)
	if len(bf) != 1 {
		t.Fatalf("expected 1 brute force event, got %d", len(bf))
	}
	if bf[0].Severity != secevent.SeverityHigh || !bf[0].Derived || bf[0].Details.Attempts != 5 {
		t.Fatalf("unexpected brute force event: %+v", bf[0])
	}
}

func TestFailedAuthOutsideWindowIgnored(t *testing.T) {
	ctx := context.Background()
	m, sink, clock := newTestMonitor(t)

	for i := 0; i < 4; i++ {
		_, _ = m.Record(ctx, &secevent.Event{Type: secevent.TypeFailedAuthentication, SubjectID: "u1"})
	}
	clock.Advance(2 * time.Hour)
	_, _ = m.Record(ctx, &secevent.Event{Type: secevent.TypeFailedAuthentication, SubjectID: "u1"})

	if n := len(sink.ofType(secevent.TypeBruteForceAttack)); n != 0 {
		t.Fatalf("expected no brute force, got %d", n)
	}
}

func TestMultiSourceDetection(t *testing.T) {
	ctx := context.Background()
	m, sink, _ := newTestMonitor(t)

	for i := 1; i <= 3; i++ {
		src := fmt.Sprintf("10.0.0.%d", i)
		if _, err := m.Record(ctx, &secevent.Event{Type: secevent.TypeUnauthorizedAccess, SubjectID: "u1", SourceAddress: src}); err != nil {
			t.Fatalf("source %s: %v", src, err)
		}
	}
	ms := sink.ofType(secevent.TypeMultiSourceAccess)
	if len(ms) != 1 {
		t.Fatalf("expected 1 multi-source event, got %d", len(ms))
	}
	if len(ms[0].Details.Sources) != 3 {
		t.Fatalf("expected 3 sources, got %v", ms[0].Details.Sources)
	}
}

func TestSuspiciousSourceDetection(t *testing.T) {
	ctx := context.Background()
	m, sink, _ := newTestMonitor(t)

	for i := 1; i <= 5; i++ {
		subject := fmt.Sprintf("u%d", i)
		if _, err := m.Record(ctx, &secevent.Event{Type: secevent.TypeFailedAuthentication, SubjectID: subject, SourceAddress: "10.0.0.9"}); err != nil {
			t.Fatalf("subject %s: %v", subject, err)
		}
	}
	sa := sink.ofType(secevent.TypeSuspiciousActivity)
	if len(sa) != 1 || sa[0].Severity != secevent.SeverityHigh {
		t.Fatalf("expected 1 HIGH suspicious activity event, got %+v", sa)
	}
}

func TestRapidRequestDetection(t *testing.T) {
	ctx := context.Background()
	m, sink, _ := newTestMonitor(t)

	types := []secevent.Type{secevent.TypeUnauthorizedAccess, secevent.TypeAnomalousBehavior, secevent.TypeAccountLocked, secevent.TypePrivilegeEscalation, secevent.TypeDataBreachAttempt}
	recorded := 0
	for _, typ := range types {
		for i := 0; i < 10; i++ {
			if _, err := m.Record(ctx, &secevent.Event{Type: typ, SourceAddress: "10.0.0.7"}); err != nil {
				t.Fatalf("%s #%d: %v", typ, i, err)
			}
			recorded++
		}
	}
	if recorded != 50 {
		t.Fatalf("expected 50 events, recorded %d", recorded)
	}
	if n := len(sink.ofType(secevent.TypeRapidRequests)); n != 1 {
		t.Fatalf("expected 1 rapid requests event, got %d", n)
	}
}

func TestCoordinatedAttackDetection(t *testing.T) {
	ctx := context.Background()
	m, sink, _ := newTestMonitor(t)

	for i := 1; i <= 5; i++ {
		ev := &secevent.Event{
			Type:          secevent.TypeUnauthorizedAccess,
			SubjectID:     fmt.Sprintf("u%d", i),
			SourceAddress: fmt.Sprintf("10.1.0.%d", i),
		}
		if _, err := m.Record(ctx, ev); err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
	}
	ca := sink.ofType(secevent.TypeCoordinatedAttack)
	if len(ca) != 1 || ca[0].Severity != secevent.SeverityCritical {
		t.Fatalf("expected 1 CRITICAL coordinated attack event, got %+v", ca)
	}
}

func TestDerivedEventsAreNotAnalyzed(t *testing.T) {
	ctx := context.Background()
	m, sink, _ := newTestMonitor(t)

	for i := 0; i < 6; i++ {
		ev := &secevent.Event{Type: secevent.TypeFailedAuthentication, SubjectID: "u1", Derived: true}
		if _, err := m.Record(ctx, ev); err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
	}
	if n := len(sink.ofType(secevent.TypeBruteForceAttack)); n != 0 {
		t.Fatalf("derived events must not trigger analysis, got %d", n)
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestMonitor(t)

	eid, err := m.Record(ctx, &secevent.Event{Type: secevent.TypeUnauthorizedAccess, SubjectID: "u1"})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	changed, err := m.Resolve(ctx, eid, "admin-1")
	if err != nil || !changed {
		t.Fatalf("first resolve: changed=%v err=%v", changed, err)
	}
	changed, err = m.Resolve(ctx, eid, "admin-2")
	if err != nil || changed {
		t.Fatalf("second resolve: changed=%v err=%v", changed, err)
	}

	events, err := m.Events(ctx, &secevent.QueryFilter{SubjectID: "u1"})
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 1 || events[0].ResolvedBy != "admin-1" {
		t.Fatalf("resolver must not change, got %+v", events)
	}
}

func TestSweepDropsIdleKeys(t *testing.T) {
	ctx := context.Background()
	m, _, clock := newTestMonitor(t)

	_, _ = m.Record(ctx, &secevent.Event{Type: secevent.TypeUnauthorizedAccess, SubjectID: "u1"})
	if n := m.Sweep(clock.Now()); n != 1 {
		t.Fatalf("expected 1 tracked key, got %d", n)
	}
	clock.Advance(2 * time.Minute)
	if n := m.Sweep(clock.Now()); n != 0 {
		t.Fatalf("expected no tracked keys, got %d", n)
	}
}
