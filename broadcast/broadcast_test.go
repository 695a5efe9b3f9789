package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestBroadcastDeliversInOrder(t *testing.T) {
	ctx := context.Background()
	b := New()

	var order []string
	b.Subscribe(func(_ context.Context, _ Event) error {
		order = append(order, "first")
		return nil
	})
	b.Subscribe(func(_ context.Context, _ Event) error {
		order = append(order, "second")
		return errors.New("subscriber down")
	})
	b.Subscribe(func(_ context.Context, _ Event) error {
		order = append(order, "third")
		return nil
	})

	ev := b.Broadcast(ctx, Event{Kind: KindRoleChanged, SubjectID: "u1"})
	if ev.ID == "" || ev.Origin != b.InstanceID() || ev.Timestamp.IsZero() {
		t.Fatalf("event not stamped: %+v", ev)
	}
	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Fatalf("unexpected delivery order: %v", order)
	}
}

func TestBroadcastRecoversSubscriberPanic(t *testing.T) {
	b := New()

	called := false
	b.Subscribe(func(_ context.Context, _ Event) error { panic("boom") })
	b.Subscribe(func(_ context.Context, _ Event) error {
		called = true
		return nil
	})

	b.Broadcast(context.Background(), Event{Kind: KindGlobalClear})
	if !called {
		t.Fatal("subscriber after panicking one was not called")
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()

	calls := 0
	unsub := b.Subscribe(func(_ context.Context, _ Event) error {
		calls++
		return nil
	})
	b.Broadcast(context.Background(), Event{Kind: KindGlobalClear})
	unsub()
	unsub()
	b.Broadcast(context.Background(), Event{Kind: KindGlobalClear})

	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRemoteDeliveryThroughHub(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()

	a := New(WithTransport(hub.Endpoint()), WithInstanceID("a"))
	b := New(WithTransport(hub.Endpoint()), WithInstanceID("b"))
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start b: %v", err)
	}
	defer a.Close()
	defer b.Close()

	var aGot, bGot []Event
	a.Subscribe(func(_ context.Context, ev Event) error {
		aGot = append(aGot, ev)
		return nil
	})
	b.Subscribe(func(_ context.Context, ev Event) error {
		bGot = append(bGot, ev)
		return nil
	})

	a.Broadcast(ctx, Event{Kind: KindResourceUpdated, Resource: "products"})

	if len(aGot) != 1 || aGot[0].Remote {
		t.Fatalf("origin should see exactly one local delivery, got %+v", aGot)
	}
	if len(bGot) != 1 || !bGot[0].Remote {
		t.Fatalf("peer should see exactly one remote delivery, got %+v", bGot)
	}
	if bGot[0].Resource != "products" || bGot[0].Origin != "a" {
		t.Fatalf("unexpected remote event: %+v", bGot[0])
	}
}

func TestRemoteDuplicatesDropped(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	sender := hub.Endpoint()

	b := New(WithTransport(hub.Endpoint()), WithInstanceID("b"))
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer b.Close()

	calls := 0
	b.Subscribe(func(_ context.Context, _ Event) error {
		calls++
		return nil
	})

	payload := []byte(`{"id":"evt-1","kind":"global_clear","origin":"x"}`)
	_ = sender.Write(ctx, DefaultKey, payload)
	_ = sender.Write(ctx, DefaultKey, payload)
	_ = sender.Write(ctx, DefaultKey, []byte("not json"))

	if calls != 1 {
		t.Fatalf("expected 1 delivery, got %d", calls)
	}
}

func TestDebouncedClear(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	b := New(WithTransport(hub.Endpoint()), WithClearDelay(20*time.Millisecond))
	defer b.Close()

	b.Broadcast(ctx, Event{Kind: KindDeactivated, SubjectID: "u1"})
	b.Broadcast(ctx, Event{Kind: KindDeactivated, SubjectID: "u2"})

	if _, ok := hub.Value(DefaultKey); !ok {
		t.Fatal("expected value retained right after write")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := hub.Value(DefaultKey); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("value was never cleared")
		}
		time.Sleep(5 * time.Millisecond)
	}

	writes, clears := hub.Counts()
	if writes != 2 || clears != 1 {
		t.Fatalf("expected 2 writes and 1 clear, got %d and %d", writes, clears)
	}
}

type failingTransport struct {
	mu     sync.Mutex
	writes int
}

func (f *failingTransport) Write(context.Context, string, []byte) error {
	f.mu.Lock()
	f.writes++
	f.mu.Unlock()
	return errors.New("unreachable")
}

func (f *failingTransport) Clear(context.Context, string) error { return nil }

func (f *failingTransport) Observe(context.Context, string, func([]byte)) error {
	return errors.New("unreachable")
}

func (f *failingTransport) Close() error { return nil }

func TestTransportFailureKeepsLocalDelivery(t *testing.T) {
	tr := &failingTransport{}
	b := New(WithTransport(tr))

	if err := b.Start(context.Background()); err == nil {
		t.Fatal("expected observe error from Start")
	}

	called := false
	b.Subscribe(func(_ context.Context, _ Event) error {
		called = true
		return nil
	})
	b.Broadcast(context.Background(), Event{Kind: KindGlobalClear})

	if !called {
		t.Fatal("local subscriber not called when transport fails")
	}
	if tr.writes != 1 {
		t.Fatalf("expected 1 write attempt, got %d", tr.writes)
	}
}

func TestCloseFlushesPendingClear(t *testing.T) {
	hub := NewHub()
	b := New(WithTransport(hub.Endpoint()), WithClearDelay(time.Hour))

	b.Broadcast(context.Background(), Event{Kind: KindResourceUpdated, Resource: "products"})
	if _, ok := hub.Value(DefaultKey); !ok {
		t.Fatal("expected value retained after write")
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := hub.Value(DefaultKey); ok {
		t.Fatal("close left the last notification on the medium")
	}
	if _, clears := hub.Counts(); clears != 1 {
		t.Fatalf("expected 1 clear, got %d", clears)
	}
}

func TestHubCancelRemovesOnlyThatObserver(t *testing.T) {
	hub := NewHub()
	ep := hub.Endpoint()
	defer ep.Close()

	var mu sync.Mutex
	got := map[string]int{}
	observe := func(name string) func([]byte) {
		return func([]byte) {
			mu.Lock()
			got[name]++
			mu.Unlock()
		}
	}

	ctxA, cancelA := context.WithCancel(context.Background())
	if err := ep.Observe(ctxA, "k", observe("a")); err != nil {
		t.Fatal(err)
	}
	if err := ep.Observe(context.Background(), "k", observe("b")); err != nil {
		t.Fatal(err)
	}
	cancelA()

	deadline := time.Now().Add(2 * time.Second)
	for len(ep.observersFor("k")) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected one observer left, got %d", len(ep.observersFor("k")))
		}
		time.Sleep(time.Millisecond)
	}

	if err := ep.Write(context.Background(), "k", []byte("x")); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if got["a"] != 0 || got["b"] != 1 {
		t.Fatalf("unexpected deliveries: %v", got)
	}
}
