package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/xraph/bastion/alert"
	"github.com/xraph/bastion/id"
	"github.com/xraph/bastion/secevent"
)

func TestWebhookNotifier(t *testing.T) {
	var got alert.Instance
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewWebhookNotifier("ops", srv.URL, srv.Client())
	n.SetHeader("Authorization", "Bearer token")

	a := &alert.Instance{ID: id.NewAlertID(), RuleName: "breach", Severity: secevent.SeverityCritical}
	if err := n.Notify(context.Background(), a); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got.ID != a.ID || got.RuleName != "breach" {
		t.Fatalf("unexpected payload: %+v", got)
	}
	if auth != "Bearer token" {
		t.Fatalf("expected auth header, got %q", auth)
	}
}

func TestWebhookNotifierStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewWebhookNotifier("ops", srv.URL, nil)
	if err := n.Notify(context.Background(), &alert.Instance{ID: id.NewAlertID()}); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

type countingNotifier struct {
	name  string
	calls int
}

func (c *countingNotifier) Name() string { return c.name }

func (c *countingNotifier) Notify(context.Context, *alert.Instance) error {
	c.calls++
	return nil
}

func TestThrottle(t *testing.T) {
	inner := &countingNotifier{name: "pager"}
	n := Throttle(inner, 0.001, 2)

	ctx := context.Background()
	a := &alert.Instance{ID: id.NewAlertID()}
	for i := 0; i < 2; i++ {
		if err := n.Notify(ctx, a); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if err := n.Notify(ctx, a); !errors.Is(err, ErrNotifyThrottled) {
		t.Fatalf("expected ErrNotifyThrottled, got %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("expected 2 deliveries, got %d", inner.calls)
	}
	if n.Name() != "pager" {
		t.Fatalf("throttled notifier must keep its name, got %q", n.Name())
	}
}

func TestNotifyActionSelectsChannel(t *testing.T) {
	ctx := context.Background()
	ops := &countingNotifier{name: "ops"}
	sec := &countingNotifier{name: "security"}

	rule := &alert.Rule{
		Name:      "notify",
		EventType: secevent.TypeDataBreachAttempt,
		Actions: []alert.Action{
			{Type: alert.ActionNotify, Config: map[string]string{"channel": "security"}},
		},
		Enabled: true,
	}
	m, _, _ := newTestManager(t, WithRules(rule), WithNotifier(ops), WithNotifier(sec))
	m.CheckAlerts(ctx, event(secevent.TypeDataBreachAttempt, "u1", ""))

	if ops.calls != 0 || sec.calls != 1 {
		t.Fatalf("expected only security notified, got ops=%d security=%d", ops.calls, sec.calls)
	}
}
