package plugin

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/bastion/alert"
	"github.com/xraph/bastion/id"
	"github.com/xraph/bastion/secevent"
)

// testPlugin implements Plugin + SecurityEventRecorded + AfterCheck + Operation.
type testPlugin struct {
	recorded        int
	afterCheckCalls int
	ops             []string
	opErr           error
}

func (t *testPlugin) Name() string { return "test-plugin" }

func (t *testPlugin) OnSecurityEventRecorded(_ context.Context, _ *secevent.Event) error {
	t.recorded++
	return nil
}

func (t *testPlugin) OnAfterCheck(_ context.Context, _, _ any) error {
	t.afterCheckCalls++
	return nil
}

func (t *testPlugin) OnOperation(_ context.Context, op string, _ time.Duration, err error) error {
	t.ops = append(t.ops, op)
	t.opErr = err
	return nil
}

// failingPlugin returns errors from every hook it implements.
type failingPlugin struct{ calls int }

func (f *failingPlugin) Name() string { return "failing" }

func (f *failingPlugin) OnAlertTriggered(_ context.Context, _ *alert.Instance) error {
	f.calls++
	return errors.New("boom")
}

// minimalPlugin only implements Plugin (no hooks).
type minimalPlugin struct{}

func (m *minimalPlugin) Name() string { return "minimal" }

func TestRegistryDispatch(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(slog.Default())

	tp := &testPlugin{}
	reg.Register(tp)
	reg.Register(&minimalPlugin{})

	if len(reg.Plugins()) != 2 {
		t.Fatalf("expected 2 plugins, got %d", len(reg.Plugins()))
	}

	reg.EmitSecurityEventRecorded(ctx, &secevent.Event{ID: id.NewSecurityEventID(), Type: secevent.TypeUnauthorizedAccess})
	if tp.recorded != 1 {
		t.Fatal("OnSecurityEventRecorded was not called")
	}

	reg.EmitAfterCheck(ctx, nil, nil)
	if tp.afterCheckCalls != 1 {
		t.Fatal("OnAfterCheck was not called")
	}

	// Should not panic on hooks with no listeners.
	reg.EmitBeforeCheck(ctx, nil)
	reg.EmitAlertResolved(ctx, id.NewAlertID())
	reg.EmitCacheInvalidated(ctx, "subject", "u1", 3)
	reg.EmitShutdown(ctx)
}

func TestHookErrorsDoNotStopDispatch(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(nil)

	a, b := &failingPlugin{}, &failingPlugin{}
	reg.Register(a)
	reg.Register(b)

	reg.EmitAlertTriggered(ctx, &alert.Instance{ID: id.NewAlertID()})
	if a.calls != 1 || b.calls != 1 {
		t.Fatalf("expected both plugins notified, got %d and %d", a.calls, b.calls)
	}
}

func TestStartOperation(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(slog.Default())

	// No listeners: the returned func is a no-op.
	reg.StartOperation(ctx, "noop")(nil)

	tp := &testPlugin{}
	reg.Register(tp)

	cause := errors.New("store down")
	done := reg.StartOperation(ctx, "cache.get")
	done(cause)

	if len(tp.ops) != 1 || tp.ops[0] != "cache.get" {
		t.Fatalf("unexpected operations: %v", tp.ops)
	}
	if !errors.Is(tp.opErr, cause) {
		t.Fatalf("expected operation error to be forwarded, got %v", tp.opErr)
	}
}
