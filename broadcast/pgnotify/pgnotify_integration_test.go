//go:build integration

package pgnotify

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/xraph/bastion/broadcast"
)

func setupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("bastion"),
		postgres.WithUsername("bastion"),
		postgres.WithPassword("bastion"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(ctr) })

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestBroadcastAcrossInstances(t *testing.T) {
	ctx := context.Background()
	pool := setupPool(t)

	ta := New(pool)
	if err := ta.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	tb := New(pool)

	a := broadcast.New(broadcast.WithTransport(ta), broadcast.WithInstanceID("a"), broadcast.WithClearDelay(50*time.Millisecond))
	b := broadcast.New(broadcast.WithTransport(tb), broadcast.WithInstanceID("b"))
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start b: %v", err)
	}
	defer a.Close()
	defer b.Close()

	got := make(chan broadcast.Event, 1)
	b.Subscribe(func(_ context.Context, ev broadcast.Event) error {
		got <- ev
		return nil
	})

	a.Broadcast(ctx, broadcast.Event{Kind: broadcast.KindRoleChanged, SubjectID: "u1", OldRole: "ADMIN", NewRole: "VIEWER"})

	select {
	case ev := <-got:
		if !ev.Remote || ev.SubjectID != "u1" || ev.NewRole != "VIEWER" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("remote event not received")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		_, ok, err := ta.Signal(ctx, broadcast.DefaultKey)
		if err != nil {
			t.Fatalf("read signal: %v", err)
		}
		if !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("signal row never cleared")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
