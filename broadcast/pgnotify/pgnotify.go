// Package pgnotify carries broadcast events between instances through
// PostgreSQL LISTEN/NOTIFY. The last signal under each key is also kept in a
// small table so operators can inspect what was broadcast most recently.
package pgnotify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xraph/bastion/broadcast"
)

// DefaultChannel is the notification channel used when none is configured.
const DefaultChannel = "bastion_invalidation"

const createSignals = `
CREATE TABLE IF NOT EXISTS bastion_signals (
    signal_key  TEXT PRIMARY KEY,
    payload     TEXT NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// Transport implements broadcast.Transport over a pgx pool.
type Transport struct {
	pool    *pgxpool.Pool
	channel string
	logger  *slog.Logger

	mu      sync.Mutex
	cancels []context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

var _ broadcast.Transport = (*Transport)(nil)

// Option configures a Transport.
type Option func(*Transport)

// WithChannel sets the NOTIFY channel.
func WithChannel(ch string) Option { return func(t *Transport) { t.channel = ch } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(t *Transport) { t.logger = l } }

// New creates a transport. The pool is owned by the caller.
func New(pool *pgxpool.Pool, opts ...Option) *Transport {
	t := &Transport{pool: pool, channel: DefaultChannel, logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Migrate creates the signal table.
func (t *Transport) Migrate(ctx context.Context) error {
	if _, err := t.pool.Exec(ctx, createSignals); err != nil {
		return fmt.Errorf("bastion/pgnotify: migrate: %w", err)
	}
	return nil
}

// Write records payload under key and notifies listeners. The payload is
// the notification body, so it must stay under the server's 8000 byte limit.
func (t *Transport) Write(ctx context.Context, key string, payload []byte) error {
	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("bastion/pgnotify: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO bastion_signals (signal_key, payload, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (signal_key) DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		key, string(payload)); err != nil {
		return fmt.Errorf("bastion/pgnotify: store signal: %w", err)
	}
	if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", t.channel, string(payload)); err != nil {
		return fmt.Errorf("bastion/pgnotify: notify: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("bastion/pgnotify: commit: %w", err)
	}
	return nil
}

func (t *Transport) Clear(ctx context.Context, key string) error {
	if _, err := t.pool.Exec(ctx, "DELETE FROM bastion_signals WHERE signal_key = $1", key); err != nil {
		return fmt.Errorf("bastion/pgnotify: clear signal: %w", err)
	}
	return nil
}

// Signal returns the stored payload under key.
func (t *Transport) Signal(ctx context.Context, key string) ([]byte, bool, error) {
	var payload string
	err := t.pool.QueryRow(ctx, "SELECT payload FROM bastion_signals WHERE signal_key = $1", key).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("bastion/pgnotify: read signal: %w", err)
	}
	return []byte(payload), true, nil
}

// Observe holds a dedicated connection that LISTENs on the channel. The key
// is not part of the channel; every notification is passed to fn.
func (t *Transport) Observe(ctx context.Context, _ string, fn func(payload []byte)) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("bastion/pgnotify: transport closed")
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancels = append(t.cancels, cancel)
	t.mu.Unlock()

	conn, err := t.pool.Acquire(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("bastion/pgnotify: acquire: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{t.channel}.Sanitize()); err != nil {
		conn.Release()
		cancel()
		return fmt.Errorf("bastion/pgnotify: listen: %w", err)
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer conn.Release()
		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				t.logger.Warn("pgnotify wait failed", slog.String("error", err.Error()))
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			fn([]byte(n.Payload))
		}
	}()
	return nil
}

// Close stops every listener. It does not close the pool.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	cancels := t.cancels
	t.cancels = nil
	t.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	t.wg.Wait()
	return nil
}
