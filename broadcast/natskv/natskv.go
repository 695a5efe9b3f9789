// Package natskv carries broadcast events between instances through a NATS
// JetStream key-value bucket.
package natskv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/xraph/bastion/broadcast"
)

// DefaultBucket is the bucket created when none exists.
const DefaultBucket = "bastion_invalidation"

// Transport implements broadcast.Transport over a KV bucket. Writes are Put
// operations; clears are Delete operations. Observers receive Put values
// only.
type Transport struct {
	kv     nats.KeyValue
	logger *slog.Logger

	mu       sync.Mutex
	watchers []nats.KeyWatcher
	closed   bool
}

var _ broadcast.Transport = (*Transport)(nil)

// Option configures a Transport.
type Option func(*options)

type options struct {
	bucket string
	ttl    time.Duration
	logger *slog.Logger
}

// WithBucket sets the bucket name.
func WithBucket(name string) Option { return func(o *options) { o.bucket = name } }

// WithTTL sets the bucket's value TTL when the bucket is created.
func WithTTL(d time.Duration) Option { return func(o *options) { o.ttl = d } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// New binds to the bucket, creating it if it does not exist.
func New(js nats.JetStreamContext, opts ...Option) (*Transport, error) {
	o := options{bucket: DefaultBucket, ttl: time.Minute, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	kv, err := js.KeyValue(o.bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      o.bucket,
			Description: "bastion cache invalidation signals",
			TTL:         o.ttl,
			History:     1,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("bastion/natskv: bind bucket %q: %w", o.bucket, err)
	}
	return &Transport{kv: kv, logger: o.logger}, nil
}

func (t *Transport) Write(_ context.Context, key string, payload []byte) error {
	if _, err := t.kv.Put(key, payload); err != nil {
		return fmt.Errorf("bastion/natskv: put %q: %w", key, err)
	}
	return nil
}

func (t *Transport) Clear(_ context.Context, key string) error {
	if err := t.kv.Delete(key); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("bastion/natskv: delete %q: %w", key, err)
	}
	return nil
}

// Observe watches key for new values. Values present before the call are
// not replayed.
func (t *Transport) Observe(ctx context.Context, key string, fn func(payload []byte)) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("bastion/natskv: transport closed")
	}
	w, err := t.kv.Watch(key, nats.UpdatesOnly(), nats.Context(ctx))
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("bastion/natskv: watch %q: %w", key, err)
	}
	t.watchers = append(t.watchers, w)
	t.mu.Unlock()

	go func() {
		defer func() { _ = w.Stop() }()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-w.Updates():
				if !ok {
					return
				}
				if e == nil || e.Operation() != nats.KeyValuePut {
					continue
				}
				fn(e.Value())
			}
		}
	}()
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for _, w := range t.watchers {
		if err := w.Stop(); err != nil {
			t.logger.Debug("natskv watcher stop failed", slog.String("error", err.Error()))
		}
	}
	t.watchers = nil
	return nil
}
