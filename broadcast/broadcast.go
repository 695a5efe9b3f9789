// Package broadcast fans cache-invalidation events out to local subscribers
// and, through a pluggable Transport, to every other engine instance.
//
// Local delivery is synchronous and ordered: Broadcast returns only after
// every subscriber registered at call time has run. Cross-instance delivery
// is best effort. Payloads carry the emitting instance ID so an instance
// never applies its own echo, whatever the medium.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Kind identifies an invalidation event.
type Kind string

const (
	KindRoleChanged     Kind = "user_role_changed"
	KindResourceUpdated Kind = "resource_updated"
	KindDeactivated     Kind = "user_deactivated"
	KindGlobalClear     Kind = "global_clear"
)

// Event is a normalized invalidation notice.
type Event struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	SubjectID string    `json:"subject_id,omitempty"`
	OldRole   string    `json:"old_role,omitempty"`
	NewRole   string    `json:"new_role,omitempty"`
	Resource  string    `json:"resource,omitempty"`
	Origin    string    `json:"origin"`
	Timestamp time.Time `json:"timestamp"`

	// Remote is set on events that arrived through the transport.
	Remote bool `json:"-"`
}

// Handler receives events. A returned error is logged and does not stop
// delivery to later subscribers.
type Handler func(ctx context.Context, ev Event) error

// Transport carries encoded events between instances. Implementations must
// be safe for concurrent use.
type Transport interface {
	// Write publishes payload under key.
	Write(ctx context.Context, key string, payload []byte) error

	// Clear removes the current value under key, if the medium retains one.
	Clear(ctx context.Context, key string) error

	// Observe starts delivering payloads written under key by any instance
	// to fn until ctx is done or the transport is closed. It returns once
	// observation is established.
	Observe(ctx context.Context, key string, fn func(payload []byte)) error

	// Close releases transport resources.
	Close() error
}

// DefaultKey is the transport key used when none is configured.
const DefaultKey = "bastion.invalidation"

type subscription struct {
	id uint64
	fn Handler
}

// Broadcaster delivers events to local subscribers and the transport.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64

	transport  Transport
	key        string
	instanceID string
	clearDelay time.Duration
	logger     *slog.Logger

	timerMu    sync.Mutex
	clearTimer *time.Timer

	seen *expirable.LRU[string, struct{}]

	cancel context.CancelFunc
}

// New creates a broadcaster. Without a transport it only delivers locally.
func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		key:        DefaultKey,
		instanceID: uuid.NewString(),
		clearDelay: 100 * time.Millisecond,
		logger:     slog.Default(),
		seen:       expirable.NewLRU[string, struct{}](4096, nil, 10*time.Minute),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// InstanceID returns the origin ID stamped on outgoing events.
func (b *Broadcaster) InstanceID() string { return b.instanceID }

// Subscribe registers fn and returns a function that removes it. Subscribers
// are called in registration order.
func (b *Broadcaster) Subscribe(fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	sid := b.nextID
	b.subs = append(b.subs, subscription{id: sid, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == sid {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Broadcast stamps ev with an ID, origin and timestamp, delivers it to every
// local subscriber and then hands it to the transport. It returns the
// stamped event.
func (b *Broadcaster) Broadcast(ctx context.Context, ev Event) Event {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.Origin = b.instanceID
	ev.Remote = false
	b.seen.Add(ev.ID, struct{}{})

	b.deliver(ctx, ev)

	if b.transport != nil {
		b.publish(ctx, ev)
	}
	return ev
}

func (b *Broadcaster) deliver(ctx context.Context, ev Event) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if err := b.call(ctx, s.fn, ev); err != nil {
			b.logger.Warn("broadcast subscriber failed",
				slog.String("event_id", ev.ID),
				slog.String("kind", string(ev.Kind)),
				slog.Bool("remote", ev.Remote),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (b *Broadcaster) call(ctx context.Context, fn Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return fn(ctx, ev)
}

func (b *Broadcaster) publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Warn("broadcast encode failed", slog.String("error", err.Error()))
		return
	}
	if err := b.transport.Write(ctx, b.key, payload); err != nil {
		b.logger.Warn("broadcast transport write failed",
			slog.String("event_id", ev.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	b.scheduleClear()
}

// scheduleClear clears the transport key once no write happened for
// clearDelay.
func (b *Broadcaster) scheduleClear() {
	b.timerMu.Lock()
	defer b.timerMu.Unlock()
	if b.clearTimer != nil {
		b.clearTimer.Stop()
	}
	b.clearTimer = time.AfterFunc(b.clearDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.transport.Clear(ctx, b.key); err != nil {
			b.logger.Debug("broadcast transport clear failed", slog.String("error", err.Error()))
		}
	})
}

// Start begins observing the transport. Remote events are delivered to local
// subscribers with Remote set; own echoes and duplicates are dropped.
func (b *Broadcaster) Start(ctx context.Context) error {
	if b.transport == nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	if err := b.transport.Observe(ctx, b.key, func(payload []byte) {
		b.receive(ctx, payload)
	}); err != nil {
		cancel()
		return fmt.Errorf("bastion: observe broadcast transport: %w", err)
	}
	return nil
}

func (b *Broadcaster) receive(ctx context.Context, payload []byte) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		b.logger.Warn("broadcast decode failed", slog.String("error", err.Error()))
		return
	}
	if ev.Origin == b.instanceID || ev.ID == "" {
		return
	}
	if b.seen.Contains(ev.ID) {
		return
	}
	b.seen.Add(ev.ID, struct{}{})
	ev.Remote = true
	b.deliver(ctx, ev)
}

// Close stops observation, flushes a pending clear and closes the transport.
func (b *Broadcaster) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	b.timerMu.Lock()
	pending := b.clearTimer != nil && b.clearTimer.Stop()
	b.clearTimer = nil
	b.timerMu.Unlock()
	if b.transport == nil {
		return nil
	}
	if pending {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := b.transport.Clear(ctx, b.key); err != nil {
			b.logger.Debug("broadcast transport clear failed", slog.String("error", err.Error()))
		}
		cancel()
	}
	return b.transport.Close()
}
