package broadcast

import (
	"log/slog"
	"time"
)

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithTransport sets the cross-instance transport.
func WithTransport(t Transport) Option { return func(b *Broadcaster) { b.transport = t } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(b *Broadcaster) { b.logger = l } }

// WithKey sets the transport key events are written under.
func WithKey(key string) Option { return func(b *Broadcaster) { b.key = key } }

// WithInstanceID overrides the generated origin ID.
func WithInstanceID(id string) Option { return func(b *Broadcaster) { b.instanceID = id } }

// WithClearDelay sets the quiet period after the last write before the
// transport key is cleared.
func WithClearDelay(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d > 0 {
			b.clearDelay = d
		}
	}
}
