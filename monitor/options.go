package monitor

import (
	"log/slog"
	"time"

	"github.com/xraph/bastion/plugin"
)

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Monitor) { m.logger = l } }

// WithPlugins sets the plugin registry.
func WithPlugins(r *plugin.Registry) Option { return func(m *Monitor) { m.plugins = r } }

// WithSink sets the receiver of persisted events.
func WithSink(s Sink) Option { return func(m *Monitor) { m.sink = s } }

// WithNow sets the clock.
func WithNow(fn func() time.Time) Option { return func(m *Monitor) { m.now = fn } }

// WithRateLimit sets the per-key quota.
func WithRateLimit(max int, window time.Duration) Option {
	return func(m *Monitor) {
		if max > 0 {
			m.rateMax = max
		}
		if window > 0 {
			m.rateWindow = window
		}
	}
}

// WithThresholds replaces the analysis thresholds.
func WithThresholds(t Thresholds) Option { return func(m *Monitor) { m.thresholds = t } }
