package alerting

import (
	"log/slog"
	"time"

	"github.com/xraph/bastion/alert"
	"github.com/xraph/bastion/plugin"
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithPlugins sets the plugin registry.
func WithPlugins(r *plugin.Registry) Option { return func(m *Manager) { m.plugins = r } }

// WithNow sets the clock.
func WithNow(fn func() time.Time) Option { return func(m *Manager) { m.now = fn } }

// WithNotifier adds a notification channel.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifiers = append(m.notifiers, n) }
}

// WithBlocklist sets the blocklist fed by block actions.
func WithBlocklist(b *Blocklist) Option { return func(m *Manager) { m.blocklist = b } }

// WithAccountLocker sets the lock_account handler target.
func WithAccountLocker(l AccountLocker) Option { return func(m *Manager) { m.locker = l } }

// WithActionHandler overrides or adds the handler for an action type.
func WithActionHandler(t alert.ActionType, h ActionHandler) Option {
	return func(m *Manager) { m.handlers[t] = h }
}

// WithRules registers rules at construction. Invalid rules are logged and
// skipped.
func WithRules(rules ...*alert.Rule) Option {
	return func(m *Manager) { m.initial = append(m.initial, rules...) }
}
