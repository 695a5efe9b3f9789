package bastion

import (
	"log/slog"
	"time"

	"github.com/xraph/bastion/alert"
	"github.com/xraph/bastion/alerting"
	"github.com/xraph/bastion/broadcast"
	"github.com/xraph/bastion/plugin"
	"github.com/xraph/bastion/store"
)

// Option is a functional option for the Engine.
type Option func(*Engine)

// WithStore sets the composite store.
func WithStore(s store.Store) Option { return func(e *Engine) { e.store = s } }

// WithCache sets the decision cache. Defaults to a StoreCache over the
// engine's store.
func WithCache(c Cache) Option { return func(e *Engine) { e.cache = c } }

// WithRuleTable sets the role→permission table.
func WithRuleTable(t *RuleTable) Option { return func(e *Engine) { e.rules = t } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithConfig sets the engine configuration.
func WithConfig(c Config) Option { return func(e *Engine) { e.config = c } }

// WithPlugin registers a plugin with the engine.
func WithPlugin(x plugin.Plugin) Option {
	return func(e *Engine) {
		if e.plugins == nil {
			e.plugins = plugin.NewRegistry(e.logger)
		}
		e.plugins.Register(x)
	}
}

// WithTransport sets the cross-instance invalidation transport.
func WithTransport(t broadcast.Transport) Option { return func(e *Engine) { e.transport = t } }

// WithInstanceID sets the origin ID stamped on broadcast events.
func WithInstanceID(id string) Option { return func(e *Engine) { e.instanceID = id } }

// WithNotifier adds an alert notification channel.
func WithNotifier(n alerting.Notifier) Option {
	return func(e *Engine) { e.notifiers = append(e.notifiers, n) }
}

// WithAlertRules sets the configured alert rules. Without it the engine
// installs alerting.DefaultRules.
func WithAlertRules(rules ...*alert.Rule) Option {
	return func(e *Engine) { e.alertRules = append(e.alertRules, rules...) }
}

// WithAccountLocker sets the target of lock_account actions.
func WithAccountLocker(l alerting.AccountLocker) Option { return func(e *Engine) { e.locker = l } }

// WithNow sets the clock used for expiry, windows and timestamps.
func WithNow(fn func() time.Time) Option { return func(e *Engine) { e.now = fn } }
