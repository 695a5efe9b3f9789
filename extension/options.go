package extension

import (
	"log/slog"

	"github.com/xraph/bastion"
	"github.com/xraph/bastion/broadcast"
	"github.com/xraph/bastion/plugin"
	"github.com/xraph/bastion/store"
)

// ExtOption configures the Bastion Forge extension.
type ExtOption func(*Extension)

// WithStore sets the persistence backend.
func WithStore(s store.Store) ExtOption {
	return func(e *Extension) {
		e.store = s
	}
}

// WithCache sets the decision cache. Without it an in-memory store gets a
// sharded cache.Memory and other stores cache decisions in the store itself.
func WithCache(c bastion.Cache) ExtOption {
	return func(e *Extension) {
		e.cache = c
	}
}

// WithConfig sets the extension configuration.
func WithConfig(cfg Config) ExtOption {
	return func(e *Extension) {
		e.config = cfg
	}
}

// WithEngineOptions adds engine-level options.
func WithEngineOptions(opts ...bastion.Option) ExtOption {
	return func(e *Extension) {
		e.bastionOpts = append(e.bastionOpts, opts...)
	}
}

// WithPlugin registers a lifecycle hook plugin.
func WithPlugin(x plugin.Plugin) ExtOption {
	return func(e *Extension) {
		e.plugins = append(e.plugins, x)
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) ExtOption {
	return func(e *Extension) {
		e.logger = l
	}
}

// WithTransport sets the cross-instance invalidation transport.
func WithTransport(t broadcast.Transport) ExtOption {
	return func(e *Extension) {
		e.bastionOpts = append(e.bastionOpts, bastion.WithTransport(t))
	}
}

// WithDisableRoutes disables the registration of HTTP routes.
func WithDisableRoutes() ExtOption {
	return func(e *Extension) {
		e.config.DisableRoutes = true
	}
}

// WithDisableMigrate disables auto-migration on start.
func WithDisableMigrate() ExtOption {
	return func(e *Extension) {
		e.config.DisableMigrate = true
	}
}
