// Package extension provides a Forge extension entry point for Bastion.
package extension

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	"github.com/xraph/bastion"
	"github.com/xraph/bastion/api"
	"github.com/xraph/bastion/broadcast"
	"github.com/xraph/bastion/cache"
	"github.com/xraph/bastion/plugin"
	"github.com/xraph/bastion/store"
	"github.com/xraph/bastion/store/memory"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "bastion"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Role-based authorization with a consistent decision cache and security monitoring"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts Bastion as a Forge extension.
type Extension struct {
	config      Config
	eng         *bastion.Engine
	apiHandler  *api.API
	logger      *slog.Logger
	store       store.Store
	cache       bastion.Cache
	bastionOpts []bastion.Option
	plugins     []plugin.Plugin
}

// New creates a Bastion Forge extension with the given options.
func New(opts ...ExtOption) *Extension {
	e := &Extension{config: DefaultConfig()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns the extension name.
func (e *Extension) Name() string { return ExtensionName }

// Description returns the extension description.
func (e *Extension) Description() string { return ExtensionDescription }

// Version returns the extension version.
func (e *Extension) Version() string { return ExtensionVersion }

// Dependencies returns the list of extension names this extension depends on.
func (e *Extension) Dependencies() []string { return []string{} }

// Engine returns the underlying Bastion engine.
func (e *Extension) Engine() *bastion.Engine { return e.eng }

// API returns the API handler.
func (e *Extension) API() *api.API { return e.apiHandler }

// Register implements [forge.Extension]. It initializes the engine,
// registers it in the DI container, and optionally registers HTTP routes.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.init(fapp); err != nil {
		return err
	}

	// Register the engine in the DI container.
	if err := vessel.Provide(fapp.Container(), func() (*bastion.Engine, error) {
		return e.eng, nil
	}); err != nil {
		return fmt.Errorf("bastion: register engine in container: %w", err)
	}

	return nil
}

func (e *Extension) init(fapp forge.App) error {
	logger := e.logger
	if logger == nil {
		logger = slog.Default()
	}

	engineCfg := e.config.Engine
	if engineCfg == (bastion.Config{}) {
		engineCfg = bastion.DefaultConfig()
	}

	// Build bastion options.
	opts := make([]bastion.Option, 0, len(e.bastionOpts)+len(e.plugins)+2)
	opts = append(opts, bastion.WithLogger(logger), bastion.WithConfig(engineCfg))

	// An option-provided store wins over one in the DI container.
	s := e.store
	if s == nil {
		if injected, err := forge.Inject[store.Store](fapp.Container()); err == nil {
			s = injected
		}
	}
	if s != nil {
		opts = append(opts, bastion.WithStore(s))
	}

	if c := decisionCache(s, e.cache, engineCfg.CacheTTL); c != nil {
		opts = append(opts, bastion.WithCache(c))
	}
	// A transport in the container enables cross-instance invalidation.
	if t, err := forge.Inject[broadcast.Transport](fapp.Container()); err == nil {
		opts = append(opts, bastion.WithTransport(t))
	}

	// Append user-provided options.
	opts = append(opts, e.bastionOpts...)

	// Register extension hooks.
	for _, x := range e.plugins {
		opts = append(opts, bastion.WithPlugin(x))
	}

	eng, err := bastion.NewEngine(opts...)
	if err != nil {
		return fmt.Errorf("bastion: create engine: %w", err)
	}
	e.eng = eng

	// Create API handler.
	e.apiHandler = api.New(eng, fapp.Router())

	// Register HTTP routes unless disabled.
	if !e.config.DisableRoutes {
		if err := e.apiHandler.RegisterRoutes(fapp.Router()); err != nil {
			return fmt.Errorf("bastion: register routes: %w", err)
		}
	}

	return nil
}

// decisionCache picks the cache for the engine. An explicit cache wins; an
// in-memory store gets the sharded cache.Memory; otherwise nil lets the engine
// cache decisions in the store.
func decisionCache(s store.Store, c bastion.Cache, ttl time.Duration) bastion.Cache {
	if c != nil {
		return c
	}
	if _, ok := s.(*memory.Store); ok {
		return cache.NewMemory(cache.WithTTL(ttl))
	}
	return nil
}

// Start runs migrations if enabled and starts the engine.
func (e *Extension) Start(ctx context.Context) error {
	if e.eng == nil {
		return errors.New("bastion: extension not initialized")
	}

	// Run migrations unless disabled.
	if !e.config.DisableMigrate {
		s := e.eng.Store()
		if s != nil {
			if err := s.Migrate(ctx); err != nil {
				return fmt.Errorf("bastion: migration failed: %w", err)
			}
		}
	}

	return e.eng.Start(ctx)
}

// Stop gracefully shuts down the bastion engine.
func (e *Extension) Stop(ctx context.Context) error {
	if e.eng == nil {
		return nil
	}
	return e.eng.Stop(ctx)
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.eng == nil {
		return errors.New("bastion: extension not initialized")
	}
	s := e.eng.Store()
	if s == nil {
		return errors.New("bastion: no store configured")
	}
	return s.Ping(ctx)
}

// Handler returns the HTTP handler for all API routes.
func (e *Extension) Handler() http.Handler {
	if e.apiHandler == nil {
		return http.NotFoundHandler()
	}
	return e.apiHandler.Handler()
}

// RegisterRoutes registers all bastion API routes into a Forge router.
func (e *Extension) RegisterRoutes(router forge.Router) error {
	if e.apiHandler != nil {
		return e.apiHandler.RegisterRoutes(router)
	}
	return nil
}
