package plugin

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/bastion/alert"
	"github.com/xraph/bastion/id"
	"github.com/xraph/bastion/secevent"
)

// Named entry types pair a hook with the plugin name for logging.

type beforeCheckEntry struct {
	name string
	hook BeforeCheck
}
type afterCheckEntry struct {
	name string
	hook AfterCheck
}
type cacheInvalidatedEntry struct {
	name string
	hook CacheInvalidated
}
type cacheStatsEntry struct {
	name string
	hook CacheStatsCaptured
}
type eventRecordedEntry struct {
	name string
	hook SecurityEventRecorded
}
type eventRateLimitedEntry struct {
	name string
	hook SecurityEventRateLimited
}
type eventResolvedEntry struct {
	name string
	hook SecurityEventResolved
}
type alertTriggeredEntry struct {
	name string
	hook AlertTriggered
}
type alertAcknowledgedEntry struct {
	name string
	hook AlertAcknowledged
}
type alertResolvedEntry struct {
	name string
	hook AlertResolved
}
type actionFailedEntry struct {
	name string
	hook ActionFailed
}
type operationEntry struct {
	name string
	hook Operation
}
type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered plugins and dispatches lifecycle events.
// It type-caches plugins at registration time so emit calls iterate
// only over plugins implementing the relevant hook.
//
// Registration is not synchronized; register every plugin before the
// registry is shared.
type Registry struct {
	plugins []Plugin
	logger  *slog.Logger

	beforeCheck       []beforeCheckEntry
	afterCheck        []afterCheckEntry
	cacheInvalidated  []cacheInvalidatedEntry
	cacheStats        []cacheStatsEntry
	eventRecorded     []eventRecordedEntry
	eventRateLimited  []eventRateLimitedEntry
	eventResolved     []eventResolvedEntry
	alertTriggered    []alertTriggeredEntry
	alertAcknowledged []alertAcknowledgedEntry
	alertResolved     []alertResolvedEntry
	actionFailed      []actionFailedEntry
	operation         []operationEntry
	shutdown          []shutdownEntry
}

// NewRegistry creates a plugin registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds a plugin and type-asserts it into all applicable
// hook caches. Plugins are notified in registration order.
func (r *Registry) Register(p Plugin) {
	r.plugins = append(r.plugins, p)
	name := p.Name()

	if h, ok := p.(BeforeCheck); ok {
		r.beforeCheck = append(r.beforeCheck, beforeCheckEntry{name, h})
	}
	if h, ok := p.(AfterCheck); ok {
		r.afterCheck = append(r.afterCheck, afterCheckEntry{name, h})
	}
	if h, ok := p.(CacheInvalidated); ok {
		r.cacheInvalidated = append(r.cacheInvalidated, cacheInvalidatedEntry{name, h})
	}
	if h, ok := p.(CacheStatsCaptured); ok {
		r.cacheStats = append(r.cacheStats, cacheStatsEntry{name, h})
	}
	if h, ok := p.(SecurityEventRecorded); ok {
		r.eventRecorded = append(r.eventRecorded, eventRecordedEntry{name, h})
	}
	if h, ok := p.(SecurityEventRateLimited); ok {
		r.eventRateLimited = append(r.eventRateLimited, eventRateLimitedEntry{name, h})
	}
	if h, ok := p.(SecurityEventResolved); ok {
		r.eventResolved = append(r.eventResolved, eventResolvedEntry{name, h})
	}
	if h, ok := p.(AlertTriggered); ok {
		r.alertTriggered = append(r.alertTriggered, alertTriggeredEntry{name, h})
	}
	if h, ok := p.(AlertAcknowledged); ok {
		r.alertAcknowledged = append(r.alertAcknowledged, alertAcknowledgedEntry{name, h})
	}
	if h, ok := p.(AlertResolved); ok {
		r.alertResolved = append(r.alertResolved, alertResolvedEntry{name, h})
	}
	if h, ok := p.(ActionFailed); ok {
		r.actionFailed = append(r.actionFailed, actionFailedEntry{name, h})
	}
	if h, ok := p.(Operation); ok {
		r.operation = append(r.operation, operationEntry{name, h})
	}
	if h, ok := p.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Plugins returns all registered plugins.
func (r *Registry) Plugins() []Plugin { return r.plugins }

// ──────────────────────────────────────────────────
// Check event emitters
// ──────────────────────────────────────────────────

// EmitBeforeCheck notifies all plugins that implement BeforeCheck.
func (r *Registry) EmitBeforeCheck(ctx context.Context, req any) {
	for _, e := range r.beforeCheck {
		if err := e.hook.OnBeforeCheck(ctx, req); err != nil {
			r.logHookError("OnBeforeCheck", e.name, err)
		}
	}
}

// EmitAfterCheck notifies all plugins that implement AfterCheck.
func (r *Registry) EmitAfterCheck(ctx context.Context, req, result any) {
	for _, e := range r.afterCheck {
		if err := e.hook.OnAfterCheck(ctx, req, result); err != nil {
			r.logHookError("OnAfterCheck", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Cache event emitters
// ──────────────────────────────────────────────────

// EmitCacheInvalidated notifies all plugins that implement CacheInvalidated.
func (r *Registry) EmitCacheInvalidated(ctx context.Context, kind, target string, removed int) {
	for _, e := range r.cacheInvalidated {
		if err := e.hook.OnCacheInvalidated(ctx, kind, target, removed); err != nil {
			r.logHookError("OnCacheInvalidated", e.name, err)
		}
	}
}

// EmitCacheStatsCaptured notifies all plugins that implement CacheStatsCaptured.
func (r *Registry) EmitCacheStatsCaptured(ctx context.Context, total, expired int) {
	for _, e := range r.cacheStats {
		if err := e.hook.OnCacheStatsCaptured(ctx, total, expired); err != nil {
			r.logHookError("OnCacheStatsCaptured", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Security event emitters
// ──────────────────────────────────────────────────

// EmitSecurityEventRecorded notifies all plugins that implement SecurityEventRecorded.
func (r *Registry) EmitSecurityEventRecorded(ctx context.Context, ev *secevent.Event) {
	for _, e := range r.eventRecorded {
		if err := e.hook.OnSecurityEventRecorded(ctx, ev); err != nil {
			r.logHookError("OnSecurityEventRecorded", e.name, err)
		}
	}
}

// EmitSecurityEventRateLimited notifies all plugins that implement SecurityEventRateLimited.
func (r *Registry) EmitSecurityEventRateLimited(ctx context.Context, ev *secevent.Event) {
	for _, e := range r.eventRateLimited {
		if err := e.hook.OnSecurityEventRateLimited(ctx, ev); err != nil {
			r.logHookError("OnSecurityEventRateLimited", e.name, err)
		}
	}
}

// EmitSecurityEventResolved notifies all plugins that implement SecurityEventResolved.
func (r *Registry) EmitSecurityEventResolved(ctx context.Context, eventID id.SecurityEventID, resolvedBy string) {
	for _, e := range r.eventResolved {
		if err := e.hook.OnSecurityEventResolved(ctx, eventID, resolvedBy); err != nil {
			r.logHookError("OnSecurityEventResolved", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Alert event emitters
// ──────────────────────────────────────────────────

// EmitAlertTriggered notifies all plugins that implement AlertTriggered.
func (r *Registry) EmitAlertTriggered(ctx context.Context, a *alert.Instance) {
	for _, e := range r.alertTriggered {
		if err := e.hook.OnAlertTriggered(ctx, a); err != nil {
			r.logHookError("OnAlertTriggered", e.name, err)
		}
	}
}

// EmitAlertAcknowledged notifies all plugins that implement AlertAcknowledged.
func (r *Registry) EmitAlertAcknowledged(ctx context.Context, alertID id.AlertID, by string) {
	for _, e := range r.alertAcknowledged {
		if err := e.hook.OnAlertAcknowledged(ctx, alertID, by); err != nil {
			r.logHookError("OnAlertAcknowledged", e.name, err)
		}
	}
}

// EmitAlertResolved notifies all plugins that implement AlertResolved.
func (r *Registry) EmitAlertResolved(ctx context.Context, alertID id.AlertID) {
	for _, e := range r.alertResolved {
		if err := e.hook.OnAlertResolved(ctx, alertID); err != nil {
			r.logHookError("OnAlertResolved", e.name, err)
		}
	}
}

// EmitActionFailed notifies all plugins that implement ActionFailed.
func (r *Registry) EmitActionFailed(ctx context.Context, a *alert.Instance, action alert.ActionType, cause error) {
	for _, e := range r.actionFailed {
		if err := e.hook.OnActionFailed(ctx, a, action, cause); err != nil {
			r.logHookError("OnActionFailed", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Instrumentation
// ──────────────────────────────────────────────────

// EmitOperation notifies all plugins that implement Operation.
func (r *Registry) EmitOperation(ctx context.Context, op string, d time.Duration, opErr error) {
	for _, e := range r.operation {
		if err := e.hook.OnOperation(ctx, op, d, opErr); err != nil {
			r.logHookError("OnOperation", e.name, err)
		}
	}
}

// StartOperation marks the start of op and returns the function that ends it.
//
//	done := reg.StartOperation(ctx, "cache.get")
//	_, _, err := c.Get(ctx, key)
//	done(err)
func (r *Registry) StartOperation(ctx context.Context, op string) func(error) {
	if len(r.operation) == 0 {
		return func(error) {}
	}
	start := time.Now()
	return func(err error) {
		r.EmitOperation(ctx, op, time.Since(start), err)
	}
}

// ──────────────────────────────────────────────────
// Shutdown emitter
// ──────────────────────────────────────────────────

// EmitShutdown notifies all plugins that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

func (r *Registry) logHookError(hook, pluginName string, err error) {
	r.logger.Warn("plugin hook error",
		slog.String("hook", hook),
		slog.String("plugin", pluginName),
		slog.String("error", err.Error()),
	)
}
