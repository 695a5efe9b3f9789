// Package plugin defines the plugin system for Bastion.
// Plugins are notified of lifecycle events (check performed, cache
// invalidated, security event recorded, alert fired, etc.) and can react:
// logging, metrics, tracing.
//
// Each lifecycle hook is a separate interface so plugins opt in only
// to the events they care about.
package plugin

import (
	"context"
	"time"

	"github.com/xraph/bastion/alert"
	"github.com/xraph/bastion/id"
	"github.com/xraph/bastion/secevent"
)

// Plugin is the base interface all plugins must implement.
type Plugin interface {
	// Name returns a unique human-readable name for the plugin.
	Name() string
}

// ──────────────────────────────────────────────────
// Check lifecycle hooks
// ──────────────────────────────────────────────────

// BeforeCheck is called before an authorization check is evaluated.
// The req parameter is *bastion.CheckRequest (passed as any to avoid import cycle).
type BeforeCheck interface {
	OnBeforeCheck(ctx context.Context, req any) error
}

// AfterCheck is called after an authorization check completes.
// The req parameter is *bastion.CheckRequest; result is *bastion.CheckResult.
type AfterCheck interface {
	OnAfterCheck(ctx context.Context, req, result any) error
}

// ──────────────────────────────────────────────────
// Cache hooks
// ──────────────────────────────────────────────────

// CacheInvalidated is called after cached decisions were removed. Kind is
// one of "subject", "resource" or "all"; target is the subject ID or
// resource name (empty for "all").
type CacheInvalidated interface {
	OnCacheInvalidated(ctx context.Context, kind, target string, removed int) error
}

// CacheStatsCaptured is called by the periodic metrics capture.
type CacheStatsCaptured interface {
	OnCacheStatsCaptured(ctx context.Context, total, expired int) error
}

// ──────────────────────────────────────────────────
// Security event hooks
// ──────────────────────────────────────────────────

// SecurityEventRecorded is called after an event is persisted.
type SecurityEventRecorded interface {
	OnSecurityEventRecorded(ctx context.Context, e *secevent.Event) error
}

// SecurityEventRateLimited is called when an event is dropped by the rate limiter.
type SecurityEventRateLimited interface {
	OnSecurityEventRateLimited(ctx context.Context, e *secevent.Event) error
}

// SecurityEventResolved is called when an event moves to resolved.
type SecurityEventResolved interface {
	OnSecurityEventResolved(ctx context.Context, eventID id.SecurityEventID, resolvedBy string) error
}

// ──────────────────────────────────────────────────
// Alert hooks
// ──────────────────────────────────────────────────

// AlertTriggered is called after a rule fires and its instance is created.
type AlertTriggered interface {
	OnAlertTriggered(ctx context.Context, a *alert.Instance) error
}

// AlertAcknowledged is called when an alert is acknowledged.
type AlertAcknowledged interface {
	OnAlertAcknowledged(ctx context.Context, alertID id.AlertID, by string) error
}

// AlertResolved is called when an alert is resolved.
type AlertResolved interface {
	OnAlertResolved(ctx context.Context, alertID id.AlertID) error
}

// ActionFailed is called when an alert action returns an error or panics.
type ActionFailed interface {
	OnActionFailed(ctx context.Context, a *alert.Instance, action alert.ActionType, err error) error
}

// ──────────────────────────────────────────────────
// Instrumentation
// ──────────────────────────────────────────────────

// Operation is called at the end of every instrumented operation (resolve,
// cache get/set, invalidation, event record) with its duration and outcome.
type Operation interface {
	OnOperation(ctx context.Context, op string, d time.Duration, err error) error
}

// ──────────────────────────────────────────────────
// Shutdown hook
// ──────────────────────────────────────────────────

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
