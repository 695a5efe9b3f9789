package bastion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/bastion/alert"
	"github.com/xraph/bastion/alerting"
	"github.com/xraph/bastion/broadcast"
	"github.com/xraph/bastion/id"
	"github.com/xraph/bastion/invalidation"
	"github.com/xraph/bastion/monitor"
	"github.com/xraph/bastion/plugin"
	"github.com/xraph/bastion/rolechange"
	"github.com/xraph/bastion/secevent"
	"github.com/xraph/bastion/store"
)

// Engine is the central authorization engine. It answers permission checks
// through the decision cache, keeps the cache consistent through the
// invalidation service, and feeds denials to the security monitor.
type Engine struct {
	store   store.Store
	cache   Cache
	guard   *guardedCache
	rules   *RuleTable
	plugins *plugin.Registry
	logger  *slog.Logger
	config  Config
	now     func() time.Time

	transport  broadcast.Transport
	instanceID string
	notifiers  []alerting.Notifier
	alertRules []*alert.Rule
	locker     alerting.AccountLocker

	broadcaster *broadcast.Broadcaster
	invalidator *invalidation.Service
	monitor     *monitor.Monitor
	alerts      *alerting.Manager
	blocklist   *alerting.Blocklist
	detach      func()

	denialSlots chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine creates a new Bastion engine with the given options.
func NewEngine(opts ...Option) (*Engine, error) {
	e := &Engine{
		logger: slog.Default(),
		config: DefaultConfig(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.store == nil {
		return nil, ErrStoreRequired
	}
	e.config = e.config.withDefaults()
	if e.plugins == nil {
		e.plugins = plugin.NewRegistry(e.logger)
	}
	if e.rules == nil {
		e.rules = DefaultRuleTable()
	}
	if e.cache == nil {
		e.cache = NewStoreCache(e.store).WithClock(e.now)
	}
	e.guard = newGuardedCache(e.cache, e.now, e.logger)
	e.cache = e.guard
	e.denialSlots = make(chan struct{}, e.config.DenialQueue)
	if len(e.alertRules) == 0 {
		e.alertRules = alerting.DefaultRules()
	}

	bopts := []broadcast.Option{
		broadcast.WithLogger(e.logger),
		broadcast.WithClearDelay(e.config.BroadcastClearDelay),
	}
	if e.transport != nil {
		bopts = append(bopts, broadcast.WithTransport(e.transport))
	}
	if e.instanceID != "" {
		bopts = append(bopts, broadcast.WithInstanceID(e.instanceID))
	}
	e.broadcaster = broadcast.New(bopts...)

	e.invalidator = invalidation.New(e.cache, e.broadcaster,
		invalidation.WithHistory(e.store),
		invalidation.WithPlugins(e.plugins),
		invalidation.WithLogger(e.logger),
		invalidation.WithNow(e.now),
	)
	e.detach = e.invalidator.Attach()

	e.blocklist = alerting.NewBlocklist(0, e.config.BlockTTL)
	aopts := []alerting.Option{
		alerting.WithLogger(e.logger),
		alerting.WithPlugins(e.plugins),
		alerting.WithNow(e.now),
		alerting.WithBlocklist(e.blocklist),
		alerting.WithRules(e.alertRules...),
	}
	for _, n := range e.notifiers {
		aopts = append(aopts, alerting.WithNotifier(n))
	}
	if e.locker != nil {
		aopts = append(aopts, alerting.WithAccountLocker(e.locker))
	}
	e.alerts = alerting.New(e.store, e.store, aopts...)

	e.monitor = monitor.New(e.store,
		monitor.WithSink(e.alerts),
		monitor.WithLogger(e.logger),
		monitor.WithPlugins(e.plugins),
		monitor.WithNow(e.now),
		monitor.WithRateLimit(e.config.RateLimitMax, e.config.RateLimitWindow),
	)
	return e, nil
}

// Store returns the underlying composite store.
func (e *Engine) Store() store.Store { return e.store }

// Cache returns the decision cache.
func (e *Engine) Cache() Cache { return e.cache }

// Plugins returns the plugin registry.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// RuleTable returns the role→permission table.
func (e *Engine) RuleTable() *RuleTable { return e.rules }

// Broadcaster returns the invalidation broadcaster. Subscribers receive
// local and remote invalidation events.
func (e *Engine) Broadcaster() *broadcast.Broadcaster { return e.broadcaster }

// Blocklist returns the blocklist consulted by every check.
func (e *Engine) Blocklist() *alerting.Blocklist { return e.blocklist }

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.config }

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Start loads persisted alert rules, starts observing the invalidation
// transport and starts the housekeeping tickers.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}

	if err := e.alerts.LoadRules(ctx); err != nil {
		return err
	}
	if err := e.broadcaster.Start(ctx); err != nil {
		e.logger.Warn("invalidation transport unavailable, continuing with local invalidation only",
			slog.String("error", err.Error()),
		)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.running = true

	if e.config.SweepInterval > 0 {
		e.tick(runCtx, e.config.SweepInterval, e.sweep)
	}
	if e.config.MetricsInterval > 0 {
		e.tick(runCtx, e.config.MetricsInterval, e.captureStats)
	}
	e.logger.Info("bastion engine started",
		slog.String("instance_id", e.broadcaster.InstanceID()),
		slog.Duration("cache_ttl", e.config.CacheTTL),
	)
	return nil
}

// Stop halts housekeeping, closes the transport and notifies plugins.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.cancel()
	e.mu.Unlock()

	e.wg.Wait()
	if err := e.FlushDenials(ctx); err != nil {
		e.logger.Warn("pending denial records abandoned", slog.String("error", err.Error()))
	}
	e.detach()
	err := e.broadcaster.Close()
	e.plugins.EmitShutdown(ctx)
	if err != nil {
		return fmt.Errorf("bastion: close broadcaster: %w", err)
	}
	return nil
}

func (e *Engine) tick(ctx context.Context, every time.Duration, fn func(context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				fn(ctx)
			}
		}
	}()
}

// Sweep removes expired decisions, trims rate-limit windows and elapsed
// alert cooldowns, and purges events older than the retention period.
func (e *Engine) Sweep(ctx context.Context) { e.sweep(ctx) }

func (e *Engine) sweep(ctx context.Context) {
	now := e.now()
	cctx, cancel := context.WithTimeout(ctx, e.config.StoreTimeout)
	n, err := e.cache.ClearExpired(cctx)
	cancel()
	if err != nil {
		e.logger.Warn("cache sweep failed", slog.String("error", err.Error()))
	} else if n > 0 {
		e.logger.Debug("cache sweep", slog.Int("removed", n))
	}

	e.guard.gens.prune(now.Add(-(e.config.CacheTTL + 2*e.config.StoreTimeout)))
	e.monitor.Sweep(now)
	e.alerts.Sweep(now)

	if e.config.EventRetention > 0 {
		cctx, cancel := context.WithTimeout(ctx, e.config.StoreTimeout)
		defer cancel()
		if _, err := e.monitor.Purge(cctx, now.Add(-e.config.EventRetention)); err != nil {
			e.logger.Warn("security event purge failed", slog.String("error", err.Error()))
		}
	}
}

func (e *Engine) captureStats(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, e.config.StoreTimeout)
	defer cancel()
	stats, err := e.cache.Stats(cctx)
	if err != nil {
		e.logger.Warn("cache stats failed", slog.String("error", err.Error()))
		return
	}
	e.plugins.EmitCacheStatsCaptured(ctx, stats.TotalEntries, stats.ExpiredEntries)
}

// ──────────────────────────────────────────────────
// Checks
// ──────────────────────────────────────────────────

// HasPermission reports whether subject may perform action on resource in
// scope. It never fails: cache and store problems degrade to resolving from
// the rule table.
func (e *Engine) HasPermission(ctx context.Context, subject Subject, resource, action, scope string) bool {
	return e.Check(ctx, &CheckRequest{
		Subject:  subject,
		Resource: resource,
		Action:   action,
		Scope:    scope,
	}).Allowed
}

// Check performs a permission check. This is the hot path.
func (e *Engine) Check(ctx context.Context, req *CheckRequest) *CheckResult {
	start := time.Now()
	r := *req
	if r.Scope == NoScope {
		r.Scope = scopeFromContext(ctx)
	}

	e.plugins.EmitBeforeCheck(ctx, &r)
	result := e.check(ctx, &r)
	result.EvalTimeNs = time.Since(start).Nanoseconds()
	e.plugins.EmitAfterCheck(ctx, &r, result)

	if !result.Allowed && result.Reason != ReasonInvalidInput && e.config.recordDenials() {
		e.recordDenial(ctx, &r, result.Reason)
	}
	return result
}

func (e *Engine) check(ctx context.Context, req *CheckRequest) *CheckResult {
	if req.Subject.ID == "" || req.Resource == "" || req.Action == "" {
		return &CheckResult{Reason: ReasonInvalidInput}
	}
	if !req.Subject.Active {
		return &CheckResult{Reason: ReasonInactive}
	}
	if !req.Subject.Role.Valid() {
		e.logger.Warn("check for unknown role",
			slog.String("subject_id", req.Subject.ID),
			slog.String("role", string(req.Subject.Role)),
		)
		return &CheckResult{Reason: ReasonUnknownRole}
	}
	if _, blocked := e.blocklist.PrincipalBlocked(req.Subject.ID); blocked {
		return &CheckResult{Reason: ReasonBlocked}
	}
	if _, blocked := e.blocklist.SourceBlocked(SourceAddressFromContext(ctx)); blocked {
		return &CheckResult{Reason: ReasonBlocked}
	}

	key := req.Key()
	snap := e.guard.gens.snapshot(key)
	if d, ok := e.cacheGet(ctx, key); ok {
		return &CheckResult{Allowed: d.Allowed, Reason: reasonFor(d.Allowed), Cached: true}
	}

	done := e.plugins.StartOperation(ctx, "resolver.resolve")
	allowed := e.rules.Resolve(req.Subject.Role, req.Resource, req.Action, req.Scope)
	done(nil)

	e.cacheSet(ctx, key, allowed, snap)
	return &CheckResult{Allowed: allowed, Reason: reasonFor(allowed)}
}

func reasonFor(allowed bool) Reason {
	if allowed {
		return ReasonAllow
	}
	return ReasonNoGrant
}

// cacheGet treats every cache failure as a miss.
func (e *Engine) cacheGet(ctx context.Context, key Key) (Decision, bool) {
	cctx, cancel := context.WithTimeout(ctx, e.config.StoreTimeout)
	defer cancel()
	done := e.plugins.StartOperation(ctx, "cache.get")
	d, ok, err := e.cache.Get(cctx, key)
	done(err)
	if err != nil {
		e.logger.Warn("decision cache read failed, resolving",
			slog.String("subject_id", key.SubjectID),
			slog.String("error", err.Error()),
		)
		return Decision{}, false
	}
	if ok && d.Expired(e.now()) {
		return Decision{}, false
	}
	return d, ok
}

// cacheSet stores a decision unless the subject, resource or whole cache was
// invalidated since snap was taken.
func (e *Engine) cacheSet(ctx context.Context, key Key, allowed bool, snap snapshot) {
	cctx, cancel := context.WithTimeout(ctx, e.config.StoreTimeout)
	defer cancel()
	done := e.plugins.StartOperation(ctx, "cache.set")
	_, err := e.guard.setIfCurrent(cctx, key, allowed, e.config.CacheTTL, snap)
	done(err)
	if err != nil {
		e.logger.Warn("decision cache write failed",
			slog.String("subject_id", key.SubjectID),
			slog.String("error", err.Error()),
		)
	}
}

// recordDenial hands the denial to the monitor without holding up the check.
// Recording runs detached from the request's cancellation, bounded by
// StoreTimeout; when DenialQueue recordings are already pending the denial is
// dropped.
func (e *Engine) recordDenial(ctx context.Context, req *CheckRequest, reason Reason) {
	select {
	case e.denialSlots <- struct{}{}:
	default:
		e.logger.Warn("denial dropped, recorder saturated",
			slog.String("subject_id", req.Subject.ID),
			slog.String("resource", req.Resource),
		)
		return
	}
	ev := &secevent.Event{
		Type:          secevent.TypeUnauthorizedAccess,
		SubjectID:     req.Subject.ID,
		SourceAddress: SourceAddressFromContext(ctx),
		Resource:      req.Resource,
		Action:        req.Action,
		Details: secevent.Details{
			Reason: string(reason),
			Extra:  map[string]any{"role": string(req.Subject.Role), "scope": req.Scope},
		},
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.StoreTimeout)
	go func() {
		defer func() { <-e.denialSlots }()
		defer cancel()
		if _, err := e.monitor.Record(rctx, ev); err != nil && !errors.Is(err, ErrRateLimited) {
			e.logger.Warn("denial not recorded",
				slog.String("subject_id", ev.SubjectID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// FlushDenials waits until every pending denial has been recorded or ctx is
// done. Denials arriving while it waits may be dropped.
func (e *Engine) FlushDenials(ctx context.Context) error {
	held := 0
	defer func() {
		for range held {
			<-e.denialSlots
		}
	}()
	for held < cap(e.denialSlots) {
		select {
		case e.denialSlots <- struct{}{}:
			held++
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// CacheStats returns decision cache statistics.
func (e *Engine) CacheStats(ctx context.Context) (CacheStats, error) {
	cctx, cancel := context.WithTimeout(ctx, e.config.StoreTimeout)
	defer cancel()
	return e.cache.Stats(cctx)
}

// ──────────────────────────────────────────────────
// Invalidation
// ──────────────────────────────────────────────────

// InvalidateOnRoleChange drops every cached decision of subjectID and
// announces the change. A move to a more privileged role is also recorded as
// a ROLE_ESCALATION event.
func (e *Engine) InvalidateOnRoleChange(ctx context.Context, subjectID string, oldRole, newRole Role) error {
	if err := e.invalidator.RoleChanged(ctx, subjectID, string(oldRole), string(newRole)); err != nil {
		return err
	}
	if rank(newRole) > rank(oldRole) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.StoreTimeout)
		defer cancel()
		_, err := e.monitor.Record(rctx, &secevent.Event{
			Type:          secevent.TypeRoleEscalation,
			SubjectID:     subjectID,
			SourceAddress: SourceAddressFromContext(ctx),
			Details: secevent.Details{
				Reason:  "role raised",
				OldRole: string(oldRole),
				NewRole: string(newRole),
			},
		})
		if err != nil {
			e.logger.Warn("role escalation not recorded",
				slog.String("subject_id", subjectID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func rank(r Role) int {
	switch r {
	case RoleViewer:
		return 1
	case RoleEditor:
		return 2
	case RoleAdmin:
		return 3
	}
	return 0
}

// InvalidateOnPermissionUpdate drops every cached decision on resource. An
// empty resource clears the whole cache.
func (e *Engine) InvalidateOnPermissionUpdate(ctx context.Context, resource string) error {
	return e.invalidator.ResourceUpdated(ctx, resource)
}

// InvalidateOnDeactivation drops every cached decision of subjectID.
func (e *Engine) InvalidateOnDeactivation(ctx context.Context, subjectID string) error {
	return e.invalidator.SubjectDeactivated(ctx, subjectID)
}

// RoleChanges lists recorded role transitions.
func (e *Engine) RoleChanges(ctx context.Context, filter *rolechange.ListFilter) ([]*rolechange.Entry, error) {
	return e.store.ListRoleChanges(ctx, filter)
}

// ──────────────────────────────────────────────────
// Security events
// ──────────────────────────────────────────────────

// RecordSecurityEvent records ev and returns its ID, or ErrRateLimited.
// A missing source address is taken from the context.
func (e *Engine) RecordSecurityEvent(ctx context.Context, ev *secevent.Event) (id.SecurityEventID, error) {
	if ev.SourceAddress == "" {
		ev.SourceAddress = SourceAddressFromContext(ctx)
	}
	return e.monitor.Record(ctx, ev)
}

// ResolveSecurityEvent marks an event resolved. It reports false if the
// event was already resolved.
func (e *Engine) ResolveSecurityEvent(ctx context.Context, eventID id.SecurityEventID, resolvedBy string) (bool, error) {
	return e.monitor.Resolve(ctx, eventID, resolvedBy)
}

// SecurityEvents lists recorded events.
func (e *Engine) SecurityEvents(ctx context.Context, filter *secevent.QueryFilter) ([]*secevent.Event, error) {
	return e.monitor.Events(ctx, filter)
}

// SecurityEvent returns one event.
func (e *Engine) SecurityEvent(ctx context.Context, eventID id.SecurityEventID) (*secevent.Event, error) {
	return e.store.GetEvent(ctx, eventID)
}

// Unblock lifts blocks on subjectID and addr.
func (e *Engine) Unblock(subjectID, addr string) { e.blocklist.Unblock(subjectID, addr) }

// ──────────────────────────────────────────────────
// Alerts
// ──────────────────────────────────────────────────

// GetActiveAlerts returns unresolved alerts, newest first.
func (e *Engine) GetActiveAlerts(ctx context.Context) ([]*alert.Instance, error) {
	return e.alerts.ActiveAlerts(ctx)
}

// Alerts lists alerts matching filter.
func (e *Engine) Alerts(ctx context.Context, filter *alert.ListFilter) ([]*alert.Instance, error) {
	return e.alerts.Alerts(ctx, filter)
}

// Alert returns one alert.
func (e *Engine) Alert(ctx context.Context, alertID id.AlertID) (*alert.Instance, error) {
	return e.store.GetAlert(ctx, alertID)
}

// AcknowledgeAlert marks an alert acknowledged. It reports false if it was
// already acknowledged.
func (e *Engine) AcknowledgeAlert(ctx context.Context, alertID id.AlertID, by string) (bool, error) {
	return e.alerts.Acknowledge(ctx, alertID, by)
}

// ResolveAlert marks an alert resolved. It reports false if it was already
// resolved.
func (e *Engine) ResolveAlert(ctx context.Context, alertID id.AlertID) (bool, error) {
	return e.alerts.Resolve(ctx, alertID)
}

// AlertRules returns the active alert rules ordered by name.
func (e *Engine) AlertRules() []*alert.Rule { return e.alerts.Rules() }

// AlertRule returns one alert rule.
func (e *Engine) AlertRule(ruleID id.AlertRuleID) (*alert.Rule, error) {
	return e.alerts.Rule(ruleID)
}

// CreateAlertRule validates and activates r. A rule with the same name is
// replaced.
func (e *Engine) CreateAlertRule(ctx context.Context, r *alert.Rule) error {
	return e.alerts.CreateRule(ctx, r)
}

// UpdateAlertRule replaces the rule with r.ID.
func (e *Engine) UpdateAlertRule(ctx context.Context, r *alert.Rule) error {
	return e.alerts.UpdateRule(ctx, r)
}

// DeleteAlertRule removes an alert rule.
func (e *Engine) DeleteAlertRule(ctx context.Context, ruleID id.AlertRuleID) error {
	return e.alerts.DeleteRule(ctx, ruleID)
}
