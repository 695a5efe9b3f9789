// Package monitor records security events, rate-limits noisy producers and
// derives higher-level threat events from recent history.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/bastion/id"
	"github.com/xraph/bastion/plugin"
	"github.com/xraph/bastion/secevent"
)

var (
	// ErrRateLimited is returned when a (type, subject-or-source) pair
	// exceeded its recording quota.
	ErrRateLimited = errors.New("bastion: security event rate limited")

	// ErrUnknownEventType is returned for events with an unrecognized type.
	ErrUnknownEventType = secevent.ErrUnknownType

	// ErrEventNotFound is returned when resolving a missing event.
	ErrEventNotFound = secevent.ErrNotFound
)

// Sink receives every persisted event, derived ones included.
type Sink interface {
	HandleEvent(ctx context.Context, ev *secevent.Event)
}

// Monitor records and analyzes security events.
type Monitor struct {
	store      secevent.Store
	sink       Sink
	plugins    *plugin.Registry
	logger     *slog.Logger
	now        func() time.Time
	thresholds Thresholds

	rateMax    int
	rateWindow time.Duration
	limiter    *limiter
}

// New creates a monitor persisting to store.
func New(store secevent.Store, opts ...Option) *Monitor {
	m := &Monitor{
		store:      store,
		logger:     slog.Default(),
		now:        time.Now,
		thresholds: DefaultThresholds(),
		rateMax:    10,
		rateWindow: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.plugins == nil {
		m.plugins = plugin.NewRegistry(m.logger)
	}
	m.limiter = newLimiter(m.rateMax, m.rateWindow)
	return m
}

// SetSink replaces the sink. It must be called before the monitor is
// shared.
func (m *Monitor) SetSink(s Sink) { m.sink = s }

// Record validates, rate-limits and persists ev, forwards it to the sink and
// then, unless ev is derived, analyzes recent history for threats. Analysis
// failures are logged and never fail the call.
func (m *Monitor) Record(ctx context.Context, ev *secevent.Event) (id.SecurityEventID, error) {
	if !ev.Type.Valid() {
		return id.SecurityEventID{}, fmt.Errorf("%w: %q", ErrUnknownEventType, ev.Type)
	}
	now := m.now().UTC()
	if ev.ID.IsNil() {
		ev.ID = id.NewSecurityEventID()
	}
	if !ev.Severity.Valid() {
		ev.Severity = ev.Type.DefaultSeverity()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}

	key := rateKey(ev)
	release, ok := m.limiter.reserve(key, now)
	if !ok {
		m.logger.Warn("security event rate limited",
			slog.String("type", string(ev.Type)),
			slog.String("key", key),
			slog.Int("max", m.rateMax),
			slog.Duration("window", m.rateWindow),
		)
		m.plugins.EmitSecurityEventRateLimited(ctx, ev)
		return id.SecurityEventID{}, ErrRateLimited
	}

	done := m.plugins.StartOperation(ctx, "secevent.create")
	err := m.store.CreateEvent(ctx, ev)
	done(err)
	if err != nil {
		release()
		return id.SecurityEventID{}, fmt.Errorf("bastion: record security event: %w", err)
	}

	m.logger.Info("security event recorded",
		slog.String("event_id", ev.ID.String()),
		slog.String("type", string(ev.Type)),
		slog.String("severity", string(ev.Severity)),
		slog.String("subject_id", ev.SubjectID),
		slog.String("source_address", ev.SourceAddress),
		slog.Bool("derived", ev.Derived),
	)
	m.plugins.EmitSecurityEventRecorded(ctx, ev)

	if m.sink != nil {
		m.sink.HandleEvent(ctx, ev)
	}
	if !ev.Derived {
		m.analyze(ctx, ev)
	}
	return ev.ID, nil
}

// Resolve marks an event resolved. Resolving twice is a no-op reporting
// false.
func (m *Monitor) Resolve(ctx context.Context, eventID id.SecurityEventID, resolverID string) (bool, error) {
	changed, err := m.store.ResolveEvent(ctx, eventID, resolverID, m.now().UTC())
	if err != nil {
		return false, fmt.Errorf("bastion: resolve security event %s: %w", eventID, err)
	}
	if changed {
		m.plugins.EmitSecurityEventResolved(ctx, eventID, resolverID)
	}
	return changed, nil
}

// Events lists stored events.
func (m *Monitor) Events(ctx context.Context, filter *secevent.QueryFilter) ([]*secevent.Event, error) {
	return m.store.ListEvents(ctx, filter)
}

// Sweep trims expired rate-limit windows and returns the number of keys
// still tracked.
func (m *Monitor) Sweep(now time.Time) int {
	return m.limiter.sweep(now)
}

// Purge deletes events recorded before cutoff.
func (m *Monitor) Purge(ctx context.Context, before time.Time) (int64, error) {
	return m.store.PurgeEvents(ctx, before)
}

func rateKey(ev *secevent.Event) string {
	who := ev.SubjectID
	if who == "" {
		who = ev.SourceAddress
	}
	if who == "" {
		who = "anonymous"
	}
	return string(ev.Type) + "|" + who
}
