// Package alerting turns recorded security events into alerts. Rules are
// matched by event type, all of a rule's conditions must hold, and each
// (rule, target) pair observes the rule's cooldown before it can fire again.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/xraph/bastion/alert"
	"github.com/xraph/bastion/id"
	"github.com/xraph/bastion/plugin"
	"github.com/xraph/bastion/secevent"
)

var (
	ErrInvalidRule   = alert.ErrInvalidRule
	ErrRuleNotFound  = alert.ErrRuleNotFound
	ErrAlertNotFound = alert.ErrAlertNotFound
)

// Manager evaluates rules and tracks alert instances.
type Manager struct {
	store   alert.Store
	events  secevent.Store
	plugins *plugin.Registry
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.RWMutex
	rules map[string]*alert.Rule // by name

	cooldowns *cooldowns
	handlers  map[alert.ActionType]ActionHandler
	notifiers []Notifier
	blocklist *Blocklist
	locker    AccountLocker
	initial   []*alert.Rule
}

// New creates a manager. Alerts persist to store; count and rate
// conditions query events.
func New(store alert.Store, events secevent.Store, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		events:    events,
		logger:    slog.Default(),
		now:       time.Now,
		rules:     make(map[string]*alert.Rule),
		cooldowns: newCooldowns(),
	}
	m.handlers = m.builtinHandlers()
	for _, opt := range opts {
		opt(m)
	}
	if m.plugins == nil {
		m.plugins = plugin.NewRegistry(m.logger)
	}
	if m.blocklist == nil {
		m.blocklist = NewBlocklist(0, time.Hour)
	}
	if m.locker == nil {
		m.locker = blocklistLocker{m.blocklist}
	}
	for _, r := range m.initial {
		if err := m.register(r); err != nil {
			m.logger.Warn("alert rule skipped", slog.String("rule", r.Name), slog.String("error", err.Error()))
		}
	}
	m.initial = nil
	return m
}

// Blocklist returns the blocklist fed by block actions.
func (m *Manager) Blocklist() *Blocklist { return m.blocklist }

// SeverityFor returns the alert severity for an event type.
func SeverityFor(t secevent.Type) secevent.Severity {
	switch t {
	case secevent.TypeDataBreachAttempt, secevent.TypeRoleEscalation:
		return secevent.SeverityCritical
	case secevent.TypeBruteForceAttack, secevent.TypeUnauthorizedAccess:
		return secevent.SeverityHigh
	default:
		return secevent.SeverityMedium
	}
}

// ──────────────────────────────────────────────────
// Rules
// ──────────────────────────────────────────────────

func (m *Manager) register(r *alert.Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.ID.IsNil() {
		r.ID = id.NewAlertRuleID()
	}
	m.mu.Lock()
	m.rules[r.Name] = r
	m.mu.Unlock()
	return nil
}

// LoadRules merges persisted rules into the in-memory set. A stored rule
// replaces a configured rule with the same name; configured rules missing
// from the store are persisted.
func (m *Manager) LoadRules(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	stored, err := m.store.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("bastion: load alert rules: %w", err)
	}
	seen := make(map[string]bool, len(stored))
	for _, r := range stored {
		seen[r.Name] = true
		if err := m.register(r); err != nil {
			m.logger.Warn("stored alert rule invalid", slog.String("rule", r.Name), slog.String("error", err.Error()))
		}
	}
	for _, r := range m.Rules() {
		if seen[r.Name] {
			continue
		}
		if err := m.store.CreateRule(ctx, r); err != nil {
			return fmt.Errorf("bastion: persist alert rule %q: %w", r.Name, err)
		}
	}
	return nil
}

// CreateRule validates, persists and activates r. A rule with the same name
// is replaced.
func (m *Manager) CreateRule(ctx context.Context, r *alert.Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	m.mu.RLock()
	existing := m.rules[r.Name]
	m.mu.RUnlock()

	if existing != nil {
		r.ID = existing.ID
		r.CreatedAt = existing.CreatedAt
		return m.UpdateRule(ctx, r)
	}
	if r.ID.IsNil() {
		r.ID = id.NewAlertRuleID()
	}
	if m.store != nil {
		if err := m.store.CreateRule(ctx, r); err != nil {
			return fmt.Errorf("bastion: create alert rule: %w", err)
		}
	}
	return m.register(r)
}

// UpdateRule replaces the rule with r.ID.
func (m *Manager) UpdateRule(ctx context.Context, r *alert.Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	old, err := m.Rule(r.ID)
	if err != nil {
		return err
	}
	if m.store != nil {
		if err := m.store.UpdateRule(ctx, r); err != nil {
			return fmt.Errorf("bastion: update alert rule: %w", err)
		}
	}
	m.mu.Lock()
	if old.Name != r.Name {
		delete(m.rules, old.Name)
	}
	m.rules[r.Name] = r
	m.mu.Unlock()
	return nil
}

// DeleteRule removes a rule.
func (m *Manager) DeleteRule(ctx context.Context, ruleID id.AlertRuleID) error {
	r, err := m.Rule(ruleID)
	if err != nil {
		return err
	}
	if m.store != nil {
		if err := m.store.DeleteRule(ctx, ruleID); err != nil && !errors.Is(err, alert.ErrRuleNotFound) {
			return fmt.Errorf("bastion: delete alert rule: %w", err)
		}
	}
	m.mu.Lock()
	delete(m.rules, r.Name)
	m.mu.Unlock()
	return nil
}

// Rule returns the active rule with ruleID.
func (m *Manager) Rule(ruleID id.AlertRuleID) (*alert.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rules {
		if r.ID == ruleID {
			return r, nil
		}
	}
	return nil, fmt.Errorf("alert rule %s: %w", ruleID, ErrRuleNotFound)
}

// Rules returns active rules ordered by name.
func (m *Manager) Rules() []*alert.Rule {
	m.mu.RLock()
	out := make([]*alert.Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) rulesFor(t secevent.Type) []*alert.Rule {
	var out []*alert.Rule
	for _, r := range m.Rules() {
		if r.Enabled && r.EventType == t {
			out = append(out, r)
		}
	}
	return out
}

// ──────────────────────────────────────────────────
// Evaluation
// ──────────────────────────────────────────────────

// HandleEvent evaluates ev. It satisfies the monitor's sink.
func (m *Manager) HandleEvent(ctx context.Context, ev *secevent.Event) {
	m.CheckAlerts(ctx, ev)
}

// CheckAlerts fires every enabled rule for ev's type whose conditions all
// hold and whose cooldown for ev's target has elapsed. It returns the fired
// alerts.
func (m *Manager) CheckAlerts(ctx context.Context, ev *secevent.Event) []*alert.Instance {
	target := targetOf(ev)
	var fired []*alert.Instance

	for _, r := range m.rulesFor(ev.Type) {
		key := r.ID.String() + "|" + target
		now := m.now().UTC()
		if m.cooldowns.active(key, now) {
			continue
		}

		ok, err := m.conditionsHold(ctx, r, ev)
		if err != nil {
			m.logger.Warn("alert rule evaluation failed",
				slog.String("rule", r.Name),
				slog.String("event_id", ev.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !ok {
			continue
		}
		if !m.cooldowns.tryAcquire(key, now, r.Cooldown()) {
			continue
		}

		a := m.newInstance(r, ev, now)
		if m.store != nil {
			if err := m.store.CreateAlert(ctx, a); err != nil {
				m.logger.Error("alert not persisted",
					slog.String("alert_id", a.ID.String()),
					slog.String("rule", r.Name),
					slog.String("error", err.Error()),
				)
			}
		}
		m.plugins.EmitAlertTriggered(ctx, a)
		m.execute(ctx, a, r.Actions)
		fired = append(fired, a)
	}
	return fired
}

func (m *Manager) newInstance(r *alert.Rule, ev *secevent.Event, now time.Time) *alert.Instance {
	details := map[string]string{
		"event_severity": string(ev.Severity),
	}
	if r.Description != "" {
		details["rule_description"] = r.Description
	}
	if ev.Resource != "" {
		details["resource"] = ev.Resource
	}
	if ev.Action != "" {
		details["action"] = ev.Action
	}
	if ev.Details.Reason != "" {
		details["reason"] = ev.Details.Reason
	}
	return &alert.Instance{
		ID:            id.NewAlertID(),
		RuleID:        r.ID,
		RuleName:      r.Name,
		EventID:       ev.ID,
		EventType:     ev.Type,
		Severity:      SeverityFor(ev.Type),
		Message:       fmt.Sprintf("%s: %s for %s", r.Name, ev.Type, targetOf(ev)),
		Details:       details,
		SubjectID:     ev.SubjectID,
		SourceAddress: ev.SourceAddress,
		TriggeredAt:   now,
	}
}

func targetOf(ev *secevent.Event) string {
	switch {
	case ev.SubjectID != "":
		return ev.SubjectID
	case ev.SourceAddress != "":
		return ev.SourceAddress
	default:
		return "global"
	}
}

// Sweep forgets elapsed cooldowns.
func (m *Manager) Sweep(now time.Time) { m.cooldowns.sweep(now) }

// ──────────────────────────────────────────────────
// Alert lifecycle
// ──────────────────────────────────────────────────

// ActiveAlerts returns unresolved alerts, newest first.
func (m *Manager) ActiveAlerts(ctx context.Context) ([]*alert.Instance, error) {
	resolved := false
	return m.Alerts(ctx, &alert.ListFilter{Resolved: &resolved})
}

// Alerts lists alerts matching filter.
func (m *Manager) Alerts(ctx context.Context, filter *alert.ListFilter) ([]*alert.Instance, error) {
	if m.store == nil {
		return nil, nil
	}
	return m.store.ListAlerts(ctx, filter)
}

// Acknowledge marks an alert acknowledged by by. Acknowledging twice
// reports false.
func (m *Manager) Acknowledge(ctx context.Context, alertID id.AlertID, by string) (bool, error) {
	if m.store == nil {
		return false, fmt.Errorf("alert %s: %w", alertID, ErrAlertNotFound)
	}
	changed, err := m.store.AcknowledgeAlert(ctx, alertID, by, m.now().UTC())
	if err != nil {
		return false, fmt.Errorf("bastion: acknowledge alert %s: %w", alertID, err)
	}
	if changed {
		m.plugins.EmitAlertAcknowledged(ctx, alertID, by)
	}
	return changed, nil
}

// Resolve marks an alert resolved. Resolving twice reports false.
func (m *Manager) Resolve(ctx context.Context, alertID id.AlertID) (bool, error) {
	if m.store == nil {
		return false, fmt.Errorf("alert %s: %w", alertID, ErrAlertNotFound)
	}
	changed, err := m.store.ResolveAlert(ctx, alertID, m.now().UTC())
	if err != nil {
		return false, fmt.Errorf("bastion: resolve alert %s: %w", alertID, err)
	}
	if changed {
		m.plugins.EmitAlertResolved(ctx, alertID)
	}
	return changed, nil
}
