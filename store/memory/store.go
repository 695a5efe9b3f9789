// Package memory provides an in-memory implementation of the Bastion composite
// store. It is intended for testing, development and single-instance use.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xraph/bastion/alert"
	"github.com/xraph/bastion/decision"
	"github.com/xraph/bastion/id"
	"github.com/xraph/bastion/rolechange"
	"github.com/xraph/bastion/secevent"
	"github.com/xraph/bastion/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is a thread-safe in-memory store for all Bastion entities.
type Store struct {
	mu sync.RWMutex

	decisions   map[string]*decision.Entry
	events      map[string]*secevent.Event
	rules       map[string]*alert.Rule
	alerts      map[string]*alert.Instance
	roleChanges []*rolechange.Entry
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		decisions: make(map[string]*decision.Entry),
		events:    make(map[string]*secevent.Event),
		rules:     make(map[string]*alert.Rule),
		alerts:    make(map[string]*alert.Instance),
	}
}

// Migrate is a no-op for the memory store.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping is a no-op for the memory store.
func (s *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (s *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Decision Store
// ──────────────────────────────────────────────────

func (s *Store) UpsertDecision(_ context.Context, e *decision.Entry) error {
	c := *e
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions[e.Key] = &c
	return nil
}

func (s *Store) GetDecision(_ context.Context, key string) (*decision.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.decisions[key]
	if !ok {
		return nil, fmt.Errorf("decision %q: %w", key, decision.ErrNotFound)
	}
	c := *e
	return &c, nil
}

func (s *Store) DeleteExpiredDecision(_ context.Context, key string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.decisions[key]
	if !ok || !e.Expired(now) {
		return false, nil
	}
	delete(s.decisions, key)
	return true, nil
}

func (s *Store) DeleteDecisionsBySubject(_ context.Context, subjectID string) (int64, error) {
	return s.deleteDecisionsWhere(func(e *decision.Entry) bool { return e.SubjectID == subjectID }), nil
}

func (s *Store) DeleteDecisionsByResource(_ context.Context, resource string) (int64, error) {
	return s.deleteDecisionsWhere(func(e *decision.Entry) bool { return e.Resource == resource }), nil
}

func (s *Store) DeleteAllDecisions(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.decisions))
	s.decisions = make(map[string]*decision.Entry)
	return n, nil
}

func (s *Store) PurgeExpiredDecisions(_ context.Context, now time.Time) (int64, error) {
	return s.deleteDecisionsWhere(func(e *decision.Entry) bool { return e.Expired(now) }), nil
}

func (s *Store) ListDecisions(_ context.Context, filter *decision.ListFilter) ([]*decision.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*decision.Entry, 0, len(s.decisions))
	for _, e := range s.decisions {
		if filter != nil {
			if filter.SubjectID != "" && e.SubjectID != filter.SubjectID {
				continue
			}
			if filter.Resource != "" && e.Resource != filter.Resource {
				continue
			}
		}
		c := *e
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	if filter != nil {
		return applyPagination(result, filter.Limit, filter.Offset), nil
	}
	return result, nil
}

func (s *Store) deleteDecisionsWhere(match func(*decision.Entry) bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, e := range s.decisions {
		if match(e) {
			delete(s.decisions, k)
			n++
		}
	}
	return n
}

// ──────────────────────────────────────────────────
// Security Event Store
// ──────────────────────────────────────────────────

func (s *Store) CreateEvent(_ context.Context, e *secevent.Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[e.ID.String()]; ok {
		return fmt.Errorf("security event %s: already exists", e.ID)
	}
	s.events[e.ID.String()] = copyEvent(e)
	return nil
}

func (s *Store) GetEvent(_ context.Context, eventID id.SecurityEventID) (*secevent.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[eventID.String()]
	if !ok {
		return nil, fmt.Errorf("security event %s: %w", eventID, secevent.ErrNotFound)
	}
	return copyEvent(e), nil
}

func (s *Store) ResolveEvent(_ context.Context, eventID id.SecurityEventID, resolvedBy string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventID.String()]
	if !ok {
		return false, fmt.Errorf("security event %s: %w", eventID, secevent.ErrNotFound)
	}
	if e.Resolved {
		return false, nil
	}
	e.Resolved = true
	e.ResolvedBy = resolvedBy
	t := at
	e.ResolvedAt = &t
	return true, nil
}

func (s *Store) ListEvents(_ context.Context, filter *secevent.QueryFilter) ([]*secevent.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*secevent.Event, 0)
	for _, e := range s.events {
		if filter.Matches(e) {
			result = append(result, copyEvent(e))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Timestamp.After(result[j].Timestamp) })
	if filter != nil {
		return applyPagination(result, filter.Limit, filter.Offset), nil
	}
	return result, nil
}

func (s *Store) CountEvents(_ context.Context, filter *secevent.QueryFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, e := range s.events {
		if filter.Matches(e) {
			n++
		}
	}
	return n, nil
}

func (s *Store) PurgeEvents(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, e := range s.events {
		if e.Timestamp.Before(before) {
			delete(s.events, k)
			n++
		}
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// Alert Store
// ──────────────────────────────────────────────────

func (s *Store) CreateRule(_ context.Context, r *alert.Rule) error {
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.ID.String()] = copyRule(r)
	return nil
}

func (s *Store) GetRule(_ context.Context, ruleID id.AlertRuleID) (*alert.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[ruleID.String()]
	if !ok {
		return nil, fmt.Errorf("alert rule %s: %w", ruleID, alert.ErrRuleNotFound)
	}
	return copyRule(r), nil
}

func (s *Store) UpdateRule(_ context.Context, r *alert.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[r.ID.String()]; !ok {
		return fmt.Errorf("alert rule %s: %w", r.ID, alert.ErrRuleNotFound)
	}
	r.UpdatedAt = time.Now().UTC()
	s.rules[r.ID.String()] = copyRule(r)
	return nil
}

func (s *Store) DeleteRule(_ context.Context, ruleID id.AlertRuleID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[ruleID.String()]; !ok {
		return fmt.Errorf("alert rule %s: %w", ruleID, alert.ErrRuleNotFound)
	}
	delete(s.rules, ruleID.String())
	return nil
}

func (s *Store) ListRules(_ context.Context) ([]*alert.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*alert.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		result = append(result, copyRule(r))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *Store) CreateAlert(_ context.Context, a *alert.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[a.ID.String()] = copyAlert(a)
	return nil
}

func (s *Store) GetAlert(_ context.Context, alertID id.AlertID) (*alert.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[alertID.String()]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", alertID, alert.ErrAlertNotFound)
	}
	return copyAlert(a), nil
}

func (s *Store) ListAlerts(_ context.Context, filter *alert.ListFilter) ([]*alert.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*alert.Instance, 0)
	for _, a := range s.alerts {
		if matchAlert(a, filter) {
			result = append(result, copyAlert(a))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TriggeredAt.After(result[j].TriggeredAt) })
	if filter != nil {
		return applyPagination(result, filter.Limit, filter.Offset), nil
	}
	return result, nil
}

func (s *Store) CountAlerts(_ context.Context, filter *alert.ListFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, a := range s.alerts {
		if matchAlert(a, filter) {
			n++
		}
	}
	return n, nil
}

func (s *Store) AcknowledgeAlert(_ context.Context, alertID id.AlertID, by string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[alertID.String()]
	if !ok {
		return false, fmt.Errorf("alert %s: %w", alertID, alert.ErrAlertNotFound)
	}
	if a.Acknowledged {
		return false, nil
	}
	t := at
	a.Acknowledged = true
	a.AcknowledgedBy = by
	a.AcknowledgedAt = &t
	return true, nil
}

func (s *Store) ResolveAlert(_ context.Context, alertID id.AlertID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[alertID.String()]
	if !ok {
		return false, fmt.Errorf("alert %s: %w", alertID, alert.ErrAlertNotFound)
	}
	if a.Resolved {
		return false, nil
	}
	t := at
	a.Resolved = true
	a.ResolvedAt = &t
	return true, nil
}

func matchAlert(a *alert.Instance, f *alert.ListFilter) bool {
	if f == nil {
		return true
	}
	if f.RuleID != nil && a.RuleID != *f.RuleID {
		return false
	}
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if f.Acknowledged != nil && a.Acknowledged != *f.Acknowledged {
		return false
	}
	if f.Resolved != nil && a.Resolved != *f.Resolved {
		return false
	}
	return true
}

// ──────────────────────────────────────────────────
// Role Change Store
// ──────────────────────────────────────────────────

func (s *Store) CreateRoleChange(_ context.Context, e *rolechange.Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	c := *e
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roleChanges = append(s.roleChanges, &c)
	return nil
}

func (s *Store) ListRoleChanges(_ context.Context, filter *rolechange.ListFilter) ([]*rolechange.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*rolechange.Entry, 0, len(s.roleChanges))
	for i := len(s.roleChanges) - 1; i >= 0; i-- {
		e := s.roleChanges[i]
		if filter != nil && filter.SubjectID != "" && e.SubjectID != filter.SubjectID {
			continue
		}
		c := *e
		result = append(result, &c)
	}
	if filter != nil {
		return applyPagination(result, filter.Limit, filter.Offset), nil
	}
	return result, nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func copyEvent(e *secevent.Event) *secevent.Event {
	c := *e
	if e.Details.Sources != nil {
		c.Details.Sources = append([]string(nil), e.Details.Sources...)
	}
	if e.Details.Subjects != nil {
		c.Details.Subjects = append([]string(nil), e.Details.Subjects...)
	}
	if e.Details.Extra != nil {
		c.Details.Extra = make(map[string]any, len(e.Details.Extra))
		for k, v := range e.Details.Extra {
			c.Details.Extra[k] = v
		}
	}
	if e.ResolvedAt != nil {
		t := *e.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

func copyRule(r *alert.Rule) *alert.Rule {
	c := *r
	if r.Conditions != nil {
		c.Conditions = append([]alert.Condition(nil), r.Conditions...)
	}
	if r.Actions != nil {
		c.Actions = make([]alert.Action, len(r.Actions))
		for i, a := range r.Actions {
			c.Actions[i] = a
			if a.Config != nil {
				c.Actions[i].Config = make(map[string]string, len(a.Config))
				for k, v := range a.Config {
					c.Actions[i].Config[k] = v
				}
			}
		}
	}
	return &c
}

func copyAlert(a *alert.Instance) *alert.Instance {
	c := *a
	if a.Details != nil {
		c.Details = make(map[string]string, len(a.Details))
		for k, v := range a.Details {
			c.Details[k] = v
		}
	}
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		c.AcknowledgedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

func applyPagination[T any](items []*T, limit, offset int) []*T {
	if offset > 0 && offset < len(items) {
		items = items[offset:]
	} else if offset > 0 && offset >= len(items) {
		return nil
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
