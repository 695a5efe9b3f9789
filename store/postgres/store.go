// Package postgres provides a PostgreSQL implementation of the Bastion
// composite store using grove ORM with Go-based migrations.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
	"github.com/xraph/grove/migrate"

	"github.com/xraph/bastion/alert"
	"github.com/xraph/bastion/decision"
	"github.com/xraph/bastion/id"
	"github.com/xraph/bastion/rolechange"
	"github.com/xraph/bastion/secevent"
	"github.com/xraph/bastion/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is a PostgreSQL implementation of the composite Bastion store.
type Store struct {
	db   *grove.DB
	pgdb *pgdriver.PgDB
}

// New creates a new PostgreSQL store.
func New(db *grove.DB) *Store {
	return &Store{
		db:   db,
		pgdb: pgdriver.Unwrap(db),
	}
}

// Migrate runs programmatic migrations via the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pgdb)
	if err != nil {
		return fmt.Errorf("bastion: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("bastion: migration failed: %w", err)
	}
	return nil
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// clause is a single WHERE fragment with its arguments.
type clause struct {
	expr string
	args []any
}

func where(expr string, args ...any) clause { return clause{expr: expr, args: args} }

// ──────────────────────────────────────────────────
// Decision operations
// ──────────────────────────────────────────────────

func (s *Store) UpsertDecision(ctx context.Context, e *decision.Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m := decisionToModel(e)
	_, err := s.pgdb.NewInsert(m).
		OnConflict("(cache_key) DO UPDATE SET allowed = EXCLUDED.allowed, expires_at = EXCLUDED.expires_at, created_at = EXCLUDED.created_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("bastion: upsert decision: %w", err)
	}
	return nil
}

func (s *Store) GetDecision(ctx context.Context, key string) (*decision.Entry, error) {
	m := new(decisionModel)
	err := s.pgdb.NewSelect(m).Where("cache_key = ?", key).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("decision %q: %w", key, decision.ErrNotFound)
		}
		return nil, fmt.Errorf("bastion: get decision: %w", err)
	}
	return decisionFromModel(m), nil
}

func (s *Store) DeleteExpiredDecision(ctx context.Context, key string, now time.Time) (bool, error) {
	res, err := s.pgdb.NewDelete((*decisionModel)(nil)).
		Where("cache_key = ?", key).
		Where("expires_at <= ?", now).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("bastion: delete expired decision: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("bastion: delete expired decision rows: %w", err)
	}
	return n > 0, nil
}

func (s *Store) DeleteDecisionsBySubject(ctx context.Context, subjectID string) (int64, error) {
	return s.deleteDecisions(ctx, "subject", where("subject_id = ?", subjectID))
}

func (s *Store) DeleteDecisionsByResource(ctx context.Context, resource string) (int64, error) {
	return s.deleteDecisions(ctx, "resource", where("resource = ?", resource))
}

func (s *Store) DeleteAllDecisions(ctx context.Context) (int64, error) {
	return s.deleteDecisions(ctx, "all", where("1 = 1"))
}

func (s *Store) PurgeExpiredDecisions(ctx context.Context, now time.Time) (int64, error) {
	return s.deleteDecisions(ctx, "expired", where("expires_at <= ?", now))
}

func (s *Store) deleteDecisions(ctx context.Context, what string, c clause) (int64, error) {
	res, err := s.pgdb.NewDelete((*decisionModel)(nil)).Where(c.expr, c.args...).Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("bastion: delete %s decisions: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("bastion: delete %s decisions rows: %w", what, err)
	}
	return n, nil
}

func (s *Store) ListDecisions(ctx context.Context, filter *decision.ListFilter) ([]*decision.Entry, error) {
	var models []decisionModel
	q := s.pgdb.NewSelect(&models).OrderExpr("cache_key ASC")
	if filter != nil {
		if filter.SubjectID != "" {
			q = q.Where("subject_id = ?", filter.SubjectID)
		}
		if filter.Resource != "" {
			q = q.Where("resource = ?", filter.Resource)
		}
		if filter.Limit > 0 {
			q = q.Limit(filter.Limit)
		}
		if filter.Offset > 0 {
			q = q.Offset(filter.Offset)
		}
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("bastion: list decisions: %w", err)
	}
	result := make([]*decision.Entry, len(models))
	for i := range models {
		result[i] = decisionFromModel(&models[i])
	}
	return result, nil
}

// ──────────────────────────────────────────────────
// Security event operations
// ──────────────────────────────────────────────────

func (s *Store) CreateEvent(ctx context.Context, e *secevent.Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	_, err := s.pgdb.NewInsert(eventToModel(e)).Exec(ctx)
	if err != nil {
		return fmt.Errorf("bastion: create security event: %w", err)
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, eventID id.SecurityEventID) (*secevent.Event, error) {
	m := new(securityEventModel)
	err := s.pgdb.NewSelect(m).Where("id = ?", eventID.String()).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("security event %s: %w", eventID, secevent.ErrNotFound)
		}
		return nil, fmt.Errorf("bastion: get security event: %w", err)
	}
	return eventFromModel(m), nil
}

func (s *Store) ResolveEvent(ctx context.Context, eventID id.SecurityEventID, resolvedBy string, at time.Time) (bool, error) {
	res, err := s.pgdb.NewUpdate((*securityEventModel)(nil)).
		Set("resolved = ?", true).
		Set("resolved_by = ?", resolvedBy).
		Set("resolved_at = ?", at).
		Where("id = ?", eventID.String()).
		Where("resolved = ?", false).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("bastion: resolve security event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("bastion: resolve security event rows: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	if _, err := s.GetEvent(ctx, eventID); err != nil {
		return false, err
	}
	return false, nil
}

func eventClauses(f *secevent.QueryFilter) []clause {
	if f == nil {
		return nil
	}
	var cs []clause
	if f.Type != "" {
		cs = append(cs, where("type = ?", string(f.Type)))
	}
	if f.SubjectID != "" {
		cs = append(cs, where("subject_id = ?", f.SubjectID))
	}
	if f.SourceAddress != "" {
		cs = append(cs, where("source_address = ?", f.SourceAddress))
	}
	if f.Severity != "" {
		cs = append(cs, where("severity = ?", string(f.Severity)))
	}
	if f.Derived != nil {
		cs = append(cs, where("derived = ?", *f.Derived))
	}
	if f.Resolved != nil {
		cs = append(cs, where("resolved = ?", *f.Resolved))
	}
	if f.Since != nil {
		cs = append(cs, where("occurred_at >= ?", *f.Since))
	}
	if f.Until != nil {
		cs = append(cs, where("occurred_at < ?", *f.Until))
	}
	return cs
}

func (s *Store) ListEvents(ctx context.Context, filter *secevent.QueryFilter) ([]*secevent.Event, error) {
	var models []securityEventModel
	q := s.pgdb.NewSelect(&models).OrderExpr("occurred_at DESC")
	for _, c := range eventClauses(filter) {
		q = q.Where(c.expr, c.args...)
	}
	if filter != nil {
		if filter.Limit > 0 {
			q = q.Limit(filter.Limit)
		}
		if filter.Offset > 0 {
			q = q.Offset(filter.Offset)
		}
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("bastion: list security events: %w", err)
	}
	result := make([]*secevent.Event, len(models))
	for i := range models {
		result[i] = eventFromModel(&models[i])
	}
	return result, nil
}

func (s *Store) CountEvents(ctx context.Context, filter *secevent.QueryFilter) (int64, error) {
	q := s.pgdb.NewSelect((*securityEventModel)(nil))
	for _, c := range eventClauses(filter) {
		q = q.Where(c.expr, c.args...)
	}
	count, err := q.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("bastion: count security events: %w", err)
	}
	return count, nil
}

func (s *Store) PurgeEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.pgdb.NewDelete((*securityEventModel)(nil)).
		Where("occurred_at < ?", before).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("bastion: purge security events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("bastion: purge security events rows: %w", err)
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// Alert rule operations
// ──────────────────────────────────────────────────

func (s *Store) CreateRule(ctx context.Context, r *alert.Rule) error {
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	_, err := s.pgdb.NewInsert(ruleToModel(r)).Exec(ctx)
	if err != nil {
		return fmt.Errorf("bastion: create alert rule: %w", err)
	}
	return nil
}

func (s *Store) GetRule(ctx context.Context, ruleID id.AlertRuleID) (*alert.Rule, error) {
	m := new(alertRuleModel)
	err := s.pgdb.NewSelect(m).Where("id = ?", ruleID.String()).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("alert rule %s: %w", ruleID, alert.ErrRuleNotFound)
		}
		return nil, fmt.Errorf("bastion: get alert rule: %w", err)
	}
	return ruleFromModel(m), nil
}

func (s *Store) UpdateRule(ctx context.Context, r *alert.Rule) error {
	r.UpdatedAt = time.Now().UTC()
	res, err := s.pgdb.NewUpdate(ruleToModel(r)).WherePK().Exec(ctx)
	if err != nil {
		return fmt.Errorf("bastion: update alert rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("bastion: update alert rule rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("alert rule %s: %w", r.ID, alert.ErrRuleNotFound)
	}
	return nil
}

func (s *Store) DeleteRule(ctx context.Context, ruleID id.AlertRuleID) error {
	res, err := s.pgdb.NewDelete((*alertRuleModel)(nil)).
		Where("id = ?", ruleID.String()).Exec(ctx)
	if err != nil {
		return fmt.Errorf("bastion: delete alert rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("bastion: delete alert rule rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("alert rule %s: %w", ruleID, alert.ErrRuleNotFound)
	}
	return nil
}

func (s *Store) ListRules(ctx context.Context) ([]*alert.Rule, error) {
	var models []alertRuleModel
	if err := s.pgdb.NewSelect(&models).OrderExpr("name ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("bastion: list alert rules: %w", err)
	}
	result := make([]*alert.Rule, len(models))
	for i := range models {
		result[i] = ruleFromModel(&models[i])
	}
	return result, nil
}

// ──────────────────────────────────────────────────
// Alert instance operations
// ──────────────────────────────────────────────────

func (s *Store) CreateAlert(ctx context.Context, a *alert.Instance) error {
	_, err := s.pgdb.NewInsert(alertToModel(a)).Exec(ctx)
	if err != nil {
		return fmt.Errorf("bastion: create alert: %w", err)
	}
	return nil
}

func (s *Store) GetAlert(ctx context.Context, alertID id.AlertID) (*alert.Instance, error) {
	m := new(alertModel)
	err := s.pgdb.NewSelect(m).Where("id = ?", alertID.String()).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("alert %s: %w", alertID, alert.ErrAlertNotFound)
		}
		return nil, fmt.Errorf("bastion: get alert: %w", err)
	}
	return alertFromModel(m), nil
}

func alertClauses(f *alert.ListFilter) []clause {
	if f == nil {
		return nil
	}
	var cs []clause
	if f.RuleID != nil {
		cs = append(cs, where("rule_id = ?", f.RuleID.String()))
	}
	if f.Severity != "" {
		cs = append(cs, where("severity = ?", string(f.Severity)))
	}
	if f.Acknowledged != nil {
		cs = append(cs, where("acknowledged = ?", *f.Acknowledged))
	}
	if f.Resolved != nil {
		cs = append(cs, where("resolved = ?", *f.Resolved))
	}
	return cs
}

func (s *Store) ListAlerts(ctx context.Context, filter *alert.ListFilter) ([]*alert.Instance, error) {
	var models []alertModel
	q := s.pgdb.NewSelect(&models).OrderExpr("triggered_at DESC")
	for _, c := range alertClauses(filter) {
		q = q.Where(c.expr, c.args...)
	}
	if filter != nil {
		if filter.Limit > 0 {
			q = q.Limit(filter.Limit)
		}
		if filter.Offset > 0 {
			q = q.Offset(filter.Offset)
		}
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("bastion: list alerts: %w", err)
	}
	result := make([]*alert.Instance, len(models))
	for i := range models {
		result[i] = alertFromModel(&models[i])
	}
	return result, nil
}

func (s *Store) CountAlerts(ctx context.Context, filter *alert.ListFilter) (int64, error) {
	q := s.pgdb.NewSelect((*alertModel)(nil))
	for _, c := range alertClauses(filter) {
		q = q.Where(c.expr, c.args...)
	}
	count, err := q.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("bastion: count alerts: %w", err)
	}
	return count, nil
}

func (s *Store) AcknowledgeAlert(ctx context.Context, alertID id.AlertID, by string, at time.Time) (bool, error) {
	res, err := s.pgdb.NewUpdate((*alertModel)(nil)).
		Set("acknowledged = ?", true).
		Set("acknowledged_by = ?", by).
		Set("acknowledged_at = ?", at).
		Where("id = ?", alertID.String()).
		Where("acknowledged = ?", false).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("bastion: acknowledge alert: %w", err)
	}
	return s.alertTransition(ctx, alertID, res.RowsAffected)
}

func (s *Store) ResolveAlert(ctx context.Context, alertID id.AlertID, at time.Time) (bool, error) {
	res, err := s.pgdb.NewUpdate((*alertModel)(nil)).
		Set("resolved = ?", true).
		Set("resolved_at = ?", at).
		Where("id = ?", alertID.String()).
		Where("resolved = ?", false).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("bastion: resolve alert: %w", err)
	}
	return s.alertTransition(ctx, alertID, res.RowsAffected)
}

// alertTransition reports whether a conditional update changed a row. When
// nothing changed it distinguishes an already-set flag from a missing alert.
func (s *Store) alertTransition(ctx context.Context, alertID id.AlertID, rowsAffected func() (int64, error)) (bool, error) {
	n, err := rowsAffected()
	if err != nil {
		return false, fmt.Errorf("bastion: alert update rows: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	if _, err := s.GetAlert(ctx, alertID); err != nil {
		return false, err
	}
	return false, nil
}

// ──────────────────────────────────────────────────
// Role change operations
// ──────────────────────────────────────────────────

func (s *Store) CreateRoleChange(ctx context.Context, e *rolechange.Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.pgdb.NewInsert(roleChangeToModel(e)).Exec(ctx)
	if err != nil {
		return fmt.Errorf("bastion: create role change: %w", err)
	}
	return nil
}

func (s *Store) ListRoleChanges(ctx context.Context, filter *rolechange.ListFilter) ([]*rolechange.Entry, error) {
	var models []roleChangeModel
	q := s.pgdb.NewSelect(&models).OrderExpr("created_at DESC")
	if filter != nil {
		if filter.SubjectID != "" {
			q = q.Where("subject_id = ?", filter.SubjectID)
		}
		if filter.Limit > 0 {
			q = q.Limit(filter.Limit)
		}
		if filter.Offset > 0 {
			q = q.Offset(filter.Offset)
		}
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("bastion: list role changes: %w", err)
	}
	result := make([]*rolechange.Entry, len(models))
	for i := range models {
		result[i] = roleChangeFromModel(&models[i])
	}
	return result, nil
}
