// Package mongo provides a MongoDB implementation of the Bastion composite
// store using grove ORM.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/bastion/alert"
	"github.com/xraph/bastion/decision"
	"github.com/xraph/bastion/id"
	"github.com/xraph/bastion/rolechange"
	"github.com/xraph/bastion/secevent"
	"github.com/xraph/bastion/store"
)

// Collection name constants.
const (
	colDecisions      = "bastion_decisions"
	colSecurityEvents = "bastion_security_events"
	colAlertRules     = "bastion_alert_rules"
	colAlerts         = "bastion_alerts"
	colRoleChanges    = "bastion_role_changes"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is a MongoDB implementation of the composite Bastion store.
type Store struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// Migrate creates indexes for all bastion collections.
func (s *Store) Migrate(ctx context.Context) error {
	indexes := migrationIndexes()
	for col, models := range indexes {
		if len(models) == 0 {
			continue
		}
		_, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("bastion/mongo: migrate %s indexes: %w", col, err)
		}
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

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all bastion collections.
func migrationIndexes() map[string][]mongod.IndexModel {
	return map[string][]mongod.IndexModel{
		colDecisions: {
			{Keys: bson.D{{Key: "subject_id", Value: 1}}},
			{Keys: bson.D{{Key: "resource", Value: 1}}},
			{Keys: bson.D{{Key: "expires_at", Value: 1}}},
		},
		colSecurityEvents: {
			{Keys: bson.D{{Key: "subject_id", Value: 1}, {Key: "occurred_at", Value: -1}}},
			{Keys: bson.D{{Key: "source_address", Value: 1}, {Key: "occurred_at", Value: -1}}},
			{Keys: bson.D{{Key: "type", Value: 1}, {Key: "occurred_at", Value: -1}}},
		},
		colAlertRules: {
			{
				Keys:    bson.D{{Key: "name", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "event_type", Value: 1}}},
		},
		colAlerts: {
			{Keys: bson.D{{Key: "rule_id", Value: 1}}},
			{Keys: bson.D{{Key: "resolved", Value: 1}, {Key: "triggered_at", Value: -1}}},
		},
		colRoleChanges: {
			{Keys: bson.D{{Key: "subject_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
	}
}

// ──────────────────────────────────────────────────
// Decision operations
// ──────────────────────────────────────────────────

func (s *Store) UpsertDecision(ctx context.Context, e *decision.Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now()
	}
	m := decisionToModel(e)
	_, err := s.mdb.Collection(colDecisions).ReplaceOne(ctx,
		bson.M{"_id": m.Key}, m, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("bastion: upsert decision: %w", err)
	}
	return nil
}

func (s *Store) GetDecision(ctx context.Context, key string) (*decision.Entry, error) {
	var m decisionModel
	err := s.mdb.NewFind(&m).Filter(bson.M{"_id": key}).Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, fmt.Errorf("decision %q: %w", key, decision.ErrNotFound)
		}
		return nil, fmt.Errorf("bastion: get decision: %w", err)
	}
	return decisionFromModel(&m), nil
}

func (s *Store) DeleteExpiredDecision(ctx context.Context, key string, at time.Time) (bool, error) {
	res, err := s.mdb.NewDelete((*decisionModel)(nil)).
		Filter(bson.M{"_id": key, "expires_at": bson.M{"$lte": at}}).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("bastion: delete expired decision: %w", err)
	}
	return res.DeletedCount() > 0, nil
}

func (s *Store) DeleteDecisionsBySubject(ctx context.Context, subjectID string) (int64, error) {
	return s.deleteDecisions(ctx, "subject", bson.M{"subject_id": subjectID})
}

func (s *Store) DeleteDecisionsByResource(ctx context.Context, resource string) (int64, error) {
	return s.deleteDecisions(ctx, "resource", bson.M{"resource": resource})
}

func (s *Store) DeleteAllDecisions(ctx context.Context) (int64, error) {
	return s.deleteDecisions(ctx, "all", bson.M{})
}

func (s *Store) PurgeExpiredDecisions(ctx context.Context, at time.Time) (int64, error) {
	return s.deleteDecisions(ctx, "expired", bson.M{"expires_at": bson.M{"$lte": at}})
}

func (s *Store) deleteDecisions(ctx context.Context, what string, f bson.M) (int64, error) {
	res, err := s.mdb.NewDelete((*decisionModel)(nil)).
		Many().
		Filter(f).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("bastion: delete %s decisions: %w", what, err)
	}
	return res.DeletedCount(), nil
}

func (s *Store) ListDecisions(ctx context.Context, filter *decision.ListFilter) ([]*decision.Entry, error) {
	var models []decisionModel
	f := bson.M{}
	if filter != nil {
		if filter.SubjectID != "" {
			f["subject_id"] = filter.SubjectID
		}
		if filter.Resource != "" {
			f["resource"] = filter.Resource
		}
	}
	q := s.mdb.NewFind(&models).
		Filter(f).
		Sort(bson.D{{Key: "_id", Value: 1}})
	if filter != nil {
		if filter.Limit > 0 {
			q = q.Limit(int64(filter.Limit))
		}
		if filter.Offset > 0 {
			q = q.Skip(int64(filter.Offset))
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
		e.Timestamp = now()
	}
	m := eventToModel(e)
	if _, err := s.mdb.NewInsert(m).Exec(ctx); err != nil {
		return fmt.Errorf("bastion: create security event: %w", err)
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, eventID id.SecurityEventID) (*secevent.Event, error) {
	var m securityEventModel
	err := s.mdb.NewFind(&m).Filter(bson.M{"_id": eventID.String()}).Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, fmt.Errorf("security event %s: %w", eventID, secevent.ErrNotFound)
		}
		return nil, fmt.Errorf("bastion: get security event: %w", err)
	}
	return eventFromModel(&m), nil
}

func (s *Store) ResolveEvent(ctx context.Context, eventID id.SecurityEventID, resolvedBy string, at time.Time) (bool, error) {
	res, err := s.mdb.Collection(colSecurityEvents).UpdateOne(ctx,
		bson.M{"_id": eventID.String(), "resolved": false},
		bson.M{"$set": bson.M{"resolved": true, "resolved_by": resolvedBy, "resolved_at": at}},
	)
	if err != nil {
		return false, fmt.Errorf("bastion: resolve security event: %w", err)
	}
	if res.MatchedCount > 0 {
		return true, nil
	}
	if _, err := s.GetEvent(ctx, eventID); err != nil {
		return false, err
	}
	return false, nil
}

func eventFilter(filter *secevent.QueryFilter) bson.M {
	f := bson.M{}
	if filter == nil {
		return f
	}
	if filter.Type != "" {
		f["type"] = string(filter.Type)
	}
	if filter.SubjectID != "" {
		f["subject_id"] = filter.SubjectID
	}
	if filter.SourceAddress != "" {
		f["source_address"] = filter.SourceAddress
	}
	if filter.Severity != "" {
		f["severity"] = string(filter.Severity)
	}
	if filter.Derived != nil {
		f["derived"] = *filter.Derived
	}
	if filter.Resolved != nil {
		f["resolved"] = *filter.Resolved
	}
	if filter.Since != nil || filter.Until != nil {
		dateFilter := bson.M{}
		if filter.Since != nil {
			dateFilter["$gte"] = *filter.Since
		}
		if filter.Until != nil {
			dateFilter["$lt"] = *filter.Until
		}
		f["occurred_at"] = dateFilter
	}
	return f
}

func (s *Store) ListEvents(ctx context.Context, filter *secevent.QueryFilter) ([]*secevent.Event, error) {
	var models []securityEventModel
	q := s.mdb.NewFind(&models).
		Filter(eventFilter(filter)).
		Sort(bson.D{{Key: "occurred_at", Value: -1}})
	if filter != nil {
		if filter.Limit > 0 {
			q = q.Limit(int64(filter.Limit))
		}
		if filter.Offset > 0 {
			q = q.Skip(int64(filter.Offset))
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
	count, err := s.mdb.NewFind((*securityEventModel)(nil)).
		Filter(eventFilter(filter)).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("bastion: count security events: %w", err)
	}
	return count, nil
}

func (s *Store) PurgeEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.mdb.NewDelete((*securityEventModel)(nil)).
		Many().
		Filter(bson.M{"occurred_at": bson.M{"$lt": before}}).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("bastion: purge security events: %w", err)
	}
	return res.DeletedCount(), nil
}

// ──────────────────────────────────────────────────
// Alert rule operations
// ──────────────────────────────────────────────────

func (s *Store) CreateRule(ctx context.Context, r *alert.Rule) error {
	t := now()
	r.CreatedAt = t
	r.UpdatedAt = t
	m := ruleToModel(r)
	if _, err := s.mdb.NewInsert(m).Exec(ctx); err != nil {
		return fmt.Errorf("bastion: create alert rule: %w", err)
	}
	return nil
}

func (s *Store) GetRule(ctx context.Context, ruleID id.AlertRuleID) (*alert.Rule, error) {
	var m alertRuleModel
	err := s.mdb.NewFind(&m).Filter(bson.M{"_id": ruleID.String()}).Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, fmt.Errorf("alert rule %s: %w", ruleID, alert.ErrRuleNotFound)
		}
		return nil, fmt.Errorf("bastion: get alert rule: %w", err)
	}
	return ruleFromModel(&m), nil
}

func (s *Store) UpdateRule(ctx context.Context, r *alert.Rule) error {
	r.UpdatedAt = now()
	m := ruleToModel(r)
	res, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.ID}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("bastion: update alert rule: %w", err)
	}
	if res.MatchedCount() == 0 {
		return fmt.Errorf("alert rule %s: %w", r.ID, alert.ErrRuleNotFound)
	}
	return nil
}

func (s *Store) DeleteRule(ctx context.Context, ruleID id.AlertRuleID) error {
	res, err := s.mdb.NewDelete((*alertRuleModel)(nil)).
		Filter(bson.M{"_id": ruleID.String()}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("bastion: delete alert rule: %w", err)
	}
	if res.DeletedCount() == 0 {
		return fmt.Errorf("alert rule %s: %w", ruleID, alert.ErrRuleNotFound)
	}
	return nil
}

func (s *Store) ListRules(ctx context.Context) ([]*alert.Rule, error) {
	var models []alertRuleModel
	if err := s.mdb.NewFind(&models).
		Filter(bson.M{}).
		Sort(bson.D{{Key: "name", Value: 1}}).
		Scan(ctx); err != nil {
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
	m := alertToModel(a)
	if _, err := s.mdb.NewInsert(m).Exec(ctx); err != nil {
		return fmt.Errorf("bastion: create alert: %w", err)
	}
	return nil
}

func (s *Store) GetAlert(ctx context.Context, alertID id.AlertID) (*alert.Instance, error) {
	var m alertModel
	err := s.mdb.NewFind(&m).Filter(bson.M{"_id": alertID.String()}).Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, fmt.Errorf("alert %s: %w", alertID, alert.ErrAlertNotFound)
		}
		return nil, fmt.Errorf("bastion: get alert: %w", err)
	}
	return alertFromModel(&m), nil
}

func alertFilter(filter *alert.ListFilter) bson.M {
	f := bson.M{}
	if filter == nil {
		return f
	}
	if filter.RuleID != nil {
		f["rule_id"] = filter.RuleID.String()
	}
	if filter.Severity != "" {
		f["severity"] = string(filter.Severity)
	}
	if filter.Acknowledged != nil {
		f["acknowledged"] = *filter.Acknowledged
	}
	if filter.Resolved != nil {
		f["resolved"] = *filter.Resolved
	}
	return f
}

func (s *Store) ListAlerts(ctx context.Context, filter *alert.ListFilter) ([]*alert.Instance, error) {
	var models []alertModel
	q := s.mdb.NewFind(&models).
		Filter(alertFilter(filter)).
		Sort(bson.D{{Key: "triggered_at", Value: -1}})
	if filter != nil {
		if filter.Limit > 0 {
			q = q.Limit(int64(filter.Limit))
		}
		if filter.Offset > 0 {
			q = q.Skip(int64(filter.Offset))
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
	count, err := s.mdb.NewFind((*alertModel)(nil)).
		Filter(alertFilter(filter)).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("bastion: count alerts: %w", err)
	}
	return count, nil
}

func (s *Store) AcknowledgeAlert(ctx context.Context, alertID id.AlertID, by string, at time.Time) (bool, error) {
	return s.setAlertFlag(ctx, alertID, "acknowledged",
		bson.M{"acknowledged": true, "acknowledged_by": by, "acknowledged_at": at})
}

func (s *Store) ResolveAlert(ctx context.Context, alertID id.AlertID, at time.Time) (bool, error) {
	return s.setAlertFlag(ctx, alertID, "resolved",
		bson.M{"resolved": true, "resolved_at": at})
}

// setAlertFlag flips a boolean flag once. A zero match means either the flag
// was already set or the alert does not exist.
func (s *Store) setAlertFlag(ctx context.Context, alertID id.AlertID, flag string, set bson.M) (bool, error) {
	res, err := s.mdb.Collection(colAlerts).UpdateOne(ctx,
		bson.M{"_id": alertID.String(), flag: false},
		bson.M{"$set": set},
	)
	if err != nil {
		return false, fmt.Errorf("bastion: set alert %s: %w", flag, err)
	}
	if res.MatchedCount > 0 {
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
		e.CreatedAt = now()
	}
	m := roleChangeToModel(e)
	if _, err := s.mdb.NewInsert(m).Exec(ctx); err != nil {
		return fmt.Errorf("bastion: create role change: %w", err)
	}
	return nil
}

func (s *Store) ListRoleChanges(ctx context.Context, filter *rolechange.ListFilter) ([]*rolechange.Entry, error) {
	var models []roleChangeModel
	f := bson.M{}
	if filter != nil && filter.SubjectID != "" {
		f["subject_id"] = filter.SubjectID
	}
	q := s.mdb.NewFind(&models).
		Filter(f).
		Sort(bson.D{{Key: "created_at", Value: -1}})
	if filter != nil {
		if filter.Limit > 0 {
			q = q.Limit(int64(filter.Limit))
		}
		if filter.Offset > 0 {
			q = q.Skip(int64(filter.Offset))
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
