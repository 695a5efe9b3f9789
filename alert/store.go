package alert

import (
	"context"
	"time"

	"github.com/xraph/bastion/id"
)

// Store defines persistence for alert rules and alert instances.
type Store interface {
	// CreateRule persists a new rule.
	CreateRule(ctx context.Context, r *Rule) error

	// GetRule retrieves a rule by ID.
	GetRule(ctx context.Context, ruleID id.AlertRuleID) (*Rule, error)

	// UpdateRule replaces a stored rule.
	UpdateRule(ctx context.Context, r *Rule) error

	// DeleteRule removes a rule.
	DeleteRule(ctx context.Context, ruleID id.AlertRuleID) error

	// ListRules returns all rules ordered by name.
	ListRules(ctx context.Context) ([]*Rule, error)

	// CreateAlert persists a fired alert.
	CreateAlert(ctx context.Context, a *Instance) error

	// GetAlert retrieves an alert by ID.
	GetAlert(ctx context.Context, alertID id.AlertID) (*Instance, error)

	// ListAlerts returns alerts matching the filter, newest first.
	ListAlerts(ctx context.Context, filter *ListFilter) ([]*Instance, error)

	// CountAlerts returns the number of alerts matching the filter.
	CountAlerts(ctx context.Context, filter *ListFilter) (int64, error)

	// AcknowledgeAlert sets the acknowledged flag once. It reports false,
	// without error, if the alert was already acknowledged.
	AcknowledgeAlert(ctx context.Context, alertID id.AlertID, by string, at time.Time) (bool, error)

	// ResolveAlert sets the resolved flag once. It reports false, without
	// error, if the alert was already resolved.
	ResolveAlert(ctx context.Context, alertID id.AlertID, at time.Time) (bool, error)
}
