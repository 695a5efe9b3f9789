// Package alert defines alert rules and the alert instances they produce.
package alert

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/xraph/bastion/id"
	"github.com/xraph/bastion/secevent"
)

var (
	// ErrRuleNotFound is returned when an alert rule cannot be found.
	ErrRuleNotFound = errors.New("bastion: alert rule not found")

	// ErrAlertNotFound is returned when an alert instance cannot be found.
	ErrAlertNotFound = errors.New("bastion: alert not found")

	// ErrInvalidRule is returned when a rule fails validation.
	ErrInvalidRule = errors.New("bastion: invalid alert rule")
)

// ConditionType selects how a condition is evaluated.
type ConditionType string

const (
	// ConditionCount compares the number of matching events in the window.
	ConditionCount ConditionType = "count"
	// ConditionRate compares matching events per minute over the window.
	ConditionRate ConditionType = "rate"
	// ConditionPattern matches an event field against a string or regexp.
	ConditionPattern ConditionType = "pattern"
	// ConditionThreshold compares a numeric event field.
	ConditionThreshold ConditionType = "threshold"
)

// Operator compares an observed value with a condition value.
type Operator string

const (
	OpGreaterThan    Operator = "gt"
	OpGreaterOrEqual Operator = "gte"
	OpLessThan       Operator = "lt"
	OpLessOrEqual    Operator = "lte"
	OpEqual          Operator = "eq"
	OpNotEqual       Operator = "ne"
	OpContains       Operator = "contains"
	OpMatches        Operator = "matches"
)

func (o Operator) numeric() bool {
	switch o {
	case OpGreaterThan, OpGreaterOrEqual, OpLessThan, OpLessOrEqual, OpEqual, OpNotEqual:
		return true
	}
	return false
}

// Condition is one clause of a rule. All conditions of a rule must hold.
type Condition struct {
	Type          ConditionType `json:"type" yaml:"type" bson:"type"`
	Field         string        `json:"field,omitempty" yaml:"field,omitempty" bson:"field,omitempty"`
	Operator      Operator      `json:"operator" yaml:"operator" bson:"operator"`
	Value         string        `json:"value" yaml:"value" bson:"value"`
	WindowSeconds int           `json:"window_seconds,omitempty" yaml:"window_seconds,omitempty" bson:"window_seconds,omitempty"`
}

// Window returns the evaluation window, defaulting to one hour.
func (c Condition) Window() time.Duration {
	if c.WindowSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(c.WindowSeconds) * time.Second
}

// Number parses Value as a float.
func (c Condition) Number() (float64, error) {
	return strconv.ParseFloat(c.Value, 64)
}

// ActionType names an alert action handler.
type ActionType string

const (
	ActionLog            ActionType = "log"
	ActionNotify         ActionType = "notify"
	ActionBlockPrincipal ActionType = "block_principal"
	ActionBlockSource    ActionType = "block_source"
	ActionLockAccount    ActionType = "lock_account"
)

// Action is executed when a rule fires. Lower Priority runs first.
type Action struct {
	Type     ActionType        `json:"type" yaml:"type" bson:"type"`
	Config   map[string]string `json:"config,omitempty" yaml:"config,omitempty" bson:"config,omitempty"`
	Priority int               `json:"priority" yaml:"priority" bson:"priority"`
}

// Rule is an alert rule evaluated against every recorded event of EventType.
// Severity is a display label only; alert severity derives from the event.
type Rule struct {
	ID              id.AlertRuleID    `json:"id" yaml:"-"`
	Name            string            `json:"name" yaml:"name"`
	Description     string            `json:"description,omitempty" yaml:"description,omitempty"`
	EventType       secevent.Type     `json:"event_type" yaml:"event_type"`
	Conditions      []Condition       `json:"conditions" yaml:"conditions"`
	Actions         []Action          `json:"actions" yaml:"actions"`
	Enabled         bool              `json:"enabled" yaml:"enabled"`
	CooldownSeconds int               `json:"cooldown_seconds" yaml:"cooldown_seconds"`
	Severity        secevent.Severity `json:"severity,omitempty" yaml:"severity,omitempty"`
	CreatedAt       time.Time         `json:"created_at" yaml:"-"`
	UpdatedAt       time.Time         `json:"updated_at" yaml:"-"`
}

// Cooldown returns the cooldown window.
func (r *Rule) Cooldown() time.Duration {
	return time.Duration(r.CooldownSeconds) * time.Second
}

// ValidationError describes the first invalid field of a rule.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "bastion: invalid alert rule: " + e.Field + ": " + e.Message
}

// Unwrap lets errors.Is match ErrInvalidRule.
func (e *ValidationError) Unwrap() error { return ErrInvalidRule }

// Validate checks a rule before registration.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return &ValidationError{Field: "name", Message: "rule name is required"}
	}
	if !r.EventType.Valid() {
		return &ValidationError{Field: "event_type", Message: fmt.Sprintf("unknown event type %q", r.EventType)}
	}
	if r.CooldownSeconds < 0 {
		return &ValidationError{Field: "cooldown_seconds", Message: "cooldown must not be negative"}
	}
	if r.Severity != "" && !r.Severity.Valid() {
		return &ValidationError{Field: "severity", Message: "must be LOW/MEDIUM/HIGH/CRITICAL"}
	}
	for i, c := range r.Conditions {
		if err := validateCondition(c); err != nil {
			return &ValidationError{Field: fmt.Sprintf("conditions[%d]", i), Message: err.Error()}
		}
	}
	if len(r.Actions) == 0 {
		return &ValidationError{Field: "actions", Message: "at least one action is required"}
	}
	for i, a := range r.Actions {
		switch a.Type {
		case ActionLog, ActionNotify, ActionBlockPrincipal, ActionBlockSource, ActionLockAccount:
		default:
			return &ValidationError{Field: fmt.Sprintf("actions[%d].type", i), Message: fmt.Sprintf("unknown action %q", a.Type)}
		}
	}
	return nil
}

func validateCondition(c Condition) error {
	if c.WindowSeconds < 0 {
		return errors.New("window must not be negative")
	}
	switch c.Type {
	case ConditionCount, ConditionRate:
		if !c.Operator.numeric() {
			return fmt.Errorf("operator %q is not numeric", c.Operator)
		}
		if _, err := c.Number(); err != nil {
			return fmt.Errorf("value %q is not a number", c.Value)
		}
	case ConditionThreshold:
		if c.Field == "" {
			return errors.New("field is required")
		}
		if !c.Operator.numeric() {
			return fmt.Errorf("operator %q is not numeric", c.Operator)
		}
		if _, err := c.Number(); err != nil {
			return fmt.Errorf("value %q is not a number", c.Value)
		}
	case ConditionPattern:
		if c.Field == "" {
			return errors.New("field is required")
		}
		switch c.Operator {
		case OpEqual, OpNotEqual, OpContains:
		case OpMatches:
			if _, err := regexp.Compile(c.Value); err != nil {
				return fmt.Errorf("invalid pattern: %w", err)
			}
		default:
			return fmt.Errorf("operator %q is not valid for patterns", c.Operator)
		}
	default:
		return fmt.Errorf("unknown condition type %q", c.Type)
	}
	return nil
}

// Instance is a fired alert. Acknowledged and Resolved only move from
// false to true.
type Instance struct {
	ID             id.AlertID         `json:"id"`
	RuleID         id.AlertRuleID     `json:"rule_id"`
	RuleName       string             `json:"rule_name"`
	EventID        id.SecurityEventID `json:"event_id"`
	EventType      secevent.Type      `json:"event_type"`
	Severity       secevent.Severity  `json:"severity"`
	Message        string             `json:"message"`
	Details        map[string]string  `json:"details,omitempty"`
	SubjectID      string             `json:"subject_id,omitempty"`
	SourceAddress  string             `json:"source_address,omitempty"`
	TriggeredAt    time.Time          `json:"triggered_at"`
	Acknowledged   bool               `json:"acknowledged"`
	AcknowledgedBy string             `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time         `json:"acknowledged_at,omitempty"`
	Resolved       bool               `json:"resolved"`
	ResolvedAt     *time.Time         `json:"resolved_at,omitempty"`
}

// ListFilter contains filters for listing alert instances.
type ListFilter struct {
	RuleID       *id.AlertRuleID   `json:"rule_id,omitempty"`
	Severity     secevent.Severity `json:"severity,omitempty"`
	Acknowledged *bool             `json:"acknowledged,omitempty"`
	Resolved     *bool             `json:"resolved,omitempty"`
	Limit        int               `json:"limit,omitempty"`
	Offset       int               `json:"offset,omitempty"`
}
