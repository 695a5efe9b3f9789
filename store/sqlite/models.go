package sqlite

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/bastion/alert"
	"github.com/xraph/bastion/decision"
	"github.com/xraph/bastion/id"
	"github.com/xraph/bastion/rolechange"
	"github.com/xraph/bastion/secevent"
)

// ──────────────────────────────────────────────────
// Decision model
// ──────────────────────────────────────────────────

type decisionModel struct {
	grove.BaseModel `grove:"table:bastion_decisions"`
	Key             string    `grove:"cache_key,pk"`
	SubjectID       string    `grove:"subject_id,notnull"`
	Resource        string    `grove:"resource,notnull"`
	Action          string    `grove:"action,notnull"`
	Scope           string    `grove:"scope,notnull"`
	Allowed         bool      `grove:"allowed,notnull"`
	ExpiresAt       time.Time `grove:"expires_at,notnull"`
	CreatedAt       time.Time `grove:"created_at,notnull"`
}

func decisionToModel(e *decision.Entry) *decisionModel {
	return &decisionModel{
		Key:       e.Key,
		SubjectID: e.SubjectID,
		Resource:  e.Resource,
		Action:    e.Action,
		Scope:     e.Scope,
		Allowed:   e.Allowed,
		ExpiresAt: e.ExpiresAt,
		CreatedAt: e.CreatedAt,
	}
}

func decisionFromModel(m *decisionModel) *decision.Entry {
	return &decision.Entry{
		Key:       m.Key,
		SubjectID: m.SubjectID,
		Resource:  m.Resource,
		Action:    m.Action,
		Scope:     m.Scope,
		Allowed:   m.Allowed,
		ExpiresAt: m.ExpiresAt,
		CreatedAt: m.CreatedAt,
	}
}

// ──────────────────────────────────────────────────
// Security event model
// ──────────────────────────────────────────────────

type securityEventModel struct {
	grove.BaseModel `grove:"table:bastion_security_events"`
	ID              string     `grove:"id,pk"`
	Type            string     `grove:"type,notnull"`
	Severity        string     `grove:"severity,notnull"`
	SubjectID       string     `grove:"subject_id"`
	SourceAddress   string     `grove:"source_address"`
	Resource        string     `grove:"resource"`
	Action          string     `grove:"action"`
	Details         string     `grove:"details"` // JSON text
	Derived         bool       `grove:"derived,notnull"`
	Resolved        bool       `grove:"resolved,notnull"`
	ResolvedBy      string     `grove:"resolved_by"`
	ResolvedAt      *time.Time `grove:"resolved_at"`
	Timestamp       time.Time  `grove:"occurred_at,notnull"`
}

func eventToModel(e *secevent.Event) (*securityEventModel, error) {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return nil, fmt.Errorf("marshal event details: %w", err)
	}
	return &securityEventModel{
		ID:            e.ID.String(),
		Type:          string(e.Type),
		Severity:      string(e.Severity),
		SubjectID:     e.SubjectID,
		SourceAddress: e.SourceAddress,
		Resource:      e.Resource,
		Action:        e.Action,
		Details:       string(details),
		Derived:       e.Derived,
		Resolved:      e.Resolved,
		ResolvedBy:    e.ResolvedBy,
		ResolvedAt:    e.ResolvedAt,
		Timestamp:     e.Timestamp,
	}, nil
}

func eventFromModel(m *securityEventModel) (*secevent.Event, error) {
	eid, _ := id.ParseSecurityEventID(m.ID) //nolint:errcheck // stored IDs are always valid
	var details secevent.Details
	if m.Details != "" {
		if err := json.Unmarshal([]byte(m.Details), &details); err != nil {
			return nil, fmt.Errorf("unmarshal event details: %w", err)
		}
	}
	return &secevent.Event{
		ID:            eid,
		Type:          secevent.Type(m.Type),
		Severity:      secevent.Severity(m.Severity),
		SubjectID:     m.SubjectID,
		SourceAddress: m.SourceAddress,
		Resource:      m.Resource,
		Action:        m.Action,
		Details:       details,
		Derived:       m.Derived,
		Resolved:      m.Resolved,
		ResolvedBy:    m.ResolvedBy,
		ResolvedAt:    m.ResolvedAt,
		Timestamp:     m.Timestamp,
	}, nil
}

// ──────────────────────────────────────────────────
// Alert rule model
// ──────────────────────────────────────────────────

type alertRuleModel struct {
	grove.BaseModel `grove:"table:bastion_alert_rules"`
	ID              string    `grove:"id,pk"`
	Name            string    `grove:"name,notnull"`
	Description     string    `grove:"description"`
	EventType       string    `grove:"event_type,notnull"`
	Conditions      string    `grove:"conditions"` // JSON text
	Actions         string    `grove:"actions"`    // JSON text
	Enabled         bool      `grove:"enabled,notnull"`
	CooldownSeconds int       `grove:"cooldown_seconds,notnull"`
	Severity        string    `grove:"severity"`
	CreatedAt       time.Time `grove:"created_at,notnull"`
	UpdatedAt       time.Time `grove:"updated_at,notnull"`
}

func ruleToModel(r *alert.Rule) (*alertRuleModel, error) {
	conds, err := json.Marshal(r.Conditions)
	if err != nil {
		return nil, fmt.Errorf("marshal rule conditions: %w", err)
	}
	actions, err := json.Marshal(r.Actions)
	if err != nil {
		return nil, fmt.Errorf("marshal rule actions: %w", err)
	}
	return &alertRuleModel{
		ID:              r.ID.String(),
		Name:            r.Name,
		Description:     r.Description,
		EventType:       string(r.EventType),
		Conditions:      string(conds),
		Actions:         string(actions),
		Enabled:         r.Enabled,
		CooldownSeconds: r.CooldownSeconds,
		Severity:        string(r.Severity),
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}, nil
}

func ruleFromModel(m *alertRuleModel) (*alert.Rule, error) {
	rid, _ := id.ParseAlertRuleID(m.ID) //nolint:errcheck // stored IDs are always valid
	r := &alert.Rule{
		ID:              rid,
		Name:            m.Name,
		Description:     m.Description,
		EventType:       secevent.Type(m.EventType),
		Enabled:         m.Enabled,
		CooldownSeconds: m.CooldownSeconds,
		Severity:        secevent.Severity(m.Severity),
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
	if m.Conditions != "" {
		if err := json.Unmarshal([]byte(m.Conditions), &r.Conditions); err != nil {
			return nil, fmt.Errorf("unmarshal rule conditions: %w", err)
		}
	}
	if m.Actions != "" {
		if err := json.Unmarshal([]byte(m.Actions), &r.Actions); err != nil {
			return nil, fmt.Errorf("unmarshal rule actions: %w", err)
		}
	}
	return r, nil
}

// ──────────────────────────────────────────────────
// Alert instance model
// ──────────────────────────────────────────────────

type alertModel struct {
	grove.BaseModel `grove:"table:bastion_alerts"`
	ID              string     `grove:"id,pk"`
	RuleID          string     `grove:"rule_id,notnull"`
	RuleName        string     `grove:"rule_name,notnull"`
	EventID         string     `grove:"event_id"`
	EventType       string     `grove:"event_type,notnull"`
	Severity        string     `grove:"severity,notnull"`
	Message         string     `grove:"message"`
	Details         string     `grove:"details"` // JSON text
	SubjectID       string     `grove:"subject_id"`
	SourceAddress   string     `grove:"source_address"`
	TriggeredAt     time.Time  `grove:"triggered_at,notnull"`
	Acknowledged    bool       `grove:"acknowledged,notnull"`
	AcknowledgedBy  string     `grove:"acknowledged_by"`
	AcknowledgedAt  *time.Time `grove:"acknowledged_at"`
	Resolved        bool       `grove:"resolved,notnull"`
	ResolvedAt      *time.Time `grove:"resolved_at"`
}

func alertToModel(a *alert.Instance) (*alertModel, error) {
	details, err := json.Marshal(a.Details)
	if err != nil {
		return nil, fmt.Errorf("marshal alert details: %w", err)
	}
	m := &alertModel{
		ID:             a.ID.String(),
		RuleID:         a.RuleID.String(),
		RuleName:       a.RuleName,
		EventType:      string(a.EventType),
		Severity:       string(a.Severity),
		Message:        a.Message,
		Details:        string(details),
		SubjectID:      a.SubjectID,
		SourceAddress:  a.SourceAddress,
		TriggeredAt:    a.TriggeredAt,
		Acknowledged:   a.Acknowledged,
		AcknowledgedBy: a.AcknowledgedBy,
		AcknowledgedAt: a.AcknowledgedAt,
		Resolved:       a.Resolved,
		ResolvedAt:     a.ResolvedAt,
	}
	if !a.EventID.IsNil() {
		m.EventID = a.EventID.String()
	}
	return m, nil
}

func alertFromModel(m *alertModel) (*alert.Instance, error) {
	aid, _ := id.ParseAlertID(m.ID)         //nolint:errcheck // stored IDs are always valid
	rid, _ := id.ParseAlertRuleID(m.RuleID) //nolint:errcheck // stored IDs are always valid
	a := &alert.Instance{
		ID:             aid,
		RuleID:         rid,
		RuleName:       m.RuleName,
		EventType:      secevent.Type(m.EventType),
		Severity:       secevent.Severity(m.Severity),
		Message:        m.Message,
		SubjectID:      m.SubjectID,
		SourceAddress:  m.SourceAddress,
		TriggeredAt:    m.TriggeredAt,
		Acknowledged:   m.Acknowledged,
		AcknowledgedBy: m.AcknowledgedBy,
		AcknowledgedAt: m.AcknowledgedAt,
		Resolved:       m.Resolved,
		ResolvedAt:     m.ResolvedAt,
	}
	if m.Details != "" && m.Details != "null" {
		if err := json.Unmarshal([]byte(m.Details), &a.Details); err != nil {
			return nil, fmt.Errorf("unmarshal alert details: %w", err)
		}
	}
	if m.EventID != "" {
		if eid, err := id.ParseSecurityEventID(m.EventID); err == nil {
			a.EventID = eid
		}
	}
	return a, nil
}

// ──────────────────────────────────────────────────
// Role change model
// ──────────────────────────────────────────────────

type roleChangeModel struct {
	grove.BaseModel `grove:"table:bastion_role_changes"`
	ID              string    `grove:"id,pk"`
	SubjectID       string    `grove:"subject_id,notnull"`
	OldRole         string    `grove:"old_role"`
	NewRole         string    `grove:"new_role,notnull"`
	CreatedAt       time.Time `grove:"created_at,notnull"`
}

func roleChangeToModel(e *rolechange.Entry) *roleChangeModel {
	return &roleChangeModel{
		ID:        e.ID.String(),
		SubjectID: e.SubjectID,
		OldRole:   e.OldRole,
		NewRole:   e.NewRole,
		CreatedAt: e.CreatedAt,
	}
}

func roleChangeFromModel(m *roleChangeModel) *rolechange.Entry {
	rid, _ := id.ParseRoleChangeID(m.ID) //nolint:errcheck // stored IDs are always valid
	return &rolechange.Entry{
		ID:        rid,
		SubjectID: m.SubjectID,
		OldRole:   m.OldRole,
		NewRole:   m.NewRole,
		CreatedAt: m.CreatedAt,
	}
}
