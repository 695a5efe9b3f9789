package mongo

import (
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
	Key             string    `grove:"cache_key,pk"  bson:"_id"`
	SubjectID       string    `grove:"subject_id"    bson:"subject_id"`
	Resource        string    `grove:"resource"      bson:"resource"`
	Action          string    `grove:"action"        bson:"action"`
	Scope           string    `grove:"scope"         bson:"scope"`
	Allowed         bool      `grove:"allowed"       bson:"allowed"`
	ExpiresAt       time.Time `grove:"expires_at"    bson:"expires_at"`
	CreatedAt       time.Time `grove:"created_at"    bson:"created_at"`
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
	ID              string           `grove:"id,pk"           bson:"_id"`
	Type            string           `grove:"type"            bson:"type"`
	Severity        string           `grove:"severity"        bson:"severity"`
	SubjectID       string           `grove:"subject_id"      bson:"subject_id"`
	SourceAddress   string           `grove:"source_address"  bson:"source_address"`
	Resource        string           `grove:"resource"        bson:"resource"`
	Action          string           `grove:"action"          bson:"action"`
	Details         secevent.Details `grove:"details"         bson:"details"`
	Derived         bool             `grove:"derived"         bson:"derived"`
	Resolved        bool             `grove:"resolved"        bson:"resolved"`
	ResolvedBy      string           `grove:"resolved_by"     bson:"resolved_by"`
	ResolvedAt      *time.Time       `grove:"resolved_at"     bson:"resolved_at,omitempty"`
	Timestamp       time.Time        `grove:"occurred_at"     bson:"occurred_at"`
}

func eventToModel(e *secevent.Event) *securityEventModel {
	return &securityEventModel{
		ID:            e.ID.String(),
		Type:          string(e.Type),
		Severity:      string(e.Severity),
		SubjectID:     e.SubjectID,
		SourceAddress: e.SourceAddress,
		Resource:      e.Resource,
		Action:        e.Action,
		Details:       e.Details,
		Derived:       e.Derived,
		Resolved:      e.Resolved,
		ResolvedBy:    e.ResolvedBy,
		ResolvedAt:    e.ResolvedAt,
		Timestamp:     e.Timestamp,
	}
}

func eventFromModel(m *securityEventModel) *secevent.Event {
	eid, _ := id.ParseSecurityEventID(m.ID) //nolint:errcheck // stored IDs are always valid
	return &secevent.Event{
		ID:            eid,
		Type:          secevent.Type(m.Type),
		Severity:      secevent.Severity(m.Severity),
		SubjectID:     m.SubjectID,
		SourceAddress: m.SourceAddress,
		Resource:      m.Resource,
		Action:        m.Action,
		Details:       m.Details,
		Derived:       m.Derived,
		Resolved:      m.Resolved,
		ResolvedBy:    m.ResolvedBy,
		ResolvedAt:    m.ResolvedAt,
		Timestamp:     m.Timestamp,
	}
}

// ──────────────────────────────────────────────────
// Alert rule model
// ──────────────────────────────────────────────────

type alertRuleModel struct {
	grove.BaseModel `grove:"table:bastion_alert_rules"`
	ID              string            `grove:"id,pk"             bson:"_id"`
	Name            string            `grove:"name"              bson:"name"`
	Description     string            `grove:"description"       bson:"description"`
	EventType       string            `grove:"event_type"        bson:"event_type"`
	Conditions      []alert.Condition `grove:"conditions"        bson:"conditions"`
	Actions         []alert.Action    `grove:"actions"           bson:"actions"`
	Enabled         bool              `grove:"enabled"           bson:"enabled"`
	CooldownSeconds int               `grove:"cooldown_seconds"  bson:"cooldown_seconds"`
	Severity        string            `grove:"severity"          bson:"severity"`
	CreatedAt       time.Time         `grove:"created_at"        bson:"created_at"`
	UpdatedAt       time.Time         `grove:"updated_at"        bson:"updated_at"`
}

func ruleToModel(r *alert.Rule) *alertRuleModel {
	return &alertRuleModel{
		ID:              r.ID.String(),
		Name:            r.Name,
		Description:     r.Description,
		EventType:       string(r.EventType),
		Conditions:      r.Conditions,
		Actions:         r.Actions,
		Enabled:         r.Enabled,
		CooldownSeconds: r.CooldownSeconds,
		Severity:        string(r.Severity),
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func ruleFromModel(m *alertRuleModel) *alert.Rule {
	rid, _ := id.ParseAlertRuleID(m.ID) //nolint:errcheck // stored IDs are always valid
	return &alert.Rule{
		ID:              rid,
		Name:            m.Name,
		Description:     m.Description,
		EventType:       secevent.Type(m.EventType),
		Conditions:      m.Conditions,
		Actions:         m.Actions,
		Enabled:         m.Enabled,
		CooldownSeconds: m.CooldownSeconds,
		Severity:        secevent.Severity(m.Severity),
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

// ──────────────────────────────────────────────────
// Alert instance model
// ──────────────────────────────────────────────────

type alertModel struct {
	grove.BaseModel `grove:"table:bastion_alerts"`
	ID              string            `grove:"id,pk"            bson:"_id"`
	RuleID          string            `grove:"rule_id"          bson:"rule_id"`
	RuleName        string            `grove:"rule_name"        bson:"rule_name"`
	EventID         string            `grove:"event_id"         bson:"event_id,omitempty"`
	EventType       string            `grove:"event_type"       bson:"event_type"`
	Severity        string            `grove:"severity"         bson:"severity"`
	Message         string            `grove:"message"          bson:"message"`
	Details         map[string]string `grove:"details"          bson:"details,omitempty"`
	SubjectID       string            `grove:"subject_id"       bson:"subject_id"`
	SourceAddress   string            `grove:"source_address"   bson:"source_address"`
	TriggeredAt     time.Time         `grove:"triggered_at"     bson:"triggered_at"`
	Acknowledged    bool              `grove:"acknowledged"     bson:"acknowledged"`
	AcknowledgedBy  string            `grove:"acknowledged_by"  bson:"acknowledged_by"`
	AcknowledgedAt  *time.Time        `grove:"acknowledged_at"  bson:"acknowledged_at,omitempty"`
	Resolved        bool              `grove:"resolved"         bson:"resolved"`
	ResolvedAt      *time.Time        `grove:"resolved_at"      bson:"resolved_at,omitempty"`
}

func alertToModel(a *alert.Instance) *alertModel {
	m := &alertModel{
		ID:             a.ID.String(),
		RuleID:         a.RuleID.String(),
		RuleName:       a.RuleName,
		EventType:      string(a.EventType),
		Severity:       string(a.Severity),
		Message:        a.Message,
		Details:        a.Details,
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
	return m
}

func alertFromModel(m *alertModel) *alert.Instance {
	aid, _ := id.ParseAlertID(m.ID)         //nolint:errcheck // stored IDs are always valid
	rid, _ := id.ParseAlertRuleID(m.RuleID) //nolint:errcheck // stored IDs are always valid
	a := &alert.Instance{
		ID:             aid,
		RuleID:         rid,
		RuleName:       m.RuleName,
		EventType:      secevent.Type(m.EventType),
		Severity:       secevent.Severity(m.Severity),
		Message:        m.Message,
		Details:        m.Details,
		SubjectID:      m.SubjectID,
		SourceAddress:  m.SourceAddress,
		TriggeredAt:    m.TriggeredAt,
		Acknowledged:   m.Acknowledged,
		AcknowledgedBy: m.AcknowledgedBy,
		AcknowledgedAt: m.AcknowledgedAt,
		Resolved:       m.Resolved,
		ResolvedAt:     m.ResolvedAt,
	}
	if m.EventID != "" {
		if eid, err := id.ParseSecurityEventID(m.EventID); err == nil {
			a.EventID = eid
		}
	}
	return a
}

// ──────────────────────────────────────────────────
// Role change model
// ──────────────────────────────────────────────────

type roleChangeModel struct {
	grove.BaseModel `grove:"table:bastion_role_changes"`
	ID              string    `grove:"id,pk"       bson:"_id"`
	SubjectID       string    `grove:"subject_id"  bson:"subject_id"`
	OldRole         string    `grove:"old_role"    bson:"old_role"`
	NewRole         string    `grove:"new_role"    bson:"new_role"`
	CreatedAt       time.Time `grove:"created_at"  bson:"created_at"`
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
