package api

import "github.com/xraph/bastion/alert"

// ──────────────────────────────────────────────────
// Check requests
// ──────────────────────────────────────────────────

// CheckRequest is the request body for an authorization check.
type CheckRequest struct {
	SubjectID string `json:"subject_id" description:"Subject identifier"`
	Role      string `json:"role" description:"Subject role (ADMIN, EDITOR, VIEWER)"`
	Active    *bool  `json:"active,omitempty" description:"Whether the subject is active (default: true)"`
	Resource  string `json:"resource" description:"Resource name"`
	Action    string `json:"action" description:"Action name"`
	Scope     string `json:"scope,omitempty" description:"Optional scope"`
}

// BatchCheckRequest contains multiple checks.
type BatchCheckRequest struct {
	Checks []CheckRequest `json:"checks" description:"List of authorization checks"`
}

// ──────────────────────────────────────────────────
// Invalidation requests
// ──────────────────────────────────────────────────

// RoleChangeRequest announces a subject's role change.
type RoleChangeRequest struct {
	SubjectID string `json:"subject_id" description:"Subject identifier"`
	OldRole   string `json:"old_role" description:"Previous role"`
	NewRole   string `json:"new_role" description:"New role"`
}

// PermissionUpdateRequest announces a permission change on a resource.
type PermissionUpdateRequest struct {
	Resource string `json:"resource,omitempty" description:"Resource whose permissions changed; empty clears the whole cache"`
}

// DeactivationRequest announces a subject's deactivation.
type DeactivationRequest struct {
	SubjectID string `json:"subject_id" description:"Subject identifier"`
}

// ListRoleChangesRequest holds query parameters for listing role changes.
type ListRoleChangesRequest struct {
	SubjectID string `query:"subject_id" description:"Filter by subject"`
	Limit     int    `query:"limit" description:"Maximum results (default: 50)"`
	Offset    int    `query:"offset" description:"Results to skip"`
}

// ──────────────────────────────────────────────────
// Security event requests
// ──────────────────────────────────────────────────

// RecordEventRequest is the body for recording a security event.
type RecordEventRequest struct {
	Type          string         `json:"type" description:"Event type"`
	Severity      string         `json:"severity,omitempty" description:"Severity (defaults by type)"`
	SubjectID     string         `json:"subject_id,omitempty" description:"Subject identifier"`
	SourceAddress string         `json:"source_address,omitempty" description:"Source network address (defaults to the caller)"`
	Resource      string         `json:"resource,omitempty" description:"Resource"`
	Action        string         `json:"action,omitempty" description:"Action"`
	Reason        string         `json:"reason,omitempty" description:"Free-form reason"`
	UserAgent     string         `json:"user_agent,omitempty" description:"Client user agent"`
	Extra         map[string]any `json:"extra,omitempty" description:"Integration-specific fields"`
}

// GetEventRequest is the path parameter for getting an event.
type GetEventRequest struct {
	EventID string `path:"eventId" description:"Security event ID"`
}

// ResolveEventRequest is the body for resolving an event.
type ResolveEventRequest struct {
	ResolvedBy string `json:"resolved_by" description:"Who resolved the event"`
}

// ListEventsRequest holds query parameters for listing events.
type ListEventsRequest struct {
	Type          string `query:"type" description:"Filter by event type"`
	SubjectID     string `query:"subject_id" description:"Filter by subject"`
	SourceAddress string `query:"source_address" description:"Filter by source address"`
	Severity      string `query:"severity" description:"Filter by severity"`
	Derived       string `query:"derived" description:"Filter by derived flag (true/false)"`
	Resolved      string `query:"resolved" description:"Filter by resolved flag (true/false)"`
	Since         string `query:"since" description:"Events at or after (RFC3339)"`
	Until         string `query:"until" description:"Events before (RFC3339)"`
	Limit         int    `query:"limit" description:"Maximum results (default: 50)"`
	Offset        int    `query:"offset" description:"Results to skip"`
}

// ──────────────────────────────────────────────────
// Alert requests
// ──────────────────────────────────────────────────

// GetAlertRequest is the path parameter for getting an alert.
type GetAlertRequest struct {
	AlertID string `path:"alertId" description:"Alert ID"`
}

// AcknowledgeAlertRequest is the body for acknowledging an alert.
type AcknowledgeAlertRequest struct {
	AcknowledgedBy string `json:"acknowledged_by" description:"Who acknowledged the alert"`
}

// ListAlertsRequest holds query parameters for listing alerts.
type ListAlertsRequest struct {
	RuleID       string `query:"rule_id" description:"Filter by rule"`
	Severity     string `query:"severity" description:"Filter by severity"`
	Acknowledged string `query:"acknowledged" description:"Filter by acknowledged flag (true/false)"`
	Resolved     string `query:"resolved" description:"Filter by resolved flag (true/false)"`
	Limit        int    `query:"limit" description:"Maximum results (default: 50)"`
	Offset       int    `query:"offset" description:"Results to skip"`
}

// ──────────────────────────────────────────────────
// Alert rule requests
// ──────────────────────────────────────────────────

// AlertRuleRequest is the body for creating or replacing an alert rule.
type AlertRuleRequest struct {
	Name            string            `json:"name" description:"Unique rule name"`
	Description     string            `json:"description,omitempty" description:"Human-readable description"`
	EventType       string            `json:"event_type" description:"Event type the rule evaluates"`
	Conditions      []alert.Condition `json:"conditions,omitempty" description:"Conditions, all of which must hold"`
	Actions         []alert.Action    `json:"actions" description:"Actions run in ascending priority"`
	Enabled         *bool             `json:"enabled,omitempty" description:"Whether the rule is active (default: true)"`
	CooldownSeconds int               `json:"cooldown_seconds" description:"Minimum seconds between alerts per target"`
	Severity        string            `json:"severity,omitempty" description:"Display severity"`
}

// GetAlertRuleRequest is the path parameter for an alert rule.
type GetAlertRuleRequest struct {
	RuleID string `path:"ruleId" description:"Alert rule ID"`
}
