// Package secevent defines the security event entity recorded by the monitor.
package secevent

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xraph/bastion/id"
)

var (
	// ErrNotFound is returned when a security event cannot be found.
	ErrNotFound = errors.New("bastion: security event not found")

	// ErrUnknownType is returned for an event type outside the known set.
	ErrUnknownType = errors.New("bastion: unknown security event type")
)

// Type classifies a security event.
type Type string

const (
	TypeUnauthorizedAccess   Type = "UNAUTHORIZED_ACCESS"
	TypeFailedAuthentication Type = "FAILED_AUTHENTICATION"
	TypeBruteForceAttack     Type = "BRUTE_FORCE_ATTACK"
	TypePrivilegeEscalation  Type = "PRIVILEGE_ESCALATION"
	TypeRoleEscalation       Type = "ROLE_ESCALATION"
	TypeSuspiciousActivity   Type = "SUSPICIOUS_ACTIVITY"
	TypeAnomalousBehavior    Type = "ANOMALOUS_BEHAVIOR"
	TypeMultiSourceAccess    Type = "MULTI_SOURCE_ACCESS"
	TypeRapidRequests        Type = "RAPID_REQUESTS"
	TypeCoordinatedAttack    Type = "COORDINATED_ATTACK"
	TypeDataBreachAttempt    Type = "DATA_BREACH_ATTEMPT"
	TypeAccountLocked        Type = "ACCOUNT_LOCKED"
)

var defaultSeverity = map[Type]Severity{
	TypeUnauthorizedAccess:   SeverityMedium,
	TypeFailedAuthentication: SeverityLow,
	TypeBruteForceAttack:     SeverityHigh,
	TypePrivilegeEscalation:  SeverityHigh,
	TypeRoleEscalation:       SeverityCritical,
	TypeSuspiciousActivity:   SeverityHigh,
	TypeAnomalousBehavior:    SeverityMedium,
	TypeMultiSourceAccess:    SeverityMedium,
	TypeRapidRequests:        SeverityMedium,
	TypeCoordinatedAttack:    SeverityCritical,
	TypeDataBreachAttempt:    SeverityCritical,
	TypeAccountLocked:        SeverityHigh,
}

// Valid reports whether t is one of the known event types.
func (t Type) Valid() bool {
	_, ok := defaultSeverity[t]
	return ok
}

// DefaultSeverity returns the severity assigned when the caller gives none.
func (t Type) DefaultSeverity() Severity {
	if s, ok := defaultSeverity[t]; ok {
		return s
	}
	return SeverityMedium
}

// ParseType parses an event type name, case-insensitively.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
	return t, nil
}

// Severity is the impact level of an event or alert.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities from LOW (1) to CRITICAL (4); unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool { return s.Rank() > 0 }

// Details is the structured payload of an event. Analysis-produced events
// fill Count, Threshold, WindowSeconds and the related lists; Extra carries
// integration-specific fields.
type Details struct {
	Reason         string         `json:"reason,omitempty" bson:"reason,omitempty" yaml:"reason,omitempty"`
	Attempts       int            `json:"attempts,omitempty" bson:"attempts,omitempty" yaml:"attempts,omitempty"`
	Count          int            `json:"count,omitempty" bson:"count,omitempty" yaml:"count,omitempty"`
	Threshold      int            `json:"threshold,omitempty" bson:"threshold,omitempty" yaml:"threshold,omitempty"`
	WindowSeconds  int            `json:"window_seconds,omitempty" bson:"window_seconds,omitempty" yaml:"window_seconds,omitempty"`
	Sources        []string       `json:"sources,omitempty" bson:"sources,omitempty" yaml:"sources,omitempty"`
	Subjects       []string       `json:"subjects,omitempty" bson:"subjects,omitempty" yaml:"subjects,omitempty"`
	TriggerEventID string         `json:"trigger_event_id,omitempty" bson:"trigger_event_id,omitempty" yaml:"trigger_event_id,omitempty"`
	OldRole        string         `json:"old_role,omitempty" bson:"old_role,omitempty" yaml:"old_role,omitempty"`
	NewRole        string         `json:"new_role,omitempty" bson:"new_role,omitempty" yaml:"new_role,omitempty"`
	UserAgent      string         `json:"user_agent,omitempty" bson:"user_agent,omitempty" yaml:"user_agent,omitempty"`
	Extra          map[string]any `json:"extra,omitempty" bson:"extra,omitempty" yaml:"extra,omitempty"`
}

// Field looks up a detail by name. Typed fields use their json names;
// anything else is looked up in Extra.
func (d Details) Field(name string) (any, bool) {
	switch name {
	case "reason":
		return d.Reason, d.Reason != ""
	case "attempts":
		return d.Attempts, true
	case "count":
		return d.Count, true
	case "threshold":
		return d.Threshold, true
	case "window_seconds":
		return d.WindowSeconds, true
	case "sources":
		return strings.Join(d.Sources, ","), len(d.Sources) > 0
	case "subjects":
		return strings.Join(d.Subjects, ","), len(d.Subjects) > 0
	case "trigger_event_id":
		return d.TriggerEventID, d.TriggerEventID != ""
	case "old_role":
		return d.OldRole, d.OldRole != ""
	case "new_role":
		return d.NewRole, d.NewRole != ""
	case "user_agent":
		return d.UserAgent, d.UserAgent != ""
	}
	v, ok := d.Extra[name]
	return v, ok
}

// Event is a recorded security event. Events are append-only; the only
// mutation is the one-way transition to resolved.
type Event struct {
	ID            id.SecurityEventID `json:"id"`
	Type          Type               `json:"type"`
	Severity      Severity           `json:"severity"`
	SubjectID     string             `json:"subject_id,omitempty"`
	SourceAddress string             `json:"source_address,omitempty"`
	Resource      string             `json:"resource,omitempty"`
	Action        string             `json:"action,omitempty"`
	Details       Details            `json:"details"`
	Derived       bool               `json:"derived"`
	Resolved      bool               `json:"resolved"`
	ResolvedBy    string             `json:"resolved_by,omitempty"`
	ResolvedAt    *time.Time         `json:"resolved_at,omitempty"`
	Timestamp     time.Time          `json:"timestamp"`
}

// Field returns an event attribute by name for rule matching. Names prefixed
// with "details." are resolved against Details.
func (e *Event) Field(name string) (any, bool) {
	if rest, ok := strings.CutPrefix(name, "details."); ok {
		return e.Details.Field(rest)
	}
	switch name {
	case "type":
		return string(e.Type), true
	case "severity":
		return string(e.Severity), true
	case "subject_id":
		return e.SubjectID, e.SubjectID != ""
	case "source_address":
		return e.SourceAddress, e.SourceAddress != ""
	case "resource":
		return e.Resource, e.Resource != ""
	case "action":
		return e.Action, e.Action != ""
	case "derived":
		return strconv.FormatBool(e.Derived), true
	}
	return nil, false
}

// QueryFilter contains filters for querying security events. Since is
// inclusive and Until exclusive.
type QueryFilter struct {
	Type          Type       `json:"type,omitempty"`
	SubjectID     string     `json:"subject_id,omitempty"`
	SourceAddress string     `json:"source_address,omitempty"`
	Severity      Severity   `json:"severity,omitempty"`
	Derived       *bool      `json:"derived,omitempty"`
	Resolved      *bool      `json:"resolved,omitempty"`
	Since         *time.Time `json:"since,omitempty"`
	Until         *time.Time `json:"until,omitempty"`
	Limit         int        `json:"limit,omitempty"`
	Offset        int        `json:"offset,omitempty"`
}

// Matches reports whether e satisfies the filter, ignoring pagination.
// Memory-backed stores use it directly.
func (f *QueryFilter) Matches(e *Event) bool {
	if f == nil {
		return true
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.SubjectID != "" && e.SubjectID != f.SubjectID {
		return false
	}
	if f.SourceAddress != "" && e.SourceAddress != f.SourceAddress {
		return false
	}
	if f.Severity != "" && e.Severity != f.Severity {
		return false
	}
	if f.Derived != nil && e.Derived != *f.Derived {
		return false
	}
	if f.Resolved != nil && e.Resolved != *f.Resolved {
		return false
	}
	if f.Since != nil && e.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && !e.Timestamp.Before(*f.Until) {
		return false
	}
	return true
}
