// Package bastion provides role-based authorization with a consistent
// decision cache, cross-instance cache invalidation, and a coupled security
// event monitor and alert manager.
//
// The engine consumes an already-authenticated principal and answers
// permission checks from a fixed role→permission table. Decisions are cached
// per (subject, resource, action, scope) and dropped whenever the subject's
// role, the resource's permissions, or the subject's active flag change.
//
//	eng, err := bastion.NewEngine(
//	    bastion.WithStore(memory.New()),
//	)
//	ok := eng.HasPermission(ctx, bastion.Subject{ID: "u1", Role: bastion.RoleEditor, Active: true},
//	    "products", "update", bastion.NoScope)
package bastion

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Role is a principal's role.
type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleEditor Role = "EDITOR"
	RoleViewer Role = "VIEWER"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleEditor, RoleViewer:
		return true
	}
	return false
}

// ParseRole parses a role name case-insensitively.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
	return r, nil
}

// Subject is an authenticated principal.
type Subject struct {
	ID     string `json:"id"`
	Role   Role   `json:"role"`
	Active bool   `json:"active"`
}

// NoScope is the scope of requests that carry no scope.
const NoScope = ""

// Key identifies a cached decision.
type Key struct {
	SubjectID string `json:"subject_id"`
	Resource  string `json:"resource"`
	Action    string `json:"action"`
	Scope     string `json:"scope,omitempty"`
}

// String encodes k with length-prefixed fields, so keys that differ in any
// field never encode equal.
func (k Key) String() string {
	var b strings.Builder
	for i, f := range [4]string{k.SubjectID, k.Resource, k.Action, k.Scope} {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(strconv.Itoa(len(f)))
		b.WriteByte(':')
		b.WriteString(f)
	}
	return b.String()
}

// Decision is a cached authorization outcome.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether d must no longer be served at now.
func (d Decision) Expired(now time.Time) bool { return !now.Before(d.ExpiresAt) }

// CheckRequest is the input to a permission check.
type CheckRequest struct {
	Subject  Subject `json:"subject"`
	Resource string  `json:"resource"`
	Action   string  `json:"action"`
	Scope    string  `json:"scope,omitempty"`
}

// Key returns the cache key of the request.
func (r *CheckRequest) Key() Key {
	return Key{SubjectID: r.Subject.ID, Resource: r.Resource, Action: r.Action, Scope: r.Scope}
}

// Reason explains a check outcome.
type Reason string

const (
	ReasonAllow        Reason = "allow"
	ReasonInactive     Reason = "deny_inactive"
	ReasonUnknownRole  Reason = "deny_unknown_role"
	ReasonNoGrant      Reason = "deny_no_grant"
	ReasonBlocked      Reason = "deny_blocked"
	ReasonInvalidInput Reason = "deny_invalid_request"
)

// CheckResult is the outcome of a permission check.
type CheckResult struct {
	Allowed    bool   `json:"allowed"`
	Reason     Reason `json:"reason"`
	Cached     bool   `json:"cached"`
	EvalTimeNs int64  `json:"eval_time_ns"`
}
