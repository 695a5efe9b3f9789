package bastion

import (
	"fmt"
	"sort"
	"strings"
)

// Grant allows a set of actions on resources matching Resource. A grant with
// no scopes applies to every scope, NoScope included; otherwise the request
// scope must match one of Scopes and NoScope never matches.
type Grant struct {
	Resource string   `json:"resource" yaml:"resource"`
	Actions  []string `json:"actions" yaml:"actions"`
	Scopes   []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`
}

func (g Grant) allows(resource, action, scope string) bool {
	if !matchGlob(g.Resource, resource) || !matchAny(g.Actions, action) {
		return false
	}
	if len(g.Scopes) == 0 {
		return true
	}
	return scope != NoScope && matchAny(g.Scopes, scope)
}

// RuleTable maps roles to grants. It is immutable once built.
type RuleTable struct {
	grants map[Role][]Grant
}

// NewRuleTable validates rules and builds a table from a private copy.
func NewRuleTable(rules map[Role][]Grant) (*RuleTable, error) {
	t := &RuleTable{grants: make(map[Role][]Grant, len(rules))}
	for role, grants := range rules {
		if !role.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownRole, role)
		}
		cp := make([]Grant, 0, len(grants))
		for i, g := range grants {
			if strings.TrimSpace(g.Resource) == "" {
				return nil, fmt.Errorf("bastion: role %s grant %d: resource is required", role, i)
			}
			if len(g.Actions) == 0 {
				return nil, fmt.Errorf("bastion: role %s grant %d: at least one action is required", role, i)
			}
			for _, a := range g.Actions {
				if strings.TrimSpace(a) == "" {
					return nil, fmt.Errorf("bastion: role %s grant %d: empty action", role, i)
				}
			}
			cp = append(cp, Grant{
				Resource: g.Resource,
				Actions:  append([]string(nil), g.Actions...),
				Scopes:   append([]string(nil), g.Scopes...),
			})
		}
		t.grants[role] = cp
	}
	return t, nil
}

// DefaultRuleTable returns the built-in table: ADMIN may do anything, EDITOR
// manages the catalog and updates orders, VIEWER reads.
func DefaultRuleTable() *RuleTable {
	crud := []string{"create", "read", "update", "delete"}
	t, err := NewRuleTable(map[Role][]Grant{
		RoleAdmin: {
			{Resource: "*", Actions: []string{"*"}},
		},
		RoleEditor: {
			{Resource: "products", Actions: crud},
			{Resource: "categories", Actions: crud},
			{Resource: "orders", Actions: []string{"read", "update"}},
			{Resource: "analytics", Actions: []string{"read"}},
		},
		RoleViewer: {
			{Resource: "products", Actions: []string{"read"}},
			{Resource: "categories", Actions: []string{"read"}},
			{Resource: "orders", Actions: []string{"read"}},
		},
	})
	if err != nil {
		panic(err)
	}
	return t
}

// Resolve reports whether role may perform action on resource in scope.
// Unknown roles, resources and actions resolve to false.
func (t *RuleTable) Resolve(role Role, resource, action, scope string) bool {
	if resource == "" || action == "" {
		return false
	}
	for _, g := range t.grants[role] {
		if g.allows(resource, action, scope) {
			return true
		}
	}
	return false
}

// Grants returns a copy of the grants of role.
func (t *RuleTable) Grants(role Role) []Grant {
	src := t.grants[role]
	out := make([]Grant, len(src))
	for i, g := range src {
		out[i] = Grant{
			Resource: g.Resource,
			Actions:  append([]string(nil), g.Actions...),
			Scopes:   append([]string(nil), g.Scopes...),
		}
	}
	return out
}

// Roles returns the roles that have grants, sorted.
func (t *RuleTable) Roles() []Role {
	out := make([]Role, 0, len(t.grants))
	for r := range t.grants {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
