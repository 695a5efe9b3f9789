package alerting

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/xraph/bastion/alert"
	"github.com/xraph/bastion/secevent"
)

// DefaultRules returns the rules installed when none are configured.
func DefaultRules() []*alert.Rule {
	return []*alert.Rule{
		{
			Name:        "brute-force-attack",
			Description: "Repeated failed authentication for one subject",
			EventType:   secevent.TypeBruteForceAttack,
			Actions: []alert.Action{
				{Type: alert.ActionLog, Priority: 1},
				{Type: alert.ActionNotify, Priority: 2},
				{Type: alert.ActionBlockSource, Priority: 3},
			},
			Enabled:         true,
			CooldownSeconds: 30 * 60,
			Severity:        secevent.SeverityHigh,
		},
		{
			Name:        "unauthorized-access",
			Description: "Repeated denied access for one subject",
			EventType:   secevent.TypeUnauthorizedAccess,
			Conditions: []alert.Condition{
				{Type: alert.ConditionCount, Operator: alert.OpGreaterOrEqual, Value: "5", WindowSeconds: 10 * 60},
			},
			Actions: []alert.Action{
				{Type: alert.ActionLog, Priority: 1},
				{Type: alert.ActionNotify, Priority: 2},
			},
			Enabled:         true,
			CooldownSeconds: 15 * 60,
			Severity:        secevent.SeverityHigh,
		},
		{
			Name:        "privilege-escalation",
			Description: "Attempted privilege escalation",
			EventType:   secevent.TypePrivilegeEscalation,
			Actions: []alert.Action{
				{Type: alert.ActionLog, Priority: 1},
				{Type: alert.ActionLockAccount, Priority: 2},
				{Type: alert.ActionNotify, Priority: 3},
			},
			Enabled:         true,
			CooldownSeconds: 60 * 60,
			Severity:        secevent.SeverityCritical,
		},
		{
			Name:        "role-escalation",
			Description: "Subject moved to a more privileged role",
			EventType:   secevent.TypeRoleEscalation,
			Actions: []alert.Action{
				{Type: alert.ActionLog, Priority: 1},
				{Type: alert.ActionNotify, Priority: 2},
			},
			Enabled:         true,
			CooldownSeconds: 15 * 60,
			Severity:        secevent.SeverityCritical,
		},
		{
			Name:        "data-breach-attempt",
			Description: "Possible data exfiltration",
			EventType:   secevent.TypeDataBreachAttempt,
			Actions: []alert.Action{
				{Type: alert.ActionBlockPrincipal, Priority: 1},
				{Type: alert.ActionLog, Priority: 2},
				{Type: alert.ActionNotify, Priority: 3},
			},
			Enabled:         true,
			CooldownSeconds: 60 * 60,
			Severity:        secevent.SeverityCritical,
		},
		{
			Name:        "coordinated-attack",
			Description: "Same event type from many sources",
			EventType:   secevent.TypeCoordinatedAttack,
			Actions: []alert.Action{
				{Type: alert.ActionLog, Priority: 1},
				{Type: alert.ActionNotify, Priority: 2},
			},
			Enabled:         true,
			CooldownSeconds: 30 * 60,
			Severity:        secevent.SeverityCritical,
		},
		{
			Name:        "rapid-requests",
			Description: "High request rate from one source",
			EventType:   secevent.TypeRapidRequests,
			Conditions: []alert.Condition{
				{Type: alert.ConditionThreshold, Field: "details.count", Operator: alert.OpGreaterOrEqual, Value: "50"},
			},
			Actions: []alert.Action{
				{Type: alert.ActionLog, Priority: 1},
				{Type: alert.ActionBlockSource, Priority: 2},
			},
			Enabled:         true,
			CooldownSeconds: 10 * 60,
			Severity:        secevent.SeverityMedium,
		},
	}
}

type ruleFile struct {
	Rules []*alert.Rule `yaml:"rules"`
}

// LoadRulesYAML decodes and validates rules from r. The document holds a
// top-level "rules" list.
func LoadRulesYAML(r io.Reader) ([]*alert.Rule, error) {
	var f ruleFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("bastion: decode alert rules: %w", err)
	}
	names := make(map[string]bool, len(f.Rules))
	for i, rule := range f.Rules {
		if rule == nil {
			return nil, fmt.Errorf("bastion: alert rule %d is empty: %w", i, ErrInvalidRule)
		}
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("alert rule %d: %w", i, err)
		}
		if names[rule.Name] {
			return nil, fmt.Errorf("bastion: duplicate alert rule %q: %w", rule.Name, ErrInvalidRule)
		}
		names[rule.Name] = true
	}
	return f.Rules, nil
}

// LoadRulesFile reads rules from a YAML file.
func LoadRulesFile(path string) ([]*alert.Rule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("bastion: open alert rules: %w", err)
	}
	defer f.Close()
	return LoadRulesYAML(f)
}
