package alerting

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xraph/bastion/alert"
	"github.com/xraph/bastion/secevent"
)

var patternCache sync.Map // string -> *regexp.Regexp

func compiled(expr string) (*regexp.Regexp, error) {
	if re, ok := patternCache.Load(expr); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	patternCache.Store(expr, re)
	return re, nil
}

// conditionsHold reports whether every condition of r holds for ev.
func (m *Manager) conditionsHold(ctx context.Context, r *alert.Rule, ev *secevent.Event) (bool, error) {
	for _, c := range r.Conditions {
		ok, err := m.evaluate(ctx, r, c, ev)
		if err != nil {
			return false, fmt.Errorf("condition %s: %w", c.Type, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (m *Manager) evaluate(ctx context.Context, r *alert.Rule, c alert.Condition, ev *secevent.Event) (bool, error) {
	switch c.Type {
	case alert.ConditionCount:
		n, err := m.countRecent(ctx, r, ev, c.Window())
		if err != nil {
			return false, err
		}
		return compareNumber(float64(n), c)
	case alert.ConditionRate:
		n, err := m.countRecent(ctx, r, ev, c.Window())
		if err != nil {
			return false, err
		}
		perMinute := float64(n) / c.Window().Minutes()
		return compareNumber(perMinute, c)
	case alert.ConditionThreshold:
		v, ok := ev.Field(c.Field)
		if !ok {
			return false, nil
		}
		f, ok := toFloat(v)
		if !ok {
			return false, nil
		}
		return compareNumber(f, c)
	case alert.ConditionPattern:
		v, ok := ev.Field(c.Field)
		if !ok {
			return c.Operator == alert.OpNotEqual, nil
		}
		return matchPattern(fmt.Sprint(v), c)
	default:
		return false, fmt.Errorf("unknown condition type %q", c.Type)
	}
}

// countRecent counts events of the rule's type for the same subject, or
// source when there is no subject, within window.
func (m *Manager) countRecent(ctx context.Context, r *alert.Rule, ev *secevent.Event, window time.Duration) (int64, error) {
	if m.events == nil {
		return 0, fmt.Errorf("no event store configured")
	}
	since := m.now().UTC().Add(-window)
	f := &secevent.QueryFilter{Type: r.EventType, Since: &since}
	switch {
	case ev.SubjectID != "":
		f.SubjectID = ev.SubjectID
	case ev.SourceAddress != "":
		f.SourceAddress = ev.SourceAddress
	}
	return m.events.CountEvents(ctx, f)
}

func compareNumber(observed float64, c alert.Condition) (bool, error) {
	want, err := c.Number()
	if err != nil {
		return false, err
	}
	switch c.Operator {
	case alert.OpGreaterThan:
		return observed > want, nil
	case alert.OpGreaterOrEqual:
		return observed >= want, nil
	case alert.OpLessThan:
		return observed < want, nil
	case alert.OpLessOrEqual:
		return observed <= want, nil
	case alert.OpEqual:
		return observed == want, nil
	case alert.OpNotEqual:
		return observed != want, nil
	default:
		return false, fmt.Errorf("operator %q is not numeric", c.Operator)
	}
}

func matchPattern(observed string, c alert.Condition) (bool, error) {
	switch c.Operator {
	case alert.OpEqual:
		return observed == c.Value, nil
	case alert.OpNotEqual:
		return observed != c.Value, nil
	case alert.OpContains:
		return strings.Contains(observed, c.Value), nil
	case alert.OpMatches:
		re, err := compiled(c.Value)
		if err != nil {
			return false, err
		}
		return re.MatchString(observed), nil
	default:
		return false, fmt.Errorf("operator %q is not valid for patterns", c.Operator)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
