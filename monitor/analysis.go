package monitor

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/xraph/bastion/secevent"
)

// Thresholds configures threat derivation. A check fires when the observed
// value reaches its threshold within its window.
type Thresholds struct {
	FailedAuth              int
	FailedAuthWindow        time.Duration
	SourcesPerSubject       int
	SourcesPerSubjectWindow time.Duration
	SubjectsPerSource       int
	SubjectsPerSourceWindow time.Duration
	EventsPerSource         int
	EventsPerSourceWindow   time.Duration
	SourcesPerType          int
	SourcesPerTypeWindow    time.Duration
	ScanLimit               int
}

// DefaultThresholds returns the standard detection thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		FailedAuth:              5,
		FailedAuthWindow:        time.Hour,
		SourcesPerSubject:       3,
		SourcesPerSubjectWindow: time.Hour,
		SubjectsPerSource:       5,
		SubjectsPerSourceWindow: time.Hour,
		EventsPerSource:         50,
		EventsPerSourceWindow:   5 * time.Minute,
		SourcesPerType:          5,
		SourcesPerTypeWindow:    5 * time.Minute,
		ScanLimit:               1000,
	}
}

var notDerived = func() *bool { b := false; return &b }()

func (m *Monitor) analyze(ctx context.Context, ev *secevent.Event) {
	th := m.thresholds
	now := ev.Timestamp

	if ev.Type == secevent.TypeFailedAuthentication && ev.SubjectID != "" {
		n, err := m.store.CountEvents(ctx, &secevent.QueryFilter{
			Type:      secevent.TypeFailedAuthentication,
			SubjectID: ev.SubjectID,
			Derived:   notDerived,
			Since:     since(now, th.FailedAuthWindow),
		})
		if m.check(err, "failed_auth") && int(n) >= th.FailedAuth {
			m.derive(ctx, ev, secevent.TypeBruteForceAttack, secevent.SeverityHigh, secevent.Details{
				Reason:        "repeated failed authentication",
				Attempts:      int(n),
				Threshold:     th.FailedAuth,
				WindowSeconds: int(th.FailedAuthWindow / time.Second),
			})
		}
	}

	if ev.SubjectID != "" && ev.SourceAddress != "" {
		events, err := m.store.ListEvents(ctx, &secevent.QueryFilter{
			SubjectID: ev.SubjectID,
			Derived:   notDerived,
			Since:     since(now, th.SourcesPerSubjectWindow),
			Limit:     th.ScanLimit,
		})
		if m.check(err, "multi_source") {
			sources := distinct(events, func(e *secevent.Event) string { return e.SourceAddress })
			if len(sources) >= th.SourcesPerSubject {
				m.derive(ctx, ev, secevent.TypeMultiSourceAccess, secevent.SeverityMedium, secevent.Details{
					Reason:        "subject active from multiple sources",
					Count:         len(sources),
					Threshold:     th.SourcesPerSubject,
					WindowSeconds: int(th.SourcesPerSubjectWindow / time.Second),
					Sources:       sources,
				})
			}
		}
	}

	if ev.SourceAddress != "" {
		events, err := m.store.ListEvents(ctx, &secevent.QueryFilter{
			SourceAddress: ev.SourceAddress,
			Derived:       notDerived,
			Since:         since(now, th.SubjectsPerSourceWindow),
			Limit:         th.ScanLimit,
		})
		if m.check(err, "suspicious_source") {
			subjects := distinct(events, func(e *secevent.Event) string { return e.SubjectID })
			if len(subjects) >= th.SubjectsPerSource {
				m.derive(ctx, ev, secevent.TypeSuspiciousActivity, secevent.SeverityHigh, secevent.Details{
					Reason:        "source active for many subjects",
					Count:         len(subjects),
					Threshold:     th.SubjectsPerSource,
					WindowSeconds: int(th.SubjectsPerSourceWindow / time.Second),
					Subjects:      subjects,
				})
			}
		}

		n, err := m.store.CountEvents(ctx, &secevent.QueryFilter{
			SourceAddress: ev.SourceAddress,
			Derived:       notDerived,
			Since:         since(now, th.EventsPerSourceWindow),
		})
		if m.check(err, "rapid_requests") && int(n) >= th.EventsPerSource {
			m.derive(ctx, ev, secevent.TypeRapidRequests, secevent.SeverityMedium, secevent.Details{
				Reason:        "high event rate from source",
				Count:         int(n),
				Threshold:     th.EventsPerSource,
				WindowSeconds: int(th.EventsPerSourceWindow / time.Second),
			})
		}
	}

	events, err := m.store.ListEvents(ctx, &secevent.QueryFilter{
		Type:    ev.Type,
		Derived: notDerived,
		Since:   since(now, th.SourcesPerTypeWindow),
		Limit:   th.ScanLimit,
	})
	if m.check(err, "coordinated") {
		sources := distinct(events, func(e *secevent.Event) string { return e.SourceAddress })
		if len(sources) >= th.SourcesPerType {
			m.derive(ctx, ev, secevent.TypeCoordinatedAttack, secevent.SeverityCritical, secevent.Details{
				Reason:        "same event type from many sources",
				Count:         len(sources),
				Threshold:     th.SourcesPerType,
				WindowSeconds: int(th.SourcesPerTypeWindow / time.Second),
				Sources:       sources,
				Extra:         map[string]any{"event_type": string(ev.Type)},
			})
		}
	}
}

// derive records a synthesized event. Derived events are never analyzed.
func (m *Monitor) derive(ctx context.Context, trigger *secevent.Event, t secevent.Type, sev secevent.Severity, d secevent.Details) {
	d.TriggerEventID = trigger.ID.String()
	derived := &secevent.Event{
		Type:          t,
		Severity:      sev,
		SubjectID:     trigger.SubjectID,
		SourceAddress: trigger.SourceAddress,
		Resource:      trigger.Resource,
		Action:        trigger.Action,
		Details:       d,
		Derived:       true,
	}
	if _, err := m.Record(ctx, derived); err != nil {
		m.logger.Warn("derived security event not recorded",
			slog.String("type", string(t)),
			slog.String("trigger_event_id", d.TriggerEventID),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Monitor) check(err error, analysis string) bool {
	if err != nil {
		m.logger.Warn("security analysis failed",
			slog.String("analysis", analysis),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

func since(now time.Time, window time.Duration) *time.Time {
	t := now.Add(-window)
	return &t
}

// distinct returns the sorted non-empty values of key over events.
func distinct(events []*secevent.Event, key func(*secevent.Event) string) []string {
	seen := make(map[string]struct{}, len(events))
	for _, e := range events {
		if v := key(e); v != "" {
			seen[v] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
