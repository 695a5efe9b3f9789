// Package metrics exports engine activity as Prometheus metrics. The
// Collector is a plugin: register it on the engine with bastion.WithPlugin.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xraph/bastion"
	"github.com/xraph/bastion/alert"
	"github.com/xraph/bastion/id"
	"github.com/xraph/bastion/plugin"
	"github.com/xraph/bastion/secevent"
)

const namespace = "bastion"

// Compile-time hook checks.
var (
	_ plugin.Plugin                   = (*Collector)(nil)
	_ plugin.AfterCheck               = (*Collector)(nil)
	_ plugin.CacheInvalidated         = (*Collector)(nil)
	_ plugin.CacheStatsCaptured       = (*Collector)(nil)
	_ plugin.SecurityEventRecorded    = (*Collector)(nil)
	_ plugin.SecurityEventRateLimited = (*Collector)(nil)
	_ plugin.AlertTriggered           = (*Collector)(nil)
	_ plugin.AlertResolved            = (*Collector)(nil)
	_ plugin.ActionFailed             = (*Collector)(nil)
	_ plugin.Operation                = (*Collector)(nil)
)

// Collector records engine metrics.
type Collector struct {
	checks          *prometheus.CounterVec
	checkDuration   prometheus.Histogram
	invalidations   *prometheus.CounterVec
	invalidated     *prometheus.CounterVec
	cacheEntries    prometheus.Gauge
	cacheExpired    prometheus.Gauge
	events          *prometheus.CounterVec
	eventsLimited   *prometheus.CounterVec
	alerts          *prometheus.CounterVec
	alertsResolved  prometheus.Counter
	actionFailures  *prometheus.CounterVec
	operationTime   *prometheus.HistogramVec
	operationErrors *prometheus.CounterVec
}

// NewCollector creates a collector and registers its metrics with reg. A
// nil reg uses the default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_total",
			Help:      "Permission checks by outcome.",
		}, []string{"allowed", "reason", "cached"}),
		checkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "check_duration_seconds",
			Help:      "Permission check latency.",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
		}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_invalidations_total",
			Help:      "Cache invalidations by kind.",
		}, []string{"kind"}),
		invalidated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_invalidated_entries_total",
			Help:      "Decisions removed by invalidation.",
		}, []string{"kind"}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Decisions currently cached.",
		}),
		cacheExpired: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_expired_entries",
			Help:      "Cached decisions past expiry awaiting removal.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_events_total",
			Help:      "Recorded security events.",
		}, []string{"type", "severity", "derived"}),
		eventsLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_events_rate_limited_total",
			Help:      "Security events dropped by the rate limiter.",
		}, []string{"type"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Triggered alerts.",
		}, []string{"rule", "severity"}),
		alertsResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_resolved_total",
			Help:      "Resolved alerts.",
		}),
		actionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_action_failures_total",
			Help:      "Failed alert actions.",
		}, []string{"action"}),
		operationTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency of instrumented engine operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		operationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_errors_total",
			Help:      "Failed instrumented engine operations.",
		}, []string{"op"}),
	}
	reg.MustRegister(
		c.checks, c.checkDuration,
		c.invalidations, c.invalidated, c.cacheEntries, c.cacheExpired,
		c.events, c.eventsLimited,
		c.alerts, c.alertsResolved, c.actionFailures,
		c.operationTime, c.operationErrors,
	)
	return c
}

func (c *Collector) Name() string { return "prometheus" }

func (c *Collector) OnAfterCheck(_ context.Context, _, result any) error {
	r, ok := result.(*bastion.CheckResult)
	if !ok {
		return nil
	}
	c.checks.WithLabelValues(boolLabel(r.Allowed), string(r.Reason), boolLabel(r.Cached)).Inc()
	c.checkDuration.Observe(time.Duration(r.EvalTimeNs).Seconds())
	return nil
}

func (c *Collector) OnCacheInvalidated(_ context.Context, kind, _ string, removed int) error {
	c.invalidations.WithLabelValues(kind).Inc()
	if removed > 0 {
		c.invalidated.WithLabelValues(kind).Add(float64(removed))
	}
	return nil
}

func (c *Collector) OnCacheStatsCaptured(_ context.Context, total, expired int) error {
	c.cacheEntries.Set(float64(total))
	c.cacheExpired.Set(float64(expired))
	return nil
}

func (c *Collector) OnSecurityEventRecorded(_ context.Context, e *secevent.Event) error {
	c.events.WithLabelValues(string(e.Type), string(e.Severity), boolLabel(e.Derived)).Inc()
	return nil
}

func (c *Collector) OnSecurityEventRateLimited(_ context.Context, e *secevent.Event) error {
	c.eventsLimited.WithLabelValues(string(e.Type)).Inc()
	return nil
}

func (c *Collector) OnAlertTriggered(_ context.Context, a *alert.Instance) error {
	c.alerts.WithLabelValues(a.RuleName, string(a.Severity)).Inc()
	return nil
}

func (c *Collector) OnAlertResolved(context.Context, id.AlertID) error {
	c.alertsResolved.Inc()
	return nil
}

func (c *Collector) OnActionFailed(_ context.Context, _ *alert.Instance, action alert.ActionType, _ error) error {
	c.actionFailures.WithLabelValues(string(action)).Inc()
	return nil
}

func (c *Collector) OnOperation(_ context.Context, op string, d time.Duration, err error) error {
	c.operationTime.WithLabelValues(op).Observe(d.Seconds())
	if err != nil {
		c.operationErrors.WithLabelValues(op).Inc()
	}
	return nil
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
