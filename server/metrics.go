package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "mcwhitelist"

type Metrics struct {
	registry *prometheus.Registry

	whitelistDirectives *prometheus.CounterVec
	whitelistLatency    *prometheus.HistogramVec
	linkOutcomes        *prometheus.CounterVec
	unlinkOutcomes      *prometheus.CounterVec
	roleChanges         *prometheus.CounterVec
	resyncRuns          *prometheus.CounterVec
	resyncUsers         *prometheus.CounterVec
	persistFailures     prometheus.Counter
	registrySize        prometheus.Gauge
}

// NewMetrics creates a private registry so tests can build as many instances as they like.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		whitelistDirectives: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "whitelist_directives_total",
			Help:      "Whitelist mutations attempted against the game server.",
		}, []string{"action", "result"}),
		whitelistLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "whitelist_directive_seconds",
			Help:      "Round-trip time of a whitelist mutation including connection setup and teardown.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		linkOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "link_requests_total",
			Help:      "Link requests by outcome.",
		}, []string{"outcome"}),
		unlinkOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "unlink_requests_total",
			Help:      "Unlink requests by outcome.",
		}, []string{"outcome"}),
		roleChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "role_changes_total",
			Help:      "Role change notifications by resulting action.",
		}, []string{"action"}),
		resyncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "resync_runs_total",
			Help:      "Resync runs by result.",
		}, []string{"result"}),
		resyncUsers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "resync_users_total",
			Help:      "Per-user resync results.",
		}, []string{"result"}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "registry_save_failures_total",
			Help:      "Failed attempts to persist the link registry.",
		}),
		registrySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "registry_links",
			Help:      "Number of linked accounts.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.whitelistDirectives,
		m.whitelistLatency,
		m.linkOutcomes,
		m.unlinkOutcomes,
		m.roleChanges,
		m.resyncRuns,
		m.resyncUsers,
		m.persistFailures,
		m.registrySize,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveWhitelist(result WhitelistResult) {
	outcome := "ok"
	if !result.OK {
		outcome = "failed"
	}
	m.whitelistDirectives.WithLabelValues(string(result.Action), outcome).Inc()
	m.whitelistLatency.WithLabelValues(string(result.Action)).Observe(result.Duration.Seconds())
}

func (m *Metrics) CountLink(status LinkStatus) {
	m.linkOutcomes.WithLabelValues(status.String()).Inc()
}

func (m *Metrics) CountUnlink(removed bool) {
	outcome := "not_linked"
	if removed {
		outcome = "unlinked"
	}
	m.unlinkOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CountRoleChange(action string) {
	m.roleChanges.WithLabelValues(action).Inc()
}

func (m *Metrics) CountResync(outcome ResyncOutcome) {
	switch {
	case outcome.Forbidden:
		m.resyncRuns.WithLabelValues("forbidden").Inc()
		return
	case outcome.Canceled:
		m.resyncRuns.WithLabelValues("canceled").Inc()
	default:
		m.resyncRuns.WithLabelValues("completed").Inc()
	}
	m.resyncUsers.WithLabelValues("added").Add(float64(outcome.Added))
	m.resyncUsers.WithLabelValues("removed").Add(float64(outcome.Removed))
	m.resyncUsers.WithLabelValues("failed").Add(float64(outcome.Failed))
}

func (m *Metrics) CountPersistFailure() {
	m.persistFailures.Inc()
}

func (m *Metrics) SetRegistrySize(n int) {
	m.registrySize.Set(float64(n))
}
