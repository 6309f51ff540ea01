// Package metrics groups the Prometheus instruments exported by taskd.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	registry *prometheus.Registry

	ProviderQueries  *prometheus.CounterVec
	ProviderErrors   *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	IndexBuilds      prometheus.Counter
	IndexBuildTime   prometheus.Histogram
	IndexTasks       prometheus.Gauge
	Runs             *prometheus.CounterVec
	PolicyDecisions  *prometheus.CounterVec
	ActiveRuns       prometheus.Gauge
	RunDuration      prometheus.Histogram
	Reconnects       *prometheus.CounterVec
	ResolveFastPaths *prometheus.CounterVec
}

// New creates the instruments in a fresh registry.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ProviderQueries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_queries_total",
			Help:      "Task provider queries by provider type.",
		}, []string{"provider"}),
		ProviderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Task provider failures by provider type and reason.",
		}, []string{"provider", "reason"}),
		ProviderLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_latency_ms",
			Help:      "Task provider answer latency in milliseconds.",
			Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2000, 5000},
		}, []string{"provider"}),
		IndexBuilds: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_builds_total",
			Help:      "Full task index recomputations.",
		}),
		IndexBuildTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "index_build_ms",
			Help:      "Full task index recomputation time in milliseconds.",
			Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2000, 5000, 10000},
		}),
		IndexTasks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "index_tasks",
			Help:      "Tasks in the last built index.",
		}),
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Accepted task runs by run source.",
		}, []string{"source"}),
		PolicyDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_decisions_total",
			Help:      "Instance policy decisions by policy and outcome.",
		}, []string{"policy", "outcome"}),
		ActiveRuns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Task runs currently active.",
		}),
		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Task run duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
		}),
		Reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnection attempts by outcome.",
		}, []string{"outcome"}),
		ResolveFastPaths: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolve_total",
			Help:      "Task resolutions by path taken.",
		}, []string{"path"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer returns the registry.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// ObserveProvider records one provider query.
func (m *Metrics) ObserveProvider(provider string, d time.Duration, reason string) {
	if m == nil {
		return
	}
	m.ProviderQueries.WithLabelValues(provider).Inc()
	m.ProviderLatency.WithLabelValues(provider).Observe(float64(d.Milliseconds()))
	if reason != "" {
		m.ProviderErrors.WithLabelValues(provider, reason).Inc()
	}
}

// ObserveIndexBuild records one index recomputation.
func (m *Metrics) ObserveIndexBuild(d time.Duration, tasks int) {
	if m == nil {
		return
	}
	m.IndexBuilds.Inc()
	m.IndexBuildTime.Observe(float64(d.Milliseconds()))
	m.IndexTasks.Set(float64(tasks))
}

// ObserveRun records an accepted run.
func (m *Metrics) ObserveRun(source string) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(source).Inc()
}

// ObservePolicy records an instance policy decision.
func (m *Metrics) ObservePolicy(policy, outcome string) {
	if m == nil {
		return
	}
	m.PolicyDecisions.WithLabelValues(policy, outcome).Inc()
}

// SetActiveRuns sets the active run gauge.
func (m *Metrics) SetActiveRuns(n int) {
	if m == nil {
		return
	}
	m.ActiveRuns.Set(float64(n))
}

// ObserveRunDuration records a finished run.
func (m *Metrics) ObserveRunDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.RunDuration.Observe(d.Seconds())
}

// ObserveReconnect records a reconnection outcome.
func (m *Metrics) ObserveReconnect(outcome string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(outcome).Inc()
}

// ObserveResolve records which resolve path answered.
func (m *Metrics) ObserveResolve(path string) {
	if m == nil {
		return
	}
	m.ResolveFastPaths.WithLabelValues(path).Inc()
}
