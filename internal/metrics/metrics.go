// Package metrics exposes server counters in the prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use as a nil pointer, in which case nothing is recorded.
type Metrics struct {
	registry *prometheus.Registry

	commits      *prometheus.CounterVec
	commitFiles  prometheus.Histogram
	locks        *prometheus.CounterVec
	requests     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	repositories prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keel",
			Name:      "commits_total",
			Help:      "Commit attempts by repository and outcome.",
		}, []string{"repository", "outcome"}),
		commitFiles: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "keel",
			Name:      "commit_changes",
			Help:      "Number of file changes per accepted commit.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		locks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keel",
			Name:      "lock_operations_total",
			Help:      "Lock and unlock requests by outcome.",
		}, []string{"operation", "outcome"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keel",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "keel",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		repositories: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "keel",
			Name:      "repositories",
			Help:      "Number of repositories served.",
		}),
	}
	m.registry.MustRegister(
		m.commits, m.commitFiles, m.locks, m.requests, m.duration, m.repositories,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Outcome labels.
const (
	OutcomeOK       = "ok"
	OutcomeConflict = "conflict"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

func (m *Metrics) Commit(repository, outcome string, changes int) {
	if m == nil {
		return
	}
	m.commits.WithLabelValues(repository, outcome).Inc()
	if outcome == OutcomeOK {
		m.commitFiles.Observe(float64(changes))
	}
}

func (m *Metrics) LockOperation(operation, outcome string) {
	if m == nil {
		return
	}
	m.locks.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) Request(method, route string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.duration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (m *Metrics) SetRepositories(n int) {
	if m == nil {
		return
	}
	m.repositories.Set(float64(n))
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
