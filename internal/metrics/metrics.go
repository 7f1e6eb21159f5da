// Package metrics exposes checkout counters in Prometheus format. A nil
// *Checkout is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	MetricCommitsTotal          = "pdv_sale_commits_total"
	MetricCommitDurationSeconds = "pdv_sale_commit_duration_seconds"
	MetricCommitRetriesTotal    = "pdv_sale_commit_retries_total"
	MetricStatusChangesTotal    = "pdv_sale_status_changes_total"
)

// Commit outcomes used as the "outcome" label.
const (
	OutcomeCommitted = "committed"
	OutcomeDuplicate = "duplicate"
)

type Checkout struct {
	registry      *prometheus.Registry
	commits       *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	retries       prometheus.Counter
	statusChanges *prometheus.CounterVec
}

func New() *Checkout {
	m := &Checkout{
		registry: prometheus.NewRegistry(),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricCommitsTotal,
			Help: "Sale commit attempts by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricCommitDurationSeconds,
			Help:    "Sale commit latency by outcome.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricCommitRetriesTotal,
			Help: "Commit transactions retried after a serialization failure or deadlock.",
		}),
		statusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricStatusChangesTotal,
			Help: "Sale status transitions (cancel, settle) by target status and outcome.",
		}, []string{"status", "outcome"}),
	}
	m.registry.MustRegister(
		m.commits,
		m.duration,
		m.retries,
		m.statusChanges,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Checkout) ObserveCommit(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.commits.WithLabelValues(outcome).Inc()
	m.duration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (m *Checkout) IncRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Checkout) ObserveStatusChange(status string, outcome string) {
	if m == nil {
		return
	}
	m.statusChanges.WithLabelValues(status, outcome).Inc()
}

func (m *Checkout) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
