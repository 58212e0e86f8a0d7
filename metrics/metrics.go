// Package metrics provides Prometheus metrics for task automation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects execution metrics, all namespaced "foreman_".
//
// Exposed series:
//   - inflight_reviewers (gauge): reviewer agents currently running.
//   - step_duration_seconds (histogram): workflow step wall time, labeled
//     by step and final status.
//   - agent_attempts_total (counter): agent launches, labeled by agent
//     and outcome.
//   - recoveries_total (counter): recovery waits entered, labeled by
//     outcome kind.
//   - review_iterations_total (counter): fix/re-review rounds run.
//   - findings_total (counter): findings raised, labeled by section type.
//
// Expose via the usual scrape handler:
//
//	registry := prometheus.NewRegistry()
//	m := metrics.New(registry)
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type Metrics struct {
	inflightReviewers prometheus.Gauge
	stepDuration      *prometheus.HistogramVec
	agentAttempts     *prometheus.CounterVec
	recoveries        *prometheus.CounterVec
	reviewIterations  prometheus.Counter
	findings          *prometheus.CounterVec
}

// New creates and registers all metrics with the given registry, or the
// default registerer when nil.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		inflightReviewers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "foreman",
			Name:      "inflight_reviewers",
			Help:      "Number of reviewer agents currently running.",
		}),
		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "foreman",
			Name:      "step_duration_seconds",
			Help:      "Workflow step wall time in seconds.",
			Buckets:   []float64{1, 10, 30, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"step", "status"}),
		agentAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "foreman",
			Name:      "agent_attempts_total",
			Help:      "External agent launches by agent name and outcome.",
		}, []string{"agent", "outcome"}),
		recoveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "foreman",
			Name:      "recoveries_total",
			Help:      "Recovery waits entered, by error kind.",
		}, []string{"kind"}),
		reviewIterations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "foreman",
			Name:      "review_iterations_total",
			Help:      "Fix and re-review rounds executed.",
		}),
		findings: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "foreman",
			Name:      "findings_total",
			Help:      "Review findings raised, by section type.",
		}, []string{"section_type"}),
	}
}

// ReviewerStarted and ReviewerFinished bracket one reviewer execution.
func (m *Metrics) ReviewerStarted() {
	if m == nil {
		return
	}
	m.inflightReviewers.Inc()
}

func (m *Metrics) ReviewerFinished() {
	if m == nil {
		return
	}
	m.inflightReviewers.Dec()
}

// ObserveStep records a finished workflow step.
func (m *Metrics) ObserveStep(step, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(step, status).Observe(elapsed.Seconds())
}

// AgentAttempt records one agent launch outcome.
func (m *Metrics) AgentAttempt(agent, outcome string) {
	if m == nil {
		return
	}
	m.agentAttempts.WithLabelValues(agent, outcome).Inc()
}

// Recovery records entering a recovery wait for the given error kind.
func (m *Metrics) Recovery(kind string) {
	if m == nil {
		return
	}
	m.recoveries.WithLabelValues(kind).Inc()
}

// ReviewIteration records one fix/re-review round.
func (m *Metrics) ReviewIteration() {
	if m == nil {
		return
	}
	m.reviewIterations.Inc()
}

// FindingRaised records one new finding.
func (m *Metrics) FindingRaised(sectionType string) {
	if m == nil {
		return
	}
	m.findings.WithLabelValues(sectionType).Inc()
}
