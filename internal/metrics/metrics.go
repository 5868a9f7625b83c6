// Package metrics exposes run and polling metrics to prometheus
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vaultflow/internal/models"
)

const namespace = "vaultflow"

// Metrics holds the orchestrator's collectors
type Metrics struct {
	registry *prometheus.Registry

	runsStarted  *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	failures     *prometheus.CounterVec
	runsActive   prometheus.Gauge
	pollDuration *prometheus.HistogramVec
	pollAttempts *prometheus.HistogramVec
}

// New creates the collectors on a fresh registry, together with the Go and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "started_total",
			Help:      "Runs that left idle, by action",
		}, []string{"action"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "transitions_total",
			Help:      "Run transitions, by action and step entered",
		}, []string{"action", "step"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "failures_total",
			Help:      "Runs that ended in error, by failure kind",
		}, []string{"action", "kind", "unknown_outcome"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "active",
			Help:      "Runs between checking and a terminal step",
		}),
		pollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "duration_seconds",
			Help:      "Wall time of a bounded poll",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"name", "satisfied"}),
		pollAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "attempts",
			Help:      "Checks made by a bounded poll",
			Buckets:   prometheus.LinearBuckets(1, 5, 13),
		}, []string{"name", "satisfied"}),
	}

	m.registry.MustRegister(
		m.runsStarted,
		m.transitions,
		m.failures,
		m.runsActive,
		m.pollDuration,
		m.pollAttempts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Publish implements orchestrator.EventSink
func (m *Metrics) Publish(event models.Event) {
	m.transitions.WithLabelValues(string(event.Action), string(event.NewStep)).Inc()

	if event.PreviousStep == models.StepIdle && event.NewStep == models.StepChecking {
		m.runsStarted.WithLabelValues(string(event.Action)).Inc()
		m.runsActive.Inc()
	}
	if event.NewStep.Terminal() {
		m.runsActive.Dec()
	}
	// a run that parked for deployment goes back to idle and counts as done
	if event.NewStep == models.StepIdle && event.PreviousStep != models.StepIdle {
		m.runsActive.Dec()
	}
	if event.NewStep == models.StepError && event.Error != nil {
		m.failures.WithLabelValues(
			string(event.Action),
			string(event.Error.Kind),
			strconv.FormatBool(event.Error.UnknownOutcome),
		).Inc()
	}
}

// ObservePoll has the shape of poller.Observer
func (m *Metrics) ObservePoll(name string, attempts int, satisfied bool, elapsed time.Duration) {
	label := strconv.FormatBool(satisfied)
	m.pollDuration.WithLabelValues(name, label).Observe(elapsed.Seconds())
	m.pollAttempts.WithLabelValues(name, label).Observe(float64(attempts))
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
