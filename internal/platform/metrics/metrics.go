// Package metrics holds the prometheus collectors of the eligibility
// service. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides observability for eligibility evaluation.
type Metrics struct {
	// Full evaluation latency, fetch included
	EvaluateLatency prometheus.Histogram

	// Evaluation outcomes by root status and recommendation
	Outcomes *prometheus.CounterVec

	// Snapshot fetch latency by resource type
	FetchLatency *prometheus.HistogramVec

	// Snapshot fetch failures by resource type
	FetchFailures *prometheus.CounterVec

	// Rejected criteria trees
	ValidationFailures prometheus.Counter

	gatherer prometheus.Gatherer
}

// New registers the collectors with the default prometheus registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewWithRegistry registers the collectors with reg and serves them from g.
func NewWithRegistry(reg prometheus.Registerer, g prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EvaluateLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "trialmatch_evaluate_duration_seconds",
			Help:    "Duration of eligibility evaluation including snapshot fetch",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trialmatch_evaluation_outcomes_total",
			Help: "Total evaluations by root status and recommendation",
		}, []string{"status", "recommendation"}),
		FetchLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trialmatch_snapshot_fetch_duration_seconds",
			Help:    "Duration of snapshot fetches by resource type",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"resource_type"}),
		FetchFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trialmatch_snapshot_fetch_failures_total",
			Help: "Snapshot fetches that failed or timed out by resource type",
		}, []string{"resource_type"}),
		ValidationFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "trialmatch_validation_failures_total",
			Help: "Criteria trees rejected by validation",
		}),
		gatherer: g,
	}
}

// ObserveEvaluateLatency records the total evaluation duration.
func (m *Metrics) ObserveEvaluateLatency(d time.Duration) {
	if m != nil {
		m.EvaluateLatency.Observe(d.Seconds())
	}
}

// IncrementOutcome records an evaluation outcome.
func (m *Metrics) IncrementOutcome(status, recommendation string) {
	if m != nil {
		m.Outcomes.WithLabelValues(status, recommendation).Inc()
	}
}

// ObserveFetch records one resource type fetch.
func (m *Metrics) ObserveFetch(resourceType string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.FetchLatency.WithLabelValues(resourceType).Observe(d.Seconds())
	if err != nil {
		m.FetchFailures.WithLabelValues(resourceType).Inc()
	}
}

// IncrementValidationFailure records a rejected criteria tree.
func (m *Metrics) IncrementValidationFailure() {
	if m != nil {
		m.ValidationFailures.Inc()
	}
}

// Handler serves the prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	var h http.Handler
	if m == nil || m.gatherer == nil {
		h = promhttp.Handler()
	} else {
		h = promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
	}
	return echo.WrapHandler(h)
}
