package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CivicPress/civicpress-sub002/internal/saga"
)

// Metrics holds Prometheus metrics for the lifecycle service.
// Implements saga.MetricsSink.
type Metrics struct {
	SagaExecutions *prometheus.CounterVec
	SagaDuration   *prometheus.SummaryVec
	StepExecutions *prometheus.CounterVec
	StepDuration   *prometheus.SummaryVec
	RecoveredSagas *prometheus.CounterVec
	gatherer       prometheus.Gatherer
}

// NewDefault registers metrics with the default Prometheus registry.
func NewDefault() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// New registers metrics with the provided registry. If registry is nil, a new
// isolated registry is created.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return newMetrics(registry, registry)
}

func newMetrics(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		SagaExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_executions_total",
			Help: "Total saga executions by type and terminal status.",
		}, []string{"saga_type", "status"}),
		SagaDuration: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       "saga_duration_seconds",
			Help:       "Saga execution duration in seconds by type.",
			Objectives: map[float64]float64{0.5: 0.05, 0.95: 0.01, 0.99: 0.001},
		}, []string{"saga_type"}),
		StepExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_step_executions_total",
			Help: "Total saga step executions by type, step and outcome.",
		}, []string{"saga_type", "step", "outcome"}),
		StepDuration: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       "saga_step_duration_seconds",
			Help:       "Saga step duration in seconds.",
			Objectives: map[float64]float64{0.5: 0.05, 0.95: 0.01},
		}, []string{"saga_type", "step"}),
		RecoveredSagas: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_recovered_total",
			Help: "Total sagas driven to a terminal state by the recovery manager.",
		}, []string{"outcome"}),
		gatherer: gatherer,
	}

	registerer.MustRegister(
		m.SagaExecutions,
		m.SagaDuration,
		m.StepExecutions,
		m.StepDuration,
		m.RecoveredSagas,
	)

	return m
}

// Handler returns an HTTP handler that exposes metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveExecution records one terminal saga outcome.
func (m *Metrics) ObserveExecution(sagaType string, status saga.Status, duration time.Duration) {
	m.SagaExecutions.WithLabelValues(sagaType, string(status)).Inc()
	m.SagaDuration.WithLabelValues(sagaType).Observe(duration.Seconds())
}

// ObserveStep records one step attempt.
func (m *Metrics) ObserveStep(sagaType, step string, duration time.Duration, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.StepExecutions.WithLabelValues(sagaType, step, outcome).Inc()
	m.StepDuration.WithLabelValues(sagaType, step).Observe(duration.Seconds())
}

// IncRecovered counts a saga resolved by the recovery manager.
func (m *Metrics) IncRecovered(outcome saga.Status) {
	m.RecoveredSagas.WithLabelValues(string(outcome)).Inc()
}
