package telemetry

import (
	"context"
	"net/http"

	"github.com/polisai/stageflow/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for pipeline runs. It implements
// domain.Observer so it can be attached to an engine directly.
type Metrics struct {
	stagesTotal     *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	stagesRunning   prometheus.Gauge
	runsTotal       *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	failuresTotal   *prometheus.CounterVec
	commandsTotal   *prometheus.CounterVec
	configReloads   *prometheus.CounterVec
	guardTripsTotal prometheus.Counter

	registry *prometheus.Registry
}

var _ domain.Observer = (*Metrics)(nil)

// NewMetrics creates a Metrics instance on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		stagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stageflow_stage_executions_total",
				Help: "Total number of stage executions by terminal state and reason",
			},
			[]string{"stage_id", "state", "reason"},
		),

		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stageflow_stage_duration_seconds",
				Help:    "Stage execution latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage_id"},
		),

		stagesRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "stageflow_stages_running",
				Help: "Number of stages currently executing",
			},
		),

		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stageflow_pipeline_runs_total",
				Help: "Total number of pipeline runs by outcome",
			},
			[]string{"outcome"},
		),

		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stageflow_pipeline_duration_seconds",
				Help:    "Pipeline run latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),

		failuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stageflow_pipeline_failures_total",
				Help: "Total number of failed runs by failure kind and stage reason",
			},
			[]string{"kind", "reason"},
		),

		commandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stageflow_commands_total",
				Help: "Total number of dispatched commands by type and status",
			},
			[]string{"command", "status"},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stageflow_config_reloads_total",
				Help: "Total number of configuration reload attempts by status",
			},
			[]string{"status"},
		),

		guardTripsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "stageflow_guard_trips_total",
				Help: "Total number of times the safety guard requested a rollback",
			},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.stagesTotal,
		m.stageDuration,
		m.stagesRunning,
		m.runsTotal,
		m.runDuration,
		m.failuresTotal,
		m.commandsTotal,
		m.configReloads,
		m.guardTripsTotal,
	)

	return m
}

// BeforeStage counts the stage as running.
func (m *Metrics) BeforeStage(_ context.Context, _ domain.StageEvent) {
	m.stagesRunning.Inc()
}

// AfterStage records the stage's terminal state. Skipped stages never
// passed through BeforeStage.
func (m *Metrics) AfterStage(_ context.Context, ev domain.StageEvent) {
	reason := ""
	if ev.Reason != nil {
		reason = string(ev.Reason.Kind)
	}
	m.stagesTotal.WithLabelValues(string(ev.StageID), string(ev.State), reason).Inc()
	if ev.State == domain.StateSkipped {
		return
	}
	m.stagesRunning.Dec()
	m.stageDuration.WithLabelValues(string(ev.StageID)).Observe(ev.Duration.Seconds())
}

// AfterPipeline records the run outcome.
func (m *Metrics) AfterPipeline(_ context.Context, ev domain.PipelineEvent) {
	m.runsTotal.WithLabelValues(string(ev.Outcome)).Inc()
	m.runDuration.WithLabelValues(string(ev.Outcome)).Observe(ev.Duration.Seconds())
	if ev.Failure != nil {
		reason := ""
		if ev.Failure.Reason != nil {
			reason = string(ev.Failure.Reason.Kind)
		}
		m.failuresTotal.WithLabelValues(string(ev.Failure.Kind), reason).Inc()
	}
}

// RecordCommand records a dispatched command.
func (m *Metrics) RecordCommand(command, status string) {
	m.commandsTotal.WithLabelValues(command, status).Inc()
}

// RecordConfigReload records a configuration reload attempt.
func (m *Metrics) RecordConfigReload(status string) {
	m.configReloads.WithLabelValues(status).Inc()
}

// RecordGuardTrip records a rollback request from the safety guard.
func (m *Metrics) RecordGuardTrip() {
	m.guardTripsTotal.Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
