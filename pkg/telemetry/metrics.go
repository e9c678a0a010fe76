package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/polisai/stageflow/pkg/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const meterName = "stageflow.pipeline"

var (
	metricsOnce           sync.Once
	metricsInitErr        error
	stageExecutionCounter metric.Int64Counter
	stageRecoveryCounter  metric.Int64Counter
	stageLatencyHistogram metric.Float64Histogram
	pipelineRunCounter    metric.Int64Counter
	pipelineFailCounter   metric.Int64Counter
	pipelineLatency       metric.Float64Histogram
)

// StageMetrics captures the fields needed to record stage telemetry.
type StageMetrics struct {
	PlanVersion string
	StageID     domain.StageID
	State       domain.StageState
	Reason      domain.ReasonKind
	Duration    time.Duration
}

// PipelineMetrics captures the fields needed to record run telemetry.
type PipelineMetrics struct {
	PlanVersion string
	Outcome     domain.Outcome
	FailureKind domain.FailureKind
	Duration    time.Duration
}

// RecordStageMetrics emits counters and histograms that describe stage execution behaviour.
func RecordStageMetrics(ctx context.Context, m StageMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("plan.version", m.PlanVersion),
		attribute.String("stage.id", string(m.StageID)),
		attribute.String("stage.state", string(m.State)),
	}
	if m.Reason != "" {
		attrs = append(attrs, attribute.String("stage.reason", string(m.Reason)))
	}

	stageExecutionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	if m.Duration > 0 {
		stageLatencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}
	if m.State == domain.StateRecovered {
		stageRecoveryCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordPipelineMetrics emits one run count and latency sample.
func RecordPipelineMetrics(ctx context.Context, m PipelineMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("plan.version", m.PlanVersion),
		attribute.String("pipeline.outcome", string(m.Outcome)),
	}
	pipelineRunCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	pipelineLatency.Record(ctx, float64(m.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))

	if m.FailureKind != "" {
		pipelineFailCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("plan.version", m.PlanVersion),
			attribute.String("failure.kind", string(m.FailureKind)),
		))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(meterName)

		stageExecutionCounter, metricsInitErr = meter.Int64Counter(
			"stageflow.stage.executions_total",
			metric.WithDescription("Stage executions partitioned by terminal state"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stageRecoveryCounter, metricsInitErr = meter.Int64Counter(
			"stageflow.stage.recoveries_total",
			metric.WithDescription("Stage failures absorbed by a recovery hook"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stageLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"stageflow.stage.duration_ms",
			metric.WithDescription("Observed stage execution latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		pipelineRunCounter, metricsInitErr = meter.Int64Counter(
			"stageflow.pipeline.runs_total",
			metric.WithDescription("Pipeline runs partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		pipelineFailCounter, metricsInitErr = meter.Int64Counter(
			"stageflow.pipeline.failures_total",
			metric.WithDescription("Pipeline failures partitioned by failure kind"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		pipelineLatency, metricsInitErr = meter.Float64Histogram(
			"stageflow.pipeline.duration_ms",
			metric.WithDescription("Observed pipeline run latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// RecordFailureEvent attaches the structured failure of a run to span
// without leaking the cause text unless the policy allows it.
func RecordFailureEvent(span trace.Span, failure *domain.PipelineFailure, policy RedactionPolicy) {
	if span == nil || !span.IsRecording() || failure == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("failure.kind", string(failure.Kind)),
		attribute.String("failure.stage_id", string(failure.StageID)),
	}
	if failure.Reason != nil {
		attrs = append(attrs, attribute.String("failure.reason", string(failure.Reason.Kind)))
		if failure.Reason.Cause != nil {
			attrs = append(attrs, attribute.String("failure.cause", failure.Reason.Cause.Error()))
		}
	}
	if failure.Fallback != nil {
		attrs = append(attrs, attribute.String("failure.fallback_reason", string(failure.Fallback.Kind)))
	}

	span.AddEvent("pipeline.failure", trace.WithAttributes(RedactAttributes(policy, attrs)...))
}
