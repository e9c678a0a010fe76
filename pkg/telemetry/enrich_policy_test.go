package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/polisai/stageflow/pkg/policy"
)

func recordDecision(t *testing.T, input policy.Input, decision policy.Decision) sdktrace.ReadOnlySpan {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := tp.Tracer("test").Start(context.Background(), "dispatch")
	RecordPolicyDecision(span, input, decision)
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	return ended[0]
}

func spanAttrs(span sdktrace.ReadOnlySpan) map[attribute.Key]string {
	out := map[attribute.Key]string{}
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value.Emit()
	}
	return out
}

func TestRecordPolicyDecisionBlock(t *testing.T) {
	span := recordDecision(t,
		policy.Input{Command: "execute", Pipeline: "totals", PlanVersion: "2_abc", Principal: "guest"},
		policy.Decision{
			Action:   policy.ActionBlock,
			Reason:   "operator role required",
			Metadata: map[string]string{"rule": "execute", "empty": ""},
		})

	attrs := spanAttrs(span)
	assert.Equal(t, "execute", attrs["policy.command"])
	assert.Equal(t, "totals", attrs["policy.pipeline"])
	assert.Equal(t, "2_abc", attrs["policy.plan_version"])
	assert.Equal(t, "block", attrs["policy.decision.action"])
	assert.Equal(t, "operator role required", attrs["policy.decision.reason"])
	assert.Equal(t, "execute", attrs["policy.metadata.rule"])
	assert.NotContains(t, attrs, attribute.Key("policy.metadata.empty"))
	assert.Equal(t, hashValue("guest"), attrs["policy.principal"])
	assert.NotContains(t, attrs["policy.principal"], "guest")

	require.Len(t, span.Events(), 1)
	assert.Equal(t, "policy.denied", span.Events()[0].Name)
}

func TestRecordPolicyDecisionCompile(t *testing.T) {
	span := recordDecision(t,
		policy.Input{Command: "compile", Pipeline: "totals"},
		policy.Decision{Action: policy.ActionAllow})

	attrs := spanAttrs(span)
	assert.Equal(t, "compile", attrs["policy.command"])
	assert.Equal(t, "allow", attrs["policy.decision.action"])
	assert.NotContains(t, attrs, attribute.Key("policy.plan_version"))
	assert.NotContains(t, attrs, attribute.Key("policy.principal"))
	assert.NotContains(t, attrs, attribute.Key("policy.decision.reason"))
	assert.Empty(t, span.Events())
}

func TestRecordPolicyDecisionIgnoresNonRecordingSpans(t *testing.T) {
	_, span := noop.NewTracerProvider().Tracer("test").Start(context.Background(), "noop")
	assert.NotPanics(t, func() {
		RecordPolicyDecision(span, policy.Input{}, policy.Decision{Action: policy.ActionBlock})
		RecordPolicyDecision(nil, policy.Input{}, policy.Decision{Action: policy.ActionBlock})
	})
}
