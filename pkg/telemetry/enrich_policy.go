package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/stageflow/pkg/policy"
)

// RecordPolicyDecision annotates span with the command that was authorized
// and the decision reached for it. The principal is hashed.
func RecordPolicyDecision(span trace.Span, input policy.Input, decision policy.Decision) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("policy.command", input.Command),
		attribute.String("policy.pipeline", input.Pipeline),
		attribute.String("policy.decision.action", string(decision.Action)),
	}
	if input.PlanVersion != "" {
		attrs = append(attrs, attribute.String("policy.plan_version", input.PlanVersion))
	}
	if input.Principal != "" {
		attrs = append(attrs, attribute.String("policy.principal", input.Principal))
	}
	if input.Entrypoint != "" {
		attrs = append(attrs, attribute.String("policy.entrypoint", input.Entrypoint))
	}
	if decision.Reason != "" {
		attrs = append(attrs, attribute.String("policy.decision.reason", decision.Reason))
	}
	for key, value := range decision.Metadata {
		if value == "" {
			continue
		}
		attrs = append(attrs, attribute.String("policy.metadata."+key, value))
	}
	span.SetAttributes(RedactAttributes(policyRedaction, attrs)...)

	if !decision.Allowed() {
		span.AddEvent("policy.denied", trace.WithAttributes(
			attribute.String("command", input.Command),
			attribute.String("pipeline", input.Pipeline),
		))
	}
}

var policyRedaction = RedactionPolicy{Strategies: map[string]string{"policy.principal": "hash"}}
