package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for control-plane spans.
var (
	AttrGoalID    = attribute.Key("helm.goal.id")
	AttrRunID     = attribute.Key("helm.run.id")
	AttrTraceID   = attribute.Key("helm.delegation.trace.id")
	AttrDelegatee = attribute.Key("helm.delegatee")
	AttrAgentType = attribute.Key("helm.agent.type")
	AttrToolName  = attribute.Key("helm.tool.name")
	AttrAction    = attribute.Key("helm.tool.action")
	AttrPhase     = attribute.Key("helm.loop.phase")
	AttrIteration = attribute.Key("helm.loop.iteration")
	AttrDecision  = attribute.Key("helm.decision.type")
	AttrTrigger   = attribute.Key("helm.failure.trigger")
	AttrIdentity  = attribute.Key("helm.identity")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (Gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (Reasoner, tool server).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
