package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for specforge spans.
var (
	AttrBuildID      = attribute.Key("specforge.build.id")
	AttrStage        = attribute.Key("specforge.stage")
	AttrAttempt      = attribute.Key("specforge.attempt")
	AttrTask         = attribute.Key("specforge.route.task")
	AttrCapabilityID = attribute.Key("specforge.capability.id")
	AttrRuleID       = attribute.Key("specforge.rule.id")
	AttrModel        = attribute.Key("specforge.llm.model")
	AttrCatalog      = attribute.Key("specforge.catalog.version")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API, Docker).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
