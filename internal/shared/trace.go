package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type buildIDKey struct{}
type stageKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithBuildID attaches a build_id to the context.
func WithBuildID(ctx context.Context, buildID string) context.Context {
	return context.WithValue(ctx, buildIDKey{}, buildID)
}

// BuildID extracts build_id from context. Returns "" if absent.
func BuildID(ctx context.Context) string {
	if v, ok := ctx.Value(buildIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithStage attaches the active pipeline stage name to the context.
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, stageKey{}, stage)
}

// Stage extracts the active pipeline stage name from context. Returns "" if absent.
func Stage(ctx context.Context) string {
	if v, ok := ctx.Value(stageKey{}).(string); ok {
		return v
	}
	return ""
}

// NewLeaseOwner generates a unique lease owner id for a pipeline worker.
func NewLeaseOwner() string {
	return uuid.NewString()
}
