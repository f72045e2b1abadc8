package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type taskIDKey struct{}
type runIDKey struct{}

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

// EnsureTraceID returns the context's trace_id, minting one if absent.
func EnsureTraceID(ctx context.Context) (context.Context, string) {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return ctx, v
	}
	id := uuid.NewString()
	return context.WithValue(ctx, traceKey{}, id), id
}

// WithTaskID attaches a task_id to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskID extracts task_id from context. Returns "" if absent.
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithRunID attaches a run_id to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunID extracts run_id from context. Returns "" if absent.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok {
		return v
	}
	return ""
}
