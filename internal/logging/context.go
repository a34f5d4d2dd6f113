package logging

import (
	"context"
	"os"

	"go.uber.org/zap"
)

type processCtxKey struct{}
type taskCtxKey struct{}

// WithProcessID attaches a process identifier to the context.
func WithProcessID(ctx context.Context, processID string) context.Context {
	return context.WithValue(ctx, processCtxKey{}, processID)
}

// WithTaskID attaches a task identifier to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskCtxKey{}, taskID)
}

// ProcessIDFromContext returns the process ID or "".
func ProcessIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(processCtxKey{}).(string); ok {
		return v
	}
	return ""
}

// TaskIDFromContext returns the task ID or "".
func TaskIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(taskCtxKey{}).(string); ok {
		return v
	}
	return ""
}

// ContextFields extracts correlation fields from the context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 2)
	if id := ProcessIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("process.id", id))
	}
	if id := TaskIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("task.id", id))
	}
	return fields
}

func stderr() *os.File { return os.Stderr }
