package logger

import (
	"context"
	"log/slog"

	"github.com/bqio/bqio/shared"
)

func LoggerFromCtx(ctx context.Context) *slog.Logger {
	if runID, ok := ctx.Value(shared.RunIDKey).(string); ok {
		return slog.With(string(shared.RunIDKey), runID)
	}
	return slog.Default()
}

// WithRunID stamps the pipeline run id on the context so every log line
// emitted below it can be correlated.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, shared.RunIDKey, runID)
}

// WithStep tags the context with the pipeline step being executed. The
// step surfaces on log records through Handler.
func WithStep(ctx context.Context, step string) context.Context {
	return context.WithValue(ctx, shared.StepKey, step)
}
