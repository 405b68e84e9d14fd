package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// TraceExecutionTime runs fn inside a span and records how long it took.
func TraceExecutionTime(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := StartSpan(ctx, name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	span.SetAttributes(attribute.Int64("execution_time_ms", time.Since(start).Milliseconds()))
	RecordError(span, err, "operation failed")
	return err
}
