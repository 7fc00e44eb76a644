package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

// HandlerFunc is the shape of one RPC operation handler: raw request bytes
// in, raw response bytes or error out. Mirrors internal/rpc's own
// unexported handlerFunc so middleware can be defined once and applied at
// the transport boundary without the two packages needing a shared type.
type HandlerFunc func(ctx context.Context, payload []byte) ([]byte, error)

// HandlerMiddleware wraps handler with a span named operation and records
// its duration/error outcome against tel.Metrics, grounded on
// pkg/observability/middleware.go's HandlerMiddleware.
func HandlerMiddleware(tel *Telemetry, operation string) func(HandlerFunc) HandlerFunc {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			tracer := tel.Tracer("coordinator-core")
			ctx, span := tracer.Start(ctx, operation)
			defer span.End()

			start := time.Now()
			resp, err := next(ctx, payload)
			duration := time.Since(start)

			span.SetAttributes(attribute.String("operation", operation))
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}

			if tel.Metrics != nil {
				attrs := []attribute.KeyValue{attribute.String("operation", operation)}
				if err != nil {
					attrs = append(attrs, attribute.Bool("error", true))
				}
				tel.Metrics.RouteDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
			}
			return resp, err
		}
	}
}
