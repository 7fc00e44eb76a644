package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// loggingMiddleware logs each operation's execution with timing, grounded
// on pkg/middleware/logging.go's LoggingMiddleware, adapted from
// eventsourcing.CommandHandler to this server's handlerFunc shape.
func loggingMiddleware(logger *slog.Logger, subject string) func(handlerFunc) handlerFunc {
	return func(next handlerFunc) handlerFunc {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			start := time.Now()
			logger.InfoContext(ctx, "executing operation", slog.String("subject", subject))

			resp, err := next(ctx, payload)
			duration := time.Since(start)

			if err != nil {
				logger.ErrorContext(ctx, "operation failed",
					slog.String("subject", subject),
					slog.Int64("duration_ms", duration.Milliseconds()),
					slog.String("error", err.Error()))
				return nil, err
			}

			logger.InfoContext(ctx, "operation executed",
				slog.String("subject", subject),
				slog.Int64("duration_ms", duration.Milliseconds()))
			return resp, nil
		}
	}
}

// recoveryMiddleware recovers from panics in an operation handler, grounded
// on pkg/middleware/recovery.go's RecoveryMiddleware.
func recoveryMiddleware(logger *slog.Logger, subject string) func(handlerFunc) handlerFunc {
	return func(next handlerFunc) handlerFunc {
		return func(ctx context.Context, payload []byte) (resp []byte, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(ctx, "operation handler panicked",
						slog.String("subject", subject),
						slog.Any("panic", r),
						slog.String("stack", string(debug.Stack())))
					resp = nil
					err = fmt.Errorf("operation %s panicked: %v", subject, r)
				}
			}()
			return next(ctx, payload)
		}
	}
}
