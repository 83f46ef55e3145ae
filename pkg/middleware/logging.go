// Package middleware provides cross-cutting command bus middleware:
// panic recovery, structured logging, metrics, tracing, and validation.
// Middleware composes via CommandBus.Use; the first middleware added
// wraps outermost.
package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/plaenen/userservice/pkg/domain"
)

// LoggingMiddleware logs command execution with timing information.
func LoggingMiddleware(logger *slog.Logger) domain.CommandMiddleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next domain.CommandHandler) domain.CommandHandler {
		return domain.CommandHandlerFunc(func(ctx context.Context, cmd *domain.CommandEnvelope) ([]*domain.Event, error) {
			start := time.Now()

			commandType := cmd.Command.CommandType()
			commandID := cmd.Metadata.CommandID

			logger.InfoContext(ctx, "executing command",
				slog.String("command_type", commandType),
				slog.String("command_id", commandID),
				slog.String("principal_id", cmd.Metadata.PrincipalID),
				slog.String("correlation_id", cmd.Metadata.CorrelationID),
			)

			events, err := next.Handle(ctx, cmd)

			duration := time.Since(start)

			if err != nil {
				logger.ErrorContext(ctx, "command failed",
					slog.String("command_type", commandType),
					slog.String("command_id", commandID),
					slog.Int64("duration_ms", duration.Milliseconds()),
					slog.String("error", err.Error()),
				)
				return nil, err
			}

			logger.InfoContext(ctx, "command executed",
				slog.String("command_type", commandType),
				slog.String("command_id", commandID),
				slog.Int("events_count", len(events)),
				slog.Int64("duration_ms", duration.Milliseconds()),
			)

			return events, nil
		})
	}
}
