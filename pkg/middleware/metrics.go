package middleware

import (
	"context"
	"time"

	"github.com/plaenen/userservice/pkg/domain"
	"github.com/plaenen/userservice/pkg/observability"
)

// MetricsMiddleware records command duration, totals, and error counts.
// A nil Metrics (telemetry disabled) yields a pass-through middleware,
// so wiring does not need to branch.
func MetricsMiddleware(metrics *observability.Metrics) domain.CommandMiddleware {
	if metrics == nil {
		return func(next domain.CommandHandler) domain.CommandHandler {
			return next
		}
	}

	return func(next domain.CommandHandler) domain.CommandHandler {
		return domain.CommandHandlerFunc(func(ctx context.Context, cmd *domain.CommandEnvelope) ([]*domain.Event, error) {
			start := time.Now()

			events, err := next.Handle(ctx, cmd)

			metrics.RecordCommand(ctx, cmd.Command.CommandType(), time.Since(start), err)
			return events, err
		})
	}
}
