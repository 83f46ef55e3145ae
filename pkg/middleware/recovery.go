package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/plaenen/userservice/pkg/domain"
)

// RecoveryMiddleware converts panics in command handlers into errors.
// Install it outermost so a panicking handler cannot take down the
// process serving other commands.
func RecoveryMiddleware(logger *slog.Logger) domain.CommandMiddleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next domain.CommandHandler) domain.CommandHandler {
		return domain.CommandHandlerFunc(func(ctx context.Context, cmd *domain.CommandEnvelope) (events []*domain.Event, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(ctx, "command handler panicked",
						slog.String("command_id", cmd.Metadata.CommandID),
						slog.String("command_type", cmd.Command.CommandType()),
						slog.Any("panic", r),
						slog.String("stack_trace", string(debug.Stack())),
					)

					events = nil
					err = fmt.Errorf("command handler panicked: %v", r)
				}
			}()

			return next.Handle(ctx, cmd)
		})
	}
}
