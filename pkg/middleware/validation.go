package middleware

import (
	"context"
	"fmt"

	"github.com/plaenen/userservice/pkg/domain"
)

// ValidationMiddleware rejects commands whose Validate method fails,
// before any aggregate state is loaded. The returned error wraps the
// command's ValidationError, so errors.Is(err, domain.ErrValidation)
// holds for callers mapping failures to responses.
func ValidationMiddleware() domain.CommandMiddleware {
	return func(next domain.CommandHandler) domain.CommandHandler {
		return domain.CommandHandlerFunc(func(ctx context.Context, cmd *domain.CommandEnvelope) ([]*domain.Event, error) {
			if err := cmd.Command.Validate(); err != nil {
				return nil, fmt.Errorf("command validation failed: %w", err)
			}

			return next.Handle(ctx, cmd)
		})
	}
}

// MetadataValidationMiddleware rejects commands without a command ID.
// The command ID is the idempotency key; an empty one would defeat
// replay detection.
func MetadataValidationMiddleware() domain.CommandMiddleware {
	return func(next domain.CommandHandler) domain.CommandHandler {
		return domain.CommandHandlerFunc(func(ctx context.Context, cmd *domain.CommandEnvelope) ([]*domain.Event, error) {
			if cmd.Metadata.CommandID == "" {
				return nil, fmt.Errorf("%w: command_id is required", domain.ErrInvalidCommand)
			}

			return next.Handle(ctx, cmd)
		})
	}
}
