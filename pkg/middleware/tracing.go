package middleware

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/plaenen/userservice/pkg/domain"
	"github.com/plaenen/userservice/pkg/observability"
)

// OpenTelemetryMiddleware traces command execution using the global
// tracer provider. One span per command, named command.<type>.
func OpenTelemetryMiddleware(tracerName string) domain.CommandMiddleware {
	if tracerName == "" {
		tracerName = "github.com/plaenen/userservice"
	}
	return OpenTelemetryMiddlewareWithTracer(otel.Tracer(tracerName))
}

// OpenTelemetryMiddlewareWithTracer traces command execution with the
// given tracer.
func OpenTelemetryMiddlewareWithTracer(tracer trace.Tracer) domain.CommandMiddleware {
	return func(next domain.CommandHandler) domain.CommandHandler {
		return domain.CommandHandlerFunc(func(ctx context.Context, cmd *domain.CommandEnvelope) ([]*domain.Event, error) {
			commandType := cmd.Command.CommandType()
			if commandType == "" {
				commandType = "unknown"
			}

			spanCtx, span := tracer.Start(ctx, fmt.Sprintf("command.%s", commandType),
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					observability.AttrCommandID.String(cmd.Metadata.CommandID),
					observability.AttrCommandType.String(commandType),
					attribute.String("command.principal_id", cmd.Metadata.PrincipalID),
					attribute.String("command.correlation_id", cmd.Metadata.CorrelationID),
				),
			)
			defer span.End()

			events, err := next.Handle(spanCtx, cmd)

			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}

			span.SetAttributes(observability.AttrEventCount.Int(len(events)))
			if len(events) > 0 {
				eventTypes := make([]string, len(events))
				for i, evt := range events {
					eventTypes[i] = evt.EventType
				}
				span.SetAttributes(attribute.StringSlice("event.types", eventTypes))
			}

			span.SetStatus(codes.Ok, "")
			return events, nil
		})
	}
}
