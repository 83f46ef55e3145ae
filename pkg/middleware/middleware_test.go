package middleware_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/plaenen/userservice/pkg/domain"
	"github.com/plaenen/userservice/pkg/middleware"
	"github.com/plaenen/userservice/pkg/observability"
)

type stubCommand struct {
	aggregateID string
	commandType string
	validateErr error
}

func (c *stubCommand) AggregateID() string { return c.aggregateID }
func (c *stubCommand) CommandType() string { return c.commandType }
func (c *stubCommand) Validate() error     { return c.validateErr }

func testEnvelope(cmd domain.Command) *domain.CommandEnvelope {
	return domain.NewCommandEnvelope(cmd, domain.CommandMetadata{
		CommandID:     "cmd-1",
		CorrelationID: "corr-1",
		PrincipalID:   "principal-1",
	})
}

func staticHandler(events []*domain.Event, err error) domain.CommandHandler {
	return domain.CommandHandlerFunc(func(ctx context.Context, cmd *domain.CommandEnvelope) ([]*domain.Event, error) {
		return events, err
	})
}

func TestLoggingMiddleware(t *testing.T) {
	events := []*domain.Event{
		{ID: "evt-1", AggregateID: "agg-1", EventType: "UserCreated"},
	}

	t.Run("Success", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, nil))

		handler := middleware.LoggingMiddleware(logger)(staticHandler(events, nil))

		got, err := handler.Handle(context.Background(), testEnvelope(&stubCommand{commandType: "CreateUser"}))
		if err != nil {
			t.Fatalf("handle: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("expected 1 event, got %d", len(got))
		}

		out := buf.String()
		for _, want := range []string{"executing command", "command executed", "command_type=CreateUser", "command_id=cmd-1", "events_count=1"} {
			if !strings.Contains(out, want) {
				t.Errorf("log output missing %q:\n%s", want, out)
			}
		}
	})

	t.Run("Failure", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, nil))

		boom := errors.New("store unavailable")
		handler := middleware.LoggingMiddleware(logger)(staticHandler(nil, boom))

		_, err := handler.Handle(context.Background(), testEnvelope(&stubCommand{commandType: "CreateUser"}))
		if !errors.Is(err, boom) {
			t.Fatalf("expected handler error, got %v", err)
		}

		out := buf.String()
		if !strings.Contains(out, "command failed") || !strings.Contains(out, "store unavailable") {
			t.Errorf("log output missing failure record:\n%s", out)
		}
	})
}

func TestRecoveryMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	panicking := domain.CommandHandlerFunc(func(ctx context.Context, cmd *domain.CommandEnvelope) ([]*domain.Event, error) {
		panic("nil map write")
	})

	handler := middleware.RecoveryMiddleware(logger)(panicking)

	events, err := handler.Handle(context.Background(), testEnvelope(&stubCommand{commandType: "CreateUser"}))
	if err == nil {
		t.Fatal("expected error after panic")
	}
	if !strings.Contains(err.Error(), "panicked") {
		t.Errorf("unexpected error message: %v", err)
	}
	if events != nil {
		t.Errorf("expected nil events after panic, got %v", events)
	}
	if !strings.Contains(buf.String(), "stack_trace") {
		t.Error("expected stack trace in log output")
	}
}

func TestValidationMiddleware(t *testing.T) {
	t.Run("RejectsInvalidCommand", func(t *testing.T) {
		called := false
		next := domain.CommandHandlerFunc(func(ctx context.Context, cmd *domain.CommandEnvelope) ([]*domain.Event, error) {
			called = true
			return nil, nil
		})

		handler := middleware.ValidationMiddleware()(next)

		cmd := &stubCommand{
			commandType: "CreateUser",
			validateErr: domain.NewValidationError("email", "email is required"),
		}
		_, err := handler.Handle(context.Background(), testEnvelope(cmd))
		if !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
		if called {
			t.Error("handler must not run for an invalid command")
		}
	})

	t.Run("PassesValidCommand", func(t *testing.T) {
		handler := middleware.ValidationMiddleware()(staticHandler(nil, nil))

		_, err := handler.Handle(context.Background(), testEnvelope(&stubCommand{commandType: "CreateUser"}))
		if err != nil {
			t.Fatalf("handle: %v", err)
		}
	})
}

func TestMetadataValidationMiddleware(t *testing.T) {
	handler := middleware.MetadataValidationMiddleware()(staticHandler(nil, nil))

	_, err := handler.Handle(context.Background(), &domain.CommandEnvelope{
		Command: &stubCommand{commandType: "CreateUser"},
	})
	if !errors.Is(err, domain.ErrInvalidCommand) {
		t.Fatalf("expected invalid command error, got %v", err)
	}

	_, err = handler.Handle(context.Background(), testEnvelope(&stubCommand{commandType: "CreateUser"}))
	if err != nil {
		t.Fatalf("handle with command id: %v", err)
	}
}

func TestOpenTelemetryMiddleware(t *testing.T) {
	events := []*domain.Event{
		{ID: "evt-1", AggregateID: "agg-1", EventType: "UserCreated"},
		{ID: "evt-2", AggregateID: "agg-1", EventType: "UserUpdated"},
	}

	t.Run("RecordsSpan", func(t *testing.T) {
		recorder := tracetest.NewSpanRecorder()
		tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
		tracer := tp.Tracer("test")

		handler := middleware.OpenTelemetryMiddlewareWithTracer(tracer)(staticHandler(events, nil))

		_, err := handler.Handle(context.Background(), testEnvelope(&stubCommand{commandType: "CreateUser"}))
		if err != nil {
			t.Fatalf("handle: %v", err)
		}

		spans := recorder.Ended()
		if len(spans) != 1 {
			t.Fatalf("expected 1 span, got %d", len(spans))
		}
		span := spans[0]
		if span.Name() != "command.CreateUser" {
			t.Errorf("unexpected span name %q", span.Name())
		}

		attrs := make(map[string]any)
		for _, kv := range span.Attributes() {
			attrs[string(kv.Key)] = kv.Value.AsInterface()
		}
		if attrs["command.id"] != "cmd-1" {
			t.Errorf("expected command.id attribute, got %v", attrs["command.id"])
		}
		if attrs["event.count"] != int64(2) {
			t.Errorf("expected event.count=2, got %v", attrs["event.count"])
		}
	})

	t.Run("RecordsError", func(t *testing.T) {
		recorder := tracetest.NewSpanRecorder()
		tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
		tracer := tp.Tracer("test")

		handler := middleware.OpenTelemetryMiddlewareWithTracer(tracer)(staticHandler(nil, errors.New("conflict")))

		if _, err := handler.Handle(context.Background(), testEnvelope(&stubCommand{commandType: "CreateUser"})); err == nil {
			t.Fatal("expected handler error")
		}

		spans := recorder.Ended()
		if len(spans) != 1 {
			t.Fatalf("expected 1 span, got %d", len(spans))
		}
		if len(spans[0].Events()) == 0 {
			t.Error("expected recorded error event on span")
		}
	})
}

func TestMetricsMiddleware(t *testing.T) {
	t.Run("NilMetricsPassesThrough", func(t *testing.T) {
		handler := middleware.MetricsMiddleware(nil)(staticHandler(nil, nil))

		if _, err := handler.Handle(context.Background(), testEnvelope(&stubCommand{commandType: "CreateUser"})); err != nil {
			t.Fatalf("handle: %v", err)
		}
	})

	t.Run("RecordsCommandMetrics", func(t *testing.T) {
		reader := sdkmetric.NewManualReader()
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
		metrics, err := observability.NewMetrics(mp.Meter("test"))
		if err != nil {
			t.Fatalf("new metrics: %v", err)
		}

		handler := middleware.MetricsMiddleware(metrics)(staticHandler(nil, errors.New("conflict")))
		if _, err := handler.Handle(context.Background(), testEnvelope(&stubCommand{commandType: "CreateUser"})); err == nil {
			t.Fatal("expected handler error")
		}

		var rm metricdata.ResourceMetrics
		if err := reader.Collect(context.Background(), &rm); err != nil {
			t.Fatalf("collect: %v", err)
		}

		found := make(map[string]bool)
		for _, scope := range rm.ScopeMetrics {
			for _, m := range scope.Metrics {
				found[m.Name] = true
			}
		}
		for _, want := range []string{"userservice.command.total", "userservice.command.duration", "userservice.command.errors"} {
			if !found[want] {
				t.Errorf("expected metric %s to be recorded, have %v", want, found)
			}
		}
	})
}

// TestFullPipeline assembles the middleware stack on a command bus the
// way the service wires it, and checks a command flows through.
func TestFullPipeline(t *testing.T) {
	bus := domain.NewCommandBus()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	bus.Use(middleware.RecoveryMiddleware(logger))
	bus.Use(middleware.LoggingMiddleware(logger))
	bus.Use(middleware.MetadataValidationMiddleware())
	bus.Use(middleware.ValidationMiddleware())

	handled := false
	bus.Register("CreateUser", domain.CommandHandlerFunc(func(ctx context.Context, cmd *domain.CommandEnvelope) ([]*domain.Event, error) {
		handled = true
		return []*domain.Event{{ID: "evt-1", EventType: "UserCreated"}}, nil
	}))

	events, err := bus.Send(context.Background(), testEnvelope(&stubCommand{commandType: "CreateUser"}))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !handled {
		t.Fatal("handler did not run")
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	// Validation failures stop the pipeline before the handler.
	handled = false
	_, err = bus.Send(context.Background(), testEnvelope(&stubCommand{
		commandType: "CreateUser",
		validateErr: domain.NewValidationError("username", "username is required"),
	}))
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if handled {
		t.Error("handler must not run for an invalid command")
	}
}
