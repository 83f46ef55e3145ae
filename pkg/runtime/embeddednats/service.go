// Package embeddednats adapts the embedded NATS server to the runner
// service lifecycle. Use it when the process needs the server but wires
// the event bus itself.
package embeddednats

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	messagingnats "github.com/plaenen/userservice/pkg/messaging/nats"
	"github.com/plaenen/userservice/pkg/observability"
	"github.com/plaenen/userservice/pkg/runner"
)

// Service wraps an embedded NATS server as a runner.Service with health
// checks and optional tracing.
type Service struct {
	server   *messagingnats.EmbeddedServer
	logger   runner.Logger
	tracer   trace.Tracer
	storeDir string
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger runner.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithTracer sets the tracer for lifecycle spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// WithStoreDir sets the JetStream storage directory. Empty uses a
// temporary directory, which loses the stream across restarts.
func WithStoreDir(dir string) Option {
	return func(s *Service) {
		s.storeDir = dir
	}
}

// New creates an embedded NATS service for use with the runner.
func New(opts ...Option) *Service {
	s := &Service{
		logger: runner.NewNoopLogger(),
		tracer: noop.NewTracerProvider().Tracer("embeddednats"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the service name for logging.
func (s *Service) Name() string {
	return "embedded-nats"
}

// Start starts the embedded NATS server and blocks until it accepts
// connections.
func (s *Service) Start(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "embeddednats.Start")
	defer span.End()

	srv, err := messagingnats.StartEmbeddedServer(s.storeDir)
	if err != nil {
		observability.SetSpanError(ctx, err)
		s.logger.Error("failed to start embedded NATS", "error", err)
		return fmt.Errorf("start embedded NATS: %w", err)
	}

	s.server = srv
	span.SetAttributes(attribute.String("nats.url", srv.URL()))
	s.logger.Info("embedded NATS server started", "url", srv.URL())
	return nil
}

// Stop shuts down the embedded NATS server.
func (s *Service) Stop(ctx context.Context) error {
	_, span := s.tracer.Start(ctx, "embeddednats.Stop")
	defer span.End()

	if s.server != nil {
		s.server.Shutdown()
		s.logger.Info("embedded NATS server stopped")
	}
	return nil
}

// HealthCheck verifies the server accepts connections.
func (s *Service) HealthCheck(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "embeddednats.HealthCheck")
	defer span.End()

	if s.server == nil {
		err := fmt.Errorf("nats server not started")
		observability.SetSpanError(ctx, err)
		return err
	}

	nc, err := nats.Connect(s.server.URL())
	if err != nil {
		observability.SetSpanError(ctx, err)
		return fmt.Errorf("nats server not responsive: %w", err)
	}
	nc.Close()
	return nil
}

// URL returns the connection URL. Empty before Start succeeds.
func (s *Service) URL() string {
	if s.server == nil {
		return ""
	}
	return s.server.URL()
}

// Server returns the underlying embedded server, nil before Start.
func (s *Service) Server() *messagingnats.EmbeddedServer {
	return s.server
}

var (
	_ runner.Service       = (*Service)(nil)
	_ runner.HealthChecker = (*Service)(nil)
)
