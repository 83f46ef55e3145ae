// Package eventbus adapts an embedded NATS server plus the JetStream
// event bus to the runner service lifecycle, so single-binary
// deployments get a durable bus from one composition entry.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	messagingnats "github.com/plaenen/userservice/pkg/messaging/nats"
	"github.com/plaenen/userservice/pkg/observability"
	"github.com/plaenen/userservice/pkg/runner"
)

// Service owns the embedded server and the bus connected to it. Start
// brings both up in order; Stop tears them down bus first, so in-flight
// deliveries drain before the server goes away.
type Service struct {
	config   messagingnats.Config
	storeDir string
	server   *messagingnats.EmbeddedServer
	bus      *messagingnats.EventBus
	logger   *slog.Logger
	tracer   trace.Tracer
}

// Option configures the service.
type Option func(*Service)

// WithConfig sets the bus configuration. The URL is replaced with the
// embedded server's URL at start.
func WithConfig(config messagingnats.Config) Option {
	return func(s *Service) {
		s.config = config
	}
}

// WithStoreDir sets the JetStream storage directory.
func WithStoreDir(dir string) Option {
	return func(s *Service) {
		s.storeDir = dir
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTracer sets the tracer for lifecycle spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// New creates an event bus service for use with the runner.
func New(opts ...Option) *Service {
	s := &Service{
		config: messagingnats.DefaultConfig(),
		logger: slog.Default(),
		tracer: noop.NewTracerProvider().Tracer("eventbus"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the service name for logging.
func (s *Service) Name() string {
	return "eventbus"
}

// Start starts the embedded server, then connects the bus to it.
func (s *Service) Start(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "eventbus.Start")
	defer span.End()

	srv, err := messagingnats.StartEmbeddedServer(s.storeDir)
	if err != nil {
		observability.SetSpanError(ctx, err)
		s.logger.Error("failed to start embedded NATS", "error", err)
		return fmt.Errorf("start embedded NATS: %w", err)
	}
	s.server = srv

	config := s.config
	config.URL = srv.URL()

	bus, err := messagingnats.NewEventBus(config)
	if err != nil {
		srv.Shutdown()
		s.server = nil
		observability.SetSpanError(ctx, err)
		s.logger.Error("failed to create event bus", "error", err)
		return fmt.Errorf("create event bus: %w", err)
	}
	s.bus = bus

	span.SetAttributes(
		attribute.String("nats.url", srv.URL()),
		attribute.String("stream.name", config.StreamName),
	)
	s.logger.Info("event bus started",
		slog.String("url", srv.URL()),
		slog.String("stream", config.StreamName),
	)
	return nil
}

// Stop closes the bus, lets connections drain, then shuts the server
// down.
func (s *Service) Stop(ctx context.Context) error {
	_, span := s.tracer.Start(ctx, "eventbus.Stop")
	defer span.End()

	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			s.logger.Warn("error closing event bus", slog.String("error", err.Error()))
		}
		time.Sleep(100 * time.Millisecond)
	}

	if s.server != nil {
		s.server.Shutdown()
	}

	s.logger.Info("event bus stopped")
	return nil
}

// HealthCheck verifies the server accepts connections and the bus
// exists.
func (s *Service) HealthCheck(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "eventbus.HealthCheck")
	defer span.End()

	if s.server == nil || s.bus == nil {
		err := fmt.Errorf("event bus not started")
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

// EventBus returns the bus, nil before Start succeeds.
func (s *Service) EventBus() *messagingnats.EventBus {
	return s.bus
}

// URL returns the embedded server's URL. Empty before Start succeeds.
func (s *Service) URL() string {
	if s.server == nil {
		return ""
	}
	return s.server.URL()
}

var (
	_ runner.Service       = (*Service)(nil)
	_ runner.HealthChecker = (*Service)(nil)
)
