// Command userservice runs the user management service: SQLite-backed
// event store, outbox dispatcher, and worker projections composed behind
// a command bus. The synchronous command side is a programmatic surface
// for embedding front-ends; this binary hosts the asynchronous half and
// the projection rebuild tool.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/plaenen/userservice/pkg/domain"
	"github.com/plaenen/userservice/pkg/email"
	"github.com/plaenen/userservice/pkg/messaging"
	"github.com/plaenen/userservice/pkg/messaging/memory"
	messagingnats "github.com/plaenen/userservice/pkg/messaging/nats"
	"github.com/plaenen/userservice/pkg/middleware"
	"github.com/plaenen/userservice/pkg/observability"
	"github.com/plaenen/userservice/pkg/outbox"
	"github.com/plaenen/userservice/pkg/projection"
	"github.com/plaenen/userservice/pkg/runner"
	eventbusruntime "github.com/plaenen/userservice/pkg/runtime/eventbus"
	"github.com/plaenen/userservice/pkg/security/credentials"
	"github.com/plaenen/userservice/pkg/store"
	"github.com/plaenen/userservice/pkg/store/sqlite"
	"github.com/plaenen/userservice/pkg/user"
	"github.com/plaenen/userservice/pkg/user/handlers"
	"github.com/plaenen/userservice/pkg/user/projections"
)

const serviceName = "userservice"

// Credential material never travels through flags.
const (
	envNATSToken   = "USERSERVICE_NATS_TOKEN"
	envSMTPUserVar = "USERSERVICE_SMTP_USER"
	envSMTPPassVar = "USERSERVICE_SMTP_PASSWORD"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

type options struct {
	dbPath      string
	busMode     string
	natsURL     string
	natsStore   string
	smtpAddr    string
	smtpFrom    string
	environment string
	logLevel    string
	logFormat   string
	telemetry   bool
	rebuild     string
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet(serviceName, flag.ContinueOnError)
	fs.StringVar(&o.dbPath, "db", "userservice.db", `SQLite database path (":memory:" for an ephemeral store)`)
	fs.StringVar(&o.busMode, "bus", "embedded", "event bus: memory, embedded, or nats")
	fs.StringVar(&o.natsURL, "nats-url", "", "external NATS URL (bus=nats); defaults to the local server. Token auth via "+envNATSToken)
	fs.StringVar(&o.natsStore, "nats-store", "nats-data", "JetStream storage directory (bus=embedded)")
	fs.StringVar(&o.smtpAddr, "smtp-addr", "", "SMTP relay (host:port) for welcome mail; empty logs instead of sending. Credentials via "+envSMTPUserVar+" and "+envSMTPPassVar)
	fs.StringVar(&o.smtpFrom, "smtp-from", "no-reply@localhost", "sender address for welcome mail")
	fs.StringVar(&o.environment, "env", "dev", "deployment environment reported in telemetry")
	fs.StringVar(&o.logLevel, "log-level", "info", "log level: debug, info, warn, or error")
	fs.StringVar(&o.logFormat, "log-format", "text", "log format: text or json")
	fs.BoolVar(&o.telemetry, "telemetry", false, "export traces and metrics to stdout")
	fs.StringVar(&o.rebuild, "rebuild", "", "rebuild the named projection from the event log and exit")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return o, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	logger, err := newLogger(opts.logFormat, opts.logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	if err := run(context.Background(), opts, logger); err != nil {
		logger.Error("service exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	tel, err := initTelemetry(ctx, opts, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	// Every store shares one SQLite database so the unit of work can
	// commit events, snapshots, and outbox rows in a single transaction.
	storeOpts := []sqlite.EventStoreOption{sqlite.WithDSN(opts.dbPath)}
	if opts.dbPath == ":memory:" {
		storeOpts = []sqlite.EventStoreOption{sqlite.WithMemoryDatabase()}
	}
	events, err := sqlite.NewEventStore(user.AggregateType, storeOpts...)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer events.Close()

	db := events.DB()
	snapshots, err := sqlite.NewSnapshotStore(db, user.AggregateType)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	outboxStore := sqlite.NewOutboxStore(db)
	deadLetters := sqlite.NewDeadLetterStore(db)
	checkpoints := sqlite.NewCheckpointStore(db)

	bus, stopBus, err := openBus(ctx, opts, tel, logger)
	if err != nil {
		return err
	}
	defer stopBus()

	dispatcher := outbox.NewDispatcher(outboxStore, deadLetters, bus,
		outbox.WithLogger(logger),
		outbox.WithMetrics(tel.Metrics),
	)

	mailer, err := newMailer(opts, logger)
	if err != nil {
		return err
	}

	manager := projection.NewManager(bus, events, deadLetters,
		projection.WithLogger(logger),
		projection.WithMetrics(tel.Metrics),
	)
	if err := manager.Register(projections.NewUserViewProjection(db, checkpoints)); err != nil {
		return fmt.Errorf("register projection: %w", err)
	}
	if err := manager.Register(projections.NewWelcomeEmailProjection(mailer, logger)); err != nil {
		return fmt.Errorf("register projection: %w", err)
	}

	if opts.rebuild != "" {
		logger.Info("rebuilding projection", "projection", opts.rebuild)
		if err := manager.Rebuild(ctx, opts.rebuild); err != nil {
			return fmt.Errorf("rebuild projection %s: %w", opts.rebuild, err)
		}
		logger.Info("projection rebuilt", "projection", opts.rebuild)
		return nil
	}

	uowf := sqlite.NewUnitOfWorkFactory(events, snapshots, outboxStore)
	repo := store.NewRepository(events, user.New,
		store.WithSnapshots[*user.User](snapshots,
			store.NewIntervalSnapshotStrategy(store.DefaultSnapshotInterval)))

	commandBus := newCommandBus(tel, logger)
	commandHandler := handlers.NewUserCommandHandler(events, uowf, repo,
		handlers.WithLogger(logger),
		handlers.WithNotifier(dispatcher),
	)
	commandHandler.Register(commandBus)
	logger.Info("command bus ready", "commands", commandBus.RegisteredTypes())

	// Projections subscribe before the dispatcher starts publishing;
	// the reverse-order stop drains the producer first.
	r := runner.New([]runner.Service{manager, dispatcher},
		runner.WithLogger(runner.NewSlogLogger(logger)))
	return r.Run(ctx)
}

// newCommandBus assembles the middleware chain. The first middleware
// added wraps outermost, so recovery sees every panic and validation
// runs closest to the handler.
func newCommandBus(tel *observability.Telemetry, logger *slog.Logger) *domain.DefaultCommandBus {
	bus := domain.NewCommandBus()
	bus.Use(middleware.RecoveryMiddleware(logger))
	bus.Use(middleware.LoggingMiddleware(logger))
	bus.Use(middleware.MetricsMiddleware(tel.Metrics))
	bus.Use(middleware.OpenTelemetryMiddleware(""))
	bus.Use(middleware.MetadataValidationMiddleware())
	bus.Use(middleware.ValidationMiddleware())
	return bus
}

// openBus creates the event bus for the configured mode. The returned
// stop function releases the bus once the runner has drained everything
// publishing to it.
func openBus(ctx context.Context, opts options, tel *observability.Telemetry, logger *slog.Logger) (messaging.EventBus, func(), error) {
	switch opts.busMode {
	case "memory":
		bus := memory.NewBus()
		return bus, func() {
			if err := bus.Close(); err != nil {
				logger.Warn("event bus close failed", "error", err)
			}
		}, nil

	case "embedded":
		svc := eventbusruntime.New(
			eventbusruntime.WithStoreDir(opts.natsStore),
			eventbusruntime.WithLogger(logger),
			eventbusruntime.WithTracer(tel.Tracer("eventbus")),
		)
		if err := svc.Start(ctx); err != nil {
			return nil, nil, fmt.Errorf("start embedded event bus: %w", err)
		}
		return svc.EventBus(), func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := svc.Stop(stopCtx); err != nil {
				logger.Warn("event bus stop failed", "error", err)
			}
		}, nil

	case "nats":
		cfg := messagingnats.DefaultConfig()
		if opts.natsURL != "" {
			cfg.URL = opts.natsURL
		}
		cfg.Logger = logger
		if os.Getenv(envNATSToken) != "" {
			cfg.Credentials = credentials.NewEnvTokenProvider(envNATSToken, 0)
		}
		bus, err := messagingnats.NewEventBus(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("connect event bus: %w", err)
		}
		return bus, func() {
			if err := bus.Close(); err != nil {
				logger.Warn("event bus close failed", "error", err)
			}
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown bus mode %q (want memory, embedded, or nats)", opts.busMode)
	}
}

// newMailer selects the welcome-mail sink. Without an SMTP relay the
// projection logs deliveries instead of sending them.
func newMailer(opts options, logger *slog.Logger) (email.Provider, error) {
	if opts.smtpAddr == "" {
		return email.NewLogSink(logger), nil
	}
	creds := credentials.NewEnvUserPasswordProvider(envSMTPUserVar, envSMTPPassVar)
	return email.NewSMTPProvider(opts.smtpAddr, opts.smtpFrom, creds, email.WithSMTPLogger(logger))
}

// initTelemetry starts OpenTelemetry. Without -telemetry both providers
// stay no-ops, so instrumented code pays only for nil checks.
func initTelemetry(ctx context.Context, opts options, logger *slog.Logger) (*observability.Telemetry, error) {
	cfg := observability.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    opts.environment,
		Logger:         logger,
	}
	if opts.telemetry {
		traceExporter, err := stdouttrace.New()
		if err != nil {
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}
		metricExporter, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("create metric exporter: %w", err)
		}
		cfg.TraceExporter = traceExporter
		cfg.TraceSampleRate = 1.0
		cfg.MetricReader = sdkmetric.NewPeriodicReader(metricExporter,
			sdkmetric.WithInterval(30*time.Second))
	}
	tel, err := observability.Init(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	return tel, nil
}

func newLogger(format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("log format %q (want text or json)", format)
	}
}
