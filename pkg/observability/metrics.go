package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instrument set for the user service engine: command
// handling, event store traffic, snapshot usage, outbox publishing, and
// projection processing.
type Metrics struct {
	// Command metrics
	CommandDuration metric.Float64Histogram
	CommandTotal    metric.Int64Counter
	CommandErrors   metric.Int64Counter

	// Event store metrics
	EventsAppended    metric.Int64Counter
	EventsPublished   metric.Int64Counter
	EventStoreLatency metric.Float64Histogram

	// Aggregate metrics
	AggregateLoads metric.Int64Counter
	SnapshotHits   metric.Int64Counter
	SnapshotMisses metric.Int64Counter

	// Outbox metrics
	OutboxBatchSize metric.Int64Histogram

	// Projection metrics
	ProjectionHandled     metric.Int64Counter
	ProjectionErrors      metric.Int64Counter
	ProjectionDeadLetters metric.Int64Counter
	ProjectionLag         metric.Float64Gauge
}

// NewMetrics creates all metric instruments
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	// Command metrics
	m.CommandDuration, err = meter.Float64Histogram(
		"userservice.command.duration",
		metric.WithDescription("Command execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.duration: %w", err)
	}

	m.CommandTotal, err = meter.Int64Counter(
		"userservice.command.total",
		metric.WithDescription("Total commands executed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.total: %w", err)
	}

	m.CommandErrors, err = meter.Int64Counter(
		"userservice.command.errors",
		metric.WithDescription("Total command errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.errors: %w", err)
	}

	// Event store metrics
	m.EventsAppended, err = meter.Int64Counter(
		"userservice.events.appended",
		metric.WithDescription("Total events appended to the event store"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.appended: %w", err)
	}

	m.EventsPublished, err = meter.Int64Counter(
		"userservice.events.published",
		metric.WithDescription("Total events published to the event bus"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.published: %w", err)
	}

	m.EventStoreLatency, err = meter.Float64Histogram(
		"userservice.eventstore.latency",
		metric.WithDescription("Event store operation latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating eventstore.latency: %w", err)
	}

	// Aggregate metrics
	m.AggregateLoads, err = meter.Int64Counter(
		"userservice.aggregate.loads",
		metric.WithDescription("Total aggregate loads"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating aggregate.loads: %w", err)
	}

	m.SnapshotHits, err = meter.Int64Counter(
		"userservice.snapshot.hits",
		metric.WithDescription("Aggregate loads served from a snapshot"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot.hits: %w", err)
	}

	m.SnapshotMisses, err = meter.Int64Counter(
		"userservice.snapshot.misses",
		metric.WithDescription("Aggregate loads folded from revision 1"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot.misses: %w", err)
	}

	// Outbox metrics
	m.OutboxBatchSize, err = meter.Int64Histogram(
		"userservice.outbox.batch_size",
		metric.WithDescription("Outbox rows claimed per dispatch batch"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating outbox.batch_size: %w", err)
	}

	// Projection metrics
	m.ProjectionHandled, err = meter.Int64Counter(
		"userservice.projection.handled",
		metric.WithDescription("Events handled by projections"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.handled: %w", err)
	}

	m.ProjectionErrors, err = meter.Int64Counter(
		"userservice.projection.errors",
		metric.WithDescription("Projection processing errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.errors: %w", err)
	}

	m.ProjectionDeadLetters, err = meter.Int64Counter(
		"userservice.projection.dead_letters",
		metric.WithDescription("Events dead-lettered after exhausted projection attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.dead_letters: %w", err)
	}

	m.ProjectionLag, err = meter.Float64Gauge(
		"userservice.projection.lag",
		metric.WithDescription("Projection lag in seconds behind the event stream"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.lag: %w", err)
	}

	return m, nil
}

// RecordCommand records command execution metrics
func (m *Metrics) RecordCommand(ctx context.Context, commandType string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("command_type", commandType),
	}

	m.CommandDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.CommandTotal.Add(ctx, 1, metric.WithAttributes(attrs...))

	if err != nil {
		errorAttrs := append(attrs,
			attribute.String("error_type", fmt.Sprintf("%T", err)),
		)
		m.CommandErrors.Add(ctx, 1, metric.WithAttributes(errorAttrs...))
	}
}

// RecordEventStoreOperation records event store latency, plus appended
// counts when the operation is an append.
func (m *Metrics) RecordEventStoreOperation(ctx context.Context, operation string, duration time.Duration, eventCount int) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
	}

	m.EventStoreLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))

	if operation == "append" {
		m.EventsAppended.Add(ctx, int64(eventCount), metric.WithAttributes(attrs...))
	}
}

// RecordAggregateLoad records an aggregate load and its snapshot usage
func (m *Metrics) RecordAggregateLoad(ctx context.Context, aggregateType string, snapshotUsed bool) {
	attrs := []attribute.KeyValue{
		attribute.String("aggregate_type", aggregateType),
	}

	m.AggregateLoads.Add(ctx, 1, metric.WithAttributes(attrs...))

	if snapshotUsed {
		m.SnapshotHits.Add(ctx, 1, metric.WithAttributes(attrs...))
	} else {
		m.SnapshotMisses.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordOutboxBatch records the size of one dispatch claim
func (m *Metrics) RecordOutboxBatch(ctx context.Context, claimed int) {
	m.OutboxBatchSize.Record(ctx, int64(claimed))
}

// RecordEventsPublished counts events acknowledged by the bus
func (m *Metrics) RecordEventsPublished(ctx context.Context, count int) {
	m.EventsPublished.Add(ctx, int64(count))
}

// RecordProjectionHandled records one delivery to a projection
func (m *Metrics) RecordProjectionHandled(ctx context.Context, projectionName string, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("projection", projectionName),
	}

	m.ProjectionHandled.Add(ctx, 1, metric.WithAttributes(attrs...))

	if err != nil {
		errorAttrs := append(attrs,
			attribute.String("error_type", fmt.Sprintf("%T", err)),
		)
		m.ProjectionErrors.Add(ctx, 1, metric.WithAttributes(errorAttrs...))
	}
}

// RecordProjectionDeadLetter counts events a projection gave up on
func (m *Metrics) RecordProjectionDeadLetter(ctx context.Context, projectionName string) {
	m.ProjectionDeadLetters.Add(ctx, 1, metric.WithAttributes(
		attribute.String("projection", projectionName),
	))
}

// RecordProjectionLag records how far behind a projection is
func (m *Metrics) RecordProjectionLag(ctx context.Context, projectionName string, lagSeconds float64) {
	m.ProjectionLag.Record(ctx, lagSeconds, metric.WithAttributes(
		attribute.String("projection", projectionName),
	))
}
