// Package outbox publishes committed events from the outbox table to the
// event bus. Rows are enqueued in the same transaction as the events they
// carry, so every committed event is eventually published even when the
// process crashes between commit and publish.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/plaenen/userservice/pkg/domain"
	"github.com/plaenen/userservice/pkg/messaging"
	"github.com/plaenen/userservice/pkg/observability"
	"github.com/plaenen/userservice/pkg/runner"
	"github.com/plaenen/userservice/pkg/store"
)

// Dead-letter consumer name for rows the dispatcher gives up on.
const dispatcherConsumer = "dispatcher"

// Maintenance defaults. The main publish defaults live in pkg/store next
// to the outbox contract.
const (
	// DefaultStuckTimeout is how long a row may sit in publishing before
	// the claim is considered lost and the row returns to pending.
	DefaultStuckTimeout = 5 * time.Minute

	// DefaultMaintenanceInterval is the cadence of the slow ticker that
	// requeues stuck claims and purges published rows.
	DefaultMaintenanceInterval = 10 * time.Minute
)

// Dispatcher drains the outbox to the event bus. It implements
// runner.Service: Start recovers claims lost to a previous crash and
// launches the drain loop, Stop waits for the loop to finish.
//
// Delivery is at least once. A crash between bus ack and MarkPublished
// republishes the row on the next run, and consumers deduplicate on
// event id.
type Dispatcher struct {
	outbox  store.OutboxStore
	dead    store.DeadLetterStore
	bus     messaging.EventBus
	logger  *slog.Logger
	metrics *observability.Metrics

	interval     time.Duration
	batchSize    int
	maxAttempts  int
	retryBackoff time.Duration
	retention    time.Duration
	stuckTimeout time.Duration
	maintenance  time.Duration

	notify   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics records batch sizes on the given instrument set.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// WithPublishInterval sets the drain ticker interval.
func WithPublishInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.interval = interval
		}
	}
}

// WithBatchSize sets how many rows one claim takes.
func WithBatchSize(size int) Option {
	return func(d *Dispatcher) {
		if size > 0 {
			d.batchSize = size
		}
	}
}

// WithMaxAttempts sets the publish attempts before a row dead-letters.
func WithMaxAttempts(attempts int) Option {
	return func(d *Dispatcher) {
		if attempts > 0 {
			d.maxAttempts = attempts
		}
	}
}

// WithRetryBackoff sets the base delay between publish retries.
func WithRetryBackoff(base time.Duration) Option {
	return func(d *Dispatcher) {
		if base > 0 {
			d.retryBackoff = base
		}
	}
}

// WithRetention sets how long published rows are kept before purging.
func WithRetention(retention time.Duration) Option {
	return func(d *Dispatcher) {
		if retention > 0 {
			d.retention = retention
		}
	}
}

// WithStuckTimeout sets how long a claim may live before it is
// considered lost.
func WithStuckTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.stuckTimeout = timeout
		}
	}
}

// WithMaintenanceInterval sets the slow ticker for requeue and purge.
func WithMaintenanceInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.maintenance = interval
		}
	}
}

// NewDispatcher creates a dispatcher over the given outbox, dead-letter
// store, and bus.
func NewDispatcher(outboxStore store.OutboxStore, deadLetters store.DeadLetterStore, bus messaging.EventBus, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		outbox:       outboxStore,
		dead:         deadLetters,
		bus:          bus,
		logger:       slog.Default(),
		interval:     store.DefaultPublishInterval,
		batchSize:    store.DefaultPublishBatch,
		maxAttempts:  store.DefaultMaxAttempts,
		retryBackoff: store.DefaultRetryBackoff,
		retention:    store.DefaultRetention,
		stuckTimeout: DefaultStuckTimeout,
		maintenance:  DefaultMaintenanceInterval,
		notify:       make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name returns the service name for the runner.
func (d *Dispatcher) Name() string {
	return "outbox-dispatcher"
}

// Start recovers stale claims and launches the drain loop. The loop runs
// until Stop; it does not hold the start context.
func (d *Dispatcher) Start(ctx context.Context) error {
	// Rows still in publishing belong to a previous run whose claims
	// died with it.
	requeued, err := d.outbox.RequeueStuck(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("requeueing stale outbox claims: %w", err)
	}
	if requeued > 0 {
		d.logger.Warn("recovered outbox claims from previous run", "count", requeued)
	}

	d.wg.Add(1)
	go d.run()

	d.logger.Info("outbox dispatcher started",
		"interval", d.interval,
		"batch_size", d.batchSize,
		"max_attempts", d.maxAttempts)
	return nil
}

// Stop ends the drain loop and waits for it within the context deadline.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() {
		close(d.done)
	})

	finished := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		d.logger.Info("outbox dispatcher stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for outbox dispatcher: %w", ctx.Err())
	}
}

// Notify wakes the drain loop ahead of its ticker. Command handlers call
// this after commit so events reach the bus without waiting out the
// interval. Never blocks.
func (d *Dispatcher) Notify() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// HealthCheck reports whether the outbox store is reachable.
func (d *Dispatcher) HealthCheck(ctx context.Context) error {
	if _, err := d.outbox.CountByStatus(ctx); err != nil {
		return fmt.Errorf("outbox store unreachable: %w", err)
	}
	return nil
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-d.done
		cancel()
	}()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	housekeeping := time.NewTicker(d.maintenance)
	defer housekeeping.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-d.notify:
		case <-ticker.C:
		case <-housekeeping.C:
			d.housekeep(ctx)
			continue
		}

		if err := d.Drain(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("outbox drain failed", "error", err)
		}
	}
}

// Drain claims and publishes due rows until the outbox has no more. The
// background loop calls this on every tick and notify; it is exported
// for synchronous flushes in tests and tools. Safe to call concurrently
// with the loop since claims are atomic.
func (d *Dispatcher) Drain(ctx context.Context) error {
	for {
		entries, err := d.outbox.ClaimBatch(ctx, d.batchSize, time.Now())
		if err != nil {
			return fmt.Errorf("claiming outbox batch: %w", err)
		}
		if len(entries) == 0 {
			return nil
		}

		published := d.publishBatch(ctx, entries)
		if d.metrics != nil {
			d.metrics.RecordOutboxBatch(ctx, len(entries))
			d.metrics.RecordEventsPublished(ctx, published)
		}

		if len(entries) < d.batchSize {
			return nil
		}
	}
}

// publishBatch publishes claimed rows in id order and returns how many
// reached the bus. Failures are handled per row so one broken event does
// not hold back the rest; consumers that need strict order converge
// through redelivery.
func (d *Dispatcher) publishBatch(ctx context.Context, entries []*store.OutboxEntry) int {
	published := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			// Remaining claims return to pending via RequeueStuck on
			// the next start or maintenance tick.
			return published
		}

		event, err := domain.UnmarshalEvent(entry.Payload)
		if err != nil {
			// The payload cannot be decoded, so retrying cannot help.
			d.deadLetter(ctx, entry, fmt.Errorf("decoding payload: %w", err))
			continue
		}

		if err := d.bus.Publish(ctx, event); err != nil {
			d.publishFailed(ctx, entry, err)
			continue
		}
		published++

		if err := d.outbox.MarkPublished(ctx, entry.ID, time.Now()); err != nil {
			// The event is on the bus. The row republishes later and
			// consumers deduplicate on event id.
			d.logger.Error("marking outbox row published",
				"outbox_id", entry.ID,
				"event_id", entry.EventID,
				"error", err)
		}
	}
	return published
}

func (d *Dispatcher) publishFailed(ctx context.Context, entry *store.OutboxEntry, cause error) {
	attempts := entry.Attempts + 1
	if attempts >= d.maxAttempts {
		d.deadLetter(ctx, entry, cause)
		return
	}

	delay := store.NextAttemptDelay(attempts, d.retryBackoff)
	if err := d.outbox.MarkFailed(ctx, entry.ID, attempts, time.Now().Add(delay), cause.Error()); err != nil {
		d.logger.Error("marking outbox row failed",
			"outbox_id", entry.ID,
			"event_id", entry.EventID,
			"error", err)
		return
	}

	d.logger.Warn("outbox publish failed",
		"outbox_id", entry.ID,
		"event_id", entry.EventID,
		"event_kind", entry.EventType,
		"attempt", attempts,
		"retry_in", delay,
		"error", cause)
}

// deadLetter copies the row to the dead-letter store, then parks it. The
// copy goes first: Add upserts on (source, consumer, event), so running
// it twice after a partial failure is harmless, while parking a row
// without its copy would hide it from operators.
func (d *Dispatcher) deadLetter(ctx context.Context, entry *store.OutboxEntry, cause error) {
	attempts := entry.Attempts + 1

	err := d.dead.Add(ctx, &store.DeadLetterEntry{
		Source:      store.DeadLetterDispatch,
		Consumer:    dispatcherConsumer,
		EventID:     entry.EventID,
		EventType:   entry.EventType,
		AggregateID: entry.AggregateID,
		Payload:     entry.Payload,
		Attempts:    attempts,
		LastError:   cause.Error(),
	})
	if err != nil {
		d.logger.Error("copying outbox row to dead letter store",
			"outbox_id", entry.ID,
			"event_id", entry.EventID,
			"error", err)
		// Keep the row retryable so the copy is attempted again.
		delay := store.NextAttemptDelay(attempts, d.retryBackoff)
		if markErr := d.outbox.MarkFailed(ctx, entry.ID, attempts, time.Now().Add(delay), cause.Error()); markErr != nil {
			d.logger.Error("marking outbox row failed",
				"outbox_id", entry.ID,
				"event_id", entry.EventID,
				"error", markErr)
		}
		return
	}

	if err := d.outbox.MarkDeadLettered(ctx, entry.ID, cause.Error()); err != nil {
		d.logger.Error("marking outbox row dead lettered",
			"outbox_id", entry.ID,
			"event_id", entry.EventID,
			"error", err)
		return
	}

	d.logger.Error("outbox row dead lettered",
		"outbox_id", entry.ID,
		"event_id", entry.EventID,
		"event_kind", entry.EventType,
		"attempts", attempts,
		"error", cause)
}

func (d *Dispatcher) housekeep(ctx context.Context) {
	requeued, err := d.outbox.RequeueStuck(ctx, time.Now().Add(-d.stuckTimeout))
	if err != nil {
		d.logger.Error("requeueing stuck outbox claims", "error", err)
	} else if requeued > 0 {
		d.logger.Warn("requeued stuck outbox claims", "count", requeued)
	}

	purged, err := d.outbox.PurgePublished(ctx, time.Now().Add(-d.retention))
	if err != nil {
		d.logger.Error("purging published outbox rows", "error", err)
	} else if purged > 0 {
		d.logger.Debug("purged published outbox rows", "count", purged)
	}
}

var (
	_ runner.Service       = (*Dispatcher)(nil)
	_ runner.HealthChecker = (*Dispatcher)(nil)
)
