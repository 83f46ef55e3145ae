package projection

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

// DefaultRebuildBatch is how many events one rebuild iteration loads.
const DefaultRebuildBatch = 1000

// Manager subscribes projections to the event bus and supervises their
// deliveries. Each projection gets its own durable consumer named after
// it, so adding a projection never disturbs the others and a restarted
// process resumes where each projection stopped.
type Manager struct {
	bus         messaging.EventBus
	events      store.EventStore
	deadLetters store.DeadLetterStore
	logger      *slog.Logger
	metrics     *observability.Metrics

	maxAttempts  int
	rebuildBatch int

	mu            sync.Mutex
	projections   map[string]Projection
	order         []string
	subscriptions map[string]messaging.Subscription
	started       bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics records projection activity on the given instrument set.
func WithMetrics(metrics *observability.Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithMaxAttempts sets how many delivery attempts a projection gets
// before the event is parked.
func WithMaxAttempts(attempts int) ManagerOption {
	return func(m *Manager) {
		if attempts > 0 {
			m.maxAttempts = attempts
		}
	}
}

// WithRebuildBatch sets the event store page size used by Rebuild.
func WithRebuildBatch(size int) ManagerOption {
	return func(m *Manager) {
		if size > 0 {
			m.rebuildBatch = size
		}
	}
}

// NewManager creates a manager over the given bus, event store, and
// dead-letter store.
func NewManager(bus messaging.EventBus, events store.EventStore, deadLetters store.DeadLetterStore, opts ...ManagerOption) *Manager {
	m := &Manager{
		bus:           bus,
		events:        events,
		deadLetters:   deadLetters,
		logger:        slog.Default(),
		maxAttempts:   store.DefaultMaxAttempts,
		rebuildBatch:  DefaultRebuildBatch,
		projections:   make(map[string]Projection),
		subscriptions: make(map[string]messaging.Subscription),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a projection. All projections must be registered before
// Start.
func (m *Manager) Register(p Projection) error {
	if p == nil {
		return fmt.Errorf("register projection: nil projection")
	}
	if p.Name() == "" {
		return fmt.Errorf("register projection: empty name")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("register projection %q: manager already started", p.Name())
	}
	if _, exists := m.projections[p.Name()]; exists {
		return fmt.Errorf("register projection %q: already registered", p.Name())
	}
	m.projections[p.Name()] = p
	m.order = append(m.order, p.Name())
	return nil
}

// Name returns the service name for the runner.
func (m *Manager) Name() string {
	return "projection-manager"
}

// Start subscribes every registered projection under its own durable
// consumer.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("projection manager already started")
	}

	for _, name := range m.order {
		p := m.projections[name]
		sub, err := m.bus.Subscribe(messaging.EventFilter{
			EventTypes: p.EventTypes(),
		}, p.Name(), m.handlerFor(p))
		if err != nil {
			m.unsubscribeLocked()
			return fmt.Errorf("subscribing projection %q: %w", p.Name(), err)
		}
		m.subscriptions[p.Name()] = sub
		m.logger.Debug("projection subscribed",
			"projection", p.Name(),
			"event_kinds", p.EventTypes())
	}

	m.started = true
	m.logger.Info("projection manager started", "projections", len(m.projections))
	return nil
}

// Stop unsubscribes all projections. Durable consumer state stays on the
// bus, so a later Start resumes delivery where each projection stopped.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribeLocked()
	m.started = false
	m.logger.Info("projection manager stopped")
	return nil
}

func (m *Manager) unsubscribeLocked() {
	for name, sub := range m.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			m.logger.Warn("unsubscribing projection", "projection", name, "error", err)
		}
		delete(m.subscriptions, name)
	}
}

// handlerFor adapts a projection to a bus delivery handler with attempt
// tracking and dead-lettering.
func (m *Manager) handlerFor(p Projection) messaging.DeliveryHandler {
	return func(ctx context.Context, delivery *messaging.Delivery) error {
		envelope, err := domain.DecodeEvent(delivery.Event)
		if err != nil {
			// The payload does not decode against the registered schema;
			// redelivery cannot fix that.
			if parkErr := m.park(ctx, p, delivery, err); parkErr != nil {
				return parkErr
			}
			return nil
		}
		envelope.Attempt = delivery.Attempt

		err = p.Handle(ctx, envelope)
		if m.metrics != nil {
			m.metrics.RecordProjectionHandled(ctx, p.Name(), err)
			m.metrics.RecordProjectionLag(ctx, p.Name(), time.Since(envelope.Timestamp).Seconds())
		}
		if err == nil {
			return nil
		}

		if delivery.Attempt >= m.maxAttempts {
			if parkErr := m.park(ctx, p, delivery, err); parkErr != nil {
				return parkErr
			}
			// Ack so the consumer is not wedged behind one bad event.
			return nil
		}

		m.logger.Warn("projection handler failed",
			"projection", p.Name(),
			"event_id", delivery.Event.ID,
			"event_kind", delivery.Event.EventType,
			"attempt", delivery.Attempt,
			"error", err)
		return err
	}
}

// park copies the event to the dead-letter store. A failed park returns
// an error so the delivery is retried rather than lost.
func (m *Manager) park(ctx context.Context, p Projection, delivery *messaging.Delivery, cause error) error {
	payload, err := domain.MarshalEvent(delivery.Event)
	if err != nil {
		payload = nil
	}

	err = m.deadLetters.Add(ctx, &store.DeadLetterEntry{
		Source:      store.DeadLetterProjection,
		Consumer:    p.Name(),
		EventID:     delivery.Event.ID,
		EventType:   delivery.Event.EventType,
		AggregateID: delivery.Event.AggregateID,
		Payload:     payload,
		Attempts:    delivery.Attempt,
		LastError:   cause.Error(),
	})
	if err != nil {
		m.logger.Error("parking event in dead letter store",
			"projection", p.Name(),
			"event_id", delivery.Event.ID,
			"error", err)
		return fmt.Errorf("parking event %s: %w", delivery.Event.ID, err)
	}

	if m.metrics != nil {
		m.metrics.RecordProjectionDeadLetter(ctx, p.Name())
	}
	m.logger.Error("event dead lettered for projection",
		"projection", p.Name(),
		"event_id", delivery.Event.ID,
		"event_kind", delivery.Event.EventType,
		"attempts", delivery.Attempt,
		"error", cause)
	return nil
}

// Rebuild resets one projection and replays the whole event store
// through it in append order. The projection must be registered; the
// manager does not need to be started, so a maintenance process can
// rebuild without consuming live traffic.
func (m *Manager) Rebuild(ctx context.Context, name string) error {
	m.mu.Lock()
	p, ok := m.projections[name]
	m.mu.Unlock()
	if !ok {
		return domain.NewNotFoundError("projection", name)
	}

	m.logger.Info("rebuilding projection", "projection", name)
	start := time.Now()

	if err := p.Reset(ctx); err != nil {
		return fmt.Errorf("resetting projection %q: %w", name, err)
	}

	wanted := make(map[string]bool, len(p.EventTypes()))
	for _, kind := range p.EventTypes() {
		wanted[kind] = true
	}

	var position int64
	var applied int64
	for {
		events, err := m.events.LoadAllEvents(ctx, position, m.rebuildBatch)
		if err != nil {
			return fmt.Errorf("loading events after position %d: %w", position, err)
		}
		if len(events) == 0 {
			break
		}
		// Positions are dense, so the cursor advances by count.
		position += int64(len(events))

		for _, event := range events {
			if len(wanted) > 0 && !wanted[event.EventType] {
				continue
			}
			envelope, err := domain.DecodeEvent(event)
			if err != nil {
				return fmt.Errorf("decoding event %s during rebuild: %w", event.ID, err)
			}
			if err := p.Handle(ctx, envelope); err != nil {
				return fmt.Errorf("rebuilding %q at event %s: %w", name, event.ID, err)
			}
			applied++
		}

		if len(events) < m.rebuildBatch {
			break
		}
	}

	m.logger.Info("projection rebuilt",
		"projection", name,
		"events_applied", applied,
		"duration", time.Since(start))
	return nil
}

// Projections returns the registered projection names in registration
// order.
func (m *Manager) Projections() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, len(m.order))
	copy(names, m.order)
	return names
}

var _ runner.Service = (*Manager)(nil)
