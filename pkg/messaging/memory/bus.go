// Package memory provides an in-process event bus backed by buffered
// channels and per-consumer workers. It gives single-binary deployments
// and tests the same at-least-once delivery contract as the NATS bus,
// without a broker.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/plaenen/userservice/pkg/domain"
	"github.com/plaenen/userservice/pkg/messaging"
)

type config struct {
	queueSize       int
	workers         int
	redeliveryDelay time.Duration
	logger          *slog.Logger
}

func defaultConfig() config {
	return config{
		queueSize:       256,
		workers:         1,
		redeliveryDelay: 100 * time.Millisecond,
		logger:          slog.Default(),
	}
}

// Option configures a Bus.
type Option func(*config)

// WithQueueSize sets the per-consumer queue capacity.
func WithQueueSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithWorkers sets how many goroutines deliver per consumer. More than
// one worker trades delivery order for throughput; handlers must already
// tolerate reordering for that to be safe.
func WithWorkers(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithRedeliveryDelay sets the pause before a failed delivery is retried.
func WithRedeliveryDelay(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.redeliveryDelay = d
		}
	}
}

// WithLogger sets the logger for delivery failures.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Bus is an in-process messaging.EventBus. Every subscription gets its
// own queue and workers, so one slow consumer does not stall the others.
type Bus struct {
	cfg config

	mu     sync.Mutex
	subs   []*subscription
	closed bool
}

// NewBus creates an in-process event bus.
func NewBus(opts ...Option) *Bus {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Bus{cfg: cfg}
}

// Publish delivers the event to every matching subscription. It blocks
// while a matching queue is full, so publishers slow down instead of
// dropping events.
func (b *Bus) Publish(ctx context.Context, event *domain.Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("event bus is closed")
	}
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, sub := range subs {
		if !sub.filter.Matches(event) {
			continue
		}
		delivery := &messaging.Delivery{Event: event, Attempt: 1}
		select {
		case sub.queue <- delivery:
		case <-sub.done:
			// Unsubscribed between snapshot and send.
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers a handler for events matching the filter. Each
// subscription delivers independently; a shared consumer name does not
// form a queue group the way it does on NATS.
func (b *Bus) Subscribe(filter messaging.EventFilter, consumer string, handler messaging.DeliveryHandler) (messaging.Subscription, error) {
	if consumer == "" {
		return nil, fmt.Errorf("consumer name is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &subscription{
		bus:      b,
		consumer: consumer,
		filter:   filter,
		handler:  handler,
		queue:    make(chan *messaging.Delivery, b.cfg.queueSize),
		done:     make(chan struct{}),
	}
	b.subs = append(b.subs, sub)

	sub.wg.Add(b.cfg.workers)
	for i := 0; i < b.cfg.workers; i++ {
		go sub.run()
	}
	return sub, nil
}

// Close stops all subscriptions and waits for their workers. In-flight
// deliveries finish; queued ones are dropped.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	return nil
}

type subscription struct {
	bus      *Bus
	consumer string
	filter   messaging.EventFilter
	handler  messaging.DeliveryHandler
	queue    chan *messaging.Delivery
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func (s *subscription) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case delivery := <-s.queue:
			s.deliver(delivery)
		}
	}
}

func (s *subscription) deliver(delivery *messaging.Delivery) {
	if err := s.handler(context.Background(), delivery); err != nil {
		s.bus.cfg.logger.Warn("event delivery failed",
			slog.String("consumer", s.consumer),
			slog.String("event_id", delivery.Event.ID),
			slog.String("event_kind", delivery.Event.EventType),
			slog.Int("attempt", delivery.Attempt),
			slog.String("error", err.Error()),
		)
		s.redeliver(&messaging.Delivery{Event: delivery.Event, Attempt: delivery.Attempt + 1})
	}
}

// redeliver requeues asynchronously: a worker must never block on its
// own full queue.
func (s *subscription) redeliver(delivery *messaging.Delivery) {
	time.AfterFunc(s.bus.cfg.redeliveryDelay, func() {
		select {
		case s.queue <- delivery:
		case <-s.done:
		}
	})
}

// Unsubscribe stops the subscription's workers and removes it from the
// bus. Queued deliveries are dropped.
func (s *subscription) Unsubscribe() error {
	s.bus.mu.Lock()
	for i, sub := range s.bus.subs {
		if sub == s {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			break
		}
	}
	s.bus.mu.Unlock()

	s.stop()
	return nil
}

func (s *subscription) stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
}

var (
	_ messaging.EventBus     = (*Bus)(nil)
	_ messaging.Subscription = (*subscription)(nil)
)
