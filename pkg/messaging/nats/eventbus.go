// Package nats provides a NATS JetStream implementation of the event
// bus, plus an embedded server for single-binary deployments and tests.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/plaenen/userservice/pkg/domain"
	"github.com/plaenen/userservice/pkg/messaging"
	"github.com/plaenen/userservice/pkg/security/credentials"
)

// EventBus publishes and consumes events through a JetStream stream.
// Publishes deduplicate on the event ID; consumers are durable, so a
// restarted process resumes where it left off.
type EventBus struct {
	nc         *nats.Conn
	js         nats.JetStreamContext
	streamName string
	redelivery time.Duration
	logger     *slog.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds configuration for the NATS event bus.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// Name identifies this client on the server.
	Name string

	// Credentials authenticates the connection when the server requires
	// it; token and user_password credential types are supported. Nil
	// connects anonymously, which is what the embedded server expects.
	Credentials credentials.Provider

	// MaxReconnects bounds reconnection attempts after a lost
	// connection. Zero disables reconnection.
	MaxReconnects int

	// ReconnectWait spaces reconnection attempts.
	ReconnectWait time.Duration

	// StreamName is the JetStream stream name for events.
	StreamName string

	// StreamSubjects are the subjects the stream captures.
	StreamSubjects []string

	// MaxAge is how long the stream retains events.
	MaxAge time.Duration

	// MaxBytes is the maximum bytes the stream can store.
	MaxBytes int64

	// RedeliveryDelay spaces redeliveries of failed messages.
	RedeliveryDelay time.Duration

	// Logger receives delivery failures. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults for the NATS event bus.
func DefaultConfig() Config {
	return Config{
		URL:             nats.DefaultURL,
		Name:            "userservice",
		MaxReconnects:   10,
		ReconnectWait:   2 * time.Second,
		StreamName:      "EVENTS",
		StreamSubjects:  []string{"events.>"},
		MaxAge:          7 * 24 * time.Hour,
		MaxBytes:        1024 * 1024 * 1024, // 1 GB
		RedeliveryDelay: 100 * time.Millisecond,
	}
}

// NewEventBus connects to NATS and ensures the event stream exists.
func NewEventBus(config Config) (*EventBus, error) {
	if config.StreamName == "" {
		config.StreamName = "EVENTS"
	}
	if len(config.StreamSubjects) == 0 {
		config.StreamSubjects = []string{"events.>"}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				config.Logger.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			config.Logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	}

	if config.Credentials != nil {
		authOpt, err := authOption(config.Credentials)
		if err != nil {
			return nil, fmt.Errorf("resolve bus credentials: %w", err)
		}
		opts = append(opts, authOpt)
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	bus := &EventBus{
		nc:         nc,
		js:         js,
		streamName: config.StreamName,
		redelivery: config.RedeliveryDelay,
		logger:     config.Logger,
		subs:       make(map[string]*nats.Subscription),
	}

	if err := bus.ensureStream(config); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return bus, nil
}

// authOption resolves the configured credentials into a NATS connect
// option. Resolution happens once at connect time; rotation requires a
// reconnect.
func authOption(provider credentials.Provider) (nats.Option, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	creds, err := provider.GetCredentials(ctx)
	if err != nil {
		return nil, err
	}

	switch creds.Type {
	case credentials.CredentialTypeToken:
		return nats.Token(creds.Token), nil
	case credentials.CredentialTypeUserPassword:
		return nats.UserInfo(creds.User, creds.Password), nil
	default:
		return nil, fmt.Errorf("unsupported credential type %q for bus authentication", creds.Type)
	}
}

// ensureStream creates or updates the JetStream stream.
func (b *EventBus) ensureStream(config Config) error {
	streamConfig := &nats.StreamConfig{
		Name:     config.StreamName,
		Subjects: config.StreamSubjects,
		// Interest retention deletes messages once every consumer
		// processed them.
		Retention: nats.InterestPolicy,
		MaxAge:    config.MaxAge,
		MaxBytes:  config.MaxBytes,
		Storage:   nats.FileStorage,
		Replicas:  1,
	}

	stream, err := b.js.StreamInfo(config.StreamName)
	if err != nil {
		if _, err := b.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
		return nil
	}

	if stream.Config.MaxAge != config.MaxAge || stream.Config.MaxBytes != config.MaxBytes {
		if _, err := b.js.UpdateStream(streamConfig); err != nil {
			return fmt.Errorf("update stream: %w", err)
		}
	}
	return nil
}

// Publish publishes one event. The event ID doubles as the JetStream
// message ID, so republishing after a dispatcher crash deduplicates.
func (b *EventBus) Publish(ctx context.Context, event *domain.Event) error {
	data, err := domain.MarshalEvent(event)
	if err != nil {
		return fmt.Errorf("serialize event %s: %w", event.ID, err)
	}

	subject := fmt.Sprintf("events.%s.%s", event.AggregateType, event.EventType)
	if _, err := b.js.Publish(subject, data, nats.MsgId(event.ID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish event %s: %w", event.ID, err)
	}
	return nil
}

// Subscribe creates a durable queue consumer named after the caller.
// Handler failures nak the message for redelivery; the delivery's Attempt
// count comes from JetStream, so handlers can decide when to give up.
func (b *EventBus) Subscribe(filter messaging.EventFilter, consumer string, handler messaging.DeliveryHandler) (messaging.Subscription, error) {
	if consumer == "" {
		return nil, fmt.Errorf("consumer name is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.subs[consumer]; exists {
		return nil, fmt.Errorf("consumer %q is already subscribed", consumer)
	}

	sub, err := b.js.QueueSubscribe(
		b.buildSubject(filter),
		consumer,
		func(msg *nats.Msg) { b.dispatch(msg, filter, consumer, handler) },
		nats.Durable(consumer),
		nats.ManualAck(),
		nats.AckExplicit(),
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe %q: %w", consumer, err)
	}

	b.subs[consumer] = sub
	return &subscription{bus: b, sub: sub, consumer: consumer}, nil
}

func (b *EventBus) dispatch(msg *nats.Msg, filter messaging.EventFilter, consumer string, handler messaging.DeliveryHandler) {
	event, err := domain.UnmarshalEvent(msg.Data)
	if err != nil {
		// A message that cannot be decoded never will be; terminate it
		// instead of redelivering forever.
		b.logger.Error("terminating undecodable event message",
			slog.String("consumer", consumer),
			slog.String("subject", msg.Subject),
			slog.String("error", err.Error()),
		)
		_ = msg.Term()
		return
	}

	// The subject covers single-type filters; wider filters check here.
	if !filter.Matches(event) {
		_ = msg.Ack()
		return
	}

	attempt := 1
	if meta, err := msg.Metadata(); err == nil {
		attempt = int(meta.NumDelivered)
	}

	if err := handler(context.Background(), &messaging.Delivery{Event: event, Attempt: attempt}); err != nil {
		b.logger.Warn("event delivery failed",
			slog.String("consumer", consumer),
			slog.String("event_id", event.ID),
			slog.String("event_kind", event.EventType),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if b.redelivery > 0 {
			_ = msg.NakWithDelay(b.redelivery)
		} else {
			_ = msg.Nak()
		}
		return
	}
	_ = msg.Ack()
}

// buildSubject maps a filter to a NATS subject. Filters wider than one
// aggregate and event type subscribe broadly and narrow per message.
func (b *EventBus) buildSubject(filter messaging.EventFilter) string {
	if len(filter.AggregateTypes) == 1 {
		switch len(filter.EventTypes) {
		case 0:
			return fmt.Sprintf("events.%s.>", filter.AggregateTypes[0])
		case 1:
			return fmt.Sprintf("events.%s.%s", filter.AggregateTypes[0], filter.EventTypes[0])
		}
	}
	return "events.>"
}

// Close drains all subscriptions and closes the connection.
func (b *EventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		_ = sub.Drain()
	}
	b.subs = make(map[string]*nats.Subscription)

	b.nc.Close()
	return nil
}

type subscription struct {
	bus      *EventBus
	sub      *nats.Subscription
	consumer string
}

// Unsubscribe stops delivery. Draining rather than unsubscribing keeps
// the durable consumer on the server, so resubscribing under the same
// name resumes where it stopped.
func (s *subscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.consumer)
	s.bus.mu.Unlock()
	return s.sub.Drain()
}

var (
	_ messaging.EventBus     = (*EventBus)(nil)
	_ messaging.Subscription = (*subscription)(nil)
)
