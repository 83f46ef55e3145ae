package messaging

import (
	"context"

	"github.com/plaenen/userservice/pkg/domain"
)

// EventBus carries committed events from the outbox dispatcher to
// projection consumers with at-least-once delivery.
type EventBus interface {
	// Publish delivers one event to every matching consumer. Publishing
	// the same event ID twice is safe: implementations deduplicate where
	// the transport allows and consumers are idempotent regardless.
	Publish(ctx context.Context, event *domain.Event) error

	// Subscribe registers a named consumer for events matching the
	// filter. The consumer name scopes delivery state: each consumer
	// receives every matching event once per delivery attempt, and
	// redeliveries after a handler error go back to the same consumer.
	Subscribe(filter EventFilter, consumer string, handler DeliveryHandler) (Subscription, error)

	// Close stops all subscriptions and releases transport resources.
	Close() error
}

// EventFilter selects the events a consumer receives.
type EventFilter struct {
	// AggregateTypes filters by aggregate kind (empty = all kinds).
	AggregateTypes []string

	// EventTypes filters by event kind (empty = all kinds).
	EventTypes []string
}

// Matches reports whether an event passes the filter.
func (f EventFilter) Matches(event *domain.Event) bool {
	if len(f.AggregateTypes) > 0 && !contains(f.AggregateTypes, event.AggregateType) {
		return false
	}
	if len(f.EventTypes) > 0 && !contains(f.EventTypes, event.EventType) {
		return false
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Delivery is one attempt to hand an event to a consumer.
type Delivery struct {
	// Event is the delivered event.
	Event *domain.Event

	// Attempt counts deliveries of this event to this consumer,
	// starting at 1.
	Attempt int
}

// DeliveryHandler processes one delivery. Returning an error nacks the
// delivery and the bus redelivers with an incremented attempt count.
type DeliveryHandler func(ctx context.Context, delivery *Delivery) error

// Subscription is an active consumer registration.
type Subscription interface {
	// Unsubscribe stops delivery to this consumer.
	Unsubscribe() error
}
