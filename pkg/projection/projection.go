// Package projection runs read-model and side-effect projections against
// the event bus. The manager gives each projection a durable consumer,
// parks events a projection repeatedly fails on, and can rebuild a
// projection from the event store.
package projection

import (
	"context"

	"github.com/plaenen/userservice/pkg/domain"
)

// Projection consumes decoded events and maintains derived state.
// Implementations must be idempotent: at-least-once delivery means the
// same event can arrive more than once, and in unusual orders after
// redelivery.
type Projection interface {
	// Name identifies the projection. It doubles as the durable consumer
	// name on the bus, the checkpoint key, and the dead-letter consumer.
	Name() string

	// EventTypes lists the event kinds this projection consumes.
	EventTypes() []string

	// Handle applies one event. An error requeues the delivery; after
	// exhausted attempts the manager parks the event and moves on.
	Handle(ctx context.Context, envelope *domain.EventEnvelope) error

	// Reset clears all derived state ahead of a rebuild.
	Reset(ctx context.Context) error
}
