package store

import (
	"context"
	"time"
)

// DeadLetterSource identifies which stage gave up on an event.
type DeadLetterSource string

const (
	// DeadLetterDispatch marks events the outbox dispatcher could not
	// publish.
	DeadLetterDispatch DeadLetterSource = "dispatch"

	// DeadLetterProjection marks events a projection repeatedly failed to
	// process.
	DeadLetterProjection DeadLetterSource = "projection"
)

// DeadLetterEntry is an event parked for operator inspection.
type DeadLetterEntry struct {
	// ID is a ULID assigned at parking time.
	ID string

	Source      DeadLetterSource
	Consumer    string
	EventID     string
	EventType   string
	AggregateID string
	Payload     []byte
	Attempts    int
	LastError   string
	CreatedAt   time.Time
}

// DeadLetterStore persists parked events.
type DeadLetterStore interface {
	// Add parks an entry. Parking the same (source, consumer, event)
	// twice keeps the latest attempt information.
	Add(ctx context.Context, entry *DeadLetterEntry) error

	// List returns up to limit entries for a source, oldest first. An
	// empty source lists all.
	List(ctx context.Context, source DeadLetterSource, limit int) ([]*DeadLetterEntry, error)

	// Delete removes an entry after operator resolution.
	Delete(ctx context.Context, id string) error

	// Count returns the number of parked entries.
	Count(ctx context.Context) (int64, error)
}
