package store

import (
	"context"
	"time"

	"github.com/plaenen/userservice/pkg/domain"
)

// StreamFilter selects a slice of an aggregate's stream. Revision bounds
// are inclusive; time bounds are half-open [FromTime, ToTime). Zero values
// leave a bound unset.
type StreamFilter struct {
	FromRevision int64
	ToRevision   int64
	FromTime     time.Time
	ToTime       time.Time
}

// EventStore is the append-only stream storage for one aggregate kind.
// A store instance is bound to a single kind (and its physical table), so
// operations take only the aggregate ID.
type EventStore interface {
	// AppendEvents appends events to an aggregate's stream atomically.
	// Unique constraint claims and releases carried by the events are
	// applied in the same transaction.
	// Returns domain.ErrConcurrencyConflict when the stream head is not
	// expectedRevision, domain.ErrDuplicateEvent on event ID collision,
	// a domain.SchemaError for unregistered (kind, version) pairs, and a
	// domain.UniqueConstraintError when a claim is owned elsewhere.
	AppendEvents(ctx context.Context, aggregateID string, expectedRevision int64, events []*domain.Event) error

	// AppendEventsIdempotent appends events remembered under commandID.
	// A replayed commandID returns the recorded result with
	// AlreadyProcessed set and appends nothing. TTL bounds how long the
	// command is remembered (domain.DefaultCommandTTL when zero).
	AppendEventsIdempotent(ctx context.Context, commandID, aggregateID string, expectedRevision int64, events []*domain.Event, ttl time.Duration) (*domain.CommandResult, error)

	// GetCommandResult returns the recorded result for commandID, or
	// domain.ErrNotFound when the command is unknown or expired.
	GetCommandResult(ctx context.Context, commandID string) (*domain.CommandResult, error)

	// GetStream returns the aggregate's events matching filter, ordered by
	// ascending revision.
	GetStream(ctx context.Context, aggregateID string, filter StreamFilter) ([]*domain.Event, error)

	// HeadRevision returns the revision of the last event in the stream,
	// 0 when the stream is empty.
	HeadRevision(ctx context.Context, aggregateID string) (int64, error)

	// LoadAllEvents returns events across all aggregates in append order,
	// starting after fromPosition. Used for projection rebuilds.
	LoadAllEvents(ctx context.Context, fromPosition int64, limit int) ([]*domain.Event, error)

	// CheckUniqueness reports whether a value is free to claim, and the
	// owning aggregate when it is not.
	CheckUniqueness(ctx context.Context, indexName, value string) (available bool, ownerID string, err error)

	// GetConstraintOwner returns the aggregate owning a value, or "" when
	// the value is unclaimed.
	GetConstraintOwner(ctx context.Context, indexName, value string) (string, error)

	// RebuildConstraints regenerates the constraint table from the stream.
	RebuildConstraints(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}
