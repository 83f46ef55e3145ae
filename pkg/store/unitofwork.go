package store

import (
	"context"
	"time"

	"github.com/plaenen/userservice/pkg/domain"
)

// UnitOfWork brackets one command's writes in a single transaction: event
// append, snapshot upsert, and outbox enqueue either all commit or none
// do. A unit of work belongs to one caller and must not be nested.
type UnitOfWork interface {
	// AppendEvents appends to the aggregate's stream inside the
	// transaction, with the same semantics as
	// EventStore.AppendEventsIdempotent. Constraint claims and the
	// command result commit atomically with the events.
	AppendEvents(ctx context.Context, commandID, aggregateID string, expectedRevision int64, events []*domain.Event, ttl time.Duration) (*domain.CommandResult, error)

	// PutSnapshot upserts the aggregate's snapshot inside the transaction.
	PutSnapshot(ctx context.Context, snapshot *Snapshot) error

	// EnqueueOutbox adds one outbox row per event inside the transaction.
	EnqueueOutbox(ctx context.Context, events []*domain.Event) error

	// Commit commits the transaction. A failed commit leaves no partial
	// state and surfaces as a domain.StorageError.
	Commit() error

	// Rollback aborts the transaction. Safe to call after Commit or a
	// previous Rollback; extra calls are no-ops.
	Rollback() error
}

// UnitOfWorkFactory opens units of work. Command handlers depend on this
// rather than on a concrete database handle.
type UnitOfWorkFactory interface {
	Begin(ctx context.Context) (UnitOfWork, error)
}
