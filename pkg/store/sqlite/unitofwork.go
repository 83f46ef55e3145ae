package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/plaenen/userservice/pkg/domain"
	"github.com/plaenen/userservice/pkg/store"
)

// UnitOfWorkFactory opens units of work over the SQLite stores. All three
// stores must share one database handle.
type UnitOfWorkFactory struct {
	events    *EventStore
	snapshots *SnapshotStore
	outbox    *OutboxStore
}

// NewUnitOfWorkFactory creates a factory over the given stores.
func NewUnitOfWorkFactory(events *EventStore, snapshots *SnapshotStore, outbox *OutboxStore) *UnitOfWorkFactory {
	return &UnitOfWorkFactory{
		events:    events,
		snapshots: snapshots,
		outbox:    outbox,
	}
}

// Begin opens a transaction and takes the event store's writer lock. The
// lock is held until Commit or Rollback, so at most one command writes at
// a time and the optimistic head check inside the transaction is final.
func (f *UnitOfWorkFactory) Begin(ctx context.Context) (store.UnitOfWork, error) {
	f.events.writerMu.Lock()

	tx, err := f.events.db.BeginTx(ctx, nil)
	if err != nil {
		f.events.writerMu.Unlock()
		return nil, domain.NewStorageError("begin unit of work", err)
	}

	return &UnitOfWork{
		tx:        tx,
		events:    f.events,
		snapshots: f.snapshots,
		outbox:    f.outbox,
	}, nil
}

// UnitOfWork brackets one command's writes in a single SQLite transaction.
// It belongs to one goroutine; reads needed while it is open must go
// through its methods, because on a single-connection database any other
// query would wait on the connection the transaction holds.
type UnitOfWork struct {
	tx        *sql.Tx
	events    *EventStore
	snapshots *SnapshotStore
	outbox    *OutboxStore
	done      bool
}

// AppendEvents appends to the aggregate's stream inside the transaction,
// with the same idempotency semantics as AppendEventsIdempotent.
func (u *UnitOfWork) AppendEvents(ctx context.Context, commandID, aggregateID string, expectedRevision int64, events []*domain.Event, ttl time.Duration) (*domain.CommandResult, error) {
	if u.done {
		return nil, domain.ErrUnitOfWorkClosed
	}
	if commandID == "" {
		return nil, fmt.Errorf("%w: command id is required for idempotent appends", domain.ErrInvalidCommand)
	}
	return u.events.appendIdempotentTx(ctx, u.tx, commandID, aggregateID, expectedRevision, events, ttl)
}

// PutSnapshot upserts the aggregate's snapshot inside the transaction.
func (u *UnitOfWork) PutSnapshot(ctx context.Context, snapshot *store.Snapshot) error {
	if u.done {
		return domain.ErrUnitOfWorkClosed
	}
	return u.snapshots.PutInTx(ctx, u.tx, snapshot)
}

// EnqueueOutbox adds one outbox row per event inside the transaction.
func (u *UnitOfWork) EnqueueOutbox(ctx context.Context, events []*domain.Event) error {
	if u.done {
		return domain.ErrUnitOfWorkClosed
	}
	return u.outbox.EnqueueInTx(ctx, u.tx, events)
}

// Commit commits the transaction and releases the writer lock.
func (u *UnitOfWork) Commit() error {
	if u.done {
		return domain.ErrUnitOfWorkClosed
	}
	u.done = true
	defer u.events.writerMu.Unlock()

	if err := u.tx.Commit(); err != nil {
		return domain.NewStorageError("commit unit of work", err)
	}
	return nil
}

// Rollback aborts the transaction and releases the writer lock. Calls
// after Commit or a previous Rollback are no-ops, so it is safe to defer.
func (u *UnitOfWork) Rollback() error {
	if u.done {
		return nil
	}
	u.done = true
	defer u.events.writerMu.Unlock()

	if err := u.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return domain.NewStorageError("rollback unit of work", err)
	}
	return nil
}

var (
	_ store.UnitOfWork        = (*UnitOfWork)(nil)
	_ store.UnitOfWorkFactory = (*UnitOfWorkFactory)(nil)
)
