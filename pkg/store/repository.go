package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/plaenen/userservice/pkg/domain"
)

// AggregateFactory creates an empty aggregate for an ID, ready to fold.
type AggregateFactory[T domain.Aggregate] func(id string) T

// Repository rehydrates aggregates from snapshots plus stream tails and
// saves their uncommitted events through a unit of work.
//
// The revision of each aggregate's last snapshot is tracked in memory,
// populated on Load. Save must not read the snapshot store: it runs
// inside an open unit of work, and on a single-connection database that
// read would wait forever on the transaction's own connection.
type Repository[T domain.Aggregate] struct {
	events    EventStore
	snapshots SnapshotStore
	strategy  SnapshotStrategy
	factory   AggregateFactory[T]

	mu            sync.Mutex
	lastSnapshots map[string]int64
}

// RepositoryOption configures a Repository.
type RepositoryOption[T domain.Aggregate] func(*Repository[T])

// WithSnapshots enables snapshot-based rehydration and the write policy
// that decides when Save produces a new snapshot.
func WithSnapshots[T domain.Aggregate](snapshots SnapshotStore, strategy SnapshotStrategy) RepositoryOption[T] {
	return func(r *Repository[T]) {
		r.snapshots = snapshots
		r.strategy = strategy
	}
}

// NewRepository creates a repository over an event store.
func NewRepository[T domain.Aggregate](events EventStore, factory AggregateFactory[T], opts ...RepositoryOption[T]) *Repository[T] {
	r := &Repository[T]{
		events:        events,
		factory:       factory,
		lastSnapshots: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Repository[T]) rememberSnapshot(id string, revision int64) {
	r.mu.Lock()
	r.lastSnapshots[id] = revision
	r.mu.Unlock()
}

func (r *Repository[T]) lastSnapshotRevision(id string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSnapshots[id]
}

// Load rehydrates an aggregate: snapshot first when available, then the
// stream tail with revisions past the snapshot. Returns
// domain.ErrAggregateNotFound when neither exists.
func (r *Repository[T]) Load(ctx context.Context, id string) (T, error) {
	var zero T

	agg := r.factory(id)

	var snapshotRevision int64
	if r.snapshots != nil {
		snap, err := r.snapshots.Get(ctx, id)
		switch {
		case err == nil:
			s, ok := any(agg).(Snapshotable)
			if !ok {
				return zero, fmt.Errorf("aggregate %T cannot restore snapshots", agg)
			}
			if err := s.UnmarshalSnapshot(snap.Data); err != nil {
				return zero, fmt.Errorf("restore snapshot for %s: %w", id, err)
			}
			snapshotRevision = snap.Revision
		case errors.Is(err, domain.ErrSnapshotNotFound):
			// Full replay is always correct.
		default:
			return zero, err
		}
		r.rememberSnapshot(id, snapshotRevision)
	}

	events, err := r.events.GetStream(ctx, id, StreamFilter{FromRevision: snapshotRevision + 1})
	if err != nil {
		return zero, err
	}
	if snapshotRevision == 0 && len(events) == 0 {
		return zero, domain.ErrAggregateNotFound
	}

	for _, event := range events {
		if err := agg.ApplyEvent(event); err != nil {
			return zero, fmt.Errorf("fold event %s at revision %d: %w", event.ID, event.Revision, err)
		}
	}
	return agg, nil
}

// LoadAt rehydrates an aggregate as of a point in time by folding only
// events with timestamps at or before t. Snapshots are ignored: they may
// be newer than t. Returns domain.ErrAggregateNotFound when no events
// exist at or before t.
func (r *Repository[T]) LoadAt(ctx context.Context, id string, t time.Time) (T, error) {
	var zero T

	// ToTime is half-open, so nudge one microsecond past t to include
	// events stamped exactly t.
	events, err := r.events.GetStream(ctx, id, StreamFilter{ToTime: t.Add(time.Microsecond)})
	if err != nil {
		return zero, err
	}
	if len(events) == 0 {
		return zero, domain.ErrAggregateNotFound
	}

	agg := r.factory(id)
	for _, event := range events {
		if err := agg.ApplyEvent(event); err != nil {
			return zero, fmt.Errorf("fold event %s at revision %d: %w", event.ID, event.Revision, err)
		}
	}
	return agg, nil
}

// Exists reports whether the aggregate has any events.
func (r *Repository[T]) Exists(ctx context.Context, id string) (bool, error) {
	head, err := r.events.HeadRevision(ctx, id)
	if err != nil {
		return false, err
	}
	return head > 0, nil
}

// Save appends the aggregate's uncommitted events through the unit of
// work, enqueues them on the outbox, and writes a snapshot when the
// strategy calls for one. The caller owns the unit of work and commits it
// after Save returns.
func (r *Repository[T]) Save(ctx context.Context, uow UnitOfWork, agg T, commandID string) (*domain.CommandResult, error) {
	uncommitted := agg.UncommittedEvents()
	if len(uncommitted) == 0 {
		return &domain.CommandResult{CommandID: commandID, AggregateID: agg.ID()}, nil
	}

	expectedRevision := agg.Revision() - int64(len(uncommitted))

	result, err := uow.AppendEvents(ctx, commandID, agg.ID(), expectedRevision, uncommitted, domain.DefaultCommandTTL)
	if err != nil {
		return nil, err
	}
	if result.AlreadyProcessed {
		// The original processing already wrote outbox rows and any
		// snapshot. Leave the uncommitted events in place; the caller
		// discards the aggregate.
		return result, nil
	}

	if err := uow.EnqueueOutbox(ctx, uncommitted); err != nil {
		return nil, err
	}

	if err := r.maybeSnapshot(ctx, uow, agg); err != nil {
		return nil, err
	}

	agg.ClearUncommittedEvents()
	return result, nil
}

func (r *Repository[T]) maybeSnapshot(ctx context.Context, uow UnitOfWork, agg T) error {
	if r.snapshots == nil || r.strategy == nil {
		return nil
	}
	s, ok := any(agg).(Snapshotable)
	if !ok {
		return nil
	}

	head := agg.Revision()
	if !r.strategy.ShouldSnapshot(head, head-r.lastSnapshotRevision(agg.ID())) {
		return nil
	}

	data, err := s.MarshalSnapshot()
	if err != nil {
		return fmt.Errorf("marshal snapshot for %s: %w", agg.ID(), err)
	}
	if err := uow.PutSnapshot(ctx, &Snapshot{
		AggregateID:   agg.ID(),
		AggregateType: agg.Type(),
		Revision:      head,
		Data:          data,
	}); err != nil {
		return err
	}

	// Recorded before commit. If the unit of work rolls back, the entry
	// is ahead of the store and the next snapshot just comes later.
	r.rememberSnapshot(agg.ID(), head)
	return nil
}
