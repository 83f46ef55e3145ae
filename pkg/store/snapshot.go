package store

import (
	"context"
	"time"
)

// Snapshot is the serialized state of one aggregate at a revision. The
// store keeps at most one snapshot per aggregate; Put overwrites.
type Snapshot struct {
	AggregateID   string
	AggregateType string
	Revision      int64
	Data          []byte
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SnapshotStore persists the latest snapshot per aggregate.
type SnapshotStore interface {
	// Get returns the snapshot for an aggregate, or
	// domain.ErrSnapshotNotFound when none exists.
	Get(ctx context.Context, aggregateID string) (*Snapshot, error)

	// Put creates or overwrites the aggregate's snapshot. CreatedAt of an
	// existing row is preserved; UpdatedAt is set by the store.
	Put(ctx context.Context, snapshot *Snapshot) error

	// Delete removes the aggregate's snapshot. Deleting a missing
	// snapshot is not an error.
	Delete(ctx context.Context, aggregateID string) error
}

// SnapshotStrategy decides when a new snapshot is worth writing.
type SnapshotStrategy interface {
	// ShouldSnapshot is consulted after an append with the new head
	// revision and the number of events since the last snapshot.
	ShouldSnapshot(headRevision, eventsSinceSnapshot int64) bool
}

// IntervalSnapshotStrategy snapshots every N events.
type IntervalSnapshotStrategy struct {
	Interval int64
}

// DefaultSnapshotInterval is the number of events between snapshots.
const DefaultSnapshotInterval = 20

// NewIntervalSnapshotStrategy creates a strategy snapshotting every
// interval events. Zero or negative intervals disable snapshotting.
func NewIntervalSnapshotStrategy(interval int64) *IntervalSnapshotStrategy {
	return &IntervalSnapshotStrategy{Interval: interval}
}

// ShouldSnapshot reports whether enough events accumulated.
func (s *IntervalSnapshotStrategy) ShouldSnapshot(headRevision, eventsSinceSnapshot int64) bool {
	if s.Interval <= 0 {
		return false
	}
	return eventsSinceSnapshot >= s.Interval
}

// Snapshotable is implemented by aggregates that can round-trip their
// state through a snapshot.
type Snapshotable interface {
	MarshalSnapshot() ([]byte, error)
	UnmarshalSnapshot(data []byte) error
}
