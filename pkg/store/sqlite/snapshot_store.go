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

// SnapshotStore keeps the latest snapshot per aggregate in SQLite. It is
// bound to one aggregate kind and shares the event store's database.
type SnapshotStore struct {
	db    *sql.DB
	table string
}

// NewSnapshotStore creates a snapshot store for an aggregate kind on the
// given database, normally es.DB().
func NewSnapshotStore(db *sql.DB, aggregateType string) (*SnapshotStore, error) {
	table, ok := snapshotTables[aggregateType]
	if !ok {
		return nil, fmt.Errorf("no snapshot table for aggregate kind %q", aggregateType)
	}
	return &SnapshotStore{db: db, table: table}, nil
}

// Get returns the snapshot for an aggregate, or domain.ErrSnapshotNotFound
// when none exists.
func (s *SnapshotStore) Get(ctx context.Context, aggregateID string) (*store.Snapshot, error) {
	query := fmt.Sprintf(`
		SELECT aggregate_id, aggregate_kind, revision, data, created_at, updated_at
		FROM %s WHERE aggregate_id = ?
	`, s.table)

	var (
		snapshot  store.Snapshot
		createdAt int64
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, query, aggregateID).Scan(
		&snapshot.AggregateID,
		&snapshot.AggregateType,
		&snapshot.Revision,
		&snapshot.Data,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, domain.NewStorageError("get snapshot", err)
	}

	snapshot.CreatedAt = time.UnixMicro(createdAt).UTC()
	snapshot.UpdatedAt = time.UnixMicro(updatedAt).UTC()
	return &snapshot, nil
}

// Put creates or overwrites the aggregate's snapshot.
func (s *SnapshotStore) Put(ctx context.Context, snapshot *store.Snapshot) error {
	return s.put(ctx, s.db, snapshot)
}

// PutInTx writes the snapshot on an open transaction, so a unit of work
// can commit it together with the events it summarizes.
func (s *SnapshotStore) PutInTx(ctx context.Context, tx *sql.Tx, snapshot *store.Snapshot) error {
	return s.put(ctx, tx, snapshot)
}

func (s *SnapshotStore) put(ctx context.Context, q queryer, snapshot *store.Snapshot) error {
	now := domain.Now().UnixMicro()

	// The conflict clause leaves created_at alone, so the row keeps the
	// time of its first snapshot.
	query := fmt.Sprintf(`
		INSERT INTO %s (aggregate_id, aggregate_kind, revision, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (aggregate_id) DO UPDATE SET
			revision = excluded.revision,
			data = excluded.data,
			updated_at = excluded.updated_at
	`, s.table)

	_, err := q.ExecContext(ctx, query,
		snapshot.AggregateID,
		snapshot.AggregateType,
		snapshot.Revision,
		snapshot.Data,
		now,
		now,
	)
	if err != nil {
		return domain.NewStorageError("put snapshot", err)
	}
	return nil
}

// Delete removes the aggregate's snapshot. Missing snapshots are ignored.
func (s *SnapshotStore) Delete(ctx context.Context, aggregateID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE aggregate_id = ?`, s.table)
	if _, err := s.db.ExecContext(ctx, query, aggregateID); err != nil {
		return domain.NewStorageError("delete snapshot", err)
	}
	return nil
}

var _ store.SnapshotStore = (*SnapshotStore)(nil)
