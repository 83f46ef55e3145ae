package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/plaenen/userservice/pkg/domain"
	"github.com/plaenen/userservice/pkg/store"
)

// CheckpointStore persists projection checkpoints in SQLite. The in-tx
// variants let a read-model projection advance its checkpoint in the
// same transaction as its table writes, so the two never drift.
type CheckpointStore struct {
	db *sql.DB
}

// NewCheckpointStore creates a checkpoint store on the given database,
// normally es.DB().
func NewCheckpointStore(db *sql.DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

// Save upserts a checkpoint.
func (s *CheckpointStore) Save(ctx context.Context, checkpoint *store.ProjectionCheckpoint) error {
	return s.save(ctx, s.db, checkpoint)
}

// SaveInTx upserts a checkpoint on an open transaction.
func (s *CheckpointStore) SaveInTx(ctx context.Context, tx *sql.Tx, checkpoint *store.ProjectionCheckpoint) error {
	return s.save(ctx, tx, checkpoint)
}

func (s *CheckpointStore) save(ctx context.Context, q queryer, checkpoint *store.ProjectionCheckpoint) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO projection_checkpoint (projection_name, position, last_event_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (projection_name) DO UPDATE SET
			position = excluded.position,
			last_event_id = excluded.last_event_id,
			updated_at = excluded.updated_at
	`, checkpoint.ProjectionName, checkpoint.Position, checkpoint.LastEventID, domain.Now().UnixMicro())
	if err != nil {
		return domain.NewStorageError("save checkpoint", err)
	}
	return nil
}

// AdvanceInTx bumps a projection's position by one and records the event
// that moved it, inside the caller's transaction. Position counts applied
// deliveries; under at-least-once delivery it is a progress indicator,
// not an exact event count.
func (s *CheckpointStore) AdvanceInTx(ctx context.Context, tx *sql.Tx, projectionName, eventID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projection_checkpoint (projection_name, position, last_event_id, updated_at)
		VALUES (?, 1, ?, ?)
		ON CONFLICT (projection_name) DO UPDATE SET
			position = projection_checkpoint.position + 1,
			last_event_id = excluded.last_event_id,
			updated_at = excluded.updated_at
	`, projectionName, eventID, domain.Now().UnixMicro())
	if err != nil {
		return domain.NewStorageError("advance checkpoint", err)
	}
	return nil
}

// Load returns the checkpoint for a projection. A projection that has
// never saved gets a zero-position checkpoint, not an error.
func (s *CheckpointStore) Load(ctx context.Context, projectionName string) (*store.ProjectionCheckpoint, error) {
	var (
		checkpoint = store.ProjectionCheckpoint{ProjectionName: projectionName}
		updatedAt  int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT position, last_event_id, updated_at FROM projection_checkpoint
		WHERE projection_name = ?
	`, projectionName).Scan(&checkpoint.Position, &checkpoint.LastEventID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &checkpoint, nil
	}
	if err != nil {
		return nil, domain.NewStorageError("load checkpoint", err)
	}

	checkpoint.UpdatedAt = time.UnixMicro(updatedAt).UTC()
	return &checkpoint, nil
}

// Delete removes a checkpoint.
func (s *CheckpointStore) Delete(ctx context.Context, projectionName string) error {
	return s.delete(ctx, s.db, projectionName)
}

// DeleteInTx removes a checkpoint on an open transaction, used when a
// rebuild resets a projection's tables and checkpoint together.
func (s *CheckpointStore) DeleteInTx(ctx context.Context, tx *sql.Tx, projectionName string) error {
	return s.delete(ctx, tx, projectionName)
}

func (s *CheckpointStore) delete(ctx context.Context, q queryer, projectionName string) error {
	if _, err := q.ExecContext(ctx, `
		DELETE FROM projection_checkpoint WHERE projection_name = ?
	`, projectionName); err != nil {
		return domain.NewStorageError("delete checkpoint", err)
	}
	return nil
}

var _ store.CheckpointStore = (*CheckpointStore)(nil)
