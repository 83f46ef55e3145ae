package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/plaenen/userservice/pkg/domain"
	"github.com/plaenen/userservice/pkg/idgen"
	"github.com/plaenen/userservice/pkg/store"
)

// OutboxStore persists outbox rows in SQLite. Rows are enqueued on the
// command's transaction through the unit of work; the dispatcher claims
// and transitions them through the lifecycle methods here.
type OutboxStore struct {
	db *sql.DB
}

// NewOutboxStore creates an outbox store on the given database, normally
// es.DB().
func NewOutboxStore(db *sql.DB) *OutboxStore {
	return &OutboxStore{db: db}
}

// EnqueueInTx inserts one pending row per event on an open transaction.
// Row IDs are monotonic ULIDs, so claiming in ID order preserves
// enqueue order.
func (s *OutboxStore) EnqueueInTx(ctx context.Context, tx *sql.Tx, events []*domain.Event) error {
	now := domain.Now()
	for _, event := range events {
		payload, err := domain.MarshalEvent(event)
		if err != nil {
			return fmt.Errorf("marshal outbox payload: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO outbox (id, event_id, aggregate_id, event_kind, payload, status, attempts, next_attempt_at, last_error, created_at, published_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, '', ?, NULL)
		`,
			idgen.MustGenerateSortableID(),
			event.ID,
			event.AggregateID,
			event.EventType,
			payload,
			store.OutboxPending,
			now.UnixMicro(),
			now.UnixMicro(),
		)
		if err != nil {
			return domain.NewStorageError("enqueue outbox", err)
		}
	}
	return nil
}

// ClaimBatch atomically moves up to limit due pending rows to publishing
// and returns them in enqueue order. Claiming stamps next_attempt_at with
// the claim time, so RequeueStuck can tell how long a claim has been held.
func (s *OutboxStore) ClaimBatch(ctx context.Context, limit int, now time.Time) ([]*store.OutboxEntry, error) {
	if limit <= 0 {
		limit = store.DefaultPublishBatch
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.NewStorageError("claim outbox", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, event_id, aggregate_id, event_kind, payload, status, attempts, next_attempt_at, last_error, created_at, published_at
		FROM outbox
		WHERE status = ? AND next_attempt_at <= ?
		ORDER BY id ASC
		LIMIT ?
	`, store.OutboxPending, now.UnixMicro(), limit)
	if err != nil {
		return nil, domain.NewStorageError("claim outbox", err)
	}

	entries, err := scanOutboxEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	ids := make([]string, len(entries))
	args := make([]any, 0, len(entries)+2)
	args = append(args, store.OutboxPublishing, now.UnixMicro())
	for i, entry := range entries {
		ids[i] = "?"
		args = append(args, entry.ID)
	}

	query := fmt.Sprintf(`
		UPDATE outbox SET status = ?, next_attempt_at = ?
		WHERE id IN (%s)
	`, strings.Join(ids, ", "))

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, domain.NewStorageError("claim outbox", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, domain.NewStorageError("claim outbox commit", err)
	}

	for _, entry := range entries {
		entry.Status = store.OutboxPublishing
	}
	return entries, nil
}

// MarkPublished finalizes a claimed row after a bus ack.
func (s *OutboxStore) MarkPublished(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET status = ?, published_at = ? WHERE id = ?
	`, store.OutboxPublished, at.UnixMicro(), id)
	if err != nil {
		return domain.NewStorageError("mark published", err)
	}
	return nil
}

// MarkFailed returns a claimed row to pending with its attempt count,
// next attempt time, and last error recorded.
func (s *OutboxStore) MarkFailed(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET status = ?, attempts = ?, next_attempt_at = ?, last_error = ? WHERE id = ?
	`, store.OutboxPending, attempts, nextAttemptAt.UnixMicro(), lastError, id)
	if err != nil {
		return domain.NewStorageError("mark failed", err)
	}
	return nil
}

// MarkDeadLettered parks a row that exhausted its attempts.
func (s *OutboxStore) MarkDeadLettered(ctx context.Context, id string, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET status = ?, last_error = ? WHERE id = ?
	`, store.OutboxDeadLetter, lastError, id)
	if err != nil {
		return domain.NewStorageError("mark dead lettered", err)
	}
	return nil
}

// RequeueStuck returns publishing rows claimed before cutoff to pending.
func (s *OutboxStore) RequeueStuck(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET status = ? WHERE status = ? AND next_attempt_at < ?
	`, store.OutboxPending, store.OutboxPublishing, cutoff.UnixMicro())
	if err != nil {
		return 0, domain.NewStorageError("requeue stuck", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, domain.NewStorageError("requeue stuck", err)
	}
	return n, nil
}

// PurgePublished deletes published rows older than cutoff.
func (s *OutboxStore) PurgePublished(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM outbox WHERE status = ? AND published_at < ?
	`, store.OutboxPublished, cutoff.UnixMicro())
	if err != nil {
		return 0, domain.NewStorageError("purge published", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, domain.NewStorageError("purge published", err)
	}
	return n, nil
}

// CountByStatus returns row counts per status.
func (s *OutboxStore) CountByStatus(ctx context.Context) (map[store.OutboxStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM outbox GROUP BY status
	`)
	if err != nil {
		return nil, domain.NewStorageError("count outbox", err)
	}
	defer rows.Close()

	counts := make(map[store.OutboxStatus]int64)
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, domain.NewStorageError("count outbox", err)
		}
		counts[store.OutboxStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStorageError("count outbox", err)
	}
	return counts, nil
}

func scanOutboxEntries(rows *sql.Rows) ([]*store.OutboxEntry, error) {
	defer rows.Close()

	var entries []*store.OutboxEntry
	for rows.Next() {
		var (
			entry         store.OutboxEntry
			status        string
			nextAttemptAt int64
			createdAt     int64
			publishedAt   sql.NullInt64
		)
		err := rows.Scan(
			&entry.ID,
			&entry.EventID,
			&entry.AggregateID,
			&entry.EventType,
			&entry.Payload,
			&status,
			&entry.Attempts,
			&nextAttemptAt,
			&entry.LastError,
			&createdAt,
			&publishedAt,
		)
		if err != nil {
			return nil, domain.NewStorageError("scan outbox", err)
		}
		entry.Status = store.OutboxStatus(status)
		entry.NextAttemptAt = time.UnixMicro(nextAttemptAt).UTC()
		entry.CreatedAt = time.UnixMicro(createdAt).UTC()
		if publishedAt.Valid {
			entry.PublishedAt = time.UnixMicro(publishedAt.Int64).UTC()
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStorageError("iterate outbox", err)
	}
	return entries, nil
}

var _ store.OutboxStore = (*OutboxStore)(nil)
