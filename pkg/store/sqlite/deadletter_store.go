package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/plaenen/userservice/pkg/domain"
	"github.com/plaenen/userservice/pkg/idgen"
	"github.com/plaenen/userservice/pkg/store"
)

// DeadLetterStore parks events that exhausted their delivery attempts,
// keyed so re-parking the same event for the same consumer updates the
// attempt information instead of piling up rows.
type DeadLetterStore struct {
	db *sql.DB
}

// NewDeadLetterStore creates a dead-letter store on the given database,
// normally es.DB().
func NewDeadLetterStore(db *sql.DB) *DeadLetterStore {
	return &DeadLetterStore{db: db}
}

// Add parks an entry. An empty ID gets a ULID assigned.
func (s *DeadLetterStore) Add(ctx context.Context, entry *store.DeadLetterEntry) error {
	if entry.ID == "" {
		entry.ID = idgen.MustGenerateSortableID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = domain.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letter (id, source, consumer, event_id, event_kind, aggregate_id, payload, attempts, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source, consumer, event_id) DO UPDATE SET
			attempts = excluded.attempts,
			last_error = excluded.last_error
	`,
		entry.ID,
		entry.Source,
		entry.Consumer,
		entry.EventID,
		entry.EventType,
		entry.AggregateID,
		entry.Payload,
		entry.Attempts,
		entry.LastError,
		entry.CreatedAt.UnixMicro(),
	)
	if err != nil {
		return domain.NewStorageError("add dead letter", err)
	}
	return nil
}

// List returns up to limit entries for a source, oldest first. An empty
// source lists all sources.
func (s *DeadLetterStore) List(ctx context.Context, source store.DeadLetterSource, limit int) ([]*store.DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, source, consumer, event_id, event_kind, aggregate_id, payload, attempts, last_error, created_at
		FROM dead_letter
	`
	args := []any{}
	if source != "" {
		query += ` WHERE source = ?`
		args = append(args, source)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.NewStorageError("list dead letters", err)
	}
	defer rows.Close()

	var entries []*store.DeadLetterEntry
	for rows.Next() {
		var (
			entry     store.DeadLetterEntry
			source    string
			createdAt int64
		)
		err := rows.Scan(
			&entry.ID,
			&source,
			&entry.Consumer,
			&entry.EventID,
			&entry.EventType,
			&entry.AggregateID,
			&entry.Payload,
			&entry.Attempts,
			&entry.LastError,
			&createdAt,
		)
		if err != nil {
			return nil, domain.NewStorageError("scan dead letter", err)
		}
		entry.Source = store.DeadLetterSource(source)
		entry.CreatedAt = time.UnixMicro(createdAt).UTC()
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStorageError("iterate dead letters", err)
	}
	return entries, nil
}

// Delete removes an entry.
func (s *DeadLetterStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter WHERE id = ?`, id); err != nil {
		return domain.NewStorageError("delete dead letter", err)
	}
	return nil
}

// Count returns the number of parked entries.
func (s *DeadLetterStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter`).Scan(&count); err != nil {
		return 0, domain.NewStorageError("count dead letters", err)
	}
	return count, nil
}

var _ store.DeadLetterStore = (*DeadLetterStore)(nil)
