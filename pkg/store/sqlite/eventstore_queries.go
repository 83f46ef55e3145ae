package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/plaenen/userservice/pkg/domain"
	"github.com/plaenen/userservice/pkg/store"
)

// eventColumns is the scan order shared by every stream query.
const eventColumns = "id, aggregate_id, aggregate_kind, event_kind, schema_version, revision, timestamp, data, metadata, constraints"

// GetStream returns the aggregate's events matching the filter, ordered
// by ascending revision. Revision bounds are inclusive, time bounds are
// half-open [FromTime, ToTime).
func (s *EventStore) GetStream(ctx context.Context, aggregateID string, filter store.StreamFilter) ([]*domain.Event, error) {
	var (
		conds = []string{"aggregate_id = ?"}
		args  = []any{aggregateID}
	)
	if filter.FromRevision > 0 {
		conds = append(conds, "revision >= ?")
		args = append(args, filter.FromRevision)
	}
	if filter.ToRevision > 0 {
		conds = append(conds, "revision <= ?")
		args = append(args, filter.ToRevision)
	}
	if !filter.FromTime.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, filter.FromTime.UnixMicro())
	}
	if !filter.ToTime.IsZero() {
		conds = append(conds, "timestamp < ?")
		args = append(args, filter.ToTime.UnixMicro())
	}

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE %s
		ORDER BY revision ASC
	`, eventColumns, s.table, strings.Join(conds, " AND "))

	return s.queryEvents(ctx, s.db, query, args...)
}

// HeadRevision returns the revision of the last event in the stream,
// 0 when the stream is empty.
func (s *EventStore) HeadRevision(ctx context.Context, aggregateID string) (int64, error) {
	return s.headRevision(ctx, s.db, aggregateID)
}

// LoadAllEvents returns events across all aggregates in append order,
// starting after fromPosition. Positions are dense, so a caller that
// counts processed events resumes exactly where it stopped.
func (s *EventStore) LoadAllEvents(ctx context.Context, fromPosition int64, limit int) ([]*domain.Event, error) {
	if limit <= 0 {
		limit = 1000
	}

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE position > ?
		ORDER BY position ASC
		LIMIT ?
	`, eventColumns, s.table)

	return s.queryEvents(ctx, s.db, query, fromPosition, limit)
}

// CheckUniqueness reports whether a value is free to claim, and the
// owning aggregate when it is not.
func (s *EventStore) CheckUniqueness(ctx context.Context, indexName, value string) (bool, string, error) {
	owner, err := constraintOwner(ctx, s.db, indexName, value)
	if err != nil {
		return false, "", err
	}
	if owner == "" {
		return true, "", nil
	}
	return false, owner, nil
}

// GetConstraintOwner returns the aggregate owning a value, or "" when
// the value is unclaimed.
func (s *EventStore) GetConstraintOwner(ctx context.Context, indexName, value string) (string, error) {
	return constraintOwner(ctx, s.db, indexName, value)
}

func constraintOwner(ctx context.Context, q queryer, indexName, value string) (string, error) {
	var owner string
	err := q.QueryRowContext(ctx, `
		SELECT aggregate_id FROM unique_constraint
		WHERE index_name = ? AND value = ?
	`, indexName, value).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", domain.NewStorageError("constraint owner", err)
	}
	return owner, nil
}

// RebuildConstraints regenerates the constraint registry by replaying
// the constraint directives recorded with every event.
func (s *EventStore) RebuildConstraints(ctx context.Context) error {
	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.NewStorageError("rebuild constraints", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM unique_constraint`); err != nil {
		return domain.NewStorageError("clear constraints", err)
	}

	query := fmt.Sprintf(`
		SELECT aggregate_id, constraints FROM %s
		WHERE constraints IS NOT NULL AND constraints != ''
		ORDER BY position ASC
	`, s.table)

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return domain.NewStorageError("load constraints", err)
	}
	defer rows.Close()

	type directive struct {
		aggregateID string
		constraints []domain.UniqueConstraint
	}
	var directives []directive

	for rows.Next() {
		var (
			aggregateID     string
			constraintsJSON string
		)
		if err := rows.Scan(&aggregateID, &constraintsJSON); err != nil {
			return domain.NewStorageError("scan constraints", err)
		}
		var constraints []domain.UniqueConstraint
		if err := json.Unmarshal([]byte(constraintsJSON), &constraints); err != nil {
			return fmt.Errorf("unmarshal constraint directives: %w", err)
		}
		directives = append(directives, directive{aggregateID: aggregateID, constraints: constraints})
	}
	if err := rows.Err(); err != nil {
		return domain.NewStorageError("iterate constraints", err)
	}

	for _, d := range directives {
		for _, c := range d.constraints {
			switch c.Operation {
			case domain.ConstraintClaim:
				_, err := tx.ExecContext(ctx, `
					INSERT INTO unique_constraint (index_name, value, aggregate_id, created_at)
					VALUES (?, ?, ?, ?)
					ON CONFLICT (index_name, value) DO UPDATE SET aggregate_id = excluded.aggregate_id
				`, c.IndexName, c.Value, d.aggregateID, domain.Now().UnixMicro())
				if err != nil {
					return domain.NewStorageError("rebuild claim", err)
				}
			case domain.ConstraintRelease:
				_, err := tx.ExecContext(ctx, `
					DELETE FROM unique_constraint
					WHERE index_name = ? AND value = ? AND aggregate_id = ?
				`, c.IndexName, c.Value, d.aggregateID)
				if err != nil {
					return domain.NewStorageError("rebuild release", err)
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.NewStorageError("rebuild constraints commit", err)
	}
	return nil
}

// GetCommandResult returns the recorded result for commandID, or an
// error matching domain.ErrNotFound when the command is unknown or its
// idempotency window has expired.
func (s *EventStore) GetCommandResult(ctx context.Context, commandID string) (*domain.CommandResult, error) {
	return s.getCommandResult(ctx, s.db, commandID)
}

func (s *EventStore) getCommandResult(ctx context.Context, q queryer, commandID string) (*domain.CommandResult, error) {
	var (
		aggregateID  string
		eventIDsJSON string
		processedAt  int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT aggregate_id, event_ids, processed_at FROM command_result
		WHERE command_id = ? AND expires_at > ?
	`, commandID, domain.Now().UnixMicro()).Scan(&aggregateID, &eventIDsJSON, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFoundError("command", commandID)
	}
	if err != nil {
		return nil, domain.NewStorageError("command result", err)
	}

	var eventIDs []string
	if err := json.Unmarshal([]byte(eventIDsJSON), &eventIDs); err != nil {
		return nil, fmt.Errorf("unmarshal command event ids: %w", err)
	}

	events, err := s.loadEventsByIDs(ctx, q, eventIDs)
	if err != nil {
		return nil, err
	}

	return &domain.CommandResult{
		CommandID:        commandID,
		AggregateID:      aggregateID,
		Events:           events,
		EventIDs:         eventIDs,
		AlreadyProcessed: true,
		ProcessedAt:      time.UnixMicro(processedAt).UTC(),
	}, nil
}

func (s *EventStore) loadEventsByIDs(ctx context.Context, q queryer, eventIDs []string) ([]*domain.Event, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, eventColumns, s.table)

	events := make([]*domain.Event, 0, len(eventIDs))
	for _, eventID := range eventIDs {
		loaded, err := s.queryEvents(ctx, q, query, eventID)
		if err != nil {
			return nil, err
		}
		if len(loaded) == 0 {
			return nil, fmt.Errorf("command references missing event %s", eventID)
		}
		events = append(events, loaded[0])
	}
	return events, nil
}

// PurgeExpiredCommandResults removes command rows past their idempotency
// window and returns the number of rows removed.
func (s *EventStore) PurgeExpiredCommandResults(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM command_result WHERE expires_at <= ?
	`, domain.Now().UnixMicro())
	if err != nil {
		return 0, domain.NewStorageError("purge command results", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, domain.NewStorageError("purge command results", err)
	}
	return n, nil
}

func (s *EventStore) queryEvents(ctx context.Context, q queryer, query string, args ...any) ([]*domain.Event, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.NewStorageError("query events", err)
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStorageError("iterate events", err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (*domain.Event, error) {
	var (
		event           domain.Event
		timestamp       int64
		metadataJSON    string
		constraintsJSON sql.NullString
	)
	err := rows.Scan(
		&event.ID,
		&event.AggregateID,
		&event.AggregateType,
		&event.EventType,
		&event.SchemaVersion,
		&event.Revision,
		&timestamp,
		&event.Data,
		&metadataJSON,
		&constraintsJSON,
	)
	if err != nil {
		return nil, domain.NewStorageError("scan event", err)
	}

	event.Timestamp = time.UnixMicro(timestamp).UTC()
	if metadataJSON != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &event.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal event metadata: %w", err)
		}
	}
	if constraintsJSON.Valid && constraintsJSON.String != "" {
		if err := json.Unmarshal([]byte(constraintsJSON.String), &event.UniqueConstraints); err != nil {
			return nil, fmt.Errorf("unmarshal event constraints: %w", err)
		}
	}
	return &event, nil
}
