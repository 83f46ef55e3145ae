// Package sqlite persists the event-sourcing engine's state in SQLite:
// per-kind event streams, snapshots, the transactional outbox, projection
// checkpoints, dead letters, and the unit of work that ties a command's
// writes into one transaction. It uses the pure Go driver, so there are no
// CGo dependencies.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/plaenen/userservice/pkg/domain"
	"github.com/plaenen/userservice/pkg/store"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// streamTables maps aggregate kinds to their physical stream tables. The
// kind set is closed; a store for an unknown kind cannot be constructed.
var streamTables = map[string]string{
	"User": "event_stream_user",
}

// snapshotTables maps aggregate kinds to their snapshot tables.
var snapshotTables = map[string]string{
	"User": "snapshot_user",
}

// EventStore is a SQLite-backed implementation of store.EventStore for a
// single aggregate kind. Writers serialize through writerMu: SQLite is
// single-writer anyway, and holding the mutex for a whole transaction
// keeps the optimistic head check race-free within the process.
type EventStore struct {
	db            *sql.DB
	aggregateType string
	table         string
	writerMu      sync.Mutex
}

// eventStoreConfig holds internal configuration for the SQLite stores.
type eventStoreConfig struct {
	// dsn is the data source name (file path or ":memory:" for in-memory)
	dsn string

	// maxOpenConns sets the maximum number of open connections
	maxOpenConns int

	// maxIdleConns sets the maximum number of idle connections
	maxIdleConns int

	// walMode enables write-ahead logging for better concurrency
	walMode bool

	// busyTimeout is how long a connection waits on a locked database
	busyTimeout time.Duration

	// autoMigrate automatically runs pending migrations on startup
	autoMigrate bool
}

// defaultEventStoreConfig returns sensible defaults.
func defaultEventStoreConfig() eventStoreConfig {
	return eventStoreConfig{
		dsn:          "userservice.db",
		maxOpenConns: 25,
		maxIdleConns: 5,
		walMode:      true,
		busyTimeout:  5 * time.Second,
		autoMigrate:  true,
	}
}

// EventStoreOption configures an EventStore.
type EventStoreOption func(*eventStoreConfig)

// WithDSN sets the data source name (file path or ":memory:" for in-memory).
func WithDSN(dsn string) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.dsn = dsn
	}
}

// WithMemoryDatabase sets the database to an in-memory database.
func WithMemoryDatabase() EventStoreOption {
	return func(c *eventStoreConfig) {
		c.dsn = ":memory:"
	}
}

// WithMaxOpenConns sets the maximum number of open connections to the database.
func WithMaxOpenConns(n int) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.maxOpenConns = n
	}
}

// WithMaxIdleConns sets the maximum number of idle connections in the pool.
func WithMaxIdleConns(n int) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.maxIdleConns = n
	}
}

// WithWALMode enables write-ahead logging for better concurrency.
// Recommended for file databases; ignored for :memory: databases.
func WithWALMode(enabled bool) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.walMode = enabled
	}
}

// WithBusyTimeout sets how long connections wait on a locked database
// before reporting SQLITE_BUSY. Applied per connection through the DSN.
func WithBusyTimeout(d time.Duration) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.busyTimeout = d
	}
}

// WithAutoMigrate enables automatic migration on startup.
func WithAutoMigrate(enabled bool) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.autoMigrate = enabled
	}
}

// NewEventStore opens (or creates) the SQLite database and returns an
// event store bound to one aggregate kind.
//
// Example usage:
//
//	// In-memory database for testing
//	es, err := sqlite.NewEventStore("User",
//	    sqlite.WithDSN(":memory:"),
//	    sqlite.WithWALMode(false),
//	)
//
//	// File database for production
//	es, err := sqlite.NewEventStore("User",
//	    sqlite.WithDSN("/var/lib/userservice/userservice.db"),
//	)
func NewEventStore(aggregateType string, opts ...EventStoreOption) (*EventStore, error) {
	table, ok := streamTables[aggregateType]
	if !ok {
		return nil, fmt.Errorf("no event stream table for aggregate kind %q", aggregateType)
	}

	config := defaultEventStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}

	db, err := openDatabase(config)
	if err != nil {
		return nil, err
	}

	if config.autoMigrate {
		if err := runMigrations(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	return &EventStore{
		db:            db,
		aggregateType: aggregateType,
		table:         table,
	}, nil
}

// openDatabase opens the SQLite database with the configured pragmas.
func openDatabase(config eventStoreConfig) (*sql.DB, error) {
	dsn := buildDSN(config)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A :memory: database exists per connection, so the pool must hold
	// exactly one or each connection sees its own empty database.
	if config.dsn == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(config.maxOpenConns)
		db.SetMaxIdleConns(config.maxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	if config.walMode && config.dsn != ":memory:" {
		if _, err := db.Exec(`
			PRAGMA journal_mode = WAL;
			PRAGMA synchronous = NORMAL;
			PRAGMA foreign_keys = ON;
		`); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}

	return db, nil
}

// buildDSN attaches per-connection pragmas to the data source name.
// busy_timeout does not persist in the database file, so it must ride the
// DSN to reach every pooled connection; _txlock=immediate makes write
// transactions take their lock at BEGIN, where busy_timeout applies,
// instead of failing mid-transaction on a lock upgrade.
func buildDSN(config eventStoreConfig) string {
	base := config.dsn
	if base == ":memory:" {
		base = "file::memory:"
	} else if !strings.HasPrefix(base, "file:") {
		base = "file:" + base
	}
	return fmt.Sprintf("%s?_txlock=immediate&_pragma=busy_timeout(%d)",
		base, config.busyTimeout.Milliseconds())
}

// DB returns the underlying database handle. The snapshot, outbox,
// checkpoint, and dead-letter stores share it, as do read-model queries.
func (s *EventStore) DB() *sql.DB {
	return s.db
}

// AggregateType returns the aggregate kind this store is bound to.
func (s *EventStore) AggregateType() string {
	return s.aggregateType
}

// AppendEvents appends events to an aggregate's stream atomically.
func (s *EventStore) AppendEvents(ctx context.Context, aggregateID string, expectedRevision int64, events []*domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.NewStorageError("append", err)
	}
	defer tx.Rollback()

	if err := s.appendTx(ctx, tx, aggregateID, expectedRevision, events); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return domain.NewStorageError("append commit", err)
	}
	return nil
}

// AppendEventsIdempotent appends events remembered under commandID. A
// replayed command returns the recorded result and appends nothing.
func (s *EventStore) AppendEventsIdempotent(ctx context.Context, commandID, aggregateID string, expectedRevision int64, events []*domain.Event, ttl time.Duration) (*domain.CommandResult, error) {
	if commandID == "" {
		return nil, fmt.Errorf("%w: command id is required for idempotent appends", domain.ErrInvalidCommand)
	}

	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.NewStorageError("append", err)
	}
	defer tx.Rollback()

	result, err := s.appendIdempotentTx(ctx, tx, commandID, aggregateID, expectedRevision, events, ttl)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, domain.NewStorageError("append commit", err)
	}
	return result, nil
}

// appendIdempotentTx is the append path used by both the store and the
// unit of work. The caller owns the transaction and the writer mutex.
func (s *EventStore) appendIdempotentTx(ctx context.Context, tx *sql.Tx, commandID, aggregateID string, expectedRevision int64, events []*domain.Event, ttl time.Duration) (*domain.CommandResult, error) {
	if ttl <= 0 {
		ttl = domain.DefaultCommandTTL
	}

	// A replayed command returns its recorded result without touching
	// the stream. The check runs inside the transaction so a concurrent
	// first processing is either fully visible or not at all.
	recorded, err := s.getCommandResult(ctx, tx, commandID)
	switch {
	case err == nil:
		return recorded, nil
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	if err := s.appendTx(ctx, tx, aggregateID, expectedRevision, events); err != nil {
		return nil, err
	}

	eventIDs := make([]string, len(events))
	for i, event := range events {
		eventIDs[i] = event.ID
	}
	eventIDsJSON, err := json.Marshal(eventIDs)
	if err != nil {
		return nil, fmt.Errorf("marshal event ids: %w", err)
	}

	now := domain.Now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO command_result (command_id, aggregate_id, event_ids, processed_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`, commandID, aggregateID, string(eventIDsJSON), now.UnixMicro(), now.Add(ttl).UnixMicro())
	if err != nil {
		return nil, domain.NewStorageError("record command", err)
	}

	return &domain.CommandResult{
		CommandID:   commandID,
		AggregateID: aggregateID,
		Events:      events,
		EventIDs:    eventIDs,
		ProcessedAt: now,
	}, nil
}

// appendTx inserts the events with the optimistic head check and applies
// their unique constraint directives, all on the caller's transaction.
func (s *EventStore) appendTx(ctx context.Context, tx *sql.Tx, aggregateID string, expectedRevision int64, events []*domain.Event) error {
	if len(events) == 0 {
		return fmt.Errorf("%w: append requires at least one event", domain.ErrInvalidCommand)
	}

	for i, event := range events {
		if !domain.KnownSchema(event.EventType, event.SchemaVersion) {
			return &domain.SchemaError{EventType: event.EventType, SchemaVersion: event.SchemaVersion, Unknown: true}
		}
		if want := expectedRevision + int64(i) + 1; event.Revision != want {
			return fmt.Errorf("event %s has revision %d, want %d: revisions must be consecutive from the expected head",
				event.ID, event.Revision, want)
		}
	}

	head, err := s.headRevision(ctx, tx, aggregateID)
	if err != nil {
		return err
	}
	if head != expectedRevision {
		return domain.ErrConcurrencyConflict
	}

	for _, event := range events {
		if err := s.applyConstraints(ctx, tx, event, aggregateID); err != nil {
			return err
		}
	}

	for _, event := range events {
		if err := s.insertEvent(ctx, tx, event); err != nil {
			return err
		}
	}
	return nil
}

// insertEvent writes one event row. Positions are assigned densely inside
// the transaction so projection checkpoints can count events processed.
func (s *EventStore) insertEvent(ctx context.Context, tx *sql.Tx, event *domain.Event) error {
	metadataJSON, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}

	var constraintsJSON sql.NullString
	if len(event.UniqueConstraints) > 0 {
		b, err := json.Marshal(event.UniqueConstraints)
		if err != nil {
			return fmt.Errorf("marshal event constraints: %w", err)
		}
		constraintsJSON = sql.NullString{String: string(b), Valid: true}
	}

	//nolint:gosec // table name comes from the closed streamTables map
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (position, id, aggregate_id, aggregate_kind, event_kind, schema_version, revision, timestamp, data, metadata, constraints)
		VALUES ((SELECT COALESCE(MAX(position), 0) + 1 FROM %[1]s), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.table)

	_, err = tx.ExecContext(ctx, query,
		event.ID,
		event.AggregateID,
		event.AggregateType,
		event.EventType,
		event.SchemaVersion,
		event.Revision,
		event.Timestamp.UnixMicro(),
		event.Data,
		string(metadataJSON),
		constraintsJSON,
	)
	if err != nil {
		return s.mapInsertError(err)
	}
	return nil
}

// mapInsertError translates unique-index violations into the domain
// error taxonomy: an id collision is a duplicate event, a revision
// collision is a lost optimistic race.
func (s *EventStore) mapInsertError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, s.table+".id"):
		return domain.ErrDuplicateEvent
	case strings.Contains(msg, s.table+".aggregate_id") && strings.Contains(msg, s.table+".revision"):
		return domain.ErrConcurrencyConflict
	default:
		return domain.NewStorageError("insert event", err)
	}
}

// applyConstraints validates and applies the event's uniqueness claims
// and releases against the constraint registry.
func (s *EventStore) applyConstraints(ctx context.Context, tx *sql.Tx, event *domain.Event, aggregateID string) error {
	for _, constraint := range event.UniqueConstraints {
		switch constraint.Operation {
		case domain.ConstraintClaim:
			owner, err := constraintOwner(ctx, tx, constraint.IndexName, constraint.Value)
			if err != nil {
				return err
			}
			if owner == aggregateID {
				continue // already ours
			}
			if owner != "" {
				return domain.NewUniqueConstraintError(constraint.IndexName, constraint.Value, owner)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO unique_constraint (index_name, value, aggregate_id, created_at)
				VALUES (?, ?, ?, ?)
			`, constraint.IndexName, constraint.Value, aggregateID, domain.Now().UnixMicro())
			if err != nil {
				return domain.NewStorageError("claim constraint", err)
			}

		case domain.ConstraintRelease:
			_, err := tx.ExecContext(ctx, `
				DELETE FROM unique_constraint
				WHERE index_name = ? AND value = ? AND aggregate_id = ?
			`, constraint.IndexName, constraint.Value, aggregateID)
			if err != nil {
				return domain.NewStorageError("release constraint", err)
			}

		default:
			return fmt.Errorf("%w: %q", domain.ErrInvalidConstraintOperation, constraint.Operation)
		}
	}
	return nil
}

// headRevision reads the stream head on the given queryer.
func (s *EventStore) headRevision(ctx context.Context, q queryer, aggregateID string) (int64, error) {
	//nolint:gosec // table name comes from the closed streamTables map
	query := fmt.Sprintf(`SELECT COALESCE(MAX(revision), 0) FROM %s WHERE aggregate_id = ?`, s.table)

	var head int64
	if err := q.QueryRowContext(ctx, query, aggregateID).Scan(&head); err != nil {
		return 0, domain.NewStorageError("head revision", err)
	}
	return head, nil
}

// Close closes the underlying database. Stores sharing the handle become
// unusable afterwards.
func (s *EventStore) Close() error {
	return s.db.Close()
}

// queryer is the subset of database/sql shared by *sql.DB and *sql.Tx.
// Query helpers take it so the same SQL serves both store methods and the
// unit of work.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// compile-time interface check
var _ store.EventStore = (*EventStore)(nil)
