package store

import (
	"context"
	"time"
)

// OutboxStatus is the lifecycle state of an outbox row.
type OutboxStatus string

const (
	// OutboxPending rows are awaiting publication.
	OutboxPending OutboxStatus = "pending"

	// OutboxPublishing rows are claimed by a dispatcher.
	OutboxPublishing OutboxStatus = "publishing"

	// OutboxPublished rows were acknowledged by the bus.
	OutboxPublished OutboxStatus = "published"

	// OutboxDeadLetter rows exhausted their publish attempts.
	OutboxDeadLetter OutboxStatus = "dead_letter"
)

// OutboxEntry is one event awaiting publication. Rows are written in the
// same transaction as the events they publish.
type OutboxEntry struct {
	// ID is a ULID, so lexicographic order is enqueue order.
	ID string

	EventID       string
	AggregateID   string
	EventType     string
	Payload       []byte
	Status        OutboxStatus
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	PublishedAt   time.Time
}

// OutboxStore persists and transitions outbox rows. Enqueueing happens
// through the unit of work so rows commit with their events.
type OutboxStore interface {
	// ClaimBatch atomically moves up to limit due pending rows to
	// publishing and returns them in enqueue order.
	ClaimBatch(ctx context.Context, limit int, now time.Time) ([]*OutboxEntry, error)

	// MarkPublished finalizes a claimed row after a bus ack.
	MarkPublished(ctx context.Context, id string, at time.Time) error

	// MarkFailed returns a claimed row to pending with its attempt count,
	// next attempt time, and last error recorded.
	MarkFailed(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastError string) error

	// MarkDeadLettered parks a row that exhausted its attempts.
	MarkDeadLettered(ctx context.Context, id string, lastError string) error

	// RequeueStuck returns publishing rows claimed before cutoff to
	// pending. Recovers claims lost to a dispatcher crash.
	RequeueStuck(ctx context.Context, cutoff time.Time) (int64, error)

	// PurgePublished deletes published rows older than cutoff.
	PurgePublished(ctx context.Context, cutoff time.Time) (int64, error)

	// CountByStatus returns row counts per status, for diagnostics.
	CountByStatus(ctx context.Context) (map[OutboxStatus]int64, error)
}

// Dispatcher retry defaults.
const (
	DefaultPublishInterval = 5 * time.Second
	DefaultPublishBatch    = 100
	DefaultMaxAttempts     = 5
	DefaultRetryBackoff    = time.Second
	DefaultRetention       = 7 * 24 * time.Hour

	// maxBackoffExponent caps the exponential growth of retry delays.
	maxBackoffExponent = 5
)

// NextAttemptDelay returns the backoff before retry number attempts.
// Delays grow as base * 2^(attempts-1), capped at base * 2^5.
func NextAttemptDelay(attempts int, base time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultRetryBackoff
	}
	exp := attempts - 1
	if exp < 0 {
		exp = 0
	}
	if exp > maxBackoffExponent {
		exp = maxBackoffExponent
	}
	return base * time.Duration(1<<uint(exp))
}
