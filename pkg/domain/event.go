package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Event is an immutable fact about a state change of a single aggregate.
type Event struct {
	// ID is the unique identifier for this event (128-bit, lowercase hex).
	// Deterministic when produced by a command, so replays collide instead
	// of duplicating.
	ID string

	// AggregateID is the identifier of the aggregate this event belongs to.
	AggregateID string

	// AggregateType is the kind of the aggregate (e.g. "User").
	AggregateType string

	// EventType is the kind tag of the event (e.g. "UserCreated").
	EventType string

	// SchemaVersion selects the payload schema for EventType.
	// (EventType, SchemaVersion) pairs must be registered before use.
	SchemaVersion string

	// Revision is the position of this event in its aggregate's stream.
	// Revisions are dense and start at 1.
	Revision int64

	// Timestamp is when the event was created (UTC, microsecond precision).
	Timestamp time.Time

	// Data is the JSON payload, valid against (EventType, SchemaVersion).
	Data []byte

	// Metadata carries provenance for the event.
	Metadata EventMetadata

	// UniqueConstraints are uniqueness claims or releases applied
	// atomically with event persistence. They are not part of the wire
	// format; once committed the constraint table is the source of truth.
	UniqueConstraints []UniqueConstraint
}

// EventMetadata contains contextual information about an event.
type EventMetadata struct {
	// CausationID is the ID of the command that caused this event.
	CausationID string `json:"causation_id,omitempty"`

	// CorrelationID traces related events across aggregates.
	CorrelationID string `json:"correlation_id,omitempty"`

	// PrincipalID identifies who or what triggered this event.
	PrincipalID string `json:"principal_id,omitempty"`

	// Custom allows for application-specific metadata.
	Custom map[string]string `json:"custom,omitempty"`
}

// UniqueConstraint represents a uniqueness claim or release on a value.
type UniqueConstraint struct {
	// IndexName identifies the constraint index (e.g. "user_email").
	IndexName string

	// Value is the unique value being claimed or released.
	Value string

	// Operation is either ConstraintClaim or ConstraintRelease.
	Operation ConstraintOperation
}

// ConstraintOperation defines operations on unique constraints.
type ConstraintOperation string

const (
	// ConstraintClaim claims a unique value for this aggregate.
	ConstraintClaim ConstraintOperation = "claim"

	// ConstraintRelease releases a value previously claimed.
	ConstraintRelease ConstraintOperation = "release"
)

// EventEnvelope wraps an event with its decoded payload.
type EventEnvelope struct {
	Event

	// Payload is the typed payload produced by the schema registry.
	Payload any

	// Attempt is the delivery attempt count (1 = first delivery) when the
	// envelope arrives through an event bus. Zero outside of delivery.
	Attempt int
}

// eventWire is the JSON shape events travel in (outbox payload, bus
// messages). Field names follow the persisted record layout.
type eventWire struct {
	ID            string          `json:"event_id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_kind"`
	EventType     string          `json:"event_kind"`
	SchemaVersion string          `json:"schema_version"`
	Revision      int64           `json:"revision"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data"`
	Metadata      EventMetadata   `json:"metadata,omitempty"`
}

// MarshalEvent serializes an event for transport.
func MarshalEvent(e *Event) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("marshal event: nil event")
	}
	w := eventWire{
		ID:            e.ID,
		AggregateID:   e.AggregateID,
		AggregateType: e.AggregateType,
		EventType:     e.EventType,
		SchemaVersion: e.SchemaVersion,
		Revision:      e.Revision,
		Timestamp:     e.Timestamp.UTC(),
		Data:          json.RawMessage(e.Data),
		Metadata:      e.Metadata,
	}
	return json.Marshal(w)
}

// UnmarshalEvent deserializes an event from its transport form.
func UnmarshalEvent(b []byte) (*Event, error) {
	var w eventWire
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	if w.ID == "" || w.AggregateID == "" || w.EventType == "" {
		return nil, fmt.Errorf("unmarshal event: missing required fields")
	}
	return &Event{
		ID:            w.ID,
		AggregateID:   w.AggregateID,
		AggregateType: w.AggregateType,
		EventType:     w.EventType,
		SchemaVersion: w.SchemaVersion,
		Revision:      w.Revision,
		Timestamp:     w.Timestamp.UTC(),
		Data:          []byte(w.Data),
		Metadata:      w.Metadata,
	}, nil
}

// GenerateDeterministicEventID derives an event ID from command context.
// The same command acting on the same aggregate state always produces the
// same event IDs, which is what makes command replays collide harmlessly.
func GenerateDeterministicEventID(commandID, aggregateID string, revision int64) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s:%s:%d", commandID, aggregateID, revision)
	return hex.EncodeToString(h.Sum(nil))[:32] // first 128 bits
}

// DefaultCommandTTL is how long processed command IDs are remembered.
const DefaultCommandTTL = 7 * 24 * time.Hour
