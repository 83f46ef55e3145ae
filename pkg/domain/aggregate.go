package domain

// Aggregate is the capability set every event-sourced aggregate implements.
type Aggregate interface {
	// ID returns the aggregate's identifier.
	ID() string

	// Type returns the aggregate kind (e.g. "User").
	Type() string

	// Revision returns the number of events folded into the state.
	Revision() int64

	// ApplyEvent folds a committed event into the state. It must be total
	// over the aggregate's known event kinds and return
	// ErrIncompatibleEvent for anything else.
	ApplyEvent(event *Event) error

	// UncommittedEvents returns events raised but not yet persisted.
	UncommittedEvents() []*Event

	// ClearUncommittedEvents drops the uncommitted events after a save.
	ClearUncommittedEvents()
}

// AggregateRoot provides the bookkeeping shared by all aggregates. Embed it
// and implement ApplyEvent on the concrete type.
type AggregateRoot struct {
	id                string
	aggregateType     string
	revision          int64
	uncommittedEvents []*Event
	commandID         string
}

// NewAggregateRoot creates a root for a fresh aggregate.
func NewAggregateRoot(id, aggregateType string) AggregateRoot {
	return AggregateRoot{
		id:            id,
		aggregateType: aggregateType,
	}
}

// ID returns the aggregate's identifier.
func (a *AggregateRoot) ID() string { return a.id }

// Type returns the aggregate kind.
func (a *AggregateRoot) Type() string { return a.aggregateType }

// Revision returns the revision of the last folded or raised event.
func (a *AggregateRoot) Revision() int64 { return a.revision }

// UncommittedEvents returns events raised but not yet persisted.
func (a *AggregateRoot) UncommittedEvents() []*Event { return a.uncommittedEvents }

// ClearUncommittedEvents drops the uncommitted events after a save.
func (a *AggregateRoot) ClearUncommittedEvents() { a.uncommittedEvents = nil }

// SetCommandID sets the command being processed so raised events get
// deterministic IDs. Call it before invoking command methods.
func (a *AggregateRoot) SetCommandID(commandID string) { a.commandID = commandID }

// CommandID returns the command currently being processed.
func (a *AggregateRoot) CommandID() string { return a.commandID }

// Raise records a new event with the next revision and a fresh timestamp.
// The payload must be registered for (eventType, schemaVersion).
func (a *AggregateRoot) Raise(eventType, schemaVersion string, payload any, metadata EventMetadata) error {
	return a.RaiseWithConstraints(eventType, schemaVersion, payload, metadata, nil)
}

// RaiseWithConstraints records a new event carrying uniqueness claims or
// releases. The constraints are validated atomically at append time.
func (a *AggregateRoot) RaiseWithConstraints(
	eventType, schemaVersion string,
	payload any,
	metadata EventMetadata,
	constraints []UniqueConstraint,
) error {
	if !KnownSchema(eventType, schemaVersion) {
		return &SchemaError{EventType: eventType, SchemaVersion: schemaVersion, Unknown: true}
	}

	data, err := MarshalPayload(payload)
	if err != nil {
		return err
	}

	revision := a.revision + 1

	var eventID string
	if a.commandID != "" {
		eventID = GenerateDeterministicEventID(a.commandID, a.id, revision)
	} else {
		eventID = GenerateID()
	}

	evt := &Event{
		ID:                eventID,
		AggregateID:       a.id,
		AggregateType:     a.aggregateType,
		EventType:         eventType,
		SchemaVersion:     schemaVersion,
		Revision:          revision,
		Timestamp:         Now(),
		Data:              data,
		Metadata:          metadata,
		UniqueConstraints: constraints,
	}

	a.uncommittedEvents = append(a.uncommittedEvents, evt)
	a.revision = revision
	return nil
}

// MarkApplied advances the revision after folding a committed event.
// Concrete ApplyEvent implementations call this once state is mutated.
func (a *AggregateRoot) MarkApplied(e *Event) {
	if e.Revision > a.revision {
		a.revision = e.Revision
	}
}

// RestoreRevision sets the revision directly. Used when rehydrating from a
// snapshot, where the folded events themselves are not replayed.
func (a *AggregateRoot) RestoreRevision(revision int64) {
	a.revision = revision
}
