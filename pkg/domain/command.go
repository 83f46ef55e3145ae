package domain

import (
	"context"
	"time"
)

// Command is implemented by command value objects.
type Command interface {
	// AggregateID returns the ID of the aggregate this command targets.
	AggregateID() string

	// CommandType returns the type tag of the command (e.g. "CreateUser").
	CommandType() string

	// Validate checks the command's fields before any state is touched.
	// Returns a ValidationError describing the first offending field.
	Validate() error
}

// CommandMetadata carries contextual information about a command.
type CommandMetadata struct {
	// CommandID is the caller-supplied idempotency key. Two invocations
	// with the same CommandID and inputs observe identical results.
	CommandID string

	// CorrelationID traces related commands and events.
	CorrelationID string

	// PrincipalID identifies who is executing this command.
	PrincipalID string

	// Timestamp is when the command was created.
	Timestamp time.Time

	// Custom allows for application-specific metadata.
	Custom map[string]string
}

// CommandEnvelope wraps a command with its metadata for the bus.
type CommandEnvelope struct {
	Command  Command
	Metadata CommandMetadata
}

// NewCommandEnvelope builds an envelope with a generated command ID when
// the caller did not supply one.
func NewCommandEnvelope(cmd Command, metadata CommandMetadata) *CommandEnvelope {
	if metadata.CommandID == "" {
		metadata.CommandID = GenerateID()
	}
	if metadata.Timestamp.IsZero() {
		metadata.Timestamp = Now()
	}
	return &CommandEnvelope{Command: cmd, Metadata: metadata}
}

// CommandHandler processes one command kind and returns produced events.
type CommandHandler interface {
	Handle(ctx context.Context, cmd *CommandEnvelope) ([]*Event, error)
}

// CommandHandlerFunc adapts a function to CommandHandler.
type CommandHandlerFunc func(ctx context.Context, cmd *CommandEnvelope) ([]*Event, error)

// Handle implements CommandHandler.
func (f CommandHandlerFunc) Handle(ctx context.Context, cmd *CommandEnvelope) ([]*Event, error) {
	return f(ctx, cmd)
}

// CommandMiddleware wraps handlers with cross-cutting concerns.
type CommandMiddleware func(CommandHandler) CommandHandler

// CommandResult is the recorded outcome of a processed command.
type CommandResult struct {
	// CommandID is the idempotency key of the processed command.
	CommandID string

	// AggregateID is the aggregate the command acted on.
	AggregateID string

	// Events are the events produced, populated on first processing.
	Events []*Event

	// EventIDs are the IDs of the produced events. Always populated, and
	// the only event information retained for replayed commands.
	EventIDs []string

	// AlreadyProcessed is true when the command ID had been seen before
	// and no new events were appended.
	AlreadyProcessed bool

	// ProcessedAt is when the command was originally processed.
	ProcessedAt time.Time
}
