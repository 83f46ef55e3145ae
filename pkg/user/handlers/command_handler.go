// Package handlers connects the user aggregate to the stores: command
// handlers drive the load-decide-append pipeline, query handlers read the
// projected state.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/plaenen/userservice/pkg/domain"
	"github.com/plaenen/userservice/pkg/store"
	"github.com/plaenen/userservice/pkg/user"
)

// DefaultMaxAttempts bounds how often a command retries after losing an
// optimistic concurrency race.
const DefaultMaxAttempts = 3

// Notifier wakes the outbox dispatcher after a commit so fresh events
// publish without waiting for the next tick.
type Notifier interface {
	Notify()
}

// UserCommandHandler executes user commands through the unit-of-work
// pipeline: load, decide, append with snapshot and outbox rows, commit,
// then nudge the dispatcher.
type UserCommandHandler struct {
	events      store.EventStore
	uowf        store.UnitOfWorkFactory
	repo        *store.Repository[*user.User]
	notifier    Notifier
	logger      *slog.Logger
	maxAttempts int
}

// CommandHandlerOption configures a UserCommandHandler.
type CommandHandlerOption func(*UserCommandHandler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) CommandHandlerOption {
	return func(h *UserCommandHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithNotifier sets the dispatcher notifier called after each commit that
// produced events.
func WithNotifier(n Notifier) CommandHandlerOption {
	return func(h *UserCommandHandler) { h.notifier = n }
}

// WithMaxAttempts overrides the concurrency-conflict retry budget.
func WithMaxAttempts(n int) CommandHandlerOption {
	return func(h *UserCommandHandler) {
		if n > 0 {
			h.maxAttempts = n
		}
	}
}

// NewUserCommandHandler creates the command handler for the user aggregate.
func NewUserCommandHandler(
	events store.EventStore,
	uowf store.UnitOfWorkFactory,
	repo *store.Repository[*user.User],
	opts ...CommandHandlerOption,
) *UserCommandHandler {
	h := &UserCommandHandler{
		events:      events,
		uowf:        uowf,
		repo:        repo,
		logger:      slog.Default(),
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register registers the handler for every user command kind.
func (h *UserCommandHandler) Register(bus domain.CommandBus) {
	bus.Register(user.CommandCreateUser, domain.CommandHandlerFunc(h.handleCreate))
	bus.Register(user.CommandUpdateUser, domain.CommandHandlerFunc(h.handleUpdate))
	bus.Register(user.CommandChangePassword, domain.CommandHandlerFunc(h.handleChangePassword))
	bus.Register(user.CommandDeleteUser, domain.CommandHandlerFunc(h.handleDelete))
}

func (h *UserCommandHandler) handleCreate(ctx context.Context, env *domain.CommandEnvelope) ([]*domain.Event, error) {
	cmd, err := commandAs[*user.CreateUserCommand](env)
	if err != nil {
		return nil, err
	}
	return h.execute(ctx, env, true, func(u *user.User) error {
		return u.Create(cmd, eventMetadata(env))
	})
}

func (h *UserCommandHandler) handleUpdate(ctx context.Context, env *domain.CommandEnvelope) ([]*domain.Event, error) {
	cmd, err := commandAs[*user.UpdateUserCommand](env)
	if err != nil {
		return nil, err
	}
	return h.execute(ctx, env, false, func(u *user.User) error {
		return u.Update(cmd, eventMetadata(env))
	})
}

func (h *UserCommandHandler) handleChangePassword(ctx context.Context, env *domain.CommandEnvelope) ([]*domain.Event, error) {
	cmd, err := commandAs[*user.ChangePasswordCommand](env)
	if err != nil {
		return nil, err
	}
	return h.execute(ctx, env, false, func(u *user.User) error {
		return u.ChangePassword(cmd, eventMetadata(env))
	})
}

func (h *UserCommandHandler) handleDelete(ctx context.Context, env *domain.CommandEnvelope) ([]*domain.Event, error) {
	cmd, err := commandAs[*user.DeleteUserCommand](env)
	if err != nil {
		return nil, err
	}
	return h.execute(ctx, env, false, func(u *user.User) error {
		return u.Delete(cmd, eventMetadata(env))
	})
}

// execute runs the shared pipeline, retrying the whole load-decide-append
// sequence on concurrency conflicts.
func (h *UserCommandHandler) execute(
	ctx context.Context,
	env *domain.CommandEnvelope,
	createsAggregate bool,
	decide func(*user.User) error,
) ([]*domain.Event, error) {
	// A replayed command returns its recorded outcome without re-deciding:
	// the aggregate may have moved on, and deciding against the new state
	// would wrongly re-fire business rules.
	if commandID := env.Metadata.CommandID; commandID != "" {
		result, err := h.events.GetCommandResult(ctx, commandID)
		switch {
		case err == nil:
			h.logger.Debug("command replayed, returning recorded result",
				slog.String("command_id", commandID),
				slog.String("command_type", env.Command.CommandType()))
			return result.Events, nil
		case !errors.Is(err, domain.ErrNotFound):
			return nil, err
		}
	}

	var lastErr error
	for attempt := 1; attempt <= h.maxAttempts; attempt++ {
		events, err := h.attempt(ctx, env, createsAggregate, decide)
		if err == nil {
			return events, nil
		}
		if !domain.IsRetryable(err) {
			return nil, err
		}
		lastErr = err
		h.logger.Debug("retrying command after concurrency conflict",
			slog.String("command_type", env.Command.CommandType()),
			slog.String("aggregate_id", env.Command.AggregateID()),
			slog.Int("attempt", attempt))
	}
	return nil, lastErr
}

func (h *UserCommandHandler) attempt(
	ctx context.Context,
	env *domain.CommandEnvelope,
	createsAggregate bool,
	decide func(*user.User) error,
) ([]*domain.Event, error) {
	id := env.Command.AggregateID()

	// Load outside the unit of work: on a single-connection database a
	// read under the open transaction would wait on itself, and the
	// append's head check catches any interleaved writer.
	agg, err := h.repo.Load(ctx, id)
	switch {
	case errors.Is(err, domain.ErrAggregateNotFound):
		if !createsAggregate {
			return nil, domain.NewNotFoundError("user", id)
		}
		agg = user.New(id)
	case err != nil:
		return nil, err
	}

	agg.SetCommandID(env.Metadata.CommandID)
	if err := decide(agg); err != nil {
		return nil, err
	}

	events := agg.UncommittedEvents()

	uow, err := h.uowf.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer uow.Rollback()

	result, err := h.repo.Save(ctx, uow, agg, env.Metadata.CommandID)
	if err != nil {
		return nil, err
	}
	if err := uow.Commit(); err != nil {
		return nil, err
	}

	if result.AlreadyProcessed {
		// Another invocation won the race; its commit already carries the
		// outbox rows.
		return result.Events, nil
	}

	if len(events) > 0 && h.notifier != nil {
		h.notifier.Notify()
	}
	return events, nil
}

// eventMetadata derives event provenance from the command envelope.
func eventMetadata(env *domain.CommandEnvelope) domain.EventMetadata {
	return domain.EventMetadata{
		CausationID:   env.Metadata.CommandID,
		CorrelationID: env.Metadata.CorrelationID,
		PrincipalID:   env.Metadata.PrincipalID,
		Custom:        env.Metadata.Custom,
	}
}

func commandAs[T domain.Command](env *domain.CommandEnvelope) (T, error) {
	cmd, ok := env.Command.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: unexpected payload type %T for %s",
			domain.ErrInvalidCommand, env.Command, env.Command.CommandType())
	}
	return cmd, nil
}
