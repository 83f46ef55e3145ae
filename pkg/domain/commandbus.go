package domain

import (
	"context"
	"fmt"
	"sync"
)

// CommandBus routes command envelopes to their registered handlers.
type CommandBus interface {
	// Send routes a command to its handler and returns the events the
	// handler produced. Replayed commands return the originally produced
	// event set where it is still known.
	Send(ctx context.Context, cmd *CommandEnvelope) ([]*Event, error)

	// Register registers a handler for a command type. Panics when the
	// type is already registered: duplicate registration is a wiring bug.
	Register(commandType string, handler CommandHandler)

	// Use appends middleware to the pipeline. The first middleware added
	// is the outermost.
	Use(middleware CommandMiddleware)
}

// DefaultCommandBus is the in-process CommandBus implementation.
type DefaultCommandBus struct {
	handlers   map[string]CommandHandler
	middleware []CommandMiddleware
	mu         sync.RWMutex
}

// NewCommandBus creates an empty command bus.
func NewCommandBus() *DefaultCommandBus {
	return &DefaultCommandBus{
		handlers: make(map[string]CommandHandler),
	}
}

// Register registers a handler for a command type.
func (b *DefaultCommandBus) Register(commandType string, handler CommandHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[commandType]; exists {
		panic(fmt.Sprintf("handler already registered for command type: %s", commandType))
	}
	b.handlers[commandType] = handler
}

// Use appends middleware to the processing pipeline.
func (b *DefaultCommandBus) Use(middleware CommandMiddleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, middleware)
}

// Send routes the envelope through the middleware chain to its handler.
func (b *DefaultCommandBus) Send(ctx context.Context, cmd *CommandEnvelope) ([]*Event, error) {
	if cmd == nil || cmd.Command == nil {
		return nil, ErrInvalidCommand
	}

	commandType := cmd.Command.CommandType()
	if commandType == "" {
		return nil, fmt.Errorf("%w: empty command type", ErrInvalidCommand)
	}

	b.mu.RLock()
	handler, exists := b.handlers[commandType]
	middleware := b.middleware
	b.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrCommandNotFound, commandType)
	}

	// Build the chain in reverse so the first Use call wraps outermost.
	final := handler
	for i := len(middleware) - 1; i >= 0; i-- {
		final = middleware[i](final)
	}

	return final.Handle(ctx, cmd)
}

// RegisteredTypes returns the registered command types, for diagnostics.
func (b *DefaultCommandBus) RegisteredTypes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	types := make([]string, 0, len(b.handlers))
	for t := range b.handlers {
		types = append(types, t)
	}
	return types
}
