package runner

import "context"

// Service is a long-running component managed by the Runner: the event
// bus runtime, the outbox dispatcher, the projection manager.
type Service interface {
	// Name identifies the service in logs and error messages.
	Name() string

	// Start brings the service up and blocks until it is ready. It must
	// respect context cancellation.
	Start(ctx context.Context) error

	// Stop shuts the service down gracefully within the context deadline.
	Stop(ctx context.Context) error
}

// HealthChecker is implemented by services that can report their health
// beyond having started.
type HealthChecker interface {
	Service

	// HealthCheck returns an error when the service is unhealthy.
	HealthCheck(ctx context.Context) error
}
