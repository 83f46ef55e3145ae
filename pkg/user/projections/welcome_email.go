package projections

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/plaenen/userservice/pkg/domain"
	"github.com/plaenen/userservice/pkg/email"
	"github.com/plaenen/userservice/pkg/projection"
	"github.com/plaenen/userservice/pkg/user"
)

// WelcomeEmailName is the durable consumer name of the welcome mail sink.
const WelcomeEmailName = "welcome_email"

// WelcomeEmailProjection sends a welcome mail for every created user.
// The message is built from event data alone, so a redelivered event
// produces an identical mail.
type WelcomeEmailProjection struct {
	provider email.Provider
	logger   *slog.Logger
}

// NewWelcomeEmailProjection creates the sink on the given provider. A
// nil logger falls back to slog.Default.
func NewWelcomeEmailProjection(provider email.Provider, logger *slog.Logger) *WelcomeEmailProjection {
	if logger == nil {
		logger = slog.Default()
	}
	return &WelcomeEmailProjection{provider: provider, logger: logger}
}

func (p *WelcomeEmailProjection) Name() string { return WelcomeEmailName }

func (p *WelcomeEmailProjection) EventTypes() []string {
	return []string{user.EventUserCreated}
}

func (p *WelcomeEmailProjection) Handle(ctx context.Context, envelope *domain.EventEnvelope) error {
	payload, ok := envelope.Payload.(*user.UserCreatedPayload)
	if !ok {
		return nil
	}

	if !p.provider.Available() {
		return fmt.Errorf("email provider %q unavailable", p.provider.Name())
	}

	sent, err := p.provider.Send(ctx, welcomeMessage(payload))
	if err != nil {
		return fmt.Errorf("welcome mail for user %s: %w", envelope.AggregateID, err)
	}
	if !sent {
		return fmt.Errorf("welcome mail for user %s declined by provider %q",
			envelope.AggregateID, p.provider.Name())
	}

	p.logger.DebugContext(ctx, "welcome mail sent",
		"user_id", envelope.AggregateID,
		"provider", p.provider.Name())
	return nil
}

// Reset refuses: rebuilding a side-effect sink would resend historical
// mail. The refusal aborts Rebuild before any event is replayed.
func (p *WelcomeEmailProjection) Reset(ctx context.Context) error {
	return fmt.Errorf("projection %s performs side effects and cannot be rebuilt", WelcomeEmailName)
}

func welcomeMessage(payload *user.UserCreatedPayload) *email.Message {
	name := payload.FirstName
	if name == "" {
		name = payload.Username
	}
	return &email.Message{
		To:      payload.Email,
		Subject: "Welcome!",
		Body: fmt.Sprintf("Hello %s,\n\nYour account %q is ready to use.\n",
			name, payload.Username),
	}
}

var _ projection.Projection = (*WelcomeEmailProjection)(nil)
