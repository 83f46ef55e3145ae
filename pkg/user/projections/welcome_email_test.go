package projections_test

import (
	"context"
	"errors"
	"testing"

	"github.com/plaenen/userservice/pkg/domain"
	"github.com/plaenen/userservice/pkg/email"
	"github.com/plaenen/userservice/pkg/user"
	"github.com/plaenen/userservice/pkg/user/projections"
)

type fakeProvider struct {
	available bool
	sent      bool
	err       error

	messages []*email.Message
}

func (f *fakeProvider) Send(ctx context.Context, msg *email.Message) (bool, error) {
	f.messages = append(f.messages, msg)
	return f.sent, f.err
}

func (f *fakeProvider) Available() bool { return f.available }
func (f *fakeProvider) Name() string    { return "fake" }

func createdEnvelope(t *testing.T) *domain.EventEnvelope {
	t.Helper()
	envelopes := userEnvelopes(t, createStep)
	if len(envelopes) != 1 {
		t.Fatalf("want 1 envelope, got %d", len(envelopes))
	}
	return envelopes[0]
}

func TestWelcomeEmailSends(t *testing.T) {
	provider := &fakeProvider{available: true, sent: true}
	p := projections.NewWelcomeEmailProjection(provider, nil)

	if err := p.Handle(context.Background(), createdEnvelope(t)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(provider.messages) != 1 {
		t.Fatalf("want 1 message, got %d", len(provider.messages))
	}
	msg := provider.messages[0]
	if msg.To != "alice@example.com" {
		t.Errorf("recipient = %q", msg.To)
	}
	if msg.Subject == "" || msg.Body == "" {
		t.Error("message must carry subject and body")
	}
	if msg.From != "" {
		t.Errorf("sink must leave From to the provider default, got %q", msg.From)
	}
}

func TestWelcomeEmailDeterministicMessage(t *testing.T) {
	provider := &fakeProvider{available: true, sent: true}
	p := projections.NewWelcomeEmailProjection(provider, nil)

	envelope := createdEnvelope(t)
	if err := p.Handle(context.Background(), envelope); err != nil {
		t.Fatal(err)
	}
	if err := p.Handle(context.Background(), envelope); err != nil {
		t.Fatal(err)
	}

	if len(provider.messages) != 2 {
		t.Fatalf("want 2 messages, got %d", len(provider.messages))
	}
	if *provider.messages[0] != *provider.messages[1] {
		t.Error("redelivered event must produce an identical message")
	}
}

func TestWelcomeEmailFailuresRequeue(t *testing.T) {
	tests := []struct {
		name     string
		provider *fakeProvider
	}{
		{"provider unavailable", &fakeProvider{available: false}},
		{"send error", &fakeProvider{available: true, err: errors.New("relay down")}},
		{"declined", &fakeProvider{available: true, sent: false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := projections.NewWelcomeEmailProjection(tt.provider, nil)
			if err := p.Handle(context.Background(), createdEnvelope(t)); err == nil {
				t.Fatal("want error so the delivery is retried")
			}
		})
	}
}

func TestWelcomeEmailRefusesRebuild(t *testing.T) {
	p := projections.NewWelcomeEmailProjection(&fakeProvider{available: true, sent: true}, nil)
	if err := p.Reset(context.Background()); err == nil {
		t.Fatal("reset must refuse: a rebuild would resend historical mail")
	}
}

func TestWelcomeEmailEventTypes(t *testing.T) {
	p := projections.NewWelcomeEmailProjection(&fakeProvider{}, nil)
	types := p.EventTypes()
	if len(types) != 1 || types[0] != user.EventUserCreated {
		t.Errorf("event types = %v", types)
	}
}
