package email

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/plaenen/userservice/pkg/security/credentials"
	"github.com/plaenen/userservice/pkg/validators"
)

// SMTPProvider delivers mail through an SMTP relay. AUTH credentials are
// resolved per send, so backend rotation takes effect without a restart.
type SMTPProvider struct {
	addr   string
	host   string
	from   string
	creds  credentials.Provider
	logger *slog.Logger

	// sendMail is swappable for tests.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// SMTPOption configures an SMTPProvider.
type SMTPOption func(*SMTPProvider)

// WithSMTPLogger sets the logger. Defaults to slog.Default.
func WithSMTPLogger(logger *slog.Logger) SMTPOption {
	return func(p *SMTPProvider) { p.logger = logger }
}

// NewSMTPProvider creates a provider for the relay at addr (host:port).
// Messages without a From use defaultFrom. The credential provider must
// serve user_password credentials.
func NewSMTPProvider(addr, defaultFrom string, creds credentials.Provider, opts ...SMTPOption) (*SMTPProvider, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("smtp address %q: %w", addr, err)
	}
	if defaultFrom == "" {
		return nil, fmt.Errorf("smtp default sender is required")
	}
	if creds == nil {
		return nil, fmt.Errorf("smtp credential provider is required")
	}

	p := &SMTPProvider{
		addr:     addr,
		host:     host,
		from:     defaultFrom,
		creds:    creds,
		logger:   slog.Default(),
		sendMail: smtp.SendMail,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *SMTPProvider) Send(ctx context.Context, msg *Message) (bool, error) {
	if msg.To == "" {
		return false, ErrNoRecipient
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	creds, err := p.creds.GetCredentials(ctx)
	if err != nil {
		return false, fmt.Errorf("resolve smtp credentials: %w", err)
	}
	if creds.Type != credentials.CredentialTypeUserPassword {
		return false, fmt.Errorf("smtp requires %s credentials, provider serves %s",
			credentials.CredentialTypeUserPassword, creds.Type)
	}

	from := msg.From
	if from == "" {
		from = p.from
	}

	auth := smtp.PlainAuth("", creds.User, creds.Password, p.host)
	if err := p.sendMail(p.addr, auth, from, []string{msg.To}, formatMessage(from, msg)); err != nil {
		return false, fmt.Errorf("smtp send to %s: %w", validators.MaskEmail(msg.To), err)
	}

	p.logger.DebugContext(ctx, "email sent",
		"provider", p.Name(),
		"to", validators.MaskEmail(msg.To),
		"subject", msg.Subject,
	)
	return true, nil
}

// Available reports whether credentials resolve. A dead secret backend
// makes the provider unavailable so sinks fail fast and retry later.
func (p *SMTPProvider) Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := p.creds.GetCredentials(ctx)
	return err == nil
}

func (p *SMTPProvider) Name() string { return "smtp" }

// formatMessage renders RFC 5322 headers and the body with CRLF line
// endings as SMTP requires.
func formatMessage(from string, msg *Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)
	return []byte(b.String())
}
