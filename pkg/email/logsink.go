package email

import (
	"context"
	"log/slog"

	"github.com/plaenen/userservice/pkg/validators"
)

// LogSink writes messages to the log instead of delivering them. It is
// the default provider for development and tests. Recipient addresses
// are masked so log files hold no personal data.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log-backed provider. A nil logger falls back to
// slog.Default.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Send(ctx context.Context, msg *Message) (bool, error) {
	if msg.To == "" {
		return false, ErrNoRecipient
	}
	s.logger.InfoContext(ctx, "email delivered to log sink",
		"to", validators.MaskEmail(msg.To),
		"from", msg.From,
		"subject", msg.Subject,
		"body_bytes", len(msg.Body),
	)
	return true, nil
}

func (s *LogSink) Available() bool { return true }

func (s *LogSink) Name() string { return "log" }
