// Package email delivers transactional mail through pluggable providers.
//
// Providers report delivery as a boolean alongside the error so callers
// can tell "the provider declined the message" from a transport failure.
// Projection sinks treat both as reasons to retry.
package email

import (
	"context"
	"errors"
)

// ErrNoRecipient is returned when a message has no To address.
var ErrNoRecipient = errors.New("email message has no recipient")

// Message is one piece of outbound mail. An empty From falls back to the
// provider default.
type Message struct {
	To      string
	From    string
	Subject string
	Body    string
}

// Provider delivers messages.
type Provider interface {
	// Send delivers msg. It returns false without an error when the
	// provider declined the message.
	Send(ctx context.Context, msg *Message) (bool, error)

	// Available reports whether the provider can currently deliver.
	Available() bool

	// Name identifies the provider in logs.
	Name() string
}
