// Package credentials resolves secrets for outbound connections such as
// SMTP relays and message-bus servers.
//
// Secrets live in a backend reached through gocloud.dev/secrets, so the
// same code works against AWS Secrets Manager, GCP Secret Manager, Azure
// Key Vault, HashiCorp Vault, or a local file during development. Static
// and environment-variable providers cover tests and setups without a
// secret backend.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrCredentialsExpired is returned when resolved credentials are past
	// their expiry time.
	ErrCredentialsExpired = errors.New("credentials expired")

	// ErrInvalidCredentials is returned when credentials are missing fields
	// required by their type.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrProviderClosed is returned when a provider is used after Close.
	ErrProviderClosed = errors.New("credential provider is closed")

	// ErrRotateUnsupported is returned by providers whose credentials can
	// only be replaced out of band.
	ErrRotateUnsupported = errors.New("credential rotation not supported")
)

// CredentialType identifies how a secret is presented to the peer.
type CredentialType string

const (
	// CredentialTypeToken is a single opaque bearer token.
	CredentialTypeToken CredentialType = "token"

	// CredentialTypeUserPassword is a username and password pair, as used
	// by SMTP AUTH and password-protected bus servers.
	CredentialTypeUserPassword CredentialType = "user_password"
)

// Credentials carries one resolved secret and its metadata.
type Credentials struct {
	Type CredentialType `json:"type"`

	// Token is set for CredentialTypeToken.
	Token string `json:"token,omitempty"`

	// User and Password are set for CredentialTypeUserPassword.
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`

	// ExpiresAt marks when the secret stops being valid. Nil means the
	// secret does not expire.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// IsExpired reports whether the credentials are past their expiry time.
func (c *Credentials) IsExpired() bool {
	return c.ExpiresAt != nil && time.Now().After(*c.ExpiresAt)
}

// Validate checks that the fields required by the credential type are set.
func (c *Credentials) Validate() error {
	switch c.Type {
	case CredentialTypeToken:
		if c.Token == "" {
			return fmt.Errorf("%w: token is required", ErrInvalidCredentials)
		}
	case CredentialTypeUserPassword:
		if c.User == "" || c.Password == "" {
			return fmt.Errorf("%w: user and password are required", ErrInvalidCredentials)
		}
	case "":
		return fmt.Errorf("%w: type is required", ErrInvalidCredentials)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidCredentials, c.Type)
	}
	return nil
}

// LogValue implements slog.LogValuer. Secret fields are replaced with a
// marker so credentials can be logged without leaking them. JSON
// marshaling stays faithful because the secret backend stores the struct
// as-is.
func (c *Credentials) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("type", string(c.Type))}
	if c.User != "" {
		attrs = append(attrs, slog.String("user", c.User))
	}
	if c.Token != "" {
		attrs = append(attrs, slog.String("token", "[redacted]"))
	}
	if c.Password != "" {
		attrs = append(attrs, slog.String("password", "[redacted]"))
	}
	if c.ExpiresAt != nil {
		attrs = append(attrs, slog.Time("expires_at", *c.ExpiresAt))
	}
	return slog.GroupValue(attrs...)
}

// Provider resolves credentials on demand.
type Provider interface {
	// GetCredentials returns the current credentials, resolving or
	// refreshing them as needed.
	GetCredentials(ctx context.Context) (*Credentials, error)

	// Rotate forces the next GetCredentials to resolve fresh credentials.
	// Providers without rotation return ErrRotateUnsupported.
	Rotate(ctx context.Context) error

	// Type returns the credential type this provider serves.
	Type() CredentialType

	// Close releases provider resources.
	Close() error
}

// SecretData is the JSON envelope stored in the secret backend.
type SecretData struct {
	Credentials *Credentials      `json:"credentials"`
	Version     int               `json:"version"`
	CreatedAt   time.Time         `json:"created_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ProviderConfig tunes caching and refresh behaviour of backend-based
// providers.
type ProviderConfig struct {
	// CacheTTL is how long resolved credentials are served from memory
	// before the backend is consulted again.
	CacheTTL time.Duration

	// AutoRefresh re-resolves credentials in the background so a cache
	// miss never stalls a caller.
	AutoRefresh bool

	// RefreshInterval is the background refresh period. It should stay
	// below CacheTTL.
	RefreshInterval time.Duration

	// Logger receives refresh failures. Defaults to slog.Default.
	Logger *slog.Logger
}

// DefaultConfig returns the standard cache and refresh settings.
func DefaultConfig() ProviderConfig {
	return ProviderConfig{
		CacheTTL:        5 * time.Minute,
		AutoRefresh:     true,
		RefreshInterval: 150 * time.Second,
	}
}
