package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// StaticProvider serves a fixed set of credentials. Intended for tests
// and local development where no secret backend exists.
type StaticProvider struct {
	creds *Credentials
}

// NewStaticTokenProvider returns a provider serving a fixed token. A ttl
// of zero means the token never expires.
func NewStaticTokenProvider(token string, ttl time.Duration) *StaticProvider {
	creds := &Credentials{
		Type:     CredentialTypeToken,
		Token:    token,
		Metadata: map[string]string{"provider": "static"},
	}
	if ttl > 0 {
		exp := time.Now().Add(ttl)
		creds.ExpiresAt = &exp
	}
	return &StaticProvider{creds: creds}
}

// NewStaticUserPasswordProvider returns a provider serving a fixed
// username and password pair.
func NewStaticUserPasswordProvider(user, password string) *StaticProvider {
	return &StaticProvider{creds: &Credentials{
		Type:     CredentialTypeUserPassword,
		User:     user,
		Password: password,
		Metadata: map[string]string{"provider": "static"},
	}}
}

func (p *StaticProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	if p.creds.IsExpired() {
		return nil, ErrCredentialsExpired
	}
	return p.creds, nil
}

// Rotate is unsupported; static credentials can only be replaced by
// constructing a new provider.
func (p *StaticProvider) Rotate(ctx context.Context) error {
	return ErrRotateUnsupported
}

func (p *StaticProvider) Type() CredentialType {
	return p.creds.Type
}

func (p *StaticProvider) Close() error {
	return nil
}

// EnvProvider reads credentials from environment variables on every
// call, so values updated at runtime take effect without a restart.
type EnvProvider struct {
	credType CredentialType
	tokenVar string
	userVar  string
	passVar  string
	ttl      time.Duration
}

// NewEnvTokenProvider returns a provider that reads a token from the
// named environment variable. A non-zero ttl stamps each read with an
// expiry so stale copies age out.
func NewEnvTokenProvider(tokenVar string, ttl time.Duration) *EnvProvider {
	return &EnvProvider{
		credType: CredentialTypeToken,
		tokenVar: tokenVar,
		ttl:      ttl,
	}
}

// NewEnvUserPasswordProvider returns a provider that reads a username
// and password from the named environment variables.
func NewEnvUserPasswordProvider(userVar, passVar string) *EnvProvider {
	return &EnvProvider{
		credType: CredentialTypeUserPassword,
		userVar:  userVar,
		passVar:  passVar,
	}
}

func (p *EnvProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	switch p.credType {
	case CredentialTypeToken:
		token := os.Getenv(p.tokenVar)
		if token == "" {
			return nil, fmt.Errorf("%w: environment variable %s is not set", ErrInvalidCredentials, p.tokenVar)
		}
		creds := &Credentials{
			Type:     CredentialTypeToken,
			Token:    token,
			Metadata: map[string]string{"provider": "env", "token_var": p.tokenVar},
		}
		if p.ttl > 0 {
			exp := time.Now().Add(p.ttl)
			creds.ExpiresAt = &exp
		}
		return creds, nil

	case CredentialTypeUserPassword:
		user := os.Getenv(p.userVar)
		password := os.Getenv(p.passVar)
		if user == "" || password == "" {
			return nil, fmt.Errorf("%w: environment variables %s and %s must both be set", ErrInvalidCredentials, p.userVar, p.passVar)
		}
		return &Credentials{
			Type:     CredentialTypeUserPassword,
			User:     user,
			Password: password,
			Metadata: map[string]string{"provider": "env", "user_var": p.userVar, "password_var": p.passVar},
		}, nil

	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidCredentials, p.credType)
	}
}

// Rotate is a no-op; the environment is re-read on every GetCredentials.
func (p *EnvProvider) Rotate(ctx context.Context) error {
	return nil
}

func (p *EnvProvider) Type() CredentialType {
	return p.credType
}

func (p *EnvProvider) Close() error {
	return nil
}

// ChainProvider tries each wrapped provider in order and returns the
// first successfully resolved credentials. Typical use pairs a secret
// backend with an environment fallback for local runs.
type ChainProvider struct {
	providers []Provider
}

func NewChainProvider(providers ...Provider) *ChainProvider {
	return &ChainProvider{providers: providers}
}

func (p *ChainProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	if len(p.providers) == 0 {
		return nil, errors.New("credential chain is empty")
	}
	var errs []error
	for _, prov := range p.providers {
		creds, err := prov.GetCredentials(ctx)
		if err == nil {
			return creds, nil
		}
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("all credential providers failed: %w", errors.Join(errs...))
}

// Rotate rotates the first provider that accepts rotation.
func (p *ChainProvider) Rotate(ctx context.Context) error {
	if len(p.providers) == 0 {
		return errors.New("credential chain is empty")
	}
	var errs []error
	for _, prov := range p.providers {
		err := prov.Rotate(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Type returns the type of the first provider in the chain.
func (p *ChainProvider) Type() CredentialType {
	if len(p.providers) == 0 {
		return ""
	}
	return p.providers[0].Type()
}

func (p *ChainProvider) Close() error {
	var errs []error
	for _, prov := range p.providers {
		errs = append(errs, prov.Close())
	}
	return errors.Join(errs...)
}
