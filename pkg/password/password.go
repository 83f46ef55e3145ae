// Package password wraps bcrypt hashing and password strength policy.
// Command validation accepts only pre-hashed passwords; the helpers here
// produce those hashes and recognize their shape.
package password

import (
	"errors"

	passwordvalidator "github.com/wagslane/go-password-validator"
	"golang.org/x/crypto/bcrypt"
)

const (
	MinCost     = bcrypt.MinCost
	MaxCost     = bcrypt.MaxCost
	DefaultCost = 12

	// MaxLength bounds the plaintext accepted for hashing. bcrypt only
	// reads 72 bytes; anything longer is either a mistake or a DoS probe.
	MaxLength = 128

	// MinEntropyBits is the strength floor enforced by ValidateStrength.
	MinEntropyBits = 60
)

var (
	ErrEmptyPassword = errors.New("password is empty")
	ErrTooLong       = errors.New("password exceeds maximum length")
	ErrInvalidCost   = errors.New("bcrypt cost out of range")
)

type config struct {
	cost int
}

// Option configures hashing.
type Option func(*config)

// WithCost sets the bcrypt cost factor. Out-of-range values keep the
// default.
func WithCost(cost int) Option {
	return func(c *config) {
		if cost >= MinCost && cost <= MaxCost {
			c.cost = cost
		}
	}
}

// Hash generates a bcrypt hash of the plaintext password.
func Hash(plaintext string, opts ...Option) (string, error) {
	if plaintext == "" {
		return "", ErrEmptyPassword
	}
	if len(plaintext) > MaxLength {
		return "", ErrTooLong
	}

	c := config{cost: DefaultCost}
	for _, opt := range opts {
		opt(&c)
	}
	if c.cost < MinCost || c.cost > MaxCost {
		return "", ErrInvalidCost
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), c.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Compare checks a plaintext password against a bcrypt hash in constant
// time. Returns nil on match.
func Compare(hash, plaintext string) error {
	if hash == "" {
		return errors.New("hash is empty")
	}
	if plaintext == "" {
		return ErrEmptyPassword
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext))
}

// IsHash reports whether s looks like a bcrypt hash. The cost parser reads
// the full prefix, so this accepts exactly what Compare can work with.
func IsHash(s string) bool {
	_, err := bcrypt.Cost([]byte(s))
	return err == nil
}

// ValidateStrength checks that a plaintext password carries at least
// MinEntropyBits of estimated entropy.
func ValidateStrength(plaintext string) error {
	return passwordvalidator.Validate(plaintext, MinEntropyBits)
}
