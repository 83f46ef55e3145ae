package validators

import (
	"errors"
	"regexp"
	"testing"

	"github.com/plaenen/userservice/pkg/domain"
)

func TestChecks(t *testing.T) {
	re := regexp.MustCompile(`^[a-z]+$`)

	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{"required present", Required("f", "x"), false},
		{"required missing", Required("f", ""), true},
		{"uuid valid", UUID("f", "7f9c24e5-2f88-4c4c-9d2f-8a1e5b6c7d8e"), false},
		{"uuid missing", UUID("f", ""), true},
		{"uuid malformed", UUID("f", "not-a-uuid"), true},
		{"email valid", Email("f", "alice@example.com"), false},
		{"email missing", Email("f", ""), true},
		{"email malformed", Email("f", "alice@"), true},
		{"email optional empty", EmailOptional("f", ""), false},
		{"email optional malformed", EmailOptional("f", "nope"), true},
		{"length in range", Length("f", "abc", 3, 5), false},
		{"length too short", Length("f", "ab", 3, 5), true},
		{"length too long", Length("f", "abcdef", 3, 5), true},
		{"max length ok", MaxLength("f", "abc", 3), false},
		{"max length empty", MaxLength("f", "", 3), false},
		{"max length exceeded", MaxLength("f", "abcd", 3), true},
		{"pattern match", Pattern("f", "abc", re, "lowercase only"), false},
		{"pattern mismatch", Pattern("f", "Abc", re, "lowercase only"), true},
		{"one of match", OneOf("f", "admin", "admin", "user"), false},
		{"one of mismatch", OneOf("f", "root", "admin", "user"), true},
		{"hash valid", PasswordHash("f", "$2a$04$qCmFKGf3auf4IcNR1ijJ7eRTjuMYnKYr21rpLirZqCbv5y1qs41ei"), false},
		{"hash missing", PasswordHash("f", ""), true},
		{"hash plaintext", PasswordHash("f", "hunter2hunter2"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.wantErr {
				if !errors.Is(tt.err, domain.ErrValidation) {
					t.Fatalf("want validation error, got %v", tt.err)
				}
				var verr *domain.ValidationError
				if !errors.As(tt.err, &verr) || verr.Field != "f" {
					t.Fatalf("error does not carry field name: %v", tt.err)
				}
			} else if tt.err != nil {
				t.Fatalf("unexpected error: %v", tt.err)
			}
		})
	}
}

func TestMaskString(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "****"},
		{"abc", "****"},
		{"abcd", "****"},
		{"secret-token-1234", "*************1234"},
	}
	for _, tt := range tests {
		if got := MaskString(tt.in); got != tt.want {
			t.Errorf("MaskString(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMaskEmail(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"alice@example.com", "a****@example.com"},
		{"a@example.com", "*@example.com"},
		{"no-at-sign", "******sign"},
	}
	for _, tt := range tests {
		if got := MaskEmail(tt.in); got != tt.want {
			t.Errorf("MaskEmail(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
