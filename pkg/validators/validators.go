// Package validators holds field-level checks shared by command
// validation. Each check returns nil when the value passes and a
// validation error naming the field otherwise.
package validators

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/asaskevich/govalidator"
	"github.com/google/uuid"

	"github.com/plaenen/userservice/pkg/domain"
	"github.com/plaenen/userservice/pkg/password"
)

// Required checks that value is non-empty.
func Required(field, value string) error {
	if value == "" {
		return domain.NewValidationError(field, "is required")
	}
	return nil
}

// UUID checks that value parses as a UUID.
func UUID(field, value string) error {
	if value == "" {
		return domain.NewValidationError(field, "is required")
	}
	if _, err := uuid.Parse(value); err != nil {
		return domain.NewValidationError(field, "must be a valid UUID")
	}
	return nil
}

// Email checks that value is a well-formed email address.
func Email(field, value string) error {
	if value == "" {
		return domain.NewValidationError(field, "is required")
	}
	if !govalidator.IsEmail(value) {
		return domain.NewValidationError(field, "must be a valid email address")
	}
	return nil
}

// EmailOptional is Email for fields where empty means "leave unchanged".
func EmailOptional(field, value string) error {
	if value == "" {
		return nil
	}
	return Email(field, value)
}

// Length checks that value is between min and max bytes long.
func Length(field, value string, min, max int) error {
	if len(value) < min || len(value) > max {
		return domain.NewValidationError(field,
			fmt.Sprintf("must be between %d and %d characters", min, max))
	}
	return nil
}

// MaxLength checks that value does not exceed max bytes. Empty passes.
func MaxLength(field, value string, max int) error {
	if len(value) > max {
		return domain.NewValidationError(field,
			fmt.Sprintf("must be at most %d characters", max))
	}
	return nil
}

// Pattern checks value against re. The desc text becomes the error
// message, so phrase it as a requirement.
func Pattern(field, value string, re *regexp.Regexp, desc string) error {
	if !re.MatchString(value) {
		return domain.NewValidationError(field, desc)
	}
	return nil
}

// OneOf checks that value equals one of allowed.
func OneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	quoted := make([]string, len(allowed))
	for i, a := range allowed {
		quoted[i] = fmt.Sprintf("%q", a)
	}
	return domain.NewValidationError(field, "must be one of "+strings.Join(quoted, ", "))
}

// PasswordHash checks that value is a bcrypt hash. Commands carry hashes
// only; plaintext never crosses the command boundary.
func PasswordHash(field, value string) error {
	if value == "" {
		return domain.NewValidationError(field, "is required")
	}
	if !password.IsHash(value) {
		return domain.NewValidationError(field, "must be a bcrypt hash")
	}
	return nil
}
