// Package user implements the User aggregate: its event schemas, command
// methods, and business rules. Event payloads are versioned JSON documents
// registered with the domain schema registry at package load.
package user

import (
	"github.com/plaenen/userservice/pkg/domain"
)

// AggregateType is the aggregate kind for users.
const AggregateType = "User"

// SchemaVersion is the current payload schema version for all user events.
const SchemaVersion = "1"

// Event kinds raised by the User aggregate.
const (
	EventUserCreated     = "UserCreated"
	EventUserUpdated     = "UserUpdated"
	EventPasswordChanged = "PasswordChanged"
	EventUserDeleted     = "UserDeleted"
)

// Uniqueness index names for constraint claims.
const (
	UsernameIndex = "user_username"
	EmailIndex    = "user_email"
)

// Roles a user can hold.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// UserCreatedPayload is the payload of a UserCreated event.
type UserCreatedPayload struct {
	Username     string `json:"username"`
	Email        string `json:"email"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	PasswordHash string `json:"password_hash"`
	Role         string `json:"role"`
}

// UserUpdatedPayload is the payload of a UserUpdated event. Only the fields
// that actually changed are present.
type UserUpdatedPayload struct {
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Email     string `json:"email,omitempty"`
}

// PasswordChangedPayload is the payload of a PasswordChanged event.
type PasswordChangedPayload struct {
	NewPasswordHash string `json:"new_password_hash"`
}

// UserDeletedPayload is the payload of a UserDeleted event. Deletion carries
// no data; the event itself is the fact.
type UserDeletedPayload struct{}

func init() {
	domain.RegisterSchema(EventUserCreated, SchemaVersion, func() any { return &UserCreatedPayload{} })
	domain.RegisterSchema(EventUserUpdated, SchemaVersion, func() any { return &UserUpdatedPayload{} })
	domain.RegisterSchema(EventPasswordChanged, SchemaVersion, func() any { return &PasswordChangedPayload{} })
	domain.RegisterSchema(EventUserDeleted, SchemaVersion, func() any { return &UserDeletedPayload{} })
}
