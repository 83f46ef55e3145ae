package user

import (
	"regexp"

	"github.com/plaenen/userservice/pkg/validators"
)

// Command type tags.
const (
	CommandCreateUser     = "CreateUser"
	CommandUpdateUser     = "UpdateUser"
	CommandChangePassword = "ChangePassword"
	CommandDeleteUser     = "DeleteUser"
)

const (
	minUsernameLength = 3
	maxUsernameLength = 50
	maxNameLength     = 100
)

var usernameRE = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// CreateUserCommand creates a new user aggregate. The password arrives
// already hashed; plaintext never crosses the command boundary.
type CreateUserCommand struct {
	UserID       string
	Username     string
	Email        string
	FirstName    string
	LastName     string
	PasswordHash string
	Role         string
}

func (c *CreateUserCommand) AggregateID() string { return c.UserID }
func (c *CreateUserCommand) CommandType() string { return CommandCreateUser }

func (c *CreateUserCommand) Validate() error {
	if err := validators.UUID("user_id", c.UserID); err != nil {
		return err
	}
	if err := validateUsername(c.Username); err != nil {
		return err
	}
	if err := validators.Email("email", c.Email); err != nil {
		return err
	}
	if err := validators.MaxLength("first_name", c.FirstName, maxNameLength); err != nil {
		return err
	}
	if err := validators.MaxLength("last_name", c.LastName, maxNameLength); err != nil {
		return err
	}
	if err := validators.PasswordHash("password_hash", c.PasswordHash); err != nil {
		return err
	}
	return validators.OneOf("role", c.Role, RoleAdmin, RoleUser)
}

// UpdateUserCommand changes profile fields. Empty fields are left as they
// are; at least one must be set.
type UpdateUserCommand struct {
	UserID    string
	FirstName string
	LastName  string
	Email     string
}

func (c *UpdateUserCommand) AggregateID() string { return c.UserID }
func (c *UpdateUserCommand) CommandType() string { return CommandUpdateUser }

func (c *UpdateUserCommand) Validate() error {
	if err := validators.UUID("user_id", c.UserID); err != nil {
		return err
	}
	if err := validators.MaxLength("first_name", c.FirstName, maxNameLength); err != nil {
		return err
	}
	if err := validators.MaxLength("last_name", c.LastName, maxNameLength); err != nil {
		return err
	}
	return validators.EmailOptional("email", c.Email)
}

// ChangePasswordCommand replaces the password hash.
type ChangePasswordCommand struct {
	UserID          string
	NewPasswordHash string
}

func (c *ChangePasswordCommand) AggregateID() string { return c.UserID }
func (c *ChangePasswordCommand) CommandType() string { return CommandChangePassword }

func (c *ChangePasswordCommand) Validate() error {
	if err := validators.UUID("user_id", c.UserID); err != nil {
		return err
	}
	return validators.PasswordHash("new_password_hash", c.NewPasswordHash)
}

// DeleteUserCommand soft-deletes the user.
type DeleteUserCommand struct {
	UserID string
}

func (c *DeleteUserCommand) AggregateID() string { return c.UserID }
func (c *DeleteUserCommand) CommandType() string { return CommandDeleteUser }

func (c *DeleteUserCommand) Validate() error {
	return validators.UUID("user_id", c.UserID)
}

func validateUsername(username string) error {
	if err := validators.Required("username", username); err != nil {
		return err
	}
	if err := validators.Length("username", username, minUsernameLength, maxUsernameLength); err != nil {
		return err
	}
	return validators.Pattern("username", username, usernameRE,
		"may only contain letters, digits, '_', '.' and '-'")
}
