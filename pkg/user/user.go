package user

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/plaenen/userservice/pkg/domain"
)

// User is the event-sourced user aggregate. State fields hold only what the
// business rules need; everything else lives in read models.
type User struct {
	domain.AggregateRoot

	Username     string
	Email        string
	FirstName    string
	LastName     string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeletedAt    time.Time
}

// New returns an empty User aggregate for the given ID, ready to fold
// events or handle a CreateUser command.
func New(id string) *User {
	return &User{AggregateRoot: domain.NewAggregateRoot(id, AggregateType)}
}

// Deleted reports whether the user has been soft-deleted.
func (u *User) Deleted() bool { return !u.DeletedAt.IsZero() }

// Create raises UserCreated and claims the username and email. The claims
// commit atomically with the event, so two racing creates for the same
// username or email cannot both succeed.
func (u *User) Create(cmd *CreateUserCommand, meta domain.EventMetadata) error {
	if u.Revision() > 0 {
		return domain.NewBusinessRuleError("already_exists", fmt.Sprintf("user %s already exists", u.ID()))
	}

	payload := &UserCreatedPayload{
		Username:     cmd.Username,
		Email:        cmd.Email,
		FirstName:    cmd.FirstName,
		LastName:     cmd.LastName,
		PasswordHash: cmd.PasswordHash,
		Role:         cmd.Role,
	}
	constraints := []domain.UniqueConstraint{
		{IndexName: UsernameIndex, Value: cmd.Username, Operation: domain.ConstraintClaim},
		{IndexName: EmailIndex, Value: cmd.Email, Operation: domain.ConstraintClaim},
	}
	return u.RaiseWithConstraints(EventUserCreated, SchemaVersion, payload, meta, constraints)
}

// Update raises UserUpdated carrying the fields present in the command.
// Changing the email releases the old claim and claims the new value in the
// same event.
func (u *User) Update(cmd *UpdateUserCommand, meta domain.EventMetadata) error {
	if u.Deleted() {
		return domain.NewBusinessRuleError("deleted", fmt.Sprintf("user %s is deleted", u.ID()))
	}
	if cmd.FirstName == "" && cmd.LastName == "" && cmd.Email == "" {
		return domain.NewBusinessRuleError("no_fields_to_update", "update carries no fields")
	}

	payload := &UserUpdatedPayload{
		FirstName: cmd.FirstName,
		LastName:  cmd.LastName,
		Email:     cmd.Email,
	}

	var constraints []domain.UniqueConstraint
	if cmd.Email != "" && cmd.Email != u.Email {
		constraints = []domain.UniqueConstraint{
			{IndexName: EmailIndex, Value: u.Email, Operation: domain.ConstraintRelease},
			{IndexName: EmailIndex, Value: cmd.Email, Operation: domain.ConstraintClaim},
		}
	}
	return u.RaiseWithConstraints(EventUserUpdated, SchemaVersion, payload, meta, constraints)
}

// ChangePassword raises PasswordChanged. Re-submitting the current hash is
// rejected so a replayed change cannot masquerade as a fresh one.
func (u *User) ChangePassword(cmd *ChangePasswordCommand, meta domain.EventMetadata) error {
	if u.Deleted() {
		return domain.NewBusinessRuleError("deleted", fmt.Sprintf("user %s is deleted", u.ID()))
	}
	if cmd.NewPasswordHash == u.PasswordHash {
		return domain.NewBusinessRuleError("password_unchanged", "new password hash equals the current one")
	}

	payload := &PasswordChangedPayload{NewPasswordHash: cmd.NewPasswordHash}
	return u.Raise(EventPasswordChanged, SchemaVersion, payload, meta)
}

// Delete raises UserDeleted and releases the username and email claims so
// the values become available again. Deleting an already-deleted user is a
// no-op that raises nothing.
func (u *User) Delete(cmd *DeleteUserCommand, meta domain.EventMetadata) error {
	if u.Deleted() {
		return nil
	}

	constraints := []domain.UniqueConstraint{
		{IndexName: UsernameIndex, Value: u.Username, Operation: domain.ConstraintRelease},
		{IndexName: EmailIndex, Value: u.Email, Operation: domain.ConstraintRelease},
	}
	return u.RaiseWithConstraints(EventUserDeleted, SchemaVersion, &UserDeletedPayload{}, meta, constraints)
}

// userSnapshot is the serialized snapshot form. It carries the revision so
// a restored aggregate knows where its stream tail begins.
type userSnapshot struct {
	Revision     int64     `json:"revision"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	PasswordHash string    `json:"password_hash"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	DeletedAt    time.Time `json:"deleted_at"`
}

// MarshalSnapshot serializes the aggregate state for the snapshot store.
func (u *User) MarshalSnapshot() ([]byte, error) {
	return json.Marshal(userSnapshot{
		Revision:     u.Revision(),
		Username:     u.Username,
		Email:        u.Email,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		PasswordHash: u.PasswordHash,
		Role:         u.Role,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
		DeletedAt:    u.DeletedAt,
	})
}

// UnmarshalSnapshot restores the aggregate state and revision from a
// snapshot produced by MarshalSnapshot.
func (u *User) UnmarshalSnapshot(data []byte) error {
	var s userSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("unmarshal user snapshot: %w", err)
	}
	u.Username = s.Username
	u.Email = s.Email
	u.FirstName = s.FirstName
	u.LastName = s.LastName
	u.PasswordHash = s.PasswordHash
	u.Role = s.Role
	u.CreatedAt = s.CreatedAt
	u.UpdatedAt = s.UpdatedAt
	u.DeletedAt = s.DeletedAt
	u.RestoreRevision(s.Revision)
	return nil
}
