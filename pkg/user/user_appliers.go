package user

import (
	"fmt"

	"github.com/plaenen/userservice/pkg/domain"
)

// ApplyEvent folds a committed event into the aggregate state. All values
// come from the event so a fold is deterministic regardless of when it runs.
func (u *User) ApplyEvent(e *domain.Event) error {
	switch e.EventType {
	case EventUserCreated, EventUserUpdated, EventPasswordChanged, EventUserDeleted:
	default:
		return fmt.Errorf("%w: %s on %s", domain.ErrIncompatibleEvent, e.EventType, AggregateType)
	}

	payload, err := domain.UnmarshalPayload(e.EventType, e.SchemaVersion, e.Data)
	if err != nil {
		return err
	}

	switch p := payload.(type) {
	case *UserCreatedPayload:
		u.applyUserCreated(e, p)
	case *UserUpdatedPayload:
		u.applyUserUpdated(e, p)
	case *PasswordChangedPayload:
		u.applyPasswordChanged(e, p)
	case *UserDeletedPayload:
		u.applyUserDeleted(e)
	}

	u.MarkApplied(e)
	return nil
}

func (u *User) applyUserCreated(e *domain.Event, p *UserCreatedPayload) {
	u.Username = p.Username
	u.Email = p.Email
	u.FirstName = p.FirstName
	u.LastName = p.LastName
	u.PasswordHash = p.PasswordHash
	u.Role = p.Role
	u.CreatedAt = e.Timestamp
	u.UpdatedAt = e.Timestamp
}

func (u *User) applyUserUpdated(e *domain.Event, p *UserUpdatedPayload) {
	if p.FirstName != "" {
		u.FirstName = p.FirstName
	}
	if p.LastName != "" {
		u.LastName = p.LastName
	}
	if p.Email != "" {
		u.Email = p.Email
	}
	u.UpdatedAt = e.Timestamp
}

func (u *User) applyPasswordChanged(e *domain.Event, p *PasswordChangedPayload) {
	u.PasswordHash = p.NewPasswordHash
	u.UpdatedAt = e.Timestamp
}

func (u *User) applyUserDeleted(e *domain.Event) {
	u.DeletedAt = e.Timestamp
	u.UpdatedAt = e.Timestamp
}
