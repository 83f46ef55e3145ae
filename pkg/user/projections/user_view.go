// Package projections holds the canonical projections the service runs:
// the user_view read model behind the query handlers and the
// welcome_email side-effect sink.
package projections

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/plaenen/userservice/pkg/domain"
	"github.com/plaenen/userservice/pkg/projection"
	"github.com/plaenen/userservice/pkg/store/sqlite"
	"github.com/plaenen/userservice/pkg/user"
)

// UserViewName is the projection name, doubling as its durable consumer
// and checkpoint key.
const UserViewName = "user_view"

// UserViewProjection maintains the read_user table. Each event is
// applied in one transaction together with the checkpoint row, so the
// table and the checkpoint never drift apart.
type UserViewProjection struct {
	db          *sql.DB
	checkpoints *sqlite.CheckpointStore
}

// NewUserViewProjection creates the read model projection on the given
// database, normally the event store's.
func NewUserViewProjection(db *sql.DB, checkpoints *sqlite.CheckpointStore) *UserViewProjection {
	return &UserViewProjection{db: db, checkpoints: checkpoints}
}

func (p *UserViewProjection) Name() string { return UserViewName }

func (p *UserViewProjection) EventTypes() []string {
	return []string{
		user.EventUserCreated,
		user.EventUserUpdated,
		user.EventPasswordChanged,
		user.EventUserDeleted,
	}
}

func (p *UserViewProjection) Handle(ctx context.Context, envelope *domain.EventEnvelope) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.NewStorageError("begin view transaction", err)
	}
	defer tx.Rollback()

	if err := p.apply(ctx, tx, envelope); err != nil {
		return err
	}
	if err := p.checkpoints.AdvanceInTx(ctx, tx, UserViewName, envelope.ID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return domain.NewStorageError("commit view transaction", err)
	}
	return nil
}

func (p *UserViewProjection) apply(ctx context.Context, tx *sql.Tx, envelope *domain.EventEnvelope) error {
	switch payload := envelope.Payload.(type) {
	case *user.UserCreatedPayload:
		return p.applyCreated(ctx, tx, envelope, payload)
	case *user.UserUpdatedPayload:
		return p.applyUpdated(ctx, tx, envelope, payload)
	case *user.PasswordChangedPayload:
		// The view carries no password; the change still moves updated_at.
		return p.touch(ctx, tx, envelope)
	case *user.UserDeletedPayload:
		return p.applyDeleted(ctx, tx, envelope)
	default:
		// The subscription is filtered to known kinds.
		return nil
	}
}

// applyCreated inserts the row. A redelivered create leaves an existing
// row alone: the first delivery already wrote it, and later events may
// have moved it past these values.
func (p *UserViewProjection) applyCreated(ctx context.Context, tx *sql.Tx, envelope *domain.EventEnvelope, payload *user.UserCreatedPayload) error {
	ts := envelope.Timestamp.UnixMicro()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO read_user (id, username, email, first_name, last_name, role, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT (id) DO NOTHING
	`, envelope.AggregateID, payload.Username, payload.Email,
		payload.FirstName, payload.LastName, payload.Role, ts, ts)
	if err != nil {
		return domain.NewStorageError("insert read_user", err)
	}
	return nil
}

func (p *UserViewProjection) applyUpdated(ctx context.Context, tx *sql.Tx, envelope *domain.EventEnvelope, payload *user.UserUpdatedPayload) error {
	sets := []string{"updated_at = ?"}
	args := []any{envelope.Timestamp.UnixMicro()}
	if payload.FirstName != "" {
		sets = append(sets, "first_name = ?")
		args = append(args, payload.FirstName)
	}
	if payload.LastName != "" {
		sets = append(sets, "last_name = ?")
		args = append(args, payload.LastName)
	}
	if payload.Email != "" {
		sets = append(sets, "email = ?")
		args = append(args, payload.Email)
	}
	args = append(args, envelope.AggregateID)

	res, err := tx.ExecContext(ctx,
		"UPDATE read_user SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return domain.NewStorageError("update read_user", err)
	}
	return requireRow(res, envelope)
}

func (p *UserViewProjection) touch(ctx context.Context, tx *sql.Tx, envelope *domain.EventEnvelope) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE read_user SET updated_at = ? WHERE id = ?
	`, envelope.Timestamp.UnixMicro(), envelope.AggregateID)
	if err != nil {
		return domain.NewStorageError("touch read_user", err)
	}
	return requireRow(res, envelope)
}

func (p *UserViewProjection) applyDeleted(ctx context.Context, tx *sql.Tx, envelope *domain.EventEnvelope) error {
	ts := envelope.Timestamp.UnixMicro()
	res, err := tx.ExecContext(ctx, `
		UPDATE read_user SET deleted_at = ?, updated_at = ? WHERE id = ?
	`, ts, ts, envelope.AggregateID)
	if err != nil {
		return domain.NewStorageError("soft delete read_user", err)
	}
	return requireRow(res, envelope)
}

// requireRow turns "no row updated" into an error. The row can only be
// missing when this delivery overtook the create, so failing the
// delivery lets redelivery converge once the create has landed.
func requireRow(res sql.Result, envelope *domain.EventEnvelope) error {
	n, err := res.RowsAffected()
	if err != nil {
		return domain.NewStorageError("rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("read_user row %s missing for %s", envelope.AggregateID, envelope.EventType)
	}
	return nil
}

// Reset clears the table and the checkpoint in one transaction, ahead of
// a rebuild.
func (p *UserViewProjection) Reset(ctx context.Context) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.NewStorageError("begin view reset", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM read_user`); err != nil {
		return domain.NewStorageError("reset read_user", err)
	}
	if err := p.checkpoints.DeleteInTx(ctx, tx, UserViewName); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return domain.NewStorageError("commit view reset", err)
	}
	return nil
}

var _ projection.Projection = (*UserViewProjection)(nil)
