package handlers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/plaenen/userservice/pkg/domain"
	"github.com/plaenen/userservice/pkg/store"
	"github.com/plaenen/userservice/pkg/user"
)

// Paging bounds for ListUsers.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// UserView is the query-side shape of a user. Soft-deleted users are never
// returned, so the view carries no deletion marker.
type UserView struct {
	ID        string
	Username  string
	Email     string
	FirstName string
	LastName  string
	Role      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ListUsersQuery selects a page of users. Zero Page and PageSize take the
// defaults; filters are exact-match and empty means unfiltered.
type ListUsersQuery struct {
	Page     int
	PageSize int
	Username string
	Email    string
}

// UserPage is one page of the user listing.
type UserPage struct {
	Users      []*UserView
	TotalCount int64
	Page       int
	PageSize   int
}

// UserQueryHandler serves reads: current state from the read_user table,
// point-in-time state from the stream.
type UserQueryHandler struct {
	db   *sql.DB
	repo *store.Repository[*user.User]
}

// NewUserQueryHandler creates a query handler over the read-model database
// and the aggregate repository.
func NewUserQueryHandler(db *sql.DB, repo *store.Repository[*user.User]) *UserQueryHandler {
	return &UserQueryHandler{db: db, repo: repo}
}

// GetUser returns the projected state of a user. Unknown and soft-deleted
// users report NotFound.
func (h *UserQueryHandler) GetUser(ctx context.Context, id string) (*UserView, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	var (
		view               UserView
		createdAt, updated int64
	)
	err := h.db.QueryRowContext(ctx, `
		SELECT id, username, email, first_name, last_name, role, created_at, updated_at
		FROM read_user
		WHERE id = ? AND deleted_at IS NULL
	`, id).Scan(&view.ID, &view.Username, &view.Email, &view.FirstName, &view.LastName,
		&view.Role, &createdAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFoundError("user", id)
	}
	if err != nil {
		return nil, domain.NewStorageError("get user", err)
	}

	view.CreatedAt = time.UnixMicro(createdAt).UTC()
	view.UpdatedAt = time.UnixMicro(updated).UTC()
	return &view, nil
}

// ListUsers returns a page of users ordered by creation time, then id.
// Soft-deleted users are excluded.
func (h *UserQueryHandler) ListUsers(ctx context.Context, q ListUsersQuery) (*UserPage, error) {
	if q.Page == 0 {
		q.Page = 1
	}
	if q.PageSize == 0 {
		q.PageSize = DefaultPageSize
	}
	if q.Page < 1 {
		return nil, domain.NewValidationError("page", "must be at least 1")
	}
	if q.PageSize < 1 || q.PageSize > MaxPageSize {
		return nil, domain.NewValidationError("page_size", fmt.Sprintf("must be between 1 and %d", MaxPageSize))
	}

	where := "deleted_at IS NULL"
	args := make([]any, 0, 2)
	if q.Username != "" {
		where += " AND username = ?"
		args = append(args, q.Username)
	}
	if q.Email != "" {
		where += " AND email = ?"
		args = append(args, q.Email)
	}

	var total int64
	if err := h.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM read_user WHERE "+where, args...,
	).Scan(&total); err != nil {
		return nil, domain.NewStorageError("count users", err)
	}

	rows, err := h.db.QueryContext(ctx, `
		SELECT id, username, email, first_name, last_name, role, created_at, updated_at
		FROM read_user
		WHERE `+where+`
		ORDER BY created_at, id
		LIMIT ? OFFSET ?
	`, append(args, q.PageSize, (q.Page-1)*q.PageSize)...)
	if err != nil {
		return nil, domain.NewStorageError("list users", err)
	}
	defer rows.Close()

	page := &UserPage{
		Users:      make([]*UserView, 0, q.PageSize),
		TotalCount: total,
		Page:       q.Page,
		PageSize:   q.PageSize,
	}
	for rows.Next() {
		var (
			view               UserView
			createdAt, updated int64
		)
		if err := rows.Scan(&view.ID, &view.Username, &view.Email, &view.FirstName,
			&view.LastName, &view.Role, &createdAt, &updated); err != nil {
			return nil, domain.NewStorageError("scan user row", err)
		}
		view.CreatedAt = time.UnixMicro(createdAt).UTC()
		view.UpdatedAt = time.UnixMicro(updated).UTC()
		page.Users = append(page.Users, &view)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStorageError("list users", err)
	}
	return page, nil
}

// GetUserAt folds the user's stream up to and including t and returns the
// state as of that instant. Snapshots are not consulted. A user that did
// not exist yet, or was already deleted, reports NotFound.
func (h *UserQueryHandler) GetUserAt(ctx context.Context, id string, t time.Time) (*UserView, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	agg, err := h.repo.LoadAt(ctx, id, t)
	if errors.Is(err, domain.ErrAggregateNotFound) {
		return nil, domain.NewNotFoundError("user", id)
	}
	if err != nil {
		return nil, err
	}
	if agg.Deleted() {
		return nil, domain.NewNotFoundError("user", id)
	}

	return &UserView{
		ID:        agg.ID(),
		Username:  agg.Username,
		Email:     agg.Email,
		FirstName: agg.FirstName,
		LastName:  agg.LastName,
		Role:      agg.Role,
		CreatedAt: agg.CreatedAt,
		UpdatedAt: agg.UpdatedAt,
	}, nil
}

func validateID(id string) error {
	if id == "" {
		return domain.NewValidationError("user_id", "is required")
	}
	if _, err := uuid.Parse(id); err != nil {
		return domain.NewValidationError("user_id", "must be a valid UUID")
	}
	return nil
}
