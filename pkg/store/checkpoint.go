package store

import (
	"context"
	"time"
)

// ProjectionCheckpoint tracks how far a projection has processed the
// global stream.
type ProjectionCheckpoint struct {
	ProjectionName string

	// Position counts events the projection has applied. At-least-once
	// delivery can count a redelivered event twice, so treat it as
	// progress, not an exact stream offset. A full rebuild resets it to
	// the exact applied count.
	Position int64

	LastEventID string
	UpdatedAt   time.Time
}

// CheckpointStore persists projection checkpoints.
type CheckpointStore interface {
	// Save upserts a checkpoint.
	Save(ctx context.Context, checkpoint *ProjectionCheckpoint) error

	// Load returns the checkpoint for a projection. A projection that has
	// never saved gets a zero-position checkpoint, not an error.
	Load(ctx context.Context, projectionName string) (*ProjectionCheckpoint, error)

	// Delete removes a checkpoint, typically before a rebuild.
	Delete(ctx context.Context, projectionName string) error
}
