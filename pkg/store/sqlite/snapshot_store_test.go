package sqlite_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/plaenen/userservice/pkg/domain"
	"github.com/plaenen/userservice/pkg/store"
	"github.com/plaenen/userservice/pkg/store/sqlite"
	"github.com/plaenen/userservice/pkg/user"
)

func openSnapshotStore(t *testing.T) *sqlite.SnapshotStore {
	t.Helper()
	es := openEventStore(t)
	snaps, err := sqlite.NewSnapshotStore(es.DB(), user.AggregateType)
	if err != nil {
		t.Fatalf("opening snapshot store: %v", err)
	}
	return snaps
}

func TestSnapshotPutGet(t *testing.T) {
	snaps := openSnapshotStore(t)
	ctx := context.Background()

	if err := snaps.Put(ctx, &store.Snapshot{
		AggregateID:   aggregateA,
		AggregateType: user.AggregateType,
		Revision:      20,
		Data:          []byte(`{"username":"alice"}`),
	}); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := snaps.Get(ctx, aggregateA)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Revision != 20 {
		t.Errorf("revision = %d, want 20", got.Revision)
	}
	if !bytes.Equal(got.Data, []byte(`{"username":"alice"}`)) {
		t.Errorf("data = %s, want the stored payload", got.Data)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}
}

func TestSnapshotGetMissing(t *testing.T) {
	snaps := openSnapshotStore(t)
	_, err := snaps.Get(context.Background(), aggregateA)
	if !errors.Is(err, domain.ErrSnapshotNotFound) {
		t.Fatalf("err = %v, want ErrSnapshotNotFound", err)
	}
}

func TestSnapshotOverwritePreservesCreatedAt(t *testing.T) {
	orig := domain.TimeFunc
	defer func() { domain.TimeFunc = orig }()

	clock := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	domain.TimeFunc = func() time.Time { return clock }

	snaps := openSnapshotStore(t)
	ctx := context.Background()

	if err := snaps.Put(ctx, &store.Snapshot{
		AggregateID:   aggregateA,
		AggregateType: user.AggregateType,
		Revision:      20,
		Data:          []byte(`{}`),
	}); err != nil {
		t.Fatalf("put: %v", err)
	}

	clock = clock.Add(time.Hour)
	if err := snaps.Put(ctx, &store.Snapshot{
		AggregateID:   aggregateA,
		AggregateType: user.AggregateType,
		Revision:      40,
		Data:          []byte(`{"username":"alice"}`),
	}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	got, err := snaps.Get(ctx, aggregateA)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Revision != 40 {
		t.Errorf("revision = %d, want 40 (overwritten)", got.Revision)
	}
	if !got.UpdatedAt.After(got.CreatedAt) {
		t.Errorf("updated_at %v should move past created_at %v", got.UpdatedAt, got.CreatedAt)
	}
}

func TestSnapshotDelete(t *testing.T) {
	snaps := openSnapshotStore(t)
	ctx := context.Background()

	if err := snaps.Put(ctx, &store.Snapshot{
		AggregateID:   aggregateA,
		AggregateType: user.AggregateType,
		Revision:      1,
		Data:          []byte(`{}`),
	}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := snaps.Delete(ctx, aggregateA); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := snaps.Get(ctx, aggregateA); !errors.Is(err, domain.ErrSnapshotNotFound) {
		t.Fatalf("err = %v, want ErrSnapshotNotFound after delete", err)
	}

	// Deleting again is not an error.
	if err := snaps.Delete(ctx, aggregateA); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestNewSnapshotStoreUnknownKind(t *testing.T) {
	es := openEventStore(t)
	if _, err := sqlite.NewSnapshotStore(es.DB(), "Order"); err == nil {
		t.Fatal("expected error for an unknown aggregate kind")
	}
}
