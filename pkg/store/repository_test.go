package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/plaenen/userservice/pkg/domain"
	"github.com/plaenen/userservice/pkg/store"
	"github.com/plaenen/userservice/pkg/store/sqlite"
	"github.com/plaenen/userservice/pkg/user"
)

const repoUserID = "c56df3a1-9f2e-4a76-8a94-3d2b1e0f7c65"

type repoFixture struct {
	events *sqlite.EventStore
	snaps  *sqlite.SnapshotStore
	uowf   *sqlite.UnitOfWorkFactory
	repo   *store.Repository[*user.User]
}

func newRepoFixture(t *testing.T, snapshotInterval int64) *repoFixture {
	t.Helper()

	es, err := sqlite.NewEventStore(user.AggregateType,
		sqlite.WithMemoryDatabase(),
		sqlite.WithWALMode(false),
	)
	if err != nil {
		t.Fatalf("opening event store: %v", err)
	}
	t.Cleanup(func() { es.Close() })

	snaps, err := sqlite.NewSnapshotStore(es.DB(), user.AggregateType)
	if err != nil {
		t.Fatalf("opening snapshot store: %v", err)
	}
	var opts []store.RepositoryOption[*user.User]
	if snapshotInterval > 0 {
		opts = append(opts, store.WithSnapshots[*user.User](snaps, store.NewIntervalSnapshotStrategy(snapshotInterval)))
	}

	return &repoFixture{
		events: es,
		snaps:  snaps,
		uowf:   sqlite.NewUnitOfWorkFactory(es, snaps, sqlite.NewOutboxStore(es.DB())),
		repo:   store.NewRepository(es, user.New, opts...),
	}
}

// execute runs one command against the repository the way a handler does:
// load, decide, save inside a unit of work, commit.
func (f *repoFixture) execute(t *testing.T, id, commandID string, decide func(*user.User) error) {
	t.Helper()
	ctx := context.Background()

	agg, err := f.repo.Load(ctx, id)
	if errors.Is(err, domain.ErrAggregateNotFound) {
		agg = user.New(id)
	} else if err != nil {
		t.Fatalf("load: %v", err)
	}

	agg.SetCommandID(commandID)
	if err := decide(agg); err != nil {
		t.Fatalf("decide: %v", err)
	}

	uow, err := f.uowf.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer uow.Rollback()

	if _, err := f.repo.Save(ctx, uow, agg, commandID); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := uow.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func createUser(id string) func(*user.User) error {
	return func(u *user.User) error {
		return u.Create(&user.CreateUserCommand{
			UserID:       id,
			Username:     "alice",
			Email:        "alice@example.com",
			FirstName:    "Alice",
			LastName:     "Liddell",
			PasswordHash: "$2a$04$qCmFKGf3auf4IcNR1ijJ7eRTjuMYnKYr21rpLirZqCbv5y1qs41ei",
			Role:         user.RoleUser,
		}, domain.EventMetadata{})
	}
}

func TestRepositoryLoadMissingAggregate(t *testing.T) {
	f := newRepoFixture(t, 0)
	_, err := f.repo.Load(context.Background(), repoUserID)
	if !errors.Is(err, domain.ErrAggregateNotFound) {
		t.Fatalf("err = %v, want ErrAggregateNotFound", err)
	}
}

func TestRepositorySaveAndLoad(t *testing.T) {
	f := newRepoFixture(t, 0)
	ctx := context.Background()

	f.execute(t, repoUserID, "cmd-1", createUser(repoUserID))

	head, err := f.events.HeadRevision(ctx, repoUserID)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head != 1 {
		t.Errorf("head = %d, want 1", head)
	}

	agg, err := f.repo.Load(ctx, repoUserID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if agg.Username != "alice" || agg.Email != "alice@example.com" {
		t.Errorf("state = %+v, want created user", agg)
	}
	if agg.Revision() != 1 {
		t.Errorf("revision = %d, want 1", agg.Revision())
	}
}

func TestRepositorySnapshotConsistency(t *testing.T) {
	// Snapshot every 2 events, then verify the snapshot-assisted load
	// matches a full replay exactly.
	f := newRepoFixture(t, 2)
	ctx := context.Background()

	f.execute(t, repoUserID, "cmd-1", createUser(repoUserID))
	f.execute(t, repoUserID, "cmd-2", func(u *user.User) error {
		return u.Update(&user.UpdateUserCommand{UserID: repoUserID, FirstName: "Alicia"}, domain.EventMetadata{})
	})
	f.execute(t, repoUserID, "cmd-3", func(u *user.User) error {
		return u.ChangePassword(&user.ChangePasswordCommand{
			UserID:          repoUserID,
			NewPasswordHash: "$2a$04$C6UzMDM.H6dfI/f/IKcEeO5A0P/8hO7nqtkoLFNKotDbDpcu8fmi2",
		}, domain.EventMetadata{})
	})

	snap, err := f.snaps.Get(ctx, repoUserID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Revision != 2 {
		t.Errorf("snapshot revision = %d, want 2", snap.Revision)
	}

	fromSnapshot, err := f.repo.Load(ctx, repoUserID)
	if err != nil {
		t.Fatalf("load with snapshot: %v", err)
	}

	replayOnly := store.NewRepository(f.events, user.New)
	fromReplay, err := replayOnly.Load(ctx, repoUserID)
	if err != nil {
		t.Fatalf("load by replay: %v", err)
	}

	if fromSnapshot.Revision() != fromReplay.Revision() {
		t.Errorf("revisions differ: snapshot %d vs replay %d", fromSnapshot.Revision(), fromReplay.Revision())
	}
	if fromSnapshot.FirstName != fromReplay.FirstName ||
		fromSnapshot.PasswordHash != fromReplay.PasswordHash ||
		fromSnapshot.Username != fromReplay.Username {
		t.Errorf("states differ:\nsnapshot: %+v\nreplay:   %+v", fromSnapshot, fromReplay)
	}
}

func TestRepositoryToleratesStaleSnapshot(t *testing.T) {
	f := newRepoFixture(t, 0)
	ctx := context.Background()

	f.execute(t, repoUserID, "cmd-1", createUser(repoUserID))

	// Snapshot at revision 1, then move the stream past it.
	agg, err := f.repo.Load(ctx, repoUserID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	data, err := agg.MarshalSnapshot()
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	if err := f.snaps.Put(ctx, &store.Snapshot{
		AggregateID:   repoUserID,
		AggregateType: user.AggregateType,
		Revision:      1,
		Data:          data,
	}); err != nil {
		t.Fatalf("put snapshot: %v", err)
	}

	f.execute(t, repoUserID, "cmd-2", func(u *user.User) error {
		return u.Update(&user.UpdateUserCommand{UserID: repoUserID, LastName: "Hargreaves"}, domain.EventMetadata{})
	})

	snapshotRepo := store.NewRepository(f.events, user.New,
		store.WithSnapshots[*user.User](f.snaps, store.NewIntervalSnapshotStrategy(100)))
	loaded, err := snapshotRepo.Load(ctx, repoUserID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Revision() != 2 {
		t.Errorf("revision = %d, want 2 (stale snapshot plus stream tail)", loaded.Revision())
	}
	if loaded.LastName != "Hargreaves" {
		t.Errorf("last name = %q, want the post-snapshot update applied", loaded.LastName)
	}
}

func TestRepositoryLoadAt(t *testing.T) {
	orig := domain.TimeFunc
	defer func() { domain.TimeFunc = orig }()

	clock := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	domain.TimeFunc = func() time.Time { return clock }

	f := newRepoFixture(t, 0)
	ctx := context.Background()

	f.execute(t, repoUserID, "cmd-1", createUser(repoUserID))
	created := clock

	clock = clock.Add(time.Hour)
	f.execute(t, repoUserID, "cmd-2", func(u *user.User) error {
		return u.Update(&user.UpdateUserCommand{UserID: repoUserID, FirstName: "Alicia"}, domain.EventMetadata{})
	})

	t.Run("before first event", func(t *testing.T) {
		_, err := f.repo.LoadAt(ctx, repoUserID, created.Add(-time.Minute))
		if !errors.Is(err, domain.ErrAggregateNotFound) {
			t.Fatalf("err = %v, want ErrAggregateNotFound", err)
		}
	})

	t.Run("between events", func(t *testing.T) {
		agg, err := f.repo.LoadAt(ctx, repoUserID, created.Add(time.Minute))
		if err != nil {
			t.Fatalf("load at: %v", err)
		}
		if agg.Revision() != 1 {
			t.Errorf("revision = %d, want 1", agg.Revision())
		}
		if agg.FirstName != "Alice" {
			t.Errorf("first name = %q, want pre-update Alice", agg.FirstName)
		}
	})

	t.Run("at event timestamp", func(t *testing.T) {
		agg, err := f.repo.LoadAt(ctx, repoUserID, created)
		if err != nil {
			t.Fatalf("load at: %v", err)
		}
		if agg.Revision() != 1 {
			t.Errorf("revision = %d, want 1 (bound is inclusive)", agg.Revision())
		}
	})
}

func TestRepositorySaveReplayedCommand(t *testing.T) {
	f := newRepoFixture(t, 0)
	ctx := context.Background()

	f.execute(t, repoUserID, "cmd-1", createUser(repoUserID))

	// Replay: a fresh aggregate deciding the same command appends nothing.
	agg := user.New(repoUserID)
	agg.SetCommandID("cmd-1")
	if err := createUser(repoUserID)(agg); err != nil {
		t.Fatalf("decide: %v", err)
	}

	uow, err := f.uowf.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer uow.Rollback()

	result, err := f.repo.Save(ctx, uow, agg, "cmd-1")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := uow.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if !result.AlreadyProcessed {
		t.Error("replayed command must report AlreadyProcessed")
	}
	head, err := f.events.HeadRevision(ctx, repoUserID)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head != 1 {
		t.Errorf("head = %d, want 1 (replay appends nothing)", head)
	}
}
