package sqlite_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/plaenen/userservice/pkg/domain"
	"github.com/plaenen/userservice/pkg/store"
	"github.com/plaenen/userservice/pkg/store/sqlite"
	"github.com/plaenen/userservice/pkg/user"
)

const (
	aggregateA = "11111111-1111-4111-8111-111111111111"
	aggregateB = "22222222-2222-4222-8222-222222222222"
)

func openEventStore(t *testing.T) *sqlite.EventStore {
	t.Helper()
	es, err := sqlite.NewEventStore(user.AggregateType,
		sqlite.WithMemoryDatabase(),
		sqlite.WithWALMode(false),
	)
	if err != nil {
		t.Fatalf("opening event store: %v", err)
	}
	t.Cleanup(func() { es.Close() })
	return es
}

// newEvent builds a committed-shaped event by hand, the way the aggregate
// would raise it.
func newEvent(aggregateID string, revision int64, eventType string, data string) *domain.Event {
	return &domain.Event{
		ID:            domain.GenerateID(),
		AggregateID:   aggregateID,
		AggregateType: user.AggregateType,
		EventType:     eventType,
		SchemaVersion: user.SchemaVersion,
		Revision:      revision,
		Timestamp:     domain.Now(),
		Data:          []byte(data),
	}
}

func createdEvent(aggregateID string, revision int64) *domain.Event {
	return newEvent(aggregateID, revision, user.EventUserCreated,
		`{"username":"alice","email":"alice@example.com","first_name":"","last_name":"","password_hash":"h","role":"user"}`)
}

func updatedEvent(aggregateID string, revision int64) *domain.Event {
	return newEvent(aggregateID, revision, user.EventUserUpdated, `{"first_name":"Alicia"}`)
}

func TestAppendAndGetStream(t *testing.T) {
	es := openEventStore(t)
	ctx := context.Background()

	events := []*domain.Event{createdEvent(aggregateA, 1), updatedEvent(aggregateA, 2)}
	if err := es.AppendEvents(ctx, aggregateA, 0, events); err != nil {
		t.Fatalf("append: %v", err)
	}

	stream, err := es.GetStream(ctx, aggregateA, store.StreamFilter{})
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	if len(stream) != 2 {
		t.Fatalf("stream length = %d, want 2", len(stream))
	}
	for i, e := range stream {
		if want := int64(i + 1); e.Revision != want {
			t.Errorf("event %d revision = %d, want %d", i, e.Revision, want)
		}
	}
	if stream[0].ID != events[0].ID || stream[1].ID != events[1].ID {
		t.Error("stream order or identity does not match the append")
	}

	head, err := es.HeadRevision(ctx, aggregateA)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head != 2 {
		t.Errorf("head = %d, want 2", head)
	}
}

func TestAppendEmptyStreamHead(t *testing.T) {
	es := openEventStore(t)

	head, err := es.HeadRevision(context.Background(), aggregateA)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head != 0 {
		t.Errorf("head of empty stream = %d, want 0", head)
	}
}

func TestAppendConcurrencyConflict(t *testing.T) {
	es := openEventStore(t)
	ctx := context.Background()

	if err := es.AppendEvents(ctx, aggregateA, 0, []*domain.Event{createdEvent(aggregateA, 1)}); err != nil {
		t.Fatalf("append: %v", err)
	}

	// A writer that loaded before the append expects head 0.
	err := es.AppendEvents(ctx, aggregateA, 0, []*domain.Event{createdEvent(aggregateA, 1)})
	if !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("err = %v, want ErrConcurrencyConflict", err)
	}

	// The losing append left nothing behind.
	head, err := es.HeadRevision(ctx, aggregateA)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head != 1 {
		t.Errorf("head = %d, want 1", head)
	}
}

func TestAppendRejectsNonConsecutiveRevisions(t *testing.T) {
	es := openEventStore(t)
	ctx := context.Background()

	err := es.AppendEvents(ctx, aggregateA, 0, []*domain.Event{createdEvent(aggregateA, 2)})
	if err == nil {
		t.Fatal("expected error for a revision gap")
	}

	err = es.AppendEvents(ctx, aggregateA, 0, []*domain.Event{
		createdEvent(aggregateA, 1),
		updatedEvent(aggregateA, 3),
	})
	if err == nil {
		t.Fatal("expected error for non-consecutive revisions")
	}

	head, err := es.HeadRevision(ctx, aggregateA)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head != 0 {
		t.Errorf("head = %d, want 0 (rejected appends are atomic)", head)
	}
}

func TestAppendDuplicateEventID(t *testing.T) {
	es := openEventStore(t)
	ctx := context.Background()

	e := createdEvent(aggregateA, 1)
	if err := es.AppendEvents(ctx, aggregateA, 0, []*domain.Event{e}); err != nil {
		t.Fatalf("append: %v", err)
	}

	dup := updatedEvent(aggregateA, 2)
	dup.ID = e.ID
	err := es.AppendEvents(ctx, aggregateA, 1, []*domain.Event{dup})
	if !errors.Is(err, domain.ErrDuplicateEvent) {
		t.Fatalf("err = %v, want ErrDuplicateEvent", err)
	}
}

func TestAppendRejectsUnknownSchema(t *testing.T) {
	es := openEventStore(t)

	e := createdEvent(aggregateA, 1)
	e.SchemaVersion = "99"
	err := es.AppendEvents(context.Background(), aggregateA, 0, []*domain.Event{e})
	if !errors.Is(err, domain.ErrSchemaUnknown) {
		t.Fatalf("err = %v, want ErrSchemaUnknown", err)
	}
}

func TestAppendAppliesUniqueConstraints(t *testing.T) {
	es := openEventStore(t)
	ctx := context.Background()

	claim := createdEvent(aggregateA, 1)
	claim.UniqueConstraints = []domain.UniqueConstraint{
		{IndexName: user.UsernameIndex, Value: "alice", Operation: domain.ConstraintClaim},
	}
	if err := es.AppendEvents(ctx, aggregateA, 0, []*domain.Event{claim}); err != nil {
		t.Fatalf("append: %v", err)
	}

	available, owner, err := es.CheckUniqueness(ctx, user.UsernameIndex, "alice")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if available || owner != aggregateA {
		t.Errorf("alice should be owned by %s, got available=%v owner=%s", aggregateA, available, owner)
	}

	t.Run("competing claim fails whole append", func(t *testing.T) {
		rival := createdEvent(aggregateB, 1)
		rival.UniqueConstraints = []domain.UniqueConstraint{
			{IndexName: user.UsernameIndex, Value: "alice", Operation: domain.ConstraintClaim},
		}
		err := es.AppendEvents(ctx, aggregateB, 0, []*domain.Event{rival})
		if !errors.Is(err, domain.ErrUniqueConstraintViolation) {
			t.Fatalf("err = %v, want ErrUniqueConstraintViolation", err)
		}

		var ucErr *domain.UniqueConstraintError
		if !errors.As(err, &ucErr) {
			t.Fatalf("err %T does not expose *UniqueConstraintError", err)
		}
		if ucErr.OwnerID != aggregateA {
			t.Errorf("owner = %s, want %s", ucErr.OwnerID, aggregateA)
		}

		head, err := es.HeadRevision(ctx, aggregateB)
		if err != nil {
			t.Fatalf("head: %v", err)
		}
		if head != 0 {
			t.Errorf("head = %d, want 0 (rejected claim rolls back the event)", head)
		}
	})

	t.Run("release frees the value", func(t *testing.T) {
		release := newEvent(aggregateA, 2, user.EventUserDeleted, `{}`)
		release.UniqueConstraints = []domain.UniqueConstraint{
			{IndexName: user.UsernameIndex, Value: "alice", Operation: domain.ConstraintRelease},
		}
		if err := es.AppendEvents(ctx, aggregateA, 1, []*domain.Event{release}); err != nil {
			t.Fatalf("append: %v", err)
		}

		available, _, err := es.CheckUniqueness(ctx, user.UsernameIndex, "alice")
		if err != nil {
			t.Fatalf("check: %v", err)
		}
		if !available {
			t.Error("released value should be claimable again")
		}
	})

	t.Run("reclaiming own value is a no-op", func(t *testing.T) {
		reclaim := createdEvent(aggregateB, 1)
		reclaim.UniqueConstraints = []domain.UniqueConstraint{
			{IndexName: user.UsernameIndex, Value: "alice", Operation: domain.ConstraintClaim},
		}
		if err := es.AppendEvents(ctx, aggregateB, 0, []*domain.Event{reclaim}); err != nil {
			t.Fatalf("append: %v", err)
		}
		again := updatedEvent(aggregateB, 2)
		again.UniqueConstraints = []domain.UniqueConstraint{
			{IndexName: user.UsernameIndex, Value: "alice", Operation: domain.ConstraintClaim},
		}
		if err := es.AppendEvents(ctx, aggregateB, 1, []*domain.Event{again}); err != nil {
			t.Fatalf("reclaim by owner: %v", err)
		}
	})
}

func TestRebuildConstraints(t *testing.T) {
	es := openEventStore(t)
	ctx := context.Background()

	claim := createdEvent(aggregateA, 1)
	claim.UniqueConstraints = []domain.UniqueConstraint{
		{IndexName: user.UsernameIndex, Value: "alice", Operation: domain.ConstraintClaim},
		{IndexName: user.EmailIndex, Value: "alice@example.com", Operation: domain.ConstraintClaim},
	}
	if err := es.AppendEvents(ctx, aggregateA, 0, []*domain.Event{claim}); err != nil {
		t.Fatalf("append: %v", err)
	}
	release := newEvent(aggregateA, 2, user.EventUserDeleted, `{}`)
	release.UniqueConstraints = []domain.UniqueConstraint{
		{IndexName: user.UsernameIndex, Value: "alice", Operation: domain.ConstraintRelease},
	}
	if err := es.AppendEvents(ctx, aggregateA, 1, []*domain.Event{release}); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := es.RebuildConstraints(ctx); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	available, _, err := es.CheckUniqueness(ctx, user.UsernameIndex, "alice")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !available {
		t.Error("released username should stay released after rebuild")
	}

	available, owner, err := es.CheckUniqueness(ctx, user.EmailIndex, "alice@example.com")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if available || owner != aggregateA {
		t.Errorf("email claim lost by rebuild: available=%v owner=%s", available, owner)
	}
}

func TestGetStreamFilters(t *testing.T) {
	orig := domain.TimeFunc
	defer func() { domain.TimeFunc = orig }()

	clock := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	domain.TimeFunc = func() time.Time { return clock }

	es := openEventStore(t)
	ctx := context.Background()

	timestamps := make([]time.Time, 0, 4)
	events := []*domain.Event{createdEvent(aggregateA, 1)}
	timestamps = append(timestamps, clock)
	for rev := int64(2); rev <= 4; rev++ {
		clock = clock.Add(time.Minute)
		events = append(events, updatedEvent(aggregateA, rev))
		timestamps = append(timestamps, clock)
	}
	if err := es.AppendEvents(ctx, aggregateA, 0, events); err != nil {
		t.Fatalf("append: %v", err)
	}

	revisions := func(events []*domain.Event) []int64 {
		out := make([]int64, len(events))
		for i, e := range events {
			out[i] = e.Revision
		}
		return out
	}

	t.Run("revision bounds inclusive", func(t *testing.T) {
		got, err := es.GetStream(ctx, aggregateA, store.StreamFilter{FromRevision: 2, ToRevision: 3})
		if err != nil {
			t.Fatalf("get stream: %v", err)
		}
		if r := revisions(got); len(r) != 2 || r[0] != 2 || r[1] != 3 {
			t.Errorf("revisions = %v, want [2 3]", r)
		}
	})

	t.Run("time bounds half open", func(t *testing.T) {
		got, err := es.GetStream(ctx, aggregateA, store.StreamFilter{
			FromTime: timestamps[1],
			ToTime:   timestamps[3],
		})
		if err != nil {
			t.Fatalf("get stream: %v", err)
		}
		if r := revisions(got); len(r) != 2 || r[0] != 2 || r[1] != 3 {
			t.Errorf("revisions = %v, want [2 3] for [t2, t4)", r)
		}
	})

	t.Run("unbounded", func(t *testing.T) {
		got, err := es.GetStream(ctx, aggregateA, store.StreamFilter{})
		if err != nil {
			t.Fatalf("get stream: %v", err)
		}
		if len(got) != 4 {
			t.Errorf("length = %d, want 4", len(got))
		}
	})
}

func TestLoadAllEventsGlobalOrder(t *testing.T) {
	es := openEventStore(t)
	ctx := context.Background()

	if err := es.AppendEvents(ctx, aggregateA, 0, []*domain.Event{createdEvent(aggregateA, 1)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := es.AppendEvents(ctx, aggregateB, 0, []*domain.Event{createdEvent(aggregateB, 1)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := es.AppendEvents(ctx, aggregateA, 1, []*domain.Event{updatedEvent(aggregateA, 2)}); err != nil {
		t.Fatalf("append: %v", err)
	}

	all, err := es.LoadAllEvents(ctx, 0, 10)
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("length = %d, want 3", len(all))
	}
	if all[0].AggregateID != aggregateA || all[1].AggregateID != aggregateB || all[2].AggregateID != aggregateA {
		t.Error("events not in append order across aggregates")
	}

	// Resume from position 2.
	tail, err := es.LoadAllEvents(ctx, 2, 10)
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(tail) != 1 || tail[0].ID != all[2].ID {
		t.Errorf("resume returned %d events, want the last one", len(tail))
	}
}

func TestIdempotentAppend(t *testing.T) {
	es := openEventStore(t)
	ctx := context.Background()

	events := []*domain.Event{createdEvent(aggregateA, 1)}
	first, err := es.AppendEventsIdempotent(ctx, "cmd-1", aggregateA, 0, events, 0)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if first.AlreadyProcessed {
		t.Error("first processing must not report AlreadyProcessed")
	}

	// Same command id replayed with stale state: no append, recorded result.
	replayed, err := es.AppendEventsIdempotent(ctx, "cmd-1", aggregateA, 0, []*domain.Event{createdEvent(aggregateA, 1)}, 0)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !replayed.AlreadyProcessed {
		t.Error("replay must report AlreadyProcessed")
	}
	if len(replayed.EventIDs) != 1 || replayed.EventIDs[0] != events[0].ID {
		t.Errorf("replayed event ids = %v, want %v", replayed.EventIDs, []string{events[0].ID})
	}

	head, err := es.HeadRevision(ctx, aggregateA)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head != 1 {
		t.Errorf("head = %d, want 1", head)
	}

	t.Run("requires command id", func(t *testing.T) {
		_, err := es.AppendEventsIdempotent(ctx, "", aggregateA, 1, []*domain.Event{updatedEvent(aggregateA, 2)}, 0)
		if !errors.Is(err, domain.ErrInvalidCommand) {
			t.Fatalf("err = %v, want ErrInvalidCommand", err)
		}
	})
}

func TestCommandResultExpiry(t *testing.T) {
	orig := domain.TimeFunc
	defer func() { domain.TimeFunc = orig }()

	clock := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	domain.TimeFunc = func() time.Time { return clock }

	es := openEventStore(t)
	ctx := context.Background()

	if _, err := es.AppendEventsIdempotent(ctx, "cmd-1", aggregateA, 0,
		[]*domain.Event{createdEvent(aggregateA, 1)}, time.Hour); err != nil {
		t.Fatalf("append: %v", err)
	}

	if _, err := es.GetCommandResult(ctx, "cmd-1"); err != nil {
		t.Fatalf("result within window: %v", err)
	}

	clock = clock.Add(2 * time.Hour)

	_, err := es.GetCommandResult(ctx, "cmd-1")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after expiry", err)
	}

	purged, err := es.PurgeExpiredCommandResults(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}
}

func TestGetCommandResultUnknown(t *testing.T) {
	es := openEventStore(t)
	_, err := es.GetCommandResult(context.Background(), "never-seen")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestNewEventStoreUnknownKind(t *testing.T) {
	_, err := sqlite.NewEventStore("Order", sqlite.WithMemoryDatabase())
	if err == nil {
		t.Fatal("expected error for an unknown aggregate kind")
	}
}

func TestGaplessRevisions(t *testing.T) {
	es := openEventStore(t)
	ctx := context.Background()

	// Grow the stream through several appends, then verify the revision
	// set is exactly {1..head}.
	if err := es.AppendEvents(ctx, aggregateA, 0, []*domain.Event{createdEvent(aggregateA, 1)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	for rev := int64(2); rev <= 6; rev++ {
		if err := es.AppendEvents(ctx, aggregateA, rev-1, []*domain.Event{updatedEvent(aggregateA, rev)}); err != nil {
			t.Fatalf("append revision %d: %v", rev, err)
		}
	}

	stream, err := es.GetStream(ctx, aggregateA, store.StreamFilter{})
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	head, err := es.HeadRevision(ctx, aggregateA)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if int64(len(stream)) != head {
		t.Fatalf("stream length %d != head %d", len(stream), head)
	}
	for i, e := range stream {
		if want := int64(i + 1); e.Revision != want {
			t.Fatalf("revision at index %d = %d, want %d: %s", i, e.Revision, want, fmt.Sprint(e))
		}
	}
}
