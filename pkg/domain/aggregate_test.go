package domain_test

import (
	"errors"
	"testing"
	"time"

	"github.com/plaenen/userservice/pkg/domain"
)

// widget is a minimal aggregate exercising the AggregateRoot mechanics.
type widget struct {
	domain.AggregateRoot

	Name     string
	Scrapped bool
}

func newWidget(id string) *widget {
	return &widget{AggregateRoot: domain.NewAggregateRoot(id, "Widget")}
}

func (w *widget) ApplyEvent(e *domain.Event) error {
	payload, err := domain.UnmarshalPayload(e.EventType, e.SchemaVersion, e.Data)
	if err != nil {
		return err
	}
	switch p := payload.(type) {
	case *widgetCreated:
		w.Name = p.Name
	case *widgetScrapped:
		w.Scrapped = true
	default:
		return domain.ErrIncompatibleEvent
	}
	w.MarkApplied(e)
	return nil
}

func TestRaiseAssignsRevisionsAndTimestamps(t *testing.T) {
	w := newWidget("w1")

	if err := w.Raise("WidgetCreated", "1", &widgetCreated{Name: "anvil"}, domain.EventMetadata{}); err != nil {
		t.Fatalf("raise: %v", err)
	}
	if err := w.Raise("WidgetScrapped", "1", &widgetScrapped{}, domain.EventMetadata{}); err != nil {
		t.Fatalf("raise: %v", err)
	}

	events := w.UncommittedEvents()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	for i, e := range events {
		if want := int64(i + 1); e.Revision != want {
			t.Errorf("event %d revision = %d, want %d", i, e.Revision, want)
		}
		if e.AggregateID != "w1" || e.AggregateType != "Widget" {
			t.Errorf("event %d carries wrong aggregate identity: %s/%s", i, e.AggregateID, e.AggregateType)
		}
		if e.Timestamp.IsZero() || e.Timestamp.Location() != time.UTC {
			t.Errorf("event %d timestamp = %v, want non-zero UTC", i, e.Timestamp)
		}
		if e.ID == "" {
			t.Errorf("event %d has no id", i)
		}
	}
	if events[1].Timestamp.Before(events[0].Timestamp) {
		t.Error("timestamps must be non-decreasing within a stream")
	}
	if w.Revision() != 2 {
		t.Errorf("revision = %d, want 2", w.Revision())
	}

	w.ClearUncommittedEvents()
	if len(w.UncommittedEvents()) != 0 {
		t.Error("clear did not drop uncommitted events")
	}
	if w.Revision() != 2 {
		t.Error("clear must not rewind the revision")
	}
}

func TestRaiseRejectsUnknownSchema(t *testing.T) {
	w := newWidget("w1")
	err := w.Raise("WidgetRenamed", "1", &widgetCreated{}, domain.EventMetadata{})
	if !errors.Is(err, domain.ErrSchemaUnknown) {
		t.Fatalf("err = %v, want ErrSchemaUnknown", err)
	}
	if len(w.UncommittedEvents()) != 0 || w.Revision() != 0 {
		t.Error("failed raise must leave the aggregate untouched")
	}
}

func TestRaiseEventIDs(t *testing.T) {
	t.Run("deterministic with command id", func(t *testing.T) {
		build := func() *domain.Event {
			w := newWidget("w1")
			w.SetCommandID("cmd-1")
			if err := w.Raise("WidgetCreated", "1", &widgetCreated{Name: "anvil"}, domain.EventMetadata{}); err != nil {
				t.Fatalf("raise: %v", err)
			}
			return w.UncommittedEvents()[0]
		}
		if a, b := build(), build(); a.ID != b.ID {
			t.Errorf("same command produced different event ids: %s vs %s", a.ID, b.ID)
		}
	})

	t.Run("random without command id", func(t *testing.T) {
		build := func() *domain.Event {
			w := newWidget("w1")
			if err := w.Raise("WidgetCreated", "1", &widgetCreated{Name: "anvil"}, domain.EventMetadata{}); err != nil {
				t.Fatalf("raise: %v", err)
			}
			return w.UncommittedEvents()[0]
		}
		if a, b := build(), build(); a.ID == b.ID {
			t.Error("events without a command id must get fresh ids")
		}
	})
}

func TestFoldAdvancesRevision(t *testing.T) {
	producer := newWidget("w1")
	producer.SetCommandID("cmd-1")
	if err := producer.Raise("WidgetCreated", "1", &widgetCreated{Name: "anvil"}, domain.EventMetadata{}); err != nil {
		t.Fatalf("raise: %v", err)
	}
	if err := producer.Raise("WidgetScrapped", "1", &widgetScrapped{}, domain.EventMetadata{}); err != nil {
		t.Fatalf("raise: %v", err)
	}

	consumer := newWidget("w1")
	for _, e := range producer.UncommittedEvents() {
		if err := consumer.ApplyEvent(e); err != nil {
			t.Fatalf("fold: %v", err)
		}
	}
	if consumer.Revision() != 2 {
		t.Errorf("revision = %d, want 2", consumer.Revision())
	}
	if consumer.Name != "anvil" || !consumer.Scrapped {
		t.Errorf("state = %+v, want folded create and scrap", consumer)
	}
}

func TestRestoreRevisionContinuesStream(t *testing.T) {
	w := newWidget("w1")
	w.RestoreRevision(20)

	if err := w.Raise("WidgetScrapped", "1", &widgetScrapped{}, domain.EventMetadata{}); err != nil {
		t.Fatalf("raise: %v", err)
	}
	if got := w.UncommittedEvents()[0].Revision; got != 21 {
		t.Errorf("revision after snapshot restore = %d, want 21", got)
	}
}
