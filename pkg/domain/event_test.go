package domain_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/plaenen/userservice/pkg/domain"
)

func wireEvent() *domain.Event {
	return &domain.Event{
		ID:            "0123456789abcdef0123456789abcdef",
		AggregateID:   "7f9c24e5-2f88-4c4c-9d2f-8a1e5b6c7d8e",
		AggregateType: "User",
		EventType:     "WidgetCreated",
		SchemaVersion: "1",
		Revision:      3,
		Timestamp:     time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC),
		Data:          []byte(`{"name":"anvil"}`),
		Metadata: domain.EventMetadata{
			CausationID:   "cmd-1",
			CorrelationID: "corr-1",
			PrincipalID:   "principal-1",
			Custom:        map[string]string{"source": "test"},
		},
	}
}

func TestMarshalEventRoundTrip(t *testing.T) {
	original := wireEvent()

	b, err := domain.MarshalEvent(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	decoded, err := domain.UnmarshalEvent(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if decoded.ID != original.ID {
		t.Errorf("id = %q, want %q", decoded.ID, original.ID)
	}
	if decoded.AggregateID != original.AggregateID {
		t.Errorf("aggregate id = %q, want %q", decoded.AggregateID, original.AggregateID)
	}
	if decoded.AggregateType != original.AggregateType {
		t.Errorf("aggregate type = %q, want %q", decoded.AggregateType, original.AggregateType)
	}
	if decoded.EventType != original.EventType {
		t.Errorf("event type = %q, want %q", decoded.EventType, original.EventType)
	}
	if decoded.SchemaVersion != original.SchemaVersion {
		t.Errorf("schema version = %q, want %q", decoded.SchemaVersion, original.SchemaVersion)
	}
	if decoded.Revision != original.Revision {
		t.Errorf("revision = %d, want %d", decoded.Revision, original.Revision)
	}
	if !decoded.Timestamp.Equal(original.Timestamp) {
		t.Errorf("timestamp = %v, want %v", decoded.Timestamp, original.Timestamp)
	}
	if !bytes.Equal(decoded.Data, original.Data) {
		t.Errorf("data = %s, want %s", decoded.Data, original.Data)
	}
	if decoded.Metadata.CausationID != original.Metadata.CausationID ||
		decoded.Metadata.CorrelationID != original.Metadata.CorrelationID ||
		decoded.Metadata.PrincipalID != original.Metadata.PrincipalID {
		t.Errorf("metadata = %+v, want %+v", decoded.Metadata, original.Metadata)
	}
	if decoded.Metadata.Custom["source"] != "test" {
		t.Errorf("custom metadata = %v, want source=test", decoded.Metadata.Custom)
	}
}

func TestMarshalEventIsStable(t *testing.T) {
	e := wireEvent()

	first, err := domain.MarshalEvent(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	second, err := domain.MarshalEvent(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("two marshals of the same event differ:\n%s\n%s", first, second)
	}
}

func TestMarshalEventNil(t *testing.T) {
	if _, err := domain.MarshalEvent(nil); err == nil {
		t.Fatal("expected error for nil event")
	}
}

func TestUnmarshalEventRejectsIncomplete(t *testing.T) {
	cases := map[string]string{
		"not json":     `{`,
		"missing id":   `{"aggregate_id":"a","event_kind":"WidgetCreated"}`,
		"missing kind": `{"event_id":"e","aggregate_id":"a"}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := domain.UnmarshalEvent([]byte(payload)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestDeterministicEventID(t *testing.T) {
	a := domain.GenerateDeterministicEventID("cmd-1", "agg-1", 1)
	b := domain.GenerateDeterministicEventID("cmd-1", "agg-1", 1)
	if a != b {
		t.Errorf("same inputs produced different ids: %s vs %s", a, b)
	}
	if len(a) != 32 {
		t.Errorf("id length = %d, want 32", len(a))
	}

	variants := []string{
		domain.GenerateDeterministicEventID("cmd-2", "agg-1", 1),
		domain.GenerateDeterministicEventID("cmd-1", "agg-2", 1),
		domain.GenerateDeterministicEventID("cmd-1", "agg-1", 2),
	}
	for _, v := range variants {
		if v == a {
			t.Errorf("distinct inputs collided on %s", v)
		}
	}
}

func TestGenerateID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := domain.GenerateID()
		if len(id) != 32 {
			t.Fatalf("id length = %d, want 32", len(id))
		}
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestNowIsUTCMicroseconds(t *testing.T) {
	orig := domain.TimeFunc
	defer func() { domain.TimeFunc = orig }()

	loc := time.FixedZone("UTC+2", 2*3600)
	domain.TimeFunc = func() time.Time {
		return time.Date(2026, 3, 14, 11, 0, 0, 123456789, loc)
	}

	now := domain.Now()
	if now.Location() != time.UTC {
		t.Errorf("location = %v, want UTC", now.Location())
	}
	if got, want := now.Nanosecond(), 123456000; got != want {
		t.Errorf("nanoseconds = %d, want %d (microsecond truncation)", got, want)
	}
	if now.Hour() != 9 {
		t.Errorf("hour = %d, want 9 (converted to UTC)", now.Hour())
	}
}
