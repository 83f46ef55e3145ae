package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
)

// PayloadFactory returns a new zero value of a payload type, ready to be
// decoded into. It must return a pointer.
type PayloadFactory func() any

// schemaRegistry maps (event kind, schema version) to payload factories.
// Aggregate packages register their schemas in init().
type schemaRegistry struct {
	mu        sync.RWMutex
	factories map[schemaKey]PayloadFactory
}

type schemaKey struct {
	eventType     string
	schemaVersion string
}

var registry = &schemaRegistry{factories: make(map[schemaKey]PayloadFactory)}

// RegisterSchema registers the payload type for an (event kind, version)
// pair. Registering the same pair twice panics: schemas are append-only and
// a collision means two packages disagree about the wire format.
func RegisterSchema(eventType, schemaVersion string, factory PayloadFactory) {
	if eventType == "" || schemaVersion == "" {
		panic("domain: RegisterSchema requires event type and schema version")
	}
	if factory == nil {
		panic(fmt.Sprintf("domain: nil payload factory for %s/%s", eventType, schemaVersion))
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()

	key := schemaKey{eventType: eventType, schemaVersion: schemaVersion}
	if _, exists := registry.factories[key]; exists {
		panic(fmt.Sprintf("domain: schema already registered for %s/%s", eventType, schemaVersion))
	}
	registry.factories[key] = factory
}

// KnownSchema reports whether the (kind, version) pair is registered.
func KnownSchema(eventType, schemaVersion string) bool {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	_, ok := registry.factories[schemaKey{eventType: eventType, schemaVersion: schemaVersion}]
	return ok
}

// MarshalPayload serializes a payload to its JSON schema form.
func MarshalPayload(payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}

// UnmarshalPayload decodes data into a fresh payload value for the given
// (kind, version) pair. Unknown pairs return a SchemaError matching
// ErrSchemaUnknown; malformed or over-specified payloads return a
// SchemaError matching ErrSchemaInvalid. Unknown JSON fields are rejected:
// within a schema version the field set is closed.
func UnmarshalPayload(eventType, schemaVersion string, data []byte) (any, error) {
	registry.mu.RLock()
	factory, ok := registry.factories[schemaKey{eventType: eventType, schemaVersion: schemaVersion}]
	registry.mu.RUnlock()

	if !ok {
		return nil, &SchemaError{EventType: eventType, SchemaVersion: schemaVersion, Unknown: true}
	}

	payload := factory()
	if len(data) == 0 {
		data = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(payload); err != nil {
		return nil, &SchemaError{
			EventType:     eventType,
			SchemaVersion: schemaVersion,
			Reason:        err.Error(),
		}
	}
	return payload, nil
}

// DecodeEvent turns a stored event into an envelope with its typed payload.
func DecodeEvent(e *Event) (*EventEnvelope, error) {
	payload, err := UnmarshalPayload(e.EventType, e.SchemaVersion, e.Data)
	if err != nil {
		return nil, err
	}
	return &EventEnvelope{Event: *e, Payload: payload}, nil
}
