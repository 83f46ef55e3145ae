package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAggregateNotFound is returned when an aggregate has no events.
	ErrAggregateNotFound = errors.New("aggregate not found")

	// ErrNotFound is returned when a requested resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConcurrencyConflict is returned when an append races another
	// writer on the same aggregate. Retryable.
	ErrConcurrencyConflict = errors.New("concurrency conflict: stream head moved")

	// ErrDuplicateEvent is returned when an event ID already exists in the
	// store. Not retryable.
	ErrDuplicateEvent = errors.New("duplicate event id")

	// ErrUniqueConstraintViolation is returned when a uniqueness claim
	// would take a value owned by another aggregate.
	ErrUniqueConstraintViolation = errors.New("unique constraint violation")

	// ErrInvalidConstraintOperation is returned for operations other than
	// claim or release.
	ErrInvalidConstraintOperation = errors.New("invalid constraint operation")

	// ErrCommandAlreadyProcessed is returned when a command ID was already
	// handled inside its idempotency window.
	ErrCommandAlreadyProcessed = errors.New("command already processed")

	// ErrCommandNotFound is returned when no handler is registered for a
	// command type.
	ErrCommandNotFound = errors.New("command handler not found")

	// ErrInvalidCommand is returned when a command envelope is malformed.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrValidation is the class sentinel for command field validation.
	ErrValidation = errors.New("validation failed")

	// ErrBusinessRule is the class sentinel for aggregate rule violations.
	ErrBusinessRule = errors.New("business rule violation")

	// ErrSchemaUnknown is returned for unregistered (kind, version) pairs.
	ErrSchemaUnknown = errors.New("unknown event schema")

	// ErrSchemaInvalid is returned for payloads that do not match their
	// registered schema.
	ErrSchemaInvalid = errors.New("invalid event payload")

	// ErrIncompatibleEvent is returned when an aggregate is asked to fold
	// an event kind it does not know.
	ErrIncompatibleEvent = errors.New("incompatible event for aggregate")

	// ErrSnapshotNotFound is returned when no snapshot exists.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrStorage is the class sentinel for persistence failures.
	ErrStorage = errors.New("storage failure")

	// ErrExternal is the class sentinel for provider failures.
	ErrExternal = errors.New("external provider failure")

	// ErrUnitOfWorkClosed is returned when a unit of work is used after
	// commit or rollback.
	ErrUnitOfWorkClosed = errors.New("unit of work already closed")
)

// ValidationError reports a command field that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Code returns the stable machine-readable tag for this error.
func (e *ValidationError) Code() string { return "VALIDATION_FAILED" }

// NewValidationError creates a validation error for a field.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// BusinessRuleError reports a command rejected by an aggregate rule.
type BusinessRuleError struct {
	Rule    string
	Message string
}

func (e *BusinessRuleError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("business rule violation: %s", e.Rule)
	}
	return fmt.Sprintf("business rule violation: %s: %s", e.Rule, e.Message)
}

func (e *BusinessRuleError) Is(target error) bool {
	return target == ErrBusinessRule
}

// Code returns the rule tag in stable UPPER_SNAKE form.
func (e *BusinessRuleError) Code() string { return strings.ToUpper(e.Rule) }

// NewBusinessRuleError creates a business rule violation.
func NewBusinessRuleError(rule, message string) error {
	return &BusinessRuleError{Rule: rule, Message: message}
}

// NotFoundError reports a missing resource with its kind and id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

func (e *NotFoundError) Code() string { return "NOT_FOUND" }

// NewNotFoundError creates a not-found error.
func NewNotFoundError(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// UniqueConstraintError provides detail about a rejected uniqueness claim.
type UniqueConstraintError struct {
	IndexName string
	Value     string
	OwnerID   string
}

func (e *UniqueConstraintError) Error() string {
	return fmt.Sprintf("unique constraint violation: %s=%q is already claimed by aggregate %s",
		e.IndexName, e.Value, e.OwnerID)
}

func (e *UniqueConstraintError) Is(target error) bool {
	return target == ErrUniqueConstraintViolation
}

func (e *UniqueConstraintError) Code() string { return "CONFLICT" }

// NewUniqueConstraintError creates a unique constraint error.
func NewUniqueConstraintError(indexName, value, ownerID string) error {
	return &UniqueConstraintError{IndexName: indexName, Value: value, OwnerID: ownerID}
}

// SchemaError reports an unknown or invalid event schema.
type SchemaError struct {
	EventType     string
	SchemaVersion string
	Reason        string
	Unknown       bool
}

func (e *SchemaError) Error() string {
	if e.Unknown {
		return fmt.Sprintf("unknown event schema %s/%s", e.EventType, e.SchemaVersion)
	}
	return fmt.Sprintf("invalid payload for %s/%s: %s", e.EventType, e.SchemaVersion, e.Reason)
}

func (e *SchemaError) Is(target error) bool {
	if e.Unknown {
		return target == ErrSchemaUnknown
	}
	return target == ErrSchemaInvalid
}

func (e *SchemaError) Code() string {
	if e.Unknown {
		return "SCHEMA_UNKNOWN"
	}
	return "SCHEMA_INVALID"
}

// StorageError wraps a persistence failure with the operation that failed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure in %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

func (e *StorageError) Code() string { return "STORAGE_FAILED" }

// NewStorageError wraps err as a storage failure for op.
func NewStorageError(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// ExternalError wraps a provider failure with the provider name.
type ExternalError struct {
	Provider string
	Err      error
}

func (e *ExternalError) Error() string {
	return fmt.Sprintf("provider %s failed: %v", e.Provider, e.Err)
}

func (e *ExternalError) Unwrap() error { return e.Err }

func (e *ExternalError) Is(target error) bool {
	return target == ErrExternal
}

func (e *ExternalError) Code() string { return "EXTERNAL_FAILED" }

// NewExternalError wraps err as a failure of the named provider.
func NewExternalError(provider string, err error) error {
	return &ExternalError{Provider: provider, Err: err}
}

// coder is implemented by errors carrying a stable machine-readable tag.
type coder interface{ Code() string }

// ErrorCode returns the stable tag for err, walking the wrap chain. Errors
// outside the taxonomy report INTERNAL.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var c coder
	if errors.As(err, &c) {
		return c.Code()
	}
	switch {
	case errors.Is(err, ErrConcurrencyConflict):
		return "CONCURRENCY_CONFLICT"
	case errors.Is(err, ErrDuplicateEvent):
		return "DUPLICATE_EVENT"
	case errors.Is(err, ErrAggregateNotFound), errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrUniqueConstraintViolation):
		return "CONFLICT"
	case errors.Is(err, ErrSchemaUnknown):
		return "SCHEMA_UNKNOWN"
	case errors.Is(err, ErrSchemaInvalid):
		return "SCHEMA_INVALID"
	case errors.Is(err, ErrValidation):
		return "VALIDATION_FAILED"
	case errors.Is(err, ErrBusinessRule):
		return "BUSINESS_RULE_VIOLATION"
	case errors.Is(err, ErrStorage):
		return "STORAGE_FAILED"
	case errors.Is(err, ErrExternal):
		return "EXTERNAL_FAILED"
	default:
		return "INTERNAL"
	}
}

// IsRetryable reports whether err is worth retrying at the command layer.
// Only optimistic concurrency conflicts qualify.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}
