// Package idgen generates sortable identifiers for rows whose insertion
// order matters, such as outbox and dead-letter entries.
package idgen

import (
	"github.com/oklog/ulid/v2"
)

// MustGenerateSortableID returns a ULID. IDs generated within a process
// are strictly monotonic, so lexicographic order is generation order even
// within the same millisecond.
func MustGenerateSortableID() string {
	return ulid.Make().String()
}
