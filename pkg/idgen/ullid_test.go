package idgen_test

import (
	"testing"

	"github.com/plaenen/userservice/pkg/idgen"
)

func TestSortableIDsAreMonotonic(t *testing.T) {
	prev := idgen.MustGenerateSortableID()
	for i := 0; i < 1000; i++ {
		next := idgen.MustGenerateSortableID()
		if next <= prev {
			t.Fatalf("id %q does not sort after %q", next, prev)
		}
		prev = next
	}
}

func TestSortableIDShape(t *testing.T) {
	id := idgen.MustGenerateSortableID()
	if len(id) != 26 {
		t.Errorf("len = %d, want 26", len(id))
	}
}
