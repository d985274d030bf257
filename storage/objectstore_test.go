package storage_test

import (
	"testing"

	"github.com/dragonet/chainnode/internal/testutil"
	"github.com/dragonet/chainnode/storage"
)

// TestClaimsBacklogRoundTrip: the backlog keeps its order across persist
// cycles, reads as empty before any failure has ever been recorded, and
// deletes its key once drained.
func TestClaimsBacklogRoundTrip(t *testing.T) {
	s := storage.NewObjectStore(testutil.NewMemDB())

	got, err := s.GetClaimsBacklog()
	if err != nil {
		t.Fatalf("GetClaimsBacklog on fresh store: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("fresh backlog = %v, want empty", got)
	}

	want := []string{"7000001", "7000002", "7000003"}
	if err := s.SetClaimsBacklog(want); err != nil {
		t.Fatalf("SetClaimsBacklog: %v", err)
	}
	got, err = s.GetClaimsBacklog()
	if err != nil {
		t.Fatalf("GetClaimsBacklog: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("backlog = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("backlog[%d] = %q, want %q (order must be preserved)", i, got[i], want[i])
		}
	}

	if err := s.SetClaimsBacklog(nil); err != nil {
		t.Fatalf("SetClaimsBacklog(nil): %v", err)
	}
	got, err = s.GetClaimsBacklog()
	if err != nil {
		t.Fatalf("GetClaimsBacklog after drain: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("drained backlog = %v, want empty", got)
	}
}
