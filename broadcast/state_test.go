package broadcast

import (
	"testing"
	"time"
)

// TestTrackAndPromote: after enough receipts
// arrive at a level, the block is promoted and rescheduled with score 0.
func TestTrackAndPromote(t *testing.T) {
	s := NewState()
	now := time.Unix(1_700_000_000, 0)
	s.Track("block-1", now)

	b := s.Get("block-1")
	if b == nil || b.CurrentLevel != 2 {
		t.Fatalf("expected fresh block at level 2, got %+v", b)
	}

	if !s.RecordReceipt("block-1", 2, "l2-chain-a") {
		t.Fatal("RecordReceipt rejected a receipt for the tracked level")
	}
	if !s.RecordReceipt("block-1", 2, "l2-chain-b") {
		t.Fatal("RecordReceipt rejected a second receipt for the tracked level")
	}
	if got := s.ResponseCount("block-1", 2); got != 2 {
		t.Fatalf("ResponseCount = %d, want 2", got)
	}

	s.Promote("block-1", now)
	b = s.Get("block-1")
	if b.CurrentLevel != 3 {
		t.Fatalf("CurrentLevel after Promote = %d, want 3", b.CurrentLevel)
	}
	if b.Score != 0 {
		t.Fatalf("Score after Promote = %d, want 0 (fresh broadcast)", b.Score)
	}
	if !b.Schedule.Equal(now) {
		t.Fatalf("Schedule after Promote = %v, want %v", b.Schedule, now)
	}
}

// TestClaimInvariantRejectsStaleLevel: a receipt
// for a level the block has already promoted past must be rejected, while
// one for a level not yet reached is accepted (current level <= receipt
// level) — this is the in-memory half of NotAcceptingVerifications;
// the claim-membership half is enforced by the receipt handler.
func TestClaimInvariantRejectsStaleLevel(t *testing.T) {
	s := NewState()
	now := time.Unix(1_700_000_000, 0)
	s.Track("block-1", now)
	s.Promote("block-1", now) // now at level 3

	if s.RecordReceipt("block-1", 2, "late-l2") {
		t.Error("RecordReceipt accepted a receipt for a level already promoted past")
	}
	if !s.RecordReceipt("block-1", 4, "early-l4") {
		t.Error("RecordReceipt rejected a receipt for a level not yet reached")
	}
	if s.RecordReceipt("untracked-block", 3, "whoever") {
		t.Error("RecordReceipt accepted a receipt for an untracked block")
	}
}

// TestDueFiltersBySchedule confirms Due only returns blocks whose schedule
// has passed.
func TestDueFiltersBySchedule(t *testing.T) {
	s := NewState()
	now := time.Unix(1_700_000_000, 0)
	s.Track("due-now", now)
	s.Track("due-later", now.Add(time.Hour))

	due := s.Due(now)
	if len(due) != 1 || due[0].BlockID != "due-now" {
		t.Fatalf("Due(now) = %v, want only due-now", due)
	}
}

// TestRemoveStopsTracking is the L5 terminal case: once a block clears
// level 5, it is dropped from the broadcast set entirely.
func TestRemoveStopsTracking(t *testing.T) {
	s := NewState()
	now := time.Unix(1_700_000_000, 0)
	s.Track("block-1", now)
	s.Remove("block-1")
	if s.Get("block-1") != nil {
		t.Fatal("block should no longer be tracked after Remove")
	}
	if s.RecordReceipt("block-1", 2, "anyone") {
		t.Error("RecordReceipt should fail for a removed block")
	}
}

// TestNotificationQueueLifecycle exercises the queue/ack cycle used by the
// notification loop.
func TestNotificationQueueLifecycle(t *testing.T) {
	s := NewState()
	s.QueueNotification("BLOCK/100-l2-chainA")
	s.QueueNotification("BLOCK/100-l3-chainB")

	pending := s.PendingNotifications()
	if len(pending) != 2 {
		t.Fatalf("got %d pending notifications, want 2", len(pending))
	}

	s.AckNotification("BLOCK/100-l2-chainA")
	pending = s.PendingNotifications()
	if len(pending) != 1 || pending[0] != "BLOCK/100-l3-chainB" {
		t.Fatalf("after ack, pending = %v, want only the l3 key", pending)
	}
}

// TestRescheduleUpdatesScore confirms Reschedule mutates both fields
// independently of Promote, as used by the re-visit branch of the block
// loop (claim_chains replacement path).
func TestRescheduleUpdatesScore(t *testing.T) {
	s := NewState()
	now := time.Unix(1_700_000_000, 0)
	s.Track("block-1", now)
	later := now.Add(35 * time.Second)
	s.Reschedule("block-1", later, 1)

	b := s.Get("block-1")
	if b.Score != 1 {
		t.Fatalf("Score = %d, want 1", b.Score)
	}
	if !b.Schedule.Equal(later) {
		t.Fatalf("Schedule = %v, want %v", b.Schedule, later)
	}
}
