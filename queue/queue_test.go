package queue

import (
	"testing"
	"time"

	"github.com/dragonet/chainnode/internal/testutil"
)

// TestEnqueueNextItem exercises the basic incoming->processing transition.
func TestEnqueueNextItem(t *testing.T) {
	db := testutil.NewMemDB()
	q, err := New(db, "l2")
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue([]byte("item-1"), 0); err != nil {
		t.Fatal(err)
	}
	item, err := q.NextItem(false)
	if err != nil {
		t.Fatal(err)
	}
	if string(item) != "item-1" {
		t.Fatalf("got %q, want item-1", item)
	}
	// The item must now be in processing, not incoming: a second call
	// returns nothing until ClearProcessing/Recover moves it again.
	next, err := q.NextItem(false)
	if err != nil {
		t.Fatal(err)
	}
	if next != nil {
		t.Fatalf("expected no further items, got %q", next)
	}
}

// TestRecoverRestoresProcessing: a tick that
// crashes after dequeue and before ClearProcessing must have its item
// re-processed after Recover.
func TestRecoverRestoresProcessing(t *testing.T) {
	db := testutil.NewMemDB()
	q, err := New(db, "l2")
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue([]byte("crash-me"), 0); err != nil {
		t.Fatal(err)
	}
	item, err := q.NextItem(false)
	if err != nil || item == nil {
		t.Fatalf("NextItem: %v, %q", err, item)
	}

	// Simulate a crash: a fresh Queue over the same db, as a restarted
	// executor would construct, must recover the processing item back to
	// incoming before it can be redelivered.
	q2, err := New(db, "l2")
	if err != nil {
		t.Fatal(err)
	}
	if err := q2.Recover(); err != nil {
		t.Fatal(err)
	}
	replayed, err := q2.NextItem(false)
	if err != nil {
		t.Fatal(err)
	}
	if string(replayed) != "crash-me" {
		t.Fatalf("recovered item = %q, want crash-me", replayed)
	}
}

// TestRecoverIdempotent confirms calling Recover with nothing in
// processing is a safe no-op.
func TestRecoverIdempotent(t *testing.T) {
	db := testutil.NewMemDB()
	q, err := New(db, "l1")
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Recover(); err != nil {
		t.Fatal(err)
	}
	if err := q.Recover(); err != nil {
		t.Fatal(err)
	}
}

// TestClearProcessingConsumesItem confirms an item only disappears for
// good once durability has been confirmed via ClearProcessing.
func TestClearProcessingConsumesItem(t *testing.T) {
	db := testutil.NewMemDB()
	q, err := New(db, "l3")
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue([]byte("durable"), 0); err != nil {
		t.Fatal(err)
	}
	if _, err := q.NextItem(false); err != nil {
		t.Fatal(err)
	}
	if err := q.ClearProcessing(); err != nil {
		t.Fatal(err)
	}
	if err := q.Recover(); err != nil {
		t.Fatal(err)
	}
	item, err := q.NextItem(false)
	if err != nil {
		t.Fatal(err)
	}
	if item != nil {
		t.Fatalf("expected item to be gone after ClearProcessing, got %q", item)
	}
}

// TestDeadlineExpiry: an expired item is
// silently discarded by NextItem when honorDeadline is true, and retained
// when false (L1/L5 semantics).
func TestDeadlineExpiry(t *testing.T) {
	restore := fakeNow(time.Unix(1_700_000_000, 0))
	defer restore()

	db := testutil.NewMemDB()
	q, err := New(db, "l2")
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue([]byte("expiring"), time.Second); err != nil {
		t.Fatal(err)
	}

	// Advance past the deadline.
	nowFunc = func() time.Time { return time.Unix(1_700_000_005, 0) }

	item, err := q.NextItem(true)
	if err != nil {
		t.Fatal(err)
	}
	if item != nil {
		t.Fatalf("expected expired item to be silently dropped, got %q", item)
	}
}

// TestDeadlineHonoredOnlyWhenRequested confirms the same expired item is
// still delivered to a dequeue path that doesn't honor deadlines.
func TestDeadlineHonoredOnlyWhenRequested(t *testing.T) {
	restore := fakeNow(time.Unix(1_700_000_000, 0))
	defer restore()

	db := testutil.NewMemDB()
	q, err := New(db, "l1")
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue([]byte("never-expires-here"), time.Second); err != nil {
		t.Fatal(err)
	}
	nowFunc = func() time.Time { return time.Unix(1_700_000_999, 0) }

	item, err := q.NextItem(false)
	if err != nil {
		t.Fatal(err)
	}
	if string(item) != "never-expires-here" {
		t.Fatalf("expected item to survive when deadlines aren't honored, got %q", item)
	}
}

// TestNextBatchCap confirms NextBatch never returns more than max items and
// moves exactly what it returns into processing.
func TestNextBatchCap(t *testing.T) {
	db := testutil.NewMemDB()
	q, err := New(db, "l1")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := q.Enqueue([]byte{byte('a' + i)}, 0); err != nil {
			t.Fatal(err)
		}
	}
	batch, err := q.NextBatch(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 3 {
		t.Fatalf("got %d items, want 3", len(batch))
	}
	rest, err := q.NextBatch(100)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 2 {
		t.Fatalf("got %d remaining items, want 2", len(rest))
	}
}

func fakeNow(t time.Time) (restore func()) {
	orig := nowFunc
	nowFunc = func() time.Time { return t }
	return func() { nowFunc = orig }
}
