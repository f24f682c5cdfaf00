package maintenance

import (
	"errors"
	"testing"
	"time"
)

func TestErrorsRecordAndLookup(t *testing.T) {
	e := NewErrors()

	if _, ok := e.Lookup("s1"); ok {
		t.Error("Lookup on empty accumulator must miss")
	}

	e.Record("s1", CreateCollection, errors.New("disk full"))

	entry, ok := e.Lookup("s1")
	if !ok {
		t.Fatal("Expected recorded error")
	}
	if entry.Action != CreateCollection || entry.Message != "disk full" {
		t.Errorf("Unexpected entry: %+v", entry)
	}
	if entry.Count != 1 {
		t.Errorf("Count = %d, want 1", entry.Count)
	}
}

// Repeats of the same action class bump the count; a different class
// replaces the entry.
func TestErrorsRepeatCounting(t *testing.T) {
	e := NewErrors()

	e.Record("s1", CreateCollection, errors.New("disk full"))
	e.Record("s1", CreateCollection, errors.New("still full"))

	entry, _ := e.Lookup("s1")
	if entry.Count != 2 {
		t.Errorf("Count = %d, want 2", entry.Count)
	}
	if entry.Message != "still full" {
		t.Errorf("Message should track the latest failure: %q", entry.Message)
	}

	e.Record("s1", EnsureIndex, errors.New("type mismatch"))
	entry, _ = e.Lookup("s1")
	if entry.Action != EnsureIndex || entry.Count != 1 {
		t.Errorf("New action class must reset the entry: %+v", entry)
	}
}

func TestErrorsClear(t *testing.T) {
	e := NewErrors()
	e.Record("s1", DropCollection, errors.New("busy"))

	e.Clear("s1")
	if _, ok := e.Lookup("s1"); ok {
		t.Error("Cleared shard must have no entry")
	}
	if e.Len() != 0 {
		t.Errorf("Len() = %d, want 0", e.Len())
	}

	// Clearing an unknown shard is a no-op.
	e.Clear("s2")
}

// Old failures age out so their action class becomes retryable; fresh
// ones stay.
func TestErrorsExpireBefore(t *testing.T) {
	e := NewErrors()
	e.Record("s1", CreateCollection, errors.New("disk full"))
	e.Record("s2", EnsureIndex, errors.New("type mismatch"))

	if n := e.ExpireBefore(time.Now().Add(-time.Minute)); n != 0 {
		t.Errorf("Fresh entries must survive, dropped %d", n)
	}

	// Age s1 past the cutoff.
	e.mu.Lock()
	entry := e.shards["s1"]
	entry.LastSeen = time.Now().Add(-time.Hour)
	e.shards["s1"] = entry
	e.mu.Unlock()

	if n := e.ExpireBefore(time.Now().Add(-time.Minute)); n != 1 {
		t.Errorf("Dropped %d entries, want 1", n)
	}
	if _, ok := e.Lookup("s1"); ok {
		t.Error("Expired entry must be gone")
	}
	if _, ok := e.Lookup("s2"); !ok {
		t.Error("Fresh entry must remain")
	}
}

func TestErrorsSnapshot(t *testing.T) {
	e := NewErrors()
	e.Record("s1", CreateCollection, errors.New("one"))
	e.Record("s2", DropIndex, errors.New("two"))

	snap := e.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot len = %d, want 2", len(snap))
	}

	e.Clear("s1")
	if len(snap) != 2 {
		t.Error("Snapshot must not track later mutations")
	}
}
