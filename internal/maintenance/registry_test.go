package maintenance

import (
	"fmt"
	"sync"
	"testing"
)

func testAction(name string) *ActionDescription {
	return mustAction(map[string]string{PropName: name}, NormalPriority, false, nil)
}

func TestRegistryTryStartAndComplete(t *testing.T) {
	r := NewActionRegistry()

	first := testAction(CreateCollection)
	if !r.TryStart("s1", first) {
		t.Fatal("TryStart on free key must succeed")
	}
	if r.TryStart("s1", testAction(UpdateCollection)) {
		t.Error("TryStart on busy key must fail")
	}
	if !r.TryStart("s2", testAction(UpdateCollection)) {
		t.Error("Other keys stay free")
	}

	got, ok := r.InFlight("s1")
	if !ok || got.ID() != first.ID() {
		t.Errorf("InFlight(s1) = %v, %v", got, ok)
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}

	r.Complete("s1")
	if _, ok := r.InFlight("s1"); ok {
		t.Error("Completed key must be free")
	}
	if !r.TryStart("s1", testAction(DropCollection)) {
		t.Error("TryStart after Complete must succeed")
	}
}

// Exactly one goroutine may win the lock for a key.
func TestRegistryConcurrentTryStart(t *testing.T) {
	r := NewActionRegistry()

	const goroutines = 32
	var wg sync.WaitGroup
	wins := make(chan int, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if r.TryStart("s1", testAction(UpdateCollection)) {
				wins <- n
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	if count != 1 {
		t.Errorf("Expected exactly 1 winner, got %d", count)
	}
}

func TestRegistrySnapshotIsDetached(t *testing.T) {
	r := NewActionRegistry()
	for i := 0; i < 3; i++ {
		r.TryStart(fmt.Sprintf("s%d", i), testAction(EnsureIndex))
	}

	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("Snapshot len = %d, want 3", len(snap))
	}

	r.Complete("s0")
	if len(snap) != 3 {
		t.Error("Snapshot must not track later mutations")
	}
}
