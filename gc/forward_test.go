package gc

import (
	"errors"
	"testing"
)

// TestForwardingResolvesChains verifies multi-hop resolution across the two
// retained entry generations.
func TestForwardingResolvesChains(t *testing.T) {
	f := newForwardingTable()

	f.install(1, 2)
	f.advance() // entry for 1 moves to the prior generation
	f.install(2, 3)

	got, err := f.resolve(1)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if got != 3 {
		t.Errorf("resolve(1) = %d, want 3", got)
	}

	// Identities with no entry resolve to themselves.
	if got, _ := f.resolve(7); got != 7 {
		t.Errorf("resolve(7) = %d, want 7", got)
	}
}

// TestForwardingEntriesAge verifies entries vanish two advances after
// installation.
func TestForwardingEntriesAge(t *testing.T) {
	f := newForwardingTable()
	f.install(1, 2)

	f.advance()
	if got, _ := f.resolve(1); got != 2 {
		t.Fatalf("entry lost after one advance: resolve(1) = %d", got)
	}

	f.advance()
	if got, _ := f.resolve(1); got != 1 {
		t.Errorf("entry survived two advances: resolve(1) = %d, want 1", got)
	}
	if f.entryCount() != 0 {
		t.Errorf("entryCount = %d, want 0", f.entryCount())
	}
}

// TestForwardingCycleDetected verifies a forwarding loop is reported as
// graph corruption rather than spinning.
func TestForwardingCycleDetected(t *testing.T) {
	f := newForwardingTable()
	f.install(1, 2)
	f.install(2, 1)

	if _, err := f.resolve(1); !errors.Is(err, ErrCorruptGraph) {
		t.Errorf("resolve of forwarding loop = %v, want ErrCorruptGraph", err)
	}
}

// TestForwardingCycleLatchesHeap verifies the heap goes terminal when a
// resolve hits a forwarding loop.
func TestForwardingCycleLatchesHeap(t *testing.T) {
	h, _ := newTestHeap(t, Options{})
	id := mustAlloc(t, h, 64)

	h.forward.install(id, id+1)
	h.forward.install(id+1, id)

	if _, err := h.Resolve(id); !errors.Is(err, ErrCorruptGraph) {
		t.Fatalf("Resolve over loop = %v, want ErrCorruptGraph", err)
	}
	// Every subsequent operation fails the same way.
	if _, err := h.Allocate(10); !errors.Is(err, ErrCorruptGraph) {
		t.Errorf("Allocate after corruption = %v, want ErrCorruptGraph", err)
	}
	if _, err := h.Collect(); !errors.Is(err, ErrCorruptGraph) {
		t.Errorf("Collect after corruption = %v, want ErrCorruptGraph", err)
	}
}

// TestTryMarkIdempotent verifies the mark word CAS: first mark wins, the
// revisit is a no-op, and a new epoch marks again.
func TestTryMarkIdempotent(t *testing.T) {
	rec := &objectRecord{id: 1}

	if !rec.tryMark(1) {
		t.Fatal("first mark failed")
	}
	if rec.tryMark(1) {
		t.Error("revisit marked again within the same epoch")
	}
	if !rec.markedIn(1) {
		t.Error("record not marked in its epoch")
	}
	if rec.markedIn(2) {
		t.Error("record marked in a future epoch")
	}
	if !rec.tryMark(2) {
		t.Error("mark at a new epoch failed")
	}
}

// TestRecordReferenceMultiset verifies duplicate edges are tracked
// individually and removed one at a time.
func TestRecordReferenceMultiset(t *testing.T) {
	rec := &objectRecord{id: 1}
	rec.addRef(9)
	rec.addRef(9)

	if got := len(rec.snapshotRefs()); got != 2 {
		t.Fatalf("reference count = %d, want 2", got)
	}
	if !rec.removeRef(9) {
		t.Fatal("removeRef failed")
	}
	if got := len(rec.snapshotRefs()); got != 1 {
		t.Errorf("reference count after one removal = %d, want 1", got)
	}
	if !rec.removeRef(9) {
		t.Fatal("second removeRef failed")
	}
	if rec.removeRef(9) {
		t.Error("removeRef succeeded on an absent edge")
	}
}

// TestChunkRecords verifies worklist partitioning covers everything exactly
// once for awkward sizes.
func TestChunkRecords(t *testing.T) {
	recs := make([]*objectRecord, 7)
	for i := range recs {
		recs[i] = &objectRecord{id: ObjectID(i + 1)}
	}

	for _, workers := range []int{1, 2, 3, 7, 10} {
		chunks := chunkRecords(recs, workers)
		seen := make(map[ObjectID]bool)
		for _, chunk := range chunks {
			for _, rec := range chunk {
				if seen[rec.id] {
					t.Errorf("workers=%d: record %d appears twice", workers, rec.id)
				}
				seen[rec.id] = true
			}
		}
		if len(seen) != len(recs) {
			t.Errorf("workers=%d: %d records covered, want %d", workers, len(seen), len(recs))
		}
	}
}
