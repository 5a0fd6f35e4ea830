package gc

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// TestConcurrentMarkSweepDoesNotRelocate verifies the CMS fast path: a full
// cycle reclaims garbage by sweeping in place, never moving survivors.
func TestConcurrentMarkSweepDoesNotRelocate(t *testing.T) {
	h, roots := newTestHeap(t, Options{Strategy: StrategyConcurrentMarkSweep})

	keep := mustAlloc(t, h, 100)
	roots.Add(keep)
	mustAlloc(t, h, 100)
	mustAlloc(t, h, 100)

	report := mustCollect(t, h)

	if report.ReclaimedObjects != 2 {
		t.Errorf("reclaimed %d objects, want 2", report.ReclaimedObjects)
	}
	if report.RelocatedObjects != 0 {
		t.Errorf("CMS cycle relocated %d objects, want 0", report.RelocatedObjects)
	}
	if resolved, _ := h.Resolve(keep); resolved != keep {
		t.Errorf("survivor identity changed %d -> %d without compaction", keep, resolved)
	}
	// The sweep leaves holes behind rather than packing; the identity and
	// slot of the survivor are untouched.
	if !h.Contains(keep) {
		t.Error("survivor reclaimed")
	}
}

// TestWriteBarrierDeltaDuringMarking verifies the incremental-update
// barrier: a reference installed while marking is active lands in the delta
// buffer and gets drained.
func TestWriteBarrierDeltaDuringMarking(t *testing.T) {
	h, roots := newTestHeap(t, Options{Strategy: StrategyConcurrentMarkSweep})

	a := mustAlloc(t, h, 50)
	b := mustAlloc(t, h, 50)
	roots.Add(a)

	h.barrier.beginMarking()
	mustLink(t, h, a, b)
	if got := h.barrier.pendingDeltas(); got != 1 {
		t.Errorf("pending deltas = %d, want 1", got)
	}

	deltas := h.barrier.drainDeltas()
	if len(deltas) != 1 || deltas[0] != b {
		t.Errorf("drained deltas = %v, want [%d]", deltas, b)
	}
	if got := h.barrier.pendingDeltas(); got != 0 {
		t.Errorf("pending deltas after drain = %d, want 0", got)
	}

	// Outside the marking window no deltas accumulate, but remembered-set
	// recording is unconditional.
	h.barrier.endMarking()
	h.barrier.endCycle()
	mustLink(t, h, b, a)
	if got := h.barrier.pendingDeltas(); got != 0 {
		t.Errorf("barrier buffered deltas outside marking: %d", got)
	}
}

// TestAllocateBlackDuringMarking verifies objects born inside the marking
// window carry the current epoch and survive the in-flight cycle's sweep.
func TestAllocateBlackDuringMarking(t *testing.T) {
	h, _ := newTestHeap(t, Options{Strategy: StrategyConcurrentMarkSweep})

	h.epoch.Add(1)
	h.barrier.beginMarking()
	defer h.barrier.endCycle()

	id := mustAlloc(t, h, 64)
	rec := h.table.lookup(id)
	if rec == nil {
		t.Fatal("allocation missing from table")
	}
	if !rec.markedIn(h.epoch.Load()) {
		t.Error("object born during marking is not allocate-black")
	}
}

// TestFragmentationEscalatesToCompaction fragments the old generation with
// a CMS sweep and verifies the next full cycle runs as a compacting pause.
func TestFragmentationEscalatesToCompaction(t *testing.T) {
	h, roots := newTestHeap(t, Options{
		Strategy:           StrategyConcurrentMarkSweep,
		YoungCapacity:      4096,
		OldCapacity:        2048,
		RegionSize:         2048,
		PromotionThreshold: 1,
		FragmentationLimit: 0.25,
	})

	// Eight rooted objects, promoted to the old generation in one young
	// cycle at threshold 1.
	var ids []ObjectID
	for i := 0; i < 8; i++ {
		id := mustAlloc(t, h, 200)
		roots.Add(id)
		ids = append(ids, id)
	}
	report := mustCollectYoung(t, h)
	if report.PromotedObjects != 8 {
		t.Fatalf("promoted %d objects, want 8", report.PromotedObjects)
	}

	// Drop the first four so the sweep punches a hole at the front of the
	// old region, well away from the bump tail.
	for i := 0; i < 4; i++ {
		if !roots.Remove(currentRoot(t, roots, 0)) {
			t.Fatal("failed to drop root")
		}
	}

	first := mustCollect(t, h)
	if first.RelocatedObjects != 0 {
		t.Fatalf("first CMS cycle relocated %d objects, want 0", first.RelocatedObjects)
	}
	if first.ReclaimedObjects != 4 {
		t.Fatalf("first CMS cycle reclaimed %d objects, want 4", first.ReclaimedObjects)
	}
	if !h.compactPending.Load() {
		frag := h.regions.fragmentation(GenOld)
		t.Fatalf("fragmentation %.3f did not arm compaction", frag)
	}

	second := mustCollect(t, h)
	if second.RelocatedObjects == 0 {
		t.Error("escalated cycle relocated nothing, want a compacting pass")
	}
	if h.compactPending.Load() {
		t.Error("compaction still pending after the escalated cycle")
	}
	if frag := h.regions.fragmentation(GenOld); frag > h.opts.FragmentationLimit {
		t.Errorf("fragmentation %.3f still above limit after compaction", frag)
	}

	// All four survivors remain reachable through their roots.
	for i := 0; i < 4; i++ {
		if !h.Contains(currentRoot(t, roots, i)) {
			t.Errorf("survivor root %d no longer resolves", i)
		}
	}
}

// TestConcurrentCycleWithRunningMutator races a mutator against concurrent
// collection cycles and checks that no rooted object is ever lost. The
// interleaving varies run to run; the soundness property must not.
func TestConcurrentCycleWithRunningMutator(t *testing.T) {
	h, roots := newTestHeap(t, Options{
		Strategy:      StrategyConcurrentMarkSweep,
		YoungCapacity: 256 << 10,
		OldCapacity:   256 << 10,
	})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		prev := NilObject
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			id, err := h.Allocate(64)
			if err != nil {
				continue
			}
			if i%3 == 0 {
				roots.Add(id)
				prev = id
			} else if prev != NilObject {
				// Linking may race a relocation-free cycle; the only
				// acceptable failure is a stale identity.
				_ = h.AddReference(prev, id)
			}
		}
	}()

	for i := 0; i < 10; i++ {
		mustCollect(t, h)
	}
	close(stop)
	wg.Wait()

	for _, id := range roots.CurrentRoots() {
		if !h.Contains(id) {
			t.Errorf("rooted object %d lost during concurrent collection", id)
		}
	}
}

// TestAbortDuringMarking cancels a concurrent cycle before marking finishes
// and verifies the cycle reports aborted with nothing reclaimed, while the
// next cycle proceeds normally.
func TestAbortDuringMarking(t *testing.T) {
	h, roots := newTestHeap(t, Options{Strategy: StrategyConcurrentMarkSweep})

	keep := mustAlloc(t, h, 100)
	roots.Add(keep)
	mustAlloc(t, h, 100) // garbage

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := h.sched.collectNow(ctx, TriggerExplicit, ScopeFull)
	if err != nil {
		t.Fatalf("aborted cycle returned error: %v", err)
	}
	if !report.Aborted {
		t.Fatal("cycle not flagged aborted")
	}
	if report.ReclaimedBytes != 0 {
		t.Errorf("aborted cycle reclaimed %d bytes, want 0", report.ReclaimedBytes)
	}

	// Discarded marks must not leak into the next cycle.
	next := mustCollect(t, h)
	if next.Aborted {
		t.Fatal("follow-up cycle aborted")
	}
	if next.ReclaimedObjects != 1 {
		t.Errorf("follow-up cycle reclaimed %d objects, want 1", next.ReclaimedObjects)
	}
	if !h.Contains(keep) {
		t.Error("rooted object lost across abort and retry")
	}
}

// TestConcurrentTraceToleratesStaleEdgeSnapshot covers the race between the
// tracer and an eager host: the host removes an edge and frees its target
// after the tracer copied the owner's references. A concurrent trace skips
// the stale sighting; inside a pause the same edge is genuine corruption.
func TestConcurrentTraceToleratesStaleEdgeSnapshot(t *testing.T) {
	h, roots := newTestHeap(t, Options{Strategy: StrategyConcurrentMarkSweep})

	owner := mustAlloc(t, h, 64)
	roots.Add(owner)
	target := mustAlloc(t, h, 64)
	mustLink(t, h, owner, target)

	if err := h.RemoveReference(owner, target); err != nil {
		t.Fatalf("RemoveReference failed: %v", err)
	}
	if err := h.Free(target); err != nil {
		t.Fatalf("Free failed: %v", err)
	}

	epoch := h.epoch.Add(1)
	work, err := h.pushTarget(epoch, traceScope{concurrent: true}, target, nil)
	if err != nil {
		t.Fatalf("concurrent push of freed target = %v, want skip", err)
	}
	if len(work) != 0 {
		t.Errorf("freed target queued for marking, worklist %v", work)
	}

	if _, err := h.pushTarget(epoch, traceScope{}, target, nil); !errors.Is(err, ErrCorruptGraph) {
		t.Errorf("strict push of freed target = %v, want ErrCorruptGraph", err)
	}
}
