package gc

import (
	"context"
)

// ---------------------------------------------------------------------------
// Concurrent mark-sweep strategy
// ---------------------------------------------------------------------------

// cmsCollector marks while the mutator runs, pauses briefly to re-scan the
// write-barrier deltas, then sweeps without relocation. Young cycles and
// fragmentation-escalated cycles fall back to the stop-the-world path, so
// promotion and defragmentation still happen, just never during a
// concurrent cycle.
type cmsCollector struct{}

func (cmsCollector) collect(ctx context.Context, h *Heap, c *CycleReport, scope Scope) error {
	if scope == ScopeYoung {
		return collectSTW(h, c, ScopeYoung)
	}
	if h.compactPending.CompareAndSwap(true, false) {
		schedLog.Infof("cycle %d: fragmentation escalation, compacting in a full pause", c.Seq)
		return collectSTW(h, c, ScopeFull)
	}

	h.setPhase(PhaseMarking)
	h.barrier.beginMarking()

	if err := h.markConcurrent(ctx, c); err != nil {
		h.barrier.endMarking()
		h.barrier.endCycle()
		return err
	}

	// The final pause drains stragglers recorded behind the tracer and
	// stops delta recording before the world resumes. An overflowed
	// remembered set is rebuilt here too, while the graph cannot move.
	resume := h.stopTheWorld(c)
	err := h.finalMarkPause(c)
	if err == nil && h.remembered.degraded() {
		h.rebuildRemembered()
	}
	h.barrier.endMarking()
	resume()
	if err != nil {
		h.barrier.endCycle()
		return err
	}

	// Sweep runs with the world resumed. Records born during the sweep are
	// allocate-black, so the sweep can never observe them unmarked.
	h.setPhase(PhaseReclaiming)
	h.sweepGenerations(c, GenYoung, GenOld)
	h.barrier.endCycle()

	frag := h.regions.fragmentation(GenOld)
	if frag > h.opts.FragmentationLimit && h.compactPending.CompareAndSwap(false, true) {
		schedLog.Warningf("cycle %d: old generation fragmentation %.3f exceeds limit %.3f, next full cycle will compact",
			c.Seq, frag, h.opts.FragmentationLimit)
	}
	return nil
}
