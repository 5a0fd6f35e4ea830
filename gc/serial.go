package gc

import (
	"context"
	"time"
)

// ---------------------------------------------------------------------------
// Serial strategy
// ---------------------------------------------------------------------------

// serialCollector runs the classic generational cycle inside a single pause
// on the calling goroutine: mark, sweep, then slide-compact with promotion.
type serialCollector struct{}

func (serialCollector) collect(_ context.Context, h *Heap, c *CycleReport, scope Scope) error {
	return collectSTW(h, c, scope)
}

// collectSTW is the single-threaded stop-the-world cycle. The serial
// strategy uses it for every cycle; concurrent-mark-sweep reuses it for
// young minors and for escalated full compactions.
func collectSTW(h *Heap, c *CycleReport, scope Scope) error {
	resume := h.stopTheWorld(c)
	defer resume()

	h.setPhase(PhaseMarking)
	if err := h.markSTW(c, scope, 1); err != nil {
		return err
	}

	h.setPhase(PhaseReclaiming)
	if scope == ScopeYoung {
		h.sweepGenerations(c, GenYoung)
	} else {
		h.sweepGenerations(c, GenYoung, GenOld)
	}

	return relocateSTW(h, c, scope, 1)
}

// relocateSTW is the optional relocation phase of a generational pause.
// Young cycles slide the young regions and promote eligible survivors; full
// cycles compact the old generation first so promotions land behind already
// packed old survivors and nothing relocates twice in one cycle.
func relocateSTW(h *Heap, c *CycleReport, scope Scope, workers int) error {
	start := time.Now()

	var victims []*region
	if scope == ScopeYoung {
		h.setPhase(PhasePromoting)
	} else {
		h.setPhase(PhaseCompacting)
		victims = append(victims, h.regions.regionsOf(GenOld)...)
	}
	victims = append(victims, h.regions.regionsOf(GenYoung)...)

	res, err := h.compactRegions(victims, h.promoteAllocator())
	if err != nil {
		return err
	}

	h.rewriteAll(res.moved, workers)
	if scope == ScopeYoung {
		h.recordPromotedEdges(res.promotedIDs)
	} else {
		h.rebuildRemembered()
	}

	c.RelocatedObjects += res.relocated
	c.PromotedObjects += res.promoted
	c.CompactDuration += time.Since(start)
	return nil
}
