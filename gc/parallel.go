package gc

import (
	"context"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Parallel strategy
// ---------------------------------------------------------------------------

// parallelCollector is the serial cycle with marking and compaction fanned
// out across workers inside the same pause. Marking partitions the frontier
// and relies on the mark word CAS; compaction partitions regions, so each
// worker's destination ranges are the fronts of its own regions and no two
// workers ever overlap.
type parallelCollector struct{}

func (parallelCollector) collect(_ context.Context, h *Heap, c *CycleReport, scope Scope) error {
	workers := h.opts.Workers
	resume := h.stopTheWorld(c)
	defer resume()

	h.setPhase(PhaseMarking)
	if err := h.markSTW(c, scope, workers); err != nil {
		return err
	}

	h.setPhase(PhaseReclaiming)
	if scope == ScopeYoung {
		h.sweepGenerations(c, GenYoung)
	} else {
		h.sweepGenerations(c, GenYoung, GenOld)
	}

	start := time.Now()
	res := newCompactResult()

	// Relocation runs in three barrier-separated steps so no record moves
	// twice: pack the old generation, then promote into the packed space,
	// then pack the young generation.
	if scope == ScopeYoung {
		h.setPhase(PhasePromoting)
	} else {
		h.setPhase(PhaseCompacting)
		oldRes, err := h.compactParallel(h.regions.regionsOf(GenOld), workers)
		if err != nil {
			return err
		}
		res.merge(oldRes)
	}

	promRes, err := h.promoteEligible()
	if err != nil {
		return err
	}
	res.merge(promRes)

	youngRes, err := h.compactParallel(h.regions.regionsOf(GenYoung), workers)
	if err != nil {
		return err
	}
	res.merge(youngRes)

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

// compactParallel slide-compacts the given regions with each worker owning
// a disjoint subset. Workers write only into their own regions, share the
// object table and forwarding table through their internal locks, and hand
// back private results merged after the join.
func (h *Heap) compactParallel(regions []*region, workers int) (*compactResult, error) {
	if len(regions) == 0 {
		return newCompactResult(), nil
	}

	parts := partitionRegions(regions, workers)
	results := make([]*compactResult, len(parts))
	errs := make([]error, len(parts))

	var wg sync.WaitGroup
	for i := range parts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.compactRegions(parts[i], nil)
		}(i)
	}
	wg.Wait()

	res := newCompactResult()
	for i := range parts {
		if errs[i] != nil {
			return nil, errs[i]
		}
		res.merge(results[i])
	}
	return res, nil
}

// promoteEligible relocates every young survivor at or past the promotion
// threshold into the old generation. Runs single threaded between the
// compaction steps so each promoted record's destination is reserved
// exactly once.
func (h *Heap) promoteEligible() (*compactResult, error) {
	res := newCompactResult()
	threshold := h.opts.PromotionThreshold
	promote := h.promoteAllocator()

	for _, r := range h.regions.regionsOf(GenYoung) {
		recs, err := h.residentRecords(r)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if rec.age < threshold {
				continue
			}
			newID := h.table.mint()
			dest, offset, ok := promote(newID, rec.size)
			if !ok {
				log.Warningf("promotion of %d (%d bytes) deferred: old generation full", rec.id, rec.size)
				continue
			}
			h.relocateTo(rec, dest, offset, newID, GenOld)
			r.release(rec.id, rec.offset, rec.size)
			res.moved[rec.id] = newID
			res.promotedIDs = append(res.promotedIDs, newID)
			res.relocated++
			res.promoted++
		}
	}
	return res, nil
}

// partitionRegions deals regions round-robin into at most n disjoint
// subsets.
func partitionRegions(regions []*region, n int) [][]*region {
	if n < 1 {
		n = 1
	}
	if n > len(regions) {
		n = len(regions)
	}
	parts := make([][]*region, n)
	for i, r := range regions {
		parts[i%n] = append(parts[i%n], r)
	}
	return parts
}
