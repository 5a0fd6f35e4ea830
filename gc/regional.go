package gc

import (
	"context"
	"sort"
	"time"
)

// ---------------------------------------------------------------------------
// Region-incremental strategy
// ---------------------------------------------------------------------------

// regionalCollector marks the whole heap concurrently, then evacuates a
// bounded, most-garbage-first subset of regions inside one short pause.
// Reference fixup after evacuation touches only remembered-set owners, the
// evacuated records, and stranded survivors, never the whole heap, so the
// pause scales with the region budget.
type regionalCollector struct{}

func (regionalCollector) collect(ctx context.Context, h *Heap, c *CycleReport, scope Scope) error {
	h.setPhase(PhaseMarking)
	h.barrier.beginMarking()

	if err := h.markConcurrent(ctx, c); err != nil {
		h.barrier.endMarking()
		h.barrier.endCycle()
		return err
	}

	resume := h.stopTheWorld(c)
	err := h.finalMarkPause(c)
	h.barrier.endMarking()
	if err == nil {
		err = h.collectRegionsLocked(c, scope)
	}
	resume()
	h.barrier.endCycle()
	return err
}

// collectRegionsLocked runs the reclamation half of a region cycle inside
// the pause. A bounded cycle evacuates the selected victims; a full cycle
// sweeps every region in place instead, which frees the most bytes without
// needing destination space, exactly what the out-of-memory escalation
// path wants.
func (h *Heap) collectRegionsLocked(c *CycleReport, scope Scope) error {
	degraded := h.remembered.degraded()
	if degraded {
		c.Degraded = true
		h.stats.degradedCycles.Add(1)
		schedLog.Warningf("cycle %d: %s, region fixup degrading to full-heap rewrite", c.Seq, ErrRememberedSetOverflow)
	}

	h.setPhase(PhaseReclaiming)
	if scope != ScopeRegions {
		h.sweepGenerations(c, GenNone)
		c.RegionsCollected = len(h.regions.all())
		if degraded {
			h.rebuildRemembered()
		}
		return nil
	}

	sweepStart := time.Now()
	victims := h.selectVictims(h.opts.RegionsPerCycle)
	if len(victims) == 0 {
		c.SweepDuration += time.Since(sweepStart)
		return nil
	}

	victimSet := make(map[RegionID]struct{}, len(victims))
	for _, r := range victims {
		victimSet[r.id] = struct{}{}
	}

	// Owners must be captured before evacuation, while their targets still
	// reside in the victim regions.
	var owners []ObjectID
	if !degraded {
		owners = h.remembered.ownersInto(victimSet, func(id ObjectID) (RegionID, bool) {
			rec := h.table.lookup(id)
			if rec == nil {
				return 0, false
			}
			return rec.region, true
		})
	}

	res, err := h.evacuateRegions(c, victims)
	if err != nil {
		return err
	}
	c.SweepDuration += time.Since(sweepStart)

	h.setPhase(PhaseCompacting)
	compactStart := time.Now()
	if degraded {
		h.rewriteAll(res.moved, 1)
		h.rebuildRemembered()
	} else {
		h.rewriteTargeted(res.moved, owners, victims)
	}
	c.RelocatedObjects += res.relocated
	c.CompactDuration += time.Since(compactStart)
	return nil
}

// selectVictims ranks regions most-garbage-first and returns at most limit
// of them. Garbage is resident bytes minus bytes marked this epoch; the
// score is garbage over region capacity. Ties break toward the lowest
// region id, so selection is deterministic.
func (h *Heap) selectVictims(limit int) []*region {
	live := h.liveBytesByRegion()

	type scored struct {
		r     *region
		ratio float64
	}
	var cands []scored
	for _, r := range h.regions.all() {
		used := r.usedBytes()
		if used <= live[r.id] {
			continue // nothing to reclaim here
		}
		garbage := used - live[r.id]
		cands = append(cands, scored{r, float64(garbage) / float64(r.capacity)})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].ratio != cands[j].ratio {
			return cands[i].ratio > cands[j].ratio
		}
		return cands[i].r.id < cands[j].r.id
	})

	if limit > 0 && len(cands) > limit {
		cands = cands[:limit]
	}
	out := make([]*region, len(cands))
	for i, s := range cands {
		out[i] = s.r
	}
	return out
}

// rewriteTargeted remaps references on just the records that can point into
// the collected regions: remembered owners, the evacuated clones (whose
// copied references may name co-evacuated neighbors), and stranded
// survivors left behind in the victims.
//
// Evacuation can turn a formerly intra-region edge into a crossing one
// without the write barrier ever seeing it, so every rewritten record
// re-records its crossing edges here; the next bounded cycle's owner lookup
// depends on them.
func (h *Heap) rewriteTargeted(moved map[ObjectID]ObjectID, owners []ObjectID, victims []*region) {
	if len(moved) == 0 {
		return
	}
	seen := make(map[ObjectID]struct{}, len(owners)+len(moved))
	fix := func(id ObjectID) {
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		rec := h.table.lookup(id)
		if rec == nil {
			return
		}
		rec.remapRefs(moved)
		for _, target := range rec.snapshotRefs() {
			if t := h.table.lookup(target); t != nil && t.region != rec.region {
				h.remembered.record(rec.id, target)
			}
		}
	}

	for _, id := range owners {
		fix(id)
	}
	for _, nid := range moved {
		fix(nid)
	}
	for _, r := range victims {
		for _, id := range r.residentIDs() {
			fix(id)
		}
	}

	h.remembered.remap(moved)
	h.rewriteRoots(moved)
	h.weak.remap(moved)
}
