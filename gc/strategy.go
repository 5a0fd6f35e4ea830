package gc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Collection strategies
// ---------------------------------------------------------------------------

// StrategyKind selects the collection algorithm. The four strategies share
// the same phase functions (mark, sweep, compact, promote) and differ in
// concurrency mode and pause structure; there is no type hierarchy behind
// them, just this tag and four small drivers.
type StrategyKind uint8

const (
	// StrategySerial collects in one stop-the-world pause spanning the
	// whole cycle, single threaded. Pause time scales with heap size.
	StrategySerial StrategyKind = iota

	// StrategyParallel is Serial with marking and compaction partitioned
	// across workers inside the same single pause.
	StrategyParallel

	// StrategyConcurrentMarkSweep marks while the mutator runs, pauses
	// briefly to re-scan write-barrier deltas, then sweeps without
	// relocation. Fragmentation past the configured limit escalates the
	// next cycle to a full compacting pause.
	StrategyConcurrentMarkSweep

	// StrategyRegionIncremental marks concurrently, then evacuates a
	// bounded, most-garbage-first subset of regions per cycle, so pauses
	// scale with the region budget rather than heap size.
	StrategyRegionIncremental
)

// String returns the canonical strategy name.
func (k StrategyKind) String() string {
	switch k {
	case StrategySerial:
		return "serial"
	case StrategyParallel:
		return "parallel"
	case StrategyConcurrentMarkSweep:
		return "concurrent-mark-sweep"
	case StrategyRegionIncremental:
		return "region-incremental"
	default:
		return fmt.Sprintf("strategy(%d)", uint8(k))
	}
}

// Generational reports whether the strategy splits the heap into young and
// old generations.
func (k StrategyKind) Generational() bool {
	return k != StrategyRegionIncremental
}

// Concurrent reports whether the strategy marks while the mutator runs.
func (k StrategyKind) Concurrent() bool {
	return k == StrategyConcurrentMarkSweep || k == StrategyRegionIncremental
}

// ParseStrategy maps a configuration name to its StrategyKind. Common short
// forms are accepted alongside the canonical names.
func ParseStrategy(name string) (StrategyKind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "serial":
		return StrategySerial, nil
	case "parallel":
		return StrategyParallel, nil
	case "concurrent-mark-sweep", "concurrent", "cms":
		return StrategyConcurrentMarkSweep, nil
	case "region-incremental", "regional", "regions":
		return StrategyRegionIncremental, nil
	default:
		return 0, fmt.Errorf("gc: unknown strategy %q", name)
	}
}

// collector is one strategy's cycle driver. The scheduler guarantees a
// single collect call is active at a time.
type collector interface {
	collect(ctx context.Context, h *Heap, c *CycleReport, scope Scope) error
}

func newCollector(kind StrategyKind) collector {
	switch kind {
	case StrategyParallel:
		return &parallelCollector{}
	case StrategyConcurrentMarkSweep:
		return &cmsCollector{}
	case StrategyRegionIncremental:
		return &regionalCollector{}
	default:
		return &serialCollector{}
	}
}

// ---------------------------------------------------------------------------
// Shared phase functions
// ---------------------------------------------------------------------------

// reclaim destroys one record: the slot returns to its region, the identity
// leaves the table, and any remembered edges it owned are dropped.
func (h *Heap) reclaim(rec *objectRecord) bool {
	if !rec.freed.CompareAndSwap(false, true) {
		return false
	}
	h.table.remove(rec.id)
	h.regions.region(rec.region).release(rec.id, rec.offset, rec.size)
	h.remembered.dropOwner(rec.id)
	return true
}

// sweepGenerations reclaims every unmarked record in the given generations,
// ages young survivors, and refreshes per-region live-byte accounting.
func (h *Heap) sweepGenerations(c *CycleReport, gens ...Generation) {
	start := time.Now()
	epoch := h.epoch.Load()

	var include [3]bool
	for _, g := range gens {
		include[g] = true
	}

	liveByRegion := make(map[RegionID]uint64)
	var reclaimedBytes uint64
	reclaimedObjects := 0

	for _, rec := range h.table.all() {
		if !include[rec.gen] {
			continue
		}
		if rec.markedIn(epoch) {
			if rec.gen == GenYoung {
				rec.age++
			}
			liveByRegion[rec.region] += rec.size
			continue
		}
		if h.reclaim(rec) {
			reclaimedBytes += rec.size
			reclaimedObjects++
		}
	}

	for _, g := range gens {
		for _, r := range h.regions.regionsOf(g) {
			r.setLiveBytes(liveByRegion[r.id])
		}
	}

	h.queueFinalizers(h.weak.sweepDead())

	c.ReclaimedBytes += reclaimedBytes
	c.ReclaimedObjects += reclaimedObjects
	c.SweepDuration += time.Since(start)
}

// rewriteAll remaps every outgoing reference, remembered edge, root entry,
// and weak handle through the moved table. Runs inside a pause, optionally
// sharded across workers.
func (h *Heap) rewriteAll(moved map[ObjectID]ObjectID, workers int) {
	if len(moved) == 0 {
		return
	}
	recs := h.table.all()
	if workers > 1 && len(recs) > workers {
		chunks := chunkRecords(recs, workers)
		var wg sync.WaitGroup
		for _, chunk := range chunks {
			wg.Add(1)
			go func(chunk []*objectRecord) {
				defer wg.Done()
				for _, rec := range chunk {
					rec.remapRefs(moved)
				}
			}(chunk)
		}
		wg.Wait()
	} else {
		for _, rec := range recs {
			rec.remapRefs(moved)
		}
	}
	h.remembered.remap(moved)
	h.rewriteRoots(moved)
	h.weak.remap(moved)
}

// rewriteRoots updates providers that expose rewritable storage. Others
// keep resolving retired identities through the forwarding table.
func (h *Heap) rewriteRoots(moved map[ObjectID]ObjectID) {
	if rw, ok := h.roots.(RootRewriter); ok {
		rw.RewriteRoots(moved)
	}
}

// rebuildRemembered recomputes the remembered set exactly from the live
// graph. Full cycles call it to clear overflow degradation.
func (h *Heap) rebuildRemembered() {
	regional := h.barrier.regional
	edges := make(map[ObjectID][]ObjectID)

	for _, rec := range h.table.all() {
		for _, target := range rec.snapshotRefs() {
			other := h.table.lookup(target)
			if other == nil {
				continue
			}
			if regional {
				if rec.region != other.region {
					edges[rec.id] = append(edges[rec.id], target)
				}
			} else if rec.gen == GenOld && other.gen == GenYoung {
				edges[rec.id] = append(edges[rec.id], target)
			}
		}
	}
	h.remembered.rebuild(edges)
}

// liveBytesByRegion sums marked bytes per region at the current epoch.
// Region selection uses it to compute garbage ratios before evacuation.
func (h *Heap) liveBytesByRegion() map[RegionID]uint64 {
	epoch := h.epoch.Load()
	live := make(map[RegionID]uint64)
	for _, rec := range h.table.all() {
		if rec.markedIn(epoch) {
			live[rec.region] += rec.size
		}
	}
	return live
}
