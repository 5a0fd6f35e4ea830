package gc

import (
	"sync/atomic"
	"time"
)

// ---------------------------------------------------------------------------
// Engine counters
// ---------------------------------------------------------------------------

// engineStats accumulates lifetime counters. Everything is atomic so both
// mutator paths and collection cycles can bump counters without extra
// locking.
type engineStats struct {
	cycles          atomic.Uint64
	cyclesByTrigger [3]atomic.Uint64

	allocatedObjects atomic.Uint64
	allocatedBytes   atomic.Uint64
	explicitFrees    atomic.Uint64

	reclaimedBytes   atomic.Uint64
	reclaimedObjects atomic.Uint64
	relocatedObjects atomic.Uint64
	promotedObjects  atomic.Uint64

	degradedCycles     atomic.Uint64
	slaViolations      atomic.Uint64
	allocationFailures atomic.Uint64

	totalPauseNanos atomic.Int64
	maxPauseNanos   atomic.Int64
}

func newEngineStats() *engineStats {
	return &engineStats{}
}

// absorb folds a finished cycle's report into the lifetime counters.
// Degraded-cycle and pause-deadline counters are bumped at the point of
// detection, not here.
func (s *engineStats) absorb(c *CycleReport) {
	s.cycles.Add(1)
	if int(c.Trigger) < len(s.cyclesByTrigger) {
		s.cyclesByTrigger[c.Trigger].Add(1)
	}
	s.reclaimedBytes.Add(c.ReclaimedBytes)
	s.reclaimedObjects.Add(uint64(c.ReclaimedObjects))
	s.relocatedObjects.Add(uint64(c.RelocatedObjects))
	s.promotedObjects.Add(uint64(c.PromotedObjects))

	for _, p := range c.Pauses {
		s.recordPause(p)
	}
}

func (s *engineStats) recordPause(d time.Duration) {
	s.totalPauseNanos.Add(int64(d))
	for {
		cur := s.maxPauseNanos.Load()
		if int64(d) <= cur {
			return
		}
		if s.maxPauseNanos.CompareAndSwap(cur, int64(d)) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Public snapshot
// ---------------------------------------------------------------------------

// HeapStats is a point-in-time view of the heap and its lifetime counters.
type HeapStats struct {
	Strategy StrategyKind
	Phase    Phase

	CapacityBytes uint64  // Total heap capacity
	UsedBytes     uint64  // Bytes currently allocated
	Occupancy     float64 // UsedBytes / CapacityBytes
	Fragmentation float64 // Free bytes trapped in interior holes / total free

	YoungUsedBytes uint64 // Zero under region-incremental
	OldUsedBytes   uint64 // Zero under region-incremental

	ResidentObjects   int // Live objects in the table
	ForwardingEntries int // Old identities still resolvable
	RememberedEdges   int // Crossing edges currently tracked
	WeakRefs          int // Registered weak references

	AllocatedObjects uint64 // Lifetime allocations
	AllocatedBytes   uint64
	ExplicitFrees    uint64

	Cycles                  uint64 // Completed collection cycles
	AllocationFailureCycles uint64
	OccupancyCycles         uint64
	ExplicitCycles          uint64

	ReclaimedBytes   uint64
	ReclaimedObjects uint64
	RelocatedObjects uint64
	PromotedObjects  uint64

	DegradedCycles     uint64 // Cycles forced to full trace by overflow
	SLAViolations      uint64 // Pauses that exceeded the deadline
	AllocationFailures uint64 // Allocations that failed even after collecting

	TotalPause time.Duration
	MaxPause   time.Duration
}

// Stats returns a snapshot of heap state and lifetime counters.
func (h *Heap) Stats() HeapStats {
	s := h.stats
	st := HeapStats{
		Strategy: h.opts.Strategy,
		Phase:    h.Phase(),

		CapacityBytes: h.regions.capacity(),
		UsedBytes:     h.regions.usedBytes(),
		Occupancy:     h.regions.occupancy(),

		ResidentObjects:   h.table.count(),
		ForwardingEntries: h.forward.entryCount(),
		RememberedEdges:   h.remembered.edgeCount(),
		WeakRefs:          h.weak.count(),

		AllocatedObjects: s.allocatedObjects.Load(),
		AllocatedBytes:   s.allocatedBytes.Load(),
		ExplicitFrees:    s.explicitFrees.Load(),

		Cycles:                  s.cycles.Load(),
		AllocationFailureCycles: s.cyclesByTrigger[TriggerAllocationFailure].Load(),
		OccupancyCycles:         s.cyclesByTrigger[TriggerOccupancy].Load(),
		ExplicitCycles:          s.cyclesByTrigger[TriggerExplicit].Load(),

		ReclaimedBytes:   s.reclaimedBytes.Load(),
		ReclaimedObjects: s.reclaimedObjects.Load(),
		RelocatedObjects: s.relocatedObjects.Load(),
		PromotedObjects:  s.promotedObjects.Load(),

		DegradedCycles:     s.degradedCycles.Load(),
		SLAViolations:      s.slaViolations.Load(),
		AllocationFailures: s.allocationFailures.Load(),

		TotalPause: time.Duration(s.totalPauseNanos.Load()),
		MaxPause:   time.Duration(s.maxPauseNanos.Load()),
	}

	if h.opts.Strategy.Generational() {
		st.YoungUsedBytes = h.regions.usedBytesOf(GenYoung)
		st.OldUsedBytes = h.regions.usedBytesOf(GenOld)
		st.Fragmentation = h.regions.fragmentation(GenOld)
	} else {
		st.Fragmentation = h.regions.fragmentation(GenNone)
	}
	return st
}
