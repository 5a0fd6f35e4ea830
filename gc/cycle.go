package gc

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Collection cycles: phases, triggers, scopes, reports
// ---------------------------------------------------------------------------

// Phase is the collector's position in the cycle state machine:
// Idle -> Marking -> Reclaiming -> (Compacting|Promoting)? -> Idle.
type Phase uint32

const (
	PhaseIdle Phase = iota
	PhaseMarking
	PhaseReclaiming
	PhaseCompacting
	PhasePromoting
)

// String returns the lowercase phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseMarking:
		return "marking"
	case PhaseReclaiming:
		return "reclaiming"
	case PhaseCompacting:
		return "compacting"
	case PhasePromoting:
		return "promoting"
	default:
		return "unknown"
	}
}

// Trigger names the event that started a cycle.
type Trigger uint8

const (
	// TriggerAllocationFailure: an allocation could not be placed. The
	// requesting goroutine blocks until the cycle completes.
	TriggerAllocationFailure Trigger = iota

	// TriggerOccupancy: heap occupancy crossed the configured high-water
	// mark. Fired by the background watcher for concurrent strategies and
	// checked at allocation for stop-the-world strategies.
	TriggerOccupancy

	// TriggerExplicit: the host asked for a collection.
	TriggerExplicit
)

// String returns the lowercase trigger name.
func (t Trigger) String() string {
	switch t {
	case TriggerAllocationFailure:
		return "allocation-failure"
	case TriggerOccupancy:
		return "occupancy"
	default:
		return "explicit"
	}
}

// Scope names how much of the heap a cycle collects.
type Scope uint8

const (
	// ScopeFull collects the entire heap.
	ScopeFull Scope = iota

	// ScopeYoung collects only the young generation, using the remembered
	// set in place of an old-generation scan.
	ScopeYoung

	// ScopeRegions collects a bounded, garbage-ordered subset of regions.
	ScopeRegions
)

// String returns the lowercase scope name.
func (s Scope) String() string {
	switch s {
	case ScopeYoung:
		return "young"
	case ScopeRegions:
		return "regions"
	default:
		return "full"
	}
}

// CycleReport is the record of one collection cycle, published to the
// in-memory history and every registered Sink when the cycle ends. It is
// observability data only; nothing in the collector feeds off past reports.
type CycleReport struct {
	ID       string
	Seq      uint64
	Strategy StrategyKind
	Trigger  Trigger
	Scope    Scope

	Started  time.Time
	Duration time.Duration

	StartOccupancy float64
	EndOccupancy   float64

	ReclaimedBytes   uint64
	ReclaimedObjects int
	RelocatedObjects int
	PromotedObjects  int
	RegionsCollected int

	MarkDuration    time.Duration
	SweepDuration   time.Duration
	CompactDuration time.Duration
	Pauses          []time.Duration

	// SLAViolation is set when any single pause exceeded the configured
	// deadline. The cycle still completed correctly.
	SLAViolation bool

	// Degraded is set when the cycle ran against an overflowed remembered
	// set and fell back to full-heap scanning.
	Degraded bool

	// Aborted is set when a close request discarded the cycle during
	// Marking. No reclamation happened.
	Aborted bool
}

func newCycleReport(seq uint64, kind StrategyKind, trigger Trigger, scope Scope, occupancy float64) *CycleReport {
	return &CycleReport{
		ID:             uuid.New().String(),
		Seq:            seq,
		Strategy:       kind,
		Trigger:        trigger,
		Scope:          scope,
		Started:        time.Now(),
		StartOccupancy: occupancy,
	}
}

// addPause appends one stop-the-world interval.
func (r *CycleReport) addPause(d time.Duration) {
	r.Pauses = append(r.Pauses, d)
}

// TotalPause returns the summed stop-the-world time of the cycle.
func (r *CycleReport) TotalPause() time.Duration {
	var total time.Duration
	for _, p := range r.Pauses {
		total += p
	}
	return total
}

// MaxPause returns the longest single stop-the-world interval.
func (r *CycleReport) MaxPause() time.Duration {
	var max time.Duration
	for _, p := range r.Pauses {
		if p > max {
			max = p
		}
	}
	return max
}

// Sink receives completed cycle reports. Implementations must not call back
// into the heap from RecordCycle; the scheduler invokes sinks after the
// world has resumed, off the mutator path.
type Sink interface {
	RecordCycle(report CycleReport)
}

// historyRing keeps the most recent cycle reports in memory.
type historyRing struct {
	mu      sync.Mutex
	reports []CycleReport
	max     int
}

func newHistoryRing(max int) *historyRing {
	return &historyRing{max: max}
}

// add appends a report, evicting the oldest beyond capacity.
func (h *historyRing) add(r CycleReport) {
	h.mu.Lock()
	h.reports = append(h.reports, r)
	if len(h.reports) > h.max {
		h.reports = h.reports[len(h.reports)-h.max:]
	}
	h.mu.Unlock()
}

// list returns the retained reports, oldest first.
func (h *historyRing) list() []CycleReport {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]CycleReport, len(h.reports))
	copy(out, h.reports)
	return out
}

// last returns the most recent report, or nil when none completed yet.
func (h *historyRing) last() *CycleReport {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.reports) == 0 {
		return nil
	}
	r := h.reports[len(h.reports)-1]
	return &r
}
