package gc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("oscar.gc")

// ---------------------------------------------------------------------------
// Heap: the collector engine's public face
// ---------------------------------------------------------------------------

// Heap is a garbage-collected object heap. The host runtime allocates
// records, wires references between them, and reports roots through its
// RootProvider; the engine reclaims whatever becomes unreachable, using the
// configured collection strategy.
//
// All exported operations are safe for concurrent use. Mutator-facing calls
// take a shared lease on the world gate; stop-the-world pauses take the
// exclusive side. Identities handed out by Allocate stay valid across
// compaction and promotion: relocated objects are reachable through their
// old identity for a full cycle after the move, and Resolve returns the
// current identity at any time.
type Heap struct {
	opts Options

	world      sync.RWMutex
	roots      RootProvider
	table      *objectTable
	regions    *regionManager
	remembered *rememberedSet
	barrier    *writeBarrier
	forward    *forwardingTable
	weak       *weakRegistry

	epoch atomic.Uint64
	phase atomic.Uint32
	seq   atomic.Uint64

	collector collector
	sched     *scheduler

	history *historyRing
	stats   *engineStats

	// compactPending escalates the next concurrent-mark-sweep cycle to a
	// full compacting pause after fragmentation crossed the limit.
	compactPending atomic.Bool

	finMu      sync.Mutex
	finalizers []func()

	closed  atomic.Bool
	corrupt atomic.Bool
}

// NewHeap builds a heap with the given root provider and options. Zero
// option fields take defaults; see Options.
func NewHeap(roots RootProvider, opts Options) (*Heap, error) {
	if roots == nil {
		return nil, fmt.Errorf("gc: new heap: nil root provider")
	}
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	h := &Heap{
		opts:  opts,
		roots: roots,
		table: newObjectTable(),
	}
	h.remembered = newRememberedSet(opts.RememberedSetLimit)
	h.barrier = newWriteBarrier(opts.Strategy == StrategyRegionIncremental, h.remembered)
	h.regions = newRegionManager(opts)
	h.forward = newForwardingTable()
	h.weak = newWeakRegistry(h)
	h.history = newHistoryRing(opts.HistorySize)
	h.stats = newEngineStats()
	h.collector = newCollector(opts.Strategy)
	h.sched = newScheduler(h)

	log.Infof("heap created: strategy=%s capacity=%d regions=%d workers=%d",
		opts.Strategy, h.regions.capacity(), len(h.regions.all()), opts.Workers)
	return h, nil
}

// Start launches the background occupancy watcher for concurrent
// strategies. Stop-the-world strategies check occupancy at allocation and
// need no watcher, so Start is a no-op for them. Safe to call repeatedly.
func (h *Heap) Start() {
	if !h.opts.Strategy.Concurrent() {
		return
	}
	h.sched.start()
}

// Close stops the watcher, aborts any cycle still in its marking phase,
// waits out a cycle past that point, and runs pending weak-reference
// finalizers. The heap is unusable afterwards. Safe to call repeatedly.
func (h *Heap) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.sched.shutdown()
	h.runFinalizers()
	log.Infof("heap closed: %d objects resident, %d cycles run", h.table.count(), h.stats.cycles.Load())
	return nil
}

// ---------------------------------------------------------------------------
// World gate
// ---------------------------------------------------------------------------

func (h *Heap) enterMutator() { h.world.RLock() }
func (h *Heap) leaveMutator() { h.world.RUnlock() }

// stopTheWorld suspends every mutator-facing operation. The returned resume
// function reopens the world, records the pause on the cycle report, and
// flags pauses that blew the configured deadline. The cycle still counts;
// the deadline is a latency promise, not a correctness gate.
func (h *Heap) stopTheWorld(c *CycleReport) func() {
	h.world.Lock()
	start := time.Now()
	return func() {
		d := time.Since(start)
		h.world.Unlock()
		c.addPause(d)
		if h.opts.PauseDeadline > 0 && d > h.opts.PauseDeadline {
			c.SLAViolation = true
			h.stats.slaViolations.Add(1)
			log.Warningf("cycle %d: pause %s exceeded deadline %s", c.Seq, d, h.opts.PauseDeadline)
		}
	}
}

// ---------------------------------------------------------------------------
// Corruption and lifecycle latches
// ---------------------------------------------------------------------------

// operable gates every public operation.
func (h *Heap) operable() error {
	if h.closed.Load() {
		return ErrHeapClosed
	}
	if h.corrupt.Load() {
		return ErrCorruptGraph
	}
	return nil
}

// corrupted latches the heap into its terminal corrupt state. Corruption
// means the live-object invariant can no longer be trusted, so no further
// allocation or collection is allowed to touch the graph.
func (h *Heap) corrupted(err error) error {
	if h.corrupt.CompareAndSwap(false, true) {
		log.Criticalf("object graph corruption: %s", err)
	}
	return err
}

func (h *Heap) corruptedf(format string, args ...any) error {
	args = append(args, ErrCorruptGraph)
	return h.corrupted(fmt.Errorf("gc: "+format+": %w", args...))
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// Allocate reserves size bytes and returns the new object's identity. When
// no generation can place the request, a synchronous collection runs
// (scoped first, then full); only if space still cannot be found does the
// call fail with ErrOutOfMemory.
func (h *Heap) Allocate(size uint64) (ObjectID, error) {
	if err := h.operable(); err != nil {
		return NilObject, fmt.Errorf("gc: allocate: %w", err)
	}
	if size == 0 || size > h.opts.RegionSize {
		return NilObject, fmt.Errorf("gc: allocate %d bytes: %w", size, ErrInvalidSize)
	}

	// The occupancy trigger is checked before placement: a cycle it starts
	// must never run while this call's object sits unrooted in the heap.
	h.occupancyCheck()

	if id, ok := h.tryAllocate(size); ok {
		return id, nil
	}

	for _, scope := range h.failureScopes() {
		if _, err := h.sched.collectNow(context.Background(), TriggerAllocationFailure, scope); err != nil {
			return NilObject, fmt.Errorf("gc: allocate: %w", err)
		}
		if id, ok := h.tryAllocate(size); ok {
			return id, nil
		}
	}

	h.stats.allocationFailures.Add(1)
	return NilObject, fmt.Errorf("gc: allocate %d bytes: %w", size, ErrOutOfMemory)
}

// tryAllocate is the fast path: one placement attempt under a mutator
// lease. Objects born during a concurrent cycle are pre-marked so the
// in-flight sweep cannot touch them.
func (h *Heap) tryAllocate(size uint64) (ObjectID, bool) {
	h.enterMutator()
	defer h.leaveMutator()

	id := h.table.mint()
	r, offset, ok := h.regions.allocate(h.allocGeneration(), id, size)
	if !ok {
		return NilObject, false
	}
	rec := &objectRecord{
		id:     id,
		size:   size,
		region: r.id,
		offset: offset,
		gen:    r.gen,
	}
	if h.barrier.allocatesBlack() {
		rec.mark.Store(h.epoch.Load())
	}
	h.table.insert(rec)
	h.stats.allocatedObjects.Add(1)
	h.stats.allocatedBytes.Add(size)
	return id, true
}

// allocGeneration returns where fresh objects are born.
func (h *Heap) allocGeneration() Generation {
	if h.opts.Strategy == StrategyRegionIncremental {
		return GenNone
	}
	return GenYoung
}

// failureScopes is the allocation-failure escalation ladder.
func (h *Heap) failureScopes() []Scope {
	if h.opts.Strategy == StrategyRegionIncremental {
		return []Scope{ScopeRegions, ScopeFull}
	}
	return []Scope{ScopeYoung, ScopeFull}
}

// occupancyCheck runs the synchronous occupancy trigger for stop-the-world
// strategies. Concurrent strategies rely on the background watcher instead.
func (h *Heap) occupancyCheck() {
	if h.opts.Strategy.Concurrent() {
		return
	}
	h.sched.observeOccupancy(context.Background(), h.regions.occupancy())
}

// Free explicitly deallocates one object. It exists for hosts that retire
// internal objects eagerly; anything still referencing the freed identity
// turns the next trace into a corruption report, so Free is only safe on
// objects the host knows to be unreachable. One exception: while a
// concurrent mark is running, a tracer snapshot taken before the host
// removed its last edge may still name the freed identity, and such stale
// sightings are skipped rather than reported.
func (h *Heap) Free(id ObjectID) error {
	if err := h.operable(); err != nil {
		return fmt.Errorf("gc: free: %w", err)
	}
	h.enterMutator()
	defer h.leaveMutator()

	rec, err := h.liveRecord(id)
	if err != nil {
		return fmt.Errorf("gc: free: %w", err)
	}
	if h.reclaim(rec) {
		h.stats.explicitFrees.Add(1)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Graph operations
// ---------------------------------------------------------------------------

// liveRecord resolves an identity to its current record. Callers hold a
// mutator lease.
func (h *Heap) liveRecord(id ObjectID) (*objectRecord, error) {
	if id == NilObject {
		return nil, fmt.Errorf("identity 0: %w", ErrUnknownObject)
	}
	resolved, err := h.forward.resolve(id)
	if err != nil {
		return nil, h.corrupted(err)
	}
	rec := h.table.lookup(resolved)
	if rec == nil || rec.freed.Load() {
		return nil, fmt.Errorf("identity %d: %w", id, ErrUnknownObject)
	}
	return rec, nil
}

// AddReference installs one reference edge from owner to target. The write
// barrier records crossing edges and, during concurrent marking, queues the
// target for re-scan, synchronously with the edge write.
func (h *Heap) AddReference(owner, target ObjectID) error {
	if err := h.operable(); err != nil {
		return fmt.Errorf("gc: add reference: %w", err)
	}
	h.enterMutator()
	defer h.leaveMutator()

	ownerRec, err := h.liveRecord(owner)
	if err != nil {
		return fmt.Errorf("gc: add reference: %w", err)
	}
	targetRec, err := h.liveRecord(target)
	if err != nil {
		return fmt.Errorf("gc: add reference: %w", err)
	}

	ownerRec.addRef(targetRec.id)
	h.barrier.onReferenceWrite(ownerRec, targetRec)
	return nil
}

// RemoveReference deletes one occurrence of the edge from owner to target.
func (h *Heap) RemoveReference(owner, target ObjectID) error {
	if err := h.operable(); err != nil {
		return fmt.Errorf("gc: remove reference: %w", err)
	}
	h.enterMutator()
	defer h.leaveMutator()

	ownerRec, err := h.liveRecord(owner)
	if err != nil {
		return fmt.Errorf("gc: remove reference: %w", err)
	}
	targetRec, err := h.liveRecord(target)
	if err != nil {
		return fmt.Errorf("gc: remove reference: %w", err)
	}

	if !ownerRec.removeRef(targetRec.id) {
		return fmt.Errorf("gc: remove reference: no edge %d -> %d", owner, target)
	}
	return nil
}

// References returns the object's outgoing references, resolved to current
// identities.
func (h *Heap) References(id ObjectID) ([]ObjectID, error) {
	if err := h.operable(); err != nil {
		return nil, fmt.Errorf("gc: references: %w", err)
	}
	h.enterMutator()
	defer h.leaveMutator()

	rec, err := h.liveRecord(id)
	if err != nil {
		return nil, fmt.Errorf("gc: references: %w", err)
	}
	refs := rec.snapshotRefs()
	for i, target := range refs {
		resolved, rerr := h.forward.resolve(target)
		if rerr != nil {
			return nil, fmt.Errorf("gc: references: %w", h.corrupted(rerr))
		}
		refs[i] = resolved
	}
	return refs, nil
}

// Resolve follows forwarding to the current identity of id. Hosts use it to
// refresh identities captured before a compacting or promoting cycle.
func (h *Heap) Resolve(id ObjectID) (ObjectID, error) {
	if err := h.operable(); err != nil {
		return NilObject, fmt.Errorf("gc: resolve: %w", err)
	}
	h.enterMutator()
	defer h.leaveMutator()

	rec, err := h.liveRecord(id)
	if err != nil {
		return NilObject, fmt.Errorf("gc: resolve: %w", err)
	}
	return rec.id, nil
}

// Contains reports whether id names a live object, following forwarding.
func (h *Heap) Contains(id ObjectID) bool {
	if h.operable() != nil {
		return false
	}
	h.enterMutator()
	defer h.leaveMutator()
	_, err := h.liveRecord(id)
	return err == nil
}

// SizeOf returns the allocation size of the object.
func (h *Heap) SizeOf(id ObjectID) (uint64, error) {
	if err := h.operable(); err != nil {
		return 0, fmt.Errorf("gc: size of: %w", err)
	}
	h.enterMutator()
	defer h.leaveMutator()

	rec, err := h.liveRecord(id)
	if err != nil {
		return 0, fmt.Errorf("gc: size of: %w", err)
	}
	return rec.size, nil
}

// GenerationOf returns the object's current generation.
func (h *Heap) GenerationOf(id ObjectID) (Generation, error) {
	if err := h.operable(); err != nil {
		return GenNone, fmt.Errorf("gc: generation of: %w", err)
	}
	h.enterMutator()
	defer h.leaveMutator()

	rec, err := h.liveRecord(id)
	if err != nil {
		return GenNone, fmt.Errorf("gc: generation of: %w", err)
	}
	return rec.gen, nil
}

// ---------------------------------------------------------------------------
// Collection entry points
// ---------------------------------------------------------------------------

// Collect runs (or joins) a full collection and returns its report.
func (h *Heap) Collect() (*CycleReport, error) {
	if err := h.operable(); err != nil {
		return nil, fmt.Errorf("gc: collect: %w", err)
	}
	scope := ScopeFull
	return h.sched.collectNow(context.Background(), TriggerExplicit, scope)
}

// CollectYoung runs (or joins) a young-generation collection. Under the
// region-incremental strategy, which has no generations, it runs one
// bounded region cycle instead.
func (h *Heap) CollectYoung() (*CycleReport, error) {
	if err := h.operable(); err != nil {
		return nil, fmt.Errorf("gc: collect young: %w", err)
	}
	scope := ScopeYoung
	if h.opts.Strategy == StrategyRegionIncremental {
		scope = ScopeRegions
	}
	return h.sched.collectNow(context.Background(), TriggerExplicit, scope)
}

// Occupancy returns used/capacity across the whole heap.
func (h *Heap) Occupancy() float64 {
	return h.regions.occupancy()
}

// Phase returns the collector's current phase.
func (h *Heap) Phase() Phase {
	return Phase(h.phase.Load())
}

func (h *Heap) setPhase(p Phase) {
	h.phase.Store(uint32(p))
}

// History returns the retained cycle reports, oldest first.
func (h *Heap) History() []CycleReport {
	return h.history.list()
}

// LastCycle returns the most recent cycle report, or nil.
func (h *Heap) LastCycle() *CycleReport {
	return h.history.last()
}

// ---------------------------------------------------------------------------
// Finalizer queue
// ---------------------------------------------------------------------------

// queueFinalizers stashes weak-reference finalizers collected inside a
// pause; the scheduler runs them after the world resumes.
func (h *Heap) queueFinalizers(fns []func()) {
	if len(fns) == 0 {
		return
	}
	h.finMu.Lock()
	h.finalizers = append(h.finalizers, fns...)
	h.finMu.Unlock()
}

func (h *Heap) runFinalizers() {
	h.finMu.Lock()
	fns := h.finalizers
	h.finalizers = nil
	h.finMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
