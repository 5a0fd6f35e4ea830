package gc

import (
	"context"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Reachability tracer
// ---------------------------------------------------------------------------

// traceScope bounds traversal. Young-only traces treat old-generation
// records as opaque live boundaries: they are neither marked nor descended
// into, which is what keeps promoted objects out of young collections.
//
// A concurrent trace runs against edge snapshots the mutator may outrun:
// the host can remove an edge and free its target after the tracer copied
// the owner's references. Such stale sightings are skipped, not treated as
// corruption; inside a pause the snapshots are exact and the strict checks
// apply.
type traceScope struct {
	youngOnly  bool
	concurrent bool
}

// abortCheckStride is how many worklist pops a concurrent mark performs
// between cancellation checks.
const abortCheckStride = 256

// effectiveTraceScope maps the cycle scope onto traversal bounds. A young
// cycle against an overflowed remembered set degrades to a full-heap trace;
// the sweep stays scoped, so the result is conservative but exact.
func (h *Heap) effectiveTraceScope(c *CycleReport, scope Scope) traceScope {
	if scope != ScopeYoung {
		return traceScope{}
	}
	if h.remembered.degraded() {
		c.Degraded = true
		h.stats.degradedCycles.Add(1)
		schedLog.Warningf("cycle %d: %s, degrading young collection to full-heap trace", c.Seq, ErrRememberedSetOverflow)
		return traceScope{}
	}
	return traceScope{youngOnly: true}
}

// markSeeds resolves the root snapshot (plus remembered targets for young
// traces), marks each seed, and returns the initial worklist.
func (h *Heap) markSeeds(epoch uint64, ts traceScope) ([]*objectRecord, error) {
	ids := h.roots.CurrentRoots()
	if ts.youngOnly {
		ids = append(ids, h.remembered.allTargets()...)
	}
	return h.seedWorklist(epoch, ts, ids)
}

// seedWorklist resolves and marks a batch of identities. Roots and barrier
// deltas may carry pre-relocation identities, so each one goes through the
// forwarding table first. Under a concurrent scope a seed the mutator has
// freed since the snapshot is skipped; the final pause re-seeds strictly.
func (h *Heap) seedWorklist(epoch uint64, ts traceScope, ids []ObjectID) ([]*objectRecord, error) {
	work := make([]*objectRecord, 0, len(ids))
	for _, id := range ids {
		if id == NilObject {
			continue
		}
		resolved, err := h.forward.resolve(id)
		if err != nil {
			return nil, h.corrupted(err)
		}
		rec := h.table.lookup(resolved)
		if rec == nil {
			if ts.concurrent {
				continue
			}
			return nil, h.corruptedf("root or delta references unknown identity %d", resolved)
		}
		if rec.freed.Load() {
			if ts.concurrent {
				continue
			}
			return nil, h.corruptedf("root or delta references freed identity %d", resolved)
		}
		if ts.youngOnly && rec.gen != GenYoung {
			continue
		}
		if rec.tryMark(epoch) {
			work = append(work, rec)
		}
	}
	return work, nil
}

// pushTarget marks one outgoing edge target and appends it to the worklist.
// Marking is the compare-and-set on the record's epoch word, so revisits of
// shared or cyclic structure fall out here as no-ops.
func (h *Heap) pushTarget(epoch uint64, ts traceScope, target ObjectID, work []*objectRecord) ([]*objectRecord, error) {
	if target == NilObject {
		return work, nil
	}
	rec := h.table.lookup(target)
	if rec == nil {
		if ts.concurrent {
			return work, nil
		}
		return work, h.corruptedf("reference to unknown identity %d", target)
	}
	if rec.freed.Load() {
		if ts.concurrent {
			return work, nil
		}
		return work, h.corruptedf("reference to freed identity %d", target)
	}
	if ts.youngOnly && rec.gen != GenYoung {
		return work, nil
	}
	if rec.tryMark(epoch) {
		work = append(work, rec)
	}
	return work, nil
}

// drainSerial exhausts the worklist depth-first on the calling goroutine.
func (h *Heap) drainSerial(epoch uint64, ts traceScope, work []*objectRecord) error {
	var err error
	for len(work) > 0 {
		rec := work[len(work)-1]
		work = work[:len(work)-1]
		for _, target := range rec.snapshotRefs() {
			work, err = h.pushTarget(epoch, ts, target, work)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// drainParallel exhausts the worklist as a level-synchronized frontier
// shared across workers. The mark word CAS keeps workers from double
// visiting; each level's expansions are gathered per worker and merged, so
// no two workers ever share a slice.
func (h *Heap) drainParallel(epoch uint64, ts traceScope, frontier []*objectRecord, workers int) error {
	for len(frontier) > 0 {
		chunks := chunkRecords(frontier, workers)
		results := make([][]*objectRecord, len(chunks))
		errs := make([]error, len(chunks))

		var wg sync.WaitGroup
		for i := range chunks {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = h.expandChunk(epoch, ts, chunks[i])
			}(i)
		}
		wg.Wait()

		frontier = frontier[:0]
		for i := range chunks {
			if errs[i] != nil {
				return errs[i]
			}
			frontier = append(frontier, results[i]...)
		}
	}
	return nil
}

// expandChunk expands one frontier slice into its freshly marked targets.
func (h *Heap) expandChunk(epoch uint64, ts traceScope, chunk []*objectRecord) ([]*objectRecord, error) {
	var next []*objectRecord
	var err error
	for _, rec := range chunk {
		for _, target := range rec.snapshotRefs() {
			next, err = h.pushTarget(epoch, ts, target, next)
			if err != nil {
				return nil, err
			}
		}
	}
	return next, nil
}

// markSTW runs a complete mark inside a pause.
func (h *Heap) markSTW(c *CycleReport, scope Scope, workers int) error {
	start := time.Now()
	defer func() { c.MarkDuration = time.Since(start) }()

	epoch := h.epoch.Load()
	ts := h.effectiveTraceScope(c, scope)
	work, err := h.markSeeds(epoch, ts)
	if err != nil {
		return err
	}
	if workers > 1 {
		return h.drainParallel(epoch, ts, work, workers)
	}
	return h.drainSerial(epoch, ts, work)
}

// markConcurrent runs a full-scope mark while the mutator continues. The
// write barrier feeds references installed behind the tracer into the delta
// buffer; the loop keeps draining until both worklist and buffer are quiet,
// which keeps the final pause to the stragglers recorded after the last
// sweep of this loop.
func (h *Heap) markConcurrent(ctx context.Context, c *CycleReport) error {
	start := time.Now()
	defer func() { c.MarkDuration = time.Since(start) }()

	epoch := h.epoch.Load()
	ts := traceScope{concurrent: true}
	work, err := h.markSeeds(epoch, ts)
	if err != nil {
		return err
	}

	pops := 0
	for {
		for len(work) > 0 {
			if pops%abortCheckStride == 0 {
				select {
				case <-ctx.Done():
					return errCycleAborted
				default:
				}
			}
			pops++

			rec := work[len(work)-1]
			work = work[:len(work)-1]
			for _, target := range rec.snapshotRefs() {
				work, err = h.pushTarget(epoch, ts, target, work)
				if err != nil {
					return err
				}
			}
		}

		deltas := h.barrier.drainDeltas()
		if len(deltas) == 0 {
			return nil
		}
		work, err = h.seedWorklist(epoch, ts, deltas)
		if err != nil {
			return err
		}
	}
}

// finalMarkPause completes a concurrent mark inside the final pause: the
// barrier deltas recorded since the last drain plus a fresh root snapshot
// (roots added mid-trace are not behind any barrier).
func (h *Heap) finalMarkPause(c *CycleReport) error {
	epoch := h.epoch.Load()
	ts := traceScope{}

	work, err := h.seedWorklist(epoch, ts, h.barrier.drainDeltas())
	if err != nil {
		return err
	}
	rootWork, err := h.markSeeds(epoch, ts)
	if err != nil {
		return err
	}
	work = append(work, rootWork...)
	return h.drainSerial(epoch, ts, work)
}

// chunkRecords splits work into at most n contiguous chunks.
func chunkRecords(work []*objectRecord, n int) [][]*objectRecord {
	if n < 1 {
		n = 1
	}
	if len(work) < n {
		n = len(work)
	}
	chunks := make([][]*objectRecord, 0, n)
	per := (len(work) + n - 1) / n
	for start := 0; start < len(work); start += per {
		end := start + per
		if end > len(work) {
			end = len(work)
		}
		chunks = append(chunks, work[start:end])
	}
	return chunks
}
