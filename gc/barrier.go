package gc

import (
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Write barrier
// ---------------------------------------------------------------------------

// writeBarrier is the bookkeeping run on every reference write. It is owned
// by the heap and handed to mutation paths explicitly; there is no package
// global. Two duties:
//
//   - Crossing edges (old->young, or cross-region for region collection) go
//     into the remembered set, always, synchronously with the write.
//   - During concurrent marking, the new target is also pushed onto the
//     delta buffer (incremental-update policy), so a reference installed
//     behind the tracer's back is re-scanned in the final pause.
//
// The allocate-black window spans marking start through the end of the
// cycle's reclamation, so objects born during a concurrent cycle are never
// swept by it.
type writeBarrier struct {
	regional   bool
	remembered *rememberedSet

	marking    atomic.Bool
	allocBlack atomic.Bool

	mu     sync.Mutex
	deltas []ObjectID
}

func newWriteBarrier(regional bool, remembered *rememberedSet) *writeBarrier {
	return &writeBarrier{
		regional:   regional,
		remembered: remembered,
	}
}

// onReferenceWrite records one reference creation from owner to target.
// Called with the mutator lease held, so record placement is stable.
func (b *writeBarrier) onReferenceWrite(owner, target *objectRecord) {
	if b.regional {
		if owner.region != target.region {
			b.remembered.record(owner.id, target.id)
		}
	} else if owner.gen == GenOld && target.gen == GenYoung {
		b.remembered.record(owner.id, target.id)
	}

	if b.marking.Load() {
		b.mu.Lock()
		b.deltas = append(b.deltas, target.id)
		b.mu.Unlock()
	}
}

// beginMarking opens the concurrent-marking window with an empty delta
// buffer and turns on allocate-black.
func (b *writeBarrier) beginMarking() {
	b.mu.Lock()
	b.deltas = nil
	b.mu.Unlock()
	b.allocBlack.Store(true)
	b.marking.Store(true)
}

// endMarking closes the marking window. Allocate-black stays on until
// endCycle so a concurrent sweep cannot reclaim objects born after the
// final pause.
func (b *writeBarrier) endMarking() {
	b.marking.Store(false)
}

// endCycle closes the allocate-black window.
func (b *writeBarrier) endCycle() {
	b.allocBlack.Store(false)
}

// drainDeltas takes the accumulated delta targets, leaving the buffer empty.
func (b *writeBarrier) drainDeltas() []ObjectID {
	b.mu.Lock()
	out := b.deltas
	b.deltas = nil
	b.mu.Unlock()
	return out
}

// pendingDeltas returns the current buffer length.
func (b *writeBarrier) pendingDeltas() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.deltas)
}

// allocatesBlack reports whether new objects should be born marked.
func (b *writeBarrier) allocatesBlack() bool {
	return b.allocBlack.Load()
}
