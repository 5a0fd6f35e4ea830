package gc

import (
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Object model: identities, generations, records
// ---------------------------------------------------------------------------

// ObjectID identifies one allocation. Identities behave like abstract
// addresses: compaction and promotion relocate a record under a fresh
// identity and leave a forwarding entry from the old one, so an identity
// held across a cycle stays resolvable. The zero value never names an object.
type ObjectID uint64

// NilObject is the null object identity.
const NilObject ObjectID = 0

// RegionID identifies a heap region. Regions are carved once at heap
// construction and keep their identity for the heap's lifetime.
type RegionID uint32

// Generation tags regions and objects with their generational placement.
type Generation uint8

const (
	// GenNone is used by region-based collection, which manages the heap as
	// a flat set of regions with no young/old split.
	GenNone Generation = iota

	// GenYoung holds fresh allocations.
	GenYoung

	// GenOld holds objects promoted after surviving enough young cycles.
	GenOld
)

// String returns the lowercase generation name.
func (g Generation) String() string {
	switch g {
	case GenYoung:
		return "young"
	case GenOld:
		return "old"
	default:
		return "none"
	}
}

// objectRecord is the collector's view of one allocation: identity,
// placement, survival age, and outgoing references.
//
// The mark word holds the epoch of the last cycle that reached the record.
// It is the only field the collector mutates while the mutator runs, always
// via compare-and-swap. The reference list is guarded by the record mutex.
// Placement (region, offset, gen) and age change only inside pauses.
type objectRecord struct {
	id     ObjectID
	size   uint64
	region RegionID
	offset uint64
	gen    Generation
	age    uint32

	mark  atomic.Uint64
	freed atomic.Bool

	mu   sync.Mutex
	refs []ObjectID
}

// tryMark transitions the record's mark word to epoch. It returns false when
// the record already carries the epoch, making revisits of shared or cyclic
// structure no-ops.
func (r *objectRecord) tryMark(epoch uint64) bool {
	for {
		old := r.mark.Load()
		if old == epoch {
			return false
		}
		if r.mark.CompareAndSwap(old, epoch) {
			return true
		}
	}
}

// markedIn reports whether the record was reached during the given epoch.
func (r *objectRecord) markedIn(epoch uint64) bool {
	return r.mark.Load() == epoch
}

// snapshotRefs returns a copy of the outgoing reference list. The copy lets
// the tracer walk edges without holding the record mutex across pushes.
func (r *objectRecord) snapshotRefs() []ObjectID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.refs) == 0 {
		return nil
	}
	out := make([]ObjectID, len(r.refs))
	copy(out, r.refs)
	return out
}

// addRef appends one outgoing edge. Duplicate edges are allowed; the graph
// is a multiset of references, matching fields that may alias one target.
func (r *objectRecord) addRef(target ObjectID) {
	r.mu.Lock()
	r.refs = append(r.refs, target)
	r.mu.Unlock()
}

// removeRef removes one occurrence of the edge to target. It returns false
// when no such edge exists.
func (r *objectRecord) removeRef(target ObjectID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, ref := range r.refs {
		if ref == target {
			r.refs[i] = r.refs[len(r.refs)-1]
			r.refs = r.refs[:len(r.refs)-1]
			return true
		}
	}
	return false
}

// remapRefs rewrites outgoing edges through the moved table (old identity to
// new identity). Called inside pauses after relocation.
func (r *objectRecord) remapRefs(moved map[ObjectID]ObjectID) {
	r.mu.Lock()
	for i, ref := range r.refs {
		if nid, ok := moved[ref]; ok {
			r.refs[i] = nid
		}
	}
	r.mu.Unlock()
}
