package gc

import (
	"sync"
)

// ---------------------------------------------------------------------------
// Heap regions: bump allocation with free-span fallback
// ---------------------------------------------------------------------------

// span is a contiguous free range inside a region, below the bump offset.
type span struct {
	offset uint64
	size   uint64
}

// region is one contiguous block of the heap. Allocation is bump-pointer
// while headroom remains and falls back to first-fit over the free-span list
// once sweeps have punched holes. The resident set is the region's live-slot
// index, consulted by evacuation and rebuilt by compaction.
//
// Invariant: used == bump - sum(free span sizes).
type region struct {
	id       RegionID
	gen      Generation
	capacity uint64

	mu       sync.Mutex
	bump     uint64
	used     uint64
	live     uint64
	free     []span
	resident map[ObjectID]struct{}
}

func newRegion(id RegionID, gen Generation, capacity uint64) *region {
	return &region{
		id:       id,
		gen:      gen,
		capacity: capacity,
		resident: make(map[ObjectID]struct{}),
	}
}

// allocate reserves size bytes for id. It returns the slot offset, or false
// when neither the bump headroom nor any free span can hold the request.
func (r *region) allocate(id ObjectID, size uint64) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Fast path: bump within headroom.
	if r.bump+size <= r.capacity {
		offset := r.bump
		r.bump += size
		r.used += size
		r.resident[id] = struct{}{}
		return offset, true
	}

	// Slow path: first fit over free spans.
	for i := range r.free {
		if r.free[i].size < size {
			continue
		}
		offset := r.free[i].offset
		r.free[i].offset += size
		r.free[i].size -= size
		if r.free[i].size == 0 {
			r.free = append(r.free[:i], r.free[i+1:]...)
		}
		r.used += size
		r.resident[id] = struct{}{}
		return offset, true
	}
	return 0, false
}

// release returns the slot [offset, offset+size) to the region. Spans
// adjacent to the bump tail retract the bump instead of growing the list.
func (r *region) release(id ObjectID, offset, size uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.resident, id)
	r.used -= size

	if offset+size == r.bump {
		r.bump = offset
		// Absorb any free spans now touching the tail.
		for n := len(r.free); n > 0; n = len(r.free) {
			last := r.free[n-1]
			if last.offset+last.size != r.bump {
				break
			}
			r.bump = last.offset
			r.free = r.free[:n-1]
		}
		return
	}
	r.insertSpan(span{offset: offset, size: size})
}

// insertSpan adds a span keeping the list sorted by offset and coalesced.
// Caller holds r.mu.
func (r *region) insertSpan(s span) {
	i := 0
	for i < len(r.free) && r.free[i].offset < s.offset {
		i++
	}
	// Merge with the predecessor when contiguous.
	if i > 0 && r.free[i-1].offset+r.free[i-1].size == s.offset {
		r.free[i-1].size += s.size
		// The grown span may now touch its successor.
		if i < len(r.free) && r.free[i-1].offset+r.free[i-1].size == r.free[i].offset {
			r.free[i-1].size += r.free[i].size
			r.free = append(r.free[:i], r.free[i+1:]...)
		}
		return
	}
	// Merge with the successor when contiguous.
	if i < len(r.free) && s.offset+s.size == r.free[i].offset {
		r.free[i].offset = s.offset
		r.free[i].size += s.size
		return
	}
	r.free = append(r.free, span{})
	copy(r.free[i+1:], r.free[i:])
	r.free[i] = s
}

// reset empties the region after a full evacuation.
func (r *region) reset() {
	r.mu.Lock()
	r.bump = 0
	r.used = 0
	r.live = 0
	r.free = nil
	r.resident = make(map[ObjectID]struct{})
	r.mu.Unlock()
}

// rebuild replaces the region's accounting after slide compaction. The
// records must already carry their packed offsets, sorted ascending, with
// the last one ending at bump.
func (r *region) rebuild(recs []*objectRecord) {
	r.mu.Lock()
	r.free = nil
	r.resident = make(map[ObjectID]struct{}, len(recs))
	var cursor uint64
	for _, rec := range recs {
		r.resident[rec.id] = struct{}{}
		cursor = rec.offset + rec.size
	}
	r.bump = cursor
	r.used = cursor
	r.mu.Unlock()
}

// restore installs snapshot state: explicit bump, free spans, and residents.
func (r *region) restore(bump, used uint64, free []span, ids []ObjectID) {
	r.mu.Lock()
	r.bump = bump
	r.used = used
	r.free = free
	r.resident = make(map[ObjectID]struct{}, len(ids))
	for _, id := range ids {
		r.resident[id] = struct{}{}
	}
	r.mu.Unlock()
}

// usedBytes returns the bytes currently allocated in the region.
func (r *region) usedBytes() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.used
}

// liveBytes returns the live-byte estimate from the last completed mark.
func (r *region) liveBytes() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live
}

// setLiveBytes records the live-byte result of a mark phase.
func (r *region) setLiveBytes(n uint64) {
	r.mu.Lock()
	r.live = n
	r.mu.Unlock()
}

// residentIDs returns the identities currently placed in the region.
func (r *region) residentIDs() []ObjectID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ObjectID, 0, len(r.resident))
	for id := range r.resident {
		out = append(out, id)
	}
	return out
}

// residentCount returns the number of slots in use.
func (r *region) residentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.resident)
}

// largestFree returns the largest contiguous allocatable range: the bigger
// of the bump tail and the widest free span.
func (r *region) largestFree() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	largest := r.capacity - r.bump
	for _, s := range r.free {
		if s.size > largest {
			largest = s.size
		}
	}
	return largest
}

// interiorFree returns the free bytes trapped in holes below the bump
// pointer, the part of free space only a compaction can consolidate.
func (r *region) interiorFree() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total uint64
	for _, s := range r.free {
		total += s.size
	}
	return total
}

// freeBytes returns the total unallocated bytes.
func (r *region) freeBytes() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.capacity - r.used
}
