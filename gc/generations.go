package gc

import (
	"sync"
)

// ---------------------------------------------------------------------------
// Generation/region manager
// ---------------------------------------------------------------------------

// regionManager owns the partitioning of the heap into regions and the
// placement policy between generations. Generational strategies get young
// and old region sets carved from their configured capacities; region-based
// collection gets one flat set of uniform regions covering the combined
// capacity.
type regionManager struct {
	regionSize uint64
	total      uint64
	regions    []*region
	byGen      map[Generation][]*region

	mu      sync.Mutex
	cursors map[Generation]int
}

func newRegionManager(opts Options) *regionManager {
	m := &regionManager{
		regionSize: opts.RegionSize,
		byGen:      make(map[Generation][]*region),
		cursors:    make(map[Generation]int),
	}
	if opts.Strategy.Generational() {
		m.carve(GenYoung, opts.YoungCapacity)
		m.carve(GenOld, opts.OldCapacity)
	} else {
		m.carve(GenNone, opts.YoungCapacity+opts.OldCapacity)
	}
	return m
}

// carve splits capacity into regions of regionSize, with a final remainder
// region when capacity is not an exact multiple. Region ids are dense in
// creation order.
func (m *regionManager) carve(gen Generation, capacity uint64) {
	for capacity > 0 {
		size := m.regionSize
		if size > capacity {
			size = capacity
		}
		r := newRegion(RegionID(len(m.regions)), gen, size)
		m.regions = append(m.regions, r)
		m.byGen[gen] = append(m.byGen[gen], r)
		m.total += size
		capacity -= size
	}
}

// allocate places size bytes for id somewhere in the given generation,
// starting at the rotating cursor so regions fill evenly. It returns the
// chosen region and offset, or false when the generation is exhausted.
func (m *regionManager) allocate(gen Generation, id ObjectID, size uint64) (*region, uint64, bool) {
	return m.allocateExcluding(gen, id, size, nil)
}

// allocateExcluding is allocate with a set of banned regions; evacuation
// uses it to keep survivors out of the regions being emptied.
func (m *regionManager) allocateExcluding(gen Generation, id ObjectID, size uint64, banned map[RegionID]struct{}) (*region, uint64, bool) {
	regs := m.byGen[gen]
	if len(regs) == 0 {
		return nil, 0, false
	}

	m.mu.Lock()
	start := m.cursors[gen]
	m.mu.Unlock()

	for i := 0; i < len(regs); i++ {
		r := regs[(start+i)%len(regs)]
		if banned != nil {
			if _, skip := banned[r.id]; skip {
				continue
			}
		}
		if offset, ok := r.allocate(id, size); ok {
			m.mu.Lock()
			m.cursors[gen] = (start + i) % len(regs)
			m.mu.Unlock()
			return r, offset, true
		}
	}
	return nil, 0, false
}

// region returns the region with the given id.
func (m *regionManager) region(id RegionID) *region {
	return m.regions[id]
}

// regionsOf returns the region set of one generation.
func (m *regionManager) regionsOf(gen Generation) []*region {
	return m.byGen[gen]
}

// all returns every region in id order.
func (m *regionManager) all() []*region {
	return m.regions
}

// capacity returns the total heap capacity in bytes.
func (m *regionManager) capacity() uint64 {
	return m.total
}

// usedBytes sums the allocated bytes across all regions.
func (m *regionManager) usedBytes() uint64 {
	var used uint64
	for _, r := range m.regions {
		used += r.usedBytes()
	}
	return used
}

// usedBytesOf sums the allocated bytes of one generation.
func (m *regionManager) usedBytesOf(gen Generation) uint64 {
	var used uint64
	for _, r := range m.byGen[gen] {
		used += r.usedBytes()
	}
	return used
}

// capacityOf returns the capacity of one generation.
func (m *regionManager) capacityOf(gen Generation) uint64 {
	var cap uint64
	for _, r := range m.byGen[gen] {
		cap += r.capacity
	}
	return cap
}

// occupancy returns used/capacity across the whole heap.
func (m *regionManager) occupancy() float64 {
	if m.total == 0 {
		return 0
	}
	return float64(m.usedBytes()) / float64(m.total)
}

// fragmentation measures how shattered a generation's free space is: the
// fraction of free bytes trapped in interior holes rather than bump tails.
// A pristine or fully compacted generation reports 0 no matter how many
// regions it spans; sweeping without compaction is what raises it.
func (m *regionManager) fragmentation(gen Generation) float64 {
	var totalFree, interior uint64
	for _, r := range m.byGen[gen] {
		totalFree += r.freeBytes()
		interior += r.interiorFree()
	}
	if totalFree == 0 {
		return 0
	}
	return float64(interior) / float64(totalFree)
}
