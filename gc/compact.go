package gc

import (
	"sort"
)

// ---------------------------------------------------------------------------
// Compaction, promotion, evacuation
// ---------------------------------------------------------------------------

// destAllocator reserves a destination slot for a relocated object. The
// serial paths back it with the region manager's rotating cursor; parallel
// compaction backs it with a per-worker region partition so no two workers
// ever share a destination range.
type destAllocator func(id ObjectID, size uint64) (*region, uint64, bool)

// compactResult accumulates one compaction shard's outcome. Workers fill
// private results that are merged after the phase barrier.
type compactResult struct {
	moved       map[ObjectID]ObjectID
	promotedIDs []ObjectID
	relocated   int
	promoted    int
}

func newCompactResult() *compactResult {
	return &compactResult{moved: make(map[ObjectID]ObjectID)}
}

func (r *compactResult) merge(other *compactResult) {
	for old, nid := range other.moved {
		r.moved[old] = nid
	}
	r.promotedIDs = append(r.promotedIDs, other.promotedIDs...)
	r.relocated += other.relocated
	r.promoted += other.promoted
}

// relocateTo clones rec into the destination slot under a fresh identity and
// retires the old identity into the forwarding table. The destination slot
// must already be reserved; the source slot stays the caller's to release or
// rebuild. The clone is born marked for the current epoch, since only live
// records relocate.
func (h *Heap) relocateTo(rec *objectRecord, dest *region, offset uint64, newID ObjectID, gen Generation) *objectRecord {
	clone := &objectRecord{
		id:     newID,
		size:   rec.size,
		region: dest.id,
		offset: offset,
		gen:    gen,
		age:    rec.age,
	}
	clone.mark.Store(h.epoch.Load())
	clone.refs = rec.snapshotRefs()

	h.table.insert(clone)
	h.forward.install(rec.id, newID)
	rec.freed.Store(true)
	h.table.remove(rec.id)
	return clone
}

// residentRecords returns a region's live records sorted by slot offset.
// Must run after the region was swept (or with marks checked by the caller),
// inside a pause.
func (h *Heap) residentRecords(r *region) ([]*objectRecord, error) {
	ids := r.residentIDs()
	recs := make([]*objectRecord, 0, len(ids))
	for _, id := range ids {
		rec := h.table.lookup(id)
		if rec == nil {
			return nil, h.corruptedf("region %d resident %d missing from object table", r.id, id)
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].offset < recs[j].offset })
	return recs, nil
}

// compactRegions slide-compacts each region to its front, in region order.
// Young survivors at or past the promotion threshold are redirected through
// promote into the old generation instead of sliding; when the promotion
// allocator cannot place one, it stays young and slides normally, to be
// retried next cycle.
//
// A survivor whose packed offset equals its current offset is left alone,
// so an already compact region relocates nothing.
func (h *Heap) compactRegions(regions []*region, promote destAllocator) (*compactResult, error) {
	res := newCompactResult()
	threshold := h.opts.PromotionThreshold

	for _, r := range regions {
		recs, err := h.residentRecords(r)
		if err != nil {
			return nil, err
		}

		kept := make([]*objectRecord, 0, len(recs))
		var cursor uint64
		for _, rec := range recs {
			if promote != nil && rec.gen == GenYoung && rec.age >= threshold {
				newID := h.table.mint()
				if dest, offset, ok := promote(newID, rec.size); ok {
					h.relocateTo(rec, dest, offset, newID, GenOld)
					res.moved[rec.id] = newID
					res.promotedIDs = append(res.promotedIDs, newID)
					res.relocated++
					res.promoted++
					continue
				}
				// Old generation exhausted; keep the survivor young.
				log.Warningf("promotion of %d (%d bytes) deferred: old generation full", rec.id, rec.size)
			}

			if rec.offset == cursor {
				kept = append(kept, rec)
				cursor += rec.size
				continue
			}
			newID := h.table.mint()
			clone := h.relocateTo(rec, r, cursor, newID, rec.gen)
			res.moved[rec.id] = newID
			res.relocated++
			kept = append(kept, clone)
			cursor += rec.size
		}
		r.rebuild(kept)
		r.setLiveBytes(cursor)
	}
	return res, nil
}

// evacuateRegions empties the victim regions. Dead records across every
// victim are reclaimed first, so on a full heap their slots can serve as
// evacuation destinations. Survivors then move out, least garbage-rich
// victim first, each banned only from itself and the victims still waiting;
// the victim the selection policy most wants emptied therefore evacuates
// last, with the most freed space to move into. A survivor that still fits
// nowhere is left in place and its region stays partially occupied.
func (h *Heap) evacuateRegions(c *CycleReport, victims []*region) (*compactResult, error) {
	epoch := h.epoch.Load()
	res := newCompactResult()

	survivors := make([][]*objectRecord, len(victims))
	for i, r := range victims {
		recs, err := h.residentRecords(r)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if rec.markedIn(epoch) {
				survivors[i] = append(survivors[i], rec)
				continue
			}
			if h.reclaim(rec) {
				c.ReclaimedBytes += rec.size
				c.ReclaimedObjects++
			}
		}
	}

	banned := make(map[RegionID]struct{}, len(victims))
	for _, r := range victims {
		banned[r.id] = struct{}{}
	}

	// Victims arrive most-garbage-first; walk them back to front so each
	// one can use the space vacated by those already processed.
	for i := len(victims) - 1; i >= 0; i-- {
		r := victims[i]
		for _, rec := range survivors[i] {
			newID := h.table.mint()
			dest, offset, ok := h.regions.allocateExcluding(GenNone, newID, rec.size, banned)
			if !ok {
				log.Warningf("evacuation of %d (%d bytes) stranded: no destination available", rec.id, rec.size)
				continue
			}
			h.relocateTo(rec, dest, offset, newID, GenNone)
			r.release(rec.id, rec.offset, rec.size)
			res.moved[rec.id] = newID
			res.relocated++
		}
		delete(banned, r.id)
	}

	for _, r := range victims {
		if r.residentCount() == 0 {
			r.reset()
		} else {
			// Stranded survivors and late arrivals are all that remain.
			r.setLiveBytes(r.usedBytes())
		}
	}

	h.queueFinalizers(h.weak.sweepDead())
	c.RegionsCollected += len(victims)
	return res, nil
}

// promoteAllocator reserves old-generation slots for promoted survivors
// through the region manager's rotating cursor.
func (h *Heap) promoteAllocator() destAllocator {
	return func(id ObjectID, size uint64) (*region, uint64, bool) {
		return h.regions.allocate(GenOld, id, size)
	}
}

// recordPromotedEdges enters the old-to-young edges created by this cycle's
// promotions into the remembered set. Young cycles call it after reference
// rewriting; without these edges a later young trace would miss survivors
// referenced only from freshly promoted objects.
func (h *Heap) recordPromotedEdges(promoted []ObjectID) {
	for _, id := range promoted {
		rec := h.table.lookup(id)
		if rec == nil {
			continue
		}
		for _, target := range rec.snapshotRefs() {
			if t := h.table.lookup(target); t != nil && t.gen == GenYoung {
				h.remembered.record(rec.id, target)
			}
		}
	}
}
