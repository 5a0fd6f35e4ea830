package gc

import (
	"sync"
)

// ---------------------------------------------------------------------------
// Remembered set: cross-generation / cross-region edges
// ---------------------------------------------------------------------------

// rememberedSet records reference edges that cross a collection boundary:
// old-to-young for generational strategies, region-to-region for region
// collection. The write barrier records edges synchronously with the
// mutation, so at any pause the set covers every live crossing edge. That
// is what lets young-only and region-subset cycles skip whole-heap scans.
//
// The set is bounded. Hitting the limit latches the overflowed flag and
// drops the edge; scoped cycles then degrade to a conservative full-heap
// pass until a full cycle rebuilds the set exactly.
type rememberedSet struct {
	mu         sync.Mutex
	edges      map[ObjectID]map[ObjectID]struct{}
	size       int
	limit      int
	overflowed bool
}

func newRememberedSet(limit int) *rememberedSet {
	return &rememberedSet{
		edges: make(map[ObjectID]map[ObjectID]struct{}),
		limit: limit,
	}
}

// record adds the edge owner -> target. Duplicate edges are collapsed. At
// the limit the edge is dropped and the set degrades instead of growing.
func (s *rememberedSet) record(owner, target ObjectID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	targets, ok := s.edges[owner]
	if ok {
		if _, dup := targets[target]; dup {
			return
		}
	}
	if s.size >= s.limit {
		s.overflowed = true
		return
	}
	if !ok {
		targets = make(map[ObjectID]struct{})
		s.edges[owner] = targets
	}
	targets[target] = struct{}{}
	s.size++
}

// dropOwner removes every edge owned by a reclaimed record.
func (s *rememberedSet) dropOwner(owner ObjectID) {
	s.mu.Lock()
	if targets, ok := s.edges[owner]; ok {
		s.size -= len(targets)
		delete(s.edges, owner)
	}
	s.mu.Unlock()
}

// allTargets returns the distinct targets across every edge. Young cycles
// treat them as additional roots.
func (s *rememberedSet) allTargets() []ObjectID {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[ObjectID]struct{})
	out := make([]ObjectID, 0, len(s.edges))
	for _, targets := range s.edges {
		for t := range targets {
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

// ownersInto returns the owners holding at least one edge into the given
// region set. Evacuation rewrites exactly these records (plus the evacuated
// ones themselves).
func (s *rememberedSet) ownersInto(victims map[RegionID]struct{}, regionOf func(ObjectID) (RegionID, bool)) []ObjectID {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ObjectID, 0)
	for owner, targets := range s.edges {
		for t := range targets {
			rid, ok := regionOf(t)
			if !ok {
				continue
			}
			if _, hit := victims[rid]; hit {
				out = append(out, owner)
				break
			}
		}
	}
	return out
}

// remap rewrites owner and target identities after relocation.
func (s *rememberedSet) remap(moved map[ObjectID]ObjectID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for owner, targets := range s.edges {
		newOwner := owner
		if nid, ok := moved[owner]; ok {
			newOwner = nid
		}
		rewrite := newOwner != owner
		if !rewrite {
			for t := range targets {
				if _, ok := moved[t]; ok {
					rewrite = true
					break
				}
			}
		}
		if !rewrite {
			continue
		}
		fresh := make(map[ObjectID]struct{}, len(targets))
		for t := range targets {
			if nid, ok := moved[t]; ok {
				t = nid
			}
			fresh[t] = struct{}{}
		}
		delete(s.edges, owner)
		s.size -= len(targets)
		s.edges[newOwner] = fresh
		s.size += len(fresh)
	}
}

// rebuild replaces the whole set with exact edges recomputed by a full
// cycle and clears the overflow latch.
func (s *rememberedSet) rebuild(edges map[ObjectID][]ObjectID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.edges = make(map[ObjectID]map[ObjectID]struct{}, len(edges))
	s.size = 0
	s.overflowed = false
	for owner, targets := range edges {
		set := make(map[ObjectID]struct{}, len(targets))
		for _, t := range targets {
			set[t] = struct{}{}
		}
		s.edges[owner] = set
		s.size += len(set)
	}
	// A rebuild larger than the limit keeps the exact set but stays
	// degraded; scoped cycles cannot trust future barrier recording.
	if s.size >= s.limit {
		s.overflowed = true
	}
}

// degraded reports whether the set has overflowed since the last rebuild.
func (s *rememberedSet) degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overflowed
}

// edgeCount returns the number of recorded edges.
func (s *rememberedSet) edgeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}
