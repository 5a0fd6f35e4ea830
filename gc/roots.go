package gc

import (
	"sync"
)

// ---------------------------------------------------------------------------
// Root set
// ---------------------------------------------------------------------------

// RootProvider supplies the current root references (stack locals, globals,
// handles) of the host runtime. CurrentRoots must be callable at any moment
// and return a momentarily consistent snapshot.
//
// Identities returned may predate a relocation: the collector resolves them
// through its forwarding table, which retains retired identities for the
// cycle that relocated them plus one more. Providers that also implement
// RootRewriter get their entries rewritten at relocation and never observe
// staleness; providers that do not must refresh held identities (Resolve)
// within that two-cycle window.
//
// Any identity the host keeps outside its reported roots is not protected
// and may be reclaimed.
type RootProvider interface {
	CurrentRoots() []ObjectID
}

// RootRewriter is implemented by providers whose backing storage the
// collector may rewrite in place. When relocation retires identities, the
// collector calls RewriteRoots inside the pause with the old-to-new mapping
// before the world resumes.
type RootRewriter interface {
	RewriteRoots(moved map[ObjectID]ObjectID)
}

// StaticRoots is a RootProvider backed by an explicit list. Hosts that
// manage root registration themselves (and the workload simulator and tests)
// use it directly. It implements RootRewriter, so registered identities
// stay current across relocations.
type StaticRoots struct {
	mu  sync.RWMutex
	ids []ObjectID
}

// NewStaticRoots creates a root list seeded with the given identities.
func NewStaticRoots(ids ...ObjectID) *StaticRoots {
	s := &StaticRoots{}
	if len(ids) > 0 {
		s.ids = append(s.ids, ids...)
	}
	return s
}

// Add appends one root.
func (s *StaticRoots) Add(id ObjectID) {
	s.mu.Lock()
	s.ids = append(s.ids, id)
	s.mu.Unlock()
}

// Remove deletes one occurrence of id, preserving the order of the rest.
// It returns false when id is not rooted.
func (s *StaticRoots) Remove(id ObjectID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, root := range s.ids {
		if root == id {
			s.ids = append(s.ids[:i], s.ids[i+1:]...)
			return true
		}
	}
	return false
}

// Replace swaps one root identity for another in place. It returns false
// when old is not rooted.
func (s *StaticRoots) Replace(old, new ObjectID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, root := range s.ids {
		if root == old {
			s.ids[i] = new
			return true
		}
	}
	return false
}

// RewriteRoots rewrites rooted identities through the moved table. The
// collector calls it inside relocation pauses.
func (s *StaticRoots) RewriteRoots(moved map[ObjectID]ObjectID) {
	s.mu.Lock()
	for i, id := range s.ids {
		if nid, ok := moved[id]; ok {
			s.ids[i] = nid
		}
	}
	s.mu.Unlock()
}

// Len returns the number of roots.
func (s *StaticRoots) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

// CurrentRoots returns a copy of the root list.
func (s *StaticRoots) CurrentRoots() []ObjectID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.ids) == 0 {
		return nil
	}
	out := make([]ObjectID, len(s.ids))
	copy(out, s.ids)
	return out
}
