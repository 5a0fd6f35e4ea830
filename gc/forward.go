package gc

import (
	"fmt"
	"sync"
)

// ---------------------------------------------------------------------------
// Forwarding table
// ---------------------------------------------------------------------------

// maxForwardDepth bounds resolve chains. Entries live for at most two
// cycles, so legitimate chains are short; anything deeper means the table
// references itself and the graph is corrupt.
const maxForwardDepth = 16

// forwardingTable maps relocated identities to their successors. Relocation
// never rewrites a root slot in place; the old identity stays resolvable
// here until the cycle after next, by which time graph edges have been
// rewritten and providers have had a full cycle to observe current ids.
//
// Two generations of entries are kept: fresh (installed since the last
// advance) and prior. advance is called at cycle start, discarding entries
// two cycles old.
type forwardingTable struct {
	mu    sync.RWMutex
	fresh map[ObjectID]ObjectID
	prior map[ObjectID]ObjectID
}

func newForwardingTable() *forwardingTable {
	return &forwardingTable{
		fresh: make(map[ObjectID]ObjectID),
		prior: make(map[ObjectID]ObjectID),
	}
}

// install records the relocation old -> new.
func (t *forwardingTable) install(old, new ObjectID) {
	t.mu.Lock()
	t.fresh[old] = new
	t.mu.Unlock()
}

// advance rotates the entry generations at cycle start.
func (t *forwardingTable) advance() {
	t.mu.Lock()
	t.prior = t.fresh
	t.fresh = make(map[ObjectID]ObjectID)
	t.mu.Unlock()
}

// resolve follows forwarding entries to the current identity of id. A chain
// longer than maxForwardDepth can only arise from a forwarding loop and is
// reported as graph corruption.
func (t *forwardingTable) resolve(id ObjectID) (ObjectID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cur := id
	for depth := 0; depth < maxForwardDepth; depth++ {
		next, ok := t.fresh[cur]
		if !ok {
			next, ok = t.prior[cur]
		}
		if !ok {
			return cur, nil
		}
		cur = next
	}
	return NilObject, fmt.Errorf("gc: forwarding chain from %d exceeds %d hops: %w", id, maxForwardDepth, ErrCorruptGraph)
}

// entryCount returns the number of live forwarding entries.
func (t *forwardingTable) entryCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.fresh) + len(t.prior)
}
