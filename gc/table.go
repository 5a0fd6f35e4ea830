package gc

import (
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Object table: identity -> record registry
// ---------------------------------------------------------------------------

// objectTable maps identities to records. It is shared between the mutator
// and the collector; lookups take the read lock, insert/remove take the
// write lock. Identity minting is a bare atomic increment.
type objectTable struct {
	mu      sync.RWMutex
	objects map[ObjectID]*objectRecord
	nextID  atomic.Uint64
}

func newObjectTable() *objectTable {
	t := &objectTable{
		objects: make(map[ObjectID]*objectRecord),
	}
	// Identities start at 1 (0 is the null identity).
	t.nextID.Store(0)
	return t
}

// mint returns a fresh, never before used identity.
func (t *objectTable) mint() ObjectID {
	return ObjectID(t.nextID.Add(1))
}

// lastIssued returns the highest identity minted so far.
func (t *objectTable) lastIssued() ObjectID {
	return ObjectID(t.nextID.Load())
}

// reserveThrough raises the identity counter so future mints stay above id.
// Used when restoring a heap from a snapshot that carries explicit ids.
func (t *objectTable) reserveThrough(id ObjectID) {
	for {
		cur := t.nextID.Load()
		if cur >= uint64(id) {
			return
		}
		if t.nextID.CompareAndSwap(cur, uint64(id)) {
			return
		}
	}
}

// insert adds a record under its identity.
func (t *objectTable) insert(rec *objectRecord) {
	t.mu.Lock()
	t.objects[rec.id] = rec
	t.mu.Unlock()
}

// lookup returns the record for id, or nil when id is not live.
func (t *objectTable) lookup(id ObjectID) *objectRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.objects[id]
}

// remove deletes the record for id.
func (t *objectTable) remove(id ObjectID) {
	t.mu.Lock()
	delete(t.objects, id)
	t.mu.Unlock()
}

// count returns the number of live records.
func (t *objectTable) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.objects)
}

// all returns a snapshot slice of every record. Sweep and compaction iterate
// the snapshot so they can mutate the table while walking.
func (t *objectTable) all() []*objectRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*objectRecord, 0, len(t.objects))
	for _, rec := range t.objects {
		out = append(out, rec)
	}
	return out
}
