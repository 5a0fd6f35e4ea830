package gc

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// WeakRef: a reference that does not keep its target alive
// ---------------------------------------------------------------------------

// WeakRef observes an object without rooting it. When the target is
// reclaimed the reference clears and the optional finalizer runs after the
// collector resumes the world. Weak targets are never trace seeds, so a
// weak reference alone cannot keep an object resident.
type WeakRef struct {
	id   uint64
	heap *Heap

	mu        sync.RWMutex
	target    ObjectID // NilObject once the target is collected
	finalizer func(ObjectID)
}

// NewWeakRef registers a weak reference to target.
func (h *Heap) NewWeakRef(target ObjectID) (*WeakRef, error) {
	if err := h.operable(); err != nil {
		return nil, fmt.Errorf("gc: new weak ref: %w", err)
	}
	h.enterMutator()
	defer h.leaveMutator()

	rec, err := h.liveRecord(target)
	if err != nil {
		return nil, fmt.Errorf("gc: new weak ref: %w", err)
	}
	w := &WeakRef{
		id:     h.weak.nextID.Add(1),
		heap:   h,
		target: rec.id,
	}
	h.weak.register(w)
	return w, nil
}

// ID returns the reference's own identifier, distinct from any ObjectID.
func (w *WeakRef) ID() uint64 {
	return w.id
}

// Get returns the target's current identity, or false if it was collected.
func (w *WeakRef) Get() (ObjectID, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.target == NilObject {
		return NilObject, false
	}
	return w.target, true
}

// Alive reports whether the target has not been collected.
func (w *WeakRef) Alive() bool {
	_, ok := w.Get()
	return ok
}

// SetFinalizer installs a callback invoked once, with the dead identity,
// after the collecting cycle resumes the world. Finalizers must not assume
// the identity still resolves.
func (w *WeakRef) SetFinalizer(fn func(ObjectID)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.finalizer = fn
}

// Release unregisters the reference. The finalizer will not run afterwards.
func (w *WeakRef) Release() {
	w.heap.weak.unregister(w)
}

// clear empties the reference and detaches its finalizer.
func (w *WeakRef) clear() (ObjectID, func(ObjectID)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	old := w.target
	fn := w.finalizer
	w.target = NilObject
	w.finalizer = nil
	return old, fn
}

func (w *WeakRef) retarget(id ObjectID) {
	w.mu.Lock()
	w.target = id
	w.mu.Unlock()
}

// ---------------------------------------------------------------------------
// weakRegistry: every weak reference in the heap
// ---------------------------------------------------------------------------

type weakRegistry struct {
	heap   *Heap
	nextID atomic.Uint64

	mu   sync.RWMutex
	refs map[uint64]*WeakRef
}

func newWeakRegistry(h *Heap) *weakRegistry {
	return &weakRegistry{
		heap: h,
		refs: make(map[uint64]*WeakRef),
	}
}

func (r *weakRegistry) register(w *WeakRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs[w.id] = w
}

func (r *weakRegistry) unregister(w *WeakRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.refs, w.id)
}

func (r *weakRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.refs)
}

// sweepDead clears references whose targets are gone and returns their
// finalizers for the scheduler to run after the pause. Runs inside the
// pause, after reclamation. Targets are resolved through forwarding first:
// a relocated object is alive even when the stale identity no longer
// appears in the table.
func (r *weakRegistry) sweepDead() []func() {
	r.mu.RLock()
	var dead []*WeakRef
	for _, w := range r.refs {
		target, ok := w.Get()
		if !ok {
			continue
		}
		resolved, err := r.heap.forward.resolve(target)
		if err == nil {
			if rec := r.heap.table.lookup(resolved); rec != nil && !rec.freed.Load() {
				if resolved != target {
					w.retarget(resolved)
				}
				continue
			}
		}
		dead = append(dead, w)
	}
	r.mu.RUnlock()

	var finalizers []func()
	for _, w := range dead {
		old, fn := w.clear()
		if fn != nil && old != NilObject {
			f, id := fn, old
			finalizers = append(finalizers, func() { f(id) })
		}
	}
	return finalizers
}

// remap repoints weak targets at relocated identities.
func (r *weakRegistry) remap(moved map[ObjectID]ObjectID) {
	if len(moved) == 0 {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, w := range r.refs {
		if target, ok := w.Get(); ok {
			if to, ok := moved[target]; ok {
				w.retarget(to)
			}
		}
	}
}
