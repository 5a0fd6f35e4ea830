// Package sim drives synthetic mutator workloads against a heap. The
// workload is seeded and fully deterministic, which makes it usable both as
// a stress harness in tests and as the CLI's demo mutator.
package sim

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/tliron/commonlog"

	"github.com/chazu/oscar/gc"
)

var log = commonlog.GetLogger("oscar.sim")

// Options tunes a workload. Zero values take the defaults below.
type Options struct {
	// Seed fixes the random sequence. The same seed against the same heap
	// configuration replays the same operations.
	Seed int64

	// MinSize and MaxSize bound allocation sizes.
	MinSize uint64
	MaxSize uint64

	// MaxRoots caps the live root count; beyond it the workload sheds the
	// oldest root before allocating more.
	MaxRoots int

	// LinkRatio is the fraction of allocations attached to an existing
	// rooted object instead of getting a root of their own. Linked objects
	// form chains and shared structure; dropping their root's subtree makes
	// them garbage in bulk.
	LinkRatio float64

	// ChurnRatio is the per-step probability of dropping a random root,
	// turning its subtree into garbage.
	ChurnRatio float64
}

func (o Options) withDefaults() Options {
	if o.MinSize == 0 {
		o.MinSize = 16
	}
	if o.MaxSize == 0 {
		o.MaxSize = 512
	}
	if o.MaxSize < o.MinSize {
		o.MaxSize = o.MinSize
	}
	if o.MaxRoots <= 0 {
		o.MaxRoots = 64
	}
	if o.LinkRatio == 0 {
		o.LinkRatio = 0.6
	}
	if o.ChurnRatio == 0 {
		o.ChurnRatio = 0.25
	}
	return o
}

// Summary is the outcome of a workload run.
type Summary struct {
	Steps           int
	Allocations     int
	AllocatedBytes  uint64
	Links           int
	RootDrops       int
	OutOfMemory     int
	AllocationFails int
}

// Workload is one deterministic mutator. It owns the root list it mutates;
// the heap may be shared with other activity, but determinism then only
// holds for the operation sequence, not the heap contents.
type Workload struct {
	heap  *gc.Heap
	roots *gc.StaticRoots
	opts  Options
	rng   *rand.Rand
	sum   Summary
}

// New builds a workload over the given heap and root list.
func New(h *gc.Heap, roots *gc.StaticRoots, opts Options) *Workload {
	opts = opts.withDefaults()
	return &Workload{
		heap:  h,
		roots: roots,
		opts:  opts,
		rng:   rand.New(rand.NewSource(opts.Seed)),
	}
}

// Run executes steps mutator operations and returns the run summary.
func (w *Workload) Run(steps int) (Summary, error) {
	for i := 0; i < steps; i++ {
		if err := w.Step(); err != nil {
			return w.sum, fmt.Errorf("sim: step %d: %w", i, err)
		}
	}
	log.Infof("workload done: %d steps, %d allocations (%d bytes), %d links, %d root drops, %d OOM",
		w.sum.Steps, w.sum.Allocations, w.sum.AllocatedBytes, w.sum.Links, w.sum.RootDrops, w.sum.OutOfMemory)
	return w.sum, nil
}

// Step performs one mutator operation: usually an allocation, sometimes a
// root drop. Out-of-memory is not an error; the workload sheds roots and
// moves on, the way a host would respond to pressure.
func (w *Workload) Step() error {
	w.sum.Steps++

	if w.rng.Float64() < w.opts.ChurnRatio {
		w.dropRandomRoot()
		return nil
	}

	size := w.opts.MinSize
	if spread := w.opts.MaxSize - w.opts.MinSize; spread > 0 {
		size += uint64(w.rng.Int63n(int64(spread + 1)))
	}

	id, err := w.heap.Allocate(size)
	if err != nil {
		if errors.Is(err, gc.ErrOutOfMemory) {
			w.sum.OutOfMemory++
			w.dropRandomRoot()
			return nil
		}
		w.sum.AllocationFails++
		return err
	}
	w.sum.Allocations++
	w.sum.AllocatedBytes += size

	// Either hang the object off an existing root's object or root it.
	if w.roots.Len() > 0 && w.rng.Float64() < w.opts.LinkRatio {
		owner := w.randomRoot()
		if err := w.heap.AddReference(owner, id); err != nil {
			return err
		}
		w.sum.Links++
		return nil
	}

	w.roots.Add(id)
	for w.roots.Len() > w.opts.MaxRoots {
		w.dropOldestRoot()
	}
	return nil
}

// Summary returns the counters accumulated so far.
func (w *Workload) Summary() Summary {
	return w.sum
}

func (w *Workload) randomRoot() gc.ObjectID {
	ids := w.roots.CurrentRoots()
	return ids[w.rng.Intn(len(ids))]
}

func (w *Workload) dropRandomRoot() {
	ids := w.roots.CurrentRoots()
	if len(ids) == 0 {
		return
	}
	if w.roots.Remove(ids[w.rng.Intn(len(ids))]) {
		w.sum.RootDrops++
	}
}

func (w *Workload) dropOldestRoot() {
	ids := w.roots.CurrentRoots()
	if len(ids) == 0 {
		return
	}
	if w.roots.Remove(ids[0]) {
		w.sum.RootDrops++
	}
}
