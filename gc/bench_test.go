package gc

import (
	"testing"
)

// benchHeap builds a heap with a live object graph: chains of depth 8
// hanging off width roots, plus transient garbage the cycle reclaims.
func benchHeap(b *testing.B, opts Options, width int) *Heap {
	b.Helper()
	roots := NewStaticRoots()
	h, err := NewHeap(roots, opts)
	if err != nil {
		b.Fatalf("NewHeap failed: %v", err)
	}
	b.Cleanup(func() { h.Close() })

	for i := 0; i < width; i++ {
		head, err := h.Allocate(48)
		if err != nil {
			b.Fatalf("Allocate failed: %v", err)
		}
		roots.Add(head)
		prev := head
		for j := 0; j < 7; j++ {
			next, err := h.Allocate(48)
			if err != nil {
				b.Fatalf("Allocate failed: %v", err)
			}
			if err := h.AddReference(prev, next); err != nil {
				b.Fatalf("AddReference failed: %v", err)
			}
			prev = next
		}
	}
	return h
}

// BenchmarkAllocate measures the bump-pointer fast path. Nothing is rooted,
// so allocation-failure cycles recycle the young generation under the
// benchmark.
func BenchmarkAllocate(b *testing.B) {
	h := benchHeap(b, Options{}, 0)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := h.Allocate(64); err != nil {
			b.Fatalf("Allocate failed: %v", err)
		}
	}
}

// BenchmarkSerialFullCycle measures a full mark-sweep-compact pass over a
// live graph with fresh garbage each iteration.
func BenchmarkSerialFullCycle(b *testing.B) {
	h := benchHeap(b, Options{
		YoungCapacity: 1 << 20,
		OldCapacity:   4 << 20,
	}, 16)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for j := 0; j < 64; j++ {
			if _, err := h.Allocate(64); err != nil {
				b.Fatalf("Allocate failed: %v", err)
			}
		}
		if _, err := h.Collect(); err != nil {
			b.Fatalf("Collect failed: %v", err)
		}
	}
}

// BenchmarkParallelFullCycle is BenchmarkSerialFullCycle with the worker-fanout
// marker, on a wider graph so the split is worth its coordination.
func BenchmarkParallelFullCycle(b *testing.B) {
	h := benchHeap(b, Options{
		Strategy:      StrategyParallel,
		YoungCapacity: 1 << 20,
		OldCapacity:   4 << 20,
	}, 128)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for j := 0; j < 64; j++ {
			if _, err := h.Allocate(64); err != nil {
				b.Fatalf("Allocate failed: %v", err)
			}
		}
		if _, err := h.Collect(); err != nil {
			b.Fatalf("Collect failed: %v", err)
		}
	}
}

// BenchmarkYoungCycle measures the generational nursery pass: the rooted
// graph is promoted out of the way by warm-up cycles, so each iteration
// traces only fresh garbage.
func BenchmarkYoungCycle(b *testing.B) {
	h := benchHeap(b, Options{
		YoungCapacity:      1 << 20,
		OldCapacity:        4 << 20,
		PromotionThreshold: 1,
	}, 16)
	if _, err := h.Collect(); err != nil {
		b.Fatalf("warm-up Collect failed: %v", err)
	}
	if _, err := h.Collect(); err != nil {
		b.Fatalf("warm-up Collect failed: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for j := 0; j < 64; j++ {
			if _, err := h.Allocate(64); err != nil {
				b.Fatalf("Allocate failed: %v", err)
			}
		}
		if _, err := h.CollectYoung(); err != nil {
			b.Fatalf("CollectYoung failed: %v", err)
		}
	}
}
