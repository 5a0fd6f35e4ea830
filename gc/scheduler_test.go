package gc

import (
	"context"
	"sync"
	"testing"
	"time"
)

// TestTriggersCoalesce verifies that a trigger arriving while a cycle is in
// flight joins that cycle and shares its report instead of queueing another.
func TestTriggersCoalesce(t *testing.T) {
	h, _ := newTestHeap(t, Options{})
	s := h.sched

	f := &flight{done: make(chan struct{})}
	s.flightMu.Lock()
	s.inflight = f
	s.flightMu.Unlock()

	var joined *CycleReport
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		joined, _ = s.collectNow(context.Background(), TriggerExplicit, ScopeFull)
	}()

	// Complete the in-flight cycle after the joiner is waiting.
	time.Sleep(10 * time.Millisecond)
	f.report = &CycleReport{Seq: 99}
	s.flightMu.Lock()
	s.inflight = nil
	s.flightMu.Unlock()
	close(f.done)

	wg.Wait()
	if joined == nil || joined.Seq != 99 {
		t.Fatalf("joiner got %+v, want the in-flight cycle's report (seq 99)", joined)
	}
	if got := h.seq.Load(); got != 0 {
		t.Errorf("joiner started %d extra cycles, want 0", got)
	}
}

// TestJoinRespectsContext verifies a joiner waiting on an in-flight cycle
// gives up when its context is cancelled.
func TestJoinRespectsContext(t *testing.T) {
	h, _ := newTestHeap(t, Options{})
	s := h.sched

	f := &flight{done: make(chan struct{})}
	s.flightMu.Lock()
	s.inflight = f
	s.flightMu.Unlock()
	defer func() {
		s.flightMu.Lock()
		s.inflight = nil
		s.flightMu.Unlock()
		close(f.done)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.collectNow(ctx, TriggerExplicit, ScopeFull); err != context.Canceled {
		t.Errorf("collectNow = %v, want context.Canceled", err)
	}
}

// TestWatcherLifecycle verifies idempotent start/stop of the occupancy
// watcher.
func TestWatcherLifecycle(t *testing.T) {
	h, _ := newTestHeap(t, Options{
		Strategy:      StrategyConcurrentMarkSweep,
		WatchInterval: time.Millisecond,
	})
	s := h.sched

	s.start()
	s.start() // second start is a no-op
	s.stopWatcher()
	s.stopWatcher() // second stop is a no-op

	// Restartable after stop.
	s.start()
	s.stopWatcher()
}

// TestWatcherFiresOnOccupancy fills a heap past the trigger ratio and waits
// for the background watcher to start a cycle.
func TestWatcherFiresOnOccupancy(t *testing.T) {
	h, roots := newTestHeap(t, Options{
		Strategy:         StrategyConcurrentMarkSweep,
		YoungCapacity:    1000,
		OldCapacity:      1000,
		RegionSize:       1000,
		OccupancyTrigger: 0.5,
		WatchInterval:    time.Millisecond,
	})

	keep := mustAlloc(t, h, 200)
	roots.Add(keep)
	for i := 0; i < 4; i++ {
		mustAlloc(t, h, 200) // garbage pushing occupancy to 1.0
	}

	h.Start()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.Stats().OccupancyCycles > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	stats := h.Stats()
	if stats.OccupancyCycles == 0 {
		t.Fatal("watcher never fired an occupancy cycle")
	}
	if !h.Contains(keep) {
		t.Error("rooted object lost to a watcher-triggered cycle")
	}
	if h.Occupancy() >= 0.5 {
		t.Errorf("occupancy %.2f still above trigger after collection", h.Occupancy())
	}
}

// TestStartIsNoopForStopTheWorldStrategies verifies serial heaps run no
// watcher goroutine; their occupancy check rides on allocation instead.
func TestStartIsNoopForStopTheWorldStrategies(t *testing.T) {
	h, _ := newTestHeap(t, Options{})
	h.Start()

	h.sched.mu.Lock()
	running := h.sched.stop != nil
	h.sched.mu.Unlock()
	if running {
		t.Error("Start launched a watcher for a stop-the-world strategy")
	}
}

// TestTriggerCountersByKind verifies cycle accounting distinguishes
// triggers.
func TestTriggerCountersByKind(t *testing.T) {
	h, roots := newTestHeap(t, Options{
		YoungCapacity: 1000,
		OldCapacity:   1000,
		RegionSize:    1000,
	})

	mustCollect(t, h) // explicit

	// Fill young completely with garbage, then allocate once more; the
	// failure path must run a synchronous cycle.
	for i := 0; i < 5; i++ {
		mustAlloc(t, h, 200)
	}
	id := mustAlloc(t, h, 200)
	roots.Add(id)

	stats := h.Stats()
	if stats.ExplicitCycles != 1 {
		t.Errorf("explicit cycles = %d, want 1", stats.ExplicitCycles)
	}
	if stats.AllocationFailureCycles == 0 {
		t.Error("allocation-failure trigger never fired")
	}
}
