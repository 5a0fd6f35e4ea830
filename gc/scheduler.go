package gc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tliron/commonlog"
)

var schedLog = commonlog.GetLogger("oscar.gc.scheduler")

// ---------------------------------------------------------------------------
// scheduler: decides when cycles run and drives them
// ---------------------------------------------------------------------------

// scheduler serializes collection cycles. At most one cycle runs at a time;
// triggers that arrive while one is in flight join it and share its report
// instead of queueing another. For concurrent strategies it also owns the
// background watcher that starts cycles on occupancy pressure.
type scheduler struct {
	heap *Heap

	// Watcher lifecycle, one goroutine when running.
	mu      sync.Mutex
	stop    chan struct{}
	stopped chan struct{}

	// Single-flight state. armed implements trigger hysteresis: once an
	// occupancy crossing fires, it cannot fire again until occupancy has
	// dropped back below the threshold.
	flightMu sync.Mutex
	inflight *flight
	armed    bool

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

// flight is one running cycle plus everyone waiting on it.
type flight struct {
	done   chan struct{}
	report *CycleReport
	err    error
}

func newScheduler(h *Heap) *scheduler {
	return &scheduler{
		heap:  h,
		armed: true,
	}
}

// ---------------------------------------------------------------------------
// Watcher lifecycle
// ---------------------------------------------------------------------------

// start launches the occupancy watcher. Idempotent.
func (s *scheduler) start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stop != nil {
		return // already running
	}
	s.stop = make(chan struct{})
	s.stopped = make(chan struct{})

	go s.run(s.stop, s.stopped)
	schedLog.Infof("occupancy watcher started: interval=%s trigger=%.2f",
		s.heap.opts.WatchInterval, s.heap.opts.OccupancyTrigger)
}

// stopWatcher halts the watcher and waits for it to exit. Idempotent.
func (s *scheduler) stopWatcher() {
	s.mu.Lock()
	if s.stop == nil {
		s.mu.Unlock()
		return
	}
	stop := s.stop
	stopped := s.stopped
	s.stop = nil
	s.stopped = nil
	s.mu.Unlock()

	close(stop)
	<-stopped
}

// shutdown stops the watcher, aborts a cycle still in its marking phase,
// and waits out whatever cycle is in flight. Cycles past marking finish
// normally; their effects are already partially applied.
func (s *scheduler) shutdown() {
	s.stopWatcher()

	s.cancelMu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cancelMu.Unlock()

	s.flightMu.Lock()
	f := s.inflight
	s.flightMu.Unlock()
	if f != nil {
		<-f.done
	}
}

func (s *scheduler) run(stop, stopped chan struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(s.heap.opts.WatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.observeOccupancy(context.Background(), s.heap.regions.occupancy())
		}
	}
}

// ---------------------------------------------------------------------------
// Triggers
// ---------------------------------------------------------------------------

// observeOccupancy fires an occupancy-triggered cycle when usage crosses
// the threshold. Generational strategies apply hysteresis so a heap that
// stays full after a cycle does not retrigger every observation; the
// region-incremental strategy instead keeps running bounded cycles each
// observation until occupancy drops, which is how it spreads its work.
func (s *scheduler) observeOccupancy(ctx context.Context, occupancy float64) {
	threshold := s.heap.opts.OccupancyTrigger
	regional := s.heap.opts.Strategy == StrategyRegionIncremental

	s.flightMu.Lock()
	if occupancy < threshold {
		s.armed = true
		s.flightMu.Unlock()
		return
	}
	if s.inflight != nil || (!regional && !s.armed) {
		s.flightMu.Unlock()
		return
	}
	s.armed = false
	s.flightMu.Unlock()

	scope := ScopeFull
	if regional {
		scope = ScopeRegions
	}
	if _, err := s.collectNow(ctx, TriggerOccupancy, scope); err != nil {
		schedLog.Errorf("occupancy-triggered cycle failed: %s", err)
	}
}

// collectNow runs one cycle, or joins the cycle already in flight and
// returns its report once it finishes.
func (s *scheduler) collectNow(ctx context.Context, trigger Trigger, scope Scope) (*CycleReport, error) {
	s.flightMu.Lock()
	if f := s.inflight; f != nil {
		s.flightMu.Unlock()
		select {
		case <-f.done:
			return f.report, f.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f := &flight{done: make(chan struct{})}
	s.inflight = f
	s.flightMu.Unlock()

	f.report, f.err = s.runCycle(ctx, trigger, scope)

	s.flightMu.Lock()
	s.inflight = nil
	s.flightMu.Unlock()
	close(f.done)

	return f.report, f.err
}

// ---------------------------------------------------------------------------
// Cycle driver
// ---------------------------------------------------------------------------

// runCycle executes one collection cycle end to end: fresh epoch, fresh
// forwarding generation, the strategy's phase walk, then bookkeeping.
func (s *scheduler) runCycle(ctx context.Context, trigger Trigger, scope Scope) (*CycleReport, error) {
	h := s.heap
	if h.corrupt.Load() {
		return nil, fmt.Errorf("gc: collect: %w", ErrCorruptGraph)
	}

	seq := h.seq.Add(1)
	c := newCycleReport(seq, h.opts.Strategy, trigger, scope, h.regions.occupancy())

	schedLog.Infof("cycle %d begin: strategy=%s trigger=%s scope=%s occupancy=%.3f",
		seq, c.Strategy, trigger, scope, c.StartOccupancy)

	// A new epoch implicitly unmarks every survivor of earlier cycles, and
	// rotating the forwarding table ages out entries from two cycles ago.
	h.epoch.Add(1)
	h.forward.advance()

	ctx, cancel := context.WithCancel(ctx)
	s.setCancel(cancel)
	start := time.Now()

	err := h.collector.collect(ctx, h, c, scope)

	s.setCancel(nil)
	cancel()
	h.setPhase(PhaseIdle)

	c.Duration = time.Since(start)
	c.EndOccupancy = h.regions.occupancy()

	if err != nil {
		if errors.Is(err, errCycleAborted) {
			c.Aborted = true
			h.history.add(*c)
			schedLog.Infof("cycle %d aborted during marking", seq)
			return c, nil
		}
		schedLog.Errorf("cycle %d failed: %s", seq, err)
		return nil, err
	}

	h.stats.absorb(c)
	h.history.add(*c)
	for _, sink := range h.opts.Sinks {
		sink.RecordCycle(*c)
	}
	h.runFinalizers()

	schedLog.Infof("cycle %d end: reclaimed %d bytes / %d objects, relocated=%d promoted=%d pause=%s occupancy %.3f -> %.3f",
		seq, c.ReclaimedBytes, c.ReclaimedObjects, c.RelocatedObjects, c.PromotedObjects,
		c.TotalPause(), c.StartOccupancy, c.EndOccupancy)
	return c, nil
}

func (s *scheduler) setCancel(fn context.CancelFunc) {
	s.cancelMu.Lock()
	s.cancel = fn
	s.cancelMu.Unlock()
}
