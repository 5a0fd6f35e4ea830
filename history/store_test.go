package history

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/chazu/oscar/gc"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cycles.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleReport(seq uint64) gc.CycleReport {
	return gc.CycleReport{
		ID:               fmt.Sprintf("cycle-%d", seq),
		Seq:              seq,
		Strategy:         gc.StrategySerial,
		Trigger:          gc.TriggerExplicit,
		Scope:            gc.ScopeFull,
		Started:          time.Now(),
		Duration:         3 * time.Millisecond,
		StartOccupancy:   0.8,
		EndOccupancy:     0.4,
		ReclaimedBytes:   4096,
		ReclaimedObjects: 7,
		Pauses:           []time.Duration{2 * time.Millisecond},
	}
}

func TestStoreRoundTrip(t *testing.T) {
	s := openTestStore(t)

	want := sampleReport(1)
	want.SLAViolation = true
	s.RecordCycle(want)

	recs, err := s.Recent(10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("Recent returned %d records, want 1", len(recs))
	}

	got := recs[0]
	if got.ID != want.ID {
		t.Errorf("id = %q, want %q", got.ID, want.ID)
	}
	if got.Seq != 1 {
		t.Errorf("seq = %d, want 1", got.Seq)
	}
	if got.Strategy != "serial" {
		t.Errorf("strategy = %q, want serial", got.Strategy)
	}
	if got.Trigger != "explicit" {
		t.Errorf("trigger = %q, want explicit", got.Trigger)
	}
	if got.ReclaimedBytes != 4096 {
		t.Errorf("reclaimed bytes = %d, want 4096", got.ReclaimedBytes)
	}
	if got.ReclaimedObjects != 7 {
		t.Errorf("reclaimed objects = %d, want 7", got.ReclaimedObjects)
	}
	if got.TotalPause != 2*time.Millisecond {
		t.Errorf("total pause = %v, want 2ms", got.TotalPause)
	}
	if !got.SLAViolation {
		t.Error("SLA violation flag lost")
	}
	if got.Degraded || got.Aborted {
		t.Error("degraded/aborted flags set, want clear")
	}
}

// TestRecentOrdering verifies newest-first ordering and the limit.
func TestRecentOrdering(t *testing.T) {
	s := openTestStore(t)

	for seq := uint64(1); seq <= 5; seq++ {
		s.RecordCycle(sampleReport(seq))
	}

	recs, err := s.Recent(3)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("Recent returned %d records, want 3", len(recs))
	}
	for i, want := range []uint64{5, 4, 3} {
		if recs[i].Seq != want {
			t.Errorf("recs[%d].Seq = %d, want %d", i, recs[i].Seq, want)
		}
	}

	n, err := s.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 5 {
		t.Errorf("Count = %d, want 5", n)
	}
}

// TestStoreAsHeapSink runs a real heap with the store registered as a sink
// and checks the cycle shows up in the log.
func TestStoreAsHeapSink(t *testing.T) {
	s := openTestStore(t)

	roots := gc.NewStaticRoots()
	h, err := gc.NewHeap(roots, gc.Options{Sinks: []gc.Sink{s}})
	if err != nil {
		t.Fatalf("NewHeap failed: %v", err)
	}
	defer h.Close()

	id, err := h.Allocate(64)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	roots.Add(id)

	report, err := h.Collect()
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	recs, err := s.Recent(1)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("Recent returned %d records, want 1", len(recs))
	}
	if recs[0].ID != report.ID {
		t.Errorf("stored id = %q, want %q", recs[0].ID, report.ID)
	}
	if recs[0].Seq != report.Seq {
		t.Errorf("stored seq = %d, want %d", recs[0].Seq, report.Seq)
	}
}
