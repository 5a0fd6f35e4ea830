package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/chazu/oscar/gc"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, ManifestName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[heap]
young-capacity = "2MB"
old-capacity = "8MB"
region-size = "128KB"

[collector]
strategy = "parallel"
promotion-threshold = 10
pause-deadline = "5ms"
occupancy-trigger = 0.8
workers = 4
regions-per-cycle = 3
remembered-set-limit = 4096
fragmentation-limit = 0.5

[history]
path = "cycles.db"

[log]
verbosity = 2
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Collector.Strategy != "parallel" {
		t.Errorf("collector strategy = %q, want parallel", m.Collector.Strategy)
	}
	if m.Heap.YoungCapacity != "2MB" {
		t.Errorf("young capacity = %q, want 2MB", m.Heap.YoungCapacity)
	}
	if m.Log.Verbosity != 2 {
		t.Errorf("log verbosity = %d, want 2", m.Log.Verbosity)
	}
	if got, want := m.HistoryPath(), filepath.Join(m.Dir, "cycles.db"); got != want {
		t.Errorf("HistoryPath = %q, want %q", got, want)
	}

	opts, err := m.Options()
	if err != nil {
		t.Fatalf("Options failed: %v", err)
	}
	if opts.Strategy != gc.StrategyParallel {
		t.Errorf("strategy = %v, want parallel", opts.Strategy)
	}
	if opts.YoungCapacity != 2<<20 {
		t.Errorf("young capacity = %d, want %d", opts.YoungCapacity, 2<<20)
	}
	if opts.OldCapacity != 8<<20 {
		t.Errorf("old capacity = %d, want %d", opts.OldCapacity, 8<<20)
	}
	if opts.RegionSize != 128<<10 {
		t.Errorf("region size = %d, want %d", opts.RegionSize, 128<<10)
	}
	if opts.PromotionThreshold != 10 {
		t.Errorf("promotion threshold = %d, want 10", opts.PromotionThreshold)
	}
	if opts.PauseDeadline != 5*time.Millisecond {
		t.Errorf("pause deadline = %v, want 5ms", opts.PauseDeadline)
	}
	if opts.Workers != 4 {
		t.Errorf("workers = %d, want 4", opts.Workers)
	}
	if opts.RegionsPerCycle != 3 {
		t.Errorf("regions per cycle = %d, want 3", opts.RegionsPerCycle)
	}
}

// TestLoadManifestEmpty verifies an empty manifest converts to all-zero
// options, leaving engine defaults in force.
func TestLoadManifestEmpty(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "")

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	opts, err := m.Options()
	if err != nil {
		t.Fatalf("Options failed: %v", err)
	}
	if !reflect.DeepEqual(opts, gc.Options{}) {
		t.Errorf("empty manifest options = %+v, want zero value", opts)
	}
	if m.HistoryPath() != "" {
		t.Errorf("HistoryPath = %q, want empty", m.HistoryPath())
	}
}

func TestLoadManifestMissing(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("Load of empty dir succeeded, want error")
	}
}

func TestOptionsRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		m    Manifest
	}{
		{"bad strategy", Manifest{Collector: CollectorConfig{Strategy: "mark-and-pray"}}},
		{"bad size", Manifest{Heap: HeapConfig{RegionSize: "lots"}}},
		{"bad deadline", Manifest{Collector: CollectorConfig{PauseDeadline: "soon"}}},
	}
	for _, tc := range cases {
		if _, err := tc.m.Options(); err == nil {
			t.Errorf("%s: Options succeeded, want error", tc.name)
		}
	}
}

func TestFindAndLoadWalksUp(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "[collector]\nstrategy = \"cms\"\n")

	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	m, err := FindAndLoad(nested)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("FindAndLoad returned nil, want manifest")
	}
	if m.Collector.Strategy != "cms" {
		t.Errorf("strategy = %q, want cms", m.Collector.Strategy)
	}

	opts, err := m.Options()
	if err != nil {
		t.Fatalf("Options failed: %v", err)
	}
	if opts.Strategy != gc.StrategyConcurrentMarkSweep {
		t.Errorf("strategy = %v, want concurrent-mark-sweep", opts.Strategy)
	}
}
