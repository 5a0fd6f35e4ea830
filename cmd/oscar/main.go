// Oscar CLI - run synthetic workloads against a configured heap and report
// what the collector did.
package main

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/inhies/go-bytesize"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/oscar/config"
	"github.com/chazu/oscar/gc"
	"github.com/chazu/oscar/history"
	"github.com/chazu/oscar/sim"
)

func main() {
	configDir := flag.String("config", "", "Directory containing oscar.toml (default: walk up from cwd)")
	strategy := flag.String("strategy", "", "Override collection strategy: serial, parallel, cms, regional")
	ops := flag.Int("ops", 10000, "Mutator operations to run")
	seed := flag.Int64("seed", 1, "Workload random seed")
	snapshotPath := flag.String("snapshot", "", "Write a heap snapshot to this file after the run")
	historyPath := flag.String("history", "", "Record cycles to this SQLite file (overrides manifest)")
	verbosity := flag.Int("verbosity", 0, "Log verbosity (0 = quiet)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: oscar [options]\n\n")
		fmt.Fprintf(os.Stderr, "Builds a heap from oscar.toml, runs a deterministic mutator workload\n")
		fmt.Fprintf(os.Stderr, "against it, and prints the collection cycles.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  oscar                                # run with manifest (or default) settings\n")
		fmt.Fprintf(os.Stderr, "  oscar -strategy cms -ops 50000       # stress concurrent mark-sweep\n")
		fmt.Fprintf(os.Stderr, "  oscar -snapshot heap.oscar           # keep the final heap image\n")
		fmt.Fprintf(os.Stderr, "  oscar -history cycles.db -verbosity 1\n")
	}
	flag.Parse()

	commonlog.Configure(*verbosity, nil)

	if err := run(*configDir, *strategy, *ops, *seed, *snapshotPath, *historyPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configDir, strategy string, ops int, seed int64, snapshotPath, historyPath string) error {
	opts, manifestHistory, err := loadOptions(configDir)
	if err != nil {
		return err
	}

	if strategy != "" {
		opts.Strategy, err = gc.ParseStrategy(strategy)
		if err != nil {
			return err
		}
	}
	if historyPath == "" {
		historyPath = manifestHistory
	}

	var store *history.Store
	if historyPath != "" {
		store, err = history.Open(historyPath)
		if err != nil {
			return err
		}
		defer store.Close()
		opts.Sinks = append(opts.Sinks, store)
	}

	roots := gc.NewStaticRoots()
	heap, err := gc.NewHeap(roots, opts)
	if err != nil {
		return err
	}
	defer heap.Close()
	heap.Start()

	workload := sim.New(heap, roots, sim.Options{Seed: seed})
	summary, err := workload.Run(ops)
	if err != nil {
		return err
	}

	// A final explicit cycle so the report reflects a settled heap.
	if _, err := heap.Collect(); err != nil {
		return err
	}

	printSummary(heap, summary)
	printCycles(heap.History())

	if snapshotPath != "" {
		if err := heap.SaveSnapshot(snapshotPath); err != nil {
			return err
		}
		fmt.Printf("\nSnapshot written to %s\n", snapshotPath)
	}
	return nil
}

// loadOptions resolves engine options from an oscar.toml manifest. With no
// explicit directory it walks up from the working directory; a missing
// manifest just means defaults.
func loadOptions(configDir string) (gc.Options, string, error) {
	var m *config.Manifest
	var err error
	if configDir != "" {
		m, err = config.Load(configDir)
	} else {
		m, err = config.FindAndLoad(".")
	}
	if err != nil {
		return gc.Options{}, "", err
	}
	if m == nil {
		return gc.Options{}, "", nil
	}
	opts, err := m.Options()
	if err != nil {
		return gc.Options{}, "", err
	}
	return opts, m.HistoryPath(), nil
}

func printSummary(heap *gc.Heap, summary sim.Summary) {
	stats := heap.Stats()

	fmt.Printf("Workload: %d steps, %d allocations (%s), %d links, %d root drops, %d OOM\n",
		summary.Steps, summary.Allocations, size(summary.AllocatedBytes),
		summary.Links, summary.RootDrops, summary.OutOfMemory)
	fmt.Printf("Heap: %s strategy, %s / %s used (%.1f%%), %d live objects\n",
		stats.Strategy, size(stats.UsedBytes), size(stats.CapacityBytes),
		stats.Occupancy*100, stats.ResidentObjects)
	fmt.Printf("Collector: %d cycles, %s reclaimed, %d relocated, %d promoted, max pause %s\n",
		stats.Cycles, size(stats.ReclaimedBytes), stats.RelocatedObjects,
		stats.PromotedObjects, stats.MaxPause)
	if stats.SLAViolations > 0 {
		fmt.Printf("Warning: %d pauses exceeded the configured deadline\n", stats.SLAViolations)
	}
	if stats.DegradedCycles > 0 {
		fmt.Printf("Warning: %d cycles degraded to full-heap scans (remembered set overflow)\n", stats.DegradedCycles)
	}
}

func printCycles(reports []gc.CycleReport) {
	if len(reports) == 0 {
		return
	}
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTRIGGER\tSCOPE\tRECLAIMED\tRELOCATED\tPROMOTED\tPAUSE\tOCCUPANCY\tFLAGS")
	for _, r := range reports {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\t%s\t%.2f -> %.2f\t%s\n",
			r.Seq, r.Trigger, r.Scope, size(r.ReclaimedBytes),
			r.RelocatedObjects, r.PromotedObjects, r.TotalPause(),
			r.StartOccupancy, r.EndOccupancy, flags(r))
	}
	w.Flush()
}

func flags(r gc.CycleReport) string {
	out := ""
	if r.SLAViolation {
		out += "S"
	}
	if r.Degraded {
		out += "D"
	}
	if r.Aborted {
		out += "A"
	}
	if out == "" {
		out = "-"
	}
	return out
}

func size(n uint64) string {
	return bytesize.New(float64(n)).String()
}
