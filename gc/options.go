package gc

import (
	"fmt"
	"runtime"
	"time"
)

// ---------------------------------------------------------------------------
// Engine options
// ---------------------------------------------------------------------------

// Defaults applied by withDefaults for zero-valued options.
const (
	DefaultYoungCapacity      = 1 << 20
	DefaultOldCapacity        = 4 << 20
	DefaultRegionSize         = 64 << 10
	DefaultPromotionThreshold = 15
	DefaultPauseDeadline      = 10 * time.Millisecond
	DefaultOccupancyTrigger   = 0.75
	DefaultRegionsPerCycle    = 2
	DefaultRememberedSetLimit = 8192
	DefaultFragmentationLimit = 0.35
	DefaultHistorySize        = 64
	DefaultWatchInterval      = 100 * time.Millisecond
)

// Options configures a heap. The zero value selects the serial strategy
// with the defaults above. Byte quantities are abstract units; hosts map
// them to whatever their object model measures.
type Options struct {
	// Strategy selects the collection algorithm.
	Strategy StrategyKind

	// YoungCapacity and OldCapacity size the generations. Region-based
	// collection pools both into one flat region set.
	YoungCapacity uint64
	OldCapacity   uint64

	// RegionSize is the carving unit for regions. A capacity that is not a
	// multiple leaves one smaller remainder region.
	RegionSize uint64

	// PromotionThreshold is the number of young cycles an object must
	// survive before promotion to the old generation.
	PromotionThreshold uint32

	// PauseDeadline is the latency budget for a single stop-the-world
	// pause. Exceeding it never aborts the cycle; the report is flagged.
	PauseDeadline time.Duration

	// OccupancyTrigger is the used/capacity ratio that starts a cycle
	// ahead of allocation failure.
	OccupancyTrigger float64

	// Workers is the goroutine count for parallel marking and compaction.
	Workers int

	// RegionsPerCycle bounds how many regions one region-based cycle
	// evacuates.
	RegionsPerCycle int

	// RememberedSetLimit bounds the remembered set's edge count.
	RememberedSetLimit int

	// FragmentationLimit is the old-generation fragmentation ratio above
	// which concurrent mark-sweep escalates to a full compacting pass.
	FragmentationLimit float64

	// HistorySize is the in-memory cycle report retention.
	HistorySize int

	// WatchInterval is the occupancy watcher's polling period.
	WatchInterval time.Duration

	// Sinks receive every completed cycle report.
	Sinks []Sink
}

// withDefaults returns a copy with zero values replaced by defaults.
func (o Options) withDefaults() Options {
	if o.YoungCapacity == 0 {
		o.YoungCapacity = DefaultYoungCapacity
	}
	if o.OldCapacity == 0 {
		o.OldCapacity = DefaultOldCapacity
	}
	if o.RegionSize == 0 {
		o.RegionSize = DefaultRegionSize
	}
	if o.PromotionThreshold == 0 {
		o.PromotionThreshold = DefaultPromotionThreshold
	}
	if o.PauseDeadline == 0 {
		o.PauseDeadline = DefaultPauseDeadline
	}
	if o.OccupancyTrigger == 0 {
		o.OccupancyTrigger = DefaultOccupancyTrigger
	}
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
		if o.Workers > 8 {
			o.Workers = 8
		}
	}
	if o.RegionsPerCycle <= 0 {
		o.RegionsPerCycle = DefaultRegionsPerCycle
	}
	if o.RememberedSetLimit <= 0 {
		o.RememberedSetLimit = DefaultRememberedSetLimit
	}
	if o.FragmentationLimit == 0 {
		o.FragmentationLimit = DefaultFragmentationLimit
	}
	if o.HistorySize <= 0 {
		o.HistorySize = DefaultHistorySize
	}
	if o.WatchInterval <= 0 {
		o.WatchInterval = DefaultWatchInterval
	}
	return o
}

// validate rejects option combinations the engine cannot honor. Called
// after withDefaults, so only explicit bad values remain.
func (o Options) validate() error {
	if o.Strategy > StrategyRegionIncremental {
		return fmt.Errorf("gc: unknown strategy %d", o.Strategy)
	}
	if o.OccupancyTrigger < 0 || o.OccupancyTrigger > 1 {
		return fmt.Errorf("gc: occupancy trigger %.2f outside [0, 1]", o.OccupancyTrigger)
	}
	if o.FragmentationLimit < 0 || o.FragmentationLimit >= 1 {
		return fmt.Errorf("gc: fragmentation limit %.2f outside [0, 1)", o.FragmentationLimit)
	}
	return nil
}
