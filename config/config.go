// Package config handles oscar.toml heap tuning manifests.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/inhies/go-bytesize"

	"github.com/chazu/oscar/gc"
)

// ManifestName is the file name Load and FindAndLoad look for.
const ManifestName = "oscar.toml"

// Manifest represents an oscar.toml heap configuration.
type Manifest struct {
	Heap      HeapConfig      `toml:"heap"`
	Collector CollectorConfig `toml:"collector"`
	History   HistoryConfig   `toml:"history"`
	Log       LogConfig       `toml:"log"`

	// Dir is the directory containing the oscar.toml file (set at load time).
	Dir string `toml:"-"`
}

// HeapConfig sizes the heap. Byte quantities are human-readable strings
// ("64KB", "1MB"); empty fields take the engine defaults.
type HeapConfig struct {
	YoungCapacity string `toml:"young-capacity"`
	OldCapacity   string `toml:"old-capacity"`
	RegionSize    string `toml:"region-size"`
}

// CollectorConfig tunes the collection strategy.
type CollectorConfig struct {
	Strategy           string  `toml:"strategy"`
	PromotionThreshold uint32  `toml:"promotion-threshold"`
	PauseDeadline      string  `toml:"pause-deadline"`
	OccupancyTrigger   float64 `toml:"occupancy-trigger"`
	Workers            int     `toml:"workers"`
	RegionsPerCycle    int     `toml:"regions-per-cycle"`
	RememberedSetLimit int     `toml:"remembered-set-limit"`
	FragmentationLimit float64 `toml:"fragmentation-limit"`
}

// HistoryConfig points cycle reporting at a SQLite store.
type HistoryConfig struct {
	Path string `toml:"path"`
}

// LogConfig sets log output for binaries that honor the manifest.
type LogConfig struct {
	Verbosity int    `toml:"verbosity"`
	Path      string `toml:"path"`
}

// Load parses an oscar.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return &m, nil
}

// FindAndLoad walks up from startDir to find an oscar.toml file, then loads
// and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, ManifestName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// HistoryPath returns the configured history database path resolved against
// the manifest directory, or "" when history is disabled.
func (m *Manifest) HistoryPath() string {
	if m.History.Path == "" {
		return ""
	}
	if filepath.IsAbs(m.History.Path) || m.Dir == "" {
		return m.History.Path
	}
	return filepath.Join(m.Dir, m.History.Path)
}

// Options validates the manifest and converts it to engine options. Empty
// fields stay zero, so the engine's own defaults apply.
func (m *Manifest) Options() (gc.Options, error) {
	var opts gc.Options
	var err error

	if m.Collector.Strategy != "" {
		opts.Strategy, err = gc.ParseStrategy(m.Collector.Strategy)
		if err != nil {
			return opts, fmt.Errorf("config: collector.strategy: %w", err)
		}
	}

	if opts.YoungCapacity, err = parseSize("heap.young-capacity", m.Heap.YoungCapacity); err != nil {
		return opts, err
	}
	if opts.OldCapacity, err = parseSize("heap.old-capacity", m.Heap.OldCapacity); err != nil {
		return opts, err
	}
	if opts.RegionSize, err = parseSize("heap.region-size", m.Heap.RegionSize); err != nil {
		return opts, err
	}

	if m.Collector.PauseDeadline != "" {
		opts.PauseDeadline, err = time.ParseDuration(m.Collector.PauseDeadline)
		if err != nil {
			return opts, fmt.Errorf("config: collector.pause-deadline: %w", err)
		}
	}

	opts.PromotionThreshold = m.Collector.PromotionThreshold
	opts.OccupancyTrigger = m.Collector.OccupancyTrigger
	opts.Workers = m.Collector.Workers
	opts.RegionsPerCycle = m.Collector.RegionsPerCycle
	opts.RememberedSetLimit = m.Collector.RememberedSetLimit
	opts.FragmentationLimit = m.Collector.FragmentationLimit
	return opts, nil
}

// parseSize converts a human-readable byte quantity ("64KB") to bytes.
// An empty string yields 0, leaving the engine default in force.
func parseSize(field, value string) (uint64, error) {
	if value == "" {
		return 0, nil
	}
	bs, err := bytesize.Parse(value)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %q: %w", field, value, err)
	}
	return uint64(bs), nil
}
