// Package history persists collection-cycle reports to SQLite.
package history

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/oscar/gc"
)

var log = commonlog.GetLogger("oscar.history")

// Store is a SQLite-backed cycle log. It implements gc.Sink, so a heap
// configured with it records every completed cycle durably; the CLI and
// offline tooling read the log back for post-run reporting.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens a cycle log at the given path. The schema is
// bootstrapped on first use.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: setting busy timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS cycles (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		strategy TEXT NOT NULL,
		trigger_name TEXT NOT NULL,
		scope TEXT NOT NULL,
		started_unix_ns INTEGER NOT NULL,
		duration_ns INTEGER NOT NULL,
		start_occupancy REAL NOT NULL,
		end_occupancy REAL NOT NULL,
		reclaimed_bytes INTEGER NOT NULL,
		reclaimed_objects INTEGER NOT NULL,
		relocated_objects INTEGER NOT NULL,
		promoted_objects INTEGER NOT NULL,
		regions_collected INTEGER NOT NULL,
		total_pause_ns INTEGER NOT NULL,
		max_pause_ns INTEGER NOT NULL,
		sla_violation INTEGER NOT NULL,
		degraded INTEGER NOT NULL,
		aborted INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: creating table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// RecordCycle persists one cycle report. It implements gc.Sink; the
// scheduler calls it after the world has resumed, so a slow disk never
// extends a pause. Write failures are logged and dropped: the history is
// observability data, losing a row must not fail a collection.
func (s *Store) RecordCycle(report gc.CycleReport) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT OR REPLACE INTO cycles (
		id, seq, strategy, trigger_name, scope,
		started_unix_ns, duration_ns, start_occupancy, end_occupancy,
		reclaimed_bytes, reclaimed_objects, relocated_objects, promoted_objects,
		regions_collected, total_pause_ns, max_pause_ns,
		sla_violation, degraded, aborted
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		report.ID, report.Seq, report.Strategy.String(), report.Trigger.String(), report.Scope.String(),
		report.Started.UnixNano(), int64(report.Duration), report.StartOccupancy, report.EndOccupancy,
		int64(report.ReclaimedBytes), report.ReclaimedObjects, report.RelocatedObjects, report.PromotedObjects,
		report.RegionsCollected, int64(report.TotalPause()), int64(report.MaxPause()),
		boolInt(report.SLAViolation), boolInt(report.Degraded), boolInt(report.Aborted),
	)
	if err != nil {
		log.Errorf("recording cycle %d: %s", report.Seq, err)
	}
}

// Record is one persisted cycle, read back from the store.
type Record struct {
	ID       string
	Seq      uint64
	Strategy string
	Trigger  string
	Scope    string

	Started  time.Time
	Duration time.Duration

	StartOccupancy float64
	EndOccupancy   float64

	ReclaimedBytes   uint64
	ReclaimedObjects int
	RelocatedObjects int
	PromotedObjects  int
	RegionsCollected int

	TotalPause time.Duration
	MaxPause   time.Duration

	SLAViolation bool
	Degraded     bool
	Aborted      bool
}

// Recent returns up to n cycles, newest first.
func (s *Store) Recent(n int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT
		id, seq, strategy, trigger_name, scope,
		started_unix_ns, duration_ns, start_occupancy, end_occupancy,
		reclaimed_bytes, reclaimed_objects, relocated_objects, promoted_objects,
		regions_collected, total_pause_ns, max_pause_ns,
		sla_violation, degraded, aborted
	FROM cycles ORDER BY seq DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("history: querying cycles: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var started, duration, reclaimed, totalPause, maxPause int64
		var sla, degraded, aborted int
		if err := rows.Scan(
			&r.ID, &r.Seq, &r.Strategy, &r.Trigger, &r.Scope,
			&started, &duration, &r.StartOccupancy, &r.EndOccupancy,
			&reclaimed, &r.ReclaimedObjects, &r.RelocatedObjects, &r.PromotedObjects,
			&r.RegionsCollected, &totalPause, &maxPause,
			&sla, &degraded, &aborted,
		); err != nil {
			return nil, fmt.Errorf("history: scanning cycle: %w", err)
		}
		r.Started = time.Unix(0, started)
		r.Duration = time.Duration(duration)
		r.ReclaimedBytes = uint64(reclaimed)
		r.TotalPause = time.Duration(totalPause)
		r.MaxPause = time.Duration(maxPause)
		r.SLAViolation = sla != 0
		r.Degraded = degraded != 0
		r.Aborted = aborted != 0
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: reading cycles: %w", err)
	}
	return out, nil
}

// Count returns the number of persisted cycles.
func (s *Store) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM cycles").Scan(&n); err != nil {
		return 0, fmt.Errorf("history: counting cycles: %w", err)
	}
	return n, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
