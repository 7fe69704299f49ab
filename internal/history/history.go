// Package history provides the SQLite-backed run log and baseline snapshots
// used for delta reporting across engine runs.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultPath is the history database location under a tree root.
const DefaultPath = ".restruct/history.db"

// DB wraps the history database connection.
type DB struct {
	conn *sql.DB
}

// Open opens or creates the history database at the given path.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}

	// Enable WAL mode
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.ensureTables(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) ensureTables() error {
	schema := `
CREATE TABLE IF NOT EXISTS runs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  started_at INTEGER NOT NULL,
  state TEXT NOT NULL,
  tree_before TEXT NOT NULL,
  tree_after TEXT NOT NULL,
  git_head TEXT
);
CREATE INDEX IF NOT EXISTS runs_started ON runs(started_at);

CREATE TABLE IF NOT EXISTS baselines (
  run_id INTEGER NOT NULL,
  metric TEXT NOT NULL,
  unit TEXT NOT NULL,
  value INTEGER NOT NULL,
  PRIMARY KEY (run_id, metric, unit)
);
CREATE INDEX IF NOT EXISTS baselines_metric ON baselines(metric);
`
	if _, err := db.conn.Exec(schema); err != nil {
		return fmt.Errorf("applying history schema: %w", err)
	}
	return nil
}

// RecordRun inserts a run record and returns its id.
func (db *DB) RecordRun(state, treeBefore, treeAfter, gitHead string) (int64, error) {
	res, err := db.conn.Exec(`
		INSERT INTO runs (started_at, state, tree_before, tree_after, git_head)
		VALUES (?, ?, ?, ?, ?)
	`, time.Now().UnixMilli(), state, treeBefore, treeAfter, gitHead)
	if err != nil {
		return 0, fmt.Errorf("recording run: %w", err)
	}
	return res.LastInsertId()
}

// SaveBaseline stores a per-unit metric snapshot for a run.
func (db *DB) SaveBaseline(runID int64, metric string, values map[string]int) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for unit, value := range values {
		if _, err := tx.Exec(`
			INSERT OR REPLACE INTO baselines (run_id, metric, unit, value)
			VALUES (?, ?, ?, ?)
		`, runID, metric, unit, value); err != nil {
			return fmt.Errorf("saving baseline for %s: %w", unit, err)
		}
	}
	return tx.Commit()
}

// LatestBaseline returns the most recent baseline for a metric and the run
// id it belongs to. A missing baseline returns an empty map and run id 0.
func (db *DB) LatestBaseline(metric string) (map[string]int, int64, error) {
	var runID sql.NullInt64
	err := db.conn.QueryRow(`
		SELECT MAX(run_id) FROM baselines WHERE metric = ?
	`, metric).Scan(&runID)
	if err != nil {
		return nil, 0, fmt.Errorf("querying latest baseline: %w", err)
	}
	if !runID.Valid {
		return map[string]int{}, 0, nil
	}

	rows, err := db.conn.Query(`
		SELECT unit, value FROM baselines WHERE metric = ? AND run_id = ?
	`, metric, runID.Int64)
	if err != nil {
		return nil, 0, fmt.Errorf("querying baseline values: %w", err)
	}
	defer rows.Close()

	values := make(map[string]int)
	for rows.Next() {
		var unit string
		var value int
		if err := rows.Scan(&unit, &value); err != nil {
			return nil, 0, fmt.Errorf("scanning row: %w", err)
		}
		values[unit] = value
	}
	return values, runID.Int64, rows.Err()
}

// Delta is one per-unit change against a baseline.
type Delta struct {
	UnitID string
	Before int
	After  int
}

// DiffBaseline compares current per-unit values against the latest stored
// baseline for a metric, returning only units whose value changed, sorted
// by unit identifier.
func (db *DB) DiffBaseline(metric string, current map[string]int) ([]Delta, error) {
	baseline, _, err := db.LatestBaseline(metric)
	if err != nil {
		return nil, err
	}

	units := make(map[string]bool, len(baseline)+len(current))
	for u := range baseline {
		units[u] = true
	}
	for u := range current {
		units[u] = true
	}

	var deltas []Delta
	for u := range units {
		before := baseline[u]
		after := current[u]
		if before != after {
			deltas = append(deltas, Delta{UnitID: u, Before: before, After: after})
		}
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].UnitID < deltas[j].UnitID })
	return deltas, nil
}
