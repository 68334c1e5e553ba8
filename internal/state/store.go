// Package state persists metric snapshots to SQLite so counters survive
// restarts of the router.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// WorkerRow is the persisted form of one worker's counters.
type WorkerRow struct {
	WorkerID       string
	RequestsTotal  int64
	FailuresTotal  int64
	AvgLatencyMs   float64
	Spawns         int64
	Crashes        int64
	FailuresByKind map[string]int64
	LastHealth     string
	UpdatedAt      time.Time
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Save upserts every worker row and global counter in one transaction.
func (s *Store) Save(ctx context.Context, workers []WorkerRow, globals map[string]int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC().Format(time.RFC3339Nano)
	for _, w := range workers {
		if w.WorkerID == "" {
			return fmt.Errorf("worker id is empty")
		}
		kinds := w.FailuresByKind
		if kinds == nil {
			kinds = map[string]int64{}
		}
		kindsJSON, err := json.Marshal(kinds)
		if err != nil {
			return fmt.Errorf("marshal failures_by_kind for %q: %w", w.WorkerID, err)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO worker_metrics(worker_id, requests_total, failures_total, avg_latency_ms, spawns, crashes, failures_by_kind, last_health, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(worker_id) DO UPDATE SET
  requests_total = excluded.requests_total,
  failures_total = excluded.failures_total,
  avg_latency_ms = excluded.avg_latency_ms,
  spawns = excluded.spawns,
  crashes = excluded.crashes,
  failures_by_kind = excluded.failures_by_kind,
  last_health = excluded.last_health,
  updated_at = excluded.updated_at;
`, w.WorkerID, w.RequestsTotal, w.FailuresTotal, w.AvgLatencyMs, w.Spawns, w.Crashes, string(kindsJSON), w.LastHealth, now)
		if err != nil {
			return fmt.Errorf("upsert worker_metrics %q: %w", w.WorkerID, err)
		}
	}

	for name, value := range globals {
		_, err := tx.ExecContext(ctx, `
INSERT INTO global_metrics(name, value, updated_at)
VALUES(?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
  value = excluded.value,
  updated_at = excluded.updated_at;
`, name, value, now)
		if err != nil {
			return fmt.Errorf("upsert global_metrics %q: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Load returns all persisted worker rows (ordered by id) and global counters.
func (s *Store) Load(ctx context.Context) ([]WorkerRow, map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT worker_id, requests_total, failures_total, avg_latency_ms, spawns, crashes, failures_by_kind, COALESCE(last_health, ''), updated_at
FROM worker_metrics ORDER BY worker_id;`)
	if err != nil {
		return nil, nil, fmt.Errorf("query worker_metrics: %w", err)
	}
	defer rows.Close()

	var workers []WorkerRow
	for rows.Next() {
		var (
			w         WorkerRow
			kindsRaw  string
			updatedAt string
		)
		if err := rows.Scan(&w.WorkerID, &w.RequestsTotal, &w.FailuresTotal, &w.AvgLatencyMs, &w.Spawns, &w.Crashes, &kindsRaw, &w.LastHealth, &updatedAt); err != nil {
			return nil, nil, fmt.Errorf("scan worker_metrics: %w", err)
		}
		w.FailuresByKind = map[string]int64{}
		if kindsRaw != "" {
			if err := json.Unmarshal([]byte(kindsRaw), &w.FailuresByKind); err != nil {
				return nil, nil, fmt.Errorf("decode failures_by_kind for %q: %w", w.WorkerID, err)
			}
		}
		if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
			w.UpdatedAt = ts
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate worker_metrics: %w", err)
	}

	globals := map[string]int64{}
	grows, err := s.db.QueryContext(ctx, "SELECT name, value FROM global_metrics;")
	if err != nil {
		return nil, nil, fmt.Errorf("query global_metrics: %w", err)
	}
	defer grows.Close()
	for grows.Next() {
		var (
			name  string
			value int64
		)
		if err := grows.Scan(&name, &value); err != nil {
			return nil, nil, fmt.Errorf("scan global_metrics: %w", err)
		}
		globals[name] = value
	}
	if err := grows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate global_metrics: %w", err)
	}
	return workers, globals, nil
}

// Delete removes a worker's persisted counters.
func (s *Store) Delete(ctx context.Context, workerID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM worker_metrics WHERE worker_id = ?;", workerID); err != nil {
		return fmt.Errorf("delete worker_metrics %q: %w", workerID, err)
	}
	return nil
}
