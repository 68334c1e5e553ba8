// Package metrics keeps per-worker and global routing counters in memory,
// derives worker health from recent outcomes and persists snapshots on a
// schedule.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mattjoyce/toolbridge/internal/state"
)

// DefaultWindow is the number of recent outcomes kept per worker for health.
const DefaultWindow = 20

// Global counter names, as persisted in global_metrics.
const (
	GlobalRequests    = "requests_total"
	GlobalFailures    = "failures_total"
	GlobalCacheHits   = "cache_hits"
	GlobalCacheMisses = "cache_misses"
	GlobalSpawns      = "spawns"
	GlobalCrashes     = "crashes"

	globalFailureKindPrefix = "failures."
)

// Persister stores and loads snapshots. *state.Store implements it.
type Persister interface {
	Save(ctx context.Context, workers []state.WorkerRow, globals map[string]int64) error
	Load(ctx context.Context) ([]state.WorkerRow, map[string]int64, error)
}

// Record is one worker's counters.
type Record struct {
	WorkerID       string           `json:"worker_id"`
	RequestsTotal  int64            `json:"requests_total"`
	FailuresTotal  int64            `json:"failures_total"`
	AvgLatencyMs   float64          `json:"avg_latency_ms"`
	Spawns         int64            `json:"spawns"`
	Crashes        int64            `json:"crashes"`
	FailuresByKind map[string]int64 `json:"failures_by_kind"`
	LastHealth     Health           `json:"last_health,omitempty"`
}

// Global holds router-wide counters.
type Global struct {
	RequestsTotal  int64            `json:"requests_total"`
	FailuresTotal  int64            `json:"failures_total"`
	CacheHits      int64            `json:"cache_hits"`
	CacheMisses    int64            `json:"cache_misses"`
	Spawns         int64            `json:"spawns"`
	Crashes        int64            `json:"crashes"`
	FailuresByKind map[string]int64 `json:"failures_by_kind"`
}

// Snapshot is a consistent point-in-time copy of the store.
type Snapshot struct {
	Workers []Record  `json:"workers"`
	Global  Global    `json:"global"`
	TakenAt time.Time `json:"taken_at"`
}

// Worker returns the record for id, if present.
func (s Snapshot) Worker(id string) (Record, bool) {
	for _, r := range s.Workers {
		if r.WorkerID == id {
			return r, true
		}
	}
	return Record{}, false
}

// Attempt is the outcome of one dispatch to one worker.
type Attempt struct {
	WorkerID string
	// Kind is empty on success, otherwise the failure kind.
	Kind    string
	Latency time.Duration
}

// Route is the final outcome of one routed request.
type Route struct {
	Capability string
	Kind       string
	Cached     bool
	Duration   time.Duration
}

type workerStats struct {
	rec    Record
	recent []bool // ring of outcomes, true = failure
	next   int
	filled bool
}

func (w *workerStats) push(failed bool, window int) {
	if len(w.recent) < window {
		w.recent = append(w.recent, failed)
		return
	}
	w.recent[w.next] = failed
	w.next = (w.next + 1) % window
	w.filled = true
}

func (w *workerStats) failureRate() (float64, int) {
	if len(w.recent) == 0 {
		return 0, 0
	}
	n := 0
	for _, f := range w.recent {
		if f {
			n++
		}
	}
	return float64(n) / float64(len(w.recent)), len(w.recent)
}

type Options struct {
	Persister  Persister
	Registerer prometheus.Registerer
	// Window is the number of recent outcomes used for health.
	Window int
	// DegradedThreshold is the failure rate at or above which a worker is degraded.
	DegradedThreshold float64
	Logger            *slog.Logger
}

// Store is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	workers map[string]*workerStats
	global  Global
	dirty   bool

	window    int
	threshold float64
	persister Persister
	prom      *collectors
	logger    *slog.Logger
	now       func() time.Time
}

func New(opts Options) (*Store, error) {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.DegradedThreshold <= 0 {
		opts.DegradedThreshold = 0.25
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	s := &Store{
		workers:   make(map[string]*workerStats),
		global:    Global{FailuresByKind: map[string]int64{}},
		window:    opts.Window,
		threshold: opts.DegradedThreshold,
		persister: opts.Persister,
		logger:    opts.Logger,
		now:       time.Now,
	}
	if opts.Registerer != nil {
		prom, err := newCollectors(opts.Registerer)
		if err != nil {
			return nil, err
		}
		s.prom = prom
	}
	return s, nil
}

func (s *Store) workerLocked(id string) *workerStats {
	w, ok := s.workers[id]
	if !ok {
		w = &workerStats{rec: Record{WorkerID: id, FailuresByKind: map[string]int64{}}}
		s.workers[id] = w
	}
	return w
}

// RecordAttempt counts one dispatch to a worker.
func (s *Store) RecordAttempt(a Attempt) {
	if a.WorkerID == "" {
		return
	}
	s.mu.Lock()
	w := s.workerLocked(a.WorkerID)
	w.rec.RequestsTotal++
	ms := float64(a.Latency) / float64(time.Millisecond)
	w.rec.AvgLatencyMs += (ms - w.rec.AvgLatencyMs) / float64(w.rec.RequestsTotal)
	failed := a.Kind != ""
	if failed {
		w.rec.FailuresTotal++
		w.rec.FailuresByKind[a.Kind]++
	}
	w.push(failed, s.window)
	s.dirty = true
	s.mu.Unlock()

	if s.prom != nil {
		s.prom.observeAttempt(a)
	}
}

// RecordRoute counts one routed request in the global counters.
func (s *Store) RecordRoute(r Route) {
	s.mu.Lock()
	s.global.RequestsTotal++
	if r.Kind != "" {
		s.global.FailuresTotal++
		s.global.FailuresByKind[r.Kind]++
	}
	s.dirty = true
	s.mu.Unlock()

	if s.prom != nil {
		s.prom.observeRoute(r)
	}
}

// RecordCacheLookup counts a cache hit or miss.
func (s *Store) RecordCacheLookup(hit bool) {
	s.mu.Lock()
	if hit {
		s.global.CacheHits++
	} else {
		s.global.CacheMisses++
	}
	s.dirty = true
	s.mu.Unlock()

	if s.prom != nil {
		s.prom.observeCache(hit)
	}
}

func (s *Store) RecordSpawn(workerID string) {
	s.mu.Lock()
	s.workerLocked(workerID).rec.Spawns++
	s.global.Spawns++
	s.dirty = true
	s.mu.Unlock()

	if s.prom != nil {
		s.prom.spawns.WithLabelValues(workerID).Inc()
	}
}

// RecordCrash counts a crash. A crash also counts as a failed outcome for
// health purposes.
func (s *Store) RecordCrash(workerID string) {
	s.mu.Lock()
	w := s.workerLocked(workerID)
	w.rec.Crashes++
	w.push(true, s.window)
	s.global.Crashes++
	s.dirty = true
	s.mu.Unlock()

	if s.prom != nil {
		s.prom.crashes.WithLabelValues(workerID).Inc()
	}
}

// Forget drops in-memory counters for a worker that left the table.
func (s *Store) Forget(workerID string) {
	s.mu.Lock()
	delete(s.workers, workerID)
	s.dirty = true
	s.mu.Unlock()
}

// Snapshot returns a deep copy, workers sorted by id.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Workers: make([]Record, 0, len(s.workers)),
		Global:  s.global,
		TakenAt: s.now(),
	}
	snap.Global.FailuresByKind = maps.Clone(s.global.FailuresByKind)
	for _, w := range s.workers {
		rec := w.rec
		rec.FailuresByKind = maps.Clone(w.rec.FailuresByKind)
		snap.Workers = append(snap.Workers, rec)
	}
	slices.SortFunc(snap.Workers, func(a, b Record) int { return strings.Compare(a.WorkerID, b.WorkerID) })
	return snap
}

// Flush persists the current snapshot if anything changed since the last
// successful flush.
func (s *Store) Flush(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	s.dirty = false
	s.mu.Unlock()

	snap := s.Snapshot()
	rows := make([]state.WorkerRow, 0, len(snap.Workers))
	for _, r := range snap.Workers {
		rows = append(rows, state.WorkerRow{
			WorkerID:       r.WorkerID,
			RequestsTotal:  r.RequestsTotal,
			FailuresTotal:  r.FailuresTotal,
			AvgLatencyMs:   r.AvgLatencyMs,
			Spawns:         r.Spawns,
			Crashes:        r.Crashes,
			FailuresByKind: r.FailuresByKind,
			LastHealth:     string(r.LastHealth),
		})
	}
	if err := s.persister.Save(ctx, rows, globalsToMap(snap.Global)); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return fmt.Errorf("flush metrics: %w", err)
	}
	return nil
}

// Load resumes counters from the persister. Counters already recorded in
// memory are added on top of the persisted values.
func (s *Store) Load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	rows, globals, err := s.persister.Load(ctx)
	if err != nil {
		return fmt.Errorf("load metrics: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		w := s.workerLocked(row.WorkerID)
		total := w.rec.RequestsTotal + row.RequestsTotal
		if total > 0 {
			w.rec.AvgLatencyMs = (w.rec.AvgLatencyMs*float64(w.rec.RequestsTotal) + row.AvgLatencyMs*float64(row.RequestsTotal)) / float64(total)
		}
		w.rec.RequestsTotal = total
		w.rec.FailuresTotal += row.FailuresTotal
		w.rec.Spawns += row.Spawns
		w.rec.Crashes += row.Crashes
		for k, v := range row.FailuresByKind {
			w.rec.FailuresByKind[k] += v
		}
		if w.rec.LastHealth == "" {
			w.rec.LastHealth = Health(row.LastHealth)
		}
	}
	for name, v := range globals {
		switch name {
		case GlobalRequests:
			s.global.RequestsTotal += v
		case GlobalFailures:
			s.global.FailuresTotal += v
		case GlobalCacheHits:
			s.global.CacheHits += v
		case GlobalCacheMisses:
			s.global.CacheMisses += v
		case GlobalSpawns:
			s.global.Spawns += v
		case GlobalCrashes:
			s.global.Crashes += v
		default:
			if kind, ok := strings.CutPrefix(name, globalFailureKindPrefix); ok {
				s.global.FailuresByKind[kind] += v
			}
		}
	}
	s.logger.Info("metrics loaded", "workers", len(rows))
	return nil
}

// Run flushes every interval until ctx is done, then flushes once more
// using a short detached context.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := s.Flush(fctx); err != nil {
				s.logger.Error("final metrics flush failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				s.logger.Warn("metrics flush failed", "error", err)
			}
		}
	}
}

func globalsToMap(g Global) map[string]int64 {
	m := map[string]int64{
		GlobalRequests:    g.RequestsTotal,
		GlobalFailures:    g.FailuresTotal,
		GlobalCacheHits:   g.CacheHits,
		GlobalCacheMisses: g.CacheMisses,
		GlobalSpawns:      g.Spawns,
		GlobalCrashes:     g.Crashes,
	}
	for k, v := range g.FailuresByKind {
		m[globalFailureKindPrefix+k] = v
	}
	return m
}
