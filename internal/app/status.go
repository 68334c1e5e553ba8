package app

import (
	"context"
	"time"

	"github.com/mattjoyce/toolbridge/internal/lifecycle"
	"github.com/mattjoyce/toolbridge/internal/metrics"
)

// WorkerStatus joins a worker's lifecycle view with its counters and health.
type WorkerStatus struct {
	lifecycle.Info
	Health  metrics.Health `json:"health"`
	Metrics metrics.Record `json:"metrics"`
}

// Workers reports every configured worker, started or not, ordered by id.
func (a *App) Workers() []WorkerStatus {
	snap := a.metrics.Snapshot()
	infos := a.manager.Instances()
	out := make([]WorkerStatus, 0, len(infos))
	for _, info := range infos {
		ws := WorkerStatus{
			Info:   info,
			Health: a.metrics.Health(info.ID, info.State, info.PermanentlyFailed),
		}
		if rec, ok := snap.Worker(info.ID); ok {
			ws.Metrics = rec
		} else {
			ws.Metrics = metrics.Record{WorkerID: info.ID}
		}
		ws.Metrics.LastHealth = ws.Health
		out = append(out, ws)
	}
	return out
}

// Worker reports one worker.
func (a *App) Worker(id string) (WorkerStatus, bool) {
	for _, ws := range a.Workers() {
		if ws.ID == id {
			return ws, true
		}
	}
	return WorkerStatus{}, false
}

// ResetWorker clears a crashed or permanently failed worker.
func (a *App) ResetWorker(id string) error {
	return a.manager.Reset(id)
}

// refreshHealth keeps last-known health current for persistence even when
// nobody is querying the API.
func (a *App) refreshHealth(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, info := range a.manager.Instances() {
				a.metrics.Health(info.ID, info.State, info.PermanentlyFailed)
			}
		}
	}
}
