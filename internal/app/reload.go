package app

import (
	"context"
	"fmt"
	"reflect"

	"github.com/mattjoyce/toolbridge/internal/config"
	"github.com/mattjoyce/toolbridge/internal/descriptor"
	"github.com/mattjoyce/toolbridge/internal/events"
)

// ReloadResult describes what a reload changed.
type ReloadResult struct {
	Hash      string   `json:"hash"`
	Unchanged bool     `json:"unchanged"`
	Added     []string `json:"added,omitempty"`
	Removed   []string `json:"removed,omitempty"`
	Changed   []string `json:"changed,omitempty"`
	// RestartRequired lists settings that changed but only apply on restart.
	RestartRequired []string `json:"restart_required,omitempty"`
}

// Reload re-reads the configuration from disk and swaps in the new worker
// descriptors. Removed and changed workers are drained and stopped; new ones
// start on first demand. A file set whose hash matches the running config is
// a no-op. On any error the running state is unchanged.
func (a *App) Reload(ctx context.Context) (ReloadResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cur := a.cfg
	next, err := a.loader(cur.Path)
	if err != nil {
		return ReloadResult{}, fmt.Errorf("%w: %w", ErrReloadInvalid, err)
	}
	if next.Hash == cur.Hash {
		a.logger.Info("config reload skipped, content unchanged", "config_hash", shortHash(cur.Hash))
		return ReloadResult{Hash: cur.Hash, Unchanged: true}, nil
	}

	ds, err := next.Descriptors(discoveryLogger(a.logger))
	if err != nil {
		return ReloadResult{}, fmt.Errorf("%w: %w", ErrReloadInvalid, err)
	}
	diff, err := a.table.Reload(ds)
	if err != nil {
		return ReloadResult{}, fmt.Errorf("%w: %w", ErrReloadInvalid, err)
	}

	a.manager.ApplyReload(diff)
	for _, id := range diff.Removed {
		a.metrics.Forget(id)
		if err := a.state.Delete(ctx, id); err != nil {
			a.logger.Warn("failed to delete persisted metrics", "worker_id", id, "error", err)
		}
	}
	a.cfg = next

	res := ReloadResult{
		Hash:            next.Hash,
		Added:           diff.Added,
		Removed:         diff.Removed,
		Changed:         diff.Changed,
		RestartRequired: restartOnly(cur, next),
	}
	a.hub.Publish(events.TypeConfigReloaded, res)
	a.logger.Info("config reloaded",
		"config_hash", shortHash(next.Hash),
		"version", a.table.Snapshot().Version(),
		"added", diff.Added,
		"removed", diff.Removed,
		"changed", diff.Changed,
	)
	if len(res.RestartRequired) > 0 {
		a.logger.Warn("config changes need a restart to apply", "sections", res.RestartRequired)
	}
	return res, nil
}

// restartOnly names config sections that differ but are fixed at startup.
func restartOnly(cur, next *config.Config) []string {
	var out []string
	check := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			out = append(out, name)
		}
	}
	check("service", cur.Service, next.Service)
	check("state", cur.State, next.State)
	check("api", cur.API, next.API)
	check("routing", cur.Routing, next.Routing)
	check("lifecycle", cur.Lifecycle, next.Lifecycle)
	check("cache", cur.Cache, next.Cache)
	return out
}

// Descriptors returns the descriptors currently in effect.
func (a *App) Descriptors() []descriptor.Descriptor {
	return a.table.All()
}
