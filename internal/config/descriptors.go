package config

import (
	"fmt"

	"github.com/mattjoyce/toolbridge/internal/descriptor"
)

// Descriptors builds the worker descriptor set: inline workers first, then
// manifests discovered under workers_dirs. An inline worker wins over a
// discovered one with the same id.
func (c *Config) Descriptors(logger descriptor.LogFunc) ([]descriptor.Descriptor, error) {
	if logger == nil {
		logger = func(string, string, ...any) {}
	}
	def := c.WorkerDefaults.Descriptor()

	out := make([]descriptor.Descriptor, 0, len(c.Workers))
	seen := make(map[string]bool, len(c.Workers))
	for _, w := range c.Workers {
		out = append(out, w.WithDefaults(def))
		seen[w.ID] = true
	}

	if len(c.WorkersDirs) > 0 {
		discovered, err := descriptor.Discover(c.WorkersDirs, def, logger)
		if err != nil {
			return nil, fmt.Errorf("discover workers: %w", err)
		}
		for _, d := range discovered {
			if seen[d.ID] {
				logger("warn", "discovered worker shadowed by inline config", "worker_id", d.ID, "ignored_path", d.Source)
				continue
			}
			seen[d.ID] = true
			out = append(out, d)
		}
	}

	if err := descriptor.ValidateAll(out); err != nil {
		return nil, err
	}
	descriptor.SortByID(out)
	return out, nil
}
