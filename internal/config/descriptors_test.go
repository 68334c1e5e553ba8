package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, root, id, capability string) {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	manifest := "id: " + id + "\nprotocol: 1\nentrypoint: run.sh\ncapabilities: [" + capability + "]\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.yaml"), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte("#!/bin/sh\n"), 0o755))
}

func TestDescriptorsMergesInlineAndDiscovered(t *testing.T) {
	dir := t.TempDir()
	workers := filepath.Join(dir, "workers")
	writeManifest(t, workers, "search", "search.web")
	writeManifest(t, workers, "echo", "text.shadowed")

	path := writeFile(t, dir, "config.yaml", `
worker_defaults:
  max_connections: 2
workers_dirs: [./workers]
workers:
  - id: echo
    capabilities: [text.echo]
    spawn:
      command: echo-worker
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	var warnings []string
	ds, err := cfg.Descriptors(func(level, msg string, args ...any) {
		if level == "warn" {
			warnings = append(warnings, msg)
		}
	})
	require.NoError(t, err)
	require.Len(t, ds, 2)

	assert.Equal(t, "echo", ds[0].ID)
	assert.Equal(t, "text.echo", ds[0].Capabilities[0].Name, "inline wins")
	assert.Equal(t, 2, ds[0].Limits.MaxConnections)
	assert.Equal(t, "search", ds[1].ID)
	assert.Equal(t, 2, ds[1].Limits.MaxConnections)
	assert.Contains(t, warnings, "discovered worker shadowed by inline config")
}

func TestDescriptorsMissingRoot(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "workers_dirs: [./nope]\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	_, err = cfg.Descriptors(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}
