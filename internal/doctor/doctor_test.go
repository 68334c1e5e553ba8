package doctor

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/toolbridge/internal/config"
	"github.com/mattjoyce/toolbridge/internal/descriptor"
)

func validConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	bin := filepath.Join(dir, "worker")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))

	cfg := config.Defaults()
	cfg.API.Enabled = false
	cfg.State.Path = filepath.Join(dir, "state.db")
	cfg.Workers = []descriptor.Descriptor{{
		ID:           "echo",
		Capabilities: descriptor.Capabilities{{Name: "text.echo", Cacheable: true}},
		Spawn:        descriptor.Spawn{Command: bin},
	}}
	return cfg
}

func newDoctor(cfg *config.Config) *Doctor {
	d := New(cfg)
	d.lookPath = func(name string) (string, error) {
		if name == "python3" {
			return "/usr/bin/python3", nil
		}
		return "", errors.New("not found")
	}
	return d
}

func hasIssue(issues []Issue, category, fieldPart string) bool {
	for _, i := range issues {
		if i.Category == category && strings.Contains(i.Field, fieldPart) {
			return true
		}
	}
	return false
}

func TestValidConfig(t *testing.T) {
	r := newDoctor(validConfig(t)).Validate()
	assert.True(t, r.Valid, FormatHuman(r))
	assert.Empty(t, r.Warnings)
	assert.Equal(t, 1, r.Workers)
	assert.Contains(t, FormatHuman(r), "Configuration valid (1 worker(s))")
}

func TestSpawnCommandChecks(t *testing.T) {
	cfg := validConfig(t)
	dir := filepath.Dir(cfg.State.Path)
	notExec := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(notExec, []byte("x"), 0o644))

	cfg.Workers = append(cfg.Workers,
		descriptor.Descriptor{ID: "py", Capabilities: descriptor.Capabilities{{Name: "a"}}, Spawn: descriptor.Spawn{Command: "python3"}},
		descriptor.Descriptor{ID: "ghost", Capabilities: descriptor.Capabilities{{Name: "b"}}, Spawn: descriptor.Spawn{Command: "ghost-bin"}},
		descriptor.Descriptor{ID: "plain", Capabilities: descriptor.Capabilities{{Name: "c"}}, Spawn: descriptor.Spawn{Command: notExec}},
		descriptor.Descriptor{ID: "nodir", Capabilities: descriptor.Capabilities{{Name: "d"}}, Spawn: descriptor.Spawn{Command: "python3", Dir: filepath.Join(dir, "missing")}},
	)

	r := newDoctor(cfg).Validate()
	assert.False(t, r.Valid)
	assert.False(t, hasIssue(r.Errors, "spawn", "workers.py."))
	assert.True(t, hasIssue(r.Errors, "spawn", "workers.ghost.spawn.command"))
	assert.True(t, hasIssue(r.Errors, "spawn", "workers.plain.spawn.command"))
	assert.True(t, hasIssue(r.Errors, "spawn", "workers.nodir.spawn.dir"))
}

func TestInvalidDescriptorsReported(t *testing.T) {
	cfg := validConfig(t)
	cfg.Workers = append(cfg.Workers, cfg.Workers[0])

	r := newDoctor(cfg).Validate()
	assert.False(t, r.Valid)
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "workers", r.Errors[0].Category)
	assert.Contains(t, r.Errors[0].Message, "duplicate worker id")
}

func TestWarnings(t *testing.T) {
	cfg := validConfig(t)
	cfg.Cache.Enabled = false
	cfg.Routing.Policy = "priority"
	cfg.Routing.DefaultTimeout = 5 * time.Second
	cfg.API.Enabled = true
	cfg.API.Listen = "0.0.0.0:8090"
	w := cfg.Workers[0]
	w.StartupTimeout = 10 * time.Second
	w.IdleTimeout = 100 * time.Millisecond
	w.Capabilities = descriptor.Capabilities{
		{Name: "text.echo", Cacheable: true},
		{Name: "text.ttl", CacheTTL: time.Minute},
	}
	other := w
	other.ID = "echo2"
	cfg.Workers = []descriptor.Descriptor{w, other}

	r := newDoctor(cfg).Validate()
	assert.True(t, r.Valid, FormatHuman(r))
	assert.True(t, hasIssue(r.Warnings, "cache", "capabilities.text.echo"))
	assert.True(t, hasIssue(r.Warnings, "cache", "capabilities.text.ttl"))
	assert.True(t, hasIssue(r.Warnings, "timeouts", "startup_timeout"))
	assert.True(t, hasIssue(r.Warnings, "timeouts", "idle_timeout"))
	assert.True(t, hasIssue(r.Warnings, "routing", "routing.policy"))
	assert.True(t, hasIssue(r.Warnings, "api", "api.token"))
}

func TestLoopbackAPIWithoutTokenIsFine(t *testing.T) {
	cfg := validConfig(t)
	cfg.API.Enabled = true
	cfg.API.Listen = "127.0.0.1:8090"
	r := newDoctor(cfg).Validate()
	assert.False(t, hasIssue(r.Warnings, "api", ""))
}

func TestNoWorkersWarns(t *testing.T) {
	cfg := validConfig(t)
	cfg.Workers = nil
	r := newDoctor(cfg).Validate()
	assert.True(t, r.Valid)
	assert.True(t, hasIssue(r.Warnings, "workers", "workers"))
}

func TestFormatJSON(t *testing.T) {
	r := &Result{Valid: false, Errors: []Issue{{Category: "spawn", Message: "boom"}}}
	out, err := FormatJSON(r)
	require.NoError(t, err)
	assert.Contains(t, out, `"valid": false`)
	assert.Contains(t, out, `"boom"`)
	assert.Contains(t, FormatHuman(r), "ERROR [spawn] boom")
}
