package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const echoWorker = `
workers:
  - id: echo
    capabilities: [text.echo]
    spawn:
      command: ./bin/echo-worker
`

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config, dir string)
	}{
		{
			name: "defaults fill an almost empty file",
			yaml: "service:\n  name: test\n",
			checkFn: func(t *testing.T, cfg *Config, dir string) {
				assert.Equal(t, "test", cfg.Service.Name)
				assert.Equal(t, "info", cfg.Service.LogLevel)
				assert.Equal(t, "least-loaded", cfg.Routing.Policy)
				assert.Equal(t, 3, cfg.Routing.Retry.MaxAttempts)
				assert.Equal(t, filepath.Join(dir, "data", "state.db"), cfg.State.Path)
				assert.True(t, cfg.Cache.Enabled)
			},
		},
		{
			name: "durations and explicit false",
			yaml: `
routing:
  policy: priority
  default_timeout: 2s
  retry:
    max_attempts: 5
    backoff_base: 10ms
    backoff_max: 100ms
cache:
  enabled: false
api:
  enabled: false
`,
			checkFn: func(t *testing.T, cfg *Config, _ string) {
				assert.Equal(t, "priority", cfg.Routing.Policy)
				assert.Equal(t, 2*time.Second, cfg.Routing.DefaultTimeout)
				assert.Equal(t, 10*time.Millisecond, cfg.Routing.Retry.BackoffBase)
				assert.False(t, cfg.Cache.Enabled)
				assert.False(t, cfg.API.Enabled)
			},
		},
		{
			name: "inline worker paths resolved against config dir",
			yaml: echoWorker,
			checkFn: func(t *testing.T, cfg *Config, dir string) {
				require.Len(t, cfg.Workers, 1)
				w := cfg.Workers[0]
				assert.Equal(t, filepath.Join(dir, "bin", "echo-worker"), w.Spawn.Command)
				assert.Equal(t, cfg.Path, w.Source)
			},
		},
		{
			name: "bare command left for PATH lookup",
			yaml: `
workers:
  - id: py
    capabilities: [code.run]
    spawn:
      command: python3
`,
			checkFn: func(t *testing.T, cfg *Config, _ string) {
				assert.Equal(t, "python3", cfg.Workers[0].Spawn.Command)
			},
		},
		{
			name: "env var interpolation",
			yaml: `
state:
  path: ${TB_STATE}
cache:
  backend: redis
  redis:
    addr: ${TB_REDIS}
`,
			env: map[string]string{"TB_STATE": "/tmp/tb/state.db", "TB_REDIS": "localhost:6379"},
			checkFn: func(t *testing.T, cfg *Config, _ string) {
				assert.Equal(t, "/tmp/tb/state.db", cfg.State.Path)
				assert.Equal(t, "localhost:6379", cfg.Cache.Redis.Addr)
			},
		},
		{
			name: "api rate limit",
			yaml: "api:\n  rate_limit:\n    requests_per_minute: 60\n    burst: 10\n",
			checkFn: func(t *testing.T, cfg *Config, dir string) {
				assert.Equal(t, 60, cfg.API.RateLimit.RequestsPerMinute)
				assert.Equal(t, 10, cfg.API.RateLimit.Burst)
			},
		},
		{
			name:    "negative rate limit rejected",
			yaml:    "api:\n  rate_limit:\n    requests_per_minute: -1\n",
			wantErr: "api.rate_limit",
		},
		{
			name:    "unknown policy rejected",
			yaml:    "routing:\n  policy: random\n",
			wantErr: "routing.policy",
		},
		{
			name:    "redis without addr rejected",
			yaml:    "cache:\n  backend: redis\n",
			wantErr: "cache.redis.addr",
		},
		{
			name:    "unset redis password rejected",
			yaml:    "cache:\n  backend: redis\n  redis:\n    addr: x:1\n    password: ${TB_UNSET_PASSWORD}\n",
			wantErr: "TB_UNSET_PASSWORD",
		},
		{
			name: "duplicate worker ids rejected",
			yaml: echoWorker + `  - id: echo
    capabilities: [text.echo]
    spawn:
      command: other
`,
			wantErr: "duplicate worker id",
		},
		{
			name: "worker without capabilities rejected",
			yaml: `
workers:
  - id: bare
    spawn:
      command: bare
`,
			wantErr: "at least one capability",
		},
		{
			name:    "invalid yaml",
			yaml:    "service: [",
			wantErr: "failed to parse YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			dir := t.TempDir()
			path := writeFile(t, dir, "config.yaml", tt.yaml)

			cfg, err := Load(path)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, path, cfg.Path)
			assert.NotEmpty(t, cfg.Hash)
			if tt.checkFn != nil {
				tt.checkFn(t, cfg, dir)
			}
		})
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "service:\n  name: fromdir\n")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path)
	assert.Equal(t, "fromdir", cfg.Service.Name)

	_, err = Load(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config.yaml not found")
}

func TestLoadIncludes(t *testing.T) {
	dir := t.TempDir()
	root := writeFile(t, dir, "config.yaml", `
include:
  - conf.d/routing.yaml
  - conf.d/workers.yaml
routing:
  policy: first-match
workers_dirs: [./workers]
`)
	routing := writeFile(t, dir, "conf.d/routing.yaml", `
routing:
  policy: priority
  retry:
    max_attempts: 7
`)
	workers := writeFile(t, dir, "conf.d/workers.yaml", echoWorker+`
workers_dirs: [./more]
include: [extra.yaml]
`)
	extra := writeFile(t, dir, "conf.d/extra.yaml", `
workers:
  - id: search
    capabilities: [search.web]
    spawn:
      command: ./search
`)

	cfg, err := Load(root)
	require.NoError(t, err)

	assert.Equal(t, []string{root, routing, workers, extra}, cfg.SourceFiles)
	assert.Equal(t, "priority", cfg.Routing.Policy, "later files override")
	assert.Equal(t, 7, cfg.Routing.Retry.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Routing.Retry.BackoffBase, "unset fields keep defaults")
	assert.Equal(t, []string{
		filepath.Join(dir, "workers"),
		filepath.Join(dir, "conf.d", "more"),
	}, cfg.WorkersDirs)

	require.Len(t, cfg.Workers, 2)
	assert.Equal(t, filepath.Join(dir, "conf.d", "bin", "echo-worker"), cfg.Workers[0].Spawn.Command)
	assert.Equal(t, filepath.Join(dir, "conf.d", "search"), cfg.Workers[1].Spawn.Command)
	assert.Equal(t, extra, cfg.Workers[1].Source)
	assert.Equal(t, []string{dir, filepath.Join(dir, "conf.d")}, cfg.Dirs())
}

func TestLoadIncludeErrors(t *testing.T) {
	t.Run("cycle", func(t *testing.T) {
		dir := t.TempDir()
		root := writeFile(t, dir, "config.yaml", "include: [a.yaml]\n")
		writeFile(t, dir, "a.yaml", "include: [config.yaml]\n")

		_, err := Load(root)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "circular dependency")
	})

	t.Run("missing file", func(t *testing.T) {
		dir := t.TempDir()
		root := writeFile(t, dir, "config.yaml", "include: [missing.yaml]\n")

		_, err := Load(root)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "file not found")
	})
}

func TestLoadHashChangesWithContent(t *testing.T) {
	dir := t.TempDir()
	root := writeFile(t, dir, "config.yaml", "include: [a.yaml]\n")
	writeFile(t, dir, "a.yaml", "routing:\n  policy: priority\n")

	first, err := Load(root)
	require.NoError(t, err)
	again, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, first.Hash, again.Hash)

	writeFile(t, dir, "a.yaml", "routing:\n  policy: first-match\n")
	changed, err := Load(root)
	require.NoError(t, err)
	assert.NotEqual(t, first.Hash, changed.Hash)
}

func TestDiscoverConfigDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TOOLBRIDGE_CONFIG_DIR", dir)

	got, err := DiscoverConfigDir()
	require.NoError(t, err)
	assert.Equal(t, dir, got)
}

func TestInterpolateEnv(t *testing.T) {
	tests := []struct {
		name  string
		input string
		env   map[string]string
		want  string
	}{
		{
			name:  "simple replacement",
			input: "path: ${TB_HOME}/data",
			env:   map[string]string{"TB_HOME": "/users/test"},
			want:  "path: /users/test/data",
		},
		{
			name:  "multiple vars",
			input: "${TB_USER}:${TB_PASS}@${TB_HOST}",
			env:   map[string]string{"TB_USER": "admin", "TB_PASS": "secret", "TB_HOST": "localhost"},
			want:  "admin:secret@localhost",
		},
		{
			name:  "undefined var unchanged",
			input: "key: ${TB_UNDEFINED}",
			want:  "key: ${TB_UNDEFINED}",
		},
		{
			name:  "no vars",
			input: "plain text",
			want:  "plain text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			assert.Equal(t, tt.want, interpolateEnv(tt.input))
		})
	}
}

func TestLoadExampleConfig(t *testing.T) {
	cfg, err := Load("../../examples/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "least-loaded", cfg.Routing.Policy)
	assert.Equal(t, 600, cfg.API.RateLimit.RequestsPerMinute)
	require.Len(t, cfg.Workers, 1)
	assert.Equal(t, "echo-inline", cfg.Workers[0].ID)
	assert.True(t, cfg.Workers[0].Capabilities[0].Cacheable)
	assert.True(t, filepath.IsAbs(cfg.State.Path))
	require.Len(t, cfg.WorkersDirs, 1)
	assert.Equal(t, "workers", filepath.Base(cfg.WorkersDirs[0]))
}
