package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/toolbridge/internal/config"
	"github.com/mattjoyce/toolbridge/internal/lifecycle"
	"github.com/mattjoyce/toolbridge/internal/metrics"
	"github.com/mattjoyce/toolbridge/internal/router"
	"github.com/mattjoyce/toolbridge/internal/workerproc"
)

const helperEnv = "TOOLBRIDGE_APP_HELPER"

// TestHelperProcess is re-executed by the exec spawner as a worker binary.
func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) == "" {
		return
	}
	cfg, err := workerproc.ConfigFromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	mux := workerproc.NewMux()
	mux.Handle("text.echo", func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	})
	mux.Handle("util.sleep", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		select {
		case <-time.After(150 * time.Millisecond):
			return payload, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	mux.Handle("text.upper", func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var s string
		if err := json.Unmarshal(payload, &s); err != nil {
			return nil, workerproc.NoRetry(err)
		}
		return json.Marshal(strings.ToUpper(s))
	})
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()
	if err := workerproc.Serve(ctx, cfg, mux); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

func workerYAML(id string, caps string) string {
	return fmt.Sprintf(`
  - id: %s
    capabilities: %s
    spawn:
      command: %s
      args: ["-test.run=TestHelperProcess", "--"]
      env:
        %s: serve
`, id, caps, os.Args[0], helperEnv)
}

type fixture struct {
	dir     string
	cfgPath string
	runDir  string
	// lifecycle holds extra indented lines for the lifecycle section.
	lifecycle string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	runDir, err := os.MkdirTemp("", "tba")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(runDir) })
	dir := t.TempDir()
	return &fixture{dir: dir, cfgPath: filepath.Join(dir, "config.yaml"), runDir: runDir}
}

func (f *fixture) write(t *testing.T, workers ...string) *config.Config {
	t.Helper()
	body := fmt.Sprintf(`
service:
  log_level: debug
state:
  path: ./state.db
  flush_interval: 1h
api:
  enabled: false
lifecycle:
  runtime_dir: %s
  stop_grace: 500ms
%srouting:
  retry:
    backoff_base: 5ms
    backoff_max: 20ms
workers:
%s`, f.runDir, f.lifecycle, strings.Join(workers, ""))
	require.NoError(t, os.WriteFile(f.cfgPath, []byte(body), 0o644))
	cfg, err := config.Load(f.cfgPath)
	require.NoError(t, err)
	return cfg
}

func start(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, Options{})
	require.NoError(t, err)
	return a
}

func shutdown(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Shutdown(ctx))
}

func TestRouteThroughRealWorker(t *testing.T) {
	f := newFixture(t)
	cfg := f.write(t, workerYAML("echo", `[{name: text.echo, cacheable: true, cache_ttl: 1m}, text.upper]`))
	a := start(t, cfg)

	ctx := context.Background()
	res := a.Route(ctx, router.Request{Capability: "text.upper", Payload: json.RawMessage(`"hi"`)})
	require.True(t, res.OK(), "failure: %v", res.Failure)
	assert.JSONEq(t, `"HI"`, string(res.Payload))
	assert.Equal(t, "echo", res.WorkerID)
	assert.False(t, res.Cached)

	first := a.Route(ctx, router.Request{Capability: "text.echo", Payload: json.RawMessage(`{"b":1,"a":2}`)})
	require.True(t, first.OK())
	assert.False(t, first.Cached)
	second := a.Route(ctx, router.Request{Capability: "text.echo", Payload: json.RawMessage(`{"a":2, "b":1}`)})
	require.True(t, second.OK())
	assert.True(t, second.Cached)

	bad := a.Route(ctx, router.Request{Capability: "text.upper", Payload: json.RawMessage(`42`)})
	require.NotNil(t, bad.Failure)
	assert.Equal(t, router.KindWorkerError, bad.Failure.Kind)

	none := a.Route(ctx, router.Request{Capability: "nope", Payload: json.RawMessage(`{}`)})
	require.NotNil(t, none.Failure)
	assert.Equal(t, router.KindNoCapability, none.Failure.Kind)

	ws, ok := a.Worker("echo")
	require.True(t, ok)
	assert.Equal(t, lifecycle.StateReady, ws.State)
	assert.Equal(t, int64(1), ws.Metrics.Spawns)
	assert.Equal(t, int64(3), ws.Metrics.RequestsTotal, "cache hit is not a worker attempt")
	assert.Equal(t, int64(1), ws.Metrics.FailuresTotal)

	g := a.Metrics().Snapshot().Global
	assert.Equal(t, int64(5), g.RequestsTotal)
	assert.Equal(t, int64(1), g.CacheHits)
	assert.Equal(t, int64(1), g.FailuresByKind[string(router.KindNoCapability)])

	shutdown(t, a)

	// Counters survive a restart.
	again := start(t, cfg)
	defer shutdown(t, again)
	rec, ok := again.Metrics().Snapshot().Worker("echo")
	require.True(t, ok)
	assert.Equal(t, int64(3), rec.RequestsTotal)
	assert.Equal(t, int64(1), rec.Spawns)
	assert.Equal(t, int64(5), again.Metrics().Snapshot().Global.RequestsTotal)

	ws, ok = again.Worker("echo")
	require.True(t, ok)
	assert.Equal(t, lifecycle.StateStopped, ws.State)
	assert.Equal(t, metrics.HealthReady, ws.Health)
}

func TestReload(t *testing.T) {
	f := newFixture(t)
	cfg := f.write(t, workerYAML("echo", "[text.echo]"))
	a := start(t, cfg)
	defer shutdown(t, a)
	sub, cancel := a.Hub().Subscribe()
	defer cancel()

	res, err := a.Reload(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Unchanged)

	f.write(t, workerYAML("echo", "[text.echo]"), workerYAML("upper", "[text.upper]"))
	res, err = a.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Unchanged)
	assert.Equal(t, []string{"upper"}, res.Added)
	assert.Empty(t, res.Removed)
	assert.Len(t, a.Descriptors(), 2)
	assert.NotEqual(t, cfg.Hash, a.Config().Hash)

	select {
	case ev := <-sub:
		assert.Equal(t, "config.reloaded", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no reload event")
	}

	out := a.Route(context.Background(), router.Request{Capability: "text.upper", Payload: json.RawMessage(`"x"`)})
	require.True(t, out.OK(), "failure: %v", out.Failure)
	assert.Equal(t, "upper", out.WorkerID)

	f.write(t, workerYAML("upper", "[text.upper]"))
	res, err = a.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"echo"}, res.Removed)
	_, ok := a.Table().Get("echo")
	assert.False(t, ok)
}

func TestReloadInvalidKeepsRunningConfig(t *testing.T) {
	f := newFixture(t)
	cfg := f.write(t, workerYAML("echo", "[text.echo]"))
	a := start(t, cfg)
	defer shutdown(t, a)

	require.NoError(t, os.WriteFile(f.cfgPath, []byte("routing:\n  policy: nonsense\n"), 0o644))
	_, err := a.Reload(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReloadInvalid))
	assert.Equal(t, cfg.Hash, a.Config().Hash)
	assert.Len(t, a.Descriptors(), 1)
}

func TestReloadReportsRestartOnlySections(t *testing.T) {
	f := newFixture(t)
	cfg := f.write(t, workerYAML("echo", "[text.echo]"))
	a := start(t, cfg)
	defer shutdown(t, a)

	data, err := os.ReadFile(f.cfgPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(f.cfgPath, append(data, []byte("cache:\n  capacity: 8\n")...), 0o644))

	res, err := a.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"cache"}, res.RestartRequired)
	assert.Empty(t, res.Added)
}

func TestResetUnknownWorker(t *testing.T) {
	f := newFixture(t)
	a := start(t, f.write(t, workerYAML("echo", "[text.echo]")))
	defer shutdown(t, a)

	assert.True(t, errors.Is(a.ResetWorker("ghost"), lifecycle.ErrUnknownWorker))
	assert.NoError(t, a.ResetWorker("echo"))
}

func runApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestConcurrentRequestsShareOneSpawnThenIdleReclaim(t *testing.T) {
	f := newFixture(t)
	f.lifecycle = "  supervise_interval: 20ms\n"
	cfg := f.write(t, workerYAML("echo", "[util.sleep]")+`    limits:
      max_connections: 2
    idle_timeout: 300ms
`)
	a := start(t, cfg)
	defer shutdown(t, a)
	runApp(t, a)

	var wg sync.WaitGroup
	results := make([]router.Result, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = a.Route(context.Background(), router.Request{
				Capability: "util.sleep",
				Payload:    json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
			})
		}(i)
	}
	wg.Wait()
	for i, res := range results {
		require.True(t, res.OK(), "request %d failed: %v", i, res.Failure)
		assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(res.Payload))
	}

	ws, ok := a.Worker("echo")
	require.True(t, ok)
	assert.Equal(t, int64(1), ws.Metrics.Spawns)
	assert.LessOrEqual(t, ws.Pool.Open, 2)

	require.Eventually(t, func() bool {
		ws, _ := a.Worker("echo")
		return ws.State == lifecycle.StateStopped
	}, 5*time.Second, 20*time.Millisecond)

	res := a.Route(context.Background(), router.Request{Capability: "util.sleep", Payload: json.RawMessage(`{}`)})
	require.True(t, res.OK(), "failure: %v", res.Failure)
	ws, _ = a.Worker("echo")
	assert.Equal(t, int64(2), ws.Metrics.Spawns)
	assert.Equal(t, lifecycle.StateReady, ws.State)
}

func TestWorkerRecoversAfterTwoCrashes(t *testing.T) {
	f := newFixture(t)
	f.lifecycle = "  supervise_interval: 20ms\n  restart_backoff_base: 500ms\n  restart_backoff_max: 2s\n  max_restarts: 3\n"
	a := start(t, f.write(t, workerYAML("echo", "[text.echo]")))
	defer shutdown(t, a)
	runApp(t, a)

	ctx := context.Background()
	echo := router.Request{Capability: "text.echo", Payload: json.RawMessage(`{"ok":true}`)}
	res := a.Route(ctx, echo)
	require.True(t, res.OK(), "failure: %v", res.Failure)

	for crash := 1; crash <= 2; crash++ {
		ws, _ := a.Worker("echo")
		pid := ws.PID
		require.NotZero(t, pid)
		require.NoError(t, syscall.Kill(pid, syscall.SIGKILL))

		require.Eventually(t, func() bool {
			ws, _ := a.Worker("echo")
			return ws.State == lifecycle.StateCrashed
		}, 2*time.Second, 5*time.Millisecond)

		// Inside the restart window the router reports the worker unavailable.
		res = a.Route(ctx, echo)
		require.NotNil(t, res.Failure, "crash %d", crash)
		assert.Equal(t, router.KindWorkerUnavailable, res.Failure.Kind)

		require.Eventually(t, func() bool {
			ws, _ := a.Worker("echo")
			return ws.State == lifecycle.StateReady && ws.PID != pid
		}, 5*time.Second, 10*time.Millisecond)

		res = a.Route(ctx, echo)
		require.True(t, res.OK(), "after crash %d: %v", crash, res.Failure)
	}

	ws, _ := a.Worker("echo")
	assert.False(t, ws.PermanentlyFailed)
	assert.Equal(t, 0, ws.ConsecutiveFailures)
	assert.Equal(t, 2, ws.Restarts)
	assert.Equal(t, int64(3), ws.Metrics.Spawns)
	assert.Equal(t, int64(2), ws.Metrics.Crashes)
}
