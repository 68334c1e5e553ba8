// Package app assembles a running toolbridge from a loaded configuration and
// owns the reload path shared by SIGHUP, the API and the config watcher.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/mattjoyce/toolbridge/internal/cache"
	"github.com/mattjoyce/toolbridge/internal/config"
	"github.com/mattjoyce/toolbridge/internal/descriptor"
	"github.com/mattjoyce/toolbridge/internal/events"
	"github.com/mattjoyce/toolbridge/internal/lifecycle"
	"github.com/mattjoyce/toolbridge/internal/metrics"
	"github.com/mattjoyce/toolbridge/internal/router"
	"github.com/mattjoyce/toolbridge/internal/state"
	"github.com/mattjoyce/toolbridge/internal/storage"
)

// ErrReloadInvalid wraps configuration or descriptor errors found during a
// reload. The running configuration is left untouched.
var ErrReloadInvalid = errors.New("reload rejected")

// Options overrides pieces of the assembly, mostly for tests.
type Options struct {
	// Spawner replaces the exec spawner.
	Spawner lifecycle.Spawner
	// Prober replaces the default process prober.
	Prober lifecycle.Prober
	// Loader replaces config.Load during reload.
	Loader func(path string) (*config.Config, error)
	Logger *slog.Logger
}

// App is a fully wired toolbridge instance.
type App struct {
	logger   *slog.Logger
	db       *sql.DB
	state    *state.Store
	table    *descriptor.Table
	manager  *lifecycle.Manager
	cache    cache.Cache
	metrics  *metrics.Store
	registry *prometheus.Registry
	router   *router.Router
	hub      *events.Hub
	loader   func(path string) (*config.Config, error)

	startedAt time.Time

	mu  sync.Mutex // serialises reloads
	cfg *config.Config
}

// New opens storage, restores persisted metrics and builds every component.
// Nothing is spawned until the first request.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	loader := opts.Loader
	if loader == nil {
		loader = config.Load
	}

	ds, err := cfg.Descriptors(discoveryLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("load worker descriptors: %w", err)
	}
	table, err := descriptor.NewTable(ds)
	if err != nil {
		return nil, fmt.Errorf("build descriptor table: %w", err)
	}

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, err
	}

	a := &App{
		logger:    logger,
		db:        db,
		table:     table,
		hub:       events.NewHub(256),
		registry:  prometheus.NewRegistry(),
		loader:    loader,
		startedAt: time.Now(),
		cfg:       cfg,
		state:     state.NewStore(db),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a.metrics, err = metrics.New(metrics.Options{
		Persister:  a.state,
		Registerer: a.registry,
		Logger:     logger.With("component", "metrics"),
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	if err := a.metrics.Load(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("restore metrics: %w", err)
	}

	if cfg.Cache.Enabled {
		a.cache, err = cache.Open(ctx, cache.Options{
			Backend:  cfg.Cache.Backend,
			Capacity: cfg.Cache.Capacity,
			Redis: cache.RedisConfig{
				Addr:      cfg.Cache.Redis.Addr,
				Password:  cfg.Cache.Redis.Password,
				DB:        cfg.Cache.Redis.DB,
				KeyPrefix: cfg.Cache.Redis.KeyPrefix,
			},
		})
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("open cache: %w", err)
		}
	}

	spawner := opts.Spawner
	if spawner == nil {
		runtimeDir := cfg.Lifecycle.RuntimeDir
		if runtimeDir == "" {
			runtimeDir = filepath.Join(filepath.Dir(cfg.State.Path), "run")
		}
		spawner = &lifecycle.ExecSpawner{
			RuntimeDir:  runtimeDir,
			GracePeriod: cfg.Lifecycle.StopGrace,
			Logger:      logger,
		}
	}
	lc := cfg.Lifecycle
	a.manager = lifecycle.New(table, spawner, lifecycle.Options{
		SuperviseInterval:  lc.SuperviseInterval,
		ProbeInterval:      lc.ProbeInterval,
		ProbeTimeout:       lc.ProbeTimeout,
		RestartBackoffBase: lc.RestartBackoffBase,
		RestartBackoffMax:  lc.RestartBackoffMax,
		MaxRestarts:        lc.MaxRestarts,
		DrainTimeout:       lc.DrainTimeout,
		StopGrace:          lc.StopGrace,
		AcquireTimeout:     lc.AcquireTimeout,
		ConnectRetries:     lc.ConnectRetries,
		ConnectBackoff:     lc.ConnectBackoff,
		Prober:             opts.Prober,
		Recorder:           a.metrics,
		Events:             a.hub,
		Logger:             logger,
	})

	policy, err := router.ParsePolicy(cfg.Routing.Policy)
	if err != nil {
		_ = a.closeStores()
		return nil, err
	}
	a.router = router.New(table, router.LifecycleWorkers(a.manager), router.Options{
		Policy: policy,
		Retry: router.RetryOptions{
			MaxAttempts:    cfg.Routing.Retry.MaxAttempts,
			InitialBackoff: cfg.Routing.Retry.BackoffBase,
			MaxBackoff:     cfg.Routing.Retry.BackoffMax,
		},
		DefaultTimeout:  cfg.Routing.DefaultTimeout,
		Fingerprint:     cache.FingerprintPolicy(cfg.Routing.Fingerprint),
		DefaultCacheTTL: cfg.Cache.DefaultTTL,
		Cache:           a.cache,
		Recorder:        a.metrics,
		Events:          a.hub,
		Logger:          logger.With("component", "router"),
	})

	logger.Info("toolbridge assembled",
		"workers", len(ds),
		"capabilities", len(table.Snapshot().Capabilities()),
		"policy", string(policy),
		"cache", cacheBackend(cfg),
		"config_hash", shortHash(cfg.Hash),
	)
	return a, nil
}

// Run drives the background loops until ctx ends: lifecycle supervision,
// health refresh and the periodic metrics flush. The caller runs the API and
// watcher.
func (a *App) Run(ctx context.Context) error {
	cfg := a.Config()
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		_ = a.manager.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		a.refreshHealth(ctx, cfg.Lifecycle.SuperviseInterval)
	}()
	go func() {
		defer wg.Done()
		a.metrics.Run(ctx, cfg.State.FlushInterval)
	}()
	wg.Wait()
	return nil
}

// Route serves one request.
func (a *App) Route(ctx context.Context, req router.Request) router.Result {
	return a.router.Route(ctx, req)
}

// Config returns the configuration currently in effect.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

func (a *App) Router() *router.Router        { return a.router }
func (a *App) Table() *descriptor.Table      { return a.table }
func (a *App) Manager() *lifecycle.Manager   { return a.manager }
func (a *App) Metrics() *metrics.Store       { return a.metrics }
func (a *App) Hub() *events.Hub              { return a.hub }
func (a *App) Gatherer() prometheus.Gatherer { return a.registry }
func (a *App) StartedAt() time.Time          { return a.startedAt }
func (a *App) Cache() cache.Cache            { return a.cache }

// Shutdown stops every worker, flushes metrics and closes storage.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.manager.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop workers: %w", err))
	}
	if err := a.metrics.Flush(context.WithoutCancel(ctx)); err != nil {
		errs = append(errs, fmt.Errorf("flush metrics: %w", err))
	}
	if err := a.closeStores(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeStores() error {
	var errs []error
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
	}
	if err := a.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close state db: %w", err))
	}
	return errors.Join(errs...)
}

func discoveryLogger(logger *slog.Logger) descriptor.LogFunc {
	return func(level, msg string, args ...any) {
		switch level {
		case "debug":
			logger.Debug(msg, args...)
		case "warn":
			logger.Warn(msg, args...)
		case "error":
			logger.Error(msg, args...)
		default:
			logger.Info(msg, args...)
		}
	}
}

func cacheBackend(cfg *config.Config) string {
	if !cfg.Cache.Enabled {
		return "disabled"
	}
	return cfg.Cache.Backend
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
