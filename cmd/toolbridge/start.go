package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattjoyce/toolbridge/internal/api"
	"github.com/mattjoyce/toolbridge/internal/app"
	"github.com/mattjoyce/toolbridge/internal/config"
	"github.com/mattjoyce/toolbridge/internal/lock"
	"github.com/mattjoyce/toolbridge/internal/log"
)

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.SetupWith(log.Options{Level: cfg.Service.LogLevel, Format: cfg.Service.LogFormat})
	logger := log.WithComponent("main")
	logger.Info("toolbridge starting", "version", version, "config", cfg.Path, "config_hash", cfg.Hash)

	pidLock, err := lock.AcquirePIDLock(pidLockPath(cfg))
	if err != nil {
		logger.Error("failed to acquire instance lock (another instance may be running)", "path", pidLockPath(cfg), "error", err)
		return 1
	}
	defer func() { _ = pidLock.Release() }()
	logger.Info("acquired instance lock", "path", pidLock.Path())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, app.Options{Logger: log.WithComponent("app")})
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 2)
	done := make(chan struct{})
	go func() {
		_ = a.Run(ctx)
		close(done)
	}()

	if cfg.API.Enabled {
		srv := api.New(api.Config{
			Listen:       cfg.API.Listen,
			Token:        cfg.API.Token,
			MaxBodyBytes: cfg.API.MaxBodyBytes,

			RateLimitPerMinute: cfg.API.RateLimit.RequestsPerMinute,
			RateLimitBurst:     cfg.API.RateLimit.Burst,
		}, api.Deps{
			Router:   a,
			Workers:  a,
			Reloader: a,
			Metrics:  a.Metrics(),
			Events:   a.Hub(),
			Gatherer: a.Gatherer(),
		}, log.WithComponent("api"))
		go func() {
			if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
	}

	reloadCh := make(chan struct{}, 1)
	if cfg.Service.WatchConfig {
		w := &config.Watcher{
			Files: cfg.SourceFiles,
			OnChange: func() {
				select {
				case reloadCh <- struct{}{}:
				default:
				}
			},
			Logger: log.WithComponent("config-watch"),
		}
		go func() {
			if err := w.Run(ctx); err != nil {
				errCh <- fmt.Errorf("config watcher: %w", err)
			}
		}()
	}

	logger.Info("toolbridge running (press Ctrl+C to stop)", "workers", len(a.Descriptors()))

	code := 0
loop:
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				reload(ctx, a, logger)
				continue
			}
			logger.Info("received shutdown signal", "signal", sig)
			break loop
		case <-reloadCh:
			reload(ctx, a, logger)
		case err := <-errCh:
			logger.Error("component failed", "error", err)
			code = 1
			break loop
		}
	}

	cancel()
	<-done

	shutdownCtx, stop := context.WithTimeout(context.Background(), a.Config().Service.ShutdownTimeout)
	defer stop()
	if err := a.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
		code = 1
	}
	logger.Info("toolbridge stopped")
	return code
}

// reload failures keep the running configuration; App.Reload logs details.
func reload(ctx context.Context, a *app.App, logger *slog.Logger) {
	if _, err := a.Reload(ctx); err != nil {
		logger.Warn("config reload rejected", "error", err)
	}
}
