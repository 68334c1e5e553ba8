// Command echo-worker is a toolbridge worker serving a few text and utility
// capabilities. It is the reference worker used by the example config.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattjoyce/toolbridge/internal/log"
	"github.com/mattjoyce/toolbridge/internal/workerproc"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := workerproc.ConfigFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "echo-worker: %v\n", err)
		return 2
	}

	log.SetupWith(log.Options{Level: os.Getenv("ECHO_WORKER_LOG_LEVEL"), Format: "text"})
	cfg.Logger = log.WithWorker(cfg.WorkerID)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	mux := newMux()
	cfg.Logger.Info("echo-worker serving", "socket", cfg.SocketPath, "capabilities", mux.Capabilities())
	if err := workerproc.Serve(ctx, cfg, mux); err != nil {
		cfg.Logger.Error("serve failed", "error", err)
		return 1
	}
	return 0
}
