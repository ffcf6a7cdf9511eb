// TianShan Core - carrier board controller daemon
//
// tianshand runs on the sled's management SoC and owns power
// monitoring, low-voltage protection, module configuration and the
// local management API. It also ships a small CLI mode for
// provisioning without a running network stack:
//
//	tianshand                          run the daemon
//	tianshand call <endpoint> [args]   invoke one API endpoint in-process
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/tianshanos/tianshan-core/internal/infrastructure/config"
	"github.com/tianshanos/tianshan-core/internal/infrastructure/logging"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "call" {
		os.Exit(runCall(os.Args[2:]))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the daemon logic, separated from main for testability.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting TianShan Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)

	app, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return app.orch.StartAll(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, stopping services")
		app.orch.StopAll(context.Background())
		return nil
	})

	log.Info("initialisation complete, waiting for shutdown signal")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info("TianShan Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses the TIANSHAN_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("TIANSHAN_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
