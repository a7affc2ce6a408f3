// Escrowd - Bitcoin and ckBTC escrow service
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/satsafe/escrowd/internal/config"
	"github.com/satsafe/escrowd/internal/logging"
	"github.com/satsafe/escrowd/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until the configured one exists
	logger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.ResolvedLogFormat(), logging.WithFile(cfg.LogFile, 100, 5))
	logger.Info("starting escrowd",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"network", cfg.BTCNetwork,
	)

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		stop()
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
