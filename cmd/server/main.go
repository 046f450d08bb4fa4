// Atelier - Escrow and offer lifecycle for tokenized luxury assets
package main

import (
	"context"
	"os"

	"github.com/atelierhq/atelier/internal/config"
	"github.com/atelierhq/atelier/internal/logging"
	"github.com/atelierhq/atelier/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting atelier",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"sol_usd_rate", cfg.SOLUSDRate,
		"settlement_program", cfg.SettlementProgram,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
