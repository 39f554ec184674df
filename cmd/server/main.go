// nftescrow - trustless NFT buy, sell and swap escrow
package main

import (
	"context"
	"os"

	"github.com/mbd888/nftescrow/internal/config"
	"github.com/mbd888/nftescrow/internal/logging"
	"github.com/mbd888/nftescrow/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting nftescrow",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"registry", cfg.RegistryAddress,
		"fee_bps", cfg.FeeBasisPoints,
		"postgres", cfg.DatabaseURL != "",
		"redis", cfg.RedisURL != "",
		"dev_assets", cfg.DevAssets,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
