// abuseguard - abuse-detection decision service for account signups
package main

import (
	"context"
	"os"

	"github.com/mbd888/abuseguard/internal/config"
	"github.com/mbd888/abuseguard/internal/logging"
	"github.com/mbd888/abuseguard/internal/server"
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

	logger.Info("starting abuseguard",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"redis", cfg.RedisAddr != "",
		"postgres", cfg.DatabaseURL != "",
		"nats", cfg.NATSURL != "",
		"rules_file", cfg.RulesFile,
	)

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
