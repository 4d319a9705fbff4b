// Command migrate applies the audit-store schema embedded in the binary.
//
// Usage:
//
//	migrate up              # apply pending migrations
//	migrate down            # roll back the last migration
//	migrate status          # list applied and pending migrations
//	migrate version         # print the current schema version
//	migrate redo            # roll back and re-apply the last migration
//	migrate up-to <version> # apply up to a version
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/mbd888/abuseguard/internal/logging"
	"github.com/mbd888/abuseguard/internal/retry"
	"github.com/mbd888/abuseguard/migrations"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: migrate <up|down|status|version|redo|up-to|down-to> [version]")
		os.Exit(2)
	}
	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := retry.Do(ctx, 5, 500*time.Millisecond, func() error { return db.PingContext(ctx) }); err != nil {
		logger.Error("database unreachable", "error", err)
		os.Exit(1)
	}

	command := os.Args[1]
	if err := migrations.Run(ctx, command, db, os.Args[2:]...); err != nil {
		logger.Error("migration failed", "command", command, "error", err)
		os.Exit(1)
	}
	logger.Info("migration complete", "command", command)
}
