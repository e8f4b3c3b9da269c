package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/duckmesh/duckgate/internal/config"
	"github.com/duckmesh/duckgate/internal/migrations"
	"github.com/duckmesh/duckgate/internal/observability"
)

// duckgate-migrate manages the audit schema. The gateway applies pending
// migrations on startup; this tool exists for rollbacks, status checks and
// offline upgrades.
func main() {
	direction := flag.String("direction", "up", "migration direction: up|down|status")
	steps := flag.Int("steps", 0, "number of migration steps; 0 means all for up, 1 for down")
	flag.Parse()

	cfg, err := config.LoadFromEnv("duckgate-migrate")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stderr)
	if cfg.Audit.DSN == "" {
		logger.Error("DUCKGATE_AUDIT_DSN is required")
		os.Exit(1)
	}

	db, err := sql.Open("pgx", cfg.Audit.DSN)
	if err != nil {
		logger.Error("open audit database", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		logger.Error("ping audit database", slog.Any("error", err))
		os.Exit(1)
	}

	runner := migrations.NewRunner(logger)
	switch *direction {
	case "up":
		applied, err := runner.Up(ctx, db, *steps)
		if err != nil {
			logger.Error("migration up failed", slog.Any("error", err))
			os.Exit(1)
		}
		fmt.Printf("applied %d migration(s)\n", applied)
	case "down":
		rolledBack, err := runner.Down(ctx, db, *steps)
		if err != nil {
			logger.Error("migration down failed", slog.Any("error", err))
			os.Exit(1)
		}
		fmt.Printf("rolled back %d migration(s)\n", rolledBack)
	case "status":
		status, err := runner.Status(ctx, db)
		if err != nil {
			logger.Error("migration status failed", slog.Any("error", err))
			os.Exit(1)
		}
		fmt.Printf("applied versions: %v\n", status.Applied)
		for _, item := range status.Pending {
			fmt.Printf("pending: %06d_%s\n", item.Version, item.Name)
		}
	default:
		logger.Error("invalid direction", slog.String("direction", *direction))
		os.Exit(1)
	}
}
