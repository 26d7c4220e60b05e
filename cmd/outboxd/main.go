package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/utafrali/BackplaneGo/internal/outboxd/app"
	"github.com/utafrali/BackplaneGo/internal/outboxd/config"
	"github.com/utafrali/BackplaneGo/pkg/logger"
)

// version is stamped by the build via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("fatal error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New("outboxd", cfg.LogLevel)
	log.Info("starting outbox daemon",
		slog.String("version", version),
		slog.String("environment", cfg.Environment),
		slog.Int("http_port", cfg.HTTPPort),
		slog.String("database", cfg.PostgresDB),
	)

	daemon, err := app.NewApp(cfg, log)
	if err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}

	// Blocks until the signal context is canceled and shutdown completes.
	if err := daemon.Run(ctx); err != nil {
		return fmt.Errorf("run application: %w", err)
	}

	log.Info("outbox daemon stopped")
	return nil
}
