package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/utafrali/BackplaneGo/internal/gatewayd/app"
	"github.com/utafrali/BackplaneGo/internal/gatewayd/config"
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

	log := logger.New("gatewayd", cfg.LogLevel)
	log.Info("starting gateway daemon",
		slog.String("version", version),
		slog.String("environment", cfg.Environment),
		slog.Int("http_port", cfg.HTTPPort),
		slog.Int("admin_port", cfg.AdminPort),
	)

	gw, err := app.NewApp(cfg, log)
	if err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}

	// Blocks until the signal context is canceled and shutdown completes.
	if err := gw.Run(ctx); err != nil {
		return fmt.Errorf("run application: %w", err)
	}

	log.Info("gateway daemon stopped")
	return nil
}
