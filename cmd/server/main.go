package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"parkguide/go-proximity-server/internal/app"
	"parkguide/go-proximity-server/internal/config"
)

const serviceName = "parkguide-proximity"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load park guide configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)})).
		With("service", serviceName)

	logger.Info("starting park guide proximity server",
		"scan_source", cfg.ScanSource,
		"catalog_keying", cfg.CatalogKeying,
		"mqtt_bind", cfg.MQTTBindAddress,
		"http_port", cfg.HTTPPort)

	application := app.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		logger.Error("proximity server terminated", "error", err)
		os.Exit(1)
	}

	logger.Info("proximity server stopped cleanly")
}

func logLevel(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
