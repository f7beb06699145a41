package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/yorbuachi72/valora-memory-server-sub001/internal/config"
	"github.com/yorbuachi72/valora-memory-server-sub001/internal/logging"
	"github.com/yorbuachi72/valora-memory-server-sub001/internal/mcp"
)

const version = "1.0.0"

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadBridge()
	if err != nil {
		logging.Default().Error("failed to load config", "error", err)
		os.Exit(1)
	}
	// stdout belongs to the protocol
	logger := logging.New(cfg.LogLevel, "console", os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bridge := mcp.NewBridge(cfg.ServerURL, cfg.APIKey, cfg.Timeout)
	if err := mcp.Run(ctx, bridge, version, logger); err != nil {
		logger.Error("mcp bridge failed", "error", err)
		os.Exit(1)
	}
}
