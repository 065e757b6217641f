package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/JakeFAU/column-mirror/internal/config"
	"github.com/JakeFAU/column-mirror/internal/logging"
	"github.com/JakeFAU/column-mirror/internal/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	config.LoadDotEnv(".env")
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		return 1
	}
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		return 1
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := server.Build(cfg, logger, server.Options{})
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return 1
	}
	if _, err := app.Run(ctx); err != nil {
		logger.Error("run failed", zap.Error(err))
		return 1
	}
	return 0
}
