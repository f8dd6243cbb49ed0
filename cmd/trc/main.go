package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/threshold-rollout-controller/trc/internal/bootstrap"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "", "Path to configuration file")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bs := bootstrap.New()
	if err := bs.Initialize(ctx, configFile); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		os.Exit(1)
	}

	logger := bs.Logger
	logger.Info(ctx, "Threshold rollout controller starting",
		zap.String("version", "1.0.0"),
		zap.String("config_file", configFile))

	if err := bs.Start(ctx); err != nil {
		logger.Fatal(ctx, "Failed to start components", zap.Error(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info(ctx, "Threshold rollout controller is running. Press Ctrl+C to stop.")

	<-sigChan
	logger.Info(ctx, "Shutdown signal received, stopping gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := bs.Stop(shutdownCtx); err != nil {
		logger.Error(ctx, "Error during shutdown", zap.Error(err))
		os.Exit(1)
	}

	logger.Info(ctx, "Threshold rollout controller stopped")
}
