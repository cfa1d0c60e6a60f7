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

	"scm_multichain/pkg/config"
	"scm_multichain/pkg/node"
	"scm_multichain/pkg/utils"
)

var (
	configFile = flag.String("config", "config.yaml", "Path to configuration file")
	debug      = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration from %s: %v\n", *configFile, err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg, *debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	initCtx, initCancel := context.WithTimeout(ctx, 2*time.Minute)
	n, err := node.New(initCtx, cfg, logger)
	if err != nil {
		initCancel()
		logger.Fatal("Failed to initialize node", zap.Error(err))
	}
	if err := n.Start(initCtx); err != nil {
		initCancel()
		_ = n.Stop(context.Background())
		logger.Fatal("Failed to start node", zap.Error(err))
	}
	initCancel()

	logger.Info("Node running",
		zap.String("environment", cfg.Environment),
		zap.String("storage", cfg.Database.Driver),
		zap.Bool("gossip", cfg.P2P.Enabled),
		zap.String("chain_id", cfg.Chain.ChainID))

	waitForShutdown(ctx, logger)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := n.Stop(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
		os.Exit(1)
	}
}

func waitForShutdown(ctx context.Context, logger *zap.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}
}

func initLogger(cfg *config.Config, debug bool) (*zap.Logger, error) {
	logCfg := utils.LogConfigFrom(cfg)
	if debug {
		logCfg.Level = "debug"
		logCfg.Debug = true
		logCfg.Console = true
	}
	return utils.NewLogger(logCfg)
}
