package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/config"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/node"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/transport"
)

func main() {
	configPath := ""
	if len(os.Args) == 2 {
		configPath = os.Args[1]
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		panic(err)
	}
	nodeConfig := cfg.NodeConfig()

	logger, logFile, err := cfg.NewLogger("sl-node")
	if err != nil {
		panic(err)
	}
	defer func() {
		if err := logFile.Close(); err != nil {
			panic(err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisTransport, err := transport.NewRedisTransport(ctx, cfg.Redis, logger.Named("redis"))
	if err != nil {
		logger.Error("Error while connecting to redis", "error", err)
		return
	}
	defer redisTransport.Close()

	client, err := node.NewClient(nodeConfig, redisTransport, nil, logger.Named("node"))
	if err != nil {
		logger.Error("Error while creating node", "error", err)
		return
	}

	logger.Info("Starting node", "id", nodeConfig.ClientId, "stage", nodeConfig.Stage)
	if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Node stopped with error", "error", err)
		os.Exit(1)
	}
}
