package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/config"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/coordinator"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/events"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/launcher"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/metrics"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/server"
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

	logger, logFile, err := cfg.NewLogger("sl-sim")
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

	snapshots, history, err := launcher.OpenStores(cfg)
	if err != nil {
		logger.Error("Error while opening stores", "error", err)
		return
	}

	registry := prometheus.NewRegistry()
	eventBus := events.NewEventBus()
	sim, err := launcher.NewSimulation(cfg, coordinator.Dependencies{
		Snapshots: snapshots,
		History:   history,
		EventBus:  eventBus,
		Metrics:   metrics.NewCoordinatorCollector(registry),
	}, metrics.NewNodeCollector(registry), logger)
	if err != nil {
		logger.Error("Error while creating simulation", "error", err)
		return
	}

	reporter := server.NewProgressReporter(logger.Named("progress"), sim.Coordinator(), eventBus, server.ResultsFileName("results"))
	if err := reporter.Start(cfg.HTTP.ProgressSchedule); err != nil {
		logger.Error("Error while starting progress reporter", "error", err)
		return
	}
	defer reporter.Stop()

	router := server.NewRouter(server.NewHandler(logger.Named("http"), sim.Coordinator(), history), registry)

	serverCtx, stopServer := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(serverCtx)
	g.Go(func() error {
		return server.StartHttpServer(gctx, logger, cfg.HTTP.Port, router)
	})
	g.Go(func() error {
		defer stopServer()
		return sim.Run(gctx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("Simulation stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Simulation finished")
}
