package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/cluster"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/config"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/coordinator"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/events"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/launcher"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/metrics"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/nn"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/server"
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

	logger, logFile, err := cfg.NewLogger("sl-coordinator")
	if err != nil {
		panic(err)
	}
	defer func() {
		if err := logFile.Close(); err != nil {
			panic(err)
		}
	}()

	// trap sigterm or interrupt and stop gracefully
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisTransport, err := transport.NewRedisTransport(ctx, cfg.Redis, logger.Named("redis"))
	if err != nil {
		logger.Error("Error while connecting to redis", "error", err)
		return
	}
	defer redisTransport.Close()

	snapshots, history, err := launcher.OpenStores(cfg)
	if err != nil {
		logger.Error("Error while opening stores", "error", err)
		return
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	eventBus := events.NewEventBus()

	deps := coordinator.Dependencies{
		Transport: redisTransport,
		Clusterer: cluster.NewPerformanceClusterer(),
		Snapshots: snapshots,
		History:   history,
		EventBus:  eventBus,
		Metrics:   metrics.NewCoordinatorCollector(registry),
	}
	if cfg.Server.Validation {
		deps.Validator = nn.NewEvaluator(cfg.Architecture(), cfg.Model.TestSamplesPerClass, cfg.Server.RandomSeed, logger.Named("evaluator"))
	}

	coord, err := coordinator.NewCoordinator(cfg.Coordinator(), deps, logger.Named("coordinator"))
	if err != nil {
		logger.Error("Error while creating coordinator", "error", err)
		return
	}

	reporter := server.NewProgressReporter(logger.Named("progress"), coord, eventBus, server.ResultsFileName("results"))
	if err := reporter.Start(cfg.HTTP.ProgressSchedule); err != nil {
		logger.Error("Error while starting progress reporter", "error", err)
		return
	}
	defer reporter.Stop()

	handler := server.NewHandler(logger.Named("http"), coord, history)
	router := server.NewRouter(handler, registry)

	serverCtx, stopServer := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(serverCtx)
	g.Go(func() error {
		return server.StartHttpServer(gctx, logger, cfg.HTTP.Port, router)
	})
	g.Go(func() error {
		defer stopServer()
		return coord.Run(gctx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("Coordinator stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Coordinator finished")
}
