package launcher

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/hashicorp/go-hclog"

	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/cluster"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/config"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/coordinator"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/metrics"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/nn"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/node"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/transport"
)

// Simulation runs the coordinator and every configured node in one process.
type Simulation struct {
	config      *config.Config
	coordinator *coordinator.Coordinator
	transport   transport.Transport
	nodeMetrics *metrics.NodeCollector
	logger      hclog.Logger
}

// NewSimulation completes deps with an in-memory transport, the performance clusterer and the
// dense network evaluator where they are missing.
func NewSimulation(cfg *config.Config, deps coordinator.Dependencies, nodeMetrics *metrics.NodeCollector, logger hclog.Logger) (*Simulation, error) {
	if deps.Transport == nil {
		deps.Transport = transport.NewMemoryTransport()
	}
	if deps.Clusterer == nil {
		deps.Clusterer = cluster.NewPerformanceClusterer()
	}
	if deps.Validator == nil && cfg.Server.Validation {
		deps.Validator = nn.NewEvaluator(cfg.Architecture(), cfg.Model.TestSamplesPerClass, cfg.Server.RandomSeed, logger.Named("evaluator"))
	}

	coord, err := coordinator.NewCoordinator(cfg.Coordinator(), deps, logger.Named("coordinator"))
	if err != nil {
		return nil, err
	}
	return &Simulation{
		config:      cfg,
		coordinator: coord,
		transport:   deps.Transport,
		nodeMetrics: nodeMetrics,
		logger:      logger,
	}, nil
}

func (sim *Simulation) Coordinator() *coordinator.Coordinator {
	return sim.coordinator
}

// Run trains until the coordinator stops every node.
func (sim *Simulation) Run(ctx context.Context) error {
	if err := sim.coordinator.PurgeStaleQueues(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	launcher := NewLocalLauncher(ctx, sim.transport, sim.nodeMetrics, sim.logger)
	launcher.Go(sim.coordinator.Serve)
	for _, nodeConfig := range SimulatedNodes(sim.config) {
		if err := launcher.LaunchNode(nodeConfig); err != nil {
			cancel()
			launcher.Wait()
			return err
		}
	}
	return launcher.Wait()
}

// SimulatedNodes derives one node per configured client slot. Performance scores are drawn
// from the random seed so clustering has something to rank.
func SimulatedNodes(cfg *config.Config) []node.Config {
	rng := rand.New(rand.NewSource(cfg.Server.RandomSeed))
	base := cfg.NodeConfig()

	var nodes []node.Config
	for stageIdx, count := range cfg.Server.Clients {
		for i := 0; i < count; i++ {
			n := base
			n.ClientId = fmt.Sprintf("client_%d_%d", stageIdx+1, i+1)
			n.Stage = stageIdx + 1
			n.Performance = 1 + 9*rng.Float64()
			n.Seed = cfg.Server.RandomSeed + int64(len(nodes)) + 1
			nodes = append(nodes, n)
		}
	}
	return nodes
}
