package launcher

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/metrics"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/node"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/transport"
)

// LocalLauncher runs every node as a goroutine over a shared transport. The first failure
// cancels the rest.
type LocalLauncher struct {
	transport transport.Transport
	metrics   *metrics.NodeCollector
	logger    hclog.Logger
	group     *errgroup.Group
	ctx       context.Context
	launched  map[string]bool
}

func NewLocalLauncher(ctx context.Context, tr transport.Transport, collector *metrics.NodeCollector, logger hclog.Logger) *LocalLauncher {
	group, gctx := errgroup.WithContext(ctx)
	return &LocalLauncher{
		transport: tr,
		metrics:   collector,
		logger:    logger,
		group:     group,
		ctx:       gctx,
		launched:  map[string]bool{},
	}
}

func (l *LocalLauncher) LaunchNode(config node.Config) error {
	if l.launched[config.ClientId] {
		return fmt.Errorf("node %s already launched", config.ClientId)
	}
	client, err := node.NewClient(config, l.transport, l.metrics, l.logger.Named("node"))
	if err != nil {
		return fmt.Errorf("creating node %s: %w", config.ClientId, err)
	}
	l.launched[config.ClientId] = true

	l.logger.Info(fmt.Sprintf("Node %s launched for stage %d", config.ClientId, config.Stage))
	l.group.Go(func() error {
		if err := client.Run(l.ctx); err != nil {
			return fmt.Errorf("node %s: %w", config.ClientId, err)
		}
		return nil
	})
	return nil
}

func (l *LocalLauncher) Go(task func(ctx context.Context) error) {
	l.group.Go(func() error { return task(l.ctx) })
}

func (l *LocalLauncher) Wait() error {
	return l.group.Wait()
}
