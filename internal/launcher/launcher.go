// Package launcher starts stage nodes. Only the in-process launcher used by the simulation
// exists; process and container deployment is left to the operator.
package launcher

import (
	"context"

	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/node"
)

type ILauncher interface {
	// LaunchNode starts one node in the background.
	LaunchNode(config node.Config) error
	// Go runs an auxiliary task, such as the coordinator, alongside the nodes.
	Go(task func(ctx context.Context) error)
	// Wait blocks until every launched node and task returned, and reports the first error.
	Wait() error
}
