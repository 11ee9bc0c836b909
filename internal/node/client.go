// Package node is the runtime of one split-learning node: it registers with the
// coordinator and runs one scheduler epoch per START until it receives STOP.
package node

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/common"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/metrics"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/model"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/nn"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/protocol"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/stage"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/transport"
)

type Config struct {
	ClientId     string
	Stage        int
	Performance  float64
	Architecture nn.Architecture
	// ValidationSamplesPerClass sizes the entry node's validation set; 0 skips validation.
	ValidationSamplesPerClass int
	Seed                      int64
	PollInterval              time.Duration
}

type Client struct {
	config    Config
	transport transport.Transport
	metrics   *metrics.NodeCollector
	logger    hclog.Logger
	poller    *transport.Poller
	rng       *rand.Rand

	model       *nn.StageModel
	slice       model.LayerSlice
	numStages   int
	cluster     int
	labelCounts model.LabelCounts
	epochs      int
}

func NewClient(config Config, tr transport.Transport, collector *metrics.NodeCollector, logger hclog.Logger) (*Client, error) {
	if config.ClientId == "" {
		return nil, fmt.Errorf("client id is required")
	}
	if config.Stage < common.ENTRY_STAGE {
		return nil, fmt.Errorf("invalid stage %d", config.Stage)
	}
	return &Client{
		config:    config,
		transport: tr,
		metrics:   collector,
		logger:    logger.With("client", config.ClientId),
		poller:    transport.NewPoller(config.PollInterval),
		rng:       rand.New(rand.NewSource(config.Seed)),
	}, nil
}

// Run registers and serves START messages until the coordinator sends STOP.
func (client *Client) Run(ctx context.Context) error {
	register := protocol.NewRegister(client.config.ClientId, client.config.Stage, client.config.Performance)
	if err := client.send(ctx, common.RPC_QUEUE, register); err != nil {
		return err
	}
	client.logger.Info(fmt.Sprintf("Registered for stage %d with performance %.2f", client.config.Stage, client.config.Performance))

	for {
		msg, err := client.receiveControl(ctx)
		if err != nil {
			return err
		}
		if msg == nil {
			if err := client.poller.Idle(ctx); err != nil {
				return err
			}
			continue
		}

		switch m := msg.(type) {
		case *protocol.Start:
			stopped, err := client.runEpoch(ctx, m)
			if err != nil {
				return err
			}
			if stopped {
				client.logger.Info("Stopped by coordinator")
				return nil
			}
		case *protocol.Stop:
			client.logger.Info("Stopped by coordinator")
			return nil
		default:
			client.logger.Debug(fmt.Sprintf("Ignoring %s while idle", msg.Kind()))
		}
	}
}

func (client *Client) send(ctx context.Context, queue string, msg interface{}) error {
	body, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return client.transport.Send(ctx, queue, body)
}

func (client *Client) receiveControl(ctx context.Context) (protocol.ControlMessage, error) {
	body, ok, err := client.transport.TryReceive(ctx, common.GetReplyQueueName(client.config.ClientId))
	if err != nil || !ok {
		return nil, err
	}
	msg, err := protocol.DecodeControl(body)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownAction) || errors.Is(err, protocol.ErrMalformed) {
			client.logger.Warn("Dropping undecodable control message", "error", err)
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

// prepareModel keeps the current parameters unless the layer slice changed.
func (client *Client) prepareModel(start *protocol.Start) error {
	if client.model == nil || client.slice != start.LayerSlice || client.numStages != start.NumStages {
		m, err := nn.NewStageModel(client.config.Architecture, start.LayerSlice, client.rng)
		if err != nil {
			return err
		}
		client.model = m
		client.slice = start.LayerSlice
		client.numStages = start.NumStages
		client.logger.Info(fmt.Sprintf("Built layers [%d, %d) of %s", start.LayerSlice.Start, start.LayerSlice.End, start.ModelName))
	}
	if start.Parameters != nil {
		if err := client.model.LoadState(start.Parameters); err != nil {
			return fmt.Errorf("loading parameters: %w", err)
		}
	}
	return nil
}

// runEpoch trains until paused, then reports parameters. It returns true on STOP.
func (client *Client) runEpoch(ctx context.Context, start *protocol.Start) (bool, error) {
	if start.ClusterId != nil {
		client.cluster = *start.ClusterId
	}
	if start.LabelCounts != nil {
		client.labelCounts = start.LabelCounts
	}
	if err := client.prepareModel(start); err != nil {
		return false, err
	}
	client.epochs++

	comps := stage.Components{
		Model:     client.model,
		Optimizer: nn.NewSGD(client.model, start.LearningRate, start.Momentum),
		Metrics:   client.metrics,
		Poller:    client.poller,
	}
	switch model.RoleOf(client.config.Stage, start.NumStages) {
	case model.ENTRY:
		seed := client.config.Seed + int64(client.epochs)
		comps.Train = nn.NewSyntheticDataset(client.config.Architecture, client.labelCounts, seed).Batches(start.BatchSize)
		if client.config.ValidationSamplesPerClass > 0 {
			counts := nn.UniformCounts(client.config.Architecture.NumClasses(), client.config.ValidationSamplesPerClass)
			comps.Validation = nn.NewSyntheticDataset(client.config.Architecture, counts, -seed).Batches(start.BatchSize)
		}
	case model.EXIT:
		comps.Loss = nn.CrossEntropy{}
	}

	scheduler, err := stage.NewScheduler(stage.Config{
		ClientId:     client.config.ClientId,
		Stage:        client.config.Stage,
		NumStages:    start.NumStages,
		Cluster:      client.cluster,
		ControlCount: start.ControlCount,
	}, client.transport, comps, client.logger)
	if err != nil {
		return false, err
	}

	result, err := scheduler.Run(ctx)
	if err != nil {
		return false, err
	}
	if result.Stopped {
		return true, nil
	}

	update := protocol.NewUpdate(client.config.ClientId, client.config.Stage, client.cluster,
		client.model.State(), result.SampleCount, result.Success)
	client.logger.Info(fmt.Sprintf("Epoch %d done: %d samples, success %t", client.epochs, result.SampleCount, result.Success))
	return false, client.send(ctx, common.RPC_QUEUE, update)
}
