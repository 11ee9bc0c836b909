// Package coordinator drives split-learning rounds: it registers nodes, clusters them,
// synchronizes local rounds inside each cluster and merges the clusters into one model.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/checkpoint"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/cluster"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/common"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/events"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/metrics"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/model"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/protocol"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/tensor"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/transport"
)

// Coordinator states
const (
	STATE_AWAITING_REGISTRATION = "awaiting_registration"
	STATE_TRAINING              = "training"
	STATE_STOPPED               = "stopped"
)

type Config struct {
	ModelName       string
	ClientsPerStage []int
	LocalRounds     int
	GlobalRounds    int
	SyncPolicy      string
	Hyperparameters model.Hyperparameters
	Cluster         cluster.Config
	SaveParameters  bool
	LoadParameters  bool
	Validation      bool
	// ValidationThreshold is the accuracy the progress prediction aims for.
	ValidationThreshold float64
	CountFailedRounds   bool
	Distribution        DistributionConfig
	RandomSeed          int64
	PollInterval        time.Duration
}

func (c Config) numStages() int {
	return len(c.ClientsPerStage)
}

// IValidator checks a merged full-model snapshot.
type IValidator interface {
	Evaluate(ctx context.Context, modelName string, snapshot tensor.StateDict) (bool, error)
}

type Dependencies struct {
	Transport transport.Transport
	Clusterer cluster.IClusterer
	Validator IValidator
	Snapshots checkpoint.ISnapshotStore
	History   checkpoint.IHistory
	EventBus  *events.EventBus
	Metrics   *metrics.CoordinatorCollector
}

// GlobalState is what survives across global rounds.
// GlobalState carries across global rounds. Snapshot is the last accepted merged
// model; RollBack asks the next round to restore it.
type GlobalState struct {
	RemainingRounds int
	RoundPoisoned   bool
	RollBack        bool
	Snapshot        tensor.StateDict
}

// clusterState is the per-cluster round bookkeeping. Buffers are indexed by stage-1.
type clusterState struct {
	info     *model.Cluster
	members  []*model.ClientRecord
	notifies int
	buffers  [][]tensor.Weighted
	averaged []tensor.StateDict
	done     bool
}

type Coordinator struct {
	config  Config
	deps    Dependencies
	logger  hclog.Logger
	runId   string
	poller  *transport.Poller
	distrib *labelDistributor

	state      string
	clients    []*model.ClientRecord
	clientsMap map[string]*model.ClientRecord
	registered []int
	clusters   []*clusterState
	global     GlobalState
	round      int
	progress   *progress

	statusMu sync.RWMutex
	status   Status
}

func NewCoordinator(config Config, deps Dependencies, logger hclog.Logger) (*Coordinator, error) {
	if config.numStages() < 2 {
		return nil, fmt.Errorf("split learning needs at least 2 stages, got %d", config.numStages())
	}
	for i, n := range config.ClientsPerStage {
		if n < 1 {
			return nil, fmt.Errorf("stage %d expects %d clients", i+1, n)
		}
	}
	if config.LocalRounds < 1 || config.GlobalRounds < 1 {
		return nil, fmt.Errorf("local and global rounds must be positive")
	}
	if config.SyncPolicy != common.SYNC_POLICY_UNIFORM && config.SyncPolicy != common.SYNC_POLICY_STAGED {
		return nil, fmt.Errorf("invalid sync policy: %s", config.SyncPolicy)
	}
	if !config.Cluster.Enable {
		config.LocalRounds = 1
	}
	if deps.Transport == nil || deps.Clusterer == nil {
		return nil, fmt.Errorf("coordinator needs a transport and a clusterer")
	}
	if config.Validation && deps.Validator == nil {
		return nil, fmt.Errorf("validation enabled without a validator")
	}
	if (config.SaveParameters || config.LoadParameters) && deps.Snapshots == nil {
		return nil, fmt.Errorf("parameter save/load enabled without a snapshot store")
	}

	coord := &Coordinator{
		config:     config,
		deps:       deps,
		logger:     logger,
		runId:      uuid.New().String(),
		poller:     transport.NewPoller(config.PollInterval),
		distrib:    newLabelDistributor(config.Distribution, config.RandomSeed),
		state:      STATE_AWAITING_REGISTRATION,
		clientsMap: map[string]*model.ClientRecord{},
		registered: make([]int, config.numStages()),
		global:     GlobalState{RemainingRounds: config.GlobalRounds},
		round:      1,
		progress:   newProgress(),
	}
	coord.refreshStatus()
	return coord, nil
}

func (coord *Coordinator) RunId() string {
	return coord.runId
}

// Run purges stale protocol queues and then serves the request queue until training stops.
func (coord *Coordinator) Run(ctx context.Context) error {
	if err := coord.PurgeStaleQueues(ctx); err != nil {
		return err
	}
	return coord.Serve(ctx)
}

// PurgeStaleQueues removes every protocol queue left over from an earlier run.
func (coord *Coordinator) PurgeStaleQueues(ctx context.Context) error {
	if err := coord.deps.Transport.Purge(ctx, common.IsProtocolQueue); err != nil {
		return fmt.Errorf("purging stale queues: %w", err)
	}
	return nil
}

// Serve consumes the request queue one message at a time until training stops.
func (coord *Coordinator) Serve(ctx context.Context) error {
	coord.logger.Info(fmt.Sprintf("Coordinator %s waiting for %d clients %v", coord.runId,
		common.SumInts(coord.config.ClientsPerStage), coord.config.ClientsPerStage))

	for {
		body, ok, err := coord.deps.Transport.TryReceive(ctx, common.RPC_QUEUE)
		if err != nil {
			return err
		}
		if !ok {
			if err := coord.poller.Idle(ctx); err != nil {
				return err
			}
			continue
		}

		msg, err := protocol.DecodeControl(body)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownAction) || errors.Is(err, protocol.ErrMalformed) {
				coord.logger.Warn("Dropping undecodable request", "error", err)
				continue
			}
			return err
		}

		done, err := coord.Handle(ctx, msg)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// Handle processes one control message and reports whether training has stopped.
func (coord *Coordinator) Handle(ctx context.Context, msg protocol.ControlMessage) (bool, error) {
	coord.deps.Metrics.ObserveMessage(msg.Kind())
	defer coord.refreshStatus()

	switch m := msg.(type) {
	case *protocol.Register:
		return false, coord.handleRegister(ctx, m)
	case *protocol.Notify:
		return false, coord.handleNotify(ctx, m)
	case *protocol.Update:
		return coord.handleUpdate(ctx, m)
	default:
		coord.logger.Warn(fmt.Sprintf("Ignoring %s on the request queue", msg.Kind()))
		return false, nil
	}
}

func (coord *Coordinator) handleRegister(ctx context.Context, m *protocol.Register) error {
	coord.logger.Debug(fmt.Sprintf("[<<<] REGISTER from %s, stage %d, performance %.2f", m.ClientId, m.Stage, m.Performance))

	if coord.state != STATE_AWAITING_REGISTRATION {
		coord.logger.Warn(fmt.Sprintf("Late registration from %s ignored", m.ClientId))
		return nil
	}
	if _, exists := coord.clientsMap[m.ClientId]; exists {
		coord.logger.Warn(fmt.Sprintf("Client %s registered twice", m.ClientId))
		return nil
	}
	if m.Stage > coord.config.numStages() {
		coord.logger.Warn(fmt.Sprintf("Client %s registered for stage %d, only %d stages", m.ClientId, m.Stage, coord.config.numStages()))
		return nil
	}
	if coord.registered[m.Stage-1] >= coord.config.ClientsPerStage[m.Stage-1] {
		coord.logger.Warn(fmt.Sprintf("Stage %d already has %d clients, %s ignored", m.Stage, coord.registered[m.Stage-1], m.ClientId))
		return nil
	}

	record := &model.ClientRecord{Id: m.ClientId, Stage: m.Stage, Performance: m.Performance, Cluster: -1}
	coord.clients = append(coord.clients, record)
	coord.clientsMap[m.ClientId] = record
	coord.registered[m.Stage-1]++
	coord.deps.Metrics.SetRegistered(len(coord.clients))

	for i, n := range coord.config.ClientsPerStage {
		if coord.registered[i] != n {
			return nil
		}
	}

	if err := coord.clusterClients(); err != nil {
		return err
	}
	coord.state = STATE_TRAINING
	coord.logger.Info("All clients are connected. Sending notifications.")
	return coord.startGlobalRound(ctx)
}

func (coord *Coordinator) clusterClients() error {
	records := make([]model.ClientRecord, len(coord.clients))
	for i, c := range coord.clients {
		records[i] = *c
	}

	assignment, err := coord.deps.Clusterer.Assign(records, coord.config.numStages(), coord.config.Cluster)
	if err != nil {
		return fmt.Errorf("clustering clients: %w", err)
	}

	coord.clusters = make([]*clusterState, assignment.NumClusters)
	for c := range coord.clusters {
		info := &model.Cluster{
			Id:                    c,
			CutLayers:             assignment.CutLayers[c],
			ExpectedCountPerStage: assignment.StageCounts[c],
		}
		info.ResetCounts()
		coord.clusters[c] = &clusterState{
			info:     info,
			buffers:  make([][]tensor.Weighted, coord.config.numStages()),
			averaged: make([]tensor.StateDict, coord.config.numStages()),
		}
	}
	for i, c := range coord.clients {
		c.Cluster = assignment.ClusterIds[i]
		cs := coord.clusters[c.Cluster]
		cs.members = append(cs.members, c)
	}

	for _, cs := range coord.clusters {
		coord.logger.Info(fmt.Sprintf("Cluster %d: clients per stage %v, cut layers %v", cs.info.Id, cs.info.ExpectedCountPerStage, cs.info.CutLayers))
	}
	return nil
}

func (coord *Coordinator) send(ctx context.Context, clientId string, msg protocol.ControlMessage) error {
	body, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	coord.logger.Debug(fmt.Sprintf("[>>>] %s to %s", msg.Kind(), clientId))
	return coord.deps.Transport.Send(ctx, common.GetReplyQueueName(clientId), body)
}

func (coord *Coordinator) startMessage(c *model.ClientRecord, parameters tensor.StateDict, labelCounts model.LabelCounts) *protocol.Start {
	cs := coord.clusters[c.Cluster]
	clusterId := c.Cluster
	hp := coord.config.Hyperparameters
	return &protocol.Start{
		Action:       common.ACTION_START,
		Parameters:   parameters,
		NumStages:    coord.config.numStages(),
		LayerSlice:   model.LayerSliceFor(c.Stage, coord.config.numStages(), cs.info.CutLayers),
		ModelName:    coord.config.ModelName,
		ControlCount: hp.ControlCount,
		BatchSize:    hp.BatchSize,
		LearningRate: hp.LearningRate,
		Momentum:     hp.Momentum,
		LabelCounts:  labelCounts,
		ClusterId:    &clusterId,
		SyncPolicy:   coord.config.SyncPolicy,
	}
}

// startGlobalRound sends START to every node with fresh label counts for entry nodes.
func (coord *Coordinator) startGlobalRound(ctx context.Context) error {
	coord.logger.Info(fmt.Sprintf("Start training round %d", coord.round))

	var full tensor.StateDict
	if coord.config.LoadParameters {
		snapshot, err := coord.deps.Snapshots.Load(coord.config.ModelName)
		switch {
		case err == nil:
			full = snapshot
		case errors.Is(err, checkpoint.ErrNoSnapshot):
			coord.logger.Info(fmt.Sprintf("No stored snapshot for %s, nodes start from their own parameters", coord.config.ModelName))
		default:
			return err
		}
	}
	if full == nil && coord.global.RollBack {
		if coord.global.Snapshot != nil {
			full = coord.global.Snapshot
			coord.logger.Info(fmt.Sprintf("Rolling nodes back to the last accepted %s parameters", coord.config.ModelName))
		} else {
			coord.logger.Warn("No accepted parameters to roll back to, nodes keep their own")
		}
	}
	coord.global.RollBack = false

	var entries []*model.ClientRecord
	for _, c := range coord.clients {
		if c.Stage == common.ENTRY_STAGE {
			entries = append(entries, c)
		}
	}
	counts := coord.distrib.distribute(len(entries))
	labelCounts := map[string]model.LabelCounts{}
	for i, c := range entries {
		labelCounts[c.Id] = counts[i]
	}
	for i, skew := range labelSkew(counts, coord.config.Distribution.NumLabels) {
		coord.logger.Debug(fmt.Sprintf("Client %s label counts %v, KL divergence %.4f", entries[i].Id, counts[i], skew))
	}

	for _, c := range coord.clients {
		var params tensor.StateDict
		if full != nil {
			slice := model.LayerSliceFor(c.Stage, coord.config.numStages(), coord.clusters[c.Cluster].info.CutLayers)
			sliced, err := tensor.SliceLayers(full, slice.Start, slice.End)
			if err != nil {
				return err
			}
			params = sliced
		}
		if err := coord.send(ctx, c.Id, coord.startMessage(c, params, labelCounts[c.Id])); err != nil {
			return err
		}
	}
	return nil
}

func (coord *Coordinator) handleNotify(ctx context.Context, m *protocol.Notify) error {
	coord.logger.Debug(fmt.Sprintf("[<<<] NOTIFY from %s, cluster %d", m.ClientId, m.Cluster))

	cs, err := coord.clusterOf(m.ClientId, m.Cluster)
	if err != nil {
		coord.logger.Warn(err.Error())
		return nil
	}
	if m.Stage != common.ENTRY_STAGE {
		coord.logger.Warn(fmt.Sprintf("NOTIFY from non-entry client %s ignored", m.ClientId))
		return nil
	}
	if m.Validation != nil {
		coord.progress.addValidation(m.Validation)
		coord.logger.Info(fmt.Sprintf("Client %s validation accuracy %.4f", m.ClientId, m.Validation.Accuracy()))
	}

	cs.notifies++
	if cs.notifies < cs.info.ExpectedCountPerStage[0] {
		return nil
	}
	cs.notifies = 0
	coord.logger.Info(fmt.Sprintf("Received finish training notification cluster %d", cs.info.Id))

	finalLocalRound := cs.info.LocalRound == coord.config.LocalRounds-1
	pause := protocol.NewPause()
	for _, c := range cs.members {
		if coord.config.SyncPolicy == common.SYNC_POLICY_STAGED && c.Stage != common.ENTRY_STAGE && !finalLocalRound {
			continue
		}
		if err := coord.send(ctx, c.Id, pause); err != nil {
			return err
		}
	}
	return nil
}

func (coord *Coordinator) clusterOf(clientId string, clusterId int) (*clusterState, error) {
	if coord.state != STATE_TRAINING {
		return nil, fmt.Errorf("message from %s while %s", clientId, coord.state)
	}
	c, ok := coord.clientsMap[clientId]
	if !ok {
		return nil, fmt.Errorf("message from unregistered client %s", clientId)
	}
	if c.Cluster != clusterId {
		return nil, fmt.Errorf("client %s reported cluster %d, assigned %d", clientId, clusterId, c.Cluster)
	}
	return coord.clusters[clusterId], nil
}
