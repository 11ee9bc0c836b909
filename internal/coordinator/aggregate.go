package coordinator

import (
	"context"
	"fmt"

	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/checkpoint"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/common"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/events"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/protocol"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/tensor"
)

func (coord *Coordinator) handleUpdate(ctx context.Context, m *protocol.Update) (bool, error) {
	coord.logger.Debug(fmt.Sprintf("[<<<] UPDATE from %s, stage %d, cluster %d, %d samples, success %t",
		m.ClientId, m.Stage, m.Cluster, m.SampleSize, m.Success))

	cs, err := coord.clusterOf(m.ClientId, m.Cluster)
	if err != nil {
		coord.logger.Warn(err.Error())
		return false, nil
	}
	stageIdx := coord.clientsMap[m.ClientId].Stage - 1
	if cs.info.CurrentCountPerStage[stageIdx] >= cs.info.ExpectedCountPerStage[stageIdx] {
		coord.logger.Warn(fmt.Sprintf("Extra UPDATE from %s in cluster %d ignored", m.ClientId, cs.info.Id))
		return false, nil
	}

	if !m.Success && !coord.global.RoundPoisoned {
		coord.logger.Warn(fmt.Sprintf("Client %s reported a failed epoch, round %d is poisoned", m.ClientId, coord.round))
		coord.global.RoundPoisoned = true
	}
	if !coord.global.RoundPoisoned {
		cs.buffers[stageIdx] = append(cs.buffers[stageIdx], tensor.Weighted{State: m.Parameters, Weight: m.SampleSize})
	}
	cs.info.CurrentCountPerStage[stageIdx]++

	if !coord.localBarrierReached(cs) {
		return false, nil
	}
	if err := coord.finishLocalRound(cs); err != nil {
		return false, err
	}

	if !cs.done {
		return false, coord.restartCluster(ctx, cs)
	}
	for _, other := range coord.clusters {
		if !other.done {
			return false, nil
		}
	}
	return coord.finishGlobalRound(ctx)
}

// localBarrierReached reports whether every node this local round waits for has sent UPDATE.
// Staged rounds before the final one only wait for the entry stage.
func (coord *Coordinator) localBarrierReached(cs *clusterState) bool {
	final := cs.info.LocalRound == coord.config.LocalRounds-1
	if coord.config.SyncPolicy == common.SYNC_POLICY_STAGED && !final {
		return cs.info.CurrentCountPerStage[0] == cs.info.ExpectedCountPerStage[0]
	}
	for i, expected := range cs.info.ExpectedCountPerStage {
		if cs.info.CurrentCountPerStage[i] != expected {
			return false
		}
	}
	return true
}

// finishLocalRound averages every stage that reported and clears its buffer.
func (coord *Coordinator) finishLocalRound(cs *clusterState) error {
	for s, buffer := range cs.buffers {
		if len(buffer) == 0 {
			continue
		}
		avg, err := tensor.WeightedAverage(buffer)
		if err != nil {
			return fmt.Errorf("averaging cluster %d stage %d: %w", cs.info.Id, s+1, err)
		}
		cs.averaged[s] = avg
		if s == 0 {
			var total int64
			for _, w := range buffer {
				total += w.Weight
			}
			cs.info.TotalSampleWeight = total
		}
		cs.buffers[s] = nil
	}

	cs.info.ResetCounts()
	cs.info.LocalRound++
	coord.deps.Metrics.ObserveLocalRound(cs.info.Id)
	if cs.info.LocalRound >= coord.config.LocalRounds {
		cs.done = true
	}
	return nil
}

// restartCluster sends the averaged stage parameters back for the next local round.
// Under the staged policy only entry nodes were paused, so only they restart.
func (coord *Coordinator) restartCluster(ctx context.Context, cs *clusterState) error {
	coord.logger.Info(fmt.Sprintf("Cluster %d starting local round %d", cs.info.Id, cs.info.LocalRound+1))
	for _, c := range cs.members {
		if coord.config.SyncPolicy == common.SYNC_POLICY_STAGED && c.Stage != common.ENTRY_STAGE {
			continue
		}
		var params tensor.StateDict
		if avg := cs.averaged[c.Stage-1]; avg != nil {
			params = avg.Clone()
		}
		if err := coord.send(ctx, c.Id, coord.startMessage(c, params, nil)); err != nil {
			return err
		}
	}
	return nil
}

// mergeClusters maps each cluster's stage averages into the full model's key space and
// averages the clusters, weighting each by the samples its entry stage trained on.
func (coord *Coordinator) mergeClusters() (tensor.StateDict, int64, error) {
	contributions := make([]tensor.Weighted, 0, len(coord.clusters))
	var samples int64
	for _, cs := range coord.clusters {
		full := tensor.StateDict{}
		for s, avg := range cs.averaged {
			if avg == nil {
				return nil, 0, fmt.Errorf("cluster %d has no parameters for stage %d", cs.info.Id, s+1)
			}
			remapped, err := tensor.RemapLayers(avg, cs.info.Offset(s+1))
			if err != nil {
				return nil, 0, err
			}
			if err := tensor.Merge(full, remapped); err != nil {
				return nil, 0, fmt.Errorf("merging cluster %d stage %d: %w", cs.info.Id, s+1, err)
			}
		}
		contributions = append(contributions, tensor.Weighted{State: full, Weight: cs.info.TotalSampleWeight})
		samples += cs.info.TotalSampleWeight
	}

	merged, err := tensor.WeightedAverage(contributions)
	if err != nil {
		return nil, 0, err
	}
	return merged, samples, nil
}

func (coord *Coordinator) finishGlobalRound(ctx context.Context) (bool, error) {
	coord.logger.Info("Collected all parameters.")

	outcome := checkpoint.OUTCOME_POISONED
	var samples int64
	if !coord.global.RoundPoisoned {
		merged, total, err := coord.mergeClusters()
		if err != nil {
			return false, err
		}
		samples = total

		passed := true
		if coord.config.Validation {
			passed, err = coord.deps.Validator.Evaluate(ctx, coord.config.ModelName, merged)
			if err != nil {
				return false, fmt.Errorf("validating round %d: %w", coord.round, err)
			}
		}

		if passed {
			coord.global.Snapshot = merged
			outcome = checkpoint.OUTCOME_ACCEPTED
			if coord.config.SaveParameters {
				if err := coord.deps.Snapshots.Save(coord.config.ModelName, merged); err != nil {
					return false, fmt.Errorf("saving round %d: %w", coord.round, err)
				}
				outcome = checkpoint.OUTCOME_PERSISTED
				coord.logger.Info(fmt.Sprintf("Saved %s snapshot after round %d", coord.config.ModelName, coord.round))
			}
		} else {
			outcome = checkpoint.OUTCOME_REJECTED
			coord.logger.Warn(fmt.Sprintf("Training failed! Round %d did not pass validation", coord.round))
		}
	} else {
		coord.logger.Warn(fmt.Sprintf("Round %d discarded, a client diverged", coord.round))
	}

	succeeded := outcome == checkpoint.OUTCOME_ACCEPTED || outcome == checkpoint.OUTCOME_PERSISTED
	coord.global.RollBack = !succeeded
	if succeeded || coord.config.CountFailedRounds {
		coord.global.RemainingRounds--
	}

	accuracy := coord.progress.closeRound()
	if predicted, ok := coord.progress.predictRound(coord.config.ValidationThreshold); ok {
		coord.logger.Info(fmt.Sprintf("Accuracy %.2f predicted at round %d", coord.config.ValidationThreshold, predicted))
	}

	coord.deps.Metrics.ObserveGlobalRound(outcome, coord.global.RemainingRounds)
	coord.deps.Metrics.SetAccuracy(accuracy)
	if coord.deps.History != nil {
		record := &checkpoint.RoundRecord{
			RunId:           coord.runId,
			Round:           coord.round,
			Clusters:        len(coord.clusters),
			Samples:         samples,
			Outcome:         outcome,
			Accuracy:        accuracy,
			RemainingRounds: coord.global.RemainingRounds,
		}
		if err := coord.deps.History.Record(ctx, record); err != nil {
			coord.logger.Error("Error while recording round history", "error", err)
		}
	}
	coord.publish(common.ROUND_FINISHED_EVENT_TYPE, events.RoundFinishedEvent{
		Round:           coord.round,
		Outcome:         outcome,
		Accuracy:        accuracy,
		RemainingRounds: coord.global.RemainingRounds,
	})

	coord.round++
	coord.global.RoundPoisoned = false
	for _, cs := range coord.clusters {
		cs.info.LocalRound = 0
		cs.info.ResetCounts()
		cs.notifies = 0
		cs.done = false
		cs.averaged = make([]tensor.StateDict, coord.config.numStages())
	}

	if coord.global.RemainingRounds > 0 {
		return false, coord.startGlobalRound(ctx)
	}
	return true, coord.stopTraining(ctx)
}

func (coord *Coordinator) stopTraining(ctx context.Context) error {
	coord.logger.Info("Stop training !!!")
	stop := protocol.NewStop()
	for _, c := range coord.clients {
		if err := coord.send(ctx, c.Id, stop); err != nil {
			return err
		}
	}
	coord.state = STATE_STOPPED
	coord.publish(common.TRAINING_STOPPED_EVENT_TYPE, events.TrainingStoppedEvent{
		RoundsCompleted: coord.round - 1,
		ExitMessage:     "all global rounds finished",
	})
	return nil
}

func (coord *Coordinator) publish(eventType string, data interface{}) {
	if coord.deps.EventBus == nil {
		return
	}
	coord.deps.EventBus.Publish(events.Event{Type: eventType, Data: data})
}
