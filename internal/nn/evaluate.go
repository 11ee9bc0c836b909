package nn

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/hashicorp/go-hclog"

	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/common"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/model"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/stage"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/tensor"
)

// Evaluator checks a merged full-model snapshot against a held-out synthetic test set.
type Evaluator struct {
	arch    Architecture
	test    *Dataset
	logger  hclog.Logger
	lastAcc float64
}

func NewEvaluator(arch Architecture, samplesPerClass int, seed int64, logger hclog.Logger) *Evaluator {
	return &Evaluator{
		arch:   arch,
		test:   NewSyntheticDataset(arch, UniformCounts(arch.NumClasses(), samplesPerClass), seed),
		logger: logger,
	}
}

// Evaluate passes when every parameter and the test loss are finite.
func (e *Evaluator) Evaluate(ctx context.Context, modelName string, snapshot tensor.StateDict) (bool, error) {
	if !snapshot.IsFinite() {
		e.logger.Warn(fmt.Sprintf("Model %s has non-finite parameters", modelName))
		return false, nil
	}

	full, err := NewStageModel(e.arch, model.LayerSlice{Start: 0, End: common.END_OF_MODEL}, rand.New(rand.NewSource(0)))
	if err != nil {
		return false, err
	}
	if err := full.LoadState(snapshot); err != nil {
		return false, fmt.Errorf("loading %s snapshot: %w", modelName, err)
	}

	loss, acc, err := score(ctx, full, e.test)
	if err != nil {
		return false, err
	}
	e.lastAcc = acc
	e.logger.Info(fmt.Sprintf("Model %s test loss %.4f, accuracy %.4f", modelName, loss, acc))
	return !math.IsNaN(loss) && !math.IsInf(loss, 0), nil
}

// LastAccuracy is the test accuracy of the most recent evaluation.
func (e *Evaluator) LastAccuracy() float64 {
	return e.lastAcc
}

func score(ctx context.Context, m *StageModel, ds *Dataset) (float64, float64, error) {
	var ce CrossEntropy
	batches := ds.Batches(64)
	totalLoss, correct, seen := 0.0, 0, 0
	for {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		x, labels, ok := batches.Next()
		if !ok {
			break
		}
		pass, err := m.Forward(x)
		if err != nil {
			return 0, 0, err
		}
		loss, _, err := ce.Loss(pass.Output, labels)
		if err != nil {
			return 0, 0, err
		}
		totalLoss += loss * float64(len(labels))
		for i, p := range stage.Argmax(pass.Output) {
			if p == labels[i] {
				correct++
			}
		}
		seen += len(labels)
	}
	if seen == 0 {
		return 0, 0, nil
	}
	return totalLoss / float64(seen), float64(correct) / float64(seen), nil
}
