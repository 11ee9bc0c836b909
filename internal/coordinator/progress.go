package coordinator

import (
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/coordinator/performance"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/protocol"
)

// progress accumulates NOTIFY validation results into one accuracy per global round.
type progress struct {
	correct    int
	total      int
	accuracies []float64
}

func newProgress() *progress {
	return &progress{accuracies: []float64{}}
}

func (p *progress) addValidation(v *protocol.ValidationResults) {
	for i, label := range v.Labels {
		if v.Predictions[i] == label {
			p.correct++
		}
	}
	p.total += len(v.Labels)
}

// closeRound appends the round accuracy, or 0 when no node validated.
func (p *progress) closeRound() float64 {
	accuracy := 0.0
	if p.total > 0 {
		accuracy = float64(p.correct) / float64(p.total)
		p.accuracies = append(p.accuracies, accuracy)
	}
	p.correct, p.total = 0, 0
	return accuracy
}

func (p *progress) predictRound(threshold float64) (int, bool) {
	if threshold <= 0 || len(p.accuracies) < 2 {
		return 0, false
	}
	pp, err := performance.NewPerformancePrediction(p.accuracies, performance.LogarithmicRegression_PredictionType, 0)
	if err != nil {
		return 0, false
	}
	round := pp.PredictRoundForAccuracy(threshold)
	return round, round > 0
}
