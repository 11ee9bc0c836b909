package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/tensor"
)

// CrossEntropy is the mean softmax cross-entropy over a batch of logits.
type CrossEntropy struct{}

func (CrossEntropy) Loss(output *tensor.Tensor, labels []int) (float64, *tensor.Tensor, error) {
	rows, cols := output.Rows(), output.Cols()
	if len(labels) != rows {
		return 0, nil, fmt.Errorf("%w: %d labels for %d rows", tensor.ErrShapeMismatch, len(labels), rows)
	}

	grad := tensor.New(output.Shape, nil)
	total := 0.0
	for r := 0; r < rows; r++ {
		label := labels[r]
		if label < 0 || label >= cols {
			return 0, nil, fmt.Errorf("label %d outside %d classes", label, cols)
		}
		logits := output.Values[r*cols : (r+1)*cols]
		probs := grad.Values[r*cols : (r+1)*cols]

		logSum := floats.LogSumExp(logits)
		for c, v := range logits {
			probs[c] = math.Exp(v-logSum) / float64(rows)
		}
		probs[label] -= 1 / float64(rows)
		total += logSum - logits[label]
	}
	return total / float64(rows), grad, nil
}
