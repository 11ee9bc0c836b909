package stage

import "github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/tensor"

// ForwardPass is the result of running a stage's layers: the output tensor and whatever
// the model saved to back-propagate into that output later.
type ForwardPass struct {
	Output *tensor.Tensor
	Saved  interface{}
}

// Model is the layer range a stage owns.
type Model interface {
	Forward(input *tensor.Tensor) (*ForwardPass, error)
	// Backward accumulates parameter gradients and returns the gradient w.r.t. the pass input.
	Backward(pass *ForwardPass, gradient *tensor.Tensor) (*tensor.Tensor, error)
	State() tensor.StateDict
	LoadState(state tensor.StateDict) error
}

// Optimizer applies and clears the gradients accumulated by Backward.
type Optimizer interface {
	Step() error
}

// LossFunc scores exit-stage output against labels and returns dLoss/dOutput.
type LossFunc interface {
	Loss(output *tensor.Tensor, labels []int) (float64, *tensor.Tensor, error)
}

// DataSource yields labelled microbatches until exhausted.
type DataSource interface {
	Next() (batch *tensor.Tensor, labels []int, ok bool)
}

// Argmax returns the index of the largest value in every row.
func Argmax(t *tensor.Tensor) []int {
	rows, cols := t.Rows(), t.Cols()
	out := make([]int, rows)
	for r := 0; r < rows; r++ {
		row := t.Values[r*cols : (r+1)*cols]
		best := 0
		for c := 1; c < cols; c++ {
			if row[c] > row[best] {
				best = c
			}
		}
		out[r] = best
	}
	return out
}
