package stage

import (
	"math"

	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/tensor"
)

// identityModel passes tensors through unchanged.
type identityModel struct {
	forwards  int
	backwards int
}

func (m *identityModel) Forward(input *tensor.Tensor) (*ForwardPass, error) {
	m.forwards++
	return &ForwardPass{Output: input.Clone(), Saved: input}, nil
}

func (m *identityModel) Backward(pass *ForwardPass, gradient *tensor.Tensor) (*tensor.Tensor, error) {
	m.backwards++
	return gradient.Clone(), nil
}

func (m *identityModel) State() tensor.StateDict {
	return tensor.StateDict{"0.weight": tensor.New([]int{1}, []float64{1})}
}

func (m *identityModel) LoadState(tensor.StateDict) error { return nil }

type countingOptimizer struct {
	steps int
}

func (o *countingOptimizer) Step() error {
	o.steps++
	return nil
}

// scriptedLoss returns a NaN loss and a NaN gradient on the calls listed in
// nanAt, and 0.5 with a constant gradient otherwise.
type scriptedLoss struct {
	calls int
	nanAt map[int]bool
}

func (l *scriptedLoss) Loss(output *tensor.Tensor, labels []int) (float64, *tensor.Tensor, error) {
	l.calls++
	loss, g := 0.5, 0.1
	if l.nanAt[l.calls] {
		loss, g = math.NaN(), math.NaN()
	}
	grad := output.Clone()
	for i := range grad.Values {
		grad.Values[i] = g
	}
	return loss, grad, nil
}

type sliceSource struct {
	batches []*tensor.Tensor
	labels  [][]int
	next    int
}

func newSliceSource(n int, rows int) *sliceSource {
	src := &sliceSource{}
	for i := 0; i < n; i++ {
		values := make([]float64, rows*2)
		labels := make([]int, rows)
		for r := 0; r < rows; r++ {
			values[r*2] = float64(i)
			values[r*2+1] = float64(r)
			labels[r] = r % 2
		}
		src.batches = append(src.batches, tensor.New([]int{rows, 2}, values))
		src.labels = append(src.labels, labels)
	}
	return src
}

func (s *sliceSource) Next() (*tensor.Tensor, []int, bool) {
	if s.next >= len(s.batches) {
		return nil, nil, false
	}
	s.next++
	return s.batches[s.next-1], s.labels[s.next-1], true
}
