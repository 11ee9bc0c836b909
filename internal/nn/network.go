// Package nn is a small fully connected network that can be cut into stage slices.
// Layer i of the full model is either a linear layer (even i) or a ReLU (odd i), so a
// network with layer sizes [in, h1, ..., out] has 2*(len-1)-1 layers.
package nn

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/common"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/model"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/stage"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/tensor"
)

const (
	WEIGHT_KEY  = "weight"
	BIAS_KEY    = "bias"
	BATCHES_KEY = "num_batches_tracked"
)

type Architecture struct {
	LayerSizes []int
}

func (a Architecture) NumLayers() int {
	if len(a.LayerSizes) < 2 {
		return 0
	}
	return 2*(len(a.LayerSizes)-1) - 1
}

func (a Architecture) InputSize() int {
	return a.LayerSizes[0]
}

func (a Architecture) NumClasses() int {
	return a.LayerSizes[len(a.LayerSizes)-1]
}

// Validate checks that every cut layer falls strictly inside the network.
func (a Architecture) Validate(cutLayers []int) error {
	if a.NumLayers() == 0 {
		return fmt.Errorf("architecture needs at least an input and an output size, got %v", a.LayerSizes)
	}
	prev := 0
	for _, cut := range cutLayers {
		if cut <= prev || cut >= a.NumLayers() {
			return fmt.Errorf("cut layer %d outside (%d, %d)", cut, prev, a.NumLayers())
		}
		prev = cut
	}
	return nil
}

type linear struct {
	in, out int
	weight  *mat.Dense // out x in
	bias    []float64
	batches int64

	gradWeight *mat.Dense
	gradBias   []float64
}

type layer struct {
	index  int // local to the stage
	linear *linear
}

// StageModel runs the layers of one slice. Its state keys are numbered from zero.
type StageModel struct {
	layers []layer
}

func NewStageModel(arch Architecture, slice model.LayerSlice, rng *rand.Rand) (*StageModel, error) {
	total := arch.NumLayers()
	if total == 0 {
		return nil, fmt.Errorf("empty architecture %v", arch.LayerSizes)
	}
	end := slice.End
	if end == common.END_OF_MODEL {
		end = total
	}
	if slice.Start < 0 || end > total || slice.Start >= end {
		return nil, fmt.Errorf("layer slice [%d, %d) outside a %d layer network", slice.Start, slice.End, total)
	}

	m := &StageModel{}
	for abs := slice.Start; abs < end; abs++ {
		l := layer{index: abs - slice.Start}
		if abs%2 == 0 {
			in, out := arch.LayerSizes[abs/2], arch.LayerSizes[abs/2+1]
			l.linear = newLinear(in, out, rng)
		}
		m.layers = append(m.layers, l)
	}
	return m, nil
}

func newLinear(in, out int, rng *rand.Rand) *linear {
	bound := 1 / math.Sqrt(float64(in))
	w := make([]float64, in*out)
	for i := range w {
		w[i] = (rng.Float64()*2 - 1) * bound
	}
	return &linear{
		in:         in,
		out:        out,
		weight:     mat.NewDense(out, in, w),
		bias:       make([]float64, out),
		gradWeight: mat.NewDense(out, in, nil),
		gradBias:   make([]float64, out),
	}
}

func toDense(t *tensor.Tensor) *mat.Dense {
	return mat.NewDense(t.Rows(), t.Cols(), append([]float64(nil), t.Values...))
}

func fromDense(d *mat.Dense) *tensor.Tensor {
	r, c := d.Dims()
	return tensor.New([]int{r, c}, append([]float64(nil), d.RawMatrix().Data...))
}

func (m *StageModel) Forward(input *tensor.Tensor) (*stage.ForwardPass, error) {
	x := toDense(input)
	inputs := make([]*mat.Dense, len(m.layers))

	for i, l := range m.layers {
		inputs[i] = x
		rows, cols := x.Dims()
		if l.linear == nil {
			y := mat.NewDense(rows, cols, nil)
			y.Apply(func(_, _ int, v float64) float64 { return math.Max(v, 0) }, x)
			x = y
			continue
		}
		if cols != l.linear.in {
			return nil, fmt.Errorf("%w: layer %d expects %d features, got %d", tensor.ErrShapeMismatch, l.index, l.linear.in, cols)
		}
		y := mat.NewDense(rows, l.linear.out, nil)
		y.Mul(x, l.linear.weight.T())
		bias := l.linear.bias
		y.Apply(func(_, j int, v float64) float64 { return v + bias[j] }, y)
		x = y
	}

	return &stage.ForwardPass{Output: fromDense(x), Saved: inputs}, nil
}

// Backward accumulates parameter gradients until the next optimizer step.
func (m *StageModel) Backward(pass *stage.ForwardPass, gradient *tensor.Tensor) (*tensor.Tensor, error) {
	inputs, ok := pass.Saved.([]*mat.Dense)
	if !ok || len(inputs) != len(m.layers) {
		return nil, fmt.Errorf("forward pass was not produced by this stage")
	}
	if gradient.Rows() != pass.Output.Rows() || gradient.Cols() != pass.Output.Cols() {
		return nil, fmt.Errorf("%w: gradient %v for output %v", tensor.ErrShapeMismatch, gradient.Shape, pass.Output.Shape)
	}

	g := toDense(gradient)
	for i := len(m.layers) - 1; i >= 0; i-- {
		x := inputs[i]
		l := m.layers[i]
		if l.linear == nil {
			g.Apply(func(r, c int, v float64) float64 {
				if x.At(r, c) > 0 {
					return v
				}
				return 0
			}, g)
			continue
		}

		var dw mat.Dense
		dw.Mul(g.T(), x)
		l.linear.gradWeight.Add(l.linear.gradWeight, &dw)
		rows, _ := g.Dims()
		for r := 0; r < rows; r++ {
			for j, v := range g.RawRowView(r) {
				l.linear.gradBias[j] += v
			}
		}

		var dx mat.Dense
		dx.Mul(g, l.linear.weight)
		g = &dx
	}
	return fromDense(g), nil
}

func (m *StageModel) State() tensor.StateDict {
	sd := tensor.StateDict{}
	for _, l := range m.layers {
		if l.linear == nil {
			continue
		}
		sd[common.JoinLayerKey(l.index, WEIGHT_KEY)] = tensor.New([]int{l.linear.out, l.linear.in},
			append([]float64(nil), l.linear.weight.RawMatrix().Data...))
		sd[common.JoinLayerKey(l.index, BIAS_KEY)] = tensor.New([]int{l.linear.out}, append([]float64(nil), l.linear.bias...))
		sd[common.JoinLayerKey(l.index, BATCHES_KEY)] = tensor.NewInt([]int{1}, []int64{l.linear.batches})
	}
	return sd
}

// LoadState replaces every parameter. The snapshot must hold exactly this stage's keys.
func (m *StageModel) LoadState(sd tensor.StateDict) error {
	expected := m.State()
	if len(sd) != len(expected) {
		return fmt.Errorf("%w: got %d keys, stage has %d", tensor.ErrKeyMismatch, len(sd), len(expected))
	}
	for key, ref := range expected {
		t, ok := sd[key]
		if !ok {
			return fmt.Errorf("%w: missing %q", tensor.ErrKeyMismatch, key)
		}
		if t.DType != ref.DType || t.Len() != ref.Len() {
			return fmt.Errorf("%w: %q", tensor.ErrShapeMismatch, key)
		}
	}

	for _, l := range m.layers {
		if l.linear == nil {
			continue
		}
		w := sd[common.JoinLayerKey(l.index, WEIGHT_KEY)]
		l.linear.weight = mat.NewDense(l.linear.out, l.linear.in, append([]float64(nil), w.Values...))
		copy(l.linear.bias, sd[common.JoinLayerKey(l.index, BIAS_KEY)].Values)
		l.linear.batches = sd[common.JoinLayerKey(l.index, BATCHES_KEY)].Ints[0]
	}
	return nil
}

func (m *StageModel) linears() []*linear {
	var out []*linear
	for _, l := range m.layers {
		if l.linear != nil {
			out = append(out, l.linear)
		}
	}
	return out
}
