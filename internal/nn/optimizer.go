package nn

import (
	"gonum.org/v1/gonum/floats"
)

// SGD is stochastic gradient descent with classical momentum.
type SGD struct {
	model        *StageModel
	learningRate float64
	momentum     float64

	velocityWeight [][]float64
	velocityBias   [][]float64
}

func NewSGD(m *StageModel, learningRate float64, momentum float64) *SGD {
	opt := &SGD{model: m, learningRate: learningRate, momentum: momentum}
	for _, l := range m.linears() {
		opt.velocityWeight = append(opt.velocityWeight, make([]float64, l.in*l.out))
		opt.velocityBias = append(opt.velocityBias, make([]float64, l.out))
	}
	return opt
}

// Step applies the accumulated gradients and clears them.
func (o *SGD) Step() error {
	for i, l := range o.model.linears() {
		grad := l.gradWeight.RawMatrix().Data
		o.apply(l.weight.RawMatrix().Data, grad, o.velocityWeight[i])
		o.apply(l.bias, l.gradBias, o.velocityBias[i])
		l.gradWeight.Zero()
		for j := range l.gradBias {
			l.gradBias[j] = 0
		}
		l.batches++
	}
	return nil
}

func (o *SGD) apply(params, grad, velocity []float64) {
	floats.Scale(o.momentum, velocity)
	floats.Add(velocity, grad)
	floats.AddScaled(params, -o.learningRate, velocity)
}
