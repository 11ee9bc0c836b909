package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Weighted is one contribution to an average: a snapshot and the number of samples behind it.
type Weighted struct {
	State  StateDict
	Weight int64
}

// WeightedAverage computes avg[key] = Σ(value_i × weight_i) / Σ weight_i for every key.
// Integer tensors use floor division so they stay exactly representable.
// No contributions yields a nil result and no error.
func WeightedAverage(entries []Weighted) (StateDict, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	var total int64
	for _, e := range entries {
		total += e.Weight
	}
	if total == 0 {
		return nil, ErrZeroWeight
	}

	first := entries[0].State
	for i, e := range entries[1:] {
		if len(e.State) != len(first) {
			return nil, fmt.Errorf("%w: contribution %d has %d keys, expected %d", ErrKeyMismatch, i+1, len(e.State), len(first))
		}
	}

	avg := make(StateDict, len(first))
	for key, ref := range first {
		if ref.DType == Int64 {
			sum := make([]int64, len(ref.Ints))
			for i, e := range entries {
				t, err := lookup(e.State, key, ref, i)
				if err != nil {
					return nil, err
				}
				for j, v := range t.Ints {
					sum[j] += v * e.Weight
				}
			}
			for j := range sum {
				sum[j] = floorDiv(sum[j], total)
			}
			avg[key] = NewInt(ref.Shape, sum)
			continue
		}

		sum := make([]float64, len(ref.Values))
		for i, e := range entries {
			t, err := lookup(e.State, key, ref, i)
			if err != nil {
				return nil, err
			}
			floats.AddScaled(sum, float64(e.Weight), t.Values)
		}
		w := float64(total)
		for j := range sum {
			sum[j] /= w
		}
		avg[key] = New(ref.Shape, sum)
	}

	return avg, nil
}

func lookup(sd StateDict, key string, ref *Tensor, idx int) (*Tensor, error) {
	t, ok := sd[key]
	if !ok {
		return nil, fmt.Errorf("%w: contribution %d lacks %q", ErrKeyMismatch, idx, key)
	}
	if t.DType != ref.DType || !sameShape(t.Shape, ref.Shape) || t.Len() != ref.Len() {
		return nil, fmt.Errorf("%w: %q in contribution %d", ErrShapeMismatch, key, idx)
	}
	return t, nil
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
