// Package tensor holds the parameter and activation representation exchanged between
// stages and the coordinator, together with the averaging and key-space operations
// used during aggregation.
package tensor

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

type DType string

const (
	Float64 DType = "float64"
	Int64   DType = "int64"
)

var (
	ErrShapeMismatch = errors.New("tensor shape mismatch")
	ErrKeyMismatch   = errors.New("state dict keys mismatch")
	ErrZeroWeight    = errors.New("total sample weight is zero")
)

// Tensor is a dense row-major array. Float tensors use Values, integer tensors use Ints.
type Tensor struct {
	DType  DType     `json:"dtype"`
	Shape  []int     `json:"shape"`
	Values []float64 `json:"values,omitempty"`
	Ints   []int64   `json:"ints,omitempty"`
}

func New(shape []int, values []float64) *Tensor {
	if values == nil {
		values = make([]float64, numElements(shape))
	}
	return &Tensor{DType: Float64, Shape: append([]int(nil), shape...), Values: values}
}

func NewInt(shape []int, ints []int64) *Tensor {
	if ints == nil {
		ints = make([]int64, numElements(shape))
	}
	return &Tensor{DType: Int64, Shape: append([]int(nil), shape...), Ints: ints}
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func (t *Tensor) Len() int {
	if t.DType == Int64 {
		return len(t.Ints)
	}
	return len(t.Values)
}

// Rows is the leading dimension, the batch size for activations.
func (t *Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return t.Shape[0]
}

// Cols is the product of every dimension after the leading one.
func (t *Tensor) Cols() int {
	if len(t.Shape) <= 1 {
		return 1
	}
	return numElements(t.Shape[1:])
}

func (t *Tensor) Validate() error {
	if t.Len() != numElements(t.Shape) {
		return fmt.Errorf("%w: shape %v holds %d elements, got %d", ErrShapeMismatch, t.Shape, numElements(t.Shape), t.Len())
	}
	return nil
}

func (t *Tensor) Clone() *Tensor {
	c := &Tensor{DType: t.DType, Shape: append([]int(nil), t.Shape...)}
	if t.Values != nil {
		c.Values = append([]float64(nil), t.Values...)
	}
	if t.Ints != nil {
		c.Ints = append([]int64(nil), t.Ints...)
	}
	return c
}

func (t *Tensor) IsFinite() bool {
	for _, v := range t.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// StateDict maps a parameter key ("<layer>.<name>") to its tensor.
type StateDict map[string]*Tensor

func (sd StateDict) Clone() StateDict {
	if sd == nil {
		return nil
	}
	c := make(StateDict, len(sd))
	for k, v := range sd {
		c[k] = v.Clone()
	}
	return c
}

func (sd StateDict) Keys() []string {
	keys := make([]string, 0, len(sd))
	for k := range sd {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (sd StateDict) IsFinite() bool {
	for _, t := range sd {
		if !t.IsFinite() {
			return false
		}
	}
	return true
}
