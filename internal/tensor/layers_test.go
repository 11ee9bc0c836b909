package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/common"
)

func TestRemapLayers(t *testing.T) {
	sd := StateDict{
		"0.weight": New([]int{1}, []float64{1}),
		"1.bias":   New([]int{1}, []float64{2}),
	}

	out, err := RemapLayers(sd, 4)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"4.weight", "5.bias"}, out.Keys())
	assert.Equal(t, 2.0, out["5.bias"].Values[0])
}

func TestRemapLayers_BadKey(t *testing.T) {
	_, err := RemapLayers(StateDict{"weight": New([]int{1}, nil)}, 1)
	assert.Error(t, err)
}

func TestSliceLayers(t *testing.T) {
	full := StateDict{}
	for layer := 0; layer < 6; layer++ {
		full[common.JoinLayerKey(layer, "weight")] = New([]int{1}, []float64{float64(layer)})
	}

	mid, err := SliceLayers(full, 2, 4)
	require.NoError(t, err)
	assert.Equal(t, []string{"0.weight", "1.weight"}, mid.Keys())
	assert.Equal(t, 3.0, mid["1.weight"].Values[0])

	tail, err := SliceLayers(full, 4, common.END_OF_MODEL)
	require.NoError(t, err)
	assert.Equal(t, []string{"0.weight", "1.weight"}, tail.Keys())
	assert.Equal(t, 5.0, tail["1.weight"].Values[0])
}

func TestSliceThenRemapRoundTrip(t *testing.T) {
	full := StateDict{}
	for layer := 0; layer < 8; layer++ {
		full[common.JoinLayerKey(layer, "bias")] = New([]int{1}, []float64{float64(layer)})
	}

	head, err := SliceLayers(full, 0, 3)
	require.NoError(t, err)
	tailLocal, err := SliceLayers(full, 3, common.END_OF_MODEL)
	require.NoError(t, err)
	tail, err := RemapLayers(tailLocal, 3)
	require.NoError(t, err)

	merged := StateDict{}
	require.NoError(t, Merge(merged, head))
	require.NoError(t, Merge(merged, tail))
	assert.Equal(t, full.Keys(), merged.Keys())
	for k, v := range full {
		assert.Equal(t, v.Values, merged[k].Values)
	}
}

func TestMerge_Collision(t *testing.T) {
	dst := StateDict{"0.weight": New([]int{1}, nil)}
	err := Merge(dst, StateDict{"0.weight": New([]int{1}, nil)})
	assert.ErrorIs(t, err, ErrKeyMismatch)
}

func TestTensor_ValidateAndFinite(t *testing.T) {
	bad := &Tensor{DType: Float64, Shape: []int{2, 2}, Values: []float64{1}}
	assert.ErrorIs(t, bad.Validate(), ErrShapeMismatch)

	tt := New([]int{2, 3}, nil)
	assert.NoError(t, tt.Validate())
	assert.Equal(t, 2, tt.Rows())
	assert.Equal(t, 3, tt.Cols())
	assert.True(t, tt.IsFinite())
}
