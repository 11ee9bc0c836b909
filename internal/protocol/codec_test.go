package protocol

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/model"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/tensor"
)

func TestDecodeControl_Variants(t *testing.T) {
	cluster := 1
	start := &Start{Action: "START", NumStages: 2, LayerSlice: model.LayerSlice{Start: 0, End: 4},
		ModelName: "mlp", ControlCount: 3, BatchSize: 8, LearningRate: 0.1, ClusterId: &cluster,
		LabelCounts: model.LabelCounts{1, 2}, SyncPolicy: "uniform"}

	tests := []struct {
		name string
		msg  ControlMessage
	}{
		{"register", NewRegister("n1", 1, 0.5)},
		{"notify", NewNotify("n1", 1, 0, &ValidationResults{Labels: []int{1}, Predictions: []int{1}})},
		{"update", NewUpdate("n1", 2, 0, tensor.StateDict{"0.weight": tensor.New([]int{1}, []float64{1})}, 10, true)},
		{"start", start},
		{"pause", NewPause()},
		{"stop", NewStop()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := Encode(tt.msg)
			require.NoError(t, err)

			decoded, err := DecodeControl(body)
			require.NoError(t, err)
			assert.Equal(t, tt.msg.Kind(), decoded.Kind())
			assert.Equal(t, tt.msg, decoded)
		})
	}
}

func TestEncode_FailedUpdateWithNonFiniteParameters(t *testing.T) {
	params := tensor.StateDict{
		"0.weight":              tensor.New([]int{3}, []float64{math.NaN(), math.Inf(1), 0.25}),
		"0.bias":                tensor.New([]int{1}, []float64{math.Inf(-1)}),
		"1.num_batches_tracked": tensor.NewInt([]int{1}, []int64{7}),
	}
	body, err := Encode(NewUpdate("x1", 2, 0, params, 32, false))
	require.NoError(t, err)

	decoded, err := DecodeControl(body)
	require.NoError(t, err)
	update := decoded.(*Update)
	assert.False(t, update.Success)
	assert.Equal(t, int64(32), update.SampleSize)
	assert.False(t, update.Parameters.IsFinite())

	weight := update.Parameters["0.weight"].Values
	assert.True(t, math.IsNaN(weight[0]))
	assert.True(t, math.IsInf(weight[1], 1))
	assert.Equal(t, 0.25, weight[2])
	assert.True(t, math.IsInf(update.Parameters["0.bias"].Values[0], -1))
	assert.Equal(t, []int64{7}, update.Parameters["1.num_batches_tracked"].Ints)
}

func TestDecodeControl_Rejects(t *testing.T) {
	_, err := DecodeControl([]byte(`{"action":"DANCE"}`))
	assert.ErrorIs(t, err, ErrUnknownAction)

	_, err = DecodeControl([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = DecodeControl([]byte(`{"action":"REGISTER","stage":1}`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = DecodeControl([]byte(`{"action":"UPDATE","client_id":"n1","stage":1,"cluster":0,"parameters":{"0.w":{"dtype":"float64","shape":[2],"values":[1]}}}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeData(t *testing.T) {
	act := NewActivation("id-1", tensor.New([]int{1, 2}, []float64{1, 2}), []int{0}, NewTrace("n1"), false)
	body, err := Encode(act)
	require.NoError(t, err)

	decoded, err := DecodeData(body)
	require.NoError(t, err)
	assert.Equal(t, act, decoded)

	_, err = DecodeData([]byte(`{"kind":"activation","data_id":"x","tensor":{"dtype":"float64","shape":[1],"values":[1]},"trace":[]}`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = DecodeData([]byte(`{"kind":"validation","data_id":"x","labels":[1,2],"predictions":[1]}`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = DecodeData([]byte(`{"kind":"other"}`))
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestValidationResults_Accuracy(t *testing.T) {
	v := &ValidationResults{Labels: []int{0, 1, 2, 3}, Predictions: []int{0, 1, 0, 0}}
	assert.Equal(t, 0.5, v.Accuracy())

	var empty *ValidationResults
	assert.Equal(t, 0.0, empty.Accuracy())
}
