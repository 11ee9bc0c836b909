package stage

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/common"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/protocol"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/tensor"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/transport"
)

func testLogger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{Name: "stage-test", Level: hclog.Error})
}

func send(t *testing.T, tr transport.Transport, queue string, msg interface{}) {
	t.Helper()
	body, err := protocol.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, tr.Send(context.Background(), queue, body))
}

func receiveData(t *testing.T, tr transport.Transport, queue string) protocol.DataMessage {
	t.Helper()
	body, ok, err := tr.TryReceive(context.Background(), queue)
	require.NoError(t, err)
	require.True(t, ok, "nothing on %s", queue)
	msg, err := protocol.DecodeData(body)
	require.NoError(t, err)
	return msg
}

func TestEntry_RefusesForwardAtControlCount(t *testing.T) {
	tr := transport.NewMemoryTransport()
	s, err := NewScheduler(Config{ClientId: "e1", Stage: 1, NumStages: 3, ControlCount: 2}, tr,
		Components{Model: &identityModel{}, Optimizer: &countingOptimizer{}, Train: newSliceSource(5, 4)}, testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		progressed, err := s.entryStep(ctx)
		require.NoError(t, err)
		assert.True(t, progressed)
	}

	progressed, err := s.entryStep(ctx)
	require.NoError(t, err)
	assert.False(t, progressed)
	assert.Equal(t, 2, s.Store().Len())
	assert.Equal(t, 2, tr.Len(common.GetIntermediateQueueName(0, 1)))

	// A gradient frees one credit.
	first := receiveData(t, tr, common.GetIntermediateQueueName(0, 1)).(*protocol.Activation)
	send(t, tr, common.GetGradientQueueName(1, "e1"), protocol.NewGradient(first.DataId, first.Tensor, protocol.Trace{}))

	progressed, err = s.entryStep(ctx)
	require.NoError(t, err)
	assert.True(t, progressed)
	assert.Equal(t, 1, s.Store().Len())

	progressed, err = s.entryStep(ctx)
	require.NoError(t, err)
	assert.True(t, progressed)
	assert.Equal(t, 2, s.Store().Len())
	assert.Equal(t, 2, s.Store().HighWater())
}

func TestEntry_UnknownGradientFailsFast(t *testing.T) {
	tr := transport.NewMemoryTransport()
	s, err := NewScheduler(Config{ClientId: "e1", Stage: 1, NumStages: 2, ControlCount: 2}, tr,
		Components{Model: &identityModel{}, Optimizer: &countingOptimizer{}, Train: newSliceSource(1, 1)}, testLogger())
	require.NoError(t, err)

	send(t, tr, common.GetGradientQueueName(1, "e1"),
		protocol.NewGradient("never-sent", tensor.New([]int{1, 2}, []float64{0, 0}), protocol.Trace{}))

	_, err = s.entryStep(context.Background())
	assert.ErrorIs(t, err, ErrMissingActivation)
}

func TestInterior_PushesTraceAndRoutesGradientBack(t *testing.T) {
	tr := transport.NewMemoryTransport()
	opt := &countingOptimizer{}
	s, err := NewScheduler(Config{ClientId: "mid", Stage: 2, NumStages: 3, Cluster: 1, ControlCount: 1}, tr,
		Components{Model: &identityModel{}, Optimizer: opt}, testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	in := tensor.New([]int{1, 2}, []float64{1, 2})
	send(t, tr, common.GetIntermediateQueueName(1, 1), protocol.NewActivation("d1", in, []int{0}, protocol.NewTrace("e1"), false))

	progressed, done, err := s.interiorStep(ctx)
	require.NoError(t, err)
	require.Nil(t, done)
	assert.True(t, progressed)
	assert.Equal(t, 1, s.Store().Len())

	out := receiveData(t, tr, common.GetIntermediateQueueName(1, 2)).(*protocol.Activation)
	assert.Equal(t, protocol.Trace{"e1", "mid"}, out.Trace)
	assert.Equal(t, "d1", out.DataId)

	// The exit pops itself off before replying, leaving the origin below.
	grad := tensor.New([]int{1, 2}, []float64{0.5, 0.5})
	send(t, tr, common.GetGradientQueueName(2, "mid"), protocol.NewGradient("d1", grad, protocol.Trace{"e1"}))

	progressed, done, err = s.interiorStep(ctx)
	require.NoError(t, err)
	require.Nil(t, done)
	assert.True(t, progressed)
	assert.Equal(t, 0, s.Store().Len())
	assert.Equal(t, 1, opt.steps)

	back := receiveData(t, tr, common.GetGradientQueueName(1, "e1")).(*protocol.Gradient)
	assert.Equal(t, "d1", back.DataId)
	assert.Empty(t, back.Trace)
}

func TestInterior_HoldsForwardAboveControlCount(t *testing.T) {
	tr := transport.NewMemoryTransport()
	s, err := NewScheduler(Config{ClientId: "mid", Stage: 2, NumStages: 3, ControlCount: 1}, tr,
		Components{Model: &identityModel{}, Optimizer: &countingOptimizer{}}, testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	in := tensor.New([]int{1, 2}, []float64{1, 2})
	for _, id := range []string{"d1", "d2", "d3"} {
		send(t, tr, common.GetIntermediateQueueName(0, 1), protocol.NewActivation(id, in, []int{0}, protocol.NewTrace("e1"), false))
	}

	for i := 0; i < 2; i++ {
		progressed, _, err := s.interiorStep(ctx)
		require.NoError(t, err)
		assert.True(t, progressed)
	}
	progressed, done, err := s.interiorStep(ctx)
	require.NoError(t, err)
	assert.Nil(t, done)
	assert.False(t, progressed)
	assert.Equal(t, 2, s.Store().Len())
	assert.Equal(t, 1, tr.Len(common.GetIntermediateQueueName(0, 1)))
}

func TestInterior_TestActivationsAreNotStored(t *testing.T) {
	tr := transport.NewMemoryTransport()
	s, err := NewScheduler(Config{ClientId: "mid", Stage: 2, NumStages: 3, ControlCount: 1}, tr,
		Components{Model: &identityModel{}, Optimizer: &countingOptimizer{}}, testLogger())
	require.NoError(t, err)

	in := tensor.New([]int{1, 2}, []float64{1, 2})
	send(t, tr, common.GetIntermediateQueueName(0, 1), protocol.NewActivation("v1", in, []int{1}, protocol.NewTrace("e1"), true))

	_, _, err = s.interiorStep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, s.Store().Len())
	out := receiveData(t, tr, common.GetIntermediateQueueName(0, 2)).(*protocol.Activation)
	assert.True(t, out.IsTest)
}

func TestEntry_NonFiniteGradientMarksEpochFailed(t *testing.T) {
	tr := transport.NewMemoryTransport()
	opt := &countingOptimizer{}
	s, err := NewScheduler(Config{ClientId: "e1", Stage: 1, NumStages: 2, ControlCount: 2}, tr,
		Components{Model: &identityModel{}, Optimizer: opt, Train: newSliceSource(1, 2)}, testLogger())
	require.NoError(t, err)
	s.newId = func() string { return "a" }
	ctx := context.Background()

	progressed, err := s.entryStep(ctx)
	require.NoError(t, err)
	require.True(t, progressed)
	receiveData(t, tr, common.GetIntermediateQueueName(0, 1))

	nan := tensor.New([]int{2, 2}, []float64{0.1, math.NaN(), math.Inf(-1), 0.1})
	send(t, tr, common.GetGradientQueueName(1, "e1"), protocol.NewGradient("a", nan, protocol.Trace{}))
	send(t, tr, common.GetReplyQueueName("e1"), protocol.NewPause())

	result, err := s.Run(ctx)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.False(t, result.Stopped)
	assert.Equal(t, int64(2), result.SampleCount)
	assert.Equal(t, 1, opt.steps)
	assert.Equal(t, 0, s.Store().Len())

	body, ok, err := tr.TryReceive(ctx, common.RPC_QUEUE)
	require.NoError(t, err)
	require.True(t, ok)
	msg, err := protocol.DecodeControl(body)
	require.NoError(t, err)
	assert.Equal(t, common.ACTION_NOTIFY, msg.Kind())
}

func TestExit_NaNLossMarksEpochFailed(t *testing.T) {
	tr := transport.NewMemoryTransport()
	opt := &countingOptimizer{}
	s, err := NewScheduler(Config{ClientId: "x1", Stage: 2, NumStages: 2}, tr,
		Components{Model: &identityModel{}, Optimizer: opt, Loss: &scriptedLoss{nanAt: map[int]bool{4: true}}}, testLogger())
	require.NoError(t, err)

	in := tensor.New([]int{2, 2}, []float64{1, 2, 3, 4})
	for i := 0; i < 10; i++ {
		send(t, tr, common.GetIntermediateQueueName(0, 1), protocol.NewActivation(string(rune('a'+i)), in, []int{0, 1}, protocol.NewTrace("e1"), false))
	}
	send(t, tr, common.GetReplyQueueName("x1"), protocol.NewPause())

	result, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.False(t, result.Stopped)
	assert.Equal(t, int64(20), result.SampleCount)
	assert.Equal(t, 10, opt.steps)
	require.Equal(t, 10, tr.Len(common.GetGradientQueueName(1, "e1")))

	for i := 0; i < 10; i++ {
		grad := receiveData(t, tr, common.GetGradientQueueName(1, "e1")).(*protocol.Gradient)
		assert.Equal(t, string(rune('a'+i)), grad.DataId)
		assert.Equal(t, i != 3, grad.Tensor.IsFinite(), "gradient %d", i)
	}
}

func TestExit_ValidationResultGoesToOrigin(t *testing.T) {
	tr := transport.NewMemoryTransport()
	loss := &scriptedLoss{}
	s, err := NewScheduler(Config{ClientId: "x1", Stage: 3, NumStages: 3}, tr,
		Components{Model: &identityModel{}, Optimizer: &countingOptimizer{}, Loss: loss}, testLogger())
	require.NoError(t, err)

	logits := tensor.New([]int{2, 3}, []float64{0, 5, 1, 9, 0, 0})
	send(t, tr, common.GetIntermediateQueueName(0, 2),
		protocol.NewActivation("v1", logits, []int{1, 2}, protocol.Trace{"e7", "mid"}, true))
	send(t, tr, common.GetReplyQueueName("x1"), protocol.NewStop())

	result, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Stopped)
	assert.True(t, result.Success)
	assert.Equal(t, 0, loss.calls)

	res := receiveData(t, tr, common.GetGradientQueueName(1, "e7")).(*protocol.ValidationResult)
	assert.Equal(t, []int{1, 2}, res.Labels)
	assert.Equal(t, []int{1, 0}, res.Predictions)
}

func TestPipeline_ThreeStagesRunAnEpoch(t *testing.T) {
	tr := transport.NewMemoryTransport()
	poller := transport.NewPoller(time.Millisecond)
	logger := testLogger()

	entryOpt, midOpt, exitOpt := &countingOptimizer{}, &countingOptimizer{}, &countingOptimizer{}
	entry, err := NewScheduler(Config{ClientId: "e1", Stage: 1, NumStages: 3, ControlCount: 3}, tr,
		Components{Model: &identityModel{}, Optimizer: entryOpt, Train: newSliceSource(8, 4),
			Validation: newSliceSource(2, 3), Poller: poller}, logger)
	require.NoError(t, err)
	mid, err := NewScheduler(Config{ClientId: "m1", Stage: 2, NumStages: 3, ControlCount: 3}, tr,
		Components{Model: &identityModel{}, Optimizer: midOpt, Poller: poller}, logger)
	require.NoError(t, err)
	exit, err := NewScheduler(Config{ClientId: "x1", Stage: 3, NumStages: 3}, tr,
		Components{Model: &identityModel{}, Optimizer: exitOpt, Loss: &scriptedLoss{}, Poller: poller}, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results := make([]Result, 3)
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range []*Scheduler{entry, mid, exit} {
		i, s := i, s
		g.Go(func() error {
			res, err := s.Run(gctx)
			results[i] = res
			return err
		})
	}
	g.Go(func() error {
		for {
			body, ok, err := tr.TryReceive(gctx, common.RPC_QUEUE)
			if err != nil {
				return err
			}
			if ok {
				msg, err := protocol.DecodeControl(body)
				if err != nil {
					return err
				}
				if _, isNotify := msg.(*protocol.Notify); isNotify {
					for _, id := range []string{"e1", "m1", "x1"} {
						payload, _ := protocol.Encode(protocol.NewPause())
						if err := tr.Send(gctx, common.GetReplyQueueName(id), payload); err != nil {
							return err
						}
					}
					return nil
				}
			}
			if err := poller.Idle(gctx); err != nil {
				return err
			}
		}
	})
	require.NoError(t, g.Wait())

	for _, res := range results {
		assert.True(t, res.Success)
	}
	assert.Equal(t, int64(32), results[0].SampleCount)
	assert.Equal(t, int64(32), results[1].SampleCount)
	assert.Equal(t, int64(32), results[2].SampleCount)
	require.NotNil(t, results[0].Validation)
	assert.Len(t, results[0].Validation.Labels, 6)
	assert.Equal(t, 8, entryOpt.steps)
	assert.Equal(t, 8, midOpt.steps)
	assert.Equal(t, 8, exitOpt.steps)
	assert.LessOrEqual(t, entry.Store().HighWater(), 3)
	assert.Equal(t, 0, mid.Store().Len())
}
