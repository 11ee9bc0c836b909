package stage

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/common"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/metrics"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/model"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/protocol"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/tensor"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/transport"
)

type Config struct {
	ClientId     string
	Stage        int
	NumStages    int
	Cluster      int
	ControlCount int
}

// Components are the injected capabilities. Loss is required by the exit stage only,
// Train (and optionally Validation) by the entry stage only.
type Components struct {
	Model      Model
	Optimizer  Optimizer
	Loss       LossFunc
	Train      DataSource
	Validation DataSource
	Metrics    *metrics.NodeCollector
	Poller     *transport.Poller
}

// Result is what one epoch produced.
type Result struct {
	Success     bool
	SampleCount int64
	Validation  *protocol.ValidationResults
	Stopped     bool
}

// Scheduler is the single cooperative loop of one node. Each iteration polls the
// backward queue first, then the forward source, then the control queue.
type Scheduler struct {
	config    Config
	role      model.StageRole
	transport transport.Transport
	comps     Components
	store     *ActivationStore
	logger    hclog.Logger
	newId     func() string

	numForward  int
	numBackward int
	samples     int64
	endOfData   bool
	failed      bool
}

func NewScheduler(config Config, tr transport.Transport, comps Components, logger hclog.Logger) (*Scheduler, error) {
	role := model.RoleOf(config.Stage, config.NumStages)

	if comps.Model == nil || comps.Optimizer == nil {
		return nil, fmt.Errorf("stage %d needs a model and an optimizer", config.Stage)
	}
	if role == model.ENTRY && comps.Train == nil {
		return nil, fmt.Errorf("entry stage needs a training data source")
	}
	if role == model.EXIT && comps.Loss == nil {
		return nil, fmt.Errorf("exit stage needs a loss function")
	}
	if role != model.EXIT && config.ControlCount < 1 {
		return nil, fmt.Errorf("control count must be positive, got %d", config.ControlCount)
	}
	if comps.Poller == nil {
		comps.Poller = transport.NewPoller(transport.DEFAULT_POLL_INTERVAL)
	}

	return &Scheduler{
		config:    config,
		role:      role,
		transport: tr,
		comps:     comps,
		store:     NewActivationStore(),
		logger:    logger.With("client", config.ClientId, "stage", config.Stage, "role", role.String()),
		newId:     uuid.NewString,
	}, nil
}

func (s *Scheduler) Store() *ActivationStore {
	return s.store
}

// Run processes one epoch and returns once the coordinator has paused this node.
func (s *Scheduler) Run(ctx context.Context) (Result, error) {
	switch s.role {
	case model.ENTRY:
		return s.runEntry(ctx)
	case model.EXIT:
		return s.runExit(ctx)
	default:
		return s.runInterior(ctx)
	}
}

func (s *Scheduler) gradientQueue() string {
	return common.GetGradientQueueName(s.config.Stage, s.config.ClientId)
}

func (s *Scheduler) upstreamQueue() string {
	return common.GetIntermediateQueueName(s.config.Cluster, s.config.Stage-1)
}

func (s *Scheduler) downstreamQueue() string {
	return common.GetIntermediateQueueName(s.config.Cluster, s.config.Stage)
}

func (s *Scheduler) replyQueue() string {
	return common.GetReplyQueueName(s.config.ClientId)
}

func (s *Scheduler) send(ctx context.Context, queue string, msg interface{}) error {
	body, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return s.transport.Send(ctx, queue, body)
}

func (s *Scheduler) receiveData(ctx context.Context, queue string) (protocol.DataMessage, bool, error) {
	body, ok, err := s.transport.TryReceive(ctx, queue)
	if err != nil || !ok {
		return nil, false, err
	}
	msg, err := protocol.DecodeData(body)
	if err != nil {
		return nil, false, fmt.Errorf("decoding message from %s: %w", queue, err)
	}
	return msg, true, nil
}

// ENTRY STAGE

func (s *Scheduler) runEntry(ctx context.Context) (Result, error) {
	for !(s.endOfData && s.numForward == s.numBackward) {
		progressed, err := s.entryStep(ctx)
		if err != nil {
			return Result{}, err
		}
		if !progressed {
			if err := s.comps.Poller.Idle(ctx); err != nil {
				return Result{}, err
			}
		}
	}
	s.logger.Info(fmt.Sprintf("Finished training: %d microbatches, %d samples", s.numForward, s.samples))

	var validation *protocol.ValidationResults
	if s.comps.Validation != nil {
		var err error
		validation, err = s.validate(ctx)
		if err != nil {
			return Result{}, err
		}
	}

	notify := protocol.NewNotify(s.config.ClientId, s.config.Stage, s.config.Cluster, validation)
	if err := s.send(ctx, common.RPC_QUEUE, notify); err != nil {
		return Result{}, err
	}

	stopped, err := s.awaitPause(ctx)
	if err != nil {
		return Result{}, err
	}

	return Result{Success: !s.failed, SampleCount: s.samples, Validation: validation, Stopped: stopped}, nil
}

// entryStep runs one scheduling iteration and reports whether it did any work.
func (s *Scheduler) entryStep(ctx context.Context) (bool, error) {
	msg, ok, err := s.receiveData(ctx, s.gradientQueue())
	if err != nil {
		return false, err
	}
	if ok {
		gradient, isGradient := msg.(*protocol.Gradient)
		if !isGradient {
			return false, fmt.Errorf("entry stage received %s while training", msg.DataKind())
		}
		if _, err := s.backward(gradient); err != nil {
			return false, err
		}
		return true, nil
	}

	if s.endOfData || s.store.Len() >= s.config.ControlCount {
		return false, nil
	}

	batch, labels, ok := s.comps.Train.Next()
	if !ok {
		s.endOfData = true
		return true, nil
	}

	id := s.newId()
	pass, err := s.comps.Model.Forward(batch)
	if err != nil {
		return false, fmt.Errorf("forward on %s: %w", id, err)
	}
	if err := s.store.Put(&PendingActivation{Id: id, Stage: s.config.Stage, Pass: pass}); err != nil {
		return false, err
	}

	activation := protocol.NewActivation(id, pass.Output, labels, protocol.NewTrace(s.config.ClientId), false)
	if err := s.send(ctx, s.downstreamQueue(), activation); err != nil {
		return false, err
	}
	s.numForward++
	s.samples += int64(batch.Rows())
	s.comps.Metrics.ObserveForward(s.config.ClientId, s.config.Stage)
	s.comps.Metrics.SetPending(s.config.ClientId, s.config.Stage, s.store.Len())
	return true, nil
}

func (s *Scheduler) validate(ctx context.Context) (*protocol.ValidationResults, error) {
	sent := 0
	for {
		batch, labels, ok := s.comps.Validation.Next()
		if !ok {
			break
		}
		pass, err := s.comps.Model.Forward(batch)
		if err != nil {
			return nil, fmt.Errorf("validation forward: %w", err)
		}
		activation := protocol.NewActivation(s.newId(), pass.Output, labels, protocol.NewTrace(s.config.ClientId), true)
		if err := s.send(ctx, s.downstreamQueue(), activation); err != nil {
			return nil, err
		}
		sent++
	}

	results := &protocol.ValidationResults{Labels: []int{}, Predictions: []int{}}
	for received := 0; received < sent; {
		msg, ok, err := s.receiveData(ctx, s.gradientQueue())
		if err != nil {
			return nil, err
		}
		if !ok {
			if err := s.comps.Poller.Idle(ctx); err != nil {
				return nil, err
			}
			continue
		}
		result, isResult := msg.(*protocol.ValidationResult)
		if !isResult {
			return nil, fmt.Errorf("entry stage received %s while validating", msg.DataKind())
		}
		results.Labels = append(results.Labels, result.Labels...)
		results.Predictions = append(results.Predictions, result.Predictions...)
		received++
		s.comps.Metrics.ObserveValidation(s.config.ClientId)
	}

	s.logger.Info(fmt.Sprintf("Validation accuracy: %.4f over %d samples", results.Accuracy(), len(results.Labels)))
	return results, nil
}

// INTERIOR STAGE

func (s *Scheduler) runInterior(ctx context.Context) (Result, error) {
	for {
		progressed, done, err := s.interiorStep(ctx)
		if err != nil {
			return Result{}, err
		}
		if done != nil {
			return Result{Success: !s.failed, SampleCount: s.samples, Stopped: *done}, nil
		}
		if !progressed {
			if err := s.comps.Poller.Idle(ctx); err != nil {
				return Result{}, err
			}
		}
	}
}

// interiorStep returns a non-nil done (true when the control message was STOP) once paused.
func (s *Scheduler) interiorStep(ctx context.Context) (bool, *bool, error) {
	msg, ok, err := s.receiveData(ctx, s.gradientQueue())
	if err != nil {
		return false, nil, err
	}
	if ok {
		gradient, isGradient := msg.(*protocol.Gradient)
		if !isGradient {
			return false, nil, fmt.Errorf("interior stage received %s on its gradient queue", msg.DataKind())
		}
		inputGradient, err := s.backward(gradient)
		if err != nil {
			return false, nil, err
		}
		next, rest, err := gradient.Trace.Pop()
		if err != nil {
			return false, nil, fmt.Errorf("routing gradient %s: %w", gradient.DataId, err)
		}
		queue := common.GetGradientQueueName(s.config.Stage-1, next)
		if err := s.send(ctx, queue, protocol.NewGradient(gradient.DataId, inputGradient, rest)); err != nil {
			return false, nil, err
		}
		return true, nil, nil
	}

	if s.store.Len() <= s.config.ControlCount {
		msg, ok, err := s.receiveData(ctx, s.upstreamQueue())
		if err != nil {
			return false, nil, err
		}
		if ok {
			activation, isActivation := msg.(*protocol.Activation)
			if !isActivation {
				return false, nil, fmt.Errorf("interior stage received %s on its forward queue", msg.DataKind())
			}
			return true, nil, s.interiorForward(ctx, activation)
		}
	}

	stopped, paused, err := s.pollControl(ctx)
	if err != nil || !paused {
		return false, nil, err
	}
	return false, &stopped, nil
}

func (s *Scheduler) interiorForward(ctx context.Context, activation *protocol.Activation) error {
	pass, err := s.comps.Model.Forward(activation.Tensor)
	if err != nil {
		return fmt.Errorf("forward on %s: %w", activation.DataId, err)
	}

	// The gradient that comes back is w.r.t. this stage's output, so the pass is what gets kept.
	if !activation.IsTest {
		if err := s.store.Put(&PendingActivation{Id: activation.DataId, Stage: s.config.Stage, Pass: pass}); err != nil {
			return err
		}
		s.samples += int64(activation.Tensor.Rows())
	}

	out := protocol.NewActivation(activation.DataId, pass.Output, activation.Labels,
		activation.Trace.Push(s.config.ClientId), activation.IsTest)
	if err := s.send(ctx, s.downstreamQueue(), out); err != nil {
		return err
	}
	s.numForward++
	s.comps.Metrics.ObserveForward(s.config.ClientId, s.config.Stage)
	s.comps.Metrics.SetPending(s.config.ClientId, s.config.Stage, s.store.Len())
	return nil
}

// EXIT STAGE

func (s *Scheduler) runExit(ctx context.Context) (Result, error) {
	for {
		msg, ok, err := s.receiveData(ctx, s.upstreamQueue())
		if err != nil {
			return Result{}, err
		}
		if ok {
			activation, isActivation := msg.(*protocol.Activation)
			if !isActivation {
				return Result{}, fmt.Errorf("exit stage received %s on its forward queue", msg.DataKind())
			}
			if err := s.exitForward(ctx, activation); err != nil {
				return Result{}, err
			}
			continue
		}

		stopped, paused, err := s.pollControl(ctx)
		if err != nil {
			return Result{}, err
		}
		if paused {
			return Result{Success: !s.failed, SampleCount: s.samples, Stopped: stopped}, nil
		}
		if err := s.comps.Poller.Idle(ctx); err != nil {
			return Result{}, err
		}
	}
}

func (s *Scheduler) exitForward(ctx context.Context, activation *protocol.Activation) error {
	pass, err := s.comps.Model.Forward(activation.Tensor)
	if err != nil {
		return fmt.Errorf("forward on %s: %w", activation.DataId, err)
	}

	if activation.IsTest {
		origin, err := activation.Trace.Origin()
		if err != nil {
			return fmt.Errorf("routing validation result %s: %w", activation.DataId, err)
		}
		result := protocol.NewValidationResult(activation.DataId, activation.Labels, Argmax(pass.Output), activation.Trace)
		return s.send(ctx, common.GetGradientQueueName(common.ENTRY_STAGE, origin), result)
	}

	loss, lossGradient, err := s.comps.Loss.Loss(pass.Output, activation.Labels)
	if err != nil {
		return fmt.Errorf("loss on %s: %w", activation.DataId, err)
	}
	finite := !math.IsNaN(loss) && !math.IsInf(loss, 0)
	s.comps.Metrics.ObserveLoss(s.config.ClientId, loss, finite)
	if !finite {
		s.logger.Warn("NaN detected in loss", "data_id", activation.DataId)
		s.failed = true
	} else {
		s.logger.Trace(fmt.Sprintf("Loss: %f", loss))
	}

	inputGradient, err := s.comps.Model.Backward(pass, lossGradient)
	if err != nil {
		return fmt.Errorf("backward on %s: %w", activation.DataId, err)
	}
	if err := s.comps.Optimizer.Step(); err != nil {
		return err
	}
	s.samples += int64(activation.Tensor.Rows())
	s.numBackward++
	s.comps.Metrics.ObserveBackward(s.config.ClientId, s.config.Stage)

	next, rest, err := activation.Trace.Pop()
	if err != nil {
		return fmt.Errorf("routing gradient %s: %w", activation.DataId, err)
	}
	queue := common.GetGradientQueueName(s.config.Stage-1, next)
	return s.send(ctx, queue, protocol.NewGradient(activation.DataId, inputGradient, rest))
}

// SHARED

// backward consumes the pending activation a gradient refers to. A gradient for an
// unknown id means the id/trace bookkeeping is broken and is returned as an error.
func (s *Scheduler) backward(gradient *protocol.Gradient) (*tensor.Tensor, error) {
	pending, err := s.store.Pop(gradient.DataId)
	if err != nil {
		return nil, err
	}
	if !gradient.Tensor.IsFinite() {
		if !s.failed {
			s.logger.Warn("Non-finite gradient received from downstream", "data_id", gradient.DataId)
		}
		s.failed = true
	}

	inputGradient, err := s.comps.Model.Backward(pending.Pass, gradient.Tensor)
	if err != nil {
		return nil, fmt.Errorf("backward on %s: %w", gradient.DataId, err)
	}
	if err := s.comps.Optimizer.Step(); err != nil {
		return nil, err
	}
	s.numBackward++
	s.comps.Metrics.ObserveBackward(s.config.ClientId, s.config.Stage)
	s.comps.Metrics.SetPending(s.config.ClientId, s.config.Stage, s.store.Len())
	return inputGradient, nil
}

// pollControl checks the reply queue once. paused is true for PAUSE and STOP.
func (s *Scheduler) pollControl(ctx context.Context) (stopped bool, paused bool, err error) {
	body, ok, err := s.transport.TryReceive(ctx, s.replyQueue())
	if err != nil || !ok {
		return false, false, err
	}
	msg, err := protocol.DecodeControl(body)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownAction) || errors.Is(err, protocol.ErrMalformed) {
			s.logger.Warn("Dropping undecodable control message", "error", err)
			return false, false, nil
		}
		return false, false, err
	}

	s.logger.Debug(fmt.Sprintf("[<<<] Received %s from coordinator", msg.Kind()))
	switch msg.(type) {
	case *protocol.Pause:
		return false, true, nil
	case *protocol.Stop:
		return true, true, nil
	default:
		s.logger.Warn(fmt.Sprintf("Ignoring %s while training", msg.Kind()))
		return false, false, nil
	}
}

func (s *Scheduler) awaitPause(ctx context.Context) (bool, error) {
	for {
		stopped, paused, err := s.pollControl(ctx)
		if err != nil {
			return false, err
		}
		if paused {
			return stopped, nil
		}
		if err := s.comps.Poller.Idle(ctx); err != nil {
			return false, err
		}
	}
}
