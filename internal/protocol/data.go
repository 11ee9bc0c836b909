package protocol

import (
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/common"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/tensor"
)

// DataMessage is one variant of the data-plane union carried on intermediate and gradient queues.
type DataMessage interface {
	DataKind() string
	validate() error
}

type Activation struct {
	Kind   string         `json:"kind"`
	DataId string         `json:"data_id"`
	Tensor *tensor.Tensor `json:"tensor"`
	Labels []int          `json:"labels"`
	Trace  Trace          `json:"trace"`
	IsTest bool           `json:"is_test"`
}

type Gradient struct {
	Kind   string         `json:"kind"`
	DataId string         `json:"data_id"`
	Tensor *tensor.Tensor `json:"tensor"`
	Trace  Trace          `json:"trace"`
}

type ValidationResult struct {
	Kind        string `json:"kind"`
	DataId      string `json:"data_id"`
	Labels      []int  `json:"labels"`
	Predictions []int  `json:"predictions"`
	Trace       Trace  `json:"trace"`
}

func NewActivation(dataId string, t *tensor.Tensor, labels []int, trace Trace, isTest bool) *Activation {
	return &Activation{Kind: common.DATA_KIND_ACTIVATION, DataId: dataId, Tensor: t, Labels: labels, Trace: trace, IsTest: isTest}
}

func NewGradient(dataId string, t *tensor.Tensor, trace Trace) *Gradient {
	return &Gradient{Kind: common.DATA_KIND_GRADIENT, DataId: dataId, Tensor: t, Trace: trace}
}

func NewValidationResult(dataId string, labels []int, predictions []int, trace Trace) *ValidationResult {
	return &ValidationResult{Kind: common.DATA_KIND_VALIDATION, DataId: dataId, Labels: labels, Predictions: predictions, Trace: trace}
}

func (m *Activation) DataKind() string       { return common.DATA_KIND_ACTIVATION }
func (m *Gradient) DataKind() string         { return common.DATA_KIND_GRADIENT }
func (m *ValidationResult) DataKind() string { return common.DATA_KIND_VALIDATION }

func (m *Activation) validate() error {
	if m.DataId == "" || m.Tensor == nil {
		return malformed("activation without data_id or tensor")
	}
	if len(m.Trace) == 0 {
		return malformed("activation %s with empty trace", m.DataId)
	}
	return m.Tensor.Validate()
}

func (m *Gradient) validate() error {
	if m.DataId == "" || m.Tensor == nil {
		return malformed("gradient without data_id or tensor")
	}
	return m.Tensor.Validate()
}

func (m *ValidationResult) validate() error {
	if m.DataId == "" {
		return malformed("validation result without data_id")
	}
	if len(m.Labels) != len(m.Predictions) {
		return malformed("validation result %s with %d labels and %d predictions", m.DataId, len(m.Labels), len(m.Predictions))
	}
	return nil
}
