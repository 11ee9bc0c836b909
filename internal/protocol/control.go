package protocol

import (
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/common"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/model"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/tensor"
)

// ControlMessage is one variant of the control-plane union.
type ControlMessage interface {
	Kind() string
	validate() error
}

type Register struct {
	Action      string  `json:"action"`
	ClientId    string  `json:"client_id"`
	Stage       int     `json:"stage"`
	Performance float64 `json:"performance"`
}

// ValidationResults are the (label, prediction) pairs an entry node collected for its validation set.
type ValidationResults struct {
	Labels      []int `json:"labels"`
	Predictions []int `json:"predictions"`
}

func (v *ValidationResults) Accuracy() float64 {
	if v == nil || len(v.Labels) == 0 {
		return 0
	}
	correct := 0
	for i, label := range v.Labels {
		if i < len(v.Predictions) && v.Predictions[i] == label {
			correct++
		}
	}
	return float64(correct) / float64(len(v.Labels))
}

type Notify struct {
	Action     string             `json:"action"`
	ClientId   string             `json:"client_id"`
	Stage      int                `json:"stage"`
	Cluster    int                `json:"cluster"`
	Validation *ValidationResults `json:"validation_results"`
}

type Update struct {
	Action     string           `json:"action"`
	ClientId   string           `json:"client_id"`
	Stage      int              `json:"stage"`
	Cluster    int              `json:"cluster"`
	Parameters tensor.StateDict `json:"parameters"`
	SampleSize int64            `json:"sample_size"`
	Success    bool             `json:"success"`
}

type Start struct {
	Action       string            `json:"action"`
	Parameters   tensor.StateDict  `json:"parameters"`
	NumStages    int               `json:"num_stages"`
	LayerSlice   model.LayerSlice  `json:"layer_slice"`
	ModelName    string            `json:"model_name"`
	ControlCount int               `json:"control_count"`
	BatchSize    int               `json:"batch_size"`
	LearningRate float64           `json:"lr"`
	Momentum     float64           `json:"momentum"`
	LabelCounts  model.LabelCounts `json:"label_counts"`
	ClusterId    *int              `json:"cluster_id"`
	SyncPolicy   string            `json:"sync_policy"`
}

type Pause struct {
	Action string `json:"action"`
}

type Stop struct {
	Action string `json:"action"`
}

func NewRegister(clientId string, stage int, performance float64) *Register {
	return &Register{Action: common.ACTION_REGISTER, ClientId: clientId, Stage: stage, Performance: performance}
}

func NewNotify(clientId string, stage int, cluster int, validation *ValidationResults) *Notify {
	return &Notify{Action: common.ACTION_NOTIFY, ClientId: clientId, Stage: stage, Cluster: cluster, Validation: validation}
}

func NewUpdate(clientId string, stage int, cluster int, parameters tensor.StateDict, sampleSize int64, success bool) *Update {
	return &Update{Action: common.ACTION_UPDATE, ClientId: clientId, Stage: stage, Cluster: cluster,
		Parameters: parameters, SampleSize: sampleSize, Success: success}
}

func NewPause() *Pause {
	return &Pause{Action: common.ACTION_PAUSE}
}

func NewStop() *Stop {
	return &Stop{Action: common.ACTION_STOP}
}

func (m *Register) Kind() string { return common.ACTION_REGISTER }
func (m *Notify) Kind() string   { return common.ACTION_NOTIFY }
func (m *Update) Kind() string   { return common.ACTION_UPDATE }
func (m *Start) Kind() string    { return common.ACTION_START }
func (m *Pause) Kind() string    { return common.ACTION_PAUSE }
func (m *Stop) Kind() string     { return common.ACTION_STOP }

func (m *Register) validate() error {
	if m.ClientId == "" {
		return malformed("REGISTER without client_id")
	}
	if m.Stage < common.ENTRY_STAGE {
		return malformed("REGISTER with stage %d", m.Stage)
	}
	return nil
}

func (m *Notify) validate() error {
	if m.ClientId == "" {
		return malformed("NOTIFY without client_id")
	}
	if m.Stage < common.ENTRY_STAGE || m.Cluster < 0 {
		return malformed("NOTIFY with stage %d cluster %d", m.Stage, m.Cluster)
	}
	if m.Validation != nil && len(m.Validation.Labels) != len(m.Validation.Predictions) {
		return malformed("NOTIFY with %d labels and %d predictions", len(m.Validation.Labels), len(m.Validation.Predictions))
	}
	return nil
}

func (m *Update) validate() error {
	if m.ClientId == "" {
		return malformed("UPDATE without client_id")
	}
	if m.Stage < common.ENTRY_STAGE || m.Cluster < 0 {
		return malformed("UPDATE with stage %d cluster %d", m.Stage, m.Cluster)
	}
	if m.SampleSize < 0 {
		return malformed("UPDATE with negative sample_size")
	}
	for key, t := range m.Parameters {
		if err := t.Validate(); err != nil {
			return malformed("UPDATE parameter %q: %v", key, err)
		}
	}
	return nil
}

func (m *Start) validate() error {
	if m.NumStages < 1 {
		return malformed("START with num_stages %d", m.NumStages)
	}
	if m.ControlCount < 0 || m.BatchSize < 0 {
		return malformed("START with negative control_count or batch_size")
	}
	return nil
}

func (m *Pause) validate() error { return nil }
func (m *Stop) validate() error  { return nil }
