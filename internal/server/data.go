package server

import (
	"encoding/json"
	"io"

	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/checkpoint"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/coordinator"
)

func toJSON(i interface{}, w io.Writer) error {
	e := json.NewEncoder(w)
	return e.Encode(i)
}

// StatusResponse wraps the coordinator status with values derived for display.
type StatusResponse struct {
	coordinator.Status
	AverageAccuracy float64 `json:"average_accuracy"`
}

type HistoryResponse struct {
	RunId  string                   `json:"run_id"`
	Rounds []checkpoint.RoundRecord `json:"rounds"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
