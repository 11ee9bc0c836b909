package server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"

	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/checkpoint"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/common"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/coordinator"
)

// StatusSource is satisfied by *coordinator.Coordinator.
type StatusSource interface {
	Status() coordinator.Status
}

type Handler struct {
	logger  hclog.Logger
	status  StatusSource
	history checkpoint.IHistory
}

// NewHandler builds the HTTP handlers. A nil history disables /sl/history.
func NewHandler(logger hclog.Logger, status StatusSource, history checkpoint.IHistory) *Handler {
	return &Handler{
		logger:  logger,
		status:  status,
		history: history,
	}
}

func (handler *Handler) GetStatus(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Add("Content-Type", "application/json")

	status := handler.status.Status()
	rw.WriteHeader(http.StatusOK)
	toJSON(StatusResponse{
		Status:          status,
		AverageAccuracy: common.CalculateAverageFloat64(status.Accuracies),
	}, rw)
}

// GetHistory lists the recorded global rounds of a run, the current one unless runId is given.
func (handler *Handler) GetHistory(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Add("Content-Type", "application/json")

	if handler.history == nil {
		rw.WriteHeader(http.StatusNotFound)
		toJSON(ErrorResponse{Error: "round history is disabled"}, rw)
		return
	}

	runId := getURLParameter(r, "runId")
	if runId == "" {
		runId = handler.status.Status().RunId
	}

	records, err := handler.history.List(r.Context(), runId)
	if err != nil {
		handler.logger.Error("error listing round history", "run", runId, "error", err)
		rw.WriteHeader(http.StatusInternalServerError)
		toJSON(ErrorResponse{Error: "could not read round history"}, rw)
		return
	}

	handler.logger.Debug(fmt.Sprintf("Serving %d history records for run %s", len(records), runId))
	rw.WriteHeader(http.StatusOK)
	toJSON(HistoryResponse{RunId: runId, Rounds: records}, rw)
}

func getURLParameter(r *http.Request, parameter string) string {
	vars := mux.Vars(r)
	id := vars[parameter]
	return id
}
