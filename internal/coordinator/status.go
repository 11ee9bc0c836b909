package coordinator

type ClusterStatus struct {
	Id                    int   `json:"id"`
	CutLayers             []int `json:"cut_layers"`
	ExpectedCountPerStage []int `json:"expected_count_per_stage"`
	LocalRound            int   `json:"local_round"`
}

// Status is a point-in-time copy of the coordinator state, safe to read from other goroutines.
type Status struct {
	RunId           string          `json:"run_id"`
	State           string          `json:"state"`
	Round           int             `json:"round"`
	RemainingRounds int             `json:"remaining_rounds"`
	RoundPoisoned   bool            `json:"round_poisoned"`
	Registered      []int           `json:"registered"`
	Expected        []int           `json:"expected"`
	Clusters        []ClusterStatus `json:"clusters"`
	Accuracies      []float64       `json:"accuracies"`
}

func (coord *Coordinator) Status() Status {
	coord.statusMu.RLock()
	defer coord.statusMu.RUnlock()
	return coord.status
}

func (coord *Coordinator) refreshStatus() {
	status := Status{
		RunId:           coord.runId,
		State:           coord.state,
		Round:           coord.round,
		RemainingRounds: coord.global.RemainingRounds,
		RoundPoisoned:   coord.global.RoundPoisoned,
		Registered:      append([]int(nil), coord.registered...),
		Expected:        append([]int(nil), coord.config.ClientsPerStage...),
		Accuracies:      append([]float64(nil), coord.progress.accuracies...),
	}
	for _, cs := range coord.clusters {
		status.Clusters = append(status.Clusters, ClusterStatus{
			Id:                    cs.info.Id,
			CutLayers:             append([]int(nil), cs.info.CutLayers...),
			ExpectedCountPerStage: append([]int(nil), cs.info.ExpectedCountPerStage...),
			LocalRound:            cs.info.LocalRound,
		})
	}

	coord.statusMu.Lock()
	coord.status = status
	coord.statusMu.Unlock()
}
