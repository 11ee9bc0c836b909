package model

type Cluster struct {
	Id                    int
	CutLayers             []int
	ExpectedCountPerStage []int
	CurrentCountPerStage  []int
	LocalRound            int
	TotalSampleWeight     int64
}

func (c *Cluster) NumStages() int {
	return len(c.ExpectedCountPerStage)
}

// Offset is the absolute index of the first layer owned by the given 1-based stage.
func (c *Cluster) Offset(stage int) int {
	if stage <= 1 {
		return 0
	}
	return c.CutLayers[stage-2]
}

func (c *Cluster) ResetCounts() {
	c.CurrentCountPerStage = make([]int, len(c.ExpectedCountPerStage))
}

type Hyperparameters struct {
	BatchSize    int     `json:"batch_size"`
	LearningRate float64 `json:"lr"`
	Momentum     float64 `json:"momentum"`
	ControlCount int     `json:"control_count"`
}

// LabelCounts holds how many samples of each class an entry node draws.
type LabelCounts []int

func (lc LabelCounts) Total() int {
	total := 0
	for _, c := range lc {
		total += c
	}
	return total
}
