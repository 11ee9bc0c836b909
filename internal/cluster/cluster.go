// Package cluster groups registered nodes into clusters and picks each cluster's cut layers.
package cluster

import (
	"fmt"
	"sort"

	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/model"
)

type Config struct {
	Enable      bool
	NumClusters int
	// CutLayers holds one cut-layer list per cluster. A shorter list reuses its last entry.
	CutLayers [][]int
	// DefaultCutLayers is used when clustering is disabled or CutLayers is empty.
	DefaultCutLayers []int
}

// Assignment is the outcome of clustering. ClusterIds is aligned with the input records.
type Assignment struct {
	ClusterIds  []int
	StageCounts [][]int
	NumClusters int
	CutLayers   [][]int
}

type IClusterer interface {
	Assign(clients []model.ClientRecord, numStages int, config Config) (*Assignment, error)
}

// PerformanceClusterer ranks the nodes of every stage by performance score and deals them
// into contiguous groups, so nodes of similar speed train together.
type PerformanceClusterer struct{}

func NewPerformanceClusterer() *PerformanceClusterer {
	return &PerformanceClusterer{}
}

func (pc *PerformanceClusterer) Assign(clients []model.ClientRecord, numStages int, config Config) (*Assignment, error) {
	byStage := make([][]int, numStages)
	for i, c := range clients {
		if c.Stage < 1 || c.Stage > numStages {
			return nil, fmt.Errorf("client %s has stage %d outside 1..%d", c.Id, c.Stage, numStages)
		}
		byStage[c.Stage-1] = append(byStage[c.Stage-1], i)
	}

	k := 1
	if config.Enable && config.NumClusters > 1 {
		k = config.NumClusters
	}
	for stage, members := range byStage {
		if len(members) == 0 {
			return nil, fmt.Errorf("no clients registered for stage %d", stage+1)
		}
		if len(members) < k {
			k = len(members)
		}
	}

	assignment := &Assignment{
		ClusterIds:  make([]int, len(clients)),
		StageCounts: make([][]int, k),
		NumClusters: k,
		CutLayers:   make([][]int, k),
	}
	for c := 0; c < k; c++ {
		assignment.StageCounts[c] = make([]int, numStages)
		cut, err := cutLayersFor(c, numStages, config)
		if err != nil {
			return nil, err
		}
		assignment.CutLayers[c] = cut
	}

	for stage, members := range byStage {
		sort.SliceStable(members, func(a, b int) bool {
			return clients[members[a]].Performance > clients[members[b]].Performance
		})
		for rank, idx := range members {
			c := rank * k / len(members)
			assignment.ClusterIds[idx] = c
			assignment.StageCounts[c][stage]++
		}
	}

	return assignment, nil
}

func cutLayersFor(cluster int, numStages int, config Config) ([]int, error) {
	cut := config.DefaultCutLayers
	if config.Enable && len(config.CutLayers) > 0 {
		if cluster < len(config.CutLayers) {
			cut = config.CutLayers[cluster]
		} else {
			cut = config.CutLayers[len(config.CutLayers)-1]
		}
	}
	if len(cut) != numStages-1 {
		return nil, fmt.Errorf("cluster %d has %d cut layers for %d stages", cluster, len(cut), numStages)
	}
	return append([]int(nil), cut...), nil
}
