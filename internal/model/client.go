package model

import "github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/common"

type ClientRecord struct {
	Id          string
	Stage       int
	Performance float64
	Cluster     int // -1 until clustering
}

type StageRole int

const (
	ENTRY StageRole = iota
	INTERIOR
	EXIT
)

func (r StageRole) String() string {
	switch r {
	case ENTRY:
		return "entry"
	case INTERIOR:
		return "interior"
	case EXIT:
		return "exit"
	default:
		return "unknown"
	}
}

// RoleOf maps a 1-based stage number to its role in a pipeline of numStages stages.
func RoleOf(stage int, numStages int) StageRole {
	switch {
	case stage == common.ENTRY_STAGE:
		return ENTRY
	case stage == numStages:
		return EXIT
	default:
		return INTERIOR
	}
}

// LayerSlice is the half-open layer range [Start, End) owned by a stage.
// End == common.END_OF_MODEL means "to the last layer".
type LayerSlice struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (s LayerSlice) Contains(layer int) bool {
	if layer < s.Start {
		return false
	}
	return s.End == common.END_OF_MODEL || layer < s.End
}

// LayerSliceFor resolves the slice of a stage from the cluster's cut layers.
func LayerSliceFor(stage int, numStages int, cutLayers []int) LayerSlice {
	if numStages == 1 {
		return LayerSlice{Start: 0, End: common.END_OF_MODEL}
	}
	switch RoleOf(stage, numStages) {
	case ENTRY:
		return LayerSlice{Start: 0, End: cutLayers[0]}
	case EXIT:
		return LayerSlice{Start: cutLayers[len(cutLayers)-1], End: common.END_OF_MODEL}
	default:
		return LayerSlice{Start: cutLayers[stage-2], End: cutLayers[stage-1]}
	}
}
