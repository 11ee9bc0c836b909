package tensor

import (
	"fmt"

	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/common"
)

// RemapLayers shifts every layer index in the keys by offset, moving a stage-local
// snapshot into the full model's key space.
func RemapLayers(sd StateDict, offset int) (StateDict, error) {
	out := make(StateDict, len(sd))
	for key, t := range sd {
		layer, name, err := common.SplitLayerKey(key)
		if err != nil {
			return nil, err
		}
		out[common.JoinLayerKey(layer+offset, name)] = t
	}
	return out, nil
}

// SliceLayers extracts layers [start, end) from a full snapshot and renumbers them from zero.
// end == common.END_OF_MODEL keeps every layer from start on.
func SliceLayers(sd StateDict, start int, end int) (StateDict, error) {
	out := StateDict{}
	for key, t := range sd {
		layer, name, err := common.SplitLayerKey(key)
		if err != nil {
			return nil, err
		}
		if layer < start || (end != common.END_OF_MODEL && layer >= end) {
			continue
		}
		out[common.JoinLayerKey(layer-start, name)] = t.Clone()
	}
	return out, nil
}

// Merge copies src into dst, refusing to overwrite an existing key.
func Merge(dst StateDict, src StateDict) error {
	for key, t := range src {
		if _, exists := dst[key]; exists {
			return fmt.Errorf("%w: key %q already present", ErrKeyMismatch, key)
		}
		dst[key] = t
	}
	return nil
}
