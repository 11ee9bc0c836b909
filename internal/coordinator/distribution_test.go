package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/common"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/model"
)

func TestLabelDistributor_Even(t *testing.T) {
	d := newLabelDistributor(DistributionConfig{Mode: common.DATA_MODE_EVEN, NumLabels: 3, SamplesPerLabel: 20}, 1)
	counts := d.distribute(2)
	assert.Equal(t, []model.LabelCounts{{20, 20, 20}, {20, 20, 20}}, counts)

	for _, s := range labelSkew(counts, 3) {
		assert.InDelta(t, 0, s, 1e-12)
	}
}

func TestLabelDistributor_NonIID(t *testing.T) {
	cfg := DistributionConfig{Mode: common.DATA_MODE_NON_IID, NumLabels: 10, NumDataRange: [2]int{5, 9}, NonIIDRate: 0.3}
	d := newLabelDistributor(cfg, 42)
	counts := d.distribute(4)

	for _, c := range counts {
		held := 0
		for _, n := range c {
			if n > 0 {
				held++
				assert.GreaterOrEqual(t, n, 5)
				assert.LessOrEqual(t, n, 9)
			}
		}
		assert.Equal(t, 3, held)
	}

	// Masks stay fixed across rounds unless refreshed.
	again := d.distribute(4)
	for i := range counts {
		for l := range counts[i] {
			assert.Equal(t, counts[i][l] > 0, again[i][l] > 0)
		}
	}

	skew := labelSkew(counts, 10)
	for _, s := range skew {
		assert.Greater(t, s, 0.0)
	}
}
