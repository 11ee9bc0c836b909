package coordinator

import (
	"math"
	"math/rand"

	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/common"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/model"
)

type DistributionConfig struct {
	Mode            string
	NumLabels       int
	SamplesPerLabel int
	// NumDataRange bounds the per-label sample count drawn in non-iid mode.
	NumDataRange [2]int
	// NonIIDRate is the fraction of labels each entry node holds in non-iid mode.
	NonIIDRate       float64
	RefreshEachRound bool
}

// labelDistributor decides how many samples of every label each entry node trains on.
type labelDistributor struct {
	config DistributionConfig
	rng    *rand.Rand
	masks  [][]bool
}

func newLabelDistributor(config DistributionConfig, seed int64) *labelDistributor {
	return &labelDistributor{config: config, rng: rand.New(rand.NewSource(seed))}
}

func (d *labelDistributor) distribute(numEntries int) []model.LabelCounts {
	counts := make([]model.LabelCounts, numEntries)
	if d.config.Mode != common.DATA_MODE_NON_IID {
		for i := range counts {
			counts[i] = make(model.LabelCounts, d.config.NumLabels)
			for l := range counts[i] {
				counts[i][l] = d.config.SamplesPerLabel
			}
		}
		return counts
	}

	if d.masks == nil || d.config.RefreshEachRound || len(d.masks) != numEntries {
		d.masks = make([][]bool, numEntries)
		for i := range d.masks {
			d.masks[i] = d.labelMask()
		}
	}

	low, high := d.config.NumDataRange[0], d.config.NumDataRange[1]
	if high < low {
		low, high = high, low
	}
	for i := range counts {
		counts[i] = make(model.LabelCounts, d.config.NumLabels)
		for l, held := range d.masks[i] {
			if held {
				counts[i][l] = low + d.rng.Intn(high-low+1)
			}
		}
	}
	return counts
}

func (d *labelDistributor) labelMask() []bool {
	held := int(math.Round(d.config.NonIIDRate * float64(d.config.NumLabels)))
	if held < 1 {
		held = 1
	}
	if held > d.config.NumLabels {
		held = d.config.NumLabels
	}
	mask := make([]bool, d.config.NumLabels)
	for _, l := range d.rng.Perm(d.config.NumLabels)[:held] {
		mask[l] = true
	}
	return mask
}

func toDistribution(counts model.LabelCounts, numLabels int) []float64 {
	dist := make([]float64, numLabels)
	total := counts.Total()
	for i := range dist {
		percentage := 0.0
		if total > 0 && i < len(counts) {
			percentage = float64(counts[i]) / float64(total)
		}
		if percentage == 0.0 {
			percentage = 0.0001
		}
		dist[i] = percentage
	}
	return dist
}

// labelSkew is each node's KL divergence from the distribution of all nodes combined.
func labelSkew(counts []model.LabelCounts, numLabels int) []float64 {
	overall := make(model.LabelCounts, numLabels)
	for _, c := range counts {
		for l := 0; l < numLabels && l < len(c); l++ {
			overall[l] += c[l]
		}
	}
	q := toDistribution(overall, numLabels)

	skew := make([]float64, len(counts))
	for i, c := range counts {
		skew[i] = klDivergence(toDistribution(c, numLabels), q)
	}
	return skew
}

func klDivergence(p, q []float64) float64 {
	klDiv := 0.0
	for i := 0; i < len(p) && i < len(q); i++ {
		if q[i] == 0 {
			continue
		}
		klDiv += p[i] * math.Log(p[i]/q[i])
	}
	return klDiv
}
