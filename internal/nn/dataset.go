package nn

import (
	"math/rand"

	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/model"
	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/tensor"
)

// CENTER_SEED fixes the class centers so every node samples the same underlying task.
const CENTER_SEED = 7

// Dataset is a labelled set of Gaussian blobs, one blob per class.
type Dataset struct {
	inputSize int
	features  [][]float64
	labels    []int
}

func classCenters(arch Architecture) [][]float64 {
	rng := rand.New(rand.NewSource(CENTER_SEED))
	centers := make([][]float64, arch.NumClasses())
	for c := range centers {
		centers[c] = make([]float64, arch.InputSize())
		for i := range centers[c] {
			centers[c][i] = rng.NormFloat64() * 3
		}
	}
	return centers
}

// NewSyntheticDataset draws labelCounts[c] samples of class c in shuffled order.
func NewSyntheticDataset(arch Architecture, labelCounts model.LabelCounts, seed int64) *Dataset {
	centers := classCenters(arch)
	rng := rand.New(rand.NewSource(seed))

	ds := &Dataset{inputSize: arch.InputSize()}
	for class, count := range labelCounts {
		if class >= len(centers) {
			break
		}
		for n := 0; n < count; n++ {
			x := make([]float64, ds.inputSize)
			for i := range x {
				x[i] = centers[class][i] + rng.NormFloat64()
			}
			ds.features = append(ds.features, x)
			ds.labels = append(ds.labels, class)
		}
	}
	rng.Shuffle(len(ds.labels), func(i, j int) {
		ds.features[i], ds.features[j] = ds.features[j], ds.features[i]
		ds.labels[i], ds.labels[j] = ds.labels[j], ds.labels[i]
	})
	return ds
}

// UniformCounts is count samples for every class.
func UniformCounts(numClasses int, count int) model.LabelCounts {
	lc := make(model.LabelCounts, numClasses)
	for i := range lc {
		lc[i] = count
	}
	return lc
}

func (d *Dataset) Len() int {
	return len(d.labels)
}

func (d *Dataset) Batches(batchSize int) *BatchSource {
	if batchSize < 1 {
		batchSize = 1
	}
	return &BatchSource{dataset: d, batchSize: batchSize}
}

// BatchSource walks a dataset once; the last batch may be short.
type BatchSource struct {
	dataset   *Dataset
	batchSize int
	offset    int
}

func (b *BatchSource) Next() (*tensor.Tensor, []int, bool) {
	d := b.dataset
	if b.offset >= d.Len() {
		return nil, nil, false
	}
	end := b.offset + b.batchSize
	if end > d.Len() {
		end = d.Len()
	}

	rows := end - b.offset
	values := make([]float64, 0, rows*d.inputSize)
	for _, x := range d.features[b.offset:end] {
		values = append(values, x...)
	}
	labels := append([]int(nil), d.labels[b.offset:end]...)
	b.offset = end
	return tensor.New([]int{rows, d.inputSize}, values), labels, true
}
