package performance

import (
	"fmt"
	"math"
)

const LogarithmicRegression_PredictionType = "log-reg"

// PerformancePrediction extrapolates validation accuracy over global rounds.
type PerformancePrediction struct {
	regressionFunctionAccuracies Regression
}

func NewPerformancePrediction(accuracies []float64, predictionType string, offset int) (*PerformancePrediction, error) {
	pp := &PerformancePrediction{}

	if predictionType != LogarithmicRegression_PredictionType {
		return nil, fmt.Errorf("unknown prediction type %q", predictionType)
	}

	xs, ys := prepareXAndY(accuracies, offset)
	reg, err := NewLogarithmicRegression(xs, ys)
	if err != nil {
		return nil, err
	}
	pp.regressionFunctionAccuracies = reg

	return pp, nil
}

func (pp *PerformancePrediction) PredictAccuracy(round int) float64 {
	return pp.regressionFunctionAccuracies.PredictY(float64(round))
}

// PredictRoundForAccuracy returns -1 when the fitted curve never reaches the accuracy.
func (pp *PerformancePrediction) PredictRoundForAccuracy(accuracy float64) int {
	predicted := math.Ceil(pp.regressionFunctionAccuracies.PredictX(accuracy))
	if math.IsNaN(predicted) || math.IsInf(predicted, 0) || predicted > math.MaxInt32 {
		return -1
	}
	return int(predicted)
}

func (pp *PerformancePrediction) PrintPrediction() string {
	return pp.regressionFunctionAccuracies.PrintFunction()
}

func prepareXAndY(accuracies []float64, offset int) ([]float64, []float64) {
	xs := make([]float64, len(accuracies))
	ys := make([]float64, len(accuracies))

	for i, accuracy := range accuracies {
		xs[i] = float64(i + 1 + offset)
		ys[i] = accuracy
	}

	return xs, ys
}
