package training

import (
	"fmt"
)

// MetricType represents the evaluation metrics reported by the confusion matrix
type MetricType int

const (
	Accuracy MetricType = iota
	MacroPrecision
	MacroRecall
	MacroF1
)

func (mt MetricType) String() string {
	switch mt {
	case Accuracy:
		return "Accuracy"
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// MetricsAggregator accumulates prediction/label pairs over an evaluation
type MetricsAggregator interface {
	Reset()
	Update(predicted, actual []int) error
	Recall() float64
	Precision() float64
}

// ConfusionMatrix counts predictions per (true, predicted) class pair
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int

	// Cached metrics to avoid recomputation
	cachedMetrics map[MetricType]float64
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{
		NumClasses:    numClasses,
		Matrix:        matrix,
		cachedMetrics: make(map[MetricType]float64),
	}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
	cm.cachedMetrics = make(map[MetricType]float64)
}

// Update adds a batch of predictions. Nothing is recorded if any label is out of range.
func (cm *ConfusionMatrix) Update(predicted, actual []int) error {
	if len(predicted) != len(actual) {
		return fmt.Errorf("predictions length mismatch: %d predictions for %d labels", len(predicted), len(actual))
	}
	for i := range predicted {
		if predicted[i] < 0 || predicted[i] >= cm.NumClasses {
			return fmt.Errorf("predicted class %d out of range [0, %d)", predicted[i], cm.NumClasses)
		}
		if actual[i] < 0 || actual[i] >= cm.NumClasses {
			return fmt.Errorf("true class %d out of range [0, %d)", actual[i], cm.NumClasses)
		}
	}
	for i := range predicted {
		cm.Matrix[actual[i]][predicted[i]]++
	}
	cm.TotalSamples += len(predicted)
	cm.cachedMetrics = make(map[MetricType]float64)
	return nil
}

// GetMetric computes (and caches) the requested metric
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	if v, ok := cm.cachedMetrics[metric]; ok {
		return v
	}

	var value float64
	switch metric {
	case Accuracy:
		value = cm.accuracy()
	case MacroPrecision:
		value = cm.macro(cm.classPrecision)
	case MacroRecall:
		value = cm.macro(cm.classRecall)
	case MacroF1:
		value = cm.macro(func(c int) float64 {
			p, r := cm.classPrecision(c), cm.classRecall(c)
			if p+r == 0 {
				return 0
			}
			return 2 * p * r / (p + r)
		})
	}
	cm.cachedMetrics[metric] = value
	return value
}

// Accuracy returns the fraction of correct predictions
func (cm *ConfusionMatrix) Accuracy() float64 {
	return cm.GetMetric(Accuracy)
}

// Recall returns the macro-averaged recall
func (cm *ConfusionMatrix) Recall() float64 {
	return cm.GetMetric(MacroRecall)
}

// Precision returns the macro-averaged precision
func (cm *ConfusionMatrix) Precision() float64 {
	return cm.GetMetric(MacroPrecision)
}

func (cm *ConfusionMatrix) accuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// classPrecision is TP / predicted-as-c, 0 when c was never predicted
func (cm *ConfusionMatrix) classPrecision(c int) float64 {
	predicted := 0
	for i := 0; i < cm.NumClasses; i++ {
		predicted += cm.Matrix[i][c]
	}
	if predicted == 0 {
		return 0
	}
	return float64(cm.Matrix[c][c]) / float64(predicted)
}

// classRecall is TP / actually-c, 0 when c never occurred
func (cm *ConfusionMatrix) classRecall(c int) float64 {
	actual := 0
	for j := 0; j < cm.NumClasses; j++ {
		actual += cm.Matrix[c][j]
	}
	if actual == 0 {
		return 0
	}
	return float64(cm.Matrix[c][c]) / float64(actual)
}

func (cm *ConfusionMatrix) macro(perClass func(int) float64) float64 {
	if cm.NumClasses == 0 {
		return 0
	}
	var sum float64
	for c := 0; c < cm.NumClasses; c++ {
		sum += perClass(c)
	}
	return sum / float64(cm.NumClasses)
}
