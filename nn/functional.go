package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// OneHot encodes class indices as rows of a [len(labels), numClasses] matrix
func OneHot(labels []int, numClasses int) (*mat.Dense, error) {
	if numClasses <= 0 {
		return nil, fmt.Errorf("number of classes must be positive, got %d", numClasses)
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("cannot one-hot encode an empty label set")
	}
	out := mat.NewDense(len(labels), numClasses, nil)
	for i, l := range labels {
		if l < 0 || l >= numClasses {
			return nil, fmt.Errorf("label %d at index %d outside [0, %d)", l, i, numClasses)
		}
		out.Set(i, l, 1)
	}
	return out, nil
}

// Argmax returns the column index of the largest value in each row
func Argmax(m mat.Matrix) []int {
	rows, cols := m.Dims()
	out := make([]int, rows)
	for i := 0; i < rows; i++ {
		best := m.At(i, 0)
		for j := 1; j < cols; j++ {
			if v := m.At(i, j); v > best {
				best = v
				out[i] = j
			}
		}
	}
	return out
}

// Softmax applies a numerically stable row-wise softmax
func Softmax(logits mat.Matrix) *mat.Dense {
	rows, cols := logits.Dims()
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		row := out.RawRowView(i)
		mat.Row(row, i, logits)
		maxVal := floats.Max(row)
		var sum float64
		for j := range row {
			row[j] = math.Exp(row[j] - maxVal)
			sum += row[j]
		}
		floats.Scale(1/sum, row)
	}
	return out
}

// CrossEntropy returns the per-example loss -log softmax(logits)[target]
// without any reduction.
func CrossEntropy(logits mat.Matrix, targets []int) ([]float64, error) {
	rows, cols := logits.Dims()
	if len(targets) != rows {
		return nil, fmt.Errorf("target count mismatch: %d targets for %d rows", len(targets), rows)
	}
	losses := make([]float64, rows)
	row := make([]float64, cols)
	for i := 0; i < rows; i++ {
		t := targets[i]
		if t < 0 || t >= cols {
			return nil, fmt.Errorf("target %d at index %d outside [0, %d)", t, i, cols)
		}
		mat.Row(row, i, logits)
		losses[i] = floats.LogSumExp(row) - row[t]
	}
	return losses, nil
}

// CrossEntropyGrad returns d(sum_i weights[i]*loss_i)/d(logits).
// A nil weights slice means every example has weight 1.
func CrossEntropyGrad(logits mat.Matrix, targets []int, weights []float64) (*mat.Dense, error) {
	rows, cols := logits.Dims()
	if len(targets) != rows {
		return nil, fmt.Errorf("target count mismatch: %d targets for %d rows", len(targets), rows)
	}
	if weights != nil && len(weights) != rows {
		return nil, fmt.Errorf("weight count mismatch: %d weights for %d rows", len(weights), rows)
	}
	grad := Softmax(logits)
	for i := 0; i < rows; i++ {
		t := targets[i]
		if t < 0 || t >= cols {
			return nil, fmt.Errorf("target %d at index %d outside [0, %d)", t, i, cols)
		}
		row := grad.RawRowView(i)
		row[t] -= 1
		if weights != nil {
			floats.Scale(weights[i], row)
		}
	}
	return grad, nil
}

// Mean returns the arithmetic mean of values
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return floats.Sum(values) / float64(len(values))
}

// logClamp mirrors the -100 floor used by the usual BCE implementations
func logClamp(x float64) float64 {
	if x <= 0 {
		return -100
	}
	return math.Max(math.Log(x), -100)
}

// BinaryCrossEntropy returns the mean binary cross-entropy of probabilities against 0/1 targets
func BinaryCrossEntropy(probs, targets []float64) (float64, error) {
	if len(probs) != len(targets) {
		return 0, fmt.Errorf("length mismatch: %d probabilities, %d targets", len(probs), len(targets))
	}
	if len(probs) == 0 {
		return 0, fmt.Errorf("empty input")
	}
	var sum float64
	for i, p := range probs {
		y := targets[i]
		sum -= y*logClamp(p) + (1-y)*logClamp(1-p)
	}
	return sum / float64(len(probs)), nil
}

// BinaryCrossEntropyGrad returns d(mean BCE)/d(probs)
func BinaryCrossEntropyGrad(probs, targets []float64) ([]float64, error) {
	if len(probs) != len(targets) {
		return nil, fmt.Errorf("length mismatch: %d probabilities, %d targets", len(probs), len(targets))
	}
	n := float64(len(probs))
	grad := make([]float64, len(probs))
	for i, p := range probs {
		denom := math.Max(p*(1-p), 1e-12)
		grad[i] = (p - targets[i]) / denom / n
	}
	return grad, nil
}
