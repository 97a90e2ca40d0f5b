package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-advtext/checkpoints"
	"github.com/tsawler/go-advtext/nn"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64 // L2 penalty added to the gradient
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// AdamOptimizerState keeps per-parameter first and second moments.
// Moments are keyed by parameter name so they follow the parameter through
// save and restore regardless of ordering.
type AdamOptimizerState struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64

	params   []*nn.Param
	momentum map[string][]float64
	variance map[string][]float64

	// Step tracking for bias correction
	StepCount uint64
}

// NewAdamOptimizer creates an Adam optimizer over params
func NewAdamOptimizer(config AdamConfig, params []*nn.Param) (*AdamOptimizerState, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters provided")
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %f", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("betas must be in [0, 1): %f, %f", config.Beta1, config.Beta2)
	}

	adam := &AdamOptimizerState{
		LearningRate: config.LearningRate,
		Beta1:        config.Beta1,
		Beta2:        config.Beta2,
		Epsilon:      config.Epsilon,
		WeightDecay:  config.WeightDecay,
		params:       params,
		momentum:     make(map[string][]float64, len(params)),
		variance:     make(map[string][]float64, len(params)),
	}

	for _, p := range params {
		if _, dup := adam.momentum[p.Name]; dup {
			return nil, fmt.Errorf("duplicate parameter name %s", p.Name)
		}
		size := calculateTensorSize(p.Shape())
		adam.momentum[p.Name] = make([]float64, size)
		adam.variance[p.Name] = make([]float64, size)
	}

	return adam, nil
}

// Step performs a single Adam optimization step
func (adam *AdamOptimizerState) Step() error {
	adam.StepCount++
	t := float64(adam.StepCount)
	bc1 := 1 - math.Pow(adam.Beta1, t)
	bc2 := 1 - math.Pow(adam.Beta2, t)

	for _, p := range adam.params {
		m := adam.momentum[p.Name]
		v := adam.variance[p.Name]
		w := p.Data()
		g := p.GradData()
		if len(m) != len(w) {
			return fmt.Errorf("moment size mismatch for %s", p.Name)
		}

		for i := range w {
			grad := g[i]
			if adam.WeightDecay != 0 {
				grad += adam.WeightDecay * w[i]
			}
			m[i] = adam.Beta1*m[i] + (1-adam.Beta1)*grad
			v[i] = adam.Beta2*v[i] + (1-adam.Beta2)*grad*grad
			denom := math.Sqrt(v[i]/bc2) + adam.Epsilon
			w[i] -= adam.LearningRate * (m[i] / bc1) / denom
		}
	}

	return nil
}

// ZeroGrad clears all managed gradients
func (adam *AdamOptimizerState) ZeroGrad() {
	for _, p := range adam.params {
		p.ZeroGrad()
	}
}

// UpdateLearningRate updates the learning rate (useful for learning rate scheduling)
func (adam *AdamOptimizerState) UpdateLearningRate(newLR float64) {
	adam.LearningRate = newLR
}

func (adam *AdamOptimizerState) GetLearningRate() float64 {
	return adam.LearningRate
}

func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, 2*len(adam.params))
	for _, p := range adam.params {
		shape := p.Shape()
		stateData = append(stateData,
			checkpoints.OptimizerTensor{
				Name:      p.Name,
				Shape:     shape,
				Data:      append([]float64(nil), adam.momentum[p.Name]...),
				StateType: "momentum",
			},
			checkpoints.OptimizerTensor{
				Name:      p.Name,
				Shape:     shape,
				Data:      append([]float64(nil), adam.variance[p.Name]...),
				StateType: "variance",
			},
		)
	}

	return &OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": adam.LearningRate,
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
			"step_count":    adam.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint.
// Every tensor is checked against the managed parameters before anything is written.
func (adam *AdamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	for _, tensor := range state.StateData {
		if tensor.StateType != "momentum" && tensor.StateType != "variance" {
			return fmt.Errorf("unknown Adam state type %q for %s", tensor.StateType, tensor.Name)
		}
		expected, ok := adam.momentum[tensor.Name]
		if !ok {
			return fmt.Errorf("state for unknown parameter %s", tensor.Name)
		}
		if len(tensor.Data) != len(expected) {
			return fmt.Errorf("data size mismatch for %s %s: expected %d elements, got %d",
				tensor.Name, tensor.StateType, len(expected), len(tensor.Data))
		}
	}

	adam.LearningRate = extractFloatParam(state.Parameters, "learning_rate", adam.LearningRate)
	adam.Beta1 = extractFloatParam(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloatParam(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloatParam(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = extractUint64Param(state.Parameters, "step_count", adam.StepCount)

	for _, tensor := range state.StateData {
		if tensor.StateType == "momentum" {
			copy(adam.momentum[tensor.Name], tensor.Data)
		} else {
			copy(adam.variance[tensor.Name], tensor.Data)
		}
	}

	return nil
}
