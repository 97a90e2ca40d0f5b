package optimizer

import (
	"fmt"

	"github.com/tsawler/go-advtext/checkpoints"
)

// Optimizer defines the common interface for all optimizers.
// State save/restore lets checkpoints carry moments together with parameters.
type Optimizer interface {
	// Step applies one update using the gradients accumulated in the parameters
	Step() error

	// ZeroGrad clears the gradients of every managed parameter
	ZeroGrad()

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from a checkpoint.
	// Nothing is modified when the state does not fit the managed parameters.
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float64)

	// GetLearningRate returns the learning rate in use
	GetLearningRate() float64
}

// OptimizerState is the serializable optimizer state stored in checkpoints
type OptimizerState = checkpoints.OptimizerState

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
