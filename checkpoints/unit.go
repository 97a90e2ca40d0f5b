package checkpoints

import (
	"errors"
	"fmt"

	"github.com/tsawler/go-advtext/nn"
)

// Model is a parameterised network that can describe its architecture
type Model interface {
	nn.Module
	Spec() nn.Spec
}

// OptimizerStater is the part of an optimizer that checkpoints need
type OptimizerStater interface {
	GetState() (*OptimizerState, error)
	LoadState(state *OptimizerState) error
}

// SchedulerStater is the part of a learning-rate schedule that checkpoints need
type SchedulerStater interface {
	State() *SchedulerState
	LoadState(state *SchedulerState) error
}

// Unit binds a model to its optimizer (and optionally its schedule) so that
// parameters and optimizer moments are always captured and restored together.
type Unit struct {
	Model     Model
	Optimizer OptimizerStater
	Scheduler SchedulerStater
}

// Capture snapshots the unit into a checkpoint
func (u *Unit) Capture(description string) (*Checkpoint, error) {
	spec := u.Model.Spec()
	ck := &Checkpoint{
		ModelSpec: &spec,
		Weights:   ExtractWeights(u.Model),
		Metadata:  CheckpointMetadata{Description: description},
	}
	if u.Optimizer != nil {
		state, err := u.Optimizer.GetState()
		if err != nil {
			return nil, fmt.Errorf("failed to capture optimizer state: %w", err)
		}
		ck.OptimizerState = state
	}
	if u.Scheduler != nil {
		ck.SchedulerState = u.Scheduler.State()
	}
	return ck, nil
}

// Restore loads a checkpoint into the unit. If any part fails to load, the
// parts already written are put back so the unit is left as it was.
func (u *Unit) Restore(ck *Checkpoint) error {
	if ck.ModelSpec != nil {
		if spec := u.Model.Spec(); !spec.Equal(*ck.ModelSpec) {
			return fmt.Errorf("architecture mismatch: model is %s, checkpoint is %s", spec, ck.ModelSpec)
		}
	}
	if u.Optimizer != nil && ck.OptimizerState == nil {
		return fmt.Errorf("checkpoint has no optimizer state")
	}

	previous, err := u.Capture("rollback")
	if err != nil {
		return err
	}

	if _, err := LoadWeights(ck.Weights, u.Model, true); err != nil {
		return err
	}

	if u.Optimizer != nil {
		if err := u.Optimizer.LoadState(ck.OptimizerState); err != nil {
			return errors.Join(fmt.Errorf("failed to restore optimizer state: %w", err), u.rollback(previous))
		}
	}

	if u.Scheduler != nil && ck.SchedulerState != nil {
		if err := u.Scheduler.LoadState(ck.SchedulerState); err != nil {
			return errors.Join(fmt.Errorf("failed to restore scheduler state: %w", err), u.rollback(previous))
		}
	}
	return nil
}

// rollback re-applies a snapshot taken from this same unit
func (u *Unit) rollback(previous *Checkpoint) error {
	var errs []error
	if _, err := LoadWeights(previous.Weights, u.Model, true); err != nil {
		errs = append(errs, fmt.Errorf("failed to put weights back: %w", err))
	}
	if u.Optimizer != nil {
		if err := u.Optimizer.LoadState(previous.OptimizerState); err != nil {
			errs = append(errs, fmt.Errorf("failed to put optimizer state back: %w", err))
		}
	}
	if u.Scheduler != nil && previous.SchedulerState != nil {
		if err := u.Scheduler.LoadState(previous.SchedulerState); err != nil {
			errs = append(errs, fmt.Errorf("failed to put scheduler state back: %w", err))
		}
	}
	return errors.Join(errs...)
}
