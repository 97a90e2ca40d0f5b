package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-advtext/checkpoints"
)

// LRScheduler defines the interface for learning rate scheduling strategies
type LRScheduler interface {
	// GetLR returns the learning rate for the given epoch.
	// This is a pure function - no state modifications
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30 // Default: reduce every 30 epochs
	}
	if gamma <= 0 || gamma > 1 {
		gamma = 0.1 // Default: reduce by 10x
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// StepLR drives an optimizer's learning rate from an LRScheduler, one Step per epoch.
// It remembers how many steps were taken so the schedule survives a resume.
type StepLR struct {
	schedule  LRScheduler
	opt       Optimizer
	baseLR    float64
	lastEpoch int
}

// NewStepLR attaches a step schedule to opt, using its current learning rate as the base
func NewStepLR(opt Optimizer, stepSize int, gamma float64) *StepLR {
	return &StepLR{
		schedule: NewStepLRScheduler(stepSize, gamma),
		opt:      opt,
		baseLR:   opt.GetLearningRate(),
	}
}

// Step advances the schedule by one epoch and returns the new learning rate
func (s *StepLR) Step() float64 {
	s.lastEpoch++
	lr := s.schedule.GetLR(s.lastEpoch, 0, s.baseLR)
	s.opt.UpdateLearningRate(lr)
	return lr
}

// LastEpoch returns how many times Step has been called
func (s *StepLR) LastEpoch() int {
	return s.lastEpoch
}

func (s *StepLR) GetName() string {
	return s.schedule.GetName()
}

// State captures the schedule for checkpointing
func (s *StepLR) State() *checkpoints.SchedulerState {
	st := &checkpoints.SchedulerState{
		Name:      s.schedule.GetName(),
		BaseLR:    s.baseLR,
		LastEpoch: s.lastEpoch,
	}
	if sched, ok := s.schedule.(*StepLRScheduler); ok {
		st.StepSize = sched.StepSize
		st.Gamma = sched.Gamma
	}
	return st
}

// LoadState restores the schedule and re-applies its learning rate to the optimizer
func (s *StepLR) LoadState(st *checkpoints.SchedulerState) error {
	if st == nil {
		return fmt.Errorf("scheduler state is nil")
	}
	if st.Name != s.schedule.GetName() {
		return fmt.Errorf("scheduler mismatch: expected %s, got %s", s.schedule.GetName(), st.Name)
	}
	if st.LastEpoch < 0 || st.BaseLR <= 0 {
		return fmt.Errorf("invalid scheduler state: last_epoch=%d base_lr=%f", st.LastEpoch, st.BaseLR)
	}
	s.baseLR = st.BaseLR
	s.lastEpoch = st.LastEpoch
	s.opt.UpdateLearningRate(s.schedule.GetLR(s.lastEpoch, 0, s.baseLR))
	return nil
}
