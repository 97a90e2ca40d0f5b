package training

import (
	"fmt"
	"math"
)

// Phase is one of the three sequential training regimes
type Phase int

const (
	DiscriminatorOnly Phase = iota // supervised classifier pre-training
	JudgeOnly                      // judge pre-training against pseudo-labels
	Adversarial                    // joint classifier and judge updates
)

func (p Phase) String() string {
	switch p {
	case DiscriminatorOnly:
		return "discriminator_only"
	case JudgeOnly:
		return "judge_only"
	case Adversarial:
		return "adversarial_training"
	default:
		return fmt.Sprintf("Unknown(%d)", int(p))
	}
}

// ParsePhase is the inverse of Phase.String
func ParsePhase(name string) (Phase, error) {
	for _, p := range []Phase{DiscriminatorOnly, JudgeOnly, Adversarial} {
		if p.String() == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown training phase %q", name)
}

// Next returns the phase that follows p. The second result is false when p is terminal.
func (p Phase) Next() (Phase, bool) {
	switch p {
	case DiscriminatorOnly:
		return JudgeOnly, true
	case JudgeOnly:
		return Adversarial, true
	default:
		return p, false
	}
}

// PhasePlan holds the epochs at which the schedule moves on regardless of patience
type PhasePlan struct {
	JudgeEpoch       int
	AdversarialEpoch int
}

// Advance returns the phase to train in at epoch, given the current phase.
// Phases never move backwards.
func (pp PhasePlan) Advance(epoch int, current Phase) Phase {
	next := current
	if epoch >= pp.JudgeEpoch && next < JudgeOnly {
		next = JudgeOnly
	}
	if epoch >= pp.AdversarialEpoch && next < Adversarial {
		next = Adversarial
	}
	return next
}

// Patience counts down epochs without a validation improvement
type Patience struct {
	threshold int
	epsilon   float64
	remaining int
	best      float64
}

// NewPatience creates a tracker allowing threshold non-improving epochs.
// An accuracy only counts as an improvement if it beats the best by more than epsilon.
func NewPatience(threshold int, epsilon float64) *Patience {
	return &Patience{threshold: threshold, epsilon: epsilon, remaining: threshold}
}

// Observe records one epoch's accuracy and reports whether it improved on the best.
// An improvement refills the budget; anything else costs one epoch.
func (p *Patience) Observe(acc float64) bool {
	if acc > p.best && math.Abs(acc-p.best) > p.epsilon {
		p.best = acc
		p.remaining = p.threshold
		return true
	}
	p.remaining--
	return false
}

// Exhausted reports whether the budget has run out
func (p *Patience) Exhausted() bool {
	return p.remaining <= 0
}

// Reset refills the budget without touching the best accuracy
func (p *Patience) Reset() {
	p.remaining = p.threshold
}

func (p *Patience) Remaining() int {
	return p.remaining
}

func (p *Patience) Best() float64 {
	return p.best
}

// Restore sets the tracker from a saved training state
func (p *Patience) Restore(best float64, remaining int) {
	p.best = best
	p.remaining = remaining
	if p.remaining <= 0 || p.remaining > p.threshold {
		p.remaining = p.threshold
	}
}
