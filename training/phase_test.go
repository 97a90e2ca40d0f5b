package training

import "testing"

func TestPhaseString(t *testing.T) {
	tests := []struct {
		phase    Phase
		expected string
	}{
		{DiscriminatorOnly, "discriminator_only"},
		{JudgeOnly, "judge_only"},
		{Adversarial, "adversarial_training"},
		{Phase(7), "Unknown(7)"},
	}
	for _, test := range tests {
		if got := test.phase.String(); got != test.expected {
			t.Errorf("Phase(%d).String() = %s, expected %s", test.phase, got, test.expected)
		}
		if test.phase > Adversarial {
			continue
		}
		parsed, err := ParsePhase(test.expected)
		if err != nil || parsed != test.phase {
			t.Errorf("ParsePhase(%q) = %v, %v", test.expected, parsed, err)
		}
	}
	if _, err := ParsePhase("pretrain"); err == nil {
		t.Error("Expected error for unknown phase name")
	}
}

func TestPhaseNext(t *testing.T) {
	if next, ok := DiscriminatorOnly.Next(); !ok || next != JudgeOnly {
		t.Errorf("DiscriminatorOnly.Next() = %v, %v", next, ok)
	}
	if next, ok := JudgeOnly.Next(); !ok || next != Adversarial {
		t.Errorf("JudgeOnly.Next() = %v, %v", next, ok)
	}
	if _, ok := Adversarial.Next(); ok {
		t.Error("Adversarial should be terminal")
	}
}

func TestPhasePlanThresholds(t *testing.T) {
	plan := PhasePlan{JudgeEpoch: 30, AdversarialEpoch: 50}

	phase := DiscriminatorOnly
	for epoch := 1; epoch <= 60; epoch++ {
		phase = plan.Advance(epoch, phase)
		var expected Phase
		switch {
		case epoch < 30:
			expected = DiscriminatorOnly
		case epoch < 50:
			expected = JudgeOnly
		default:
			expected = Adversarial
		}
		if phase != expected {
			t.Fatalf("Epoch %d: expected %s, got %s", epoch, expected, phase)
		}
	}
}

func TestPhasePlanNeverMovesBackwards(t *testing.T) {
	plan := PhasePlan{JudgeEpoch: 30, AdversarialEpoch: 50}

	// A patience-triggered advance early in the run survives the epoch check
	if got := plan.Advance(5, Adversarial); got != Adversarial {
		t.Errorf("Expected Adversarial to stick at epoch 5, got %s", got)
	}
	if got := plan.Advance(10, JudgeOnly); got != JudgeOnly {
		t.Errorf("Expected JudgeOnly to stick at epoch 10, got %s", got)
	}
	// Resuming past both thresholds jumps straight to the last phase
	if got := plan.Advance(55, DiscriminatorOnly); got != Adversarial {
		t.Errorf("Expected Adversarial at epoch 55, got %s", got)
	}
}

func TestPatience(t *testing.T) {
	tests := []struct {
		name      string
		accs      []float64
		improved  []bool
		remaining int
		exhausted bool
	}{
		{
			name:      "steady improvement",
			accs:      []float64{0.5, 0.6, 0.7},
			improved:  []bool{true, true, true},
			remaining: 3,
		},
		{
			name:      "three flat epochs",
			accs:      []float64{0.5, 0.5, 0.4, 0.5},
			improved:  []bool{true, false, false, false},
			remaining: 0,
			exhausted: true,
		},
		{
			name:      "within tolerance is not an improvement",
			accs:      []float64{0.90, 0.9005},
			improved:  []bool{true, false},
			remaining: 2,
		},
		{
			name:      "improvement refills the budget",
			accs:      []float64{0.5, 0.4, 0.4, 0.55},
			improved:  []bool{true, false, false, true},
			remaining: 3,
		},
		{
			name:      "zero accuracy never improves",
			accs:      []float64{0, 0, 0},
			improved:  []bool{false, false, false},
			remaining: 0,
			exhausted: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			p := NewPatience(3, 0.001)
			for i, acc := range test.accs {
				if got := p.Observe(acc); got != test.improved[i] {
					t.Errorf("Observe(%v) at %d = %v, expected %v", acc, i, got, test.improved[i])
				}
			}
			if p.Remaining() != test.remaining {
				t.Errorf("Expected %d remaining, got %d", test.remaining, p.Remaining())
			}
			if p.Exhausted() != test.exhausted {
				t.Errorf("Expected exhausted=%v", test.exhausted)
			}
		})
	}
}

func TestPatienceBestSurvivesReset(t *testing.T) {
	p := NewPatience(2, 0.001)
	p.Observe(0.8)
	p.Observe(0.7)
	p.Observe(0.7)
	if !p.Exhausted() {
		t.Fatal("Expected budget to be exhausted")
	}
	p.Reset()
	if p.Remaining() != 2 || p.Best() != 0.8 {
		t.Errorf("Reset should refill the budget and keep the best: remaining=%d best=%v", p.Remaining(), p.Best())
	}
	if p.Observe(0.8005) {
		t.Error("0.8005 should not improve on 0.8")
	}
}

func TestPatienceRestore(t *testing.T) {
	p := NewPatience(3, 0.001)
	p.Restore(0.75, 1)
	if p.Best() != 0.75 || p.Remaining() != 1 {
		t.Errorf("Restore: best=%v remaining=%d", p.Best(), p.Remaining())
	}
	p.Restore(0.75, 0)
	if p.Remaining() != 3 {
		t.Errorf("Expected an exhausted budget to be refilled on restore, got %d", p.Remaining())
	}
}
