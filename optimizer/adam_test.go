package optimizer

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/tsawler/go-advtext/nn"
)

// TestAdamConfig tests the Adam configuration
func TestAdamConfig(t *testing.T) {
	config := DefaultAdamConfig()

	if config.LearningRate != 0.001 {
		t.Errorf("Expected learning rate 0.001, got %f", config.LearningRate)
	}
	if config.Beta1 != 0.9 {
		t.Errorf("Expected beta1 0.9, got %f", config.Beta1)
	}
	if config.Beta2 != 0.999 {
		t.Errorf("Expected beta2 0.999, got %f", config.Beta2)
	}
	if config.Epsilon != 1e-8 {
		t.Errorf("Expected epsilon 1e-8, got %f", config.Epsilon)
	}
	if config.WeightDecay != 0.0 {
		t.Errorf("Expected weight decay 0.0, got %f", config.WeightDecay)
	}
}

func TestAdamInvalidInputs(t *testing.T) {
	if _, err := NewAdamOptimizer(DefaultAdamConfig(), nil); err == nil {
		t.Error("Expected error for empty parameter list")
	}

	bad := DefaultAdamConfig()
	bad.LearningRate = 0
	if _, err := NewAdamOptimizer(bad, []*nn.Param{nn.NewParam("w", 1, 1)}); err == nil {
		t.Error("Expected error for zero learning rate")
	}

	dup := []*nn.Param{nn.NewParam("w", 1, 1), nn.NewParam("w", 1, 1)}
	if _, err := NewAdamOptimizer(DefaultAdamConfig(), dup); err == nil {
		t.Error("Expected error for duplicate parameter names")
	}
}

// TestAdamFirstStep checks the bias-corrected first update, which moves every
// weight by lr in the direction opposite to its gradient.
func TestAdamFirstStep(t *testing.T) {
	p := nn.NewParam("w", 1, 3)
	copy(p.Data(), []float64{1, 2, 3})
	copy(p.GradData(), []float64{0.5, -2, 0})

	adam, err := NewAdamOptimizer(DefaultAdamConfig(), []*nn.Param{p})
	if err != nil {
		t.Fatalf("NewAdamOptimizer failed: %v", err)
	}
	if err := adam.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	expected := []float64{1 - 0.001, 2 + 0.001, 3}
	for i, v := range p.Data() {
		if math.Abs(v-expected[i]) > 1e-6 {
			t.Errorf("Weight %d: expected %f, got %f", i, expected[i], v)
		}
	}
	if adam.GetStepCount() != 1 {
		t.Errorf("Expected step count 1, got %d", adam.GetStepCount())
	}

	adam.ZeroGrad()
	for _, g := range p.GradData() {
		if g != 0 {
			t.Fatalf("ZeroGrad left %v", p.GradData())
		}
	}
}

func TestAdamWeightDecay(t *testing.T) {
	p := nn.NewParam("w", 1, 1)
	p.Data()[0] = 10

	config := DefaultAdamConfig()
	config.WeightDecay = 0.0005
	adam, _ := NewAdamOptimizer(config, []*nn.Param{p})
	if err := adam.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	// zero gradient plus decay still shrinks the weight
	if p.Data()[0] >= 10 {
		t.Errorf("Weight decay should shrink the weight, got %f", p.Data()[0])
	}
}

func TestAdamStateRoundTrip(t *testing.T) {
	params := []*nn.Param{nn.NewParam("a", 2, 2), nn.NewParam("b", 1, 2)}
	for _, p := range params {
		for i := range p.GradData() {
			p.GradData()[i] = float64(i+1) * 0.1
		}
	}
	adam, _ := NewAdamOptimizer(DefaultAdamConfig(), params)
	for i := 0; i < 3; i++ {
		if err := adam.Step(); err != nil {
			t.Fatal(err)
		}
	}

	state, err := adam.GetState()
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	raw, err := json.Marshal(state)
	if err != nil {
		t.Fatal(err)
	}
	var decoded OptimizerState
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}

	fresh := []*nn.Param{nn.NewParam("a", 2, 2), nn.NewParam("b", 1, 2)}
	restored, _ := NewAdamOptimizer(DefaultAdamConfig(), fresh)
	if err := restored.LoadState(&decoded); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if restored.GetStepCount() != 3 {
		t.Errorf("Expected step count 3, got %d", restored.GetStepCount())
	}
	for name, m := range adam.momentum {
		for i := range m {
			if m[i] != restored.momentum[name][i] || adam.variance[name][i] != restored.variance[name][i] {
				t.Fatalf("Moments differ for %s[%d]", name, i)
			}
		}
	}
}

func TestAdamLoadStateRejectsMismatch(t *testing.T) {
	adam, _ := NewAdamOptimizer(DefaultAdamConfig(), []*nn.Param{nn.NewParam("a", 2, 2)})
	before, _ := adam.GetState()

	other, _ := NewAdamOptimizer(DefaultAdamConfig(), []*nn.Param{nn.NewParam("a", 3, 3)})
	other.StepCount = 9
	state, _ := other.GetState()

	if err := adam.LoadState(state); err == nil {
		t.Fatal("Expected error for mismatched moment size")
	}
	if adam.GetStepCount() != 0 || adam.LearningRate != before.Parameters["learning_rate"] {
		t.Errorf("Failed LoadState must not modify the optimizer")
	}

	state.Type = "SGD"
	if err := adam.LoadState(state); err == nil {
		t.Error("Expected error for state type mismatch")
	}
}
