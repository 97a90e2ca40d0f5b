package training

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tsawler/go-advtext/checkpoints"
	"github.com/tsawler/go-advtext/data"
	"github.com/tsawler/go-advtext/results"
)

func TestNewValidatesDeps(t *testing.T) {
	cfg := testConfig(t)
	if _, err := New(cfg, Deps{}); err == nil {
		t.Error("Expected error for empty deps")
	}

	f := newFixture(t, cfg)
	bad := f.orch.deps
	bad.Sink = nil
	if _, err := New(cfg, bad); err == nil {
		t.Error("Expected error for a missing sink")
	}

	wrong := cfg
	wrong.NumClasses = 3
	if _, err := New(wrong, f.orch.deps); err == nil {
		t.Error("Expected error when the classifier disagrees with the class count")
	}
}

func TestRunFollowsEpochThresholds(t *testing.T) {
	cfg := testConfig(t)
	cfg.Patience = 100
	f := newFixture(t, cfg)

	// The final reload of the best snapshot rewinds optimizer step counts,
	// so they are read at the end of the last epoch.
	var judgeSteps, classifierSteps uint64
	f.orch.onEpochEnd = func(s EpochSummary) {
		judgeSteps = f.models.JudgeOpt.GetStepCount()
		classifierSteps = f.models.ClassifierOpt.GetStepCount()
	}

	report, err := f.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	expected := []Phase{DiscriminatorOnly, DiscriminatorOnly, JudgeOnly, JudgeOnly, Adversarial, Adversarial}
	if len(report.Epochs) != len(expected) {
		t.Fatalf("Expected %d epochs, got %d", len(expected), len(report.Epochs))
	}
	for i, s := range report.Epochs {
		if s.Epoch != i+1 || s.Phase != expected[i] {
			t.Errorf("Epoch %d: expected %s, got epoch %d in %s", i+1, expected[i], s.Epoch, s.Phase)
		}
	}
	if len(report.Transitions) != 2 || report.Transitions[0].Epoch != 3 || report.Transitions[1].Epoch != 5 {
		t.Errorf("Unexpected transitions %+v", report.Transitions)
	}
	for _, tr := range report.Transitions {
		if tr.Reason != "epoch" {
			t.Errorf("Expected epoch-triggered transitions, got %+v", tr)
		}
	}

	// The classifier schedule steps every epoch, the judge schedule only in judge epochs
	if got := f.models.ClassifierLR.LastEpoch(); got != 6 {
		t.Errorf("Expected 6 classifier schedule steps, got %d", got)
	}
	if got := f.models.JudgeLR.LastEpoch(); got != 4 {
		t.Errorf("Expected 4 judge schedule steps, got %d", got)
	}
	// One classifier step per labeled batch in epochs 1-2, none of the judge
	// before epoch 3; 2 unlabeled batches per epoch after that
	if judgeSteps != 2*2*1+2*2*3 {
		t.Errorf("Expected 16 judge steps, got %d", judgeSteps)
	}
	if classifierSteps != 2*3+2*2*3 {
		t.Errorf("Expected 18 classifier steps, got %d", classifierSteps)
	}
}

func TestRunWritesResultsAndResume(t *testing.T) {
	cfg := testConfig(t)
	cfg.Patience = 100
	f := newFixture(t, cfg)
	f.scripted(map[int]float64{1: 0.5, 2: 0.6, 3: 0.6, 4: 0.7, 5: 0.7, 6: 0.7})

	report, err := f.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if n := f.countLines("Test Acc:"); n != 1 {
		t.Errorf("Expected the test accuracy to be written exactly once, got %d", n)
	}
	if n := f.countLines("Test recall:"); n != 1 {
		t.Errorf("Expected one test recall line, got %d", n)
	}
	if n := f.countLines("Test precision:"); n != 1 {
		t.Errorf("Expected one test precision line, got %d", n)
	}
	if report.BestAccuracy != 0.7 {
		t.Errorf("Expected best accuracy 0.7, got %f", report.BestAccuracy)
	}
	if report.TestAccuracy < 0 || report.TestAccuracy > 1 {
		t.Errorf("Test accuracy out of range: %f", report.TestAccuracy)
	}

	improved := 0
	for _, s := range report.Epochs {
		if s.Improved {
			improved++
		}
	}
	if improved != 3 {
		t.Errorf("Expected 3 improving epochs, got %d", improved)
	}

	records, err := results.NewCSVStore(cfg.ResultsFile).Load()
	if err != nil {
		t.Fatalf("Failed to reload results: %v", err)
	}
	if len(records) != 6 || records[0].Epoch != 1 || records[5].Accuracy != 0.7 {
		t.Errorf("Unexpected result log %+v", records)
	}

	if !f.mgr.HasResume() || !f.mgr.HasBest() {
		t.Fatal("Expected resume and best checkpoints on disk")
	}
	fresh := newFixture(t, cfg)
	state, err := fresh.mgr.LoadResume(fresh.orch.clsUnit, fresh.orch.judgeUnit)
	if err != nil {
		t.Fatalf("LoadResume failed: %v", err)
	}
	if state.Epoch != 6 || state.Phase != Adversarial.String() {
		t.Errorf("Expected resume at epoch 6 in adversarial_training, got %+v", state)
	}
}

// TestPatienceRollbackRestoresBest exhausts patience in JudgeOnly and checks
// that the next epoch starts in Adversarial with the weights saved at the
// last improving epoch.
func TestPatienceRollbackRestoresBest(t *testing.T) {
	cfg := testConfig(t)
	cfg.Epochs = 7
	cfg.JudgeEpoch = 3
	cfg.AdversarialEpoch = 100
	f := newFixture(t, cfg)
	f.scripted(map[int]float64{1: 0.5, 2: 0.6, 3: 0.7, 4: 0.65, 5: 0.6, 6: 0.6995, 7: 0.6})

	var bestClassifier, bestJudge []checkpoints.WeightTensor
	f.orch.onEpochEnd = func(s EpochSummary) {
		if s.Epoch == 3 {
			bestClassifier = checkpoints.ExtractWeights(f.models.Classifier)
			bestJudge = checkpoints.ExtractWeights(f.models.Judge)
		}
	}
	var phaseAt7 Phase
	var checked bool
	f.orch.onEpochStart = func(epoch int, phase Phase) {
		if epoch != 7 {
			return
		}
		checked = true
		phaseAt7 = phase
		if !weightsEqual(bestClassifier, checkpoints.ExtractWeights(f.models.Classifier)) {
			t.Error("Classifier was not restored to the epoch 3 snapshot")
		}
		if !weightsEqual(bestJudge, checkpoints.ExtractWeights(f.models.Judge)) {
			t.Error("Judge was not restored to the epoch 3 snapshot")
		}
	}

	report, err := f.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !checked {
		t.Fatal("Epoch 7 never started")
	}
	if phaseAt7 != Adversarial {
		t.Errorf("Expected epoch 7 in Adversarial, got %s", phaseAt7)
	}

	var patienceTransitions []Transition
	for _, tr := range report.Transitions {
		if tr.Reason == "patience" {
			patienceTransitions = append(patienceTransitions, tr)
		}
	}
	if len(patienceTransitions) != 1 {
		t.Fatalf("Expected one patience transition, got %+v", report.Transitions)
	}
	if tr := patienceTransitions[0]; tr.Epoch != 6 || tr.From != JudgeOnly || tr.To != Adversarial {
		t.Errorf("Unexpected patience transition %+v", tr)
	}
}

func TestPatienceRollbackFromDiscriminatorOnly(t *testing.T) {
	cfg := testConfig(t)
	cfg.Epochs = 5
	cfg.JudgeEpoch = 50
	cfg.AdversarialEpoch = 100
	f := newFixture(t, cfg)
	f.scripted(map[int]float64{1: 0.8, 2: 0.7, 3: 0.7, 4: 0.7, 5: 0.7})

	var best []checkpoints.WeightTensor
	f.orch.onEpochEnd = func(s EpochSummary) {
		if s.Epoch == 1 {
			best = checkpoints.ExtractWeights(f.models.Classifier)
		}
	}
	f.orch.onEpochStart = func(epoch int, phase Phase) {
		if epoch != 5 {
			return
		}
		if phase != JudgeOnly {
			t.Errorf("Expected epoch 5 in JudgeOnly, got %s", phase)
		}
		if !weightsEqual(best, checkpoints.ExtractWeights(f.models.Classifier)) {
			t.Error("Classifier was not restored to the epoch 1 snapshot")
		}
	}

	if _, err := f.orch.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
}

// TestPatienceKeepsJudgeTrainedAfterBest checks that running out of patience
// in JudgeOnly, with the best snapshot taken during DiscriminatorOnly, keeps
// the judge trained since then.
func TestPatienceKeepsJudgeTrainedAfterBest(t *testing.T) {
	cfg := testConfig(t)
	cfg.Epochs = 6
	cfg.JudgeEpoch = 3
	cfg.AdversarialEpoch = 100
	f := newFixture(t, cfg)
	f.scripted(map[int]float64{1: 0.5, 2: 0.6, 3: 0.6, 4: 0.6, 5: 0.6, 6: 0.6})

	var trainedJudge, trainedClassifier []checkpoints.WeightTensor
	var judgeSteps uint64
	f.orch.onEpochEnd = func(s EpochSummary) {
		if s.Epoch == 5 {
			trainedJudge = checkpoints.ExtractWeights(f.models.Judge)
			trainedClassifier = checkpoints.ExtractWeights(f.models.Classifier)
			judgeSteps = f.models.JudgeOpt.GetStepCount()
		}
	}
	var checked bool
	f.orch.onEpochStart = func(epoch int, phase Phase) {
		if epoch != 6 {
			return
		}
		checked = true
		if phase != Adversarial {
			t.Errorf("Expected epoch 6 in Adversarial, got %s", phase)
		}
		if !weightsEqual(trainedJudge, checkpoints.ExtractWeights(f.models.Judge)) {
			t.Error("Judge trained in JudgeOnly was replaced by an older snapshot")
		}
		if !weightsEqual(trainedClassifier, checkpoints.ExtractWeights(f.models.Classifier)) {
			t.Error("Classifier changed across the phase transition")
		}
		if got := f.models.JudgeOpt.GetStepCount(); got != judgeSteps || got == 0 {
			t.Errorf("Expected the judge optimizer to keep its %d steps, got %d", judgeSteps, got)
		}
	}

	report, err := f.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !checked {
		t.Fatal("Epoch 6 never started")
	}
	var found bool
	for _, tr := range report.Transitions {
		if tr.Reason == "patience" {
			found = true
			if tr.Epoch != 5 || tr.From != JudgeOnly || tr.To != Adversarial {
				t.Errorf("Unexpected patience transition %+v", tr)
			}
		}
	}
	if !found {
		t.Errorf("Expected a patience transition, got %+v", report.Transitions)
	}
}

func TestPatienceExhaustedInAdversarialStops(t *testing.T) {
	cfg := testConfig(t)
	cfg.Epochs = 20
	cfg.JudgeEpoch = 2
	cfg.AdversarialEpoch = 3
	f := newFixture(t, cfg)
	f.scripted(map[int]float64{1: 0.5, 2: 0.5, 3: 0.5, 4: 0.5, 5: 0.5})

	report, err := f.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.LastEpoch != 4 || len(report.Epochs) != 4 {
		t.Errorf("Expected the run to stop after epoch 4, got last=%d epochs=%d", report.LastEpoch, len(report.Epochs))
	}
	if report.FinalPhase != Adversarial {
		t.Errorf("Expected final phase Adversarial, got %s", report.FinalPhase)
	}
	if n := f.countLines("Test Acc:"); n != 1 {
		t.Errorf("Expected one test line, got %d", n)
	}
	if n := f.countLines("Valid Acc:"); n != 0 {
		t.Errorf("Scripted validation must not write validation lines, got %d", n)
	}
}

// TestInterruptAndResume cancels the run in the middle of epoch 17 in
// Adversarial and resumes it in a new orchestrator.
func TestInterruptAndResume(t *testing.T) {
	cfg := testConfig(t)
	cfg.Epochs = 17
	cfg.JudgeEpoch = 2
	cfg.AdversarialEpoch = 3
	accs := make(map[int]float64)
	for e := 1; e <= 20; e++ {
		accs[e] = float64(e) * 0.01
	}

	f := newFixture(t, cfg)
	f.scripted(accs)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.orch.onStep = func(epoch, step int) {
		if epoch == 17 && step == 0 {
			cancel()
		}
	}

	report, err := f.orch.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if !report.Interrupted || report.FinalPhase != Adversarial {
		t.Errorf("Unexpected report %+v", report)
	}
	if n := f.countLines("Test Acc:"); n != 0 {
		t.Errorf("An interrupted run must not evaluate the test split, got %d lines", n)
	}

	records, err := results.NewCSVStore(cfg.ResultsFile).Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 16 {
		t.Errorf("Expected 16 completed epochs in the result log, got %d", len(records))
	}

	cfg.Epochs = 18
	resumed := newFixture(t, cfg)
	resumed.scripted(accs)
	var firstEpoch int
	var firstPhase Phase
	resumed.orch.onEpochStart = func(epoch int, phase Phase) {
		if firstEpoch == 0 {
			firstEpoch, firstPhase = epoch, phase
		}
	}

	report, err = resumed.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Resumed run failed: %v", err)
	}
	if !report.Resumed || report.StartEpoch != 18 {
		t.Errorf("Expected a resumed run starting at 18, got %+v", report)
	}
	if firstEpoch != 18 || firstPhase != Adversarial {
		t.Errorf("Expected epoch 18 in Adversarial, got %d in %s", firstEpoch, firstPhase)
	}
	if len(report.Results) != 17 || report.Results[16].Epoch != 18 {
		t.Errorf("Expected the result log to continue at epoch 18, got %+v", report.Results)
	}
	if report.BestAccuracy != accs[18] {
		t.Errorf("Expected best accuracy %f, got %f", accs[18], report.BestAccuracy)
	}
}

func TestInterruptBeforeFirstEpoch(t *testing.T) {
	cfg := testConfig(t)
	f := newFixture(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.orch.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if len(report.Epochs) != 0 {
		t.Errorf("Expected no epochs, got %d", len(report.Epochs))
	}

	fresh := newFixture(t, cfg)
	state, err := fresh.mgr.LoadResume(fresh.orch.clsUnit, fresh.orch.judgeUnit)
	if err != nil {
		t.Fatalf("LoadResume failed: %v", err)
	}
	if state.Epoch != 0 || state.Phase != DiscriminatorOnly.String() {
		t.Errorf("Expected epoch 0 in discriminator_only, got %+v", state)
	}
}

func TestRestoreFromPretrained(t *testing.T) {
	cfg := testConfig(t)

	donorCfg := cfg
	donorCfg.Seed = 42
	donor, err := BuildModels(donorCfg, testVocab, nil)
	if err != nil {
		t.Fatal(err)
	}
	// Only the encoder is shared with a language model
	var encoder []checkpoints.WeightTensor
	for _, w := range checkpoints.ExtractWeights(donor.Classifier) {
		if strings.HasPrefix(w.Name, "encoder.") {
			encoder = append(encoder, w)
		}
	}
	saver := checkpoints.NewCheckpointSaver(checkpoints.FormatJSON)
	if err := saver.SaveCheckpoint(&checkpoints.Checkpoint{Weights: encoder}, filepath.Join(cfg.PretrainDir, "lm_model.json")); err != nil {
		t.Fatal(err)
	}

	f := newFixture(t, cfg)
	headBefore := f.models.Classifier.Parameters()
	headWeight := append([]float64(nil), headBefore[len(headBefore)-2].Data()...)

	start, resumed, err := f.orch.restore()
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if start != 1 || resumed {
		t.Errorf("Expected a fresh start at epoch 1, got %d resumed=%v", start, resumed)
	}

	for _, model := range []checkpoints.Model{f.models.Classifier, f.models.Judge} {
		got := make(map[string][]float64)
		for _, w := range checkpoints.ExtractWeights(model) {
			got[w.Name] = w.Data
		}
		for _, w := range encoder {
			if !weightsEqual([]checkpoints.WeightTensor{w}, []checkpoints.WeightTensor{{Name: w.Name, Data: got[w.Name]}}) {
				t.Errorf("%s: %s was not initialized from the pretrained model", model.Spec().Kind, w.Name)
			}
		}
	}
	after := f.models.Classifier.Parameters()
	if !weightsEqual(
		[]checkpoints.WeightTensor{{Name: "w", Data: headWeight}},
		[]checkpoints.WeightTensor{{Name: "w", Data: after[len(after)-2].Data()}}) {
		t.Error("The classification head must keep its fresh initialization")
	}
}

func TestRestoreWithoutCheckpoints(t *testing.T) {
	f := newFixture(t, testConfig(t))
	before := checkpoints.ExtractWeights(f.models.Classifier)

	start, resumed, err := f.orch.restore()
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if start != 1 || resumed {
		t.Errorf("Expected a fresh start at epoch 1, got %d resumed=%v", start, resumed)
	}
	if !weightsEqual(before, checkpoints.ExtractWeights(f.models.Classifier)) {
		t.Error("A fresh start must keep the initial weights")
	}
}

func TestEvaluateWritesValidationLines(t *testing.T) {
	f := newFixture(t, testConfig(t))

	acc, err := f.orch.evaluate(f.orch.deps.Valid, "Valid")
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if acc < 0 || acc > 1 {
		t.Errorf("Accuracy out of range: %f", acc)
	}
	if len(f.sink.Lines) != 3 {
		t.Fatalf("Expected 3 lines, got %v", f.sink.Lines)
	}
	for i, prefix := range []string{"Valid Acc:", "Valid recall:", "Valid precision:"} {
		if !strings.HasPrefix(f.sink.Lines[i], prefix) || !strings.HasSuffix(f.sink.Lines[i], "%") {
			t.Errorf("Line %d: expected %q prefix, got %q", i, prefix, f.sink.Lines[i])
		}
	}
	cm := f.orch.deps.Metrics.(*ConfusionMatrix)
	if cm.TotalSamples != 4 {
		t.Errorf("Expected 4 evaluated samples, got %d", cm.TotalSamples)
	}
	if cm.Accuracy() != acc {
		t.Errorf("Confusion matrix accuracy %f disagrees with %f", cm.Accuracy(), acc)
	}
}

func TestIterationsPerEpoch(t *testing.T) {
	examples := func(n int) []data.Example {
		out := make([]data.Example, n)
		for i := range out {
			out[i] = data.Example{Tokens: []int{2 + i%5}, Label: i % 2}
		}
		return out
	}
	loader := func(n int) data.Source {
		l, err := data.NewLoader(examples(n), 2, false, true, 1)
		if err != nil {
			t.Fatal(err)
		}
		return l
	}

	tests := []struct {
		name     string
		src      data.Source
		expected int
	}{
		{"partial batch dropped", loader(5), 2},
		{"whole batches", loader(4), 2},
		{"fewer examples than a batch", loader(1), 1},
		{"source without a count", data.NewSliceSource(makeBatches(3, true, 0)), 3},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := iterations(test.src, 2); got != test.expected {
				t.Errorf("Expected %d iterations, got %d", test.expected, got)
			}
		})
	}
}
