package training

import (
	"path/filepath"
	"testing"

	"github.com/tsawler/go-advtext/checkpoints"
	"github.com/tsawler/go-advtext/data"
	"github.com/tsawler/go-advtext/results"
)

const testVocab = 12

// testConfig returns a configuration small enough to train in milliseconds
func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.EmbedSize = 4
	cfg.HiddenSize = 5
	cfg.NumClasses = 2
	cfg.DropoutEmb = 0
	cfg.BatchSize = 2
	cfg.LogInterval = 1
	cfg.Epochs = 6
	cfg.JudgeEpoch = 3
	cfg.AdversarialEpoch = 5
	cfg.LearningRate = 0.01
	cfg.SaveDir = filepath.Join(dir, "save")
	cfg.ResumeDir = filepath.Join(dir, "save", "resume_checkpoint")
	cfg.PretrainDir = filepath.Join(dir, "pre_train")
	cfg.ResultsFile = filepath.Join(dir, "save", "result", "result.csv")
	return cfg
}

// makeBatches builds n batches of two sequences whose label is decided by
// the first token's parity.
func makeBatches(n int, labeled bool, offset int) []*data.Batch {
	batches := make([]*data.Batch, n)
	for i := range batches {
		a := 2 + (i+offset)%(testVocab-2)
		b := 2 + (i+offset+3)%(testVocab-2)
		batch := &data.Batch{
			Tokens:  [][]int{{a, b, a, 0}, {b, a, b, a}},
			Lengths: []int{3, 4},
		}
		if labeled {
			batch.Labels = []int{a % 2, b % 2}
		}
		batches[i] = batch
	}
	return batches
}

type fixture struct {
	cfg    Config
	models *Models
	mgr    *checkpoints.Manager
	store  results.Store
	sink   *MemorySink
	orch   *Orchestrator
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	models, err := BuildModels(cfg, testVocab, nil)
	if err != nil {
		t.Fatalf("BuildModels failed: %v", err)
	}
	store, err := results.Open(cfg.ResultsFile)
	if err != nil {
		t.Fatalf("results.Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		cfg:    cfg,
		models: models,
		mgr:    checkpoints.NewManager(cfg.SaveDir, cfg.ResumeDir, cfg.PretrainDir),
		store:  store,
		sink:   &MemorySink{},
	}

	deps := models.Deps()
	deps.Labeled = data.NewSliceSource(makeBatches(3, true, 0))
	deps.Unlabeled = data.NewSliceSource(makeBatches(2, false, 5))
	deps.Valid = data.NewSliceSource(makeBatches(2, true, 1))
	deps.Test = data.NewSliceSource(makeBatches(2, true, 2))
	deps.Checkpoints = f.mgr
	deps.Results = store
	deps.Sink = f.sink
	deps.Metrics = NewConfusionMatrix(cfg.NumClasses)

	f.orch, err = New(cfg, deps)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return f
}

// scripted replaces validation with fixed accuracies per epoch
func (f *fixture) scripted(accs map[int]float64) {
	f.orch.validate = func(epoch int) (float64, error) {
		return accs[epoch], nil
	}
}

func (f *fixture) countLines(prefix string) int {
	n := 0
	for _, line := range f.sink.Lines {
		if len(line) >= len(prefix) && line[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func weightsEqual(a, b []checkpoints.WeightTensor) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || len(a[i].Data) != len(b[i].Data) {
			return false
		}
		for j := range a[i].Data {
			if a[i].Data[j] != b[i].Data[j] {
				return false
			}
		}
	}
	return true
}
