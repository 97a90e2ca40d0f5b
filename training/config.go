package training

import (
	"fmt"
	"path/filepath"

	"github.com/tsawler/go-advtext/nn"
)

// Config holds every option recognised by the trainer
type Config struct {
	// Model architecture
	Model      string // RNN_TANH, RNN_RELU or LSTM
	EmbedSize  int
	HiddenSize int
	Layers     int
	NumClasses int
	DropoutEmb float64
	DropoutRNN float64
	DropoutCls float64
	Tied       bool // accepted for compatibility, the heads never share weights with the embedding

	// Optimisation
	LearningRate       float64
	ReduceRate         float64 // StepLR gamma for both schedules
	Clip               float64
	WeightDecay        float64
	ClassifierStepSize int
	JudgeStepSize      int

	// Run shape
	Epochs         int
	BatchSize      int
	Seed           uint64
	LogInterval    int
	NumberPerClass int

	// Orchestration
	Patience         int
	JudgeEpoch       int
	AdversarialEpoch int
	Epsilon          float64
	JudgeOnlyRounds  int
	JointRounds      int
	LossSplit        string // first_half_combined or always_combined

	// Paths
	DataDir     string
	SaveDir     string
	ResumeDir   string
	PretrainDir string
	Embedding   string
	OutputFile  string
	ResultsFile string
	ONNXExport  string
}

// DefaultConfig returns the defaults of the reference training run
func DefaultConfig() Config {
	return Config{
		Model:      "LSTM",
		EmbedSize:  256,
		HiddenSize: 512,
		Layers:     1,
		NumClasses: 4,
		DropoutEmb: 0.5,

		LearningRate:       0.001,
		ReduceRate:         0.95,
		Clip:               5.0,
		WeightDecay:        0.0005,
		ClassifierStepSize: 10,
		JudgeStepSize:      5,

		Epochs:         400,
		BatchSize:      4,
		Seed:           1111,
		LogInterval:    10,
		NumberPerClass: 1000,

		Patience:         3,
		JudgeEpoch:       30,
		AdversarialEpoch: 50,
		Epsilon:          0.001,
		JudgeOnlyRounds:  1,
		JointRounds:      3,
		LossSplit:        SplitFirstHalfCombined,

		DataDir:     "data/ag_news_csv",
		SaveDir:     "save",
		ResumeDir:   filepath.Join("save", "resume_checkpoint"),
		PretrainDir: "pre_train",
		OutputFile:  "output.txt",
		ResultsFile: filepath.Join("save", "result", "result.csv"),
	}
}

// Validate checks the configuration for consistency
func (c Config) Validate() error {
	if _, err := nn.ParseCellType(c.Model); err != nil {
		return err
	}
	if c.EmbedSize <= 0 || c.HiddenSize <= 0 || c.Layers <= 0 {
		return fmt.Errorf("emsize, nhid and nlayers must be positive (got %d, %d, %d)", c.EmbedSize, c.HiddenSize, c.Layers)
	}
	if c.NumClasses < 2 {
		return fmt.Errorf("nclass must be at least 2, got %d", c.NumClasses)
	}
	for name, p := range map[string]float64{"dropout_em": c.DropoutEmb, "dropout_rnn": c.DropoutRNN, "dropout_cl": c.DropoutCls} {
		if p < 0 || p >= 1 {
			return fmt.Errorf("%s must be in [0, 1), got %f", name, p)
		}
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be positive, got %f", c.LearningRate)
	}
	if c.ReduceRate <= 0 || c.ReduceRate > 1 {
		return fmt.Errorf("reduce_rate must be in (0, 1], got %f", c.ReduceRate)
	}
	if c.Clip < 0 || c.WeightDecay < 0 {
		return fmt.Errorf("clip and weight decay must not be negative")
	}
	if c.ClassifierStepSize <= 0 || c.JudgeStepSize <= 0 {
		return fmt.Errorf("schedule step sizes must be positive")
	}
	if c.Epochs <= 0 || c.BatchSize <= 0 {
		return fmt.Errorf("epochs and batch_size must be positive (got %d, %d)", c.Epochs, c.BatchSize)
	}
	if c.LogInterval <= 0 {
		return fmt.Errorf("log_interval must be positive, got %d", c.LogInterval)
	}
	if c.NumberPerClass <= 0 {
		return fmt.Errorf("number_per_class must be positive, got %d", c.NumberPerClass)
	}
	if c.Patience <= 0 {
		return fmt.Errorf("patience must be positive, got %d", c.Patience)
	}
	if c.JudgeEpoch <= 0 || c.AdversarialEpoch <= c.JudgeEpoch {
		return fmt.Errorf("phase thresholds must satisfy 0 < judge_epoch < adversarial_epoch (got %d, %d)", c.JudgeEpoch, c.AdversarialEpoch)
	}
	if c.Epsilon < 0 {
		return fmt.Errorf("epsilon must not be negative, got %f", c.Epsilon)
	}
	if c.JudgeOnlyRounds <= 0 || c.JointRounds <= 0 {
		return fmt.Errorf("adversarial rounds must be positive")
	}
	if _, err := ParseLossSplit(c.LossSplit); err != nil {
		return err
	}
	if c.SaveDir == "" || c.ResumeDir == "" {
		return fmt.Errorf("save and resume directories are required")
	}
	return nil
}

// ModelConfig derives the shared network configuration
func (c Config) ModelConfig(vocabSize int) nn.ModelConfig {
	cell, _ := nn.ParseCellType(c.Model)
	return nn.ModelConfig{
		Encoder: nn.EncoderConfig{
			Cell:       cell,
			VocabSize:  vocabSize,
			EmbedSize:  c.EmbedSize,
			HiddenSize: c.HiddenSize,
			Layers:     c.Layers,
			DropoutEmb: c.DropoutEmb,
			DropoutRNN: c.DropoutRNN,
		},
		NumClasses: c.NumClasses,
		DropoutCls: c.DropoutCls,
		Seed:       c.Seed,
	}
}

// PhasePlan returns the epoch thresholds of the phase schedule
func (c Config) PhasePlan() PhasePlan {
	return PhasePlan{JudgeEpoch: c.JudgeEpoch, AdversarialEpoch: c.AdversarialEpoch}
}
