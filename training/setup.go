package training

import (
	"fmt"

	"github.com/tsawler/go-advtext/nn"
	"github.com/tsawler/go-advtext/optimizer"
	"gonum.org/v1/gonum/mat"
)

// Models bundles the two networks with their optimizers and schedules
type Models struct {
	Classifier    *nn.RNNClassifier
	Judge         *nn.RNNJudge
	ClassifierOpt *optimizer.AdamOptimizerState
	JudgeOpt      *optimizer.AdamOptimizerState
	ClassifierLR  *optimizer.StepLR
	JudgeLR       *optimizer.StepLR
}

// BuildModels creates the classifier and judge with Adam optimizers and StepLR
// schedules from cfg. When embedding is non-nil it initialises the embedding
// table of both models.
func BuildModels(cfg Config, vocabSize int, embedding *mat.Dense) (*Models, error) {
	mc := cfg.ModelConfig(vocabSize)
	classifier, err := nn.NewRNNClassifier(mc)
	if err != nil {
		return nil, err
	}
	judge, err := nn.NewRNNJudge(mc)
	if err != nil {
		return nil, err
	}
	if embedding != nil {
		if err := classifier.Encoder().LoadEmbedding(embedding); err != nil {
			return nil, fmt.Errorf("classifier embedding: %w", err)
		}
		if err := judge.Encoder().LoadEmbedding(embedding); err != nil {
			return nil, fmt.Errorf("judge embedding: %w", err)
		}
	}

	adamCfg := optimizer.DefaultAdamConfig()
	adamCfg.LearningRate = cfg.LearningRate
	adamCfg.WeightDecay = cfg.WeightDecay

	clsOpt, err := optimizer.NewAdamOptimizer(adamCfg, classifier.Parameters())
	if err != nil {
		return nil, fmt.Errorf("classifier optimizer: %w", err)
	}
	judgeOpt, err := optimizer.NewAdamOptimizer(adamCfg, judge.Parameters())
	if err != nil {
		return nil, fmt.Errorf("judge optimizer: %w", err)
	}

	return &Models{
		Classifier:    classifier,
		Judge:         judge,
		ClassifierOpt: clsOpt,
		JudgeOpt:      judgeOpt,
		ClassifierLR:  optimizer.NewStepLR(clsOpt, cfg.ClassifierStepSize, cfg.ReduceRate),
		JudgeLR:       optimizer.NewStepLR(judgeOpt, cfg.JudgeStepSize, cfg.ReduceRate),
	}, nil
}

// Deps fills the model half of a Deps
func (m *Models) Deps() Deps {
	return Deps{
		Classifier:    m.Classifier,
		Judge:         m.Judge,
		ClassifierOpt: m.ClassifierOpt,
		JudgeOpt:      m.JudgeOpt,
		ClassifierLR:  m.ClassifierLR,
		JudgeLR:       m.JudgeLR,
	}
}
