package training

import (
	"fmt"

	"github.com/tsawler/go-advtext/data"
	"github.com/tsawler/go-advtext/nn"
	"github.com/tsawler/go-advtext/optimizer"
	"gonum.org/v1/gonum/mat"
)

// LossSplit decides, for inner round `round` of `k`, whether the classifier is
// updated with the combined labeled+unlabeled loss (true) or the unlabeled
// loss alone (false).
type LossSplit func(round, k int) bool

// FirstHalfCombined uses the combined loss for rounds below k/2 (integer
// division) and the unlabeled-only loss for the rest.
func FirstHalfCombined(round, k int) bool {
	return round < k/2
}

// AlwaysCombined uses the combined loss in every round
func AlwaysCombined(round, k int) bool {
	return true
}

// Loss split policy names accepted in the configuration
const (
	SplitFirstHalfCombined = "first_half_combined"
	SplitAlwaysCombined    = "always_combined"
)

// ParseLossSplit maps a policy name to its LossSplit
func ParseLossSplit(name string) (LossSplit, error) {
	switch name {
	case SplitFirstHalfCombined:
		return FirstHalfCombined, nil
	case SplitAlwaysCombined:
		return AlwaysCombined, nil
	default:
		return nil, fmt.Errorf("unknown loss split policy %q (want %s or %s)", name, SplitFirstHalfCombined, SplitAlwaysCombined)
	}
}

// StepStats reports one classifier update
type StepStats struct {
	Loss     float64
	GradNorm float64 // global norm before clipping
}

// JudgeStats reports one judge update. UnlabeledProbs are the judge's
// "real" probabilities for the pseudo-labeled group, detached from the
// computation so they can be used as constant weights.
type JudgeStats struct {
	Loss           float64
	GradNorm       float64
	UnlabeledProbs []float64
}

// AdvStats reports one adversarial call. UnlabeledLoss and LabeledLoss are
// 0 when the classifier was not updated.
type AdvStats struct {
	JudgeLoss     float64
	UnlabeledLoss float64
	LabeledLoss   float64
	Rounds        int
	// Pre-clip gradient norms of every update taken during the call
	JudgeGradNorms      []float64
	ClassifierGradNorms []float64
}

// Updater performs the gradient steps of the classifier and the judge.
// Every forward pass it creates is released before the step returns.
type Updater struct {
	Classifier    nn.Classifier
	Judge         nn.Judge
	ClassifierOpt optimizer.Optimizer
	JudgeOpt      optimizer.Optimizer

	Clip            float64
	Split           LossSplit
	JudgeOnlyRounds int
	JointRounds     int
}

// NewUpdater creates an updater with the round counts and loss split of the
// reference training procedure.
func NewUpdater(classifier nn.Classifier, judge nn.Judge, clsOpt, judgeOpt optimizer.Optimizer, clip float64) *Updater {
	return &Updater{
		Classifier:      classifier,
		Judge:           judge,
		ClassifierOpt:   clsOpt,
		JudgeOpt:        judgeOpt,
		Clip:            clip,
		Split:           FirstHalfCombined,
		JudgeOnlyRounds: 1,
		JointRounds:     3,
	}
}

func (u *Updater) forwardClassifier(b *data.Batch) (*nn.Pass, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return u.Classifier.Forward(b.Tokens, u.Classifier.InitHidden(b.Size()), b.Lengths)
}

func (u *Updater) forwardJudge(b *data.Batch, labels []int) (*nn.Pass, error) {
	cond, err := nn.OneHot(labels, u.Classifier.NumClasses())
	if err != nil {
		return nil, err
	}
	return u.Judge.Forward(b.Tokens, u.Judge.InitHidden(b.Size()), b.Lengths, cond)
}

// applyClassifier clips the accumulated classifier gradients and steps its optimizer
func (u *Updater) applyClassifier() (float64, error) {
	norm := nn.ClipGradNorm(u.Classifier.Parameters(), u.Clip)
	if err := u.ClassifierOpt.Step(); err != nil {
		return norm, fmt.Errorf("classifier optimizer step failed: %w", err)
	}
	return norm, nil
}

// ClassifierStep is one supervised update on a labeled batch with mean cross-entropy
func (u *Updater) ClassifierStep(lab *data.Batch) (StepStats, error) {
	if !lab.HasLabels() {
		return StepStats{}, fmt.Errorf("classifier step needs a labeled batch")
	}
	u.Classifier.SetTraining(true)

	pass, err := u.forwardClassifier(lab)
	if err != nil {
		return StepStats{}, err
	}
	defer pass.Release()

	losses, err := nn.CrossEntropy(pass.Out, lab.Labels)
	if err != nil {
		return StepStats{}, err
	}
	grad, err := nn.CrossEntropyGrad(pass.Out, lab.Labels, uniform(len(losses), 1/float64(len(losses))))
	if err != nil {
		return StepStats{}, err
	}

	u.ClassifierOpt.ZeroGrad()
	if err := u.Classifier.Backward(pass, grad); err != nil {
		return StepStats{}, err
	}
	norm, err := u.applyClassifier()
	if err != nil {
		return StepStats{}, err
	}
	return StepStats{Loss: nn.Mean(losses), GradNorm: norm}, nil
}

// PseudoLabels returns the classifier's argmax predictions for a batch.
// The classifier is left in training mode, so dropout applies.
func (u *Updater) PseudoLabels(unl *data.Batch) ([]int, error) {
	u.Classifier.SetTraining(true)
	pass, err := u.forwardClassifier(unl)
	if err != nil {
		return nil, err
	}
	pass.Release()
	return nn.Argmax(pass.Out), nil
}

// JudgeStep trains the judge to score (labeled batch, true labels) as real and
// (unlabeled batch, pseudo-labels) as fake with one binary cross-entropy over
// both groups.
func (u *Updater) JudgeStep(lab, unl *data.Batch, pseudo []int) (JudgeStats, error) {
	if !lab.HasLabels() {
		return JudgeStats{}, fmt.Errorf("judge step needs a labeled batch")
	}
	if err := unl.Validate(); err != nil {
		return JudgeStats{}, err
	}
	if len(pseudo) != unl.Size() {
		return JudgeStats{}, fmt.Errorf("%d pseudo-labels for %d unlabeled sequences", len(pseudo), unl.Size())
	}
	u.Judge.SetTraining(true)

	labPass, err := u.forwardJudge(lab, lab.Labels)
	if err != nil {
		return JudgeStats{}, err
	}
	defer labPass.Release()
	unlPass, err := u.forwardJudge(unl, pseudo)
	if err != nil {
		return JudgeStats{}, err
	}
	defer unlPass.Release()

	nLab, nUnl := lab.Size(), unl.Size()
	probs := make([]float64, 0, nLab+nUnl)
	probs = append(probs, mat.Col(nil, 0, labPass.Out)...)
	probs = append(probs, mat.Col(nil, 0, unlPass.Out)...)
	targets := append(uniform(nLab, 1), uniform(nUnl, 0)...)

	loss, err := nn.BinaryCrossEntropy(probs, targets)
	if err != nil {
		return JudgeStats{}, err
	}
	grad, err := nn.BinaryCrossEntropyGrad(probs, targets)
	if err != nil {
		return JudgeStats{}, err
	}

	u.JudgeOpt.ZeroGrad()
	if err := u.Judge.Backward(labPass, mat.NewDense(nLab, 1, grad[:nLab])); err != nil {
		return JudgeStats{}, err
	}
	if err := u.Judge.Backward(unlPass, mat.NewDense(nUnl, 1, grad[nLab:])); err != nil {
		return JudgeStats{}, err
	}
	norm := nn.ClipGradNorm(u.Judge.Parameters(), u.Clip)
	if err := u.JudgeOpt.Step(); err != nil {
		return JudgeStats{}, fmt.Errorf("judge optimizer step failed: %w", err)
	}

	return JudgeStats{
		Loss:           loss,
		GradNorm:       norm,
		UnlabeledProbs: append([]float64(nil), probs[nLab:]...),
	}, nil
}

// AdversarialStep draws pseudo-labels for unl once and then runs k rounds.
// Each round updates the judge; unless judgeOnly, it then updates the
// classifier with the labeled cross-entropy plus the unlabeled cross-entropy
// against the pseudo-labels weighted by the judge's confidence, as chosen by
// the loss split.
func (u *Updater) AdversarialStep(lab, unl *data.Batch, judgeOnly bool) (AdvStats, error) {
	u.Classifier.SetTraining(true)
	u.Judge.SetTraining(true)

	pseudo, err := u.PseudoLabels(unl)
	if err != nil {
		return AdvStats{}, err
	}

	k := u.JointRounds
	if judgeOnly {
		k = u.JudgeOnlyRounds
	}
	split := u.Split
	if split == nil {
		split = FirstHalfCombined
	}

	var stats AdvStats
	for round := 0; round < k; round++ {
		js, err := u.JudgeStep(lab, unl, pseudo)
		if err != nil {
			return stats, fmt.Errorf("round %d: %w", round, err)
		}
		stats.JudgeLoss = js.Loss
		stats.JudgeGradNorms = append(stats.JudgeGradNorms, js.GradNorm)
		stats.UnlabeledLoss, stats.LabeledLoss = 0, 0
		stats.Rounds = round + 1

		if judgeOnly {
			continue
		}
		labLoss, unlLoss, norm, err := u.weightedClassifierStep(lab, unl, pseudo, js.UnlabeledProbs, split(round, k))
		if err != nil {
			return stats, fmt.Errorf("round %d: %w", round, err)
		}
		stats.LabeledLoss = labLoss
		stats.UnlabeledLoss = unlLoss
		stats.ClassifierGradNorms = append(stats.ClassifierGradNorms, norm)
	}
	return stats, nil
}

// weightedClassifierStep returns the labeled loss, the weighted unlabeled loss
// and the pre-clip gradient norm. The labeled loss is always computed for
// reporting but only back-propagated when combined is true.
func (u *Updater) weightedClassifierStep(lab, unl *data.Batch, pseudo []int, judgeProbs []float64, combined bool) (float64, float64, float64, error) {
	labPass, err := u.forwardClassifier(lab)
	if err != nil {
		return 0, 0, 0, err
	}
	defer labPass.Release()
	labLosses, err := nn.CrossEntropy(labPass.Out, lab.Labels)
	if err != nil {
		return 0, 0, 0, err
	}

	unlPass, err := u.forwardClassifier(unl)
	if err != nil {
		return 0, 0, 0, err
	}
	defer unlPass.Release()
	unlLosses, err := nn.CrossEntropy(unlPass.Out, pseudo)
	if err != nil {
		return 0, 0, 0, err
	}

	nUnl := float64(len(unlLosses))
	weights := make([]float64, len(judgeProbs))
	var unlLoss float64
	for i, p := range judgeProbs {
		unlLoss += unlLosses[i] * p
		weights[i] = p / nUnl
	}
	unlLoss /= nUnl

	u.ClassifierOpt.ZeroGrad()
	unlGrad, err := nn.CrossEntropyGrad(unlPass.Out, pseudo, weights)
	if err != nil {
		return 0, 0, 0, err
	}
	if err := u.Classifier.Backward(unlPass, unlGrad); err != nil {
		return 0, 0, 0, err
	}
	if combined {
		labGrad, err := nn.CrossEntropyGrad(labPass.Out, lab.Labels, uniform(len(labLosses), 1/float64(len(labLosses))))
		if err != nil {
			return 0, 0, 0, err
		}
		if err := u.Classifier.Backward(labPass, labGrad); err != nil {
			return 0, 0, 0, err
		}
	}
	norm, err := u.applyClassifier()
	if err != nil {
		return 0, 0, 0, err
	}
	return nn.Mean(labLosses), unlLoss, norm, nil
}

func uniform(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}
