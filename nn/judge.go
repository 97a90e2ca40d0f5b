package nn

import (
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// RNNJudge encodes a sequence, appends the one-hot label under evaluation and
// outputs the sigmoid probability that the label is human-provided.
type RNNJudge struct {
	cfg      ModelConfig
	encoder  *Encoder
	weight   *Param // [nhid+nclass, 1]
	bias     *Param // [1, 1]
	rng      *rand.Rand
	training bool
}

// NewRNNJudge builds a judge with freshly initialized weights
func NewRNNJudge(cfg ModelConfig) (*RNNJudge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid judge config: %w", err)
	}

	rng := rand.New(rand.NewSource(cfg.Seed + 1))
	enc, err := NewEncoder(cfg.Encoder, "encoder.", rng)
	if err != nil {
		return nil, err
	}

	j := &RNNJudge{
		cfg:      cfg,
		encoder:  enc,
		weight:   NewParam("judge.weight", cfg.Encoder.HiddenSize+cfg.NumClasses, 1),
		bias:     NewParam("judge.bias", 1, 1),
		rng:      rng,
		training: true,
	}
	j.weight.initUniform(rng, 0.1)
	return j, nil
}

func (j *RNNJudge) Parameters() []*Param {
	return append(j.encoder.Parameters(), j.weight, j.bias)
}

func (j *RNNJudge) InitHidden(batchSize int) *Hidden {
	return j.encoder.InitHidden(batchSize)
}

func (j *RNNJudge) SetTraining(training bool) {
	j.training = training
	j.encoder.SetTraining(training)
}

func (j *RNNJudge) Encoder() *Encoder {
	return j.encoder
}

func (j *RNNJudge) Spec() Spec {
	e := j.cfg.Encoder
	return Spec{
		Kind:       "judge",
		Cell:       e.Cell.String(),
		VocabSize:  e.VocabSize,
		EmbedSize:  e.EmbedSize,
		HiddenSize: e.HiddenSize,
		Layers:     e.Layers,
		NumClasses: j.cfg.NumClasses,
	}
}

// Forward returns a pass whose Out holds [batch, 1] probabilities.
// cond is the [batch, nclass] one-hot label matrix.
func (j *RNNJudge) Forward(tokens [][]int, hidden *Hidden, lengths []int, cond *mat.Dense) (*Pass, error) {
	if cond == nil {
		return nil, fmt.Errorf("judge requires a label matrix")
	}
	cr, cc := cond.Dims()
	if cr != len(tokens) || cc != j.cfg.NumClasses {
		return nil, fmt.Errorf("label matrix [%d %d] does not match batch %d x %d classes",
			cr, cc, len(tokens), j.cfg.NumClasses)
	}

	final, tr, err := j.encoder.forward(tokens, hidden, lengths)
	if err != nil {
		return nil, err
	}

	hid := j.cfg.Encoder.HiddenSize
	var mask *mat.Dense
	if j.training && j.cfg.DropoutCls > 0 {
		mask = dropoutMask(j.rng, cr, hid, j.cfg.DropoutCls)
		final.MulElem(final, mask)
	}

	feat := mat.NewDense(cr, hid+cc, nil)
	for b := 0; b < cr; b++ {
		row := feat.RawRowView(b)
		copy(row[:hid], final.RawRowView(b))
		copy(row[hid:], cond.RawRowView(b))
	}

	out := headForward(feat, j.weight, j.bias)
	out.Apply(func(_, _ int, v float64) float64 { return sigmoid(v) }, out)

	return &Pass{Out: out, owner: j, trace: tr, feat: feat, mask: mask}, nil
}

// Backward accumulates gradients for d(loss)/d(probabilities)
func (j *RNNJudge) Backward(pass *Pass, gradProbs *mat.Dense) error {
	if err := pass.check(j, gradProbs); err != nil {
		return err
	}

	dz := mat.NewDense(len(pass.trace.tokens), 1, nil)
	dz.Apply(func(i, _ int, _ float64) float64 {
		p := pass.Out.At(i, 0)
		return gradProbs.At(i, 0) * p * (1 - p)
	}, dz)

	dFeat := headBackward(pass.feat, j.weight, j.bias, dz)
	hid := j.cfg.Encoder.HiddenSize
	rows, _ := dFeat.Dims()
	dh := mat.DenseCopyOf(dFeat.Slice(0, rows, 0, hid))
	if pass.mask != nil {
		dh.MulElem(dh, pass.mask)
	}
	j.encoder.backward(pass.trace, dh)
	return nil
}
