package nn

import (
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// RNNClassifier is a recurrent encoder followed by a linear layer over the
// final hidden state of each sequence.
type RNNClassifier struct {
	cfg      ModelConfig
	encoder  *Encoder
	weight   *Param // [nhid, nclass]
	bias     *Param // [1, nclass]
	rng      *rand.Rand
	training bool
}

// NewRNNClassifier builds a classifier with freshly initialized weights
func NewRNNClassifier(cfg ModelConfig) (*RNNClassifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid classifier config: %w", err)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	enc, err := NewEncoder(cfg.Encoder, "encoder.", rng)
	if err != nil {
		return nil, err
	}

	c := &RNNClassifier{
		cfg:      cfg,
		encoder:  enc,
		weight:   NewParam("classifier.weight", cfg.Encoder.HiddenSize, cfg.NumClasses),
		bias:     NewParam("classifier.bias", 1, cfg.NumClasses),
		rng:      rng,
		training: true,
	}
	c.weight.initUniform(rng, 0.1)
	return c, nil
}

func (c *RNNClassifier) Parameters() []*Param {
	return append(c.encoder.Parameters(), c.weight, c.bias)
}

func (c *RNNClassifier) InitHidden(batchSize int) *Hidden {
	return c.encoder.InitHidden(batchSize)
}

func (c *RNNClassifier) SetTraining(training bool) {
	c.training = training
	c.encoder.SetTraining(training)
}

func (c *RNNClassifier) NumClasses() int {
	return c.cfg.NumClasses
}

// Encoder exposes the underlying encoder, e.g. for loading pretrained vectors
func (c *RNNClassifier) Encoder() *Encoder {
	return c.encoder
}

func (c *RNNClassifier) Spec() Spec {
	e := c.cfg.Encoder
	return Spec{
		Kind:       "classifier",
		Cell:       e.Cell.String(),
		VocabSize:  e.VocabSize,
		EmbedSize:  e.EmbedSize,
		HiddenSize: e.HiddenSize,
		Layers:     e.Layers,
		NumClasses: c.cfg.NumClasses,
	}
}

// Forward returns a pass whose Out holds [batch, nclass] logits
func (c *RNNClassifier) Forward(tokens [][]int, hidden *Hidden, lengths []int) (*Pass, error) {
	final, tr, err := c.encoder.forward(tokens, hidden, lengths)
	if err != nil {
		return nil, err
	}

	var mask *mat.Dense
	if c.training && c.cfg.DropoutCls > 0 {
		rows, cols := final.Dims()
		mask = dropoutMask(c.rng, rows, cols, c.cfg.DropoutCls)
		final.MulElem(final, mask)
	}

	return &Pass{
		Out:   headForward(final, c.weight, c.bias),
		owner: c,
		trace: tr,
		feat:  final,
		mask:  mask,
	}, nil
}

// Backward accumulates gradients for d(loss)/d(logits)
func (c *RNNClassifier) Backward(pass *Pass, gradLogits *mat.Dense) error {
	if err := pass.check(c, gradLogits); err != nil {
		return err
	}
	dFeat := headBackward(pass.feat, c.weight, c.bias, gradLogits)
	if pass.mask != nil {
		dFeat.MulElem(dFeat, pass.mask)
	}
	c.encoder.backward(pass.trace, dFeat)
	return nil
}
