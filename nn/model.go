package nn

import (
	"errors"
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrReleasedPass is returned when back-propagating through a pass whose
// activations were already released.
var ErrReleasedPass = errors.New("forward pass already released")

// Spec describes a model architecture so a checkpoint can be matched against it
type Spec struct {
	Kind       string `json:"kind"` // "classifier" or "judge"
	Cell       string `json:"cell"`
	VocabSize  int    `json:"vocab_size"`
	EmbedSize  int    `json:"embed_size"`
	HiddenSize int    `json:"hidden_size"`
	Layers     int    `json:"layers"`
	NumClasses int    `json:"num_classes"`
}

// Equal reports whether two specs describe the same architecture
func (s Spec) Equal(o Spec) bool {
	return s == o
}

func (s Spec) String() string {
	return fmt.Sprintf("%s(%s vocab=%d emsize=%d nhid=%d nlayers=%d nclass=%d)",
		s.Kind, s.Cell, s.VocabSize, s.EmbedSize, s.HiddenSize, s.Layers, s.NumClasses)
}

// ModelConfig configures both the classifier and the judge
type ModelConfig struct {
	Encoder    EncoderConfig
	NumClasses int
	DropoutCls float64 // dropout before the output head
	Seed       uint64
}

// Validate checks the model configuration
func (cfg ModelConfig) Validate() error {
	if err := cfg.Encoder.Validate(); err != nil {
		return err
	}
	if cfg.NumClasses < 2 {
		return fmt.Errorf("need at least 2 classes, got %d", cfg.NumClasses)
	}
	if cfg.DropoutCls < 0 || cfg.DropoutCls >= 1 {
		return fmt.Errorf("classifier dropout must be in [0, 1), got %f", cfg.DropoutCls)
	}
	return nil
}

// Pass holds the output of one forward call and the activations needed to
// back-propagate through it. Release drops the activations; use it for
// outputs that are consumed as constants.
type Pass struct {
	Out *mat.Dense

	owner Module
	trace *encoderTrace
	feat  *mat.Dense // input to the output head
	mask  *mat.Dense // head dropout mask over the encoder state
}

// Release detaches the pass from the computation
func (p *Pass) Release() {
	p.trace = nil
	p.feat = nil
	p.mask = nil
}

// Released reports whether Release was called
func (p *Pass) Released() bool {
	return p.trace == nil
}

func (p *Pass) check(owner Module, grad *mat.Dense) error {
	if p == nil || p.Released() {
		return ErrReleasedPass
	}
	if p.owner != owner {
		return fmt.Errorf("pass was produced by a different model")
	}
	gr, gc := grad.Dims()
	or, oc := p.Out.Dims()
	if gr != or || gc != oc {
		return fmt.Errorf("gradient shape [%d %d] does not match output [%d %d]", gr, gc, or, oc)
	}
	return nil
}

// Classifier maps token sequences to class logits
type Classifier interface {
	Module
	InitHidden(batchSize int) *Hidden
	Forward(tokens [][]int, hidden *Hidden, lengths []int) (*Pass, error)
	Backward(pass *Pass, gradLogits *mat.Dense) error
	SetTraining(training bool)
	NumClasses() int
	Spec() Spec
}

// Judge scores (sequence, label) pairs with the probability that the label
// is a real human label.
type Judge interface {
	Module
	InitHidden(batchSize int) *Hidden
	Forward(tokens [][]int, hidden *Hidden, lengths []int, cond *mat.Dense) (*Pass, error)
	Backward(pass *Pass, gradProbs *mat.Dense) error
	SetTraining(training bool)
	Spec() Spec
}

// headForward computes feat*W + b
func headForward(feat *mat.Dense, w, b *Param) *mat.Dense {
	rows, _ := feat.Dims()
	_, cols := w.Value.Dims()
	out := mat.NewDense(rows, cols, nil)
	out.Mul(feat, w.Value)
	bias := b.Value.RawRowView(0)
	for i := 0; i < rows; i++ {
		floats.Add(out.RawRowView(i), bias)
	}
	return out
}

// headBackward accumulates head gradients and returns d(loss)/d(feat)
func headBackward(feat *mat.Dense, w, b *Param, gradOut *mat.Dense) *mat.Dense {
	var dW mat.Dense
	dW.Mul(feat.T(), gradOut)
	w.Grad.Add(w.Grad, &dW)
	rows, _ := gradOut.Dims()
	db := b.Grad.RawRowView(0)
	for i := 0; i < rows; i++ {
		floats.Add(db, gradOut.RawRowView(i))
	}
	r, c := feat.Dims()
	dFeat := mat.NewDense(r, c, nil)
	dFeat.Mul(gradOut, w.Value.T())
	return dFeat
}

func dropoutMask(rng *rand.Rand, rows, cols int, p float64) *mat.Dense {
	mask := mat.NewDense(rows, cols, nil)
	keep := 1 / (1 - p)
	d := mask.RawMatrix().Data
	for i := range d {
		if rng.Float64() >= p {
			d[i] = keep
		}
	}
	return mask
}
