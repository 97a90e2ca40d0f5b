package nn

import (
	"fmt"
	"math"
	"strings"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// CellType selects the recurrent cell used by an Encoder
type CellType int

const (
	RNNTanh CellType = iota
	RNNReLU
	LSTM
)

func (c CellType) String() string {
	switch c {
	case RNNTanh:
		return "RNN_TANH"
	case RNNReLU:
		return "RNN_RELU"
	case LSTM:
		return "LSTM"
	default:
		return fmt.Sprintf("Unknown(%d)", int(c))
	}
}

// ParseCellType converts a model name such as "LSTM" or "RNN_TANH" to a CellType
func ParseCellType(name string) (CellType, error) {
	switch strings.ToUpper(name) {
	case "RNN_TANH", "RNN":
		return RNNTanh, nil
	case "RNN_RELU":
		return RNNReLU, nil
	case "LSTM":
		return LSTM, nil
	default:
		return 0, fmt.Errorf("unsupported recurrent cell %q (expected RNN_TANH, RNN_RELU or LSTM)", name)
	}
}

// gates returns how many hidden-sized blocks one step's pre-activation holds.
// LSTM blocks are ordered input, forget, cell candidate, output.
func (c CellType) gates() int {
	if c == LSTM {
		return 4
	}
	return 1
}

// EncoderConfig describes the embedding and recurrent stack
type EncoderConfig struct {
	Cell       CellType
	VocabSize  int
	EmbedSize  int
	HiddenSize int
	Layers     int
	DropoutEmb float64 // dropout on embeddings
	DropoutRNN float64 // dropout between recurrent layers
}

// Validate checks the encoder dimensions
func (cfg EncoderConfig) Validate() error {
	if cfg.VocabSize <= 0 || cfg.EmbedSize <= 0 || cfg.HiddenSize <= 0 || cfg.Layers <= 0 {
		return fmt.Errorf("encoder sizes must be positive: vocab=%d emsize=%d nhid=%d nlayers=%d",
			cfg.VocabSize, cfg.EmbedSize, cfg.HiddenSize, cfg.Layers)
	}
	if cfg.DropoutEmb < 0 || cfg.DropoutEmb >= 1 || cfg.DropoutRNN < 0 || cfg.DropoutRNN >= 1 {
		return fmt.Errorf("dropout rates must be in [0, 1)")
	}
	if cfg.Cell != RNNTanh && cfg.Cell != RNNReLU && cfg.Cell != LSTM {
		return fmt.Errorf("unsupported cell type %s", cfg.Cell)
	}
	return nil
}

// Hidden is the per-call recurrent state, one matrix per layer sized to the batch.
// C is only populated for LSTM encoders.
type Hidden struct {
	H []*mat.Dense
	C []*mat.Dense
}

// BatchSize returns the number of rows the state was created for
func (h *Hidden) BatchSize() int {
	if h == nil || len(h.H) == 0 {
		return 0
	}
	r, _ := h.H[0].Dims()
	return r
}

// Encoder embeds token sequences and runs them through stacked recurrent layers.
// The output for each sequence is the top-layer state at its true length.
type Encoder struct {
	cfg       EncoderConfig
	Embedding *Param
	Weights   []*Param // per layer: [in+hidden, gates*hidden]
	Biases    []*Param // per layer: [1, gates*hidden]
	rng       *rand.Rand
	training  bool
}

// NewEncoder creates an encoder whose parameter names start with prefix
func NewEncoder(cfg EncoderConfig, prefix string, rng *rand.Rand) (*Encoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Encoder{
		cfg:       cfg,
		Embedding: NewParam(prefix+"embedding.weight", cfg.VocabSize, cfg.EmbedSize),
		rng:       rng,
		training:  true,
	}
	e.Embedding.initUniform(rng, 0.1)

	bound := 1 / math.Sqrt(float64(cfg.HiddenSize))
	cols := cfg.Cell.gates() * cfg.HiddenSize
	for l := 0; l < cfg.Layers; l++ {
		w := NewParam(fmt.Sprintf("%srnn.%d.weight", prefix, l), e.inputSize(l)+cfg.HiddenSize, cols)
		b := NewParam(fmt.Sprintf("%srnn.%d.bias", prefix, l), 1, cols)
		w.initUniform(rng, bound)
		b.initUniform(rng, bound)
		e.Weights = append(e.Weights, w)
		e.Biases = append(e.Biases, b)
	}
	return e, nil
}

func (e *Encoder) inputSize(layer int) int {
	if layer == 0 {
		return e.cfg.EmbedSize
	}
	return e.cfg.HiddenSize
}

// Config returns the encoder configuration
func (e *Encoder) Config() EncoderConfig {
	return e.cfg
}

// Parameters returns embedding then per-layer weight and bias
func (e *Encoder) Parameters() []*Param {
	params := []*Param{e.Embedding}
	for l := range e.Weights {
		params = append(params, e.Weights[l], e.Biases[l])
	}
	return params
}

// SetTraining toggles dropout
func (e *Encoder) SetTraining(training bool) {
	e.training = training
}

// LoadEmbedding replaces the embedding table with pretrained vectors
func (e *Encoder) LoadEmbedding(vectors *mat.Dense) error {
	r, c := vectors.Dims()
	return e.Embedding.SetData([]int{r, c}, vectors.RawMatrix().Data)
}

// InitHidden returns a zero state for a batch of the given size
func (e *Encoder) InitHidden(batchSize int) *Hidden {
	h := &Hidden{}
	if batchSize <= 0 {
		return h
	}
	for l := 0; l < e.cfg.Layers; l++ {
		h.H = append(h.H, mat.NewDense(batchSize, e.cfg.HiddenSize, nil))
		if e.cfg.Cell == LSTM {
			h.C = append(h.C, mat.NewDense(batchSize, e.cfg.HiddenSize, nil))
		}
	}
	return h
}

// encoderTrace keeps the activations of one forward call for back-propagation
type encoderTrace struct {
	tokens  [][]int
	lengths []int
	steps   int
	xh      [][]*mat.Dense // [layer][t] concatenated input and previous state
	masks   [][]*mat.Dense // [layer][t] dropout mask on the layer input, nil when unused
	h       [][]*mat.Dense // [layer][t+1] states, index 0 is the initial state
	c       [][]*mat.Dense // [layer][t+1] LSTM cell states
	gates   [][]*mat.Dense // [layer][t] activated LSTM gates
}

func (e *Encoder) validateInput(tokens [][]int, hidden *Hidden, lengths []int) (int, error) {
	batch := len(tokens)
	if batch == 0 {
		return 0, fmt.Errorf("empty batch")
	}
	if len(lengths) != batch {
		return 0, fmt.Errorf("lengths mismatch: %d lengths for %d sequences", len(lengths), batch)
	}
	if hidden == nil || hidden.BatchSize() != batch || len(hidden.H) != e.cfg.Layers {
		return 0, fmt.Errorf("hidden state does not match batch of %d", batch)
	}
	if e.cfg.Cell == LSTM && len(hidden.C) != e.cfg.Layers {
		return 0, fmt.Errorf("LSTM hidden state is missing cell states")
	}
	steps := len(tokens[0])
	for b, seq := range tokens {
		if len(seq) != steps {
			return 0, fmt.Errorf("sequence %d has width %d, expected %d", b, len(seq), steps)
		}
		if lengths[b] < 1 || lengths[b] > steps {
			return 0, fmt.Errorf("sequence %d has invalid length %d", b, lengths[b])
		}
		for _, tok := range seq {
			if tok < 0 || tok >= e.cfg.VocabSize {
				return 0, fmt.Errorf("token %d outside vocabulary of %d", tok, e.cfg.VocabSize)
			}
		}
	}
	return steps, nil
}

func (e *Encoder) forward(tokens [][]int, hidden *Hidden, lengths []int) (*mat.Dense, *encoderTrace, error) {
	steps, err := e.validateInput(tokens, hidden, lengths)
	if err != nil {
		return nil, nil, err
	}

	batch := len(tokens)
	hid := e.cfg.HiddenSize
	layers := e.cfg.Layers
	tr := &encoderTrace{
		tokens:  tokens,
		lengths: lengths,
		steps:   steps,
		xh:      make([][]*mat.Dense, layers),
		masks:   make([][]*mat.Dense, layers),
		h:       make([][]*mat.Dense, layers),
		c:       make([][]*mat.Dense, layers),
		gates:   make([][]*mat.Dense, layers),
	}

	inputs := make([]*mat.Dense, steps)
	for t := 0; t < steps; t++ {
		x := mat.NewDense(batch, e.cfg.EmbedSize, nil)
		for b := 0; b < batch; b++ {
			copy(x.RawRowView(b), e.Embedding.Value.RawRowView(tokens[b][t]))
		}
		inputs[t] = x
	}

	for l := 0; l < layers; l++ {
		in := e.inputSize(l)
		rate := e.cfg.DropoutRNN
		if l == 0 {
			rate = e.cfg.DropoutEmb
		}
		w := e.Weights[l].Value
		bias := e.Biases[l].Value.RawRowView(0)

		tr.xh[l] = make([]*mat.Dense, steps)
		tr.masks[l] = make([]*mat.Dense, steps)
		tr.h[l] = make([]*mat.Dense, steps+1)
		tr.h[l][0] = mat.DenseCopyOf(hidden.H[l])
		if e.cfg.Cell == LSTM {
			tr.c[l] = make([]*mat.Dense, steps+1)
			tr.c[l][0] = mat.DenseCopyOf(hidden.C[l])
			tr.gates[l] = make([]*mat.Dense, steps)
		}

		outputs := make([]*mat.Dense, steps)
		for t := 0; t < steps; t++ {
			x := inputs[t]
			if e.training && rate > 0 {
				mask := dropoutMask(e.rng, batch, in, rate)
				dropped := mat.NewDense(batch, in, nil)
				dropped.MulElem(x, mask)
				x = dropped
				tr.masks[l][t] = mask
			}

			prev := tr.h[l][t]
			xh := mat.NewDense(batch, in+hid, nil)
			for b := 0; b < batch; b++ {
				row := xh.RawRowView(b)
				copy(row[:in], x.RawRowView(b))
				copy(row[in:], prev.RawRowView(b))
			}
			tr.xh[l][t] = xh

			z := mat.NewDense(batch, e.cfg.Cell.gates()*hid, nil)
			z.Mul(xh, w)
			for b := 0; b < batch; b++ {
				floats.Add(z.RawRowView(b), bias)
			}

			next := mat.NewDense(batch, hid, nil)
			switch e.cfg.Cell {
			case RNNTanh:
				next.Apply(func(i, j int, v float64) float64 { return math.Tanh(z.At(i, j)) }, next)
			case RNNReLU:
				next.Apply(func(i, j int, v float64) float64 { return math.Max(0, z.At(i, j)) }, next)
			case LSTM:
				cPrev := tr.c[l][t]
				cNext := mat.NewDense(batch, hid, nil)
				for b := 0; b < batch; b++ {
					g := z.RawRowView(b)
					for j := 0; j < hid; j++ {
						ig := sigmoid(g[j])
						fg := sigmoid(g[hid+j])
						cg := math.Tanh(g[2*hid+j])
						og := sigmoid(g[3*hid+j])
						g[j], g[hid+j], g[2*hid+j], g[3*hid+j] = ig, fg, cg, og
						cv := fg*cPrev.At(b, j) + ig*cg
						cNext.Set(b, j, cv)
						next.Set(b, j, og*math.Tanh(cv))
					}
				}
				tr.c[l][t+1] = cNext
				tr.gates[l][t] = z
			}
			tr.h[l][t+1] = next
			outputs[t] = next
		}
		inputs = outputs
	}

	final := mat.NewDense(batch, hid, nil)
	top := tr.h[layers-1]
	for b := 0; b < batch; b++ {
		copy(final.RawRowView(b), top[lengths[b]].RawRowView(b))
	}
	return final, tr, nil
}

// backward accumulates parameter gradients given d(loss)/d(final state).
// Gradients are not propagated into the initial hidden state.
func (e *Encoder) backward(tr *encoderTrace, gradFinal *mat.Dense) {
	batch := len(tr.tokens)
	hid := e.cfg.HiddenSize
	steps := tr.steps

	dOut := make([]*mat.Dense, steps)
	for t := range dOut {
		dOut[t] = mat.NewDense(batch, hid, nil)
	}
	for b := 0; b < batch; b++ {
		copy(dOut[tr.lengths[b]-1].RawRowView(b), gradFinal.RawRowView(b))
	}

	for l := e.cfg.Layers - 1; l >= 0; l-- {
		in := e.inputSize(l)
		w := e.Weights[l].Value
		dW := e.Weights[l].Grad
		dBias := e.Biases[l].Grad.RawRowView(0)
		cols := e.cfg.Cell.gates() * hid

		dhNext := mat.NewDense(batch, hid, nil)
		var dcNext *mat.Dense
		if e.cfg.Cell == LSTM {
			dcNext = mat.NewDense(batch, hid, nil)
		}
		dIn := make([]*mat.Dense, steps)
		stepGrad := mat.NewDense(in+hid, cols, nil)

		for t := steps - 1; t >= 0; t-- {
			dh := mat.NewDense(batch, hid, nil)
			dh.Add(dOut[t], dhNext)

			dz := mat.NewDense(batch, cols, nil)
			switch e.cfg.Cell {
			case RNNTanh:
				out := tr.h[l][t+1]
				dz.Apply(func(i, j int, v float64) float64 {
					h := out.At(i, j)
					return dh.At(i, j) * (1 - h*h)
				}, dz)
			case RNNReLU:
				out := tr.h[l][t+1]
				dz.Apply(func(i, j int, v float64) float64 {
					if out.At(i, j) > 0 {
						return dh.At(i, j)
					}
					return 0
				}, dz)
			case LSTM:
				gates := tr.gates[l][t]
				cPrev := tr.c[l][t]
				cNext := tr.c[l][t+1]
				dcPrev := mat.NewDense(batch, hid, nil)
				for b := 0; b < batch; b++ {
					g := gates.RawRowView(b)
					d := dz.RawRowView(b)
					for j := 0; j < hid; j++ {
						ig, fg, cg, og := g[j], g[hid+j], g[2*hid+j], g[3*hid+j]
						tc := math.Tanh(cNext.At(b, j))
						dhv := dh.At(b, j)
						dc := dcNext.At(b, j) + dhv*og*(1-tc*tc)
						d[j] = dc * cg * ig * (1 - ig)
						d[hid+j] = dc * cPrev.At(b, j) * fg * (1 - fg)
						d[2*hid+j] = dc * ig * (1 - cg*cg)
						d[3*hid+j] = dhv * tc * og * (1 - og)
						dcPrev.Set(b, j, dc*fg)
					}
				}
				dcNext = dcPrev
			}

			stepGrad.Mul(tr.xh[l][t].T(), dz)
			dW.Add(dW, stepGrad)
			for b := 0; b < batch; b++ {
				floats.Add(dBias, dz.RawRowView(b))
			}

			dxh := mat.NewDense(batch, in+hid, nil)
			dxh.Mul(dz, w.T())
			dx := mat.DenseCopyOf(dxh.Slice(0, batch, 0, in))
			dhNext = mat.DenseCopyOf(dxh.Slice(0, batch, in, in+hid))
			if mask := tr.masks[l][t]; mask != nil {
				dx.MulElem(dx, mask)
			}
			dIn[t] = dx
		}
		dOut = dIn
	}

	for t := 0; t < steps; t++ {
		for b := 0; b < batch; b++ {
			floats.Add(e.Embedding.Grad.RawRowView(tr.tokens[b][t]), dOut[t].RawRowView(b))
		}
	}
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
