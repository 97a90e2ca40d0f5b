package data

import (
	"fmt"

	"golang.org/x/exp/rand"
)

// PadIndex is the vocabulary index used to pad sequences within a batch
const PadIndex = 0

// Example is a single tokenized document
type Example struct {
	Tokens []int
	Label  int
}

// Loader provides batching and per-pass shuffling over a slice of examples
type Loader struct {
	examples  []Example
	batchSize int
	shuffle   bool
	labeled   bool
	rng       *rand.Rand
	indices   []int
	position  int
}

// NewLoader creates a Loader. When labeled is false the produced batches carry no labels.
func NewLoader(examples []Example, batchSize int, shuffle, labeled bool, seed uint64) (*Loader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	for i, ex := range examples {
		if len(ex.Tokens) == 0 {
			return nil, fmt.Errorf("example %d has no tokens", i)
		}
	}

	indices := make([]int, len(examples))
	for i := range indices {
		indices[i] = i
	}

	return &Loader{
		examples:  examples,
		batchSize: batchSize,
		shuffle:   shuffle,
		labeled:   labeled,
		rng:       rand.New(rand.NewSource(seed)),
		indices:   indices,
	}, nil
}

// Len returns the number of batches in a pass
func (l *Loader) Len() int {
	return (len(l.examples) + l.batchSize - 1) / l.batchSize
}

// NumExamples returns the number of examples behind the loader
func (l *Loader) NumExamples() int {
	return len(l.examples)
}

// Reset starts a new pass, reshuffling if enabled
func (l *Loader) Reset() {
	l.position = 0
	if l.shuffle {
		l.rng.Shuffle(len(l.indices), func(i, j int) {
			l.indices[i], l.indices[j] = l.indices[j], l.indices[i]
		})
	}
}

// Next returns the next batch or nil if the pass is complete
func (l *Loader) Next() (*Batch, error) {
	if l.position >= len(l.indices) {
		return nil, nil
	}

	end := l.position + l.batchSize
	if end > len(l.indices) {
		end = len(l.indices)
	}
	batchIndices := l.indices[l.position:end]
	l.position = end

	return l.buildBatch(batchIndices), nil
}

// buildBatch pads the selected examples to the longest one in the batch
func (l *Loader) buildBatch(indices []int) *Batch {
	width := 0
	for _, idx := range indices {
		if n := len(l.examples[idx].Tokens); n > width {
			width = n
		}
	}

	b := &Batch{
		Tokens:  make([][]int, len(indices)),
		Lengths: make([]int, len(indices)),
	}
	if l.labeled {
		b.Labels = make([]int, len(indices))
	}

	for i, idx := range indices {
		ex := l.examples[idx]
		seq := make([]int, width)
		copy(seq, ex.Tokens)
		for j := len(ex.Tokens); j < width; j++ {
			seq[j] = PadIndex
		}
		b.Tokens[i] = seq
		b.Lengths[i] = len(ex.Tokens)
		if l.labeled {
			b.Labels[i] = ex.Label
		}
	}
	return b
}
