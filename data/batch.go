package data

import (
	"errors"
	"fmt"
)

// ErrEmptySource is returned when a source yields no batch on a fresh pass
var ErrEmptySource = errors.New("data: source produced no batches")

// Batch holds a set of padded token-index sequences with their true lengths.
// Labels is nil for unlabeled batches.
type Batch struct {
	Tokens  [][]int // [batch][padded length]
	Lengths []int   // true length of each sequence
	Labels  []int   // class index per sequence (nil when unlabeled)
}

// Size returns the number of sequences in the batch
func (b *Batch) Size() int {
	return len(b.Tokens)
}

// HasLabels reports whether the batch carries class labels
func (b *Batch) HasLabels() bool {
	return b.Labels != nil
}

// Width returns the padded sequence length
func (b *Batch) Width() int {
	if len(b.Tokens) == 0 {
		return 0
	}
	return len(b.Tokens[0])
}

// Validate checks the structural invariants of a batch
func (b *Batch) Validate() error {
	if len(b.Tokens) == 0 {
		return fmt.Errorf("empty batch")
	}
	if len(b.Lengths) != len(b.Tokens) {
		return fmt.Errorf("lengths mismatch: %d lengths for %d sequences", len(b.Lengths), len(b.Tokens))
	}
	if b.Labels != nil && len(b.Labels) != len(b.Tokens) {
		return fmt.Errorf("labels mismatch: %d labels for %d sequences", len(b.Labels), len(b.Tokens))
	}

	width := len(b.Tokens[0])
	for i, seq := range b.Tokens {
		if len(seq) != width {
			return fmt.Errorf("sequence %d has width %d, expected padded width %d", i, len(seq), width)
		}
		if b.Lengths[i] < 1 || b.Lengths[i] > width {
			return fmt.Errorf("sequence %d has invalid length %d (width %d)", i, b.Lengths[i], width)
		}
	}
	return nil
}

// Source is a finite, re-iterable sequence of batches.
// Next returns (nil, nil) once the current pass is exhausted; Reset starts a new pass.
type Source interface {
	Reset()
	Next() (*Batch, error)
	Len() int // batches per pass
}

// SliceSource replays a fixed list of batches in order
type SliceSource struct {
	batches  []*Batch
	position int
}

// NewSliceSource creates a source over pre-built batches
func NewSliceSource(batches []*Batch) *SliceSource {
	return &SliceSource{batches: batches}
}

// Reset rewinds to the first batch
func (s *SliceSource) Reset() {
	s.position = 0
}

// Next returns the next batch or nil at the end of the pass
func (s *SliceSource) Next() (*Batch, error) {
	if s.position >= len(s.batches) {
		return nil, nil
	}
	b := s.batches[s.position]
	s.position++
	return b, nil
}

// Len returns the number of batches per pass
func (s *SliceSource) Len() int {
	return len(s.batches)
}
