package data

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// LoadVectors reads word vectors in the GloVe/word2vec text layout
// ("word v1 v2 ... vd" per line) and aligns them with vocab.
// Words missing from the file get small random vectors; the pad row is zero.
// It returns the vocab-sized matrix and the number of words found in the file.
func LoadVectors(path string, vocab *Vocabulary, dim int, seed uint64) (*mat.Dense, int, error) {
	if dim <= 0 {
		return nil, 0, fmt.Errorf("embedding dimension must be positive, got %d", dim)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open embedding file: %w", err)
	}
	defer f.Close()

	rng := rand.New(rand.NewSource(seed))
	vectors := mat.NewDense(vocab.Len(), dim, nil)
	for i := 1; i < vocab.Len(); i++ {
		for j := 0; j < dim; j++ {
			vectors.Set(i, j, rng.Float64()*0.2-0.1)
		}
	}

	found := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 2 && line == 1 {
			continue // word2vec header: "<count> <dim>"
		}
		if len(fields) != dim+1 {
			continue
		}
		idx, ok := vocab.Lookup(fields[0])
		if !ok || idx == PadIndex {
			continue
		}
		for j := 0; j < dim; j++ {
			v, err := strconv.ParseFloat(fields[j+1], 64)
			if err != nil {
				return nil, 0, fmt.Errorf("%s line %d: invalid component %q", path, line, fields[j+1])
			}
			vectors.Set(idx, j, v)
		}
		found++
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to read embedding file: %w", err)
	}

	return vectors, found, nil
}
