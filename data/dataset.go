package data

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/exp/rand"
)

// Reserved vocabulary entries
const (
	PadToken = "<pad>"
	UnkToken = "<unk>"
	UnkIndex = 1
)

var nonWord = regexp.MustCompile(`[^\w]`)

var ignoredWords = map[string]bool{"a": true, "the": true, "is": true}

// Tokenize lower-cases text, splits on non-word characters and drops a few filler words
func Tokenize(text string) []string {
	fields := strings.Fields(nonWord.ReplaceAllString(text, " "))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.ToLower(f)
		if ignoredWords[w] {
			continue
		}
		tokens = append(tokens, w)
	}
	return tokens
}

// Vocabulary maps words to dense indices
type Vocabulary struct {
	words []string
	index map[string]int
}

// BuildVocabulary creates a vocabulary from tokenized documents.
// Words appearing fewer than minFreq times map to UnkToken.
func BuildVocabulary(docs [][]string, minFreq int) *Vocabulary {
	counts := make(map[string]int)
	for _, doc := range docs {
		for _, w := range doc {
			counts[w]++
		}
	}

	candidates := make([]string, 0, len(counts))
	for w, c := range counts {
		if c >= minFreq {
			candidates = append(candidates, w)
		}
	}
	// Most frequent first, ties alphabetically so indices are reproducible
	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := counts[candidates[i]], counts[candidates[j]]
		if ci != cj {
			return ci > cj
		}
		return candidates[i] < candidates[j]
	})

	v := &Vocabulary{
		words: append([]string{PadToken, UnkToken}, candidates...),
		index: make(map[string]int, len(candidates)+2),
	}
	for i, w := range v.words {
		v.index[w] = i
	}
	return v
}

// Len returns the vocabulary size including reserved entries
func (v *Vocabulary) Len() int {
	return len(v.words)
}

// Index returns the index for a word, UnkIndex if unknown
func (v *Vocabulary) Index(word string) int {
	if idx, ok := v.index[word]; ok {
		return idx
	}
	return UnkIndex
}

// Lookup reports whether the word is in the vocabulary
func (v *Vocabulary) Lookup(word string) (int, bool) {
	idx, ok := v.index[word]
	return idx, ok
}

// Word returns the word at an index
func (v *Vocabulary) Word(idx int) string {
	if idx < 0 || idx >= len(v.words) {
		return UnkToken
	}
	return v.words[idx]
}

// Encode converts tokens to indices, truncating to maxLen when maxLen > 0.
// Empty input encodes to a single UnkIndex so every sequence has length >= 1.
func (v *Vocabulary) Encode(tokens []string, maxLen int) []int {
	if maxLen > 0 && len(tokens) > maxLen {
		tokens = tokens[:maxLen]
	}
	if len(tokens) == 0 {
		return []int{UnkIndex}
	}
	ids := make([]int, len(tokens))
	for i, w := range tokens {
		ids[i] = v.Index(w)
	}
	return ids
}

// Document is a raw labeled text
type Document struct {
	Label int
	Text  string
}

// ReadCSV reads documents laid out as label,text[,text...] (AG news layout).
// labelBase is subtracted from the label column so classes start at zero.
func ReadCSV(path string, labelBase int) ([]Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open corpus file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var docs []Document
	line := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("failed to read %s line %d: %w", path, line, err)
		}
		if len(record) < 2 {
			return nil, fmt.Errorf("%s line %d: expected label and text, got %d fields", path, line, len(record))
		}

		label, err := strconv.Atoi(strings.TrimSpace(record[0]))
		if err != nil {
			if line == 1 {
				continue // header row
			}
			return nil, fmt.Errorf("%s line %d: invalid label %q", path, line, record[0])
		}

		docs = append(docs, Document{
			Label: label - labelBase,
			Text:  strings.Join(record[1:], " "),
		})
	}
	return docs, nil
}

// CorpusConfig controls how a corpus is split into training streams
type CorpusConfig struct {
	Dir            string  // directory holding train.csv and test.csv
	NumClasses     int     // number of classes
	NumberPerClass int     // labeled examples kept per class
	ValidFraction  float64 // share of the remaining training data held out for validation
	MaxLen         int     // truncate sequences (0 = no limit)
	MinFreq        int     // minimum word frequency for the vocabulary
	LabelBase      int     // value of the first class in the label column
	Seed           uint64
}

// DefaultCorpusConfig returns the AG news layout defaults
func DefaultCorpusConfig() CorpusConfig {
	return CorpusConfig{
		NumClasses:     4,
		NumberPerClass: 1000,
		ValidFraction:  0.1,
		MaxLen:         200,
		MinFreq:        1,
		LabelBase:      1,
		Seed:           1111,
	}
}

// Corpus is the tokenized data split into the four training streams
type Corpus struct {
	Vocab     *Vocabulary
	Labeled   []Example
	Unlabeled []Example
	Valid     []Example
	Test      []Example
}

// LoadCorpus reads train.csv and test.csv from cfg.Dir
func LoadCorpus(cfg CorpusConfig) (*Corpus, error) {
	train, err := ReadCSV(filepath.Join(cfg.Dir, "train.csv"), cfg.LabelBase)
	if err != nil {
		return nil, err
	}
	test, err := ReadCSV(filepath.Join(cfg.Dir, "test.csv"), cfg.LabelBase)
	if err != nil {
		return nil, err
	}
	return BuildCorpus(train, test, cfg)
}

// BuildCorpus tokenizes documents, builds the vocabulary from the training split
// and partitions it into labeled, validation and unlabeled examples.
func BuildCorpus(train, test []Document, cfg CorpusConfig) (*Corpus, error) {
	if cfg.NumClasses <= 0 {
		return nil, fmt.Errorf("number of classes must be positive, got %d", cfg.NumClasses)
	}
	if cfg.ValidFraction < 0 || cfg.ValidFraction >= 1 {
		return nil, fmt.Errorf("validation fraction must be in [0, 1), got %f", cfg.ValidFraction)
	}
	for _, set := range [][]Document{train, test} {
		for i, d := range set {
			if d.Label < 0 || d.Label >= cfg.NumClasses {
				return nil, fmt.Errorf("document %d has label %d outside [0, %d)", i, d.Label, cfg.NumClasses)
			}
		}
	}

	trainTokens := make([][]string, len(train))
	for i, d := range train {
		trainTokens[i] = Tokenize(d.Text)
	}
	vocab := BuildVocabulary(trainTokens, cfg.MinFreq)

	order := make([]int, len(train))
	for i := range order {
		order[i] = i
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	corpus := &Corpus{Vocab: vocab}
	perClass := make([]int, cfg.NumClasses)
	var rest []Example
	for _, idx := range order {
		ex := Example{Tokens: vocab.Encode(trainTokens[idx], cfg.MaxLen), Label: train[idx].Label}
		if perClass[ex.Label] < cfg.NumberPerClass {
			perClass[ex.Label]++
			corpus.Labeled = append(corpus.Labeled, ex)
			continue
		}
		rest = append(rest, ex)
	}

	nValid := int(float64(len(rest)) * cfg.ValidFraction)
	corpus.Valid = rest[:nValid]
	corpus.Unlabeled = rest[nValid:]

	corpus.Test = make([]Example, len(test))
	for i, d := range test {
		corpus.Test[i] = Example{Tokens: vocab.Encode(Tokenize(d.Text), cfg.MaxLen), Label: d.Label}
	}

	return corpus, nil
}
