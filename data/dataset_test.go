package data

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		input    string
		expected []string
	}{
		{"The cat is on a mat", []string{"cat", "on", "mat"}},
		{"Wall St. Bears-Claw Back", []string{"wall", "st", "bears", "claw", "back"}},
		{"", []string{}},
		{"!!!", []string{}},
	}

	for _, tt := range tests {
		got := Tokenize(tt.input)
		if !reflect.DeepEqual(got, tt.expected) {
			t.Errorf("Tokenize(%q) = %v, expected %v", tt.input, got, tt.expected)
		}
	}
}

func TestVocabulary(t *testing.T) {
	docs := [][]string{{"b", "a2", "b"}, {"c", "b", "a2"}}
	v := BuildVocabulary(docs, 1)

	if v.Len() != 5 {
		t.Fatalf("Expected vocabulary of 5, got %d", v.Len())
	}
	if v.Word(0) != PadToken || v.Word(1) != UnkToken {
		t.Errorf("Reserved entries out of place: %q %q", v.Word(0), v.Word(1))
	}
	if v.Index("b") != 2 || v.Index("a2") != 3 || v.Index("c") != 4 {
		t.Errorf("Unexpected ordering: b=%d a2=%d c=%d", v.Index("b"), v.Index("a2"), v.Index("c"))
	}
	if v.Index("missing") != UnkIndex {
		t.Errorf("Unknown word should map to UnkIndex")
	}

	if got := v.Encode([]string{"c", "b", "zzz"}, 2); !reflect.DeepEqual(got, []int{4, 2}) {
		t.Errorf("Encode truncation: got %v", got)
	}
	if got := v.Encode(nil, 0); !reflect.DeepEqual(got, []int{UnkIndex}) {
		t.Errorf("Empty encode should yield [UnkIndex], got %v", got)
	}

	rare := BuildVocabulary(docs, 2)
	if _, ok := rare.Lookup("c"); ok {
		t.Errorf("Word below min frequency should be dropped")
	}
}

func TestLoaderPadsAndBatches(t *testing.T) {
	examples := []Example{
		{Tokens: []int{2, 3, 4}, Label: 0},
		{Tokens: []int{5}, Label: 1},
		{Tokens: []int{6, 7}, Label: 2},
	}
	loader, err := NewLoader(examples, 2, false, true, 1)
	if err != nil {
		t.Fatalf("NewLoader failed: %v", err)
	}
	if loader.Len() != 2 {
		t.Errorf("Expected 2 batches per pass, got %d", loader.Len())
	}

	loader.Reset()
	b, err := loader.Next()
	if err != nil || b == nil {
		t.Fatalf("Expected first batch, got %v, %v", b, err)
	}
	if err := b.Validate(); err != nil {
		t.Errorf("Batch invalid: %v", err)
	}
	if !reflect.DeepEqual(b.Tokens, [][]int{{2, 3, 4}, {5, PadIndex, PadIndex}}) {
		t.Errorf("Unexpected padding: %v", b.Tokens)
	}
	if !reflect.DeepEqual(b.Lengths, []int{3, 1}) || !reflect.DeepEqual(b.Labels, []int{0, 1}) {
		t.Errorf("Unexpected lengths/labels: %v %v", b.Lengths, b.Labels)
	}

	b, _ = loader.Next()
	if b.Size() != 1 {
		t.Errorf("Expected partial last batch of 1, got %d", b.Size())
	}
	if b, _ = loader.Next(); b != nil {
		t.Errorf("Expected end of pass")
	}

	unlabeled, _ := NewLoader(examples, 3, true, false, 7)
	unlabeled.Reset()
	b, _ = unlabeled.Next()
	if b.HasLabels() {
		t.Errorf("Unlabeled loader should not emit labels")
	}
}

func TestBuildCorpusSplits(t *testing.T) {
	var train []Document
	for i := 0; i < 40; i++ {
		train = append(train, Document{Label: i % 2, Text: "word number text"})
	}
	test := []Document{{Label: 1, Text: "number unseen"}}

	cfg := DefaultCorpusConfig()
	cfg.NumClasses = 2
	cfg.NumberPerClass = 5
	cfg.ValidFraction = 0.25

	corpus, err := BuildCorpus(train, test, cfg)
	if err != nil {
		t.Fatalf("BuildCorpus failed: %v", err)
	}

	if len(corpus.Labeled) != 10 {
		t.Errorf("Expected 10 labeled examples, got %d", len(corpus.Labeled))
	}
	counts := map[int]int{}
	for _, ex := range corpus.Labeled {
		counts[ex.Label]++
	}
	if counts[0] != 5 || counts[1] != 5 {
		t.Errorf("Expected 5 labeled per class, got %v", counts)
	}
	if len(corpus.Valid) != 7 || len(corpus.Unlabeled) != 23 {
		t.Errorf("Expected 7 valid / 23 unlabeled, got %d / %d", len(corpus.Valid), len(corpus.Unlabeled))
	}
	if len(corpus.Test) != 1 || corpus.Test[0].Tokens[1] != UnkIndex {
		t.Errorf("Unseen test word should map to UnkIndex: %v", corpus.Test)
	}

	bad := []Document{{Label: 5, Text: "x"}}
	if _, err := BuildCorpus(bad, nil, cfg); err == nil {
		t.Errorf("Expected error for out of range label")
	}
}

func TestReadCSVAndVectors(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "train.csv")
	content := "\"3\",\"Wall St.\",\"Bears claw back\"\n\"1\",\"Title\",\"Body text\"\n"
	if err := os.WriteFile(csvPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	docs, err := ReadCSV(csvPath, 1)
	if err != nil {
		t.Fatalf("ReadCSV failed: %v", err)
	}
	if len(docs) != 2 || docs[0].Label != 2 || docs[1].Label != 0 {
		t.Fatalf("Unexpected documents: %+v", docs)
	}
	if docs[0].Text != "Wall St. Bears claw back" {
		t.Errorf("Unexpected text join: %q", docs[0].Text)
	}

	vocab := BuildVocabulary([][]string{{"bears", "claw"}}, 1)
	vecPath := filepath.Join(dir, "vectors.txt")
	if err := os.WriteFile(vecPath, []byte("bears 0.5 -0.5 1\nunknown 1 1 1\nbad 1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	vectors, found, err := LoadVectors(vecPath, vocab, 3, 1)
	if err != nil {
		t.Fatalf("LoadVectors failed: %v", err)
	}
	if found != 1 {
		t.Errorf("Expected 1 matched word, got %d", found)
	}
	idx := vocab.Index("bears")
	if vectors.At(idx, 0) != 0.5 || vectors.At(idx, 1) != -0.5 || vectors.At(idx, 2) != 1 {
		t.Errorf("Vector not loaded for 'bears'")
	}
	for j := 0; j < 3; j++ {
		if vectors.At(PadIndex, j) != 0 {
			t.Errorf("Pad row should be zero")
		}
	}
}
