package results

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/renameio/v2"
)

var csvHeader = []string{"epoch", "validation_accuracy"}

// CSVStore keeps the log as a two-column CSV file
type CSVStore struct {
	path string
}

func NewCSVStore(path string) *CSVStore {
	return &CSVStore{path: path}
}

// Load returns the records in the file, or none if it does not exist yet
func (s *CSVStore) Load() ([]Record, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open results file: %w", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read results file: %w", err)
	}

	var records []Record
	for i, row := range rows {
		if i == 0 && len(row) > 0 && row[0] == csvHeader[0] {
			continue
		}
		if len(row) != 2 {
			return nil, fmt.Errorf("%s line %d: expected 2 columns, got %d", s.path, i+1, len(row))
		}
		epoch, err := strconv.Atoi(row[0])
		if err != nil {
			return nil, fmt.Errorf("%s line %d: invalid epoch %q", s.path, i+1, row[0])
		}
		acc, err := strconv.ParseFloat(row[1], 64)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: invalid accuracy %q", s.path, i+1, row[1])
		}
		records = append(records, Record{Epoch: epoch, Accuracy: acc})
	}
	return records, nil
}

// Save replaces the file atomically with the given records
func (s *CSVStore) Save(records []Record) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Write(csvHeader)
	for _, r := range records {
		w.Write([]string{strconv.Itoa(r.Epoch), strconv.FormatFloat(r.Accuracy, 'f', -1, 64)})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create results directory: %w", err)
		}
	}
	if err := renameio.WriteFile(s.path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write results file: %w", err)
	}
	return nil
}

func (s *CSVStore) Close() error {
	return nil
}
