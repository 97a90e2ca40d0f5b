// Package results persists the per-epoch validation log.
package results

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Record is one row of the validation log
type Record struct {
	Epoch    int
	Accuracy float64
}

// Store loads and rewrites the whole validation log
type Store interface {
	Load() ([]Record, error)
	Save(records []Record) error
	Close() error
}

// Open picks a store by file extension: .db, .sqlite and .sqlite3 use SQLite,
// anything else is written as CSV.
func Open(path string) (Store, error) {
	if path == "" {
		return nil, fmt.Errorf("results path is empty")
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return OpenSQLite(path)
	default:
		return NewCSVStore(path), nil
	}
}
