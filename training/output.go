package training

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// OutputSink receives the human-readable evaluation lines of a run
type OutputSink interface {
	Write(text string) error
	Close() error
}

// FileSink appends lines to a text file
type FileSink struct {
	file *os.File
}

// OpenFileSink opens path for appending, creating it and its directory if needed.
// A leading "~/" is expanded to the user's home directory.
func OpenFileSink(path string) (*FileSink, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to expand %s: %w", path, err)
		}
		path = filepath.Join(home, path[2:])
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output file: %w", err)
	}
	return &FileSink{file: f}, nil
}

// Write appends text followed by a newline
func (s *FileSink) Write(text string) error {
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	_, err := s.file.WriteString(text)
	return err
}

func (s *FileSink) Close() error {
	return s.file.Close()
}

// NopSink discards everything
type NopSink struct{}

func (NopSink) Write(string) error { return nil }
func (NopSink) Close() error       { return nil }

// MemorySink keeps written lines in memory
type MemorySink struct {
	Lines  []string
	Closed bool
}

func (s *MemorySink) Write(text string) error {
	s.Lines = append(s.Lines, strings.TrimSuffix(text, "\n"))
	return nil
}

func (s *MemorySink) Close() error {
	s.Closed = true
	return nil
}
