// Package fs implements the default dataset provider: one JSON file per
// captured record inside a single directory. The consolidation phase lists
// the directory back by glob in lexical order, which the zero-padded
// sequence names keep equal to insertion order.
package fs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sitestitch/sitestitch/internal/crawler"
)

// Store persists page records under dir.
type Store struct {
	dir string

	mu  sync.Mutex
	seq int
}

// New creates the directory if needed and resumes the sequence after any
// records already present, so a consolidation-only run never overwrites a
// previous crawl's records.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("dataset.dir is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create dataset directory: %w", err)
	}
	s := &Store{dir: dir}

	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("list dataset directory: %w", err)
	}
	for _, m := range matches {
		base := strings.TrimSuffix(filepath.Base(m), ".json")
		if n, err := strconv.Atoi(base); err == nil && n > s.seq {
			s.seq = n
		}
	}
	return s, nil
}

// Push writes the record as its own pretty-printed JSON file.
func (s *Store) Push(_ context.Context, record crawler.PageRecord) error {
	payload, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize record: %w", err)
	}

	s.mu.Lock()
	s.seq++
	n := s.seq
	s.mu.Unlock()

	target := filepath.Join(s.dir, fmt.Sprintf("%09d.json", n))
	if err := os.WriteFile(target, payload, 0o600); err != nil {
		return fmt.Errorf("write record file: %w", err)
	}
	return nil
}

// Source lists the stored record files in lexical order and yields them one
// at a time. A record that no longer parses is fatal to the pass.
func (s *Store) Source(_ context.Context) (crawler.RecordSource, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("list dataset directory: %w", err)
	}
	sort.Strings(matches)
	return &fileSource{paths: matches}, nil
}

// Dir exposes the dataset directory for logs.
func (s *Store) Dir() string {
	return s.dir
}

type fileSource struct {
	paths []string
	next  int
}

func (f *fileSource) Next(context.Context) (crawler.PageRecord, error) {
	if f.next >= len(f.paths) {
		return crawler.PageRecord{}, io.EOF
	}
	path := f.paths[f.next]
	f.next++

	data, err := os.ReadFile(path)
	if err != nil {
		return crawler.PageRecord{}, fmt.Errorf("read record %s: %w", path, err)
	}
	var rec crawler.PageRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return crawler.PageRecord{}, fmt.Errorf("decode record %s: %w", path, err)
	}
	return rec, nil
}

func (f *fileSource) Close() error { return nil }
