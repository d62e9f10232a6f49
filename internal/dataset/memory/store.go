// Package memory offers an in-memory dataset for tests and dry runs.
package memory

import (
	"context"
	"io"
	"sync"

	"github.com/sitestitch/sitestitch/internal/crawler"
)

// Store keeps records in insertion order in memory.
type Store struct {
	mu      sync.RWMutex
	records []crawler.PageRecord
}

// New returns an empty Store.
func New() *Store {
	return &Store{}
}

// Push appends the record. The Extra map is copied so later caller mutations
// cannot reach stored state.
func (s *Store) Push(_ context.Context, record crawler.PageRecord) error {
	if record.Extra != nil {
		extra := make(map[string]any, len(record.Extra))
		for k, v := range record.Extra {
			extra[k] = v
		}
		record.Extra = extra
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

// Source yields a snapshot of the records stored so far.
func (s *Store) Source(context.Context) (crawler.RecordSource, error) {
	s.mu.RLock()
	snapshot := make([]crawler.PageRecord, len(s.records))
	copy(snapshot, s.records)
	s.mu.RUnlock()
	return &sliceSource{records: snapshot}, nil
}

// Records returns a copy of everything pushed, for test assertions.
func (s *Store) Records() []crawler.PageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.PageRecord, len(s.records))
	copy(out, s.records)
	return out
}

type sliceSource struct {
	records []crawler.PageRecord
	next    int
}

func (s *sliceSource) Next(context.Context) (crawler.PageRecord, error) {
	if s.next >= len(s.records) {
		return crawler.PageRecord{}, io.EOF
	}
	rec := s.records[s.next]
	s.next++
	return rec, nil
}

func (s *sliceSource) Close() error { return nil }
