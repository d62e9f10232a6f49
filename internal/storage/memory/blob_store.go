// Package memory stores uploaded artifacts in memory for tests and
// development runs.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// BlobStore records uploads and hands back pseudo URIs.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]Object
	err     error
}

// Object is one stored upload.
type Object struct {
	ContentType string
	Data        []byte
}

// NewBlobStore creates an in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]Object)}
}

// FailWith makes every subsequent PutObject return err. Pass nil to heal.
func (s *BlobStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// PutObject stores the content and returns a memory:// URI.
func (s *BlobStore) PutObject(_ context.Context, path string, contentType string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.objects[path] = Object{
		ContentType: contentType,
		Data:        append([]byte(nil), data...),
	}
	return fmt.Sprintf("memory://%s", path), nil
}

// Object returns the stored upload for a path.
func (s *BlobStore) Object(path string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	return obj, ok
}

// Len reports how many objects are stored.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
