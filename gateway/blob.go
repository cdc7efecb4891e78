package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// BlobStore is the media storage collaborator contract. Keys are derived
// from the task id so a re-executed task overwrites its own objects instead
// of duplicating them.
type BlobStore interface {
	// Put streams body into the object named key and returns a public URL.
	Put(ctx context.Context, key, contentType string, body io.Reader) (string, error)
}

// MemoryBlobStore keeps objects in process memory for tests and dev runs.
type MemoryBlobStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	types   map[string]string
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}
}

func (s *MemoryBlobStore) Put(ctx context.Context, key, contentType string, body io.Reader) (string, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, body); err != nil {
		return "", fmt.Errorf("blob put %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = buf.Bytes()
	s.types[key] = contentType
	return "memory://" + key, nil
}

// Get returns a stored object; test helper.
func (s *MemoryBlobStore) Get(key string) ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	return data, s.types[key], ok
}

var _ BlobStore = (*MemoryBlobStore)(nil)
