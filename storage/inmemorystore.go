package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// InMemoryStore is a Store implementation powered by a map, to be used for
// testing. Values are buffered whole, so it is not suited to large blobs.
type InMemoryStore struct {
	sync.Mutex
	m map[string][]byte
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		m: make(map[string][]byte),
	}
}

func (s *InMemoryStore) Put(ctx context.Context, key string, source io.Reader) error {
	if err := checkPut(key, source); err != nil {
		return err
	}
	value, err := io.ReadAll(contextReader{ctx: ctx, r: source})
	if err != nil {
		return fmt.Errorf("could not read value for %q: %v: %w", key, err, ErrUnavailable)
	}
	s.Lock()
	s.m[key] = value
	s.Unlock()
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	s.Lock()
	value, ok := s.m[key]
	s.Unlock()
	if !ok {
		return nil, fmt.Errorf("%.40q: %w", key, ErrNotFound)
	}
	// Stored slices are never mutated after insertion, so readers can share them.
	return io.NopCloser(bytes.NewReader(value)), nil
}
