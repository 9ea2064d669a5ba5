// Package memory provides an in-process BlobStore for tests and the mem://
// storage URI.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/objectfs/chunkcache/pkg/errors"
)

// Store keeps objects in a map
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
	gets map[string]int
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		data: make(map[string][]byte),
		gets: make(map[string]int),
	}
}

// Get returns a copy of the named object
func (s *Store) Get(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets[name]++
	d, ok := s.data[name]
	if !ok {
		return nil, errors.NewError(errors.ErrCodeObjectNotFound, "object not found").
			WithComponent("memory-store").
			WithDetail("key", name)
	}
	return append([]byte(nil), d...), nil
}

// Put stores a copy of data under name
func (s *Store) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[name] = append([]byte(nil), data...)
	return nil
}

// Delete removes name if present
func (s *Store) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, name)
}

// List returns the names under prefix in sorted order
func (s *Store) List(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var names []string
	for name := range s.data {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Gets reports how many times name was read
func (s *Store) Gets(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gets[name]
}
