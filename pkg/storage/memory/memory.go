package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/marmos91/mirrorfs/pkg/storage"
)

// MemoryBackend implements storage.Backend using an in-memory map.
//
// It is designed for tests and ephemeral bricks. Data is lost on restart.
// All operations are protected by a sync.RWMutex; values are copied on the
// way in and out so callers never share buffers with the store.
type MemoryBackend struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

var _ storage.Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

func (s *MemoryBackend) Get(ctx context.Context, key string, offset int64, length int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrClosed
	}
	v, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", key, storage.ErrNotFound)
	}
	return storage.Slice(v, offset, length), nil
}

func (s *MemoryBackend) Put(ctx context.Context, key string, offset int64, data []byte, truncate bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}
	s.data[key] = storage.Splice(s.data[key], offset, data, truncate)
	return nil
}

func (s *MemoryBackend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}
	if _, ok := s.data[key]; !ok {
		return fmt.Errorf("delete %s: %w", key, storage.ErrNotFound)
	}
	delete(s.data, key)
	return nil
}

// Iterate snapshots the matching keys under the read lock and visits them
// without holding it, so fn may call back into the backend.
func (s *MemoryBackend) Iterate(ctx context.Context, prefix, from string, fn func(key string, size int64) bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	type kv struct {
		key  string
		size int64
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return storage.ErrClosed
	}
	matches := make([]kv, 0)
	for k, v := range s.data {
		if strings.HasPrefix(k, prefix) && k > from {
			matches = append(matches, kv{key: k, size: int64(len(v))})
		}
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool { return matches[i].key < matches[j].key })

	for i, m := range matches {
		if i%100 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if !fn(m.key, m.size) {
			return nil
		}
	}
	return nil
}

func (s *MemoryBackend) Stat(ctx context.Context) (*storage.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.Stats{Keys: uint64(len(s.data))}
	for _, v := range s.data {
		stats.Bytes += uint64(len(v))
	}
	return stats, nil
}

func (s *MemoryBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.data = make(map[string][]byte)
	return nil
}
