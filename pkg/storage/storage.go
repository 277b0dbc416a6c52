// Package storage defines the keyed byte store that bricks persist into.
//
// A Backend maps string keys to byte values supporting partial reads and
// writes, ordered prefix iteration restartable from a key, and deletion.
// Implementations live in sub-packages (memory, badger, s3) and are selected
// by type through the configuration factories.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned (wrapped) when a key does not exist.
var ErrNotFound = errors.New("key not found")

// ErrClosed is returned when using a backend after Close.
var ErrClosed = errors.New("backend closed")

// Backend is a keyed byte store.
//
// Thread Safety:
// Implementations must be safe for concurrent use. A single Put is atomic
// with respect to concurrent Gets of the same key.
type Backend interface {
	// Get reads up to length bytes of key starting at offset. A negative
	// length reads to the end of the value. Reading at or past the end
	// returns an empty slice.
	Get(ctx context.Context, key string, offset int64, length int) ([]byte, error)

	// Put writes data at offset, zero-filling any gap past the current end.
	// With truncate set the value is cut (or extended) to exactly
	// offset+len(data) bytes. Missing keys are created.
	Put(ctx context.Context, key string, offset int64, data []byte, truncate bool) error

	// Delete removes key. Missing keys return ErrNotFound.
	Delete(ctx context.Context, key string) error

	// Iterate visits keys with the given prefix in ascending order, starting
	// strictly after from (or at the first key when from is empty). The walk
	// stops when fn returns false.
	Iterate(ctx context.Context, prefix, from string, fn func(key string, size int64) bool) error

	// Stat reports usage statistics.
	Stat(ctx context.Context) (*Stats, error)

	// Close releases resources.
	Close() error
}

// Stats summarizes a backend's contents.
type Stats struct {
	// Keys is the number of stored keys
	Keys uint64

	// Bytes is the sum of all value sizes
	Bytes uint64
}

// Splice applies a Put to an existing value and returns the new value. old is
// never modified.
func Splice(old []byte, offset int64, data []byte, truncate bool) []byte {
	end := offset + int64(len(data))
	size := int64(len(old))
	if truncate {
		size = end
	} else if end > size {
		size = end
	}

	out := make([]byte, size)
	copy(out, old)
	if offset < size {
		copy(out[offset:], data)
	}
	return out
}

// Slice returns the [offset, offset+length) window of value, clamped to its
// bounds. A negative length means "to the end".
func Slice(value []byte, offset int64, length int) []byte {
	if offset >= int64(len(value)) || offset < 0 {
		return []byte{}
	}
	end := int64(len(value))
	if length >= 0 && offset+int64(length) < end {
		end = offset + int64(length)
	}
	return append([]byte(nil), value[offset:end]...)
}
