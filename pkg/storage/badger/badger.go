// Package badger implements storage.Backend on BadgerDB.
//
// Keys are stored verbatim. Partial writes are read-modify-write inside a
// single update transaction, so a Put is atomic with respect to readers.
package badger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/marmos91/mirrorfs/internal/logger"
	"github.com/marmos91/mirrorfs/pkg/storage"
)

// Config holds the BadgerDB tuning knobs.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string `mapstructure:"path"`

	// InMemory keeps every table in RAM (tests, scratch bricks).
	InMemory bool `mapstructure:"in_memory"`

	// BlockCacheMB sizes the block cache; 0 keeps Badger's default.
	BlockCacheMB int64 `mapstructure:"block_cache_mb"`

	// SyncWrites forces fsync on every commit.
	SyncWrites bool `mapstructure:"sync_writes"`
}

// BadgerBackend implements storage.Backend using BadgerDB.
type BadgerBackend struct {
	db *badger.DB
}

var _ storage.Backend = (*BadgerBackend)(nil)

// NewBadgerBackend opens (or creates) a database.
func NewBadgerBackend(ctx context.Context, cfg Config) (*BadgerBackend, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// ========================================================================
	// Step 1: Build options
	// ========================================================================

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("badger backend: path is required")
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithLoggingLevel(badger.WARNING)
	opts = opts.WithCompression(options.None)
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.BlockCacheMB > 0 {
		opts = opts.WithBlockCacheSize(cfg.BlockCacheMB << 20)
	}

	// ========================================================================
	// Step 2: Open the database
	// ========================================================================

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	logger.Debug("Badger backend opened: path=%q in_memory=%t", cfg.Path, cfg.InMemory)
	return &BadgerBackend{db: db}, nil
}

func (s *BadgerBackend) Get(ctx context.Context, key string, offset int64, length int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("get %s: %w", key, storage.ErrNotFound)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = storage.Slice(val, offset, length)
			return nil
		})
	})
	if err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

func (s *BadgerBackend) Put(ctx context.Context, key string, offset int64, data []byte, truncate bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		var old []byte
		item, err := txn.Get([]byte(key))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			if old, err = item.ValueCopy(nil); err != nil {
				return err
			}
		}
		return txn.Set([]byte(key), storage.Splice(old, offset, data, truncate))
	})
	return mapErr(err)
}

func (s *BadgerBackend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(key)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("delete %s: %w", key, storage.ErrNotFound)
			}
			return err
		}
		return txn.Delete([]byte(key))
	})
	return mapErr(err)
}

// Iterate collects a page of keys inside a read transaction and hands them to
// fn outside of it, so fn may write to the backend.
func (s *BadgerBackend) Iterate(ctx context.Context, prefix, from string, fn func(key string, size int64) bool) error {
	const pageSize = 256

	type kv struct {
		key  string
		size int64
	}

	cursor := from
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		page := make([]kv, 0, pageSize)
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = []byte(prefix)

			it := txn.NewIterator(opts)
			defer it.Close()

			seek := prefix
			if cursor > seek {
				seek = cursor
			}
			for it.Seek([]byte(seek)); it.Valid() && len(page) < pageSize; it.Next() {
				item := it.Item()
				k := string(item.Key())
				if k <= cursor {
					continue
				}
				page = append(page, kv{key: k, size: item.ValueSize()})
			}
			return nil
		})
		if err != nil {
			return mapErr(err)
		}

		for _, e := range page {
			if !strings.HasPrefix(e.key, prefix) {
				return nil
			}
			if !fn(e.key, e.size) {
				return nil
			}
		}
		if len(page) < pageSize {
			return nil
		}
		cursor = page[len(page)-1].key
	}
}

func (s *BadgerBackend) Stat(ctx context.Context) (*storage.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stats := &storage.Stats{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			stats.Keys++
			stats.Bytes += uint64(it.Item().ValueSize())
		}
		return nil
	})
	if err != nil {
		return nil, mapErr(err)
	}
	return stats, nil
}

func (s *BadgerBackend) Close() error {
	return s.db.Close()
}

func mapErr(err error) error {
	if errors.Is(err, badger.ErrDBClosed) {
		return storage.ErrClosed
	}
	return err
}
