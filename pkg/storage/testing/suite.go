package testing

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/marmos91/mirrorfs/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// BackendTestSuite is a conformance suite for storage.Backend
// implementations. It checks the interface contract only, so the same tests
// run against memory, badger and s3.
//
// Usage:
//
//	func TestMyBackend(t *testing.T) {
//	    suite := &storagetesting.BackendTestSuite{
//	        NewBackend: func(t *testing.T) storage.Backend {
//	            return mybackend.New()
//	        },
//	    }
//	    suite.Run(t)
//	}
type BackendTestSuite struct {
	// NewBackend creates a fresh, empty backend for each test.
	NewBackend func(t *testing.T) storage.Backend
}

// Run executes all tests in the suite.
func (suite *BackendTestSuite) Run(t *testing.T) {
	t.Run("GetNotFound", suite.testGetNotFound)
	t.Run("PutGetWhole", suite.testPutGetWhole)
	t.Run("PartialReads", suite.testPartialReads)
	t.Run("PartialWrites", suite.testPartialWrites)
	t.Run("Truncate", suite.testTruncate)
	t.Run("Delete", suite.testDelete)
	t.Run("IteratePrefix", suite.testIteratePrefix)
	t.Run("IterateResume", suite.testIterateResume)
	t.Run("IterateStop", suite.testIterateStop)
	t.Run("IterateWhileWriting", suite.testIterateWhileWriting)
	t.Run("Stat", suite.testStat)
}

func ctx() context.Context {
	return context.Background()
}

func (suite *BackendTestSuite) backend(t *testing.T) storage.Backend {
	b := suite.NewBackend(t)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func mustPut(t *testing.T, b storage.Backend, key string, data []byte) {
	t.Helper()
	require.NoError(t, b.Put(ctx(), key, 0, data, true))
}

func mustGet(t *testing.T, b storage.Backend, key string) []byte {
	t.Helper()
	data, err := b.Get(ctx(), key, 0, -1)
	require.NoError(t, err)
	return data
}

func collect(t *testing.T, b storage.Backend, prefix, from string) []string {
	t.Helper()
	var keys []string
	require.NoError(t, b.Iterate(ctx(), prefix, from, func(key string, _ int64) bool {
		keys = append(keys, key)
		return true
	}))
	return keys
}

// ============================================================================
// Point operations
// ============================================================================

func (suite *BackendTestSuite) testGetNotFound(t *testing.T) {
	b := suite.backend(t)

	_, err := b.Get(ctx(), "missing", 0, -1)
	assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
}

func (suite *BackendTestSuite) testPutGetWhole(t *testing.T) {
	b := suite.backend(t)

	mustPut(t, b, "i:one", []byte("hello"))
	assert.Equal(t, []byte("hello"), mustGet(t, b, "i:one"))

	mustPut(t, b, "i:empty", []byte{})
	assert.Len(t, mustGet(t, b, "i:empty"), 0)
}

func (suite *BackendTestSuite) testPartialReads(t *testing.T) {
	b := suite.backend(t)
	mustPut(t, b, "c:data", []byte("0123456789"))

	data, err := b.Get(ctx(), "c:data", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("234"), data)

	data, err = b.Get(ctx(), "c:data", 8, 100)
	require.NoError(t, err)
	assert.Equal(t, []byte("89"), data, "short read at end")

	data, err = b.Get(ctx(), "c:data", 10, 4)
	require.NoError(t, err)
	assert.Len(t, data, 0, "read at end is empty")

	data, err = b.Get(ctx(), "c:data", 3, -1)
	require.NoError(t, err)
	assert.Equal(t, []byte("3456789"), data)
}

func (suite *BackendTestSuite) testPartialWrites(t *testing.T) {
	b := suite.backend(t)
	mustPut(t, b, "c:f", []byte("aaaa"))

	require.NoError(t, b.Put(ctx(), "c:f", 1, []byte("bb"), false))
	assert.Equal(t, []byte("abba"), mustGet(t, b, "c:f"))

	require.NoError(t, b.Put(ctx(), "c:f", 6, []byte("z"), false))
	assert.Equal(t, []byte("abba\x00\x00z"), mustGet(t, b, "c:f"), "gap is zero-filled")

	require.NoError(t, b.Put(ctx(), "c:new", 2, []byte("x"), false))
	assert.Equal(t, []byte("\x00\x00x"), mustGet(t, b, "c:new"), "missing key is created")
}

func (suite *BackendTestSuite) testTruncate(t *testing.T) {
	b := suite.backend(t)
	mustPut(t, b, "c:t", []byte("0123456789"))

	require.NoError(t, b.Put(ctx(), "c:t", 4, nil, true))
	assert.Equal(t, []byte("0123"), mustGet(t, b, "c:t"))

	require.NoError(t, b.Put(ctx(), "c:t", 6, nil, true))
	assert.Equal(t, []byte("0123\x00\x00"), mustGet(t, b, "c:t"))

	require.NoError(t, b.Put(ctx(), "c:t", 0, nil, true))
	assert.Len(t, mustGet(t, b, "c:t"), 0)
}

func (suite *BackendTestSuite) testDelete(t *testing.T) {
	b := suite.backend(t)
	mustPut(t, b, "e:a", []byte("1"))

	require.NoError(t, b.Delete(ctx(), "e:a"))
	_, err := b.Get(ctx(), "e:a", 0, -1)
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	err = b.Delete(ctx(), "e:a")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

// ============================================================================
// Iteration
// ============================================================================

func (suite *BackendTestSuite) testIteratePrefix(t *testing.T) {
	b := suite.backend(t)
	for _, k := range []string{"e:p/b", "e:p/a", "e:q/a", "i:x", "e:p/c"} {
		mustPut(t, b, k, []byte(k))
	}

	assert.Equal(t, []string{"e:p/a", "e:p/b", "e:p/c"}, collect(t, b, "e:p/", ""))
	assert.Equal(t, []string{"i:x"}, collect(t, b, "i:", ""))
	assert.Empty(t, collect(t, b, "z:", ""))

	var sizes []int64
	require.NoError(t, b.Iterate(ctx(), "e:p/", "", func(_ string, size int64) bool {
		sizes = append(sizes, size)
		return true
	}))
	assert.Equal(t, []int64{5, 5, 5}, sizes)
}

func (suite *BackendTestSuite) testIterateResume(t *testing.T) {
	b := suite.backend(t)
	for i := 0; i < 10; i++ {
		mustPut(t, b, fmt.Sprintf("e:d/%02d", i), []byte{byte(i)})
	}

	assert.Equal(t, []string{"e:d/05", "e:d/06", "e:d/07", "e:d/08", "e:d/09"}, collect(t, b, "e:d/", "e:d/04"))
	assert.Empty(t, collect(t, b, "e:d/", "e:d/09"))
}

func (suite *BackendTestSuite) testIterateStop(t *testing.T) {
	b := suite.backend(t)
	for i := 0; i < 5; i++ {
		mustPut(t, b, fmt.Sprintf("k%d", i), nil)
	}

	var seen []string
	require.NoError(t, b.Iterate(ctx(), "k", "", func(key string, _ int64) bool {
		seen = append(seen, key)
		return len(seen) < 2
	}))
	assert.Equal(t, []string{"k0", "k1"}, seen)
}

func (suite *BackendTestSuite) testIterateWhileWriting(t *testing.T) {
	b := suite.backend(t)
	for i := 0; i < 300; i++ {
		mustPut(t, b, fmt.Sprintf("e:big/%04d", i), []byte("v"))
	}

	count := 0
	require.NoError(t, b.Iterate(ctx(), "e:big/", "", func(key string, _ int64) bool {
		count++
		require.NoError(t, b.Delete(ctx(), key))
		return true
	}))
	assert.Equal(t, 300, count)
	assert.Empty(t, collect(t, b, "e:big/", ""))
}

func (suite *BackendTestSuite) testStat(t *testing.T) {
	b := suite.backend(t)
	mustPut(t, b, "a", []byte("123"))
	mustPut(t, b, "b", []byte("45"))

	stats, err := b.Stat(ctx())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stats.Keys)
	assert.Equal(t, uint64(5), stats.Bytes)
}
