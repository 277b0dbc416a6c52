package syncop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/marmos91/mirrorfs/pkg/storage/memory"
	"github.com/marmos91/mirrorfs/pkg/xlator"
	"github.com/marmos91/mirrorfs/pkg/xlator/xlatortest"
	"github.com/marmos91/mirrorfs/pkg/xlators/storage/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBrick(t *testing.T) *kv.KV {
	t.Helper()
	brick := kv.New("brick", memory.NewMemoryBackend(), kv.Options{})
	require.NoError(t, brick.Init(context.Background()))
	return brick
}

func TestWriteFileReadFile(t *testing.T) {
	ctx := context.Background()
	brick := newBrick(t)

	big := bytes.Repeat([]byte("0123456789abcdef"), 20<<10)
	require.NoError(t, WriteFile(ctx, brick, "/big", big))

	got, err := ReadFile(ctx, brick, "/big")
	require.NoError(t, err)
	assert.Equal(t, big, got)

	require.NoError(t, WriteFile(ctx, brick, "/big", []byte("short")))
	got, err = ReadFile(ctx, brick, "/big")
	require.NoError(t, err)
	assert.Equal(t, "short", string(got), "rewriting truncates")
}

func TestReadFileMissing(t *testing.T) {
	_, err := ReadFile(context.Background(), newBrick(t), "/nope")
	assert.True(t, xlator.IsCode(err, xlator.ErrNotFound))
}

func TestReaddirPagesThroughLargeDirectory(t *testing.T) {
	ctx := context.Background()
	brick := newBrick(t)
	require.NoError(t, Mkdir(ctx, brick, "/d", 0o755))

	const n = 300
	for i := 0; i < n; i++ {
		require.NoError(t, WriteFile(ctx, brick, fmt.Sprintf("/d/f%03d", i), nil))
	}

	entries, err := Readdir(ctx, brick, "/d")
	require.NoError(t, err)

	seen := make(map[string]bool)
	for _, e := range entries {
		seen[e.Name] = true
	}
	assert.Len(t, seen, n)
	assert.True(t, seen["f000"])
	assert.True(t, seen["f299"])
}

func TestCallHonoursDeadline(t *testing.T) {
	brick := newBrick(t)
	faulty := xlatortest.NewFaulty("client", brick)
	xlator.AttachChildren(faulty)
	faulty.HangOp(xlator.OpStat)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Stat(ctx, faulty, "/")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded) || xlator.IsNotConnected(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestXattropAccumulates(t *testing.T) {
	ctx := context.Background()
	brick := newBrick(t)
	require.NoError(t, WriteFile(ctx, brick, "/f", []byte("x")))

	for i := 0; i < 3; i++ {
		dict := xlator.Dict{}
		dict.SetInt("trusted.test.counter", 2)
		_, err := Xattrop(ctx, brick, "/f", xlator.XattropAdd, dict)
		require.NoError(t, err)
	}

	dict, err := Getxattr(ctx, brick, "/f", "trusted.test.counter")
	require.NoError(t, err)
	v, ok := dict.GetInt("trusted.test.counter")
	require.True(t, ok)
	assert.Equal(t, int64(6), v)
}
