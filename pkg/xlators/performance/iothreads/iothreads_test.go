package iothreads

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marmos91/mirrorfs/pkg/storage/memory"
	"github.com/marmos91/mirrorfs/pkg/syncop"
	"github.com/marmos91/mirrorfs/pkg/xlator"
	"github.com/marmos91/mirrorfs/pkg/xlator/xlatortest"
	"github.com/marmos91/mirrorfs/pkg/xlators/features/locks"
	"github.com/marmos91/mirrorfs/pkg/xlators/storage/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPassesRepliesThrough(t *testing.T) {
	brick := xlatortest.NewFake("brick")
	brick.SetReply(func(op xlator.Op, a *xlator.Args) *xlator.Reply {
		return &xlator.Reply{Stat: xlator.Iatt{Size: 42}}
	})
	x := New("iot", brick, Options{})

	st, err := syncop.Stat(context.Background(), x, "/f")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), st.Size)
}

func TestBoundsConcurrency(t *testing.T) {
	var inflight, peak atomic.Int32
	brick := xlatortest.NewFake("brick")
	brick.SetReply(func(op xlator.Op, a *xlator.Args) *xlator.Reply {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inflight.Add(-1)
		return &xlator.Reply{}
	})
	x := New("iot", brick, Options{Threads: 2})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := syncop.Stat(context.Background(), x, "/f")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Len(t, brick.Calls(), 10)
}

func TestFiniFailsQueuedOps(t *testing.T) {
	brick := xlatortest.NewFake("brick")
	brick.SetMode(xlatortest.ReplyNever)
	x := New("iot", brick, Options{Threads: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	go func() { _, _ = syncop.Stat(ctx, x, "/hung") }()

	require.Eventually(t, func() bool { return len(brick.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, x.Fini())

	_, err := syncop.Stat(context.Background(), x, "/queued")
	assert.True(t, xlator.IsNotConnected(err))
}

func TestWaitingLockTakesNoSlot(t *testing.T) {
	ctx := context.Background()
	brick := kv.New("brick", memory.NewMemoryBackend(), kv.Options{})
	require.NoError(t, brick.Init(ctx))
	require.NoError(t, syncop.WriteFile(ctx, brick, "/f", nil))
	lk := locks.New("locks", brick)
	xlator.AttachChildren(lk)
	x := New("iot", lk, Options{Threads: 1})
	xlator.AttachChildren(x)

	_, err := syncop.Inodelk(ctx, lk, "/f", xlator.LockSet, xlator.WholeFile("holder"))
	require.NoError(t, err)

	granted := make(chan error, 1)
	go func() {
		_, err := syncop.Inodelk(ctx, x, "/f", xlator.LockSetWait, xlator.WholeFile("waiter"))
		granted <- err
	}()
	require.Eventually(t, func() bool { return lk.Waiting("/f") == 1 }, time.Second, 5*time.Millisecond)

	// the only slot is still free for ordinary calls
	_, err = syncop.Stat(ctx, x, "/f")
	require.NoError(t, err)

	unlock := xlator.WholeFile("holder")
	unlock.Type = xlator.LockUnlock
	_, err = syncop.Inodelk(ctx, lk, "/f", xlator.LockSet, unlock)
	require.NoError(t, err)

	select {
	case err := <-granted:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was never granted")
	}
	assert.Equal(t, 1, lk.Held("/f"))
}
