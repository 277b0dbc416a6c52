package replicate

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marmos91/mirrorfs/pkg/frame"
	"github.com/marmos91/mirrorfs/pkg/storage/memory"
	"github.com/marmos91/mirrorfs/pkg/syncop"
	"github.com/marmos91/mirrorfs/pkg/xlator"
	"github.com/marmos91/mirrorfs/pkg/xlator/xlatortest"
	"github.com/marmos91/mirrorfs/pkg/xlators/features/locks"
	"github.com/marmos91/mirrorfs/pkg/xlators/storage/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Transition table
// ============================================================================

var allStates = []healState{
	stateInit, stateOpenAll, stateAcquireLock, stateFetchVersions, stateDecide,
	stateOpenForHeal, stateCopyData, stateCopyEntries, stateCopyMetadata,
	stateResetMetadata, stateCloseHandles, stateReleaseLock, stateError, stateDone, stateFailed,
	stateSplitBrain,
}

func TestTransitionTable(t *testing.T) {
	targets := make(map[healState]bool)
	for key, next := range transitions {
		assert.False(t, key.from.terminal(), "terminal state %s has an outgoing transition", key.from)
		targets[next] = true
	}

	for _, st := range allStates {
		if st == stateInit {
			assert.False(t, targets[st], "nothing leads back to INIT")
			continue
		}
		assert.True(t, targets[st], "%s is unreachable", st)

		if !st.terminal() && !st.cleanup() {
			_, ok := transitions[transitionKey{st, evFail}]
			assert.True(t, ok, "%s has no error exit", st)
		}
	}
}

// walk replays events from INIT and returns the visited states.
func walk(t *testing.T, events ...healEvent) []healState {
	t.Helper()
	st := stateInit
	trace := []healState{st}
	for _, ev := range events {
		next, ok := transitions[transitionKey{st, ev}]
		require.True(t, ok, "no transition from %s on %s", st, ev)
		st = next
		trace = append(trace, st)
	}
	return trace
}

func TestTransitionPaths(t *testing.T) {
	t.Run("file heal", func(t *testing.T) {
		trace := walk(t, evFile, evOK, evOK, evOK, evOK, evFile, evOK, evOK, evOK, evOK, evOK)
		assert.Equal(t, []healState{
			stateInit, stateOpenAll, stateAcquireLock, stateFetchVersions, stateDecide,
			stateOpenForHeal, stateCopyData, stateCopyMetadata, stateResetMetadata,
			stateCloseHandles, stateReleaseLock, stateDone,
		}, trace)
	})

	t.Run("clean", func(t *testing.T) {
		trace := walk(t, evDir, evOK, evOK, evOK, evClean, evClean, evClean)
		assert.Equal(t, stateDone, trace[len(trace)-1])
		assert.NotContains(t, trace, stateOpenForHeal)
	})

	t.Run("split-brain releases the lock first", func(t *testing.T) {
		trace := walk(t, evFile, evOK, evOK, evOK, evSplitBrain, evSplitBrain, evSplitBrain, evSplitBrain)
		assert.Equal(t, []healState{
			stateInit, stateOpenAll, stateAcquireLock, stateFetchVersions, stateDecide,
			stateError, stateReleaseLock, stateCloseHandles, stateSplitBrain,
		}, trace)
	})

	t.Run("lock retry", func(t *testing.T) {
		trace := walk(t, evFile, evOK, evRetry, evOK)
		assert.Equal(t, []healState{stateInit, stateOpenAll, stateAcquireLock, stateOpenAll, stateAcquireLock}, trace)
	})
}

// ============================================================================
// Session bookkeeping
// ============================================================================

func TestConcurrentHealsShareOneSession(t *testing.T) {
	fx := newFixture(t, 2, testOptions())

	var calls atomic.Int32
	cb := func(*HealResult) { calls.Add(1) }

	require.True(t, fx.r.reserveHeal("/f", cb))
	assert.True(t, fx.r.Healing("/f"))
	assert.False(t, fx.r.reserveHeal("/f", cb), "second request joins the first")
	assert.True(t, fx.r.afterHeal("/f", cb))
	assert.False(t, fx.r.afterHeal("/g", cb))

	fx.r.completeHeal(&HealResult{Path: "/f"})
	assert.Equal(t, int32(3), calls.Load())
	assert.False(t, fx.r.Healing("/f"))
}

// ============================================================================
// Sessions
// ============================================================================

// Nobody owes anything: the session only locks, reads the changelog and
// unlocks.
func TestHealCleanReplicas(t *testing.T) {
	fx := newFixture(t, 3, testOptions())
	require.NoError(t, syncop.WriteFile(fx.ctx, fx.r, "/f", []byte("same everywhere")))

	writes := make([]int, 3)
	lockCalls := make([]int, 3)
	for i, rp := range fx.replicas {
		writes[i] = rp.client.Calls(xlator.OpWritev)
		lockCalls[i] = rp.client.Calls(xlator.OpInodelk)
	}

	res := fx.heal("/f")
	assert.Equal(t, OutcomeClean, res.Outcome)
	assert.NoError(t, res.Err)
	assert.Zero(t, res.Bytes)

	for i, rp := range fx.replicas {
		assert.Zero(t, rp.client.Calls(xlator.OpReadv))
		assert.Equal(t, writes[i], rp.client.Calls(xlator.OpWritev))
		assert.Zero(t, rp.client.Calls(xlator.OpUtimens))
		assert.Equal(t, lockCalls[i]+2, rp.client.Calls(xlator.OpInodelk), "one lock and one unlock")
	}
	fx.assertReleased("/f")
}

// Replica 1 owes three writes and receives the latest content.
func TestHealCopiesFromLatest(t *testing.T) {
	fx := newFixture(t, 2, testOptions())
	require.NoError(t, syncop.WriteFile(fx.ctx, fx.r, "/f", []byte("stale")))

	latest := "the quick brown fox jumps"
	require.NoError(t, syncop.WriteFile(fx.ctx, fx.brick(0), "/f", []byte(latest)))
	fx.accuse(0, "/f", 1, 3)

	res := fx.heal("/f")
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeHealed, res.Outcome)
	assert.Equal(t, HealData, res.Kind)
	assert.Equal(t, "client0", res.Source)
	assert.Equal(t, []string{"client1"}, res.Sinks)
	assert.Equal(t, int64(len(latest)), res.Bytes)

	assert.Equal(t, latest, fx.content(1, "/f"))
	assert.Equal(t, latest, fx.content(0, "/f"))
	for i := range fx.replicas {
		for j := range fx.replicas {
			assert.Zero(t, fx.pending(i, "/f", j), "replica %d still accuses %d", i, j)
		}
	}

	src, err := syncop.Stat(fx.ctx, fx.brick(0), "/f")
	require.NoError(t, err)
	dst, err := syncop.Stat(fx.ctx, fx.brick(1), "/f")
	require.NoError(t, err)
	assert.True(t, src.Mtime.Equal(dst.Mtime))

	fx.assertReleased("/f")
	assert.Equal(t, len(latest), fx.metrics.bytes)
	assert.Equal(t, []Outcome{OutcomeHealed}, fx.metrics.outcomes)

	again := fx.heal("/f")
	assert.Equal(t, OutcomeClean, again.Outcome)
}

// Both replicas accuse each other: nothing is touched.
func TestHealSplitBrain(t *testing.T) {
	fx := newFixture(t, 2, testOptions())
	require.NoError(t, syncop.WriteFile(fx.ctx, fx.r, "/f", []byte("base")))
	require.NoError(t, syncop.WriteFile(fx.ctx, fx.brick(0), "/f", []byte("left")))
	require.NoError(t, syncop.WriteFile(fx.ctx, fx.brick(1), "/f", []byte("right")))
	fx.accuse(0, "/f", 1, 2)
	fx.accuse(1, "/f", 0, 2)

	res := fx.heal("/f")
	assert.Equal(t, OutcomeSplitBrain, res.Outcome)
	assert.True(t, xlator.IsCode(res.Err, xlator.ErrSplitBrain))

	assert.Equal(t, "left", fx.content(0, "/f"))
	assert.Equal(t, "right", fx.content(1, "/f"))
	assert.Equal(t, int64(2), fx.pending(0, "/f", 1))
	assert.Equal(t, int64(2), fx.pending(1, "/f", 0))
	for _, rp := range fx.replicas {
		assert.Zero(t, rp.client.Calls(xlator.OpReadv))
		assert.Zero(t, rp.client.Calls(xlator.OpUtimens))
	}
	fx.assertReleased("/f")
}

// Entries {a,b,c} on the latest replica, {a,b,d} plus a stray subtree on
// the stale one.
func TestHealDirectoryEntries(t *testing.T) {
	fx := newFixture(t, 2, testOptions())
	require.NoError(t, syncop.Mkdir(fx.ctx, fx.r, "/d", 0o755))
	require.NoError(t, syncop.WriteFile(fx.ctx, fx.r, "/d/a", []byte("a")))
	require.NoError(t, syncop.WriteFile(fx.ctx, fx.r, "/d/b", []byte("b")))

	require.NoError(t, syncop.WriteFile(fx.ctx, fx.brick(0), "/d/c", []byte("ccc")))
	require.NoError(t, syncop.WriteFile(fx.ctx, fx.brick(1), "/d/d", []byte("d")))
	require.NoError(t, syncop.Mkdir(fx.ctx, fx.brick(1), "/d/e", 0o755))
	require.NoError(t, syncop.WriteFile(fx.ctx, fx.brick(1), "/d/e/inner", []byte("i")))
	fx.accuse(0, "/d", 1, 1)

	res := fx.heal("/d")
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeHealed, res.Outcome)
	assert.Equal(t, HealEntry, res.Kind)

	assert.ElementsMatch(t, []string{"a", "b", "c"}, fx.names(0, "/d"))
	assert.ElementsMatch(t, []string{"a", "b", "c"}, fx.names(1, "/d"))
	assert.Zero(t, fx.pending(0, "/d", 1))

	src, _, err := syncop.Lookup(fx.ctx, fx.brick(0), "/d/c")
	require.NoError(t, err)
	dst, _, err := syncop.Lookup(fx.ctx, fx.brick(1), "/d/c")
	require.NoError(t, err)
	assert.Equal(t, src.Gfid, dst.Gfid)
	assert.Zero(t, dst.Size)
	assert.Equal(t, int64(1), fx.pending(0, "/d/c", 1), "the new entry owes its content")
	fx.assertReleased("/d")

	// the content follows with a data heal of the new entry
	res = fx.heal("/d/c")
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeHealed, res.Outcome)
	assert.Equal(t, "ccc", fx.content(1, "/d/c"))
	fx.assertReleased("/d/c")
}

func TestHealDirectoryReplacesMismatchedType(t *testing.T) {
	fx := newFixture(t, 2, testOptions())
	require.NoError(t, syncop.Mkdir(fx.ctx, fx.r, "/d", 0o755))

	require.NoError(t, syncop.WriteFile(fx.ctx, fx.brick(0), "/d/x", []byte("file")))
	require.NoError(t, syncop.Mkdir(fx.ctx, fx.brick(1), "/d/x", 0o755))
	require.NoError(t, syncop.WriteFile(fx.ctx, fx.brick(1), "/d/x/y", []byte("y")))
	fx.accuse(0, "/d", 1, 1)

	res := fx.heal("/d")
	require.NoError(t, res.Err)

	st, err := syncop.Stat(fx.ctx, fx.brick(1), "/d/x")
	require.NoError(t, err)
	assert.Equal(t, xlator.FileTypeRegular, st.Type)
	assert.Equal(t, int64(1), fx.pending(0, "/d/x", 1))
	fx.assertReleased("/d")
}

// A rename made while replica 1 was away reuses the inode it already has.
func TestHealFollowsRenameDuringOutage(t *testing.T) {
	fx := newFixture(t, 2, testOptions())
	require.NoError(t, syncop.Mkdir(fx.ctx, fx.r, "/d", 0o755))
	require.NoError(t, syncop.WriteFile(fx.ctx, fx.r, "/d/a", []byte("payload")))
	require.NoError(t, syncop.Mkdir(fx.ctx, fx.r, "/d/sub", 0o755))
	require.NoError(t, syncop.WriteFile(fx.ctx, fx.r, "/d/sub/inner", []byte("deep")))

	fx.replicas[1].client.Disconnect()
	require.NoError(t, syncop.Rename(fx.ctx, fx.r, "/d/a", "/d/b"))
	require.NoError(t, syncop.Rename(fx.ctx, fx.r, "/d/sub", "/d/moved"))
	fx.replicas[1].client.Reconnect()

	res := fx.heal("/d")
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeHealed, res.Outcome)

	assert.ElementsMatch(t, []string{"b", "moved"}, fx.names(1, "/d"))
	assert.Equal(t, "payload", fx.content(1, "/d/b"))
	assert.Equal(t, "deep", fx.content(1, "/d/moved/inner"))

	src, _, err := syncop.Lookup(fx.ctx, fx.brick(0), "/d/b")
	require.NoError(t, err)
	dst, _, err := syncop.Lookup(fx.ctx, fx.brick(1), "/d/b")
	require.NoError(t, err)
	assert.Equal(t, src.Gfid, dst.Gfid)
	assert.Equal(t, uint32(1), dst.Nlink, "the old name is gone")
	fx.assertReleased("/d")
}

// Extended attributes and ownership set while replica 1 was away reach it,
// and one only the sink has is dropped. The changelog itself is left alone.
func TestHealCopiesMetadata(t *testing.T) {
	fx := newFixture(t, 2, testOptions())
	require.NoError(t, syncop.WriteFile(fx.ctx, fx.r, "/f", []byte("x")))

	fx.replicas[1].client.Disconnect()
	require.NoError(t, syncop.Setxattr(fx.ctx, fx.r, "/f", xlator.Dict{"user.tag": []byte("blue")}))
	_, err := syncop.Setattr(fx.ctx, fx.r, "/f", xlator.Iatt{Mode: 0o600, UID: 42, GID: 43}, xlator.SetattrMode|xlator.SetattrUID|xlator.SetattrGID)
	require.NoError(t, err)
	fx.replicas[1].client.Reconnect()
	require.NoError(t, syncop.Setxattr(fx.ctx, fx.brick(1), "/f", xlator.Dict{"user.stray": []byte("1")}))

	res := fx.heal("/f")
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeHealed, res.Outcome)

	d, err := syncop.Getxattr(fx.ctx, fx.brick(1), "/f", "")
	require.NoError(t, err)
	assert.Equal(t, []byte("blue"), d["user.tag"])
	assert.NotContains(t, d, "user.stray")

	st, err := syncop.Stat(fx.ctx, fx.brick(1), "/f")
	require.NoError(t, err)
	assert.Equal(t, uint32(0o600), st.Mode)
	assert.Equal(t, uint32(42), st.UID)
	assert.Equal(t, uint32(43), st.GID)

	assert.Zero(t, fx.pending(0, "/f", 1))
	assert.Equal(t, OutcomeClean, fx.heal("/f").Outcome)
	fx.assertReleased("/f")
}

// A write arriving while the sink is being copied waits for the heal and
// lands on both replicas afterwards.
func TestWriteWaitsForDataHeal(t *testing.T) {
	fx := newFixture(t, 2, testOptions())
	require.NoError(t, syncop.WriteFile(fx.ctx, fx.r, "/f", []byte("AAAAAAAA")))
	fx.replicas[1].client.Disconnect()
	require.NoError(t, syncop.WriteFile(fx.ctx, fx.r, "/f", []byte("BBBBBBBB")))
	fx.replicas[1].client.Reconnect()

	fd, err := syncop.Open(fx.ctx, fx.r, "/f", xlator.OpenReadWrite)
	require.NoError(t, err)

	written := make(chan error, 1)
	var once sync.Once
	source := fx.replicas[0].locks
	fx.replicas[1].client.OnOp(xlator.OpWritev, func(*xlator.Args) {
		once.Do(func() {
			go func() {
				written <- syncop.Writev(fx.ctx, fx.r, fd, []byte("CCCC"), 0)
			}()
			// hold the copy until the write is queued behind the heal's lock
			deadline := time.Now().Add(2 * time.Second)
			for source.Waiting("/f") == 0 && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
		})
	})

	res := fx.heal("/f")
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeHealed, res.Outcome)

	select {
	case err := <-written:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("write never completed")
	}
	fx.replicas[1].client.Clear()
	require.NoError(t, syncop.Release(fx.ctx, fx.r, fd))

	assert.Equal(t, "CCCCBBBB", fx.content(0, "/f"))
	assert.Equal(t, "CCCCBBBB", fx.content(1, "/f"))
	assert.Zero(t, fx.pending(0, "/f", 1))
	assert.Zero(t, fx.pending(1, "/f", 0))
	assert.Equal(t, OutcomeClean, fx.heal("/f").Outcome)
	fx.assertReleased("/f")
}

// The write of the third chunk fails and the debt stays.
func TestHealAbortsOnFailedCopy(t *testing.T) {
	fx := newFixture(t, 2, testOptions())
	require.NoError(t, syncop.WriteFile(fx.ctx, fx.r, "/f", []byte("x")))

	latest := "aaaabbbbccccddddeeee"
	require.NoError(t, syncop.WriteFile(fx.ctx, fx.brick(0), "/f", []byte(latest)))
	fx.accuse(0, "/f", 1, 3)

	sink := fx.replicas[1].client
	sink.FailOpAfter(xlator.OpWritev, sink.Calls(xlator.OpWritev)+2, xlator.NewError(xlator.ErrIO, "/f", "disk error"))

	res := fx.heal("/f")
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.True(t, xlator.IsCode(res.Err, xlator.ErrIO))
	assert.Equal(t, int64(8), res.Bytes)

	assert.Equal(t, "aaaabbbb", fx.content(1, "/f"))
	assert.Equal(t, int64(3), fx.pending(0, "/f", 1), "a failed copy leaves the debt in place")
	fx.assertReleased("/f")

	sink.Clear()
	res = fx.heal("/f")
	require.NoError(t, res.Err)
	assert.Equal(t, latest, fx.content(1, "/f"))
}

func TestHealFailsWhenLockIsTaken(t *testing.T) {
	fx := newFixture(t, 2, testOptions())
	require.NoError(t, syncop.WriteFile(fx.ctx, fx.r, "/f", []byte("x")))
	fx.accuse(0, "/f", 1, 1)

	_, err := syncop.Inodelk(fx.ctx, fx.replicas[1].locks, "/f", xlator.LockSet, xlator.WholeFile("someone"))
	require.NoError(t, err)

	res := fx.heal("/f")
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.True(t, xlator.IsCode(res.Err, xlator.ErrAgain))
	assert.Zero(t, fx.replicas[0].locks.Held("/f"))
	assert.Equal(t, 1, fx.replicas[1].locks.Held("/f"))
	assert.Zero(t, fx.brick(0).OpenHandles())
	assert.Zero(t, fx.brick(1).OpenHandles())
}

func TestHealFailsWhenSinkCannotOpen(t *testing.T) {
	fx := newFixture(t, 2, testOptions())
	require.NoError(t, syncop.WriteFile(fx.ctx, fx.r, "/f", []byte("x")))
	fx.accuse(0, "/f", 1, 1)

	// the first open (OPEN_ALL) works, the one for the copy does not
	sink := fx.replicas[1].client
	sink.FailOpAfter(xlator.OpOpen, sink.Calls(xlator.OpOpen)+1, xlator.NewError(xlator.ErrPermissionDenied, "/f", "denied"))

	res := fx.heal("/f")
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.True(t, xlator.IsCode(res.Err, xlator.ErrPermissionDenied))
	fx.assertReleased("/f")
}

func TestHealSkipsSymlinks(t *testing.T) {
	fx := newFixture(t, 2, testOptions())
	require.NoError(t, syncop.Symlink(fx.ctx, fx.r, "target", "/l"))

	before := make([]int, len(fx.replicas))
	for i, rp := range fx.replicas {
		before[i] = rp.client.Calls(xlator.OpInodelk)
	}

	res := fx.heal("/l")
	assert.Equal(t, OutcomeClean, res.Outcome)
	for i, rp := range fx.replicas {
		assert.Equal(t, before[i], rp.client.Calls(xlator.OpInodelk))
	}
}

func TestHealMissingPath(t *testing.T) {
	fx := newFixture(t, 2, testOptions())
	res := fx.heal("/nope")
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.True(t, xlator.IsCode(res.Err, xlator.ErrNotFound))
}

// lockDropper forwards everything until the first lock request after it is
// armed, at which point it reports its subtree down and fails every further
// call.
type lockDropper struct {
	*xlator.Base
	armed   atomic.Bool
	dropped atomic.Bool
}

func newLockDropper(name string, child xlator.Translator) *lockDropper {
	d := &lockDropper{Base: xlator.NewBase(name, "debug/lock-dropper", []xlator.Translator{child})}
	d.SetSelf(d)
	d.SetHandler(d.handle)
	return d
}

func (d *lockDropper) handle(f *frame.Frame, op xlator.Op, a *xlator.Args, cbk xlator.Callback) {
	if op == xlator.OpInodelk && d.armed.Load() && d.dropped.CompareAndSwap(false, true) {
		d.NotifyParents(xlator.EventChildDown)
	}
	if d.dropped.Load() {
		xlator.Unwind(f, cbk, xlator.ErrReply(xlator.NewError(xlator.ErrNotConnected, a.Path(), "%s went away", d.Name())))
		return
	}
	d.Forward(f, op, a, cbk)
}

func TestHealRetriesWhenReplicaGoesAway(t *testing.T) {
	var children []xlator.Translator
	var bricks []*kv.KV
	var lks []*locks.Locks
	for i := 0; i < 2; i++ {
		brick := kv.New(fmt.Sprintf("brick%d", i), memory.NewMemoryBackend(), kv.Options{})
		require.NoError(t, brick.Init(t.Context()))
		lk := locks.New(fmt.Sprintf("locks%d", i), brick)
		xlator.AttachChildren(lk)
		bricks = append(bricks, brick)
		lks = append(lks, lk)
		children = append(children, lk)
	}
	dropper := newLockDropper("client1", lks[1])
	xlator.AttachChildren(dropper)
	children[1] = dropper
	client0 := xlatortest.NewFaulty("client0", lks[0])
	xlator.AttachChildren(client0)
	children[0] = client0

	r := New("mirror", children, testOptions(), nil)
	xlator.AttachChildren(r)
	xlatortest.NewRecorder(r).Notify(xlator.EventParentUp, nil)
	t.Cleanup(func() { _ = r.Fini() })

	require.NoError(t, syncop.WriteFile(t.Context(), r, "/f", []byte("x")))
	d := xlator.Dict{}
	d.SetInt(PendingKey("client1"), 1)
	_, err := syncop.Xattrop(t.Context(), bricks[0], "/f", xlator.XattropAdd, d)
	require.NoError(t, err)

	lockCalls := client0.Calls(xlator.OpInodelk)
	dropper.armed.Store(true)
	res, err := r.HealPath(t.Context(), "/f")
	require.NoError(t, err)
	assert.Equal(t, OutcomeClean, res.Outcome, "with the sink gone there is nothing to heal")
	assert.False(t, r.IsUp(1))
	assert.Equal(t, lockCalls+4, client0.Calls(xlator.OpInodelk), "lock, unlock, relock, unlock")
	assert.Zero(t, lks[0].Held("/f"))
	assert.Zero(t, bricks[0].OpenHandles())
}
