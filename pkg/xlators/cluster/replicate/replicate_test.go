package replicate

import (
	"context"
	"fmt"
	"sync"
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

// replica is one leg of the mirror: a brick under a lock server, reached
// through a fault injector.
type replica struct {
	brick  *kv.KV
	locks  *locks.Locks
	client *xlatortest.Faulty
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	r        *Replicate
	replicas []*replica
	metrics  *recordingMetrics
}

func newFixture(t *testing.T, n int, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()

	fx := &fixture{t: t, ctx: ctx, metrics: &recordingMetrics{}}
	children := make([]xlator.Translator, 0, n)
	for i := 0; i < n; i++ {
		brick := kv.New(fmt.Sprintf("brick%d", i), memory.NewMemoryBackend(), kv.Options{})
		require.NoError(t, brick.Init(ctx))
		lk := locks.New(fmt.Sprintf("locks%d", i), brick)
		xlator.AttachChildren(lk)
		client := xlatortest.NewFaulty(fmt.Sprintf("client%d", i), lk)
		xlator.AttachChildren(client)

		fx.replicas = append(fx.replicas, &replica{brick: brick, locks: lk, client: client})
		children = append(children, client)
	}

	fx.r = New("mirror", children, opts, fx.metrics)
	xlator.AttachChildren(fx.r)
	rec := xlatortest.NewRecorder(fx.r)
	rec.Notify(xlator.EventParentUp, nil)
	t.Cleanup(func() { _ = fx.r.Fini() })

	for i := range children {
		require.True(t, fx.r.IsUp(i), "child %d should be up", i)
	}
	return fx
}

// brick returns the storage translator of replica i.
func (fx *fixture) brick(i int) *kv.KV {
	return fx.replicas[i].brick
}

// accuse adds n to the pending counter replica i holds against child j on
// path.
func (fx *fixture) accuse(i int, path string, j int, n int64) {
	fx.t.Helper()
	d := xlator.Dict{}
	d.SetInt(PendingKey(fx.r.names[j]), n)
	_, err := syncop.Xattrop(fx.ctx, fx.brick(i), path, xlator.XattropAdd, d)
	require.NoError(fx.t, err)
}

// pending returns the counter replica i holds against child j on path.
func (fx *fixture) pending(i int, path string, j int) int64 {
	fx.t.Helper()
	d, err := syncop.Xattrop(fx.ctx, fx.brick(i), path, xlator.XattropGet, nil)
	require.NoError(fx.t, err)
	v, _ := d.GetInt(PendingKey(fx.r.names[j]))
	return v
}

func (fx *fixture) content(i int, path string) string {
	fx.t.Helper()
	data, err := syncop.ReadFile(fx.ctx, fx.brick(i), path)
	require.NoError(fx.t, err)
	return string(data)
}

func (fx *fixture) names(i int, path string) []string {
	fx.t.Helper()
	entries, err := syncop.Readdir(fx.ctx, fx.brick(i), path)
	require.NoError(fx.t, err)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name)
	}
	return out
}

// assertReleased checks that no lock or handle outlived the session.
func (fx *fixture) assertReleased(path string) {
	fx.t.Helper()
	for i, rp := range fx.replicas {
		assert.Zero(fx.t, rp.locks.Held(path), "locks left on replica %d", i)
		assert.Zero(fx.t, rp.brick.OpenHandles(), "handles left on replica %d", i)
	}
}

func (fx *fixture) heal(path string) *HealResult {
	fx.t.Helper()
	ctx, cancel := context.WithTimeout(fx.ctx, 5*time.Second)
	defer cancel()
	res, _ := fx.r.HealPath(ctx, path)
	require.NotNil(fx.t, res)
	return res
}

type recordingMetrics struct {
	mu       sync.Mutex
	started  int
	outcomes []Outcome
	bytes    int
}

func (m *recordingMetrics) SessionStarted(HealKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
}

func (m *recordingMetrics) SessionFinished(_ HealKind, o Outcome, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, o)
}

func (m *recordingMetrics) BytesCopied(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bytes += n
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.ChunkSize = 4
	opts.ReaddirBatch = 2
	return opts
}

// ============================================================================
// Fan-out
// ============================================================================

func TestWriteReachesEveryReplica(t *testing.T) {
	fx := newFixture(t, 3, testOptions())

	require.NoError(t, syncop.Mkdir(fx.ctx, fx.r, "/d", 0o755))
	require.NoError(t, syncop.WriteFile(fx.ctx, fx.r, "/d/f", []byte("replicated")))

	var gfid string
	for i := range fx.replicas {
		assert.Equal(t, "replicated", fx.content(i, "/d/f"))
		st, _, err := syncop.Lookup(fx.ctx, fx.brick(i), "/d/f")
		require.NoError(t, err)
		if i == 0 {
			gfid = st.Gfid.String()
		}
		assert.Equal(t, gfid, st.Gfid.String(), "replicas must agree on the gfid")
		for j := range fx.replicas {
			assert.Zero(t, fx.pending(i, "/d/f", j))
		}
	}

	got, err := syncop.ReadFile(fx.ctx, fx.r, "/d/f")
	require.NoError(t, err)
	assert.Equal(t, "replicated", string(got))
	fx.assertReleased("/d/f")
}

func TestWriteWithReplicaDownRecordsDebt(t *testing.T) {
	fx := newFixture(t, 2, testOptions())
	require.NoError(t, syncop.WriteFile(fx.ctx, fx.r, "/f", []byte("v1")))

	fx.replicas[1].client.Disconnect()
	require.False(t, fx.r.IsUp(1))

	fd, err := syncop.Open(fx.ctx, fx.r, "/f", xlator.OpenReadWrite)
	require.NoError(t, err)
	require.NoError(t, syncop.Writev(fx.ctx, fx.r, fd, []byte("v2"), 0))
	require.NoError(t, syncop.Release(fx.ctx, fx.r, fd))

	assert.Equal(t, int64(1), fx.pending(0, "/f", 1), "the live replica accuses the missing one")
	assert.Zero(t, fx.pending(0, "/f", 0))
	assert.Equal(t, "v2", fx.content(0, "/f"))
	assert.Equal(t, "v1", fx.content(1, "/f"))
}

func TestLookupTriggersHealAfterReconnect(t *testing.T) {
	fx := newFixture(t, 2, testOptions())
	require.NoError(t, syncop.WriteFile(fx.ctx, fx.r, "/f", []byte("old")))

	fx.replicas[1].client.Disconnect()
	require.NoError(t, syncop.WriteFile(fx.ctx, fx.r, "/f", []byte("new content")))
	fx.replicas[1].client.Reconnect()
	require.True(t, fx.r.IsUp(1))

	_, _, err := syncop.Lookup(fx.ctx, fx.r, "/f")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		data, err := syncop.ReadFile(fx.ctx, fx.brick(1), "/f")
		return err == nil && string(data) == "new content" && !fx.r.Healing("/f")
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, fx.pending(0, "/f", 1))
	fx.assertReleased("/f")
}

func TestOptimistToleratesExpectedDivergence(t *testing.T) {
	tests := []struct {
		name     string
		optimist bool
		wantErr  bool
	}{
		{name: "optimist on", optimist: true},
		{name: "optimist off", optimist: false, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions()
			opts.Optimist = tt.optimist
			fx := newFixture(t, 2, opts)

			require.NoError(t, syncop.WriteFile(fx.ctx, fx.r, "/f", []byte("x")))
			require.NoError(t, syncop.Unlink(fx.ctx, fx.brick(1), "/f"))

			err := syncop.Unlink(fx.ctx, fx.r, "/f")
			if tt.wantErr {
				assert.True(t, xlator.IsCode(err, xlator.ErrNotFound))
			} else {
				assert.NoError(t, err)
			}

			_, err = syncop.Stat(fx.ctx, fx.brick(0), "/f")
			assert.True(t, xlator.IsCode(err, xlator.ErrNotFound))
		})
	}
}

func TestReadFailsOver(t *testing.T) {
	fx := newFixture(t, 2, testOptions())
	require.NoError(t, syncop.WriteFile(fx.ctx, fx.r, "/f", []byte("abc")))

	fx.replicas[0].client.FailOp(xlator.OpStat, xlator.NewError(xlator.ErrNotConnected, "/f", "gone"))
	st, err := syncop.Stat(fx.ctx, fx.r, "/f")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), st.Size)
	assert.Equal(t, 1, fx.replicas[1].client.Calls(xlator.OpStat))

	fx.replicas[1].client.FailOp(xlator.OpStat, xlator.NewError(xlator.ErrNotConnected, "/f", "gone"))
	_, err = syncop.Stat(fx.ctx, fx.r, "/f")
	assert.True(t, xlator.IsNotConnected(err))
}

func TestReadErrorIsNotRetried(t *testing.T) {
	fx := newFixture(t, 2, testOptions())
	_, err := syncop.Stat(fx.ctx, fx.r, "/missing")
	assert.True(t, xlator.IsCode(err, xlator.ErrNotFound))
	assert.Equal(t, 1, fx.replicas[0].client.Calls(xlator.OpStat)+fx.replicas[1].client.Calls(xlator.OpStat))
}

func TestNoChildUp(t *testing.T) {
	fx := newFixture(t, 2, testOptions())
	fx.replicas[0].client.Disconnect()
	fx.replicas[1].client.Disconnect()

	err := syncop.Mkdir(fx.ctx, fx.r, "/d", 0o755)
	assert.True(t, xlator.IsNotConnected(err))
	_, err = syncop.Stat(fx.ctx, fx.r, "/")
	assert.True(t, xlator.IsNotConnected(err))
}

func TestInodelkRollsBackOnConflict(t *testing.T) {
	fx := newFixture(t, 2, testOptions())
	require.NoError(t, syncop.WriteFile(fx.ctx, fx.r, "/f", []byte("x")))

	_, err := syncop.Inodelk(fx.ctx, fx.brick(1), "/f", xlator.LockSet, xlator.WholeFile("other"))
	require.Error(t, err, "kv has no lock server")

	_, err = syncop.Inodelk(fx.ctx, fx.replicas[1].locks, "/f", xlator.LockSet, xlator.WholeFile("other"))
	require.NoError(t, err)

	_, err = syncop.Inodelk(fx.ctx, fx.r, "/f", xlator.LockSet, xlator.WholeFile("me"))
	assert.True(t, xlator.IsCode(err, xlator.ErrAgain))
	assert.Zero(t, fx.replicas[0].locks.Held("/f"), "the lock granted on replica 0 is rolled back")
	assert.Equal(t, 1, fx.replicas[1].locks.Held("/f"))
}

func TestDirectoryOperations(t *testing.T) {
	fx := newFixture(t, 2, testOptions())

	require.NoError(t, syncop.Mkdir(fx.ctx, fx.r, "/a", 0o755))
	require.NoError(t, syncop.WriteFile(fx.ctx, fx.r, "/a/x", []byte("1")))
	require.NoError(t, syncop.Symlink(fx.ctx, fx.r, "x", "/a/l"))
	require.NoError(t, syncop.Rename(fx.ctx, fx.r, "/a/x", "/a/y"))

	for i := range fx.replicas {
		assert.ElementsMatch(t, []string{"l", "y"}, fx.names(i, "/a"))
		target, err := syncop.Readlink(fx.ctx, fx.brick(i), "/a/l")
		require.NoError(t, err)
		assert.Equal(t, "x", target)
	}

	entries, err := syncop.Readdir(fx.ctx, fx.r, "/a")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	require.NoError(t, syncop.Unlink(fx.ctx, fx.r, "/a/y"))
	require.NoError(t, syncop.Unlink(fx.ctx, fx.r, "/a/l"))
	require.NoError(t, syncop.Rmdir(fx.ctx, fx.r, "/a"))
	for i := range fx.replicas {
		assert.Empty(t, fx.names(i, "/"))
		assert.Zero(t, fx.pending(i, "/", 0))
		assert.Zero(t, fx.pending(i, "/", 1))
	}
	fx.assertReleased("/")
}
