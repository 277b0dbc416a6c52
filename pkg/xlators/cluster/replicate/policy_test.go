package replicate

import (
	"testing"

	"github.com/marmos91/mirrorfs/pkg/xlator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cl(version int64, pending ...int64) *changelog {
	return &changelog{pending: pending, version: version}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name       string
		logs       []*changelog
		latest     int
		sinks      []int
		clean      bool
		splitBrain bool
	}{
		{
			name:   "no debt, same version",
			logs:   []*changelog{cl(4, 0, 0, 0), cl(4, 0, 0, 0), cl(4, 0, 0, 0)},
			latest: 0,
			clean:  true,
		},
		{
			name:   "no debt, lagging version",
			logs:   []*changelog{cl(3, 0, 0), cl(5, 0, 0)},
			latest: 1,
			sinks:  []int{0},
		},
		{
			name:   "one replica owes writes",
			logs:   []*changelog{cl(1, 0, 3), cl(1, 0, 0)},
			latest: 0,
			sinks:  []int{1},
		},
		{
			name:       "mutual accusation",
			logs:       []*changelog{cl(1, 0, 2), cl(1, 2, 0)},
			latest:     -1,
			splitBrain: true,
		},
		{
			name:   "smallest debt wins",
			logs:   []*changelog{cl(1, 0, 1, 4), cl(1, 0, 0, 4), cl(1, 0, 0, 0)},
			latest: 0,
			sinks:  []int{1, 2},
		},
		{
			name:   "self-accusing replica is not trusted",
			logs:   []*changelog{cl(1, 0, 1), cl(1, 1, 1)},
			latest: 0,
			sinks:  []int{1},
		},
		{
			name:   "every replica self-accusing",
			logs:   []*changelog{cl(1, 1, 1), cl(2, 1, 1)},
			latest: 1,
			sinks:  []int{0},
		},
		{
			name:   "self-accusing tie goes to the lowest index",
			logs:   []*changelog{cl(1, 1, 1), cl(1, 1, 1)},
			latest: 0,
			sinks:  []int{1},
		},
		{
			name:   "non-participant is ignored",
			logs:   []*changelog{cl(2, 0, 0, 5), nil, cl(2, 0, 0, 0)},
			latest: 0,
			sinks:  []int{2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := decide(tt.logs)
			assert.Equal(t, tt.splitBrain, d.splitBrain)
			assert.Equal(t, tt.clean, d.clean)
			if tt.splitBrain {
				return
			}
			assert.Equal(t, tt.latest, d.latest)
			assert.Equal(t, tt.sinks, d.sinks)
		})
	}
}

func TestDecideNoParticipants(t *testing.T) {
	d := decide([]*changelog{nil, nil})
	assert.Equal(t, -1, d.latest)
	assert.False(t, d.clean)
	assert.False(t, d.splitBrain)
}

func TestParseChangelog(t *testing.T) {
	names := []string{"a", "b"}
	d := xlator.Dict{}
	d.SetInt(PendingKey("b"), 7)
	d.SetInt(VersionKey, 3)
	d.SetInt("user.other", 1)

	got := parseChangelog(names, d)
	assert.Equal(t, []int64{0, 7}, got.pending)
	assert.Equal(t, int64(3), got.version)
	assert.True(t, got.dirty())
	assert.False(t, parseChangelog(names, nil).dirty())
}

func TestResetDelta(t *testing.T) {
	names := []string{"a", "b", "c"}
	participant := []bool{true, true, false}
	latest := cl(9, 0, 3, 2)

	own := resetDelta(names, participant, latest, latest)
	v, ok := own.GetInt(PendingKey("b"))
	require.True(t, ok)
	assert.Equal(t, int64(-3), v)
	_, ok = own.GetInt(PendingKey("c"))
	assert.False(t, ok, "counters against absent replicas are kept")
	_, ok = own.GetInt(VersionKey)
	assert.False(t, ok)

	sink := resetDelta(names, participant, latest, cl(4, 0, 1, 0))
	v, _ = sink.GetInt(PendingKey("b"))
	assert.Equal(t, int64(-1), v)
	v, _ = sink.GetInt(PendingKey("c"))
	assert.Equal(t, int64(2), v)
	v, _ = sink.GetInt(VersionKey)
	assert.Equal(t, int64(5), v)
}

func TestTolerated(t *testing.T) {
	assert.True(t, tolerated(xlator.OpUnlink, xlator.Errorf(xlator.ErrNotFound, "/x")))
	assert.True(t, tolerated(xlator.OpMkdir, xlator.Errorf(xlator.ErrExists, "/x")))
	assert.True(t, tolerated(xlator.OpRemovexattr, xlator.Errorf(xlator.ErrNoData, "/x")))
	assert.False(t, tolerated(xlator.OpMkdir, xlator.Errorf(xlator.ErrNotFound, "/x")))
	assert.False(t, tolerated(xlator.OpWritev, xlator.Errorf(xlator.ErrIO, "/x")))
}

func TestDiffMetadata(t *testing.T) {
	want := xlator.Dict{
		"user.same":     []byte("1"),
		"user.changed":  []byte("new"),
		"user.added":    []byte("x"),
		PendingKey("a"): []byte("ignored"),
		VersionKey:      []byte("ignored"),
	}
	have := xlator.Dict{
		"user.same":     []byte("1"),
		"user.changed":  []byte("old"),
		"user.zeta":     []byte("z"),
		"user.alpha":    []byte("a"),
		PendingKey("b"): []byte("kept"),
	}

	fix := diffMetadata(want, have)
	assert.Equal(t, xlator.Dict{"user.changed": []byte("new"), "user.added": []byte("x")}, fix.set)
	assert.Equal(t, []string{"user.alpha", "user.zeta"}, fix.remove)

	fix = diffMetadata(want, want)
	assert.Empty(t, fix.set)
	assert.Empty(t, fix.remove)
}
