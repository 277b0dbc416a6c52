package volume

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/marmos91/mirrorfs/pkg/storage/memory"
	"github.com/marmos91/mirrorfs/pkg/syncop"
	"github.com/marmos91/mirrorfs/pkg/xlator"
	"github.com/marmos91/mirrorfs/pkg/xlators/cluster/replicate"
	"github.com/marmos91/mirrorfs/pkg/xlators/features/locks"
	"github.com/marmos91/mirrorfs/pkg/xlators/storage/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRegistry knows enough types to build a small mirror.
func testRegistry() *Registry {
	reg := NewRegistry()
	reg.Register(kv.Type, func(_ context.Context, spec NodeSpec, children []xlator.Translator, _ xlator.Translator) (xlator.Translator, error) {
		if len(children) != 0 {
			return nil, errors.New("a brick has no subvolumes")
		}
		return kv.New(spec.Name, memory.NewMemoryBackend(), kv.Options{}), nil
	})
	reg.Register(locks.Type, func(_ context.Context, spec NodeSpec, children []xlator.Translator, _ xlator.Translator) (xlator.Translator, error) {
		if len(children) != 1 {
			return nil, errors.New("exactly one subvolume required")
		}
		return locks.New(spec.Name, children[0]), nil
	})
	reg.Register(replicate.Type, func(_ context.Context, spec NodeSpec, children []xlator.Translator, _ xlator.Translator) (xlator.Translator, error) {
		return replicate.New(spec.Name, children, replicate.DefaultOptions(), nil), nil
	})
	return reg
}

func mirrorGraph() Graph {
	return Graph{Nodes: []NodeSpec{
		{Name: "mirror", Type: replicate.Type, Subvolumes: []string{"locks0", "locks1"}},
		{Name: "locks0", Type: locks.Type, Subvolumes: []string{"brick0"}},
		{Name: "locks1", Type: locks.Type, Subvolumes: []string{"brick1"}},
		{Name: "brick0", Type: kv.Type},
		{Name: "brick1", Type: kv.Type},
	}}
}

func TestBuildOrdersLeavesFirst(t *testing.T) {
	ctx := context.Background()
	v, err := Build(ctx, mirrorGraph(), testRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Stop() })

	assert.Equal(t, "mirror", v.Top().Name())

	pos := make(map[string]int)
	for i, tr := range v.Translators() {
		pos[tr.Name()] = i
	}
	assert.Less(t, pos["brick0"], pos["locks0"])
	assert.Less(t, pos["brick1"], pos["locks1"])
	assert.Less(t, pos["locks0"], pos["mirror"])
	assert.Less(t, pos["locks1"], pos["mirror"])

	brick, ok := v.Lookup("brick0")
	require.True(t, ok)
	require.Len(t, brick.Parents(), 1)
	assert.Equal(t, "locks0", brick.Parents()[0].Name())
}

func TestStartBringsTheVolumeUp(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	v, err := Build(ctx, mirrorGraph(), testRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Stop() })

	var transitions []bool
	v.Mount().Subscribe(func(up bool) { transitions = append(transitions, up) })

	assert.False(t, v.Mount().Up())
	v.Start()
	require.NoError(t, v.WaitReady(ctx))
	assert.True(t, v.Mount().Up())
	assert.Equal(t, []bool{true}, transitions)

	require.NoError(t, syncop.WriteFile(ctx, v.Top(), "/hello", []byte("world")))
	for _, name := range []string{"brick0", "brick1"} {
		brick, _ := v.Lookup(name)
		got, err := syncop.ReadFile(ctx, brick, "/hello")
		require.NoError(t, err)
		assert.Equal(t, "world", string(got))
	}

	require.NoError(t, v.Stop())
	require.NoError(t, v.Stop())
}

func TestWaitReadyTimesOut(t *testing.T) {
	v, err := Build(context.Background(), mirrorGraph(), testRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Stop() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, v.WaitReady(ctx), context.DeadlineExceeded)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		graph   Graph
		wantErr string
	}{
		{
			name:    "empty",
			graph:   Graph{},
			wantErr: "no nodes",
		},
		{
			name: "duplicate name",
			graph: Graph{Nodes: []NodeSpec{
				{Name: "a", Type: kv.Type},
				{Name: "a", Type: kv.Type},
			}},
			wantErr: "duplicate node name",
		},
		{
			name:    "unknown type",
			graph:   Graph{Nodes: []NodeSpec{{Name: "a", Type: "cluster/stripe"}}},
			wantErr: "unknown type",
		},
		{
			name: "unknown subvolume",
			graph: Graph{Nodes: []NodeSpec{
				{Name: "l", Type: locks.Type, Subvolumes: []string{"ghost"}},
			}},
			wantErr: "unknown subvolume",
		},
		{
			name: "two tops",
			graph: Graph{Nodes: []NodeSpec{
				{Name: "a", Type: kv.Type},
				{Name: "b", Type: kv.Type},
			}},
			wantErr: "exactly one top",
		},
		{
			name: "cycle",
			graph: Graph{Top: "a", Nodes: []NodeSpec{
				{Name: "a", Type: locks.Type, Subvolumes: []string{"b"}},
				{Name: "b", Type: locks.Type, Subvolumes: []string{"a"}},
			}},
			wantErr: "cycle",
		},
		{
			name: "unreachable node",
			graph: Graph{Top: "a", Nodes: []NodeSpec{
				{Name: "a", Type: kv.Type},
				{Name: "b", Type: kv.Type},
			}},
			wantErr: "not reachable",
		},
		{
			name: "missing top",
			graph: Graph{Top: "z", Nodes: []NodeSpec{
				{Name: "a", Type: kv.Type},
			}},
			wantErr: "does not exist",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := tt.graph.Validate(testRegistry())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestBuildFactoryErrorCleansUp(t *testing.T) {
	g := Graph{Nodes: []NodeSpec{
		{Name: "l", Type: locks.Type, Subvolumes: []string{"a", "b"}},
		{Name: "a", Type: kv.Type},
		{Name: "b", Type: kv.Type},
	}}
	_, err := Build(context.Background(), g, testRegistry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `node "l"`)
}

func TestRegistryTypes(t *testing.T) {
	assert.Equal(t, []string{"cluster/replicate", "features/locks", "storage/kv"}, testRegistry().Types())
}
