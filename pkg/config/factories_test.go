package config

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/marmos91/mirrorfs/pkg/syncop"
	"github.com/marmos91/mirrorfs/pkg/volume"
	"github.com/marmos91/mirrorfs/pkg/xlators/cluster/replicate"
	"github.com/marmos91/mirrorfs/pkg/xlators/cluster/unify"
	"github.com/marmos91/mirrorfs/pkg/xlators/storage/kv"
	"gopkg.in/yaml.v3"
)

func TestBuildVolume_DefaultGraph(t *testing.T) {
	ctx := context.Background()
	cfg := GetDefaultConfig()

	vol, err := BuildVolume(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("Failed to build default volume: %v", err)
	}
	defer func() { _ = vol.Stop() }()

	vol.Start()
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := vol.WaitReady(waitCtx); err != nil {
		t.Fatalf("Volume did not come up: %v", err)
	}

	if err := syncop.WriteFile(ctx, vol.Top(), "/hello", []byte("world")); err != nil {
		t.Fatalf("Write through the volume failed: %v", err)
	}
	for _, name := range []string{"brick0", "brick1"} {
		brick, _ := vol.Lookup(name)
		data, err := syncop.ReadFile(ctx, brick, "/hello")
		if err != nil || string(data) != "world" {
			t.Errorf("%s: expected 'world', got %q (%v)", name, data, err)
		}
	}

	targets, err := HealTargets(cfg, vol)
	if err != nil {
		t.Fatalf("HealTargets failed: %v", err)
	}
	if len(targets) != 1 || targets[0].Name() != "mirror" {
		t.Errorf("Expected the mirror node as the only heal target, got %d targets", len(targets))
	}
}

func TestBuildVolume_Unify(t *testing.T) {
	memory := map[string]any{"backend": map[string]any{"type": "memory"}}
	cfg := GetDefaultConfig()
	cfg.Volume = volume.Graph{
		Nodes: []volume.NodeSpec{
			{Name: "unify", Type: unify.Type, Subvolumes: []string{"d0", "d1"}, Namespace: "ns"},
			{Name: "ns", Type: kv.Type, Options: memory},
			{Name: "d0", Type: kv.Type, Options: memory},
			{Name: "d1", Type: kv.Type, Options: memory},
		},
	}

	vol, err := BuildVolume(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Failed to build unify volume: %v", err)
	}
	defer func() { _ = vol.Stop() }()

	if vol.Top().Type() != unify.Type {
		t.Errorf("Expected top of type %s, got %s", unify.Type, vol.Top().Type())
	}
	targets, err := HealTargets(cfg, vol)
	if err != nil || len(targets) != 0 {
		t.Errorf("Expected no heal targets, got %d (%v)", len(targets), err)
	}
}

func TestBuildVolume_FactoryErrors(t *testing.T) {
	tests := []struct {
		name    string
		node    volume.NodeSpec
		wantErr string
	}{
		{
			name:    "unknown option",
			node:    volume.NodeSpec{Name: "b", Type: kv.Type, Options: map[string]any{"backend": map[string]any{"type": "memory"}, "colour": "red"}},
			wantErr: "colour",
		},
		{
			name:    "missing backend",
			node:    volume.NodeSpec{Name: "b", Type: kv.Type, Options: map[string]any{}},
			wantErr: "Type",
		},
		{
			name:    "bad backend type",
			node:    volume.NodeSpec{Name: "b", Type: kv.Type, Options: map[string]any{"backend": map[string]any{"type": "floppy"}}},
			wantErr: "oneof",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			cfg.Volume = volume.Graph{Nodes: []volume.NodeSpec{tt.node}}
			_, err := BuildVolume(context.Background(), cfg, nil)
			if err == nil {
				t.Fatalf("Expected an error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDecodeOptions_Replicate(t *testing.T) {
	opts := replicate.DefaultOptions()
	err := decodeOptions(map[string]any{
		"chunk_size":     "65536",
		"optimist":       false,
		"read_subvolume": "locks1",
	}, &opts)
	if err != nil {
		t.Fatalf("decodeOptions failed: %v", err)
	}
	if opts.ChunkSize != 65536 || opts.Optimist || opts.ReadSubvolume != "locks1" {
		t.Errorf("Unexpected options: %+v", opts)
	}
	if !opts.DataSelfHeal {
		t.Error("Defaults not set in the map should survive decoding")
	}

	if err := decodeOptions(map[string]any{"chunk_size": 16}, &opts); err == nil {
		t.Error("Expected chunk_size below the minimum to be rejected")
	}
}

func TestCreateBackend(t *testing.T) {
	ctx := context.Background()

	for _, cfg := range []BackendConfig{
		{Type: "memory"},
		{Type: "badger", Badger: map[string]any{"in_memory": true}},
	} {
		t.Run(cfg.Type, func(t *testing.T) {
			backend, err := CreateBackend(ctx, &cfg)
			if err != nil {
				t.Fatalf("CreateBackend failed: %v", err)
			}
			defer func() { _ = backend.Close() }()

			if err := backend.Put(ctx, "k", 0, []byte("value"), true); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
			data, err := backend.Get(ctx, "k", 0, -1)
			if err != nil || string(data) != "value" {
				t.Errorf("Expected 'value', got %q (%v)", data, err)
			}
		})
	}

	if _, err := CreateBackend(ctx, &BackendConfig{Type: "s3", S3: map[string]any{"region": "eu-west-1"}}); err == nil {
		t.Error("Expected an S3 backend without bucket to be rejected")
	}
}

func TestDumpGraph(t *testing.T) {
	var buf bytes.Buffer
	if err := DumpGraph(&buf, DefaultGraph()); err != nil {
		t.Fatalf("DumpGraph failed: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"top: mirror", "type: cluster/replicate", "- locks0"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected dump to contain %q:\n%s", want, out)
		}
	}

	var back volume.Graph
	if err := yaml.Unmarshal(buf.Bytes(), &back); err != nil {
		t.Fatalf("Dump is not valid YAML: %v", err)
	}
	if _, top, err := back.Validate(DefaultRegistry(nil)); err != nil || top != "mirror" {
		t.Errorf("Dumped graph does not validate: top=%q err=%v", top, err)
	}
}

func TestInitializeMetrics_Disabled(t *testing.T) {
	res := InitializeMetrics(GetDefaultConfig())
	if res.Server != nil || res.Heal != nil || res.Crawl != nil {
		t.Errorf("Expected no metrics components when disabled, got %+v", res)
	}
}
