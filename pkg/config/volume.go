package config

import (
	"context"
	"fmt"
	"io"

	"github.com/marmos91/mirrorfs/pkg/volume"
	"github.com/marmos91/mirrorfs/pkg/xlators/cluster/replicate"
	"gopkg.in/yaml.v3"
)

// BuildVolume builds the configured translator graph. heal receives the
// self-heal metrics of every replicate node and may be nil.
func BuildVolume(ctx context.Context, cfg *Config, heal replicate.HealMetrics) (*volume.Volume, error) {
	vol, err := volume.Build(ctx, cfg.Volume, DefaultRegistry(heal))
	if err != nil {
		return nil, fmt.Errorf("failed to build volume: %w", err)
	}
	return vol, nil
}

// HealTargets returns the replicate nodes the heal daemon crawls: the ones
// named in heal.replicates, or every replicate node of the volume, leaves
// first.
func HealTargets(cfg *Config, vol *volume.Volume) ([]*replicate.Replicate, error) {
	var targets []*replicate.Replicate
	if len(cfg.Heal.Replicates) > 0 {
		for _, name := range cfg.Heal.Replicates {
			t, ok := vol.Lookup(name)
			if !ok {
				return nil, fmt.Errorf("heal: unknown node %q", name)
			}
			r, ok := t.(*replicate.Replicate)
			if !ok {
				return nil, fmt.Errorf("heal: node %q is a %s, not a %s", name, t.Type(), replicate.Type)
			}
			targets = append(targets, r)
		}
		return targets, nil
	}

	for _, t := range vol.Translators() {
		if r, ok := t.(*replicate.Replicate); ok {
			targets = append(targets, r)
		}
	}
	return targets, nil
}

// DumpGraph writes g as YAML, in the layout accepted under the volume key
// of the configuration file.
func DumpGraph(w io.Writer, g volume.Graph) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(g); err != nil {
		return fmt.Errorf("failed to encode graph: %w", err)
	}
	return enc.Close()
}
