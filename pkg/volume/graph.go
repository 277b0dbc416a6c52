// Package volume composes translators into a graph from a declarative
// description and drives the graph's lifecycle.
package volume

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/marmos91/mirrorfs/pkg/xlator"
)

// NodeSpec describes one translator of the graph.
type NodeSpec struct {
	// Name is unique within the graph
	Name string `mapstructure:"name" yaml:"name" validate:"required"`

	// Type selects the factory ("cluster/replicate", "storage/kv", ...)
	Type string `mapstructure:"type" yaml:"type" validate:"required"`

	// Subvolumes lists the children by name, in order
	Subvolumes []string `mapstructure:"subvolumes" yaml:"subvolumes,omitempty"`

	// Namespace names the namespace child of a cluster/unify node
	Namespace string `mapstructure:"namespace" yaml:"namespace,omitempty"`

	// Options is decoded by the factory of Type
	Options map[string]any `mapstructure:"options" yaml:"options,omitempty"`
}

// Graph is the declarative description of a volume.
type Graph struct {
	Nodes []NodeSpec `mapstructure:"nodes" yaml:"nodes" validate:"required,min=1,dive"`

	// Top names the node exposed to the mount; empty selects the only node
	// nobody references
	Top string `mapstructure:"top" yaml:"top,omitempty"`
}

// Factory builds the translator of one node. children are built already, in
// the order of spec.Subvolumes; ns is nil unless spec.Namespace is set.
type Factory func(ctx context.Context, spec NodeSpec, children []xlator.Translator, ns xlator.Translator) (xlator.Translator, error)

// Registry maps translator types to their factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory of typ.
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

// Factory returns the factory of typ.
func (r *Registry) Factory(typ string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[typ]
	return f, ok
}

// Types lists the registered types in lexical order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for typ := range r.factories {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

// references returns the nodes spec depends on: its subvolumes, then its
// namespace.
func (s *NodeSpec) references() []string {
	refs := append([]string(nil), s.Subvolumes...)
	if s.Namespace != "" {
		refs = append(refs, s.Namespace)
	}
	return refs
}

// Validate checks names and references, rejects cycles, and returns the
// nodes in build order (every node after all of its references) together
// with the resolved top node.
func (g *Graph) Validate(reg *Registry) ([]*NodeSpec, string, error) {
	if len(g.Nodes) == 0 {
		return nil, "", fmt.Errorf("volume: graph has no nodes")
	}

	// ========================================================================
	// Step 1: names, types and references
	// ========================================================================

	byName := make(map[string]*NodeSpec, len(g.Nodes))
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.Name == "" {
			return nil, "", fmt.Errorf("volume: nodes[%d]: name is required", i)
		}
		if _, dup := byName[n.Name]; dup {
			return nil, "", fmt.Errorf("volume: duplicate node name %q", n.Name)
		}
		if reg != nil {
			if _, ok := reg.Factory(n.Type); !ok {
				return nil, "", fmt.Errorf("volume: node %q: unknown type %q", n.Name, n.Type)
			}
		}
		byName[n.Name] = n
	}

	referenced := make(map[string]bool)
	for i := range g.Nodes {
		n := &g.Nodes[i]
		seen := make(map[string]bool)
		for _, ref := range n.references() {
			if _, ok := byName[ref]; !ok {
				return nil, "", fmt.Errorf("volume: node %q: unknown subvolume %q", n.Name, ref)
			}
			if seen[ref] {
				return nil, "", fmt.Errorf("volume: node %q: subvolume %q listed twice", n.Name, ref)
			}
			seen[ref] = true
			referenced[ref] = true
		}
	}

	// ========================================================================
	// Step 2: top
	// ========================================================================

	top := g.Top
	if top == "" {
		var roots []string
		for _, n := range g.Nodes {
			if !referenced[n.Name] {
				roots = append(roots, n.Name)
			}
		}
		if len(roots) != 1 {
			return nil, "", fmt.Errorf("volume: expected exactly one top node, found %d %v", len(roots), roots)
		}
		top = roots[0]
	} else if _, ok := byName[top]; !ok {
		return nil, "", fmt.Errorf("volume: top node %q does not exist", top)
	}

	// ========================================================================
	// Step 3: depth-first order from the top, leaves first
	// ========================================================================

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(byName))
	order := make([]*NodeSpec, 0, len(byName))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("volume: cycle through %v", append(path, name))
		}
		state[name] = visiting
		n := byName[name]
		for _, ref := range n.references() {
			if err := visit(ref, append(path, name)); err != nil {
				return err
			}
		}
		state[name] = done
		order = append(order, n)
		return nil
	}
	if err := visit(top, nil); err != nil {
		return nil, "", err
	}

	if len(order) != len(byName) {
		for _, n := range g.Nodes {
			if state[n.Name] != done {
				return nil, "", fmt.Errorf("volume: node %q is not reachable from top %q", n.Name, top)
			}
		}
	}
	return order, top, nil
}
