package volume

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/marmos91/mirrorfs/internal/logger"
	"github.com/marmos91/mirrorfs/pkg/xlator"
)

// Volume is a built translator graph.
type Volume struct {
	graph Graph
	order []xlator.Translator
	nodes map[string]xlator.Translator
	top   xlator.Translator
	mount *Mount

	stopOnce sync.Once
	stopErr  error
}

// Build validates g, creates every translator bottom-up through reg, runs
// Init on each one after its children, and wires the parent links.
//
// On error every translator created so far is finalized.
func Build(ctx context.Context, g Graph, reg *Registry) (*Volume, error) {
	specs, top, err := g.Validate(reg)
	if err != nil {
		return nil, err
	}

	v := &Volume{
		graph: g,
		nodes: make(map[string]xlator.Translator, len(specs)),
	}

	for _, spec := range specs {
		children := make([]xlator.Translator, 0, len(spec.Subvolumes))
		for _, name := range spec.Subvolumes {
			children = append(children, v.nodes[name])
		}
		var ns xlator.Translator
		if spec.Namespace != "" {
			ns = v.nodes[spec.Namespace]
		}

		factory, _ := reg.Factory(spec.Type)
		t, err := factory(ctx, *spec, children, ns)
		if err != nil {
			v.finiAll()
			return nil, fmt.Errorf("volume: node %q (%s): %w", spec.Name, spec.Type, err)
		}
		if t.Name() != spec.Name {
			v.finiAll()
			return nil, fmt.Errorf("volume: node %q: factory for %s returned translator %q", spec.Name, spec.Type, t.Name())
		}
		if err := t.Init(ctx); err != nil {
			_ = t.Fini()
			v.finiAll()
			return nil, fmt.Errorf("volume: init %q: %w", spec.Name, err)
		}
		xlator.AttachChildren(t)

		v.nodes[spec.Name] = t
		v.order = append(v.order, t)
		logger.Debug("Volume: built %s (%s) over %v", spec.Name, spec.Type, spec.Subvolumes)
	}

	v.top = v.nodes[top]
	v.mount = newMount(v.top)
	return v, nil
}

// Top returns the translator exposed to the mount.
func (v *Volume) Top() xlator.Translator {
	return v.top
}

// Mount returns the pseudo-parent of the top translator.
func (v *Volume) Mount() *Mount {
	return v.mount
}

// Lookup returns the translator named name.
func (v *Volume) Lookup(name string) (xlator.Translator, bool) {
	t, ok := v.nodes[name]
	return t, ok
}

// Translators returns every translator in build order (leaves first).
func (v *Volume) Translators() []xlator.Translator {
	return append([]xlator.Translator(nil), v.order...)
}

// Graph returns the description the volume was built from.
func (v *Volume) Graph() Graph {
	return v.graph
}

// Start announces the mount to the graph. Leaves answer with child-up
// events that travel back to the mount; Mount.Ready fires on the first one
// that reaches it.
func (v *Volume) Start() {
	logger.Info("Volume: starting %s", v.top.Name())
	v.mount.Notify(xlator.EventParentUp, nil)
}

// WaitReady blocks until the top translator reported up or ctx is done.
func (v *Volume) WaitReady(ctx context.Context) error {
	select {
	case <-v.mount.Ready():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("volume: %s did not come up: %w", v.top.Name(), ctx.Err())
	}
}

// Stop runs Fini on every translator, top first. It is safe to call more
// than once.
func (v *Volume) Stop() error {
	v.stopOnce.Do(func() {
		logger.Info("Volume: stopping %s", v.top.Name())
		v.stopErr = v.finiAll()
	})
	return v.stopErr
}

func (v *Volume) finiAll() error {
	var errs []error
	for i := len(v.order) - 1; i >= 0; i-- {
		t := v.order[i]
		if err := t.Fini(); err != nil {
			logger.Warn("Volume: fini %s: %v", t.Name(), err)
			errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// ============================================================================
// Mount
// ============================================================================

// Mount is the parent of the top translator. It sends parent-up down and
// follows the up/down state the top reports.
type Mount struct {
	*xlator.Base

	mu    sync.Mutex
	up    bool
	ready chan struct{}
	subs  []func(up bool)
}

func newMount(top xlator.Translator) *Mount {
	m := &Mount{
		Base:  xlator.NewBase("mount", "mount", []xlator.Translator{top}),
		ready: make(chan struct{}),
	}
	m.SetSelf(m)
	top.AddParent(m)
	return m
}

// Notify forwards parent-up to the top and records child events.
func (m *Mount) Notify(ev xlator.Event, from xlator.Translator) {
	switch ev {
	case xlator.EventParentUp:
		m.NotifyChildren(ev)
		return
	case xlator.EventChildUp, xlator.EventChildDown:
	default:
		return
	}

	m.mu.Lock()
	was := m.up
	m.up = ev == xlator.EventChildUp
	if m.up {
		select {
		case <-m.ready:
		default:
			close(m.ready)
		}
	}
	subs := append([]func(bool){}, m.subs...)
	now := m.up
	m.mu.Unlock()

	if was != now {
		logger.Info("Volume: %s is %s", m.FirstChild().Name(), ev)
		for _, fn := range subs {
			fn(now)
		}
	}
}

// Up reports whether the top translator is up.
func (m *Mount) Up() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.up
}

// Ready is closed the first time the top translator reports up.
func (m *Mount) Ready() <-chan struct{} {
	return m.ready
}

// Subscribe registers fn to be called on every up/down transition of the
// top translator.
func (m *Mount) Subscribe(fn func(up bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}
