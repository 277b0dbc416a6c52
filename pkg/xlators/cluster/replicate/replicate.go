// Package replicate implements the cluster/replicate translator.
//
// Every write-class operation is fanned out to all live children as a
// transaction that records write debt in each replica's extended attributes
// before the operation lands and clears it afterwards on the replicas that
// applied it. Reads go to one replica and fail over on connectivity errors.
// Lookups compare the replicas and start a self-heal session when they
// diverge; the session is an explicit state machine (see heal_session.go).
package replicate

import (
	"context"
	"sync"

	"github.com/marmos91/mirrorfs/internal/logger"
	"github.com/marmos91/mirrorfs/internal/ratelimiter"
	"github.com/marmos91/mirrorfs/pkg/frame"
	"github.com/marmos91/mirrorfs/pkg/xlator"
)

// Type is the registry type of this translator.
const Type = "cluster/replicate"

// maxHints bounds the read-child hint table.
const maxHints = 4096

// Replicate mirrors every operation over its children.
type Replicate struct {
	*xlator.Base

	opts      Options
	names     []string
	children  []xlator.Translator
	preferred int
	limiter   *ratelimiter.RateLimiter
	metrics   HealMetrics
	ctx       context.Context
	cancel    context.CancelFunc

	mu    sync.RWMutex
	up    []bool
	hints map[string]int

	healMu   sync.Mutex
	inflight map[string][]HealCallback

	hooksMu sync.Mutex
	upHooks []func(child string)
}

// New creates a replicate translator over children. metrics may be nil.
func New(name string, children []xlator.Translator, opts Options, metrics HealMetrics) *Replicate {
	opts.applyDefaults()
	if metrics == nil {
		metrics = noopMetrics{}
	}
	ctx, cancel := context.WithCancel(context.Background())

	r := &Replicate{
		Base:      xlator.NewBase(name, Type, children),
		opts:      opts,
		children:  children,
		preferred: -1,
		limiter:   ratelimiter.New(opts.HealRate, 0),
		metrics:   metrics,
		ctx:       ctx,
		cancel:    cancel,
		up:        make([]bool, len(children)),
		hints:     make(map[string]int),
		inflight:  make(map[string][]HealCallback),
	}
	for i, c := range children {
		r.names = append(r.names, c.Name())
		if c.Name() == opts.ReadSubvolume {
			r.preferred = i
		}
	}
	r.SetSelf(r)
	r.SetHandler(r.handle)
	return r
}

// Options returns the effective options.
func (r *Replicate) Options() Options {
	return r.opts
}

// Fini stops background heals started by lookups.
func (r *Replicate) Fini() error {
	r.cancel()
	return nil
}

// Notify keeps the per-child liveness flags current and applies the default
// propagation.
func (r *Replicate) Notify(ev xlator.Event, from xlator.Translator) {
	if from != nil && (ev == xlator.EventChildUp || ev == xlator.EventChildDown) {
		if i := r.ChildIndex(from.Name()); i >= 0 {
			r.mu.Lock()
			came := !r.up[i] && ev == xlator.EventChildUp
			r.up[i] = ev == xlator.EventChildUp
			r.mu.Unlock()
			logger.Debug("Replicate %s: child %s is %s", r.Name(), from.Name(), ev)
			if came {
				r.childCameUp(from.Name())
			}
		}
	}
	r.Base.Notify(ev, from)
}

// OnChildUp registers fn to run, on its own goroutine, every time a child
// comes up. The heal daemon uses it to crawl after a replica returns.
func (r *Replicate) OnChildUp(fn func(child string)) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.upHooks = append(r.upHooks, fn)
}

func (r *Replicate) childCameUp(name string) {
	r.hooksMu.Lock()
	hooks := append([]func(string){}, r.upHooks...)
	r.hooksMu.Unlock()
	for _, fn := range hooks {
		go fn(name)
	}
}

// Names returns the child names in order.
func (r *Replicate) Names() []string {
	return append([]string(nil), r.names...)
}

// IsUp reports whether child i is live.
func (r *Replicate) IsUp(i int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.up[i]
}

// liveChildren returns the indices of the live children in order.
func (r *Replicate) liveChildren() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []int
	for i, up := range r.up {
		if up {
			out = append(out, i)
		}
	}
	return out
}

func (r *Replicate) hint(path string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.hints[path]
	return i, ok
}

func (r *Replicate) setHint(path string, i int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.hints) >= maxHints {
		r.hints = make(map[string]int)
	}
	r.hints[path] = i
}

func (r *Replicate) dropHint(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.hints, path)
}

// readOrder lists the live children to try for a read of path: the hinted
// child first, then the preferred read subvolume, then the rest in order.
func (r *Replicate) readOrder(path string, allowed []bool) []int {
	live := r.liveChildren()
	first := r.preferred
	if i, ok := r.hint(path); ok {
		first = i
	}

	var order []int
	for _, i := range live {
		if i == first && (allowed == nil || allowed[i]) {
			order = append(order, i)
		}
	}
	for _, i := range live {
		if i != first && (allowed == nil || allowed[i]) {
			order = append(order, i)
		}
	}
	return order
}

// fdCtx records on which children a handle is open.
type fdCtx struct {
	mu     sync.Mutex
	opened []bool
}

func (r *Replicate) fdOpened(fd *xlator.FD) ([]bool, bool) {
	if fd == nil {
		return nil, false
	}
	v, ok := fd.Ctx(r.Name())
	if !ok {
		return nil, false
	}
	c := v.(*fdCtx)
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.opened...), true
}

func (r *Replicate) setFDOpened(fd *xlator.FD, opened []bool) {
	fd.SetCtx(r.Name(), &fdCtx{opened: opened})
}

// notConnected builds the reply used when no child can serve an operation.
func (r *Replicate) notConnected(path string) *xlator.Reply {
	return xlator.ErrReply(xlator.NewError(xlator.ErrNotConnected, path, "%s: no child is up", r.Name()))
}

func (r *Replicate) handle(f *frame.Frame, op xlator.Op, a *xlator.Args, cbk xlator.Callback) {
	switch op {
	case xlator.OpLookup:
		r.lookup(f, a, cbk)
	case xlator.OpStat, xlator.OpReadlink, xlator.OpGetxattr, xlator.OpChecksum:
		r.readLoc(f, op, a, cbk)
	case xlator.OpFstat, xlator.OpReadv, xlator.OpReaddir:
		r.readFD(f, op, a, cbk)
	case xlator.OpOpen, xlator.OpOpendir:
		r.open(f, op, a, cbk)
	case xlator.OpRelease, xlator.OpSetdents, xlator.OpFsyncdir:
		r.fdFanout(f, op, a, cbk)
	case xlator.OpInodelk:
		r.inodelk(f, a, cbk)
	case xlator.OpXattrop:
		r.xattrop(f, a, cbk)
	default:
		r.transaction(f, op, a, cbk)
	}
}
