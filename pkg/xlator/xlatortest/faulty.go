package xlatortest

import (
	"sync"

	"github.com/marmos91/mirrorfs/pkg/frame"
	"github.com/marmos91/mirrorfs/pkg/xlator"
)

// Faulty wraps a real child and injects failures per operation. With no fault
// configured it is a transparent passthrough.
type Faulty struct {
	*xlator.Base

	mu    sync.Mutex
	down  bool
	fail  map[xlator.Op]error
	hang  map[xlator.Op]bool
	calls map[xlator.Op]int
	// failAfter fails an op once it has been seen more than n times
	failAfter map[xlator.Op]int
	hooks     map[xlator.Op]func(a *xlator.Args)
	// hangAt holds the only path an op hangs on
	hangAt map[xlator.Op]string
}

// NewFaulty wraps child under the given name.
func NewFaulty(name string, child xlator.Translator) *Faulty {
	x := &Faulty{
		Base:      xlator.NewBase(name, "debug/faulty", []xlator.Translator{child}),
		fail:      make(map[xlator.Op]error),
		hang:      make(map[xlator.Op]bool),
		hangAt:    make(map[xlator.Op]string),
		calls:     make(map[xlator.Op]int),
		failAfter: make(map[xlator.Op]int),
		hooks:     make(map[xlator.Op]func(a *xlator.Args)),
	}
	x.SetSelf(x)
	x.SetHandler(x.handle)
	return x
}

// Disconnect makes every operation fail with ErrNotConnected and tells the
// parents the child went down.
func (x *Faulty) Disconnect() {
	x.mu.Lock()
	x.down = true
	x.mu.Unlock()
	x.NotifyParents(xlator.EventChildDown)
}

// Reconnect clears the disconnection and tells the parents the child is up.
func (x *Faulty) Reconnect() {
	x.mu.Lock()
	x.down = false
	x.mu.Unlock()
	x.NotifyParents(xlator.EventChildUp)
}

// SetDown toggles the disconnection without emitting events.
func (x *Faulty) SetDown(down bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.down = down
}

// FailOp makes op fail with err.
func (x *Faulty) FailOp(op xlator.Op, err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.fail[op] = err
}

// FailOpAfter lets op succeed n times and then fail with err.
func (x *Faulty) FailOpAfter(op xlator.Op, n int, err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.fail[op] = err
	x.failAfter[op] = n
}

// HangOp makes op never reply.
func (x *Faulty) HangOp(op xlator.Op) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.hang[op] = true
}

// HangOpOn makes op never reply when it targets path. Other paths pass.
func (x *Faulty) HangOpOn(op xlator.Op, path string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.hangAt[op] = path
}

// OnOp runs fn before every op is forwarded. fn runs on the caller's
// goroutine and must not block on the stack it sits in.
func (x *Faulty) OnOp(op xlator.Op, fn func(a *xlator.Args)) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.hooks[op] = fn
}

// Clear removes every injected fault and hook.
func (x *Faulty) Clear() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.down = false
	x.fail = make(map[xlator.Op]error)
	x.hang = make(map[xlator.Op]bool)
	x.hangAt = make(map[xlator.Op]string)
	x.failAfter = make(map[xlator.Op]int)
	x.hooks = make(map[xlator.Op]func(a *xlator.Args))
}

// Calls returns how many times op reached this translator.
func (x *Faulty) Calls(op xlator.Op) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.calls[op]
}

func (x *Faulty) handle(f *frame.Frame, op xlator.Op, a *xlator.Args, cbk xlator.Callback) {
	x.mu.Lock()
	x.calls[op]++
	seen := x.calls[op]
	down := x.down
	hang := x.hang[op]
	if p, ok := x.hangAt[op]; ok && p == a.Path() {
		hang = true
	}
	err, failing := x.fail[op]
	if n, ok := x.failAfter[op]; ok && seen <= n {
		failing = false
	}
	hook := x.hooks[op]
	x.mu.Unlock()

	if hook != nil && !down {
		hook(a)
	}

	switch {
	case down:
		xlator.Unwind(f, cbk, xlator.ErrReply(xlator.NewError(xlator.ErrNotConnected, a.Path(), "%s is down", x.Name())))
	case hang:
	case failing:
		xlator.Unwind(f, cbk, xlator.ErrReply(err))
	default:
		x.Forward(f, op, a, cbk)
	}
}
