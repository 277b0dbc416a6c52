package xlator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/mirrorfs/internal/logger"
	"github.com/marmos91/mirrorfs/pkg/frame"
)

// Invoke issues a call on a child using the child's frame and the guarded
// callback created by Wind.
type Invoke func(cf *frame.Frame, cbk Callback)

// winding is the bookkeeping of one wound call.
type winding struct {
	delivered atomic.Bool
	mu        sync.Mutex
	timer     *time.Timer
	cbk       Callback
}

func (w *winding) deliver(r *Reply) bool {
	if !w.delivered.CompareAndSwap(false, true) {
		return false
	}
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	w.cbk(r)
	return true
}

// Wind issues a sub-call from the frame parent into child. A child frame is
// created for the callee and cbk is invoked exactly once with its reply.
//
// When the root carries a timeout, a watchdog synthesizes ErrNotConnected if
// the child has not replied in time; the real reply, if it ever arrives, is
// dropped.
func Wind(parent *frame.Frame, child Translator, invoke Invoke, cbk Callback) {
	if child == nil {
		cbk(ErrReply(NewError(ErrNotConnected, "", "no child to wind into")))
		return
	}

	cf := parent.Child(child.Name())
	w := &winding{cbk: cbk}

	if timeout := parent.Root.Timeout; timeout > 0 {
		name := child.Name()
		w.mu.Lock()
		w.timer = time.AfterFunc(timeout, func() {
			if w.deliver(ErrReply(NewError(ErrNotConnected, "", "call bailout: %s did not reply within %s", name, timeout))) {
				logger.Warn("Call bailout: frame=%s child=%s timeout=%s", cf.ID, name, timeout)
			}
		})
		w.mu.Unlock()
	}

	invoke(cf, func(r *Reply) {
		if !w.deliver(r) {
			logger.Debug("Dropping late reply: frame=%s child=%s", cf.ID, child.Name())
		}
	})
}

// WindOp is Wind for a generic operation described by op and a.
func WindOp(parent *frame.Frame, child Translator, op Op, a *Args, cbk Callback) {
	Wind(parent, child, func(cf *frame.Frame, c Callback) {
		Dispatch(child, cf, op, a, c)
	}, cbk)
}

// Unwind completes frame f and hands r to cbk. A second unwind of the same
// frame is dropped and recorded as a violation.
func Unwind(f *frame.Frame, cbk Callback, r *Reply) {
	if !f.Complete() {
		logger.Error("Double unwind dropped: frame=%s this=%s", f.ID, f.This)
		return
	}
	if r == nil {
		r = &Reply{}
	}
	cbk(r)
}
