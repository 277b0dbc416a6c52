// Package iothreads implements the performance/io-threads translator. It
// moves every operation off the caller's goroutine and bounds how many run
// concurrently against the child.
package iothreads

import (
	"context"

	"github.com/marmos91/mirrorfs/internal/logger"
	"github.com/marmos91/mirrorfs/pkg/frame"
	"github.com/marmos91/mirrorfs/pkg/xlator"
	"golang.org/x/sync/semaphore"
)

// Type is the registry type of this translator.
const Type = "performance/io-threads"

// DefaultThreads is the concurrency used when Options.Threads is zero.
const DefaultThreads = 16

// Options configures the translator.
type Options struct {
	// Threads bounds the number of operations in flight below this translator
	Threads int64 `mapstructure:"threads" validate:"omitempty,min=1,max=1024"`
}

// IOThreads runs child operations on goroutines behind a weighted semaphore.
type IOThreads struct {
	*xlator.Base

	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
}

// New stacks an io-threads translator on child.
func New(name string, child xlator.Translator, opts Options) *IOThreads {
	if opts.Threads <= 0 {
		opts.Threads = DefaultThreads
	}
	ctx, cancel := context.WithCancel(context.Background())
	x := &IOThreads{
		Base:   xlator.NewBase(name, Type, []xlator.Translator{child}),
		sem:    semaphore.NewWeighted(opts.Threads),
		ctx:    ctx,
		cancel: cancel,
	}
	x.SetSelf(x)
	x.SetHandler(x.handle)
	return x
}

func (x *IOThreads) handle(f *frame.Frame, op xlator.Op, a *xlator.Args, cbk xlator.Callback) {
	// A queued lock request would hold a slot until some other call
	// releases the range, so locks never take one.
	if op == xlator.OpInodelk {
		x.Forward(f, op, a, cbk)
		return
	}
	go func() {
		if err := x.sem.Acquire(x.ctx, 1); err != nil {
			logger.Debug("IOThreads %s: dropping %s, translator stopped", x.Name(), op)
			xlator.Unwind(f, cbk, xlator.ErrReply(xlator.NewError(xlator.ErrNotConnected, a.Path(), "%s stopped", x.Name())))
			return
		}
		xlator.WindOp(f, x.FirstChild(), op, a, func(r *xlator.Reply) {
			x.sem.Release(1)
			xlator.Unwind(f, cbk, r)
		})
	}()
}

// Fini fails every queued operation.
func (x *IOThreads) Fini() error {
	x.cancel()
	return nil
}
