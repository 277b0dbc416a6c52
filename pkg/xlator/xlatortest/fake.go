// Package xlatortest provides programmable translators for tests: a leaf
// whose replies are scripted and a fault injector that wraps a real child.
package xlatortest

import (
	"sync"
	"time"

	"github.com/marmos91/mirrorfs/pkg/frame"
	"github.com/marmos91/mirrorfs/pkg/xlator"
)

// Mode selects how a Fake delivers replies.
type Mode int

const (
	// ReplySync answers on the caller's goroutine
	ReplySync Mode = iota
	// ReplyAsync answers from a new goroutine
	ReplyAsync
	// ReplyNever never answers
	ReplyNever
	// ReplyTwice answers twice, exercising double-unwind protection
	ReplyTwice
)

// Fake is a leaf translator with scripted replies.
type Fake struct {
	*xlator.Base

	mu    sync.Mutex
	mode  Mode
	delay time.Duration
	reply func(op xlator.Op, a *xlator.Args) *xlator.Reply
	calls []xlator.Op
}

// NewFake creates a leaf answering every operation with an empty success.
func NewFake(name string) *Fake {
	f := &Fake{Base: xlator.NewBase(name, "debug/fake", nil)}
	f.SetSelf(f)
	f.SetHandler(f.handle)
	return f
}

// SetMode changes the delivery mode.
func (x *Fake) SetMode(m Mode) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.mode = m
}

// SetDelay delays async replies.
func (x *Fake) SetDelay(d time.Duration) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.delay = d
}

// SetReply scripts the reply for every operation.
func (x *Fake) SetReply(fn func(op xlator.Op, a *xlator.Args) *xlator.Reply) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.reply = fn
}

// Calls returns the operations received so far.
func (x *Fake) Calls() []xlator.Op {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]xlator.Op(nil), x.calls...)
}

func (x *Fake) handle(f *frame.Frame, op xlator.Op, a *xlator.Args, cbk xlator.Callback) {
	x.mu.Lock()
	x.calls = append(x.calls, op)
	mode, delay, fn := x.mode, x.delay, x.reply
	x.mu.Unlock()

	r := &xlator.Reply{}
	if fn != nil {
		r = fn(op, a)
	}

	switch mode {
	case ReplySync:
		xlator.Unwind(f, cbk, r)
	case ReplyAsync:
		go func() {
			if delay > 0 {
				time.Sleep(delay)
			}
			xlator.Unwind(f, cbk, r)
		}()
	case ReplyNever:
	case ReplyTwice:
		xlator.Unwind(f, cbk, r)
		xlator.Unwind(f, cbk, r)
	}
}
