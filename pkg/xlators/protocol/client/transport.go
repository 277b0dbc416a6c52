package client

import (
	"sync"

	"github.com/marmos91/mirrorfs/pkg/frame"
	"github.com/marmos91/mirrorfs/pkg/xlator"
)

// Transport carries operations from the client to the remote subtree.
type Transport interface {
	// Call submits op and eventually invokes cbk exactly once.
	Call(f *frame.Frame, op xlator.Op, a *xlator.Args, cbk xlator.Callback)

	// Connected reports whether the connection is established.
	Connected() bool

	// SetStateHandler registers the function called on every connection
	// state change.
	SetStateHandler(fn func(connected bool))
}

// Loopback is an in-process Transport that winds straight into the remote
// translator. Disconnect and Reconnect simulate a network partition.
type Loopback struct {
	remote xlator.Translator

	mu      sync.Mutex
	up      bool
	onState func(bool)
}

// NewLoopback creates a connected loopback to remote.
func NewLoopback(remote xlator.Translator) *Loopback {
	return &Loopback{remote: remote, up: true}
}

func (l *Loopback) Call(f *frame.Frame, op xlator.Op, a *xlator.Args, cbk xlator.Callback) {
	if !l.Connected() {
		cbk(xlator.ErrReply(xlator.NewError(xlator.ErrNotConnected, a.Path(), "transport endpoint is not connected")))
		return
	}
	xlator.WindOp(f, l.remote, op, a, cbk)
}

func (l *Loopback) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.up
}

func (l *Loopback) SetStateHandler(fn func(bool)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onState = fn
}

// Disconnect breaks the connection.
func (l *Loopback) Disconnect() {
	l.setState(false)
}

// Reconnect restores the connection.
func (l *Loopback) Reconnect() {
	l.setState(true)
}

func (l *Loopback) setState(up bool) {
	l.mu.Lock()
	changed := l.up != up
	l.up = up
	fn := l.onState
	l.mu.Unlock()

	if changed && fn != nil {
		fn(up)
	}
}
