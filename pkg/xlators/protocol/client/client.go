// Package client implements the protocol/client translator: the local stub
// of a remote brick subtree.
//
// The client forwards every operation over a Transport. While the transport
// is down all operations fail with ErrNotConnected. The client remembers
// every file and directory handle opened through it, and when the
// connection comes back it reopens them with their original flags before
// reporting the child up again, so open handles survive a reconnect.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/marmos91/mirrorfs/internal/logger"
	"github.com/marmos91/mirrorfs/pkg/frame"
	"github.com/marmos91/mirrorfs/pkg/xlator"
)

// Type is the registry type of this translator.
const Type = "protocol/client"

// Options configures the client.
type Options struct {
	// ReopenAttempts bounds the attempts made to reopen one handle after a
	// reconnect. Zero means 3.
	ReopenAttempts uint `mapstructure:"reopen_attempts" validate:"omitempty,max=100"`

	// ReopenDelay is the initial backoff between reopen attempts. Zero means
	// 50ms.
	ReopenDelay time.Duration `mapstructure:"reopen_delay"`

	// ReopenTimeout bounds a single reopen call. Zero means 5s.
	ReopenTimeout time.Duration `mapstructure:"reopen_timeout"`
}

func (o *Options) applyDefaults() {
	if o.ReopenAttempts == 0 {
		o.ReopenAttempts = 3
	}
	if o.ReopenDelay == 0 {
		o.ReopenDelay = 50 * time.Millisecond
	}
	if o.ReopenTimeout == 0 {
		o.ReopenTimeout = 5 * time.Second
	}
}

type fdRecord struct {
	loc   xlator.Loc
	flags int
	dir   bool
	bad   bool
}

// Client is the protocol/client translator.
type Client struct {
	*xlator.Base

	transport Transport
	opts      Options
	ctx       context.Context
	cancel    context.CancelFunc

	mu        sync.Mutex
	connected bool
	remoteUp  bool
	gen       uint64
	fds       map[*xlator.FD]*fdRecord
}

// New creates a client for remote. A nil transport selects an in-process
// Loopback.
func New(name string, remote xlator.Translator, transport Transport, opts Options) *Client {
	opts.applyDefaults()
	if transport == nil {
		transport = NewLoopback(remote)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		Base:      xlator.NewBase(name, Type, []xlator.Translator{remote}),
		transport: transport,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		connected: transport.Connected(),
		fds:       make(map[*xlator.FD]*fdRecord),
	}
	c.SetSelf(c)
	c.SetHandler(c.handle)
	transport.SetStateHandler(c.onTransportState)
	return c
}

// Transport returns the transport the client talks through.
func (c *Client) Transport() Transport {
	return c.transport
}

// Connected reports whether operations are currently accepted.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// OpenFDs returns the number of remembered handles.
func (c *Client) OpenFDs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fds)
}

// IsBad reports whether fd could not be reopened after a reconnect.
func (c *Client) IsBad(fd *xlator.FD) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.fds[fd]
	return ok && rec.bad
}

func usesFD(op xlator.Op) bool {
	switch op {
	case xlator.OpFstat, xlator.OpReadv, xlator.OpWritev, xlator.OpFtruncate,
		xlator.OpReaddir, xlator.OpSetdents, xlator.OpFsyncdir:
		return true
	}
	return false
}

func (c *Client) handle(f *frame.Frame, op xlator.Op, a *xlator.Args, cbk xlator.Callback) {
	if !c.Connected() {
		xlator.Unwind(f, cbk, xlator.ErrReply(xlator.NewError(xlator.ErrNotConnected, a.Path(), "%s is not connected", c.Name())))
		return
	}
	if op == xlator.OpRelease && c.IsBad(a.FD) {
		c.forget(a.FD)
		xlator.Unwind(f, cbk, &xlator.Reply{})
		return
	}
	if usesFD(op) && c.IsBad(a.FD) {
		xlator.Unwind(f, cbk, xlator.ErrReply(xlator.NewError(xlator.ErrBadHandle, a.Path(), "handle lost on reconnect")))
		return
	}

	c.transport.Call(f, op, a, func(r *xlator.Reply) {
		switch op {
		case xlator.OpOpen, xlator.OpCreate:
			if r.OK() {
				c.remember(a.FD, a.Loc, a.Flags, false)
			}
		case xlator.OpOpendir:
			if r.OK() {
				c.remember(a.FD, a.Loc, 0, true)
			}
		case xlator.OpRelease:
			c.forget(a.FD)
		}
		xlator.Unwind(f, cbk, r)
	})
}

func (c *Client) remember(fd *xlator.FD, loc *xlator.Loc, flags int, dir bool) {
	if fd == nil || loc == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fds[fd] = &fdRecord{loc: *loc, flags: flags, dir: dir}
}

func (c *Client) forget(fd *xlator.FD) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.fds, fd)
}

// Notify gates the remote subtree's events on the connection state.
func (c *Client) Notify(ev xlator.Event, from xlator.Translator) {
	switch ev {
	case xlator.EventChildUp:
		c.mu.Lock()
		c.remoteUp = true
		report := c.connected
		c.mu.Unlock()
		if report {
			c.NotifyParents(xlator.EventChildUp)
		}
	case xlator.EventChildDown:
		c.mu.Lock()
		report := c.connected && c.remoteUp
		c.remoteUp = false
		c.mu.Unlock()
		if report {
			c.NotifyParents(xlator.EventChildDown)
		}
	default:
		c.Base.Notify(ev, from)
	}
}

func (c *Client) onTransportState(up bool) {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	wasConnected := c.connected
	c.connected = false
	remoteUp := c.remoteUp
	c.mu.Unlock()

	if !up {
		logger.Warn("Client %s: disconnected", c.Name())
		if wasConnected && remoteUp {
			c.NotifyParents(xlator.EventChildDown)
		}
		return
	}

	go c.reconnect(gen)
}

func (c *Client) reconnect(gen uint64) {
	logger.Info("Client %s: reconnected, reopening handles", c.Name())

	// ========================================================================
	// Step 1: Snapshot the handles to reopen
	// ========================================================================

	c.mu.Lock()
	pending := make(map[*xlator.FD]fdRecord, len(c.fds))
	for fd, rec := range c.fds {
		if !rec.bad {
			pending[fd] = *rec
		}
	}
	c.mu.Unlock()

	// ========================================================================
	// Step 2: Reopen each one with bounded retries
	// ========================================================================

	var failed []*xlator.FD
	for fd, rec := range pending {
		err := retry.Do(
			func() error { return c.reopen(fd, rec) },
			retry.Attempts(c.opts.ReopenAttempts),
			retry.Delay(c.opts.ReopenDelay),
			retry.MaxDelay(10*c.opts.ReopenDelay),
			retry.DelayType(retry.BackOffDelay),
			retry.RetryIf(func(err error) bool {
				return !xlator.IsCode(err, xlator.ErrNotFound) && !xlator.IsCode(err, xlator.ErrStale)
			}),
			retry.LastErrorOnly(true),
			retry.Context(c.ctx),
		)
		if err != nil {
			logger.Warn("Client %s: reopen of %s failed: %v", c.Name(), rec.loc.Path, err)
			failed = append(failed, fd)
		}
	}

	// ========================================================================
	// Step 3: Publish the connection unless the state changed meanwhile
	// ========================================================================

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		logger.Debug("Client %s: connection state changed during reopen", c.Name())
		return
	}
	for _, fd := range failed {
		if rec, ok := c.fds[fd]; ok {
			rec.bad = true
		}
	}
	c.connected = true
	remoteUp := c.remoteUp
	c.mu.Unlock()

	logger.Info("Client %s: connected (%d handles reopened, %d lost)", c.Name(), len(pending)-len(failed), len(failed))
	if remoteUp {
		c.NotifyParents(xlator.EventChildUp)
	}
}

func (c *Client) reopen(fd *xlator.FD, rec fdRecord) error {
	loc := rec.loc
	a := &xlator.Args{Loc: &loc, FD: fd}
	op := xlator.OpOpendir
	if !rec.dir {
		op = xlator.OpOpen
		a.Flags = rec.flags &^ (xlator.OpenCreate | xlator.OpenExclusive | xlator.OpenTruncate)
	}
	_, err := c.call(op, a)
	return err
}

// call issues op over the transport and waits for the reply.
func (c *Client) call(op xlator.Op, a *xlator.Args) (*xlator.Reply, error) {
	root := frame.NewRoot(frame.RootCreds)
	root.Timeout = c.opts.ReopenTimeout
	f := frame.NewFrame(root, c.Name())

	done := make(chan *xlator.Reply, 1)
	c.transport.Call(f, op, a, func(r *xlator.Reply) {
		done <- r
	})

	select {
	case r := <-done:
		return r, r.Err
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

// Fini stops any reconnect in progress.
func (c *Client) Fini() error {
	c.cancel()
	return nil
}
