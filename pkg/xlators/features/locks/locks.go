// Package locks implements the features/locks translator: a per-brick
// manager of byte-range inode locks. Requests either fail at once on a
// conflict (LockSet) or queue until the range is free (LockSetWait). Every
// other operation passes through to the child.
package locks

import (
	"fmt"
	"math"
	"time"

	"github.com/jacobsa/syncutil"
	"github.com/marmos91/mirrorfs/internal/logger"
	"github.com/marmos91/mirrorfs/pkg/frame"
	"github.com/marmos91/mirrorfs/pkg/xlator"
)

// Type is the registry type of this translator.
const Type = "features/locks"

// Locks grants inodelk requests for the brick below it.
type Locks struct {
	*xlator.Base

	mu syncutil.InvariantMutex

	// Granted locks by path.
	//
	// INVARIANT: no two locks on a path with different owners overlap unless
	// both are read locks
	// INVARIANT: no slice is empty
	//
	// GUARDED_BY(mu)
	granted map[string][]xlator.Flock

	// Queued LockSetWait requests by path, oldest first.
	//
	// INVARIANT: no slice is empty
	//
	// GUARDED_BY(mu)
	waiting map[string][]*waiter
}

// waiter is a blocked lock request. Exactly one of grant or timeout removes
// it from the queue and answers it.
type waiter struct {
	req   xlator.Flock
	frame *frame.Frame
	cbk   xlator.Callback
	timer *time.Timer
}

// New creates a lock manager stacked on child.
func New(name string, child xlator.Translator) *Locks {
	l := &Locks{
		Base:    xlator.NewBase(name, Type, []xlator.Translator{child}),
		granted: make(map[string][]xlator.Flock),
		waiting: make(map[string][]*waiter),
	}
	l.mu = syncutil.NewInvariantMutex(l.checkInvariants)
	l.SetSelf(l)
	return l
}

func (l *Locks) checkInvariants() {
	for path, held := range l.granted {
		if len(held) == 0 {
			panic(fmt.Sprintf("empty lock list for %s", path))
		}
		for i := range held {
			for j := i + 1; j < len(held); j++ {
				if conflicts(&held[i], &held[j]) {
					panic(fmt.Sprintf("conflicting locks on %s: %+v and %+v", path, held[i], held[j]))
				}
			}
		}
	}
	for path, queue := range l.waiting {
		if len(queue) == 0 {
			panic(fmt.Sprintf("empty wait queue for %s", path))
		}
	}
}

func end(lk *xlator.Flock) int64 {
	if lk.Len == 0 {
		return math.MaxInt64
	}
	return lk.Start + lk.Len
}

func overlaps(a, b *xlator.Flock) bool {
	return a.Start < end(b) && b.Start < end(a)
}

func conflicts(a, b *xlator.Flock) bool {
	if a.Owner == b.Owner {
		return false
	}
	if a.Type == xlator.LockRead && b.Type == xlator.LockRead {
		return false
	}
	return overlaps(a, b)
}

// Held returns the number of locks currently granted on path.
func (l *Locks) Held(path string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.granted[path])
}

// Waiting returns the number of queued requests on path.
func (l *Locks) Waiting(path string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiting[path])
}

// answer is a reply to deliver once mu is released.
type answer struct {
	frame *frame.Frame
	cbk   xlator.Callback
	reply *xlator.Reply
}

func deliver(answers []answer) {
	for _, a := range answers {
		xlator.Unwind(a.frame, a.cbk, a.reply)
	}
}

func (l *Locks) Inodelk(f *frame.Frame, loc *xlator.Loc, cmd xlator.LockCmd, lock *xlator.Flock, cbk xlator.Callback) {
	if lock == nil {
		xlator.Unwind(f, cbk, xlator.ErrReply(xlator.NewError(xlator.ErrInvalidArgument, loc.Path, "missing lock description")))
		return
	}

	l.mu.Lock()
	reply, queued, woken := l.inodelk(f, loc.Path, cmd, *lock, cbk)
	l.mu.Unlock()

	if !queued {
		xlator.Unwind(f, cbk, reply)
	}
	deliver(woken)
}

// inodelk applies one request. A LockSetWait request that conflicts is
// queued and reported with queued=true. Releasing a range returns the
// waiters it let through.
//
// LOCKS_REQUIRED(l.mu)
func (l *Locks) inodelk(f *frame.Frame, path string, cmd xlator.LockCmd, req xlator.Flock, cbk xlator.Callback) (reply *xlator.Reply, queued bool, woken []answer) {
	held := l.granted[path]

	if req.Type == xlator.LockUnlock {
		kept := held[:0]
		for _, lk := range held {
			if lk.Owner == req.Owner && lk.Start == req.Start && lk.Len == req.Len {
				continue
			}
			kept = append(kept, lk)
		}
		if len(kept) == 0 {
			delete(l.granted, path)
		} else {
			l.granted[path] = kept
		}
		logger.Debug("Locks %s: unlock %s owner=%s range=[%d,+%d)", l.Name(), path, req.Owner, req.Start, req.Len)
		return &xlator.Reply{}, false, l.grantWaiters(path)
	}

	if c := l.conflict(path, &req); c != nil {
		switch cmd {
		case xlator.LockGet:
			return &xlator.Reply{Lock: c}, false, nil
		case xlator.LockSetWait:
			l.enqueue(f, path, req, cbk)
			logger.Debug("Locks %s: %s busy (held by %s), owner=%s waits", l.Name(), path, c.Owner, req.Owner)
			return nil, true, nil
		}
		logger.Debug("Locks %s: %s busy (held by %s)", l.Name(), path, c.Owner)
		return xlator.ErrReply(xlator.NewError(xlator.ErrAgain, path, "range locked by %s", c.Owner)), false, nil
	}

	if cmd == xlator.LockGet {
		return &xlator.Reply{Lock: &xlator.Flock{Type: xlator.LockUnlock}}, false, nil
	}

	return l.grant(path, req), false, nil
}

// conflict returns a granted lock that conflicts with req, if any.
//
// LOCKS_REQUIRED(l.mu)
func (l *Locks) conflict(path string, req *xlator.Flock) *xlator.Flock {
	held := l.granted[path]
	for i := range held {
		if conflicts(&held[i], req) {
			c := held[i]
			return &c
		}
	}
	return nil
}

// LOCKS_REQUIRED(l.mu)
func (l *Locks) grant(path string, req xlator.Flock) *xlator.Reply {
	l.granted[path] = append(l.granted[path], req)
	logger.Debug("Locks %s: granted %s owner=%s range=[%d,+%d)", l.Name(), path, req.Owner, req.Start, req.Len)
	return &xlator.Reply{Lock: &req}
}

// enqueue parks a LockSetWait request. When the root carries a timeout the
// request gives up with ErrAgain once it expires.
//
// LOCKS_REQUIRED(l.mu)
func (l *Locks) enqueue(f *frame.Frame, path string, req xlator.Flock, cbk xlator.Callback) {
	w := &waiter{req: req, frame: f, cbk: cbk}
	if timeout := f.Root.Timeout; timeout > 0 {
		w.timer = time.AfterFunc(timeout, func() { l.expire(path, w) })
	}
	l.waiting[path] = append(l.waiting[path], w)
}

// grantWaiters grants, in arrival order, every queued request on path that
// no longer conflicts.
//
// LOCKS_REQUIRED(l.mu)
func (l *Locks) grantWaiters(path string) []answer {
	queue := l.waiting[path]
	if len(queue) == 0 {
		return nil
	}

	var woken []answer
	kept := queue[:0]
	for _, w := range queue {
		if l.conflict(path, &w.req) != nil {
			kept = append(kept, w)
			continue
		}
		if w.timer != nil {
			w.timer.Stop()
		}
		woken = append(woken, answer{frame: w.frame, cbk: w.cbk, reply: l.grant(path, w.req)})
	}
	if len(kept) == 0 {
		delete(l.waiting, path)
	} else {
		l.waiting[path] = kept
	}
	return woken
}

// expire answers w with ErrAgain if it is still queued.
func (l *Locks) expire(path string, w *waiter) {
	l.mu.Lock()
	found := l.dequeue(path, w)
	l.mu.Unlock()

	if found {
		logger.Debug("Locks %s: wait for %s by %s timed out", l.Name(), path, w.req.Owner)
		xlator.Unwind(w.frame, w.cbk, xlator.ErrReply(xlator.NewError(xlator.ErrAgain, path, "timed out waiting for the lock")))
	}
}

// LOCKS_REQUIRED(l.mu)
func (l *Locks) dequeue(path string, w *waiter) bool {
	queue := l.waiting[path]
	for i, q := range queue {
		if q != w {
			continue
		}
		queue = append(queue[:i], queue[i+1:]...)
		if len(queue) == 0 {
			delete(l.waiting, path)
		} else {
			l.waiting[path] = queue
		}
		return true
	}
	return false
}

// Fini drops every granted lock and fails every queued request.
func (l *Locks) Fini() error {
	l.mu.Lock()
	var failed []answer
	for path, queue := range l.waiting {
		for _, w := range queue {
			if w.timer != nil {
				w.timer.Stop()
			}
			failed = append(failed, answer{frame: w.frame, cbk: w.cbk,
				reply: xlator.ErrReply(xlator.NewError(xlator.ErrNotConnected, path, "%s stopped", l.Name()))})
		}
	}
	l.granted = make(map[string][]xlator.Flock)
	l.waiting = make(map[string][]*waiter)
	l.mu.Unlock()

	deliver(failed)
	return nil
}
