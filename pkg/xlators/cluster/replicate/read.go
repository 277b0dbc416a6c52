package replicate

import (
	"github.com/marmos91/mirrorfs/internal/logger"
	"github.com/marmos91/mirrorfs/pkg/frame"
	"github.com/marmos91/mirrorfs/pkg/xlator"
)

// failover reports whether a read error should be retried on another
// replica.
func failover(err error) bool {
	switch xlator.CodeOf(err) {
	case xlator.ErrNotConnected, xlator.ErrBadHandle:
		return true
	}
	return false
}

// divergence describes what a lookup found inconsistent.
type divergence struct {
	// self is set when the inode's own replicas disagree
	self bool
	// parent is set when the entry is missing or has another type on some
	// replica, which only a heal of the parent directory can repair
	parent bool
	// dir is set when the inode is a directory
	dir bool
}

func (r *Replicate) lookup(f *frame.Frame, a *xlator.Args, cbk xlator.Callback) {
	live := r.liveChildren()
	if len(live) == 0 {
		xlator.Unwind(f, cbk, r.notConnected(a.Path()))
		return
	}

	r.fanout(f, live, func(int) (xlator.Op, *xlator.Args) {
		return xlator.OpLookup, &xlator.Args{Loc: a.Loc, NeedXattr: true}
	}, func(replies []*xlator.Reply) {
		out, div := r.mergeLookup(a.Loc, live, replies)
		if out.OK() && !a.NeedXattr {
			out.Xattr = nil
		}
		r.triggerHeals(f, a.Loc, div)
		xlator.Unwind(f, cbk, out)
	})
}

// mergeLookup combines the lookup replies of the live replicas: directory
// attributes come from the first replica that found the inode, regular file
// attributes from the latest replica, and the link count is the highest
// seen.
func (r *Replicate) mergeLookup(loc *xlator.Loc, live []int, replies []*xlator.Reply) (*xlator.Reply, divergence) {
	var div divergence
	var found, missing []int
	var firstErr error

	for _, i := range live {
		rep := replies[i]
		switch {
		case rep.OK():
			found = append(found, i)
		case xlator.IsCode(rep.Err, xlator.ErrNotFound):
			missing = append(missing, i)
		default:
			if xlator.IsNotConnected(rep.Err) {
				logger.Debug("Replicate %s: lookup %s on %s: %v", r.Name(), loc.Path, r.names[i], rep.Err)
			} else {
				logger.Warn("Replicate %s: lookup %s on %s: %v", r.Name(), loc.Path, r.names[i], rep.Err)
			}
			if firstErr == nil {
				firstErr = rep.Err
			}
		}
	}

	if len(found) == 0 {
		switch {
		case len(missing) > 0:
			return replies[missing[0]], div
		case firstErr != nil:
			return xlator.ErrReply(firstErr), div
		default:
			return r.notConnected(loc.Path), div
		}
	}

	first := replies[found[0]]
	div.dir = first.Stat.IsDir()
	div.parent = len(missing) > 0

	logs := make([]*changelog, len(r.children))
	for _, i := range found {
		if replies[i].Stat.Type != first.Stat.Type {
			div.parent = true
		}
		logs[i] = parseChangelog(r.names, replies[i].Xattr)
	}

	d := decide(logs)
	div.self = !d.clean
	if d.splitBrain {
		logger.Warn("Replicate %s: %s is in split-brain", r.Name(), loc.Path)
	}

	read := found[0]
	if d.latest >= 0 {
		read = d.latest
	}
	r.setHint(loc.Path, read)

	var out xlator.Reply
	if div.dir {
		out = *first
	} else {
		out = *replies[read]
	}
	for _, i := range found {
		if n := replies[i].Stat.Nlink; n > out.Stat.Nlink {
			out.Stat.Nlink = n
		}
	}
	return &out, div
}

// triggerHeals starts the background heals a lookup asked for.
func (r *Replicate) triggerHeals(f *frame.Frame, loc *xlator.Loc, div divergence) {
	if div.parent && r.opts.EntrySelfHeal && loc.Path != "/" {
		r.backgroundHeal(f, loc.Parent())
	}
	if !div.self {
		return
	}
	if (div.dir && r.opts.EntrySelfHeal) || (!div.dir && r.opts.DataSelfHeal) {
		r.backgroundHeal(f, loc)
	}
}

// readLoc serves a path-addressed read from one replica.
func (r *Replicate) readLoc(f *frame.Frame, op xlator.Op, a *xlator.Args, cbk xlator.Callback) {
	r.tryRead(f, op, a, r.readOrder(a.Path(), nil), nil, cbk)
}

// readFD serves a handle-addressed read from one replica the handle is open
// on.
func (r *Replicate) readFD(f *frame.Frame, op xlator.Op, a *xlator.Args, cbk xlator.Callback) {
	opened, ok := r.fdOpened(a.FD)
	if !ok {
		xlator.Unwind(f, cbk, xlator.ErrReply(xlator.NewError(xlator.ErrBadHandle, a.Path(), "%s: handle not open", r.Name())))
		return
	}
	r.tryRead(f, op, a, r.readOrder(a.FD.Loc.Path, opened), nil, cbk)
}

// tryRead winds op to order[0] and fails over to the next replica on
// connectivity errors.
func (r *Replicate) tryRead(f *frame.Frame, op xlator.Op, a *xlator.Args, order []int, last error, cbk xlator.Callback) {
	if len(order) == 0 {
		if last != nil {
			xlator.Unwind(f, cbk, xlator.ErrReply(last))
			return
		}
		xlator.Unwind(f, cbk, r.notConnected(a.Path()))
		return
	}

	i := order[0]
	xlator.WindOp(f, r.children[i], op, a, func(rep *xlator.Reply) {
		if !rep.OK() && failover(rep.Err) {
			logger.Debug("Replicate %s: %s on %s failed (%v), failing over", r.Name(), op, r.names[i], rep.Err)
			r.tryRead(f, op, a, order[1:], rep.Err, cbk)
			return
		}
		xlator.Unwind(f, cbk, rep)
	})
}

// open opens a file or directory on every live replica. An open of a file
// that is being healed waits for the heal to finish first.
func (r *Replicate) open(f *frame.Frame, op xlator.Op, a *xlator.Args, cbk xlator.Callback) {
	proceed := func(res *HealResult) {
		if res != nil && res.Err != nil && xlator.IsNotConnected(res.Err) {
			xlator.Unwind(f, cbk, xlator.ErrReply(res.Err))
			return
		}
		if op == xlator.OpOpen && a.Flags&xlator.OpenTruncate != 0 {
			r.transaction(f, op, a, cbk)
			return
		}

		live := r.liveChildren()
		if len(live) == 0 {
			xlator.Unwind(f, cbk, r.notConnected(a.Path()))
			return
		}
		r.fanout(f, live, func(int) (xlator.Op, *xlator.Args) {
			return op, a
		}, func(replies []*xlator.Reply) {
			opened := make([]bool, len(r.children))
			var first *xlator.Reply
			for _, i := range live {
				if replies[i].OK() {
					opened[i] = true
					if first == nil {
						first = replies[i]
					}
				}
			}
			if first == nil {
				xlator.Unwind(f, cbk, r.aggregate(op, live, replies))
				return
			}
			r.setFDOpened(a.FD, opened)
			xlator.Unwind(f, cbk, first)
		})
	}

	if op == xlator.OpOpen && r.opts.DataSelfHeal && r.afterHeal(a.Path(), proceed) {
		logger.Debug("Replicate %s: open of %s waits for self-heal", r.Name(), a.Path())
		return
	}
	proceed(nil)
}

// fdFanout sends a handle-addressed operation to every replica the handle is
// open on.
func (r *Replicate) fdFanout(f *frame.Frame, op xlator.Op, a *xlator.Args, cbk xlator.Callback) {
	opened, ok := r.fdOpened(a.FD)
	if !ok {
		xlator.Unwind(f, cbk, xlator.ErrReply(xlator.NewError(xlator.ErrBadHandle, a.Path(), "%s: handle not open", r.Name())))
		return
	}

	var targets []int
	for i, o := range opened {
		if o && (op == xlator.OpRelease || r.IsUp(i)) {
			targets = append(targets, i)
		}
	}
	if op == xlator.OpRelease {
		a.FD.DelCtx(r.Name())
	}
	if len(targets) == 0 {
		if op == xlator.OpRelease {
			xlator.Unwind(f, cbk, &xlator.Reply{})
			return
		}
		xlator.Unwind(f, cbk, r.notConnected(a.Path()))
		return
	}

	r.fanout(f, targets, func(int) (xlator.Op, *xlator.Args) {
		return op, a
	}, func(replies []*xlator.Reply) {
		out := r.aggregate(op, targets, replies)
		if op == xlator.OpRelease && xlator.IsNotConnected(out.Err) {
			out = &xlator.Reply{}
		}
		xlator.Unwind(f, cbk, out)
	})
}

// inodelk takes or releases a lock on every live replica. A lock refused by
// any replica is released on the others before the refusal is returned.
func (r *Replicate) inodelk(f *frame.Frame, a *xlator.Args, cbk xlator.Callback) {
	if a.LockCmd == xlator.LockGet {
		r.tryRead(f, xlator.OpInodelk, a, r.readOrder(a.Path(), nil), nil, cbk)
		return
	}

	live := r.liveChildren()
	if len(live) == 0 {
		xlator.Unwind(f, cbk, r.notConnected(a.Path()))
		return
	}

	if a.LockCmd == xlator.LockSetWait && a.Lock != nil && a.Lock.Type != xlator.LockUnlock {
		r.inodelkWait(f, a, live, cbk)
		return
	}

	r.fanout(f, live, func(int) (xlator.Op, *xlator.Args) {
		return xlator.OpInodelk, a
	}, func(replies []*xlator.Reply) {
		var acquired []int
		var refused error
		for _, i := range live {
			rep := replies[i]
			switch {
			case rep.OK():
				acquired = append(acquired, i)
			case !xlator.IsNotConnected(rep.Err) && refused == nil:
				refused = rep.Err
			}
		}
		if refused == nil || a.Lock == nil || a.Lock.Type == xlator.LockUnlock {
			xlator.Unwind(f, cbk, r.aggregate(xlator.OpInodelk, live, replies))
			return
		}

		unlock := *a.Lock
		unlock.Type = xlator.LockUnlock
		r.fanout(f, acquired, func(int) (xlator.Op, *xlator.Args) {
			return xlator.OpInodelk, &xlator.Args{Loc: a.Loc, LockCmd: xlator.LockSet, Lock: &unlock}
		}, func([]*xlator.Reply) {
			xlator.Unwind(f, cbk, xlator.ErrReply(refused))
		})
	})
}

// inodelkWait queues for the lock on each replica in index order. A refusal
// other than a lost connection releases what was taken.
func (r *Replicate) inodelkWait(f *frame.Frame, a *xlator.Args, live []int, cbk xlator.Callback) {
	r.lockTargets(f, *a.Lock, []*xlator.Loc{a.Loc}, live, func(lk *txnLock, errs []error) {
		var refused, connErr error
		granted := false
		for _, i := range live {
			switch err := errs[i]; {
			case err == nil:
				granted = true
			case xlator.IsNotConnected(err):
				if connErr == nil {
					connErr = err
				}
			case refused == nil:
				refused = err
			}
		}
		switch {
		case refused != nil:
			r.unlock(f, lk, func() { xlator.Unwind(f, cbk, xlator.ErrReply(refused)) })
		case !granted:
			r.unlock(f, lk, func() { xlator.Unwind(f, cbk, xlator.ErrReply(connErr)) })
		default:
			lock := *a.Lock
			xlator.Unwind(f, cbk, &xlator.Reply{Lock: &lock})
		}
	})
}

// xattrop applies a changelog operation on every live replica.
func (r *Replicate) xattrop(f *frame.Frame, a *xlator.Args, cbk xlator.Callback) {
	live := r.liveChildren()
	if len(live) == 0 {
		xlator.Unwind(f, cbk, r.notConnected(a.Path()))
		return
	}
	r.fanout(f, live, func(int) (xlator.Op, *xlator.Args) {
		return xlator.OpXattrop, a
	}, func(replies []*xlator.Reply) {
		xlator.Unwind(f, cbk, r.aggregate(xlator.OpXattrop, live, replies))
	})
}
