package replicate

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/marmos91/mirrorfs/internal/logger"
	"github.com/marmos91/mirrorfs/pkg/frame"
	"github.com/marmos91/mirrorfs/pkg/xlator"
)

// fanout winds one call per child in idxs and runs done with the replies,
// indexed by child, once every call has replied. The completion counter is
// armed before the first wind.
func (r *Replicate) fanout(f *frame.Frame, idxs []int, call func(i int) (xlator.Op, *xlator.Args), done func(replies []*xlator.Reply)) {
	replies := make([]*xlator.Reply, len(r.children))
	join := frame.NewJoin(len(idxs), func() { done(replies) })
	for _, i := range idxs {
		op, a := call(i)
		xlator.WindOp(f, r.children[i], op, a, func(rep *xlator.Reply) {
			f.Lock()
			replies[i] = rep
			f.Unlock()
			join.Done()
		})
	}
}

// createsInode reports whether op makes a new inode whose gfid must agree
// across replicas.
func createsInode(op xlator.Op) bool {
	switch op {
	case xlator.OpCreate, xlator.OpMkdir, xlator.OpSymlink:
		return true
	}
	return false
}

// txnTargets returns the inodes whose changelog a transaction updates:
// the parent directories for namespace operations, the inode itself for
// everything else.
func txnTargets(op xlator.Op, a *xlator.Args) []*xlator.Loc {
	switch op {
	case xlator.OpCreate, xlator.OpMkdir, xlator.OpSymlink, xlator.OpUnlink, xlator.OpRmdir:
		return []*xlator.Loc{a.Loc.Parent()}
	case xlator.OpLink:
		return []*xlator.Loc{a.NewLoc.Parent()}
	case xlator.OpRename:
		from, to := a.Loc.Parent(), a.NewLoc.Parent()
		if from.Path == to.Path {
			return []*xlator.Loc{from}
		}
		return []*xlator.Loc{from, to}
	case xlator.OpWritev, xlator.OpFtruncate:
		loc := a.FD.Loc
		return []*xlator.Loc{&loc}
	default:
		return []*xlator.Loc{a.Loc}
	}
}

// changelogOp applies an xattrop ADD to every target on every replica in
// idxs, one target after the other. dictFor returns the delta for replica
// i, or nil to skip it. done receives, per child, the first error seen.
func (r *Replicate) changelogOp(f *frame.Frame, idxs []int, targets []*xlator.Loc, dictFor func(i int) xlator.Dict, done func(errs []error)) {
	errs := make([]error, len(r.children))

	var next func(t int, idxs []int)
	next = func(t int, idxs []int) {
		if t == len(targets) {
			done(errs)
			return
		}
		var send []int
		for _, i := range idxs {
			if d := dictFor(i); len(d) > 0 {
				send = append(send, i)
			}
		}
		r.fanout(f, send, func(i int) (xlator.Op, *xlator.Args) {
			return xlator.OpXattrop, &xlator.Args{Loc: targets[t], XattropType: xlator.XattropAdd, Xattr: dictFor(i)}
		}, func(replies []*xlator.Reply) {
			var ok []int
			for _, i := range idxs {
				rep := replies[i]
				if rep != nil && !rep.OK() {
					if errs[i] == nil {
						errs[i] = rep.Err
					}
					continue
				}
				ok = append(ok, i)
			}
			next(t+1, ok)
		})
	}
	next(0, idxs)
}

// transaction runs a write-class operation on every live replica: lock
// the changelog targets, pre-op (record debt), the operation itself,
// post-op (clear the debt of the replicas that applied it), unlock.
func (r *Replicate) transaction(f *frame.Frame, op xlator.Op, a *xlator.Args, cbk xlator.Callback) {
	// ========================================================================
	// Step 1: Pick the participating replicas
	// ========================================================================

	var allowed []bool
	if op == xlator.OpWritev || op == xlator.OpFtruncate {
		opened, ok := r.fdOpened(a.FD)
		if !ok {
			xlator.Unwind(f, cbk, xlator.ErrReply(xlator.NewError(xlator.ErrBadHandle, a.Path(), "%s: handle not open", r.Name())))
			return
		}
		allowed = opened
	}

	var participants []int
	for _, i := range r.liveChildren() {
		if allowed == nil || allowed[i] {
			participants = append(participants, i)
		}
	}
	if len(participants) == 0 {
		xlator.Unwind(f, cbk, r.notConnected(a.Path()))
		return
	}

	if createsInode(op) && a.Loc.Gfid == uuid.Nil {
		loc := *a.Loc
		loc.Gfid = uuid.New()
		args := *a
		args.Loc = &loc
		a = &args
	}

	targets := txnTargets(op, a)
	replies := make([]*xlator.Reply, len(r.children))
	lock := xlator.WholeFile(fmt.Sprintf("%s/txn/%s", r.Name(), uuid.NewString()))

	// ========================================================================
	// Step 2: Lock the targets; a running self-heal holds them until done
	// ========================================================================

	r.lockTargets(f, *lock, targets, participants, func(lk *txnLock, lockErrs []error) {
		finish := func() {
			r.unlock(f, lk, func() {
				r.finishTransaction(f, op, a, participants, replies, cbk)
			})
		}

		var locked []int
		for _, i := range participants {
			if lockErrs[i] != nil {
				replies[i] = xlator.ErrReply(lockErrs[i])
				continue
			}
			locked = append(locked, i)
		}
		if len(locked) == 0 {
			finish()
			return
		}

		// ====================================================================
		// Step 3: Pre-op, every child owes this operation until confirmed
		// ====================================================================

		preop := make(xlator.Dict, len(r.names))
		for _, name := range r.names {
			preop.SetInt(PendingKey(name), 1)
		}

		r.changelogOp(f, locked, targets, func(int) xlator.Dict { return preop }, func(preErrs []error) {
			var ready []int
			for _, i := range locked {
				if preErrs[i] != nil {
					replies[i] = xlator.ErrReply(preErrs[i])
					continue
				}
				ready = append(ready, i)
			}

			// ================================================================
			// Step 4: The operation itself
			// ================================================================

			r.fanout(f, ready, func(int) (xlator.Op, *xlator.Args) {
				return op, a
			}, func(opReplies []*xlator.Reply) {
				for _, i := range ready {
					replies[i] = opReplies[i]
				}

				// ============================================================
				// Step 5: Post-op on every replica that took the pre-op
				// ============================================================

				agreed, landed := r.agreement(op, participants, replies)
				postop := func(i int) xlator.Dict {
					d := make(xlator.Dict, len(r.names)+1)
					for j, name := range r.names {
						if agreed[j] {
							d.SetInt(PendingKey(name), -1)
						}
					}
					if landed[i] {
						d.SetInt(VersionKey, 1)
					}
					return d
				}

				r.changelogOp(f, ready, targets, postop, func(postErrs []error) {
					for _, i := range ready {
						if postErrs[i] != nil {
							logger.Debug("Replicate %s: post-op of %s on %s failed: %v", r.Name(), op, r.names[i], postErrs[i])
						}
					}
					finish()
				})
			})
		})
	})
}

// agreement returns the replicas whose state matches the outcome of the
// operation, and those where it actually landed.
//
// A replica agrees when the operation succeeded on it, when it failed with
// a tolerated code while others succeeded, or when every replica failed the
// same way (nothing diverged).
func (r *Replicate) agreement(op xlator.Op, participants []int, replies []*xlator.Reply) (agreed, landed []bool) {
	agreed = make([]bool, len(r.children))
	landed = make([]bool, len(r.children))

	anyOK := false
	uniform := true
	var common xlator.ErrorCode
	seen := false
	for _, i := range participants {
		rep := replies[i]
		if rep.OK() {
			anyOK = true
			continue
		}
		if xlator.IsNotConnected(rep.Err) {
			continue
		}
		code := xlator.CodeOf(rep.Err)
		if seen && code != common {
			uniform = false
		}
		common, seen = code, true
	}

	for _, i := range participants {
		rep := replies[i]
		switch {
		case rep.OK():
			agreed[i], landed[i] = true, true
		case xlator.IsNotConnected(rep.Err):
		case anyOK:
			agreed[i] = r.opts.Optimist && tolerated(op, rep.Err)
		default:
			agreed[i] = uniform
		}
	}
	return agreed, landed
}

// aggregate merges the per-replica replies of a fan-out into one reply.
// Connectivity failures never fail the aggregate on their own; tolerated
// codes do not either when another replica succeeded.
func (r *Replicate) aggregate(op xlator.Op, participants []int, replies []*xlator.Reply) *xlator.Reply {
	var first *xlator.Reply
	var hardErr, tolErr, connErr error

	for _, i := range participants {
		rep := replies[i]
		if rep.OK() {
			if first == nil {
				first = rep
			}
			continue
		}
		switch {
		case xlator.IsNotConnected(rep.Err):
			logger.Debug("Replicate %s: %s on %s: %v", r.Name(), op, r.names[i], rep.Err)
			if connErr == nil {
				connErr = rep.Err
			}
		case r.opts.Optimist && tolerated(op, rep.Err):
			if tolErr == nil {
				tolErr = rep.Err
			}
		default:
			if hardErr == nil {
				hardErr = rep.Err
			}
		}
	}

	switch {
	case hardErr != nil:
		if first != nil {
			logger.Warn("Replicate %s: %s failed on some replicas: %v", r.Name(), op, hardErr)
		}
		return xlator.ErrReply(hardErr)
	case first != nil:
		return first
	case tolErr != nil:
		return xlator.ErrReply(tolErr)
	case connErr != nil:
		return xlator.ErrReply(connErr)
	default:
		return r.notConnected("")
	}
}

func (r *Replicate) finishTransaction(f *frame.Frame, op xlator.Op, a *xlator.Args, participants []int, replies []*xlator.Reply, cbk xlator.Callback) {
	out := r.aggregate(op, participants, replies)

	switch op {
	case xlator.OpCreate, xlator.OpOpen:
		opened := make([]bool, len(r.children))
		for _, i := range participants {
			opened[i] = replies[i].OK()
		}
		if out.OK() {
			r.setFDOpened(a.FD, opened)
		}
	case xlator.OpUnlink, xlator.OpRmdir:
		r.dropHint(a.Loc.Path)
	case xlator.OpRename:
		r.dropHint(a.Loc.Path)
		r.dropHint(a.NewLoc.Path)
	}

	xlator.Unwind(f, cbk, out)
}
