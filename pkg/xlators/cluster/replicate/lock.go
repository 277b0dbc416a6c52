package replicate

import (
	"sort"

	"github.com/marmos91/mirrorfs/internal/logger"
	"github.com/marmos91/mirrorfs/pkg/frame"
	"github.com/marmos91/mirrorfs/pkg/xlator"
)

// txnLock is the set of inodelks a transaction holds on its targets.
type txnLock struct {
	req     xlator.Flock
	targets []*xlator.Loc

	// tried[t][i] is set once a lock on target t was sent to child i and
	// the child has a lock manager
	tried [][]bool
}

// lockOrder returns targets sorted by path. Every transaction locks in
// this order, child by child in index order, so two waiting transactions
// never hold each other's next lock.
func lockOrder(targets []*xlator.Loc) []*xlator.Loc {
	out := append([]*xlator.Loc(nil), targets...)
	sort.Slice(out, func(a, b int) bool { return out[a].Path < out[b].Path })
	return out
}

// lockTargets takes the blocking lock req on every target on every child
// in idxs. done receives, per child, the first error that kept the child
// from being locked. A child without a lock manager counts as locked.
func (r *Replicate) lockTargets(f *frame.Frame, req xlator.Flock, targets []*xlator.Loc, idxs []int, done func(lk *txnLock, errs []error)) {
	lk := &txnLock{req: req, targets: lockOrder(targets), tried: make([][]bool, len(targets))}
	for t := range lk.tried {
		lk.tried[t] = make([]bool, len(r.children))
	}
	errs := make([]error, len(r.children))

	var next func(t, k int)
	next = func(t, k int) {
		if t == len(lk.targets) {
			done(lk, errs)
			return
		}
		if k == len(idxs) {
			next(t+1, 0)
			return
		}
		i := idxs[k]
		if errs[i] != nil {
			next(t, k+1)
			return
		}
		loc := lk.targets[t]
		xlator.WindOp(f, r.children[i], xlator.OpInodelk, &xlator.Args{Loc: loc, LockCmd: xlator.LockSetWait, Lock: &req}, func(rep *xlator.Reply) {
			switch {
			case rep.OK():
				lk.tried[t][i] = true
			case xlator.IsCode(rep.Err, xlator.ErrNotSupported):
			default:
				// a bailed out request may still be granted later
				lk.tried[t][i] = true
				errs[i] = rep.Err
				logger.Debug("Replicate %s: lock %s on %s: %v", r.Name(), loc.Path, r.names[i], rep.Err)
			}
			next(t, k+1)
		})
	}
	next(0, 0)
}

// unlock releases every lock lk sent, then runs then.
func (r *Replicate) unlock(f *frame.Frame, lk *txnLock, then func()) {
	req := lk.req
	req.Type = xlator.LockUnlock

	type pair struct{ t, i int }
	var sent []pair
	for t := range lk.targets {
		for i, tried := range lk.tried[t] {
			if tried {
				sent = append(sent, pair{t, i})
			}
		}
	}

	join := frame.NewJoin(len(sent), then)
	for _, p := range sent {
		loc, i := lk.targets[p.t], p.i
		xlator.WindOp(f, r.children[i], xlator.OpInodelk, &xlator.Args{Loc: loc, LockCmd: xlator.LockSet, Lock: &req}, func(rep *xlator.Reply) {
			switch {
			case rep.OK():
			case xlator.IsNotConnected(rep.Err):
				logger.Debug("Replicate %s: unlock %s on %s: %v", r.Name(), loc.Path, r.names[i], rep.Err)
			default:
				logger.Warn("Replicate %s: unlock %s on %s failed: %v", r.Name(), loc.Path, r.names[i], rep.Err)
			}
			join.Done()
		})
	}
}
