package replicate

import (
	"context"
	"time"

	"github.com/marmos91/mirrorfs/internal/logger"
	"github.com/marmos91/mirrorfs/pkg/frame"
	"github.com/marmos91/mirrorfs/pkg/xlator"
)

// HealResult reports how one self-heal session ended.
type HealResult struct {
	Path     string
	Kind     HealKind
	Outcome  Outcome
	Source   string
	Sinks    []string
	Bytes    int64
	Duration time.Duration

	// Err is nil for OutcomeClean and OutcomeHealed
	Err error
}

// HealCallback receives the result of a heal session.
type HealCallback func(*HealResult)

// Heal runs a self-heal session on loc and calls done with its result. A
// heal requested while another one runs on the same path joins it and
// receives the same result.
func (r *Replicate) Heal(f *frame.Frame, loc *xlator.Loc, done HealCallback) {
	l := *loc
	l.Path = xlator.CleanPath(l.Path)
	if !r.reserveHeal(l.Path, done) {
		return
	}
	newHealSession(r, f, &l).start()
}

// HealPath heals path and waits for the result. A deadline on ctx bounds
// every sub-call of the session.
func (r *Replicate) HealPath(ctx context.Context, path string) (*HealResult, error) {
	root := frame.NewRoot(frame.RootCreds)
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			root.Timeout = d
		}
	}

	done := make(chan *HealResult, 1)
	r.Heal(frame.NewFrame(root, r.Name()), xlator.NewLoc(path), func(res *HealResult) {
		done <- res
	})

	select {
	case res := <-done:
		return res, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Healing reports whether a heal session is running on path.
func (r *Replicate) Healing(path string) bool {
	r.healMu.Lock()
	defer r.healMu.Unlock()
	_, ok := r.inflight[xlator.CleanPath(path)]
	return ok
}

// reserveHeal registers done for path and reports whether the caller must
// start the session (false when one is already running).
func (r *Replicate) reserveHeal(path string, done HealCallback) bool {
	r.healMu.Lock()
	defer r.healMu.Unlock()
	waiters, running := r.inflight[path]
	if done != nil {
		waiters = append(waiters, done)
	}
	r.inflight[path] = waiters
	return !running
}

// afterHeal arranges for fn to run when the heal running on path ends. It
// returns false, without calling fn, when no heal is running.
func (r *Replicate) afterHeal(path string, fn HealCallback) bool {
	r.healMu.Lock()
	defer r.healMu.Unlock()
	waiters, running := r.inflight[path]
	if !running {
		return false
	}
	r.inflight[path] = append(waiters, fn)
	return true
}

func (r *Replicate) completeHeal(res *HealResult) {
	r.healMu.Lock()
	waiters := r.inflight[res.Path]
	delete(r.inflight, res.Path)
	r.healMu.Unlock()

	for _, w := range waiters {
		w(res)
	}
}

// backgroundHeal starts a heal of loc on a frame of its own so that the
// operation that noticed the divergence can complete first.
func (r *Replicate) backgroundHeal(f *frame.Frame, loc *xlator.Loc) {
	if r.ctx.Err() != nil {
		return
	}
	l := *loc
	l.Path = xlator.CleanPath(l.Path)
	if !r.reserveHeal(l.Path, nil) {
		return
	}
	logger.Debug("Replicate %s: scheduling self-heal of %s", r.Name(), l.Path)
	hf := f.Copy(frame.RootCreds)
	go newHealSession(r, hf, &l).start()
}
