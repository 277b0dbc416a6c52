package replicate

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/marmos91/mirrorfs/internal/logger"
	"github.com/marmos91/mirrorfs/pkg/frame"
	"github.com/marmos91/mirrorfs/pkg/xlator"
)

// healState is one step of a self-heal session.
type healState int

const (
	stateInit healState = iota
	stateOpenAll
	stateAcquireLock
	stateFetchVersions
	stateDecide
	stateOpenForHeal
	stateCopyData
	stateCopyEntries
	stateCopyMetadata
	stateResetMetadata
	stateCloseHandles
	stateReleaseLock
	stateError
	stateDone
	stateFailed
	stateSplitBrain
)

var stateNames = [...]string{
	stateInit:          "INIT",
	stateOpenAll:       "OPEN_ALL",
	stateAcquireLock:   "ACQUIRE_LOCK",
	stateFetchVersions: "FETCH_VERSIONS",
	stateDecide:        "DECIDE",
	stateOpenForHeal:   "OPEN_FOR_HEAL",
	stateCopyData:      "COPY_DATA",
	stateCopyEntries:   "COPY_ENTRIES",
	stateCopyMetadata:  "COPY_METADATA",
	stateResetMetadata: "RESET_METADATA",
	stateCloseHandles:  "CLOSE_HANDLES",
	stateReleaseLock:   "RELEASE_LOCK",
	stateError:         "ERROR",
	stateDone:          "DONE",
	stateFailed:        "FAILED",
	stateSplitBrain:    "SPLIT_BRAIN",
}

func (s healState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// terminal reports whether the session ends in s.
func (s healState) terminal() bool {
	return s == stateDone || s == stateFailed || s == stateSplitBrain
}

// cleanup reports whether s belongs to the exit sequence.
func (s healState) cleanup() bool {
	return s == stateError || s == stateCloseHandles || s == stateReleaseLock
}

// healEvent is the outcome of a step's action.
type healEvent int

const (
	evOK healEvent = iota
	evFail
	evClean
	evSplitBrain
	evRetry
	evFile
	evDir
)

var eventNames = [...]string{
	evOK:         "ok",
	evFail:       "fail",
	evClean:      "clean",
	evSplitBrain: "split-brain",
	evRetry:      "retry",
	evFile:       "file",
	evDir:        "dir",
}

func (e healEvent) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("event(%d)", int(e))
}

type transitionKey struct {
	from healState
	ev   healEvent
}

// transitions is the complete set of legal moves. The cleanup states
// (CLOSE_HANDLES, RELEASE_LOCK) are shared by the success and the error
// path; the session's exit event tells them where to go next.
var transitions = map[transitionKey]healState{
	{stateInit, evFile}:  stateOpenAll,
	{stateInit, evDir}:   stateOpenAll,
	{stateInit, evClean}: stateDone,
	{stateInit, evFail}:  stateFailed,

	{stateOpenAll, evOK}:   stateAcquireLock,
	{stateOpenAll, evFail}: stateError,

	{stateAcquireLock, evOK}:    stateFetchVersions,
	{stateAcquireLock, evRetry}: stateOpenAll,
	{stateAcquireLock, evFail}:  stateError,

	{stateFetchVersions, evOK}:   stateDecide,
	{stateFetchVersions, evFail}: stateError,

	{stateDecide, evOK}:         stateOpenForHeal,
	{stateDecide, evClean}:      stateCloseHandles,
	{stateDecide, evSplitBrain}: stateError,
	{stateDecide, evFail}:       stateError,

	{stateOpenForHeal, evFile}: stateCopyData,
	{stateOpenForHeal, evDir}:  stateCopyEntries,
	{stateOpenForHeal, evFail}: stateError,

	{stateCopyData, evOK}:   stateCopyMetadata,
	{stateCopyData, evFail}: stateError,

	{stateCopyEntries, evOK}:   stateCopyMetadata,
	{stateCopyEntries, evFail}: stateError,

	{stateCopyMetadata, evOK}:   stateResetMetadata,
	{stateCopyMetadata, evFail}: stateError,

	{stateResetMetadata, evOK}:   stateCloseHandles,
	{stateResetMetadata, evFail}: stateError,

	// success path: CLOSE_HANDLES -> RELEASE_LOCK -> DONE
	{stateCloseHandles, evOK}:    stateReleaseLock,
	{stateCloseHandles, evClean}: stateReleaseLock,
	{stateReleaseLock, evOK}:     stateDone,
	{stateReleaseLock, evClean}:  stateDone,

	// error path: ERROR -> RELEASE_LOCK -> CLOSE_HANDLES -> FAILED
	{stateError, evFail}:              stateReleaseLock,
	{stateError, evSplitBrain}:        stateReleaseLock,
	{stateReleaseLock, evFail}:        stateCloseHandles,
	{stateReleaseLock, evSplitBrain}:  stateCloseHandles,
	{stateCloseHandles, evFail}:       stateFailed,
	{stateCloseHandles, evSplitBrain}: stateSplitBrain,
}

// healSession is one self-heal attempt on one inode.
//
// The session is driven entirely by sub-call completions: every action
// issues its sub-calls and returns, and the continuation of the last reply
// calls step with the action's event. Steps never overlap, so the fields
// below are only touched by one callback at a time; replies of a single
// fan-out are collected under the frame mutex.
type healSession struct {
	r       *Replicate
	frame   *frame.Frame
	loc     *xlator.Loc
	kind    HealKind
	owner   string
	started time.Time

	state healState
	trace []healState

	// exit is replayed by the cleanup states: evOK or evClean on the success
	// path, evFail or evSplitBrain on the error path
	exit healEvent
	err  error

	// fd is the handle of OPEN_ALL; srcFD and sinkFD those of OPEN_FOR_HEAL
	fd     *xlator.FD
	srcFD  *xlator.FD
	sinkFD *xlator.FD

	opened     []bool
	healOpened []bool
	locked     []bool
	lockHeld   bool
	retried    bool

	logs     []*changelog
	stats    []xlator.Iatt
	decision decision
	decided  bool

	copied        int64
	created       int
	removed       int
	metadataFixed int
}

func newHealSession(r *Replicate, f *frame.Frame, loc *xlator.Loc) *healSession {
	n := len(r.children)
	return &healSession{
		r:          r,
		frame:      f,
		loc:        loc,
		owner:      fmt.Sprintf("%s/heal/%s", r.Name(), f.Root.ID),
		started:    time.Now(),
		state:      stateInit,
		trace:      []healState{stateInit},
		exit:       evOK,
		opened:     make([]bool, n),
		healOpened: make([]bool, n),
		locked:     make([]bool, n),
		logs:       make([]*changelog, n),
		stats:      make([]xlator.Iatt, n),
		decision:   decision{latest: -1},
	}
}

func (s *healSession) start() {
	s.init()
}

// step applies ev to the current state and runs the next state's action.
func (s *healSession) step(ev healEvent) {
	next, ok := transitions[transitionKey{s.state, ev}]
	if !ok {
		if s.err == nil {
			s.err = fmt.Errorf("self-heal of %s: no transition from %s on %s", s.loc.Path, s.state, ev)
		}
		logger.Error("Replicate %s: %v", s.r.Name(), s.err)
		if s.state.cleanup() || s.state == stateInit {
			s.enter(stateFailed)
			return
		}
		s.enter(stateError)
		return
	}
	s.enter(next)
}

func (s *healSession) enter(st healState) {
	logger.Debug("Replicate %s: heal %s: %s -> %s", s.r.Name(), s.loc.Path, s.state, st)
	s.state = st
	s.trace = append(s.trace, st)

	switch st {
	case stateOpenAll:
		s.openAll()
	case stateAcquireLock:
		s.acquireLock()
	case stateFetchVersions:
		s.fetchVersions()
	case stateDecide:
		s.decide()
	case stateOpenForHeal:
		s.openForHeal()
	case stateCopyData:
		s.copyChunk(0)
	case stateCopyEntries:
		s.replayBatch(0)
	case stateCopyMetadata:
		s.copyMetadata()
	case stateResetMetadata:
		s.resetMetadata()
	case stateCloseHandles:
		s.closeHandles(func() { s.step(s.exit) })
	case stateReleaseLock:
		s.releaseLock(func() { s.step(s.exit) })
	case stateError:
		s.exit = evFail
		if s.decision.splitBrain {
			s.exit = evSplitBrain
		}
		s.step(s.exit)
	case stateDone, stateFailed, stateSplitBrain:
		s.finish()
	}
}

// fail records err and reports the failure of the current step.
func (s *healSession) fail(err error) {
	if s.err == nil {
		s.err = err
	}
	s.step(evFail)
}

// each winds n independent calls and runs done with their replies in call
// order.
func (s *healSession) each(n int, call func(k int) (xlator.Translator, xlator.Op, *xlator.Args), done func(replies []*xlator.Reply)) {
	replies := make([]*xlator.Reply, n)
	join := frame.NewJoin(n, func() { done(replies) })
	for k := 0; k < n; k++ {
		t, op, a := call(k)
		xlator.WindOp(s.frame, t, op, a, func(rep *xlator.Reply) {
			s.frame.Lock()
			replies[k] = rep
			s.frame.Unlock()
			join.Done()
		})
	}
}

func indices(flags []bool) []int {
	var out []int
	for i, set := range flags {
		if set {
			out = append(out, i)
		}
	}
	return out
}

// ============================================================================
// INIT: learn what the inode is
// ============================================================================

func (s *healSession) init() {
	live := s.r.liveChildren()
	if len(live) == 0 {
		s.r.metrics.SessionStarted(s.kind)
		s.fail(xlator.NewError(xlator.ErrNotConnected, s.loc.Path, "no reachable replica"))
		return
	}

	s.r.fanout(s.frame, live, func(int) (xlator.Op, *xlator.Args) {
		return xlator.OpLookup, &xlator.Args{Loc: s.loc}
	}, func(replies []*xlator.Reply) {
		var typ xlator.FileType
		var firstErr error
		found, mismatch := false, false
		for _, i := range live {
			rep := replies[i]
			if !rep.OK() {
				if firstErr == nil || xlator.IsNotConnected(firstErr) {
					firstErr = rep.Err
				}
				continue
			}
			if !found {
				typ, found = rep.Stat.Type, true
			} else if rep.Stat.Type != typ {
				mismatch = true
			}
		}

		if typ == xlator.FileTypeDirectory {
			s.kind = HealEntry
		}
		s.r.metrics.SessionStarted(s.kind)

		switch {
		case !found:
			s.fail(firstErr)
		case mismatch:
			s.fail(xlator.NewError(xlator.ErrIO, s.loc.Path, "file type differs between replicas"))
		case typ == xlator.FileTypeDirectory:
			s.step(evDir)
		case typ == xlator.FileTypeRegular:
			s.step(evFile)
		default:
			// symlinks and special files carry no data to copy
			s.exit = evClean
			s.step(evClean)
		}
	})
}

// ============================================================================
// OPEN_ALL / ACQUIRE_LOCK
// ============================================================================

func (s *healSession) openAll() {
	live := s.r.liveChildren()
	op := xlator.OpOpen
	if s.kind == HealEntry {
		op = xlator.OpOpendir
		s.fd = xlator.NewDirFD(s.loc)
	} else {
		s.fd = xlator.NewFD(s.loc, xlator.OpenReadOnly)
	}

	s.r.fanout(s.frame, live, func(int) (xlator.Op, *xlator.Args) {
		return op, &xlator.Args{Loc: s.loc, Flags: xlator.OpenReadOnly, FD: s.fd}
	}, func(replies []*xlator.Reply) {
		for _, i := range live {
			if rep := replies[i]; rep.OK() {
				s.opened[i] = true
			} else {
				logger.Debug("Replicate %s: heal %s: open on %s: %v", s.r.Name(), s.loc.Path, s.r.names[i], rep.Err)
			}
		}
		if len(indices(s.opened)) == 0 {
			s.fail(xlator.NewError(xlator.ErrNotConnected, s.loc.Path, "no reachable replica"))
			return
		}
		s.step(evOK)
	})
}

func (s *healSession) acquireLock() {
	idxs := indices(s.opened)
	lock := xlator.WholeFile(s.owner)

	s.r.fanout(s.frame, idxs, func(int) (xlator.Op, *xlator.Args) {
		return xlator.OpInodelk, &xlator.Args{Loc: s.loc, LockCmd: xlator.LockSet, Lock: lock}
	}, func(replies []*xlator.Reply) {
		var refused error
		onlyDisconnects := true
		for _, i := range idxs {
			rep := replies[i]
			if rep.OK() {
				s.locked[i] = true
				s.lockHeld = true
				continue
			}
			if !xlator.IsNotConnected(rep.Err) {
				onlyDisconnects = false
			}
			if refused == nil {
				refused = rep.Err
			}
		}
		if refused == nil {
			s.step(evOK)
			return
		}

		if s.retried || !onlyDisconnects || !s.replicaLost() {
			s.fail(refused)
			return
		}

		// A replica went away between open and lock: start over on the
		// ones still reachable.
		logger.Info("Replicate %s: heal %s: replica lost while locking, retrying", s.r.Name(), s.loc.Path)
		s.retried = true
		s.releaseLock(func() {
			s.closeHandles(func() {
				s.step(evRetry)
			})
		})
	})
}

// replicaLost reports whether a replica opened by OPEN_ALL is now down.
func (s *healSession) replicaLost() bool {
	for _, i := range indices(s.opened) {
		if !s.r.IsUp(i) {
			return true
		}
	}
	return false
}

// ============================================================================
// FETCH_VERSIONS / DECIDE
// ============================================================================

func (s *healSession) fetchVersions() {
	idxs := indices(s.locked)
	keys := make(xlator.Dict, len(s.r.names)+1)
	for _, name := range s.r.names {
		keys.SetInt(PendingKey(name), 0)
	}
	keys.SetInt(VersionKey, 0)

	s.r.fanout(s.frame, idxs, func(int) (xlator.Op, *xlator.Args) {
		return xlator.OpXattrop, &xlator.Args{Loc: s.loc, XattropType: xlator.XattropGet, Xattr: keys}
	}, func(replies []*xlator.Reply) {
		var failed error
		for _, i := range idxs {
			rep := replies[i]
			switch {
			case rep.OK():
				s.logs[i] = parseChangelog(s.r.names, rep.Xattr)
				s.stats[i] = rep.Stat
			case xlator.IsNotConnected(rep.Err):
				logger.Debug("Replicate %s: heal %s: %s dropped out: %v", s.r.Name(), s.loc.Path, s.r.names[i], rep.Err)
			case failed == nil:
				failed = rep.Err
			}
		}
		switch {
		case failed != nil:
			s.fail(failed)
		case s.participants() == 0:
			s.fail(xlator.NewError(xlator.ErrNotConnected, s.loc.Path, "no reachable replica"))
		default:
			s.step(evOK)
		}
	})
}

func (s *healSession) participants() int {
	n := 0
	for _, cl := range s.logs {
		if cl != nil {
			n++
		}
	}
	return n
}

func (s *healSession) decide() {
	s.decision = decide(s.logs)
	s.decided = true
	d := s.decision

	fields := logger.Fields{
		"volume": s.r.Name(),
		"path":   s.loc.Path,
		"kind":   s.kind.String(),
		"debt":   fmt.Sprint(d.debt),
	}

	switch {
	case d.splitBrain:
		s.err = xlator.NewError(xlator.ErrSplitBrain, s.loc.Path,
			"replicas accuse each other (debt %v); remove the bad copies by hand to resolve", d.debt)
		logger.With(fields).Errorf("Self-heal: %s is in split-brain, manual intervention required", s.loc.Path)
		s.step(evSplitBrain)

	case d.clean:
		logger.With(fields).Debugf("Self-heal: %s needs no repair", s.loc.Path)
		s.exit = evClean
		s.step(evClean)

	default:
		fields["source"] = s.r.names[d.latest]
		fields["sinks"] = fmt.Sprint(s.sinkNames())
		logger.With(fields).Infof("Self-heal: repairing %s", s.loc.Path)
		s.step(evOK)
	}
}

func (s *healSession) sinkNames() []string {
	out := make([]string, 0, len(s.decision.sinks))
	for _, i := range s.decision.sinks {
		out = append(out, s.r.names[i])
	}
	return out
}

// ============================================================================
// OPEN_FOR_HEAL
// ============================================================================

func (s *healSession) openForHeal() {
	d := s.decision
	idxs := append([]int{d.latest}, d.sinks...)

	op := xlator.OpOpen
	sinkFlags := xlator.OpenReadWrite | xlator.OpenTruncate
	if s.kind == HealEntry {
		op = xlator.OpOpendir
		s.srcFD = xlator.NewDirFD(s.loc)
		s.sinkFD = xlator.NewDirFD(s.loc)
	} else {
		s.srcFD = xlator.NewFD(s.loc, xlator.OpenReadOnly)
		s.sinkFD = xlator.NewFD(s.loc, sinkFlags)
	}

	s.r.fanout(s.frame, idxs, func(i int) (xlator.Op, *xlator.Args) {
		if i == d.latest {
			return op, &xlator.Args{Loc: s.loc, Flags: xlator.OpenReadOnly, FD: s.srcFD}
		}
		return op, &xlator.Args{Loc: s.loc, Flags: sinkFlags, FD: s.sinkFD}
	}, func(replies []*xlator.Reply) {
		var failed error
		for _, i := range idxs {
			if rep := replies[i]; rep.OK() {
				s.healOpened[i] = true
			} else if failed == nil {
				failed = rep.Err
			}
		}
		switch {
		case failed != nil:
			s.fail(failed)
		case s.kind == HealEntry:
			s.step(evDir)
		default:
			s.step(evFile)
		}
	})
}

// ============================================================================
// COPY_DATA
// ============================================================================

// copyChunk copies one chunk at offset from the latest replica to every
// sink and continues with the next until a short read.
func (s *healSession) copyChunk(offset int64) {
	d := s.decision
	size := s.r.opts.ChunkSize

	xlator.WindOp(s.frame, s.r.children[d.latest], xlator.OpReadv, &xlator.Args{FD: s.srcFD, Size: size, Offset: offset}, func(rep *xlator.Reply) {
		if !rep.OK() {
			s.fail(rep.Err)
			return
		}
		n := len(rep.Data)
		if n == 0 {
			s.step(evOK)
			return
		}

		write := func() {
			s.r.fanout(s.frame, d.sinks, func(int) (xlator.Op, *xlator.Args) {
				return xlator.OpWritev, &xlator.Args{FD: s.sinkFD, Data: rep.Data, Offset: offset}
			}, func(replies []*xlator.Reply) {
				for _, i := range d.sinks {
					if w := replies[i]; !w.OK() {
						logger.Warn("Replicate %s: heal %s: write at %d to %s failed: %v", s.r.Name(), s.loc.Path, offset, s.r.names[i], w.Err)
						s.fail(w.Err)
						return
					}
				}
				s.copied += int64(n)
				s.r.metrics.BytesCopied(n)
				if n < size {
					s.step(evOK)
					return
				}
				s.copyChunk(offset + int64(n))
			})
		}

		if delay := s.r.limiter.Reserve(n); delay > 0 {
			time.AfterFunc(delay, write)
			return
		}
		write()
	})
}

// ============================================================================
// COPY_ENTRIES
// ============================================================================

// Pass 1: list the latest replica in batches, confirm every entry still
// exists there and create the missing ones on the sinks.

func (s *healSession) replayBatch(offset int64) {
	latest := s.r.children[s.decision.latest]

	xlator.WindOp(s.frame, latest, xlator.OpReaddir, &xlator.Args{FD: s.srcFD, Size: s.r.opts.ReaddirBatch, Offset: offset}, func(rep *xlator.Reply) {
		if !rep.OK() {
			s.fail(rep.Err)
			return
		}
		if rep.Offset <= offset {
			s.pruneSinks(0)
			return
		}
		next := rep.Offset
		s.validate(rep.Entries, func(valid []xlator.DirEntry) {
			s.replay(valid, func() {
				s.replayBatch(next)
			})
		})
	})
}

// validate looks every entry up again on the latest replica and keeps the
// ones that still exist, with fresh attributes.
func (s *healSession) validate(entries []xlator.DirEntry, done func(valid []xlator.DirEntry)) {
	latest := s.r.children[s.decision.latest]
	s.each(len(entries), func(k int) (xlator.Translator, xlator.Op, *xlator.Args) {
		return latest, xlator.OpLookup, &xlator.Args{Loc: s.loc.Child(entries[k].Name)}
	}, func(replies []*xlator.Reply) {
		valid := make([]xlator.DirEntry, 0, len(entries))
		for k, rep := range replies {
			if !rep.OK() {
				logger.Debug("Replicate %s: heal %s: %s vanished: %v", s.r.Name(), s.loc.Path, entries[k].Name, rep.Err)
				continue
			}
			valid = append(valid, xlator.DirEntry{Name: entries[k].Name, Stat: rep.Stat, Link: rep.Link})
		}
		done(valid)
	})
}

type debtMark struct {
	sink int
	name string
}

// appendMarks adds a mark for every created entry that has content the
// sink still has to receive.
func appendMarks(marks []debtMark, sink int, created []xlator.DirEntry) []debtMark {
	for _, e := range created {
		if e.Stat.Type == xlator.FileTypeRegular || e.Stat.IsDir() {
			marks = append(marks, debtMark{sink: sink, name: e.Name})
		}
	}
	return marks
}

// replay creates the entries missing on every sink and marks the new files
// and directories as owing data to that sink.
func (s *healSession) replay(valid []xlator.DirEntry, done func()) {
	if len(valid) == 0 {
		done()
		return
	}
	sinks := s.decision.sinks

	s.r.fanout(s.frame, sinks, func(int) (xlator.Op, *xlator.Args) {
		return xlator.OpSetdents, &xlator.Args{FD: s.sinkFD, SetdentsFlags: xlator.SetIfAbsent | xlator.SetEpochTime, Entries: valid}
	}, func(replies []*xlator.Reply) {
		var marks []debtMark
		for _, i := range sinks {
			rep := replies[i]
			if !rep.OK() {
				s.fail(rep.Err)
				return
			}
			s.created += rep.Count
			marks = appendMarks(marks, i, rep.Entries)
		}
		s.markDebt(marks, done)
	})
}

// markDebt records on the latest replica's copy of each entry that the sink
// owes it its content.
func (s *healSession) markDebt(marks []debtMark, done func()) {
	latest := s.r.children[s.decision.latest]
	s.each(len(marks), func(k int) (xlator.Translator, xlator.Op, *xlator.Args) {
		delta := make(xlator.Dict, 1)
		delta.SetInt(PendingKey(s.r.names[marks[k].sink]), 1)
		return latest, xlator.OpXattrop, &xlator.Args{Loc: s.loc.Child(marks[k].name), XattropType: xlator.XattropAdd, Xattr: delta}
	}, func(replies []*xlator.Reply) {
		for k, rep := range replies {
			if !rep.OK() {
				logger.Warn("Replicate %s: heal %s: marking %s for %s failed: %v", s.r.Name(), s.loc.Path, marks[k].name, s.r.names[marks[k].sink], rep.Err)
			}
		}
		done()
	})
}

// Pass 2: list each sink completely and remove what the latest replica no
// longer has. Entries whose type differs are replaced.

func (s *healSession) pruneSinks(k int) {
	sinks := s.decision.sinks
	if k == len(sinks) {
		s.step(evOK)
		return
	}
	i := sinks[k]
	s.listAll(i, s.sinkFD, 0, nil, func(entries []xlator.DirEntry, err error) {
		if err != nil {
			s.fail(err)
			return
		}
		s.pruneEntries(i, entries, func() {
			s.pruneSinks(k + 1)
		})
	})
}

// listAll reads the whole directory behind fd on child i.
func (s *healSession) listAll(i int, fd *xlator.FD, offset int64, acc []xlator.DirEntry, done func([]xlator.DirEntry, error)) {
	xlator.WindOp(s.frame, s.r.children[i], xlator.OpReaddir, &xlator.Args{FD: fd, Size: s.r.opts.ReaddirBatch, Offset: offset}, func(rep *xlator.Reply) {
		if !rep.OK() {
			done(nil, rep.Err)
			return
		}
		acc = append(acc, rep.Entries...)
		if rep.Offset <= offset {
			done(acc, nil)
			return
		}
		s.listAll(i, fd, rep.Offset, acc, done)
	})
}

func (s *healSession) pruneEntries(i int, entries []xlator.DirEntry, done func()) {
	latest := s.r.children[s.decision.latest]
	s.each(len(entries), func(k int) (xlator.Translator, xlator.Op, *xlator.Args) {
		return latest, xlator.OpLookup, &xlator.Args{Loc: s.loc.Child(entries[k].Name)}
	}, func(replies []*xlator.Reply) {
		var next func(k int)
		next = func(k int) {
			if k == len(entries) {
				done()
				return
			}
			e, rep := entries[k], replies[k]
			loc := s.loc.Child(e.Name)

			switch {
			case xlator.IsCode(rep.Err, xlator.ErrNotFound):
				s.removeEntry(i, loc, e.Stat.IsDir(), func(err error) {
					if err != nil {
						logger.Warn("Replicate %s: heal %s: removing %s from %s: %v", s.r.Name(), s.loc.Path, e.Name, s.r.names[i], err)
					} else {
						s.removed++
					}
					next(k + 1)
				})

			case rep.OK() && rep.Stat.Type != e.Stat.Type:
				s.replace(i, xlator.DirEntry{Name: e.Name, Stat: rep.Stat, Link: rep.Link}, func() {
					next(k + 1)
				})

			default:
				if !rep.OK() {
					logger.Warn("Replicate %s: heal %s: lookup of %s on source: %v", s.r.Name(), s.loc.Path, e.Name, rep.Err)
				}
				next(k + 1)
			}
		}
		next(0)
	})
}

// replace recreates entry on sink i with the type the latest replica has.
func (s *healSession) replace(i int, entry xlator.DirEntry, done func()) {
	xlator.WindOp(s.frame, s.r.children[i], xlator.OpSetdents, &xlator.Args{
		FD:            s.sinkFD,
		SetdentsFlags: xlator.SetOverwrite | xlator.SetEpochTime,
		Entries:       []xlator.DirEntry{entry},
	}, func(rep *xlator.Reply) {
		if !rep.OK() {
			logger.Warn("Replicate %s: heal %s: replacing %s on %s: %v", s.r.Name(), s.loc.Path, entry.Name, s.r.names[i], rep.Err)
			done()
			return
		}
		s.created += rep.Count
		s.markDebt(appendMarks(nil, i, rep.Entries), done)
	})
}

func (s *healSession) removeEntry(i int, loc *xlator.Loc, dir bool, done func(error)) {
	if dir {
		s.removeTree(i, loc, done)
		return
	}
	xlator.WindOp(s.frame, s.r.children[i], xlator.OpUnlink, &xlator.Args{Loc: loc}, func(rep *xlator.Reply) {
		done(rep.Err)
	})
}

// removeTree removes the directory at loc and everything below it from
// child i.
func (s *healSession) removeTree(i int, loc *xlator.Loc, done func(error)) {
	child := s.r.children[i]
	fd := xlator.NewDirFD(loc)

	xlator.WindOp(s.frame, child, xlator.OpOpendir, &xlator.Args{Loc: loc, FD: fd}, func(rep *xlator.Reply) {
		if !rep.OK() {
			done(rep.Err)
			return
		}
		s.listAll(i, fd, 0, nil, func(entries []xlator.DirEntry, listErr error) {
			xlator.WindOp(s.frame, child, xlator.OpRelease, &xlator.Args{FD: fd}, func(*xlator.Reply) {
				if listErr != nil {
					done(listErr)
					return
				}
				var next func(k int)
				next = func(k int) {
					if k == len(entries) {
						xlator.WindOp(s.frame, child, xlator.OpRmdir, &xlator.Args{Loc: loc}, func(rep *xlator.Reply) {
							done(rep.Err)
						})
						return
					}
					e := entries[k]
					s.removeEntry(i, loc.Child(e.Name), e.Stat.IsDir(), func(err error) {
						if err != nil {
							logger.Debug("Replicate %s: heal: removing %s/%s: %v", s.r.Name(), loc.Path, e.Name, err)
						}
						next(k + 1)
					})
				}
				next(0)
			})
		})
	})
}

// ============================================================================
// COPY_METADATA
// ============================================================================

// metadataFix is what one sink needs to match the latest replica.
type metadataFix struct {
	sink   int
	set    xlator.Dict
	remove []string
	attr   bool
}

// copyMetadata makes the extended attributes, permission bits and
// ownership of every sink match the latest replica. Changelog keys are left
// to RESET_METADATA.
func (s *healSession) copyMetadata() {
	d := s.decision
	idxs := append([]int{d.latest}, d.sinks...)

	s.r.fanout(s.frame, idxs, func(int) (xlator.Op, *xlator.Args) {
		return xlator.OpGetxattr, &xlator.Args{Loc: s.loc}
	}, func(replies []*xlator.Reply) {
		for _, i := range idxs {
			if rep := replies[i]; !rep.OK() {
				s.fail(rep.Err)
				return
			}
		}

		src := replies[d.latest].Xattr
		srcStat := s.stats[d.latest]
		var fixes []metadataFix
		for _, i := range d.sinks {
			fix := diffMetadata(src, replies[i].Xattr)
			fix.sink = i
			st := s.stats[i]
			fix.attr = st.Mode != srcStat.Mode || st.UID != srcStat.UID || st.GID != srcStat.GID
			if len(fix.set) > 0 || len(fix.remove) > 0 || fix.attr {
				fixes = append(fixes, fix)
			}
		}
		s.applyMetadata(fixes, 0)
	})
}

// diffMetadata returns the keys to set and to remove on a sink holding
// have so that it matches want. Changelog keys are ignored.
func diffMetadata(want, have xlator.Dict) metadataFix {
	fix := metadataFix{set: make(xlator.Dict)}
	for k, v := range want {
		if strings.HasPrefix(k, changelogPrefix) {
			continue
		}
		if cur, ok := have[k]; !ok || !bytes.Equal(cur, v) {
			fix.set[k] = v
		}
	}
	for k := range have {
		if strings.HasPrefix(k, changelogPrefix) {
			continue
		}
		if _, ok := want[k]; !ok {
			fix.remove = append(fix.remove, k)
		}
	}
	sort.Strings(fix.remove)
	return fix
}

// applyMetadata applies fixes one sink after the other.
func (s *healSession) applyMetadata(fixes []metadataFix, k int) {
	if k == len(fixes) {
		s.step(evOK)
		return
	}
	fix := fixes[k]
	child := s.r.children[fix.sink]
	src := s.stats[s.decision.latest]

	type call struct {
		op xlator.Op
		a  *xlator.Args
	}
	var calls []call
	if len(fix.set) > 0 {
		calls = append(calls, call{xlator.OpSetxattr, &xlator.Args{Loc: s.loc, Xattr: fix.set}})
	}
	for _, name := range fix.remove {
		calls = append(calls, call{xlator.OpRemovexattr, &xlator.Args{Loc: s.loc, Name: name}})
	}
	if fix.attr {
		attr := src
		calls = append(calls, call{xlator.OpSetattr, &xlator.Args{
			Loc:   s.loc,
			Attr:  &attr,
			Valid: xlator.SetattrMode | xlator.SetattrUID | xlator.SetattrGID,
		}})
	}

	s.each(len(calls), func(n int) (xlator.Translator, xlator.Op, *xlator.Args) {
		return child, calls[n].op, calls[n].a
	}, func(replies []*xlator.Reply) {
		for n, rep := range replies {
			if rep.OK() || (calls[n].op == xlator.OpRemovexattr && xlator.IsCode(rep.Err, xlator.ErrNoData)) {
				continue
			}
			logger.Warn("Replicate %s: heal %s: %s on %s failed: %v", s.r.Name(), s.loc.Path, calls[n].op, s.r.names[fix.sink], rep.Err)
			s.fail(rep.Err)
			return
		}
		s.metadataFixed++
		s.applyMetadata(fixes, k+1)
	})
}

// ============================================================================
// RESET_METADATA
// ============================================================================

func (s *healSession) resetMetadata() {
	d := s.decision
	participant := make([]bool, len(s.logs))
	for i, cl := range s.logs {
		participant[i] = cl != nil
	}
	latest := s.logs[d.latest]

	deltas := make([]xlator.Dict, len(s.logs))
	var idxs []int
	for _, i := range indices(participant) {
		if delta := resetDelta(s.r.names, participant, latest, s.logs[i]); len(delta) > 0 {
			deltas[i] = delta
			idxs = append(idxs, i)
		}
	}

	s.r.fanout(s.frame, idxs, func(i int) (xlator.Op, *xlator.Args) {
		return xlator.OpXattrop, &xlator.Args{Loc: s.loc, XattropType: xlator.XattropAdd, Xattr: deltas[i]}
	}, func(replies []*xlator.Reply) {
		for _, i := range idxs {
			if rep := replies[i]; !rep.OK() {
				s.fail(rep.Err)
				return
			}
		}

		src := s.stats[d.latest]
		s.r.fanout(s.frame, d.sinks, func(int) (xlator.Op, *xlator.Args) {
			return xlator.OpUtimens, &xlator.Args{Loc: s.loc, Atime: src.Atime, Mtime: src.Mtime}
		}, func(replies []*xlator.Reply) {
			for _, i := range d.sinks {
				if rep := replies[i]; !rep.OK() {
					logger.Warn("Replicate %s: heal %s: restoring times on %s: %v", s.r.Name(), s.loc.Path, s.r.names[i], rep.Err)
				}
			}
			s.step(evOK)
		})
	})
}

// ============================================================================
// CLOSE_HANDLES / RELEASE_LOCK
// ============================================================================

// closeHandles releases exactly the handles whose open succeeded. Each flag
// is cleared when its release is issued.
func (s *healSession) closeHandles(then func()) {
	heal := indices(s.healOpened)
	for _, i := range heal {
		s.healOpened[i] = false
	}

	s.release(heal, func(i int) *xlator.FD {
		if i == s.decision.latest {
			return s.srcFD
		}
		return s.sinkFD
	}, func() {
		all := indices(s.opened)
		for _, i := range all {
			s.opened[i] = false
		}
		s.release(all, func(int) *xlator.FD { return s.fd }, then)
	})
}

func (s *healSession) release(idxs []int, fdFor func(i int) *xlator.FD, then func()) {
	s.r.fanout(s.frame, idxs, func(i int) (xlator.Op, *xlator.Args) {
		return xlator.OpRelease, &xlator.Args{FD: fdFor(i)}
	}, func(replies []*xlator.Reply) {
		for _, i := range idxs {
			if rep := replies[i]; !rep.OK() {
				logger.Debug("Replicate %s: heal %s: release on %s: %v", s.r.Name(), s.loc.Path, s.r.names[i], rep.Err)
			}
		}
		then()
	})
}

// releaseLock unlocks every replica the lock was granted on. lockHeld is
// cleared when the unlock is issued so the lock is released at most once.
func (s *healSession) releaseLock(then func()) {
	if !s.lockHeld {
		then()
		return
	}
	s.lockHeld = false

	idxs := indices(s.locked)
	for _, i := range idxs {
		s.locked[i] = false
	}
	unlock := xlator.WholeFile(s.owner)
	unlock.Type = xlator.LockUnlock

	s.r.fanout(s.frame, idxs, func(int) (xlator.Op, *xlator.Args) {
		return xlator.OpInodelk, &xlator.Args{Loc: s.loc, LockCmd: xlator.LockSet, Lock: unlock}
	}, func(replies []*xlator.Reply) {
		for _, i := range idxs {
			if rep := replies[i]; !rep.OK() {
				logger.Warn("Replicate %s: heal %s: unlock on %s failed: %v", s.r.Name(), s.loc.Path, s.r.names[i], rep.Err)
			}
		}
		then()
	})
}

// ============================================================================
// DONE / FAILED / SPLIT_BRAIN
// ============================================================================

func (s *healSession) finish() {
	res := &HealResult{
		Path:     s.loc.Path,
		Kind:     s.kind,
		Bytes:    s.copied,
		Duration: time.Since(s.started),
	}

	switch s.state {
	case stateDone:
		res.Outcome = OutcomeHealed
		if s.exit == evClean {
			res.Outcome = OutcomeClean
		}
	case stateSplitBrain:
		res.Outcome = OutcomeSplitBrain
		res.Err = s.err
	default:
		res.Outcome = OutcomeFailed
		res.Err = s.err
		if res.Err == nil {
			res.Err = xlator.NewError(xlator.ErrIO, s.loc.Path, "self-heal failed")
		}
	}

	if s.decided && s.decision.latest >= 0 {
		res.Source = s.r.names[s.decision.latest]
		res.Sinks = s.sinkNames()
		if res.Outcome == OutcomeHealed {
			s.r.setHint(s.loc.Path, s.decision.latest)
		}
	}

	switch res.Outcome {
	case OutcomeHealed:
		logger.Info("Replicate %s: healed %s from %s to %v (%d bytes, %d entries created, %d removed, metadata on %d) in %s",
			s.r.Name(), res.Path, res.Source, res.Sinks, res.Bytes, s.created, s.removed, s.metadataFixed, res.Duration)
	case OutcomeClean:
		logger.Debug("Replicate %s: %s is clean", s.r.Name(), res.Path)
	default:
		logger.Warn("Replicate %s: self-heal of %s ended %s: %v (trace %v)", s.r.Name(), res.Path, res.Outcome, res.Err, s.trace)
	}

	s.r.metrics.SessionFinished(s.kind, res.Outcome, res.Duration)
	s.frame.Complete()
	s.r.completeHeal(res)
}
