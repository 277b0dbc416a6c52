// Package unify implements the cluster/unify translator: one namespace child
// holds the whole directory tree and a stub for every file, while the file
// data lives on exactly one of the storage children.
//
// The storage child of a regular file is chosen round-robin when the file is
// created and recorded on the namespace stub in the ChildKey xattr.
// Directories exist on the namespace and on every storage child so that any
// of them can receive new files.
package unify

import (
	"sync"

	"github.com/marmos91/mirrorfs/internal/logger"
	"github.com/marmos91/mirrorfs/pkg/frame"
	"github.com/marmos91/mirrorfs/pkg/xlator"
)

// Type is the registry type of this translator.
const Type = "cluster/unify"

// ChildKey is the namespace xattr naming the storage child of a file.
const ChildKey = "trusted.unify.child"

// Unify splits the namespace from the data.
type Unify struct {
	*xlator.Base

	ns      xlator.Translator
	storage []xlator.Translator
	index   map[string]int

	mu   sync.Mutex
	up   []bool
	next int
}

// New creates a unify translator. The namespace child is appended to the
// children after the storage children.
func New(name string, ns xlator.Translator, storage []xlator.Translator) *Unify {
	children := append(append([]xlator.Translator(nil), storage...), ns)
	u := &Unify{
		Base:    xlator.NewBase(name, Type, children),
		ns:      ns,
		storage: storage,
		index:   make(map[string]int, len(storage)),
		up:      make([]bool, len(storage)),
	}
	for i, c := range storage {
		u.index[c.Name()] = i
	}
	u.SetSelf(u)
	u.SetHandler(u.handle)
	return u
}

// Namespace returns the namespace child.
func (u *Unify) Namespace() xlator.Translator {
	return u.ns
}

// Notify tracks which storage children can take new files.
func (u *Unify) Notify(ev xlator.Event, from xlator.Translator) {
	if from != nil && (ev == xlator.EventChildUp || ev == xlator.EventChildDown) {
		if i, ok := u.index[from.Name()]; ok {
			u.mu.Lock()
			u.up[i] = ev == xlator.EventChildUp
			u.mu.Unlock()
		}
	}
	u.Base.Notify(ev, from)
}

// schedule picks the storage child of a new file: the next live child in
// round-robin order, or -1 when none is up.
func (u *Unify) schedule() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	for range u.storage {
		i := u.next
		u.next = (u.next + 1) % len(u.storage)
		if u.up[i] {
			return i
		}
	}
	return -1
}

// childOf returns the storage child recorded in a namespace lookup reply.
func (u *Unify) childOf(rep *xlator.Reply) int {
	if rep.Stat.Type != xlator.FileTypeRegular || rep.Xattr == nil {
		return -1
	}
	v, ok := rep.Xattr[ChildKey]
	if !ok {
		return -1
	}
	i, ok := u.index[string(v)]
	if !ok {
		return -1
	}
	return i
}

// resolve looks loc up on the namespace and hands the reply and the storage
// child of the inode (-1 for anything but a scheduled regular file) to done.
func (u *Unify) resolve(f *frame.Frame, loc *xlator.Loc, done func(rep *xlator.Reply, child int)) {
	xlator.WindOp(f, u.ns, xlator.OpLookup, &xlator.Args{Loc: loc, NeedXattr: true}, func(rep *xlator.Reply) {
		if !rep.OK() {
			done(rep, -1)
			return
		}
		done(rep, u.childOf(rep))
	})
}

// fdChild returns the storage child a file handle was opened on, or -1 for
// directory handles.
func (u *Unify) fdChild(fd *xlator.FD) int {
	if fd == nil || fd.IsDir {
		return -1
	}
	v, ok := fd.Ctx(u.Name())
	if !ok {
		return -1
	}
	return v.(int)
}

func (u *Unify) handle(f *frame.Frame, op xlator.Op, a *xlator.Args, cbk xlator.Callback) {
	switch op {
	case xlator.OpLookup, xlator.OpStat:
		u.lookup(f, a, cbk)
	case xlator.OpCreate:
		u.create(f, a, cbk)
	case xlator.OpOpen:
		u.open(f, a, cbk)
	case xlator.OpFstat, xlator.OpReadv, xlator.OpWritev, xlator.OpFtruncate, xlator.OpRelease:
		u.fdOp(f, op, a, cbk)
	case xlator.OpMkdir, xlator.OpRmdir:
		u.dirOp(f, op, a, cbk)
	case xlator.OpUnlink:
		u.unlink(f, a, cbk)
	case xlator.OpRename, xlator.OpLink:
		u.rename(f, op, a, cbk)
	case xlator.OpTruncate, xlator.OpUtimens, xlator.OpSetattr, xlator.OpSetxattr, xlator.OpGetxattr,
		xlator.OpRemovexattr, xlator.OpXattrop, xlator.OpInodelk:
		u.locOp(f, op, a, cbk)
	default:
		// symlink, readlink, opendir, readdir, setdents, fsyncdir and
		// checksum only concern the namespace
		xlator.WindOp(f, u.ns, op, a, func(rep *xlator.Reply) {
			xlator.Unwind(f, cbk, rep)
		})
	}
}

// ============================================================================
// Lookup
// ============================================================================

// lookup returns the namespace attributes of loc; for a regular file the
// size, blocks and modification time come from its storage child and the
// link count is the highest of the two.
func (u *Unify) lookup(f *frame.Frame, a *xlator.Args, cbk xlator.Callback) {
	u.resolve(f, a.Loc, func(ns *xlator.Reply, child int) {
		if !ns.OK() || child < 0 {
			if ns.OK() && !a.NeedXattr {
				ns.Xattr = nil
			}
			xlator.Unwind(f, cbk, ns)
			return
		}

		xlator.WindOp(f, u.storage[child], xlator.OpLookup, &xlator.Args{Loc: a.Loc, NeedXattr: a.NeedXattr}, func(rep *xlator.Reply) {
			if !rep.OK() {
				logger.Warn("Unify %s: %s has no data on %s: %v", u.Name(), a.Loc.Path, u.storage[child].Name(), rep.Err)
				if !a.NeedXattr {
					ns.Xattr = nil
				}
				xlator.Unwind(f, cbk, ns)
				return
			}
			out := &xlator.Reply{Stat: mergeStat(ns.Stat, rep.Stat)}
			if a.NeedXattr {
				out.Xattr = rep.Xattr.Clone()
				if out.Xattr == nil {
					out.Xattr = xlator.Dict{}
				}
				out.Xattr[ChildKey] = ns.Xattr[ChildKey]
			}
			xlator.Unwind(f, cbk, out)
		})
	})
}

func mergeStat(ns, data xlator.Iatt) xlator.Iatt {
	out := ns
	out.Size = data.Size
	out.Blocks = data.Blocks
	out.Mtime = data.Mtime
	if data.Nlink > out.Nlink {
		out.Nlink = data.Nlink
	}
	return out
}

// ============================================================================
// Files
// ============================================================================

// create makes the namespace stub, records the scheduled child on it and
// creates the data file with the same gfid.
func (u *Unify) create(f *frame.Frame, a *xlator.Args, cbk xlator.Callback) {
	child := u.schedule()
	if child < 0 {
		xlator.Unwind(f, cbk, xlator.ErrReply(xlator.NewError(xlator.ErrNotConnected, a.Path(), "%s: no storage child is up", u.Name())))
		return
	}
	target := u.storage[child]

	// Step 1: namespace stub
	stub := xlator.NewFD(a.Loc, a.Flags)
	xlator.WindOp(f, u.ns, xlator.OpCreate, &xlator.Args{Loc: a.Loc, Flags: a.Flags, Mode: a.Mode, FD: stub}, func(rep *xlator.Reply) {
		if !rep.OK() {
			xlator.Unwind(f, cbk, rep)
			return
		}
		loc := *a.Loc
		loc.Gfid = rep.Stat.Gfid

		// Step 2: remember where the data goes
		xlator.WindOp(f, u.ns, xlator.OpRelease, &xlator.Args{FD: stub}, func(*xlator.Reply) {})
		xattr := xlator.Dict{ChildKey: []byte(target.Name())}
		xlator.WindOp(f, u.ns, xlator.OpSetxattr, &xlator.Args{Loc: &loc, Xattr: xattr}, func(rep *xlator.Reply) {
			if !rep.OK() {
				u.undoStub(f, &loc, rep, cbk)
				return
			}

			// Step 3: data file
			flags := a.Flags | xlator.OpenCreate
			xlator.WindOp(f, target, xlator.OpCreate, &xlator.Args{Loc: &loc, Flags: flags, Mode: a.Mode, FD: a.FD}, func(rep *xlator.Reply) {
				if !rep.OK() {
					u.undoStub(f, &loc, rep, cbk)
					return
				}
				a.FD.SetCtx(u.Name(), child)
				logger.Debug("Unify %s: %s scheduled on %s", u.Name(), loc.Path, target.Name())
				xlator.Unwind(f, cbk, rep)
			})
		})
	})
}

// undoStub removes a namespace stub whose data file could not be created
// and unwinds failed.
func (u *Unify) undoStub(f *frame.Frame, loc *xlator.Loc, failed *xlator.Reply, cbk xlator.Callback) {
	xlator.WindOp(f, u.ns, xlator.OpUnlink, &xlator.Args{Loc: loc}, func(rep *xlator.Reply) {
		if !rep.OK() {
			logger.Warn("Unify %s: leaving stub %s behind: %v", u.Name(), loc.Path, rep.Err)
		}
		xlator.Unwind(f, cbk, failed)
	})
}

func (u *Unify) open(f *frame.Frame, a *xlator.Args, cbk xlator.Callback) {
	u.resolve(f, a.Loc, func(ns *xlator.Reply, child int) {
		if !ns.OK() {
			xlator.Unwind(f, cbk, ns)
			return
		}
		if child < 0 {
			xlator.Unwind(f, cbk, xlator.ErrReply(xlator.NewError(xlator.ErrIO, a.Path(), "%s: no storage child recorded", u.Name())))
			return
		}
		xlator.WindOp(f, u.storage[child], xlator.OpOpen, a, func(rep *xlator.Reply) {
			if rep.OK() {
				a.FD.SetCtx(u.Name(), child)
			}
			xlator.Unwind(f, cbk, rep)
		})
	})
}

func (u *Unify) fdOp(f *frame.Frame, op xlator.Op, a *xlator.Args, cbk xlator.Callback) {
	target := u.ns
	if child := u.fdChild(a.FD); child >= 0 {
		target = u.storage[child]
	}
	xlator.WindOp(f, target, op, a, func(rep *xlator.Reply) {
		if op == xlator.OpRelease {
			a.FD.DelCtx(u.Name())
		}
		xlator.Unwind(f, cbk, rep)
	})
}

// locOp sends a path operation to the storage child of a regular file and
// to the namespace for everything else.
func (u *Unify) locOp(f *frame.Frame, op xlator.Op, a *xlator.Args, cbk xlator.Callback) {
	u.resolve(f, a.Loc, func(ns *xlator.Reply, child int) {
		if !ns.OK() {
			xlator.Unwind(f, cbk, ns)
			return
		}
		target := u.ns
		if child >= 0 {
			target = u.storage[child]
		}
		xlator.WindOp(f, target, op, a, func(rep *xlator.Reply) {
			xlator.Unwind(f, cbk, rep)
		})
	})
}

// unlink removes the data file, then the stub.
func (u *Unify) unlink(f *frame.Frame, a *xlator.Args, cbk xlator.Callback) {
	u.resolve(f, a.Loc, func(ns *xlator.Reply, child int) {
		if !ns.OK() {
			xlator.Unwind(f, cbk, ns)
			return
		}
		removeStub := func() {
			xlator.WindOp(f, u.ns, xlator.OpUnlink, a, func(rep *xlator.Reply) {
				xlator.Unwind(f, cbk, rep)
			})
		}
		if child < 0 {
			removeStub()
			return
		}
		xlator.WindOp(f, u.storage[child], xlator.OpUnlink, a, func(rep *xlator.Reply) {
			if !rep.OK() && !xlator.IsCode(rep.Err, xlator.ErrNotFound) {
				xlator.Unwind(f, cbk, rep)
				return
			}
			removeStub()
		})
	})
}

// rename applies a rename or hard link to the namespace first, then to the
// storage child holding the data (every storage child for a directory).
func (u *Unify) rename(f *frame.Frame, op xlator.Op, a *xlator.Args, cbk xlator.Callback) {
	u.resolve(f, a.Loc, func(ns *xlator.Reply, child int) {
		if !ns.OK() {
			xlator.Unwind(f, cbk, ns)
			return
		}
		var targets []xlator.Translator
		switch {
		case child >= 0:
			targets = []xlator.Translator{u.storage[child]}
		case ns.Stat.IsDir() && op == xlator.OpRename:
			targets = u.storage
		}

		xlator.WindOp(f, u.ns, op, a, func(out *xlator.Reply) {
			if !out.OK() {
				xlator.Unwind(f, cbk, out)
				return
			}
			u.fanout(f, targets, op, a, func(errs []error) {
				for i, err := range errs {
					if err != nil && !xlator.IsCode(err, xlator.ErrNotFound) {
						logger.Warn("Unify %s: %s %s on %s: %v", u.Name(), op, a.Loc.Path, targets[i].Name(), err)
					}
				}
				xlator.Unwind(f, cbk, out)
			})
		})
	})
}

// ============================================================================
// Directories
// ============================================================================

// dirOp creates or removes a directory on the namespace and then on every
// storage child. The namespace decides the result.
func (u *Unify) dirOp(f *frame.Frame, op xlator.Op, a *xlator.Args, cbk xlator.Callback) {
	xlator.WindOp(f, u.ns, op, a, func(out *xlator.Reply) {
		if !out.OK() {
			xlator.Unwind(f, cbk, out)
			return
		}
		sub := *a
		if op == xlator.OpMkdir {
			loc := *a.Loc
			loc.Gfid = out.Stat.Gfid
			sub.Loc = &loc
		}
		u.fanout(f, u.storage, op, &sub, func(errs []error) {
			for i, err := range errs {
				if err == nil || xlator.IsCode(err, xlator.ErrExists) || xlator.IsCode(err, xlator.ErrNotFound) {
					continue
				}
				logger.Warn("Unify %s: %s %s on %s: %v", u.Name(), op, a.Loc.Path, u.storage[i].Name(), err)
			}
			xlator.Unwind(f, cbk, out)
		})
	})
}

// fanout winds op to every target and reports the per-target errors.
func (u *Unify) fanout(f *frame.Frame, targets []xlator.Translator, op xlator.Op, a *xlator.Args, done func([]error)) {
	errs := make([]error, len(targets))
	join := frame.NewJoin(len(targets), func() { done(errs) })
	for i, t := range targets {
		xlator.WindOp(f, t, op, a, func(rep *xlator.Reply) {
			f.Lock()
			errs[i] = rep.Err
			f.Unlock()
			join.Done()
		})
	}
}
