package xlator

import (
	"context"
	"sync"
	"time"

	"github.com/marmos91/mirrorfs/internal/logger"
	"github.com/marmos91/mirrorfs/pkg/frame"
)

// Base implements the whole vtable as a passthrough to the first child and
// the default event propagation. Concrete translators embed *Base and
// override the operations they care about.
type Base struct {
	name     string
	typ      string
	children []Translator

	mu      sync.RWMutex
	parents []Translator
	self    Translator
	tracker *UpDownTracker
	handler OpHandler
}

// OpHandler handles any vtable operation described by op and a.
type OpHandler func(f *frame.Frame, op Op, a *Args, cbk Callback)

var _ Translator = (*Base)(nil)

// NewBase creates the common part of a translator.
func NewBase(name, typ string, children []Translator) *Base {
	return &Base{
		name:     name,
		typ:      typ,
		children: children,
		tracker:  NewUpDownTracker(),
	}
}

// SetSelf records the outer translator embedding this Base, used as the
// sender of events forwarded to neighbors.
func (b *Base) SetSelf(t Translator) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.self = t
}

// Self returns the outer translator (or the Base itself).
func (b *Base) Self() Translator {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.self != nil {
		return b.self
	}
	return b
}

func (b *Base) Name() string { return b.name }

func (b *Base) Type() string { return b.typ }

func (b *Base) Children() []Translator { return b.children }

func (b *Base) Init(context.Context) error { return nil }

func (b *Base) Fini() error { return nil }

// Parents returns a snapshot of the parent list.
func (b *Base) Parents() []Translator {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Translator(nil), b.parents...)
}

// AddParent records p as a parent. Adding the same parent twice is a no-op.
func (b *Base) AddParent(p Translator) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range b.parents {
		if q == p {
			return
		}
	}
	b.parents = append(b.parents, p)
}

// AttachChildren registers t as a parent of each of its children.
func AttachChildren(t Translator) {
	for _, c := range t.Children() {
		c.AddParent(t)
	}
}

// FirstChild returns the first child or nil for leaves.
func (b *Base) FirstChild() Translator {
	if len(b.children) == 0 {
		return nil
	}
	return b.children[0]
}

// ChildIndex returns the position of the named child or -1.
func (b *Base) ChildIndex(name string) int {
	for i, c := range b.children {
		if c.Name() == name {
			return i
		}
	}
	return -1
}

// Tracker exposes the up/down hysteresis state of the children.
func (b *Base) Tracker() *UpDownTracker {
	return b.tracker
}

// Notify applies the default propagation: parent-up goes down to every child,
// child up/down goes through the hysteresis tracker before reaching parents,
// everything else is forwarded upward unchanged.
func (b *Base) Notify(ev Event, from Translator) {
	switch ev {
	case EventParentUp:
		b.NotifyChildren(EventParentUp)
	case EventChildUp, EventChildDown:
		out, ok := b.tracker.Update(from.Name(), ev)
		if ok {
			logger.Debug("Translator %s: %s after %s from %s", b.name, out, ev, from.Name())
			b.NotifyParents(out)
		}
	default:
		b.NotifyParents(ev)
	}
}

// NotifyParents delivers ev to every parent with this translator as sender.
func (b *Base) NotifyParents(ev Event) {
	self := b.Self()
	for _, p := range b.Parents() {
		p.Notify(ev, self)
	}
}

// NotifyChildren delivers ev to every child with this translator as sender.
func (b *Base) NotifyChildren(ev Event) {
	self := b.Self()
	for _, c := range b.children {
		c.Notify(ev, self)
	}
}

// SetHandler routes every operation not overridden by the outer translator
// through h instead of the default passthrough.
func (b *Base) SetHandler(h OpHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

func (b *Base) handle(f *frame.Frame, op Op, a *Args, cbk Callback) {
	b.mu.RLock()
	h := b.handler
	b.mu.RUnlock()
	if h != nil {
		h(f, op, a, cbk)
		return
	}
	b.Forward(f, op, a, cbk)
}

// Forward winds op into the first child and unwinds the child's reply
// unchanged.
func (b *Base) Forward(f *frame.Frame, op Op, a *Args, cbk Callback) {
	child := b.FirstChild()
	if child == nil {
		Unwind(f, cbk, ErrReply(NewError(ErrNotSupported, a.Path(), "%s: %s not implemented", b.name, op)))
		return
	}
	WindOp(f, child, op, a, func(r *Reply) {
		Unwind(f, cbk, r)
	})
}

func (b *Base) Lookup(f *frame.Frame, loc *Loc, needXattr bool, cbk Callback) {
	b.handle(f, OpLookup, &Args{Loc: loc, NeedXattr: needXattr}, cbk)
}

func (b *Base) Stat(f *frame.Frame, loc *Loc, cbk Callback) {
	b.handle(f, OpStat, &Args{Loc: loc}, cbk)
}

func (b *Base) Fstat(f *frame.Frame, fd *FD, cbk Callback) {
	b.handle(f, OpFstat, &Args{FD: fd}, cbk)
}

func (b *Base) Open(f *frame.Frame, loc *Loc, flags int, fd *FD, cbk Callback) {
	b.handle(f, OpOpen, &Args{Loc: loc, Flags: flags, FD: fd}, cbk)
}

func (b *Base) Create(f *frame.Frame, loc *Loc, flags int, mode uint32, fd *FD, cbk Callback) {
	b.handle(f, OpCreate, &Args{Loc: loc, Flags: flags, Mode: mode, FD: fd}, cbk)
}

func (b *Base) Readv(f *frame.Frame, fd *FD, size int, offset int64, cbk Callback) {
	b.handle(f, OpReadv, &Args{FD: fd, Size: size, Offset: offset}, cbk)
}

func (b *Base) Writev(f *frame.Frame, fd *FD, data []byte, offset int64, cbk Callback) {
	b.handle(f, OpWritev, &Args{FD: fd, Data: data, Offset: offset}, cbk)
}

func (b *Base) Truncate(f *frame.Frame, loc *Loc, offset int64, cbk Callback) {
	b.handle(f, OpTruncate, &Args{Loc: loc, Offset: offset}, cbk)
}

func (b *Base) Ftruncate(f *frame.Frame, fd *FD, offset int64, cbk Callback) {
	b.handle(f, OpFtruncate, &Args{FD: fd, Offset: offset}, cbk)
}

func (b *Base) Mkdir(f *frame.Frame, loc *Loc, mode uint32, cbk Callback) {
	b.handle(f, OpMkdir, &Args{Loc: loc, Mode: mode}, cbk)
}

func (b *Base) Rmdir(f *frame.Frame, loc *Loc, cbk Callback) {
	b.handle(f, OpRmdir, &Args{Loc: loc}, cbk)
}

func (b *Base) Unlink(f *frame.Frame, loc *Loc, cbk Callback) {
	b.handle(f, OpUnlink, &Args{Loc: loc}, cbk)
}

func (b *Base) Symlink(f *frame.Frame, target string, loc *Loc, cbk Callback) {
	b.handle(f, OpSymlink, &Args{Target: target, Loc: loc}, cbk)
}

func (b *Base) Readlink(f *frame.Frame, loc *Loc, cbk Callback) {
	b.handle(f, OpReadlink, &Args{Loc: loc}, cbk)
}

func (b *Base) Rename(f *frame.Frame, oldLoc, newLoc *Loc, cbk Callback) {
	b.handle(f, OpRename, &Args{Loc: oldLoc, NewLoc: newLoc}, cbk)
}

func (b *Base) Link(f *frame.Frame, oldLoc, newLoc *Loc, cbk Callback) {
	b.handle(f, OpLink, &Args{Loc: oldLoc, NewLoc: newLoc}, cbk)
}

func (b *Base) Setxattr(f *frame.Frame, loc *Loc, xattr Dict, flags int, cbk Callback) {
	b.handle(f, OpSetxattr, &Args{Loc: loc, Xattr: xattr, Flags: flags}, cbk)
}

func (b *Base) Getxattr(f *frame.Frame, loc *Loc, name string, cbk Callback) {
	b.handle(f, OpGetxattr, &Args{Loc: loc, Name: name}, cbk)
}

func (b *Base) Removexattr(f *frame.Frame, loc *Loc, name string, cbk Callback) {
	b.handle(f, OpRemovexattr, &Args{Loc: loc, Name: name}, cbk)
}

func (b *Base) Xattrop(f *frame.Frame, loc *Loc, op XattropType, xattr Dict, cbk Callback) {
	b.handle(f, OpXattrop, &Args{Loc: loc, XattropType: op, Xattr: xattr}, cbk)
}

func (b *Base) Opendir(f *frame.Frame, loc *Loc, fd *FD, cbk Callback) {
	b.handle(f, OpOpendir, &Args{Loc: loc, FD: fd}, cbk)
}

func (b *Base) Readdir(f *frame.Frame, fd *FD, size int, offset int64, cbk Callback) {
	b.handle(f, OpReaddir, &Args{FD: fd, Size: size, Offset: offset}, cbk)
}

func (b *Base) Setdents(f *frame.Frame, fd *FD, flags SetdentsFlags, entries []DirEntry, cbk Callback) {
	b.handle(f, OpSetdents, &Args{FD: fd, SetdentsFlags: flags, Entries: entries}, cbk)
}

func (b *Base) Fsyncdir(f *frame.Frame, fd *FD, cbk Callback) {
	b.handle(f, OpFsyncdir, &Args{FD: fd}, cbk)
}

func (b *Base) Release(f *frame.Frame, fd *FD, cbk Callback) {
	b.handle(f, OpRelease, &Args{FD: fd}, cbk)
}

func (b *Base) Inodelk(f *frame.Frame, loc *Loc, cmd LockCmd, lock *Flock, cbk Callback) {
	b.handle(f, OpInodelk, &Args{Loc: loc, LockCmd: cmd, Lock: lock}, cbk)
}

func (b *Base) Checksum(f *frame.Frame, loc *Loc, cbk Callback) {
	b.handle(f, OpChecksum, &Args{Loc: loc}, cbk)
}

func (b *Base) Utimens(f *frame.Frame, loc *Loc, atime, mtime time.Time, cbk Callback) {
	b.handle(f, OpUtimens, &Args{Loc: loc, Atime: atime, Mtime: mtime}, cbk)
}

func (b *Base) Setattr(f *frame.Frame, loc *Loc, attr *Iatt, valid SetattrMask, cbk Callback) {
	b.handle(f, OpSetattr, &Args{Loc: loc, Attr: attr, Valid: valid}, cbk)
}
