// Package xlator defines the translator vtable and the wind/unwind runtime
// that connects translators into a graph.
//
// A translator is a node with zero or more children. Every filesystem
// operation is an asynchronous method taking the callee's frame, the
// operation arguments and a Callback. The translator either answers itself
// (Unwind) or issues sub-calls to children (Wind) and answers once they have
// replied.
//
// Callback Contract:
//   - Every wound call delivers exactly one reply to its callback.
//   - A call that does not reply within Root.Timeout receives a synthesized
//     ErrNotConnected reply; the late real reply is dropped.
//   - Callbacks may run on any goroutine, including the caller's.
package xlator

import (
	"context"
	"time"

	"github.com/marmos91/mirrorfs/pkg/frame"
)

// Translator is one node of the volume graph.
type Translator interface {
	// Name is the unique node name within the graph
	Name() string

	// Type is the registry type ("cluster/replicate", "storage/kv", ...)
	Type() string

	// Children returns the ordered child list
	Children() []Translator

	// Parents returns the translators that have this one as a child
	Parents() []Translator

	// AddParent records p as a parent; called by the graph builder
	AddParent(p Translator)

	// Init prepares the translator once every child is initialized
	Init(ctx context.Context) error

	// Fini releases resources; called top-down on shutdown
	Fini() error

	// Notify delivers a connectivity event from a neighbor
	Notify(ev Event, from Translator)

	Lookup(f *frame.Frame, loc *Loc, needXattr bool, cbk Callback)
	Stat(f *frame.Frame, loc *Loc, cbk Callback)
	Fstat(f *frame.Frame, fd *FD, cbk Callback)
	Open(f *frame.Frame, loc *Loc, flags int, fd *FD, cbk Callback)
	Create(f *frame.Frame, loc *Loc, flags int, mode uint32, fd *FD, cbk Callback)
	Readv(f *frame.Frame, fd *FD, size int, offset int64, cbk Callback)
	Writev(f *frame.Frame, fd *FD, data []byte, offset int64, cbk Callback)
	Truncate(f *frame.Frame, loc *Loc, offset int64, cbk Callback)
	Ftruncate(f *frame.Frame, fd *FD, offset int64, cbk Callback)
	Mkdir(f *frame.Frame, loc *Loc, mode uint32, cbk Callback)
	Rmdir(f *frame.Frame, loc *Loc, cbk Callback)
	Unlink(f *frame.Frame, loc *Loc, cbk Callback)
	Symlink(f *frame.Frame, target string, loc *Loc, cbk Callback)
	Readlink(f *frame.Frame, loc *Loc, cbk Callback)
	Rename(f *frame.Frame, oldLoc, newLoc *Loc, cbk Callback)
	Link(f *frame.Frame, oldLoc, newLoc *Loc, cbk Callback)
	Setxattr(f *frame.Frame, loc *Loc, xattr Dict, flags int, cbk Callback)
	Getxattr(f *frame.Frame, loc *Loc, name string, cbk Callback)
	Removexattr(f *frame.Frame, loc *Loc, name string, cbk Callback)
	Xattrop(f *frame.Frame, loc *Loc, op XattropType, xattr Dict, cbk Callback)
	Opendir(f *frame.Frame, loc *Loc, fd *FD, cbk Callback)
	Readdir(f *frame.Frame, fd *FD, size int, offset int64, cbk Callback)
	Setdents(f *frame.Frame, fd *FD, flags SetdentsFlags, entries []DirEntry, cbk Callback)
	Fsyncdir(f *frame.Frame, fd *FD, cbk Callback)
	Release(f *frame.Frame, fd *FD, cbk Callback)
	Inodelk(f *frame.Frame, loc *Loc, cmd LockCmd, lock *Flock, cbk Callback)
	Checksum(f *frame.Frame, loc *Loc, cbk Callback)
	Utimens(f *frame.Frame, loc *Loc, atime, mtime time.Time, cbk Callback)
	Setattr(f *frame.Frame, loc *Loc, attr *Iatt, valid SetattrMask, cbk Callback)
}

// Args carries the arguments of any vtable operation so that generic
// translators (transports, queues, fault injectors) can handle operations
// without knowing their signatures.
type Args struct {
	Loc           *Loc
	NewLoc        *Loc
	FD            *FD
	Flags         int
	Mode          uint32
	Size          int
	Offset        int64
	Data          []byte
	Target        string
	Name          string
	NeedXattr     bool
	Xattr         Dict
	XattropType   XattropType
	SetdentsFlags SetdentsFlags
	Entries       []DirEntry
	LockCmd       LockCmd
	Lock          *Flock
	Atime         time.Time
	Mtime         time.Time
	Attr          *Iatt
	Valid         SetattrMask
}

// Path returns the path the operation targets, for logging.
func (a *Args) Path() string {
	switch {
	case a.Loc != nil:
		return a.Loc.Path
	case a.FD != nil:
		return a.FD.Loc.Path
	default:
		return ""
	}
}

// Dispatch invokes op on t with the arguments in a.
func Dispatch(t Translator, f *frame.Frame, op Op, a *Args, cbk Callback) {
	switch op {
	case OpLookup:
		t.Lookup(f, a.Loc, a.NeedXattr, cbk)
	case OpStat:
		t.Stat(f, a.Loc, cbk)
	case OpFstat:
		t.Fstat(f, a.FD, cbk)
	case OpOpen:
		t.Open(f, a.Loc, a.Flags, a.FD, cbk)
	case OpCreate:
		t.Create(f, a.Loc, a.Flags, a.Mode, a.FD, cbk)
	case OpReadv:
		t.Readv(f, a.FD, a.Size, a.Offset, cbk)
	case OpWritev:
		t.Writev(f, a.FD, a.Data, a.Offset, cbk)
	case OpTruncate:
		t.Truncate(f, a.Loc, a.Offset, cbk)
	case OpFtruncate:
		t.Ftruncate(f, a.FD, a.Offset, cbk)
	case OpMkdir:
		t.Mkdir(f, a.Loc, a.Mode, cbk)
	case OpRmdir:
		t.Rmdir(f, a.Loc, cbk)
	case OpUnlink:
		t.Unlink(f, a.Loc, cbk)
	case OpSymlink:
		t.Symlink(f, a.Target, a.Loc, cbk)
	case OpReadlink:
		t.Readlink(f, a.Loc, cbk)
	case OpRename:
		t.Rename(f, a.Loc, a.NewLoc, cbk)
	case OpLink:
		t.Link(f, a.Loc, a.NewLoc, cbk)
	case OpSetxattr:
		t.Setxattr(f, a.Loc, a.Xattr, a.Flags, cbk)
	case OpGetxattr:
		t.Getxattr(f, a.Loc, a.Name, cbk)
	case OpRemovexattr:
		t.Removexattr(f, a.Loc, a.Name, cbk)
	case OpXattrop:
		t.Xattrop(f, a.Loc, a.XattropType, a.Xattr, cbk)
	case OpOpendir:
		t.Opendir(f, a.Loc, a.FD, cbk)
	case OpReaddir:
		t.Readdir(f, a.FD, a.Size, a.Offset, cbk)
	case OpSetdents:
		t.Setdents(f, a.FD, a.SetdentsFlags, a.Entries, cbk)
	case OpFsyncdir:
		t.Fsyncdir(f, a.FD, cbk)
	case OpRelease:
		t.Release(f, a.FD, cbk)
	case OpInodelk:
		t.Inodelk(f, a.Loc, a.LockCmd, a.Lock, cbk)
	case OpChecksum:
		t.Checksum(f, a.Loc, cbk)
	case OpUtimens:
		t.Utimens(f, a.Loc, a.Atime, a.Mtime, cbk)
	case OpSetattr:
		t.Setattr(f, a.Loc, a.Attr, a.Valid, cbk)
	default:
		Unwind(f, cbk, ErrReply(NewError(ErrNotSupported, a.Path(), "unknown op %s", op)))
	}
}
