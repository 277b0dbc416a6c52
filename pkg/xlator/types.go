package xlator

import (
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Op enumerates the operations of the translator vtable.
type Op int

const (
	OpLookup Op = iota
	OpStat
	OpFstat
	OpOpen
	OpCreate
	OpReadv
	OpWritev
	OpTruncate
	OpFtruncate
	OpMkdir
	OpRmdir
	OpUnlink
	OpSymlink
	OpReadlink
	OpRename
	OpLink
	OpSetxattr
	OpGetxattr
	OpRemovexattr
	OpXattrop
	OpOpendir
	OpReaddir
	OpSetdents
	OpFsyncdir
	OpRelease
	OpInodelk
	OpChecksum
	OpUtimens
	OpSetattr
)

var opNames = [...]string{
	"lookup", "stat", "fstat", "open", "create", "readv", "writev",
	"truncate", "ftruncate", "mkdir", "rmdir", "unlink", "symlink",
	"readlink", "rename", "link", "setxattr", "getxattr", "removexattr",
	"xattrop", "opendir", "readdir", "setdents", "fsyncdir", "release",
	"inodelk", "checksum", "utimens", "setattr",
}

func (o Op) String() string {
	if int(o) >= 0 && int(o) < len(opNames) {
		return opNames[o]
	}
	return "op(" + strconv.Itoa(int(o)) + ")"
}

// RootGfid is the gfid of every volume's root directory.
var RootGfid = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// Loc addresses an inode by path and, once known, by gfid.
type Loc struct {
	Path string
	Gfid uuid.UUID
}

// NewLoc builds a Loc for a cleaned absolute path.
func NewLoc(p string) *Loc {
	return &Loc{Path: CleanPath(p)}
}

// CleanPath normalizes p into an absolute slash path.
func CleanPath(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean("/" + p)
}

// Name returns the last path component ("" for the root).
func (l *Loc) Name() string {
	if l.Path == "/" {
		return ""
	}
	return path.Base(l.Path)
}

// ParentPath returns the parent directory path.
func (l *Loc) ParentPath() string {
	return path.Dir(l.Path)
}

// Child returns the Loc of name inside this directory.
func (l *Loc) Child(name string) *Loc {
	return &Loc{Path: path.Join(l.Path, name)}
}

// Parent returns the Loc of the parent directory.
func (l *Loc) Parent() *Loc {
	return &Loc{Path: l.ParentPath()}
}

// Components splits the path into its names, root excluded.
func (l *Loc) Components() []string {
	if l.Path == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(l.Path, "/"), "/")
}

// FileType is the inode type.
type FileType uint32

const (
	FileTypeNone FileType = iota
	FileTypeRegular
	FileTypeDirectory
	FileTypeSymlink
)

func (t FileType) String() string {
	switch t {
	case FileTypeRegular:
		return "regular"
	case FileTypeDirectory:
		return "directory"
	case FileTypeSymlink:
		return "symlink"
	default:
		return "none"
	}
}

// Iatt holds inode attributes as reported by a translator.
type Iatt struct {
	Gfid   uuid.UUID
	Type   FileType
	Mode   uint32
	UID    uint32
	GID    uint32
	Nlink  uint32
	Size   uint64
	Blocks uint64
	Atime  time.Time
	Mtime  time.Time
	Ctime  time.Time
}

// IsDir reports whether the inode is a directory.
func (a *Iatt) IsDir() bool { return a.Type == FileTypeDirectory }

// Open flags understood by the vtable. Values match the POSIX ones so callers
// can pass os.O_* constants.
const (
	OpenReadOnly  = 0x0
	OpenWriteOnly = 0x1
	OpenReadWrite = 0x2
	OpenCreate    = 0x40
	OpenExclusive = 0x80
	OpenTruncate  = 0x200
	OpenAppend    = 0x400
)

// FD is an open file or directory handle shared by every translator the
// open travelled through. Each translator keeps its own state in the context
// map under its own name.
type FD struct {
	Loc   Loc
	Flags int
	IsDir bool

	mu  sync.Mutex
	ctx map[string]any
}

// NewFD creates a handle for loc opened with flags.
func NewFD(loc *Loc, flags int) *FD {
	return &FD{Loc: *loc, Flags: flags, ctx: make(map[string]any)}
}

// NewDirFD creates a directory handle for loc.
func NewDirFD(loc *Loc) *FD {
	fd := NewFD(loc, OpenReadOnly)
	fd.IsDir = true
	return fd
}

// SetCtx stores translator-private state.
func (fd *FD) SetCtx(key string, v any) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	fd.ctx[key] = v
}

// Ctx returns translator-private state.
func (fd *FD) Ctx(key string) (any, bool) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	v, ok := fd.ctx[key]
	return v, ok
}

// DelCtx removes translator-private state.
func (fd *FD) DelCtx(key string) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	delete(fd.ctx, key)
}

// Dict is an extended-attribute dictionary.
type Dict map[string][]byte

// Clone returns a deep copy.
func (d Dict) Clone() Dict {
	if d == nil {
		return nil
	}
	out := make(Dict, len(d))
	for k, v := range d {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

// GetInt parses an ASCII integer value. Missing keys report ok=false.
func (d Dict) GetInt(key string) (int64, bool) {
	v, ok := d[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(v)), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// SetInt stores an ASCII integer value.
func (d Dict) SetInt(key string, v int64) {
	d[key] = []byte(strconv.FormatInt(v, 10))
}

// WithPrefix returns the subset of keys starting with prefix.
func (d Dict) WithPrefix(prefix string) Dict {
	out := make(Dict)
	for k, v := range d {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out
}

// DirEntry is one directory entry with its attributes.
type DirEntry struct {
	Name string
	Stat Iatt
	// Link is the symlink target for symlinks
	Link string
}

// SetattrMask selects the attributes a Setattr call changes.
type SetattrMask uint32

const (
	SetattrMode SetattrMask = 1 << iota
	SetattrUID
	SetattrGID
)

// LockType is the lock mode.
type LockType int

const (
	LockRead LockType = iota
	LockWrite
	LockUnlock
)

// LockCmd selects the inodelk behavior.
type LockCmd int

const (
	// LockSet acquires without blocking, failing with ErrAgain on conflict
	LockSet LockCmd = iota
	// LockGet reports a conflicting lock, if any
	LockGet
	// LockSetWait acquires, queueing behind conflicting locks until they
	// are released or the root's timeout expires
	LockSetWait
)

// Flock describes a byte-range lock. Len == 0 means "to end of file".
type Flock struct {
	Type  LockType
	Start int64
	Len   int64
	Owner string
}

// WholeFile returns an exclusive whole-range lock request for owner.
func WholeFile(owner string) *Flock {
	return &Flock{Type: LockWrite, Start: 0, Len: 0, Owner: owner}
}

// XattropType selects the merge semantics of Xattrop.
type XattropType int

const (
	// XattropGet returns the current values of the named keys
	XattropGet XattropType = iota
	// XattropAdd adds the ASCII integer deltas to the current values
	XattropAdd
	// XattropReset overwrites the named keys with the given values
	XattropReset
)

// SetdentsFlags controls bulk directory-entry insertion.
type SetdentsFlags int

const (
	// SetIfAbsent creates missing entries and leaves existing ones untouched
	SetIfAbsent SetdentsFlags = 1 << iota
	// SetOverwrite replaces existing entries
	SetOverwrite
	// SetEpochTime stamps created entries with the epoch so a later heal
	// treats them as older than any real copy
	SetEpochTime
)

// Reply is the result tuple delivered to a Callback.
type Reply struct {
	Err      error
	Stat     Iatt
	PreStat  Iatt
	Xattr    Dict
	Data     []byte
	Entries  []DirEntry
	FD       *FD
	Link     string
	Lock     *Flock
	Checksum []byte
	// Offset is the next readdir offset
	Offset int64
	// Count is the number of items an operation affected
	Count int
}

// OK reports whether the reply carries no error.
func (r *Reply) OK() bool { return r.Err == nil }

// ErrReply wraps err into a Reply.
func ErrReply(err error) *Reply {
	return &Reply{Err: err}
}

// Callback receives the single reply of an operation.
type Callback func(*Reply)
