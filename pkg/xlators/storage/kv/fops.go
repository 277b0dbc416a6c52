package kv

import (
	"crypto/sha256"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/mirrorfs/pkg/frame"
	"github.com/marmos91/mirrorfs/pkg/storage"
	"github.com/marmos91/mirrorfs/pkg/xlator"
)

// run executes fn under the brick mutex and unwinds its reply outside it.
func (b *KV) run(f *frame.Frame, cbk xlator.Callback, fn func() *xlator.Reply) {
	b.mu.Lock()
	r := fn()
	b.mu.Unlock()
	xlator.Unwind(f, cbk, r)
}

// attach binds fd to the inode, counting it as a new handle unless it was
// already bound (a reopen).
func (b *KV) attach(fd *xlator.FD, rec *inodeRecord) {
	if _, ok := fd.Ctx(b.Name()); !ok {
		b.handles++
	}
	fd.SetCtx(b.Name(), &fdCtx{gfid: rec.gfid()})
}

func fail(err error) *xlator.Reply {
	return xlator.ErrReply(err)
}

func (b *KV) Lookup(f *frame.Frame, loc *xlator.Loc, needXattr bool, cbk xlator.Callback) {
	b.run(f, cbk, func() *xlator.Reply {
		rec, err := b.resolve(loc)
		if err != nil {
			return fail(err)
		}
		r := &xlator.Reply{Stat: rec.iatt(), Link: rec.Link}
		if needXattr {
			r.Xattr = rec.xattrDict()
		}
		return r
	})
}

func (b *KV) Stat(f *frame.Frame, loc *xlator.Loc, cbk xlator.Callback) {
	b.run(f, cbk, func() *xlator.Reply {
		rec, err := b.resolve(loc)
		if err != nil {
			return fail(err)
		}
		return &xlator.Reply{Stat: rec.iatt()}
	})
}

func (b *KV) Fstat(f *frame.Frame, fd *xlator.FD, cbk xlator.Callback) {
	b.run(f, cbk, func() *xlator.Reply {
		rec, err := b.fdInode(fd)
		if err != nil {
			return fail(err)
		}
		return &xlator.Reply{Stat: rec.iatt()}
	})
}

// ============================================================================
// Files
// ============================================================================

func (b *KV) Open(f *frame.Frame, loc *xlator.Loc, flags int, fd *xlator.FD, cbk xlator.Callback) {
	b.run(f, cbk, func() *xlator.Reply {
		rec, err := b.resolve(loc)
		if err != nil {
			return fail(err)
		}
		writable := flags&(xlator.OpenWriteOnly|xlator.OpenReadWrite) != 0
		if rec.isDir() && writable {
			return fail(xlator.Errorf(xlator.ErrIsDirectory, loc.Path))
		}
		if flags&xlator.OpenTruncate != 0 && writable && rec.fileType() == xlator.FileTypeRegular {
			if err := b.truncateLocked(rec, 0); err != nil {
				return fail(err)
			}
		}
		b.attach(fd, rec)
		return &xlator.Reply{FD: fd, Stat: rec.iatt()}
	})
}

func (b *KV) Create(f *frame.Frame, loc *xlator.Loc, flags int, mode uint32, fd *xlator.FD, cbk xlator.Callback) {
	b.run(f, cbk, func() *xlator.Reply {
		rec, err := b.createLocked(loc, xlator.FileTypeRegular, mode, "")
		if err != nil {
			return fail(err)
		}
		if err := b.mapErr(b.backend.Put(b.ctx, keyContent(rec.gfid()), 0, nil, true), loc.Path); err != nil {
			return fail(err)
		}
		b.attach(fd, rec)
		return &xlator.Reply{FD: fd, Stat: rec.iatt()}
	})
}

func (b *KV) Readv(f *frame.Frame, fd *xlator.FD, size int, offset int64, cbk xlator.Callback) {
	b.run(f, cbk, func() *xlator.Reply {
		rec, err := b.fdInode(fd)
		if err != nil {
			return fail(err)
		}
		if rec.isDir() {
			return fail(xlator.Errorf(xlator.ErrIsDirectory, fd.Loc.Path))
		}
		data, err := b.backend.Get(b.ctx, keyContent(rec.gfid()), offset, size)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fail(b.mapErr(err, fd.Loc.Path))
		}
		if data == nil {
			data = []byte{}
		}
		return &xlator.Reply{Data: data, Stat: rec.iatt()}
	})
}

func (b *KV) Writev(f *frame.Frame, fd *xlator.FD, data []byte, offset int64, cbk xlator.Callback) {
	b.run(f, cbk, func() *xlator.Reply {
		rec, err := b.fdInode(fd)
		if err != nil {
			return fail(err)
		}
		if rec.isDir() {
			return fail(xlator.Errorf(xlator.ErrIsDirectory, fd.Loc.Path))
		}
		pre := rec.iatt()
		if fd.Flags&xlator.OpenAppend != 0 {
			offset = int64(rec.Size)
		}
		if err := b.backend.Put(b.ctx, keyContent(rec.gfid()), offset, data, false); err != nil {
			return fail(b.mapErr(err, fd.Loc.Path))
		}
		if end := uint64(offset) + uint64(len(data)); end > rec.Size {
			rec.Size = end
		}
		rec.touch(b.now(), true)
		if err := b.saveInode(rec); err != nil {
			return fail(err)
		}
		return &xlator.Reply{PreStat: pre, Stat: rec.iatt()}
	})
}

func (b *KV) truncateLocked(rec *inodeRecord, size int64) error {
	if rec.isDir() {
		return xlator.Errorf(xlator.ErrIsDirectory, "")
	}
	if size < 0 {
		return xlator.Errorf(xlator.ErrInvalidArgument, "")
	}
	if err := b.backend.Put(b.ctx, keyContent(rec.gfid()), size, nil, true); err != nil {
		return b.mapErr(err, "")
	}
	rec.Size = uint64(size)
	rec.touch(b.now(), true)
	return b.saveInode(rec)
}

func (b *KV) Truncate(f *frame.Frame, loc *xlator.Loc, offset int64, cbk xlator.Callback) {
	b.run(f, cbk, func() *xlator.Reply {
		rec, err := b.resolve(loc)
		if err != nil {
			return fail(err)
		}
		pre := rec.iatt()
		if err := b.truncateLocked(rec, offset); err != nil {
			return fail(err)
		}
		return &xlator.Reply{PreStat: pre, Stat: rec.iatt()}
	})
}

func (b *KV) Ftruncate(f *frame.Frame, fd *xlator.FD, offset int64, cbk xlator.Callback) {
	b.run(f, cbk, func() *xlator.Reply {
		rec, err := b.fdInode(fd)
		if err != nil {
			return fail(err)
		}
		pre := rec.iatt()
		if err := b.truncateLocked(rec, offset); err != nil {
			return fail(err)
		}
		return &xlator.Reply{PreStat: pre, Stat: rec.iatt()}
	})
}

// ============================================================================
// Namespace
// ============================================================================

// createLocked adds a new inode named by loc. A non-nil loc.Gfid is used as
// the new inode's gfid so replicas agree on identity.
func (b *KV) createLocked(loc *xlator.Loc, typ xlator.FileType, mode uint32, link string) (*inodeRecord, error) {
	parent, err := b.resolveParent(loc)
	if err != nil {
		return nil, err
	}
	if _, err := b.lookupEntry(parent.gfid(), loc.Name()); err == nil {
		return nil, xlator.Errorf(xlator.ErrExists, loc.Path)
	} else if !xlator.IsCode(err, xlator.ErrNotFound) {
		return nil, err
	}

	rec := newRecord(loc.Gfid, typ, mode, b.now())
	rec.Link = link
	if typ == xlator.FileTypeDirectory {
		rec.Parent = parent.gfid()
	}
	if typ == xlator.FileTypeSymlink {
		rec.Size = uint64(len(link))
	}
	if err := b.saveInode(rec); err != nil {
		return nil, err
	}
	if err := b.putEntry(parent.gfid(), loc.Name(), rec.gfid()); err != nil {
		return nil, err
	}
	delta := 0
	if typ == xlator.FileTypeDirectory {
		delta = 1
	}
	if err := b.adjustParentLinks(parent, delta); err != nil {
		return nil, err
	}
	return rec, nil
}

func (b *KV) Mkdir(f *frame.Frame, loc *xlator.Loc, mode uint32, cbk xlator.Callback) {
	b.run(f, cbk, func() *xlator.Reply {
		rec, err := b.createLocked(loc, xlator.FileTypeDirectory, mode, "")
		if err != nil {
			return fail(err)
		}
		return &xlator.Reply{Stat: rec.iatt()}
	})
}

func (b *KV) Symlink(f *frame.Frame, target string, loc *xlator.Loc, cbk xlator.Callback) {
	b.run(f, cbk, func() *xlator.Reply {
		rec, err := b.createLocked(loc, xlator.FileTypeSymlink, 0o777, target)
		if err != nil {
			return fail(err)
		}
		return &xlator.Reply{Stat: rec.iatt(), Link: target}
	})
}

func (b *KV) Readlink(f *frame.Frame, loc *xlator.Loc, cbk xlator.Callback) {
	b.run(f, cbk, func() *xlator.Reply {
		rec, err := b.resolve(loc)
		if err != nil {
			return fail(err)
		}
		if rec.fileType() != xlator.FileTypeSymlink {
			return fail(xlator.NewError(xlator.ErrInvalidArgument, loc.Path, "not a symlink"))
		}
		return &xlator.Reply{Link: rec.Link, Stat: rec.iatt()}
	})
}

func (b *KV) Rmdir(f *frame.Frame, loc *xlator.Loc, cbk xlator.Callback) {
	b.run(f, cbk, func() *xlator.Reply {
		parent, err := b.resolveParent(loc)
		if err != nil {
			return fail(err)
		}
		rec, err := b.resolve(loc)
		if err != nil {
			return fail(err)
		}
		if !rec.isDir() {
			return fail(xlator.Errorf(xlator.ErrNotDirectory, loc.Path))
		}
		busy, err := b.hasEntries(rec.gfid())
		if err != nil {
			return fail(err)
		}
		if busy {
			return fail(xlator.Errorf(xlator.ErrNotEmpty, loc.Path))
		}
		if err := b.deleteEntry(parent.gfid(), loc.Name()); err != nil {
			return fail(err)
		}
		if err := b.dropLink(rec); err != nil {
			return fail(err)
		}
		if err := b.adjustParentLinks(parent, -1); err != nil {
			return fail(err)
		}
		return &xlator.Reply{Stat: parent.iatt()}
	})
}

func (b *KV) Unlink(f *frame.Frame, loc *xlator.Loc, cbk xlator.Callback) {
	b.run(f, cbk, func() *xlator.Reply {
		parent, err := b.resolveParent(loc)
		if err != nil {
			return fail(err)
		}
		rec, err := b.resolve(loc)
		if err != nil {
			return fail(err)
		}
		if rec.isDir() {
			return fail(xlator.Errorf(xlator.ErrIsDirectory, loc.Path))
		}
		if err := b.deleteEntry(parent.gfid(), loc.Name()); err != nil {
			return fail(err)
		}
		if err := b.dropLink(rec); err != nil {
			return fail(err)
		}
		if err := b.adjustParentLinks(parent, 0); err != nil {
			return fail(err)
		}
		return &xlator.Reply{Stat: parent.iatt()}
	})
}

func (b *KV) Rename(f *frame.Frame, oldLoc, newLoc *xlator.Loc, cbk xlator.Callback) {
	b.run(f, cbk, func() *xlator.Reply {
		oldParent, err := b.resolveParent(oldLoc)
		if err != nil {
			return fail(err)
		}
		rec, err := b.resolve(oldLoc)
		if err != nil {
			return fail(err)
		}
		newParent, err := b.resolveParent(newLoc)
		if err != nil {
			return fail(err)
		}
		if oldLoc.Path == newLoc.Path {
			return &xlator.Reply{Stat: rec.iatt()}
		}

		// Replace an existing target of a compatible type.
		if id, err := b.lookupEntry(newParent.gfid(), newLoc.Name()); err == nil {
			target, err := b.loadInode(id)
			if err != nil {
				return fail(err)
			}
			switch {
			case target.isDir() && !rec.isDir():
				return fail(xlator.Errorf(xlator.ErrIsDirectory, newLoc.Path))
			case !target.isDir() && rec.isDir():
				return fail(xlator.Errorf(xlator.ErrNotDirectory, newLoc.Path))
			case target.isDir():
				busy, err := b.hasEntries(target.gfid())
				if err != nil {
					return fail(err)
				}
				if busy {
					return fail(xlator.Errorf(xlator.ErrNotEmpty, newLoc.Path))
				}
				if err := b.adjustParentLinks(newParent, -1); err != nil {
					return fail(err)
				}
			}
			if err := b.dropLink(target); err != nil {
				return fail(err)
			}
		} else if !xlator.IsCode(err, xlator.ErrNotFound) {
			return fail(err)
		}

		if err := b.putEntry(newParent.gfid(), newLoc.Name(), rec.gfid()); err != nil {
			return fail(err)
		}
		if err := b.deleteEntry(oldParent.gfid(), oldLoc.Name()); err != nil {
			return fail(err)
		}
		if rec.isDir() && oldParent.gfid() != newParent.gfid() {
			if err := b.adjustParentLinks(oldParent, -1); err != nil {
				return fail(err)
			}
			// Reload: the new parent may be the record just saved.
			if newParent, err = b.loadInode(newParent.gfid()); err != nil {
				return fail(err)
			}
			if err := b.adjustParentLinks(newParent, 1); err != nil {
				return fail(err)
			}
		}
		if rec.isDir() {
			rec.Parent = newParent.gfid()
		}
		rec.touch(b.now(), false)
		if err := b.saveInode(rec); err != nil {
			return fail(err)
		}
		return &xlator.Reply{Stat: rec.iatt()}
	})
}

func (b *KV) Link(f *frame.Frame, oldLoc, newLoc *xlator.Loc, cbk xlator.Callback) {
	b.run(f, cbk, func() *xlator.Reply {
		rec, err := b.resolve(oldLoc)
		if err != nil {
			return fail(err)
		}
		if rec.isDir() {
			return fail(xlator.NewError(xlator.ErrPermissionDenied, oldLoc.Path, "hard links to directories are not allowed"))
		}
		newParent, err := b.resolveParent(newLoc)
		if err != nil {
			return fail(err)
		}
		if _, err := b.lookupEntry(newParent.gfid(), newLoc.Name()); err == nil {
			return fail(xlator.Errorf(xlator.ErrExists, newLoc.Path))
		} else if !xlator.IsCode(err, xlator.ErrNotFound) {
			return fail(err)
		}
		if err := b.putEntry(newParent.gfid(), newLoc.Name(), rec.gfid()); err != nil {
			return fail(err)
		}
		rec.Nlink++
		rec.touch(b.now(), false)
		if err := b.saveInode(rec); err != nil {
			return fail(err)
		}
		return &xlator.Reply{Stat: rec.iatt()}
	})
}

func (b *KV) Utimens(f *frame.Frame, loc *xlator.Loc, atime, mtime time.Time, cbk xlator.Callback) {
	b.run(f, cbk, func() *xlator.Reply {
		rec, err := b.resolve(loc)
		if err != nil {
			return fail(err)
		}
		pre := rec.iatt()
		rec.AtimeNs = atime.UnixNano()
		rec.MtimeNs = mtime.UnixNano()
		rec.CtimeNs = b.now().UnixNano()
		if err := b.saveInode(rec); err != nil {
			return fail(err)
		}
		return &xlator.Reply{PreStat: pre, Stat: rec.iatt()}
	})
}

// Setattr changes the permission bits and ownership selected by valid.
func (b *KV) Setattr(f *frame.Frame, loc *xlator.Loc, attr *xlator.Iatt, valid xlator.SetattrMask, cbk xlator.Callback) {
	b.run(f, cbk, func() *xlator.Reply {
		if attr == nil {
			return fail(xlator.NewError(xlator.ErrInvalidArgument, loc.Path, "missing attributes"))
		}
		rec, err := b.resolve(loc)
		if err != nil {
			return fail(err)
		}
		pre := rec.iatt()
		if valid&xlator.SetattrMode != 0 {
			rec.Mode = attr.Mode
		}
		if valid&xlator.SetattrUID != 0 {
			rec.UID = attr.UID
		}
		if valid&xlator.SetattrGID != 0 {
			rec.GID = attr.GID
		}
		rec.touch(b.now(), false)
		if err := b.saveInode(rec); err != nil {
			return fail(err)
		}
		return &xlator.Reply{PreStat: pre, Stat: rec.iatt()}
	})
}

// ============================================================================
// Extended attributes
// ============================================================================

func (b *KV) Setxattr(f *frame.Frame, loc *xlator.Loc, dict xlator.Dict, flags int, cbk xlator.Callback) {
	b.run(f, cbk, func() *xlator.Reply {
		rec, err := b.resolve(loc)
		if err != nil {
			return fail(err)
		}
		for k, v := range dict {
			rec.setXattr(k, v)
		}
		rec.touch(b.now(), false)
		if err := b.saveInode(rec); err != nil {
			return fail(err)
		}
		return &xlator.Reply{Stat: rec.iatt()}
	})
}

func (b *KV) Getxattr(f *frame.Frame, loc *xlator.Loc, name string, cbk xlator.Callback) {
	b.run(f, cbk, func() *xlator.Reply {
		rec, err := b.resolve(loc)
		if err != nil {
			return fail(err)
		}
		if name == "" {
			return &xlator.Reply{Xattr: rec.xattrDict()}
		}
		v, ok := rec.getXattr(name)
		if !ok {
			return fail(xlator.NewError(xlator.ErrNoData, loc.Path, "no xattr %s", name))
		}
		return &xlator.Reply{Xattr: xlator.Dict{name: append([]byte(nil), v...)}}
	})
}

func (b *KV) Removexattr(f *frame.Frame, loc *xlator.Loc, name string, cbk xlator.Callback) {
	b.run(f, cbk, func() *xlator.Reply {
		rec, err := b.resolve(loc)
		if err != nil {
			return fail(err)
		}
		if !rec.removeXattr(name) {
			return fail(xlator.NewError(xlator.ErrNoData, loc.Path, "no xattr %s", name))
		}
		rec.touch(b.now(), false)
		if err := b.saveInode(rec); err != nil {
			return fail(err)
		}
		return &xlator.Reply{Stat: rec.iatt()}
	})
}

// Xattrop atomically reads or transforms the named integer attributes and
// returns their resulting values. Missing attributes count as zero.
func (b *KV) Xattrop(f *frame.Frame, loc *xlator.Loc, op xlator.XattropType, dict xlator.Dict, cbk xlator.Callback) {
	b.run(f, cbk, func() *xlator.Reply {
		rec, err := b.resolve(loc)
		if err != nil {
			return fail(err)
		}

		current := rec.xattrDict()
		out := make(xlator.Dict, len(dict))

		switch op {
		case xlator.XattropGet:
			if len(dict) == 0 {
				return &xlator.Reply{Xattr: current, Stat: rec.iatt()}
			}
			for k := range dict {
				if v, ok := current[k]; ok {
					out[k] = v
				}
			}
			return &xlator.Reply{Xattr: out, Stat: rec.iatt()}

		case xlator.XattropAdd:
			for k := range dict {
				delta, ok := dict.GetInt(k)
				if !ok {
					return fail(xlator.NewError(xlator.ErrInvalidArgument, loc.Path, "xattrop: %s is not an integer", k))
				}
				cur, _ := current.GetInt(k)
				out.SetInt(k, cur+delta)
			}

		case xlator.XattropReset:
			for k, v := range dict {
				out[k] = append([]byte(nil), v...)
			}

		default:
			return fail(xlator.NewError(xlator.ErrInvalidArgument, loc.Path, "unknown xattrop %d", op))
		}

		for k, v := range out {
			rec.setXattr(k, v)
		}
		if err := b.saveInode(rec); err != nil {
			return fail(err)
		}
		return &xlator.Reply{Xattr: out, Stat: rec.iatt()}
	})
}

// ============================================================================
// Directories
// ============================================================================

func (b *KV) Opendir(f *frame.Frame, loc *xlator.Loc, fd *xlator.FD, cbk xlator.Callback) {
	b.run(f, cbk, func() *xlator.Reply {
		rec, err := b.resolve(loc)
		if err != nil {
			return fail(err)
		}
		if !rec.isDir() {
			return fail(xlator.Errorf(xlator.ErrNotDirectory, loc.Path))
		}
		fd.IsDir = true
		b.attach(fd, rec)
		return &xlator.Reply{FD: fd, Stat: rec.iatt()}
	})
}

// Readdir returns up to size entries starting at the offset-th entry in name
// order; size <= 0 returns all remaining entries. Reply.Offset is the offset
// to continue from.
func (b *KV) Readdir(f *frame.Frame, fd *xlator.FD, size int, offset int64, cbk xlator.Callback) {
	b.run(f, cbk, func() *xlator.Reply {
		dir, err := b.fdInode(fd)
		if err != nil {
			return fail(err)
		}
		if !dir.isDir() {
			return fail(xlator.Errorf(xlator.ErrNotDirectory, fd.Loc.Path))
		}
		names, err := b.listEntries(dir.gfid())
		if err != nil {
			return fail(err)
		}
		if offset > int64(len(names)) {
			offset = int64(len(names))
		}
		names = names[offset:]
		if size > 0 && len(names) > size {
			names = names[:size]
		}

		entries := make([]xlator.DirEntry, 0, len(names))
		for _, name := range names {
			id, err := b.lookupEntry(dir.gfid(), name)
			if err != nil {
				return fail(err)
			}
			child, err := b.loadInode(id)
			if err != nil {
				// dangling entry
				continue
			}
			entries = append(entries, xlator.DirEntry{Name: name, Stat: child.iatt(), Link: child.Link})
		}
		return &xlator.Reply{Entries: entries, Offset: offset + int64(len(names)), Stat: dir.iatt()}
	})
}

// Setdents bulk-inserts entries into the directory behind fd.
//
// With SetIfAbsent existing names are left alone; with SetOverwrite an
// existing entry of the same type gets its attributes replaced and one of a
// different type is removed and recreated. SetEpochTime stamps new inodes
// with the Unix epoch. An entry whose gfid the brick already holds under
// another name is linked to that inode rather than created.
func (b *KV) Setdents(f *frame.Frame, fd *xlator.FD, flags xlator.SetdentsFlags, entries []xlator.DirEntry, cbk xlator.Callback) {
	b.run(f, cbk, func() *xlator.Reply {
		dir, err := b.fdInode(fd)
		if err != nil {
			return fail(err)
		}
		if !dir.isDir() {
			return fail(xlator.Errorf(xlator.ErrNotDirectory, fd.Loc.Path))
		}

		var created []xlator.DirEntry
		for _, e := range entries {
			loc := fd.Loc.Child(e.Name)
			if id, err := b.lookupEntry(dir.gfid(), e.Name); err == nil {
				if flags&xlator.SetOverwrite == 0 {
					continue
				}
				existing, err := b.loadInode(id)
				if err != nil {
					return fail(err)
				}
				if existing.fileType() == e.Stat.Type {
					existing.Mode, existing.UID, existing.GID = e.Stat.Mode, e.Stat.UID, e.Stat.GID
					existing.Link = e.Link
					existing.touch(b.now(), false)
					if err := b.saveInode(existing); err != nil {
						return fail(err)
					}
					continue
				}
				if existing.isDir() {
					err = b.removeTree(existing)
				} else {
					err = b.dropLink(existing)
				}
				if err != nil {
					return fail(err)
				}
				if err := b.deleteEntry(dir.gfid(), e.Name); err != nil {
					return fail(err)
				}
				if existing.isDir() {
					if dir, err = b.loadInode(dir.gfid()); err != nil {
						return fail(err)
					}
					if err := b.adjustParentLinks(dir, -1); err != nil {
						return fail(err)
					}
				}
			} else if !xlator.IsCode(err, xlator.ErrNotFound) {
				return fail(err)
			}

			rec, err := b.relink(dir, e)
			if err != nil {
				return fail(err)
			}
			if rec != nil {
				if dir, err = b.loadInode(dir.gfid()); err != nil {
					return fail(err)
				}
				created = append(created, xlator.DirEntry{Name: e.Name, Stat: rec.iatt(), Link: rec.Link})
				continue
			}

			loc.Gfid = e.Stat.Gfid
			rec, err = b.createLocked(loc, e.Stat.Type, e.Stat.Mode, e.Link)
			if err != nil {
				return fail(err)
			}
			rec.UID, rec.GID = e.Stat.UID, e.Stat.GID
			if flags&xlator.SetEpochTime != 0 {
				rec.AtimeNs, rec.MtimeNs, rec.CtimeNs = 0, 0, 0
			}
			if err := b.saveInode(rec); err != nil {
				return fail(err)
			}
			if rec.fileType() == xlator.FileTypeRegular {
				if err := b.mapErr(b.backend.Put(b.ctx, keyContent(rec.gfid()), 0, nil, true), loc.Path); err != nil {
					return fail(err)
				}
			}
			if dir, err = b.loadInode(dir.gfid()); err != nil {
				return fail(err)
			}
			created = append(created, xlator.DirEntry{Name: e.Name, Stat: rec.iatt(), Link: rec.Link})
		}
		return &xlator.Reply{Stat: dir.iatt(), Entries: created, Count: len(created)}
	})
}

// relink gives the inode with e's gfid the name e in dir when the brick
// already holds it, and returns nil otherwise. A file gains a hard link, so
// removing its old name later leaves the content in place. A directory
// moves, taking its subtree with it.
func (b *KV) relink(dir *inodeRecord, e xlator.DirEntry) (*inodeRecord, error) {
	if e.Stat.Gfid == uuid.Nil {
		return nil, nil
	}
	rec, err := b.loadInode(e.Stat.Gfid)
	if err != nil {
		if xlator.IsCode(err, xlator.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if rec.fileType() != e.Stat.Type {
		return nil, xlator.NewError(xlator.ErrExists, e.Name, "gfid %s already in use by a %v", rec.gfid(), rec.fileType())
	}
	if err := b.putEntry(dir.gfid(), e.Name, rec.gfid()); err != nil {
		return nil, err
	}

	if !rec.isDir() {
		rec.Nlink++
		rec.touch(b.now(), false)
		if err := b.saveInode(rec); err != nil {
			return nil, err
		}
		return rec, b.adjustParentLinks(dir, 0)
	}

	old := uuid.UUID(rec.Parent)
	if old != uuid.Nil {
		oldName, err := b.nameOf(old, rec.gfid())
		if err != nil {
			return nil, err
		}
		if oldName != "" && !(old == dir.gfid() && oldName == e.Name) {
			if err := b.deleteEntry(old, oldName); err != nil {
				return nil, err
			}
			if oldParent, err := b.loadInode(old); err == nil {
				if err := b.adjustParentLinks(oldParent, -1); err != nil {
					return nil, err
				}
			} else if !xlator.IsCode(err, xlator.ErrNotFound) {
				return nil, err
			}
		}
	}
	// Reload: the old parent may be dir.
	if dir, err = b.loadInode(dir.gfid()); err != nil {
		return nil, err
	}
	if err := b.adjustParentLinks(dir, 1); err != nil {
		return nil, err
	}
	rec.Parent = dir.gfid()
	rec.touch(b.now(), false)
	return rec, b.saveInode(rec)
}

// nameOf returns the name under which dir holds child, or "" when it
// holds none.
func (b *KV) nameOf(dir, child uuid.UUID) (string, error) {
	names, err := b.listEntries(dir)
	if err != nil {
		if xlator.IsCode(err, xlator.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	for _, name := range names {
		id, err := b.lookupEntry(dir, name)
		if err != nil {
			return "", err
		}
		if id == child {
			return name, nil
		}
	}
	return "", nil
}

func (b *KV) Fsyncdir(f *frame.Frame, fd *xlator.FD, cbk xlator.Callback) {
	b.run(f, cbk, func() *xlator.Reply {
		if _, err := b.fdInode(fd); err != nil {
			return fail(err)
		}
		return &xlator.Reply{}
	})
}

func (b *KV) Release(f *frame.Frame, fd *xlator.FD, cbk xlator.Callback) {
	b.run(f, cbk, func() *xlator.Reply {
		if fd == nil {
			return fail(xlator.Errorf(xlator.ErrBadHandle, ""))
		}
		if _, ok := fd.Ctx(b.Name()); !ok {
			return fail(xlator.Errorf(xlator.ErrBadHandle, fd.Loc.Path))
		}
		fd.DelCtx(b.Name())
		b.handles--
		return &xlator.Reply{}
	})
}

// Checksum hashes a directory's sorted entry names, or a file's content.
func (b *KV) Checksum(f *frame.Frame, loc *xlator.Loc, cbk xlator.Callback) {
	b.run(f, cbk, func() *xlator.Reply {
		rec, err := b.resolve(loc)
		if err != nil {
			return fail(err)
		}
		h := sha256.New()
		if rec.isDir() {
			names, err := b.listEntries(rec.gfid())
			if err != nil {
				return fail(err)
			}
			sort.Strings(names)
			for _, n := range names {
				h.Write([]byte(n))
				h.Write([]byte{0})
			}
		} else {
			data, err := b.backend.Get(b.ctx, keyContent(rec.gfid()), 0, -1)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return fail(b.mapErr(err, loc.Path))
			}
			h.Write(data)
			h.Write([]byte(rec.Link))
		}
		return &xlator.Reply{Checksum: h.Sum(nil), Stat: rec.iatt()}
	})
}

// Inodelk is not handled by a bare brick; stack features/locks above it.
func (b *KV) Inodelk(f *frame.Frame, loc *xlator.Loc, cmd xlator.LockCmd, lock *xlator.Flock, cbk xlator.Callback) {
	xlator.Unwind(f, cbk, fail(xlator.NewError(xlator.ErrNotSupported, loc.Path, "brick %s has no lock manager", b.Name())))
}
