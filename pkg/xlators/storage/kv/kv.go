// Package kv implements the storage/kv translator: a brick that keeps a whole
// filesystem tree (inodes, directory entries, contents and extended
// attributes) in a storage.Backend.
//
// Every operation runs inline on the caller's goroutine under the brick
// mutex, so each one (xattrop included) is atomic with respect to the others.
// Stack performance/iothreads on top for asynchronous completion.
package kv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/mirrorfs/internal/logger"
	"github.com/marmos91/mirrorfs/pkg/storage"
	"github.com/marmos91/mirrorfs/pkg/xlator"
)

// Type is the registry type of this translator.
const Type = "storage/kv"

// Options configures a brick.
type Options struct {
	// RootMode is the mode of the root directory created on first start
	RootMode uint32 `mapstructure:"root_mode"`
}

// KV is a brick translator backed by a storage.Backend.
type KV struct {
	*xlator.Base

	backend storage.Backend
	opts    Options

	mu      sync.Mutex
	handles int
	ctx     context.Context
	cancel  context.CancelFunc
	now     func() time.Time
}

// fdCtx is the per-fd state kept by the brick.
type fdCtx struct {
	gfid uuid.UUID
}

// New creates a brick over backend. The brick owns the backend and closes it
// in Fini.
func New(name string, backend storage.Backend, opts Options) *KV {
	if opts.RootMode == 0 {
		opts.RootMode = 0o755
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &KV{
		Base:    xlator.NewBase(name, Type, nil),
		backend: backend,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,
	}
	b.SetSelf(b)
	return b
}

// OpenHandles returns the number of file and directory handles currently
// bound to this brick.
func (b *KV) OpenHandles() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handles
}

// Init creates the root directory if the backend is empty.
func (b *KV) Init(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, err := b.loadInode(xlator.RootGfid)
	if err == nil {
		return nil
	}
	if !xlator.IsCode(err, xlator.ErrNotFound) {
		return fmt.Errorf("brick %s: read root: %w", b.Name(), err)
	}

	root := newRecord(xlator.RootGfid, xlator.FileTypeDirectory, b.opts.RootMode, b.now())
	if err := b.saveInode(root); err != nil {
		return fmt.Errorf("brick %s: create root: %w", b.Name(), err)
	}
	logger.Info("Brick %s: initialized empty volume root", b.Name())
	return nil
}

// Fini closes the backend.
func (b *KV) Fini() error {
	b.cancel()
	return b.backend.Close()
}

// Notify reports the brick up as soon as its parent is ready.
func (b *KV) Notify(ev xlator.Event, from xlator.Translator) {
	if ev == xlator.EventParentUp {
		b.NotifyParents(xlator.EventChildUp)
		return
	}
	b.Base.Notify(ev, from)
}

// ============================================================================
// Record access (callers hold b.mu)
// ============================================================================

func (b *KV) mapErr(err error, path string) error {
	if err == nil {
		return nil
	}
	var xerr *xlator.Error
	if errors.As(err, &xerr) {
		return err
	}
	if errors.Is(err, storage.ErrNotFound) {
		return xlator.Errorf(xlator.ErrNotFound, path)
	}
	return xlator.NewError(xlator.ErrIO, path, "brick %s: %v", b.Name(), err)
}

func (b *KV) loadInode(gfid uuid.UUID) (*inodeRecord, error) {
	data, err := b.backend.Get(b.ctx, keyInode(gfid), 0, -1)
	if err != nil {
		return nil, b.mapErr(err, gfid.String())
	}
	rec, err := decodeInode(data)
	if err != nil {
		return nil, xlator.NewError(xlator.ErrIO, gfid.String(), "%v", err)
	}
	return rec, nil
}

func (b *KV) saveInode(rec *inodeRecord) error {
	data, err := encodeInode(rec)
	if err != nil {
		return xlator.NewError(xlator.ErrIO, "", "%v", err)
	}
	return b.mapErr(b.backend.Put(b.ctx, keyInode(rec.gfid()), 0, data, true), "")
}

func (b *KV) lookupEntry(parent uuid.UUID, name string) (uuid.UUID, error) {
	data, err := b.backend.Get(b.ctx, keyEntry(parent, name), 0, -1)
	if err != nil {
		return uuid.Nil, b.mapErr(err, name)
	}
	if len(data) != 16 {
		return uuid.Nil, xlator.NewError(xlator.ErrIO, name, "corrupt entry record")
	}
	var id uuid.UUID
	copy(id[:], data)
	return id, nil
}

func (b *KV) putEntry(parent uuid.UUID, name string, child uuid.UUID) error {
	return b.mapErr(b.backend.Put(b.ctx, keyEntry(parent, name), 0, child[:], true), name)
}

func (b *KV) deleteEntry(parent uuid.UUID, name string) error {
	return b.mapErr(b.backend.Delete(b.ctx, keyEntry(parent, name)), name)
}

// resolve walks path from the root and returns the inode record.
func (b *KV) resolve(loc *xlator.Loc) (*inodeRecord, error) {
	rec, err := b.loadInode(xlator.RootGfid)
	if err != nil {
		return nil, err
	}
	for _, name := range loc.Components() {
		if !rec.isDir() {
			return nil, xlator.Errorf(xlator.ErrNotDirectory, loc.Path)
		}
		child, err := b.lookupEntry(rec.gfid(), name)
		if err != nil {
			if xlator.IsCode(err, xlator.ErrNotFound) {
				return nil, xlator.Errorf(xlator.ErrNotFound, loc.Path)
			}
			return nil, err
		}
		if rec, err = b.loadInode(child); err != nil {
			if xlator.IsCode(err, xlator.ErrNotFound) {
				return nil, xlator.Errorf(xlator.ErrStale, loc.Path)
			}
			return nil, err
		}
	}
	return rec, nil
}

// resolveParent returns the parent directory record of loc.
func (b *KV) resolveParent(loc *xlator.Loc) (*inodeRecord, error) {
	if loc.Path == "/" {
		return nil, xlator.NewError(xlator.ErrInvalidArgument, loc.Path, "root has no parent")
	}
	parent, err := b.resolve(loc.Parent())
	if err != nil {
		return nil, err
	}
	if !parent.isDir() {
		return nil, xlator.Errorf(xlator.ErrNotDirectory, loc.ParentPath())
	}
	return parent, nil
}

// fdInode returns the record behind an open fd.
func (b *KV) fdInode(fd *xlator.FD) (*inodeRecord, error) {
	if fd == nil {
		return nil, xlator.Errorf(xlator.ErrBadHandle, "")
	}
	v, ok := fd.Ctx(b.Name())
	if !ok {
		return nil, xlator.Errorf(xlator.ErrBadHandle, fd.Loc.Path)
	}
	rec, err := b.loadInode(v.(*fdCtx).gfid)
	if xlator.IsCode(err, xlator.ErrNotFound) {
		return nil, xlator.Errorf(xlator.ErrStale, fd.Loc.Path)
	}
	return rec, err
}

// hasEntries reports whether a directory has at least one entry.
func (b *KV) hasEntries(dir uuid.UUID) (bool, error) {
	found := false
	err := b.backend.Iterate(b.ctx, keyEntryPrefix(dir), "", func(string, int64) bool {
		found = true
		return false
	})
	return found, b.mapErr(err, "")
}

// listEntries returns the names in a directory in key order.
func (b *KV) listEntries(dir uuid.UUID) ([]string, error) {
	prefix := keyEntryPrefix(dir)
	var names []string
	err := b.backend.Iterate(b.ctx, prefix, "", func(key string, _ int64) bool {
		names = append(names, key[len(prefix):])
		return true
	})
	return names, b.mapErr(err, "")
}

// dropLink removes one link to rec, deleting the inode and its content when
// the last one goes.
func (b *KV) dropLink(rec *inodeRecord) error {
	if rec.isDir() || rec.Nlink <= 1 {
		if rec.fileType() == xlator.FileTypeRegular {
			if err := b.backend.Delete(b.ctx, keyContent(rec.gfid())); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return b.mapErr(err, "")
			}
		}
		return b.mapErr(b.backend.Delete(b.ctx, keyInode(rec.gfid())), "")
	}
	rec.Nlink--
	rec.touch(b.now(), false)
	return b.saveInode(rec)
}

// removeTree deletes a directory and everything below it.
func (b *KV) removeTree(dir *inodeRecord) error {
	names, err := b.listEntries(dir.gfid())
	if err != nil {
		return err
	}
	for _, name := range names {
		id, err := b.lookupEntry(dir.gfid(), name)
		if err != nil {
			return err
		}
		child, err := b.loadInode(id)
		if err == nil {
			if child.isDir() {
				err = b.removeTree(child)
			} else {
				err = b.dropLink(child)
			}
		}
		if err != nil && !xlator.IsCode(err, xlator.ErrNotFound) {
			return err
		}
		if err := b.deleteEntry(dir.gfid(), name); err != nil {
			return err
		}
	}
	return b.dropLink(dir)
}

// adjustParentLinks bumps a parent's nlink when a subdirectory appears or
// disappears.
func (b *KV) adjustParentLinks(parent *inodeRecord, delta int) error {
	parent.Nlink = uint32(int(parent.Nlink) + delta)
	parent.touch(b.now(), true)
	return b.saveInode(parent)
}
