// Package syncop provides blocking wrappers around the asynchronous
// translator vtable for tools, the heal daemon and tests.
//
// Every call creates a fresh root frame, winds the operation into the given
// translator and waits for its single reply. When ctx carries a deadline it
// becomes the root's bailout timeout, so a hung subtree answers with
// ErrNotConnected instead of blocking forever.
package syncop

import (
	"context"
	"time"

	"github.com/marmos91/mirrorfs/pkg/frame"
	"github.com/marmos91/mirrorfs/pkg/xlator"
)

// Creds are the credentials used for calls issued through this package.
var Creds = frame.RootCreds

// Call winds op into t and waits for the reply. The returned error is the
// reply's error, or ctx.Err() if ctx ends first.
func Call(ctx context.Context, t xlator.Translator, op xlator.Op, a *xlator.Args) (*xlator.Reply, error) {
	root := frame.NewRoot(Creds)
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			root.Timeout = d
		}
	}
	top := frame.NewFrame(root, "syncop")

	done := make(chan *xlator.Reply, 1)
	xlator.WindOp(top, t, op, a, func(r *xlator.Reply) {
		done <- r
	})

	select {
	case r := <-done:
		return r, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func Lookup(ctx context.Context, t xlator.Translator, path string) (xlator.Iatt, xlator.Dict, error) {
	r, err := Call(ctx, t, xlator.OpLookup, &xlator.Args{Loc: xlator.NewLoc(path), NeedXattr: true})
	if err != nil {
		return xlator.Iatt{}, nil, err
	}
	return r.Stat, r.Xattr, nil
}

func Stat(ctx context.Context, t xlator.Translator, path string) (xlator.Iatt, error) {
	r, err := Call(ctx, t, xlator.OpStat, &xlator.Args{Loc: xlator.NewLoc(path)})
	if err != nil {
		return xlator.Iatt{}, err
	}
	return r.Stat, nil
}

func Open(ctx context.Context, t xlator.Translator, path string, flags int) (*xlator.FD, error) {
	loc := xlator.NewLoc(path)
	fd := xlator.NewFD(loc, flags)
	if _, err := Call(ctx, t, xlator.OpOpen, &xlator.Args{Loc: loc, Flags: flags, FD: fd}); err != nil {
		return nil, err
	}
	return fd, nil
}

func Create(ctx context.Context, t xlator.Translator, path string, flags int, mode uint32) (*xlator.FD, error) {
	loc := xlator.NewLoc(path)
	fd := xlator.NewFD(loc, flags)
	if _, err := Call(ctx, t, xlator.OpCreate, &xlator.Args{Loc: loc, Flags: flags, Mode: mode, FD: fd}); err != nil {
		return nil, err
	}
	return fd, nil
}

func Readv(ctx context.Context, t xlator.Translator, fd *xlator.FD, size int, offset int64) ([]byte, error) {
	r, err := Call(ctx, t, xlator.OpReadv, &xlator.Args{FD: fd, Size: size, Offset: offset})
	if err != nil {
		return nil, err
	}
	return r.Data, nil
}

func Writev(ctx context.Context, t xlator.Translator, fd *xlator.FD, data []byte, offset int64) error {
	_, err := Call(ctx, t, xlator.OpWritev, &xlator.Args{FD: fd, Data: data, Offset: offset})
	return err
}

func Fstat(ctx context.Context, t xlator.Translator, fd *xlator.FD) (xlator.Iatt, error) {
	r, err := Call(ctx, t, xlator.OpFstat, &xlator.Args{FD: fd})
	if err != nil {
		return xlator.Iatt{}, err
	}
	return r.Stat, nil
}

func Release(ctx context.Context, t xlator.Translator, fd *xlator.FD) error {
	_, err := Call(ctx, t, xlator.OpRelease, &xlator.Args{FD: fd})
	return err
}

func Truncate(ctx context.Context, t xlator.Translator, path string, size int64) error {
	_, err := Call(ctx, t, xlator.OpTruncate, &xlator.Args{Loc: xlator.NewLoc(path), Offset: size})
	return err
}

func Mkdir(ctx context.Context, t xlator.Translator, path string, mode uint32) error {
	_, err := Call(ctx, t, xlator.OpMkdir, &xlator.Args{Loc: xlator.NewLoc(path), Mode: mode})
	return err
}

func Rmdir(ctx context.Context, t xlator.Translator, path string) error {
	_, err := Call(ctx, t, xlator.OpRmdir, &xlator.Args{Loc: xlator.NewLoc(path)})
	return err
}

func Unlink(ctx context.Context, t xlator.Translator, path string) error {
	_, err := Call(ctx, t, xlator.OpUnlink, &xlator.Args{Loc: xlator.NewLoc(path)})
	return err
}

func Symlink(ctx context.Context, t xlator.Translator, target, path string) error {
	_, err := Call(ctx, t, xlator.OpSymlink, &xlator.Args{Target: target, Loc: xlator.NewLoc(path)})
	return err
}

func Readlink(ctx context.Context, t xlator.Translator, path string) (string, error) {
	r, err := Call(ctx, t, xlator.OpReadlink, &xlator.Args{Loc: xlator.NewLoc(path)})
	if err != nil {
		return "", err
	}
	return r.Link, nil
}

func Rename(ctx context.Context, t xlator.Translator, from, to string) error {
	_, err := Call(ctx, t, xlator.OpRename, &xlator.Args{Loc: xlator.NewLoc(from), NewLoc: xlator.NewLoc(to)})
	return err
}

func Link(ctx context.Context, t xlator.Translator, from, to string) error {
	_, err := Call(ctx, t, xlator.OpLink, &xlator.Args{Loc: xlator.NewLoc(from), NewLoc: xlator.NewLoc(to)})
	return err
}

func Setxattr(ctx context.Context, t xlator.Translator, path string, dict xlator.Dict) error {
	_, err := Call(ctx, t, xlator.OpSetxattr, &xlator.Args{Loc: xlator.NewLoc(path), Xattr: dict})
	return err
}

// Getxattr returns one attribute, or all of them when name is empty.
func Getxattr(ctx context.Context, t xlator.Translator, path, name string) (xlator.Dict, error) {
	r, err := Call(ctx, t, xlator.OpGetxattr, &xlator.Args{Loc: xlator.NewLoc(path), Name: name})
	if err != nil {
		return nil, err
	}
	return r.Xattr, nil
}

func Removexattr(ctx context.Context, t xlator.Translator, path, name string) error {
	_, err := Call(ctx, t, xlator.OpRemovexattr, &xlator.Args{Loc: xlator.NewLoc(path), Name: name})
	return err
}

func Xattrop(ctx context.Context, t xlator.Translator, path string, op xlator.XattropType, dict xlator.Dict) (xlator.Dict, error) {
	r, err := Call(ctx, t, xlator.OpXattrop, &xlator.Args{Loc: xlator.NewLoc(path), XattropType: op, Xattr: dict})
	if err != nil {
		return nil, err
	}
	return r.Xattr, nil
}

func Inodelk(ctx context.Context, t xlator.Translator, path string, cmd xlator.LockCmd, lock *xlator.Flock) (*xlator.Reply, error) {
	return Call(ctx, t, xlator.OpInodelk, &xlator.Args{Loc: xlator.NewLoc(path), LockCmd: cmd, Lock: lock})
}

func Checksum(ctx context.Context, t xlator.Translator, path string) ([]byte, error) {
	r, err := Call(ctx, t, xlator.OpChecksum, &xlator.Args{Loc: xlator.NewLoc(path)})
	if err != nil {
		return nil, err
	}
	return r.Checksum, nil
}

func Utimens(ctx context.Context, t xlator.Translator, path string, atime, mtime time.Time) error {
	_, err := Call(ctx, t, xlator.OpUtimens, &xlator.Args{Loc: xlator.NewLoc(path), Atime: atime, Mtime: mtime})
	return err
}

func Setattr(ctx context.Context, t xlator.Translator, path string, attr xlator.Iatt, valid xlator.SetattrMask) (xlator.Iatt, error) {
	r, err := Call(ctx, t, xlator.OpSetattr, &xlator.Args{Loc: xlator.NewLoc(path), Attr: &attr, Valid: valid})
	if err != nil {
		return xlator.Iatt{}, err
	}
	return r.Stat, nil
}

func Opendir(ctx context.Context, t xlator.Translator, path string) (*xlator.FD, error) {
	loc := xlator.NewLoc(path)
	fd := xlator.NewDirFD(loc)
	if _, err := Call(ctx, t, xlator.OpOpendir, &xlator.Args{Loc: loc, FD: fd}); err != nil {
		return nil, err
	}
	return fd, nil
}

// Readdir lists a whole directory, paging through it in batches.
func Readdir(ctx context.Context, t xlator.Translator, path string) ([]xlator.DirEntry, error) {
	const batch = 128

	fd, err := Opendir(ctx, t, path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = Release(ctx, t, fd) }()

	var entries []xlator.DirEntry
	var offset int64
	for {
		r, err := Call(ctx, t, xlator.OpReaddir, &xlator.Args{FD: fd, Size: batch, Offset: offset})
		if err != nil {
			return nil, err
		}
		entries = append(entries, r.Entries...)
		if len(r.Entries) == 0 || r.Offset <= offset {
			return entries, nil
		}
		offset = r.Offset
	}
}

// WriteFile creates (or truncates) path and writes data to it.
func WriteFile(ctx context.Context, t xlator.Translator, path string, data []byte) error {
	fd, err := Create(ctx, t, path, xlator.OpenReadWrite|xlator.OpenCreate, 0o644)
	if xlator.IsCode(err, xlator.ErrExists) {
		fd, err = Open(ctx, t, path, xlator.OpenReadWrite|xlator.OpenTruncate)
	}
	if err != nil {
		return err
	}
	defer func() { _ = Release(ctx, t, fd) }()
	if len(data) == 0 {
		return nil
	}
	return Writev(ctx, t, fd, data, 0)
}

// ReadFile reads the whole content of path.
func ReadFile(ctx context.Context, t xlator.Translator, path string) ([]byte, error) {
	const chunk = 128 << 10

	fd, err := Open(ctx, t, path, xlator.OpenReadOnly)
	if err != nil {
		return nil, err
	}
	defer func() { _ = Release(ctx, t, fd) }()

	var out []byte
	var offset int64
	for {
		data, err := Readv(ctx, t, fd, chunk, offset)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
		if len(data) < chunk {
			return out, nil
		}
		offset += int64(len(data))
	}
}
