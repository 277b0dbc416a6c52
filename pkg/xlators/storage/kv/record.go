package kv

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/mirrorfs/pkg/xlator"
	xdr "github.com/rasky/go-xdr/xdr2"
)

// Key Namespace
// =============
//
// Prefix   Key Format                  Value
// ==========================================================
// "i:"     i:<gfid>                    inode record (XDR)
// "e:"     e:<parent-gfid>/<name>      child gfid (16 bytes)
// "c:"     c:<gfid>                    regular-file content
//
// Entries of one directory share the prefix "e:<parent-gfid>/" so listing a
// directory is a single ordered prefix scan.

func keyInode(gfid uuid.UUID) string {
	return "i:" + gfid.String()
}

func keyEntryPrefix(parent uuid.UUID) string {
	return "e:" + parent.String() + "/"
}

func keyEntry(parent uuid.UUID, name string) string {
	return keyEntryPrefix(parent) + name
}

func keyContent(gfid uuid.UUID) string {
	return "c:" + gfid.String()
}

// xattr is one extended attribute in an inode record.
type xattr struct {
	Name  string
	Value []byte
}

// inodeRecord is the persisted form of an inode.
type inodeRecord struct {
	Gfid    [16]byte
	Type    uint32
	Mode    uint32
	UID     uint32
	GID     uint32
	Nlink   uint32
	Size    uint64
	AtimeNs int64
	MtimeNs int64
	CtimeNs int64
	Link    string
	Xattrs  []xattr

	// Parent is the directory holding a directory's single name. Unused
	// for other types, which may have several.
	Parent [16]byte
}

func encodeInode(rec *inodeRecord) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, rec); err != nil {
		return nil, fmt.Errorf("encode inode: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeInode(data []byte) (*inodeRecord, error) {
	rec := &inodeRecord{}
	if _, err := xdr.Unmarshal(bytes.NewReader(data), rec); err != nil {
		return nil, fmt.Errorf("decode inode: %w", err)
	}
	return rec, nil
}

func (r *inodeRecord) gfid() uuid.UUID {
	return uuid.UUID(r.Gfid)
}

func (r *inodeRecord) fileType() xlator.FileType {
	return xlator.FileType(r.Type)
}

func (r *inodeRecord) isDir() bool {
	return r.fileType() == xlator.FileTypeDirectory
}

func (r *inodeRecord) iatt() xlator.Iatt {
	return xlator.Iatt{
		Gfid:   r.gfid(),
		Type:   r.fileType(),
		Mode:   r.Mode,
		UID:    r.UID,
		GID:    r.GID,
		Nlink:  r.Nlink,
		Size:   r.Size,
		Blocks: (r.Size + 511) / 512,
		Atime:  time.Unix(0, r.AtimeNs),
		Mtime:  time.Unix(0, r.MtimeNs),
		Ctime:  time.Unix(0, r.CtimeNs),
	}
}

func (r *inodeRecord) touch(now time.Time, mtime bool) {
	r.CtimeNs = now.UnixNano()
	if mtime {
		r.MtimeNs = r.CtimeNs
	}
}

func (r *inodeRecord) getXattr(name string) ([]byte, bool) {
	for _, x := range r.Xattrs {
		if x.Name == name {
			return x.Value, true
		}
	}
	return nil, false
}

func (r *inodeRecord) setXattr(name string, value []byte) {
	for i := range r.Xattrs {
		if r.Xattrs[i].Name == name {
			r.Xattrs[i].Value = append([]byte(nil), value...)
			return
		}
	}
	r.Xattrs = append(r.Xattrs, xattr{Name: name, Value: append([]byte(nil), value...)})
	sort.Slice(r.Xattrs, func(i, j int) bool { return r.Xattrs[i].Name < r.Xattrs[j].Name })
}

func (r *inodeRecord) removeXattr(name string) bool {
	for i := range r.Xattrs {
		if r.Xattrs[i].Name == name {
			r.Xattrs = append(r.Xattrs[:i], r.Xattrs[i+1:]...)
			return true
		}
	}
	return false
}

func (r *inodeRecord) xattrDict() xlator.Dict {
	d := make(xlator.Dict, len(r.Xattrs))
	for _, x := range r.Xattrs {
		d[x.Name] = append([]byte(nil), x.Value...)
	}
	return d
}

func newRecord(gfid uuid.UUID, typ xlator.FileType, mode uint32, now time.Time) *inodeRecord {
	if gfid == uuid.Nil {
		gfid = uuid.New()
	}
	ns := now.UnixNano()
	nlink := uint32(1)
	if typ == xlator.FileTypeDirectory {
		nlink = 2
	}
	return &inodeRecord{
		Gfid:    gfid,
		Type:    uint32(typ),
		Mode:    mode,
		Nlink:   nlink,
		AtimeNs: ns,
		MtimeNs: ns,
		CtimeNs: ns,
	}
}
