// Package fuseview exposes a read-only FUSE mount over a snapshot of
// one account's directory tree, letting an operator browse a backup's
// contents without restoring anything to disk first. It is a thin
// translation layer over internal/protocol.Client: a directory's
// listing and a file's content are each fetched from the store on first
// use and then cached for the life of the inode, and there is no write
// path at all.
package fuseview

import (
	"context"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/coldvault/backupstore/internal/protocol"
	"github.com/coldvault/backupstore/pkg/logging"
	"github.com/coldvault/backupstore/pkg/types"
)

// NameCodec decrypts an entry's on-wire name into the clear name the
// mount should display. internal/clientsync's account key handling is
// the only implementation today; it is passed in rather than imported
// directly so this package carries no dependency on an account's key
// material.
type NameCodec interface {
	DecryptName(blob []byte) (string, error)
}

// View is the root of one mounted snapshot.
type View struct {
	client *protocol.Client
	names  NameCodec
	log    *logging.Logger
}

// New builds a View over an already logged-in client.
func New(client *protocol.Client, names NameCodec, log *logging.Logger) *View {
	return &View{client: client, names: names, log: log.WithComponent("fuseview")}
}

// Root returns the inode for the account's root directory, for use
// with fs.Mount.
func (v *View) Root() fs.InodeEmbedder {
	return &dirNode{view: v, objectID: types.RootObjectID}
}

// dirNode is one directory in the mounted tree.
type dirNode struct {
	fs.Inode
	view     *View
	objectID types.ObjectID

	mu      sync.Mutex
	listing []entry
	fetched bool
}

type entry struct {
	name     string
	objectID types.ObjectID
	isDir    bool
	modTime  time.Time
	size     int64
}

func (n *dirNode) load() ([]entry, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fetched {
		return n.listing, nil
	}
	dirEntries, err := n.view.client.ListDirectory(n.objectID, 0, types.FlagDeleted|types.FlagOldVersion)
	if err != nil {
		return nil, err
	}
	out := make([]entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		name, err := n.view.names.DecryptName(de.Name.Bytes)
		if err != nil {
			n.view.log.Warn("fuseview: skipping entry with undecryptable name", map[string]interface{}{"error": err.Error()})
			continue
		}
		out = append(out, entry{
			name:     name,
			objectID: de.ObjectID,
			isDir:    de.IsDirectory(),
			modTime:  de.ModTime,
			size:     de.SizeInBlocks,
		})
	}
	n.listing = out
	n.fetched = true
	return out, nil
}

// Readdir lists the directory's live entries.
func (n *dirNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := n.load()
	if err != nil {
		n.view.log.Warn("fuseview: readdir failed", map[string]interface{}{"error": err.Error()})
		return nil, syscall.EIO
	}
	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		mode := uint32(fuse.S_IFREG)
		if e.isDir {
			mode = fuse.S_IFDIR
		}
		out = append(out, fuse.DirEntry{Name: e.name, Mode: mode, Ino: uint64(e.objectID)})
	}
	return fs.NewListDirStream(out), 0
}

// Lookup resolves one child by name.
func (n *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	entries, err := n.load()
	if err != nil {
		return nil, syscall.EIO
	}
	for _, e := range entries {
		if e.name != name {
			continue
		}
		out.Attr = n.attrFor(e)
		if e.isDir {
			child := &dirNode{view: n.view, objectID: e.objectID}
			return n.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFDIR, Ino: uint64(e.objectID)}), 0
		}
		child := &fileNode{view: n.view, dirID: n.objectID, objectID: e.objectID, size: e.size, modTime: e.modTime}
		return n.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFREG, Ino: uint64(e.objectID)}), 0
	}
	return nil, syscall.ENOENT
}

func (n *dirNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = fuse.S_IFDIR | 0555
	return 0
}

func (n *dirNode) attrFor(e entry) fuse.Attr {
	var a fuse.Attr
	if e.isDir {
		a.Mode = fuse.S_IFDIR | 0555
	} else {
		a.Mode = fuse.S_IFREG | 0444
		a.Size = uint64(e.size)
	}
	a.Mtime = uint64(e.modTime.Unix())
	a.Atime = a.Mtime
	a.Ctime = a.Mtime
	return a
}

// Opendir and friends all fall back to the embedded fs.Inode defaults;
// this view has nothing stateful to track per open directory handle.
var _ fs.NodeReaddirer = (*dirNode)(nil)
var _ fs.NodeLookuper = (*dirNode)(nil)
var _ fs.NodeGetattrer = (*dirNode)(nil)

// fileNode is one file in the mounted tree. Content is fetched whole on
// first read and cached for the life of the inode: a browse session
// over a snapshot is not expected to touch gigabyte files repeatedly.
type fileNode struct {
	fs.Inode
	view     *View
	dirID    types.ObjectID
	objectID types.ObjectID
	size     int64
	modTime  time.Time

	mu   sync.Mutex
	data []byte
}

func (f *fileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = fuse.S_IFREG | 0444
	out.Size = uint64(f.size)
	out.Mtime = uint64(f.modTime.Unix())
	out.Atime = out.Mtime
	out.Ctime = out.Mtime
	return 0
}

func (f *fileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_CREAT|syscall.O_TRUNC) != 0 {
		return nil, 0, syscall.EROFS
	}
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}

func (f *fileNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	f.mu.Lock()
	if f.data == nil {
		data, err := f.view.client.GetFile(f.dirID, f.objectID)
		if err != nil {
			f.mu.Unlock()
			f.view.log.Warn("fuseview: read failed", map[string]interface{}{"error": err.Error()})
			return nil, syscall.EIO
		}
		f.data = data
	}
	data := f.data
	f.mu.Unlock()

	if off >= int64(len(data)) {
		return fuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return fuse.ReadResultData(data[off:end]), 0
}

var _ fs.NodeOpener = (*fileNode)(nil)
var _ fs.NodeReader = (*fileNode)(nil)
var _ fs.NodeGetattrer = (*fileNode)(nil)
