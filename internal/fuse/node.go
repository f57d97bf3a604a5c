// Package fuse implements the FUSE filesystem layer for treefs on top of
// the inode package.
package fuse

import (
	"context"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/radryc/treefs/internal/inode"
)

// DefaultAttrTimeout is how long the kernel may cache attributes and entries.
const DefaultAttrTimeout = time.Second

// Node adapts one inode.Node to go-fuse.
type Node struct {
	fs.Inode

	mount *inode.Mount
	node  inode.Node

	uid, gid    uint32
	attrTimeout time.Duration
	logger      *slog.Logger
}

// Ensure Node implements required interfaces
var (
	_ fs.NodeLookuper    = (*Node)(nil)
	_ fs.NodeGetattrer   = (*Node)(nil)
	_ fs.NodeReaddirer   = (*Node)(nil)
	_ fs.NodeOpener      = (*Node)(nil)
	_ fs.NodeReader      = (*Node)(nil)
	_ fs.NodeWriter      = (*Node)(nil)
	_ fs.NodeCreater     = (*Node)(nil)
	_ fs.NodeMkdirer     = (*Node)(nil)
	_ fs.NodeUnlinker    = (*Node)(nil)
	_ fs.NodeRmdirer     = (*Node)(nil)
	_ fs.NodeRenamer     = (*Node)(nil)
	_ fs.NodeReadlinker  = (*Node)(nil)
	_ fs.NodeOnForgetter = (*Node)(nil)
)

// NewRoot creates the root node for m. A zero attrTimeout selects
// DefaultAttrTimeout.
func NewRoot(m *inode.Mount, attrTimeout time.Duration, logger *slog.Logger) *Node {
	if logger == nil {
		logger = slog.Default()
	}
	if attrTimeout <= 0 {
		attrTimeout = DefaultAttrTimeout
	}
	return &Node{
		mount:       m,
		node:        m.Root(),
		uid:         uint32(os.Getuid()),
		gid:         uint32(os.Getgid()),
		attrTimeout: attrTimeout,
		logger:      logger.With("component", "fuse"),
	}
}

func (n *Node) newChild(child inode.Node) *Node {
	return &Node{
		mount:       n.mount,
		node:        child,
		uid:         n.uid,
		gid:         n.gid,
		attrTimeout: n.attrTimeout,
		logger:      n.logger,
	}
}

func (n *Node) dir() (*inode.DirNode, syscall.Errno) {
	d, ok := n.node.(*inode.DirNode)
	if !ok {
		return nil, syscall.ENOTDIR
	}
	return d, 0
}

func (n *Node) file() (*inode.FileNode, syscall.Errno) {
	f, ok := n.node.(*inode.FileNode)
	if !ok {
		return nil, syscall.EISDIR
	}
	return f, 0
}

// fail logs err and converts it to an errno. Expected user errors are
// logged at debug level.
func (n *Node) fail(op, name string, err error) syscall.Errno {
	errno := toErrno(err)
	switch inode.KindOf(err) {
	case inode.IO, inode.Inconsistent:
		n.logger.Error(op+" failed", "ino", n.node.Ino(), "name", name, "error", err, "errno", errno)
	default:
		n.logger.Debug(op+" failed", "ino", n.node.Ino(), "name", name, "error", err, "errno", errno)
	}
	return errno
}

func (n *Node) fillAttr(out *fuse.Attr, attr inode.Attr) {
	out.Ino = attr.Ino
	out.Mode = attr.Mode
	out.Size = attr.Size
	out.Nlink = attr.Nlink
	out.Uid = n.uid
	out.Gid = n.gid
}

func (n *Node) newInode(ctx context.Context, child inode.Node, attr inode.Attr, out *fuse.EntryOut) *fs.Inode {
	n.fillAttr(&out.Attr, attr)
	out.SetAttrTimeout(n.attrTimeout)
	out.SetEntryTimeout(n.attrTimeout)
	return n.NewInode(ctx, n.newChild(child), fs.StableAttr{
		Mode: attr.Mode & syscall.S_IFMT,
		Ino:  attr.Ino,
	})
}

// Lookup implements fs.NodeLookuper
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	d, errno := n.dir()
	if errno != 0 {
		return nil, errno
	}
	child, err := d.Lookup(ctx, name)
	if err != nil {
		return nil, n.fail("lookup", name, err)
	}
	attr, err := child.GetAttr(ctx)
	if err != nil {
		return nil, n.fail("lookup", name, err)
	}
	return n.newInode(ctx, child, attr, out), 0
}

// Getattr implements fs.NodeGetattrer
func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	attr, err := n.node.GetAttr(ctx)
	if err != nil {
		return n.fail("getattr", "", err)
	}
	n.fillAttr(&out.Attr, attr)
	out.SetTimeout(n.attrTimeout)
	return 0
}

// Readdir implements fs.NodeReaddirer
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	d, errno := n.dir()
	if errno != 0 {
		return nil, errno
	}
	entries, err := d.ReadDir(ctx)
	if err != nil {
		return nil, n.fail("readdir", "", err)
	}
	list := make([]fuse.DirEntry, len(entries))
	for i, e := range entries {
		list[i] = fuse.DirEntry{Name: e.Name, Mode: e.Mode, Ino: e.Ino}
	}
	return fs.NewListDirStream(list), 0
}

// Open implements fs.NodeOpener
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	f, errno := n.file()
	if errno != 0 {
		return nil, 0, errno
	}
	h, err := f.Open(ctx, int(flags))
	if err != nil {
		return nil, 0, n.fail("open", "", err)
	}
	return newFileHandle(h, n.logger), 0, 0
}

// Read implements fs.NodeReader
func (n *Node) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if h, ok := fh.(*fileHandle); ok {
		return h.Read(ctx, dest, off)
	}
	f, errno := n.file()
	if errno != 0 {
		return nil, errno
	}
	read, err := f.Read(ctx, dest, off)
	if err != nil {
		return nil, n.fail("read", "", err)
	}
	return fuse.ReadResultData(dest[:read]), 0
}

// Write implements fs.NodeWriter
func (n *Node) Write(ctx context.Context, fh fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	h, ok := fh.(*fileHandle)
	if !ok {
		return 0, syscall.EBADF
	}
	return h.Write(ctx, data, off)
}

// Create implements fs.NodeCreater
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	d, errno := n.dir()
	if errno != 0 {
		return nil, nil, 0, errno
	}
	child, h, attr, err := d.Create(ctx, name, mode, int(flags))
	if err != nil {
		return nil, nil, 0, n.fail("create", name, err)
	}
	return n.newInode(ctx, child, attr, out), newFileHandle(h, n.logger), 0, 0
}

// Mkdir implements fs.NodeMkdirer
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	d, errno := n.dir()
	if errno != 0 {
		return nil, errno
	}
	child, err := d.Mkdir(ctx, name, mode)
	if err != nil {
		return nil, n.fail("mkdir", name, err)
	}
	attr, err := child.GetAttr(ctx)
	if err != nil {
		return nil, n.fail("mkdir", name, err)
	}
	return n.newInode(ctx, child, attr, out), 0
}

// Unlink implements fs.NodeUnlinker
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	d, errno := n.dir()
	if errno != 0 {
		return errno
	}
	if err := d.Unlink(ctx, name); err != nil {
		return n.fail("unlink", name, err)
	}
	return 0
}

// Rmdir implements fs.NodeRmdirer
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	d, errno := n.dir()
	if errno != 0 {
		return errno
	}
	if err := d.Rmdir(ctx, name); err != nil {
		return n.fail("rmdir", name, err)
	}
	return 0
}

// Rename implements fs.NodeRenamer. RENAME_EXCHANGE and RENAME_NOREPLACE
// are not supported.
func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if flags != 0 {
		return syscall.ENOTSUP
	}
	d, errno := n.dir()
	if errno != 0 {
		return errno
	}
	dest, ok := newParent.(*Node)
	if !ok {
		return syscall.EXDEV
	}
	if err := d.Rename(ctx, name, dest.node, newName); err != nil {
		return n.fail("rename", name, err)
	}
	return 0
}

// Readlink implements fs.NodeReadlinker
func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	f, ok := n.node.(*inode.FileNode)
	if !ok {
		return nil, syscall.EINVAL
	}
	target, err := f.Readlink(ctx)
	if err != nil {
		return nil, n.fail("readlink", "", err)
	}
	return target, 0
}

// OnForget implements fs.NodeOnForgetter
func (n *Node) OnForget() {
	n.mount.Forget(n.node.Ino())
}
