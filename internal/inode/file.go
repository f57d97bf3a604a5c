package inode

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/radryc/treefs/internal/model"
)

// FileNode is a loaded regular file, symlink or other non-directory.
//
// A file entry's fields do not change after the entry is published, so
// they are read without the parent's lock.
type FileNode struct {
	mount  *Mount
	ino    uint64
	parent atomic.Uint64
	entry  *model.Entry
}

func newFileNode(m *Mount, ino, parent uint64, entry *model.Entry) *FileNode {
	f := &FileNode{mount: m, ino: ino, entry: entry}
	f.parent.Store(parent)
	return f
}

func (f *FileNode) Ino() uint64 { return f.ino }

func (f *FileNode) parentIno() uint64 { return f.parent.Load() }

// CanForget is always true; a file node holds nothing its entry does not.
func (f *FileNode) CanForget() bool { return true }

// Hash returns the source object backing the file, nil for overlay files.
func (f *FileNode) Hash() *model.Hash { return f.entry.Hash }

// IsMaterialized reports whether the content lives in the overlay.
func (f *FileNode) IsMaterialized() bool { return f.entry.Materialized }

func (f *FileNode) GetAttr(ctx context.Context) (Attr, error) {
	attr := Attr{Ino: f.ino, Mode: f.entry.Mode, Nlink: 1}
	if f.entry.Materialized {
		path, err := f.mount.pathOf("getattr", f.ino)
		if err != nil {
			return Attr{}, err
		}
		fi, err := os.Lstat(f.mount.physicalPath(path))
		if err != nil {
			return Attr{}, ioError("getattr", path, err)
		}
		attr.Size = uint64(fi.Size())
		return attr, nil
	}
	if f.entry.Hash != nil {
		size, err := f.mount.store.BlobSize(ctx, *f.entry.Hash)
		if err != nil {
			return Attr{}, ioError("getattr", "", err)
		}
		attr.Size = size
	}
	return attr, nil
}

// Read reads up to len(dest) bytes at off. Unmaterialized content is served
// from the object store by hash, wherever the entry currently lives.
func (f *FileNode) Read(ctx context.Context, dest []byte, off int64) (int, error) {
	if f.entry.Materialized {
		path, err := f.mount.pathOf("read", f.ino)
		if err != nil {
			return 0, err
		}
		fh, err := os.Open(f.mount.physicalPath(path))
		if err != nil {
			return 0, ioError("read", path, err)
		}
		defer fh.Close()
		n, err := fh.ReadAt(dest, off)
		if err != nil && err != io.EOF {
			return n, ioError("read", path, err)
		}
		return n, nil
	}
	data, err := f.blob(ctx, "read")
	if err != nil {
		return 0, err
	}
	return readBlob(data, dest, off), nil
}

func (f *FileNode) blob(ctx context.Context, op string) ([]byte, error) {
	if f.entry.Hash == nil {
		return nil, nil
	}
	data, err := f.mount.store.GetBlob(ctx, *f.entry.Hash)
	if err != nil {
		return nil, ioError(op, "", err)
	}
	return data, nil
}

func readBlob(data, dest []byte, off int64) int {
	if off >= int64(len(data)) {
		return 0
	}
	return copy(dest, data[off:])
}

// Readlink returns the target of a symbolic link.
func (f *FileNode) Readlink(ctx context.Context) ([]byte, error) {
	if f.entry.Mode&syscall.S_IFMT != syscall.S_IFLNK {
		return nil, newError(InvalidArgument, "readlink", "")
	}
	if f.entry.Materialized {
		path, err := f.mount.pathOf("readlink", f.ino)
		if err != nil {
			return nil, err
		}
		target, err := os.Readlink(f.mount.physicalPath(path))
		if err != nil {
			return nil, ioError("readlink", path, err)
		}
		return []byte(target), nil
	}
	return f.blob(ctx, "readlink")
}

// Open returns a handle for the file. Writing to a file that is still
// backed by the object store is not supported.
func (f *FileNode) Open(ctx context.Context, flags int) (*FileHandle, error) {
	writable := flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0
	if !f.entry.Materialized {
		if writable {
			return nil, newError(Unimplemented, "open", "")
		}
		return &FileHandle{node: f}, nil
	}

	path, err := f.mount.pathOf("open", f.ino)
	if err != nil {
		return nil, err
	}
	fh, err := os.OpenFile(f.mount.physicalPath(path), flags&^syscall.O_CREAT, 0)
	if err != nil {
		return nil, ioError("open", path, err)
	}
	return &FileHandle{node: f, file: fh}, nil
}

// FileHandle is an open file. Handles on unmaterialized files are read-only
// and keep the blob after the first read.
type FileHandle struct {
	node *FileNode
	file *os.File

	mu     sync.Mutex
	data   []byte
	loaded bool
}

func (h *FileHandle) ReadAt(ctx context.Context, dest []byte, off int64) (int, error) {
	if h.file == nil {
		data, err := h.blob(ctx)
		if err != nil {
			return 0, err
		}
		return readBlob(data, dest, off), nil
	}
	n, err := h.file.ReadAt(dest, off)
	if err != nil && err != io.EOF {
		return n, ioError("read", "", err)
	}
	return n, nil
}

func (h *FileHandle) WriteAt(data []byte, off int64) (int, error) {
	if h.file == nil {
		return 0, newError(Unimplemented, "write", "")
	}
	n, err := h.file.WriteAt(data, off)
	if err != nil {
		return n, ioError("write", "", err)
	}
	return n, nil
}

// Sync flushes written data to the overlay.
func (h *FileHandle) Sync() error {
	if h.file == nil {
		return nil
	}
	return h.file.Sync()
}

func (h *FileHandle) Close() error {
	if h.file == nil {
		h.mu.Lock()
		h.data, h.loaded = nil, false
		h.mu.Unlock()
		return nil
	}
	return h.file.Close()
}

func (h *FileHandle) blob(ctx context.Context) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.loaded {
		return h.data, nil
	}
	data, err := h.node.blob(ctx, "read")
	if err != nil {
		return nil, err
	}
	h.data, h.loaded = data, true
	return data, nil
}
