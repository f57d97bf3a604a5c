package inode

import (
	"context"

	"github.com/radryc/treefs/internal/model"
)

// ObjectStore resolves source-control hashes.
type ObjectStore interface {
	// GetTree returns the child listing of a tree object.
	GetTree(ctx context.Context, hash model.Hash) (*model.Tree, error)

	// GetBlob returns the full content of a file object.
	GetBlob(ctx context.Context, hash model.Hash) ([]byte, error)

	// BlobSize returns the size of a file object without reading it.
	BlobSize(ctx context.Context, hash model.Hash) (uint64, error)
}

// Overlay persists materialized directory state keyed by logical path and
// provides the physical root under which materialized entries live.
type Overlay interface {
	SaveDir(path string, dir *model.Dir) error
	// LoadDir returns an error wrapping overlay.ErrNoSnapshot when path has
	// no snapshot.
	LoadDir(path string) (*model.Dir, error)
	RemoveDir(path string) error
	// RenameDir moves the snapshot at oldPath and all snapshots below it.
	RenameDir(oldPath, newPath string) error
	ContentDir() string
}

// NameManager maps (parent inode, name) to inode numbers and back to
// logical paths.
type NameManager interface {
	GetNode(parent uint64, name string) uint64
	LookupNode(parent uint64, name string) (uint64, bool)
	ResolvePath(ino uint64) (string, error)
	Rename(parent uint64, name string, newParent uint64, newName string) bool
	Remove(parent uint64, name string)
}

// Journal records committed path-level changes.
type Journal interface {
	AddDelta(paths ...string)
}

// Node is a loaded directory or file.
type Node interface {
	Ino() uint64
	GetAttr(ctx context.Context) (Attr, error)
	CanForget() bool

	parentIno() uint64
}

// Attr is the subset of stat data computed by this package.
type Attr struct {
	Ino   uint64
	Mode  uint32
	Size  uint64
	Nlink uint32
}

// DirEntry is one item of a directory listing.
type DirEntry struct {
	Name string
	Mode uint32
	Ino  uint64
}
