package model

import (
	"sort"
	"syscall"
)

// TreeEntry is one child of a source-control tree.
type TreeEntry struct {
	Name string `json:"name"`
	Mode uint32 `json:"mode"`
	Hash Hash   `json:"hash"`
}

// Tree is an immutable directory snapshot from the object store.
type Tree struct {
	Hash    Hash        `json:"hash"`
	Entries []TreeEntry `json:"entries"`
}

// Entry is the metadata for one child name within a Dir.
//
// Entries are owned by exactly one Dir map. A rename moves the pointer
// between maps and never copies it, so a loaded child node can keep a
// reference to its Entry across renames.
type Entry struct {
	// Mode holds the full st_mode bits (type and permissions).
	Mode uint32 `json:"mode"`

	// Hash is the source-control object backing this child, nil for
	// entries that exist only in the overlay.
	Hash *Hash `json:"hash,omitempty"`

	// Materialized is true once the child has a physical overlay path.
	Materialized bool `json:"materialized"`
}

// IsDir reports whether the entry names a directory.
func (e *Entry) IsDir() bool {
	return IsDirMode(e.Mode)
}

// Dir is the full state of one directory.
//
// Materialized implies the overlay holds the authoritative copy of Entries.
// When not materialized, TreeHash is set and Entries were derived from it.
type Dir struct {
	Entries      map[string]*Entry `json:"entries"`
	Materialized bool              `json:"materialized"`
	TreeHash     *Hash             `json:"tree_hash,omitempty"`
}

// NewDir returns an empty, materialized Dir, used for directories with no
// backing tree.
func NewDir() Dir {
	return Dir{
		Entries:      make(map[string]*Entry),
		Materialized: true,
	}
}

// DirFromTree builds an unmaterialized Dir from a tree listing. Every entry
// starts unmaterialized and carries its own hash.
func DirFromTree(tree *Tree) Dir {
	if tree == nil {
		return NewDir()
	}
	treeHash := tree.Hash
	dir := Dir{
		Entries:  make(map[string]*Entry, len(tree.Entries)),
		TreeHash: &treeHash,
	}
	for _, te := range tree.Entries {
		h := te.Hash
		dir.Entries[te.Name] = &Entry{
			Mode: te.Mode,
			Hash: &h,
		}
	}
	return dir
}

// Names returns the child names in sorted order.
func (d *Dir) Names() []string {
	names := make([]string, 0, len(d.Entries))
	for name := range d.Entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsDirMode reports whether mode has the directory type bits.
func IsDirMode(mode uint32) bool {
	return mode&syscall.S_IFMT == syscall.S_IFDIR
}
