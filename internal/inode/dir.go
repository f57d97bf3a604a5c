package inode

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/radryc/treefs/internal/model"
	"github.com/radryc/treefs/internal/overlay"
)

const rootMode = syscall.S_IFDIR | 0755

// DirNode is a loaded directory.
type DirNode struct {
	mount  *Mount
	ino    uint64
	parent atomic.Uint64

	// entry is this directory's record in its parent's Dir, nil for the
	// root. The pointer is fixed for the node's lifetime; its Materialized
	// field is guarded by the parent's lock.
	entry *model.Entry

	mu       sync.RWMutex
	contents model.Dir
	unlinked bool
}

func newDirNode(m *Mount, ino, parent uint64, entry *model.Entry, contents model.Dir) *DirNode {
	d := &DirNode{
		mount:    m,
		ino:      ino,
		entry:    entry,
		contents: contents,
	}
	d.parent.Store(parent)
	return d
}

func (d *DirNode) Ino() uint64 { return d.ino }

func (d *DirNode) parentIno() uint64 { return d.parent.Load() }

// IsMaterialized reports whether the overlay is authoritative for d.
func (d *DirNode) IsMaterialized() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.contents.Materialized
}

// Entries returns a copy of the current entry map.
func (d *DirNode) Entries() map[string]model.Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]model.Entry, len(d.contents.Entries))
	for name, e := range d.contents.Entries {
		out[name] = *e
	}
	return out
}

// CanForget reports whether d may be evicted as a plain cache entry. A
// materialized directory is the only authority for its state and stays.
func (d *DirNode) CanForget() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return !d.contents.Materialized
}

// GetAttr returns directory attributes. Nlink counts "." and the parent
// link plus one per subdirectory.
func (d *DirNode) GetAttr(ctx context.Context) (Attr, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	mode := uint32(rootMode)
	if d.entry != nil {
		mode = d.entry.Mode
	}
	nlink := uint32(2)
	for _, e := range d.contents.Entries {
		if e.IsDir() {
			nlink++
		}
	}
	return Attr{
		Ino:   d.ino,
		Mode:  mode,
		Size:  uint64(len(d.contents.Entries)),
		Nlink: nlink,
	}, nil
}

// ReadDir lists d in name order. Inode numbers are allocated for every
// listed name.
func (d *DirNode) ReadDir(ctx context.Context) ([]DirEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.unlinked {
		return nil, newError(NotFound, "readdir", "")
	}

	out := make([]DirEntry, 0, len(d.contents.Entries))
	for _, name := range d.contents.Names() {
		e := d.contents.Entries[name]
		out = append(out, DirEntry{
			Name: name,
			Mode: e.Mode,
			Ino:  d.mount.names.GetNode(d.ino, name),
		})
	}
	return out, nil
}

// Lookup resolves name to a loaded node, building it from the source tree
// or the overlay on first use. The inode number is allocated only after the
// name is known to exist, and concurrent lookups share one node.
func (d *DirNode) Lookup(ctx context.Context, name string) (Node, error) {
	d.mount.renameMu.RLock()
	defer d.mount.renameMu.RUnlock()
	return d.lookup(ctx, name)
}

func (d *DirNode) lookup(ctx context.Context, name string) (Node, error) {
	for {
		d.mu.RLock()
		entry, ok := d.contents.Entries[name]
		var snap model.Entry
		if ok {
			snap = *entry
		}
		d.mu.RUnlock()
		if !ok {
			return nil, newError(NotFound, "lookup", name)
		}

		if ino, known := d.mount.names.LookupNode(d.ino, name); known {
			if n, loaded := d.mount.Node(ino); loaded {
				return n, nil
			}
		}
		ino := d.mount.names.GetNode(d.ino, name)

		var child Node
		if snap.IsDir() {
			contents, err := d.loadChildDir(ctx, ino, name, &snap)
			if err != nil {
				return nil, err
			}
			child = newDirNode(d.mount, ino, d.ino, entry, contents)
		} else {
			child = newFileNode(d.mount, ino, d.ino, entry)
		}
		n := d.mount.recordNode(child, d)

		// The name may have been removed or replaced while the child was
		// being built.
		d.mu.RLock()
		current := d.contents.Entries[name]
		d.mu.RUnlock()
		if current == entry {
			return n, nil
		}
		d.mount.dropNodeIf(n)
		if current == nil {
			return nil, newError(NotFound, "lookup", name)
		}
	}
}

// loadChildDir fetches the state of a child directory that has no loaded
// node. No lock is held during the fetch.
func (d *DirNode) loadChildDir(ctx context.Context, ino uint64, name string, e *model.Entry) (model.Dir, error) {
	if !e.Materialized && e.Hash != nil {
		tree, err := d.mount.store.GetTree(ctx, *e.Hash)
		if err != nil {
			return model.Dir{}, ioError("lookup", name, err)
		}
		d.mount.logger.Debug("loaded directory from tree", "name", name, "tree", e.Hash.String(), "ino", ino)
		return model.DirFromTree(tree), nil
	}

	path, err := d.mount.pathOf("lookup", ino)
	if err != nil {
		return model.Dir{}, err
	}
	snap, err := d.mount.overlay.LoadDir(path)
	if err != nil {
		if errors.Is(err, overlay.ErrNoSnapshot) {
			return model.Dir{}, inconsistent("lookup", path, err)
		}
		return model.Dir{}, ioError("lookup", path, err)
	}
	d.mount.logger.Debug("loaded directory from overlay", "path", path, "ino", ino)
	return *snap, nil
}

// Materialize copies d, and every ancestor first, into the overlay. It is
// idempotent and safe to call concurrently.
func (d *DirNode) Materialize(ctx context.Context) error {
	d.mount.renameMu.RLock()
	defer d.mount.renameMu.RUnlock()
	return d.materialize(ctx)
}

func (d *DirNode) materialize(ctx context.Context) error {
	d.mu.RLock()
	done := d.contents.Materialized
	d.mu.RUnlock()
	if done {
		return nil
	}

	var parent *DirNode
	if d.entry != nil {
		p, err := d.mount.GetDirNode(d.parent.Load())
		if err != nil {
			return err
		}
		if err := p.materialize(ctx); err != nil {
			return err
		}
		parent = p
	}

	// The child's snapshot, the parent's entry flag and the parent's
	// snapshot change together, or not at all.
	locks := lockDirs(lockRequest{d, true}, lockRequest{parent, true})
	defer locks.unlock()
	if d.contents.Materialized {
		return nil
	}
	if d.unlinked {
		return newError(NotFound, "materialize", "")
	}
	path, err := d.mount.pathOf("materialize", d.ino)
	if err != nil {
		return err
	}
	var parentPath string
	if parent != nil {
		if parentPath, err = d.mount.pathOf("materialize", parent.ino); err != nil {
			return err
		}
	}
	if err := os.Mkdir(d.mount.physicalPath(path), d.perm()); err != nil && !os.IsExist(err) {
		return ioError("materialize", path, err)
	}

	d.contents.Materialized = true
	if err := d.mount.overlay.SaveDir(path, &d.contents); err != nil {
		d.contents.Materialized = false
		return ioError("materialize", path, err)
	}
	if parent != nil && !d.entry.Materialized {
		d.entry.Materialized = true
		if err := d.mount.overlay.SaveDir(parentPath, &parent.contents); err != nil {
			d.entry.Materialized = false
			d.contents.Materialized = false
			if rmErr := d.mount.overlay.RemoveDir(path); rmErr != nil {
				d.mount.logger.Warn("failed to drop snapshot", "path", path, "error", rmErr)
			}
			return ioError("materialize", parentPath, err)
		}
	}
	d.mount.logger.Debug("materialized directory", "path", path, "ino", d.ino)
	return nil
}

func (d *DirNode) perm() os.FileMode {
	if d.entry == nil {
		return 0755
	}
	return os.FileMode(d.entry.Mode & 0o7777)
}
