// Package inode implements the directory node layer of treefs: directories
// backed by an immutable source tree until they are first modified, then by
// the local overlay.
package inode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/radryc/treefs/internal/model"
	"github.com/radryc/treefs/internal/names"
	"github.com/radryc/treefs/internal/overlay"
)

// MountConfig holds the collaborators injected into a Mount.
type MountConfig struct {
	Store   ObjectStore
	Overlay Overlay
	Names   NameManager
	Journal Journal

	// RootTree is the source tree projected at the mount root. When nil and
	// the overlay has no root snapshot, the mount starts empty.
	RootTree *model.Hash

	Logger *slog.Logger
}

// Mount owns the node arena and the root directory. Nodes refer to each
// other only by inode number through the arena.
type Mount struct {
	store   ObjectStore
	overlay Overlay
	names   NameManager
	journal Journal
	logger  *slog.Logger

	// renameMu keeps logical paths stable. Directory renames hold it
	// exclusively, every other path-dependent operation holds it shared.
	renameMu sync.RWMutex

	mu    sync.Mutex
	nodes map[uint64]Node
	root  *DirNode
}

// NewMount builds the root directory. An existing root snapshot in the
// overlay wins over cfg.RootTree, so local changes survive a remount.
func NewMount(ctx context.Context, cfg MountConfig) (*Mount, error) {
	if cfg.Store == nil || cfg.Overlay == nil || cfg.Names == nil || cfg.Journal == nil {
		return nil, fmt.Errorf("mount requires store, overlay, names and journal")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Mount{
		store:   cfg.Store,
		overlay: cfg.Overlay,
		names:   cfg.Names,
		journal: cfg.Journal,
		logger:  logger.With("component", "inode"),
		nodes:   make(map[uint64]Node),
	}

	var contents model.Dir
	snap, err := cfg.Overlay.LoadDir("")
	switch {
	case err == nil:
		contents = *snap
		contents.Materialized = true
		m.logger.Info("recovered root from overlay", "entries", len(contents.Entries))
	case errors.Is(err, overlay.ErrNoSnapshot):
		if cfg.RootTree != nil {
			tree, err := cfg.Store.GetTree(ctx, *cfg.RootTree)
			if err != nil {
				return nil, fmt.Errorf("load root tree %s: %w", cfg.RootTree, err)
			}
			contents = model.DirFromTree(tree)
			m.logger.Info("mounted source tree", "tree", cfg.RootTree.String(), "entries", len(contents.Entries))
		} else {
			contents = model.NewDir()
			if err := cfg.Overlay.SaveDir("", &contents); err != nil {
				return nil, fmt.Errorf("save empty root: %w", err)
			}
			m.logger.Info("mounted empty root")
		}
	default:
		return nil, fmt.Errorf("load root snapshot: %w", err)
	}

	m.root = newDirNode(m, names.RootIno, 0, nil, contents)
	m.nodes[names.RootIno] = m.root
	return m, nil
}

// Root returns the mount root directory.
func (m *Mount) Root() *DirNode {
	return m.root
}

// Node returns the loaded node for ino, if any.
func (m *Mount) Node(ino uint64) (Node, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[ino]
	return n, ok
}

// GetDirNode returns the loaded directory for ino. A missing or
// non-directory node means the arena and the caller disagree.
func (m *Mount) GetDirNode(ino uint64) (*DirNode, error) {
	n, ok := m.Node(ino)
	if !ok {
		return nil, inconsistent("load", "", fmt.Errorf("directory inode %d is not loaded", ino))
	}
	d, ok := n.(*DirNode)
	if !ok {
		return nil, inconsistent("load", "", fmt.Errorf("inode %d is not a directory", ino))
	}
	return d, nil
}

// NodeCount returns the number of loaded nodes, root included.
func (m *Mount) NodeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.nodes)
}

// Forget evicts ino from the arena. Only nodes that report CanForget and
// that no loaded child points at are evicted. The root is never evicted.
func (m *Mount) Forget(ino uint64) bool {
	if ino == names.RootIno {
		return false
	}
	n, ok := m.Node(ino)
	if !ok || !n.CanForget() {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nodes[ino] != n {
		return false
	}
	for _, other := range m.nodes {
		if other.parentIno() == ino {
			return false
		}
	}
	delete(m.nodes, ino)
	m.logger.Debug("forgot node", "ino", ino)
	return true
}

// recordNode inserts n unless another node already holds its number, in
// which case the existing node is returned. The parent is reinstated if it
// was evicted while the child was being built.
func (m *Mount) recordNode(n Node, parent *DirNode) Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[parent.ino]; !ok {
		m.nodes[parent.ino] = parent
	}
	if existing, ok := m.nodes[n.Ino()]; ok {
		return existing
	}
	m.nodes[n.Ino()] = n
	return n
}

// setNode inserts n, replacing any stale node with the same number.
func (m *Mount) setNode(n Node, parent *DirNode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[parent.ino]; !ok {
		m.nodes[parent.ino] = parent
	}
	m.nodes[n.Ino()] = n
}

func (m *Mount) dropNode(ino uint64) {
	m.mu.Lock()
	delete(m.nodes, ino)
	m.mu.Unlock()
}

// dropNodeIf evicts n only if it is still the node recorded for its number.
func (m *Mount) dropNodeIf(n Node) {
	m.mu.Lock()
	if m.nodes[n.Ino()] == n {
		delete(m.nodes, n.Ino())
	}
	m.mu.Unlock()
}

// pathOf returns the logical path of ino.
func (m *Mount) pathOf(op string, ino uint64) (string, error) {
	p, err := m.names.ResolvePath(ino)
	if err != nil {
		if errors.Is(err, names.ErrReleasedInode) {
			return "", &Error{Kind: NotFound, Op: op, Err: err}
		}
		return "", inconsistent(op, "", err)
	}
	return p, nil
}

// physicalPath maps a logical path into the overlay content tree.
func (m *Mount) physicalPath(logical string) string {
	return filepath.Join(m.overlay.ContentDir(), filepath.FromSlash(logical))
}

// restoreSnapshot rewrites a directory's snapshot after a failed operation
// has put its entries back.
func (m *Mount) restoreSnapshot(path string, dir *model.Dir) {
	if err := m.overlay.SaveDir(path, dir); err != nil {
		m.logger.Error("failed to restore snapshot", "path", path, "error", err)
	}
}

func parentPath(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return ""
}

func joinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}
