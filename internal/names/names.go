// Package names maps (parent inode, child name) pairs to stable inode
// numbers and inode numbers back to logical paths.
package names

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring/roaring64"
)

// RootIno is the inode number of the mount root (FUSE_ROOT_ID).
const RootIno uint64 = 1

// ErrUnknownInode is returned when an inode number was never allocated.
var ErrUnknownInode = errors.New("unknown inode number")

// ErrReleasedInode is returned for an inode number whose name was removed.
var ErrReleasedInode = errors.New("inode number no longer refers to a name")

type nameKey struct {
	parent uint64
	name   string
}

// Manager allocates inode numbers lazily, on first reference.
// Numbers are never reused within one Manager.
type Manager struct {
	mu       sync.RWMutex
	next     uint64
	byName   map[nameKey]uint64
	byIno    map[uint64]nameKey
	released *roaring64.Bitmap
	logger   *slog.Logger
}

// New creates a manager that already knows the root inode.
func New(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		next:     RootIno + 1,
		byName:   make(map[nameKey]uint64),
		byIno:    make(map[uint64]nameKey),
		released: roaring64.New(),
		logger:   logger.With("component", "names"),
	}
}

// GetNode returns the inode number for name under parent, allocating one
// if the name has never been referenced.
func (m *Manager) GetNode(parent uint64, name string) uint64 {
	key := nameKey{parent: parent, name: name}

	m.mu.RLock()
	ino, ok := m.byName[key]
	m.mu.RUnlock()
	if ok {
		return ino
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ino, ok := m.byName[key]; ok {
		return ino
	}
	ino = m.next
	m.next++
	m.byName[key] = ino
	m.byIno[ino] = key
	m.logger.Debug("allocated inode", "parent", parent, "name", name, "ino", ino)
	return ino
}

// LookupNode returns the inode number for name under parent without
// allocating.
func (m *Manager) LookupNode(parent uint64, name string) (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ino, ok := m.byName[nameKey{parent: parent, name: name}]
	return ino, ok
}

// ResolvePath returns the logical path of ino relative to the mount root.
// The root resolves to "".
func (m *Manager) ResolvePath(ino uint64) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var parts []string
	for cur := ino; cur != RootIno; {
		key, ok := m.byIno[cur]
		if !ok {
			if m.released.Contains(cur) {
				return "", fmt.Errorf("resolve inode %d: %w", ino, ErrReleasedInode)
			}
			return "", fmt.Errorf("resolve inode %d: %w", ino, ErrUnknownInode)
		}
		parts = append(parts, key.name)
		cur = key.parent
	}

	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "/"), nil
}

// Rename moves the inode number bound to (parent, name) to
// (newParent, newName). Any number previously bound to the destination is
// released. It reports whether a number was moved.
func (m *Manager) Rename(parent uint64, name string, newParent uint64, newName string) bool {
	from := nameKey{parent: parent, name: name}
	to := nameKey{parent: newParent, name: newName}
	if from == to {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.byName[to]; ok {
		m.releaseLocked(old)
	}
	ino, ok := m.byName[from]
	if !ok {
		return false
	}
	delete(m.byName, from)
	m.byName[to] = ino
	m.byIno[ino] = to
	return true
}

// Remove releases the inode number bound to (parent, name), if any.
func (m *Manager) Remove(parent uint64, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ino, ok := m.byName[nameKey{parent: parent, name: name}]; ok {
		m.releaseLocked(ino)
	}
}

// IsReleased reports whether ino was allocated and later removed.
func (m *Manager) IsReleased(ino uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.released.Contains(ino)
}

// Stats returns the number of live and released inode numbers.
func (m *Manager) Stats() (live int, released uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byIno), m.released.GetCardinality()
}

// releaseLocked drops ino and every name below it. Must be called with
// m.mu held for writing.
func (m *Manager) releaseLocked(ino uint64) {
	key, ok := m.byIno[ino]
	if !ok {
		return
	}
	delete(m.byName, key)
	delete(m.byIno, ino)
	m.released.Add(ino)

	for childKey, child := range m.byName {
		if childKey.parent == ino {
			m.releaseLocked(child)
		}
	}
}
