// Package overlay implements local, mutable storage for materialized
// directories: a physical content tree plus a snapshot store holding one
// serialized Dir per materialized directory, keyed by logical path.
package overlay

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/radryc/treefs/internal/model"
)

// ErrNoSnapshot is returned by LoadDir when no snapshot exists for a path.
var ErrNoSnapshot = errors.New("no overlay snapshot")

// Backend identifies a snapshot store implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendNutsDB Backend = "nutsdb"
	BackendBadger Backend = "badger"
)

// SnapshotStore is a flat key/value store for encoded Dir snapshots.
type SnapshotStore interface {
	Put(key string, value []byte) error
	// Get returns ErrNoSnapshot when key is absent.
	Get(key string) ([]byte, error)
	Delete(key string) error
	// Keys returns every key with the given prefix.
	Keys(prefix string) ([]string, error)
	Close() error
}

// Config selects the overlay location and snapshot backend.
type Config struct {
	// Dir is the overlay base directory. Content lives under Dir/content,
	// snapshot databases under Dir/<backend>.
	Dir string

	// Backend selects the snapshot store (default nutsdb).
	Backend Backend

	// NutsDB and Badger tune their respective backends.
	NutsDB NutsDBOptions
	Badger BadgerOptions
}

// Overlay persists Dir snapshots and owns the physical content root.
type Overlay struct {
	contentDir string
	snapshots  SnapshotStore
	logger     *slog.Logger
}

// New opens (or creates) an overlay.
func New(cfg Config, logger *slog.Logger) (*Overlay, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "overlay")

	if cfg.Dir == "" {
		return nil, fmt.Errorf("overlay dir is required")
	}
	if cfg.Backend == "" {
		cfg.Backend = BackendNutsDB
	}

	contentDir := filepath.Join(cfg.Dir, "content")
	if err := os.MkdirAll(contentDir, 0755); err != nil {
		return nil, fmt.Errorf("create overlay content dir %s: %w", contentDir, err)
	}

	var (
		store SnapshotStore
		err   error
	)
	switch cfg.Backend {
	case BackendMemory:
		store = NewMemoryStore()
	case BackendNutsDB:
		store, err = OpenNutsDB(filepath.Join(cfg.Dir, "nutsdb"), cfg.NutsDB)
	case BackendBadger:
		store, err = OpenBadger(filepath.Join(cfg.Dir, "badger"), cfg.Badger)
	default:
		return nil, fmt.Errorf("unknown overlay backend: %q", cfg.Backend)
	}
	if err != nil {
		logger.Error("failed to open snapshot store", "backend", cfg.Backend, "error", err)
		return nil, err
	}

	logger.Info("overlay initialized", "dir", cfg.Dir, "backend", cfg.Backend)
	return NewWithStore(contentDir, store, logger), nil
}

// NewWithStore builds an overlay over an already opened snapshot store.
func NewWithStore(contentDir string, store SnapshotStore, logger *slog.Logger) *Overlay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Overlay{
		contentDir: contentDir,
		snapshots:  store,
		logger:     logger,
	}
}

// ContentDir returns the physical root under which materialized entries live.
func (o *Overlay) ContentDir() string {
	return o.contentDir
}

// SaveDir persists a snapshot of dir for the directory at path.
// The caller must hold whatever lock guards dir.
func (o *Overlay) SaveDir(path string, dir *model.Dir) error {
	data, err := json.Marshal(dir)
	if err != nil {
		return fmt.Errorf("encode snapshot %q: %w", path, err)
	}
	if err := o.snapshots.Put(snapshotKey(path), data); err != nil {
		return fmt.Errorf("save snapshot %q: %w", path, err)
	}
	o.logger.Debug("saved snapshot", "path", path, "entries", len(dir.Entries))
	return nil
}

// LoadDir returns the snapshot stored for path, or ErrNoSnapshot.
func (o *Overlay) LoadDir(path string) (*model.Dir, error) {
	data, err := o.snapshots.Get(snapshotKey(path))
	if err != nil {
		if errors.Is(err, ErrNoSnapshot) {
			return nil, fmt.Errorf("load snapshot %q: %w", path, ErrNoSnapshot)
		}
		return nil, fmt.Errorf("load snapshot %q: %w", path, err)
	}

	var dir model.Dir
	if err := json.Unmarshal(data, &dir); err != nil {
		return nil, fmt.Errorf("decode snapshot %q: %w", path, err)
	}
	if dir.Entries == nil {
		dir.Entries = make(map[string]*model.Entry)
	}
	return &dir, nil
}

// RemoveDir deletes the snapshot for path. Removing a missing snapshot is
// not an error.
func (o *Overlay) RemoveDir(path string) error {
	if err := o.snapshots.Delete(snapshotKey(path)); err != nil {
		return fmt.Errorf("remove snapshot %q: %w", path, err)
	}
	o.logger.Debug("removed snapshot", "path", path)
	return nil
}

// RenameDir moves the snapshot for oldPath, and every snapshot beneath it,
// to the corresponding key under newPath.
func (o *Overlay) RenameDir(oldPath, newPath string) error {
	if oldPath == newPath {
		return nil
	}
	oldKey := snapshotKey(oldPath)
	keys, err := o.snapshots.Keys(oldKey)
	if err != nil {
		return fmt.Errorf("list snapshots under %q: %w", oldPath, err)
	}

	moved := 0
	for _, key := range keys {
		// Prefix matches must fall on a path boundary: "a/b" must not
		// pick up "a/bc".
		rest := strings.TrimPrefix(key, oldKey)
		if rest != "" && !strings.HasPrefix(rest, "/") {
			continue
		}
		data, err := o.snapshots.Get(key)
		if err != nil {
			return fmt.Errorf("read snapshot %q: %w", key, err)
		}
		if err := o.snapshots.Put(snapshotKey(newPath)+rest, data); err != nil {
			return fmt.Errorf("write snapshot %q: %w", newPath+rest, err)
		}
		if err := o.snapshots.Delete(key); err != nil {
			return fmt.Errorf("delete snapshot %q: %w", key, err)
		}
		moved++
	}
	o.logger.Debug("renamed snapshots", "from", oldPath, "to", newPath, "count", moved)
	return nil
}

// Close releases the snapshot store.
func (o *Overlay) Close() error {
	o.logger.Info("closing overlay")
	return o.snapshots.Close()
}

// snapshotKey maps a logical path to a store key. The root is "/" so
// that it never collides with the empty prefix used for scans.
func snapshotKey(path string) string {
	return "/" + path
}
