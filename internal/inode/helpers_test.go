package inode

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/radryc/treefs/internal/journal"
	"github.com/radryc/treefs/internal/model"
	"github.com/radryc/treefs/internal/names"
	"github.com/radryc/treefs/internal/overlay"
)

const (
	fileMode = syscall.S_IFREG | 0644
	dirMode  = syscall.S_IFDIR | 0755
)

// memStore is an in-memory ObjectStore.
type memStore struct {
	mu       sync.Mutex
	trees    map[model.Hash]*model.Tree
	blobs    map[model.Hash][]byte
	gates    map[model.Hash]*treeGate
	getTrees atomic.Int64
	getBlobs atomic.Int64
}

// treeGate holds GetTree calls for one hash until released.
type treeGate struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newMemStore() *memStore {
	return &memStore{
		trees: make(map[model.Hash]*model.Tree),
		blobs: make(map[model.Hash][]byte),
		gates: make(map[model.Hash]*treeGate),
	}
}

// blockTree makes GetTree(h) wait until release is called. entered is
// closed once the first such call is waiting.
func (s *memStore) blockTree(h model.Hash) (entered <-chan struct{}, release func()) {
	g := &treeGate{entered: make(chan struct{}), release: make(chan struct{})}
	s.mu.Lock()
	s.gates[h] = g
	s.mu.Unlock()
	var once sync.Once
	return g.entered, func() { once.Do(func() { close(g.release) }) }
}

func (s *memStore) GetTree(ctx context.Context, h model.Hash) (*model.Tree, error) {
	s.getTrees.Add(1)
	s.mu.Lock()
	g := s.gates[h]
	s.mu.Unlock()
	if g != nil {
		g.once.Do(func() { close(g.entered) })
		<-g.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trees[h]
	if !ok {
		return nil, fmt.Errorf("tree %s not found", h)
	}
	return t, nil
}

func (s *memStore) GetBlob(ctx context.Context, h model.Hash) ([]byte, error) {
	s.getBlobs.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[h]
	if !ok {
		return nil, fmt.Errorf("blob %s not found", h)
	}
	return b, nil
}

func (s *memStore) BlobSize(ctx context.Context, h model.Hash) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[h]
	if !ok {
		return 0, fmt.Errorf("blob %s not found", h)
	}
	return uint64(len(b)), nil
}

func (s *memStore) addBlob(id byte, content string) model.Hash {
	h := model.Hash{0xb0, id}
	s.blobs[h] = []byte(content)
	return h
}

func (s *memStore) addTree(id byte, entries ...model.TreeEntry) model.Hash {
	h := model.Hash{0x70, id}
	s.trees[h] = &model.Tree{Hash: h, Entries: entries}
	return h
}

// fixture is a mount over this source tree:
//
//	README           "readme"
//	src/main.go      "package main"
//	src/lib/util.go  "package lib"
type fixture struct {
	ctx     context.Context
	store   *memStore
	overlay *overlay.Overlay
	faults  *faultyOverlay
	names   *names.Manager
	journal *journal.Journal
	mount   *Mount
	readme  model.Hash
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newMemStore()
	readme := store.addBlob(1, "readme")
	mainGo := store.addBlob(2, "package main")
	util := store.addBlob(3, "package lib")
	lib := store.addTree(3, model.TreeEntry{Name: "util.go", Mode: fileMode, Hash: util})
	src := store.addTree(2,
		model.TreeEntry{Name: "main.go", Mode: fileMode, Hash: mainGo},
		model.TreeEntry{Name: "lib", Mode: dirMode, Hash: lib},
	)
	root := store.addTree(1,
		model.TreeEntry{Name: "README", Mode: fileMode, Hash: readme},
		model.TreeEntry{Name: "src", Mode: dirMode, Hash: src},
	)

	ov := overlay.NewWithStore(t.TempDir(), overlay.NewMemoryStore(), nil)
	f := &fixture{
		ctx:     context.Background(),
		store:   store,
		overlay: ov,
		faults:  &faultyOverlay{Overlay: ov},
		names:   names.New(nil),
		journal: journal.New(0, nil),
		readme:  readme,
	}
	f.mount = f.remount(t, &root)
	return f
}

// remount builds a new Mount over the fixture's overlay, as after a restart.
func (f *fixture) remount(t *testing.T, rootTree *model.Hash) *Mount {
	t.Helper()
	f.names = names.New(nil)
	m, err := NewMount(f.ctx, MountConfig{
		Store:    f.store,
		Overlay:  f.faults,
		Names:    f.names,
		Journal:  f.journal,
		RootTree: rootTree,
	})
	require.NoError(t, err)
	return m
}

func (f *fixture) root() *DirNode {
	return f.mount.Root()
}

func (f *fixture) lookupDir(t *testing.T, parent *DirNode, name string) *DirNode {
	t.Helper()
	n, err := parent.Lookup(f.ctx, name)
	require.NoError(t, err)
	d, ok := n.(*DirNode)
	require.True(t, ok, "%s is not a directory", name)
	return d
}

func (f *fixture) lookupFile(t *testing.T, parent *DirNode, name string) *FileNode {
	t.Helper()
	n, err := parent.Lookup(f.ctx, name)
	require.NoError(t, err)
	fn, ok := n.(*FileNode)
	require.True(t, ok, "%s is not a file", name)
	return fn
}

func (f *fixture) createFile(t *testing.T, parent *DirNode, name string) *FileNode {
	t.Helper()
	fn, fh, _, err := parent.Create(f.ctx, name, 0644, syscall.O_WRONLY)
	require.NoError(t, err)
	require.NoError(t, fh.Close())
	return fn
}

func (f *fixture) physical(logical string) string {
	return filepath.Join(f.overlay.ContentDir(), filepath.FromSlash(logical))
}

func requireKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, KindOf(err), "unexpected error: %v", err)
}

func newEmptyOverlay(t *testing.T) *overlay.Overlay {
	t.Helper()
	return overlay.NewWithStore(t.TempDir(), overlay.NewMemoryStore(), nil)
}

var errSnapshotWrite = errors.New("snapshot write failed")

// faultyOverlay fails SaveDir for selected paths.
type faultyOverlay struct {
	*overlay.Overlay

	mu       sync.Mutex
	failSave map[string]bool
}

func (o *faultyOverlay) failSaves(paths ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failSave = make(map[string]bool)
	for _, p := range paths {
		o.failSave[p] = true
	}
}

func (o *faultyOverlay) heal() {
	o.failSaves()
}

func (o *faultyOverlay) SaveDir(path string, dir *model.Dir) error {
	o.mu.Lock()
	fail := o.failSave[path]
	o.mu.Unlock()
	if fail {
		return errSnapshotWrite
	}
	return o.Overlay.SaveDir(path, dir)
}
