package inode

import (
	"fmt"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/radryc/treefs/internal/model"
)

func TestCreateWriteRead(t *testing.T) {
	f := newFixture(t)

	fn, fh, attr, err := f.root().Create(f.ctx, "notes.txt", 0640, syscall.O_WRONLY|syscall.O_CREAT)
	require.NoError(t, err)
	require.Equal(t, fn.Ino(), attr.Ino)
	require.Equal(t, uint32(syscall.S_IFREG|0640), attr.Mode)
	require.True(t, fn.IsMaterialized())
	require.True(t, f.root().IsMaterialized())

	n, err := fh.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.NoError(t, fh.Close())

	buf := make([]byte, 16)
	n, err = fn.Read(f.ctx, buf, 0)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))

	same := f.lookupFile(t, f.root(), "notes.txt")
	require.Same(t, fn, same)

	snap, err := f.overlay.LoadDir("")
	require.NoError(t, err)
	require.Contains(t, snap.Entries, "notes.txt")
}

func TestCreateExisting(t *testing.T) {
	f := newFixture(t)

	_, _, _, err := f.root().Create(f.ctx, "src", 0644, 0)
	requireKind(t, err, IsADirectory)
	_, _, _, err = f.root().Create(f.ctx, "README", 0644, 0)
	requireKind(t, err, AlreadyExists)
	require.False(t, f.root().IsMaterialized(), "failed precondition must not materialize")
}

func TestMkdirLookupRoundTrip(t *testing.T) {
	f := newFixture(t)

	_, err := f.root().Mkdir(f.ctx, "build", 0750)
	require.NoError(t, err)

	build := f.lookupDir(t, f.root(), "build")
	attr, err := build.GetAttr(f.ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(syscall.S_IFDIR|0750), attr.Mode)
	require.Empty(t, build.Entries())
	require.True(t, build.IsMaterialized())

	snap, err := f.overlay.LoadDir("build")
	require.NoError(t, err)
	require.Empty(t, snap.Entries)

	fi, err := os.Stat(f.physical("build"))
	require.NoError(t, err)
	require.True(t, fi.IsDir())
}

func TestMkdirExisting(t *testing.T) {
	f := newFixture(t)

	_, err := f.root().Mkdir(f.ctx, "src", 0755)
	requireKind(t, err, AlreadyExists)
	require.False(t, f.root().IsMaterialized())

	_, err = f.root().Mkdir(f.ctx, "out", 0755)
	require.NoError(t, err)
	_, err = f.root().Mkdir(f.ctx, "out", 0755)
	requireKind(t, err, AlreadyExists)
}

func TestUnlinkTwice(t *testing.T) {
	f := newFixture(t)

	f.createFile(t, f.root(), "tmp.txt")
	require.NoError(t, f.root().Unlink(f.ctx, "tmp.txt"))
	_, err := os.Stat(f.physical("tmp.txt"))
	require.True(t, os.IsNotExist(err))

	err = f.root().Unlink(f.ctx, "tmp.txt")
	requireKind(t, err, NotFound)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUnlinkTreeFile(t *testing.T) {
	f := newFixture(t)

	readme := f.lookupFile(t, f.root(), "README")
	require.NoError(t, f.root().Unlink(f.ctx, "README"))
	require.NotContains(t, f.root().Entries(), "README")

	_, loaded := f.mount.Node(readme.Ino())
	require.False(t, loaded)
	require.True(t, f.names.IsReleased(readme.Ino()))
}

func TestUnlinkErrors(t *testing.T) {
	f := newFixture(t)

	requireKind(t, f.root().Unlink(f.ctx, "nope"), NotFound)
	requireKind(t, f.root().Unlink(f.ctx, "src"), IsADirectory)
	require.False(t, f.root().IsMaterialized())
}

func TestRmdirNonEmpty(t *testing.T) {
	f := newFixture(t)

	d, err := f.root().Mkdir(f.ctx, "d", 0755)
	require.NoError(t, err)
	f.createFile(t, d, "child")

	requireKind(t, f.root().Rmdir(f.ctx, "d"), NotEmpty)

	require.NoError(t, d.Unlink(f.ctx, "child"))
	require.NoError(t, f.root().Rmdir(f.ctx, "d"))

	require.NotContains(t, f.root().Entries(), "d")
	_, err = os.Stat(f.physical("d"))
	require.True(t, os.IsNotExist(err))
	_, err = f.overlay.LoadDir("d")
	require.Error(t, err)

	_, err = f.root().Lookup(f.ctx, "d")
	requireKind(t, err, NotFound)
	_, err = d.Mkdir(f.ctx, "late", 0755)
	requireKind(t, err, NotFound)
}

func TestRmdirErrors(t *testing.T) {
	f := newFixture(t)

	requireKind(t, f.root().Rmdir(f.ctx, "nope"), NotFound)
	requireKind(t, f.root().Rmdir(f.ctx, "README"), NotADirectory)
	requireKind(t, f.root().Rmdir(f.ctx, "src"), NotEmpty)
	require.False(t, f.root().IsMaterialized())
}

func TestRmdirTreeDirectory(t *testing.T) {
	f := newFixture(t)

	src := f.lookupDir(t, f.root(), "src")
	lib := f.lookupDir(t, src, "lib")
	require.NoError(t, lib.Unlink(f.ctx, "util.go"))
	require.NoError(t, src.Rmdir(f.ctx, "lib"))
	require.NotContains(t, src.Entries(), "lib")
	_, err := os.Stat(f.physical("src/lib"))
	require.True(t, os.IsNotExist(err))
}

func TestRenamePreservesIdentity(t *testing.T) {
	f := newFixture(t)

	docs, err := f.root().Mkdir(f.ctx, "docs", 0755)
	require.NoError(t, err)

	require.NoError(t, f.root().Rename(f.ctx, "README", docs, "READ.md"))
	require.NotContains(t, f.root().Entries(), "README")

	e := docs.Entries()["READ.md"]
	require.False(t, e.Materialized)
	require.NotNil(t, e.Hash)
	require.Equal(t, f.readme, *e.Hash)

	moved := f.lookupFile(t, docs, "READ.md")
	buf := make([]byte, 16)
	n, err := moved.Read(f.ctx, buf, 0)
	require.NoError(t, err)
	require.Equal(t, "readme", string(buf[:n]))

	_, err = os.Lstat(f.physical("docs/READ.md"))
	require.True(t, os.IsNotExist(err), "no physical file for an unmaterialized entry")
}

func TestRenameDirectoryOntoEmptyDirectory(t *testing.T) {
	f := newFixture(t)

	a, err := f.root().Mkdir(f.ctx, "A", 0700)
	require.NoError(t, err)
	f.createFile(t, a, "x")
	_, err = f.root().Mkdir(f.ctx, "B", 0755)
	require.NoError(t, err)
	aEntry := f.root().Entries()["A"]

	require.NoError(t, f.root().Rename(f.ctx, "A", f.root(), "B"))

	entries := f.root().Entries()
	require.NotContains(t, entries, "A")
	require.Equal(t, aEntry, entries["B"])

	b := f.lookupDir(t, f.root(), "B")
	require.Same(t, a, b)
	require.Contains(t, b.Entries(), "x")

	_, err = os.Stat(f.physical("B/x"))
	require.NoError(t, err)
	snap, err := f.overlay.LoadDir("B")
	require.NoError(t, err)
	require.Contains(t, snap.Entries, "x")
	_, err = f.overlay.LoadDir("A")
	require.Error(t, err)
}

func TestRenameDirectoryOntoNonEmptyDirectory(t *testing.T) {
	f := newFixture(t)

	c, err := f.root().Mkdir(f.ctx, "C", 0755)
	require.NoError(t, err)
	f.createFile(t, c, "c1")
	e, err := f.root().Mkdir(f.ctx, "E", 0755)
	require.NoError(t, err)
	f.createFile(t, e, "e1")

	rootBefore := f.root().Entries()
	cBefore, eBefore := c.Entries(), e.Entries()
	cMat, eMat := c.IsMaterialized(), e.IsMaterialized()

	requireKind(t, f.root().Rename(f.ctx, "C", f.root(), "E"), NotEmpty)

	require.Equal(t, rootBefore, f.root().Entries())
	require.Equal(t, cBefore, c.Entries())
	require.Equal(t, eBefore, e.Entries())
	require.Equal(t, cMat, c.IsMaterialized())
	require.Equal(t, eMat, e.IsMaterialized())
}

func TestRenameErrors(t *testing.T) {
	f := newFixture(t)
	src := f.lookupDir(t, f.root(), "src")
	lib := f.lookupDir(t, src, "lib")
	readme := f.lookupFile(t, f.root(), "README")

	requireKind(t, f.root().Rename(f.ctx, "nope", f.root(), "x"), NotFound)
	requireKind(t, f.root().Rename(f.ctx, "README", readme, "x"), CrossDevice)
	requireKind(t, f.root().Rename(f.ctx, "src", lib, "inner"), InvalidArgument)
	requireKind(t, f.root().Rename(f.ctx, "src", src, "self"), InvalidArgument)
	requireKind(t, f.root().Rename(f.ctx, "README", f.root(), "src"), IsADirectory)
	requireKind(t, src.Rename(f.ctx, "lib", f.root(), "README"), NotADirectory)
	requireKind(t, src.Rename(f.ctx, "lib", f.root(), "src"), NotEmpty)

	require.NoError(t, f.root().Rename(f.ctx, "README", f.root(), "README"))
	require.Contains(t, f.root().Entries(), "README")
	require.False(t, f.root().IsMaterialized())
}

func TestRenameUnmaterializedDirectory(t *testing.T) {
	f := newFixture(t)

	src := f.lookupDir(t, f.root(), "src")
	require.NoError(t, f.root().Rename(f.ctx, "src", f.root(), "code"))
	require.False(t, src.IsMaterialized())
	_, err := os.Stat(f.physical("code"))
	require.True(t, os.IsNotExist(err))

	code := f.lookupDir(t, f.root(), "code")
	require.Same(t, src, code)
	lib := f.lookupDir(t, code, "lib")
	require.NoError(t, lib.Materialize(f.ctx))

	_, err = os.Stat(f.physical("code/lib"))
	require.NoError(t, err)
	_, err = f.overlay.LoadDir("code/lib")
	require.NoError(t, err)
}

func TestRenameMaterializedDirectoryMovesSnapshots(t *testing.T) {
	f := newFixture(t)

	a, err := f.root().Mkdir(f.ctx, "a", 0755)
	require.NoError(t, err)
	b, err := a.Mkdir(f.ctx, "b", 0755)
	require.NoError(t, err)
	f.createFile(t, b, "leaf")

	require.NoError(t, f.root().Rename(f.ctx, "a", f.root(), "z"))
	_, err = os.Stat(f.physical("z/b/leaf"))
	require.NoError(t, err)

	m := f.remount(t, nil)
	n, err := m.Root().Lookup(f.ctx, "z")
	require.NoError(t, err)
	n, err = n.(*DirNode).Lookup(f.ctx, "b")
	require.NoError(t, err)
	require.Contains(t, n.(*DirNode).Entries(), "leaf")
}

func TestRenameOverMaterializedFile(t *testing.T) {
	f := newFixture(t)

	f.createFile(t, f.root(), "victim")
	require.NoError(t, f.root().Rename(f.ctx, "README", f.root(), "victim"))

	_, err := os.Lstat(f.physical("victim"))
	require.True(t, os.IsNotExist(err), "stale physical file must be removed")

	victim := f.lookupFile(t, f.root(), "victim")
	buf := make([]byte, 16)
	n, err := victim.Read(f.ctx, buf, 0)
	require.NoError(t, err)
	require.Equal(t, "readme", string(buf[:n]))
}

func TestRenameMaterializedFileAcrossDirectories(t *testing.T) {
	f := newFixture(t)

	from, err := f.root().Mkdir(f.ctx, "from", 0755)
	require.NoError(t, err)
	to, err := f.root().Mkdir(f.ctx, "to", 0755)
	require.NoError(t, err)
	fn := f.createFile(t, from, "f")

	require.NoError(t, from.Rename(f.ctx, "f", to, "g"))
	_, err = os.Stat(f.physical("to/g"))
	require.NoError(t, err)
	_, err = os.Stat(f.physical("from/f"))
	require.True(t, os.IsNotExist(err))

	g := f.lookupFile(t, to, "g")
	require.Same(t, fn, g)
}

func TestJournalRecordsPaths(t *testing.T) {
	f := newFixture(t)
	start := f.journal.Latest()

	_, err := f.root().Mkdir(f.ctx, "j", 0755)
	require.NoError(t, err)
	require.NoError(t, f.root().Rename(f.ctx, "j", f.root(), "k"))
	require.NoError(t, f.root().Rmdir(f.ctx, "k"))

	deltas, truncated := f.journal.Since(start)
	require.False(t, truncated)
	require.Len(t, deltas, 3)
	require.Equal(t, []string{"j"}, deltas[0].Paths)
	require.Equal(t, []string{"j", "k"}, deltas[1].Paths)
	require.Equal(t, []string{"k"}, deltas[2].Paths)
}

func TestConcurrentCreateDisjoint(t *testing.T) {
	f := newFixture(t)

	dir, err := f.root().Mkdir(f.ctx, "many", 0755)
	require.NoError(t, err)

	const n = 64
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			_, fh, _, err := dir.Create(f.ctx, fmt.Sprintf("f%02d", i), 0644, syscall.O_WRONLY)
			if err != nil {
				return err
			}
			return fh.Close()
		})
	}
	require.NoError(t, g.Wait())
	require.Len(t, dir.Entries(), n)

	snap, err := f.overlay.LoadDir("many")
	require.NoError(t, err)
	require.Len(t, snap.Entries, n)
}

func TestOppositeRenamesComplete(t *testing.T) {
	f := newFixture(t)

	x, err := f.root().Mkdir(f.ctx, "x", 0755)
	require.NoError(t, err)
	y, err := f.root().Mkdir(f.ctx, "y", 0755)
	require.NoError(t, err)

	const n = 50
	for i := 0; i < n; i++ {
		f.createFile(t, x, fmt.Sprintf("a%d", i))
		f.createFile(t, y, fmt.Sprintf("b%d", i))
		_, err := x.Mkdir(f.ctx, fmt.Sprintf("da%d", i), 0755)
		require.NoError(t, err)
		_, err = y.Mkdir(f.ctx, fmt.Sprintf("db%d", i), 0755)
		require.NoError(t, err)
	}

	done := make(chan error, 1)
	go func() {
		var g errgroup.Group
		g.Go(func() error {
			for i := 0; i < n; i++ {
				if err := x.Rename(f.ctx, fmt.Sprintf("a%d", i), y, fmt.Sprintf("a%d", i)); err != nil {
					return err
				}
				if err := x.Rename(f.ctx, fmt.Sprintf("da%d", i), y, fmt.Sprintf("da%d", i)); err != nil {
					return err
				}
			}
			return nil
		})
		g.Go(func() error {
			for i := 0; i < n; i++ {
				if err := y.Rename(f.ctx, fmt.Sprintf("b%d", i), x, fmt.Sprintf("b%d", i)); err != nil {
					return err
				}
				if err := y.Rename(f.ctx, fmt.Sprintf("db%d", i), x, fmt.Sprintf("db%d", i)); err != nil {
					return err
				}
			}
			return nil
		})
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("opposite-direction renames did not complete")
	}

	require.Len(t, x.Entries(), 2*n)
	require.Len(t, y.Entries(), 2*n)
	require.Contains(t, x.Entries(), "b0")
	require.Contains(t, y.Entries(), "a0")
}

func TestRenameSaveFailureLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	src := f.lookupDir(t, f.root(), "src")
	require.NoError(t, src.Materialize(f.ctx))
	readme := f.lookupFile(t, f.root(), "README")
	f.faults.failSaves("src")

	err := f.root().Rename(f.ctx, "README", src, "R")
	requireKind(t, err, IO)
	require.ErrorIs(t, err, errSnapshotWrite)
	require.Contains(t, f.root().Entries(), "README")
	require.NotContains(t, src.Entries(), "R")

	snap, err := f.overlay.LoadDir("")
	require.NoError(t, err)
	require.Contains(t, snap.Entries, "README")

	f.faults.heal()
	require.Same(t, readme, f.lookupFile(t, f.root(), "README"))
	require.NoError(t, f.root().Rename(f.ctx, "README", src, "R"))
	require.Same(t, readme, f.lookupFile(t, src, "R"))
}

func TestRenameSaveFailureKeepsMaterializedFile(t *testing.T) {
	f := newFixture(t)
	f.createFile(t, f.root(), "a.txt")
	src := f.lookupDir(t, f.root(), "src")
	require.NoError(t, src.Materialize(f.ctx))
	f.faults.failSaves("src")

	err := f.root().Rename(f.ctx, "a.txt", src, "a.txt")
	requireKind(t, err, IO)

	_, err = os.Stat(f.physical("a.txt"))
	require.NoError(t, err)
	_, err = os.Stat(f.physical("src/a.txt"))
	require.True(t, os.IsNotExist(err))
	require.Contains(t, f.root().Entries(), "a.txt")
}

func TestRenamePhysicalFailureRestoresSnapshots(t *testing.T) {
	f := newFixture(t)
	f.createFile(t, f.root(), "gone.txt")
	require.NoError(t, os.Remove(f.physical("gone.txt")))
	src := f.lookupDir(t, f.root(), "src")
	require.NoError(t, src.Materialize(f.ctx))

	err := f.root().Rename(f.ctx, "gone.txt", src, "gone.txt")
	requireKind(t, err, IO)
	require.Contains(t, f.root().Entries(), "gone.txt")
	require.NotContains(t, src.Entries(), "gone.txt")

	rootSnap, err := f.overlay.LoadDir("")
	require.NoError(t, err)
	require.Contains(t, rootSnap.Entries, "gone.txt")
	srcSnap, err := f.overlay.LoadDir("src")
	require.NoError(t, err)
	require.NotContains(t, srcSnap.Entries, "gone.txt")
}

func TestUnlinkSaveFailureKeepsFile(t *testing.T) {
	f := newFixture(t)
	fn := f.createFile(t, f.root(), "keep.txt")
	f.faults.failSaves("")

	err := f.root().Unlink(f.ctx, "keep.txt")
	requireKind(t, err, IO)
	_, err = os.Stat(f.physical("keep.txt"))
	require.NoError(t, err, "backing file must survive a failed unlink")
	require.Contains(t, f.root().Entries(), "keep.txt")

	f.faults.heal()
	require.Same(t, fn, f.lookupFile(t, f.root(), "keep.txt"))
	require.NoError(t, f.root().Unlink(f.ctx, "keep.txt"))
	_, err = os.Stat(f.physical("keep.txt"))
	require.True(t, os.IsNotExist(err))
}

func TestRmdirSaveFailureKeepsDirectory(t *testing.T) {
	f := newFixture(t)
	_, err := f.root().Mkdir(f.ctx, "empty", 0755)
	require.NoError(t, err)
	f.faults.failSaves("")

	err = f.root().Rmdir(f.ctx, "empty")
	requireKind(t, err, IO)
	fi, err := os.Stat(f.physical("empty"))
	require.NoError(t, err)
	require.True(t, fi.IsDir())
	require.Contains(t, f.root().Entries(), "empty")
	_, err = f.overlay.LoadDir("empty")
	require.NoError(t, err)

	f.faults.heal()
	require.NoError(t, f.root().Rmdir(f.ctx, "empty"))
	_, err = os.Stat(f.physical("empty"))
	require.True(t, os.IsNotExist(err))
}

func TestDirectoryRenameDoesNotBlockUnrelatedOperations(t *testing.T) {
	f := newFixture(t)
	lib := model.Hash{0x70, 3}
	emptyTree := f.store.addTree(9)
	rootTree := f.store.addTree(8,
		model.TreeEntry{Name: "a", Mode: dirMode, Hash: lib},
		model.TreeEntry{Name: "b", Mode: dirMode, Hash: emptyTree},
		model.TreeEntry{Name: "other", Mode: dirMode, Hash: lib},
	)
	f.mount = f.remount(t, &rootTree)
	other := f.lookupDir(t, f.root(), "other")

	entered, release := f.store.blockTree(emptyTree)
	t.Cleanup(release)

	renamed := make(chan error, 1)
	go func() { renamed <- f.root().Rename(f.ctx, "a", f.root(), "b") }()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("rename never fetched the destination tree")
	}

	done := make(chan error, 1)
	go func() {
		if _, err := other.Lookup(f.ctx, "util.go"); err != nil {
			done <- err
			return
		}
		_, err := other.Mkdir(f.ctx, "out", 0755)
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("unrelated directory blocked while a rename waits on a tree fetch")
	}

	release()
	select {
	case err := <-renamed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("rename did not finish after the fetch was released")
	}
	require.Contains(t, f.root().Entries(), "b")
	require.NotContains(t, f.root().Entries(), "a")
}
