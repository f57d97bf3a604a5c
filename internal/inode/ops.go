package inode

import (
	"context"
	"os"
	"strings"
	"syscall"

	"github.com/radryc/treefs/internal/model"
)

// Mutations follow one pattern: an optimistic check under a read lock,
// materialization, a re-check under the write lock, then the map update,
// snapshot and physical effect, and finally the journal entry. Creation
// makes the physical object first; removal and rename write the snapshot
// first. A failed step undoes the steps before it.

// Create creates and opens a regular file. The backing file is always
// opened read-write regardless of the access mode in flags.
func (d *DirNode) Create(ctx context.Context, name string, mode uint32, flags int) (*FileNode, *FileHandle, Attr, error) {
	d.mount.renameMu.RLock()
	defer d.mount.renameMu.RUnlock()

	if err := d.checkCreate("create", name); err != nil {
		return nil, nil, Attr{}, err
	}
	if err := d.materialize(ctx); err != nil {
		return nil, nil, Attr{}, err
	}

	d.mu.Lock()
	if err := d.checkCreateLocked("create", name); err != nil {
		d.mu.Unlock()
		return nil, nil, Attr{}, err
	}
	dirPath, err := d.mount.pathOf("create", d.ino)
	if err != nil {
		d.mu.Unlock()
		return nil, nil, Attr{}, err
	}
	path := joinPath(dirPath, name)
	physical := d.mount.physicalPath(path)

	openFlags := flags&^(os.O_RDONLY|os.O_WRONLY|os.O_RDWR) | os.O_RDWR | os.O_CREATE
	fh, err := os.OpenFile(physical, openFlags, os.FileMode(mode&0o7777))
	if err != nil {
		d.mu.Unlock()
		return nil, nil, Attr{}, ioError("create", path, err)
	}

	entry := &model.Entry{Mode: syscall.S_IFREG | mode&0o7777, Materialized: true}
	d.contents.Entries[name] = entry
	if err := d.mount.overlay.SaveDir(dirPath, &d.contents); err != nil {
		delete(d.contents.Entries, name)
		d.mu.Unlock()
		fh.Close()
		os.Remove(physical)
		return nil, nil, Attr{}, ioError("create", path, err)
	}
	ino := d.mount.names.GetNode(d.ino, name)
	node := newFileNode(d.mount, ino, d.ino, entry)
	d.mu.Unlock()

	d.mount.setNode(node, d)
	d.mount.journal.AddDelta(path)
	d.mount.logger.Info("created file", "path", path, "ino", ino, "mode", entry.Mode)

	attr := Attr{Ino: ino, Mode: entry.Mode, Nlink: 1}
	if fi, err := fh.Stat(); err == nil {
		attr.Size = uint64(fi.Size())
	}
	return node, &FileHandle{node: node, file: fh}, attr, nil
}

// Mkdir creates an empty, materialized subdirectory. The child's snapshot
// is persisted before the entry becomes visible in d.
func (d *DirNode) Mkdir(ctx context.Context, name string, mode uint32) (*DirNode, error) {
	d.mount.renameMu.RLock()
	defer d.mount.renameMu.RUnlock()

	if err := d.checkCreate("mkdir", name); err != nil {
		return nil, err
	}
	if err := d.materialize(ctx); err != nil {
		return nil, err
	}

	d.mu.Lock()
	if err := d.checkCreateLocked("mkdir", name); err != nil {
		d.mu.Unlock()
		return nil, err
	}
	dirPath, err := d.mount.pathOf("mkdir", d.ino)
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	path := joinPath(dirPath, name)
	physical := d.mount.physicalPath(path)

	if err := os.Mkdir(physical, os.FileMode(mode&0o7777)); err != nil {
		d.mu.Unlock()
		return nil, ioError("mkdir", path, err)
	}
	childContents := model.NewDir()
	if err := d.mount.overlay.SaveDir(path, &childContents); err != nil {
		d.mu.Unlock()
		os.Remove(physical)
		return nil, ioError("mkdir", path, err)
	}

	entry := &model.Entry{Mode: syscall.S_IFDIR | mode&0o7777, Materialized: true}
	d.contents.Entries[name] = entry
	if err := d.mount.overlay.SaveDir(dirPath, &d.contents); err != nil {
		delete(d.contents.Entries, name)
		d.mu.Unlock()
		d.mount.overlay.RemoveDir(path)
		os.Remove(physical)
		return nil, ioError("mkdir", path, err)
	}
	ino := d.mount.names.GetNode(d.ino, name)
	child := newDirNode(d.mount, ino, d.ino, entry, childContents)
	d.mu.Unlock()

	d.mount.setNode(child, d)
	d.mount.journal.AddDelta(path)
	d.mount.logger.Info("created directory", "path", path, "ino", ino, "mode", entry.Mode)
	return child, nil
}

// Unlink removes a non-directory entry.
func (d *DirNode) Unlink(ctx context.Context, name string) error {
	d.mount.renameMu.RLock()
	defer d.mount.renameMu.RUnlock()

	d.mu.RLock()
	err := checkUnlink(d.contents.Entries[name], name)
	d.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := d.materialize(ctx); err != nil {
		return err
	}

	d.mu.Lock()
	if d.unlinked {
		d.mu.Unlock()
		return newError(NotFound, "unlink", name)
	}
	entry := d.contents.Entries[name]
	if err := checkUnlink(entry, name); err != nil {
		d.mu.Unlock()
		return err
	}
	dirPath, err := d.mount.pathOf("unlink", d.ino)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	path := joinPath(dirPath, name)

	delete(d.contents.Entries, name)
	if err := d.mount.overlay.SaveDir(dirPath, &d.contents); err != nil {
		d.contents.Entries[name] = entry
		d.mu.Unlock()
		return ioError("unlink", path, err)
	}
	if entry.Materialized {
		if err := os.Remove(d.mount.physicalPath(path)); err != nil && !os.IsNotExist(err) {
			d.contents.Entries[name] = entry
			d.mount.restoreSnapshot(dirPath, &d.contents)
			d.mu.Unlock()
			return ioError("unlink", path, err)
		}
	}
	ino, known := d.mount.names.LookupNode(d.ino, name)
	d.mount.names.Remove(d.ino, name)
	d.mu.Unlock()

	if known {
		d.mount.dropNode(ino)
	}
	d.mount.journal.AddDelta(path)
	d.mount.logger.Info("unlinked file", "path", path)
	return nil
}

// Rmdir removes an empty subdirectory and its overlay snapshot.
func (d *DirNode) Rmdir(ctx context.Context, name string) error {
	d.mount.renameMu.RLock()
	defer d.mount.renameMu.RUnlock()

	child, err := d.lookupDir(ctx, "rmdir", name)
	if err != nil {
		return err
	}
	child.mu.RLock()
	empty := len(child.contents.Entries) == 0
	child.mu.RUnlock()
	if !empty {
		return newError(NotEmpty, "rmdir", name)
	}
	if err := d.materialize(ctx); err != nil {
		return err
	}

	var locks *lockSet
	for {
		locks = lockDirs(lockRequest{d, true}, lockRequest{child, true})
		if d.unlinked {
			locks.unlock()
			return newError(NotFound, "rmdir", name)
		}
		cur, ok := d.contents.Entries[name]
		if !ok {
			locks.unlock()
			return newError(NotFound, "rmdir", name)
		}
		if !cur.IsDir() {
			locks.unlock()
			return newError(NotADirectory, "rmdir", name)
		}
		if cur == child.entry && !child.unlinked {
			break
		}
		// Replaced since the lookup; resolve again.
		locks.unlock()
		if child, err = d.lookupDir(ctx, "rmdir", name); err != nil {
			return err
		}
	}
	defer func() {
		if locks != nil {
			locks.unlock()
		}
	}()

	if len(child.contents.Entries) != 0 {
		return newError(NotEmpty, "rmdir", name)
	}
	dirPath, err := d.mount.pathOf("rmdir", d.ino)
	if err != nil {
		return err
	}
	path := joinPath(dirPath, name)

	delete(d.contents.Entries, name)
	if err := d.mount.overlay.SaveDir(dirPath, &d.contents); err != nil {
		d.contents.Entries[name] = child.entry
		return ioError("rmdir", path, err)
	}
	if child.entry.Materialized || child.contents.Materialized {
		if err := os.Remove(d.mount.physicalPath(path)); err != nil && !os.IsNotExist(err) {
			d.contents.Entries[name] = child.entry
			d.mount.restoreSnapshot(dirPath, &d.contents)
			return ioError("rmdir", path, err)
		}
	}
	if err := d.mount.overlay.RemoveDir(path); err != nil {
		d.mount.logger.Warn("failed to remove snapshot", "path", path, "error", err)
	}
	child.unlinked = true
	d.mount.names.Remove(d.ino, name)
	locks.unlock()
	locks = nil

	d.mount.dropNode(child.ino)
	d.mount.journal.AddDelta(path)
	d.mount.logger.Info("removed directory", "path", path)
	return nil
}

// Rename moves name in d to newName in destDir. The entry itself moves
// between maps, so its hash, mode and materialized flag are unchanged and
// an unmaterialized file keeps resolving through its hash.
func (d *DirNode) Rename(ctx context.Context, name string, destDir Node, newName string) error {
	dest, ok := destDir.(*DirNode)
	if !ok || dest.mount != d.mount {
		return newError(CrossDevice, "rename", name)
	}

	for {
		d.mu.RLock()
		entry, ok := d.contents.Entries[name]
		isDir := ok && entry.IsDir()
		d.mu.RUnlock()
		if !ok {
			return newError(NotFound, "rename", name)
		}

		dstChild, noop, err := d.prepareRename(ctx, name, dest, newName, isDir)
		if err != nil || noop {
			return err
		}

		// Moving a directory changes the paths of everything below it.
		if isDir {
			d.mount.renameMu.Lock()
		} else {
			d.mount.renameMu.RLock()
		}
		retry, err := d.commitRename(name, dest, newName, isDir, dstChild)
		if isDir {
			d.mount.renameMu.Unlock()
		} else {
			d.mount.renameMu.RUnlock()
		}
		if !retry {
			return err
		}
	}
}

// prepareRename runs the optimistic checks and materializes both parents.
// It holds renameMu shared, so tree fetches here never stall operations
// elsewhere in the mount.
func (d *DirNode) prepareRename(ctx context.Context, name string, dest *DirNode, newName string, isDir bool) (*DirNode, bool, error) {
	d.mount.renameMu.RLock()
	defer d.mount.renameMu.RUnlock()

	if d == dest && name == newName {
		d.mu.RLock()
		_, ok := d.contents.Entries[name]
		d.mu.RUnlock()
		if !ok {
			return nil, false, newError(NotFound, "rename", name)
		}
		return nil, true, nil
	}

	srcPath, dstPath, err := d.renamePaths(name, dest, newName, isDir)
	if err != nil {
		return nil, false, err
	}

	dest.mu.RLock()
	dstEntry := dest.contents.Entries[newName]
	dest.mu.RUnlock()
	if err := checkRenameTarget(isDir, dstEntry, dstPath); err != nil {
		return nil, false, err
	}
	var dstChild *DirNode
	if dstEntry != nil && isDir {
		if dstChild, err = dest.lookupDir(ctx, "rename", newName); err != nil {
			return nil, false, err
		}
		dstChild.mu.RLock()
		empty := len(dstChild.contents.Entries) == 0
		dstChild.mu.RUnlock()
		if !empty {
			return nil, false, newError(NotEmpty, "rename", dstPath)
		}
	}

	if err := d.materialize(ctx); err != nil {
		return nil, false, err
	}
	if dest != d {
		if err := dest.materialize(ctx); err != nil {
			return nil, false, err
		}
	}
	d.mount.logger.Debug("rename prepared", "from", srcPath, "to", dstPath)
	return dstChild, false, nil
}

// renamePaths resolves the source and destination paths and rejects moving
// a directory into its own subtree.
func (d *DirNode) renamePaths(name string, dest *DirNode, newName string, isDir bool) (string, string, error) {
	srcDirPath, err := d.mount.pathOf("rename", d.ino)
	if err != nil {
		return "", "", err
	}
	dstDirPath, err := d.mount.pathOf("rename", dest.ino)
	if err != nil {
		return "", "", err
	}
	srcPath := joinPath(srcDirPath, name)
	if isDir && (dstDirPath == srcPath || strings.HasPrefix(dstDirPath, srcPath+"/")) {
		return "", "", newError(InvalidArgument, "rename", srcPath)
	}
	return srcPath, joinPath(dstDirPath, newName), nil
}

// commitRename applies a prepared rename with renameMu held. It never
// fetches from the object store; when the state seen by prepareRename no
// longer holds it reports retry.
func (d *DirNode) commitRename(name string, dest *DirNode, newName string, isDir bool, dstChild *DirNode) (bool, error) {
	srcPath, dstPath, err := d.renamePaths(name, dest, newName, isDir)
	if err != nil {
		return false, err
	}
	srcDirPath, dstDirPath := parentPath(srcPath), parentPath(dstPath)

	locks := lockDirs(lockRequest{d, true}, lockRequest{dest, true}, lockRequest{dstChild, true})
	defer locks.unlock()

	if d.unlinked || dest.unlinked {
		return false, newError(NotFound, "rename", srcPath)
	}
	srcEntry, ok := d.contents.Entries[name]
	if !ok {
		return false, newError(NotFound, "rename", srcPath)
	}
	if srcEntry.IsDir() != isDir || !d.contents.Materialized || !dest.contents.Materialized {
		return true, nil
	}
	dstEntry := dest.contents.Entries[newName]
	if err := checkRenameTarget(isDir, dstEntry, dstPath); err != nil {
		return false, err
	}
	if dstEntry != nil && isDir {
		if dstChild == nil || dstChild.entry != dstEntry || dstChild.unlinked {
			// Created or replaced since prepareRename.
			return true, nil
		}
		if len(dstChild.contents.Entries) != 0 {
			return false, newError(NotEmpty, "rename", dstPath)
		}
	}
	if dstEntry == nil || !isDir {
		dstChild = nil
	}
	dstMaterialized := dstEntry != nil && (dstEntry.Materialized || (dstChild != nil && dstChild.contents.Materialized))

	// Snapshots first. Until both are written nothing else has changed,
	// and every later failure puts the maps and snapshots back.
	delete(d.contents.Entries, name)
	dest.contents.Entries[newName] = srcEntry
	undo := func() {
		if dstEntry != nil {
			dest.contents.Entries[newName] = dstEntry
		} else {
			delete(dest.contents.Entries, newName)
		}
		d.contents.Entries[name] = srcEntry
	}
	if err := d.mount.overlay.SaveDir(srcDirPath, &d.contents); err != nil {
		undo()
		return false, ioError("rename", srcDirPath, err)
	}
	if dest != d {
		if err := d.mount.overlay.SaveDir(dstDirPath, &dest.contents); err != nil {
			undo()
			d.mount.restoreSnapshot(srcDirPath, &d.contents)
			return false, ioError("rename", dstDirPath, err)
		}
	}
	if err := d.mount.moveOverlay(srcEntry, dstEntry, dstChild, dstMaterialized, srcPath, dstPath); err != nil {
		undo()
		d.mount.restoreSnapshot(srcDirPath, &d.contents)
		if dest != d {
			d.mount.restoreSnapshot(dstDirPath, &dest.contents)
		}
		return false, err
	}

	replacedIno, replaced := d.mount.names.LookupNode(dest.ino, newName)
	movedIno, moved := d.mount.names.LookupNode(d.ino, name)
	d.mount.names.Rename(d.ino, name, dest.ino, newName)
	if moved {
		if n, ok := d.mount.Node(movedIno); ok {
			setParent(n, dest.ino)
		}
	}
	if dstChild != nil {
		dstChild.unlinked = true
	}
	if replaced {
		d.mount.dropNode(replacedIno)
	}

	d.mount.journal.AddDelta(srcPath, dstPath)
	d.mount.logger.Info("renamed", "from", srcPath, "to", dstPath, "materialized", srcEntry.Materialized)
	return false, nil
}

// moveOverlay applies the physical side of a rename: the overlay file or
// directory and, for directories, the snapshots below it. On failure the
// overlay is left as it was found.
func (m *Mount) moveOverlay(src, dst *model.Entry, dstChild *DirNode, dstMaterialized bool, srcPath, dstPath string) error {
	srcPhys, dstPhys := m.physicalPath(srcPath), m.physicalPath(dstPath)

	if !src.Materialized {
		// Nothing moves onto the destination path, so clear what was there.
		if dstMaterialized {
			if err := os.Remove(dstPhys); err != nil && !os.IsNotExist(err) {
				return ioError("rename", dstPath, err)
			}
		}
		if dst != nil && dst.IsDir() {
			if err := m.overlay.RemoveDir(dstPath); err != nil {
				m.logger.Warn("failed to remove snapshot", "path", dstPath, "error", err)
			}
		}
		return nil
	}

	if err := os.Rename(srcPhys, dstPhys); err != nil {
		return ioError("rename", srcPath, err)
	}
	if !src.IsDir() {
		return nil
	}
	if err := m.overlay.RenameDir(srcPath, dstPath); err != nil {
		if rbErr := m.overlay.RenameDir(dstPath, srcPath); rbErr != nil {
			m.logger.Error("failed to restore snapshots", "path", srcPath, "error", rbErr)
		}
		if rbErr := os.Rename(dstPhys, srcPhys); rbErr != nil {
			m.logger.Error("failed to restore directory", "path", srcPath, "error", rbErr)
		}
		if dstMaterialized && dstChild != nil {
			if rbErr := os.Mkdir(dstPhys, dstChild.perm()); rbErr != nil && !os.IsExist(rbErr) {
				m.logger.Error("failed to restore directory", "path", dstPath, "error", rbErr)
			}
			m.restoreSnapshot(dstPath, &dstChild.contents)
		}
		return ioError("rename", srcPath, err)
	}
	return nil
}

func setParent(n Node, parent uint64) {
	switch v := n.(type) {
	case *DirNode:
		v.parent.Store(parent)
	case *FileNode:
		v.parent.Store(parent)
	}
}

// lookupDir resolves name to a loaded directory node.
func (d *DirNode) lookupDir(ctx context.Context, op, name string) (*DirNode, error) {
	n, err := d.lookup(ctx, name)
	if err != nil {
		if KindOf(err) == NotFound {
			return nil, newError(NotFound, op, name)
		}
		return nil, err
	}
	child, ok := n.(*DirNode)
	if !ok {
		return nil, newError(NotADirectory, op, name)
	}
	return child, nil
}

func (d *DirNode) checkCreate(op, name string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.checkCreateLocked(op, name)
}

func (d *DirNode) checkCreateLocked(op, name string) error {
	if d.unlinked {
		return newError(NotFound, op, name)
	}
	e, ok := d.contents.Entries[name]
	if !ok {
		return nil
	}
	if op == "create" && e.IsDir() {
		return newError(IsADirectory, op, name)
	}
	return newError(AlreadyExists, op, name)
}

func checkUnlink(e *model.Entry, name string) error {
	if e == nil {
		return newError(NotFound, "unlink", name)
	}
	if e.IsDir() {
		return newError(IsADirectory, "unlink", name)
	}
	return nil
}

func checkRenameTarget(srcIsDir bool, dst *model.Entry, path string) error {
	if dst == nil {
		return nil
	}
	switch {
	case srcIsDir && !dst.IsDir():
		return newError(NotADirectory, "rename", path)
	case !srcIsDir && dst.IsDir():
		return newError(IsADirectory, "rename", path)
	}
	return nil
}
