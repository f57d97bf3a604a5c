package fuse

import (
	"context"
	"log/slog"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/radryc/treefs/internal/inode"
)

// fileHandle wraps an inode.FileHandle for FUSE.
type fileHandle struct {
	h      *inode.FileHandle
	logger *slog.Logger
}

// Ensure fileHandle implements required interfaces
var (
	_ fs.FileReader   = (*fileHandle)(nil)
	_ fs.FileWriter   = (*fileHandle)(nil)
	_ fs.FileFlusher  = (*fileHandle)(nil)
	_ fs.FileFsyncer  = (*fileHandle)(nil)
	_ fs.FileReleaser = (*fileHandle)(nil)
)

func newFileHandle(h *inode.FileHandle, logger *slog.Logger) *fileHandle {
	return &fileHandle{h: h, logger: logger}
}

// Read implements fs.FileReader
func (fh *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	fh.logger.Debug("handle read", "offset", off, "len", len(dest))

	n, err := fh.h.ReadAt(ctx, dest, off)
	if err != nil {
		fh.logger.Error("handle read failed", "error", err)
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

// Write implements fs.FileWriter
func (fh *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	fh.logger.Debug("handle write", "offset", off, "len", len(data))

	n, err := fh.h.WriteAt(data, off)
	if err != nil {
		fh.logger.Error("handle write failed", "error", err)
		return uint32(n), toErrno(err)
	}
	return uint32(n), 0
}

// Flush implements fs.FileFlusher
func (fh *fileHandle) Flush(ctx context.Context) syscall.Errno {
	if err := fh.h.Sync(); err != nil {
		fh.logger.Error("handle flush failed", "error", err)
		return syscall.EIO
	}
	return 0
}

// Fsync implements fs.FileFsyncer
func (fh *fileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return fh.Flush(ctx)
}

// Release implements fs.FileReleaser
func (fh *fileHandle) Release(ctx context.Context) syscall.Errno {
	if err := fh.h.Close(); err != nil {
		fh.logger.Warn("handle release failed", "error", err)
	}
	return 0
}
