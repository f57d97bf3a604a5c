package fuse

import (
	"errors"
	"syscall"

	"github.com/radryc/treefs/internal/inode"
)

var kindErrno = map[inode.Kind]syscall.Errno{
	inode.NotFound:        syscall.ENOENT,
	inode.AlreadyExists:   syscall.EEXIST,
	inode.IsADirectory:    syscall.EISDIR,
	inode.NotADirectory:   syscall.ENOTDIR,
	inode.NotEmpty:        syscall.ENOTEMPTY,
	inode.CrossDevice:     syscall.EXDEV,
	inode.Inconsistent:    syscall.EIO,
	inode.Unimplemented:   syscall.ENOSYS,
	inode.InvalidArgument: syscall.EINVAL,
}

// toErrno maps an inode error to an errno. Physical failures keep the
// errno reported by the operating system.
func toErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	kind := inode.KindOf(err)
	if kind == inode.IO {
		var errno syscall.Errno
		if errors.As(err, &errno) {
			return errno
		}
		return syscall.EIO
	}
	if errno, ok := kindErrno[kind]; ok {
		return errno
	}
	return syscall.EIO
}
