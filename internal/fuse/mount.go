package fuse

import (
	"fmt"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// MountOptions controls how the filesystem is presented to the kernel.
type MountOptions struct {
	AllowOther  bool
	Debug       bool
	AttrTimeout time.Duration
}

// Mount serves root at mountpoint. The caller waits on and unmounts the
// returned server.
func Mount(mountpoint string, root *Node, opts MountOptions) (*fuse.Server, error) {
	timeout := opts.AttrTimeout
	if timeout <= 0 {
		timeout = DefaultAttrTimeout
	}
	server, err := fs.Mount(mountpoint, root, &fs.Options{
		MountOptions: fuse.MountOptions{
			Debug:      opts.Debug,
			FsName:     "treefs",
			Name:       "treefs",
			AllowOther: opts.AllowOther,
		},
		AttrTimeout:  &timeout,
		EntryTimeout: &timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mount %s: %w", mountpoint, err)
	}
	return server, nil
}
