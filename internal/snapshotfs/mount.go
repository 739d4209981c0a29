package snapshotfs

import (
	"context"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/xerrors"
)

// Mount mounts fs at mountpoint, read-only and with "allow other users" set,
// per the adapter's mount surface. The returned join function blocks until
// the filesystem is unmounted and must be invoked to keep the process alive
// for the mount's lifetime.
func Mount(mountpoint string, fs *FS) (join func(context.Context) error, err error) {
	server := fuseutil.NewFileSystemServer(fs)

	mfs, err := fuse.Mount(mountpoint, server, &fuse.MountConfig{
		FSName:   "snapshot-fuse",
		ReadOnly: true,
		Options: map[string]string{
			"allow_other": "",
		},
		// Opt into returning -ENOSYS on OpenFile/OpenDir, matching our
		// implementations of those two methods.
		EnableNoOpenSupport:    true,
		EnableNoOpendirSupport: true,
	})
	if err != nil {
		return nil, xerrors.Errorf("fuse.Mount: %w", err)
	}

	return mfs.Join, nil
}
