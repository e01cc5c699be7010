//go:build linux

package pipeline

import (
	"context"

	"github.com/tarbsd/builder/pkg/command"
	"github.com/tarbsd/builder/pkg/errors"
	"golang.org/x/sys/unix"
)

// BindMounter bind mounts with mount(2).
type BindMounter struct{}

func (BindMounter) Mount(_ context.Context, src, dst string) error {
	if err := unix.Mount(src, dst, "", unix.MS_BIND, ""); err != nil {
		return errors.Wrap(err, "failed to bind mount "+src)
	}
	return nil
}

func (BindMounter) Unmount(_ context.Context, dst string) error {
	if err := unix.Unmount(dst, unix.MNT_FORCE); err != nil {
		return errors.Wrap(err, "failed to unmount "+dst)
	}
	return nil
}

// DefaultMounter returns the mounter native to the host.
func DefaultMounter(command.Runner) Mounter {
	return BindMounter{}
}
