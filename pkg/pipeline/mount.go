package pipeline

import (
	"context"
	"log/slog"
	"os"

	"github.com/tarbsd/builder/pkg/command"
	"github.com/tarbsd/builder/pkg/errors"
)

// Mounter makes a host directory visible inside the image root.
type Mounter interface {
	Mount(ctx context.Context, src, dst string) error
	Unmount(ctx context.Context, dst string) error
}

// NullfsMounter uses mount_nullfs(8), the FreeBSD way.
type NullfsMounter struct {
	runner command.Runner
}

// NewNullfsMounter creates a NullfsMounter.
func NewNullfsMounter(runner command.Runner) *NullfsMounter {
	return &NullfsMounter{runner: runner}
}

func (m *NullfsMounter) Mount(ctx context.Context, src, dst string) error {
	_, err := m.runner.Run(ctx, command.Cmd{Name: "mount_nullfs", Args: []string{"-o", "rw", src, dst}})
	return errors.Wrap(err, "failed to mount "+src)
}

func (m *NullfsMounter) Unmount(ctx context.Context, dst string) error {
	_, err := m.runner.Run(ctx, command.Cmd{Name: "umount", Args: []string{"-f", dst}})
	return errors.Wrap(err, "failed to unmount "+dst)
}

// withMount runs fn with src mounted on dst and always releases the mount,
// also when ctx is cancelled.
func withMount(ctx context.Context, m Mounter, src, dst string, fn func() error) (err error) {
	for _, dir := range []string{src, dst} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, "failed to create mount point")
		}
	}
	if err := m.Mount(ctx, src, dst); err != nil {
		return err
	}
	slog.Debug("mounted", "src", src, "dst", dst)

	defer func() {
		uerr := m.Unmount(context.WithoutCancel(ctx), dst)
		if uerr != nil {
			slog.Error("unmount_failed", "dst", dst, "error", uerr)
		}
		if err == nil {
			err = uerr
		}
	}()
	return fn()
}
