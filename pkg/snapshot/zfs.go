package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/tarbsd/builder/pkg/command"
	"github.com/tarbsd/builder/pkg/errors"
)

const zfsTimeout = 5 * time.Minute

// ZFSStore keeps the working filesystem on a zpool backed by a swap-backed
// memory disk. The pool is mounted at wrk and the build root is the
// <id>/root dataset.
type ZFSStore struct {
	id     string
	wrk    string
	sizeGB int
	runner command.Runner
}

// NewZFSStore creates a ZFS store for wrk.
func NewZFSStore(wrk string, sizeGB int, runner command.Runner) *ZFSStore {
	return &ZFSStore{
		id:     VolumeID(wrk),
		wrk:    wrk,
		sizeGB: sizeGB,
		runner: runner,
	}
}

func (s *ZFSStore) ID() string      { return s.id }
func (s *ZFSStore) Root() string    { return filepath.Join(s.wrk, "root") }
func (s *ZFSStore) dataset() string { return s.id + "/root" }

func (s *ZFSStore) run(ctx context.Context, name string, args ...string) (*command.Result, error) {
	return s.runner.Run(ctx, command.Cmd{Name: name, Args: args, Timeout: zfsTimeout})
}

// notFound reports whether a zfs/zpool failure means the object is absent.
func notFound(res *command.Result, err error) bool {
	var cmdErr *errors.ExternalCommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	out := res.Combined() + cmdErr.Output
	return strings.Contains(out, "does not exist") || strings.Contains(out, "no such pool")
}

func (s *ZFSStore) volumeExists(ctx context.Context) (bool, error) {
	res, err := s.run(ctx, "zfs", "list", "-H", "-o", "name", s.id)
	if err == nil {
		return true, nil
	}
	if notFound(res, err) {
		return false, nil
	}
	return false, errors.Wrap(err, "failed to query zfs volume")
}

func (s *ZFSStore) Ensure(ctx context.Context) (bool, error) {
	exists, err := s.volumeExists(ctx)
	if err != nil {
		return false, err
	}
	if exists {
		slog.Debug("volume_exists", "volume", s.id, "backend", BackendZFS)
		return false, nil
	}

	slog.Info("volume_create_start", "volume", s.id, "size_gb", s.sizeGB, "backend", BackendZFS)

	res, err := s.run(ctx, "mdconfig", "-a", "-t", "swap", "-s", fmt.Sprintf("%dg", s.sizeGB))
	if err != nil {
		return false, errors.Wrap(err, "failed to create memory disk")
	}
	md := strings.TrimSpace(res.Stdout)
	if md == "" {
		return false, fmt.Errorf("mdconfig returned no device name")
	}

	steps := [][]string{
		{"zpool", "create", "-o", "ashift=12", "-O", "tarbsd:md=" + md, "-m", s.wrk, s.id, "/dev/" + md},
		{"zfs", "create", "-o", "compression=lz4", "-o", "recordsize=4m", s.dataset()},
		{"zfs", "snapshot", "-r", s.dataset() + "@" + Empty},
	}
	for i, step := range steps {
		if _, err := s.run(ctx, step[0], step[1:]...); err != nil {
			slog.Error("volume_create_failed", "volume", s.id, "step", step[0], "error", err)
			if i > 0 {
				s.run(context.WithoutCancel(ctx), "zpool", "destroy", "-f", s.id)
			}
			s.run(context.WithoutCancel(ctx), "mdconfig", "-d", "-u", md)
			return false, errors.Wrap(err, "failed to create zfs volume")
		}
	}

	slog.Info("volume_created", "volume", s.id, "device", md, "mountpoint", s.wrk)
	return true, nil
}

func (s *ZFSStore) Exists(ctx context.Context, name string) (bool, error) {
	res, err := s.run(ctx, "zfs", "list", "-H", "-t", "snapshot", "-o", "name", s.dataset()+"@"+name)
	if err == nil {
		return true, nil
	}
	if notFound(res, err) {
		return false, nil
	}
	return false, errors.Wrap(err, "failed to query snapshot")
}

func (s *ZFSStore) Snapshot(ctx context.Context, name string) error {
	if err := s.Invalidate(ctx, name); err != nil {
		return err
	}
	if _, err := s.run(ctx, "zfs", "snapshot", "-r", s.dataset()+"@"+name); err != nil {
		return errors.Wrap(err, "failed to create snapshot "+name)
	}
	slog.Info("snapshot_created", "volume", s.id, "snapshot", name)
	return nil
}

func (s *ZFSStore) Rollback(ctx context.Context, name string) error {
	ok, err := s.Exists(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return missing(name)
	}
	if _, err := s.run(ctx, "zfs", "rollback", "-r", s.dataset()+"@"+name); err != nil {
		return errors.Wrap(err, "failed to roll back to "+name)
	}
	slog.Info("snapshot_rollback", "volume", s.id, "snapshot", name)
	return nil
}

func (s *ZFSStore) Invalidate(ctx context.Context, name string) error {
	ok, err := s.Exists(ctx, name)
	if err != nil || !ok {
		return err
	}
	if _, err := s.run(ctx, "zfs", "destroy", "-r", s.dataset()+"@"+name); err != nil {
		return errors.Wrap(err, "failed to destroy snapshot "+name)
	}
	slog.Info("snapshot_invalidated", "volume", s.id, "snapshot", name)
	return nil
}

func (s *ZFSStore) Destroy(ctx context.Context) error {
	res, err := s.run(ctx, "zfs", "get", "-H", "-o", "value", "tarbsd:md", s.id)
	if err != nil {
		if notFound(res, err) {
			return errors.Preconditionf("volume %s does not exist", s.id)
		}
		return errors.Wrap(err, "failed to read volume properties")
	}
	md := strings.TrimSpace(res.Stdout)

	if _, err := s.run(ctx, "zpool", "destroy", "-f", s.id); err != nil {
		return errors.Wrap(err, "failed to destroy pool")
	}
	if md != "" && md != "-" {
		if _, err := s.run(ctx, "mdconfig", "-d", "-u", md); err != nil {
			return errors.Wrap(err, "failed to release memory disk")
		}
	}

	slog.Info("volume_destroyed", "volume", s.id, "device", md)
	return nil
}

func (s *ZFSStore) Volumes(ctx context.Context) ([]Volume, error) {
	res, err := s.runner.Run(ctx, command.Cmd{
		Name:       "zfs",
		Args:       []string{"list", "-Hp", "-d", "0", "-o", "name,tarbsd:md,mountpoint"},
		Timeout:    zfsTimeout,
		KeepStdout: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pools")
	}
	return parseZFSVolumes(res.Stdout), nil
}

func parseZFSVolumes(out string) []Volume {
	var volumes []Volume
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(strings.TrimSpace(line), "\t")
		if len(fields) != 3 || !strings.HasPrefix(fields[0], "tarbsd_") {
			continue
		}
		volumes = append(volumes, Volume{ID: fields[0], Device: fields[1], Mountpoint: fields[2]})
	}
	return volumes
}
