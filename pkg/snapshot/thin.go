package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/tarbsd/builder/pkg/command"
	"github.com/tarbsd/builder/pkg/db"
	"github.com/tarbsd/builder/pkg/errors"
)

const (
	sectorSize = 512

	// activeDevice is the thin device currently mounted at the root.
	activeDevice = "@active"
)

// ThinStore keeps the working filesystem on a devicemapper thin volume.
// The thin pool must already exist. Snapshots are thin snapshots of the
// active device and stay inactive until a rollback clones one of them
// into a new active device.
type ThinStore struct {
	id     string
	wrk    string
	pool   string
	sizeGB int
	runner command.Runner
	repo   *db.Repository
}

// NewThinStore creates a devicemapper thin store for wrk on pool.
func NewThinStore(wrk, pool string, sizeGB int, runner command.Runner, repo *db.Repository) *ThinStore {
	return &ThinStore{
		id:     VolumeID(wrk),
		wrk:    wrk,
		pool:   pool,
		sizeGB: sizeGB,
		runner: runner,
		repo:   repo,
	}
}

func (s *ThinStore) ID() string   { return s.id }
func (s *ThinStore) Root() string { return filepath.Join(s.wrk, "root") }

func (s *ThinStore) poolPath() string   { return filepath.Join("/dev/mapper", s.pool) }
func (s *ThinStore) devicePath() string { return filepath.Join("/dev/mapper", s.id) }

func (s *ThinStore) sectors() int64 {
	return int64(s.sizeGB) * 1024 * 1024 * 1024 / sectorSize
}

func (s *ThinStore) run(ctx context.Context, name string, args ...string) error {
	_, err := s.runner.Run(ctx, command.Cmd{Name: name, Args: args, Timeout: zfsTimeout})
	return err
}

func (s *ThinStore) message(ctx context.Context, msg string) error {
	return s.run(ctx, "dmsetup", "message", s.poolPath(), "0", msg)
}

// activate maps thin device id as the active device and mounts it.
func (s *ThinStore) activate(ctx context.Context, id int) error {
	table := fmt.Sprintf("0 %d thin %s %d", s.sectors(), s.poolPath(), id)
	if err := s.run(ctx, "dmsetup", "create", s.id, "--table", table); err != nil {
		return errors.Wrap(err, "failed to activate thin device")
	}
	if err := os.MkdirAll(s.Root(), 0755); err != nil {
		return errors.Wrap(err, "failed to create mount point")
	}
	if err := s.run(ctx, "mount", s.devicePath(), s.Root()); err != nil {
		return errors.Wrap(err, "failed to mount thin device")
	}
	return nil
}

// deactivate unmounts and unmaps the active device.
func (s *ThinStore) deactivate(ctx context.Context) error {
	if err := s.run(ctx, "umount", s.Root()); err != nil {
		return errors.Wrap(err, "failed to unmount thin device")
	}
	if err := s.run(ctx, "dmsetup", "remove", s.id); err != nil {
		return errors.Wrap(err, "failed to remove thin device")
	}
	return nil
}

func (s *ThinStore) Ensure(ctx context.Context) (bool, error) {
	if _, ok, err := s.repo.ThinDevice(ctx, s.id, activeDevice); err != nil || ok {
		return false, err
	}

	if err := s.run(ctx, "dmsetup", "info", s.pool); err != nil {
		slog.Error("thinpool_not_found", "pool", s.pool)
		return false, errors.Preconditionf("thin pool %s not found, create it with dmsetup first", s.pool)
	}

	slog.Info("volume_create_start", "volume", s.id, "size_gb", s.sizeGB, "backend", BackendThin)

	id, err := s.repo.AllocateNextDeviceID(ctx)
	if err != nil {
		return false, errors.Wrap(err, "failed to allocate thin device id")
	}
	// ids are never reused, but a crashed run may have left metadata behind
	s.message(ctx, fmt.Sprintf("delete %d", id))

	if err := s.message(ctx, fmt.Sprintf("create_thin %d", id)); err != nil {
		return false, errors.Wrap(err, "failed to create thin device metadata")
	}
	table := fmt.Sprintf("0 %d thin %s %d", s.sectors(), s.poolPath(), id)
	if err := s.run(ctx, "dmsetup", "create", s.id, "--table", table); err != nil {
		return false, errors.Wrap(err, "failed to activate thin device")
	}
	if err := s.run(ctx, "mkfs.ext4", "-q", "-F", s.devicePath()); err != nil {
		return false, errors.Wrap(err, "failed to format thin device")
	}
	if err := os.MkdirAll(s.Root(), 0755); err != nil {
		return false, errors.Wrap(err, "failed to create mount point")
	}
	if err := s.run(ctx, "mount", s.devicePath(), s.Root()); err != nil {
		return false, errors.Wrap(err, "failed to mount thin device")
	}
	if err := s.repo.SetThinDevice(ctx, s.id, activeDevice, id); err != nil {
		return false, err
	}
	if err := s.Snapshot(ctx, Empty); err != nil {
		return false, err
	}

	slog.Info("volume_created", "volume", s.id, "device", s.devicePath(), "mountpoint", s.Root())
	return true, nil
}

func (s *ThinStore) Exists(ctx context.Context, name string) (bool, error) {
	_, ok, err := s.repo.ThinDevice(ctx, s.id, name)
	return ok, err
}

func (s *ThinStore) Snapshot(ctx context.Context, name string) error {
	active, ok, err := s.repo.ThinDevice(ctx, s.id, activeDevice)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Preconditionf("volume %s is not initialized", s.id)
	}
	if err := s.Invalidate(ctx, name); err != nil {
		return err
	}

	id, err := s.repo.AllocateNextDeviceID(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to allocate snapshot id")
	}

	if err := s.run(ctx, "sync"); err != nil {
		return errors.Wrap(err, "failed to sync")
	}
	if err := s.run(ctx, "dmsetup", "suspend", s.id); err != nil {
		return errors.Wrap(err, "failed to suspend thin device")
	}
	snapErr := s.message(ctx, fmt.Sprintf("create_snap %d %d", id, active))
	if err := s.run(context.WithoutCancel(ctx), "dmsetup", "resume", s.id); err != nil {
		return errors.Wrap(err, "failed to resume thin device")
	}
	if snapErr != nil {
		return errors.Wrap(snapErr, "failed to create thin snapshot "+name)
	}

	if err := s.repo.SetThinDevice(ctx, s.id, name, id); err != nil {
		return err
	}
	slog.Info("snapshot_created", "volume", s.id, "snapshot", name, "device_id", id)
	return nil
}

func (s *ThinStore) Rollback(ctx context.Context, name string) error {
	snapID, ok, err := s.repo.ThinDevice(ctx, s.id, name)
	if err != nil {
		return err
	}
	if !ok {
		return missing(name)
	}
	active, _, err := s.repo.ThinDevice(ctx, s.id, activeDevice)
	if err != nil {
		return err
	}

	devices, err := s.repo.ThinDevices(ctx, s.id)
	if err != nil {
		return err
	}
	for _, d := range devices {
		if d.Name != activeDevice && d.DeviceID > snapID {
			if err := s.Invalidate(ctx, d.Name); err != nil {
				return err
			}
		}
	}

	if err := s.deactivate(ctx); err != nil {
		return err
	}
	if err := s.message(ctx, fmt.Sprintf("delete %d", active)); err != nil {
		return errors.Wrap(err, "failed to delete active thin device")
	}

	newID, err := s.repo.AllocateNextDeviceID(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to allocate thin device id")
	}
	if err := s.message(ctx, fmt.Sprintf("create_snap %d %d", newID, snapID)); err != nil {
		return errors.Wrap(err, "failed to clone snapshot "+name)
	}
	if err := s.repo.SetThinDevice(ctx, s.id, activeDevice, newID); err != nil {
		return err
	}
	if err := s.activate(ctx, newID); err != nil {
		return err
	}

	slog.Info("snapshot_rollback", "volume", s.id, "snapshot", name, "device_id", newID)
	return nil
}

func (s *ThinStore) Invalidate(ctx context.Context, name string) error {
	id, ok, err := s.repo.ThinDevice(ctx, s.id, name)
	if err != nil || !ok {
		return err
	}
	if err := s.message(ctx, fmt.Sprintf("delete %d", id)); err != nil {
		return errors.Wrap(err, "failed to delete thin snapshot "+name)
	}
	if err := s.repo.DeleteThinDevice(ctx, s.id, name); err != nil {
		return err
	}
	slog.Info("snapshot_invalidated", "volume", s.id, "snapshot", name, "device_id", id)
	return nil
}

func (s *ThinStore) Destroy(ctx context.Context) error {
	devices, err := s.repo.ThinDevices(ctx, s.id)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return errors.Preconditionf("volume %s does not exist", s.id)
	}

	if err := s.deactivate(ctx); err != nil {
		slog.Warn("thin_deactivate_failed", "volume", s.id, "error", err)
	}

	ids := make([]int, 0, len(devices))
	for _, d := range devices {
		ids = append(ids, d.DeviceID)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(ids)))
	for _, id := range ids {
		if err := s.message(ctx, "delete "+strconv.Itoa(id)); err != nil {
			return errors.Wrap(err, "failed to delete thin device")
		}
	}

	if err := s.repo.DeleteVolume(ctx, s.id); err != nil {
		return err
	}
	slog.Info("volume_destroyed", "volume", s.id, "backend", BackendThin)
	return nil
}

func (s *ThinStore) Volumes(ctx context.Context) ([]Volume, error) {
	names, err := s.repo.ThinVolumes(ctx)
	if err != nil {
		return nil, err
	}
	volumes := make([]Volume, 0, len(names))
	for _, n := range names {
		v := Volume{ID: n, Device: filepath.Join("/dev/mapper", n)}
		if n == s.id {
			v.Mountpoint = s.Root()
		}
		volumes = append(volumes, v)
	}
	return volumes, nil
}
