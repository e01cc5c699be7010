package snapshot

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/tarbsd/builder/pkg/archive"
	"github.com/tarbsd/builder/pkg/errors"
	"github.com/tarbsd/builder/pkg/security"
)

// DirStore emulates snapshots on a plain directory: every snapshot is an
// lz4 compressed tar of the root kept under wrk/.snapshots. Rollbacks cost
// a full extraction, so it is meant for hosts without ZFS or devicemapper.
type DirStore struct {
	id  string
	wrk string
}

// NewDirStore creates a directory store for wrk.
func NewDirStore(wrk string) *DirStore {
	return &DirStore{id: VolumeID(wrk), wrk: wrk}
}

func (s *DirStore) ID() string   { return s.id }
func (s *DirStore) Root() string { return filepath.Join(s.wrk, "root") }

func (s *DirStore) dir() string { return filepath.Join(s.wrk, ".snapshots") }

func (s *DirStore) path(name string) string {
	return filepath.Join(s.dir(), name+".tar.lz4")
}

func (s *DirStore) orderFile() string { return filepath.Join(s.dir(), "order") }

// order returns snapshot names, oldest first.
func (s *DirStore) order() ([]string, error) {
	f, err := os.Open(s.orderFile())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read snapshot order")
	}
	defer f.Close()

	var names []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			names = append(names, line)
		}
	}
	return names, errors.Wrap(sc.Err(), "failed to read snapshot order")
}

func (s *DirStore) writeOrder(names []string) error {
	tmp := s.orderFile() + ".tmp"
	data := strings.Join(names, "\n")
	if data != "" {
		data += "\n"
	}
	if err := os.WriteFile(tmp, []byte(data), 0644); err != nil {
		return errors.Wrap(err, "failed to write snapshot order")
	}
	return errors.Wrap(os.Rename(tmp, s.orderFile()), "failed to write snapshot order")
}

func (s *DirStore) Ensure(ctx context.Context) (bool, error) {
	if ok, err := s.Exists(ctx, Empty); err != nil || ok {
		return false, err
	}
	for _, d := range []string{s.Root(), s.dir()} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return false, errors.Wrap(err, "failed to create volume directory")
		}
	}
	if err := s.Snapshot(ctx, Empty); err != nil {
		return false, err
	}
	slog.Info("volume_created", "volume", s.id, "backend", BackendDir, "mountpoint", s.Root())
	return true, nil
}

func (s *DirStore) Exists(_ context.Context, name string) (bool, error) {
	_, err := os.Stat(s.path(name))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to stat snapshot")
	}
	return true, nil
}

func (s *DirStore) Snapshot(ctx context.Context, name string) error {
	if err := os.MkdirAll(s.dir(), 0755); err != nil {
		return errors.Wrap(err, "failed to create snapshot directory")
	}
	if err := archive.Create(ctx, s.path(name), s.Root(), nil); err != nil {
		return errors.Wrap(err, "failed to create snapshot "+name)
	}

	names, err := s.order()
	if err != nil {
		return err
	}
	names = slices.DeleteFunc(names, func(n string) bool { return n == name })
	if err := s.writeOrder(append(names, name)); err != nil {
		return err
	}

	slog.Info("snapshot_created", "volume", s.id, "snapshot", name)
	return nil
}

func (s *DirStore) Rollback(ctx context.Context, name string) error {
	ok, err := s.Exists(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return missing(name)
	}

	names, err := s.order()
	if err != nil {
		return err
	}
	if i := slices.Index(names, name); i >= 0 {
		for _, later := range names[i+1:] {
			if err := s.Invalidate(ctx, later); err != nil {
				return err
			}
		}
	}

	if err := clearDir(s.Root()); err != nil {
		return errors.Wrap(err, "failed to clear root")
	}
	err = archive.Extract(ctx, s.path(name), s.Root(), security.Unlimited(), archive.ExtractOptions{PreserveOwner: true})
	if err != nil {
		return errors.Wrap(err, "failed to restore snapshot "+name)
	}

	slog.Info("snapshot_rollback", "volume", s.id, "snapshot", name)
	return nil
}

func (s *DirStore) Invalidate(_ context.Context, name string) error {
	err := os.Remove(s.path(name))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to remove snapshot "+name)
	}

	names, err := s.order()
	if err != nil {
		return err
	}
	if err := s.writeOrder(slices.DeleteFunc(names, func(n string) bool { return n == name })); err != nil {
		return err
	}

	slog.Info("snapshot_invalidated", "volume", s.id, "snapshot", name)
	return nil
}

func (s *DirStore) Destroy(_ context.Context) error {
	if _, err := os.Stat(s.dir()); os.IsNotExist(err) {
		return errors.Preconditionf("volume %s does not exist", s.id)
	}
	for _, d := range []string{s.Root(), s.dir()} {
		if err := os.RemoveAll(d); err != nil {
			return errors.Wrap(err, "failed to remove "+d)
		}
	}
	slog.Info("volume_destroyed", "volume", s.id, "backend", BackendDir)
	return nil
}

func (s *DirStore) Volumes(ctx context.Context) ([]Volume, error) {
	ok, err := s.Exists(ctx, Empty)
	if err != nil || !ok {
		return nil, err
	}
	return []Volume{{ID: s.id, Mountpoint: s.Root()}}, nil
}

// clearDir removes the contents of dir but keeps dir itself.
func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
