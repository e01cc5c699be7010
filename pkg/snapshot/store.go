// Package snapshot manages the copy-on-write working filesystem a build
// runs in and its named checkpoints.
package snapshot

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/tarbsd/builder/pkg/command"
	"github.com/tarbsd/builder/pkg/db"
	"github.com/tarbsd/builder/pkg/errors"
	"github.com/tarbsd/builder/pkg/hasher"
)

// Snapshot names. They are part of the on-disk layout: a new stage picks a
// new name, never one of these.
const (
	Empty         = "empty"
	Installed     = "installed"
	PkgsInstalled = "pkgsInstalled"
)

// Backend names accepted by New.
const (
	BackendZFS  = "zfs"
	BackendThin = "thin"
	BackendDir  = "dir"
)

// DefaultSizeGB is the volume size used when a build creates the volume.
const DefaultSizeGB = 10

// Store is a copy-on-write volume mounted at <wrk>/root.
//
// Rollback restores the named checkpoint and discards every checkpoint
// taken after it, so a rebuilt stage never sits below a stale later one.
type Store interface {
	// ID is the volume identifier derived from the working directory.
	ID() string
	// Root is where the volume is mounted.
	Root() string
	// Ensure creates and mounts the volume with an initial Empty snapshot
	// unless it already exists.
	Ensure(ctx context.Context) (created bool, err error)
	Exists(ctx context.Context, name string) (bool, error)
	// Snapshot records the current state under name, replacing an older
	// snapshot of the same name.
	Snapshot(ctx context.Context, name string) error
	// Rollback fails with CacheIntegrityError when name does not exist.
	Rollback(ctx context.Context, name string) error
	// Invalidate removes a stale snapshot. Missing snapshots are ignored.
	Invalidate(ctx context.Context, name string) error
	// Destroy releases the volume and its backing device.
	Destroy(ctx context.Context) error
	// Volumes lists the volumes this backend knows about on the host.
	Volumes(ctx context.Context) ([]Volume, error)
}

// Volume describes a volume found on the host.
type Volume struct {
	ID         string
	Device     string
	Mountpoint string
}

// VolumeID derives the stable volume identifier of a working directory.
func VolumeID(wrk string) string {
	if abs, err := filepath.Abs(wrk); err == nil {
		wrk = abs
	}
	return "tarbsd_" + hasher.New().String(wrk).Sum().String()[:8]
}

// Options configure New.
type Options struct {
	Backend string
	SizeGB  int
	Runner  command.Runner

	// Thin backend only.
	ThinPool string
	Repo     *db.Repository
}

// New opens the store of the working directory wrk.
func New(wrk string, opts Options) (Store, error) {
	if opts.SizeGB <= 0 {
		opts.SizeGB = DefaultSizeGB
	}
	if opts.Runner == nil {
		opts.Runner = command.NewExecRunner()
	}

	switch opts.Backend {
	case BackendZFS, "":
		return NewZFSStore(wrk, opts.SizeGB, opts.Runner), nil
	case BackendThin:
		if opts.ThinPool == "" {
			return nil, errors.Configf("thin-pool", "", "required by the thin snapshot backend")
		}
		if opts.Repo == nil {
			return nil, fmt.Errorf("thin snapshot backend needs the state database")
		}
		return NewThinStore(wrk, opts.ThinPool, opts.SizeGB, opts.Runner, opts.Repo), nil
	case BackendDir:
		return NewDirStore(wrk), nil
	default:
		return nil, errors.Configf("snapshot-backend", opts.Backend, "must be one of zfs, thin, dir")
	}
}

func missing(name string) error {
	return &errors.CacheIntegrityError{Snapshot: name, Reason: "snapshot does not exist"}
}
