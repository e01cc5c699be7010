package pipeline

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tarbsd/builder/pkg/errors"
)

// defaultEpoch stamps image contents when SOURCE_DATE_EPOCH is unset.
var defaultEpoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// BuildContext owns the mutable state of one build.
type BuildContext struct {
	// Dir is the project directory holding tarbsd.yml and the overlay.
	Dir     string
	Wrk     string
	Root    string
	Overlay string
	// VolumeID identifies the snapshot volume of Wrk.
	VolumeID string
	// Epoch caps every timestamp that ends up in the image, so identical
	// inputs give identical filesystems.
	Epoch time.Time

	bootPruned bool
	modules    map[string]bool
}

// NewBuildContext lays out the paths of a build in dir.
func NewBuildContext(dir, root, volumeID string) *BuildContext {
	wrk := filepath.Join(dir, "wrk")
	if root == "" {
		root = filepath.Join(wrk, "root")
	}
	return &BuildContext{
		Dir:      dir,
		Wrk:      wrk,
		Root:     root,
		Overlay:  filepath.Join(dir, "tarbsd"),
		VolumeID: volumeID,
		Epoch:    sourceDateEpoch(),
	}
}

// sourceDateEpoch reads SOURCE_DATE_EPOCH, falling back to defaultEpoch.
func sourceDateEpoch() time.Time {
	v := os.Getenv("SOURCE_DATE_EPOCH")
	if v == "" {
		return defaultEpoch
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil || secs < 0 {
		slog.Warn("source_date_epoch_invalid", "value", v)
		return defaultEpoch
	}
	return time.Unix(secs, 0).UTC()
}

// CacheDir returns a directory under wrk/cache.
func (b *BuildContext) CacheDir(name string) string {
	return filepath.Join(b.Wrk, "cache", name)
}

// RootPath joins rel onto the image root.
func (b *BuildContext) RootPath(rel ...string) string {
	return filepath.Join(append([]string{b.Root}, rel...)...)
}

// MarkBootPruned records that the kernel module set is final.
func (b *BuildContext) MarkBootPruned() {
	b.bootPruned = true
	b.modules = nil
}

// HasKernelModule reports whether a module named name (without .ko or a
// compression suffix) is present. It is only valid once boot is pruned;
// the module set is computed on first use.
func (b *BuildContext) HasKernelModule(name string) (bool, error) {
	if !b.bootPruned {
		return false, errors.New("kernel modules queried before boot was pruned")
	}
	if b.modules == nil {
		mods, err := scanModules(b.RootPath("boot", "kernel"), b.RootPath("boot", "modules"))
		if err != nil {
			return false, err
		}
		b.modules = mods
	}
	return b.modules[name], nil
}

func scanModules(dirs ...string) (map[string]bool, error) {
	mods := make(map[string]bool)
	for _, dir := range dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) && path == dir {
					return filepath.SkipDir
				}
				return err
			}
			if d.IsDir() {
				return nil
			}
			name := d.Name()
			if strings.HasSuffix(name, ".ko") || strings.Contains(name, ".ko.") {
				base, _, _ := strings.Cut(name, ".")
				mods[base] = true
			}
			return nil
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan kernel modules")
		}
	}
	return mods, nil
}
