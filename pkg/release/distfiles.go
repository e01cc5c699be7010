package release

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/tarbsd/builder/pkg/errors"
	"github.com/tarbsd/builder/pkg/hasher"
)

// DefaultSearchRoots are the mount points searched for distribution files
// when none are given explicitly.
var DefaultSearchRoots = []string{"/mnt", "/media", "/cdrom"}

// Distribution file names, in extraction order.
const (
	KernelArchive = "kernel.txz"
	BaseArchive   = "base.txz"
)

// DistFiles is a directory holding kernel.txz and base.txz.
type DistFiles struct {
	Dir string
}

// Kernel returns the kernel archive path.
func (d DistFiles) Kernel() string { return filepath.Join(d.Dir, KernelArchive) }

// Base returns the base archive path.
func (d DistFiles) Base() string { return filepath.Join(d.Dir, BaseArchive) }

// Archives returns both archives in extraction order.
func (d DistFiles) Archives() []string { return []string{d.Kernel(), d.Base()} }

// Digest hashes the contents of both archives.
func (d DistFiles) Digest() (hasher.Digest, error) {
	h := hasher.New()
	for _, a := range d.Archives() {
		if err := h.File(a); err != nil {
			return hasher.Digest{}, errors.Wrap(err, "failed to hash distribution files")
		}
	}
	return h.Sum(), nil
}

// findDistFiles checks dir and dir/usr/freebsd-dist.
func findDistFiles(dir string) (DistFiles, bool) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return DistFiles{}, false
	}
	for _, candidate := range []string{abs, filepath.Join(abs, "usr", "freebsd-dist")} {
		d := DistFiles{Dir: candidate}
		if isFile(d.Base()) && isFile(d.Kernel()) {
			return d, true
		}
	}
	return DistFiles{}, false
}

// LocateDistFiles finds the distribution files. An explicit location must
// contain them; otherwise roots are searched in order.
func LocateDistFiles(explicit string, roots []string) (DistFiles, error) {
	if explicit != "" {
		if d, ok := findDistFiles(explicit); ok {
			return d, nil
		}
		return DistFiles{}, errors.Preconditionf("cannot find %s and %s from %s", KernelArchive, BaseArchive, explicit)
	}

	for _, root := range roots {
		if d, ok := findDistFiles(root); ok {
			return d, nil
		}
	}
	return DistFiles{}, errors.Preconditionf(
		"cannot find %s and %s from %s, please provide their location with --distfiles",
		KernelArchive, BaseArchive, strings.Join(roots, ", "))
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
