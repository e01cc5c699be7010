// Package archive reads and writes the tar archives the builder deals with:
// distribution sets, snapshot images, backups and the usr tarball.
package archive

import (
	"archive/tar"
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/tarbsd/builder/pkg/errors"
	"github.com/tarbsd/builder/pkg/security"
	"github.com/ulikunitz/xz"
)

// ExtractOptions tune one extraction.
type ExtractOptions struct {
	// OnEntry is called after every extracted entry.
	OnEntry func(name string)
	// PreserveOwner applies the archive's uid/gid. Only effective as root.
	PreserveOwner bool
}

// Extract unpacks the archive at path into dest. The compression is chosen
// from the file extension.
func Extract(ctx context.Context, path, dest string, validator *security.Validator, opts ExtractOptions) error {
	validator.Reset()

	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "failed to open archive")
	}
	defer f.Close()

	r, closeFn, err := decompressor(path, bufio.NewReaderSize(f, 1<<20))
	if err != nil {
		return err
	}
	defer closeFn()

	slog.Info("extract_start", "archive", filepath.Base(path), "dest", dest)
	if err := untar(ctx, tar.NewReader(r), dest, validator, opts); err != nil {
		return errors.Wrap(err, "failed to extract "+filepath.Base(path))
	}

	fi, err := f.Stat()
	if err != nil {
		return errors.Wrap(err, "failed to stat archive")
	}
	if err := validator.ValidateCompressionRatio(fi.Size(), validator.TotalSize()); err != nil {
		return err
	}

	slog.Info("extract_complete", "archive", filepath.Base(path), "size_mb", validator.TotalSize()/1024/1024)
	return nil
}

func decompressor(path string, r io.Reader) (io.Reader, func(), error) {
	noop := func() {}
	switch {
	case strings.HasSuffix(path, ".txz"), strings.HasSuffix(path, ".tar.xz"):
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, noop, errors.Wrap(err, "failed to open xz stream")
		}
		return xr, noop, nil
	case strings.HasSuffix(path, ".tzst"), strings.HasSuffix(path, ".tar.zst"):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, noop, errors.Wrap(err, "failed to open zstd stream")
		}
		return zr, zr.Close, nil
	case strings.HasSuffix(path, ".tgz"), strings.HasSuffix(path, ".tar.gz"):
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, noop, errors.Wrap(err, "failed to open gzip stream")
		}
		return gr, func() { gr.Close() }, nil
	case strings.HasSuffix(path, ".tar.lz4"):
		return lz4.NewReader(r), noop, nil
	case strings.HasSuffix(path, ".tar"):
		return r, noop, nil
	default:
		return nil, noop, fmt.Errorf("unsupported archive type: %s", filepath.Base(path))
	}
}

type dirTime struct {
	path  string
	mode  os.FileMode
	mtime time.Time
}

func untar(ctx context.Context, tr *tar.Reader, dest string, validator *security.Validator, opts ExtractOptions) error {
	var dirs []dirTime

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("tar read error: %w", err)
		}

		if err := validator.ValidatePath(header.Name); err != nil {
			return fmt.Errorf("invalid path in tar: %w", err)
		}

		target := filepath.Join(dest, header.Name)
		mode := os.FileMode(header.Mode).Perm() | tarModeBits(header.Mode)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
			dirs = append(dirs, dirTime{target, mode, header.ModTime})

		case tar.TypeReg:
			if err := validator.ValidateFileSize(header.Size); err != nil {
				return err
			}
			if err := validator.AddExtractedSize(header.Size); err != nil {
				return err
			}
			if err := writeFile(target, tr, mode); err != nil {
				return err
			}

		case tar.TypeSymlink:
			if err := validator.ValidateSymlink(header.Name, header.Linkname); err != nil {
				return fmt.Errorf("invalid symlink target: %w", err)
			}
			if err := replaceWith(target, func() error { return os.Symlink(header.Linkname, target) }); err != nil {
				return fmt.Errorf("failed to create symlink: %w", err)
			}

		case tar.TypeLink:
			if err := validator.ValidateHardlink(header.Name, header.Linkname); err != nil {
				return err
			}
			source := filepath.Join(dest, header.Linkname)
			if err := replaceWith(target, func() error { return os.Link(source, target) }); err != nil {
				return fmt.Errorf("failed to create hardlink: %w", err)
			}

		default:
			slog.Debug("extract_skip_entry", "name", header.Name, "type", header.Typeflag)
			continue
		}

		if opts.PreserveOwner && os.Geteuid() == 0 {
			if err := os.Lchown(target, header.Uid, header.Gid); err != nil {
				return fmt.Errorf("failed to chown %s: %w", header.Name, err)
			}
			// chown clears setuid/setgid bits on regular files
			if header.Typeflag == tar.TypeReg && mode&(os.ModeSetuid|os.ModeSetgid) != 0 {
				if err := os.Chmod(target, mode); err != nil {
					return fmt.Errorf("failed to chmod %s: %w", header.Name, err)
				}
			}
		}
		if header.Typeflag == tar.TypeReg {
			os.Chtimes(target, header.ModTime, header.ModTime)
		}

		if opts.OnEntry != nil {
			opts.OnEntry(header.Name)
		}
	}

	// directory modes and mtimes are restored last, children would bump
	// the mtime and a read-only mode would block them
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := os.Chmod(dirs[i].path, dirs[i].mode); err != nil {
			return fmt.Errorf("failed to chmod directory: %w", err)
		}
		os.Chtimes(dirs[i].path, dirs[i].mtime, dirs[i].mtime)
	}

	return nil
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create parent dir: %w", err)
	}
	if err := removeIfNotDir(target); err != nil {
		return err
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	return os.Chmod(target, mode)
}

// replaceWith removes whatever is at target, then creates it with fn.
func replaceWith(target string, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	if err := removeIfNotDir(target); err != nil {
		return err
	}
	return fn()
}

func removeIfNotDir(target string) error {
	fi, err := os.Lstat(target)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return fmt.Errorf("refusing to replace directory %s", target)
	}
	return os.Remove(target)
}

// tarModeBits maps the c_ISUID/c_ISGID/c_ISVTX bits of a tar header to os.FileMode.
func tarModeBits(m int64) os.FileMode {
	var mode os.FileMode
	if m&04000 != 0 {
		mode |= os.ModeSetuid
	}
	if m&02000 != 0 {
		mode |= os.ModeSetgid
	}
	if m&01000 != 0 {
		mode |= os.ModeSticky
	}
	return mode
}
