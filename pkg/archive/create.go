package archive

import (
	"archive/tar"
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/tarbsd/builder/pkg/errors"
)

// CreateOption tunes Create.
type CreateOption func(*createOptions)

type createOptions struct {
	clamp time.Time
}

// ClampModTime caps every entry's modification time at t and drops access
// and change times, so unchanged content archives to the same bytes.
func ClampModTime(t time.Time) CreateOption {
	return func(o *createOptions) { o.clamp = t }
}

// Create writes a tar archive at dest holding paths (relative to root).
// An empty paths list archives the whole root. The file appears atomically.
func Create(ctx context.Context, dest, root string, paths []string, opts ...CreateOption) (err error) {
	var o createOptions
	for _, opt := range opts {
		opt(&o)
	}
	if len(paths) == 0 {
		paths = []string{"."}
	}

	tmp := dest + ".partial"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return errors.Wrap(err, "failed to create archive")
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	buf := bufio.NewWriterSize(f, 1<<20)
	w, err := compressor(dest, buf)
	if err != nil {
		return err
	}

	tw := tar.NewWriter(w)
	links := make(map[inodeKey]string)
	for _, p := range paths {
		if err := addTree(ctx, tw, root, p, links, o); err != nil {
			return errors.Wrap(err, "failed to archive "+p)
		}
	}

	if err := tw.Close(); err != nil {
		return errors.Wrap(err, "failed to finish tar stream")
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "failed to finish compression")
	}
	if err := buf.Flush(); err != nil {
		return errors.Wrap(err, "failed to flush archive")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "failed to close archive")
	}
	if err := os.Rename(tmp, dest); err != nil {
		return errors.Wrap(err, "failed to commit archive")
	}

	slog.Debug("archive_created", "path", dest, "root", root)
	return nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func compressor(dest string, w io.Writer) (io.WriteCloser, error) {
	switch {
	case strings.HasSuffix(dest, ".tar.lz4"):
		return lz4.NewWriter(w), nil
	case strings.HasSuffix(dest, ".tar.zst"), strings.HasSuffix(dest, ".tzst"):
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, errors.Wrap(err, "failed to create zstd encoder")
		}
		return zw, nil
	case strings.HasSuffix(dest, ".tar.gz"), strings.HasSuffix(dest, ".tgz"):
		return gzip.NewWriter(w), nil
	case strings.HasSuffix(dest, ".tar"):
		return nopWriteCloser{w}, nil
	default:
		return nil, fmt.Errorf("unsupported archive type: %s", filepath.Base(dest))
	}
}

func addTree(ctx context.Context, tw *tar.Writer, root, rel string, links map[inodeKey]string, o createOptions) error {
	start := filepath.Join(root, rel)
	return filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		name, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name = filepath.ToSlash(name)

		info, err := d.Info()
		if err != nil {
			return err
		}

		var link string
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		case info.Mode().IsRegular(), info.IsDir():
		default:
			slog.Debug("archive_skip_special", "path", path, "mode", info.Mode().String())
			return nil
		}

		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		header.Name = name
		if !o.clamp.IsZero() {
			if header.ModTime.After(o.clamp) {
				header.ModTime = o.clamp
			}
			header.AccessTime, header.ChangeTime = time.Time{}, time.Time{}
		}
		if info.IsDir() {
			header.Name = strings.TrimSuffix(name, "/") + "/"
		}

		if info.Mode().IsRegular() {
			if key, ok := inodeOf(info); ok {
				if first, seen := links[key]; seen {
					header.Typeflag = tar.TypeLink
					header.Linkname = first
					header.Size = 0
				} else {
					links[key] = name
				}
			}
		}

		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if header.Typeflag != tar.TypeReg {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}
