package pipeline

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/tarbsd/builder/pkg/errors"
)

// copyTree copies src over dst. Existing files are replaced, symlinks are
// copied as links, and files and directories keep their mode and mtime.
// onFile is called for every copied entry.
func copyTree(ctx context.Context, src, dst string, onFile func(rel string)) error {
	type dirTime struct {
		path  string
		mtime time.Time
	}
	var dirs []dirTime

	err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		relPath, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		dstPath := filepath.Join(dst, relPath)

		if info.IsDir() {
			if err := os.MkdirAll(dstPath, info.Mode().Perm()); err != nil {
				return err
			}
			dirs = append(dirs, dirTime{dstPath, info.ModTime()})
			return os.Chmod(dstPath, info.Mode().Perm())
		}

		if onFile != nil {
			onFile(relPath)
		}

		if err := removeIfNotDir(dstPath); err != nil {
			return err
		}

		if info.Mode()&os.ModeSymlink != 0 {
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(linkTarget, dstPath)
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		srcFile, err := os.Open(path)
		if err != nil {
			return err
		}
		defer srcFile.Close()

		dstFile, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(dstFile, srcFile); err != nil {
			dstFile.Close()
			return err
		}
		if err := dstFile.Close(); err != nil {
			return err
		}
		if err := os.Chmod(dstPath, info.Mode()); err != nil {
			return err
		}
		return os.Chtimes(dstPath, info.ModTime(), info.ModTime())
	})
	if err != nil {
		return err
	}

	// Children are written after their directory, so times go on last.
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := os.Chtimes(dirs[i].path, dirs[i].mtime, dirs[i].mtime); err != nil {
			return err
		}
	}
	return nil
}

// clampTimes caps the access and modification times under root at epoch.
// Symlinks are skipped, their times are set by the filesystem builder.
func clampTimes(ctx context.Context, root string, epoch time.Time) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.ModTime().After(epoch) {
			return nil
		}
		return os.Chtimes(path, epoch, epoch)
	})
}

func removeIfNotDir(path string) error {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return errors.New(path + " is a directory")
	}
	return os.Remove(path)
}

// prune removes every root entry matching one of the globs.
func prune(root string, globs []string) (int, error) {
	removed := 0
	for _, g := range globs {
		matches, err := filepath.Glob(filepath.Join(root, g))
		if err != nil {
			return removed, errors.Wrap(err, "bad prune pattern "+g)
		}
		for _, m := range matches {
			if err := os.RemoveAll(m); err != nil {
				return removed, errors.Wrap(err, "failed to prune "+m)
			}
			removed++
		}
	}
	return removed, nil
}
