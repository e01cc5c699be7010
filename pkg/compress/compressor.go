package compress

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tarbsd/builder/pkg/errors"
	"github.com/tarbsd/builder/pkg/hasher"
	"github.com/tarbsd/builder/pkg/progress"
)

// Compressor replaces a file with its gzip form, reusing cached results.
type Compressor struct {
	store Store
	best  Backend
	quick Backend
}

// NewCompressor creates a Compressor. best is the high-ratio backend,
// fallback the one that always works.
func NewCompressor(store Store, best, fallback Backend) *Compressor {
	return &Compressor{store: store, best: best, quick: fallback}
}

// Compress writes path+".gz" and removes path. A cached result under any
// backend is reused. Otherwise the high-ratio backend runs unless quick is
// set or it is absent. A backend that runs and fails is an error, not a
// reason to fall back.
func (c *Compressor) Compress(ctx context.Context, path string, quick bool, sink progress.Sink) (string, error) {
	name := filepath.Base(path)
	out := path + ".gz"

	digest, err := hasher.File(path)
	if err != nil {
		return "", errors.Wrap(err, "failed to hash "+name)
	}

	if blob, ok, err := c.store.Get(ctx, digest, c.best.ID()); err != nil {
		return "", err
	} else if ok {
		sink.Println(fmt.Sprintf("%s.gz (compressed using %s) cached", name, c.best.ID()))
		return out, c.restore(blob, path, out)
	}

	backend := c.quick
	if !quick && c.best.Available(ctx) {
		backend = c.best
	} else if blob, ok, err := c.store.Get(ctx, digest, c.quick.ID()); err != nil {
		return "", err
	} else if ok {
		sink.Println(name + ".gz cached")
		return out, c.restore(blob, path, out)
	}

	label := "compressing " + name
	if backend == c.best {
		label = fmt.Sprintf("compressing %s using %s, might take a while, will be cached", name, backend.ID())
	}
	slog.Info("compress_start", "file", name, "backend", backend.ID(), "digest", digest.String())

	sink.Start(label)
	if err := backend.Compress(ctx, path, out, sink.Advance); err != nil {
		return "", errors.Wrap(err, "failed to compress "+name)
	}
	sink.Finish(name + " compressed")

	if err := c.store.Put(ctx, digest, backend.ID(), out); err != nil {
		return "", err
	}
	if err := os.Remove(path); err != nil {
		return "", errors.Wrap(err, "failed to remove "+name)
	}

	slog.Info("compress_complete", "file", name, "backend", backend.ID())
	return out, nil
}

func (c *Compressor) restore(blob, path, out string) error {
	if err := copyFile(blob, out); err != nil {
		return errors.Wrap(err, "failed to restore cached "+filepath.Base(out))
	}
	if err := os.Remove(path); err != nil {
		return errors.Wrap(err, "failed to remove "+filepath.Base(path))
	}
	return nil
}
