// Package compress is a content addressed cache for the gzip artifacts of
// an image (mfsroot, kernel), with interchangeable compressor backends.
package compress

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/tarbsd/builder/pkg/command"
	"github.com/tarbsd/builder/pkg/errors"
)

// Backend identities, stored in the cache index.
const (
	BackendZopfli = "zopfli"
	BackendGzip   = "gzip"
)

const zopfliTimeout = 30 * time.Minute

// Backend compresses src into a gzip stream at dst.
type Backend interface {
	ID() string
	// Available reports whether the backend can run on this host.
	Available(ctx context.Context) bool
	// Compress calls advance as work progresses.
	Compress(ctx context.Context, src, dst string, advance func()) error
}

// Zopfli runs the external zopfli tool: slow, smallest output.
type Zopfli struct {
	runner  command.Runner
	verbose io.Writer

	once      sync.Once
	available bool
}

// NewZopfli creates the zopfli backend. verbose receives the tool's output.
func NewZopfli(runner command.Runner, verbose io.Writer) *Zopfli {
	if verbose == nil {
		verbose = io.Discard
	}
	return &Zopfli{runner: runner, verbose: verbose}
}

func (z *Zopfli) ID() string { return BackendZopfli }

func (z *Zopfli) Available(context.Context) bool {
	z.once.Do(func() {
		_, err := z.runner.LookPath("zopfli")
		z.available = err == nil
		slog.Debug("compress_backend_probe", "backend", BackendZopfli, "available", z.available)
	})
	return z.available
}

func (z *Zopfli) Compress(ctx context.Context, src, dst string, advance func()) error {
	_, err := z.runner.Run(ctx, command.Cmd{
		Name:    "zopfli",
		Args:    []string{"-v", src},
		Timeout: zopfliTimeout,
		OnOutput: func(chunk []byte) {
			advance()
			z.verbose.Write(chunk)
		},
	})
	if err != nil {
		os.Remove(src + ".gz")
		return errors.Wrap(err, "zopfli failed")
	}
	if dst != src+".gz" {
		if err := os.Rename(src+".gz", dst); err != nil {
			return errors.Wrap(err, "failed to move zopfli output")
		}
	}
	return nil
}

// Gzip compresses in-process at the best deflate level.
type Gzip struct{}

func (Gzip) ID() string                     { return BackendGzip }
func (Gzip) Available(context.Context) bool { return true }

func (Gzip) Compress(ctx context.Context, src, dst string, advance func()) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "failed to open input")
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(err, "failed to create output")
	}
	defer func() {
		if err != nil {
			out.Close()
			os.Remove(dst)
		}
	}()

	buf := bufio.NewWriterSize(out, 1<<20)
	gw, err := gzip.NewWriterLevel(buf, gzip.BestCompression)
	if err != nil {
		return errors.Wrap(err, "failed to create gzip writer")
	}

	chunk := make([]byte, 1<<20)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := in.Read(chunk)
		if n > 0 {
			if _, err := gw.Write(chunk[:n]); err != nil {
				return errors.Wrap(err, "failed to compress")
			}
			advance()
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return errors.Wrap(rerr, "failed to read input")
		}
	}

	if err := gw.Close(); err != nil {
		return errors.Wrap(err, "failed to finish gzip stream")
	}
	if err := buf.Flush(); err != nil {
		return errors.Wrap(err, "failed to flush output")
	}
	return errors.Wrap(out.Close(), "failed to close output")
}
