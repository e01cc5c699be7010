package pipeline

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kdomanski/iso9660"
	"github.com/tarbsd/builder/pkg/command"
	"github.com/tarbsd/builder/pkg/errors"
	"github.com/tarbsd/builder/pkg/progress"
)

const (
	FormatRaw = "img"
	FormatISO = "iso"

	convertTimeout = 30 * time.Minute
	isoVolumeLabel = "TARBSD"
)

// qemuFormats are produced with qemu-img convert.
var qemuFormats = map[string]bool{
	"qcow2":     true,
	"qcow":      true,
	"cow":       true,
	"vdi":       true,
	"vmdk":      true,
	"vhdx":      true,
	"vpc":       true,
	"parallels": true,
}

// Formats lists every supported output format.
func Formats() []string {
	out := []string{FormatRaw, FormatISO}
	for f := range qemuFormats {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// ValidateFormats checks requested output formats before anything is built.
func ValidateFormats(formats []string, runner command.Runner) error {
	needQemu := false
	for _, f := range formats {
		switch {
		case f == FormatRaw || f == FormatISO:
		case qemuFormats[f]:
			needQemu = true
		default:
			return errors.Configf("format", f, "supported formats are %s", strings.Join(Formats(), ", "))
		}
	}
	if needQemu {
		if _, err := runner.LookPath("qemu-img"); err != nil {
			return errors.Preconditionf("qemu-img is required for the requested output formats, install qemu-tools")
		}
	}
	return nil
}

// convertImage writes wrk/tarbsd.<format> from the raw image.
func convertImage(ctx context.Context, runner command.Runner, raw, format string, sink progress.Sink) (string, error) {
	if format == FormatRaw {
		return raw, nil
	}
	out := strings.TrimSuffix(raw, filepath.Ext(raw)) + "." + format
	if err := os.RemoveAll(out); err != nil {
		return "", errors.Wrap(err, "failed to remove previous "+out)
	}

	sink.Start("generating tarbsd." + format)
	if format == FormatISO {
		if err := writeISO(raw, out); err != nil {
			return "", err
		}
	} else {
		_, err := runner.Run(ctx, command.Cmd{
			Name:    "qemu-img",
			Args:    []string{"convert", "-f", "raw", "-O", format, raw, out},
			Timeout: convertTimeout,
			OnOutput: func(chunk []byte) {
				sink.Advance()
				sink.Write(chunk)
			},
		})
		if err != nil {
			return "", errors.Wrap(err, "failed to convert image to "+format)
		}
	}

	slog.Info("image_converted", "format", format, "path", out)
	sink.Finish("wrk/" + filepath.Base(out) + " generated")
	return out, nil
}

func writeISO(raw, out string) error {
	writer, err := iso9660.NewWriter()
	if err != nil {
		return errors.Wrap(err, "failed to create iso writer")
	}
	defer writer.Cleanup()

	if err := writer.AddLocalFile(raw, filepath.Base(raw)); err != nil {
		return errors.Wrap(err, "failed to stage image in iso")
	}

	f, err := os.OpenFile(out, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrap(err, "failed to create iso")
	}
	if err := writer.WriteTo(f, isoVolumeLabel); err != nil {
		f.Close()
		os.Remove(out)
		return errors.Wrap(err, "failed to write iso")
	}
	if err := f.Close(); err != nil {
		os.Remove(out)
		return errors.Wrap(err, "failed to finalize iso")
	}
	return nil
}

// removeOutputs deletes images left by an earlier build.
func removeOutputs(wrk string) error {
	var stale []string
	for _, pattern := range []string{"*.img", "tarbsd.*"} {
		matches, err := filepath.Glob(filepath.Join(wrk, pattern))
		if err != nil {
			return err
		}
		stale = append(stale, matches...)
	}
	for _, path := range stale {
		if err := os.RemoveAll(path); err != nil {
			return errors.Wrap(err, "failed to remove "+path)
		}
	}
	return nil
}
