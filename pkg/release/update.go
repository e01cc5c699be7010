package release

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tarbsd/builder/pkg/command"
	"github.com/tarbsd/builder/pkg/errors"
	"github.com/tarbsd/builder/pkg/progress"
)

const (
	updateTimeout = 30 * time.Minute
	noUpdates     = "No updates are available"
)

// UpdateResult is the outcome of one freebsd-update install pass.
type UpdateResult int

const (
	UpdateFailed UpdateResult = iota
	UpdateApplied
	UpdateAlreadyUpToDate
)

func (r UpdateResult) String() string {
	switch r {
	case UpdateApplied:
		return "applied"
	case UpdateAlreadyUpToDate:
		return "already_up_to_date"
	default:
		return "failed"
	}
}

// InstalledVersion reads the userland version of the system under root.
func InstalledVersion(root string) (string, error) {
	f, err := os.Open(filepath.Join(root, "bin", "freebsd-version"))
	if err != nil {
		return "", errors.Wrap(err, "failed to read installed version")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if v, ok := strings.CutPrefix(line, "USERLAND_VERSION="); ok {
			return strings.Trim(v, `"'`), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", errors.Wrap(err, "failed to read installed version")
	}
	return "", errors.New("USERLAND_VERSION not found in bin/freebsd-version")
}

// Updater brings an extracted base system up to its latest patch level.
type Updater struct {
	runner command.Runner
}

// NewUpdater creates an Updater.
func NewUpdater(runner command.Runner) *Updater {
	return &Updater{runner: runner}
}

// Update runs fetch and then up to two install passes, keeping its
// working data in dataDir and removing it afterwards.
func (u *Updater) Update(ctx context.Context, root, dataDir string, sink progress.Sink) (UpdateResult, error) {
	current, err := InstalledVersion(root)
	if err != nil {
		return UpdateFailed, err
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return UpdateFailed, errors.Wrap(err, "failed to create update directory")
	}
	defer os.RemoveAll(dataDir)

	sink.Start("running freebsd-update")

	if _, err := u.run(ctx, root, dataDir, current, "fetch", sink); err != nil {
		return UpdateFailed, err
	}

	result, err := u.install(ctx, root, dataDir, current, sink)
	if err != nil {
		return UpdateFailed, err
	}
	if result == UpdateAlreadyUpToDate {
		sink.Finish("no updates to install")
		slog.Info("freebsd_update_complete", "version", current, "result", result.String())
		return result, nil
	}

	// a second pass finishes updates that need a restart in between
	if _, err := u.install(ctx, root, dataDir, current, sink); err != nil {
		return UpdateFailed, err
	}

	updated, err := InstalledVersion(root)
	if err != nil {
		return UpdateFailed, err
	}
	sink.Finish("updated to " + updated)
	slog.Info("freebsd_update_complete", "from", current, "to", updated, "result", result.String())
	return UpdateApplied, nil
}

func (u *Updater) install(ctx context.Context, root, dataDir, current string, sink progress.Sink) (UpdateResult, error) {
	res, err := u.run(ctx, root, dataDir, current, "install", sink)
	if strings.Contains(res.Combined(), noUpdates) {
		return UpdateAlreadyUpToDate, nil
	}
	var cmdErr *errors.ExternalCommandError
	if errors.As(err, &cmdErr) && strings.Contains(cmdErr.Output, noUpdates) {
		return UpdateAlreadyUpToDate, nil
	}
	if err != nil {
		return UpdateFailed, err
	}
	return UpdateApplied, nil
}

func (u *Updater) run(ctx context.Context, root, dataDir, current, action string, sink progress.Sink) (*command.Result, error) {
	res, err := u.runner.Run(ctx, command.Cmd{
		Name: "freebsd-update",
		Args: []string{
			"-b", root,
			"-d", dataDir,
			"--currently-running", current,
			"--not-running-from-cron",
			action,
		},
		Timeout: updateTimeout,
		OnOutput: func(chunk []byte) {
			sink.Advance()
			sink.Write(chunk)
		},
	})
	if err != nil {
		return res, errors.Wrap(err, "freebsd-update "+action+" failed")
	}
	return res, nil
}
