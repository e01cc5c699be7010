package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/superfly/fsm"
	"github.com/tarbsd/builder/pkg/clock"
	"github.com/tarbsd/builder/pkg/command"
	"github.com/tarbsd/builder/pkg/db"
	"github.com/tarbsd/builder/pkg/errors"
	"github.com/tarbsd/builder/pkg/feature"
	"github.com/tarbsd/builder/pkg/hasher"
	"github.com/tarbsd/builder/pkg/progress"
	"github.com/tarbsd/builder/pkg/snapshot"
)

const (
	packageTimeout = 2 * time.Hour
	overlayTimeout = 10 * time.Minute

	machineName = "tarbsd-build"
)

// ErrInterrupted is returned when a build stops on a signal or a cancelled
// context.
var ErrInterrupted = errors.New("build interrupted")

// Options wires the collaborators of an Orchestrator.
type Options struct {
	// Dir is the project directory holding tarbsd.yml and the overlay.
	Dir       string
	Store     snapshot.Store
	Installer Installer
	Features  *feature.Engine
	Assembler Assembler
	Runner    command.Runner
	Mounter   Mounter
	Sink      progress.Sink
	Clock     clock.Clock

	Credentials Credentials
	Backup      bool
	Formats     []string
	Quick       bool

	// Repo records build history when set.
	Repo        *db.Repository
	HistoryKeep int
	// Manager journals stage transitions when set. Without it the stages
	// run in a plain loop.
	Manager *fsm.Manager
}

// Orchestrator runs the build stages in order.
type Orchestrator struct {
	opts  Options
	bc    *BuildContext
	start fsm.Start[BuildRequest, BuildResponse]

	// state of the build in progress
	cur *run
}

type run struct {
	ctx   context.Context
	id    string
	cache *snapshotCache
	resp  *BuildResponse
	err   error
}

type stage struct {
	state string
	fn    func(ctx context.Context) error
}

// New creates an Orchestrator. With a Manager the build machine is
// registered here, once.
func New(ctx context.Context, opts Options) (*Orchestrator, error) {
	if opts.Store == nil || opts.Installer == nil || opts.Features == nil || opts.Assembler == nil || opts.Runner == nil {
		return nil, errors.New("orchestrator needs a store, an installer, features, an assembler and a runner")
	}
	if opts.Mounter == nil {
		opts.Mounter = DefaultMounter(opts.Runner)
	}
	if opts.Sink == nil {
		opts.Sink = progress.Noop{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	o := &Orchestrator{
		opts: opts,
		bc:   NewBuildContext(opts.Dir, opts.Store.Root(), opts.Store.ID()),
	}

	if opts.Manager != nil {
		if err := o.register(ctx); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *Orchestrator) register(ctx context.Context) error {
	s := o.stages()
	start, _, err := fsm.Register[BuildRequest, BuildResponse](o.opts.Manager, machineName).
		Start(s[0].state, o.handler(s[0])).
		To(s[1].state, o.handler(s[1])).
		To(s[2].state, o.handler(s[2])).
		To(s[3].state, o.handler(s[3])).
		To(s[4].state, o.handler(s[4])).
		To(s[5].state, o.handler(s[5])).
		To(s[6].state, o.handler(s[6])).
		To(StateDone, o.handleDone).
		End(StateFailed).
		Build(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to register build machine")
	}
	o.start = start
	return nil
}

func (o *Orchestrator) stages() []stage {
	return []stage{
		{StateInit, o.prepare},
		{StateBaseInstalling, o.installBase},
		{StatePackageInstalling, o.installPackages},
		{StateOverlayCopying, o.copyOverlay},
		{StatePruning, o.prune},
		{StateFinalizing, o.finalize},
		{StateAssembling, o.assemble},
	}
}

// Build runs one build. SIGINT and SIGTERM cancel it; the root is then
// rolled back to the last snapshot the build reached.
func (o *Orchestrator) Build(ctx context.Context) (*BuildResponse, error) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	started := o.opts.Clock.Now()
	r := &run{
		ctx:   ctx,
		id:    uuid.NewString(),
		cache: newSnapshotCache(o.opts.Store, o.opts.Sink),
		resp:  &BuildResponse{State: StateInit},
	}
	o.cur = r
	defer func() { o.cur = nil }()

	slog.Info("build_started", "build_id", r.id, "dir", o.bc.Dir, "quick", o.opts.Quick, "journal", o.opts.Manager != nil)

	if err := o.preflight(); err != nil {
		slog.Error("build_preflight_failed", "build_id", r.id, "error", err)
		return r.resp, err
	}

	record := &db.Build{
		ID:        r.id,
		WorkDir:   o.bc.Wrk,
		Status:    db.StatusRunning,
		State:     StateInit,
		Quick:     o.opts.Quick,
		StartedAt: started,
	}
	if o.opts.Repo != nil {
		if err := o.opts.Repo.CreateBuild(record); err != nil {
			return r.resp, errors.Wrap(err, "failed to record build")
		}
	}

	var err error
	if o.start != nil {
		err = o.runJournaled(ctx, r)
	} else {
		err = o.runDirect(ctx, r)
	}

	if err != nil {
		r.cache.recover(ctx)
		if ctx.Err() != nil {
			slog.Warn("build_interrupted", "build_id", r.id, "state", r.resp.State, "error", err)
			err = ErrInterrupted
		}
	}

	elapsed := o.opts.Clock.Now().Sub(started)
	o.finish(record, r, err, elapsed)
	if err != nil {
		slog.Error("build_failed", "build_id", r.id, "state", r.resp.State, "kind", errors.KindOf(err), "error", err)
		return r.resp, err
	}

	o.opts.Sink.Println(fmt.Sprintf("wrk/%s size %dm, generated in %d seconds",
		filepath.Base(r.resp.ImagePath), r.resp.ImageSize>>20, int(elapsed.Seconds())))
	slog.Info("build_complete", "build_id", r.id, "image", r.resp.ImagePath, "size", r.resp.ImageSize, "elapsed", elapsed)
	return r.resp, nil
}

// preflight rejects a build before anything on disk changes.
func (o *Orchestrator) preflight() error {
	if err := ValidateFormats(o.opts.Formats, o.opts.Runner); err != nil {
		return err
	}
	info, err := os.Stat(o.bc.Overlay)
	if err != nil || !info.IsDir() {
		return errors.Preconditionf("overlay directory %s does not exist", o.bc.Overlay)
	}
	return nil
}

func (o *Orchestrator) runDirect(ctx context.Context, r *run) error {
	for _, st := range o.stages() {
		if err := o.step(ctx, r, st); err != nil {
			return err
		}
	}
	r.resp.State = StateDone
	return nil
}

func (o *Orchestrator) runJournaled(ctx context.Context, r *run) error {
	req := &BuildRequest{BuildID: r.id, Dir: o.bc.Dir, Quick: o.opts.Quick}
	version, err := o.start(ctx, r.id, fsm.NewRequest(req, r.resp))
	if err != nil {
		return errors.Wrap(err, "failed to start build machine")
	}
	slog.Debug("build_machine_started", "build_id", r.id, "version", version)

	werr := o.opts.Manager.Wait(ctx, version)
	if r.err != nil {
		return r.err
	}
	if werr != nil {
		return errors.Wrap(werr, "build machine failed")
	}
	r.resp.State = StateDone
	return nil
}

// step runs one stage and journals its state.
func (o *Orchestrator) step(ctx context.Context, r *run, st stage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.resp.State = st.state
	slog.Info("build_state", "build_id", r.id, "state", st.state)
	if o.opts.Repo != nil {
		if err := o.opts.Repo.UpdateBuildState(r.id, st.state); err != nil {
			slog.Warn("build_state_not_recorded", "build_id", r.id, "state", st.state, "error", err)
		}
	}
	return st.fn(ctx)
}

// handler adapts a stage to a machine transition. Failures abort the
// machine so no stage is retried in place.
func (o *Orchestrator) handler(st stage) func(context.Context, *fsm.Request[BuildRequest, BuildResponse]) (*fsm.Response[BuildResponse], error) {
	return func(fctx context.Context, req *fsm.Request[BuildRequest, BuildResponse]) (*fsm.Response[BuildResponse], error) {
		r := o.cur
		if r == nil || r.id != req.Msg.BuildID {
			return nil, fsm.Abort(fmt.Errorf("build %s is not running in this process", req.Msg.BuildID))
		}

		ctx, cancel := context.WithCancel(r.ctx)
		defer cancel()
		defer context.AfterFunc(fctx, cancel)()

		if err := o.step(ctx, r, st); err != nil {
			r.err = err
			return nil, fsm.Abort(err)
		}
		return fsm.NewResponse(r.resp), nil
	}
}

func (o *Orchestrator) handleDone(_ context.Context, req *fsm.Request[BuildRequest, BuildResponse]) (*fsm.Response[BuildResponse], error) {
	resp := req.W.Msg
	if resp == nil {
		resp = &BuildResponse{}
	}
	resp.State = StateDone
	return fsm.NewResponse(resp), nil
}

func (o *Orchestrator) finish(record *db.Build, r *run, err error, elapsed time.Duration) {
	if o.opts.Repo == nil {
		return
	}
	record.State = r.resp.State
	record.FinishedAt = record.StartedAt.Add(elapsed)
	switch {
	case err == nil:
		record.Status = db.StatusSucceeded
		record.State = StateDone
		record.ImagePath = r.resp.ImagePath
		record.ImageSize = r.resp.ImageSize
	case errors.Is(err, ErrInterrupted):
		record.Status = db.StatusInterrupted
		record.ErrorMessage = err.Error()
	default:
		record.Status = db.StatusFailed
		record.ErrorKind = errors.KindOf(err)
		record.ErrorMessage = err.Error()
	}
	if err := o.opts.Repo.FinishBuild(record); err != nil {
		slog.Error("build_not_recorded", "build_id", r.id, "error", err)
	}
	if o.opts.HistoryKeep > 0 {
		if n, err := o.opts.Repo.PruneBuilds(o.opts.HistoryKeep); err != nil {
			slog.Warn("build_history_prune_failed", "error", err)
		} else if n > 0 {
			slog.Debug("build_history_pruned", "removed", n)
		}
	}
}

// prepare makes sure the volume exists and clears outputs of earlier builds.
func (o *Orchestrator) prepare(ctx context.Context) error {
	created, err := o.opts.Store.Ensure(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to prepare working volume")
	}
	if created {
		slog.Info("volume_created", "volume", o.opts.Store.ID())
	}

	if err := removeOutputs(o.bc.Wrk); err != nil {
		return err
	}
	return ensureHostKeys(ctx, o.opts.Runner, o.bc.Overlay, o.opts.Sink)
}

func (o *Orchestrator) installBase(ctx context.Context) error {
	_, err := o.cur.cache.run(ctx, cachedStage{
		name:     "base-install",
		snapshot: snapshot.Installed,
		previous: snapshot.Empty,
		marker:   hasher.NewMarker(o.bc.Wrk, markerBase),
		hitLine:  "base system unchanged, using snapshot",
		key:      o.opts.Installer.Key,
		run: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, installTimeout)
			defer cancel()
			return o.opts.Installer.Install(ctx, o.bc, o.opts.Sink)
		},
	})
	return err
}

func (o *Orchestrator) pkgConfDir() string {
	return filepath.Join(o.bc.Overlay, "usr", "local", "etc", "pkg")
}

// packagesKey covers the sorted package list and the pkg configuration the
// overlay brings.
func (o *Orchestrator) packagesKey() (hasher.Digest, error) {
	h := hasher.New().Strings(o.opts.Features.Packages())
	if _, err := os.Stat(o.pkgConfDir()); err == nil {
		if err := h.ModTime(o.pkgConfDir()); err != nil {
			return hasher.Digest{}, err
		}
	}
	return h.Sum(), nil
}

func (o *Orchestrator) installPackages(ctx context.Context) error {
	_, err := o.cur.cache.run(ctx, cachedStage{
		name:     "package-install",
		snapshot: snapshot.PkgsInstalled,
		previous: snapshot.Installed,
		marker:   hasher.NewMarker(o.bc.Wrk, markerPackages),
		hitLine:  "package list unchanged, using snapshot",
		key:      o.packagesKey,
		run:      o.runPkg,
	})
	return err
}

func (o *Orchestrator) runPkg(ctx context.Context) error {
	pkgs := o.opts.Features.Packages()
	if len(pkgs) == 0 {
		slog.Info("packages_skipped", "reason", "empty package list")
		return nil
	}

	if _, err := os.Stat(o.pkgConfDir()); err == nil {
		if err := copyTree(ctx, o.pkgConfDir(), o.bc.RootPath("usr", "local", "etc", "pkg"), nil); err != nil {
			return errors.Wrap(err, "failed to copy pkg configuration")
		}
	}

	resolv := o.bc.RootPath("etc", "resolv.conf")
	if err := os.MkdirAll(filepath.Dir(resolv), 0755); err != nil {
		return errors.Wrap(err, "failed to create etc")
	}
	if err := os.WriteFile(resolv, asset("resolv.conf"), 0644); err != nil {
		return errors.Wrap(err, "failed to write resolv.conf")
	}

	err := withMount(ctx, o.opts.Mounter, o.bc.CacheDir("pkg"), o.bc.RootPath("var", "cache", "pkg"), func() error {
		o.opts.Sink.Start("installing packages")
		_, err := o.opts.Runner.Run(ctx, command.Cmd{
			Name:    "pkg",
			Args:    append([]string{"-c", o.bc.Root, "install", "-y"}, pkgs...),
			Timeout: packageTimeout,
			OnOutput: func(chunk []byte) {
				o.opts.Sink.Advance()
				o.opts.Sink.Write(chunk)
			},
		})
		return errors.Wrap(err, "package install failed")
	})
	if err != nil {
		return err
	}
	o.opts.Sink.Finish("packages installed")
	slog.Info("packages_installed", "count", len(pkgs))
	return nil
}

func (o *Orchestrator) copyOverlay(ctx context.Context) error {
	if err := o.cur.cache.settle(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, overlayTimeout)
	defer cancel()

	sink := o.opts.Sink
	sink.Start("copying overlay directory")
	err := copyTree(ctx, o.bc.Overlay, o.bc.Root, func(rel string) {
		sink.Advance()
		sink.Write([]byte(rel + "\n"))
	})
	if err != nil {
		return errors.Wrap(err, "failed to copy overlay")
	}
	sink.Finish("copied overlay directory to the image")
	return nil
}

func (o *Orchestrator) prune(_ context.Context) error {
	n, err := prune(o.bc.Root, o.opts.Features.PruneList())
	if err != nil {
		return err
	}
	slog.Info("pruned", "entries", n)
	o.opts.Sink.Println("pruned dev tools, manpages and disabled features")

	if o.opts.Features.Busybox() {
		replaced, err := busyboxify(o.bc.Root, feature.BusyboxCommands(), o.opts.Sink)
		if err != nil {
			return err
		}
		slog.Info("busyboxified", "replaced", replaced)
	}
	return nil
}

func (o *Orchestrator) finalize(ctx context.Context) error {
	a := o.opts.Assembler
	if err := a.Prepare(ctx, o.bc); err != nil {
		return err
	}
	if err := a.PruneBoot(ctx, o.bc, o.opts.Features.KernelModules(true), o.opts.Features.KernelModules(false)); err != nil {
		return err
	}
	if err := writeFstab(o.bc, a.GenFsTab(o.bc), o.opts.Sink); err != nil {
		return err
	}
	if err := installAssets(o.bc); err != nil {
		return err
	}
	if err := setCredentials(ctx, o.opts.Runner, o.bc, o.opts.Credentials, o.opts.Sink); err != nil {
		return err
	}
	if err := enableShell(o.bc, o.opts.Features.Shell(), o.opts.Sink); err != nil {
		return err
	}
	if o.opts.Backup {
		return backup(ctx, o.bc, o.opts.Sink)
	}
	return nil
}

func (o *Orchestrator) assemble(ctx context.Context) error {
	image, err := o.opts.Assembler.BuildImage(ctx, o.bc, o.opts.Quick, o.opts.Sink)
	if err != nil {
		return err
	}
	info, err := os.Stat(image)
	if err != nil {
		return errors.Wrap(err, "image was not written")
	}

	resp := o.cur.resp
	resp.ImagePath = image
	resp.ImageSize = info.Size()
	resp.Outputs = []string{image}
	for _, f := range o.opts.Formats {
		if f == FormatRaw {
			continue
		}
		out, err := convertImage(ctx, o.opts.Runner, image, f, o.opts.Sink)
		if err != nil {
			return err
		}
		resp.Outputs = append(resp.Outputs, out)
	}
	return nil
}
