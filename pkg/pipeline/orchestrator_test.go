package pipeline

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/tarbsd/builder/pkg/command"
	"github.com/tarbsd/builder/pkg/compress"
	"github.com/tarbsd/builder/pkg/db"
	"github.com/tarbsd/builder/pkg/errors"
	"github.com/tarbsd/builder/pkg/feature"
	"github.com/tarbsd/builder/pkg/hasher"
	"github.com/tarbsd/builder/pkg/progress"
	"github.com/tarbsd/builder/pkg/snapshot"
)

var baseFiles = map[string]string{
	"boot/kernel/kernel":     "kernel",
	"boot/kernel/tarfs.ko":   "tarfs",
	"boot/kernel/if_wg.ko":   "wg",
	"boot/kernel/fdescfs.ko": "fdescfs",
	"boot/kernel/zfs.ko":     "zfs",
	"boot/loader.efi":        "efi",
	"boot/pmbr":              "pmbr",
	"boot/gptboot":           "gptboot",
	"bin/sh":                 "sh",
	"sbin/zfs":               "zfs",
	"etc/ssh/sshd_config":    "",
	"usr/bin/true":           "true",
}

type fakeInstaller struct {
	key       hasher.Digest
	installs  int
	onInstall func()
}

func (i *fakeInstaller) Key() (hasher.Digest, error) { return i.key, nil }

func (i *fakeInstaller) Install(ctx context.Context, bc *BuildContext, _ progress.Sink) error {
	i.installs++
	if i.onInstall != nil {
		i.onInstall()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for rel, content := range baseFiles {
		path := bc.RootPath(rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return err
		}
	}
	return finalizeInstall(bc)
}

type fakeMounter struct {
	mounts, unmounts int
}

func (m *fakeMounter) Mount(context.Context, string, string) error {
	m.mounts++
	return nil
}

func (m *fakeMounter) Unmount(context.Context, string) error {
	m.unmounts++
	return nil
}

func argAfter(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// newFakeTools scripts the FreeBSD tools the build runs.
func newFakeTools() *command.Fake {
	f := command.NewFake("makefs", "mkimg", "pkg", "ssh-keygen", "pw", "qemu-img")
	f.On("makefs", func(c command.Cmd) (*command.Result, error) {
		out, src := c.Args[len(c.Args)-2], c.Args[len(c.Args)-1]
		digest, err := treeDigest(src, argAfter(c.Args, "-T"))
		if err != nil {
			return nil, err
		}
		return &command.Result{}, os.WriteFile(out, []byte("filesystem image "+digest.String()), 0644)
	})
	f.On("mkimg", func(c command.Cmd) (*command.Result, error) {
		return &command.Result{}, os.WriteFile(argAfter(c.Args, "-o"), bytes.Repeat([]byte{0xfb}, 2<<20), 0644)
	})
	f.On("ssh-keygen", func(c command.Cmd) (*command.Result, error) {
		if argAfter(c.Args, "-t") != "" {
			key := argAfter(c.Args, "-f")
			if err := os.WriteFile(key, []byte("private"), 0600); err != nil {
				return nil, err
			}
			if err := os.WriteFile(key+".pub", []byte("public"), 0644); err != nil {
				return nil, err
			}
		}
		return &command.Result{Stdout: "256 SHA256:c2lnbmF0dXJl root@builder (ED25519)\n"}, nil
	})
	return f
}

// treeDigest covers what makefs records for src: names, modes, contents,
// link targets and times. A non-empty stamp replaces every time, like
// makefs -T.
func treeDigest(src, stamp string) (hasher.Digest, error) {
	h := hasher.New()
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		h.String(rel).String(info.Mode().String())
		if stamp != "" {
			h.String(stamp)
		} else {
			h.Int(info.ModTime().UnixNano())
		}
		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			h.String(target)
		case info.Mode().IsRegular():
			return h.File(path)
		}
		return nil
	})
	return h.Sum(), err
}

type fixture struct {
	dir       string
	store     *snapshot.DirStore
	runner    *command.Fake
	installer *fakeInstaller
	mounter   *fakeMounter
	cache     *compress.LocalStore
	repo      *db.Repository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	overlay := filepath.Join(dir, "tarbsd", "etc")
	if err := os.MkdirAll(overlay, 0755); err != nil {
		t.Fatalf("failed to create overlay: %v", err)
	}
	if err := os.WriteFile(filepath.Join(overlay, "rc.conf"), []byte("hostname=\"tarbsd\"\n"), 0644); err != nil {
		t.Fatalf("failed to write overlay rc.conf: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "tarbsd.yml"), []byte("features:\n  wireguard: true\n"), 0644); err != nil {
		t.Fatalf("failed to write tarbsd.yml: %v", err)
	}

	cache, err := compress.OpenLocalStore(filepath.Join(t.TempDir(), "compress"))
	if err != nil {
		t.Fatalf("failed to open compression cache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })

	repo, err := db.NewRepository(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("failed to open state db: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	return &fixture{
		dir:       dir,
		store:     snapshot.NewDirStore(filepath.Join(dir, "wrk")),
		runner:    newFakeTools(),
		installer: &fakeInstaller{key: hasher.Strings([]string{"14.2-RELEASE"})},
		mounter:   &fakeMounter{},
		cache:     cache,
		repo:      repo,
	}
}

func (f *fixture) orchestrator(t *testing.T, packages []string, sink progress.Sink, mods ...func(*Options)) *Orchestrator {
	t.Helper()
	engine, err := feature.NewEngine(feature.Config{
		Features: map[string]bool{"wireguard": true},
		Packages: packages,
	})
	if err != nil {
		t.Fatalf("failed to create feature engine: %v", err)
	}
	compressor := compress.NewCompressor(f.cache, compress.NewZopfli(f.runner, io.Discard), compress.Gzip{})
	opts := Options{
		Dir:         f.dir,
		Store:       f.store,
		Installer:   f.installer,
		Features:    engine,
		Assembler:   NewMFSAssembler(f.runner, compressor),
		Runner:      f.runner,
		Mounter:     f.mounter,
		Sink:        sink,
		Backup:      true,
		Formats:     []string{FormatRaw},
		Repo:        f.repo,
		HistoryKeep: 10,
	}
	for _, m := range mods {
		m(&opts)
	}
	o, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("failed to create orchestrator: %v", err)
	}
	return o
}

func (f *fixture) exists(t *testing.T, name string) bool {
	t.Helper()
	ok, err := f.store.Exists(context.Background(), name)
	if err != nil {
		t.Fatalf("failed to check snapshot %s: %v", name, err)
	}
	return ok
}

func TestBuild_SecondRunIsCached(t *testing.T) {
	f := newFixture(t)

	first := &progress.Recorder{}
	resp, err := f.orchestrator(t, []string{"vim"}, first).Build(context.Background())
	if err != nil {
		t.Fatalf("failed to run first build: %v", err)
	}
	if resp.State != StateDone {
		t.Errorf("got state %q, want %q", resp.State, StateDone)
	}
	image, err := os.ReadFile(resp.ImagePath)
	if err != nil {
		t.Fatalf("failed to read image: %v", err)
	}
	for _, line := range []string{
		"generated SSH host keys to the overlay directory",
		"packages installed",
		"copied overlay directory to the image",
		"pruned dev tools, manpages and disabled features",
		"fstab generated",
		"backed up tarbsd.yml and the overlay directory to the image",
		"mfsroot compressed",
		"wrk/tarbsd.img size 2m, generated in",
	} {
		if !first.Contains(line) {
			t.Errorf("first build output is missing %q, got %v", line, first.Lines())
		}
	}
	if !f.exists(t, snapshot.Installed) || !f.exists(t, snapshot.PkgsInstalled) {
		t.Fatalf("expected installed and pkgsInstalled snapshots after first build")
	}

	f.runner.Reset()
	second := &progress.Recorder{}
	resp, err = f.orchestrator(t, []string{"vim"}, second).Build(context.Background())
	if err != nil {
		t.Fatalf("failed to run second build: %v", err)
	}

	if f.installer.installs != 1 {
		t.Errorf("got %d base installs, want 1", f.installer.installs)
	}
	for _, prefix := range []string{"pkg", "ssh-keygen", "zopfli"} {
		if n := f.runner.Count(prefix); n != 0 {
			t.Errorf("got %d %s invocations on the cached build, want 0", n, prefix)
		}
	}
	for _, line := range []string{
		"base system unchanged, using snapshot",
		"package list unchanged, using snapshot",
		"mfsroot.gz cached",
		"kernel.gz cached",
	} {
		if !second.Contains(line) {
			t.Errorf("second build output is missing %q, got %v", line, second.Lines())
		}
	}
	if second.Contains("compressed") {
		t.Errorf("second build compressed again: %v", second.Lines())
	}
	stamp := strconv.FormatInt(defaultEpoch.Unix(), 10)
	for _, c := range f.runner.Calls() {
		if c.Name == "makefs" && argAfter(c.Args, "-T") != stamp {
			t.Errorf("got makefs %v, want -T %s", c.Args, stamp)
		}
	}

	again, err := os.ReadFile(resp.ImagePath)
	if err != nil {
		t.Fatalf("failed to read second image: %v", err)
	}
	if !bytes.Equal(image, again) {
		t.Errorf("images of identical builds differ")
	}

	builds, err := f.repo.ListBuilds(10)
	if err != nil {
		t.Fatalf("failed to list builds: %v", err)
	}
	if len(builds) != 2 {
		t.Fatalf("got %d recorded builds, want 2", len(builds))
	}
	for _, b := range builds {
		if b.Status != db.StatusSucceeded || b.State != StateDone {
			t.Errorf("got build %s/%s, want %s/%s", b.Status, b.State, db.StatusSucceeded, StateDone)
		}
		if b.ImageSize != 2<<20 {
			t.Errorf("got image size %d, want %d", b.ImageSize, 2<<20)
		}
	}
}

func TestBuild_OverlayChangeRebuildsMfsroot(t *testing.T) {
	f := newFixture(t)
	if _, err := f.orchestrator(t, nil, progress.Noop{}).Build(context.Background()); err != nil {
		t.Fatalf("failed to run first build: %v", err)
	}

	// A touched file with unchanged content still gives the same mfsroot.
	rc := filepath.Join(f.dir, "tarbsd", "etc", "rc.conf")
	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(rc, later, later); err != nil {
		t.Fatalf("failed to touch overlay rc.conf: %v", err)
	}
	touched := &progress.Recorder{}
	if _, err := f.orchestrator(t, nil, touched).Build(context.Background()); err != nil {
		t.Fatalf("failed to run build after touch: %v", err)
	}
	if !touched.Contains("mfsroot.gz cached") {
		t.Errorf("expected a cached mfsroot after a touch, got %v", touched.Lines())
	}

	if err := os.WriteFile(rc, []byte("hostname=\"edge\"\n"), 0644); err != nil {
		t.Fatalf("failed to edit overlay rc.conf: %v", err)
	}
	edited := &progress.Recorder{}
	if _, err := f.orchestrator(t, nil, edited).Build(context.Background()); err != nil {
		t.Fatalf("failed to run build after edit: %v", err)
	}
	if !edited.Contains("mfsroot compressed") || !edited.Contains("kernel.gz cached") {
		t.Errorf("expected only mfsroot to be compressed again, got %v", edited.Lines())
	}
}

func TestBuild_PackageChangeOnlyRerunsPackageStage(t *testing.T) {
	f := newFixture(t)

	if _, err := f.orchestrator(t, []string{"vim"}, progress.Noop{}).Build(context.Background()); err != nil {
		t.Fatalf("failed to run first build: %v", err)
	}

	f.runner.Reset()
	rec := &progress.Recorder{}
	if _, err := f.orchestrator(t, []string{"tmux", "vim"}, rec).Build(context.Background()); err != nil {
		t.Fatalf("failed to run second build: %v", err)
	}

	if f.installer.installs != 1 {
		t.Errorf("got %d base installs, want 1", f.installer.installs)
	}
	if !rec.Contains("base system unchanged, using snapshot") {
		t.Errorf("expected base stage to be cached, got %v", rec.Lines())
	}
	if rec.Contains("package list unchanged") {
		t.Errorf("expected package stage to rerun, got %v", rec.Lines())
	}
	calls := f.runner.Calls()
	var pkg []command.Cmd
	for _, c := range calls {
		if c.Name == "pkg" {
			pkg = append(pkg, c)
		}
	}
	if len(pkg) != 1 {
		t.Fatalf("got %d pkg invocations, want 1", len(pkg))
	}
	if got := strings.Join(pkg[0].Args[3:], " "); got != "-y tmux vim wireguard-tools-lite" {
		t.Errorf("got pkg args %q, want %q", got, "-y tmux vim wireguard-tools-lite")
	}

	resolv, err := os.ReadFile(filepath.Join(f.store.Root(), "etc", "resolv.conf"))
	if err != nil {
		t.Fatalf("failed to read resolv.conf left by the package stage: %v", err)
	}
	if !bytes.Equal(resolv, asset("resolv.conf")) {
		t.Errorf("got resolv.conf %q, want the stub", resolv)
	}
}

func TestBuild_ReorderedPackagesStayCached(t *testing.T) {
	f := newFixture(t)

	if _, err := f.orchestrator(t, []string{"vim", "tmux"}, progress.Noop{}).Build(context.Background()); err != nil {
		t.Fatalf("failed to run first build: %v", err)
	}
	rec := &progress.Recorder{}
	if _, err := f.orchestrator(t, []string{"tmux", "vim", "vim"}, rec).Build(context.Background()); err != nil {
		t.Fatalf("failed to run second build: %v", err)
	}
	if !rec.Contains("package list unchanged, using snapshot") {
		t.Errorf("expected package stage to be cached, got %v", rec.Lines())
	}
}

func TestBuild_FailedStageLeavesNoSnapshot(t *testing.T) {
	f := newFixture(t)
	f.runner.Fail("pkg", "pkg: No space left on device")

	_, err := f.orchestrator(t, []string{"vim"}, progress.Noop{}).Build(context.Background())
	var cmdErr *errors.ExternalCommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("got error %v, want ExternalCommandError", err)
	}
	if !strings.Contains(cmdErr.Output, "No space left") {
		t.Errorf("got output %q, want the pkg output", cmdErr.Output)
	}

	if f.exists(t, snapshot.PkgsInstalled) {
		t.Errorf("pkgsInstalled snapshot exists after a failed package install")
	}
	if !f.exists(t, snapshot.Installed) {
		t.Errorf("installed snapshot is gone after a failed package install")
	}
	if f.mounter.mounts != 1 || f.mounter.unmounts != 1 {
		t.Errorf("got %d mounts and %d unmounts, want 1 and 1", f.mounter.mounts, f.mounter.unmounts)
	}
	if _, err := os.Stat(f.store.Root() + "/etc/resolv.conf"); !os.IsNotExist(err) {
		t.Errorf("root was not rolled back to installed: %v", err)
	}
	if _, ok, err := hasher.NewMarker(filepath.Join(f.dir, "wrk"), markerPackages).Load(); err != nil || ok {
		t.Errorf("package marker written for a failed stage: ok=%v err=%v", ok, err)
	}

	builds, err := f.repo.ListBuilds(1)
	if err != nil {
		t.Fatalf("failed to list builds: %v", err)
	}
	if len(builds) != 1 || builds[0].Status != db.StatusFailed || builds[0].ErrorKind != "external_command" {
		t.Errorf("got builds %+v, want one failed external_command build", builds)
	}

	f.runner.On("pkg", func(command.Cmd) (*command.Result, error) { return &command.Result{}, nil })
	rec := &progress.Recorder{}
	if _, err := f.orchestrator(t, []string{"vim"}, rec).Build(context.Background()); err != nil {
		t.Fatalf("failed to rerun build: %v", err)
	}
	if f.installer.installs != 1 {
		t.Errorf("got %d base installs, want 1", f.installer.installs)
	}
	if !f.exists(t, snapshot.PkgsInstalled) {
		t.Errorf("pkgsInstalled snapshot missing after the retry")
	}
}

func TestBuild_Interrupted(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.installer.onInstall = cancel

	_, err := f.orchestrator(t, nil, progress.Noop{}).Build(ctx)
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("got error %v, want ErrInterrupted", err)
	}
	if f.exists(t, snapshot.Installed) {
		t.Errorf("installed snapshot created by an interrupted build")
	}
	if !f.exists(t, snapshot.Empty) {
		t.Errorf("empty snapshot missing")
	}

	builds, err := f.repo.ListBuilds(1)
	if err != nil {
		t.Fatalf("failed to list builds: %v", err)
	}
	if len(builds) != 1 || builds[0].Status != db.StatusInterrupted {
		t.Errorf("got builds %+v, want one interrupted build", builds)
	}
}

func TestBuild_Preflight(t *testing.T) {
	tests := []struct {
		name   string
		mod    func(*fixture, *Options)
		isKind string
	}{
		{
			name: "unknown format",
			mod: func(_ *fixture, o *Options) {
				o.Formats = []string{"img", "png"}
			},
			isKind: "configuration",
		},
		{
			name: "qemu-img missing",
			mod: func(f *fixture, o *Options) {
				f.runner.SetAvailable("qemu-img", false)
				o.Formats = []string{"qcow2"}
			},
			isKind: "precondition",
		},
		{
			name: "missing overlay",
			mod: func(f *fixture, _ *Options) {
				os.RemoveAll(filepath.Join(f.dir, "tarbsd"))
			},
			isKind: "precondition",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			o := f.orchestrator(t, nil, progress.Noop{}, func(opts *Options) { tt.mod(f, opts) })

			_, err := o.Build(context.Background())
			if got := errors.KindOf(err); got != tt.isKind {
				t.Fatalf("got error kind %q (%v), want %q", got, err, tt.isKind)
			}
			if len(f.runner.Calls()) != 0 {
				t.Errorf("got commands %v before pre-flight passed", f.runner.Commands())
			}
			if f.exists(t, snapshot.Empty) {
				t.Errorf("volume was created before pre-flight passed")
			}
		})
	}
}

func TestBuild_CredentialsAndShell(t *testing.T) {
	f := newFixture(t)
	rec := &progress.Recorder{}
	o := f.orchestrator(t, nil, rec, func(opts *Options) {
		opts.Credentials = Credentials{PasswordHash: "$6$salt$hash", SSHKey: "ssh-ed25519 AAAA test@host"}
		opts.Formats = []string{FormatRaw, "qcow2"}
	})

	resp, err := o.Build(context.Background())
	if err != nil {
		t.Fatalf("failed to build: %v", err)
	}

	if !rec.Contains("root password and ssh key set") {
		t.Errorf("expected credentials line, got %v", rec.Lines())
	}
	if rec.Contains("root password set") || rec.Contains("root ssh key set") {
		t.Errorf("expected a single credentials line, got %v", rec.Lines())
	}
	var pw *command.Cmd
	for _, c := range f.runner.Calls() {
		if c.Name == "pw" {
			pw = &c
		}
	}
	if pw == nil || pw.Stdin != "$6$salt$hash" {
		t.Fatalf("got pw call %+v, want the hash on stdin", pw)
	}
	if f.runner.Count("qemu-img convert -f raw -O qcow2") != 1 {
		t.Errorf("got commands %v, want one qcow2 conversion", f.runner.Commands())
	}
	if !rec.Contains("wrk/tarbsd.qcow2 generated") {
		t.Errorf("expected conversion line, got %v", rec.Lines())
	}
	if len(resp.Outputs) != 2 {
		t.Errorf("got outputs %v, want 2", resp.Outputs)
	}
}
