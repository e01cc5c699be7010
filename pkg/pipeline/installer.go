package pipeline

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tarbsd/builder/pkg/archive"
	"github.com/tarbsd/builder/pkg/command"
	"github.com/tarbsd/builder/pkg/errors"
	"github.com/tarbsd/builder/pkg/hasher"
	"github.com/tarbsd/builder/pkg/progress"
	"github.com/tarbsd/builder/pkg/release"
	"github.com/tarbsd/builder/pkg/security"
)

const installTimeout = 30 * time.Minute

// Installer puts a base system into an empty root.
type Installer interface {
	// Key digests everything the installed base depends on.
	Key() (hasher.Digest, error)
	Install(ctx context.Context, bc *BuildContext, sink progress.Sink) error
}

// TarballInstaller extracts kernel.txz and base.txz and patches them with
// freebsd-update.
type TarballInstaller struct {
	dist      release.DistFiles
	validator *security.Validator
	updater   *release.Updater
}

// NewTarballInstaller creates a TarballInstaller.
func NewTarballInstaller(dist release.DistFiles, validator *security.Validator, updater *release.Updater) *TarballInstaller {
	return &TarballInstaller{dist: dist, validator: validator, updater: updater}
}

func (i *TarballInstaller) Key() (hasher.Digest, error) {
	return i.dist.Digest()
}

func (i *TarballInstaller) Install(ctx context.Context, bc *BuildContext, sink progress.Sink) error {
	for _, path := range i.dist.Archives() {
		name := filepath.Base(path)
		sink.Start("extracting " + name)
		err := archive.Extract(ctx, path, bc.Root, i.validator, archive.ExtractOptions{
			OnEntry: func(entry string) {
				sink.Advance()
				sink.Write([]byte(entry + "\n"))
			},
			PreserveOwner: true,
		})
		if err != nil {
			return err
		}
		sink.Finish(name + " extracted")
	}

	result, err := i.updater.Update(ctx, bc.Root, bc.CacheDir("freebsd-update"), sink)
	if err != nil {
		return err
	}
	slog.Info("base_updated", "result", result.String())
	return finalizeInstall(bc)
}

// PkgbaseInstaller installs the base system as packages from pkg.freebsd.org.
type PkgbaseInstaller struct {
	release release.Release
	prober  *release.Prober
	runner  command.Runner
	mounter Mounter
	keysDir string
}

// NewPkgbaseInstaller creates a PkgbaseInstaller. keysDir holds the pkg
// signing keys copied into the root.
func NewPkgbaseInstaller(rel release.Release, prober *release.Prober, runner command.Runner, mounter Mounter, keysDir string) *PkgbaseInstaller {
	if keysDir == "" {
		keysDir = "/usr/share/keys/pkg"
	}
	return &PkgbaseInstaller{release: rel, prober: prober, runner: runner, mounter: mounter, keysDir: keysDir}
}

func (i *PkgbaseInstaller) Key() (hasher.Digest, error) {
	abi := i.release.ABI()
	return hasher.New().String(abi).String(i.release.RepoURL(abi)).Sum(), nil
}

func (i *PkgbaseInstaller) Install(ctx context.Context, bc *BuildContext, sink progress.Sink) error {
	abi := i.release.ABI()
	if err := i.prober.Probe(ctx, i.release.RepoURL(abi)); err != nil {
		return err
	}

	confDir := bc.RootPath("usr", "local", "etc", "pkg", "repos")
	if err := os.MkdirAll(confDir, 0755); err != nil {
		return errors.Wrap(err, "failed to create pkg repos directory")
	}
	conf := filepath.Join(confDir, "FreeBSD-base.conf")
	if err := os.WriteFile(conf, []byte(i.release.RepoConf()), 0644); err != nil {
		return errors.Wrap(err, "failed to write pkg repo configuration")
	}
	if err := copyTree(ctx, i.keysDir, bc.RootPath(strings.TrimPrefix(i.keysDir, "/")), nil); err != nil {
		return errors.Wrap(err, "failed to copy pkg keys")
	}

	pkg := []string{
		"--rootdir", bc.Root,
		"--repo-conf-dir", confDir,
		"-o", "IGNORE_OSVERSION=yes",
		"-o", "ABI=" + abi,
	}

	err := withMount(ctx, i.mounter, bc.CacheDir("pkg"), bc.RootPath("var", "cache", "pkg"), func() error {
		if _, err := i.pkg(ctx, sink, append(pkg, "update")...); err != nil {
			return err
		}
		res, err := i.runner.Run(ctx, command.Cmd{
			Name:       "pkg",
			Args:       append(pkg, "search", "Free"),
			Timeout:    installTimeout,
			KeepStdout: true,
		})
		if err != nil {
			return errors.Wrap(err, "pkg failed")
		}
		pkgs := release.BasePackages(res.Stdout)
		slog.Info("pkgbase_packages", "release", i.release.String(), "count", len(pkgs))

		sink.Start("downloading base packages")
		if _, err := i.pkg(ctx, sink, append(append(pkg, "install", "-U", "-F", "-y"), pkgs...)...); err != nil {
			return err
		}
		sink.Finish("base packages downloaded")

		sink.Start("installing base packages")
		if _, err := i.pkg(ctx, sink, append(append(pkg, "install", "-U", "-y"), pkgs...)...); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	version, err := release.InstalledVersion(bc.Root)
	if err != nil {
		return err
	}
	sink.Finish(version + " installed")

	if err := os.Remove(conf); err != nil {
		return errors.Wrap(err, "failed to remove pkg repo configuration")
	}
	return finalizeInstall(bc)
}

func (i *PkgbaseInstaller) pkg(ctx context.Context, sink progress.Sink, args ...string) (*command.Result, error) {
	res, err := i.runner.Run(ctx, command.Cmd{
		Name:    "pkg",
		Args:    args,
		Timeout: installTimeout,
		OnOutput: func(chunk []byte) {
			sink.Advance()
			sink.Write(chunk)
		},
	})
	return res, errors.Wrap(err, "pkg failed")
}

const sshdHardening = `PasswordAuthentication no
PermitRootLogin yes
`

const rcDefaults = `entropy_boot_file="NO"
entropy_file="NO"
clear_tmp_X="NO"
varmfs="NO"
tarbsdinit_enable="YES"
`

// finalizeInstall adjusts a freshly installed base for running from memory.
func finalizeInstall(bc *BuildContext) error {
	for _, dir := range []string{"boot/modules", "var/cache/pkg", "usr/local/etc/pkg"} {
		if err := os.MkdirAll(bc.RootPath(dir), 0755); err != nil {
			return errors.Wrap(err, "failed to create "+dir)
		}
	}

	varTmp := bc.RootPath("var", "tmp")
	if err := os.RemoveAll(varTmp); err != nil {
		return errors.Wrap(err, "failed to remove var/tmp")
	}
	if err := os.Symlink("../tmp", varTmp); err != nil {
		return errors.Wrap(err, "failed to link var/tmp")
	}

	if err := appendFile(bc.RootPath("etc", "ssh", "sshd_config"), sshdHardening); err != nil {
		return err
	}
	return appendFile(bc.RootPath("etc", "defaults", "rc.conf"), rcDefaults)
}

// appendFile appends content to path, creating it and its directory.
func appendFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "failed to create directory of "+path)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrap(err, "failed to open "+path)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return errors.Wrap(err, "failed to append to "+path)
	}
	return errors.Wrap(f.Close(), "failed to close "+path)
}
