package pipeline

import (
	"context"
	"embed"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/tarbsd/builder/pkg/archive"
	"github.com/tarbsd/builder/pkg/command"
	"github.com/tarbsd/builder/pkg/errors"
	"github.com/tarbsd/builder/pkg/feature"
	"github.com/tarbsd/builder/pkg/progress"
)

//go:embed assets/tarbsdinit assets/motd assets/LICENSE assets/resolv.conf
var assets embed.FS

const (
	backupArchive    = "root/tarbsdBackup.tar.zst"
	fstabGeneratedBy = "lines above this were auto-generated by tarBSD builder"
)

var hostKeyAlgorithms = []string{"rsa", "ecdsa", "ed25519"}

// Credentials are optionally injected for root.
type Credentials struct {
	PasswordHash string
	SSHKey       string
}

func asset(name string) []byte {
	data, err := assets.ReadFile("assets/" + name)
	if err != nil {
		panic(err)
	}
	return data
}

// ensureHostKeys generates missing SSH host keys into the overlay so they
// survive rebuilds.
func ensureHostKeys(ctx context.Context, runner command.Runner, overlay string, sink progress.Sink) error {
	dir := filepath.Join(overlay, "etc", "ssh")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "failed to create ssh directory in overlay")
	}

	generated := false
	for _, alg := range hostKeyAlgorithms {
		key := filepath.Join(dir, "ssh_host_"+alg+"_key")
		if _, err := os.Stat(key); err == nil {
			continue
		}
		if _, err := runner.Run(ctx, command.Cmd{
			Name: "ssh-keygen",
			Args: []string{"-q", "-t", alg, "-f", key, "-N", ""},
		}); err != nil {
			return errors.Wrap(err, "failed to generate "+alg+" host key")
		}
		res, err := runner.Run(ctx, command.Cmd{Name: "ssh-keygen", Args: []string{"-l", "-f", key + ".pub"}})
		if err != nil {
			return errors.Wrap(err, "failed to read "+alg+" host key fingerprint")
		}
		slog.Info("host_key_generated", "algorithm", alg, "fingerprint", strings.TrimSpace(res.Stdout))
		generated = true
	}

	if generated {
		sink.Println("generated SSH host keys to the overlay directory")
	}
	return nil
}

// backup stores tarbsd.yml and the overlay inside the image.
func backup(ctx context.Context, bc *BuildContext, sink progress.Sink) error {
	dest := bc.RootPath(backupArchive)
	if err := os.MkdirAll(filepath.Dir(dest), 0700); err != nil {
		return errors.Wrap(err, "failed to create backup directory")
	}
	if err := archive.Create(ctx, dest, bc.Dir, []string{"tarbsd.yml", "tarbsd"}, archive.ClampModTime(bc.Epoch)); err != nil {
		return errors.Wrap(err, "failed to back up project")
	}
	sink.Println("backed up tarbsd.yml and the overlay directory to the image")
	return nil
}

// writeFstab renders the strategy lines, the mounts every image gets and
// whatever etc/fstab the overlay brought along.
func writeFstab(bc *BuildContext, base *Fstab, sink progress.Sink) error {
	fstab := &Fstab{}
	fstab.Append(base)
	fstab.AddLine("/.usr.tar", "/usr", "tarfs", "ro,as=tarfs")

	linux, err := bc.HasKernelModule("linux_common")
	if err != nil {
		return err
	}
	for _, m := range []struct {
		module, device, mnt string
		linux               bool
	}{
		{"fdescfs", "fdesc", "/dev/fd", false},
		{"procfs", "proc", "/proc", false},
		{"linprocfs", "linprocfs", "/compat/linux/proc", true},
		{"linsysfs", "linsysfs", "/compat/linux/sys", true},
	} {
		ok, err := bc.HasKernelModule(m.module)
		if err != nil {
			return err
		}
		if ok && (linux || !m.linux) {
			fstab.AddLine(m.device, m.mnt, m.module, "rw")
		}
	}

	if linux {
		for _, dir := range []string{"compat/linux/proc", "compat/linux/sys", "compat/linux/dev"} {
			if err := os.MkdirAll(bc.RootPath(dir), 0755); err != nil {
				return errors.Wrap(err, "failed to create "+dir)
			}
		}
		shm := bc.RootPath("compat", "linux", "dev", "shm")
		if err := os.RemoveAll(shm); err != nil {
			return errors.Wrap(err, "failed to remove compat/linux/dev/shm")
		}
		if err := os.Symlink("../../../tmp", shm); err != nil {
			return errors.Wrap(err, "failed to link compat/linux/dev/shm")
		}
	}

	path := bc.RootPath("etc", "fstab")
	existing, err := ReadFstab(path)
	switch {
	case err == nil:
		fstab.AddEmptyLine()
		fstab.AddComment(fstabGeneratedBy)
		fstab.AddEmptyLine()
		fstab.Append(existing)
	case !os.IsNotExist(err):
		return errors.Wrap(err, "failed to read fstab")
	}

	if err := os.WriteFile(path, []byte(fstab.String()), 0644); err != nil {
		return errors.Wrap(err, "failed to write fstab")
	}
	sink.Println("fstab generated")
	return nil
}

// installAssets drops the files every image carries.
func installAssets(bc *BuildContext) error {
	if err := appendFile(bc.RootPath("COPYRIGHT"), "\n"+string(asset("LICENSE"))); err != nil {
		return err
	}
	rcd := bc.RootPath("etc", "rc.d")
	if err := os.MkdirAll(rcd, 0755); err != nil {
		return errors.Wrap(err, "failed to create etc/rc.d")
	}
	if err := os.WriteFile(filepath.Join(rcd, "tarbsdinit"), asset("tarbsdinit"), 0555); err != nil {
		return errors.Wrap(err, "failed to install tarbsdinit")
	}
	if err := os.WriteFile(bc.RootPath("etc", "motd.template"), asset("motd"), 0644); err != nil {
		return errors.Wrap(err, "failed to install motd template")
	}
	return nil
}

// setCredentials applies the root password hash and ssh key.
func setCredentials(ctx context.Context, runner command.Runner, bc *BuildContext, creds Credentials, sink progress.Sink) error {
	if creds.PasswordHash != "" {
		_, err := runner.Run(ctx, command.Cmd{
			Name:  "pw",
			Args:  []string{"-V", bc.RootPath("etc"), "usermod", "root", "-H", "0"},
			Stdin: creds.PasswordHash,
		})
		if err != nil {
			return errors.Wrap(err, "failed to set root password")
		}
	}

	if creds.SSHKey != "" {
		dir := bc.RootPath("root", ".ssh")
		if err := os.MkdirAll(dir, 0700); err != nil {
			return errors.Wrap(err, "failed to create root .ssh")
		}
		key := strings.TrimSpace(creds.SSHKey) + "\n"
		if err := appendFile(filepath.Join(dir, "authorized_keys"), key); err != nil {
			return err
		}
		if err := os.Chmod(filepath.Join(dir, "authorized_keys"), 0600); err != nil {
			return errors.Wrap(err, "failed to chmod authorized_keys")
		}
	}

	switch {
	case creds.PasswordHash != "" && creds.SSHKey != "":
		sink.Println("root password and ssh key set")
	case creds.PasswordHash != "":
		sink.Println("root password set")
	case creds.SSHKey != "":
		sink.Println("root ssh key set")
	}
	return nil
}

// enableShell turns on the configured remote shell daemon. The rc settings
// go to etc/defaults/rc.conf so the overlay's rc.conf can override them.
func enableShell(bc *BuildContext, shell feature.Shell, sink progress.Sink) error {
	rcConf := bc.RootPath("etc", "defaults", "rc.conf")
	switch shell {
	case feature.ShellDropbear:
		dir := bc.RootPath("usr", "local", "etc", "dropbear")
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, "failed to create dropbear directory")
		}
		for _, alg := range hostKeyAlgorithms {
			links := map[string]string{
				"dropbear_" + alg + "_host_key":     "../../../../var/run/dropbear/dropbear_" + alg + "_host_key",
				"dropbear_" + alg + "_host_key.pub": "../../../../etc/ssh/ssh_host_" + alg + "_key.pub",
			}
			for name, target := range links {
				link := filepath.Join(dir, name)
				if err := os.RemoveAll(link); err != nil {
					return errors.Wrap(err, "failed to replace "+link)
				}
				if err := os.Symlink(target, link); err != nil {
					return errors.Wrap(err, "failed to link "+link)
				}
			}
		}
		if err := appendFile(rcConf, "dropbear_enable=\"YES\"\ndropbear_args=\"-s\"\n"); err != nil {
			return err
		}
		sink.Println("dropbear enabled")
	case feature.ShellOpenSSH:
		if err := appendFile(rcConf, "sshd_enable=\"YES\"\n"); err != nil {
			return err
		}
		sink.Println("openssh enabled")
	}
	return nil
}
