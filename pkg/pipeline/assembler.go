package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tarbsd/builder/pkg/archive"
	"github.com/tarbsd/builder/pkg/command"
	"github.com/tarbsd/builder/pkg/compress"
	"github.com/tarbsd/builder/pkg/errors"
	"github.com/tarbsd/builder/pkg/progress"
)

// Assembler turns a finalized root into a bootable image. There is one
// implementation per image layout.
type Assembler interface {
	Prepare(ctx context.Context, bc *BuildContext) error
	// PruneBoot drops every kernel module not listed and registers the
	// listed ones for loading.
	PruneBoot(ctx context.Context, bc *BuildContext, early, late []string) error
	GenFsTab(bc *BuildContext) *Fstab
	// BuildImage writes the raw image and returns its path.
	BuildImage(ctx context.Context, bc *BuildContext, quick bool, sink progress.Sink) (string, error)
}

const (
	makefsTimeout = 30 * time.Minute
	imageName     = "tarbsd.img"
	efiSize       = "32m"
)

// Modules the MFS layout cannot boot without.
var mfsRequiredModules = []string{"tarfs"}

const mfsLoaderConf = `autoboot_delay="2"
mfs_load="YES"
mfs_type="md_image"
mfs_name="/boot/mfsroot"
vfs.root.mountfrom="ufs:/dev/md0"
kern.geom.label.disk_ident.enable="0"
kern.geom.label.gptid.enable="0"
`

// MFSAssembler boots the kernel from a small UFS partition and runs the
// whole system from a compressed memory disk, with /usr as a tarfs.
type MFSAssembler struct {
	runner     command.Runner
	compressor *compress.Compressor
}

// NewMFSAssembler creates an MFSAssembler.
func NewMFSAssembler(runner command.Runner, compressor *compress.Compressor) *MFSAssembler {
	return &MFSAssembler{runner: runner, compressor: compressor}
}

func (a *MFSAssembler) Prepare(_ context.Context, bc *BuildContext) error {
	if err := os.MkdirAll(bc.RootPath("boot"), 0755); err != nil {
		return errors.Wrap(err, "failed to create boot")
	}
	return errors.Wrap(os.WriteFile(bc.RootPath("boot", "loader.conf"), []byte(mfsLoaderConf), 0644),
		"failed to write loader.conf")
}

func (a *MFSAssembler) PruneBoot(ctx context.Context, bc *BuildContext, early, late []string) error {
	early = append(append([]string{}, mfsRequiredModules...), early...)

	var keep []string
	for _, m := range append(append([]string{}, early...), late...) {
		keep = append(keep, moduleName(m))
	}

	kept := make(map[string]bool)
	for _, dir := range []string{bc.RootPath("boot", "kernel"), bc.RootPath("boot", "modules")} {
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "failed to list "+dir)
		}
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			name := e.Name()
			if name == "kernel" && filepath.Base(dir) == "kernel" {
				continue
			}
			base := moduleName(name)
			if !e.IsDir() && isModuleFile(name) && matchesAny(keep, base) {
				kept[base] = true
				continue
			}
			if err := os.RemoveAll(filepath.Join(dir, name)); err != nil {
				return errors.Wrap(err, "failed to prune "+name)
			}
		}
	}
	slog.Info("boot_pruned", "kept", len(kept))

	var loader strings.Builder
	for _, name := range expand(early, kept) {
		fmt.Fprintf(&loader, "%s_load=\"YES\"\n", name)
	}
	if err := appendFile(bc.RootPath("boot", "loader.conf"), loader.String()); err != nil {
		return err
	}
	if lateMods := expand(late, kept); len(lateMods) > 0 {
		line := fmt.Sprintf("kld_list=\"%s\"\n", strings.Join(lateMods, " "))
		if err := appendFile(bc.RootPath("etc", "defaults", "rc.conf"), line); err != nil {
			return err
		}
	}

	bc.MarkBootPruned()
	return nil
}

func (a *MFSAssembler) GenFsTab(*BuildContext) *Fstab {
	f := &Fstab{}
	f.AddLine("/dev/md0", "/", "ufs", "rw")
	f.AddLine("tmpfs", "/tmp", "tmpfs", "rw,mode=1777")
	return f
}

func (a *MFSAssembler) BuildImage(ctx context.Context, bc *BuildContext, quick bool, sink progress.Sink) (string, error) {
	bootfs := filepath.Join(bc.Wrk, "bootfs")
	efiDir := filepath.Join(bc.Wrk, "efi")
	mfsroot := filepath.Join(bc.Wrk, "mfsroot")
	efiImg := filepath.Join(bc.Wrk, "efi.part")
	bootImg := filepath.Join(bc.Wrk, "boot.part")
	image := filepath.Join(bc.Wrk, imageName)

	scratch := []string{bootfs, efiDir, mfsroot, mfsroot + ".gz", efiImg, bootImg}
	defer func() {
		for _, p := range scratch {
			os.RemoveAll(p)
		}
	}()
	for _, p := range scratch {
		if err := os.RemoveAll(p); err != nil {
			return "", errors.Wrap(err, "failed to clear "+p)
		}
	}

	usr := bc.RootPath("usr")
	sink.Start("archiving /usr")
	if err := archive.Create(ctx, bc.RootPath(".usr.tar"), usr, nil, archive.ClampModTime(bc.Epoch)); err != nil {
		return "", err
	}
	if err := os.RemoveAll(usr); err != nil {
		return "", errors.Wrap(err, "failed to remove usr")
	}
	if err := os.Mkdir(usr, 0755); err != nil {
		return "", errors.Wrap(err, "failed to create usr mount point")
	}
	sink.Finish("/usr archived")

	if err := os.MkdirAll(bootfs, 0755); err != nil {
		return "", errors.Wrap(err, "failed to create boot filesystem directory")
	}
	boot := filepath.Join(bootfs, "boot")
	if err := os.Rename(bc.RootPath("boot"), boot); err != nil {
		return "", errors.Wrap(err, "failed to move boot aside")
	}
	if err := os.Mkdir(bc.RootPath("boot"), 0755); err != nil {
		return "", errors.Wrap(err, "failed to create boot mount point")
	}

	if err := a.makefs(ctx, sink, bc.Epoch, "building mfsroot", "mfsroot built",
		"-t", "ffs", "-B", "little", "-o", "optimization=space", "-o", "minfree=0", "-o", "label=tarbsdroot",
		mfsroot, bc.Root); err != nil {
		return "", err
	}

	mfsGz, err := a.compressor.Compress(ctx, mfsroot, quick, sink)
	if err != nil {
		return "", err
	}
	if err := os.Rename(mfsGz, filepath.Join(boot, "mfsroot.gz")); err != nil {
		return "", errors.Wrap(err, "failed to move mfsroot into boot")
	}
	if _, err := a.compressor.Compress(ctx, filepath.Join(boot, "kernel", "kernel"), quick, sink); err != nil {
		return "", err
	}

	efiBoot := filepath.Join(efiDir, "EFI", "BOOT")
	if err := os.MkdirAll(efiBoot, 0755); err != nil {
		return "", errors.Wrap(err, "failed to create EFI directory")
	}
	if err := copyTree(ctx, filepath.Join(boot, "loader.efi"), filepath.Join(efiBoot, "BOOTX64.efi"), nil); err != nil {
		return "", errors.Wrap(err, "failed to copy loader.efi")
	}
	if err := a.makefs(ctx, sink, bc.Epoch, "building EFI partition", "EFI partition built",
		"-t", "msdos", "-o", "fat_type=32", "-o", "sectors_per_cluster=1", "-o", "volume_label=EFISYS",
		"-s", efiSize, efiImg, efiDir); err != nil {
		return "", err
	}
	if err := a.makefs(ctx, sink, bc.Epoch, "building boot partition", "boot partition built",
		"-t", "ffs", "-B", "little", "-o", "optimization=space", "-o", "label=tarbsdboot",
		bootImg, bootfs); err != nil {
		return "", err
	}

	sink.Start("writing " + imageName)
	_, err = a.runner.Run(ctx, command.Cmd{
		Name: "mkimg",
		Args: []string{
			"-s", "gpt", "-f", "raw",
			"-b", filepath.Join(boot, "pmbr"),
			"-p", "efi:=" + efiImg,
			"-p", "freebsd-boot:=" + filepath.Join(boot, "gptboot"),
			"-p", "freebsd-ufs:=" + bootImg,
			"-o", image,
		},
		Timeout: makefsTimeout,
	})
	if err != nil {
		return "", errors.Wrap(err, "mkimg failed")
	}
	sink.Finish(imageName + " written")
	return image, nil
}

// makefs builds a filesystem image from the directory given as the last
// argument. Every inode is stamped with epoch.
func (a *MFSAssembler) makefs(ctx context.Context, sink progress.Sink, epoch time.Time, start, finish string, args ...string) error {
	if err := clampTimes(ctx, args[len(args)-1], epoch); err != nil {
		return errors.Wrap(err, "failed to clamp file times")
	}
	sink.Start(start)
	_, err := a.runner.Run(ctx, command.Cmd{
		Name:    "makefs",
		Args:    append([]string{"-T", strconv.FormatInt(epoch.Unix(), 10)}, args...),
		Timeout: makefsTimeout,
		OnOutput: func(chunk []byte) {
			sink.Advance()
			sink.Write(chunk)
		},
	})
	if err != nil {
		return errors.Wrap(err, "makefs failed")
	}
	sink.Finish(finish)
	return nil
}

// moduleName strips directory, .ko and compression suffixes.
func moduleName(s string) string {
	base, _, _ := strings.Cut(filepath.Base(s), ".")
	return base
}

func isModuleFile(name string) bool {
	if isDebug(name) {
		return false
	}
	return strings.HasSuffix(name, ".ko") || strings.Contains(name, ".ko.")
}

func isDebug(name string) bool {
	return strings.HasSuffix(name, ".debug") || strings.HasSuffix(name, ".symbols")
}

func matchesAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

// expand resolves module patterns against the modules that were kept.
func expand(patterns []string, kept map[string]bool) []string {
	seen := make(map[string]bool)
	var out []string
	names := make([]string, 0, len(kept))
	for n := range kept {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, p := range patterns {
		for _, n := range names {
			if ok, _ := filepath.Match(moduleName(p), n); ok && !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	return out
}
